package zbus

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Broadcast bus", func() {
	var ctx context.Context
	var cancel context.CancelFunc

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	})

	AfterEach(func() {
		cancel()
	})

	msg := func(seq MessageSequence) *Message {
		m := NewSignalMessage("/b", "org.zbus.bcast", "M")
		m.recvSeq = seq
		return m
	}

	It("delivers every message to every subscriber in order", func() {
		b := newBroadcaster(8)
		first := b.subscribe()
		second := b.subscribe()

		for i := 1; i <= 3; i++ {
			b.send(msg(MessageSequence(i)))
		}
		for _, sub := range []*MessageStream{first, second} {
			for i := 1; i <= 3; i++ {
				m, seq, err := sub.NextSequenced(ctx)
				Expect(err).ToNot(HaveOccurred())
				Expect(seq).To(Equal(MessageSequence(i)))
				Expect(m.Member).To(Equal("M"))
			}
		}
	})

	It("blocks the sender while any subscriber is full, and resumes on drain", func() {
		b := newBroadcaster(2)
		slow := b.subscribe()
		defer slow.Close()

		sent := make(chan int, 4)
		go func() {
			for i := 1; i <= 3; i++ {
				b.send(msg(MessageSequence(i)))
				sent <- i
			}
		}()

		// Two fit in the queue; the third must stall the sender.
		Eventually(sent).Should(Receive(Equal(1)))
		Eventually(sent).Should(Receive(Equal(2)))
		Consistently(sent, 200*time.Millisecond).ShouldNot(Receive())

		_, err := slow.Next(ctx)
		Expect(err).ToNot(HaveOccurred())
		Eventually(sent).Should(Receive(Equal(3)))
	})

	It("unblocks the sender when the slow subscriber closes", func() {
		b := newBroadcaster(1)
		slow := b.subscribe()

		sent := make(chan struct{})
		go func() {
			b.send(msg(1))
			b.send(msg(2))
			close(sent)
		}()

		Consistently(sent, 100*time.Millisecond).ShouldNot(BeClosed())
		slow.Close()
		Eventually(sent).Should(BeClosed())
	})

	It("drains queued messages after close, then reports end of stream", func() {
		b := newBroadcaster(4)
		sub := b.subscribe()
		b.send(msg(1))
		b.close()

		m, err := sub.Next(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(m.ReceiveSequence()).To(Equal(MessageSequence(1)))

		_, err = sub.Next(ctx)
		Expect(err).To(MatchError(ErrStreamClosed))
	})

	It("applies a new capacity to subsequent subscribers", func() {
		b := newBroadcaster(1)
		b.setCapacity(3)
		Expect(b.getCapacity()).To(Equal(3))
		sub := b.subscribe()
		defer sub.Close()

		done := make(chan struct{})
		go func() {
			for i := 1; i <= 3; i++ {
				b.send(msg(MessageSequence(i)))
			}
			close(done)
		}()
		Eventually(done).Should(BeClosed())
	})
})
