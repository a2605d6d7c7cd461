package zbus

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Match registry", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		client *Connection
		bus    *fakeBus
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
		var err error
		client, bus, err = newFakeBus(ctx, nil)
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		client.Close()
		bus.close()
		cancel()
	})

	It("says hello and records the unique name exactly once", func() {
		Expect(client.UniqueName()).To(Equal(":1.0"))
		Expect(client.IsBus()).To(BeTrue())
		Expect(func() { client.setUniqueName(":1.1") }).To(Panic())
	})

	It("sends one AddMatch per distinct expression and one RemoveMatch at zero", func() {
		proxy, err := NewProxy(client, ":1.5", "/obj", "org.example.I")
		Expect(err).ToNot(HaveOccurred())

		expr := (&MatchRule{
			Type:      TypeSignal,
			Sender:    ":1.5",
			Path:      "/obj",
			Interface: "org.example.I",
			Member:    "Sig",
		}).String()

		first, err := proxy.ReceiveSignal(ctx, "Sig")
		Expect(err).ToNot(HaveOccurred())
		second, err := proxy.ReceiveSignal(ctx, "Sig")
		Expect(err).ToNot(HaveOccurred())

		// Two concurrent subscriptions share one bus-side reservation.
		Expect(bus.addMatchCalls(expr)).To(Equal(1))

		// Dropping the first keeps the reservation in place.
		first.Close()
		Consistently(func() int { return bus.removeMatchCalls(expr) }, 200*time.Millisecond).
			Should(BeZero())

		// Dropping the second triggers exactly one RemoveMatch.
		second.Close()
		Eventually(func() int { return bus.removeMatchCalls(expr) }).Should(Equal(1))
		Consistently(func() int { return bus.removeMatchCalls(expr) }, 200*time.Millisecond).
			Should(Equal(1))
	})

	It("balances AddMatch and RemoveMatch across arbitrary interleavings", func() {
		exprs := []string{
			"type='signal',interface='org.example.A'",
			"type='signal',interface='org.example.B'",
		}
		for round := 0; round < 3; round++ {
			for _, expr := range exprs {
				Expect(client.AddMatch(ctx, expr)).To(Succeed())
			}
			Expect(client.AddMatch(ctx, exprs[0])).To(Succeed())
			ok, err := client.RemoveMatch(ctx, exprs[0])
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			for _, expr := range exprs {
				ok, err := client.RemoveMatch(ctx, expr)
				Expect(err).ToNot(HaveOccurred())
				Expect(ok).To(BeTrue())
			}
		}
		for _, expr := range exprs {
			Expect(bus.addMatchCalls(expr)).To(Equal(3))
			Expect(bus.removeMatchCalls(expr)).To(Equal(3))
		}

		ok, err := client.RemoveMatch(ctx, exprs[0])
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeFalse(), "removing an unreserved expression is a no-op")
	})

	It("registers a well-known name and observes the bus signals", func() {
		const wellKnown = "org.example.zbus.Test"

		acquired, err := NewProxy(client, BusDaemonName, BusDaemonPath, BusDaemonIface)
		Expect(err).ToNot(HaveOccurred())
		nameAcquired, err := acquired.ReceiveSignal(ctx, "NameAcquired")
		Expect(err).ToNot(HaveOccurred())
		defer nameAcquired.Close()
		ownerChanged, err := acquired.ReceiveSignal(ctx, "NameOwnerChanged")
		Expect(err).ToNot(HaveOccurred())
		defer ownerChanged.Close()

		Expect(client.RequestName(ctx, wellKnown)).To(Succeed())

		m, err := ownerChanged.Next(ctx)
		Expect(err).ToNot(HaveOccurred())
		var name, oldOwner, newOwner string
		Expect(m.Args(&name, &oldOwner, &newOwner)).To(Succeed())
		Expect(name).To(Equal(wellKnown))
		Expect(oldOwner).To(BeEmpty())
		Expect(newOwner).To(Equal(client.UniqueName()))

		m, err = nameAcquired.Next(ctx)
		Expect(err).ToNot(HaveOccurred())
		var acquiredName string
		Expect(m.Args(&acquiredName)).To(Succeed())
		Expect(acquiredName).To(Equal(wellKnown))

		// Requesting again is a no-op.
		Expect(client.RequestName(ctx, wellKnown)).To(Succeed())
		bus.mu.Lock()
		requests := len(bus.requested)
		bus.mu.Unlock()
		Expect(requests).To(Equal(1))

		released, err := client.ReleaseName(ctx, wellKnown)
		Expect(err).ToNot(HaveOccurred())
		Expect(released).To(BeTrue())

		released, err = client.ReleaseName(ctx, wellKnown)
		Expect(err).ToNot(HaveOccurred())
		Expect(released).To(BeFalse(), "releasing a name that is no longer held is a no-op")
	})

	It("fetches the bus id", func() {
		id, err := client.BusDaemonClient().GetId(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(id).To(Equal(testGUID))
	})

	It("keeps serving other calls when one call fails", func() {
		_, err := client.CallMethod(ctx, BusDaemonName, BusDaemonPath, BusDaemonIface, "NoSuchMethod")
		var merr *MethodError
		Expect(err).To(BeAssignableToTypeOf(merr))

		id, err := client.BusDaemonClient().GetId(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(id).To(Equal(testGUID))
	})
})

var _ = Describe("Match expressions on the wire", func() {
	It("concatenates the stream selection into a match expression", func() {
		expr := fmt.Sprintf("type='signal',sender='%s',path='%s',interface='%s',member='%s'",
			"org.example.Svc", "/obj", "org.example.I", "Sig")
		rule := MatchRule{
			Type:      TypeSignal,
			Sender:    "org.example.Svc",
			Path:      "/obj",
			Interface: "org.example.I",
			Member:    "Sig",
		}
		Expect(rule.String()).To(Equal(expr))
	})
})
