package zbus

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Proxy", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		client *Connection
		bus    *fakeBus
	)

	newBus := func(configure func(b *fakeBus)) {
		var err error
		client, bus, err = newFakeBus(ctx, configure)
		Expect(err).ToNot(HaveOccurred())
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
	})

	AfterEach(func() {
		if client != nil {
			client.Close()
		}
		if bus != nil {
			bus.close()
		}
		cancel()
	})

	Describe("SignalStream sender tracking", func() {
		It("only yields signals from the resolved owner of the destination", func() {
			newBus(func(b *fakeBus) {
				b.owners["org.example.Svc"] = ":1.5"
				// Once the owner query is answered, stage a spoofed
				// signal, a genuine one, an ownership change, a stale
				// one and a fresh one — in wire order.
				b.afterCall["GetNameOwner"] = func(b *fakeBus, call *Message) {
					b.signal(":1.6", "/obj", "org.example.I", "Sig", "spoofed")
					b.signal(":1.5", "/obj", "org.example.I", "Sig", "genuine")
					b.signal(BusDaemonName, BusDaemonPath, BusDaemonIface, "NameOwnerChanged",
						"org.example.Svc", ":1.5", ":1.7")
					b.signal(":1.5", "/obj", "org.example.I", "Sig", "stale")
					b.signal(":1.7", "/obj", "org.example.I", "Sig", "fresh")
				}
			})

			proxy, err := NewProxy(client, "org.example.Svc", "/obj", "org.example.I")
			Expect(err).ToNot(HaveOccurred())
			stream, err := proxy.ReceiveSignal(ctx, "Sig")
			Expect(err).ToNot(HaveOccurred())
			defer stream.Close()

			m, err := stream.Next(ctx)
			Expect(err).ToNot(HaveOccurred())
			var body string
			Expect(m.Args(&body)).To(Succeed())
			Expect(body).To(Equal("genuine"))
			Expect(m.Sender).To(Equal(":1.5"))

			m, err = stream.Next(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(m.Args(&body)).To(Succeed())
			Expect(body).To(Equal("fresh"))
			Expect(m.Sender).To(Equal(":1.7"))
		})

		It("accepts nothing until the destination owner is resolved", func() {
			newBus(nil) // no owner registered: GetNameOwner fails

			proxy, err := NewProxy(client, "org.example.Svc", "/obj", "org.example.I")
			Expect(err).ToNot(HaveOccurred())
			stream, err := proxy.ReceiveSignal(ctx, "Sig")
			Expect(err).ToNot(HaveOccurred())
			defer stream.Close()

			bus.signal(":1.6", "/obj", "org.example.I", "Sig", "unsolicited")

			shortCtx, shortCancel := context.WithTimeout(ctx, 300*time.Millisecond)
			defer shortCancel()
			_, err = stream.Next(shortCtx)
			Expect(err).To(MatchError(context.DeadlineExceeded))

			// An ownership change resolves the sender and unblocks the
			// stream.
			bus.signal(BusDaemonName, BusDaemonPath, BusDaemonIface, "NameOwnerChanged",
				"org.example.Svc", "", ":1.8")
			bus.signal(":1.8", "/obj", "org.example.I", "Sig", "first-owner")

			m, err := stream.Next(ctx)
			Expect(err).ToNot(HaveOccurred())
			var body string
			Expect(m.Args(&body)).To(Succeed())
			Expect(body).To(Equal("first-owner"))
		})

		It("exposes arrival sequence numbers in order", func() {
			newBus(func(b *fakeBus) {
				b.owners["org.example.Svc"] = ":1.5"
				b.afterCall["GetNameOwner"] = func(b *fakeBus, call *Message) {
					b.signal(":1.5", "/obj", "org.example.I", "Sig", "one")
					b.signal(":1.5", "/obj", "org.example.I", "Sig", "two")
				}
			})

			proxy, err := NewProxy(client, "org.example.Svc", "/obj", "org.example.I")
			Expect(err).ToNot(HaveOccurred())
			stream, err := proxy.ReceiveSignal(ctx, "Sig")
			Expect(err).ToNot(HaveOccurred())
			defer stream.Close()

			_, seq1, err := stream.NextSequenced(ctx)
			Expect(err).ToNot(HaveOccurred())
			_, seq2, err := stream.NextSequenced(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(seq2).To(BeNumerically(">", seq1))
		})

		It("tracks destination owners through OwnerChangedStream", func() {
			newBus(func(b *fakeBus) {
				b.owners["org.example.Svc"] = ":1.5"
			})

			proxy, err := NewProxy(client, "org.example.Svc", "/obj", "org.example.I")
			Expect(err).ToNot(HaveOccurred())
			owners, err := proxy.ReceiveOwnerChanged(ctx)
			Expect(err).ToNot(HaveOccurred())
			defer owners.Close()
			Expect(owners.Name()).To(Equal("org.example.Svc"))

			bus.signal(BusDaemonName, BusDaemonPath, BusDaemonIface, "NameOwnerChanged",
				"org.other.Svc", "", ":1.9")
			bus.signal(BusDaemonName, BusDaemonPath, BusDaemonIface, "NameOwnerChanged",
				"org.example.Svc", ":1.5", ":1.7")
			bus.signal(BusDaemonName, BusDaemonPath, BusDaemonIface, "NameOwnerChanged",
				"org.example.Svc", ":1.7", "")

			owner, err := owners.Next(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(owner).To(Equal(":1.7"))
			owner, err = owners.Next(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(owner).To(BeEmpty())
		})
	})

	Describe("property cache", func() {
		It("never lets GetAll overwrite a fresher change notification", func() {
			newBus(func(b *fakeBus) {
				b.getAllProps = map[string]Variant{
					"foo": {Value: int32(1)},
					"bar": {Value: int32(3)},
				}
				// The change signal hits the broadcast before the
				// GetAll reply does.
				b.beforeGetAllReply = func(b *fakeBus, call *Message) {
					b.signal(":1.9", "/obj", PropertiesIface, "PropertiesChanged",
						"org.example.I",
						map[string]Variant{"foo": {Value: int32(2)}},
						[]string{})
				}
			})

			proxy, err := NewProxyWithCache(ctx, client, ":1.9", "/obj", "org.example.I", CachePropertiesYes)
			Expect(err).ToNot(HaveOccurred())

			// GetProperty waits for the first population to finish.
			v, err := proxy.GetProperty(ctx, "bar")
			Expect(err).ToNot(HaveOccurred())
			Expect(v.Value).To(Equal(int32(3)))

			foo := proxy.CachedProperty("foo")
			Expect(foo).ToNot(BeNil())
			Expect(foo.Value).To(Equal(int32(2)), "the earlier-arriving change must win")
			bar := proxy.CachedProperty("bar")
			Expect(bar).ToNot(BeNil())
			Expect(bar.Value).To(Equal(int32(3)))
		})

		It("invalidation empties the slot and the stream refetches on read", func() {
			newBus(func(b *fakeBus) {
				b.getAllProps = map[string]Variant{"foo": {Value: int32(1)}}
				b.getProps["foo"] = Variant{Value: int32(5)}
			})

			proxy, err := NewProxyWithCache(ctx, client, ":1.9", "/obj", "org.example.I", CachePropertiesYes)
			Expect(err).ToNot(HaveOccurred())

			// Populate first so the stream only observes the
			// invalidation.
			_, err = proxy.GetProperty(ctx, "foo")
			Expect(err).ToNot(HaveOccurred())
			stream := proxy.ReceivePropertyChanged("foo")

			bus.signal(":1.9", "/obj", PropertiesIface, "PropertiesChanged",
				"org.example.I", map[string]Variant{}, []string{"foo"})

			changed, err := stream.Next(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(changed.Name()).To(Equal("foo"))
			Expect(proxy.CachedProperty("foo")).To(BeNil(), "invalidated slot reads as a miss")

			// Reading the notification value transparently refetches.
			v, err := changed.Value(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(v.Value).To(Equal(int32(5)))
			Expect(proxy.CachedProperty("foo")).ToNot(BeNil())
		})

		It("wakes property streams on every change", func() {
			newBus(func(b *fakeBus) {
				b.getAllProps = map[string]Variant{}
			})

			proxy, err := NewProxyWithCache(ctx, client, ":1.9", "/obj", "org.example.I", CachePropertiesYes)
			Expect(err).ToNot(HaveOccurred())
			stream := proxy.ReceivePropertyChanged("count")

			for i := int32(1); i <= 3; i++ {
				bus.signal(":1.9", "/obj", PropertiesIface, "PropertiesChanged",
					"org.example.I", map[string]Variant{"count": {Value: i}}, []string{})
				changed, err := stream.Next(ctx)
				Expect(err).ToNot(HaveOccurred())
				v, err := changed.Value(ctx)
				Expect(err).ToNot(HaveOccurred())
				Expect(v.Value).To(Equal(i))
			}
		})

		It("falls back to a Get call for uncached properties", func() {
			newBus(func(b *fakeBus) {
				b.getAllProps = map[string]Variant{}
				b.getProps["lazy"] = Variant{Value: "remote"}
			})

			proxy, err := NewProxyWithCache(ctx, client, ":1.9", "/obj", "org.example.I", CachePropertiesYes)
			Expect(err).ToNot(HaveOccurred())

			Expect(proxy.CachedProperty("lazy")).To(BeNil())
			v, err := proxy.GetProperty(ctx, "lazy")
			Expect(err).ToNot(HaveOccurred())
			Expect(v.Value).To(Equal("remote"))
		})

		It("ignores change notifications for other interfaces", func() {
			newBus(func(b *fakeBus) {
				b.getAllProps = map[string]Variant{"foo": {Value: int32(1)}}
			})

			proxy, err := NewProxyWithCache(ctx, client, ":1.9", "/obj", "org.example.I", CachePropertiesYes)
			Expect(err).ToNot(HaveOccurred())
			_, err = proxy.GetProperty(ctx, "foo")
			Expect(err).ToNot(HaveOccurred())

			bus.signal(":1.9", "/obj", PropertiesIface, "PropertiesChanged",
				"org.other.I", map[string]Variant{"foo": {Value: int32(9)}}, []string{})

			Consistently(func() interface{} {
				v := proxy.CachedProperty("foo")
				if v == nil {
					return nil
				}
				return v.Value
			}, 200*time.Millisecond).Should(Equal(int32(1)))
		})
	})

	Describe("lifecycle", func() {
		It("schedules removal of the destination owner watch on Close", func() {
			newBus(func(b *fakeBus) {
				b.owners["org.example.Svc"] = ":1.5"
			})

			proxy, err := NewProxy(client, "org.example.Svc", "/obj", "org.example.I")
			Expect(err).ToNot(HaveOccurred())
			stream, err := proxy.ReceiveSignal(ctx, "Sig")
			Expect(err).ToNot(HaveOccurred())

			watchExpr := (&MatchRule{
				Type:      TypeSignal,
				Sender:    BusDaemonName,
				Path:      BusDaemonPath,
				Interface: BusDaemonIface,
				Member:    "NameOwnerChanged",
				Arg0:      "org.example.Svc",
			}).String()
			Expect(bus.addMatchCalls(watchExpr)).To(Equal(1))

			stream.Close()
			proxy.Close()
			Eventually(func() int { return bus.removeMatchCalls(watchExpr) }).Should(Equal(1))
		})
	})
})
