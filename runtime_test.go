package zbus

import (
	"bufio"
	"context"
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Receive loop", func() {
	var ctx context.Context
	var cancel context.CancelFunc

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	})

	AfterEach(func() {
		cancel()
	})

	It("reports undecodable messages and keeps reading", func() {
		clientSock, serverSock := net.Pipe()

		good := NewSignalMessage("/r", "org.zbus.rx", "Survivor")
		good.SetSerial(1)
		goodFrame, err := marshalMessage(good)
		Expect(err).ToNot(HaveOccurred())

		bad := NewSignalMessage("/r", "org.zbus.rx", "Mangled")
		bad.SetSerial(2)
		badFrame, err := marshalMessage(bad)
		Expect(err).ToNot(HaveOccurred())
		badFrame[3] = 2 // unsupported protocol version

		go func() {
			defer GinkgoRecover()
			rd := bufio.NewReader(serverSock)
			_, err := authenticateServer(serverSock, rd, testGUID, false)
			Expect(err).ToNot(HaveOccurred())
			_, err = serverSock.Write(badFrame)
			Expect(err).ToNot(HaveOccurred())
			_, err = serverSock.Write(goodFrame)
			Expect(err).ToNot(HaveOccurred())
		}()

		client, err := Conn(clientSock).P2P().Logger(quietLogger()).Build(ctx)
		Expect(err).ToNot(HaveOccurred())
		defer client.Close()
		stream := client.ReceiveMessages()
		defer stream.Close()

		// The protocol error lands on the error channel...
		var perr *ProtocolError
		Eventually(client.Errors()).Should(Receive(BeAssignableToTypeOf(perr)))

		// ...and the following message still comes through.
		m, err := stream.Next(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(m.Member).To(Equal("Survivor"))
	})

	It("closes every consumer when the socket dies", func() {
		client, server, err := newP2PPair(ctx)
		Expect(err).ToNot(HaveOccurred())
		defer client.Close()

		stream := client.ReceiveMessages()
		server.Close()

		_, err = stream.Next(ctx)
		Expect(err).To(MatchError(ErrStreamClosed))
		Eventually(client.Errors()).Should(Receive(HaveOccurred()))
	})
})

var _ = Describe("External executor", func() {
	It("runs no connection task until the caller drives it", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		clientSock, serverSock := net.Pipe()

		serverCh := make(chan *Connection, 1)
		go func() {
			defer GinkgoRecover()
			conn, err := Conn(serverSock).Server(testGUID).P2P().Logger(quietLogger()).Build(ctx)
			Expect(err).ToNot(HaveOccurred())
			serverCh <- conn
		}()

		client, err := Conn(clientSock).P2P().InternalExecutor(false).Logger(quietLogger()).Build(ctx)
		Expect(err).ToNot(HaveOccurred())
		defer client.Close()
		server := <-serverCh
		defer server.Close()

		stream := client.ReceiveMessages()
		defer stream.Close()

		// The pipe is unbuffered, so the emit only completes once the
		// client's receiver actually runs.
		emitDone := make(chan error, 1)
		go func() {
			emitDone <- server.EmitSignal("", "/e", "org.zbus.exec", "Tick")
		}()

		// Nothing is received while the executor sits idle.
		shortCtx, shortCancel := context.WithTimeout(ctx, 200*time.Millisecond)
		_, err = stream.Next(shortCtx)
		shortCancel()
		Expect(err).To(MatchError(context.DeadlineExceeded))

		runCtx, stopRun := context.WithCancel(ctx)
		defer stopRun()
		go client.Executor().Run(runCtx)

		Eventually(emitDone).Should(Receive(Succeed()))
		m, err := stream.Next(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(m.Member).To(Equal("Tick"))
	})
})
