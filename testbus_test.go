package zbus

import (
	"context"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// Test helpers: a net.Pipe-backed peer-to-peer pair (in memory, so fd passing
// is never negotiated) and a scriptable in-process stand-in for the bus
// daemon.

const testGUID = "30662e372e96dd7ca3abb118b7d0fb1c"

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// newP2PPair builds client and server p2p connections over a pipe. Both use
// the internal executor.
func newP2PPair(ctx context.Context) (client, server *Connection, err error) {
	clientSock, serverSock := net.Pipe()

	type result struct {
		conn *Connection
		err  error
	}
	serverCh := make(chan result, 1)
	go func() {
		conn, err := Conn(serverSock).Server(testGUID).P2P().Logger(quietLogger()).Build(ctx)
		serverCh <- result{conn, err}
	}()

	client, err = Conn(clientSock).P2P().Logger(quietLogger()).Build(ctx)
	serverResult := <-serverCh
	if err == nil {
		err = serverResult.err
	}
	if err != nil {
		if client != nil {
			client.Close()
		}
		if serverResult.conn != nil {
			serverResult.conn.Close()
		}
		return nil, nil, err
	}
	return client, serverResult.conn, nil
}

// fakeBus impersonates the bus daemon on the server half of a pipe. It
// answers the well-known org.freedesktop.DBus methods, records AddMatch and
// RemoveMatch calls, and lets tests inject messages mid-conversation.
type fakeBus struct {
	conn   *Connection
	stream *MessageStream
	cancel context.CancelFunc

	mu            sync.Mutex
	addMatches    []string
	removeMatches []string
	owners        map[string]string
	getAllProps   map[string]Variant
	getProps      map[string]Variant
	requested     []string

	// beforeGetAllReply runs after a GetAll call is received but before
	// its reply goes out, which is how tests stage the property race.
	beforeGetAllReply func(b *fakeBus, call *Message)
	// afterCall runs after the reply to the named member went out.
	afterCall map[string]func(b *fakeBus, call *Message)
}

// newFakeBus connects a bus-mode client to a scripted daemon. configure runs
// before the daemon starts answering (and before the client's Hello).
func newFakeBus(ctx context.Context, configure func(b *fakeBus)) (*Connection, *fakeBus, error) {
	clientSock, serverSock := net.Pipe()

	type result struct {
		conn *Connection
		err  error
	}

	// The daemon side defers its executor so the subscription is in place
	// before any client message can be broadcast.
	serverCh := make(chan result, 1)
	go func() {
		conn, err := Conn(serverSock).Server(testGUID).P2P().
			InternalExecutor(false).Logger(quietLogger()).Build(ctx)
		serverCh <- result{conn, err}
	}()

	clientCh := make(chan result, 1)
	go func() {
		conn, err := Conn(clientSock).Logger(quietLogger()).Build(ctx)
		clientCh <- result{conn, err}
	}()

	serverResult := <-serverCh
	if serverResult.err != nil {
		return nil, nil, serverResult.err
	}

	runCtx, cancel := context.WithCancel(ctx)
	bus := &fakeBus{
		conn:      serverResult.conn,
		stream:    serverResult.conn.ReceiveMessages(),
		cancel:    cancel,
		owners:    make(map[string]string),
		getProps:  make(map[string]Variant),
		afterCall: make(map[string]func(b *fakeBus, call *Message)),
	}
	if configure != nil {
		configure(bus)
	}
	go bus.run(runCtx)
	go serverResult.conn.Executor().Run(runCtx)

	clientResult := <-clientCh
	if clientResult.err != nil {
		bus.close()
		return nil, nil, clientResult.err
	}
	return clientResult.conn, bus, nil
}

func (b *fakeBus) close() {
	b.cancel()
	b.conn.Close()
}

func (b *fakeBus) run(ctx context.Context) {
	for {
		m, err := b.stream.Next(ctx)
		if err != nil {
			return
		}
		if m.Type != TypeMethodCall {
			continue
		}
		b.handle(m)
		b.mu.Lock()
		after := b.afterCall[m.Member]
		b.mu.Unlock()
		if after != nil {
			after(b, m)
		}
	}
}

func (b *fakeBus) handle(m *Message) {
	switch m.Member {
	case "Hello":
		b.reply(m, ":1.0")

	case "AddMatch":
		var expr string
		m.Args(&expr)
		b.mu.Lock()
		b.addMatches = append(b.addMatches, expr)
		b.mu.Unlock()
		b.reply(m)

	case "RemoveMatch":
		var expr string
		m.Args(&expr)
		b.mu.Lock()
		b.removeMatches = append(b.removeMatches, expr)
		b.mu.Unlock()
		b.reply(m)

	case "GetNameOwner":
		var name string
		m.Args(&name)
		b.mu.Lock()
		owner, ok := b.owners[name]
		b.mu.Unlock()
		if ok {
			b.reply(m, owner)
		} else {
			b.replyError(m, "org.freedesktop.DBus.Error.NameHasNoOwner",
				"no owner for "+name)
		}

	case "RequestName":
		var name string
		var flags uint32
		m.Args(&name, &flags)
		b.mu.Lock()
		b.requested = append(b.requested, name)
		b.owners[name] = ":1.0"
		b.mu.Unlock()
		b.reply(m, RequestNameReplyPrimaryOwner)
		b.signal(BusDaemonName, BusDaemonPath, BusDaemonIface, "NameOwnerChanged",
			name, "", ":1.0")
		b.signal(BusDaemonName, BusDaemonPath, BusDaemonIface, "NameAcquired", name)

	case "ReleaseName":
		var name string
		m.Args(&name)
		b.mu.Lock()
		delete(b.owners, name)
		b.mu.Unlock()
		b.reply(m, ReleaseNameReplyReleased)

	case "GetId":
		b.reply(m, testGUID)

	case "GetAll":
		if b.beforeGetAllReply != nil {
			b.beforeGetAllReply(b, m)
		}
		b.mu.Lock()
		props := b.getAllProps
		b.mu.Unlock()
		if props == nil {
			props = map[string]Variant{}
		}
		b.reply(m, props)

	case "Get":
		var iface, name string
		m.Args(&iface, &name)
		b.mu.Lock()
		value, ok := b.getProps[name]
		b.mu.Unlock()
		if ok {
			b.reply(m, value)
		} else {
			b.replyError(m, "org.freedesktop.DBus.Error.InvalidArgs",
				"no such property "+name)
		}

	default:
		b.replyError(m, "org.freedesktop.DBus.Error.UnknownMethod",
			"unknown method "+m.Member)
	}
}

func (b *fakeBus) reply(call *Message, args ...interface{}) {
	msg := NewMethodReturnMessage(call)
	msg.Sender = BusDaemonName
	if err := msg.AppendArgs(args...); err != nil {
		panic(err)
	}
	b.conn.SendMessage(msg)
}

func (b *fakeBus) replyError(call *Message, name, text string) {
	msg := NewErrorMessage(call, name, text)
	msg.Sender = BusDaemonName
	b.conn.SendMessage(msg)
}

// signal injects a signal with an arbitrary sender into the client's stream.
func (b *fakeBus) signal(sender string, path ObjectPath, iface, member string, args ...interface{}) {
	msg := NewSignalMessage(path, iface, member)
	msg.Sender = sender
	if err := msg.AppendArgs(args...); err != nil {
		panic(err)
	}
	b.conn.SendMessage(msg)
}

func (b *fakeBus) addMatchCalls(expr string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, e := range b.addMatches {
		if e == expr {
			count++
		}
	}
	return count
}

func (b *fakeBus) removeMatchCalls(expr string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, e := range b.removeMatches {
		if e == expr {
			count++
		}
	}
	return count
}
