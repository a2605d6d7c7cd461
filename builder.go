package zbus

import (
	"bufio"
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
)

// ConnectionBuilder assembles a Connection. Obtain one from Session, System,
// Address, UnixStream, TCPStream or Conn, chain options, then Build.
type ConnectionBuilder struct {
	address string
	conn    net.Conn

	bus          bool
	p2p          bool
	server       bool
	guid         string
	internalExec bool
	maxQueued    int
	logger       *logrus.Logger
	auth         []Authenticator

	err error
}

func newBuilder() *ConnectionBuilder {
	return &ConnectionBuilder{
		bus:          true,
		internalExec: true,
		maxQueued:    DefaultMaxQueued,
	}
}

// Session builds a connection to the session bus.
func Session() *ConnectionBuilder {
	b := newBuilder()
	b.address, b.err = busAddress(SessionBus)
	return b
}

// System builds a connection to the system bus.
func System() *ConnectionBuilder {
	b := newBuilder()
	b.address, b.err = busAddress(SystemBus)
	return b
}

// Address builds a connection to the given D-Bus server address.
func Address(address string) *ConnectionBuilder {
	b := newBuilder()
	b.address = address
	return b
}

// UnixStream builds a connection over an already-connected unix socket.
func UnixStream(conn *net.UnixConn) *ConnectionBuilder {
	b := newBuilder()
	b.conn = conn
	return b
}

// TCPStream builds a connection over an already-connected TCP socket.
func TCPStream(conn *net.TCPConn) *ConnectionBuilder {
	b := newBuilder()
	b.conn = conn
	return b
}

// Conn builds a connection over an arbitrary stream, such as net.Pipe. No fd
// passing is available unless the stream is a unix socket.
func Conn(conn net.Conn) *ConnectionBuilder {
	b := newBuilder()
	b.conn = conn
	return b
}

// Server flips the endpoint into the server role for the authentication
// handshake, presenting the given GUID (one is generated when empty).
func (b *ConnectionBuilder) Server(guid string) *ConnectionBuilder {
	if guid != "" {
		if err := ValidateGUID(guid); err != nil && b.err == nil {
			b.err = err
		}
	}
	b.server = true
	b.guid = guid
	return b
}

// P2P disables bus semantics: no Hello, no unique name, no bus-side match
// rules.
func (b *ConnectionBuilder) P2P() *ConnectionBuilder {
	b.p2p = true
	return b
}

// InternalExecutor controls whether the library runs connection tasks by
// itself (the default). When disabled, the caller must drive
// Connection.Executor().Run.
func (b *ConnectionBuilder) InternalExecutor(internal bool) *ConnectionBuilder {
	b.internalExec = internal
	return b
}

// MaxQueued sets the per-subscriber incoming queue capacity.
func (b *ConnectionBuilder) MaxQueued(max int) *ConnectionBuilder {
	b.maxQueued = max
	return b
}

// Logger replaces the default logrus standard logger.
func (b *ConnectionBuilder) Logger(logger *logrus.Logger) *ConnectionBuilder {
	b.logger = logger
	return b
}

// AuthMechanisms overrides the client authentication mechanisms to offer, in
// order.
func (b *ConnectionBuilder) AuthMechanisms(mechs ...Authenticator) *ConnectionBuilder {
	b.auth = mechs
	return b
}

// Build authenticates the socket and assembles the connection runtime. On
// bus connections it also performs Hello and records the unique name, so the
// returned connection is ready to use.
func (b *ConnectionBuilder) Build(ctx context.Context) (*Connection, error) {
	if b.err != nil {
		return nil, b.err
	}

	sock := b.conn
	if sock == nil {
		if b.address == "" {
			return nil, ErrNoAddress
		}
		trans, err := newTransport(b.address)
		if err != nil {
			return nil, err
		}
		if sock, err = trans.Dial(); err != nil {
			return nil, fmt.Errorf("zbus: dialing %s: %w", b.address, err)
		}
	}
	_, isUnix := sock.(*net.UnixConn)

	rd := bufio.NewReader(sock)
	var info authInfo
	var err error
	if b.server {
		guid := b.guid
		if guid == "" {
			if guid, err = GenerateGUID(); err != nil {
				sock.Close()
				return nil, err
			}
		}
		info, err = authenticateServer(sock, rd, guid, isUnix)
	} else {
		info, err = authenticateClient(sock, rd, b.auth, isUnix)
	}
	if err != nil {
		sock.Close()
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	inner := &connInner{
		raw:             newRawConn(sock, rd, info.capUnixFD),
		serverGUID:      info.guid,
		capUnixFD:       info.capUnixFD,
		busConn:         b.bus && !b.p2p && !b.server,
		msgs:            newBroadcaster(b.maxQueued),
		errCh:           make(chan error, 1),
		exec:            newExecutor(b.internalExec),
		log:             logger.WithField("component", "zbus"),
		registeredNames: make(map[string]struct{}),
		signalMatches:   make(map[string]uint64),
	}
	conn := &Connection{inner: inner, scope: newScope()}

	// Exactly one task reads from the socket.
	inner.exec.spawn(inner.runReceiver)

	if !inner.busConn {
		inner.state.Store(int32(stateReady))
		return conn, nil
	}

	// With an external executor nothing runs yet, so the builder drives
	// the tasks itself until the bus greeting completes.
	helloDone := make(chan struct{})
	var helloErr error
	go func() {
		defer close(helloDone)
		helloErr = conn.helloBus(ctx)
	}()
	inner.exec.runUntil(ctx, helloDone)

	select {
	case <-helloDone:
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	}
	if helloErr != nil {
		conn.Close()
		return nil, helloErr
	}
	return conn, nil
}
