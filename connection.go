package zbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Connection lifecycle. The suffix starting at stateAuthenticated is managed
// here; authentication itself happens in the builder before a Connection
// exists.
type connState int32

const (
	stateAuthenticated connState = iota
	stateHelloing
	stateReady
	stateClosed
)

// connInner is the state shared by every copy of a Connection.
type connInner struct {
	raw *RawConn

	serverGUID string
	capUnixFD  bool
	busConn    bool

	nameMu     sync.Mutex
	uniqueName string
	nameSet    bool

	// Last serial number handed out; the next outgoing message gets one
	// more.
	serial atomic.Uint32
	state  atomic.Int32

	msgs  *broadcaster
	errCh chan error
	exec  *Executor
	log   *logrus.Entry

	// Held across the bus round-trips that mutate them, so each
	// transition is atomic from other callers' viewpoint.
	regMu           sync.Mutex
	registeredNames map[string]struct{}
	matchMu         sync.Mutex
	signalMatches   map[string]uint64

	srvOnce     sync.Once
	srv         *ObjectServer
	srvTaskOnce sync.Once

	closeOnce sync.Once
	closeErr  error
}

// Connection is a connection to a message bus or a direct peer.
//
// Copying a Connection is cheap and every copy shares the underlying socket,
// serial counter and subscriptions; NewScope returns a copy with its own
// callback ordering domain. Connection is safe for concurrent use.
//
// The connection queues incoming messages per subscriber, up to MaxQueued
// each. When any subscriber's queue is full the socket is not read any
// further until room is made, so all MessageStream and SignalStream instances
// must be polled continuously or closed.
type Connection struct {
	inner *connInner
	scope *scope
}

// UniqueName returns the name the bus assigned at Hello time, or the empty
// string on peer-to-peer connections.
func (c *Connection) UniqueName() string {
	c.inner.nameMu.Lock()
	defer c.inner.nameMu.Unlock()
	return c.inner.uniqueName
}

func (c *Connection) setUniqueName(name string) {
	c.inner.nameMu.Lock()
	defer c.inner.nameMu.Unlock()
	if c.inner.nameSet {
		panic("zbus: unique name assigned twice")
	}
	c.inner.uniqueName = name
	c.inner.nameSet = true
}

// IsBus reports whether the peer is a message bus; false for peer-to-peer.
func (c *Connection) IsBus() bool { return c.inner.busConn }

// ServerGUID returns the GUID the server presented during authentication.
func (c *Connection) ServerGUID() string { return c.inner.serverGUID }

// Executor returns the connection's task executor. With the internal
// executor disabled, the caller must keep Run-ning it or the connection
// hangs.
func (c *Connection) Executor() *Executor { return c.inner.exec }

// Errors returns the connection's error channel. Per-message protocol
// failures and the final fatal error are reported here; when the channel is
// full new reports are dropped.
func (c *Connection) Errors() <-chan error { return c.inner.errCh }

// MaxQueued returns the per-subscriber incoming queue capacity.
func (c *Connection) MaxQueued() int { return c.inner.msgs.getCapacity() }

// SetMaxQueued changes the queue capacity for subsequently created
// subscribers; existing streams keep their queues.
func (c *Connection) SetMaxQueued(max int) { c.inner.msgs.setCapacity(max) }

// MonitorActivity returns a channel closed on the next socket I/O, for
// callers implementing idle or timeout behavior on inactivity.
func (c *Connection) MonitorActivity() <-chan struct{} {
	return c.inner.raw.MonitorActivity()
}

// ReceiveMessages subscribes to every message the connection receives.
func (c *Connection) ReceiveMessages() *MessageStream {
	return c.inner.msgs.subscribe()
}

// NewScope returns a copy of the connection with an independent callback
// ordering domain. Within one scope all callbacks for a message finish
// before the next message is dispatched; separate scopes run in parallel.
func (c *Connection) NewScope() *Connection {
	return &Connection{inner: c.inner, scope: newScope()}
}

func (c *Connection) nextSerial() uint32 {
	return c.inner.serial.Add(1)
}

// AssignSerialNum stamps a serial on the message if and only if none is
// present, and returns the effective serial.
func (c *Connection) AssignSerialNum(msg *Message) uint32 {
	if msg.serial == 0 {
		msg.serial = c.nextSerial()
	}
	return msg.serial
}

// SendMessage assigns a serial to msg, enqueues it and flushes the socket.
// The assigned serial is returned.
func (c *Connection) SendMessage(msg *Message) (uint32, error) {
	if err := msg.validate(); err != nil {
		return 0, err
	}
	serial := c.AssignSerialNum(msg)
	if err := c.send(msg); err != nil {
		return 0, err
	}
	return serial, nil
}

// send is the TxPath tail: fd gate, then enqueue+flush under the raw mutex.
func (c *Connection) send(msg *Message) error {
	if connState(c.inner.state.Load()) == stateClosed {
		return c.closedError()
	}
	if len(msg.Fds) > 0 && !c.inner.capUnixFD {
		return ErrUnsupported
	}
	if err := c.inner.raw.Send(msg); err != nil {
		// A raw I/O failure takes the whole connection down.
		c.closeWith(err)
		return err
	}
	return nil
}

// Flush writes out any messages still queued on the socket.
func (c *Connection) Flush() error {
	return c.inner.raw.Flush()
}

// CallMethod constructs a method call, sends it and waits for the reply.
// D-Bus error replies are returned as *MethodError; if the socket closes
// before the reply arrives the error wraps ErrBrokenPipe.
func (c *Connection) CallMethod(ctx context.Context, dest string, path ObjectPath, iface, method string, args ...interface{}) (*Message, error) {
	msg := NewMethodCallMessage(dest, path, iface, method)
	msg.Sender = c.UniqueName()
	if err := msg.AppendArgs(args...); err != nil {
		return nil, err
	}
	return c.CallMethodRaw(ctx, msg)
}

// CallMethodRaw sends a caller-built method call and waits for its reply.
func (c *Connection) CallMethodRaw(ctx context.Context, msg *Message) (*Message, error) {
	if msg.Type != TypeMethodCall {
		return nil, protocolErr("CallMethodRaw needs a method call, got %s", msg.Type)
	}

	// Subscribe before sending so the reply can not slip past.
	stream := c.inner.msgs.subscribe()
	defer stream.Close()

	serial, err := c.SendMessage(msg)
	if err != nil {
		return nil, err
	}
	if msg.Flags&FlagNoReplyExpected != 0 {
		return nil, nil
	}

	for {
		m, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrStreamClosed) {
				return nil, fmt.Errorf("reply to serial %d: %w", serial, ErrBrokenPipe)
			}
			return nil, err
		}
		if !m.isReplyTo(serial) {
			continue
		}
		if m.Type == TypeError {
			return nil, m.AsError()
		}
		return m, nil
	}
}

// DispatchCall sends a method call and runs reply on the connection's scope
// when the response arrives. Unlike CallMethod, the reply callback is ordered
// with respect to the scope's signal handlers, which matters when a reply and
// related signals must be interleaved deterministically (cache population
// being the canonical case).
//
// The callback only runs while the scope is alive.
func (c *Connection) DispatchCall(msg *Message, reply HandlerFunc) error {
	if msg.Type != TypeMethodCall {
		return protocolErr("DispatchCall needs a method call, got %s", msg.Type)
	}
	c.scope.start(c)
	serial := c.AssignSerialNum(msg)
	c.scope.insertReply(serial, reply)
	if err := c.send(msg); err != nil {
		return err
	}
	return nil
}

// EmitSignal constructs and sends a signal message. dest may be empty for a
// broadcast signal.
func (c *Connection) EmitSignal(dest string, path ObjectPath, iface, member string, args ...interface{}) error {
	msg := NewSignalMessage(path, iface, member)
	msg.Dest = dest
	msg.Sender = c.UniqueName()
	if err := msg.AppendArgs(args...); err != nil {
		return err
	}
	_, err := c.SendMessage(msg)
	return err
}

// Reply sends a method return for the given call.
func (c *Connection) Reply(call *Message, args ...interface{}) (uint32, error) {
	msg := NewMethodReturnMessage(call)
	msg.Sender = c.UniqueName()
	if err := msg.AppendArgs(args...); err != nil {
		return 0, err
	}
	return c.SendMessage(msg)
}

// ReplyError sends an error reply for the given call.
func (c *Connection) ReplyError(call *Message, name string, text string) (uint32, error) {
	msg := NewErrorMessage(call, name, text)
	msg.Sender = c.UniqueName()
	return c.SendMessage(msg)
}

// RequestName registers a well-known name for this connection on the bus,
// with the ReplaceExisting and DoNotQueue flags. The object server machinery
// is started first so that calls arriving right after the bus grants the name
// can already be answered. Requesting an already-held name is a no-op.
func (c *Connection) RequestName(ctx context.Context, name string) error {
	if !IsWellKnownName(name) {
		return &NameError{Kind: "bus name", Value: name}
	}
	c.inner.regMu.Lock()
	defer c.inner.regMu.Unlock()
	if _, held := c.inner.registeredNames[name]; held {
		return nil
	}

	c.startObjectServer()

	if _, err := c.busDaemon().RequestName(ctx, name, NameFlagReplaceExisting|NameFlagDoNotQueue); err != nil {
		return err
	}
	c.inner.registeredNames[name] = struct{}{}
	c.inner.log.WithField("name", name).Debug("well-known name registered")
	return nil
}

// ReleaseName drops a name previously registered with RequestName. It
// reports whether the name was actually held; releasing a name that was
// never requested does nothing.
func (c *Connection) ReleaseName(ctx context.Context, name string) (bool, error) {
	c.inner.regMu.Lock()
	defer c.inner.regMu.Unlock()
	if _, held := c.inner.registeredNames[name]; !held {
		return false, nil
	}
	delete(c.inner.registeredNames, name)
	if _, err := c.busDaemon().ReleaseName(ctx, name); err != nil {
		return false, err
	}
	return true, nil
}

// AddMatch reserves the given match expression with the bus. Expressions are
// refcounted: only the first reservation reaches the bus daemon. On
// peer-to-peer connections this is a no-op, since there is no broker doing
// the filtering.
func (c *Connection) AddMatch(ctx context.Context, expr string) error {
	if !c.inner.busConn {
		return nil
	}
	c.inner.matchMu.Lock()
	defer c.inner.matchMu.Unlock()
	if n, ok := c.inner.signalMatches[expr]; ok {
		c.inner.signalMatches[expr] = n + 1
		return nil
	}
	if err := c.busDaemon().AddMatch(ctx, expr); err != nil {
		return err
	}
	c.inner.signalMatches[expr] = 1
	return nil
}

// RemoveMatch undoes one AddMatch; the bus-side rule is removed when the last
// reservation goes away. It reports whether the expression was reserved.
func (c *Connection) RemoveMatch(ctx context.Context, expr string) (bool, error) {
	if !c.inner.busConn {
		return false, nil
	}
	c.inner.matchMu.Lock()
	defer c.inner.matchMu.Unlock()
	n, ok := c.inner.signalMatches[expr]
	if !ok {
		return false, nil
	}
	if n > 1 {
		c.inner.signalMatches[expr] = n - 1
		return true, nil
	}
	if err := c.busDaemon().RemoveMatch(ctx, expr); err != nil {
		return false, err
	}
	delete(c.inner.signalMatches, expr)
	return true, nil
}

// queueRemoveMatch schedules a match removal on the executor, for teardown
// paths that must not block. Failures are logged and swallowed.
func (c *Connection) queueRemoveMatch(expr string) {
	if expr == "" || !c.inner.busConn {
		return
	}
	conn := *c
	c.inner.exec.spawn(func(ctx context.Context) {
		if _, err := conn.RemoveMatch(ctx, expr); err != nil {
			conn.inner.log.WithError(err).WithField("expr", expr).
				Debug("scheduled match removal failed")
		}
	})
}

// addSignalHandler registers a scope callback, reserving its match
// expression with the bus first.
func (c *Connection) addSignalHandler(ctx context.Context, h *signalHandler) (handlerKey, error) {
	c.scope.start(c)
	if err := c.AddMatch(ctx, h.matchExpr); err != nil {
		return 0, err
	}
	return c.scope.insertHandler(h), nil
}

func (c *Connection) removeSignalHandler(ctx context.Context, key handlerKey) (bool, error) {
	h, ok := c.scope.removeHandler(key)
	if !ok {
		return false, nil
	}
	_, err := c.RemoveMatch(ctx, h.matchExpr)
	return true, err
}

func (c *Connection) queueRemoveSignalHandler(key handlerKey) {
	conn := *c
	c.inner.exec.spawn(func(ctx context.Context) {
		if _, err := conn.removeSignalHandler(ctx, key); err != nil {
			conn.inner.log.WithError(err).Debug("scheduled handler removal failed")
		}
	})
}

// helloBus introduces the connection to the bus daemon and records the
// assigned unique name.
func (c *Connection) helloBus(ctx context.Context) error {
	c.inner.state.Store(int32(stateHelloing))
	name, err := c.busDaemon().Hello(ctx)
	if err != nil {
		return fmt.Errorf("zbus: hello: %w", err)
	}
	c.setUniqueName(name)
	c.inner.state.Store(int32(stateReady))
	return nil
}

func (c *Connection) closedError() error {
	if c.inner.closeErr != nil && !errors.Is(c.inner.closeErr, net.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, c.inner.closeErr)
	}
	return ErrClosed
}

func (c *Connection) closeWith(cause error) {
	c.inner.closeOnce.Do(func() {
		c.inner.closeErr = cause
		c.inner.state.Store(int32(stateClosed))
		// Closing the socket wakes the receiver, which in turn closes
		// the broadcast and ends every stream. Tasks are cancelled but
		// not awaited: closeWith may run on one of them.
		c.inner.raw.Close()
		c.inner.msgs.close()
		c.inner.exec.stop()
		c.inner.log.Debug("connection closed")
	})
}

// Close shuts the connection down: the socket is closed, all streams yield
// end-of-stream and pending calls fail. Close is idempotent. Registered
// names and bus-side match rules are not deregistered; the bus cleans both
// up when it sees the disconnect.
func (c *Connection) Close() error {
	c.closeWith(nil)
	return nil
}

// runReceiver is the single task reading from the socket. Messages are
// stamped with their arrival sequence and broadcast; per-message protocol
// errors are reported and reading continues. A fatal read error closes the
// broadcast, waking every consumer.
func (inner *connInner) runReceiver(ctx context.Context) {
	var seq MessageSequence
	for {
		msg, err := inner.raw.ReceiveMessage()
		if err != nil {
			var perr *ProtocolError
			if errors.As(err, &perr) {
				inner.log.WithError(err).Warn("discarding undecodable message")
				inner.reportError(err)
				continue
			}
			inner.reportError(fmt.Errorf("zbus: read: %w", err))
			inner.log.WithError(err).Debug("receiver stopped")
			inner.msgs.close()
			return
		}
		seq++
		msg.recvSeq = seq
		select {
		case <-ctx.Done():
			return
		default:
		}
		inner.msgs.send(msg)
	}
}

// reportError delivers to the bounded error channel, dropping when full.
func (inner *connInner) reportError(err error) {
	select {
	case inner.errCh <- err:
	default:
	}
}
