package zbus

import (
	"context"
	"sync"
)

// SignalStream is a filtered view of the broadcast for one signal selection:
// destination, path, interface and optionally member.
//
// When the destination is a well-known name the stream tracks its current
// unique-name owner: a GetNameOwner query seeds it and NameOwnerChanged
// signals keep it current, both processed in lock-step with the filter so
// that the expected sender at any point in time only applies to messages
// arriving after it. No signal is emitted whose sender is not the currently
// resolved owner, which is what prevents a second service on the same bus
// from spoofing the subscribed one.
type SignalStream struct {
	conn   *Connection
	stream *MessageStream
	expr   string

	path   ObjectPath
	iface  string
	member string // empty matches any member

	mu             sync.Mutex
	srcWellKnown   string // tracked well-known destination, if any
	srcQuery       uint32 // serial of the pending GetNameOwner
	srcUnique      string
	srcResolved    bool
	matchAnySender bool // peer-to-peer: no senders on the wire
	watchReply     uint32
	lastSeq        MessageSequence

	closeOnce sync.Once
}

type signalStreamConfig struct {
	dest   string
	path   ObjectPath
	iface  string
	member string
	// watchReply additionally admits the reply with this serial, which is
	// how the property cache joins its GetAll reply into signal order.
	watchReply uint32
}

// newSignalStream subscribes to the broadcast, installs the match expression
// and kicks off destination resolution.
func newSignalStream(ctx context.Context, c *Connection, cfg signalStreamConfig) (*SignalStream, error) {
	rule := MatchRule{
		Type:      TypeSignal,
		Sender:    cfg.dest,
		Path:      cfg.path,
		Interface: cfg.iface,
		Member:    cfg.member,
	}
	s := &SignalStream{
		conn:       c,
		stream:     c.inner.msgs.subscribe(),
		expr:       rule.String(),
		path:       cfg.path,
		iface:      cfg.iface,
		member:     cfg.member,
		watchReply: cfg.watchReply,
	}

	if err := c.AddMatch(ctx, s.expr); err != nil {
		s.stream.Close()
		return nil, err
	}

	switch {
	case !c.IsBus():
		s.matchAnySender = cfg.dest == ""
		s.srcUnique = cfg.dest
		s.srcResolved = true
	case cfg.dest == "" || IsUniqueName(cfg.dest) || cfg.dest == BusDaemonName:
		s.srcUnique = cfg.dest
		s.srcResolved = true
	default:
		// Well-known name: resolve the owner through our own
		// subscription so the answer lines up with the filter.
		s.srcWellKnown = cfg.dest
		query := NewMethodCallMessage(BusDaemonName, BusDaemonPath, BusDaemonIface, "GetNameOwner")
		if err := query.AppendArgs(cfg.dest); err != nil {
			s.teardown()
			return nil, err
		}
		serial, err := c.SendMessage(query)
		if err != nil {
			s.teardown()
			return nil, err
		}
		s.srcQuery = serial
	}
	return s, nil
}

// Next returns the next matching signal, or ErrStreamClosed at end of
// stream. It also advances the owner-tracking state and, when configured,
// yields the watched reply message.
func (s *SignalStream) Next(ctx context.Context) (*Message, error) {
	for {
		m, err := s.stream.Next(ctx)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.lastSeq = m.recvSeq
		ok := s.filter(m)
		s.mu.Unlock()
		if ok {
			return m, nil
		}
	}
}

// NextSequenced is Next, also reporting the arrival sequence so the stream
// can be merged with other sequenced streams.
func (s *SignalStream) NextSequenced(ctx context.Context) (*Message, MessageSequence, error) {
	m, err := s.Next(ctx)
	if err != nil {
		return nil, 0, err
	}
	return m, m.recvSeq, nil
}

// LastSequence returns the arrival sequence of the most recently inspected
// message, whether or not it matched.
func (s *SignalStream) LastSequence() MessageSequence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// filter decides whether to emit m, updating the expected sender as side
// effect. Callers hold s.mu.
func (s *SignalStream) filter(m *Message) bool {
	// A reply to the pending GetNameOwner seeds the expected sender.
	if s.srcQuery != 0 && m.replySerial == s.srcQuery &&
		(m.Type == TypeMethodReturn || m.Type == TypeError) {
		s.srcQuery = 0
		if m.Type == TypeMethodReturn {
			var owner string
			if err := m.Args(&owner); err == nil {
				s.srcUnique = owner
				s.srcResolved = true
			}
		}
		// NameHasNoOwner: stay unresolved until NameOwnerChanged.
	}
	if s.watchReply != 0 && m.replySerial == s.watchReply &&
		(m.Type == TypeMethodReturn || m.Type == TypeError) {
		return true
	}
	if m.Type != TypeSignal {
		return false
	}

	if (s.member == "" || s.member == m.Member) && s.path == m.Path && s.iface == m.Iface {
		if s.matchAnySender || (s.srcResolved && m.Sender == s.srcUnique) {
			return true
		}
	}

	// Owner tracking runs after the match so an ownership change only
	// applies to messages arriving after it.
	if s.srcWellKnown != "" && m.Member == "NameOwnerChanged" &&
		m.Iface == BusDaemonIface && m.Path == BusDaemonPath && m.Sender == BusDaemonName {
		var name, oldOwner, newOwner string
		if err := m.Args(&name, &oldOwner, &newOwner); err == nil && name == s.srcWellKnown {
			s.srcUnique = newOwner
			s.srcResolved = true
		}
	}
	return false
}

func (s *SignalStream) teardown() {
	s.stream.Close()
	s.conn.queueRemoveMatch(s.expr)
}

// Close detaches the stream and schedules removal of its match expression.
// It never blocks; the bus-side removal happens on the executor.
func (s *SignalStream) Close() {
	s.closeOnce.Do(s.teardown)
}

// OwnerChangedStream yields the new owner of a bus name every time it
// changes: a unique name when the name is acquired, or the empty string when
// it is released (for unique names, when the peer disconnects).
type OwnerChangedStream struct {
	name   string
	stream *SignalStream
}

// Name returns the bus name being tracked.
func (o *OwnerChangedStream) Name() string { return o.name }

// Next blocks until the next ownership change.
func (o *OwnerChangedStream) Next(ctx context.Context) (string, error) {
	for {
		m, err := o.stream.Next(ctx)
		if err != nil {
			return "", err
		}
		var name, oldOwner, newOwner string
		if err := m.Args(&name, &oldOwner, &newOwner); err != nil {
			continue
		}
		if name == o.name {
			return newOwner, nil
		}
	}
}

// Close detaches the stream.
func (o *OwnerChangedStream) Close() { o.stream.Close() }
