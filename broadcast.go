package zbus

import (
	"context"
	"sync"
)

// DefaultMaxQueued is the default per-subscriber queue capacity.
const DefaultMaxQueued = 64

// broadcaster fans every received message out to all subscribed streams.
// Delivery is bounded: when any subscriber's queue is full the send blocks,
// which stalls the socket reader. That is the connection's flow control, so
// subscribers must be drained or closed promptly.
type broadcaster struct {
	mu       sync.Mutex
	subs     map[*MessageStream]struct{}
	capacity int
	done     chan struct{}
	once     sync.Once
}

func newBroadcaster(capacity int) *broadcaster {
	if capacity <= 0 {
		capacity = DefaultMaxQueued
	}
	return &broadcaster{
		subs:     make(map[*MessageStream]struct{}),
		capacity: capacity,
		done:     make(chan struct{}),
	}
}

func (b *broadcaster) subscribe() *MessageStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &MessageStream{
		ch:     make(chan *Message, b.capacity),
		done:   b.done,
		closed: make(chan struct{}),
		b:      b,
	}
	b.subs[s] = struct{}{}
	return s
}

func (b *broadcaster) unsubscribe(s *MessageStream) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// send delivers m to every current subscriber, blocking on full queues until
// the subscriber drains, closes, or the broadcast shuts down.
func (b *broadcaster) send(m *Message) {
	b.mu.Lock()
	subs := make([]*MessageStream, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- m:
		case <-s.closed:
		case <-b.done:
			return
		}
	}
}

// close ends the broadcast; readers drain their queues and then observe
// end-of-stream.
func (b *broadcaster) close() {
	b.once.Do(func() { close(b.done) })
}

func (b *broadcaster) setCapacity(capacity int) {
	if capacity <= 0 {
		return
	}
	b.mu.Lock()
	b.capacity = capacity
	b.mu.Unlock()
}

func (b *broadcaster) getCapacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// MessageStream is one subscriber's view of every message the connection
// receives, in arrival order. A stream that is neither read nor closed will
// eventually block the whole connection by design; close streams you no
// longer poll.
type MessageStream struct {
	ch     chan *Message
	done   chan struct{}
	closed chan struct{}
	b      *broadcaster
	once   sync.Once
}

// Next returns the next message. It returns ErrStreamClosed once the stream
// has ended and all queued messages were drained, or the context error if ctx
// expires first.
func (s *MessageStream) Next(ctx context.Context) (*Message, error) {
	select {
	case m := <-s.ch:
		return m, nil
	default:
	}
	select {
	case m := <-s.ch:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, ErrStreamClosed
	case <-s.done:
		// The broadcast ended; hand out whatever is still queued.
		select {
		case m := <-s.ch:
			return m, nil
		default:
			return nil, ErrStreamClosed
		}
	}
}

// NextSequenced is Next, also reporting the message's arrival sequence.
func (s *MessageStream) NextSequenced(ctx context.Context) (*Message, MessageSequence, error) {
	m, err := s.Next(ctx)
	if err != nil {
		return nil, 0, err
	}
	return m, m.recvSeq, nil
}

// Close detaches the stream from the broadcast. It never blocks.
func (s *MessageStream) Close() {
	s.once.Do(func() {
		close(s.closed)
		s.b.unsubscribe(s)
	})
}
