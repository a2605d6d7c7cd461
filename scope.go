package zbus

import (
	"context"
	"sync"
)

// HandlerFunc is a callback invoked for matching messages. Handlers for one
// message may run concurrently with each other but never with handlers for
// the next message in the same scope.
type HandlerFunc func(ctx context.Context, msg *Message)

type handlerKey uint64

// signalHandler is one registered callback with its filter and the match
// expression that backs it on the bus.
type signalHandler struct {
	path      ObjectPath
	iface     string
	member    string // empty matches any member
	matchExpr string
	fn        HandlerFunc
}

func (h *signalHandler) matches(msg *Message) bool {
	if h.member != "" && h.member != msg.Member {
		return false
	}
	return h.path == msg.Path && h.iface == msg.Iface
}

// scope serializes callback delivery: each inbound message is dispatched to
// every matching handler, and the whole set must finish before the next
// message is looked at. Independent scopes (and their clone groups) process
// messages in parallel.
type scope struct {
	startOnce sync.Once

	mu       sync.Mutex
	nextKey  handlerKey
	handlers map[handlerKey]*signalHandler
	replies  map[uint32]HandlerFunc
}

func newScope() *scope {
	return &scope{
		handlers: make(map[handlerKey]*signalHandler),
		replies:  make(map[uint32]HandlerFunc),
	}
}

// start lazily launches the dispatch task the first time a callback is
// registered.
func (s *scope) start(c *Connection) {
	s.startOnce.Do(func() {
		stream := c.inner.msgs.subscribe()
		c.inner.exec.spawn(func(ctx context.Context) {
			s.run(ctx, stream)
		})
	})
}

func (s *scope) run(ctx context.Context, stream *MessageStream) {
	defer stream.Close()
	for {
		msg, err := stream.Next(ctx)
		if err != nil {
			return
		}
		callbacks := s.collect(msg)
		if len(callbacks) == 0 {
			continue
		}
		var wg sync.WaitGroup
		for _, fn := range callbacks {
			fn := fn
			wg.Add(1)
			go func() {
				defer wg.Done()
				fn(ctx, msg)
			}()
		}
		wg.Wait()
	}
}

// collect snapshots the callbacks to run for msg. Reply callbacks are
// one-shot: they are removed before being returned.
func (s *scope) collect(msg *Message) []HandlerFunc {
	s.mu.Lock()
	defer s.mu.Unlock()

	var callbacks []HandlerFunc
	if msg.Type == TypeSignal {
		for _, h := range s.handlers {
			if h.matches(msg) {
				callbacks = append(callbacks, h.fn)
			}
		}
	} else if rs := msg.replySerial; rs != 0 {
		if fn, ok := s.replies[rs]; ok {
			delete(s.replies, rs)
			callbacks = append(callbacks, fn)
		}
	}
	return callbacks
}

func (s *scope) insertHandler(h *signalHandler) handlerKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextKey++
	key := s.nextKey
	s.handlers[key] = h
	return key
}

func (s *scope) removeHandler(key handlerKey) (*signalHandler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handlers[key]
	if ok {
		delete(s.handlers, key)
	}
	return h, ok
}

func (s *scope) insertReply(serial uint32, fn HandlerFunc) {
	s.mu.Lock()
	s.replies[serial] = fn
	s.mu.Unlock()
}
