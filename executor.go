package zbus

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Executor runs the connection's background tasks: the socket receiver,
// callback scopes, property caches and the object server feed.
//
// With the internal executor (the default) every task starts on its own
// goroutine as soon as it is spawned. With the internal executor disabled the
// library launches nothing by itself: tasks queue up until the caller drives
// them by running Run, which gives single-threaded programs control over when
// connection work happens.
type Executor struct {
	ctx      context.Context
	cancel   context.CancelFunc
	group    errgroup.Group
	internal bool

	mu      sync.Mutex
	pending []func(context.Context)
	wake    chan struct{}
}

func newExecutor(internal bool) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		ctx:      ctx,
		cancel:   cancel,
		internal: internal,
		wake:     make(chan struct{}, 1),
	}
}

// spawn registers fn as a connection task. fn must return when its context is
// cancelled.
func (e *Executor) spawn(fn func(context.Context)) {
	if e.internal {
		e.group.Go(func() error {
			fn(e.ctx)
			return nil
		})
		return
	}
	e.mu.Lock()
	e.pending = append(e.pending, fn)
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run drives an externally-driven executor: it launches queued and future
// tasks until ctx is cancelled or the connection shuts down. It is a no-op
// on connections built with the internal executor.
func (e *Executor) Run(ctx context.Context) {
	e.runUntil(ctx, nil)
}

func (e *Executor) runUntil(ctx context.Context, done <-chan struct{}) {
	if e.internal {
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
			case <-e.ctx.Done():
			}
		}
		return
	}
	for {
		e.mu.Lock()
		pending := e.pending
		e.pending = nil
		e.mu.Unlock()
		for _, fn := range pending {
			fn := fn
			e.group.Go(func() error {
				fn(e.ctx)
				return nil
			})
		}

		select {
		case <-ctx.Done():
			return
		case <-e.ctx.Done():
			return
		case <-done:
			return
		case <-e.wake:
		}
	}
}

// stop cancels every task without waiting; Wait blocks until the launched
// ones have exited.
func (e *Executor) stop() {
	e.cancel()
}

// Wait blocks until all launched tasks have returned. Useful after Close
// when the caller wants a quiescent shutdown.
func (e *Executor) Wait() {
	e.group.Wait()
}
