// Package loop provides the dedicated execution context the posting engine
// runs inside: a single scheduling goroutine that serializes control-plane
// operations, plus a small bounded pool for blocking storage calls so a slow
// store can never stall message sends.
package loop

import (
	"context"
	"errors"
	"sync"

	logx "drippost/pkg/logx"
)

var ErrStopped = errors.New("runtime loop stopped")

type call struct {
	name string
	fn   func(ctx context.Context) error
	res  chan error
}

// Loop is the host runtime adapter.
//
// Control-plane calls submitted via Do() run one at a time on the loop
// goroutine, in submission order. When the loop is not running, Do falls back
// to executing the call directly on the caller's goroutine; callers get the
// same semantics either way.
type Loop struct {
	log logx.Logger

	mu      sync.Mutex
	calls   chan call
	stopped chan struct{}

	// Storage pool: bounded concurrency for blocking store reads; writes are
	// additionally serialized so partial updates to one record never interleave.
	storeSem chan struct{}
	storeWMu sync.Mutex

	wg sync.WaitGroup
}

func New(storeWorkers int, log logx.Logger) *Loop {
	if storeWorkers <= 0 {
		storeWorkers = 2
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loop{
		log:      log,
		storeSem: make(chan struct{}, storeWorkers),
	}
}

// Start launches the loop goroutine. Idempotent.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.calls != nil {
		return
	}
	calls := make(chan call, 64)
	stopped := make(chan struct{})
	l.calls = calls
	l.stopped = stopped

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run(ctx, calls, stopped)
	}()
	l.log.Debug("runtime loop started")
}

func (l *Loop) run(ctx context.Context, calls <-chan call, stopped <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			l.drain(calls)
			return
		case <-stopped:
			l.drain(calls)
			return
		case c := <-calls:
			l.exec(ctx, c)
		}
	}
}

// drain rejects queued calls so submitters don't hang past shutdown.
func (l *Loop) drain(calls <-chan call) {
	for {
		select {
		case c := <-calls:
			c.res <- ErrStopped
		default:
			return
		}
	}
}

func (l *Loop) exec(ctx context.Context, c call) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("panic in loop call", logx.String("call", c.name), logx.Any("panic", r))
			c.res <- errors.New("panic in loop call")
		}
	}()
	c.res <- c.fn(ctx)
}

// Do runs fn on the loop goroutine and waits for its result.
//
// If the loop is not running there is no destination to marshal to, so fn is
// executed directly on the caller's goroutine.
func (l *Loop) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	calls := l.calls
	stopped := l.stopped
	l.mu.Unlock()

	if calls == nil {
		return fn(ctx)
	}

	c := call{name: name, fn: fn, res: make(chan error, 1)}
	select {
	case calls <- c:
	case <-stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-c.res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Store runs a blocking storage read under the bounded pool.
func (l *Loop) Store(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case l.storeSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.storeSem }()
	return fn(ctx)
}

// StoreWrite runs a blocking storage write: bounded pool plus a write mutex,
// so two writers never interleave partial updates to the same record.
func (l *Loop) StoreWrite(ctx context.Context, fn func(ctx context.Context) error) error {
	return l.Store(ctx, func(ctx context.Context) error {
		l.storeWMu.Lock()
		defer l.storeWMu.Unlock()
		return fn(ctx)
	})
}

// Stop shuts the loop down and waits for the loop goroutine, up to ctx.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	stopped := l.stopped
	l.calls = nil
	l.stopped = nil
	l.mu.Unlock()

	if stopped == nil {
		return nil
	}
	close(stopped)

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		l.log.Debug("runtime loop stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
