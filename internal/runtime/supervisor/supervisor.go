// Package supervisor runs named goroutines under one cancelable context,
// recovering panics and keeping the first failure.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	logx "roomcast/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg      sync.WaitGroup
	active  atomic.Int64
	started atomic.Uint64

	errMu sync.Mutex
	err   error

	waitOnce sync.Once
	done     chan struct{}
}

type Option func(*Supervisor)

// Counters are informational; do not synchronize on them.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first goroutine error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	s := &Supervisor{done: make(chan struct{})}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel signals every goroutine to stop and returns immediately.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded failure.
func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{Active: s.active.Load(), Started: s.started.Load()}
}

// Go runs fn once on its own goroutine. Errors other than cancellation, and
// panics, become the supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(func() {
		if err := s.call(name, fn); err != nil && !errors.Is(err, context.Canceled) {
			s.record(fmt.Errorf("%s: %w", name, err), s.cancelOnErr)
		}
	})
}

// Go0 is Go for functions that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error { fn(ctx); return nil })
}

func (s *Supervisor) spawn(body func()) {
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		body()
	}()
}

// call runs fn with the shared context, turning a panic into an error.
func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		s.log.Error("goroutine panicked",
			logx.String("name", name),
			logx.Any("panic", r),
			logx.String("stack", string(debug.Stack())),
		)
		err = fmt.Errorf("panic: %v", r)
	}()
	return fn(s.ctx)
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) record(err error, cancel bool) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
	if cancel {
		s.cancel()
	}
}
