package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	logx "roomcast/pkg/logx"
)

// A run that lasted at least this long resets the backoff.
const stableRun = 30 * time.Second

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	min, max     time.Duration
	maxRestarts  int // 0: unlimited
	publishFirst bool
}

// WithRestartBackoff bounds the exponential delay between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithMaxRestarts gives up after n restarts; the first run does not count.
func WithMaxRestarts(n int) RestartOption {
	return func(p *restartPolicy) { p.maxRestarts = n }
}

// WithPublishFirstError records a failure as the supervisor error even
// though the goroutine keeps being restarted.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishFirst = enabled }
}

// GoRestart keeps fn running: an error or panic restarts it after a jittered
// backoff, a nil return or cancellation stops it for good.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, opt := range opts {
		opt(&p)
	}
	p.max = max(p.max, p.min)

	s.spawn(func() { s.restartLoop(name, fn, p) })
}

func (s *Supervisor) restartLoop(name string, fn func(ctx context.Context) error, p restartPolicy) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	delay := p.min
	for restarts := 0; ; restarts++ {
		began := time.Now()
		err := s.call(name, fn)
		if err == nil || s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}
		if p.publishFirst {
			s.record(fmt.Errorf("%s: %w", name, err), false)
		}
		if p.maxRestarts > 0 && restarts >= p.maxRestarts {
			s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
			return
		}
		if time.Since(began) >= stableRun {
			delay = p.min
		}

		wait := delay + time.Duration(rng.Int63n(int64(delay)/5+1))
		s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
		t := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		delay = min(delay*2, p.max)
	}
}
