package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"roomcast/internal/eventbus"
	logx "roomcast/pkg/logx"
)

// slowTask promotes the completion log from debug to info.
const slowTask = 750 * time.Millisecond

func (s *Service) work(ctx context.Context, p *pool, idx int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(idx)<<32))
	for {
		// quit wins over a non-empty queue
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		case q := <-p.queue:
			s.stats.inFlight.Add(1)
			s.execute(ctx, p, q, rng)
			s.stats.inFlight.Add(-1)
		}
	}
}

func (s *Service) execute(ctx context.Context, p *pool, q queued, rng *rand.Rand) {
	start := time.Now()
	item := q.item()
	item.Started = start
	item.QueueDelay = max(start.Sub(q.at), 0)

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if maxDelay > 0 && item.QueueDelay > maxDelay {
		s.ungate(q)
		s.dropped("stale_queue_delay", item, logx.Duration("queue_delay", item.QueueDelay), logx.Uint64("dropped_stale", s.stats.stale.Load()))
		item.Error = "stale_queue_delay"
		s.stats.record(item, s.historySize())
		q.finish(Result{Err: ErrStale, QueueDelay: item.QueueDelay})
		return
	}

	log := s.log.With(logx.String("task", q.task.Name), logx.String("id", q.task.ID))
	log.Debug("task started", logx.Duration("queue_delay", item.QueueDelay))
	eventbus.Publish(s.bus, "task.started", TaskEvent(item))

	attempts, err := s.attempt(ctx, p, q, item, log, rng)

	// Free the key before OnDone so a follow-up run is admitted at once.
	s.ungate(q)

	item.Duration = time.Since(start)
	item.Attempts = attempts
	fields := []logx.Field{
		logx.Duration("queue_delay", item.QueueDelay),
		logx.Duration("dur", item.Duration),
		logx.Int("attempts", attempts),
	}
	switch {
	case err != nil:
		item.Error = err.Error()
		log.Warn("task failed", append(fields, logx.Err(err))...)
		eventbus.Publish(s.bus, "task.failed", TaskEvent(item))
	case item.Duration >= slowTask:
		log.Info("task completed", fields...)
		eventbus.Publish(s.bus, "task.finished", TaskEvent(item))
	default:
		log.Debug("task completed", fields...)
		eventbus.Publish(s.bus, "task.finished", TaskEvent(item))
	}
	s.stats.record(item, s.historySize())
	q.finish(Result{Err: err, Attempts: attempts, QueueDelay: item.QueueDelay, Duration: item.Duration})
}

// attempt runs the task until it succeeds, fails permanently or runs out of
// retries.
func (s *Service) attempt(ctx context.Context, p *pool, q queued, item HistoryItem, log logx.Logger, rng *rand.Rand) (int, error) {
	limit := 1 + max(q.opt.RetryMax, 0)
	for n := 1; ; n++ {
		err := s.runOnce(ctx, q, log)
		if err == nil {
			return n, nil
		}
		if inner, permanent := unwrapPermanent(err); permanent {
			return n, inner
		}
		if n >= limit {
			return n, err
		}

		delay := retryDelay(q.opt, n, err, rng)
		log.Debug("task retry scheduled", logx.Int("attempt", n+1), logx.Duration("delay", delay), logx.Err(err))
		ev := item
		ev.Attempts, ev.Error = n, err.Error()
		eventbus.Publish(s.bus, "task.retry", TaskEvent(ev))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return n, ctx.Err()
		case <-p.quit:
			t.Stop()
			return n, ErrStopping
		case <-t.C:
		}
	}
}

// runOnce is one attempt under the task timeout, with panics turned into errors.
func (s *Service) runOnce(ctx context.Context, q queued, log logx.Logger) (err error) {
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return q.task.Run(ctx)
}

// retryDelay is the wait before attempt n+1: exponential from RetryBase, or
// the error's RetryAfter hint, capped at RetryMaxDelay and jittered.
func retryDelay(opt TaskOptions, n int, err error, rng *rand.Rand) time.Duration {
	ceiling := opt.RetryMaxDelay
	if ceiling <= 0 {
		ceiling = 15 * time.Second
	}
	var d time.Duration
	var hint RetryAfterError
	if errors.As(err, &hint) {
		d = hint.RetryAfter()
	} else {
		d = opt.RetryBase
		if d <= 0 {
			d = 500 * time.Millisecond
		}
		for i := 1; i < n && d < ceiling; i++ {
			d *= 2
		}
	}
	d = min(max(d, 0), ceiling)

	j := opt.RetryJitter
	if j <= 0 {
		j = 0.2
	}
	if d > 0 && rng != nil {
		d = time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*j))
	}
	return min(max(d, 0), ceiling)
}
