package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"roomcast/internal/eventbus"
	rtsup "roomcast/internal/runtime/supervisor"
	logx "roomcast/pkg/logx"
)

// Service is a bounded worker pool with per-key overlap gating, retries
// and a short history of finished tasks.
type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu  sync.Mutex
	cfg Config
	cur *pool // nil while stopped

	gate  keyGate
	stats stats
	seq   atomic.Uint64
}

// pool is one Start..Stop generation of workers.
type pool struct {
	queue    chan queued
	quit     chan struct{}
	sup      *rtsup.Supervisor
	stopping bool
	stopped  chan struct{}
}

type queued struct {
	task    Task
	opt     TaskOptions
	timeout time.Duration
	at      time.Time
	gated   bool
}

func (q queued) item() HistoryItem {
	return HistoryItem{ID: q.task.ID, Name: q.task.Name, Key: q.task.ConcurrencyKey}
}

func (q queued) finish(r Result) {
	if q.task.OnDone != nil {
		q.task.OnDone(r)
	}
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg: cfg.withDefaults(),
		log: log.With(logx.String("comp", "taskengine")),
		bus: bus,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. Enabling starts the pool, disabling stops it and
// a new pool size restarts it. Other fields apply to the next task.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.cur != nil && !s.cur.stopping
	s.mu.Unlock()

	switch {
	case !running && cfg.Enabled:
		s.Start(ctx)
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize):
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the workers. It is a no-op when disabled or running, and
// waits out a Stop still in progress.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		if !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		p := s.cur
		if p == nil {
			break
		}
		s.mu.Unlock()
		if !p.stopping {
			return
		}
		select {
		case <-p.stopped:
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()

	cfg := s.cfg
	p := &pool{
		queue:   make(chan queued, cfg.QueueSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		// A failing worker is restarted; it never takes the app down.
		sup: rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	s.cur = p
	s.stats.inFlight.Store(0)

	for i := range cfg.Workers {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.work(c, p, i)
			select {
			case <-p.quit:
				return context.Canceled
			default:
			}
			if err := c.Err(); err != nil {
				return err
			}
			return errors.New("worker exited")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("task engine started",
		logx.Int("workers", cfg.Workers),
		logx.Int("queue", cfg.QueueSize),
		logx.Int("retry_max", cfg.RetryMax),
	)
}

// Stop stops the workers and fails still-queued tasks with ErrStopping. It
// returns when the workers are gone or ctx ends; teardown continues in the
// background either way.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	p := s.cur
	if p == nil {
		s.mu.Unlock()
		return
	}
	first := !p.stopping
	if first {
		p.stopping = true
		close(p.quit)
	}
	s.mu.Unlock()

	if first {
		p.sup.Cancel()
		go func() {
			_ = p.sup.Wait(context.Background())
			s.drain(p.queue)
			s.mu.Lock()
			if s.cur == p {
				s.cur = nil
			}
			s.mu.Unlock()
			s.stats.inFlight.Store(0)
			close(p.stopped)
		}()
	}

	select {
	case <-p.stopped:
		if first {
			s.log.Info("task engine stopped")
		}
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) drain(queue chan queued) {
	for {
		select {
		case q := <-queue:
			s.ungate(q)
			q.finish(Result{Err: ErrStopping})
		default:
			return
		}
	}
}

// Enqueue hands t to the pool without blocking; a full queue drops it.
func (s *Service) Enqueue(t Task) error {
	return s.submit(context.Background(), t, false)
}

// Submit is Enqueue with backpressure: it waits for room in the queue until
// ctx ends or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.submit(ctx, t, true)
}

func (s *Service) submit(ctx context.Context, t Task, wait bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	if t.Name = strings.TrimSpace(t.Name); t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.seq.Add(1))
	}

	s.mu.Lock()
	cfg, p := s.cfg, s.cur
	stopping := p != nil && p.stopping
	s.mu.Unlock()
	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case p == nil:
		return ErrStopped
	case stopping:
		return ErrStopping
	}

	q := queued{task: t, opt: t.Opt.resolve(cfg), timeout: t.Timeout, at: now}
	if q.timeout <= 0 {
		q.timeout = cfg.DefaultTimeout
	}
	if q.opt.Overlap == OverlapSkipIfRunning {
		if !s.gate.acquire(t.gateKey()) {
			ev := q.item()
			ev.Started, ev.Error = now, "overlap_skip"
			eventbus.Publish(s.bus, "task.skipped", TaskEvent(ev))
			s.log.Debug("task skipped; key busy", logx.String("task", t.Name), logx.String("id", t.ID), logx.String("key", t.ConcurrencyKey))
			return ErrOverlapSkip
		}
		q.gated = true
	}

	if !wait {
		select {
		case p.queue <- q:
			return nil
		default:
			s.ungate(q)
			item := q.item()
			item.Started = now
			s.dropped("queue_full", item, logx.Int("queue_cap", cap(p.queue)), logx.Uint64("dropped_queue_full", s.stats.queueFull.Load()))
			return ErrQueueFull
		}
	}
	select {
	case p.queue <- q:
		return nil
	case <-ctx.Done():
		s.ungate(q)
		return ctx.Err()
	case <-p.quit:
		s.ungate(q)
		return ErrStopping
	}
}

func (s *Service) ungate(q queued) {
	if q.gated {
		s.gate.release(q.task.gateKey())
	}
}

// Busy reports whether a gated task with this key is queued or running.
// An empty key falls back to name.
func (s *Service) Busy(concurrencyKey, name string) bool {
	return s.gate.busy(Task{Name: name, ConcurrencyKey: concurrencyKey}.gateKey())
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, p := s.cfg, s.cur
	s.mu.Unlock()

	out := Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		InFlight:         int(s.stats.inFlight.Load()),
		DroppedQueueFull: s.stats.queueFull.Load(),
		DroppedStale:     s.stats.stale.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMax:         cfg.RetryMax,
		History:          s.stats.recent(),
	}
	out.Dropped = out.DroppedQueueFull + out.DroppedStale
	if p != nil {
		out.QueueLen, out.QueueCap = len(p.queue), cap(p.queue)
	}
	return out
}

func (s *Service) historySize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.HistorySize
}
