package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"roomcast/internal/eventbus"
	"roomcast/internal/storage"
	"roomcast/internal/task/engine"
	logx "roomcast/pkg/logx"
)

const finishTimeout = 10 * time.Second

// Register binds a task name to its handler. Registering the same name again
// replaces the previous handler.
func (s *Service) Register(name string, fn Handler, opt TaskOptions) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if fn == nil {
		return errors.New("handler required")
	}
	s.hmu.Lock()
	s.handlers[name] = registered{name: name, opt: opt, fn: fn}
	s.hmu.Unlock()
	s.log.Debug("task registered", logx.String("name", name))
	return nil
}

func (s *Service) handler(name string) (registered, bool) {
	s.hmu.RLock()
	defer s.hmu.RUnlock()
	r, ok := s.handlers[name]
	return r, ok
}

type enqueueOptions struct {
	runAt time.Time
	key   string
}

type EnqueueOption func(*enqueueOptions)

// WithRunAt delays the job until t. A zero or past t means run as soon as possible.
func WithRunAt(t time.Time) EnqueueOption {
	return func(o *enqueueOptions) { o.runAt = t }
}

// WithKey sets the job identity used for supersede and overlap gating.
func WithKey(key string) EnqueueOption {
	return func(o *enqueueOptions) { o.key = strings.TrimSpace(key) }
}

// ResolveOptions applies opts and returns the resulting key and run time.
func ResolveOptions(opts ...EnqueueOption) (key string, runAt time.Time) {
	var o enqueueOptions
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return o.key, o.runAt
}

// Enqueue persists a job for a registered task. With a key and supersede
// enabled, older queued jobs with the same name and key are superseded.
func (s *Service) Enqueue(ctx context.Context, name string, input any, opts ...EnqueueOption) (Handle, error) {
	if s.store == nil {
		return Handle{}, ErrNoStore
	}
	name = strings.TrimSpace(name)
	if _, ok := s.handler(name); !ok {
		return Handle{}, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	key, runAt := ResolveOptions(opts...)

	raw, err := json.Marshal(input)
	if err != nil {
		return Handle{}, fmt.Errorf("encode input: %w", err)
	}

	now := time.Now()
	if runAt.IsZero() || runAt.Before(now) {
		runAt = now
	}
	j := storage.Job{
		ID:        uuid.NewString(),
		Name:      name,
		Key:       key,
		Input:     raw,
		Status:    storage.StatusQueued,
		RunAt:     runAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.InsertJob(ctx, j); err != nil {
		return Handle{}, fmt.Errorf("insert job: %w", err)
	}

	h := Handle{ID: j.ID, Name: name, Key: j.Key, RunAt: runAt}

	s.mu.Lock()
	supersede := s.cfg.Supersede
	s.mu.Unlock()
	if supersede && j.Key != "" {
		n, err := s.store.SupersedeJobs(ctx, name, j.Key, j.ID)
		if err != nil {
			s.log.Warn("supersede failed", logx.String("job", j.ID), logx.String("key", j.Key), logx.Err(err))
		}
		h.Superseded = n
	}

	s.log.Info("job enqueued",
		logx.String("job", j.ID),
		logx.String("name", name),
		logx.String("key", j.Key),
		logx.Time("run_at", runAt),
		logx.Int("superseded", h.Superseded),
	)
	eventbus.Publish(s.bus, "job.enqueued", JobEvent{ID: j.ID, Name: name, Key: j.Key, Status: string(storage.StatusQueued), RunAt: runAt})

	s.armWake(runAt)
	return h, nil
}

// Cancel cancels a queued job. It reports false when the job is no longer queued.
func (s *Service) Cancel(ctx context.Context, id string) (bool, error) {
	if s.store == nil {
		return false, ErrNoStore
	}
	ok, err := s.store.CancelJob(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	s.log.Info("job canceled", logx.String("job", id))
	eventbus.Publish(s.bus, "job.canceled", JobEvent{ID: id, Status: string(storage.StatusCanceled)})
	return true, nil
}

// CancelKey cancels every queued job with this name and key.
func (s *Service) CancelKey(ctx context.Context, name, key string) (int, error) {
	if s.store == nil {
		return 0, ErrNoStore
	}
	n, err := s.store.CancelJobs(ctx, name, key)
	if err != nil {
		return n, err
	}
	if n > 0 {
		s.log.Info("jobs canceled", logx.String("name", name), logx.String("key", key), logx.Int("count", n))
		eventbus.Publish(s.bus, "job.canceled", JobEvent{Name: name, Key: key, Status: string(storage.StatusCanceled)})
	}
	return n, nil
}

func (s *Service) List(ctx context.Context, f storage.JobFilter) ([]storage.Job, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	return s.store.ListJobs(ctx, f)
}

func (s *Service) Get(ctx context.Context, id string) (storage.Job, error) {
	if s.store == nil {
		return storage.Job{}, ErrNoStore
	}
	return s.store.GetJob(ctx, id)
}

// PollNow claims due jobs and hands them to the engine. It returns how many
// jobs the engine accepted. Polls are serialized.
func (s *Service) PollNow(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, ErrNoStore
	}
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	s.mu.Lock()
	cfg := s.cfg
	running := s.running
	s.mu.Unlock()
	if !running {
		return 0, nil
	}

	accepted := 0
	for {
		jobs, err := s.store.ClaimDue(ctx, time.Now(), cfg.Lease, cfg.ClaimBatch)
		if err != nil {
			s.log.Warn("claim failed", logx.Err(err))
			return accepted, err
		}
		for _, j := range jobs {
			if s.runJob(cfg, j) {
				accepted++
			}
		}
		if len(jobs) < cfg.ClaimBatch {
			if accepted > 0 {
				s.log.Debug("poll handed out jobs", logx.Int("count", accepted))
			}
			return accepted, nil
		}
	}
}

func (s *Service) runJob(cfg Config, j storage.Job) bool {
	if j.Claims > cfg.MaxClaims {
		s.failJob(j, fmt.Errorf("claimed %d times without finishing", j.Claims))
		return false
	}
	reg, ok := s.handler(j.Name)
	if !ok {
		s.failJob(j, fmt.Errorf("%w: %s", ErrUnknownTask, j.Name))
		return false
	}
	if s.engine == nil {
		s.releaseJob(j, time.Now().Add(cfg.ReleaseDelay), true)
		return false
	}

	opt := reg.opt
	if j.Key != "" {
		opt.Overlap = OverlapSkipIfRunning
	}
	input := j.Input
	var out any
	err := s.engine.Enqueue(engine.Task{
		ID:             j.ID,
		Name:           j.Name,
		ConcurrencyKey: j.Key,
		Opt:            opt,
		Run: func(ctx context.Context) error {
			v, err := reg.fn(ctx, input)
			if err == nil {
				out = v
			}
			return err
		},
		OnDone: func(r engine.Result) { s.finish(j, out, r) },
	})
	if err != nil {
		s.releaseJob(j, time.Now().Add(cfg.ReleaseDelay), true)
		s.reportEnqueueError(j.Name, j.Key, err)
		return false
	}
	eventbus.Publish(s.bus, "job.started", JobEvent{ID: j.ID, Name: j.Name, Key: j.Key, Status: string(storage.StatusRunning), RunAt: j.RunAt})
	return true
}

func (s *Service) finish(j storage.Job, out any, r engine.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	log := s.log.With(logx.String("job", j.ID), logx.String("name", j.Name), logx.String("key", j.Key))
	ev := JobEvent{ID: j.ID, Name: j.Name, Key: j.Key, RunAt: j.RunAt, Attempts: r.Attempts, Duration: r.Duration}

	switch {
	case errors.Is(r.Err, engine.ErrStopping):
		// Engine shut down before the job ran; pick it up on the next start.
		s.releaseJob(j, time.Now(), false)
		return
	case errors.Is(r.Err, engine.ErrStale):
		s.mu.Lock()
		delay := s.cfg.ReleaseDelay
		s.mu.Unlock()
		s.releaseJob(j, time.Now().Add(delay), true)
		return
	case r.Err != nil:
		ev.Status = string(storage.StatusFailed)
		ev.Error = r.Err.Error()
		err := s.store.FailJob(ctx, j.ID, ev.Error, r.Attempts)
		if s.logFinishErr(log, err) {
			return
		}
		log.Warn("job failed", logx.Int("attempts", r.Attempts), logx.Err(r.Err))
		eventbus.Publish(s.bus, "job.failed", ev)
	default:
		b, merr := json.Marshal(out)
		if merr != nil {
			ev.Status = string(storage.StatusFailed)
			ev.Error = "encode output: " + merr.Error()
			if !s.logFinishErr(log, s.store.FailJob(ctx, j.ID, ev.Error, r.Attempts)) {
				eventbus.Publish(s.bus, "job.failed", ev)
			}
			return
		}
		ev.Status = string(storage.StatusSucceeded)
		if s.logFinishErr(log, s.store.CompleteJob(ctx, j.ID, b, r.Attempts)) {
			return
		}
		log.Debug("job succeeded", logx.Int("attempts", r.Attempts), logx.Duration("dur", r.Duration))
		eventbus.Publish(s.bus, "job.succeeded", ev)
	}
}

// logFinishErr reports whether the final write failed.
func (s *Service) logFinishErr(log logx.Logger, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, storage.ErrConflict):
		// Lease expired and the job was reclaimed, or it was canceled meanwhile.
		log.Debug("job state changed before finish", logx.Err(err))
	default:
		log.Error("job finish write failed", logx.Err(err))
	}
	return true
}

func (s *Service) failJob(j storage.Job, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	log := s.log.With(logx.String("job", j.ID), logx.String("name", j.Name))
	if s.logFinishErr(log, s.store.FailJob(ctx, j.ID, cause.Error(), 0)) {
		return
	}
	log.Warn("job failed", logx.Err(cause))
	eventbus.Publish(s.bus, "job.failed", JobEvent{ID: j.ID, Name: j.Name, Key: j.Key, Status: string(storage.StatusFailed), RunAt: j.RunAt, Error: cause.Error()})
}

func (s *Service) releaseJob(j storage.Job, at time.Time, wake bool) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	if err := s.store.ReleaseJob(ctx, j.ID, at); err != nil {
		s.logFinishErr(s.log.With(logx.String("job", j.ID)), err)
		return
	}
	if wake {
		s.armWake(at)
	}
}

// armWake schedules a poll at the given time so jobs start close to their
// run_at instead of waiting for the next cadence tick.
func (s *Service) armWake(at time.Time) bool {
	if s.timers == nil {
		return false
	}
	key := at.UnixMilli()
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	if _, ok := s.wakes[key]; ok {
		s.mu.Unlock()
		return false
	}
	s.wakes[key] = struct{}{}
	runCtx := s.runCtx
	s.mu.Unlock()

	_, err := s.timers.ScheduleAt(at, wakeGroup, func(context.Context) {
		s.mu.Lock()
		delete(s.wakes, key)
		s.mu.Unlock()
		_, _ = s.PollNow(runCtx)
	})
	if err != nil {
		s.mu.Lock()
		delete(s.wakes, key)
		s.mu.Unlock()
		s.log.Debug("wake not armed; relying on poll", logx.Time("at", at), logx.Err(err))
		return false
	}
	return true
}

// rearmWakes arms wake timers for queued jobs due in the future.
func (s *Service) rearmWakes(ctx context.Context) int {
	if s.store == nil {
		return 0
	}
	jobs, err := s.store.ListJobs(ctx, storage.JobFilter{Status: storage.StatusQueued})
	if err != nil {
		s.log.Warn("list queued jobs failed", logx.Err(err))
		return 0
	}
	now := time.Now()
	n := 0
	for _, j := range jobs {
		if j.RunAt.After(now) && s.armWake(j.RunAt) {
			n++
		}
	}
	return n
}
