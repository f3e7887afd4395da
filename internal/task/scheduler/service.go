package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"roomcast/internal/eventbus"
	"roomcast/internal/storage"
	"roomcast/internal/task/engine"
	"roomcast/internal/timer"
	logx "roomcast/pkg/logx"
)

const wakeGroup = "scheduler.wake"

func New(cfg Config, eng *engine.Service, store storage.JobStore, timers *timer.Service, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log.With(logx.String("comp", "scheduler")),
		bus:      bus,
		engine:   eng,
		store:    store,
		timers:   timers,
		parser:   pollParser,
		handlers: map[string]registered{},
		wakes:    map[int64]struct{}{},
		enqWarn:  map[string]*rate.Limiter{},
	}
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	oldPoll := s.cfg.Poll
	s.cfg = cfg

	var old *cron.Cron
	if s.c != nil && (oldTZ != newTZ || oldPoll != cfg.Poll) {
		old = s.restartLocked()
	}
	s.mu.Unlock()

	// An in-flight poll needs s.mu, so the old cron is drained unlocked.
	if old != nil {
		<-old.Stop().Done()
	}
}

// Start begins polling the store, re-arms wake timers for queued future jobs
// and runs one immediate poll so overdue jobs are picked up after a restart.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.c != nil || !s.cfg.Enabled {
		en := s.cfg.Enabled
		s.mu.Unlock()
		if !en {
			s.log.Info("scheduler disabled")
		}
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.running = true
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	if err := s.addPollLocked(s.runCtx); err != nil {
		s.log.Error("poll schedule invalid; relying on wake timers", logx.String("poll", s.cfg.Poll), logx.Err(err))
	}
	s.c.Start()
	loc := s.loc
	spec := s.pollSpec
	runCtx := s.runCtx
	s.mu.Unlock()

	wakes := s.rearmWakes(runCtx)
	s.log.Info("service started", logx.String("tz", loc.String()), logx.String("poll", spec), logx.Int("wakes", wakes))

	go s.PollNow(runCtx)
}

// Stop stops polling and drops wake timers. Queued jobs stay in the store.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.log.Info("stop requested")

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.running = false
	cancel := s.runCancel
	s.runCancel = nil
	s.wakes = map[int64]struct{}{}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
	if s.timers != nil {
		s.timers.CancelGroup(wakeGroup)
	}
	// Wait for an in-progress poll to finish handing out jobs.
	s.pollMu.Lock()
	s.pollMu.Unlock()

	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// addPollLocked registers the poll job on s.c. The job polls with ctx and
// never takes s.mu itself.
func (s *Service) addPollLocked(ctx context.Context) error {
	ps, err := ParseSchedule(s.cfg.Poll)
	if err != nil {
		return err
	}
	job := cron.FuncJob(func() {
		if ctx.Err() == nil {
			s.PollNow(ctx)
		}
	})
	switch ps.Kind {
	case SpecInterval:
		sched, spread := makeIntervalScheduleWithSpread(ps.Every, time.Now().In(s.loc), "poll")
		s.pollEntry = s.c.Schedule(sched, job)
		s.pollSpec = "@every " + ps.Every.String()
		s.log.Debug("poll registered", logx.String("spec", s.pollSpec), logx.Duration("startup_spread", spread))
		return nil
	default:
		if strings.HasPrefix(ps.Cron, "@every") {
			every, perr := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(ps.Cron, "@every")))
			if perr == nil && every > 0 {
				sched, spread := makeIntervalScheduleWithSpread(every, time.Now().In(s.loc), "poll")
				s.pollEntry = s.c.Schedule(sched, job)
				s.pollSpec = ps.Cron
				s.log.Debug("poll registered", logx.String("spec", s.pollSpec), logx.Duration("startup_spread", spread))
				return nil
			}
		}
		id, err := s.c.AddJob(ps.Cron, job)
		if err != nil {
			return err
		}
		s.pollEntry = id
		s.pollSpec = ps.Cron
		if next := s.previewNextRunsLocked(ps.Cron, 3); next != "" {
			s.log.Debug("poll registered", logx.String("spec", ps.Cron), logx.String("next", next))
		}
		return nil
	}
}

// restartLocked swaps in a fresh cron for the current poll spec and location.
// The previous cron is returned unstopped; the caller stops it after
// releasing s.mu.
func (s *Service) restartLocked() *cron.Cron {
	old := s.c
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	s.pollEntry = 0
	if err := s.addPollLocked(s.runCtx); err != nil {
		s.log.Error("poll schedule invalid; relying on wake timers", logx.String("poll", s.cfg.Poll), logx.Err(err))
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.String("poll", s.pollSpec))
	return old
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked returns a short list of upcoming run times for a cron
// spec. Call with s.mu held.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
