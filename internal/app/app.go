// Package app wires the services together and owns their start/stop order.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"roomcast/internal/cms"
	"roomcast/internal/dispatch"
	"roomcast/internal/eventbus"
	"roomcast/internal/httpapi"
	"roomcast/internal/lifecycle"
	"roomcast/internal/metrics"
	"roomcast/internal/playback"
	"roomcast/internal/runlock"
	"roomcast/internal/storage"
	"roomcast/internal/task/engine"
	"roomcast/internal/task/scheduler"
	"roomcast/internal/timer"
	logx "roomcast/pkg/logx"
)

type App struct {
	cfgm *ConfigManager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store      storage.Store
	durable    bool
	rooms      cms.Store
	locks      runlock.Locker
	closeLocks func() error

	timers *timer.Service
	engine *engine.Service
	sched  *scheduler.Service
	chat   *dispatch.Client
	runner *playback.Runner
	hook   *lifecycle.Hook
	http   *httpapi.Service

	// notify is daemon.SdNotify; replaced in tests.
	notify func(state string)
}

// New loads the config at cfgPath and builds every service. Connections
// (storage, cms, run lock) are opened here; nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(ctx, cfgm, cfg)
}

// NewWithConfig builds the app from an already loaded config.
func NewWithConfig(ctx context.Context, cfgm *ConfigManager, cfg *Config) (a *App, err error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	bus := eventbus.New()

	a = &App{
		cfgm: cfgm,
		log:  log.With(logx.String("comp", "app")),
		logs: logSvc,
		bus:  bus,
		notify: func(state string) {
			_, _ = daemon.SdNotify(false, state)
		},
	}
	defer func() {
		if err != nil {
			a.closeStores()
			_ = logSvc.Close()
			a = nil
		}
	}()

	// storage → cms → runlock
	sc, _ := mapStorageConfig(cfg)
	a.store, err = storage.Open(sc, log)
	a.durable = storage.Durable(sc.Driver)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	cc, _ := mapCMSConfig(cfg)
	a.rooms, err = cms.Open(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("open cms: %w", err)
	}
	a.log.Info("cms opened", logx.String("driver", cc.Driver))

	lc, _ := mapRunLockConfig(cfg)
	a.locks, a.closeLocks, err = runlock.Open(ctx, lc, log)
	if err != nil {
		return nil, fmt.Errorf("open run lock: %w", err)
	}

	tc, _ := mapTimersConfig(cfg)
	a.timers = timer.New(tc, log.With(logx.String("comp", "timer")))

	ec, _ := mapTaskEngineConfig(cfg)
	a.engine = engine.New(ec, log.With(logx.String("comp", "taskengine")), bus)

	schc, _ := mapSchedulerConfig(cfg)
	a.sched = scheduler.New(schc, a.engine, a.store, a.timers, log.With(logx.String("comp", "scheduler")), bus)

	chc, _ := mapChatConfig(cfg)
	a.chat = dispatch.New(chc, log.With(logx.String("comp", "dispatch")))

	pc, _ := mapPlaybackConfig(cfg)
	a.runner, err = playback.New(pc, playback.Deps{
		Logger:     log.With(logx.String("comp", "playback")),
		Rooms:      a.rooms,
		Scenario:   a.rooms,
		Dispatcher: a.chat,
		Timers:     a.timers,
		Deliveries: a.store,
		Locks:      a.locks,
		Bus:        bus,
	})
	if err != nil {
		return nil, err
	}
	// One run per room at a time; a second claim for the same room waits in the queue.
	if err = a.sched.Register(playback.TaskName, a.runner.Handler(), scheduler.TaskOptions{
		Overlap: scheduler.OverlapSkipIfRunning,
	}); err != nil {
		return nil, err
	}

	a.hook = lifecycle.New(a.rooms, a.sched, a.runner, log, bus)

	hc, _ := mapHTTPConfig(cfg)
	api := httpapi.NewAPI(httpapi.Deps{
		Lifecycle:  a.hook,
		Jobs:       a.sched,
		Runs:       a.runner,
		Deliveries: a.store,
		Health:     a.health,
	}, log)
	a.http = httpapi.New(hc, api, log)

	return a, nil
}

// Lifecycle exposes the room lifecycle hook (manual start, schedule, stop).
func (a *App) Lifecycle() *lifecycle.Hook { return a.hook }

// DurableQueue reports whether queued jobs outlive this process.
func (a *App) DurableQueue() bool { return a.durable }

// Scheduler exposes the durable job queue.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// HTTPAddr returns the bound admin address, or "" when the server is not running.
func (a *App) HTTPAddr() string { return a.http.Addr() }

// Done is closed once the app is stopping, after Stop or a fatal error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err is the fatal error that stopped the app, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the services: timers → engine → scheduler → metrics → http,
// then reports readiness to systemd.
func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	runCtx := a.sup.Context()

	// a reload is committed only if every section maps cleanly
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
			return validateConfig(cfg)
		})
	}

	if err := a.timers.Start(runCtx); err != nil {
		return fmt.Errorf("start timers: %w", err)
	}
	if a.engine.Enabled() {
		a.engine.Start(runCtx)
	}
	if a.sched.Enabled() {
		a.sched.Start(runCtx)
	} else {
		a.log.Warn("scheduler disabled; queued runs will not execute")
	}

	if err := metrics.RegisterGaugeFunc("roomcast_timer_pending", "Timer entries waiting to fire.", func() float64 {
		return float64(a.timers.Len())
	}); err != nil {
		a.log.Warn("timer gauge not registered", logx.Err(err))
	}
	if err := metrics.RegisterGaugeFunc("roomcast_task_queue_len", "Tasks waiting for an engine worker.", func() float64 {
		return float64(a.engine.Snapshot().QueueLen)
	}); err != nil {
		a.log.Warn("queue gauge not registered", logx.Err(err))
	}
	a.sup.Go("metrics.events", func(c context.Context) error {
		return metrics.Run(c, a.bus)
	})

	// Lifecycle events at debug for tracing runs end to end.
	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.http.Enabled() {
		a.http.Start(runCtx)
	}

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
		})
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.notify(daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("http", a.http.Addr()))
	return nil
}

// Stop shuts services down in reverse start order. Each step is bounded so
// one component cannot stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStores()
		return nil
	}
	a.notify(daemon.SdNotifyStopping)
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Loops watching the run context start unwinding now.
	a.sup.Cancel()

	steps := []stopStep{
		{"http", 2 * time.Second, func(c context.Context) error { a.http.Stop(c); return nil }},
		{"scheduler", 2 * time.Second, func(c context.Context) error { a.sched.Stop(c); return nil }},
		{"taskengine", 3 * time.Second, func(c context.Context) error { a.engine.Stop(c); return nil }},
		{"timers", 2 * time.Second, a.timers.Stop},
		{"stores", 2 * time.Second, func(context.Context) error { return a.closeStores() }},
		// config watch/reload, metrics and the event log
		{"supervisor", 2 * time.Second, a.sup.Wait},
	}
	for _, st := range steps {
		a.runStopStep(ctx, st)
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// Close releases connections of an app that was never started.
func (a *App) Close() error {
	err := a.closeStores()
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

func (a *App) closeStores() error {
	var errs []error
	if a.closeLocks != nil {
		errs = append(errs, a.closeLocks())
		a.closeLocks = nil
	}
	if a.rooms != nil {
		errs = append(errs, a.rooms.Close())
		a.rooms = nil
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	return errors.Join(errs...)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// health reports per-component status for /healthz.
func (a *App) health(ctx context.Context) map[string]error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	out := map[string]error{}
	if a.store != nil {
		_, err := a.store.ListJobs(ctx, storage.JobFilter{Limit: 1})
		out["storage"] = err
	}
	if p, ok := a.rooms.(pinger); ok {
		out["cms"] = p.Ping(ctx)
	}
	if p, ok := a.locks.(pinger); ok {
		out["run_lock"] = p.Ping(ctx)
	}
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			out["app"] = err
		}
	}
	return out
}
