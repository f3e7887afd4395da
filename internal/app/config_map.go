package app

import (
	"fmt"
	"strings"
	"time"

	"roomcast/internal/cms"
	"roomcast/internal/dispatch"
	"roomcast/internal/httpapi"
	"roomcast/internal/playback"
	"roomcast/internal/runlock"
	"roomcast/internal/storage"
	"roomcast/internal/task/engine"
	"roomcast/internal/task/scheduler"
	"roomcast/internal/timer"
	logx "roomcast/pkg/logx"
)

func mapLoggingConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	retention, err := parseDurationField("storage.retention", sc.Retention)
	if err != nil {
		return storage.Config{}, err
	}

	switch driver {
	case "", "memory", "mem":
		return storage.Config{Driver: "memory", Retention: retention}, nil
	case "file":
		return storage.Config{Driver: "file", Path: path, Retention: retention}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 1*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, Retention: retention}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapCMSConfig(cfg *Config) (cms.Config, error) {
	c := cms.Config{
		Driver:  strings.ToLower(strings.TrimSpace(cfg.CMS.Driver)),
		DSN:     strings.TrimSpace(cfg.CMS.DSN),
		Migrate: cfg.CMS.Migrate,
	}
	switch c.Driver {
	case "", "memory":
	case "postgres", "postgresql", "pg":
		if c.DSN == "" {
			return cms.Config{}, fmt.Errorf("cms.dsn (or $DATABASE_URI) is required when cms.driver=%s", c.Driver)
		}
	default:
		return cms.Config{}, fmt.Errorf("unknown cms.driver: %s", cfg.CMS.Driver)
	}
	return c, nil
}

func mapChatConfig(cfg *Config) (dispatch.Config, error) {
	cc := cfg.Chat
	timeout, err := parseDurationOrDefault("chat.timeout", cc.Timeout, 10*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	ttl, err := parseDurationOrDefault("chat.token_ttl", cc.TokenTTL, 5*time.Minute)
	if err != nil {
		return dispatch.Config{}, err
	}
	if cc.RatePerSec < 0 {
		return dispatch.Config{}, fmt.Errorf("chat.rate_per_sec must be >= 0")
	}
	if cc.Burst < 0 {
		return dispatch.Config{}, fmt.Errorf("chat.burst must be >= 0")
	}
	if base := strings.TrimSpace(cc.BaseURL); base != "" &&
		!strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return dispatch.Config{}, fmt.Errorf("chat.base_url must be an http(s) URL")
	}
	return dispatch.Config{
		BaseURL:       strings.TrimSpace(cc.BaseURL),
		SenderEmail:   strings.TrimSpace(cc.SenderEmail),
		Timeout:       timeout,
		RatePerSec:    cc.RatePerSec,
		Burst:         cc.Burst,
		SigningSecret: cc.SigningSecret,
		TokenTTL:      ttl,
	}, nil
}

func mapSchedulerConfig(cfg *Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if p := strings.TrimSpace(sc.Poll); p != "" {
		if _, err := scheduler.ParseSchedule(p); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.poll: %w", err)
		}
	}
	lease, err := parseDurationField("scheduler.lease", sc.Lease)
	if err != nil {
		return scheduler.Config{}, err
	}
	release, err := parseDurationField("scheduler.release_delay", sc.ReleaseDelay)
	if err != nil {
		return scheduler.Config{}, err
	}
	if sc.ClaimBatch < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.claim_batch must be >= 0")
	}
	if sc.MaxClaims < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.max_claims must be >= 0")
	}
	supersede := true
	if sc.Supersede != nil {
		supersede = *sc.Supersede
	}
	return scheduler.Config{
		Enabled:      sc.Enabled,
		Timezone:     strings.TrimSpace(sc.Timezone),
		Poll:         strings.TrimSpace(sc.Poll),
		Lease:        lease,
		ClaimBatch:   sc.ClaimBatch,
		Supersede:    supersede,
		ReleaseDelay: release,
		MaxClaims:    sc.MaxClaims,
	}, nil
}

func mapTaskEngineConfig(cfg *Config) (engine.Config, error) {
	if cfg == nil {
		return engine.Config{}, nil
	}

	enabled := cfg.Scheduler.Enabled
	workers := 4
	queueSize := 256
	historySize := 200
	retryMax := 0
	var defTimeoutStr, maxQueueDelayStr, retryBaseStr string

	if te := cfg.TaskEngine; te != nil {
		if te.Enabled != nil {
			enabled = *te.Enabled
		}
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
			return engine.Config{}, fmt.Errorf("task_engine.workers, queue_size and history_size must be >= 0")
		}
		if te.Workers != 0 {
			workers = te.Workers
		}
		if te.QueueSize != 0 {
			queueSize = te.QueueSize
		}
		if te.HistorySize != 0 {
			historySize = te.HistorySize
		}
		retryMax = te.RetryMax
		defTimeoutStr = te.DefaultTimeout
		maxQueueDelayStr = te.MaxQueueDelay
		retryBaseStr = te.RetryBase

		// Safety: avoid a config where the scheduler claims jobs but nothing executes them.
		if cfg.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
			return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
	}

	defTimeout, err := parseDurationField("task_engine.default_timeout", defTimeoutStr)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := parseDurationField("task_engine.max_queue_delay", maxQueueDelayStr)
	if err != nil {
		return engine.Config{}, err
	}
	retryBase, err := parseDurationOrDefault("task_engine.retry_base", retryBaseStr, time.Second)
	if err != nil {
		return engine.Config{}, err
	}

	return engine.Config{
		Enabled:        enabled,
		Workers:        workers,
		QueueSize:      queueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    historySize,
		RetryMax:       retryMax,
		RetryBase:      retryBase,
	}, nil
}

func mapTimersConfig(cfg *Config) (timer.Config, error) {
	if cfg.Timers.Workers < 0 || cfg.Timers.MaxPending < 0 {
		return timer.Config{}, fmt.Errorf("timers.workers and timers.max_pending must be >= 0")
	}
	return timer.Config{Workers: cfg.Timers.Workers, MaxPending: cfg.Timers.MaxPending}, nil
}

func mapPlaybackConfig(cfg *Config) (playback.Config, error) {
	pc := cfg.Playback
	order, err := playback.ParseOrder(pc.Order)
	if err != nil {
		return playback.Config{}, fmt.Errorf("playback.order: %w", err)
	}
	if pc.PageSize < 0 || pc.MaxPageFailures < 0 {
		return playback.Config{}, fmt.Errorf("playback.page_size and playback.max_page_failures must be >= 0")
	}
	ttl, err := parseDurationField("playback.lock_ttl", pc.LockTTL)
	if err != nil {
		return playback.Config{}, err
	}
	return playback.Config{
		PageSize:        pc.PageSize,
		Order:           order,
		SkipFailedPages: pc.SkipFailedPages,
		MaxPageFailures: pc.MaxPageFailures,
		Idempotent:      pc.IsIdempotent(),
		LockTTL:         ttl,
	}, nil
}

func mapRunLockConfig(cfg *Config) (runlock.Config, error) {
	rc := runlock.Config{
		Driver: strings.ToLower(strings.TrimSpace(cfg.RunLock.Driver)),
		URL:    strings.TrimSpace(cfg.RunLock.URL),
		Prefix: cfg.RunLock.Prefix,
	}
	switch rc.Driver {
	case "", "local", "none":
	case "redis":
		if rc.URL == "" {
			return runlock.Config{}, fmt.Errorf("run_lock.url (or $REDIS_URL) is required when run_lock.driver=redis")
		}
	default:
		return runlock.Config{}, fmt.Errorf("unknown run_lock.driver: %s", cfg.RunLock.Driver)
	}
	return rc, nil
}

func mapHTTPConfig(cfg *Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	read, err := parseDurationField("http.read_timeout", hc.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := parseDurationField("http.write_timeout", hc.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := parseDurationField("http.idle_timeout", hc.IdleTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	if hc.MaxBodyBytes < 0 {
		return httpapi.Config{}, fmt.Errorf("http.max_body_bytes must be >= 0")
	}
	return httpapi.Config{
		Enabled:       hc.Enabled,
		Addr:          strings.TrimSpace(hc.Addr),
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		Pprof:         hc.Pprof,
		PprofPrefix:   hc.PprofPrefix,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
		MaxBodyBytes:  hc.MaxBodyBytes,
	}, nil
}

// validateConfig maps every section and reports the first error. It gates
// both startup and hot reload.
func validateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	steps := []func(*Config) error{
		func(c *Config) error { _, err := mapStorageConfig(c); return err },
		func(c *Config) error { _, err := mapCMSConfig(c); return err },
		func(c *Config) error { _, err := mapChatConfig(c); return err },
		func(c *Config) error { _, err := mapSchedulerConfig(c); return err },
		func(c *Config) error { _, err := mapTaskEngineConfig(c); return err },
		func(c *Config) error { _, err := mapTimersConfig(c); return err },
		func(c *Config) error { _, err := mapPlaybackConfig(c); return err },
		func(c *Config) error { _, err := mapRunLockConfig(c); return err },
		func(c *Config) error { _, err := mapHTTPConfig(c); return err },
	}
	for _, step := range steps {
		if err := step(cfg); err != nil {
			return err
		}
	}
	return nil
}
