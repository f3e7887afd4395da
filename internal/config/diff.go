package config

import (
	"reflect"
	"strings"

	logx "roomcast/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (tokens, DSNs, signing keys, redis
// URLs) are only reported as "set"/"unset".
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	set := func(s string) bool { return strings.TrimSpace(s) != "" }

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	oh.Token, nh.Token = "", ""
	if !reflect.DeepEqual(oh, nh) || oldCfg.HTTP.Token != newCfg.HTTP.Token {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.token_set", set(newCfg.HTTP.Token)),
			logx.Bool("http.pprof", nh.Pprof),
			logx.Bool("http.allow_insecure", nh.AllowInsecure),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs,
				logx.String("storage.driver", newCfg.Storage.Driver),
				logx.String("storage.path", newCfg.Storage.Path),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.CMS, newCfg.CMS) {
		changed = append(changed, "cms")
		attrs = append(attrs,
			logx.String("cms.driver", newCfg.CMS.Driver),
			logx.Bool("cms.dsn_set", set(newCfg.CMS.DSN)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Chat, newCfg.Chat) {
		changed = append(changed, "chat")
		attrs = append(attrs,
			logx.String("chat.base_url", newCfg.Chat.BaseURL),
			logx.String("chat.timeout", newCfg.Chat.Timeout),
			logx.Float64("chat.rate_per_sec", newCfg.Chat.RatePerSec),
			logx.Bool("chat.signing_secret_set", set(newCfg.Chat.SigningSecret)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.poll", strings.TrimSpace(newCfg.Scheduler.Poll)),
		)
	}

	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
		if te := newCfg.TaskEngine; te != nil {
			attrs = append(attrs,
				logx.Int("task_engine.workers", te.Workers),
				logx.Int("task_engine.queue_size", te.QueueSize),
				logx.Int("task_engine.retry_max", te.RetryMax),
				logx.String("task_engine.default_timeout", te.DefaultTimeout),
			)
		}
	}

	if oldCfg.Timers != newCfg.Timers {
		changed = append(changed, "timers")
		attrs = append(attrs,
			logx.Int("timers.workers", newCfg.Timers.Workers),
			logx.Int("timers.max_pending", newCfg.Timers.MaxPending),
		)
	}

	if !reflect.DeepEqual(oldCfg.Playback, newCfg.Playback) {
		changed = append(changed, "playback")
		attrs = append(attrs,
			logx.String("playback.order", newCfg.Playback.Order),
			logx.Int("playback.page_size", newCfg.Playback.PageSize),
			logx.Bool("playback.skip_failed_pages", newCfg.Playback.SkipFailedPages),
			logx.Bool("playback.idempotent", newCfg.Playback.IsIdempotent()),
		)
	}

	if oldCfg.RunLock != newCfg.RunLock {
		changed = append(changed, "run_lock")
		attrs = append(attrs,
			logx.String("run_lock.driver", newCfg.RunLock.Driver),
			logx.Bool("run_lock.url_set", set(newCfg.RunLock.URL)),
		)
	}

	return changed, attrs
}

// RestartRequired reports which of the changed sections only take effect
// after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "cms", "timers", "run_lock":
			out = append(out, s)
		}
	}
	return out
}
