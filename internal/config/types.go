package config

import (
	"strings"
)

// Config is the config file, JSON or YAML. Durations are Go duration
// strings; secrets may stay empty and come from the environment (ApplyEnv).
type Config struct {
	Logging LoggingConfig `json:"logging"`
	HTTP    HTTPConfig    `json:"http"`

	// Storage holds the durable job queue and delivery log. Omitted means memory.
	Storage *StorageConfig `json:"storage,omitempty"`
	CMS     CMSConfig      `json:"cms"`
	Chat    ChatConfig     `json:"chat"`

	// Scheduler controls the durable queue: polling cadence, leases, supersede.
	Scheduler SchedulerConfig `json:"scheduler"`
	// TaskEngine controls execution: workers, retries, timeouts.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Timers   TimersConfig   `json:"timers"`
	Playback PlaybackConfig `json:"playback"`
	RunLock  RunLockConfig  `json:"run_lock"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the admin/webhook server. It binds 127.0.0.1:8080 by
// default; a non-loopback addr is refused unless token or allow_insecure is set.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"` // default: "/debug/pprof/"

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
	MaxBodyBytes int64  `json:"max_body_bytes,omitempty"`
}

// StorageConfig selects the durable store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./roomcast.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	Retention   string `json:"retention,omitempty"`
}

// CMSConfig points at the rooms/scenario collections.
type CMSConfig struct {
	Driver  string `json:"driver"` // "memory" or "postgres"
	DSN     string `json:"dsn,omitempty"`
	Migrate bool   `json:"migrate,omitempty"` // creates stand-in tables; not for a live CMS database
}

// ChatConfig configures the outbound chat endpoint.
type ChatConfig struct {
	BaseURL       string  `json:"base_url"`
	SenderEmail   string  `json:"sender_email"`
	Timeout       string  `json:"timeout,omitempty"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	Burst         int     `json:"burst,omitempty"`
	SigningSecret string  `json:"signing_secret,omitempty"` // do not log
	TokenTTL      string  `json:"token_ttl,omitempty"`
}

// SchedulerConfig controls the durable job queue.
//
// Defaults (when fields are omitted/zero):
//   - poll: "@every 1m"
//   - lease: "10m"
//   - claim_batch: 64
//   - supersede: true
//   - release_delay: "2s"
//   - max_claims: 5
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Timezone applies to cron poll specs.
	Timezone string `json:"timezone,omitempty"`
	Poll     string `json:"poll,omitempty"`

	Lease        string `json:"lease,omitempty"`
	ClaimBatch   int    `json:"claim_batch,omitempty"`
	Supersede    *bool  `json:"supersede,omitempty"`
	ReleaseDelay string `json:"release_delay,omitempty"`
	MaxClaims    int    `json:"max_claims,omitempty"`
}

// TaskEngineConfig sizes the worker pool that runs claimed jobs. An omitted
// enabled follows scheduler.enabled.
//
// Zero values mean: 4 workers, queue of 256, no per-attempt timeout, no
// queue-delay limit, 200 history items, one retry (negative: none) starting
// at 1s.
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`

	HistorySize int    `json:"history_size,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
	RetryBase   string `json:"retry_base,omitempty"`
}

type TimersConfig struct {
	Workers    int `json:"workers,omitempty"`
	MaxPending int `json:"max_pending,omitempty"`
}

// PlaybackConfig controls the runRoom task.
//
// Idempotent defaults to true; set it to false to re-dispatch a started room.
type PlaybackConfig struct {
	PageSize        int    `json:"page_size,omitempty"`
	Order           string `json:"order,omitempty"` // "sorted" (default) or "paged"
	SkipFailedPages bool   `json:"skip_failed_pages,omitempty"`
	MaxPageFailures int    `json:"max_page_failures,omitempty"`
	Idempotent      *bool  `json:"idempotent,omitempty"`
	LockTTL         string `json:"lock_ttl,omitempty"`
}

// IsIdempotent reports the effective idempotent flag.
func (p PlaybackConfig) IsIdempotent() bool {
	return p.Idempotent == nil || *p.Idempotent
}

type RunLockConfig struct {
	Driver string `json:"driver,omitempty"` // "local" (default), "redis" or "none"
	URL    string `json:"url,omitempty"`    // do not log (may carry a password)
	Prefix string `json:"prefix,omitempty"`
}

// Environment variables consulted by ApplyEnv.
const (
	EnvDatabaseURI   = "DATABASE_URI"
	EnvRedisURL      = "REDIS_URL"
	EnvSigningSecret = "CHAT_SIGNING_SECRET"
	EnvHTTPToken     = "ROOMCAST_HTTP_TOKEN"
	EnvChatBaseURL   = "ROOMCAST_CHAT_BASE_URL"
)

// ApplyEnv fills empty secrets and endpoints from the environment. Values
// set in the file win.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if c == nil || lookup == nil {
		return
	}
	fill := func(dst *string, key string) {
		if strings.TrimSpace(*dst) != "" {
			return
		}
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	fill(&c.CMS.DSN, EnvDatabaseURI)
	fill(&c.RunLock.URL, EnvRedisURL)
	fill(&c.Chat.SigningSecret, EnvSigningSecret)
	fill(&c.HTTP.Token, EnvHTTPToken)
	fill(&c.Chat.BaseURL, EnvChatBaseURL)
}
