package app

import (
	"time"

	"roomcast/internal/config"
	"roomcast/internal/runtime/supervisor"
)

// ---- Config ----

type Config = config.Config

type ConfigManager = config.Manager

var NewConfigManager = config.NewManager

// SummarizeConfigChange produces a safe, structured summary of config diffs.
var SummarizeConfigChange = config.SummarizeConfigChange

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.Duration(path, raw, 0)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.Duration(path, raw, def)
}

// ---- Runtime ----

type Supervisor = supervisor.Supervisor

var (
	NewSupervisor     = supervisor.New
	WithLogger        = supervisor.WithLogger
	WithCancelOnError = supervisor.WithCancelOnError
)
