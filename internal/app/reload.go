package app

import (
	"context"
	"strings"
	"time"

	"roomcast/internal/config"
	logx "roomcast/pkg/logx"
)

// reloadLoop applies published configs until ctx is done.
func (a *App) reloadLoop(ctx context.Context, sub chan *Config) {
	// Track last applied config to generate a safe diff summary.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig hot-applies logging, engine, scheduler, chat, playback and
// http settings. Storage, cms, timers and the run lock need a restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *Config) {
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if rr := config.RestartRequired(sections); len(rr) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(rr, ",")))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	prevSchedEnabled := a.sched.Enabled()
	schCfg, err := mapSchedulerConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		schCfg.Enabled = prevSchedEnabled
	} else {
		a.sched.Apply(schCfg)
	}

	// Scheduler stops before the engine and starts after it.
	if prevSchedEnabled && !schCfg.Enabled {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}
	// engine.Apply starts, stops or restarts workers as needed.
	if engCfg, err := mapTaskEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, engCfg)
	}
	if !prevSchedEnabled && schCfg.Enabled {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	if chc, err := mapChatConfig(newCfg); err != nil {
		a.log.Warn("invalid chat config; keeping previous", logx.Err(err))
	} else {
		a.chat.Apply(chc)
	}

	if pc, err := mapPlaybackConfig(newCfg); err != nil {
		a.log.Warn("invalid playback config; keeping previous", logx.Err(err))
	} else {
		a.runner.Apply(pc)
	}

	if hc, err := mapHTTPConfig(newCfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
