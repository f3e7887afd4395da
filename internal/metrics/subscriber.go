package metrics

import (
	"context"
	"strings"

	"roomcast/internal/eventbus"
	"roomcast/internal/playback"
	"roomcast/internal/task/engine"
)

// Run consumes bus events until ctx is done.
func Run(ctx context.Context, bus eventbus.Bus) error {
	if bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsub := bus.Subscribe(1024)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			Observe(e)
		}
	}
}

// Observe updates collectors for one event.
func Observe(e eventbus.Event) {
	kind := e.Type[strings.IndexByte(e.Type, '.')+1:]
	switch e.Family() {
	case "run":
		if kind == "page_skipped" {
			PagesSkipped.Inc()
			return
		}
		RunsTotal.WithLabelValues(kind).Inc()
	case "dispatch":
		de, ok := e.Data.(playback.DispatchEvent)
		if !ok {
			return
		}
		DispatchesTotal.WithLabelValues(de.Mode, kind).Inc()
		if kind == "sent" {
			DispatchLateness.WithLabelValues(de.Mode).Observe(de.Lateness.Seconds())
		}
	case "job":
		JobsTotal.WithLabelValues(kind).Inc()
	case "task":
		switch kind {
		case "retry":
			TaskRetries.Inc()
		case "dropped", "skipped":
			reason := kind
			if te, ok := e.Data.(engine.TaskEvent); ok && te.Error != "" {
				reason = te.Error
			}
			TasksDropped.WithLabelValues(reason).Inc()
		case "finished", "failed":
			if te, ok := e.Data.(engine.TaskEvent); ok {
				TaskDuration.Observe(te.Duration.Seconds())
			}
		}
	}
}
