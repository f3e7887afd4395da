package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"roomcast/internal/eventbus"
	"roomcast/internal/playback"
	"roomcast/internal/task/engine"
)

func TestObserve(t *testing.T) {
	sentBefore := testutil.ToFloat64(DispatchesTotal.WithLabelValues("timer", "sent"))
	failedBefore := testutil.ToFloat64(DispatchesTotal.WithLabelValues("sync", "failed"))
	walkedBefore := testutil.ToFloat64(RunsTotal.WithLabelValues("walked"))
	retriesBefore := testutil.ToFloat64(TaskRetries)
	skippedBefore := testutil.ToFloat64(PagesSkipped)
	jobsBefore := testutil.ToFloat64(JobsTotal.WithLabelValues("succeeded"))

	Observe(eventbus.Event{Type: "dispatch.sent", Data: playback.DispatchEvent{Mode: "timer", Lateness: 3 * time.Millisecond}})
	Observe(eventbus.Event{Type: "dispatch.failed", Data: playback.DispatchEvent{Mode: "sync"}})
	Observe(eventbus.Event{Type: "run.walked", Data: playback.RunEvent{}})
	Observe(eventbus.Event{Type: "run.page_skipped", Data: playback.RunEvent{}})
	Observe(eventbus.Event{Type: "task.retry", Data: engine.TaskEvent{}})
	Observe(eventbus.Event{Type: "job.succeeded"})
	Observe(eventbus.Event{Type: "dispatch.sent", Data: "not a dispatch event"})

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"timer sent", testutil.ToFloat64(DispatchesTotal.WithLabelValues("timer", "sent")), sentBefore + 1},
		{"sync failed", testutil.ToFloat64(DispatchesTotal.WithLabelValues("sync", "failed")), failedBefore + 1},
		{"walked", testutil.ToFloat64(RunsTotal.WithLabelValues("walked")), walkedBefore + 1},
		{"retries", testutil.ToFloat64(TaskRetries), retriesBefore + 1},
		{"pages skipped", testutil.ToFloat64(PagesSkipped), skippedBefore + 1},
		{"jobs succeeded", testutil.ToFloat64(JobsTotal.WithLabelValues("succeeded")), jobsBefore + 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestRunConsumesBus(t *testing.T) {
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = Run(ctx, bus)
		close(done)
	}()

	before := testutil.ToFloat64(RunsTotal.WithLabelValues("canceled"))
	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(RunsTotal.WithLabelValues("canceled")) == before {
		if time.Now().After(deadline) {
			t.Fatal("event not observed")
		}
		// The subscriber may not be attached yet; publish until it is.
		bus.Publish(eventbus.Event{Type: "run.canceled"})
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestRegisterGaugeFuncTwice(t *testing.T) {
	fn := func() float64 { return 7 }
	if err := RegisterGaugeFunc("roomcast_test_gauge", "test", fn); err != nil {
		t.Fatal(err)
	}
	if err := RegisterGaugeFunc("roomcast_test_gauge", "test", fn); err != nil {
		t.Fatalf("second registration: %v", err)
	}
}
