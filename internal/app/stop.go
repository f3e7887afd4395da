package app

import (
	"context"
	"fmt"
	"time"

	logx "roomcast/pkg/logx"
)

// Steps slower than this are logged at info.
const slowStopStep = 500 * time.Millisecond

type stopStep struct {
	name   string
	budget time.Duration
	fn     func(context.Context) error
}

// runStopStep runs one shutdown step within its budget, never past the
// caller's deadline. A step that overruns is left to finish in the
// background so the remaining steps still run.
func (a *App) runStopStep(ctx context.Context, st stopStep) {
	log := a.log.With(logx.String("step", st.name))
	began := time.Now()

	budget := st.budget
	if dl, ok := ctx.Deadline(); ok {
		budget = min(budget, time.Until(dl))
	}
	stepCtx, cancel := context.WithTimeout(ctx, max(budget, 0))
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("panic: %v", r)
			}
		}()
		result <- st.fn(stepCtx)
	}()

	report := func(err error, late bool) {
		took := time.Since(began)
		fields := []logx.Field{logx.Duration("took", took), logx.Bool("late", late)}
		switch {
		case err != nil:
			log.Warn("stop step failed", append(fields, logx.Err(err))...)
		case late || took >= slowStopStep:
			log.Info("stop step done", fields...)
		default:
			log.Debug("stop step done", fields...)
		}
	}

	select {
	case err := <-result:
		report(err, false)
	case <-stepCtx.Done():
		log.Warn("stop step over budget; continuing", logx.Duration("budget", budget), logx.Err(stepCtx.Err()))
		go func() { report(<-result, true) }()
	}
}
