package executor

import (
	"context"
	"time"

	"socializer/internal/store"
	logx "socializer/pkg/logx"
)

// LogExecutor logs the job instead of performing it. It is the default
// wiring for dry runs and local testing; real deployments register the
// browser-automation executors here instead.
type LogExecutor struct {
	Log   logx.Logger
	Delay time.Duration // simulated execution time, 0 for none
}

func (e *LogExecutor) Execute(ctx context.Context, job store.Job) error {
	if e.Delay > 0 {
		t := time.NewTimer(e.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Transient(ctx.Err())
		case <-t.C:
		}
	}
	if !e.Log.IsZero() {
		e.Log.Info("dry-run post",
			logx.String("job", job.ID),
			logx.String("platform", string(job.Platform)),
			logx.String("account", job.AccountID),
			logx.String("proxy", job.ProxyID),
			logx.String("content", job.ContentRef),
		)
	}
	return nil
}
