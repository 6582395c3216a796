// Package worker runs the poll loops that pull claimed jobs from the queue,
// hand them to the platform executor, and report the outcome back.
//
// Each loop is independent; there is no coordinator beyond the shared store.
// A loop blocks only while its executor runs or while sleeping between empty
// polls. Execution gets a hard wall-clock timeout no longer than the lease
// ttl, so a hung executor turns into a transient failure before its lease
// could ever be reclaimed out from under it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"socializer/internal/clock"
	"socializer/internal/eventbus"
	"socializer/internal/executor"
	"socializer/internal/queue"
	"socializer/internal/retry"
	rtsup "socializer/internal/runtime/supervisor"
	"socializer/internal/store"
	logx "socializer/pkg/logx"
)

type Config struct {
	Count        int
	PollInterval time.Duration

	// ExecTimeout caps one execution. Clamped to LeaseTTL by the caller;
	// 0 means use LeaseTTL.
	ExecTimeout time.Duration
	LeaseTTL    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Count <= 0 {
		c.Count = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = time.Minute
	}
	if c.ExecTimeout <= 0 || c.ExecTimeout > c.LeaseTTL {
		c.ExecTimeout = c.LeaseTTL
	}
	return c
}

type Pool struct {
	cfg      Config
	q        *queue.Manager
	reg      *executor.Registry
	clk      clock.Clock
	bus      eventbus.Bus
	log      logx.Logger
	instance string

	sup *rtsup.Supervisor
}

// NewPool wires a worker pool. instance identifies this process in lease
// owner ids, so a restarted process never mistakes a dead twin's leases for
// its own.
func NewPool(cfg Config, q *queue.Manager, reg *executor.Registry, clk clock.Clock, bus eventbus.Bus, log logx.Logger, instance string) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		cfg:      cfg.withDefaults(),
		q:        q,
		reg:      reg,
		clk:      clk,
		bus:      bus,
		log:      log,
		instance: instance,
	}
}

func (p *Pool) Start(ctx context.Context) {
	if p.sup != nil {
		return
	}
	p.sup = rtsup.New(ctx,
		rtsup.WithLogger(p.log.With(logx.String("comp", "worker"))),
		// A failing loop should not hard-kill the daemon; restart it.
		rtsup.WithCancelOnError(false),
	)
	for i := 0; i < p.cfg.Count; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		p.sup.GoRestart(name, func(c context.Context) error {
			p.loop(c, idx)
			return c.Err()
		})
	}
	p.log.Info("worker pool started",
		logx.Int("workers", p.cfg.Count),
		logx.Duration("poll_interval", p.cfg.PollInterval),
		logx.Duration("exec_timeout", p.cfg.ExecTimeout),
	)
}

func (p *Pool) Stop(ctx context.Context) {
	if p.sup == nil {
		return
	}
	p.sup.Cancel()
	if err := p.sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		p.log.Warn("worker pool stop", logx.Err(err))
	}
	p.sup = nil
	p.log.Info("worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, idx int) {
	owner := fmt.Sprintf("%s.%d", p.instance, idx)
	log := p.log.With(logx.String("owner", owner))

	// Per-loop RNG for poll jitter: avoids lockstep polling across loops.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, ok, err := p.q.ClaimNext(ctx, owner)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("claim failed", logx.Err(err))
			p.sleep(ctx, rng)
			continue
		}
		if !ok {
			p.sleep(ctx, rng)
			continue
		}

		p.publish(eventbus.TypeJobClaimed, job, owner, 0, "")
		log.Debug("job claimed",
			logx.String("job", job.ID),
			logx.String("platform", string(job.Platform)),
			logx.String("account", job.AccountID),
		)

		start := p.clk.Now()
		execErr := p.execute(ctx, job)
		dur := p.clk.Now().Sub(start)

		action, err := p.q.Complete(ctx, job, owner, execErr)
		if err != nil {
			log.Error("complete failed", logx.String("job", job.ID), logx.Err(err))
			continue
		}
		p.publish(eventForAction(action), job, owner, dur, errString(execErr))
	}
}

// execute runs the platform executor with the hard timeout. Panics and
// deadline hits come back as transient errors so the retry budget, not the
// process, absorbs them.
func (p *Pool) execute(ctx context.Context, job store.Job) (err error) {
	exec, ok := p.reg.Lookup(job.Platform)
	if !ok {
		// No executor for this platform is a deployment error, not a blip.
		return executor.Permanent(fmt.Errorf("no executor registered for platform %s", job.Platform))
	}

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.ExecTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = executor.Transient(fmt.Errorf("executor panic: %v", r))
			p.log.Error("executor panicked", logx.String("job", job.ID), logx.Any("panic", r))
		}
	}()

	err = exec.Execute(runCtx, job)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = executor.Transient(fmt.Errorf("execution exceeded %s: %w", p.cfg.ExecTimeout, err))
	}
	return err
}

func (p *Pool) sleep(ctx context.Context, rng *rand.Rand) {
	d := p.cfg.PollInterval
	// Up to 20% jitter.
	d += time.Duration(rng.Int63n(int64(d)/5 + 1))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (p *Pool) publish(typ string, job store.Job, owner string, dur time.Duration, errMsg string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{
		Type: typ,
		Time: p.clk.Now().Std(),
		Data: eventbus.JobEvent{
			JobID:     job.ID,
			Platform:  string(job.Platform),
			AccountID: job.AccountID,
			Worker:    owner,
			Attempt:   job.RetryCount + 1,
			Duration:  dur,
			Error:     errMsg,
		},
	})
}

func eventForAction(a retry.Action) string {
	switch a {
	case retry.ActionDone:
		return eventbus.TypeJobDone
	case retry.ActionRetry:
		return eventbus.TypeJobRetrying
	case retry.ActionDefer:
		return eventbus.TypeJobDeferred
	default:
		return eventbus.TypeJobFailed
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
