// Package janitor prunes state nobody will read again: terminal jobs past
// retention, leases whose ttl elapsed, and rate windows from long-gone hours.
// Claiming already treats expired leases as absent; the janitor only keeps
// the tables small.
package janitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"socializer/internal/clock"
	"socializer/internal/lock"
	"socializer/internal/ratelimit"
	"socializer/internal/store"
	logx "socializer/pkg/logx"
)

type Config struct {
	Schedule  string        // cron spec, e.g. "@every 5m"
	Retention time.Duration // how long to keep terminal jobs
}

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = "@every 5m"
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	return c
}

type Janitor struct {
	cfg   Config
	store *store.Store
	locks *lock.Manager
	rate  *ratelimit.Limiter
	clk   clock.Clock
	log   logx.Logger

	c *cron.Cron
}

func New(cfg Config, st *store.Store, locks *lock.Manager, rate *ratelimit.Limiter, clk clock.Clock, log logx.Logger) *Janitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Janitor{
		cfg:   cfg.withDefaults(),
		store: st,
		locks: locks,
		rate:  rate,
		clk:   clk,
		log:   log.With(logx.String("comp", "janitor")),
	}
}

func (j *Janitor) Start() error {
	if j.c != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(j.cfg.Schedule, j.sweep); err != nil {
		return err
	}
	j.c = c
	c.Start()
	j.log.Debug("janitor started", logx.String("schedule", j.cfg.Schedule), logx.Duration("retention", j.cfg.Retention))
	return nil
}

func (j *Janitor) Stop() {
	if j.c == nil {
		return
	}
	<-j.c.Stop().Done()
	j.c = nil
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	j.Sweep(ctx)
}

// Sweep runs one pruning pass. Exposed for tests and for a final pass on
// shutdown.
func (j *Janitor) Sweep(ctx context.Context) {
	now := j.clk.Now()

	jobs, err := j.store.PruneTerminal(ctx, now.Add(-j.cfg.Retention))
	if err != nil {
		j.log.Warn("prune jobs failed", logx.Err(err))
	}
	leases, err := j.locks.SweepExpired(ctx, now)
	if err != nil {
		j.log.Warn("sweep leases failed", logx.Err(err))
	}
	windows, err := j.rate.Prune(ctx, now.Add(-ratelimit.Window))
	if err != nil {
		j.log.Warn("prune rate windows failed", logx.Err(err))
	}
	if jobs+leases+windows > 0 {
		j.log.Info("sweep complete",
			logx.Int64("jobs", jobs),
			logx.Int64("leases", leases),
			logx.Int64("rate_windows", windows),
		)
	}
}
