// Package queue is the scheduling core: it admits jobs, hands them out to
// workers one per account at a time, and routes execution outcomes.
//
// ClaimNext is the only operation with real concurrency stakes. Selection is
// a plain read; the lease acquisition in package lock is the atomic step, so
// when two workers race for the same job exactly one wins and the loser just
// moves on to its next candidate or poll tick.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"socializer/internal/clock"
	"socializer/internal/executor"
	"socializer/internal/lock"
	"socializer/internal/ratelimit"
	"socializer/internal/retry"
	"socializer/internal/store"
	logx "socializer/pkg/logx"
)

// ValidationError rejects a malformed enqueue request synchronously; nothing
// is persisted.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationf(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is an enqueue validation failure, which
// the CLI maps to a non-zero exit with the message as-is.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

type Config struct {
	LeaseTTL          time.Duration
	DefaultMaxRetries int
	Backoff           retry.Policy

	// RateLimits is actions per hour per platform; 0 or absent = unlimited.
	RateLimits map[store.Platform]int

	// ClaimBatch bounds how many due candidates one ClaimNext scan considers
	// before giving up for this tick.
	ClaimBatch int
}

func (c Config) withDefaults() Config {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = time.Minute
	}
	// Zero is a real setting (never retry by default); only a negative value
	// asks for the built-in default.
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 3
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = 10
	}
	return c
}

type Manager struct {
	store *store.Store
	locks *lock.Manager
	rate  *ratelimit.Limiter
	clk   clock.Clock
	log   logx.Logger

	mu  sync.Mutex
	cfg Config
	rng *rand.Rand
}

func NewManager(st *store.Store, locks *lock.Manager, rate *ratelimit.Limiter, clk clock.Clock, cfg Config, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		store: st,
		locks: locks,
		rate:  rate,
		clk:   clk,
		log:   log,
		cfg:   cfg.withDefaults(),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Apply swaps in updated settings (rate limits, backoff) from a config
// reload. Lease TTL changes affect leases acquired afterwards.
func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

func (m *Manager) config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// JobSpec is an enqueue request.
type JobSpec struct {
	Platform    store.Platform
	AccountID   string
	ContentRef  string
	ScheduledAt clock.Time
	MaxRetries  int // <0 means use the configured default
}

// Enqueue validates the spec and persists a queued job. The scheduled time
// must be UTC-qualified and strictly in the future; a zero or past timestamp
// is rejected with the current UTC time echoed for operator reference.
func (m *Manager) Enqueue(ctx context.Context, spec JobSpec) (store.Job, error) {
	now := m.clk.Now()

	if _, err := store.ParsePlatform(string(spec.Platform)); err != nil {
		return store.Job{}, validationf("%v", err)
	}
	if strings.TrimSpace(spec.AccountID) == "" {
		return store.Job{}, validationf("account id is required")
	}
	if strings.TrimSpace(spec.ContentRef) == "" {
		return store.Job{}, validationf("content ref is required")
	}
	if spec.ScheduledAt.IsZero() {
		return store.Job{}, validationf("scheduled time is required (UTC, %q)", clock.EnqueueLayout)
	}
	if !spec.ScheduledAt.After(now) {
		return store.Job{}, validationf("scheduled time %s is not in the future (current UTC time: %s)",
			spec.ScheduledAt, now)
	}

	cfg := m.config()
	maxRetries := spec.MaxRetries
	if maxRetries < 0 {
		maxRetries = cfg.DefaultMaxRetries
	}

	j := store.Job{
		ID:          uuid.NewString(),
		Platform:    spec.Platform,
		AccountID:   spec.AccountID,
		ContentRef:  spec.ContentRef,
		ScheduledAt: spec.ScheduledAt,
		Status:      store.StatusQueued,
		MaxRetries:  maxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.InsertJob(ctx, j); err != nil {
		return store.Job{}, fmt.Errorf("enqueue: %w", err)
	}
	m.log.Info("job enqueued",
		logx.String("job", j.ID),
		logx.String("platform", string(j.Platform)),
		logx.String("account", j.AccountID),
		logx.String("at", j.ScheduledAt.String()),
	)
	return j, nil
}

// ClaimNext atomically claims the earliest due job whose account is free.
// ok is false when nothing is claimable this tick; the caller sleeps for a
// poll interval. Every scan also reclaims expired leases first, so jobs from
// crashed workers become eligible again without any explicit death signal.
func (m *Manager) ClaimNext(ctx context.Context, ownerID string) (store.Job, bool, error) {
	now := m.clk.Now()
	cfg := m.config()

	if n, err := m.store.RequeueOrphans(ctx, now); err != nil {
		return store.Job{}, false, err
	} else if n > 0 {
		m.log.Warn("requeued orphaned jobs from expired leases", logx.Int64("count", n))
	}
	if _, err := m.locks.SweepExpired(ctx, now); err != nil {
		return store.Job{}, false, err
	}

	live, err := m.locks.LiveAccounts(ctx, now)
	if err != nil {
		return store.Job{}, false, err
	}
	cands, err := m.store.DueJobs(ctx, now, live, cfg.ClaimBatch)
	if err != nil {
		return store.Job{}, false, err
	}

	for _, cand := range cands {
		got, err := m.locks.Acquire(ctx, cand.AccountID, ownerID, now, cfg.LeaseTTL)
		if err != nil {
			return store.Job{}, false, err
		}
		if !got {
			// Lost the lease race; the account is busy now. Never surfaced.
			continue
		}

		dec, err := m.rate.CheckAndIncrement(ctx, cand.AccountID, cand.Platform, cfg.RateLimits[cand.Platform], now)
		if err != nil {
			_ = m.locks.Release(ctx, cand.AccountID, ownerID)
			return store.Job{}, false, err
		}
		if !dec.Allowed {
			// Throttled, not failed: push to the window reset, keep the
			// retry budget intact.
			if err := m.store.DeferJob(ctx, cand.ID, dec.ResetAt, now); err != nil && !errors.Is(err, store.ErrConflict) {
				_ = m.locks.Release(ctx, cand.AccountID, ownerID)
				return store.Job{}, false, err
			}
			_ = m.locks.Release(ctx, cand.AccountID, ownerID)
			m.log.Debug("job deferred: rate window exhausted",
				logx.String("job", cand.ID),
				logx.String("account", cand.AccountID),
				logx.String("reset_at", dec.ResetAt.String()),
			)
			continue
		}

		proxyID := m.proxyFor(ctx, cand.AccountID)
		if err := m.store.MarkRunning(ctx, cand.ID, proxyID, now); err != nil {
			_ = m.locks.Release(ctx, cand.AccountID, ownerID)
			if errors.Is(err, store.ErrConflict) {
				// Job left the eligible set (e.g. cancelled) after selection.
				continue
			}
			return store.Job{}, false, err
		}

		cand.Status = store.StatusRunning
		cand.ProxyID = proxyID
		cand.UpdatedAt = now
		return cand, true, nil
	}
	return store.Job{}, false, nil
}

// proxyFor resolves the account's sticky proxy binding at dispatch time.
// Accounts and proxies are joined by id only; an unknown account simply
// yields no binding.
func (m *Manager) proxyFor(ctx context.Context, accountID string) string {
	acc, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.log.Warn("account lookup failed", logx.String("account", accountID), logx.Err(err))
		}
		return ""
	}
	return acc.ProxyID
}

// RenewLease extends the worker's hold on an account during long executions.
func (m *Manager) RenewLease(ctx context.Context, accountID, ownerID string) (bool, error) {
	return m.locks.Renew(ctx, accountID, ownerID, m.clk.Now())
}

// Complete reports the outcome of a claimed job. Called exactly once per
// claim by the worker that holds the lease; the lease is released on every
// path. The returned action tells the caller how the outcome was routed.
func (m *Manager) Complete(ctx context.Context, job store.Job, ownerID string, execErr error) (retry.Action, error) {
	now := m.clk.Now()
	cfg := m.config()
	defer func() {
		if err := m.locks.Release(ctx, job.AccountID, ownerID); err != nil {
			m.log.Warn("lease release failed", logx.String("account", job.AccountID), logx.Err(err))
		}
	}()

	action := cfg.Backoff.Decide(execErr, job.RetryCount, job.MaxRetries)
	switch action {
	case retry.ActionDone:
		if err := m.store.FinishJob(ctx, job.ID, store.StatusDone, nil, now); err != nil {
			return action, fmt.Errorf("complete %s: %w", job.ID, err)
		}
		m.log.Info("job done", logx.String("job", job.ID), logx.String("account", job.AccountID))
		return action, nil

	case retry.ActionRetry:
		m.mu.Lock()
		delay := cfg.Backoff.Delay(job.RetryCount, m.rng)
		m.mu.Unlock()
		at := now.Add(delay)
		if err := m.store.MarkRetrying(ctx, job.ID, at, lastError(execErr, now), now); err != nil {
			return action, fmt.Errorf("retry %s: %w", job.ID, err)
		}
		m.log.Warn("job scheduled for retry",
			logx.String("job", job.ID),
			logx.Int("attempt", job.RetryCount+1),
			logx.Int("max_retries", job.MaxRetries),
			logx.Duration("delay", delay),
			logx.Err(execErr),
		)
		return action, nil

	case retry.ActionDefer:
		at := m.deferUntil(ctx, job, now)
		if err := m.store.DeferJob(ctx, job.ID, at, now); err != nil {
			return action, fmt.Errorf("defer %s: %w", job.ID, err)
		}
		m.log.Info("job deferred: platform rate limited",
			logx.String("job", job.ID),
			logx.String("account", job.AccountID),
			logx.String("until", at.String()),
		)
		return action, nil

	default: // retry.ActionFail
		if err := m.store.FinishJob(ctx, job.ID, store.StatusFailed, lastError(execErr, now), now); err != nil {
			return action, fmt.Errorf("fail %s: %w", job.ID, err)
		}
		// Permanent failures usually mean a misconfigured account; keep them
		// loud in the logs.
		m.log.Error("job failed",
			logx.String("job", job.ID),
			logx.String("account", job.AccountID),
			logx.String("kind", string(executor.KindOf(execErr))),
			logx.Int("retry_count", job.RetryCount),
			logx.Err(execErr),
		)
		return action, nil
	}
}

// deferUntil picks the wake-up time for an executor-signalled rate limit:
// the current window's reset when one is tracked, otherwise a full window
// from now.
func (m *Manager) deferUntil(ctx context.Context, job store.Job, now clock.Time) clock.Time {
	if w, ok, err := m.rate.CurrentWindow(ctx, job.AccountID, job.Platform); err == nil && ok {
		if reset := w.WindowStart.Add(ratelimit.Window); reset.After(now) {
			return reset
		}
	}
	return now.Add(ratelimit.Window)
}

// Cancel transitions a still-queued job to cancelled. Running jobs cannot be
// cancelled mid-flight.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	now := m.clk.Now()
	err := m.store.CancelJob(ctx, jobID, now)
	if errors.Is(err, store.ErrConflict) {
		return validationf("job %s is not queued (already running or finished)", jobID)
	}
	if err != nil {
		return err
	}
	m.log.Info("job cancelled", logx.String("job", jobID))
	return nil
}

func lastError(err error, at clock.Time) *store.LastError {
	if err == nil {
		return nil
	}
	return &store.LastError{
		Kind:    string(executor.KindOf(err)),
		Message: err.Error(),
		At:      at,
	}
}
