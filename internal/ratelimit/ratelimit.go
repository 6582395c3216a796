// Package ratelimit tracks per-(account, platform) action counts in fixed
// hourly windows, persisted so counts survive restarts.
//
// Exhausting a window is an expected condition, not a failure: the queue
// defers the job to the window's reset time without touching its retry
// budget. A second, independent pacing layer exists in package engage; the
// two are deliberately not unified.
package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"socializer/internal/clock"
	"socializer/internal/store"
)

// Window is the fixed window length. Limits are configured per platform as
// actions per hour, so the window is an hour.
const Window = time.Hour

type Limiter struct {
	db *sql.DB
}

func NewLimiter(db *sql.DB) *Limiter {
	return &Limiter{db: db}
}

// Decision reports the outcome of a window check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   clock.Time
}

// CheckAndIncrement consumes one action from the current window if any
// remain. limit <= 0 means unlimited. The caller must hold the account's
// lease, which serializes updates for the same key.
func (l *Limiter) CheckAndIncrement(ctx context.Context, accountID string, platform store.Platform, limit int, now clock.Time) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	windowStart := now.Truncate(Window)
	reset := windowStart.Add(Window)

	var (
		storedStart int64
		count       int
	)
	err := l.db.QueryRowContext(ctx,
		`SELECT window_start, action_count FROM rate_windows WHERE account_id = ? AND platform = ?`,
		accountID, string(platform)).Scan(&storedStart, &count)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		storedStart, count = 0, 0
	case err != nil:
		return Decision{}, err
	}

	// A stale row belongs to an elapsed window: reset it.
	if storedStart < windowStart.UnixMilli() {
		count = 0
	}
	if count >= limit {
		return Decision{Allowed: false, Remaining: 0, ResetAt: clock.FromMilli(storedStart).Add(Window)}, nil
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO rate_windows(account_id, platform, window_start, action_count)
		 VALUES(?,?,?,1)
		 ON CONFLICT(account_id, platform) DO UPDATE SET
		   window_start = CASE WHEN rate_windows.window_start < excluded.window_start
		                       THEN excluded.window_start ELSE rate_windows.window_start END,
		   action_count = CASE WHEN rate_windows.window_start < excluded.window_start
		                       THEN 1 ELSE rate_windows.action_count + 1 END`,
		accountID, string(platform), windowStart.UnixMilli())
	if err != nil {
		return Decision{}, err
	}
	return Decision{Allowed: true, Remaining: limit - count - 1, ResetAt: reset}, nil
}

// CurrentWindow returns the stored window for reporting; ok is false when no
// actions were recorded yet.
func (l *Limiter) CurrentWindow(ctx context.Context, accountID string, platform store.Platform) (store.RateWindow, bool, error) {
	var (
		w           store.RateWindow
		storedStart int64
	)
	err := l.db.QueryRowContext(ctx,
		`SELECT account_id, platform, window_start, action_count FROM rate_windows
		 WHERE account_id = ? AND platform = ?`,
		accountID, string(platform)).Scan(&w.AccountID, (*string)(&w.Platform), &storedStart, &w.ActionCount)
	if errors.Is(err, sql.ErrNoRows) {
		return store.RateWindow{}, false, nil
	}
	if err != nil {
		return store.RateWindow{}, false, err
	}
	w.WindowStart = clock.FromMilli(storedStart)
	return w, true, nil
}

// Prune drops windows that ended before the cutoff. Janitor-only.
func (l *Limiter) Prune(ctx context.Context, cutoff clock.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM rate_windows WHERE window_start + ? < ?`,
		Window.Milliseconds(), cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
