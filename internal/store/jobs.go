package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"socializer/internal/clock"
)

const jobColumns = `id, platform, account_id, proxy_id, content_ref,
	scheduled_at, status, retry_count, max_retries, last_error, created_at, updated_at`

// InsertJob persists a freshly validated job. Status and timestamps must
// already be set by the caller (queue.Enqueue).
func (s *Store) InsertJob(ctx context.Context, j Job) error {
	le, err := marshalLastError(j.LastError)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, platform, account_id, proxy_id, content_ref,
		   scheduled_at, status, retry_count, max_retries, last_error, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, string(j.Platform), j.AccountID, nullStr(j.ProxyID), j.ContentRef,
		j.ScheduledAt.UnixMilli(), string(j.Status), j.RetryCount, j.MaxRetries,
		le, j.CreatedAt.UnixMilli(), j.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j, err
}

// DueJobs returns jobs eligible for claiming at now: status queued or
// retrying, due, ordered by (scheduled_at, created_at). Accounts in exclude
// (live leases, supplied by the lock manager) are skipped so callers do not
// fight over accounts that are already busy.
func (s *Store) DueJobs(ctx context.Context, now clock.Time, exclude []string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 10
	}
	q := `SELECT ` + jobColumns + `
	      FROM jobs
	      WHERE status IN ('queued','retrying') AND scheduled_at <= ?`
	args := []any{now.UnixMilli()}
	if len(exclude) > 0 {
		q += ` AND account_id NOT IN (?` + strings.Repeat(",?", len(exclude)-1) + `)`
		for _, acc := range exclude {
			args = append(args, acc)
		}
	}
	q += ` ORDER BY scheduled_at, created_at LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// MarkRunning transitions queued/retrying -> running and binds the proxy.
// Returns ErrConflict when the job was claimed by someone else in between.
func (s *Store) MarkRunning(ctx context.Context, id, proxyID string, now clock.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, proxy_id = COALESCE(?, proxy_id), updated_at = ?
		 WHERE id = ? AND status IN ('queued','retrying')`,
		string(StatusRunning), nullStr(proxyID), now.UnixMilli(), id)
	if err != nil {
		return err
	}
	return oneRowOrConflict(res)
}

// FinishJob transitions running -> done or failed.
func (s *Store) FinishJob(ctx context.Context, id string, status Status, lastErr *LastError, now clock.Time) error {
	if status != StatusDone && status != StatusFailed {
		return fmt.Errorf("finish status must be done or failed, got %s", status)
	}
	le, err := marshalLastError(lastErr)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, last_error = COALESCE(?, last_error), updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(status), le, now.UnixMilli(), id, string(StatusRunning))
	if err != nil {
		return err
	}
	return oneRowOrConflict(res)
}

// MarkRetrying transitions running -> retrying with a future attempt time,
// consuming one unit of the retry budget.
func (s *Store) MarkRetrying(ctx context.Context, id string, at clock.Time, lastErr *LastError, now clock.Time) error {
	le, err := marshalLastError(lastErr)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, scheduled_at = ?, retry_count = retry_count + 1,
		   last_error = COALESCE(?, last_error), updated_at = ?
		 WHERE id = ? AND status = ? AND retry_count < max_retries`,
		string(StatusRetrying), at.UnixMilli(), le, now.UnixMilli(), id, string(StatusRunning))
	if err != nil {
		return err
	}
	return oneRowOrConflict(res)
}

// DeferJob pushes a job to a later time without touching its retry budget.
// Used for rate-limit deferrals: the job goes (back) to queued. Running,
// queued and retrying jobs may be deferred; retry_count never changes here.
func (s *Store) DeferJob(ctx context.Context, id string, at clock.Time, now clock.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, scheduled_at = ?, updated_at = ?
		 WHERE id = ? AND status IN ('queued','retrying','running')`,
		string(StatusQueued), at.UnixMilli(), now.UnixMilli(), id)
	if err != nil {
		return err
	}
	return oneRowOrConflict(res)
}

// CancelJob transitions queued -> cancelled. Running jobs cannot be cancelled
// mid-flight; ErrConflict tells the operator the job is no longer queued.
func (s *Store) CancelJob(ctx context.Context, id string, now clock.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusCancelled), now.UnixMilli(), id, string(StatusQueued))
	if err != nil {
		return err
	}
	return oneRowOrConflict(res)
}

// RequeueOrphans returns running jobs whose account holds no live lease back
// to queued. This is the crash-recovery path: a worker died without calling
// Complete, its lease expired, and the job becomes eligible again. The
// liveness check is part of the UPDATE itself, never a snapshot handed in by
// the caller, so a lease acquired by a concurrent claim is always honored.
func (s *Store) RequeueOrphans(ctx context.Context, now clock.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ?
		 WHERE status = ?
		   AND account_id NOT IN (
		     SELECT account_id FROM account_locks WHERE acquired_at + ttl > ?)`,
		string(StatusQueued), now.UnixMilli(), string(StatusRunning), now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) CountByStatus(ctx context.Context) (StatusCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := StatusCounts{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[Status(st)] = n
	}
	return out, rows.Err()
}

// ListJobs returns jobs, optionally filtered by status, newest first.
func (s *Store) ListJobs(ctx context.Context, status Status, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ListExhausted returns failed jobs that burned their whole retry budget,
// the "stuck at max retries" part of the status report.
func (s *Store) ListExhausted(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = ? AND retry_count >= max_retries
		 ORDER BY updated_at DESC LIMIT ?`,
		string(StatusFailed), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// PruneTerminal deletes done/failed/cancelled jobs last updated before the
// cutoff. Janitor-only.
func (s *Store) PruneTerminal(ctx context.Context, cutoff clock.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN ('done','failed','cancelled') AND updated_at < ?`,
		cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (Job, error) {
	var (
		j                      Job
		platform, status       string
		proxy, lastErr         sql.NullString
		schedMS, createdMS, updatedMS int64
	)
	err := r.Scan(&j.ID, &platform, &j.AccountID, &proxy, &j.ContentRef,
		&schedMS, &status, &j.RetryCount, &j.MaxRetries, &lastErr, &createdMS, &updatedMS)
	if err != nil {
		return Job{}, err
	}
	j.Platform = Platform(platform)
	j.Status = Status(status)
	j.ProxyID = proxy.String
	j.ScheduledAt = clock.FromMilli(schedMS)
	j.CreatedAt = clock.FromMilli(createdMS)
	j.UpdatedAt = clock.FromMilli(updatedMS)
	if lastErr.Valid && lastErr.String != "" {
		var le LastError
		if err := json.Unmarshal([]byte(lastErr.String), &le); err != nil {
			return Job{}, fmt.Errorf("job %s: bad last_error: %w", j.ID, err)
		}
		le.At = clock.FromMilli(le.AtMilli)
		j.LastError = &le
	}
	return j, nil
}

func marshalLastError(le *LastError) (any, error) {
	if le == nil {
		return nil, nil
	}
	cp := *le
	cp.AtMilli = cp.At.UnixMilli()
	b, err := json.Marshal(cp)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func oneRowOrConflict(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}
