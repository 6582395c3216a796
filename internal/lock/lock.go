// Package lock grants time-bounded, renewable leases on account ids so at
// most one worker runs a job for a given account at a time.
//
// A lease is a single row keyed by account_id; acquisition is a
// compare-and-insert (INSERT ... ON CONFLICT ... WHERE expired), never a
// read-then-write. That single statement is the linearization point that
// makes the queue's ClaimNext atomic across concurrent workers. Expired
// leases are inert: any worker may replace or sweep them, which is the whole
// crash-recovery story. There is no heartbeat channel, only the ttl.
package lock

import (
	"context"
	"database/sql"
	"time"

	"socializer/internal/clock"
	"socializer/internal/store"
)

type Manager struct {
	db *sql.DB
}

func NewManager(db *sql.DB) *Manager {
	return &Manager{db: db}
}

// Acquire takes the lease for accountID if no live lease exists. Returns
// false when another owner holds a live lease. Re-acquiring one's own live
// lease also returns false; use Renew for that.
func (m *Manager) Acquire(ctx context.Context, accountID, ownerID string, now clock.Time, ttl time.Duration) (bool, error) {
	res, err := m.db.ExecContext(ctx,
		`INSERT INTO account_locks(account_id, owner_id, acquired_at, ttl)
		 VALUES(?,?,?,?)
		 ON CONFLICT(account_id) DO UPDATE SET
		   owner_id = excluded.owner_id,
		   acquired_at = excluded.acquired_at,
		   ttl = excluded.ttl
		 WHERE account_locks.acquired_at + account_locks.ttl <= excluded.acquired_at`,
		accountID, ownerID, now.UnixMilli(), ttl.Milliseconds())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Renew extends a held lease from now. Fails (false) on owner mismatch or if
// the lease already expired; an expired lease may belong to someone else by
// the time the renewal lands.
func (m *Manager) Renew(ctx context.Context, accountID, ownerID string, now clock.Time) (bool, error) {
	res, err := m.db.ExecContext(ctx,
		`UPDATE account_locks SET acquired_at = ?
		 WHERE account_id = ? AND owner_id = ? AND acquired_at + ttl > ?`,
		now.UnixMilli(), accountID, ownerID, now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Release drops the lease if this owner still holds it. Releasing a lease
// that expired and was re-acquired by another owner is a no-op.
func (m *Manager) Release(ctx context.Context, accountID, ownerID string) error {
	_, err := m.db.ExecContext(ctx,
		`DELETE FROM account_locks WHERE account_id = ? AND owner_id = ?`,
		accountID, ownerID)
	return err
}

// LiveAccounts lists account ids with a live lease at now. The queue uses
// this to exclude busy accounts from its selection scan, and the status
// report surfaces it as the contention indicator.
func (m *Manager) LiveAccounts(ctx context.Context, now clock.Time) ([]string, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT account_id FROM account_locks WHERE acquired_at + ttl > ?`,
		now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// LiveLeases returns full lease rows that are still live, for reporting.
func (m *Manager) LiveLeases(ctx context.Context, now clock.Time) ([]store.Lease, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT account_id, owner_id, acquired_at, ttl FROM account_locks
		 WHERE acquired_at + ttl > ? ORDER BY account_id`,
		now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Lease
	for rows.Next() {
		var (
			l          store.Lease
			acquiredMS int64
			ttlMS      int64
		)
		if err := rows.Scan(&l.AccountID, &l.OwnerID, &acquiredMS, &ttlMS); err != nil {
			return nil, err
		}
		l.AcquiredAt = clock.FromMilli(acquiredMS)
		l.TTL = time.Duration(ttlMS) * time.Millisecond
		out = append(out, l)
	}
	return out, rows.Err()
}

// SweepExpired deletes leases whose ttl elapsed. Acquire already treats them
// as absent; sweeping just keeps the table from accumulating rows.
func (m *Manager) SweepExpired(ctx context.Context, now clock.Time) (int64, error) {
	res, err := m.db.ExecContext(ctx,
		`DELETE FROM account_locks WHERE acquired_at + ttl <= ?`,
		now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
