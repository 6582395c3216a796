package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"socializer/internal/clock"
	logx "socializer/pkg/logx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func at(hour, min int) clock.Time {
	return clock.FromStd(time.Date(2026, 3, 1, hour, min, 0, 0, time.UTC))
}

func testJob(id, account string, scheduled clock.Time) Job {
	created := at(8, 0)
	return Job{
		ID:          id,
		Platform:    PlatformInstagram,
		AccountID:   account,
		ContentRef:  "post-" + id,
		ScheduledAt: scheduled,
		Status:      StatusQueued,
		MaxRetries:  3,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func TestInsertGetRoundTrip(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	in := testJob("j1", "acc1", at(10, 0))
	require.NoError(t, st.InsertJob(ctx, in))

	got, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, in.ID, got.ID)
	require.Equal(t, in.Platform, got.Platform)
	require.Equal(t, in.AccountID, got.AccountID)
	require.Empty(t, got.ProxyID)
	require.True(t, got.ScheduledAt.Equal(in.ScheduledAt))
	require.Equal(t, StatusQueued, got.Status)
	require.Equal(t, 3, got.MaxRetries)
	require.Nil(t, got.LastError)

	_, err = st.GetJob(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDueJobsOrderingAndExclusion(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	// Same scheduled time: created_at breaks the tie.
	early := testJob("early", "acc1", at(9, 0))
	tieOld := testJob("tie-old", "acc2", at(9, 30))
	tieNew := testJob("tie-new", "acc3", at(9, 30))
	tieNew.CreatedAt = tieNew.CreatedAt.Add(time.Minute)
	future := testJob("future", "acc4", at(18, 0))

	for _, j := range []Job{future, tieNew, tieOld, early} {
		require.NoError(t, st.InsertJob(ctx, j))
	}

	due, err := st.DueJobs(ctx, at(10, 0), nil, 10)
	require.NoError(t, err)
	ids := make([]string, len(due))
	for i, j := range due {
		ids[i] = j.ID
	}
	require.Equal(t, []string{"early", "tie-old", "tie-new"}, ids)

	// Busy accounts drop out of the scan.
	due, err = st.DueJobs(ctx, at(10, 0), []string{"acc1", "acc2"}, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "tie-new", due[0].ID)

	// A job due exactly at now is eligible.
	due, err = st.DueJobs(ctx, at(9, 0), nil, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "early", due[0].ID)
}

func TestMarkRunningClaimRace(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertJob(ctx, testJob("j1", "acc1", at(9, 0))))

	require.NoError(t, st.MarkRunning(ctx, "j1", "proxy-7", at(9, 1)))

	got, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, got.Status)
	require.Equal(t, "proxy-7", got.ProxyID)

	// Second claim of the same job loses.
	require.ErrorIs(t, st.MarkRunning(ctx, "j1", "proxy-8", at(9, 1)), ErrConflict)
}

func TestFinishJobTransitions(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertJob(ctx, testJob("j1", "acc1", at(9, 0))))

	// Not running yet: nothing to finish.
	require.ErrorIs(t, st.FinishJob(ctx, "j1", StatusDone, nil, at(9, 2)), ErrConflict)

	require.NoError(t, st.MarkRunning(ctx, "j1", "", at(9, 1)))
	require.NoError(t, st.FinishJob(ctx, "j1", StatusDone, nil, at(9, 2)))

	got, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, StatusDone, got.Status)

	// Only terminal-outcome statuses are accepted.
	require.Error(t, st.FinishJob(ctx, "j1", StatusQueued, nil, at(9, 3)))
}

func TestMarkRetryingConsumesBudget(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	j := testJob("j1", "acc1", at(9, 0))
	j.MaxRetries = 1
	require.NoError(t, st.InsertJob(ctx, j))

	lastErr := &LastError{Kind: "transient", Message: "timeout", AtMilli: at(9, 1).UnixMilli()}

	require.NoError(t, st.MarkRunning(ctx, "j1", "", at(9, 1)))
	require.NoError(t, st.MarkRetrying(ctx, "j1", at(9, 5), lastErr, at(9, 1)))

	got, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, StatusRetrying, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.True(t, got.ScheduledAt.Equal(at(9, 5)))
	require.NotNil(t, got.LastError)
	require.Equal(t, "timeout", got.LastError.Message)

	// Budget exhausted: the guard refuses another retry.
	require.NoError(t, st.MarkRunning(ctx, "j1", "", at(9, 5)))
	require.ErrorIs(t, st.MarkRetrying(ctx, "j1", at(9, 9), lastErr, at(9, 5)), ErrConflict)
}

func TestDeferJobKeepsRetryCount(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertJob(ctx, testJob("j1", "acc1", at(9, 0))))
	require.NoError(t, st.MarkRunning(ctx, "j1", "", at(9, 1)))
	require.NoError(t, st.DeferJob(ctx, "j1", at(10, 0), at(9, 1)))

	got, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, StatusQueued, got.Status)
	require.Equal(t, 0, got.RetryCount)
	require.True(t, got.ScheduledAt.Equal(at(10, 0)))
}

func TestCancelJobQueuedOnly(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertJob(ctx, testJob("j1", "acc1", at(9, 0))))
	require.NoError(t, st.CancelJob(ctx, "j1", at(8, 30)))

	got, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, got.Status)

	require.NoError(t, st.InsertJob(ctx, testJob("j2", "acc2", at(9, 0))))
	require.NoError(t, st.MarkRunning(ctx, "j2", "", at(9, 1)))
	require.ErrorIs(t, st.CancelJob(ctx, "j2", at(9, 2)), ErrConflict)
}

func TestRequeueOrphans(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	// Two running jobs. acc-dead's lease expired with the worker; acc-alive
	// holds a live lease.
	for _, id := range []string{"dead", "alive"} {
		require.NoError(t, st.InsertJob(ctx, testJob(id, "acc-"+id, at(9, 0))))
		require.NoError(t, st.MarkRunning(ctx, id, "", at(9, 1)))
	}
	insertLease(t, st, "acc-dead", "w-crashed", at(9, 1), time.Minute)
	insertLease(t, st, "acc-alive", "w1", at(9, 9), 5*time.Minute)

	n, err := st.RequeueOrphans(ctx, at(9, 10))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	dead, err := st.GetJob(ctx, "dead")
	require.NoError(t, err)
	require.Equal(t, StatusQueued, dead.Status)

	alive, err := st.GetJob(ctx, "alive")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, alive.Status)
}

// A lease that turns live between two scans must suppress the requeue: the
// statement reads the lock table itself instead of trusting the caller's
// view of it.
func TestRequeueOrphansHonorsFreshLease(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertJob(ctx, testJob("j1", "acc1", at(9, 0))))
	require.NoError(t, st.MarkRunning(ctx, "j1", "", at(9, 5)))
	// Lease acquired at the same instant the sweep runs.
	insertLease(t, st, "acc1", "w1", at(9, 5), time.Minute)

	n, err := st.RequeueOrphans(ctx, at(9, 5))
	require.NoError(t, err)
	require.Zero(t, n)

	j, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, j.Status)
}

func insertLease(t *testing.T, st *Store, account, owner string, acquired clock.Time, ttl time.Duration) {
	t.Helper()
	_, err := st.db.ExecContext(context.Background(),
		`INSERT INTO account_locks(account_id, owner_id, acquired_at, ttl) VALUES(?,?,?,?)`,
		account, owner, acquired.UnixMilli(), ttl.Milliseconds())
	require.NoError(t, err)
}

func TestCountListAndPrune(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	queued := testJob("q1", "acc1", at(9, 0))
	exhausted := testJob("f1", "acc2", at(9, 0))
	exhausted.MaxRetries = 0
	require.NoError(t, st.InsertJob(ctx, queued))
	require.NoError(t, st.InsertJob(ctx, exhausted))

	require.NoError(t, st.MarkRunning(ctx, "f1", "", at(9, 1)))
	require.NoError(t, st.FinishJob(ctx, "f1", StatusFailed,
		&LastError{Kind: "transient", Message: "gave up"}, at(9, 2)))

	counts, err := st.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[StatusQueued])
	require.Equal(t, 1, counts[StatusFailed])

	stuck, err := st.ListExhausted(ctx, 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	require.Equal(t, "f1", stuck[0].ID)

	all, err := st.ListJobs(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)

	onlyFailed, err := st.ListJobs(ctx, StatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, onlyFailed, 1)

	// Prune drops terminal jobs older than the cutoff, keeps live ones.
	n, err := st.PruneTerminal(ctx, at(23, 0))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = st.GetJob(ctx, "f1")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = st.GetJob(ctx, "q1")
	require.NoError(t, err)
}

func TestAccounts(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	acc := Account{
		ID:        "acc1",
		Platform:  PlatformTikTok,
		Username:  "creator01",
		ProxyID:   "proxy-3",
		Active:    true,
		CreatedAt: at(8, 0),
	}
	require.NoError(t, st.UpsertAccount(ctx, acc))

	got, err := st.GetAccount(ctx, "acc1")
	require.NoError(t, err)
	require.Equal(t, "creator01", got.Username)
	require.Equal(t, "proxy-3", got.ProxyID)
	require.True(t, got.Active)

	// Upsert replaces in place.
	acc.ProxyID = "proxy-9"
	acc.Active = false
	require.NoError(t, st.UpsertAccount(ctx, acc))

	got, err = st.GetAccount(ctx, "acc1")
	require.NoError(t, err)
	require.Equal(t, "proxy-9", got.ProxyID)
	require.False(t, got.Active)

	list, err := st.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = st.GetAccount(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
