package queue

import (
	"context"

	"socializer/internal/store"
)

// Report is the operator-facing queue status: counts by status, accounts
// currently leased (contention indicator), and jobs that burned their whole
// retry budget.
type Report struct {
	Counts    store.StatusCounts
	Leases    []store.Lease
	Exhausted []store.Job
}

func (m *Manager) Report(ctx context.Context) (Report, error) {
	now := m.clk.Now()

	counts, err := m.store.CountByStatus(ctx)
	if err != nil {
		return Report{}, err
	}
	leases, err := m.locks.LiveLeases(ctx, now)
	if err != nil {
		return Report{}, err
	}
	exhausted, err := m.store.ListExhausted(ctx, 20)
	if err != nil {
		return Report{}, err
	}
	return Report{Counts: counts, Leases: leases, Exhausted: exhausted}, nil
}
