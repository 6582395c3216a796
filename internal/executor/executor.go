// Package executor defines the boundary to the code that actually performs a
// job's action (browser automation, API call, whatever). The scheduler never
// looks past this interface: an Executor runs the job and classifies its own
// failures, keeping the queue platform-agnostic.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"socializer/internal/store"
)

// Kind classifies an execution failure. The classification is entirely the
// executor's responsibility; the worker only routes on it.
type Kind string

const (
	// KindTransient failures (network blip, flaky UI) are retried with
	// backoff up to the job's retry budget.
	KindTransient Kind = "transient"
	// KindPermanent failures (bad credentials, rejected content) fail the job
	// immediately; retrying would only repeat the rejection.
	KindPermanent Kind = "permanent"
	// KindRateLimited means the platform itself throttled us. The job is
	// deferred without consuming its retry budget.
	KindRateLimited Kind = "rate_limited"
)

// Executor performs one job. A nil return means success. Failures should be
// wrapped with Transient/Permanent/RateLimited; anything unwrapped is treated
// as transient so a buggy classifier can neither drop jobs forever nor retry
// them unboundedly.
type Executor interface {
	Execute(ctx context.Context, job store.Job) error
}

// Error attaches a Kind to an execution failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Transient(err error) error   { return &Error{Kind: KindTransient, Err: err} }
func Permanent(err error) error   { return &Error{Kind: KindPermanent, Err: err} }
func RateLimited(err error) error { return &Error{Kind: KindRateLimited, Err: err} }

// KindOf extracts the classification from an execution error. Uncategorized
// errors default to transient.
func KindOf(err error) Kind {
	var ee *Error
	if errors.As(err, &ee) {
		switch ee.Kind {
		case KindTransient, KindPermanent, KindRateLimited:
			return ee.Kind
		}
	}
	return KindTransient
}

// Registry maps platforms to their Executor implementation so the scheduler
// core never branches on platform identity.
type Registry struct {
	mu sync.RWMutex
	m  map[store.Platform]Executor
}

func NewRegistry() *Registry {
	return &Registry{m: map[store.Platform]Executor{}}
}

func (r *Registry) Register(p store.Platform, e Executor) {
	r.mu.Lock()
	r.m[p] = e
	r.mu.Unlock()
}

func (r *Registry) Lookup(p store.Platform) (Executor, bool) {
	r.mu.RLock()
	e, ok := r.m[p]
	r.mu.RUnlock()
	return e, ok
}
