package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"socializer/internal/clock"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrConflict means a compare-and-swap update lost: the row was no longer
	// in the expected state. Callers retry their selection; this is never
	// surfaced to an operator.
	ErrConflict = errors.New("conflicting update")
)

// Platform identifies the posting target. The set is closed per deployment.
type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformTikTok    Platform = "tiktok"
)

func Platforms() []Platform {
	return []Platform{PlatformInstagram, PlatformTikTok}
}

func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Platforms() {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// Status is the job state machine.
//
//	queued ----> running ----> done
//	  |  ^         |  \------> failed
//	  |  |         \---------> retrying --> running ...
//	  \--+-------> cancelled   (queued only)
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusQueued, StatusRunning, StatusRetrying, StatusDone, StatusFailed, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// LastError is the structured record of the most recent execution failure.
// Kind mirrors executor classification: transient, permanent, rate_limited.
type LastError struct {
	Kind    string     `json:"kind"`
	Message string     `json:"message"`
	At      clock.Time `json:"-"`
	AtMilli int64      `json:"at"`
}

// Job is a persisted unit of work bound to one account.
type Job struct {
	ID         string
	Platform   Platform
	AccountID  string
	ProxyID    string // empty until bound at claim time
	ContentRef string

	ScheduledAt clock.Time
	Status      Status
	RetryCount  int
	MaxRetries  int
	LastError   *LastError

	CreatedAt clock.Time
	UpdatedAt clock.Time
}

// Account is the identity under which jobs execute. The record itself is
// owned by the account-management side; the scheduler only reads the sticky
// proxy binding at claim time (join by id, never embedded).
type Account struct {
	ID       string
	Platform Platform
	Username string
	ProxyID  string
	Active   bool

	CreatedAt clock.Time
}

// Lease is an ephemeral exclusive claim on an account. A lease is live while
// now < AcquiredAt + TTL; an expired lease is inert and may be replaced by
// any worker.
type Lease struct {
	AccountID  string
	OwnerID    string
	AcquiredAt clock.Time
	TTL        time.Duration
}

func (l Lease) ExpiresAt() clock.Time { return l.AcquiredAt.Add(l.TTL) }

func (l Lease) Live(now clock.Time) bool { return now.Before(l.ExpiresAt()) }

// RateWindow is a fixed per-(account, platform) action window.
type RateWindow struct {
	AccountID   string
	Platform    Platform
	WindowStart clock.Time
	ActionCount int
}

// StatusCounts is the queue-status report: counts by status plus contention
// indicators.
type StatusCounts map[Status]int
