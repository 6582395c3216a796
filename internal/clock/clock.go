// Package clock provides the single time source for the scheduler.
//
// Every timestamp crossing a component boundary is a clock.Time, which always
// holds a UTC instant. Nothing outside this package reads wall-clock time
// directly; components take a Clock so tests can drive time explicitly.
//
// History note: an earlier version of this system compared a naive local-time
// value against UTC and dispatched jobs up to an hour late. The distinct Time
// type exists so that mistake cannot be reintroduced silently.
package clock

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// EnqueueLayout is the operator-facing timestamp format. It is always
// interpreted as UTC, never local time.
const EnqueueLayout = "2006-01-02 15:04"

// A Clock is an object that can tell you the current time.
//
// Use System() in production and NewSimulated() in tests.
type Clock interface {
	Now() Time
}

func System() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() Time { return Time{t: time.Now().UTC()} }

// A Simulated clock does not tick on its own; time moves only via SetTime or
// Advance. Safe for concurrent use.
type Simulated struct {
	mu sync.Mutex
	t  time.Time
}

func NewSimulated(t Time) *Simulated {
	return &Simulated{t: t.Std()}
}

func (c *Simulated) Now() Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Time{t: c.t}
}

func (c *Simulated) SetTime(t Time) {
	c.mu.Lock()
	c.t = t.Std()
	c.mu.Unlock()
}

func (c *Simulated) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// Time is a timezone-qualified instant, always UTC.
//
// The zero value means "unset". Construct one via Clock.Now(), Parse,
// FromStd, or FromMilli; there is no constructor taking an ambiguous
// wall-clock string.
type Time struct {
	t time.Time
}

// FromStd converts a stdlib time to a qualified instant. The conversion to
// UTC is explicit here so callers never carry a local-zone value past this
// point.
func FromStd(t time.Time) Time {
	if t.IsZero() {
		return Time{}
	}
	return Time{t: t.UTC()}
}

// FromMilli restores a persisted instant (Unix milliseconds, UTC by
// definition).
func FromMilli(ms int64) Time {
	if ms == 0 {
		return Time{}
	}
	return Time{t: time.UnixMilli(ms).UTC()}
}

// Parse reads an operator-supplied "YYYY-MM-DD HH:MM" timestamp as UTC.
func Parse(s string) (Time, error) {
	s = strings.TrimSpace(s)
	t, err := time.ParseInLocation(EnqueueLayout, s, time.UTC)
	if err != nil {
		return Time{}, fmt.Errorf("invalid timestamp %q (want UTC %q): %w", s, EnqueueLayout, err)
	}
	return Time{t: t}, nil
}

func (t Time) IsZero() bool { return t.t.IsZero() }

// Std exposes the underlying stdlib time (always UTC) for formatting and
// arithmetic at the edges.
func (t Time) Std() time.Time { return t.t }

func (t Time) UnixMilli() int64 {
	if t.t.IsZero() {
		return 0
	}
	return t.t.UnixMilli()
}

func (t Time) Add(d time.Duration) Time { return Time{t: t.t.Add(d)} }

func (t Time) Sub(u Time) time.Duration { return t.t.Sub(u.t) }

func (t Time) Before(u Time) bool { return t.t.Before(u.t) }

func (t Time) After(u Time) bool { return t.t.After(u.t) }

func (t Time) Equal(u Time) bool { return t.t.Equal(u.t) }

// Truncate rounds down toward the zero time; used for fixed rate windows.
func (t Time) Truncate(d time.Duration) Time { return Time{t: t.t.Truncate(d)} }

// String renders RFC3339 UTC, or "-" when unset.
func (t Time) String() string {
	if t.t.IsZero() {
		return "-"
	}
	return t.t.Format(time.RFC3339)
}
