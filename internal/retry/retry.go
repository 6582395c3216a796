// Package retry decides what happens to a job after an execution attempt and
// how long to wait before the next one.
package retry

import (
	"math/rand"
	"time"

	"socializer/internal/executor"
)

// Action is the routing decision for a finished attempt.
type Action int

const (
	// ActionDone: success, job is finished.
	ActionDone Action = iota
	// ActionRetry: transient failure with budget left; schedule a future
	// attempt and consume one retry.
	ActionRetry
	// ActionFail: permanent failure, or a transient one with the budget
	// exhausted. Terminal.
	ActionFail
	// ActionDefer: rate-limited by the platform. Reschedule without touching
	// the retry budget; throttling is normal operation, not a failure.
	ActionDefer
)

// Policy computes backoff delays: delay(k) = min(cap, base*2^k) + jitter,
// jitter uniform in [0, jitterMax). The jitter desynchronizes retries across
// accounts so a shared outage does not produce a retry stampede.
type Policy struct {
	Base      time.Duration
	Cap       time.Duration
	JitterMax time.Duration
}

// Decide routes an execution result. err is the executor's return; nil means
// success. retryCount is the count before this attempt's bookkeeping.
func (p Policy) Decide(err error, retryCount, maxRetries int) Action {
	if err == nil {
		return ActionDone
	}
	switch executor.KindOf(err) {
	case executor.KindPermanent:
		return ActionFail
	case executor.KindRateLimited:
		return ActionDefer
	default:
		if retryCount >= maxRetries {
			return ActionFail
		}
		return ActionRetry
	}
}

// Delay returns the wait before retry attempt k (0-based). rng may be nil,
// which disables jitter.
func (p Policy) Delay(k int, rng *rand.Rand) time.Duration {
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	capD := p.Cap
	if capD <= 0 {
		capD = time.Minute
	}

	d := base
	for i := 0; i < k; i++ {
		d *= 2
		if d >= capD {
			d = capD
			break
		}
	}
	if d > capD {
		d = capD
	}
	if p.JitterMax > 0 && rng != nil {
		d += time.Duration(rng.Int63n(int64(p.JitterMax)))
	}
	return d
}
