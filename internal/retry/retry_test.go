package retry

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"socializer/internal/executor"
)

func TestDecideRouting(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	tests := []struct {
		name       string
		err        error
		retryCount int
		maxRetries int
		want       Action
	}{
		{name: "success", err: nil, want: ActionDone},
		{name: "permanent", err: executor.Permanent(boom), want: ActionFail},
		{name: "rate limited", err: executor.RateLimited(boom), want: ActionDefer},
		{name: "rate limited ignores budget", err: executor.RateLimited(boom), retryCount: 9, maxRetries: 3, want: ActionDefer},
		{name: "transient with budget", err: executor.Transient(boom), retryCount: 0, maxRetries: 3, want: ActionRetry},
		{name: "transient last unit", err: executor.Transient(boom), retryCount: 2, maxRetries: 3, want: ActionRetry},
		{name: "transient exhausted", err: executor.Transient(boom), retryCount: 3, maxRetries: 3, want: ActionFail},
		{name: "unclassified treated transient", err: boom, retryCount: 0, maxRetries: 3, want: ActionRetry},
		{name: "unclassified exhausted", err: boom, retryCount: 3, maxRetries: 3, want: ActionFail},
		{name: "zero budget fails immediately", err: boom, retryCount: 0, maxRetries: 0, want: ActionFail},
	}

	p := Policy{Base: 5 * time.Second, Cap: time.Minute}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Decide(tt.err, tt.retryCount, tt.maxRetries); got != tt.want {
				t.Fatalf("Decide = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDelayDoublesToCap(t *testing.T) {
	t.Parallel()
	p := Policy{Base: 5 * time.Second, Cap: time.Minute}

	wants := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		time.Minute,
		time.Minute,
	}
	for k, want := range wants {
		if got := p.Delay(k, nil); got != want {
			t.Fatalf("Delay(%d) = %v, want %v", k, got, want)
		}
	}
	// Deep attempt counts must not overflow past the cap.
	if got := p.Delay(500, nil); got != time.Minute {
		t.Fatalf("Delay(500) = %v, want %v", got, time.Minute)
	}
}

func TestDelayJitterBounds(t *testing.T) {
	t.Parallel()
	p := Policy{Base: 5 * time.Second, Cap: time.Minute, JitterMax: 2 * time.Second}
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 200; i++ {
		d := p.Delay(1, rng)
		if d < 10*time.Second || d >= 12*time.Second {
			t.Fatalf("Delay(1) = %v, want [10s, 12s)", d)
		}
	}
}

func TestDelayZeroPolicyDefaults(t *testing.T) {
	t.Parallel()
	var p Policy
	if got := p.Delay(0, nil); got != time.Second {
		t.Fatalf("Delay(0) = %v, want 1s", got)
	}
	if got := p.Delay(20, nil); got != time.Minute {
		t.Fatalf("Delay(20) = %v, want 1m", got)
	}
}
