package executor

import (
	"errors"
	"fmt"
	"testing"

	"socializer/internal/store"
)

func TestKindOf(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "transient", err: Transient(boom), want: KindTransient},
		{name: "permanent", err: Permanent(boom), want: KindPermanent},
		{name: "rate limited", err: RateLimited(boom), want: KindRateLimited},
		{name: "wrapped keeps kind", err: fmt.Errorf("attempt 2: %w", Permanent(boom)), want: KindPermanent},
		{name: "unclassified defaults transient", err: boom, want: KindTransient},
		{name: "nil", err: nil, want: KindTransient},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("KindOf = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	t.Parallel()
	inner := errors.New("login rejected")
	err := Permanent(inner)
	if !errors.Is(err, inner) {
		t.Fatal("classified error should unwrap to the cause")
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()

	if _, ok := reg.Lookup(store.PlatformInstagram); ok {
		t.Fatal("empty registry should miss")
	}

	exec := &LogExecutor{}
	reg.Register(store.PlatformInstagram, exec)

	got, ok := reg.Lookup(store.PlatformInstagram)
	if !ok || got != exec {
		t.Fatalf("Lookup = %v, %v", got, ok)
	}
	if _, ok := reg.Lookup(store.PlatformTikTok); ok {
		t.Fatal("unregistered platform should miss")
	}
}
