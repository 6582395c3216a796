package clock

import (
	"testing"
	"time"
)

func TestParseVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want time.Time
		err  bool
	}{
		{name: "plain", raw: "2026-03-01 14:30", want: time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC)},
		{name: "padded", raw: "  2026-03-01 14:30  ", want: time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC)},
		{name: "midnight", raw: "2026-01-01 00:00", want: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		{name: "seconds rejected", raw: "2026-03-01 14:30:15", err: true},
		{name: "date only", raw: "2026-03-01", err: true},
		{name: "garbage", raw: "tomorrow", err: true},
		{name: "empty", raw: "", err: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw)
			if tt.err {
				if err == nil {
					t.Fatalf("Parse(%q): expected error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.raw, err)
			}
			if !got.Std().Equal(tt.want) {
				t.Fatalf("Parse(%q) = %v, want %v", tt.raw, got.Std(), tt.want)
			}
			if got.Std().Location() != time.UTC {
				t.Fatalf("Parse(%q) not UTC: %v", tt.raw, got.Std().Location())
			}
		})
	}
}

func TestFromStdNormalizesZone(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*3600)
	local := time.Date(2026, 3, 1, 19, 0, 0, 0, loc)

	got := FromStd(local)
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !got.Std().Equal(want) {
		t.Fatalf("FromStd = %v, want %v", got.Std(), want)
	}
	if got.Std().Location() != time.UTC {
		t.Fatalf("FromStd kept zone %v", got.Std().Location())
	}
}

func TestFromMilliRoundTrip(t *testing.T) {
	t.Parallel()
	orig := FromStd(time.Date(2026, 6, 15, 8, 45, 30, 0, time.UTC))
	got := FromMilli(orig.UnixMilli())
	if !got.Equal(orig) {
		t.Fatalf("round trip = %v, want %v", got, orig)
	}

	if !FromMilli(0).IsZero() {
		t.Fatal("FromMilli(0) should be zero")
	}
	if FromStd(time.Time{}).UnixMilli() != 0 {
		t.Fatal("zero Time should persist as 0")
	}
}

func TestSimulatedClock(t *testing.T) {
	t.Parallel()
	start := FromStd(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	clk := NewSimulated(start)

	if !clk.Now().Equal(start) {
		t.Fatalf("Now = %v, want %v", clk.Now(), start)
	}

	clk.Advance(90 * time.Minute)
	if got, want := clk.Now(), start.Add(90*time.Minute); !got.Equal(want) {
		t.Fatalf("after Advance: Now = %v, want %v", got, want)
	}

	later := start.Add(24 * time.Hour)
	clk.SetTime(later)
	if !clk.Now().Equal(later) {
		t.Fatalf("after SetTime: Now = %v, want %v", clk.Now(), later)
	}
}

func TestTruncateWindow(t *testing.T) {
	t.Parallel()
	at := FromStd(time.Date(2026, 3, 1, 14, 47, 12, 0, time.UTC))
	got := at.Truncate(time.Hour)
	want := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	if !got.Std().Equal(want) {
		t.Fatalf("Truncate = %v, want %v", got.Std(), want)
	}
}

func TestStringUnset(t *testing.T) {
	t.Parallel()
	var zero Time
	if zero.String() != "-" {
		t.Fatalf("zero String = %q, want -", zero.String())
	}
}
