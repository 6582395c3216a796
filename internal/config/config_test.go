package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const sampleYAML = `
log:
  level: debug
  console: true
storage:
  path: /var/lib/socializer/queue.db
  busy_timeout: 5s
queue:
  poll_interval: 2s
  lease_ttl: 60s
  default_max_retries: 3
  backoff_base: 5s
  backoff_cap: 60s
  backoff_jitter_max: 2s
workers:
  count: 4
rate_limits:
  instagram: 10
  tiktok: 5
engagement:
  delay_between_actions: 30s
  stop_on_failure: true
janitor:
  schedule: "@every 5m"
  retention: 168h
`

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", sampleYAML))

	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Log.Level != "debug" || !cfg.Log.Console {
		t.Fatalf("log config = %+v", cfg.Log)
	}
	if cfg.Storage.Path != "/var/lib/socializer/queue.db" {
		t.Fatalf("storage path = %q", cfg.Storage.Path)
	}
	if cfg.Queue.LeaseTTL != "60s" {
		t.Fatalf("queue config = %+v", cfg.Queue)
	}
	if cfg.Queue.DefaultMaxRetries == nil || *cfg.Queue.DefaultMaxRetries != 3 {
		t.Fatalf("default_max_retries = %v", cfg.Queue.DefaultMaxRetries)
	}
	if cfg.Workers.Count != 4 {
		t.Fatalf("workers = %+v", cfg.Workers)
	}
	if cfg.RateLimits["instagram"] != 10 || cfg.RateLimits["tiktok"] != 5 {
		t.Fatalf("rate limits = %+v", cfg.RateLimits)
	}
	if !cfg.Engagement.StopOnFailure || cfg.Engagement.DelayBetweenActions != "30s" {
		t.Fatalf("engagement = %+v", cfg.Engagement)
	}
	if cfg.Janitor.Retention != "168h" {
		t.Fatalf("janitor = %+v", cfg.Janitor)
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json",
		`{"log":{"level":"info","console":true},"storage":{"path":"q.db"},"queue":{},"workers":{"count":1}}`))

	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Log.Level != "info" || cfg.Storage.Path != "q.db" || cfg.Workers.Count != 1 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", `
log:
  level: info
  console: true
storage:
  path: q.db
qeue:
  poll_interval: 2s
`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("typo'd section should fail strict decoding")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", `{"log":{"console":true}} {"extra":1}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("trailing JSON should be rejected")
	}
}

func TestLoadCommitsAndGet(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", sampleYAML))

	if m.Get() != nil {
		t.Fatal("Get before Load should be nil")
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestSubscribeDropOldest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{}
	second := &Config{Workers: WorkersConfig{Count: 9}}

	// The subscriber never reads between publishes: only the newest config
	// must remain queued.
	m.publish(first)
	m.publish(second)

	select {
	case got := <-ch:
		if got != second {
			t.Fatalf("got stale config %+v", got)
		}
	default:
		t.Fatal("expected a queued config")
	}
}

func TestUnsubscribeCloses(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)
	m.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Fatal("unsubscribed channel should be closed")
	}
	// Publishing after unsubscribe must not panic.
	m.publish(&Config{})
	// Unsubscribing an unknown channel is a no-op.
	m.Unsubscribe(make(chan *Config))
	m.Unsubscribe(nil)
}

func TestDurationHelpers(t *testing.T) {
	t.Parallel()

	d, err := ParseDurationField("x", " 90s ")
	if err != nil || d != 90*time.Second {
		t.Fatalf("ParseDurationField = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "ten minutes"); err == nil {
		t.Fatal("prose duration should fail")
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration should fail")
	}

	d, err = ParseDurationOrDefault("x", "", 42*time.Second)
	if err != nil || d != 42*time.Second {
		t.Fatalf("default not applied: %v, %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "7s", 42*time.Second)
	if err != nil || d != 7*time.Second {
		t.Fatalf("explicit value lost: %v, %v", d, err)
	}
}
