package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Config is the daemon's file config. YAML and JSON are both accepted; YAML
// is coerced to JSON and decoded strictly (unknown fields are errors).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Log     LogConfig     `json:"log"`
	Storage StorageConfig `json:"storage"`
	Queue   QueueConfig   `json:"queue"`
	Workers WorkersConfig `json:"workers"`

	// RateLimits is actions per hour keyed by platform name. Omitted or
	// zero means unlimited for that platform.
	RateLimits map[string]int `json:"rate_limits,omitempty"`

	Engagement EngagementConfig `json:"engagement,omitempty"`
	Janitor    JanitorConfig    `json:"janitor,omitempty"`
}

type LogConfig struct {
	Level   string        `json:"level,omitempty"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// QueueConfig carries the scheduling knobs.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "2s"
//   - lease_ttl: "60s"
//   - default_max_retries: 3
//   - backoff_base: "5s"
//   - backoff_cap: "60s"
//   - backoff_jitter_max: "2s"
//
// default_max_retries is a pointer so an explicit 0 (never retry unless the
// job asks) is distinguishable from the key being absent.
type QueueConfig struct {
	PollInterval      string `json:"poll_interval,omitempty"`
	LeaseTTL          string `json:"lease_ttl,omitempty"`
	DefaultMaxRetries *int   `json:"default_max_retries,omitempty"`
	BackoffBase       string `json:"backoff_base,omitempty"`
	BackoffCap        string `json:"backoff_cap,omitempty"`
	BackoffJitterMax  string `json:"backoff_jitter_max,omitempty"`
}

type WorkersConfig struct {
	Count int `json:"count,omitempty"`
}

type EngagementConfig struct {
	DelayBetweenActions string `json:"delay_between_actions,omitempty"`
	StopOnFailure       bool   `json:"stop_on_failure,omitempty"`
}

type JanitorConfig struct {
	Schedule  string `json:"schedule,omitempty"`
	Retention string `json:"retention,omitempty"`
}

// ParseDurationField parses a duration-string field like "10s" or "5m".
// Empty or whitespace-only means unset and parses to zero. Negative
// durations are rejected; path names the field in the error.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: bad duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def when the field is unset.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// decodeStrict decodes JSON bytes rejecting unknown fields, so typos in the
// config file fail loudly instead of being silently ignored. Trailing tokens
// after the document are also rejected.
func decodeStrict(jb []byte, into *Config) error {
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("invalid config: trailing data")
		}
		return err
	}
	return nil
}
