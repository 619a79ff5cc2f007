// Package config holds the static, YAML-loadable tunables for every
// subsystem named in spec.md. Grounded on the teacher's tolerant
// load-or-default posture (pkg/cron/store.go: a missing or invalid file
// never blocks startup, it just falls back to defaults).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// OutboundConfig tunes the outbound gateway (spec.md §4.5).
type OutboundConfig struct {
	PartitionCount      int     `yaml:"partition_count"`
	QueueCapacity       int     `yaml:"queue_capacity"`
	WarnRatio           float64 `yaml:"warn_ratio"`
	DegradedRatio       float64 `yaml:"degraded_ratio"`
	ShedRatio           float64 `yaml:"shed_ratio"`
	DegradedThrottleMS  int64   `yaml:"degraded_throttle_ms"`
	MaxAttempts         int     `yaml:"max_attempts"`
	BaseBackoffMS       int64   `yaml:"base_backoff_ms"`
	MaxBackoffMS        int64   `yaml:"max_backoff_ms"`
	SentCacheSize        int     `yaml:"sent_cache_size"`
	SentCacheTTLMS       int64   `yaml:"sent_cache_ttl_ms"`
	MaxMediaBytes        int64   `yaml:"max_media_bytes"`
	UnsupportedMediaPolicy string `yaml:"unsupported_media_policy"` // "fallback_text" | "reject"
}

// SessionConfig tunes the session manager (spec.md §4.7).
type SessionConfig struct {
	PartitionCount         int   `yaml:"partition_count"`
	MaxEntriesPerPartition int   `yaml:"max_entries_per_partition"`
	DefaultTTLMS           int64 `yaml:"default_ttl_ms"`
	PruneIntervalMS        int64 `yaml:"prune_interval_ms"`
}

// DedupeConfig tunes the dedupe store (spec.md §4.2).
type DedupeConfig struct {
	DefaultTTLMS int64 `yaml:"default_ttl_ms"`
}

// PolicyConfig tunes gating/moderation timeouts (spec.md §4.12).
type PolicyConfig struct {
	GatingTimeoutMS       int64  `yaml:"gating_timeout_ms"`
	ModerationTimeoutMS   int64  `yaml:"moderation_timeout_ms"`
	TimeoutFallback       string `yaml:"policy_timeout_fallback"` // "deny" | "allow_with_flag"
}

// SecurityConfig tunes verify/sanitize timeouts (spec.md §4.13).
type SecurityConfig struct {
	VerifyTimeoutMS   int64  `yaml:"verify_timeout_ms"`
	SanitizeTimeoutMS int64  `yaml:"sanitize_timeout_ms"`
	VerifyFallback    string `yaml:"verify_timeout_fallback"`   // not consulted: security.Engine always denies on verify timeout
	SanitizeFallback  string `yaml:"sanitize_timeout_fallback"` // "deny" | "allow_original"
}

// DeadLetterConfig tunes dead-letter storage (spec.md §4.8).
type DeadLetterConfig struct {
	MaxRecords     int `yaml:"max_records"`
	PartitionCount int `yaml:"partition_count"`
}

// LifecycleConfig tunes instance reconnect/backoff (spec.md §4.10).
type LifecycleConfig struct {
	MaxConsecutiveFailures int     `yaml:"max_consecutive_failures"`
	ReconnectBaseBackoffMS int64   `yaml:"reconnect_base_backoff_ms"`
	ReconnectMaxBackoffMS  int64   `yaml:"reconnect_max_backoff_ms"`
	ReconnectJitterRatio   float64 `yaml:"reconnect_jitter_ratio"`
	MaxReconnectAttempts   int     `yaml:"max_reconnect_attempts"`
}

// FabricConfig is the top-level config loaded at process start.
type FabricConfig struct {
	Outbound   OutboundConfig   `yaml:"outbound"`
	Session    SessionConfig    `yaml:"session"`
	Dedupe     DedupeConfig     `yaml:"dedupe"`
	Policy     PolicyConfig     `yaml:"policy"`
	Security   SecurityConfig   `yaml:"security"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`
}

// Default returns a FabricConfig with every tunable set to a sane default.
func Default() FabricConfig {
	return FabricConfig{
		Outbound: OutboundConfig{
			PartitionCount:     8,
			QueueCapacity:      256,
			WarnRatio:          0.5,
			DegradedRatio:      0.75,
			ShedRatio:          0.9,
			DegradedThrottleMS: 50,
			MaxAttempts:        5,
			BaseBackoffMS:      100,
			MaxBackoffMS:       10_000,
			SentCacheSize:      4096,
			SentCacheTTLMS:     int64(10 * time.Minute / time.Millisecond),
			MaxMediaBytes:      20 * 1024 * 1024,
			UnsupportedMediaPolicy: "fallback_text",
		},
		Session: SessionConfig{
			PartitionCount:         16,
			MaxEntriesPerPartition: 1024,
			DefaultTTLMS:           int64(30 * time.Minute / time.Millisecond),
			PruneIntervalMS:        int64(time.Minute / time.Millisecond),
		},
		Dedupe: DedupeConfig{
			DefaultTTLMS: int64(24 * time.Hour / time.Millisecond),
		},
		Policy: PolicyConfig{
			GatingTimeoutMS:     500,
			ModerationTimeoutMS: 500,
			TimeoutFallback:     "deny",
		},
		Security: SecurityConfig{
			VerifyTimeoutMS:   500,
			SanitizeTimeoutMS: 500,
			VerifyFallback:    "deny",
			SanitizeFallback:  "allow_original",
		},
		DeadLetter: DeadLetterConfig{
			MaxRecords:     10_000,
			PartitionCount: 8,
		},
		Lifecycle: LifecycleConfig{
			MaxConsecutiveFailures: 10,
			ReconnectBaseBackoffMS: 500,
			ReconnectMaxBackoffMS:  60_000,
			ReconnectJitterRatio:   0.2,
			MaxReconnectAttempts:   20,
		},
	}
}

// Normalize fills zero-valued fields with defaults, so a zero-value
// FabricConfig{} (or one loaded from a partial YAML file) is always usable.
func (c *FabricConfig) Normalize() {
	d := Default()

	if c.Outbound.PartitionCount <= 0 {
		c.Outbound.PartitionCount = d.Outbound.PartitionCount
	}
	if c.Outbound.QueueCapacity <= 0 {
		c.Outbound.QueueCapacity = d.Outbound.QueueCapacity
	}
	if c.Outbound.WarnRatio <= 0 {
		c.Outbound.WarnRatio = d.Outbound.WarnRatio
	}
	if c.Outbound.DegradedRatio <= 0 {
		c.Outbound.DegradedRatio = d.Outbound.DegradedRatio
	}
	if c.Outbound.ShedRatio <= 0 {
		c.Outbound.ShedRatio = d.Outbound.ShedRatio
	}
	if c.Outbound.DegradedThrottleMS <= 0 {
		c.Outbound.DegradedThrottleMS = d.Outbound.DegradedThrottleMS
	}
	if c.Outbound.MaxAttempts <= 0 {
		c.Outbound.MaxAttempts = d.Outbound.MaxAttempts
	}
	if c.Outbound.BaseBackoffMS <= 0 {
		c.Outbound.BaseBackoffMS = d.Outbound.BaseBackoffMS
	}
	if c.Outbound.MaxBackoffMS <= 0 {
		c.Outbound.MaxBackoffMS = d.Outbound.MaxBackoffMS
	}
	if c.Outbound.SentCacheSize <= 0 {
		c.Outbound.SentCacheSize = d.Outbound.SentCacheSize
	}
	if c.Outbound.SentCacheTTLMS <= 0 {
		c.Outbound.SentCacheTTLMS = d.Outbound.SentCacheTTLMS
	}
	if c.Outbound.MaxMediaBytes <= 0 {
		c.Outbound.MaxMediaBytes = d.Outbound.MaxMediaBytes
	}
	if c.Outbound.UnsupportedMediaPolicy == "" {
		c.Outbound.UnsupportedMediaPolicy = d.Outbound.UnsupportedMediaPolicy
	}

	if c.Session.PartitionCount <= 0 {
		c.Session.PartitionCount = d.Session.PartitionCount
	}
	if c.Session.MaxEntriesPerPartition <= 0 {
		c.Session.MaxEntriesPerPartition = d.Session.MaxEntriesPerPartition
	}
	if c.Session.DefaultTTLMS <= 0 {
		c.Session.DefaultTTLMS = d.Session.DefaultTTLMS
	}
	if c.Session.PruneIntervalMS <= 0 {
		c.Session.PruneIntervalMS = d.Session.PruneIntervalMS
	}

	if c.Dedupe.DefaultTTLMS <= 0 {
		c.Dedupe.DefaultTTLMS = d.Dedupe.DefaultTTLMS
	}

	if c.Policy.GatingTimeoutMS <= 0 {
		c.Policy.GatingTimeoutMS = d.Policy.GatingTimeoutMS
	}
	if c.Policy.ModerationTimeoutMS <= 0 {
		c.Policy.ModerationTimeoutMS = d.Policy.ModerationTimeoutMS
	}
	if c.Policy.TimeoutFallback == "" {
		c.Policy.TimeoutFallback = d.Policy.TimeoutFallback
	}

	if c.Security.VerifyTimeoutMS <= 0 {
		c.Security.VerifyTimeoutMS = d.Security.VerifyTimeoutMS
	}
	if c.Security.SanitizeTimeoutMS <= 0 {
		c.Security.SanitizeTimeoutMS = d.Security.SanitizeTimeoutMS
	}
	if c.Security.VerifyFallback == "" {
		c.Security.VerifyFallback = d.Security.VerifyFallback
	}
	if c.Security.SanitizeFallback == "" {
		c.Security.SanitizeFallback = d.Security.SanitizeFallback
	}

	if c.DeadLetter.MaxRecords <= 0 {
		c.DeadLetter.MaxRecords = d.DeadLetter.MaxRecords
	}
	if c.DeadLetter.PartitionCount <= 0 {
		c.DeadLetter.PartitionCount = d.DeadLetter.PartitionCount
	}

	if c.Lifecycle.MaxConsecutiveFailures <= 0 {
		c.Lifecycle.MaxConsecutiveFailures = d.Lifecycle.MaxConsecutiveFailures
	}
	if c.Lifecycle.ReconnectBaseBackoffMS <= 0 {
		c.Lifecycle.ReconnectBaseBackoffMS = d.Lifecycle.ReconnectBaseBackoffMS
	}
	if c.Lifecycle.ReconnectMaxBackoffMS <= 0 {
		c.Lifecycle.ReconnectMaxBackoffMS = d.Lifecycle.ReconnectMaxBackoffMS
	}
	if c.Lifecycle.ReconnectJitterRatio <= 0 {
		c.Lifecycle.ReconnectJitterRatio = d.Lifecycle.ReconnectJitterRatio
	}
	if c.Lifecycle.MaxReconnectAttempts <= 0 {
		c.Lifecycle.MaxReconnectAttempts = d.Lifecycle.MaxReconnectAttempts
	}
}

// Load reads a YAML config file, tolerating a missing file by returning
// defaults (mirrors pkg/cron/store.go's LoadCronStore tolerance).
func Load(path string) (FabricConfig, error) {
	cfg := FabricConfig{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.Normalize()
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return FabricConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()
	return cfg, nil
}
