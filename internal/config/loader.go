package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [Validate] when the corresponding field is unset.
const (
	DefaultListenAddr            = ":8080"
	DefaultMinPlayers            = 2
	DefaultGracePeriodSec        = 180
	DefaultDebounceMs            = 2000
	DefaultFlushIntervalSec      = 30
	DefaultNotifyBatchSec        = 10
	DefaultJoinGraceMin          = 5
	DefaultClassifyLookbackHours = 24
	DefaultOverrideTTLMin        = 30
	DefaultCacheTTLMin           = 10
	DefaultMinSimilarity         = 0.3
	DefaultPushIntervalSec       = 5
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Unknown YAML keys are rejected. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fills unset fields with defaults and checks that cfg contains a
// coherent set of values. It returns a joined error listing all validation
// failures found.
func Validate(cfg *Config) error {
	applyDefaults(cfg)

	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if _, err := time.LoadLocation(cfg.Server.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("server.timezone %q is not a known IANA zone: %w", cfg.Server.Timezone, err))
	}

	// Credentials
	if cfg.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token is required"))
	}
	if cfg.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required"))
	}

	// Engine timings
	if cfg.Engine.MinPlayers < 1 {
		errs = append(errs, fmt.Errorf("engine.min_players %d must be >= 1", cfg.Engine.MinPlayers))
	}
	if cfg.Engine.GracePeriodSec < 0 {
		errs = append(errs, fmt.Errorf("engine.grace_period_sec %d must be >= 0", cfg.Engine.GracePeriodSec))
	}
	for _, field := range []struct {
		name  string
		value int
	}{
		{"engine.debounce_ms", cfg.Engine.DebounceMs},
		{"engine.flush_interval_sec", cfg.Engine.FlushIntervalSec},
		{"engine.notify_batch_sec", cfg.Engine.NotifyBatchSec},
		{"engine.join_grace_min", cfg.Engine.JoinGraceMin},
		{"engine.classify_lookback_hours", cfg.Engine.ClassifyLookbackHours},
		{"resolver.override_ttl_min", cfg.Resolver.OverrideTTLMin},
		{"resolver.cache_ttl_min", cfg.Resolver.CacheTTLMin},
		{"roster.push_interval_sec", cfg.Roster.PushIntervalSec},
	} {
		if field.value <= 0 {
			errs = append(errs, fmt.Errorf("%s %d must be > 0", field.name, field.value))
		}
	}

	// Resolver
	if cfg.Resolver.MinSimilarity < 0 || cfg.Resolver.MinSimilarity > 1 {
		errs = append(errs, fmt.Errorf("resolver.min_similarity %.2f is out of range [0, 1]", cfg.Resolver.MinSimilarity))
	}

	if cfg.Engine.DebounceMs > 10_000 {
		slog.Warn("engine.debounce_ms is unusually high; voice membership will lag",
			"debounce_ms", cfg.Engine.DebounceMs,
		)
	}

	return errors.Join(errs...)
}

// applyDefaults fills zero-valued fields in place. The engine-level grace
// period cannot be set to zero here (YAML zero means unset); bindings that
// should dissolve immediately set gracePeriodSec: 0 in their own config.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.Timezone == "" {
		cfg.Server.Timezone = "UTC"
	}
	if cfg.Engine.MinPlayers == 0 {
		cfg.Engine.MinPlayers = DefaultMinPlayers
	}
	if cfg.Engine.GracePeriodSec == 0 {
		cfg.Engine.GracePeriodSec = DefaultGracePeriodSec
	}
	if cfg.Engine.DebounceMs == 0 {
		cfg.Engine.DebounceMs = DefaultDebounceMs
	}
	if cfg.Engine.FlushIntervalSec == 0 {
		cfg.Engine.FlushIntervalSec = DefaultFlushIntervalSec
	}
	if cfg.Engine.NotifyBatchSec == 0 {
		cfg.Engine.NotifyBatchSec = DefaultNotifyBatchSec
	}
	if cfg.Engine.JoinGraceMin == 0 {
		cfg.Engine.JoinGraceMin = DefaultJoinGraceMin
	}
	if cfg.Engine.ClassifyLookbackHours == 0 {
		cfg.Engine.ClassifyLookbackHours = DefaultClassifyLookbackHours
	}
	if cfg.Resolver.OverrideTTLMin == 0 {
		cfg.Resolver.OverrideTTLMin = DefaultOverrideTTLMin
	}
	if cfg.Resolver.CacheTTLMin == 0 {
		cfg.Resolver.CacheTTLMin = DefaultCacheTTLMin
	}
	if cfg.Resolver.MinSimilarity == 0 {
		cfg.Resolver.MinSimilarity = DefaultMinSimilarity
	}
	if cfg.Roster.PushIntervalSec == 0 {
		cfg.Roster.PushIntervalSec = DefaultPushIntervalSec
	}
}

// parseBytes re-parses raw config bytes without touching the filesystem.
// Used by the watcher's hash-then-parse path.
func parseBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}
