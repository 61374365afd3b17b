// Package config loads the media-rescue configuration file.
//
// The file is YAML. Every section is optional: values left out keep their
// defaults, and rate limit or breaker entries only override the fields they
// set. Environment variables are applied after the file, so deployment
// secrets such as DATABASE_URL never have to live in it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"media-rescue/internal/domain/entity"
	"media-rescue/internal/infra/fetcher"
	pkgconfig "media-rescue/internal/pkg/config"
	"media-rescue/internal/resilience/circuitbreaker"
	"media-rescue/internal/resilience/ratelimit"
	"media-rescue/internal/usecase/download"
	"media-rescue/internal/usecase/ledger"
	"media-rescue/internal/usecase/recovery"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "RESCUE_CONFIG"

// DefaultBreakerKey is the breakers entry applied to every service without
// its own entry.
const DefaultBreakerKey = "default"

// Cache backends.
const (
	CacheBackendSQL    = "sql"
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

const mb = 1024 * 1024

// Config is the parsed configuration file.
type Config struct {
	RateLimits     RateLimits     `yaml:"rate_limits"`
	Breakers       Breakers       `yaml:"breakers"`
	Ledger         LedgerConfig   `yaml:"ledger"`
	Cache          CacheConfig    `yaml:"cache"`
	Recovery       RecoveryConfig `yaml:"recovery"`
	Download       DownloadConfig `yaml:"download"`
	Fetch          FetchConfig    `yaml:"fetch"`
	TrustedDomains []string       `yaml:"trusted_domains"`
	BlockedDomains []string       `yaml:"blocked_domains"`
	Database       DatabaseConfig `yaml:"database"`
	Redis          RedisConfig    `yaml:"redis"`
}

// RateLimits maps a service to its admission budget. Decoding merges each
// entry into the existing one so a file may override a single field.
type RateLimits map[string]ratelimit.Config

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *RateLimits) UnmarshalYAML(n *yaml.Node) error {
	var raw map[string]yaml.Node
	if err := n.Decode(&raw); err != nil {
		return err
	}
	if *m == nil {
		*m = RateLimits{}
	}
	for name, node := range raw {
		base := (*m)[name]
		if err := node.Decode(&base); err != nil {
			return fmt.Errorf("rate_limits.%s: %w", name, err)
		}
		base.ApplyDefaults()
		(*m)[name] = base
	}
	return nil
}

// Breakers maps a service to its breaker settings; the "default" entry
// seeds services that have none. Entries merge like RateLimits.
type Breakers map[string]circuitbreaker.Config

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *Breakers) UnmarshalYAML(n *yaml.Node) error {
	var raw map[string]yaml.Node
	if err := n.Decode(&raw); err != nil {
		return err
	}
	if *m == nil {
		*m = Breakers{}
	}
	decode := func(name string, node yaml.Node) error {
		base, ok := (*m)[name]
		if !ok {
			base = m.fallback()
		}
		if err := node.Decode(&base); err != nil {
			return fmt.Errorf("breakers.%s: %w", name, err)
		}
		(*m)[name] = base
		return nil
	}
	if node, ok := raw[DefaultBreakerKey]; ok {
		if err := decode(DefaultBreakerKey, node); err != nil {
			return err
		}
	}
	for name, node := range raw {
		if name == DefaultBreakerKey {
			continue
		}
		if err := decode(name, node); err != nil {
			return err
		}
	}
	return nil
}

func (m Breakers) fallback() circuitbreaker.Config {
	if b, ok := m[DefaultBreakerKey]; ok {
		return b
	}
	return circuitbreaker.DefaultConfig()
}

// LedgerConfig is the retry ledger section.
type LedgerConfig struct {
	MaxRetries              int           `yaml:"max_retries"`
	BaseDelay               time.Duration `yaml:"base_delay"`
	MaxDelay                time.Duration `yaml:"max_delay"`
	DeadLetterAgeDays       int           `yaml:"dead_letter_age_days"`
	DeadLetterRetentionDays int           `yaml:"dead_letter_retention_days"`
}

// CacheConfig is the recovery result cache section.
type CacheConfig struct {
	Backend              string `yaml:"backend"`
	TTLHours             int    `yaml:"ttl_hours"`
	MaxEntries           int    `yaml:"max_entries"`
	MaxSizeMB            int    `yaml:"max_size_mb"`
	SweepIntervalMinutes int    `yaml:"sweep_interval_minutes"`
}

// RecoveryConfig is the recovery cascade section.
type RecoveryConfig struct {
	Parallel   bool          `yaml:"parallel"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxWorkers int           `yaml:"max_workers"`
	// Providers lists the enabled providers in cascade order.
	Providers []string `yaml:"providers"`
	Disabled  bool     `yaml:"disabled"`
}

// DownloadConfig is the download coordinator section.
type DownloadConfig struct {
	Dir                string        `yaml:"dir"`
	TransientThreshold int           `yaml:"transient_threshold"`
	AcquireTimeout     time.Duration `yaml:"acquire_timeout"`
	MaxFileSizeMB      int           `yaml:"max_file_size_mb"`
	RetryBatchSize     int           `yaml:"retry_batch_size"`
}

// FetchConfig tunes the shared HTTP client.
type FetchConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxRedirects   int           `yaml:"max_redirects"`
	DenyPrivateIPs *bool         `yaml:"deny_private_ips"`
	UserAgent      string        `yaml:"user_agent"`
}

// DatabaseConfig selects the ledger and cache database.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

// RedisConfig is used by the redis cache backend.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
}

// Default returns the built-in configuration.
func Default() *Config {
	ld := ledger.DefaultConfig()
	rd := recovery.DefaultConfig()
	dd := download.DefaultConfig()
	fd := fetcher.DefaultConfig()

	return &Config{
		RateLimits: ratelimit.DefaultServiceConfigs(),
		Breakers: Breakers{
			DefaultBreakerKey:            circuitbreaker.DefaultConfig(),
			ratelimit.ServiceRedditVideo: circuitbreaker.VideoHostConfig(),
			entity.ProviderWayback:       circuitbreaker.ArchiveProviderConfig(),
			entity.ProviderPullPush:      circuitbreaker.ArchiveProviderConfig(),
			entity.ProviderReveddit:      circuitbreaker.ArchiveProviderConfig(),
		},
		Ledger: LedgerConfig{
			MaxRetries:              ld.MaxRetries,
			BaseDelay:               ld.BaseDelay,
			MaxDelay:                ld.MaxDelay,
			DeadLetterAgeDays:       int(ld.DeadLetterAge / (24 * time.Hour)),
			DeadLetterRetentionDays: int(ld.DeadLetterRetention / (24 * time.Hour)),
		},
		Cache: CacheConfig{
			Backend:              CacheBackendSQL,
			TTLHours:             int(rd.CacheTTL / time.Hour),
			MaxEntries:           rd.MaxEntries,
			MaxSizeMB:            int(rd.MaxSizeBytes / mb),
			SweepIntervalMinutes: int(rd.SweepInterval / time.Minute),
		},
		Recovery: RecoveryConfig{
			Parallel:   rd.Parallel,
			Timeout:    rd.Timeout,
			MaxWorkers: rd.MaxWorkers,
			Providers:  append([]string(nil), entity.DefaultProviderOrder...),
		},
		Download: DownloadConfig{
			Dir:                "downloads",
			TransientThreshold: dd.TransientThreshold,
			AcquireTimeout:     dd.AcquireTimeout,
			MaxFileSizeMB:      200,
			RetryBatchSize:     dd.RetryBatchSize,
		},
		Fetch: FetchConfig{
			Timeout:      fd.Timeout,
			MaxRedirects: fd.MaxRedirects,
			UserAgent:    fd.UserAgent,
		},
		TrustedDomains: append([]string(nil), fetcher.DefaultTrustedDomains...),
		Redis:          RedisConfig{Prefix: "rescue:"},
	}
}

// Load reads path on top of Default and applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer func() { _ = f.Close() }()
		if err := cfg.decode(f); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv loads the file named by RESCUE_CONFIG, if any.
func LoadFromEnv() (*Config, error) {
	return Load(os.Getenv(EnvConfigPath))
}

// Parse decodes YAML on top of Default without consulting the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides file values with environment variables. Malformed
// numeric or boolean values keep the file value.
//
//   - DATABASE_URL, DATABASE_DRIVER
//   - REDIS_URL, REDIS_PASSWORD, CACHE_BACKEND
//   - DOWNLOAD_DIR, RECOVERY_PARALLEL
//   - FETCH_TIMEOUT, FETCH_MAX_REDIRECTS, FETCH_DENY_PRIVATE_IPS
//   - FETCH_USER_AGENT, FETCH_BLOCKED_DOMAINS
func (c *Config) ApplyEnv() {
	c.Database.URL = pkgconfig.LoadEnvString("DATABASE_URL", c.Database.URL)
	c.Database.Driver = strings.ToLower(pkgconfig.LoadEnvString("DATABASE_DRIVER", c.Database.Driver))
	c.Redis.URL = pkgconfig.LoadEnvString("REDIS_URL", c.Redis.URL)
	c.Redis.Password = pkgconfig.LoadEnvString("REDIS_PASSWORD", c.Redis.Password)
	c.Cache.Backend = strings.ToLower(pkgconfig.LoadEnvString("CACHE_BACKEND", c.Cache.Backend))
	c.Download.Dir = pkgconfig.LoadEnvString("DOWNLOAD_DIR", c.Download.Dir)
	c.Recovery.Parallel = pkgconfig.LoadEnvBool("RECOVERY_PARALLEL", c.Recovery.Parallel).Value
	c.Fetch.Timeout = pkgconfig.LoadEnvDuration("FETCH_TIMEOUT", c.Fetch.Timeout, pkgconfig.ValidatePositiveDuration).Value
	c.Fetch.MaxRedirects = pkgconfig.LoadEnvInt("FETCH_MAX_REDIRECTS", c.Fetch.MaxRedirects, nil).Value
	if deny := pkgconfig.LoadEnvBool("FETCH_DENY_PRIVATE_IPS", true); os.Getenv("FETCH_DENY_PRIVATE_IPS") != "" && !deny.FallbackApplied {
		c.Fetch.DenyPrivateIPs = &deny.Value
	}
	c.Fetch.UserAgent = pkgconfig.LoadEnvString("FETCH_USER_AGENT", c.Fetch.UserAgent)
	c.BlockedDomains = pkgconfig.LoadEnvList("FETCH_BLOCKED_DOMAINS", c.BlockedDomains)
}

// Validate reports every invalid value at once.
func (c *Config) Validate() error {
	var err error

	for name, rl := range c.RateLimits {
		if e := rl.Validate(); e != nil {
			err = multierr.Append(err, fmt.Errorf("rate_limits.%s: %w", name, e))
		}
	}
	for name, b := range c.Breakers {
		if b.FailureThreshold == 0 {
			err = multierr.Append(err, fmt.Errorf("breakers.%s: failure_threshold must be positive", name))
		}
		if b.RecoveryTimeout <= 0 {
			err = multierr.Append(err, fmt.Errorf("breakers.%s: recovery_timeout must be positive", name))
		}
	}

	if e := pkgconfig.ValidateIntRange(c.Ledger.MaxRetries, 1, 100); e != nil {
		err = multierr.Append(err, fmt.Errorf("ledger.max_retries: %w", e))
	}
	if e := pkgconfig.ValidatePositiveDuration(c.Ledger.BaseDelay); e != nil {
		err = multierr.Append(err, fmt.Errorf("ledger.base_delay: %w", e))
	}
	if c.Ledger.MaxDelay < c.Ledger.BaseDelay {
		err = multierr.Append(err, fmt.Errorf("ledger.max_delay (%s) must be >= base_delay (%s)", c.Ledger.MaxDelay, c.Ledger.BaseDelay))
	}
	if c.Ledger.DeadLetterAgeDays < 1 {
		err = multierr.Append(err, errors.New("ledger.dead_letter_age_days must be positive"))
	}

	switch c.Cache.Backend {
	case CacheBackendSQL, CacheBackendMemory:
	case CacheBackendRedis:
		if c.Redis.URL == "" {
			err = multierr.Append(err, errors.New("cache.backend redis requires redis.url or REDIS_URL"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("cache.backend must be sql, memory or redis, got %q", c.Cache.Backend))
	}
	if c.Cache.TTLHours < 1 {
		err = multierr.Append(err, errors.New("cache.ttl_hours must be positive"))
	}
	if c.Cache.MaxEntries < 1 {
		err = multierr.Append(err, errors.New("cache.max_entries must be positive"))
	}

	known := make(map[string]bool, len(entity.DefaultProviderOrder))
	for _, p := range entity.DefaultProviderOrder {
		known[p] = true
	}
	for _, p := range c.Recovery.Providers {
		if !known[p] {
			err = multierr.Append(err, fmt.Errorf("recovery.providers: unknown provider %q", p))
		}
	}

	if c.Download.Dir == "" {
		err = multierr.Append(err, errors.New("download.dir must be set"))
	}
	if c.Download.MaxFileSizeMB < 1 {
		err = multierr.Append(err, errors.New("download.max_file_size_mb must be positive"))
	}
	if c.Download.TransientThreshold < 1 {
		err = multierr.Append(err, errors.New("download.transient_threshold must be positive"))
	}

	if c.Fetch.MaxRedirects < 0 || c.Fetch.MaxRedirects > 10 {
		err = multierr.Append(err, fmt.Errorf("fetch.max_redirects must be between 0 and 10, got %d", c.Fetch.MaxRedirects))
	}
	return err
}

// LedgerConfig converts the ledger section.
func (c *Config) LedgerConfig() ledger.Config {
	out := ledger.DefaultConfig()
	out.MaxRetries = c.Ledger.MaxRetries
	out.BaseDelay = c.Ledger.BaseDelay
	out.MaxDelay = c.Ledger.MaxDelay
	out.DeadLetterAge = time.Duration(c.Ledger.DeadLetterAgeDays) * 24 * time.Hour
	if c.Ledger.DeadLetterRetentionDays > 0 {
		out.DeadLetterRetention = time.Duration(c.Ledger.DeadLetterRetentionDays) * 24 * time.Hour
	}
	return out
}

// RecoveryConfig converts the recovery and cache sections.
func (c *Config) RecoveryConfig() recovery.Config {
	out := recovery.DefaultConfig()
	out.Parallel = c.Recovery.Parallel
	out.Timeout = c.Recovery.Timeout
	out.MaxWorkers = c.Recovery.MaxWorkers
	out.CacheTTL = time.Duration(c.Cache.TTLHours) * time.Hour
	out.MaxEntries = c.Cache.MaxEntries
	out.MaxSizeBytes = int64(c.Cache.MaxSizeMB) * mb
	out.SweepInterval = time.Duration(c.Cache.SweepIntervalMinutes) * time.Minute
	out.ApplyDefaults()
	return out
}

// DownloadConfig converts the download section.
func (c *Config) DownloadConfig() download.Config {
	out := download.Config{
		TransientThreshold: c.Download.TransientThreshold,
		AcquireTimeout:     c.Download.AcquireTimeout,
		DisableRecovery:    c.Recovery.Disabled,
		RetryBatchSize:     c.Download.RetryBatchSize,
	}
	out.ApplyDefaults()
	return out
}

// MaxFileSize is the per-file download limit in bytes.
func (c *Config) MaxFileSize() int64 {
	return int64(c.Download.MaxFileSizeMB) * mb
}

// FetcherConfig converts the fetch section and domain lists.
func (c *Config) FetcherConfig() fetcher.Config {
	out := fetcher.DefaultConfig()
	if c.Fetch.Timeout > 0 {
		out.Timeout = c.Fetch.Timeout
	}
	out.MaxRedirects = c.Fetch.MaxRedirects
	if c.Fetch.DenyPrivateIPs != nil {
		out.DenyPrivateIPs = *c.Fetch.DenyPrivateIPs
	}
	if c.Fetch.UserAgent != "" {
		out.UserAgent = c.Fetch.UserAgent
	}
	out.TrustedDomains = append([]string(nil), c.TrustedDomains...)
	out.BlockedDomains = append([]string(nil), c.BlockedDomains...)
	return out
}

// DefaultBreaker returns the breaker applied to unlisted services.
func (c *Config) DefaultBreaker() circuitbreaker.Config {
	return c.Breakers.fallback()
}

// ServiceBreakers returns the per-service breaker entries, excluding default.
func (c *Config) ServiceBreakers() map[string]circuitbreaker.Config {
	out := make(map[string]circuitbreaker.Config, len(c.Breakers))
	for name, b := range c.Breakers {
		if name != DefaultBreakerKey {
			out[name] = b
		}
	}
	return out
}
