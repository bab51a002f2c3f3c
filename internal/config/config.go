package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tls-chameleon/internal/presets"
	"github.com/tls-chameleon/internal/proxypool"
	"github.com/tls-chameleon/internal/session"
	"github.com/tls-chameleon/internal/types"
)

// EnvPath names the environment variable holding the config file path
const EnvPath = "CHAMELEON_CONFIG"

// DefaultPath is used when EnvPath is unset
const DefaultPath = "config.json"

type Config struct {
	Session    session.Options         `json:"session"`
	Presets    map[string]PresetConfig `json:"presets"`
	ProxyPool  ProxyPoolConfig         `json:"proxy_pool"`
	Aggregator AggregatorConfig        `json:"aggregator"`
	Checker    CheckerConfig           `json:"checker"`
	Transport  TransportConfig         `json:"transport"`
	API        APIConfig               `json:"api"`
	Storage    StorageConfig           `json:"storage"`
	Metrics    MetricsConfig           `json:"metrics"`
	Logging    LoggingConfig           `json:"logging"`

	mu       sync.RWMutex
	filePath string
}

// PresetConfig is the file form of a presets.SitePreset. Durations are in
// milliseconds.
type PresetConfig struct {
	MaxRetries    int               `json:"max_retries"`
	BackoffBaseMs int               `json:"backoff_base_ms"`
	Growth        float64           `json:"growth"`
	BackoffCapMs  int               `json:"backoff_cap_ms"`
	Jitter        float64           `json:"jitter"`
	Rotation      []string          `json:"rotation"`
	HeaderOrder   []string          `json:"header_order"`
	HTTP2         *bool             `json:"http2"`
	BlockStatuses []int             `json:"block_statuses"`
	BlockMarkers  []string          `json:"block_markers"`
	BlockHeaders  map[string]string `json:"block_headers"`
}

// SitePreset converts the file form, filling unset curve fields from the
// default preset
func (p PresetConfig) SitePreset(name string) *presets.SitePreset {
	sp := &presets.SitePreset{
		Name:          name,
		MaxRetries:    p.MaxRetries,
		BackoffBase:   time.Duration(p.BackoffBaseMs) * time.Millisecond,
		Growth:        p.Growth,
		BackoffCap:    time.Duration(p.BackoffCapMs) * time.Millisecond,
		Jitter:        p.Jitter,
		Rotation:      p.Rotation,
		HeaderOrder:   p.HeaderOrder,
		HTTP2:         p.HTTP2,
		BlockStatuses: p.BlockStatuses,
		BlockMarkers:  p.BlockMarkers,
		BlockHeaders:  p.BlockHeaders,
	}
	def := presets.Builtin()[0]
	if sp.BackoffBase == 0 {
		sp.BackoffBase = def.BackoffBase
	}
	if sp.Growth == 0 {
		sp.Growth = def.Growth
	}
	if sp.BackoffCap == 0 {
		sp.BackoffCap = def.BackoffCap
		if sp.BackoffCap < sp.BackoffBase {
			sp.BackoffCap = sp.BackoffBase
		}
	}
	return sp
}

type ProxyPoolConfig struct {
	Proxies []string `json:"proxies"`
	// SnapshotMaxAgeSeconds bounds how old restored health marks may be
	SnapshotMaxAgeSeconds int `json:"snapshot_max_age_seconds"`
}

type AggregatorConfig struct {
	Enabled         bool     `json:"enabled"`
	IntervalSeconds int      `json:"interval_seconds"`
	TimeoutSeconds  int      `json:"timeout_seconds"`
	Sources         []Source `json:"sources"`
	UserAgent       string   `json:"user_agent"`
}

type Source struct {
	URL      string `json:"url"`
	Protocol string `json:"protocol"` // "http", "socks5" or "auto"
	Enabled  bool   `json:"enabled"`
}

type CheckerConfig struct {
	Enabled         bool   `json:"enabled"`
	IntervalSeconds int    `json:"interval_seconds"`
	TimeoutMs       int    `json:"timeout_ms"`
	Concurrency     int    `json:"concurrency"`
	TestURL         string `json:"test_url"`
	Mode            string `json:"mode"` // "connect-only" or "full-http"
}

type TransportConfig struct {
	Engine             string `json:"engine"` // "utls" or "standard"
	DialTimeoutMs      int    `json:"dial_timeout_ms"`
	AttemptTimeoutMs   int    `json:"attempt_timeout_ms"`
	MaxBodyBytes       int64  `json:"max_body_bytes"`
	MaxRedirects       int    `json:"max_redirects"` // -1 disables redirects
	InsecureSkipVerify bool   `json:"insecure_skip_verify"`
}

type APIConfig struct {
	Addr              string `json:"addr"`
	APIKeyEnv         string `json:"api_key_env"`
	RateLimitPerIP    int    `json:"rate_limit_per_ip"` // requests per minute
	EnableAPIKeyAuth  bool   `json:"enable_api_key_auth"`
	EnableIPRateLimit bool   `json:"enable_ip_rate_limit"`
	MaxSessions       int    `json:"max_sessions"`
}

type StorageConfig struct {
	Enabled                bool   `json:"enabled"`
	Type                   string `json:"type"` // "file", "sqlite", "redis"
	Path                   string `json:"path"`
	PersistIntervalSeconds int    `json:"persist_interval_seconds"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Endpoint  string `json:"endpoint"`
	Namespace string `json:"namespace"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// PathFromEnv returns the config path named by CHAMELEON_CONFIG
func PathFromEnv() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads configuration from a JSON file
func Load(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.filePath = filePath
	return cfg, nil
}

// Parse decodes, defaults and validates a JSON document
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config JSON: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.ProxyPool.SnapshotMaxAgeSeconds == 0 {
		c.ProxyPool.SnapshotMaxAgeSeconds = 3600
	}
	if c.Aggregator.IntervalSeconds == 0 {
		c.Aggregator.IntervalSeconds = 600
	}
	if c.Aggregator.TimeoutSeconds == 0 {
		c.Aggregator.TimeoutSeconds = 30
	}
	if c.Checker.IntervalSeconds == 0 {
		c.Checker.IntervalSeconds = 300
	}
	if c.Checker.TimeoutMs == 0 {
		c.Checker.TimeoutMs = 10000
	}
	if c.Checker.Concurrency == 0 {
		c.Checker.Concurrency = 64
	}
	if c.Checker.Mode == "" {
		c.Checker.Mode = "full-http"
	}
	if c.Checker.TestURL == "" {
		c.Checker.TestURL = "https://www.google.com/generate_204"
	}
	if c.Transport.Engine == "" {
		c.Transport.Engine = "utls"
	}
	if c.Transport.DialTimeoutMs == 0 {
		c.Transport.DialTimeoutMs = 10000
	}
	if c.Transport.AttemptTimeoutMs == 0 {
		c.Transport.AttemptTimeoutMs = 30000
	}
	if c.Transport.MaxBodyBytes == 0 {
		c.Transport.MaxBodyBytes = 8 << 20
	}
	if c.Transport.MaxRedirects == 0 {
		c.Transport.MaxRedirects = 10
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8083"
	}
	if c.API.APIKeyEnv == "" {
		c.API.APIKeyEnv = "CHAMELEON_API_KEY"
	}
	if c.API.RateLimitPerIP == 0 {
		c.API.RateLimitPerIP = 600
	}
	if c.API.MaxSessions == 0 {
		c.API.MaxSessions = 1024
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "file"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "/data/proxy_health.json"
	}
	if c.Storage.PersistIntervalSeconds == 0 {
		c.Storage.PersistIntervalSeconds = 300
	}
	if c.Metrics.Endpoint == "" {
		c.Metrics.Endpoint = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "chameleon"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Reload re-reads the file Load was given
func (c *Config) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.filePath == "" {
		return fmt.Errorf("config was not loaded from a file")
	}
	newCfg, err := Load(c.filePath)
	if err != nil {
		return err
	}

	c.Session = newCfg.Session
	c.Presets = newCfg.Presets
	c.ProxyPool = newCfg.ProxyPool
	c.Aggregator = newCfg.Aggregator
	c.Checker = newCfg.Checker
	c.Transport = newCfg.Transport
	c.API = newCfg.API
	c.Storage = newCfg.Storage
	c.Metrics = newCfg.Metrics
	c.Logging = newCfg.Logging
	return nil
}

// SessionDefaults returns a copy of the default session options
func (c *Config) SessionDefaults() session.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	opts := c.Session
	opts.RotateProfiles = append([]string(nil), c.Session.RotateProfiles...)
	opts.Proxies = append([]string(nil), c.Session.Proxies...)
	opts.HeaderOrder = append([]string(nil), c.Session.HeaderOrder...)
	return opts
}

// SitePresets converts every configured preset
func (c *Config) SitePresets() []*presets.SitePreset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*presets.SitePreset, 0, len(c.Presets))
	for name, p := range c.Presets {
		out = append(out, p.SitePreset(name))
	}
	return out
}

// Validate reports the first invalid field as a types.ConfigurationError
func (c *Config) Validate() error {
	if _, err := types.ParseRotationMode(c.Session.OnBlock); err != nil {
		return types.NewConfigError("session.on_block", "%v", err)
	}
	if c.Session.MaxRetries != nil && *c.Session.MaxRetries < 0 {
		return types.NewConfigError("session.max_retries", "must be >= 0")
	}
	for name, p := range c.Presets {
		if err := p.SitePreset(strings.ToLower(name)).Validate(); err != nil {
			return err
		}
	}
	if _, err := proxypool.ParseList(c.ProxyPool.Proxies); err != nil {
		var cfgErr *types.ConfigurationError
		if errors.As(err, &cfgErr) {
			cfgErr.Field = "proxy_pool." + cfgErr.Field
		}
		return err
	}
	for i, s := range c.Aggregator.Sources {
		if !strings.HasPrefix(s.URL, "http://") && !strings.HasPrefix(s.URL, "https://") {
			return types.NewConfigError(fmt.Sprintf("aggregator.sources[%d].url", i), "must be an http(s) URL")
		}
		switch s.Protocol {
		case "", "auto", "http", "https", "socks5", "socks5h":
		default:
			return types.NewConfigError(fmt.Sprintf("aggregator.sources[%d].protocol", i), "unsupported protocol %q", s.Protocol)
		}
	}
	if c.Checker.Concurrency < 1 || c.Checker.Concurrency > 10000 {
		return types.NewConfigError("checker.concurrency", "must be between 1 and 10000")
	}
	if c.Checker.TimeoutMs < 100 || c.Checker.TimeoutMs > 300000 {
		return types.NewConfigError("checker.timeout_ms", "must be between 100 and 300000")
	}
	if c.Checker.Mode != "connect-only" && c.Checker.Mode != "full-http" {
		return types.NewConfigError("checker.mode", "must be 'connect-only' or 'full-http'")
	}
	switch strings.ToLower(c.Transport.Engine) {
	case "utls", "standard", "net/http":
	default:
		return types.NewConfigError("transport.engine", "must be 'utls' or 'standard'")
	}
	if c.Transport.MaxBodyBytes < 0 {
		return types.NewConfigError("transport.max_body_bytes", "must be >= 0")
	}
	if c.Transport.MaxRedirects < -1 {
		return types.NewConfigError("transport.max_redirects", "must be >= -1")
	}
	if c.Storage.Type != "file" && c.Storage.Type != "sqlite" && c.Storage.Type != "redis" {
		return types.NewConfigError("storage.type", "must be 'file', 'sqlite', or 'redis'")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return types.NewConfigError("logging.format", "must be 'json' or 'text'")
	}
	return nil
}
