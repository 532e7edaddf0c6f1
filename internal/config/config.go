// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LogConfig controls the zap logger shared by both binaries
type LogConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Format     string `yaml:"format"`      // json or console
	File       string `yaml:"file"`        // empty logs to stderr
	MaxSizeMB  int    `yaml:"max_size_mb"` // rotation, only with File
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// AgentConfig for the telemetry agent
type AgentConfig struct {
	CollectorURL   string        `yaml:"collector_url"`
	Project        string        `yaml:"project"`
	Environment    string        `yaml:"environment"`
	SDKVersion     string        `yaml:"sdk_version"`
	SchemaVersion  string        `yaml:"schema_version"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RetryLimit     int           `yaml:"retry_limit"`
	BaseBackoff    time.Duration `yaml:"base_backoff"`
	QueueCapacity  int           `yaml:"queue_capacity"`
	MetricsWindow  time.Duration `yaml:"metrics_window"`
	HistorySize    int           `yaml:"history_size"`
	IntakeAddr     string        `yaml:"intake_addr"` // local POST /events listener, empty disables
	TLSSkipVerify  bool          `yaml:"tls_skip_verify"`
	Features       Features      `yaml:"features"`
	AlertWebhooks  []Webhook     `yaml:"alert_webhooks"`
	Log            LogConfig     `yaml:"log"`
	APIKey         string        `yaml:"api_key"`
	APISecret      string        `yaml:"-"` // from env only
}

// Features toggles optional agent behavior
type Features struct {
	AnomalyDetection bool `yaml:"anomaly_detection"`
}

// Webhook is one alert sink endpoint in a fallback chain
type Webhook struct {
	URL      string `yaml:"url"`
	TokenEnv string `yaml:"token_env"` // env var name for a bearer token
	Token    string `yaml:"-"`         // resolved at load time
}

// DBConfig selects the collector's batch store
type DBConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	Path   string `yaml:"path"`   // sqlite file
	URL    string `yaml:"url"`    // postgres connection string
}

// ReplayConfig selects the replay cache backend
type ReplayConfig struct {
	Backend   string `yaml:"backend"` // memory or redis
	Capacity  int    `yaml:"capacity"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// APIKey is one agent credential accepted by the collector
type APIKey struct {
	Key        string   `yaml:"key"`
	Secret     string   `yaml:"secret"`
	SecretEnv  string   `yaml:"secret_env"` // overrides Secret when set
	AllowedIPs []string `yaml:"allowed_ips"`
}

// CollectorConfig for the central collector
type CollectorConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	DB              DBConfig      `yaml:"db"`
	Replay          ReplayConfig  `yaml:"replay"`
	MaxPayloadBytes int64         `yaml:"max_payload_bytes"`
	MaxBatchEvents  int           `yaml:"max_batch_events"`
	MaxClockSkew    time.Duration `yaml:"max_clock_skew"`
	TrustedProxies  []string      `yaml:"trusted_proxies"`
	TLSCert         string        `yaml:"tls_cert"`
	TLSKey          string        `yaml:"tls_key"`
	APIKeys         []APIKey      `yaml:"api_keys"`
	Log             LogConfig     `yaml:"log"`
}

// Defaults applied when a field is left unset
const (
	DefaultFlushInterval   = 5 * time.Second
	DefaultRequestTimeout  = 3 * time.Second
	DefaultRetryLimit      = 5
	DefaultBaseBackoff     = time.Second
	DefaultQueueCapacity   = 10000
	DefaultMetricsWindow   = 60 * time.Second
	DefaultHistorySize     = 200
	DefaultMaxPayloadBytes = 8 << 20
	DefaultMaxBatchEvents  = 1000
	DefaultMaxClockSkew    = 300 * time.Second
	DefaultReplayCapacity  = 100000
)

// LoadAgentConfig loads agent config from YAML file with env overrides
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := AgentConfig{Features: Features{AnomalyDetection: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	// Env overrides
	if key := os.Getenv("VIGIL_API_KEY"); key != "" {
		cfg.APIKey = key
	}
	cfg.APISecret = os.Getenv("VIGIL_API_SECRET")
	if url := os.Getenv("VIGIL_COLLECTOR_URL"); url != "" {
		cfg.CollectorURL = url
	}

	for i := range cfg.AlertWebhooks {
		if cfg.AlertWebhooks[i].TokenEnv != "" {
			cfg.AlertWebhooks[i].Token = os.Getenv(cfg.AlertWebhooks[i].TokenEnv)
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values
func (c *AgentConfig) ApplyDefaults() {
	if c.SDKVersion == "" {
		c.SDKVersion = "2.0.0"
	}
	if c.SchemaVersion == "" {
		c.SchemaVersion = "1.0"
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = DefaultRetryLimit
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.MetricsWindow <= 0 {
		c.MetricsWindow = DefaultMetricsWindow
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// Validate reports configuration the agent cannot run with.
// A missing secret is not an error: the agent runs but never delivers.
func (c *AgentConfig) Validate() error {
	var errs []error
	if c.CollectorURL == "" {
		errs = append(errs, errors.New("collector_url is required"))
	}
	if c.APIKey == "" {
		errs = append(errs, errors.New("api_key is required (or VIGIL_API_KEY)"))
	}
	if c.Project == "" {
		errs = append(errs, errors.New("project is required"))
	}
	return errors.Join(errs...)
}

// LoadCollectorConfig loads collector config from YAML file with env overrides
func LoadCollectorConfig(path string) (*CollectorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg CollectorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if url := os.Getenv("VIGIL_DB_URL"); url != "" {
		cfg.DB.URL = url
	}
	if addr := os.Getenv("VIGIL_REDIS_ADDR"); addr != "" {
		cfg.Replay.RedisAddr = addr
	}

	// Resolve per-key secrets from env vars
	for i := range cfg.APIKeys {
		if cfg.APIKeys[i].SecretEnv != "" {
			cfg.APIKeys[i].Secret = os.Getenv(cfg.APIKeys[i].SecretEnv)
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values
func (c *CollectorConfig) ApplyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8000"
	}
	if c.DB.Driver == "" {
		c.DB.Driver = "sqlite"
	}
	if c.DB.Driver == "sqlite" && c.DB.Path == "" {
		c.DB.Path = "vigil.db"
	}
	if c.Replay.Backend == "" {
		c.Replay.Backend = "memory"
	}
	if c.Replay.Capacity <= 0 {
		c.Replay.Capacity = DefaultReplayCapacity
	}
	if c.Replay.KeyPrefix == "" {
		c.Replay.KeyPrefix = "vigil:replay:"
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = DefaultMaxBatchEvents
	}
	if c.MaxClockSkew <= 0 {
		c.MaxClockSkew = DefaultMaxClockSkew
	}
}

// Validate checks keys, allow-lists and backend selection
func (c *CollectorConfig) Validate() error {
	var errs []error

	switch c.DB.Driver {
	case "sqlite":
	case "postgres":
		if c.DB.URL == "" {
			errs = append(errs, errors.New("db.url is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("db.driver %q: must be sqlite or postgres", c.DB.Driver))
	}

	switch c.Replay.Backend {
	case "memory":
	case "redis":
		if c.Replay.RedisAddr == "" {
			errs = append(errs, errors.New("replay.redis_addr is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("replay.backend %q: must be memory or redis", c.Replay.Backend))
	}

	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("tls_cert and tls_key must be set together"))
	}

	if len(c.APIKeys) == 0 {
		errs = append(errs, errors.New("at least one api_keys entry is required"))
	}
	seen := make(map[string]bool)
	for i, k := range c.APIKeys {
		if k.Key == "" {
			errs = append(errs, fmt.Errorf("api_keys[%d]: key is required", i))
			continue
		}
		if seen[k.Key] {
			errs = append(errs, fmt.Errorf("api_keys[%d]: duplicate key", i))
		}
		seen[k.Key] = true
		if k.Secret == "" {
			errs = append(errs, fmt.Errorf("api_keys[%d]: secret is required", i))
		}
		if len(k.AllowedIPs) == 0 {
			errs = append(errs, fmt.Errorf("api_keys[%d]: allowed_ips is required (use 0.0.0.0/0 to admit any address)", i))
		}
		for _, rule := range k.AllowedIPs {
			if _, err := ParseAllowRule(rule); err != nil {
				errs = append(errs, fmt.Errorf("api_keys[%d]: %w", i, err))
			}
		}
	}

	return errors.Join(errs...)
}

// ParseAllowRule turns a literal IP or CIDR into a prefix. A literal IP
// becomes a single-address prefix.
func ParseAllowRule(rule string) (netip.Prefix, error) {
	rule = strings.TrimSpace(rule)
	if strings.Contains(rule, "/") {
		p, err := netip.ParsePrefix(rule)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("allowed_ips %q: %w", rule, err)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(rule)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("allowed_ips %q: %w", rule, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
