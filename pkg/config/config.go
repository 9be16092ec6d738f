package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	errs "stealthscrape/pkg/errors"
)

const envPrefix = "STEALTHSCRAPE_"

// Config holds all configuration options for the scraping client
type Config struct {
	// Target root, used for session maintenance probes
	BaseURL string `yaml:"base_url" json:"base_url"`

	// Retry budget per task
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// Number of tasks processed concurrently by a batch
	Concurrency int `yaml:"concurrency" json:"concurrency"`

	PerAttemptTimeout  time.Duration `yaml:"per_attempt_timeout" json:"per_attempt_timeout"`
	TaskTimeout        time.Duration `yaml:"task_timeout" json:"task_timeout"`
	ProxyRetryInterval time.Duration `yaml:"proxy_retry_interval" json:"proxy_retry_interval"`

	RateLimit     RateLimitConfig     `yaml:"rate_limit" json:"rate_limit"`
	Proxies       []ProxyEndpoint     `yaml:"proxies" json:"proxies"`
	Proxy         ProxyConfig         `yaml:"proxy" json:"proxy"`
	Session       SessionConfig       `yaml:"session" json:"session"`
	AntiDetection AntiDetectionConfig `yaml:"anti_detection" json:"anti_detection"`
	Retry         RetryConfig         `yaml:"retry" json:"retry"`
	Checkpoint    CheckpointConfig    `yaml:"checkpoint" json:"checkpoint"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
}

// RateLimitConfig holds sliding window configuration
type RateLimitConfig struct {
	RequestsPerWindow int            `yaml:"requests_per_window" json:"requests_per_window"`
	WindowDuration    time.Duration  `yaml:"window_duration" json:"window_duration"`
	PerDomain         bool           `yaml:"per_domain" json:"per_domain"`
	DomainOverrides   map[string]int `yaml:"domain_overrides,omitempty" json:"domain_overrides,omitempty"`
}

// ProxyEndpoint describes one proxy, either by URL or by parts
type ProxyEndpoint struct {
	URL      string `yaml:"url,omitempty" json:"url,omitempty"`
	Host     string `yaml:"host,omitempty" json:"host,omitempty"`
	Port     int    `yaml:"port,omitempty" json:"port,omitempty"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	Protocol string `yaml:"protocol,omitempty" json:"protocol,omitempty"`
}

// ProxyConfig holds proxy health policy
type ProxyConfig struct {
	MaxFailures         int           `yaml:"max_failures" json:"max_failures"`
	CooldownDuration    time.Duration `yaml:"cooldown_duration" json:"cooldown_duration"`
	HealthCheckTarget   string        `yaml:"health_check_target" json:"health_check_target"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
	HealthCheckTimeout  time.Duration `yaml:"health_check_timeout" json:"health_check_timeout"`
}

// SessionConfig holds session persistence settings
type SessionConfig struct {
	Store            SessionStoreConfig `yaml:"store" json:"store"`
	TTL              time.Duration      `yaml:"ttl" json:"ttl"`
	RotationInterval int                `yaml:"rotation_interval" json:"rotation_interval"`
	TargetID         string             `yaml:"target_id" json:"target_id"`
}

// SessionStoreConfig selects the session backend
type SessionStoreConfig struct {
	Path    string `yaml:"path" json:"path"`
	Encrypt bool   `yaml:"encrypt" json:"encrypt"`
}

// AntiDetectionConfig holds fingerprint pools
type AntiDetectionConfig struct {
	UserAgents   []string `yaml:"user_agents" json:"user_agents"`
	Viewports    [][2]int `yaml:"viewports" json:"viewports"`
	DelayRangeMs [2]int   `yaml:"delay_range_ms" json:"delay_range_ms"`
	TLSProfiles  []string `yaml:"tls_profiles" json:"tls_profiles"`
}

// RetryConfig holds backoff settings applied between attempts
type RetryConfig struct {
	BaseDelay          time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay           time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier         float64       `yaml:"multiplier" json:"multiplier"`
	JitterFactor       float64       `yaml:"jitter_factor" json:"jitter_factor"`
	RateLimitBaseDelay time.Duration `yaml:"rate_limit_base_delay" json:"rate_limit_base_delay"`
}

// CheckpointConfig holds batch resume settings
type CheckpointConfig struct {
	Directory string `yaml:"directory" json:"directory"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:         3,
		Concurrency:        4,
		PerAttemptTimeout:  30 * time.Second,
		TaskTimeout:        5 * time.Minute,
		ProxyRetryInterval: 5 * time.Second,
		RateLimit: RateLimitConfig{
			RequestsPerWindow: 60,
			WindowDuration:    time.Minute,
			PerDomain:         true,
		},
		Proxy: ProxyConfig{
			MaxFailures:         3,
			CooldownDuration:    5 * time.Minute,
			HealthCheckInterval: time.Minute,
			HealthCheckTimeout:  10 * time.Second,
		},
		Session: SessionConfig{
			TTL:              24 * time.Hour,
			RotationInterval: 0,
		},
		AntiDetection: AntiDetectionConfig{
			DelayRangeMs: [2]int{50, 200},
		},
		Retry: RetryConfig{
			BaseDelay:          time.Second,
			MaxDelay:           time.Minute,
			Multiplier:         2.0,
			JitterFactor:       0.1,
			RateLimitBaseDelay: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() error {
	var errList []error

	if v := os.Getenv(envPrefix + "BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv(envPrefix + "MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errList = append(errList, fmt.Errorf("%sMAX_RETRIES: %w", envPrefix, err))
		} else {
			c.MaxRetries = n
		}
	}
	if v := os.Getenv(envPrefix + "CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errList = append(errList, fmt.Errorf("%sCONCURRENCY: %w", envPrefix, err))
		} else {
			c.Concurrency = n
		}
	}
	if v := os.Getenv(envPrefix + "REQUESTS_PER_WINDOW"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errList = append(errList, fmt.Errorf("%sREQUESTS_PER_WINDOW: %w", envPrefix, err))
		} else {
			c.RateLimit.RequestsPerWindow = n
		}
	}
	if v := os.Getenv(envPrefix + "WINDOW_DURATION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errList = append(errList, fmt.Errorf("%sWINDOW_DURATION: %w", envPrefix, err))
		} else {
			c.RateLimit.WindowDuration = d
		}
	}
	if v := os.Getenv(envPrefix + "PROXIES"); v != "" {
		c.Proxies = nil
		for _, raw := range strings.Split(v, ",") {
			if raw = strings.TrimSpace(raw); raw != "" {
				c.Proxies = append(c.Proxies, ProxyEndpoint{URL: raw})
			}
		}
	}
	if v := os.Getenv(envPrefix + "HEALTH_CHECK_TARGET"); v != "" {
		c.Proxy.HealthCheckTarget = v
	}
	if v := os.Getenv(envPrefix + "SESSION_STORE_PATH"); v != "" {
		c.Session.Store.Path = v
	}
	if v := os.Getenv(envPrefix + "SESSION_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errList = append(errList, fmt.Errorf("%sSESSION_TTL: %w", envPrefix, err))
		} else {
			c.Session.TTL = d
		}
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	return errors.Join(errList...)
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil // No config file found, not an error
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if len(c.RateLimit.DomainOverrides) == 0 {
		c.RateLimit.DomainOverrides = nil
	}

	return nil
}

// findConfigFile searches for config file in standard locations
func (c *Config) findConfigFile() string {
	home := os.Getenv("HOME")
	locations := []string{
		"stealthscrape.yaml",
		".stealthscrape.yaml",
		".stealthscrape.yml",
		filepath.Join(home, ".config", "stealthscrape", "config.yaml"),
		filepath.Join(home, ".stealthscrape.yaml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// Validate checks if the configuration is valid. Every problem is
// reported, joined into one error.
func (c *Config) Validate() error {
	var errList []error
	invalid := func(format string, args ...any) {
		errList = append(errList, fmt.Errorf("%w: "+format, append([]any{errs.ErrInvalidConfig}, args...)...))
	}

	if c.MaxRetries < 0 {
		invalid("max retries cannot be negative")
	}
	if c.Concurrency <= 0 {
		invalid("concurrency must be positive")
	}
	if c.PerAttemptTimeout <= 0 {
		invalid("per-attempt timeout must be positive")
	}
	if c.TaskTimeout <= 0 {
		invalid("task timeout must be positive")
	}
	if c.ProxyRetryInterval <= 0 {
		invalid("proxy retry interval must be positive")
	}

	if c.RateLimit.RequestsPerWindow <= 0 {
		invalid("rate limit requests per window must be positive")
	}
	if c.RateLimit.WindowDuration <= 0 {
		invalid("rate limit window duration must be positive")
	}
	for domain, n := range c.RateLimit.DomainOverrides {
		if n <= 0 {
			invalid("rate limit override for %s must be positive", domain)
		}
	}

	for i, p := range c.Proxies {
		if p.URL == "" && (p.Host == "" || p.Port <= 0 || p.Port > 65535) {
			invalid("proxy %d needs a url or a host and valid port", i)
		}
		switch strings.ToLower(p.Protocol) {
		case "", "http", "https", "socks5":
		default:
			invalid("proxy %d has unsupported protocol %q", i, p.Protocol)
		}
	}
	if c.Proxy.MaxFailures <= 0 {
		invalid("proxy max failures must be positive")
	}
	if c.Proxy.CooldownDuration <= 0 {
		invalid("proxy cooldown duration must be positive")
	}

	if c.Session.TTL <= 0 {
		invalid("session ttl must be positive")
	}
	if c.Session.RotationInterval < 0 {
		invalid("session rotation interval cannot be negative")
	}

	lo, hi := c.AntiDetection.DelayRangeMs[0], c.AntiDetection.DelayRangeMs[1]
	if lo < 0 || hi < lo {
		invalid("anti-detection delay range [%d, %d] is invalid", lo, hi)
	}
	for _, vp := range c.AntiDetection.Viewports {
		if vp[0] <= 0 || vp[1] <= 0 {
			invalid("viewport %dx%d is invalid", vp[0], vp[1])
		}
	}

	if c.Retry.MaxDelay <= 0 {
		invalid("retry max delay must be positive")
	}
	if c.Retry.Multiplier < 1 {
		invalid("retry multiplier must be at least 1")
	}
	if c.Retry.JitterFactor < 0 || c.Retry.JitterFactor > 1 {
		invalid("retry jitter factor must be within [0, 1]")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "disabled": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		invalid("invalid log level %q", c.Logging.Level)
	}

	return errors.Join(errList...)
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Proxy credentials may be inside
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MergeCommandLineFlags merges command line flags into the configuration
func (c *Config) MergeCommandLineFlags(flags map[string]interface{}) {
	if v, ok := flags["base-url"].(string); ok && v != "" {
		c.BaseURL = v
	}
	if v, ok := flags["concurrency"].(int); ok && v > 0 {
		c.Concurrency = v
	}
	if v, ok := flags["max-retries"].(int); ok && v >= 0 {
		c.MaxRetries = v
	}
	if v, ok := flags["rate-limit"].(int); ok && v > 0 {
		c.RateLimit.RequestsPerWindow = v
	}
	if v, ok := flags["window"].(time.Duration); ok && v > 0 {
		c.RateLimit.WindowDuration = v
	}
	if v, ok := flags["proxies"].([]string); ok && len(v) > 0 {
		c.Proxies = c.Proxies[:0]
		for _, raw := range v {
			c.Proxies = append(c.Proxies, ProxyEndpoint{URL: raw})
		}
	}
	if v, ok := flags["session-store"].(string); ok && v != "" {
		c.Session.Store.Path = v
	}
	if v, ok := flags["log-level"].(string); ok && v != "" {
		c.Logging.Level = v
	}
}

// Load loads configuration from all sources with proper precedence
// Precedence order: Command line flags > Environment variables > .env file > Config file > Defaults
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".stealthscrape.env"))

	config := DefaultConfig()

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	config.MergeCommandLineFlags(flags)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}
