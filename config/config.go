// Package config provides YAML configuration parsing for tubelytics.
//
// This package enables running tubelytics as a standalone binary with a
// configuration file, as an alternative to the programmatic SDK approach.
//
// Example configuration:
//
//	port: 8080
//	poll_interval: 30s
//
//	upstream:
//	  api_key: ${YOUTUBE_API_KEY}
//	  max_results: 10
//	  rate_limit: 5
//	  burst: 5
//
//	cache:
//	  ttl: 25s
//	  negative_ttl: 5s
//
//	restart:
//	  max: 10
//	  window: 1m
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort         = 8080
	defaultPollInterval = 30 * time.Second

	// minPollInterval keeps a config from burning the upstream quota with
	// overly aggressive polling.
	minPollInterval = 1 * time.Second

	// maxResultsLimit is the largest page the YouTube Data API serves.
	maxResultsLimit = 50
)

// Config is the root configuration structure for tubelytics.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML. Zero values in
// optional sections leave the SDK defaults in place.
type Config struct {
	// Port is the HTTP server port. Defaults to 8080.
	Port int `yaml:"port"`

	// PollInterval is the time between polls of one subscription.
	// Accepts duration strings like "30s", "1m". Defaults to 30s.
	PollInterval Duration `yaml:"poll_interval"`

	// DeliveryBuffer is how many batches a subscription holds for a slow
	// consumer before dropping the oldest.
	DeliveryBuffer int `yaml:"delivery_buffer"`

	Upstream UpstreamConfig `yaml:"upstream"`
	Cache    CacheConfig    `yaml:"cache"`
	Restart  RestartConfig  `yaml:"restart"`
	Query    QueryConfig    `yaml:"query"`
}

// UpstreamConfig configures the YouTube Data API client.
type UpstreamConfig struct {
	// APIKey authenticates every call. Required.
	// Supports environment variable substitution: ${VAR} or ${VAR:-default}
	APIKey string `yaml:"api_key"`

	// Endpoint overrides the API base URL, e.g. for a recording proxy.
	// Supports environment variable substitution.
	Endpoint string `yaml:"endpoint"`

	// MaxResults is the number of items per search, 1 to 50.
	MaxResults int64 `yaml:"max_results"`

	// RateLimit is the outbound call budget in requests per second.
	RateLimit float64 `yaml:"rate_limit"`

	// Burst is how many calls may exceed RateLimit momentarily.
	Burst int `yaml:"burst"`
}

// CacheConfig configures the shared fetch cache.
type CacheConfig struct {
	TTL         Duration `yaml:"ttl"`
	NegativeTTL Duration `yaml:"negative_ttl"`
	CallTimeout Duration `yaml:"call_timeout"`
	MaxEntries  int      `yaml:"max_entries"`
}

// RestartConfig configures the restart budget of subscription workers.
type RestartConfig struct {
	// Max is the number of restarts allowed within Window.
	Max    int      `yaml:"max"`
	Window Duration `yaml:"window"`

	BackoffMin Duration `yaml:"backoff_min"`
	BackoffMax Duration `yaml:"backoff_max"`
}

// QueryConfig configures the one-shot query pool.
type QueryConfig struct {
	Timeout Duration `yaml:"timeout"`
	Workers int      `yaml:"workers"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
//
// Environment variables in the file are expanded before parsing.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
//
// Environment variables are expanded in the upstream api_key and endpoint.
// Defaults are applied for Port (8080) and PollInterval (30s).
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = Duration(defaultPollInterval)
	}

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.PollInterval.Duration() < minPollInterval {
		return fmt.Errorf("poll_interval must be at least %s, got %s", minPollInterval, c.PollInterval.Duration())
	}
	if c.DeliveryBuffer < 0 {
		return fmt.Errorf("delivery_buffer cannot be negative, got %d", c.DeliveryBuffer)
	}

	if err := c.Upstream.expandAndValidate(); err != nil {
		return fmt.Errorf("upstream: %w", err)
	}
	if err := c.Cache.validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := c.Restart.validate(); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	if err := c.Query.validate(); err != nil {
		return fmt.Errorf("query: %w", err)
	}
	return nil
}

func (u *UpstreamConfig) expandAndValidate() error {
	key, err := expandEnvVars(u.APIKey)
	if err != nil {
		return fmt.Errorf("api_key: %w", err)
	}
	if key == "" {
		return errors.New("api_key is required")
	}
	u.APIKey = key

	if u.Endpoint != "" {
		endpoint, err := expandEnvVars(u.Endpoint)
		if err != nil {
			return fmt.Errorf("endpoint: %w", err)
		}
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return fmt.Errorf("invalid endpoint: %w", err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("endpoint scheme must be http or https, got %q", parsed.Scheme)
		}
		u.Endpoint = endpoint
	}

	if u.MaxResults < 0 || u.MaxResults > maxResultsLimit {
		return fmt.Errorf("max_results must be between 1 and %d, got %d", maxResultsLimit, u.MaxResults)
	}
	if u.RateLimit < 0 {
		return fmt.Errorf("rate_limit cannot be negative, got %v", u.RateLimit)
	}
	if u.Burst < 0 {
		return fmt.Errorf("burst cannot be negative, got %d", u.Burst)
	}
	return nil
}

func (c CacheConfig) validate() error {
	if err := nonNegative("ttl", c.TTL); err != nil {
		return err
	}
	if err := nonNegative("negative_ttl", c.NegativeTTL); err != nil {
		return err
	}
	if err := nonNegative("call_timeout", c.CallTimeout); err != nil {
		return err
	}
	if c.MaxEntries < 0 {
		return fmt.Errorf("max_entries cannot be negative, got %d", c.MaxEntries)
	}
	return nil
}

func (r RestartConfig) validate() error {
	if r.Max < 0 {
		return fmt.Errorf("max cannot be negative, got %d", r.Max)
	}
	if err := nonNegative("window", r.Window); err != nil {
		return err
	}
	if err := nonNegative("backoff_min", r.BackoffMin); err != nil {
		return err
	}
	if err := nonNegative("backoff_max", r.BackoffMax); err != nil {
		return err
	}
	if r.BackoffMin != 0 && r.BackoffMax != 0 && r.BackoffMax < r.BackoffMin {
		return fmt.Errorf("backoff_max %s is below backoff_min %s", r.BackoffMax.Duration(), r.BackoffMin.Duration())
	}
	return nil
}

func (q QueryConfig) validate() error {
	if err := nonNegative("timeout", q.Timeout); err != nil {
		return err
	}
	if q.Workers < 0 {
		return fmt.Errorf("workers cannot be negative, got %d", q.Workers)
	}
	return nil
}

func nonNegative(name string, d Duration) error {
	if d < 0 {
		return fmt.Errorf("%s cannot be negative, got %s", name, d.Duration())
	}
	return nil
}
