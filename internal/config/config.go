// Package config provides configuration management for the Tavily MCP bridge.
// Settings come from TAVILY_* environment variables, optionally seeded from a
// dotenv file and a YAML file. Environment variables always win over the file.
//
// Configuration is read exactly once at startup. A missing API key or API URL
// is fatal: the bridge must exit before it accepts any input.
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
)

// Environment variable names.
const (
	EnvAPIKey          = "TAVILY_API_KEY"
	EnvAPIURL          = "TAVILY_API_URL"
	EnvDebugLog        = "TAVILY_MCP_DEBUG_LOG"
	EnvHTTPTimeout     = "TAVILY_MCP_HTTP_TIMEOUT"
	EnvBreakerFailures = "TAVILY_MCP_BREAKER_FAILURES"
	EnvBreakerTimeout  = "TAVILY_MCP_BREAKER_TIMEOUT"
	EnvConfigFile      = "TAVILY_MCP_CONFIG"
	EnvEnvFile         = "TAVILY_MCP_ENV_FILE"
)

// DefaultDebugLogName is the file name used under the OS temp directory when
// no debug log path is configured.
const DefaultDebugLogName = "tavily-mcp-debug.log"

var (
	// ErrMissingAPIKey is returned by Validate when no API key is configured.
	ErrMissingAPIKey = errors.New("TAVILY_API_KEY environment variable is required")
	// ErrMissingAPIURL is returned by Validate when no API base URL is configured.
	ErrMissingAPIURL = errors.New("TAVILY_API_URL environment variable is required")
)

// Config holds all configuration settings for the bridge.
type Config struct {
	Upstream UpstreamConfig
	Debug    DebugConfig
}

// UpstreamConfig describes the remote search API.
type UpstreamConfig struct {
	APIKey string // Bearer token sent on every call
	APIURL string // Base URL without trailing slash, e.g. https://api.tavily.com

	// Timeout bounds a single upstream call. Zero leaves the transport default
	// in place (no timeout).
	Timeout time.Duration

	// BreakerFailures is the number of consecutive upstream failures that opens
	// the circuit breaker. Zero disables the breaker.
	BreakerFailures uint32
	// BreakerTimeout is how long the breaker stays open (default: 30s).
	BreakerTimeout time.Duration
}

// DebugConfig configures the diagnostic sink.
type DebugConfig struct {
	LogPath string // default: <os temp dir>/tavily-mcp-debug.log
}

// fileConfig is the on-disk YAML layout.
//
//	api_key: tvly-...
//	api_url: https://api.tavily.com
//	debug_log: /tmp/tavily.log
//	http_timeout: 30s
//	breaker:
//	  failures: 5
//	  timeout: 1m
type fileConfig struct {
	APIKey      string `yaml:"api_key"`
	APIURL      string `yaml:"api_url"`
	DebugLog    string `yaml:"debug_log"`
	HTTPTimeout string `yaml:"http_timeout"`
	Breaker     struct {
		Failures uint32 `yaml:"failures"`
		Timeout  string `yaml:"timeout"`
	} `yaml:"breaker"`
}

// LoadConfig loads configuration from the environment, consulting the YAML
// file named by TAVILY_MCP_CONFIG when set. It does not validate; call
// Validate before serving.
func LoadConfig() (*Config, error) {
	return Load(strings.TrimSpace(os.Getenv(EnvConfigFile)))
}

// Load builds a Config from defaults, then the YAML file at path (if path is
// non-empty), then environment variables.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Upstream: UpstreamConfig{
			BreakerTimeout: 30 * time.Second,
		},
		Debug: DebugConfig{
			LogPath: filepath.Join(os.TempDir(), DefaultDebugLogName),
		},
	}

	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Upstream.APIKey = getEnv(EnvAPIKey, cfg.Upstream.APIKey)
	cfg.Upstream.APIURL = getEnv(EnvAPIURL, cfg.Upstream.APIURL)
	cfg.Debug.LogPath = getEnv(EnvDebugLog, cfg.Debug.LogPath)
	cfg.Upstream.Timeout = getEnvDuration(EnvHTTPTimeout, cfg.Upstream.Timeout)
	cfg.Upstream.BreakerFailures = uint32(getEnvInt(EnvBreakerFailures, int(cfg.Upstream.BreakerFailures)))
	cfg.Upstream.BreakerTimeout = getEnvDuration(EnvBreakerTimeout, cfg.Upstream.BreakerTimeout)

	cfg.Upstream.APIKey = strings.TrimSpace(cfg.Upstream.APIKey)
	cfg.Upstream.APIURL = strings.TrimRight(strings.TrimSpace(cfg.Upstream.APIURL), "/")
	return cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment. Variables that are already set are left untouched.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load env file %q: %w", path, err)
	}
	return nil
}

// Validate reports the first missing mandatory setting.
func (c *Config) Validate() error {
	if c.Upstream.APIKey == "" {
		return ErrMissingAPIKey
	}
	if c.Upstream.APIURL == "" {
		return ErrMissingAPIURL
	}
	return nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: failed to read %q: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("config: failed to parse %q: %w", path, err)
	}

	if fc.APIKey != "" {
		c.Upstream.APIKey = fc.APIKey
	}
	if fc.APIURL != "" {
		c.Upstream.APIURL = fc.APIURL
	}
	if fc.DebugLog != "" {
		c.Debug.LogPath = fc.DebugLog
	}
	if fc.HTTPTimeout != "" {
		d, err := time.ParseDuration(fc.HTTPTimeout)
		if err != nil {
			return fmt.Errorf("config: http_timeout: %w", err)
		}
		c.Upstream.Timeout = d
	}
	if fc.Breaker.Failures > 0 {
		c.Upstream.BreakerFailures = fc.Breaker.Failures
	}
	if fc.Breaker.Timeout != "" {
		d, err := time.ParseDuration(fc.Breaker.Timeout)
		if err != nil {
			return fmt.Errorf("config: breaker.timeout: %w", err)
		}
		c.Upstream.BreakerTimeout = d
	}
	return nil
}

// getEnv retrieves a string environment variable or returns a default value.
// Whitespace-only values count as unset.
func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves a non-negative integer environment variable or returns
// a default value when it is unset or unparsable.
func getEnvInt(key string, defaultValue int) int {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil && intValue >= 0 {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a time.ParseDuration value or returns a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d >= 0 {
			return d
		}
	}
	return defaultValue
}
