// Package config loads the library's configuration surface (§6) from
// environment variables and an optional .env file, adapting the
// teacher's caarlos0/env + godotenv loading style.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config is the recognized configuration surface from §6.
type Config struct {
	RPCURL   string `env:"ETHRPC_RPC_URL"`
	WSURL    string `env:"ETHRPC_WS_URL"`
	Provider string `env:"ETHRPC_PROVIDER"` // explicit transport override; wins over RPCURL/WSURL when set

	MaxRetries int           `env:"ETHRPC_MAX_RETRIES" envDefault:"5"`
	BaseDelay  time.Duration `env:"ETHRPC_RETRY_BASE_MS" envDefault:"200ms"`
	MaxDelay   time.Duration `env:"ETHRPC_RETRY_MAX_MS" envDefault:"10s"`
	JitterMin  float64       `env:"ETHRPC_RETRY_JITTER_MIN" envDefault:"0.0"`
	JitterMax  float64       `env:"ETHRPC_RETRY_JITTER_MAX" envDefault:"0.25"`

	// MaxRequestsPerSecond caps the sustained rate of attempts the retry
	// engine makes against the upstream, across the initial try and all
	// retries. 0 disables the ceiling.
	MaxRequestsPerSecond float64 `env:"ETHRPC_MAX_REQUESTS_PER_SECOND" envDefault:"0"`

	MaxPendingRequests    int           `env:"ETHRPC_MAX_PENDING_REQUESTS" envDefault:"65536"`
	RingBufferSize        int           `env:"ETHRPC_RING_BUFFER_SIZE" envDefault:"4096"`
	WaitStrategy          string        `env:"ETHRPC_WAIT_STRATEGY" envDefault:"blocking"`
	DefaultRequestTimeout time.Duration `env:"ETHRPC_DEFAULT_REQUEST_TIMEOUT" envDefault:"30s"`

	ChainID  int64  `env:"ETHRPC_CHAIN_ID" envDefault:"0"` // 0 means unchecked
	TestMode string `env:"ETHRPC_TEST_MODE" envDefault:""` // "", "anvil", "hardhat", "ganache"

	LogLevel  string `env:"ETHRPC_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"ETHRPC_LOG_FORMAT" envDefault:"json"`

	Environment string `env:"ETHRPC_ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file (optional) and environment
// variables, then validates it. Priority: env vars > .env file >
// defaults, matching the teacher's LoadConfig.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found; using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors, including the §6
// "exactly one transport chosen; provider > ws > http priority" rule.
func (c *Config) Validate() error {
	if c.RPCURL == "" && c.WSURL == "" && c.Provider == "" {
		return fmt.Errorf("one of ETHRPC_RPC_URL, ETHRPC_WS_URL, or ETHRPC_PROVIDER is required")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("ETHRPC_MAX_RETRIES must be >= 0, got %d", c.MaxRetries)
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("ETHRPC_RETRY_MAX_MS (%s) must be >= ETHRPC_RETRY_BASE_MS (%s)", c.MaxDelay, c.BaseDelay)
	}
	if c.JitterMax <= c.JitterMin {
		return fmt.Errorf("ETHRPC_RETRY_JITTER_MAX must be > ETHRPC_RETRY_JITTER_MIN")
	}
	if c.MaxRequestsPerSecond < 0 {
		return fmt.Errorf("ETHRPC_MAX_REQUESTS_PER_SECOND must be >= 0, got %f", c.MaxRequestsPerSecond)
	}
	if !isPowerOfTwo(c.MaxPendingRequests) {
		return fmt.Errorf("ETHRPC_MAX_PENDING_REQUESTS must be a power of two, got %d", c.MaxPendingRequests)
	}
	if !isPowerOfTwo(c.RingBufferSize) {
		return fmt.Errorf("ETHRPC_RING_BUFFER_SIZE must be a power of two, got %d", c.RingBufferSize)
	}
	validWaitStrategies := map[string]bool{"blocking": true, "yielding": true}
	if !validWaitStrategies[c.WaitStrategy] {
		return fmt.Errorf("ETHRPC_WAIT_STRATEGY must be one of: blocking, yielding (got: %s)", c.WaitStrategy)
	}
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("ETHRPC_LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("ETHRPC_LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	validTestModes := map[string]bool{"": true, "anvil": true, "hardhat": true, "ganache": true}
	if !validTestModes[c.TestMode] {
		return fmt.Errorf("ETHRPC_TEST_MODE must be one of: \"\", anvil, hardhat, ganache (got: %s)", c.TestMode)
	}
	return nil
}

// TransportChoice reports which transport wins per §6's "provider > ws
// > http" priority.
func (c *Config) TransportChoice() string {
	switch {
	case c.Provider != "":
		return c.Provider
	case c.WSURL != "":
		return "ws"
	default:
		return "http"
	}
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// LogConfig logs the loaded configuration using structured logging, as
// the teacher's LogConfig does.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("transport", c.TransportChoice()).
		Int("max_retries", c.MaxRetries).
		Dur("retry_base_delay", c.BaseDelay).
		Dur("retry_max_delay", c.MaxDelay).
		Int("max_pending_requests", c.MaxPendingRequests).
		Int("ring_buffer_size", c.RingBufferSize).
		Str("wait_strategy", c.WaitStrategy).
		Dur("default_request_timeout", c.DefaultRequestTimeout).
		Float64("max_requests_per_second", c.MaxRequestsPerSecond).
		Int64("chain_id", c.ChainID).
		Str("test_mode", c.TestMode).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("ethrpc configuration loaded")
}
