package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ETHRPC_RPC_URL", "ETHRPC_WS_URL", "ETHRPC_PROVIDER", "ETHRPC_MAX_RETRIES",
		"ETHRPC_RETRY_BASE_MS", "ETHRPC_RETRY_MAX_MS", "ETHRPC_RETRY_JITTER_MIN",
		"ETHRPC_RETRY_JITTER_MAX", "ETHRPC_MAX_PENDING_REQUESTS", "ETHRPC_RING_BUFFER_SIZE",
		"ETHRPC_WAIT_STRATEGY", "ETHRPC_DEFAULT_REQUEST_TIMEOUT", "ETHRPC_CHAIN_ID",
		"ETHRPC_TEST_MODE", "ETHRPC_LOG_LEVEL", "ETHRPC_LOG_FORMAT", "ETHRPC_ENVIRONMENT",
		"ETHRPC_MAX_REQUESTS_PER_SECOND",
	} {
		os.Unsetenv(key)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("ETHRPC_RPC_URL", "http://localhost:8545")
	defer os.Unsetenv("ETHRPC_RPC_URL")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 65536, cfg.MaxPendingRequests)
	assert.Equal(t, "blocking", cfg.WaitStrategy)
	assert.Equal(t, "http", cfg.TransportChoice())
}

func TestTransportPriorityProviderOverWSOverHTTP(t *testing.T) {
	clearEnv(t)
	cfg := &Config{RPCURL: "http://x", WSURL: "ws://x", Provider: "alchemy"}
	assert.Equal(t, "alchemy", cfg.TransportChoice())

	cfg = &Config{RPCURL: "http://x", WSURL: "ws://x"}
	assert.Equal(t, "ws", cfg.TransportChoice())

	cfg = &Config{RPCURL: "http://x"}
	assert.Equal(t, "http", cfg.TransportChoice())
}

func TestValidateRejectsNonPowerOfTwoSizes(t *testing.T) {
	cfg := &Config{
		RPCURL: "http://x", MaxDelay: 10, BaseDelay: 1, JitterMax: 0.5,
		MaxPendingRequests: 1000, RingBufferSize: 4096,
		WaitStrategy: "blocking", LogLevel: "info", LogFormat: "json",
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_PENDING_REQUESTS")
}

func TestValidateRequiresAtLeastOneTransport(t *testing.T) {
	cfg := &Config{
		MaxDelay: 10, BaseDelay: 1, JitterMax: 0.5,
		MaxPendingRequests: 1024, RingBufferSize: 1024,
		WaitStrategy: "blocking", LogLevel: "info", LogFormat: "json",
	}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRejectsNegativeRateCeiling(t *testing.T) {
	cfg := &Config{
		RPCURL: "http://x", MaxDelay: 10, BaseDelay: 1, JitterMax: 0.5,
		MaxPendingRequests: 1024, RingBufferSize: 1024,
		WaitStrategy: "blocking", LogLevel: "info", LogFormat: "json",
		MaxRequestsPerSecond: -1,
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_REQUESTS_PER_SECOND")
}

func TestValidateRejectsUnknownTestMode(t *testing.T) {
	cfg := &Config{
		RPCURL: "http://x", MaxDelay: 10, BaseDelay: 1, JitterMax: 0.5,
		MaxPendingRequests: 1024, RingBufferSize: 1024,
		WaitStrategy: "blocking", LogLevel: "info", LogFormat: "json",
		TestMode: "geth",
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TEST_MODE")
}
