package core

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig_FallsBackWithoutEnv(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 30*time.Second, cfg.LeaseTTL)
	assert.Equal(t, 5, cfg.CircuitBreakerThreshold)
	assert.Equal(t, 10.0, cfg.DefaultCostLimitUSD)
}

func TestDefaultConfig_ReadsEnvironmentOverrides(t *testing.T) {
	t.Setenv("METABUILDER_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("METABUILDER_LEASE_TTL", "45s")
	t.Setenv("METABUILDER_CB_THRESHOLD", "9")
	t.Setenv("METABUILDER_DEFAULT_COST_LIMIT_USD", "42.5")

	cfg := DefaultConfig()
	assert.Equal(t, "redis.internal:6380", cfg.RedisAddr)
	assert.Equal(t, 45*time.Second, cfg.LeaseTTL)
	assert.Equal(t, 9, cfg.CircuitBreakerThreshold)
	assert.Equal(t, 42.5, cfg.DefaultCostLimitUSD)
}

func TestDefaultConfig_UnparsableOverrideFallsBack(t *testing.T) {
	t.Setenv("METABUILDER_CB_THRESHOLD", "not-a-number")
	cfg := DefaultConfig()
	assert.Equal(t, 5, cfg.CircuitBreakerThreshold)
}

func TestGetEnvString_EmptyValueFallsBack(t *testing.T) {
	os.Unsetenv("METABUILDER_UNSET_TEST_KEY")
	assert.Equal(t, "fallback", getEnvString("METABUILDER_UNSET_TEST_KEY", "fallback"))
}
