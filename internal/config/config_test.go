package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, c.MaxDepth)
	assert.Equal(t, 9, c.MaxSubQuestions)
	assert.Equal(t, int64(42), c.DeterministicSeed)
	assert.Equal(t, 0.0, c.Temperature)
}

func TestEnvOverridesDefaults(t *testing.T) {
	t.Setenv("MAX_DEPTH", "3")
	t.Setenv("SEED", "7")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, c.MaxDepth)
	assert.Equal(t, int64(7), c.DeterministicSeed)
}

func TestFunctionalOptionsOverrideEnv(t *testing.T) {
	t.Setenv("SEED", "7")

	c, err := Load(WithSeed(99))
	require.NoError(t, err)
	assert.Equal(t, int64(99), c.DeterministicSeed)
}

func TestTemperatureClampedByOption(t *testing.T) {
	c, err := Load(WithTemperature(0.9))
	require.NoError(t, err)
	assert.Equal(t, 0.2, c.Temperature)
}

func TestValidateRejectsInvalidDepth(t *testing.T) {
	c := defaults()
	c.MaxDepth = 0
	assert.Error(t, c.Validate())
}

func TestRedisURLEnvFallback(t *testing.T) {
	os.Unsetenv("ORCH_REDIS_URL")
	t.Setenv("REDIS_URL", "redis://example:6379")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis://example:6379", c.Redis.URL)
}
