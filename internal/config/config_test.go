package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DEV_PORT_RANGE", "")
	t.Setenv("GRACE_PERIOD", "")

	cfg := LoadConfig()

	assert.Equal(t, PortRange{Min: 4000, Max: 4999}, cfg.DevPortRange)
	assert.Equal(t, PortRange{Min: 5000, Max: 5999}, cfg.ToolPortRange)
	assert.Equal(t, 30*time.Second, cfg.GracePeriod)
	assert.Equal(t, 2*time.Minute, cfg.ActiveToIdle)
	assert.Equal(t, 15, cfg.InitHealthAttempts)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("DEV_PORT_RANGE", "7000-7099")
	t.Setenv("GRACE_PERIOD", "45s")
	t.Setenv("PULL_IMAGES", "true")
	t.Setenv("INIT_HEALTH_ATTEMPTS", "3")

	cfg := LoadConfig()

	assert.Equal(t, PortRange{Min: 7000, Max: 7099}, cfg.DevPortRange)
	assert.Equal(t, 45*time.Second, cfg.GracePeriod)
	assert.True(t, cfg.PullImages)
	assert.Equal(t, 3, cfg.InitHealthAttempts)
}

func TestGetEnvRangeRejectsMalformed(t *testing.T) {
	fallback := PortRange{Min: 1, Max: 2}
	for _, raw := range []string{"abc", "10-5", "0-10", "5-70000", "12"} {
		t.Setenv("TEST_RANGE", raw)
		assert.Equal(t, fallback, getEnvRange("TEST_RANGE", fallback), raw)
	}
}
