package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("JOB_TOKEN", "job")
	t.Setenv("CREDENTIAL_KEY", "a2V5")
	t.Setenv("DB_DRIVER", "sqlite3")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)
	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 50, c.Rotation.BatchLimit)
	assert.Equal(t, 4*time.Hour, c.Rotation.Cooldown)
	assert.Equal(t, 72*time.Hour, c.Rotation.Window)
	assert.Equal(t, 5, c.Breaker.Threshold)
	assert.Equal(t, 15*time.Minute, c.Breaker.Cooldown)
	assert.Equal(t, 1.0, c.Breaker.Escalation)
	assert.Equal(t, "sql", c.Breaker.Store)
	assert.Equal(t, 10*time.Second, c.Providers.ValidateTimeout)
	assert.Equal(t, []string{"square", "lightspeed"}, c.Providers.Enabled)
	assert.Equal(t, "poscred.db", c.DBName)
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("BREAKER_ESCALATION", "2")
	t.Setenv("BREAKER_LOCATION_SCOPED", "true")
	t.Setenv("BREAKER_TRIAL_TIMEOUT", "2m")
	t.Setenv("SYNC_BASE_DELAY", "500ms")
	t.Setenv("PROVIDERS", " Square, simulator ,")
	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2.0, c.Breaker.Escalation)
	assert.True(t, c.Breaker.LocationScoped)
	assert.Equal(t, 2*time.Minute, c.Breaker.TrialTimeout)
	assert.Equal(t, 500*time.Millisecond, c.Sync.BaseDelay)
	assert.Equal(t, []string{"square", "simulator"}, c.Providers.Enabled)
}

func TestLoad_ReportsAllMissing(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("JOB_TOKEN", "")
	t.Setenv("CREDENTIAL_KEY", "k")
	t.Setenv("DB_DRIVER", "mysql")
	t.Setenv("DB_USER", "")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "3306")
	t.Setenv("DB_NAME", "poscred")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
	assert.Contains(t, err.Error(), "JOB_TOKEN")
	assert.Contains(t, err.Error(), "DB_USER")
}

func TestLoad_RejectsUnknownBreakerStore(t *testing.T) {
	setRequired(t)
	t.Setenv("BREAKER_STORE", "etcd")
	_, err := Load()
	assert.ErrorContains(t, err, "BREAKER_STORE")
}

func TestLoadRateLimitConfig_Clamps(t *testing.T) {
	t.Setenv("RATE_LIMIT_CAPACITY", "0")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "1m")
	t.Setenv("RATE_LIMIT_TTL", "1m")
	c := LoadRateLimitConfig()
	assert.Equal(t, 1, c.Capacity)
	assert.Equal(t, 5*time.Minute, c.TTL)
}
