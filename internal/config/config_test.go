package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.BattleCapacity)
	assert.Equal(t, time.Second, cfg.WaveThrottle)
	assert.Equal(t, 10*time.Second, cfg.TurnLockStaleAfter)
	assert.Equal(t, "skirmish:", cfg.StoreKeyPrefix)

	p := cfg.RetryPolicy()
	assert.Equal(t, 500*time.Millisecond, p.SettleDelay)
	assert.EqualValues(t, 2, p.MaxTries)

	ttl, err := cfg.TokenTTL()
	require.NoError(t, err)
	assert.Zero(t, ttl)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BATTLE_CAPACITY", "6")
	t.Setenv("WAVE_THROTTLE", "250ms")
	t.Setenv("TOKEN_EXPIRE_TIME", "72h")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("HISTORIAN_FLUSH_MS", "200")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.BattleCapacity)
	assert.Equal(t, 250*time.Millisecond, cfg.WaveThrottle)
	assert.Equal(t, 200*time.Millisecond, cfg.HistorianFlushInterval())

	ttl, err := cfg.TokenTTL()
	require.NoError(t, err)
	assert.Equal(t, 72*time.Hour, ttl)

	l, err := cfg.Logger()
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
}

func TestLoadErrors(t *testing.T) {
	t.Setenv("REDIS_DB", "not-an-int")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env:")
}

func TestLoadRejectsZeroCapacity(t *testing.T) {
	t.Setenv("BATTLE_CAPACITY", "0")
	_, err := Load()
	assert.Error(t, err)
}

func TestBadTokenExpireTime(t *testing.T) {
	cfg := &Config{TokenExpireTime: "soon"}
	_, err := cfg.TokenTTL()
	assert.Error(t, err)
}
