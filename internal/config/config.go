// internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jason-s-yu/skirmish/internal/retry"
	"github.com/sirupsen/logrus"
)

// Config is the process configuration, read from the environment.
type Config struct {
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	RedisAddr      string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB        int    `env:"REDIS_DB" envDefault:"0"`
	StoreKeyPrefix string `env:"STORE_KEY_PREFIX" envDefault:"skirmish:"`

	DatabaseURL string `env:"DATABASE_URL"`

	BattleCapacity     int           `env:"BATTLE_CAPACITY" envDefault:"4"`
	WaveThrottle       time.Duration `env:"WAVE_THROTTLE" envDefault:"1s"`
	TurnLockStaleAfter time.Duration `env:"TURN_LOCK_STALE_AFTER" envDefault:"10s"`
	SettleDelay        time.Duration `env:"SETTLE_DELAY" envDefault:"500ms"`
	RetryMaxTries      uint          `env:"RETRY_MAX_TRIES" envDefault:"2"`

	ArchiveQueueName   string `env:"ARCHIVE_QUEUE_NAME" envDefault:"skirmish_archive"`
	HistorianBatchSize int    `env:"HISTORIAN_BATCH_SIZE" envDefault:"50"`
	HistorianFlushMS   int    `env:"HISTORIAN_FLUSH_MS" envDefault:"1000"`

	// TokenExpireTime is "never", "0" or a Go duration.
	TokenExpireTime string `env:"TOKEN_EXPIRE_TIME" envDefault:"never"`
	// Raw ed25519 key files. A fresh pair is generated when either is unset.
	PrivateKeyPath string `env:"AUTH_PRIVATE_KEY_PATH"`
	PublicKeyPath  string `env:"AUTH_PUBLIC_KEY_PATH"`
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.BattleCapacity <= 0 {
		return nil, fmt.Errorf("BATTLE_CAPACITY must be positive, got %d", cfg.BattleCapacity)
	}
	if cfg.RetryMaxTries == 0 {
		return nil, fmt.Errorf("RETRY_MAX_TRIES must be at least 1")
	}
	return &cfg, nil
}

// RetryPolicy is the settle-and-verify policy built from the config.
func (c *Config) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.SettleDelay = c.SettleDelay
	p.MaxTries = c.RetryMaxTries
	return p
}

// TokenTTL returns how long issued tokens live; zero means they never expire.
func (c *Config) TokenTTL() (time.Duration, error) {
	switch c.TokenExpireTime {
	case "", "0", "never":
		return 0, nil
	}
	d, err := time.ParseDuration(c.TokenExpireTime)
	if err != nil {
		return 0, fmt.Errorf("parse TOKEN_EXPIRE_TIME: %w", err)
	}
	return d, nil
}

// HistorianFlushInterval is the longest a partial archive batch waits.
func (c *Config) HistorianFlushInterval() time.Duration {
	return time.Duration(c.HistorianFlushMS) * time.Millisecond
}

// Logger returns a logrus logger at the configured level.
func (c *Config) Logger() (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parse LOG_LEVEL: %w", err)
	}
	l := logrus.New()
	l.SetLevel(lvl)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l, nil
}
