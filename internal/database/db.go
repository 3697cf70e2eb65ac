// Package database holds the Postgres side of the service: player profiles
// read when an invitee joins a battle, and the archive of finished battles.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// Connect opens a pool on url and pings it.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse pgx config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"host":     config.ConnConfig.Host,
		"database": config.ConnConfig.Database,
	}).Info("connected to database")
	return pool, nil
}

// Schema creates the tables this package reads and writes.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id                  TEXT PRIMARY KEY,
	username            TEXT NOT NULL,
	display_name        TEXT,
	xp                  BIGINT NOT NULL DEFAULT 0,
	power_points        INT,
	max_power_points    INT,
	shield_strength     INT,
	max_shield_strength INT,
	vault_health        INT,
	max_vault_health    INT
);

CREATE TABLE IF NOT EXISTS battle_archive (
	session_id      TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	host_id         TEXT NOT NULL,
	participant_ids TEXT[] NOT NULL,
	wave            INT NOT NULL,
	max_waves       INT NOT NULL,
	turn_count      INT NOT NULL,
	revision        BIGINT NOT NULL,
	started_at      TIMESTAMPTZ NOT NULL,
	ended_at        TIMESTAMPTZ NOT NULL,
	log             JSONB NOT NULL DEFAULT '[]'
);
`

// Migrate applies Schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
