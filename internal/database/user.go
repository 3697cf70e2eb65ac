package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/skirmish/internal/apperr"
	"github.com/jason-s-yu/skirmish/internal/models"
)

// Profiles reads player profiles from the users table.
type Profiles struct {
	pool *pgxpool.Pool
}

func NewProfiles(pool *pgxpool.Pool) *Profiles {
	return &Profiles{pool: pool}
}

// Profile returns the user with id userID. Stats that were never set come
// back nil.
func (p *Profiles) Profile(ctx context.Context, userID string) (*models.User, error) {
	var u models.User
	var displayName *string
	q := `
	SELECT id, username, display_name, xp,
	       power_points, max_power_points,
	       shield_strength, max_shield_strength,
	       vault_health, max_vault_health
	FROM users
	WHERE id=$1
	`
	err := p.pool.QueryRow(ctx, q, userID).Scan(
		&u.ID, &u.Username, &displayName, &u.XP,
		&u.PowerPoints, &u.MaxPowerPoints,
		&u.ShieldStrength, &u.MaxShieldStrength,
		&u.VaultHealth, &u.MaxVaultHealth,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Wrap(apperr.CodeNotFound, "profile not found: "+userID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("query profile %s: %w", userID, err)
	}
	if displayName != nil {
		u.DisplayName = *displayName
	}
	return &u, nil
}

// UpsertProfile writes u, replacing any existing row.
func (p *Profiles) UpsertProfile(ctx context.Context, u *models.User) error {
	q := `
	INSERT INTO users (id, username, display_name, xp,
	                   power_points, max_power_points,
	                   shield_strength, max_shield_strength,
	                   vault_health, max_vault_health)
	VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO UPDATE SET
		username = EXCLUDED.username,
		display_name = EXCLUDED.display_name,
		xp = EXCLUDED.xp,
		power_points = EXCLUDED.power_points,
		max_power_points = EXCLUDED.max_power_points,
		shield_strength = EXCLUDED.shield_strength,
		max_shield_strength = EXCLUDED.max_shield_strength,
		vault_health = EXCLUDED.vault_health,
		max_vault_health = EXCLUDED.max_vault_health
	`
	err := pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, execErr := tx.Exec(ctx, q,
			u.ID, u.Username, u.DisplayName, u.XP,
			u.PowerPoints, u.MaxPowerPoints,
			u.ShieldStrength, u.MaxShieldStrength,
			u.VaultHealth, u.MaxVaultHealth,
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}
