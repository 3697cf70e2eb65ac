package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jason-s-yu/skirmish/internal/models"
)

// TxBeginner is satisfied by *pgxpool.Pool and *pgx.Conn.
type TxBeginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// InsertArchives writes records in one transaction. A session archived twice
// keeps the record with the highest revision.
func InsertArchives(ctx context.Context, db TxBeginner, records []models.ArchiveRecord) error {
	if len(records) == 0 {
		return nil
	}
	q := `
		INSERT INTO battle_archive (
			session_id, status, host_id, participant_ids, wave, max_waves,
			turn_count, revision, started_at, ended_at, log
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (session_id) DO UPDATE SET
			status = EXCLUDED.status,
			participant_ids = EXCLUDED.participant_ids,
			wave = EXCLUDED.wave,
			turn_count = EXCLUDED.turn_count,
			revision = EXCLUDED.revision,
			ended_at = EXCLUDED.ended_at,
			log = EXCLUDED.log
		WHERE battle_archive.revision < EXCLUDED.revision
	`
	return pgx.BeginTxFunc(ctx, db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, rec := range records {
			logJSON, err := json.Marshal(rec.Log)
			if err != nil {
				return fmt.Errorf("encode log of %s: %w", rec.SessionID, err)
			}
			participants := rec.ParticipantIDs
			if participants == nil {
				participants = []string{}
			}
			if _, err := tx.Exec(ctx, q,
				rec.SessionID, string(rec.Status), rec.HostID, participants,
				rec.Wave, rec.MaxWaves, rec.TurnCount, rec.Revision,
				rec.StartedAt, rec.EndedAt, logJSON,
			); err != nil {
				return fmt.Errorf("insert archive %s: %w", rec.SessionID, err)
			}
		}
		return nil
	})
}
