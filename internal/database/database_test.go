package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/skirmish/internal/apperr"
	"github.com/jason-s-yu/skirmish/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPool connects to TEST_DATABASE_URL; the tests are skipped without one.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, Migrate(ctx, pool))
	return pool
}

func TestProfileRoundTrip(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	profiles := NewProfiles(pool)

	id := uuid.NewString()
	require.NoError(t, profiles.UpsertProfile(ctx, &models.User{
		ID: id, Username: "vera", XP: 900, VaultHealth: models.IntPtr(40),
	}))

	u, err := profiles.Profile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "vera", u.Name())
	assert.Equal(t, 4, u.Level())
	require.NotNil(t, u.VaultHealth)
	assert.Equal(t, 40, *u.VaultHealth)
	assert.Nil(t, u.PowerPoints)

	_, err = profiles.Profile(ctx, uuid.NewString())
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestInsertArchivesKeepsNewestRevision(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	id := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Second)
	rec := models.ArchiveRecord{
		SessionID: id, Status: models.StatusComplete, HostID: "host",
		ParticipantIDs: []string{"a", "b"}, Wave: 3, MaxWaves: 3, TurnCount: 9,
		Revision: 12, StartedAt: now.Add(-time.Hour), EndedAt: now,
	}
	older := rec
	older.Revision = 5
	older.Status = models.StatusActive

	require.NoError(t, InsertArchives(ctx, pool, []models.ArchiveRecord{rec}))
	require.NoError(t, InsertArchives(ctx, pool, []models.ArchiveRecord{older}))

	var status string
	var revision int64
	err := pool.QueryRow(ctx, `SELECT status, revision FROM battle_archive WHERE session_id=$1`, id).Scan(&status, &revision)
	require.NoError(t, err)
	assert.Equal(t, "complete", status)
	assert.EqualValues(t, 12, revision)
}

func TestInsertArchivesEmptyBatch(t *testing.T) {
	assert.NoError(t, InsertArchives(context.Background(), nil, nil))
}
