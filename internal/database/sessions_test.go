package database

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsascontentcorner/towerbot/internal/models"
)

func linkedSession(telegramID int64, externalID string, expiresAt time.Time) *models.Session {
	return &models.Session{
		TelegramID:     telegramID,
		ExternalUserID: sql.NullString{String: externalID, Valid: true},
		AccessToken:    sql.NullString{String: "token_" + externalID, Valid: true},
		ExpiresAt:      sql.NullTime{Time: expiresAt.UTC(), Valid: true},
	}
}

func TestTakeVerifier_SingleUse(t *testing.T) {
	ctx := context.Background()
	db, cleanup, err := setupTestDB(ctx)
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, db.UpsertVerifier(ctx, 1001, "verifier-abc", time.Now().Add(30*time.Minute)))

	got, err := db.TakeVerifier(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, "verifier-abc", got)

	_, err = db.TakeVerifier(ctx, 1001)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTakeVerifier_UnknownIdentity(t *testing.T) {
	ctx := context.Background()
	db, cleanup, err := setupTestDB(ctx)
	require.NoError(t, err)
	defer cleanup()

	_, err = db.TakeVerifier(ctx, 424242)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTakeVerifier_ExpiredIsCleared(t *testing.T) {
	ctx := context.Background()
	db, cleanup, err := setupTestDB(ctx)
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, db.UpsertVerifier(ctx, 1002, "old", time.Now().Add(-time.Minute)))

	_, err = db.TakeVerifier(ctx, 1002)
	assert.ErrorIs(t, err, ErrVerifierExpired)

	s, err := db.GetSession(ctx, 1002)
	require.NoError(t, err)
	assert.False(t, s.CodeVerifier.Valid)
}

func TestTakeVerifier_ConcurrentCallersGetItOnce(t *testing.T) {
	ctx := context.Background()
	db, cleanup, err := setupTestDB(ctx)
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, db.UpsertVerifier(ctx, 1003, "race", time.Now().Add(time.Hour)))

	const callers = 4
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := db.TakeVerifier(ctx, 1003)
			if err == nil && v == "race" {
				mu.Lock()
				winners++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestUpsertVerifier_ReplacesPrevious(t *testing.T) {
	ctx := context.Background()
	db, cleanup, err := setupTestDB(ctx)
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, db.UpsertVerifier(ctx, 1004, "first", time.Now().Add(time.Hour)))
	require.NoError(t, db.UpsertVerifier(ctx, 1004, "second", time.Now().Add(time.Hour)))

	got, err := db.TakeVerifier(ctx, 1004)
	require.NoError(t, err)
	assert.Equal(t, "second", got)

	var rows int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE telegram_id = 1004`).Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestUpsertVerifier_KeepsExistingLink(t *testing.T) {
	ctx := context.Background()
	db, cleanup, err := setupTestDB(ctx)
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, db.UpsertSession(ctx, linkedSession(1005, "ext-5", time.Now().Add(time.Hour))))
	require.NoError(t, db.UpsertVerifier(ctx, 1005, "relink", time.Now().Add(time.Hour)))

	active, err := db.ActiveSession(ctx, 1005)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestClearVerifier_Idempotent(t *testing.T) {
	ctx := context.Background()
	db, cleanup, err := setupTestDB(ctx)
	require.NoError(t, err)
	defer cleanup()

	assert.NoError(t, db.ClearVerifier(ctx, 1006))

	require.NoError(t, db.UpsertVerifier(ctx, 1006, "v", time.Now().Add(time.Hour)))
	assert.NoError(t, db.ClearVerifier(ctx, 1006))
	assert.NoError(t, db.ClearVerifier(ctx, 1006))

	_, err = db.TakeVerifier(ctx, 1006)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertSession_ClearsVerifierAndUpdates(t *testing.T) {
	ctx := context.Background()
	db, cleanup, err := setupTestDB(ctx)
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, db.UpsertVerifier(ctx, 1007, "pending", time.Now().Add(time.Hour)))

	s := linkedSession(1007, "ext-7", time.Now().Add(time.Hour))
	require.NoError(t, db.UpsertSession(ctx, s))
	assert.NotZero(t, s.CreatedAt)
	assert.WithinDuration(t, time.Now(), s.UpdatedAt, 5*time.Second)

	got, err := db.GetSession(ctx, 1007)
	require.NoError(t, err)
	assert.Equal(t, "ext-7", got.ExternalUserID.String)
	assert.False(t, got.CodeVerifier.Valid)

	require.NoError(t, db.UpsertSession(ctx, linkedSession(1007, "ext-7b", time.Now().Add(time.Hour))))
	got, err = db.GetSession(ctx, 1007)
	require.NoError(t, err)
	assert.Equal(t, "ext-7b", got.ExternalUserID.String)
}

func TestActiveSession(t *testing.T) {
	ctx := context.Background()
	db, cleanup, err := setupTestDB(ctx)
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, db.UpsertSession(ctx, linkedSession(2001, "live", time.Now().Add(time.Hour))))
	require.NoError(t, db.UpsertSession(ctx, linkedSession(2002, "lapsed", time.Now().Add(-time.Hour))))
	require.NoError(t, db.UpsertVerifier(ctx, 2003, "only-verifier", time.Now().Add(time.Hour)))

	tests := []struct {
		name string
		id   int64
		want bool
	}{
		{"linked and unexpired", 2001, true},
		{"linked but expired", 2002, false},
		{"verifier only", 2003, false},
		{"no row", 2004, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.ActiveSession(ctx, tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetSession_NotFound(t *testing.T) {
	ctx := context.Background()
	db, cleanup, err := setupTestDB(ctx)
	require.NoError(t, err)
	defer cleanup()

	s, err := db.GetSession(ctx, 999)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCleanupExpiredSessions(t *testing.T) {
	ctx := context.Background()
	db, cleanup, err := setupTestDB(ctx)
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, db.UpsertSession(ctx, linkedSession(3001, "live", time.Now().Add(time.Hour))))
	require.NoError(t, db.UpsertSession(ctx, linkedSession(3002, "lapsed", time.Now().Add(-time.Hour))))
	require.NoError(t, db.UpsertVerifier(ctx, 3003, "stale", time.Now().Add(-time.Minute)))
	require.NoError(t, db.UpsertVerifier(ctx, 3004, "fresh", time.Now().Add(time.Hour)))
	// lapsed link whose owner is logging in again
	require.NoError(t, db.UpsertSession(ctx, linkedSession(3005, "lapsed", time.Now().Add(-time.Hour))))
	require.NoError(t, db.UpsertVerifier(ctx, 3005, "relink", time.Now().Add(30*time.Minute)))
	// lapsed link whose new login attempt also timed out
	require.NoError(t, db.UpsertSession(ctx, linkedSession(3006, "lapsed", time.Now().Add(-time.Hour))))
	require.NoError(t, db.UpsertVerifier(ctx, 3006, "abandoned", time.Now().Add(-time.Minute)))

	require.NoError(t, db.CleanupExpiredSessions(ctx))

	_, err = db.GetSession(ctx, 3001)
	assert.NoError(t, err)
	_, err = db.GetSession(ctx, 3002)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = db.GetSession(ctx, 3003)
	assert.ErrorIs(t, err, ErrNotFound)

	fresh, err := db.GetSession(ctx, 3004)
	require.NoError(t, err)
	assert.True(t, fresh.HasVerifier())

	relinking, err := db.GetSession(ctx, 3005)
	require.NoError(t, err)
	assert.True(t, relinking.HasVerifier())
	verifier, err := db.TakeVerifier(ctx, 3005)
	require.NoError(t, err)
	assert.Equal(t, "relink", verifier)

	_, err = db.GetSession(ctx, 3006)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStartCleanupJob_StopsOnCancel(t *testing.T) {
	ctx := context.Background()
	db, cleanup, err := setupTestDB(ctx)
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, db.UpsertSession(ctx, linkedSession(4001, "lapsed", time.Now().Add(-time.Hour))))

	jobCtx, cancel := context.WithCancel(ctx)
	db.StartCleanupJob(jobCtx, 50*time.Millisecond)

	assert.Eventually(t, func() bool {
		_, err := db.GetSession(ctx, 4001)
		return errors.Is(err, ErrNotFound)
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
}

func TestAPIKeys(t *testing.T) {
	ctx := context.Background()
	db, cleanup, err := setupTestDB(ctx)
	require.NoError(t, err)
	defer cleanup()

	created, err := db.CreateAPIKey(ctx, "grafana")
	require.NoError(t, err)
	assert.Len(t, created.Key, 64)

	got, err := db.GetAPIKey(ctx, created.Key)
	require.NoError(t, err)
	assert.Equal(t, "grafana", got.Name)

	_, err = db.GetAPIKey(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
