package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/parsascontentcorner/towerbot/internal/models"
)

// ErrVerifierExpired is returned by TakeVerifier when the stored verifier was
// past its timeout. The verifier is cleared all the same.
var ErrVerifierExpired = errors.New("verifier expired")

// UpsertVerifier stores a pending PKCE verifier for the identity, replacing
// any earlier one. An existing link is left untouched.
func (db *DB) UpsertVerifier(ctx context.Context, telegramID int64, verifier string, expiresAt time.Time) error {
	query := `
		INSERT INTO sessions (telegram_id, code_verifier, verifier_expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (telegram_id)
		DO UPDATE SET
			code_verifier = EXCLUDED.code_verifier,
			verifier_expires_at = EXCLUDED.verifier_expires_at,
			updated_at = NOW()
	`

	_, err := db.ExecContext(ctx, query, telegramID, verifier, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to store verifier: %w", err)
	}

	return nil
}

// TakeVerifier returns the pending verifier and clears it in the same
// transaction, so it can be obtained at most once.
func (db *DB) TakeVerifier(ctx context.Context, telegramID int64) (string, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		SELECT code_verifier, verifier_expires_at
		FROM sessions
		WHERE telegram_id = $1
		FOR UPDATE
	`

	var verifier sql.NullString
	var expiresAt sql.NullTime
	err = tx.QueryRowContext(ctx, query, telegramID).Scan(&verifier, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read verifier: %w", err)
	}

	if !verifier.Valid || verifier.String == "" {
		return "", ErrNotFound
	}

	clearQuery := `
		UPDATE sessions
		SET code_verifier = NULL, verifier_expires_at = NULL, updated_at = NOW()
		WHERE telegram_id = $1
	`
	if _, err := tx.ExecContext(ctx, clearQuery, telegramID); err != nil {
		return "", fmt.Errorf("failed to clear verifier: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}

	if expiresAt.Valid && time.Now().After(expiresAt.Time) {
		return "", ErrVerifierExpired
	}

	return verifier.String, nil
}

// ClearVerifier removes any pending verifier. Clearing an absent one is not an error.
func (db *DB) ClearVerifier(ctx context.Context, telegramID int64) error {
	query := `
		UPDATE sessions
		SET code_verifier = NULL, verifier_expires_at = NULL, updated_at = NOW()
		WHERE telegram_id = $1
	`

	if _, err := db.ExecContext(ctx, query, telegramID); err != nil {
		return fmt.Errorf("failed to clear verifier: %w", err)
	}

	return nil
}

// GetSession retrieves the session row for an identity
func (db *DB) GetSession(ctx context.Context, telegramID int64) (*models.Session, error) {
	query := `
		SELECT telegram_id, external_user_id, access_token, code_verifier,
		       verifier_expires_at, created_at, expires_at, updated_at
		FROM sessions
		WHERE telegram_id = $1
	`

	s := &models.Session{}
	err := db.QueryRowContext(ctx, query, telegramID).Scan(
		&s.TelegramID,
		&s.ExternalUserID,
		&s.AccessToken,
		&s.CodeVerifier,
		&s.VerifierExpiresAt,
		&s.CreatedAt,
		&s.ExpiresAt,
		&s.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return s, nil
}

// ActiveSession reports whether the identity holds an access token that has not expired
func (db *DB) ActiveSession(ctx context.Context, telegramID int64) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM sessions
			WHERE telegram_id = $1
			  AND access_token IS NOT NULL
			  AND access_token <> ''
			  AND (expires_at IS NULL OR expires_at > NOW())
		)
	`

	var active bool
	if err := db.QueryRowContext(ctx, query, telegramID).Scan(&active); err != nil {
		return false, fmt.Errorf("failed to check session: %w", err)
	}

	return active, nil
}

// UpsertSession records a completed link. Any pending verifier is cleared.
func (db *DB) UpsertSession(ctx context.Context, s *models.Session) error {
	query := `
		INSERT INTO sessions (telegram_id, external_user_id, access_token, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (telegram_id)
		DO UPDATE SET
			external_user_id = EXCLUDED.external_user_id,
			access_token = EXCLUDED.access_token,
			expires_at = EXCLUDED.expires_at,
			code_verifier = NULL,
			verifier_expires_at = NULL,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`

	err := db.QueryRowContext(ctx, query,
		s.TelegramID,
		s.ExternalUserID,
		s.AccessToken,
		s.ExpiresAt,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	s.CodeVerifier = sql.NullString{}
	s.VerifierExpiresAt = sql.NullTime{}
	return nil
}

// CleanupExpiredSessions clears lapsed verifiers, then deletes expired or
// empty sessions that have no login in progress
func (db *DB) CleanupExpiredSessions(ctx context.Context) error {
	clearVerifiers := `
		UPDATE sessions
		SET code_verifier = NULL, verifier_expires_at = NULL, updated_at = NOW()
		WHERE verifier_expires_at < NOW()
	`
	if _, err := db.ExecContext(ctx, clearVerifiers); err != nil {
		return fmt.Errorf("failed to clear expired verifiers: %w", err)
	}

	// A lapsed link with a pending verifier is a re-link in progress and stays.
	deleteSessions := `
		DELETE FROM sessions
		WHERE code_verifier IS NULL
		  AND (expires_at < NOW() OR access_token IS NULL)
	`
	res, err := db.ExecContext(ctx, deleteSessions)
	if err != nil {
		return fmt.Errorf("failed to cleanup expired sessions: %w", err)
	}

	deleted, _ := res.RowsAffected()
	db.logger.Debug("cleaned up expired sessions and verifiers", zap.Int64("deleted", deleted))
	return nil
}

// StartCleanupJob starts a background job to periodically cleanup expired sessions
func (db *DB) StartCleanupJob(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				if err := db.CleanupExpiredSessions(ctx); err != nil {
					db.logger.Error("failed to cleanup expired sessions", zap.Error(err))
				}
			case <-ctx.Done():
				ticker.Stop()
				return
			}
		}
	}()

	db.logger.Info("started cleanup job", zap.Duration("interval", interval))
}
