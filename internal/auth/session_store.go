package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/parsascontentcorner/towerbot/internal/database"
	"github.com/parsascontentcorner/towerbot/internal/models"
	"github.com/parsascontentcorner/towerbot/pkg/logger"
)

// SessionRepository is the persistence behind SessionStore. *database.DB implements it.
type SessionRepository interface {
	UpsertVerifier(ctx context.Context, telegramID int64, verifier string, expiresAt time.Time) error
	TakeVerifier(ctx context.Context, telegramID int64) (string, error)
	ClearVerifier(ctx context.Context, telegramID int64) error
	ActiveSession(ctx context.Context, telegramID int64) (bool, error)
	UpsertSession(ctx context.Context, s *models.Session) error
}

// SessionStore turns repository errors into false/empty answers. With no
// repository every call degrades the same way.
type SessionStore struct {
	repo        SessionRepository
	verifierTTL time.Duration
	logger      *zap.Logger
	redact      bool
}

// NewSessionStore creates a session store. repo may be nil.
func NewSessionStore(repo SessionRepository, verifierTTL time.Duration, log *zap.Logger, redact bool) *SessionStore {
	return &SessionStore{
		repo:        repo,
		verifierTTL: verifierTTL,
		logger:      log,
		redact:      redact,
	}
}

// Configured reports whether a repository is attached
func (s *SessionStore) Configured() bool {
	return s.repo != nil
}

// StorePKCEVerifier saves the verifier for a new login attempt
func (s *SessionStore) StorePKCEVerifier(ctx context.Context, telegramID int64, verifier string) bool {
	if s.repo == nil {
		s.logger.Warn("cannot store PKCE verifier: no session storage configured", logger.UserID(telegramID, s.redact))
		return false
	}

	if err := s.repo.UpsertVerifier(ctx, telegramID, verifier, time.Now().Add(s.verifierTTL)); err != nil {
		s.logger.Error("failed to store PKCE verifier", logger.UserID(telegramID, s.redact), zap.Error(err))
		return false
	}
	return true
}

// GetPKCEVerifier returns the pending verifier and consumes it. A second call
// for the same attempt finds nothing.
func (s *SessionStore) GetPKCEVerifier(ctx context.Context, telegramID int64) (string, bool) {
	if s.repo == nil {
		return "", false
	}

	verifier, err := s.repo.TakeVerifier(ctx, telegramID)
	switch {
	case err == nil:
		return verifier, true
	case errors.Is(err, database.ErrNotFound):
		s.logger.Debug("no PKCE verifier stored", logger.UserID(telegramID, s.redact))
	case errors.Is(err, database.ErrVerifierExpired):
		s.logger.Info("PKCE verifier expired", logger.UserID(telegramID, s.redact))
	default:
		s.logger.Error("failed to read PKCE verifier", logger.UserID(telegramID, s.redact), zap.Error(err))
	}
	return "", false
}

// ClearPKCEVerifier drops any pending verifier. Safe to call repeatedly.
func (s *SessionStore) ClearPKCEVerifier(ctx context.Context, telegramID int64) {
	if s.repo == nil {
		return
	}
	if err := s.repo.ClearVerifier(ctx, telegramID); err != nil {
		s.logger.Warn("failed to clear PKCE verifier", logger.UserID(telegramID, s.redact), zap.Error(err))
	}
}

// HasActiveSession reports whether the identity holds an unexpired token.
// Storage errors deny.
func (s *SessionStore) HasActiveSession(ctx context.Context, telegramID int64) bool {
	if s.repo == nil {
		return false
	}

	active, err := s.repo.ActiveSession(ctx, telegramID)
	if err != nil {
		s.logger.Error("session storage unavailable during session check, denying",
			logger.UserID(telegramID, s.redact),
			zap.Error(err),
		)
		return false
	}
	return active
}

// SaveSession records a completed link. A zero expiresAt stores no expiry.
// created_at of an existing row is kept.
func (s *SessionStore) SaveSession(ctx context.Context, telegramID int64, externalUserID, accessToken string, expiresAt time.Time) bool {
	if s.repo == nil {
		s.logger.Warn("cannot save session: no session storage configured", logger.UserID(telegramID, s.redact))
		return false
	}

	session := &models.Session{
		TelegramID:     telegramID,
		ExternalUserID: sql.NullString{String: externalUserID, Valid: externalUserID != ""},
		AccessToken:    sql.NullString{String: accessToken, Valid: accessToken != ""},
		ExpiresAt:      sql.NullTime{Time: expiresAt.UTC(), Valid: !expiresAt.IsZero()},
	}

	if err := s.repo.UpsertSession(ctx, session); err != nil {
		s.logger.Error("failed to save session", logger.UserID(telegramID, s.redact), zap.Error(err))
		return false
	}
	return true
}
