// Package models defines data structures for identity sessions and API keys.
package models

import (
	"database/sql"
	"time"
)

// Session links a Telegram identity to an account on the community API.
// A row may hold only a pending PKCE verifier, only a link, or both.
type Session struct {
	TelegramID        int64          `json:"telegram_id"`
	ExternalUserID    sql.NullString `json:"external_user_id"`
	AccessToken       sql.NullString `json:"-"`
	CodeVerifier      sql.NullString `json:"-"`
	VerifierExpiresAt sql.NullTime   `json:"verifier_expires_at"`
	CreatedAt         time.Time      `json:"created_at"`
	ExpiresAt         sql.NullTime   `json:"expires_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// IsLinked reports whether the session carries an access token
func (s *Session) IsLinked() bool {
	return s.AccessToken.Valid && s.AccessToken.String != ""
}

// IsActive reports whether the session holds a token that is not past its
// expiry. A token without expiry never lapses.
func (s *Session) IsActive() bool {
	if !s.IsLinked() {
		return false
	}
	return !s.ExpiresAt.Valid || time.Now().Before(s.ExpiresAt.Time)
}

// HasVerifier reports whether a usable PKCE verifier is pending
func (s *Session) HasVerifier() bool {
	if !s.CodeVerifier.Valid || s.CodeVerifier.String == "" {
		return false
	}
	return !s.VerifierExpired()
}

// VerifierExpired checks if the stored verifier is past its timeout
func (s *Session) VerifierExpired() bool {
	return s.VerifierExpiresAt.Valid && time.Now().After(s.VerifierExpiresAt.Time)
}

// APIKey grants access to operator endpoints such as /metrics
type APIKey struct {
	Key       string    `json:"-"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
