package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/parsascontentcorner/towerbot/internal/database"
	"github.com/parsascontentcorner/towerbot/internal/models"
)

// ErrStorageDown is returned by MemorySessionRepository while Down is set.
var ErrStorageDown = errors.New("storage unavailable")

// MemorySessionRepository is an in-memory stand-in for the sessions table
// with the same upsert and read-once verifier semantics.
type MemorySessionRepository struct {
	mu       sync.Mutex
	sessions map[int64]*models.Session
	down     bool
}

// NewMemorySessionRepository creates an empty repository.
func NewMemorySessionRepository() *MemorySessionRepository {
	return &MemorySessionRepository{sessions: make(map[int64]*models.Session)}
}

// SetDown makes every call fail with ErrStorageDown.
func (r *MemorySessionRepository) SetDown(down bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down = down
}

// Get returns a copy of the stored row, if any.
func (r *MemorySessionRepository) Get(telegramID int64) (models.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[telegramID]
	if !ok {
		return models.Session{}, false
	}
	return *s, true
}

// Put stores a row as-is.
func (r *MemorySessionRepository) Put(s models.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := s
	r.sessions[s.TelegramID] = &cp
}

func (r *MemorySessionRepository) row(telegramID int64) *models.Session {
	s, ok := r.sessions[telegramID]
	if !ok {
		s = &models.Session{TelegramID: telegramID, CreatedAt: time.Now().UTC()}
		r.sessions[telegramID] = s
	}
	return s
}

// UpsertVerifier implements auth.SessionRepository.
func (r *MemorySessionRepository) UpsertVerifier(_ context.Context, telegramID int64, verifier string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return ErrStorageDown
	}
	s := r.row(telegramID)
	s.CodeVerifier.String, s.CodeVerifier.Valid = verifier, true
	s.VerifierExpiresAt.Time, s.VerifierExpiresAt.Valid = expiresAt, true
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// TakeVerifier implements auth.SessionRepository.
func (r *MemorySessionRepository) TakeVerifier(_ context.Context, telegramID int64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return "", ErrStorageDown
	}
	s, ok := r.sessions[telegramID]
	if !ok || !s.CodeVerifier.Valid || s.CodeVerifier.String == "" {
		return "", database.ErrNotFound
	}
	v := s.CodeVerifier.String
	expired := s.VerifierExpired()
	s.CodeVerifier.String, s.CodeVerifier.Valid = "", false
	s.VerifierExpiresAt.Valid = false
	if expired {
		return "", database.ErrVerifierExpired
	}
	return v, nil
}

// ClearVerifier implements auth.SessionRepository.
func (r *MemorySessionRepository) ClearVerifier(_ context.Context, telegramID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return ErrStorageDown
	}
	if s, ok := r.sessions[telegramID]; ok {
		s.CodeVerifier.String, s.CodeVerifier.Valid = "", false
		s.VerifierExpiresAt.Valid = false
	}
	return nil
}

// ActiveSession implements auth.SessionRepository.
func (r *MemorySessionRepository) ActiveSession(_ context.Context, telegramID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return false, ErrStorageDown
	}
	s, ok := r.sessions[telegramID]
	return ok && s.IsActive(), nil
}

// UpsertSession implements auth.SessionRepository.
func (r *MemorySessionRepository) UpsertSession(_ context.Context, in *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return ErrStorageDown
	}
	s := r.row(in.TelegramID)
	s.ExternalUserID = in.ExternalUserID
	s.AccessToken = in.AccessToken
	s.ExpiresAt = in.ExpiresAt
	s.CodeVerifier.String, s.CodeVerifier.Valid = "", false
	s.VerifierExpiresAt.Valid = false
	s.UpdatedAt = time.Now().UTC()
	in.CreatedAt, in.UpdatedAt = s.CreatedAt, s.UpdatedAt
	return nil
}
