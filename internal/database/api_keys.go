package database

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/parsascontentcorner/towerbot/internal/models"
)

// CreateAPIKey generates and stores a new random API key
func (db *DB) CreateAPIKey(ctx context.Context, name string) (*models.APIKey, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate api key: %w", err)
	}

	key := &models.APIKey{Key: hex.EncodeToString(buf), Name: name}
	query := `INSERT INTO keys (key, name) VALUES ($1, $2) RETURNING created_at`
	if err := db.QueryRowContext(ctx, query, key.Key, key.Name).Scan(&key.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to create api key: %w", err)
	}

	return key, nil
}

// GetAPIKey looks up a key. Unknown keys return ErrNotFound.
func (db *DB) GetAPIKey(ctx context.Context, key string) (*models.APIKey, error) {
	query := `SELECT key, name, created_at FROM keys WHERE key = $1`

	k := &models.APIKey{}
	err := db.QueryRowContext(ctx, query, key).Scan(&k.Key, &k.Name, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}

	return k, nil
}
