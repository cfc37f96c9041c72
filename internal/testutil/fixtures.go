package testutil

import (
	"database/sql"
	"encoding/json"
	"math/rand/v2"
	"time"

	"github.com/parsascontentcorner/towerbot/internal/config"
	"github.com/parsascontentcorner/towerbot/internal/models"
)

// GenerateTelegramID returns a random positive Telegram user id.
func GenerateTelegramID() int64 {
	return 100000 + rand.Int64N(1<<40)
}

// GenerateLinkedSession creates a session holding a token that expires in a day.
func GenerateLinkedSession(telegramID int64) models.Session {
	now := time.Now().UTC()
	return models.Session{
		TelegramID:     telegramID,
		ExternalUserID: sql.NullString{String: "ext-1", Valid: true},
		AccessToken:    sql.NullString{String: "mock_access_token", Valid: true},
		ExpiresAt:      sql.NullTime{Time: now.Add(24 * time.Hour), Valid: true},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// GenerateExpiredSession creates a linked session whose token lapsed an hour ago.
func GenerateExpiredSession(telegramID int64) models.Session {
	s := GenerateLinkedSession(telegramID)
	s.ExpiresAt = sql.NullTime{Time: time.Now().UTC().Add(-time.Hour), Valid: true}
	return s
}

// GeneratePendingSession creates a row holding only a verifier with the given lifetime.
func GeneratePendingSession(telegramID int64, verifier string, ttl time.Duration) models.Session {
	now := time.Now().UTC()
	return models.Session{
		TelegramID:        telegramID,
		CodeVerifier:      sql.NullString{String: verifier, Valid: true},
		VerifierExpiresAt: sql.NullTime{Time: now.Add(ttl), Valid: true},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// GenerateTestConfig creates a config with linking, groups and Soulink off.
func GenerateTestConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Env:       "test",
			HTTPPort:  "0",
			GRPCPort:  "0",
			Workers:   2,
			QueueSize: 16,
		},
		Telegram: config.TelegramConfig{
			BotToken:      MockTelegramToken,
			WebhookURL:    "https://bot.example.com",
			WebhookSecret: "test-secret",
			APIBaseURL:    "http://127.0.0.1:0",
		},
		OAuth: config.OAuthConfig{
			Scopes:            []string{"read"},
			PKCEExpiryMinutes: 30,
		},
		Agent: config.AgentConfig{
			Timeout: 5 * time.Second,
		},
		Episodes: config.EpisodesConfig{
			Subject: "towerbot.episodes",
		},
		RateLimit: config.RateLimitConfig{
			CommandLimit:  10,
			CommandWindow: time.Minute,
		},
		Logging: config.LoggingConfig{
			Level:  "debug",
			Format: "console",
		},
		Telemetry: config.TelemetryConfig{
			ServiceName: "towerbot-test",
		},
	}
}

// PrivateTextUpdate builds the JSON of a private-chat text message.
func PrivateTextUpdate(updateID, userID int64, text string) []byte {
	return mustJSON(map[string]any{
		"update_id": updateID,
		"message": map[string]any{
			"message_id": updateID,
			"date":       time.Now().Unix(),
			"from":       map[string]any{"id": userID, "is_bot": false, "first_name": "Test", "username": "tester"},
			"chat":       map[string]any{"id": userID, "type": "private"},
			"text":       text,
		},
	})
}

// GroupTextUpdate builds the JSON of a supergroup text message.
func GroupTextUpdate(updateID, groupID, userID int64, text string) []byte {
	return mustJSON(map[string]any{
		"update_id": updateID,
		"message": map[string]any{
			"message_id": updateID,
			"date":       time.Now().Unix(),
			"from":       map[string]any{"id": userID, "is_bot": false, "first_name": "Test"},
			"chat":       map[string]any{"id": groupID, "type": "supergroup", "title": "Test Group"},
			"text":       text,
		},
	})
}

// BotAddedUpdate builds the JSON of a my_chat_member update adding the bot to a group.
func BotAddedUpdate(updateID, groupID, botID int64) []byte {
	return mustJSON(map[string]any{
		"update_id": updateID,
		"my_chat_member": map[string]any{
			"chat": map[string]any{"id": groupID, "type": "supergroup", "title": "Some Group"},
			"from": map[string]any{"id": 42, "is_bot": false, "first_name": "Admin"},
			"date": time.Now().Unix(),
			"old_chat_member": map[string]any{
				"status": "left",
				"user":   map[string]any{"id": botID, "is_bot": true, "first_name": "Tower"},
			},
			"new_chat_member": map[string]any{
				"status": "member",
				"user":   map[string]any{"id": botID, "is_bot": true, "first_name": "Tower"},
			},
		},
	})
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
