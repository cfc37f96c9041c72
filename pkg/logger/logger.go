// Package logger builds the zap loggers used across the bot and provides
// PII-safe field helpers for Telegram identities and message text.
package logger

import (
	"fmt"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a zap logger with the specified level and format
func NewLogger(level, format string) (*zap.Logger, error) {
	zapLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	var config zap.Config
	switch format {
	case "json":
		config = zap.NewProductionConfig()
	case "console":
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}

	config.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}

func parseLevel(level string) (zapcore.Level, error) {
	switch level {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// UserID returns a user_id field. When redact is set only the first four
// digits are kept.
func UserID(id int64, redact bool) zap.Field {
	return zap.String("user_id", RedactUserID(id, redact))
}

// RedactUserID formats a Telegram identity for logs.
func RedactUserID(id int64, redact bool) string {
	s := strconv.FormatInt(id, 10)
	if !redact {
		return s
	}
	if len(s) > 4 {
		s = s[:4]
	}
	return "user_" + s + "***"
}

// Text returns a text field, or only its length when redact is set.
func Text(key, s string, redact bool) zap.Field {
	if redact {
		return zap.String(key, fmt.Sprintf("[%d chars]", len(s)))
	}
	return zap.String(key, s)
}
