package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/towerbot/internal/database"
	"github.com/parsascontentcorner/towerbot/internal/metrics"
	"github.com/parsascontentcorner/towerbot/internal/models"
)

// KeyStore looks up operator API keys
type KeyStore interface {
	GetAPIKey(ctx context.Context, key string) (*models.APIKey, error)
}

// loggingMiddleware logs all HTTP requests and records them in metrics
func loggingMiddleware(logger *zap.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			wrappedWriter := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrappedWriter, r)

			duration := time.Since(start)
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			m.ObserveHTTP(r.Method, route, wrappedWriter.statusCode, duration)

			logger.Info("HTTP request completed",
				zap.String("method", r.Method),
				zap.String("path", route),
				zap.Int("status", wrappedWriter.statusCode),
				zap.Duration("duration", duration),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// requireAPIKey checks the bearer token against the keys table.
// Without a key store the route is open.
func (h *Handlers) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.keys == nil {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		scheme, key, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(key) == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Not authenticated"})
			return
		}
		key = strings.TrimSpace(key)

		apiKey, err := h.keys.GetAPIKey(r.Context(), key)
		switch {
		case errors.Is(err, database.ErrNotFound):
			writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Invalid API key"})
			return
		case err != nil:
			h.logger.Error("failed to verify API key", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "Internal server error"})
			return
		case subtle.ConstantTimeCompare([]byte(apiKey.Key), []byte(key)) != 1:
			writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Invalid API key"})
			return
		}

		h.logger.Debug("API key accepted", zap.String("key_name", apiKey.Name))
		next.ServeHTTP(w, r)
	})
}
