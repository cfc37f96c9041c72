package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/parsascontentcorner/towerbot/internal/auth"
	"github.com/parsascontentcorner/towerbot/internal/bot"
	"github.com/parsascontentcorner/towerbot/internal/metrics"
	"github.com/parsascontentcorner/towerbot/internal/telegram"
	"github.com/parsascontentcorner/towerbot/pkg/logger"
)

const (
	secretHeader = "X-Telegram-Bot-Api-Secret-Token"
	maxBodyBytes = 1 << 20
)

// Enqueuer accepts updates for background processing
type Enqueuer interface {
	Enqueue(u *telegram.Update) error
}

// LinkCompleter finishes the identity link on callback
type LinkCompleter interface {
	Configured() bool
	Complete(ctx context.Context, state, code, providerErr string) (*auth.LinkResult, error)
}

// Notifier sends the post-link confirmation
type Notifier interface {
	SendMessage(ctx context.Context, req *telegram.SendMessageRequest) (*telegram.Message, error)
}

// HandlersConfig wires the handlers. Links, Notifier and Keys may be nil.
type HandlersConfig struct {
	WebhookSecret string
	Updates       Enqueuer
	Links         LinkCompleter
	Notifier      Notifier
	Keys          KeyStore
	Metrics       *metrics.Metrics
	Redact        bool
}

// Handlers contains all HTTP handlers
type Handlers struct {
	secret   string
	updates  Enqueuer
	links    LinkCompleter
	notifier Notifier
	keys     KeyStore
	metrics  *metrics.Metrics
	logger   *zap.Logger
	redact   bool
}

// NewHandlers creates a new handlers instance
func NewHandlers(cfg HandlersConfig, logger *zap.Logger) *Handlers {
	return &Handlers{
		secret:   cfg.WebhookSecret,
		updates:  cfg.Updates,
		links:    cfg.Links,
		notifier: cfg.Notifier,
		keys:     cfg.Keys,
		metrics:  cfg.Metrics,
		logger:   logger,
		redact:   cfg.Redact,
	}
}

// HealthHandler handles health check requests
func (h *Handlers) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// WebhookHandler accepts a Telegram update and queues it. Undecodable
// bodies are acknowledged so Telegram does not redeliver them.
func (h *Handlers) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" {
		got := r.Header.Get(secretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			h.logger.Warn("webhook secret mismatch", zap.String("remote_addr", r.RemoteAddr))
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Unauthorized"})
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Warn("failed to read webhook body", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	var update telegram.Update
	if err := json.Unmarshal(body, &update); err != nil {
		h.metrics.ObserveUpdate("invalid", "dropped")
		h.logger.Warn("failed to decode update", zap.Error(err), zap.Int("bytes", len(body)))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if err := h.updates.Enqueue(&update); err != nil {
		// Only backpressure asks Telegram to redeliver. Anything else is acked.
		if errors.Is(err, bot.ErrQueueFull) || errors.Is(err, bot.ErrStopped) {
			h.logger.Warn("webhook busy, asking for redelivery",
				zap.Int64("update_id", update.UpdateID),
				zap.Error(err),
			)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "busy"})
			return
		}
		h.logger.Error("failed to enqueue update", zap.Int64("update_id", update.UpdateID), zap.Error(err))
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CallbackHandler handles the OAuth redirect from the community platform
func (h *Handlers) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if h.links == nil || !h.links.Configured() {
		h.renderError(w, http.StatusNotFound, "Not available", "Account linking is not configured.")
		return
	}

	q := r.URL.Query()
	result, err := h.links.Complete(r.Context(), q.Get("state"), q.Get("code"), q.Get("error"))
	if err != nil {
		message := "Something went wrong. Please try again later."
		var lerr *auth.LinkError
		if errors.As(err, &lerr) {
			message = lerr.UserMessage()
		}
		h.logger.Warn("oauth callback failed", zap.Error(err))
		h.renderError(w, http.StatusBadRequest, "Authentication failed", message)
		return
	}

	h.renderSuccess(w)

	if h.notifier == nil {
		return
	}
	_, err = h.notifier.SendMessage(r.Context(), &telegram.SendMessageRequest{
		ChatID: result.TelegramID,
		Text:   bot.LinkedConfirmation,
	})
	if err != nil {
		h.logger.Warn("failed to send link confirmation",
			logger.UserID(result.TelegramID, h.redact),
			zap.Error(err),
		)
	}
}

// MetricsHandler serves the Prometheus exposition
func (h *Handlers) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		http.NotFound(w, r)
		return
	}
	h.metrics.Handler().ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
