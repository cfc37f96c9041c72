// Package agent is the HTTP client for the external agent service that
// answers private messages and commands.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/towerbot/internal/config"
	"github.com/parsascontentcorner/towerbot/pkg/logger"
)

// Agent modes
const (
	ModeDirect  = "direct"
	ModeAsk     = "ask"
	ModeConnect = "connect"
	ModeRequest = "request"
)

const (
	invokePath = "/invoke"
	threadTTL  = 24 * time.Hour
)

// ErrNotConfigured is returned when AGENT_URL is unset
var ErrNotConfigured = errors.New("agent service is not configured")

type invokeRequest struct {
	Mode     string `json:"mode"`
	Message  string `json:"message"`
	UserID   string `json:"user_id"`
	ThreadID string `json:"thread_id,omitempty"`
}

type invokeResponse struct {
	Reply string `json:"reply"`
}

// Client talks to the agent service
type Client struct {
	baseURL    string
	httpClient *http.Client
	threads    *gocache.Cache
	logger     *zap.Logger
	redact     bool
}

// NewClient creates an agent client. An empty URL leaves it unconfigured.
func NewClient(cfg *config.AgentConfig, log *zap.Logger, redact bool) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		threads: gocache.New(threadTTL, 10*time.Minute),
		logger:  log,
		redact:  redact,
	}
}

// Configured reports whether an agent URL is set
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// ThreadID returns the conversation thread for a user and mode. A thread
// lives for 24 hours from its first use.
func (c *Client) ThreadID(telegramID int64, mode string) string {
	key := strconv.FormatInt(telegramID, 10) + "_" + mode
	if v, ok := c.threads.Get(key); ok {
		return v.(string)
	}

	id := fmt.Sprintf("%s_%s", key, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	if err := c.threads.Add(key, id, gocache.DefaultExpiration); err != nil {
		// another goroutine created it first
		if v, ok := c.threads.Get(key); ok {
			return v.(string)
		}
	}
	return id
}

// Invoke sends a message to the agent and returns its reply. Only direct
// messages carry a conversation thread.
func (c *Client) Invoke(ctx context.Context, telegramID int64, mode, message string) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}

	body := invokeRequest{
		Mode:    mode,
		Message: message,
		UserID:  strconv.FormatInt(telegramID, 10),
	}
	if mode == ModeDirect {
		body.ThreadID = c.ThreadID(telegramID, mode)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to encode agent request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+invokePath, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("agent request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("failed to close response body", zap.Error(err))
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read agent response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("agent returned status %d: %s", resp.StatusCode, string(raw))
	}

	var out invokeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("failed to decode agent response: %w", err)
	}

	c.logger.Debug("agent replied",
		logger.UserID(telegramID, c.redact),
		zap.String("mode", mode),
		zap.Duration("elapsed", time.Since(start)),
		logger.Text("reply", out.Reply, c.redact),
	)
	return out.Reply, nil
}
