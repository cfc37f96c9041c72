// Package telegram wraps the Bot API calls the bot makes: getMe,
// getChatMember, leaveChat, sendMessage and setWebhook.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/towerbot/internal/ratelimit"
)

const (
	defaultAPIBaseURL = "https://api.telegram.org"
	requestTimeout    = 15 * time.Second
)

// Client calls the Telegram Bot API
type Client struct {
	api         *tgbot.Bot
	token       string
	rateLimiter *ratelimit.RateLimiter
	logger      *zap.Logger
}

// NewClient creates a Bot API client. An empty baseURL uses api.telegram.org.
// No request is made until the first call.
func NewClient(token, baseURL string, logger *zap.Logger) (*Client, error) {
	if token == "" {
		return nil, errors.New("telegram: bot token is empty")
	}
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}

	httpClient := &http.Client{
		Timeout:   requestTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	api, err := tgbot.New(token,
		tgbot.WithServerURL(strings.TrimRight(baseURL, "/")),
		tgbot.WithHTTPClient(requestTimeout, httpClient),
		tgbot.WithSkipGetMe(),
	)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", scrubToken(err, token))
	}

	return &Client{api: api, token: token, logger: logger}, nil
}

// SetRateLimiter sets the outbound limiter
func (c *Client) SetRateLimiter(rl *ratelimit.RateLimiter) {
	c.rateLimiter = rl
}

// GetMe returns the bot's own user
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	if err := c.wait(ctx, ""); err != nil {
		return nil, err
	}

	me, err := c.api.GetMe(ctx)
	if err != nil {
		return nil, c.wrap("getMe", "", err)
	}
	return userFrom(me), nil
}

// GetChatMember looks up a user's membership in a chat
func (c *Client) GetChatMember(ctx context.Context, chatID, userID int64) (*ChatMember, error) {
	if err := c.wait(ctx, ""); err != nil {
		return nil, err
	}

	member, err := c.api.GetChatMember(ctx, &tgbot.GetChatMemberParams{ChatID: chatID, UserID: userID})
	if err != nil {
		return nil, c.wrap("getChatMember", "", err)
	}

	// Every member variant carries the user we asked about.
	return &ChatMember{
		Status:   string(member.Type),
		User:     User{ID: userID},
		IsMember: member.Restricted != nil && member.Restricted.IsMember,
	}, nil
}

// LeaveChat makes the bot leave a group
func (c *Client) LeaveChat(ctx context.Context, chatID int64) error {
	key := chatKey(chatID)
	if err := c.wait(ctx, key); err != nil {
		return err
	}

	if _, err := c.api.LeaveChat(ctx, &tgbot.LeaveChatParams{ChatID: chatID}); err != nil {
		return c.wrap("leaveChat", key, err)
	}
	return nil
}

// SendMessage posts a text message
func (c *Client) SendMessage(ctx context.Context, req *SendMessageRequest) (*Message, error) {
	key := chatKey(req.ChatID)
	if err := c.wait(ctx, key); err != nil {
		return nil, err
	}

	params := &tgbot.SendMessageParams{
		ChatID:    req.ChatID,
		Text:      req.Text,
		ParseMode: tgmodels.ParseMode(req.ParseMode),
	}
	if req.ReplyToMessageID != 0 {
		params.ReplyParameters = &tgmodels.ReplyParameters{MessageID: int(req.ReplyToMessageID)}
	}
	if req.ReplyMarkup != nil {
		params.ReplyMarkup = keyboardFrom(req.ReplyMarkup)
	}

	sent, err := c.api.SendMessage(ctx, params)
	if err != nil {
		return nil, c.wrap("sendMessage", key, err)
	}

	c.logger.Debug("telegram message sent", zap.Int64("chat_id", req.ChatID))
	return &Message{
		MessageID: int64(sent.ID),
		Chat:      Chat{ID: sent.Chat.ID, Type: string(sent.Chat.Type)},
		Date:      int64(sent.Date),
		Text:      sent.Text,
	}, nil
}

// SetWebhook registers the URL Telegram delivers updates to
func (c *Client) SetWebhook(ctx context.Context, webhookURL, secret string, dropPending bool) error {
	if err := c.wait(ctx, ""); err != nil {
		return err
	}

	_, err := c.api.SetWebhook(ctx, &tgbot.SetWebhookParams{
		URL:                webhookURL,
		SecretToken:        secret,
		DropPendingUpdates: dropPending,
		AllowedUpdates:     []string{"message", "my_chat_member"},
	})
	if err != nil {
		return c.wrap("setWebhook", "", err)
	}
	return nil
}

func (c *Client) wait(ctx context.Context, key string) error {
	if c.rateLimiter == nil {
		return nil
	}
	return c.rateLimiter.Wait(ctx, key)
}

// wrap converts library errors into *APIError or ErrUnreachable and
// records 429 backoff for the limiter key.
func (c *Client) wrap(method, key string, err error) error {
	err = scrubToken(err, c.token)

	var tooMany *tgbot.TooManyRequestsError
	if errors.As(err, &tooMany) {
		apiErr := &APIError{
			Method:      method,
			Code:        http.StatusTooManyRequests,
			Description: tooMany.Message,
			RetryAfter:  time.Duration(tooMany.RetryAfter) * time.Second,
		}
		if c.rateLimiter != nil {
			c.rateLimiter.Backoff(key, apiErr.RetryAfter)
		}
		return apiErr
	}

	if code := statusOf(err); code != 0 {
		return &APIError{Method: method, Code: code, Description: err.Error()}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("telegram %s request failed: %w: %w", method, ErrUnreachable, err)
	}
	return fmt.Errorf("telegram %s: %w", method, err)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, tgbot.ErrorBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, tgbot.ErrorUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, tgbot.ErrorForbidden):
		return http.StatusForbidden
	case errors.Is(err, tgbot.ErrorNotFound):
		return http.StatusNotFound
	case errors.Is(err, tgbot.ErrorConflict):
		return http.StatusConflict
	default:
		return 0
	}
}

func userFrom(u *tgmodels.User) *User {
	return &User{
		ID:        u.ID,
		IsBot:     u.IsBot,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Username:  u.Username,
	}
}

func keyboardFrom(m *InlineKeyboardMarkup) *tgmodels.InlineKeyboardMarkup {
	rows := make([][]tgmodels.InlineKeyboardButton, 0, len(m.InlineKeyboard))
	for _, row := range m.InlineKeyboard {
		buttons := make([]tgmodels.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgmodels.InlineKeyboardButton{Text: b.Text, URL: b.URL})
		}
		rows = append(rows, buttons)
	}
	return &tgmodels.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func chatKey(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

// scrubToken removes the bot token from errors, which may embed the request URL
func scrubToken(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), token, "<redacted>"), err: err}
}
