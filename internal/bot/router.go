// Package bot routes Telegram updates through the authorization gate to the
// agent service and the episode publisher.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/parsascontentcorner/towerbot/internal/agent"
	"github.com/parsascontentcorner/towerbot/internal/auth"
	"github.com/parsascontentcorner/towerbot/internal/episodes"
	"github.com/parsascontentcorner/towerbot/internal/membership"
	"github.com/parsascontentcorner/towerbot/internal/metrics"
	"github.com/parsascontentcorner/towerbot/internal/ratelimit"
	"github.com/parsascontentcorner/towerbot/internal/telegram"
	"github.com/parsascontentcorner/towerbot/pkg/logger"
)

// Messenger is the outbound side of the Bot API
type Messenger interface {
	SendMessage(ctx context.Context, req *telegram.SendMessageRequest) (*telegram.Message, error)
	LeaveChat(ctx context.Context, chatID int64) error
}

// Authorizer decides whether a user may interact with the bot
type Authorizer interface {
	Authorize(ctx context.Context, telegramID int64) auth.Decision
}

// Linker starts the identity link flow
type Linker interface {
	Configured() bool
	Begin(ctx context.Context, telegramID int64) (string, error)
}

// Agent answers messages and commands
type Agent interface {
	Invoke(ctx context.Context, telegramID int64, mode, message string) (string, error)
}

// EpisodeSink receives group messages for the knowledge graph
type EpisodeSink interface {
	Publish(ctx context.Context, ep *episodes.Episode) error
}

// RouterConfig wires the router. Agent, Episodes and Limiter may be nil.
type RouterConfig struct {
	Groups            []int64
	BotUsername       string
	LinkExpiryMinutes int
	Messenger         Messenger
	Gate              Authorizer
	Links             Linker
	Agent             Agent
	Episodes          EpisodeSink
	Limiter           ratelimit.CommandLimiter
}

// Router handles one update at a time. It is safe for concurrent use.
type Router struct {
	cfg     RouterConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	redact  bool
}

// NewRouter creates the router
func NewRouter(cfg RouterConfig, log *zap.Logger, m *metrics.Metrics, redact bool) *Router {
	return &Router{cfg: cfg, logger: log, metrics: m, redact: redact}
}

// Handle dispatches an update by type
func (r *Router) Handle(ctx context.Context, u *telegram.Update) error {
	switch {
	case u.MyChatMember != nil:
		return r.handleMembershipChange(ctx, u.MyChatMember)
	case u.Message != nil:
		return r.handleMessage(ctx, u.Message)
	default:
		r.logger.Debug("ignoring update", zap.Int64("update_id", u.UpdateID))
		return nil
	}
}

func (r *Router) handleMembershipChange(ctx context.Context, change *telegram.ChatMemberUpdated) error {
	status := change.NewChatMember.Status
	if !change.Chat.IsGroup() || (status != telegram.StatusMember && status != telegram.StatusAdministrator) {
		return nil
	}

	if membership.Contains(r.cfg.Groups, change.Chat.ID) {
		r.logger.Info("bot added to configured group", zap.Int64("chat_id", change.Chat.ID))
		return nil
	}

	r.logger.Warn("bot added to unconfigured group, leaving", zap.Int64("chat_id", change.Chat.ID))
	if err := r.cfg.Messenger.LeaveChat(ctx, change.Chat.ID); err != nil {
		return fmt.Errorf("failed to leave group %d: %w", change.Chat.ID, err)
	}
	return nil
}

func (r *Router) handleMessage(ctx context.Context, msg *telegram.Message) error {
	text := strings.TrimSpace(msg.Text)
	if text == "" || msg.From == nil || msg.From.IsBot {
		return nil
	}

	if cmd, args, ok := parseCommand(text, r.cfg.BotUsername); ok {
		return r.handleCommand(ctx, msg, cmd, args)
	}
	if strings.HasPrefix(text, "/") {
		return nil
	}

	switch msg.Chat.Type {
	case telegram.ChatPrivate:
		return r.handlePrivateText(ctx, msg, text)
	case telegram.ChatSupergroup:
		return r.publishEpisode(ctx, msg)
	default:
		return nil
	}
}

func (r *Router) handleCommand(ctx context.Context, msg *telegram.Message, cmd, args string) error {
	userID := msg.From.ID

	switch cmd {
	case "start":
		if !r.authorize(ctx, msg) {
			return nil
		}
		return r.reply(ctx, msg, Introduction, false)

	case "login":
		return r.handleLogin(ctx, msg)

	case agent.ModeAsk, agent.ModeConnect, agent.ModeRequest:
		if !r.authorize(ctx, msg) {
			return nil
		}
		if args == "" {
			return r.replyHTML(ctx, msg, fmt.Sprintf(msgNeedContext, cmd, commandExample(cmd)))
		}
		return r.invokeAgent(ctx, msg, cmd, args)

	default:
		r.logger.Debug("ignoring unknown command", zap.String("command", cmd), logger.UserID(userID, r.redact))
		return nil
	}
}

func (r *Router) handlePrivateText(ctx context.Context, msg *telegram.Message, text string) error {
	if !r.authorize(ctx, msg) {
		return nil
	}
	return r.invokeAgent(ctx, msg, agent.ModeDirect, text)
}

// authorize runs the gate and sends the login prompt when asked to.
// It reports whether the interaction may proceed.
func (r *Router) authorize(ctx context.Context, msg *telegram.Message) bool {
	d := r.cfg.Gate.Authorize(ctx, msg.From.ID)
	switch d.Outcome {
	case auth.Allow:
		return true
	case auth.DenyWithPrompt:
		r.sendLoginPrompt(ctx, msg.From.ID)
	default:
		r.logger.Info("ignoring message from unauthorized user",
			logger.UserID(msg.From.ID, r.redact),
			zap.String("reason", d.Reason),
		)
	}
	return false
}

// handleLogin skips the link layer of the gate: an unlinked member must be
// able to start linking.
func (r *Router) handleLogin(ctx context.Context, msg *telegram.Message) error {
	if r.cfg.Links == nil || !r.cfg.Links.Configured() {
		return r.reply(ctx, msg, msgLinkingDisabled, false)
	}

	d := r.cfg.Gate.Authorize(ctx, msg.From.ID)
	if d.Outcome == auth.DenySilently {
		r.logger.Info("ignoring /login from unauthorized user",
			logger.UserID(msg.From.ID, r.redact),
			zap.String("reason", d.Reason),
		)
		return nil
	}

	r.sendLoginPrompt(ctx, msg.From.ID)
	return nil
}

// sendLoginPrompt always goes to the private chat: the link binds the
// account to whoever completes it.
func (r *Router) sendLoginPrompt(ctx context.Context, userID int64) {
	if r.cfg.Links == nil || !r.cfg.Links.Configured() {
		return
	}

	url, err := r.cfg.Links.Begin(ctx, userID)
	if err != nil {
		r.logger.Error("failed to start login flow", logger.UserID(userID, r.redact), zap.Error(err))
		r.send(ctx, &telegram.SendMessageRequest{ChatID: userID, Text: msgLinkStartFailed})
		return
	}

	r.send(ctx, &telegram.SendMessageRequest{
		ChatID:      userID,
		Text:        fmt.Sprintf(msgLoginPrompt, r.cfg.LinkExpiryMinutes),
		ParseMode:   "HTML",
		ReplyMarkup: telegram.URLButton(msgLoginButton, url),
	})
}

func (r *Router) invokeAgent(ctx context.Context, msg *telegram.Message, mode, text string) error {
	if r.cfg.Agent == nil {
		return r.reply(ctx, msg, msgAgentUnavailable, false)
	}

	if r.cfg.Limiter != nil {
		res, err := r.cfg.Limiter.Allow(ctx, msg.From.ID)
		if err != nil {
			r.logger.Warn("command rate limiter unavailable, allowing", zap.Error(err))
		} else if !res.Allowed {
			wait := int(res.RetryAfter.Seconds())
			if wait < 1 {
				wait = 1
			}
			return r.reply(ctx, msg, fmt.Sprintf(msgRateLimited, wait), false)
		}
	}

	r.logger.Debug("sending message to agent",
		logger.UserID(msg.From.ID, r.redact),
		zap.String("mode", mode),
		logger.Text("text", text, r.redact),
	)

	answer, err := r.cfg.Agent.Invoke(ctx, msg.From.ID, mode, text)
	if err != nil {
		r.logger.Error("agent request failed",
			logger.UserID(msg.From.ID, r.redact),
			zap.String("mode", mode),
			zap.Error(err),
		)
		r.send(ctx, &telegram.SendMessageRequest{ChatID: msg.Chat.ID, Text: msgAgentFailed})
		return err
	}
	if answer == "" {
		return nil
	}
	return r.reply(ctx, msg, answer, true)
}

func (r *Router) publishEpisode(ctx context.Context, msg *telegram.Message) error {
	if r.cfg.Episodes == nil || !membership.Contains(r.cfg.Groups, msg.Chat.ID) {
		return nil
	}

	ep, err := episodes.FromMessage(msg, msg.Chat.ID)
	if err != nil {
		return err
	}
	if err := r.cfg.Episodes.Publish(ctx, ep); err != nil {
		r.logger.Error("failed to publish episode", zap.String("name", ep.Name), zap.Error(err))
		return err
	}
	return nil
}

func (r *Router) reply(ctx context.Context, msg *telegram.Message, text string, threaded bool) error {
	req := &telegram.SendMessageRequest{ChatID: msg.Chat.ID, Text: text}
	if threaded {
		req.ReplyToMessageID = msg.MessageID
	}
	return r.sendErr(ctx, req)
}

func (r *Router) replyHTML(ctx context.Context, msg *telegram.Message, text string) error {
	return r.sendErr(ctx, &telegram.SendMessageRequest{ChatID: msg.Chat.ID, Text: text, ParseMode: "HTML"})
}

func (r *Router) send(ctx context.Context, req *telegram.SendMessageRequest) {
	_ = r.sendErr(ctx, req)
}

func (r *Router) sendErr(ctx context.Context, req *telegram.SendMessageRequest) error {
	if _, err := r.cfg.Messenger.SendMessage(ctx, req); err != nil {
		var apiErr *telegram.APIError
		if errors.As(err, &apiErr) && apiErr.IsForbidden() {
			r.logger.Info("user has not started a private chat with the bot", zap.Int64("chat_id", req.ChatID))
			return nil
		}
		r.logger.Error("failed to send message", zap.Int64("chat_id", req.ChatID), zap.Error(err))
		return err
	}
	return nil
}

// parseCommand splits "/cmd@bot args". Commands addressed to another bot
// are not ours.
func parseCommand(text, botUsername string) (cmd, args string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}

	head, rest, _ := strings.Cut(text, " ")
	if i := strings.IndexAny(head, "\n\t"); i >= 0 {
		rest = head[i+1:] + " " + rest
		head = head[:i]
	}

	name, target, addressed := strings.Cut(head[1:], "@")
	if addressed && botUsername != "" && !strings.EqualFold(target, botUsername) {
		return "", "", false
	}
	if name == "" {
		return "", "", false
	}
	return strings.ToLower(name), strings.TrimSpace(rest), true
}
