package membership

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/parsascontentcorner/towerbot/internal/metrics"
	"github.com/parsascontentcorner/towerbot/internal/telegram"
	"github.com/parsascontentcorner/towerbot/pkg/logger"
)

const lookupTimeout = 10 * time.Second

// MemberLookup fetches one user's status in one chat
type MemberLookup interface {
	GetChatMember(ctx context.Context, chatID, userID int64) (*telegram.ChatMember, error)
}

// Checker performs live membership lookups. Results are never cached.
type Checker struct {
	lookup  MemberLookup
	logger  *zap.Logger
	metrics *metrics.Metrics
	redact  bool
}

// NewChecker creates a membership checker. redact hides user ids in logs.
func NewChecker(lookup MemberLookup, log *zap.Logger, m *metrics.Metrics, redact bool) *Checker {
	return &Checker{
		lookup:  lookup,
		logger:  log,
		metrics: m,
		redact:  redact,
	}
}

// IsMemberOfAny checks groups in order and returns on the first membership.
// A failed lookup counts as "not a member" of that group.
func (c *Checker) IsMemberOfAny(ctx context.Context, telegramID int64, groups []int64) bool {
	for _, chatID := range groups {
		if c.isMember(ctx, telegramID, chatID) {
			return true
		}
	}
	return false
}

// GroupsContaining returns every group in candidates the identity belongs to
func (c *Checker) GroupsContaining(ctx context.Context, telegramID int64, candidates []int64) map[int64]struct{} {
	found := make(map[int64]struct{})
	for _, chatID := range candidates {
		if c.isMember(ctx, telegramID, chatID) {
			found[chatID] = struct{}{}
		}
	}
	return found
}

func (c *Checker) isMember(ctx context.Context, telegramID, chatID int64) bool {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	member, err := c.lookup.GetChatMember(ctx, chatID, telegramID)
	if err != nil {
		c.metrics.ObserveMembershipLookup("error")
		c.logLookupError(err, telegramID, chatID)
		return false
	}

	if member.IsActiveMember() {
		c.metrics.ObserveMembershipLookup("member")
		return true
	}

	c.metrics.ObserveMembershipLookup("not_member")
	c.logger.Debug("user is not a member of group",
		logger.UserID(telegramID, c.redact),
		zap.Int64("chat_id", chatID),
		zap.String("status", member.Status),
	)
	return false
}

func (c *Checker) logLookupError(err error, telegramID, chatID int64) {
	fields := []zap.Field{
		logger.UserID(telegramID, c.redact),
		zap.Int64("chat_id", chatID),
		zap.Error(err),
	}

	apiErr, ok := telegram.AsAPIError(err)
	switch {
	case ok && apiErr.IsNotFound():
		c.logger.Warn("membership lookup: user or chat not found", fields...)
	case ok && apiErr.IsForbidden():
		c.logger.Warn("membership lookup: bot has no access to group", fields...)
	case ok && apiErr.IsRateLimited():
		c.logger.Warn("membership lookup rate limited",
			append(fields, zap.Duration("retry_after", apiErr.RetryAfter))...)
	case errors.Is(err, telegram.ErrUnreachable) || errors.Is(err, context.DeadlineExceeded):
		c.logger.Warn("membership lookup failed, will retry on next interaction", fields...)
	default:
		c.logger.Error("membership lookup failed", fields...)
	}
}
