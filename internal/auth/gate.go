package auth

import (
	"context"

	"go.uber.org/zap"

	"github.com/parsascontentcorner/towerbot/internal/metrics"
	"github.com/parsascontentcorner/towerbot/pkg/logger"
)

// Outcome is what the bot does with an interaction
type Outcome int

// Gate outcomes
const (
	Allow Outcome = iota
	DenySilently
	DenyWithPrompt
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case DenySilently:
		return "deny_silently"
	case DenyWithPrompt:
		return "deny_with_prompt"
	default:
		return "unknown"
	}
}

// Deny reasons
const (
	ReasonNotGroupMember = "not_group_member"
	ReasonSoulinkDenied  = "soulink_denied"
	ReasonLinkRequired   = "link_required"
)

// Decision is the gate's verdict for one interaction
type Decision struct {
	Outcome Outcome
	Reason  string
}

// Allowed reports whether the interaction may proceed
func (d Decision) Allowed() bool {
	return d.Outcome == Allow
}

// MembershipChecker answers group membership
type MembershipChecker interface {
	IsMemberOfAny(ctx context.Context, telegramID int64, groups []int64) bool
}

// ProximityGate answers the shared-group check
type ProximityGate interface {
	Enabled() bool
	HasSharedGroup(ctx context.Context, telegramID int64) bool
}

// SessionChecker answers whether an identity is linked
type SessionChecker interface {
	HasActiveSession(ctx context.Context, telegramID int64) bool
}

// GateConfig wires the gate's checks. A nil or empty entry disables that layer.
type GateConfig struct {
	Groups         []int64
	Membership     MembershipChecker
	Soulink        ProximityGate
	Sessions       SessionChecker
	LinkingEnabled bool
}

// Gate decides whether a Telegram user may interact with the bot.
// Membership and Soulink run before the link check so that outsiders are
// never shown a login link.
type Gate struct {
	cfg     GateConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	redact  bool
}

// NewGate creates the gate
func NewGate(cfg GateConfig, log *zap.Logger, m *metrics.Metrics, redact bool) *Gate {
	return &Gate{cfg: cfg, logger: log, metrics: m, redact: redact}
}

// Authorize evaluates the layers in order and stops at the first failure
func (g *Gate) Authorize(ctx context.Context, telegramID int64) Decision {
	d := g.evaluate(ctx, telegramID)

	g.metrics.ObserveDecision(d.Outcome.String(), d.Reason)
	if d.Allowed() {
		g.logger.Debug("user authorized", logger.UserID(telegramID, g.redact))
	} else {
		g.logger.Debug("user denied",
			logger.UserID(telegramID, g.redact),
			zap.String("outcome", d.Outcome.String()),
			zap.String("reason", d.Reason),
		)
	}
	return d
}

func (g *Gate) evaluate(ctx context.Context, telegramID int64) Decision {
	if len(g.cfg.Groups) > 0 && g.cfg.Membership != nil {
		if !g.cfg.Membership.IsMemberOfAny(ctx, telegramID, g.cfg.Groups) {
			return Decision{Outcome: DenySilently, Reason: ReasonNotGroupMember}
		}
	}

	if g.cfg.Soulink != nil && g.cfg.Soulink.Enabled() {
		if !g.cfg.Soulink.HasSharedGroup(ctx, telegramID) {
			return Decision{Outcome: DenySilently, Reason: ReasonSoulinkDenied}
		}
	}

	if g.cfg.LinkingEnabled {
		if g.cfg.Sessions == nil || !g.cfg.Sessions.HasActiveSession(ctx, telegramID) {
			return Decision{Outcome: DenyWithPrompt, Reason: ReasonLinkRequired}
		}
	}

	return Decision{Outcome: Allow}
}
