package membership

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/parsascontentcorner/towerbot/pkg/logger"
)

// Soulink admits an identity only if it shares at least one configured group
// with the admin. Groups outside configuration are invisible to the check.
type Soulink struct {
	enabled  bool
	adminRaw string
	groups   []int64
	checker  *Checker
	logger   *zap.Logger
	redact   bool
}

// NewSoulink creates the gate. adminID is kept raw and validated on every
// check, so a bad value denies instead of disabling the gate.
func NewSoulink(enabled bool, adminID string, groups []int64, checker *Checker, log *zap.Logger, redact bool) *Soulink {
	return &Soulink{
		enabled:  enabled,
		adminRaw: adminID,
		groups:   groups,
		checker:  checker,
		logger:   log,
		redact:   redact,
	}
}

// Enabled reports whether the check is active
func (s *Soulink) Enabled() bool {
	return s != nil && s.enabled
}

// adminID parses the configured admin identity. Only positive integers are valid.
func (s *Soulink) adminID() (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(s.adminRaw), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// HasSharedGroup reports whether telegramID and the admin are both members
// of some configured group. Disabled always passes.
func (s *Soulink) HasSharedGroup(ctx context.Context, telegramID int64) bool {
	if !s.Enabled() {
		return true
	}

	admin, ok := s.adminID()
	if !ok {
		s.logger.Error("soulink enabled but SOULINK_ADMIN_ID is invalid, denying",
			zap.String("admin_id", s.adminRaw),
			logger.UserID(telegramID, s.redact),
		)
		return false
	}

	if len(s.groups) == 0 {
		s.logger.Warn("soulink enabled but no groups are configured, denying",
			logger.UserID(telegramID, s.redact),
		)
		return false
	}

	userGroups := s.checker.GroupsContaining(ctx, telegramID, s.groups)
	if len(userGroups) == 0 {
		return false
	}

	adminGroups := s.checker.GroupsContaining(ctx, admin, s.groups)
	for chatID := range userGroups {
		if _, shared := adminGroups[chatID]; shared {
			s.logger.Debug("soulink shared group found",
				logger.UserID(telegramID, s.redact),
				zap.Int64("chat_id", chatID),
			)
			return true
		}
	}

	s.logger.Info("soulink: no shared group with admin", logger.UserID(telegramID, s.redact))
	return false
}
