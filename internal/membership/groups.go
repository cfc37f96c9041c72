// Package membership answers whether a Telegram identity belongs to the
// configured community groups, and whether it shares one with the admin.
package membership

import (
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// ParseGroupIDs merges the primary group id with the comma-separated extra
// ids. Blank entries are skipped, non-numeric ones are logged and skipped,
// and duplicates are dropped. Order of first appearance is kept.
func ParseGroupIDs(primary, extra string, logger *zap.Logger) []int64 {
	raw := []string{primary}
	raw = append(raw, strings.Split(extra, ",")...)

	seen := make(map[int64]struct{}, len(raw))
	ids := make([]int64, 0, len(raw))
	for _, entry := range raw {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, err := strconv.ParseInt(entry, 10, 64)
		if err != nil {
			logger.Warn("ignoring invalid group id", zap.String("value", entry))
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// Contains reports whether chatID is one of groups
func Contains(groups []int64, chatID int64) bool {
	for _, g := range groups {
		if g == chatID {
			return true
		}
	}
	return false
}
