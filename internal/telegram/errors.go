package telegram

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrUnreachable marks calls that failed before the Bot API answered
var ErrUnreachable = errors.New("telegram unreachable")

// APIError is an error reported by the Bot API in an ok=false response
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("telegram %s: %d %s (retry after %v)", e.Method, e.Code, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// IsRateLimited reports whether the call was rejected with 429
func (e *APIError) IsRateLimited() bool {
	return e.Code == http.StatusTooManyRequests
}

// IsNotFound reports a 400 for an unknown user or chat
func (e *APIError) IsNotFound() bool {
	if e.Code != http.StatusBadRequest {
		return false
	}
	d := strings.ToLower(e.Description)
	return strings.Contains(d, "user not found") ||
		strings.Contains(d, "chat not found") ||
		strings.Contains(d, "participant_id_invalid") ||
		strings.Contains(d, "member not found")
}

// IsForbidden reports a 403, typically the bot was removed from the chat
func (e *APIError) IsForbidden() bool {
	return e.Code == http.StatusForbidden
}

// AsAPIError unwraps err into an *APIError when possible
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
