package testutil

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsascontentcorner/towerbot/internal/models"
)

// AssertSessionEqual compares two sessions, ignoring timestamps set by storage.
func AssertSessionEqual(t *testing.T, expected, actual *models.Session) {
	t.Helper()

	require.NotNil(t, expected, "expected session should not be nil")
	require.NotNil(t, actual, "actual session should not be nil")

	assert.Equal(t, expected.TelegramID, actual.TelegramID, "TelegramID mismatch")
	assert.Equal(t, expected.ExternalUserID, actual.ExternalUserID, "ExternalUserID mismatch")
	assert.Equal(t, expected.AccessToken, actual.AccessToken, "AccessToken mismatch")
	assert.Equal(t, expected.CodeVerifier, actual.CodeVerifier, "CodeVerifier mismatch")
	assert.Equal(t, expected.ExpiresAt.Valid, actual.ExpiresAt.Valid, "ExpiresAt validity mismatch")
	if expected.ExpiresAt.Valid && actual.ExpiresAt.Valid {
		AssertTimeAlmostEqual(t, expected.ExpiresAt.Time, actual.ExpiresAt.Time, time.Second)
	}
}

// AssertAuthURL parses an authorization URL and checks the PKCE and state
// parameters. It returns the query for further checks.
func AssertAuthURL(t *testing.T, rawURL, wantState string) url.Values {
	t.Helper()

	u, err := url.Parse(rawURL)
	require.NoError(t, err, "authorization URL should parse")

	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, wantState, q.Get("state"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Len(t, q.Get("code_challenge"), 43, "challenge should be unpadded base64url of a sha256 digest")
	return q
}

// AssertTimeAlmostEqual checks if two times are within a delta of each other.
// Useful for comparing timestamps that may have slight differences due to processing time.
func AssertTimeAlmostEqual(t *testing.T, expected, actual time.Time, delta time.Duration) {
	t.Helper()

	diff := expected.Sub(actual)
	if diff < 0 {
		diff = -diff
	}

	assert.True(t, diff <= delta,
		"times differ by %v, expected within %v (expected: %v, actual: %v)",
		diff, delta, expected, actual)
}
