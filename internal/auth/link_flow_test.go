package auth

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/towerbot/internal/models"
	"github.com/parsascontentcorner/towerbot/internal/testutil"
)

type linkFixture struct {
	flow *LinkFlow
	repo *testutil.MemorySessionRepository
	mock *testutil.MockCommunityServer
}

func newLinkFixture(t *testing.T, repo SessionRepository) *linkFixture {
	t.Helper()
	cc, mock := newTestCommunityClient(t)
	mem := testutil.NewMemorySessionRepository()
	if repo == nil {
		repo = mem
	}
	store := NewSessionStore(repo, 30*time.Minute, zap.NewNop(), false)
	return &linkFixture{
		flow: NewLinkFlow(cc, store, zap.NewNop(), nil, false),
		repo: mem,
		mock: mock,
	}
}

func requireLinkError(t *testing.T, err error, want LinkFailure) *LinkError {
	t.Helper()
	var lerr *LinkError
	require.True(t, errors.As(err, &lerr), "expected *LinkError, got %v", err)
	assert.Equal(t, want, lerr.Reason)
	return lerr
}

func TestLinkFlow_Begin(t *testing.T) {
	f := newLinkFixture(t, nil)

	authURL, err := f.flow.Begin(context.Background(), 12345)

	require.NoError(t, err)
	q := testutil.AssertAuthURL(t, authURL, "12345")

	row, ok := f.repo.Get(12345)
	require.True(t, ok)
	require.True(t, row.HasVerifier())
	assert.Equal(t, ChallengeFromVerifier(row.CodeVerifier.String), q.Get("code_challenge"))
	testutil.AssertTimeAlmostEqual(t, time.Now().Add(30*time.Minute), row.VerifierExpiresAt.Time, 5*time.Second)
}

func TestLinkFlow_BeginStorageDown(t *testing.T) {
	f := newLinkFixture(t, nil)
	f.repo.SetDown(true)

	authURL, err := f.flow.Begin(context.Background(), 12345)

	assert.ErrorIs(t, err, ErrVerifierNotStored)
	assert.Empty(t, authURL)
}

func TestLinkFlow_NotConfigured(t *testing.T) {
	flow := NewLinkFlow(nil, NewSessionStore(nil, time.Minute, zap.NewNop(), false), zap.NewNop(), nil, false)

	assert.False(t, flow.Configured())
	_, err := flow.Begin(context.Background(), 1)
	assert.ErrorIs(t, err, ErrLinkingNotConfigured)
	_, err = flow.Complete(context.Background(), "1", "code", "")
	assert.ErrorIs(t, err, ErrLinkingNotConfigured)
}

func TestLinkFlow_CompleteSuccess(t *testing.T) {
	ctx := context.Background()
	f := newLinkFixture(t, nil)
	_, err := f.flow.Begin(ctx, 12345)
	require.NoError(t, err)

	result, err := f.flow.Complete(ctx, "12345", "valid_code", "")

	require.NoError(t, err)
	assert.Equal(t, int64(12345), result.TelegramID)
	assert.Equal(t, "ext-1", result.ExternalUserID)
	testutil.AssertTimeAlmostEqual(t, time.Now().Add(time.Hour), result.ExpiresAt, 5*time.Second)

	row, ok := f.repo.Get(12345)
	require.True(t, ok)
	assert.True(t, row.IsActive())
	assert.Equal(t, "mock_access_token", row.AccessToken.String)
	assert.False(t, row.CodeVerifier.Valid, "verifier consumed")
}

func TestLinkFlow_CompleteCamelCaseProvider(t *testing.T) {
	ctx := context.Background()
	f := newLinkFixture(t, nil)
	_, err := f.flow.Begin(ctx, 777)
	require.NoError(t, err)

	result, err := f.flow.Complete(ctx, "777", "camel_code", "")

	require.NoError(t, err)
	assert.Equal(t, "ext-1", result.ExternalUserID)
	assert.True(t, result.ExpiresAt.IsZero())

	row, _ := f.repo.Get(777)
	assert.Equal(t, "T", row.AccessToken.String)
	assert.False(t, row.ExpiresAt.Valid, "no expiry from provider stores null")
	assert.True(t, row.IsActive())
}

func TestLinkFlow_CallbackReplay(t *testing.T) {
	ctx := context.Background()
	f := newLinkFixture(t, nil)
	_, err := f.flow.Begin(ctx, 12345)
	require.NoError(t, err)

	_, err = f.flow.Complete(ctx, "12345", "valid_code", "")
	require.NoError(t, err)

	_, err = f.flow.Complete(ctx, "12345", "valid_code", "")
	requireLinkError(t, err, FailureSessionExpired)
	assert.Equal(t, 1, f.mock.TokenCalls(), "replay must not reach the provider")
}

func TestLinkFlow_ConcurrentCallbacks(t *testing.T) {
	ctx := context.Background()
	f := newLinkFixture(t, nil)
	_, err := f.flow.Begin(ctx, 12345)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.flow.Complete(ctx, "12345", "valid_code", ""); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, f.mock.TokenCalls())
}

func TestLinkFlow_ProviderError(t *testing.T) {
	ctx := context.Background()
	f := newLinkFixture(t, nil)
	_, err := f.flow.Begin(ctx, 12345)
	require.NoError(t, err)

	_, err = f.flow.Complete(ctx, "12345", "", "access_denied")

	lerr := requireLinkError(t, err, FailureProviderError)
	assert.NotContains(t, lerr.UserMessage(), "access_denied")
	row, _ := f.repo.Get(12345)
	assert.False(t, row.CodeVerifier.Valid, "verifier cleared on provider error")
	assert.Equal(t, 0, f.mock.TokenCalls())
}

func TestLinkFlow_InvalidState(t *testing.T) {
	for _, state := range []string{"", "abc", "-5", "0", "12.5", "99999999999999999999"} {
		t.Run("state="+state, func(t *testing.T) {
			f := newLinkFixture(t, nil)

			_, err := f.flow.Complete(context.Background(), state, "valid_code", "")

			lerr := requireLinkError(t, err, FailureInvalidState)
			assert.Zero(t, lerr.TelegramID)
			assert.Equal(t, 0, f.mock.TokenCalls())
		})
	}
}

func TestLinkFlow_MissingCode(t *testing.T) {
	ctx := context.Background()
	f := newLinkFixture(t, nil)
	_, err := f.flow.Begin(ctx, 12345)
	require.NoError(t, err)

	_, err = f.flow.Complete(ctx, "12345", "", "")

	requireLinkError(t, err, FailureInvalidState)
	row, _ := f.repo.Get(12345)
	assert.False(t, row.CodeVerifier.Valid)
}

func TestLinkFlow_NoPendingVerifier(t *testing.T) {
	f := newLinkFixture(t, nil)

	_, err := f.flow.Complete(context.Background(), "12345", "valid_code", "")

	requireLinkError(t, err, FailureSessionExpired)
	assert.Equal(t, 0, f.mock.TokenCalls())
}

func TestLinkFlow_ExpiredVerifier(t *testing.T) {
	f := newLinkFixture(t, nil)
	f.repo.Put(testutil.GeneratePendingSession(12345, "stale", -time.Minute))

	_, err := f.flow.Complete(context.Background(), "12345", "valid_code", "")

	requireLinkError(t, err, FailureSessionExpired)
	assert.Equal(t, 0, f.mock.TokenCalls())
}

func TestLinkFlow_TokenExchangeFails(t *testing.T) {
	for _, code := range []string{"error_code", "server_error"} {
		t.Run(code, func(t *testing.T) {
			ctx := context.Background()
			f := newLinkFixture(t, nil)
			_, err := f.flow.Begin(ctx, 12345)
			require.NoError(t, err)

			_, err = f.flow.Complete(ctx, "12345", code, "")

			lerr := requireLinkError(t, err, FailureTokenExchange)
			assert.NotContains(t, lerr.UserMessage(), "invalid_grant")
			row, _ := f.repo.Get(12345)
			assert.False(t, row.IsLinked())
		})
	}
}

func TestLinkFlow_ProfileWithoutIDIsNotPersisted(t *testing.T) {
	ctx := context.Background()
	f := newLinkFixture(t, nil)
	_, err := f.flow.Begin(ctx, 12345)
	require.NoError(t, err)

	_, err = f.flow.Complete(ctx, "12345", "noid_code", "")

	requireLinkError(t, err, FailureProfileFetch)
	row, _ := f.repo.Get(12345)
	assert.False(t, row.IsLinked(), "no half-linked session")
	assert.False(t, row.ExternalUserID.Valid)
}

func TestLinkFlow_ProfileEndpointFails(t *testing.T) {
	ctx := context.Background()
	f := newLinkFixture(t, nil)
	f.mock.SetProfile("mock_access_token", testutil.MockResponse{Status: 500, Body: "boom"})
	_, err := f.flow.Begin(ctx, 12345)
	require.NoError(t, err)

	_, err = f.flow.Complete(ctx, "12345", "valid_code", "")

	requireLinkError(t, err, FailureProfileFetch)
	row, _ := f.repo.Get(12345)
	assert.False(t, row.IsLinked())
}

type failingSaveRepo struct {
	*testutil.MemorySessionRepository
}

func (failingSaveRepo) UpsertSession(context.Context, *models.Session) error {
	return errors.New("disk full")
}

func TestLinkFlow_SaveFails(t *testing.T) {
	ctx := context.Background()
	repo := failingSaveRepo{testutil.NewMemorySessionRepository()}
	f := newLinkFixture(t, repo)

	url, err := f.flow.Begin(ctx, 12345)
	require.NoError(t, err)
	require.NotEmpty(t, url)

	_, err = f.flow.Complete(ctx, strconv.Itoa(12345), "valid_code", "")

	requireLinkError(t, err, FailureSessionSave)
	row, _ := repo.Get(12345)
	assert.False(t, row.IsLinked())
}

func TestLinkError_Message(t *testing.T) {
	err := &LinkError{Reason: FailureTokenExchange, Err: errors.New("status 400")}
	assert.Equal(t, "authentication failed: token exchange failed: status 400", err.Error())

	err = &LinkError{Reason: FailureSessionExpired}
	assert.Equal(t, "authentication failed: session expired", err.Error())
	assert.Contains(t, err.UserMessage(), "/login")
}
