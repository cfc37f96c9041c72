package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/towerbot/internal/ratelimit"
	"github.com/parsascontentcorner/towerbot/internal/testutil"
)

func newTestClient(t *testing.T) (*Client, *testutil.MockTelegramServer) {
	t.Helper()
	mock := testutil.NewMockTelegramServer()
	t.Cleanup(mock.Close)

	client, err := NewClient(testutil.MockTelegramToken, mock.URL(), zap.NewNop())
	require.NoError(t, err)
	client.SetRateLimiter(ratelimit.NewRateLimiter(zap.NewNop()))
	return client, mock
}

func TestGetChatMember(t *testing.T) {
	client, mock := newTestClient(t)
	mock.SetMember(-100, 42, StatusAdministrator)

	member, err := client.GetChatMember(context.Background(), -100, 42)

	require.NoError(t, err)
	assert.Equal(t, StatusAdministrator, member.Status)
	assert.True(t, member.IsActiveMember())
	assert.Equal(t, int64(42), member.User.ID)
}

func TestGetChatMember_UnknownUserHasLeft(t *testing.T) {
	client, _ := newTestClient(t)

	member, err := client.GetChatMember(context.Background(), -100, 7)

	require.NoError(t, err)
	assert.Equal(t, StatusLeft, member.Status)
	assert.False(t, member.IsActiveMember())
}

func TestGetChatMember_APIErrors(t *testing.T) {
	tests := []struct {
		name          string
		scripted      testutil.MockTelegramError
		wantNotFound  bool
		wantForbidden bool
		wantLimited   bool
	}{
		{
			name:         "user not found",
			scripted:     testutil.MockTelegramError{Code: 400, Description: "Bad Request: user not found"},
			wantNotFound: true,
		},
		{
			name:         "chat not found",
			scripted:     testutil.MockTelegramError{Code: 400, Description: "Bad Request: chat not found"},
			wantNotFound: true,
		},
		{
			name:          "bot kicked",
			scripted:      testutil.MockTelegramError{Code: 403, Description: "Forbidden: bot was kicked from the supergroup chat"},
			wantForbidden: true,
		},
		{
			name:        "flood control",
			scripted:    testutil.MockTelegramError{Code: 429, Description: "Too Many Requests: retry after 3", RetryAfter: 3},
			wantLimited: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, mock := newTestClient(t)
			mock.FailChat(-100, tt.scripted)

			_, err := client.GetChatMember(context.Background(), -100, 42)
			require.Error(t, err)

			apiErr, ok := AsAPIError(err)
			require.True(t, ok)
			assert.Equal(t, "getChatMember", apiErr.Method)
			assert.Equal(t, tt.scripted.Code, apiErr.Code)
			assert.Equal(t, tt.wantNotFound, apiErr.IsNotFound())
			assert.Equal(t, tt.wantForbidden, apiErr.IsForbidden())
			assert.Equal(t, tt.wantLimited, apiErr.IsRateLimited())
			if tt.wantLimited {
				assert.Equal(t, 3*time.Second, apiErr.RetryAfter)
			}
		})
	}
}

func TestSendMessage_WithButton(t *testing.T) {
	client, mock := newTestClient(t)

	msg, err := client.SendMessage(context.Background(), &SendMessageRequest{
		ChatID:      99,
		Text:        "Link your account",
		ReplyMarkup: URLButton("Log in", "https://community.example.com/o/authorize/"),
	})

	require.NoError(t, err)
	assert.Equal(t, "Link your account", msg.Text)

	sent := mock.SentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, int64(99), sent[0].ChatID)

	var markup InlineKeyboardMarkup
	require.NoError(t, json.Unmarshal(sent[0].ReplyMarkup, &markup))
	require.Len(t, markup.InlineKeyboard, 1)
	assert.Equal(t, "Log in", markup.InlineKeyboard[0][0].Text)
	assert.Equal(t, "https://community.example.com/o/authorize/", markup.InlineKeyboard[0][0].URL)
}

func TestSendMessage_RateLimitedRecordsBackoff(t *testing.T) {
	mock := testutil.NewMockTelegramServer()
	defer mock.Close()
	mock.FailChat(5, testutil.MockTelegramError{Code: 429, Description: "Too Many Requests", RetryAfter: 2})

	limiter := ratelimit.NewRateLimiter(zap.NewNop())
	client, err := NewClient(testutil.MockTelegramToken, mock.URL(), zap.NewNop())
	require.NoError(t, err)
	client.SetRateLimiter(limiter)

	_, err = client.SendMessage(context.Background(), &SendMessageRequest{ChatID: 5, Text: "hi"})

	require.Error(t, err)
	assert.WithinDuration(t, time.Now().Add(2*time.Second), limiter.BlockedUntil("5"), 500*time.Millisecond)
	assert.Empty(t, mock.SentMessages(), "the failed call is not retried")
}

func TestLeaveChat(t *testing.T) {
	client, mock := newTestClient(t)

	require.NoError(t, client.LeaveChat(context.Background(), -300))
	assert.Equal(t, []int64{-300}, mock.LeftChats())
}

func TestSetWebhook(t *testing.T) {
	client, mock := newTestClient(t)

	require.NoError(t, client.SetWebhook(context.Background(), "https://bot.example.com/platform-events", "s3cret", true))

	url, secret := mock.Webhook()
	assert.Equal(t, "https://bot.example.com/platform-events", url)
	assert.Equal(t, "s3cret", secret)
}

func TestGetMe(t *testing.T) {
	client, _ := newTestClient(t)

	me, err := client.GetMe(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "tower_bot", me.Username)
	assert.True(t, me.IsBot)
}

func TestCall_MalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer server.Close()

	client, err := NewClient("tok", server.URL, zap.NewNop())
	require.NoError(t, err)

	_, err = client.GetMe(context.Background())
	require.Error(t, err)
	_, isAPIErr := AsAPIError(err)
	assert.False(t, isAPIErr)
	assert.NotErrorIs(t, err, ErrUnreachable)
	assert.Contains(t, err.Error(), "telegram getMe")
}

func TestCall_TransportErrorHidesToken(t *testing.T) {
	client, err := NewClient("999:very-secret", "http://127.0.0.1:1", zap.NewNop())
	require.NoError(t, err)

	_, err = client.GetMe(context.Background())
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "very-secret")
}

func TestMessage_KeepsRawJSON(t *testing.T) {
	data := []byte(`{"message_id":10,"chat":{"id":-1001,"type":"supergroup"},"date":1700000000,"text":"hello","from":{"id":5,"is_bot":false,"first_name":"A"}}`)

	var update Update
	require.NoError(t, json.Unmarshal([]byte(`{"update_id":1,"message":`+string(data)+`}`), &update))

	require.NotNil(t, update.Message)
	assert.Equal(t, "hello", update.Message.Text)
	assert.True(t, update.Message.Chat.IsGroup())
	assert.JSONEq(t, string(data), string(update.Message.Raw))
}

func TestCall_TransportErrorIsUnreachable(t *testing.T) {
	client, err := NewClient("tok", "http://127.0.0.1:1", zap.NewNop())
	require.NoError(t, err)

	_, err = client.GetChatMember(context.Background(), -1, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestNewClient_EmptyToken(t *testing.T) {
	client, err := NewClient("", "", zap.NewNop())

	assert.Error(t, err)
	assert.Nil(t, client)
}

func TestGetChatMember_RestrictedKeepsMembershipFlag(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"status":"restricted","is_member":true,"user":{"id":42,"is_bot":false,"first_name":"R"}}}`))
	}))
	defer server.Close()

	client, err := NewClient("tok", server.URL, zap.NewNop())
	require.NoError(t, err)

	member, err := client.GetChatMember(context.Background(), -100, 42)

	require.NoError(t, err)
	assert.Equal(t, StatusRestricted, member.Status)
	assert.True(t, member.IsMember)
	assert.False(t, member.IsActiveMember())
}

func TestSendMessage_ForbiddenIsAPIError(t *testing.T) {
	client, mock := newTestClient(t)
	mock.FailChat(77, testutil.MockTelegramError{Code: 403, Description: "Forbidden: bot was blocked by the user"})

	_, err := client.SendMessage(context.Background(), &SendMessageRequest{ChatID: 77, Text: "hi"})

	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	assert.True(t, apiErr.IsForbidden())
	assert.Equal(t, "sendMessage", apiErr.Method)
	assert.Contains(t, apiErr.Description, "blocked by the user")
}
