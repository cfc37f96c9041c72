package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

// MockTelegramToken is the bot token the mock server accepts.
const MockTelegramToken = "123456:TEST-TOKEN"

// MockTelegramError is a scripted ok=false reply.
type MockTelegramError struct {
	Code        int
	Description string
	RetryAfter  int
}

// SentMessage is a recorded sendMessage call.
type SentMessage struct {
	ChatID      int64           `json:"chat_id"`
	Text        string          `json:"text"`
	ReplyMarkup json.RawMessage `json:"reply_markup,omitempty"`
}

// MockTelegramServer represents a mock Telegram Bot API server for testing.
// Membership is scripted per chat; unknown users get status "left".
type MockTelegramServer struct {
	Server *httptest.Server

	mu                 sync.Mutex
	members            map[int64]map[int64]string
	chatErrors         map[int64]MockTelegramError
	methodErrors       map[string]MockTelegramError
	sent               []SentMessage
	left               []int64
	webhookURL         string
	webhookSecret      string
	getChatMemberCalls int
}

// NewMockTelegramServer creates a new mock Bot API server.
func NewMockTelegramServer() *MockTelegramServer {
	mts := &MockTelegramServer{
		members:      make(map[int64]map[int64]string),
		chatErrors:   make(map[int64]MockTelegramError),
		methodErrors: make(map[string]MockTelegramError),
	}
	mts.Server = httptest.NewServer(http.HandlerFunc(mts.handle))
	return mts
}

// Close closes the mock server.
func (mts *MockTelegramServer) Close() {
	if mts.Server != nil {
		mts.Server.Close()
	}
}

// URL returns the base URL to pass to telegram.Client.
func (mts *MockTelegramServer) URL() string {
	return mts.Server.URL
}

// SetMember scripts a getChatMember status.
func (mts *MockTelegramServer) SetMember(chatID, userID int64, status string) {
	mts.mu.Lock()
	defer mts.mu.Unlock()
	if mts.members[chatID] == nil {
		mts.members[chatID] = make(map[int64]string)
	}
	mts.members[chatID][userID] = status
}

// FailChat makes every call that targets chatID fail.
func (mts *MockTelegramServer) FailChat(chatID int64, e MockTelegramError) {
	mts.mu.Lock()
	defer mts.mu.Unlock()
	mts.chatErrors[chatID] = e
}

// FailMethod makes every call to method fail.
func (mts *MockTelegramServer) FailMethod(method string, e MockTelegramError) {
	mts.mu.Lock()
	defer mts.mu.Unlock()
	mts.methodErrors[method] = e
}

// SentMessages returns a copy of the recorded sendMessage calls.
func (mts *MockTelegramServer) SentMessages() []SentMessage {
	mts.mu.Lock()
	defer mts.mu.Unlock()
	return append([]SentMessage(nil), mts.sent...)
}

// LeftChats returns the chats the bot was asked to leave.
func (mts *MockTelegramServer) LeftChats() []int64 {
	mts.mu.Lock()
	defer mts.mu.Unlock()
	return append([]int64(nil), mts.left...)
}

// Webhook returns the last registered webhook URL and secret.
func (mts *MockTelegramServer) Webhook() (string, string) {
	mts.mu.Lock()
	defer mts.mu.Unlock()
	return mts.webhookURL, mts.webhookSecret
}

// ResetCallCounts resets the call counters.
func (mts *MockTelegramServer) ResetCallCounts() {
	mts.mu.Lock()
	defer mts.mu.Unlock()
	mts.getChatMemberCalls = 0
}

// MemberCalls returns the number of getChatMember calls.
func (mts *MockTelegramServer) MemberCalls() int {
	mts.mu.Lock()
	defer mts.mu.Unlock()
	return mts.getChatMemberCalls
}

func (mts *MockTelegramServer) handle(w http.ResponseWriter, r *http.Request) {
	prefix := "/bot" + MockTelegramToken + "/"
	if r.Method != http.MethodPost || !strings.HasPrefix(r.URL.Path, prefix) {
		writeTelegram(w, http.StatusNotFound, nil, &MockTelegramError{Code: 404, Description: "Not Found"})
		return
	}
	method := strings.TrimPrefix(r.URL.Path, prefix)

	params, err := parseParams(r)
	if err != nil {
		writeTelegram(w, http.StatusBadRequest, nil, &MockTelegramError{Code: 400, Description: "Bad Request: " + err.Error()})
		return
	}

	mts.mu.Lock()
	defer mts.mu.Unlock()

	if e, ok := mts.methodErrors[method]; ok {
		writeTelegram(w, e.Code, nil, &e)
		return
	}
	if e, ok := mts.chatErrors[params.ChatID]; ok && params.ChatID != 0 {
		if method == "getChatMember" {
			mts.getChatMemberCalls++
		}
		writeTelegram(w, e.Code, nil, &e)
		return
	}

	switch method {
	case "getMe":
		writeTelegram(w, http.StatusOK, map[string]any{"id": 1, "is_bot": true, "first_name": "Tower", "username": "tower_bot"}, nil)

	case "getChatMember":
		mts.getChatMemberCalls++
		status, ok := mts.members[params.ChatID][params.UserID]
		if !ok {
			status = "left"
		}
		writeTelegram(w, http.StatusOK, map[string]any{
			"status": status,
			"user":   map[string]any{"id": params.UserID, "is_bot": false, "first_name": "Test"},
		}, nil)

	case "sendMessage":
		mts.sent = append(mts.sent, SentMessage{ChatID: params.ChatID, Text: params.Text, ReplyMarkup: params.ReplyMarkup})
		writeTelegram(w, http.StatusOK, map[string]any{
			"message_id": len(mts.sent),
			"chat":       map[string]any{"id": params.ChatID, "type": "private"},
			"date":       0,
			"text":       params.Text,
		}, nil)

	case "leaveChat":
		mts.left = append(mts.left, params.ChatID)
		writeTelegram(w, http.StatusOK, true, nil)

	case "setWebhook":
		mts.webhookURL = params.URL
		mts.webhookSecret = params.SecretToken
		writeTelegram(w, http.StatusOK, true, nil)

	default:
		writeTelegram(w, http.StatusNotFound, nil, &MockTelegramError{Code: 404, Description: "Not Found: method not found"})
	}
}

// mockParams are the request fields the mock understands.
type mockParams struct {
	ChatID      int64
	UserID      int64
	Text        string
	ReplyMarkup json.RawMessage
	URL         string
	SecretToken string
}

// parseParams reads a multipart/form-data or urlencoded body, the way the
// Bot API accepts them. Requests without parameters have no body.
func parseParams(r *http.Request) (mockParams, error) {
	var p mockParams

	ct := r.Header.Get("Content-Type")
	switch {
	case ct == "":
		return p, nil
	case strings.HasPrefix(ct, "multipart/form-data"):
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			return p, err
		}
	default:
		if err := r.ParseForm(); err != nil {
			return p, err
		}
	}

	field := func(name string) string {
		return strings.Trim(r.FormValue(name), `"`)
	}
	var err error
	if v := field("chat_id"); v != "" {
		if p.ChatID, err = strconv.ParseInt(v, 10, 64); err != nil {
			return p, fmt.Errorf("invalid chat_id %q", v)
		}
	}
	if v := field("user_id"); v != "" {
		if p.UserID, err = strconv.ParseInt(v, 10, 64); err != nil {
			return p, fmt.Errorf("invalid user_id %q", v)
		}
	}
	p.Text = field("text")
	p.URL = field("url")
	p.SecretToken = field("secret_token")
	if v := r.FormValue("reply_markup"); v != "" {
		p.ReplyMarkup = json.RawMessage(v)
	}
	return p, nil
}

func writeTelegram(w http.ResponseWriter, status int, result any, e *MockTelegramError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	body := map[string]any{"ok": e == nil}
	if e == nil {
		body["result"] = result
	} else {
		body["error_code"] = e.Code
		body["description"] = e.Description
		if e.RetryAfter > 0 {
			body["parameters"] = map[string]any{"retry_after": e.RetryAfter}
		}
	}
	_ = json.NewEncoder(w).Encode(body)
}
