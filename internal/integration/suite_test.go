// Package integration exercises the assembled bot against a real
// PostgreSQL container and mock Telegram, community and agent servers.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/parsascontentcorner/towerbot/internal/agent"
	"github.com/parsascontentcorner/towerbot/internal/auth"
	"github.com/parsascontentcorner/towerbot/internal/bot"
	"github.com/parsascontentcorner/towerbot/internal/config"
	"github.com/parsascontentcorner/towerbot/internal/database"
	httpserver "github.com/parsascontentcorner/towerbot/internal/http"
	"github.com/parsascontentcorner/towerbot/internal/membership"
	"github.com/parsascontentcorner/towerbot/internal/metrics"
	"github.com/parsascontentcorner/towerbot/internal/ratelimit"
	"github.com/parsascontentcorner/towerbot/internal/telegram"
	"github.com/parsascontentcorner/towerbot/internal/testutil"
)

const (
	testGroupID   int64 = -1001234567890
	webhookSecret       = "integration-secret"
	agentReply          = "pong from the agent"
)

type testSuite struct {
	db         *database.DB
	telegram   *testutil.MockTelegramServer
	community  *testutil.MockCommunityServer
	agentCalls *atomic.Int32
	handler    http.Handler
	dispatcher *bot.Dispatcher
}

func setupTestSuite(t *testing.T) *testSuite {
	t.Helper()
	ctx := context.Background()

	db, cleanupDB, err := testutil.SetupTestDB(ctx)
	require.NoError(t, err)
	t.Cleanup(cleanupDB)

	tg := testutil.NewMockTelegramServer()
	t.Cleanup(tg.Close)
	community := testutil.NewMockCommunityServer()
	t.Cleanup(community.Close)

	agentCalls := &atomic.Int32{}
	agentSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agentCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"reply": agentReply})
	}))
	t.Cleanup(agentSrv.Close)

	log := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
	m := metrics.New()

	cfg := testutil.GenerateTestConfig()
	cfg.Telegram.APIBaseURL = tg.URL()
	cfg.Telegram.WebhookSecret = webhookSecret
	cfg.OAuth = config.OAuthConfig{
		BaseURL:           community.URL(),
		ClientID:          "towerbot",
		ClientSecret:      "secret",
		Scopes:            []string{"read"},
		PKCEExpiryMinutes: 30,
	}
	cfg.Agent.URL = agentSrv.URL

	client, err := telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.APIBaseURL, log)
	require.NoError(t, err)
	groups := []int64{testGroupID}

	checker := membership.NewChecker(client, log, m, false)
	sessions := auth.NewSessionStore(db, cfg.OAuth.PKCEExpiry(), log, false)
	links := auth.NewLinkFlow(auth.NewCommunityClient(&cfg.OAuth, cfg.RedirectURI(), log), sessions, log, m, false)
	gate := auth.NewGate(auth.GateConfig{
		Groups:         groups,
		Membership:     checker,
		Sessions:       sessions,
		LinkingEnabled: links.Configured(),
	}, log, m, false)

	router := bot.NewRouter(bot.RouterConfig{
		Groups:            groups,
		BotUsername:       "tower_test_bot",
		LinkExpiryMinutes: cfg.OAuth.PKCEExpiryMinutes,
		Messenger:         client,
		Gate:              gate,
		Links:             links,
		Agent:             agent.NewClient(&cfg.Agent, log, false),
		Limiter:           ratelimit.NewMemoryCommandLimiter(cfg.RateLimit.CommandLimit, cfg.RateLimit.CommandWindow),
	}, log, m, false)

	dispatcher := bot.NewDispatcher(router, cfg.Server.Workers, cfg.Server.QueueSize, 10*time.Second, log, m)
	dispatcher.Start(ctx)
	t.Cleanup(func() { dispatcher.Stop(time.Second) })

	handlers := httpserver.NewHandlers(httpserver.HandlersConfig{
		WebhookSecret: webhookSecret,
		Updates:       dispatcher,
		Links:         links,
		Notifier:      client,
		Keys:          db,
		Metrics:       m,
	}, log)

	return &testSuite{
		db:         db,
		telegram:   tg,
		community:  community,
		agentCalls: agentCalls,
		handler:    httpserver.NewRouter(handlers),
		dispatcher: dispatcher,
	}
}

// deliver posts one update to the webhook the way Telegram does
func (ts *testSuite) deliver(t *testing.T, body []byte) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/platform-events", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", webhookSecret)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func (ts *testSuite) get(target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

// messagesTo returns what the bot sent to one chat
func (ts *testSuite) messagesTo(chatID int64) []testutil.SentMessage {
	var out []testutil.SentMessage
	for _, m := range ts.telegram.SentMessages() {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out
}
