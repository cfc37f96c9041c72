package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	rdb "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/towerbot/internal/agent"
	"github.com/parsascontentcorner/towerbot/internal/auth"
	"github.com/parsascontentcorner/towerbot/internal/bot"
	"github.com/parsascontentcorner/towerbot/internal/config"
	"github.com/parsascontentcorner/towerbot/internal/database"
	"github.com/parsascontentcorner/towerbot/internal/episodes"
	grpcserver "github.com/parsascontentcorner/towerbot/internal/grpc"
	httpserver "github.com/parsascontentcorner/towerbot/internal/http"
	"github.com/parsascontentcorner/towerbot/internal/membership"
	"github.com/parsascontentcorner/towerbot/internal/metrics"
	"github.com/parsascontentcorner/towerbot/internal/ratelimit"
	"github.com/parsascontentcorner/towerbot/internal/telegram"
	"github.com/parsascontentcorner/towerbot/internal/telemetry"
)

const (
	updateTimeout   = 2 * time.Minute
	shutdownTimeout = 10 * time.Second
	cleanupInterval = 30 * time.Minute
	healthInterval  = 15 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver, update workers and health endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() {
				// Sync errors on stdout/stderr are expected for non-syncable descriptors
				_ = log.Sync()
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	redact := !cfg.IsDev()

	log.Info("starting TowerBot",
		zap.String("environment", cfg.Server.Env),
		zap.String("http_port", cfg.Server.HTTPPort),
		zap.String("grpc_port", cfg.Server.GRPCPort),
	)

	m := metrics.New()

	shutdownTracing, err := telemetry.Init(ctx, &cfg.Telemetry, log)
	if err != nil {
		log.Error("failed to initialize tracing, continuing without it", zap.Error(err))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	// Persistence is optional: without it the bot runs with linking disabled.
	var db *database.DB
	if cfg.Database.ConnString != "" {
		db, err = database.NewDB(&cfg.Database, log)
		if err != nil {
			return err
		}
		defer func() {
			if err := db.Close(); err != nil {
				log.Error("failed to close database connection", zap.Error(err))
			}
		}()

		if err := db.RunMigrations(); err != nil {
			return err
		}
		db.StartCleanupJob(ctx, cleanupInterval)
	} else {
		log.Warn("no POSTGRES_CONN_STRING configured, account linking is disabled")
	}

	tg, err := telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.APIBaseURL, log)
	if err != nil {
		return err
	}
	tg.SetRateLimiter(ratelimit.NewRateLimiter(log))

	me, err := tg.GetMe(ctx)
	if err != nil {
		return err
	}
	log.Info("bot identity resolved", zap.String("username", me.Username))

	groups := membership.ParseGroupIDs(cfg.Groups.PrimaryID, cfg.Groups.AllowedIDs, log)
	if cfg.GroupsConfigured() && len(groups) == 0 {
		log.Error("group restriction requested but no group id could be parsed, membership check is disabled")
	}

	checker := membership.NewChecker(tg, log, m, redact)
	soulink := membership.NewSoulink(cfg.Soulink.Enabled, cfg.Soulink.AdminID, groups, checker, log, redact)

	var repo auth.SessionRepository
	if db != nil {
		repo = db
	}
	sessions := auth.NewSessionStore(repo, cfg.OAuth.PKCEExpiry(), log, redact)

	var provider auth.Provider
	switch {
	case cfg.OAuth.OAuthEnabled() && db != nil:
		provider = auth.NewCommunityClient(&cfg.OAuth, cfg.RedirectURI(), log)
	case cfg.OAuth.OAuthEnabled():
		log.Warn("OAuth client configured without session storage, account linking is disabled")
	case cfg.OAuth.OAuthPartial():
		log.Warn("OAuth client partially configured, account linking is disabled")
	}
	links := auth.NewLinkFlow(provider, sessions, log, m, redact)

	gate := auth.NewGate(auth.GateConfig{
		Groups:         groups,
		Membership:     checker,
		Soulink:        soulink,
		Sessions:       sessions,
		LinkingEnabled: links.Configured(),
	}, log, m, redact)

	routerCfg := bot.RouterConfig{
		Groups:            groups,
		BotUsername:       me.Username,
		LinkExpiryMinutes: cfg.OAuth.PKCEExpiryMinutes,
		Messenger:         tg,
		Gate:              gate,
		Links:             links,
		Limiter:           newCommandLimiter(ctx, cfg, log),
	}

	if agentClient := agent.NewClient(&cfg.Agent, log, redact); agentClient.Configured() {
		routerCfg.Agent = agentClient
	} else {
		log.Warn("no AGENT_URL configured, agent replies are disabled")
	}

	if cfg.Episodes.NATSURL != "" {
		publisher, err := episodes.NewPublisher(cfg.Episodes.NATSURL, cfg.Episodes.Subject, log)
		if err != nil {
			log.Error("failed to connect episode publisher, continuing without it", zap.Error(err))
		} else {
			defer publisher.Close()
			routerCfg.Episodes = publisher
		}
	}

	router := bot.NewRouter(routerCfg, log, m, redact)
	dispatcher := bot.NewDispatcher(router, cfg.Server.Workers, cfg.Server.QueueSize, updateTimeout, log, m)
	// Workers outlive the signal so that Stop can drain the queue.
	dispatcher.Start(context.WithoutCancel(ctx))

	handlersCfg := httpserver.HandlersConfig{
		WebhookSecret: cfg.Telegram.WebhookSecret,
		Updates:       dispatcher,
		Links:         links,
		Notifier:      tg,
		Metrics:       m,
		Redact:        redact,
	}
	if db != nil {
		handlersCfg.Keys = db
	}
	httpServer := httpserver.NewServer(httpserver.NewHandlers(handlersCfg, log), cfg.Server.HTTPPort, log)

	errChan := make(chan error, 2)
	go func() {
		if err := httpServer.Serve(); err != nil {
			errChan <- err
		}
	}()

	var grpcServer *grpcserver.Server
	if cfg.Server.GRPCPort != "" {
		grpcServer, err = grpcserver.NewServer(cfg.Server.GRPCPort, log)
		if err != nil {
			return err
		}

		var pinger grpcserver.Pinger
		if db != nil {
			pinger = db
		}
		go grpcServer.WatchDependency(ctx, pinger, healthInterval)
		go func() {
			if err := grpcServer.Serve(); err != nil {
				errChan <- err
			}
		}()
	}

	var serveErr error
	select {
	case serveErr = <-errChan:
		log.Error("server error", zap.Error(serveErr))
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}

	log.Info("shutting down servers...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop accepting updates before draining the workers.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shutdown HTTP server gracefully", zap.Error(err))
	}
	dispatcher.Stop(shutdownTimeout)
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}

	log.Info("servers shut down successfully")
	return serveErr
}

// newCommandLimiter prefers Redis so that replicas share one budget
func newCommandLimiter(ctx context.Context, cfg *config.Config, log *zap.Logger) ratelimit.CommandLimiter {
	limit, window := cfg.RateLimit.CommandLimit, cfg.RateLimit.CommandWindow

	if cfg.RateLimit.RedisAddr == "" {
		return ratelimit.NewMemoryCommandLimiter(limit, window)
	}

	client := rdb.NewClient(&rdb.Options{Addr: cfg.RateLimit.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unreachable, using in-process command limiter", zap.Error(err))
		_ = client.Close()
		return ratelimit.NewMemoryCommandLimiter(limit, window)
	}
	return ratelimit.NewRedisCommandLimiter(client, limit, window)
}
