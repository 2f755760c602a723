// Command gateway runs the DegenDuel realtime WebSocket gateway.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/degenduel/gateway/internal/auth"
	"github.com/degenduel/gateway/internal/broadcast"
	"github.com/degenduel/gateway/internal/config"
	"github.com/degenduel/gateway/internal/dispatch"
	"github.com/degenduel/gateway/internal/gateway"
	"github.com/degenduel/gateway/internal/logging"
	"github.com/degenduel/gateway/internal/metrics"
	"github.com/degenduel/gateway/internal/natsbus"
	"github.com/degenduel/gateway/internal/offline"
	"github.com/degenduel/gateway/internal/registry"
	"github.com/degenduel/gateway/internal/session"
	"github.com/degenduel/gateway/internal/topichandler"
	"github.com/degenduel/gateway/internal/topics"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/automaxprocs/maxprocs"
)

func main() {
	if _, err := maxprocs.Set(); err != nil {
		// non-fatal: GOMAXPROCS just stays at its runtime default
	}

	bootstrapLogger := logging.New(logging.Config{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootstrapLogger)
	if err != nil {
		bootstrapLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	revocation, err := session.NewRevocationCache(cfg.RedisURL, cfg.RevocationCacheTTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to session revocation cache")
	}
	defer revocation.Close()

	verifier := auth.NewVerifier(cfg.JWTSecret, revocation, cfg.SessionCookie, cfg.TokenQueryParam)

	pgPool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pgPool.Close()

	offlineStore := offline.New(pgPool, cfg.OfflineRetention, cfg.OfflineMaxPerPrincipal, logger)
	if err := offlineStore.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to ensure offline queue schema")
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	offlineStore.SetMetrics(m)

	handlers := topichandler.Table{
		"market-data":    &topics.MarketData{},
		"portfolio":      &topics.Portfolio{},
		"system":         &topics.System{},
		"contest":        &topics.Contest{},
		"user":           &topics.User{},
		"admin":          &topics.Admin{},
		"wallet":         &topics.Wallet{},
		"wallet-balance": &topics.WalletBalance{},
		"skyduel":        &topics.Skyduel{},
	}

	reg := registry.New(handlers)
	bcast := broadcast.New(reg, offlineStore, logger)

	// Give every handler a broadcaster now that one exists.
	handlers["market-data"].(*topics.MarketData).Broadcaster = bcast
	handlers["portfolio"].(*topics.Portfolio).Broadcaster = bcast
	handlers["system"].(*topics.System).Broadcaster = bcast
	handlers["contest"].(*topics.Contest).Broadcaster = bcast
	handlers["user"].(*topics.User).Broadcaster = bcast
	handlers["admin"].(*topics.Admin).Broadcaster = bcast
	handlers["wallet"].(*topics.Wallet).Broadcaster = bcast
	handlers["wallet-balance"].(*topics.WalletBalance).Broadcaster = bcast
	handlers["skyduel"].(*topics.Skyduel).Broadcaster = bcast

	dispatcher := dispatch.New(reg, handlers, verifier, offlineStore, cfg.RequestTimeout, logger)

	if cfg.NATSEnabled {
		bus, err := natsbus.Connect(cfg.NATSURL, bcast, logger)
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect to nats, continuing without the collaborator seam")
		} else {
			defer bus.Close()
			if err := bus.Subscribe(defaultSubjectMappings()); err != nil {
				logger.Error().Err(err).Msg("failed to subscribe nats subjects")
			}
		}
	}

	gw := gateway.New(cfg, logger, reg, dispatcher, bcast, verifier, m)
	if err := gw.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start gateway")
	}

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod+5*time.Second)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
}

func defaultSubjectMappings() []natsbus.SubjectMapping {
	return []natsbus.SubjectMapping{
		{Subject: "degenduel.market.tick.*", Topic: "market-data", Action: "tick"},
		{Subject: "degenduel.contest.state.*", Topic: "contest", Action: "state"},
		{Subject: "degenduel.skyduel.match.*", Topic: "skyduel", Action: "matchUpdate"},
	}
}
