// Command engagementd runs the civic engagement API server.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	app "github.com/civic-chain/engagement/internal/app"
	"github.com/civic-chain/engagement/internal/app/httpapi"
	"github.com/civic-chain/engagement/internal/app/metrics"
	"github.com/civic-chain/engagement/internal/app/storage/postgres"
	"github.com/civic-chain/engagement/internal/config"
	"github.com/civic-chain/engagement/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "engagementd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(cfg.Logging)

	stores, db, err := buildStores(cfg, log)
	if err != nil {
		return fmt.Errorf("configure stores: %w", err)
	}
	if db != nil {
		defer db.Close()
	}

	var redisClient *redis.Client
	if cfg.Redis.Address != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		log.WithField("address", cfg.Redis.Address).Info("using redis leaderboard cache")
	} else {
		log.Info("no redis address configured; using in-process leaderboard cache")
	}

	application, err := app.New(stores, app.Options{
		LedgerEndpoint:     cfg.Ledger.Endpoint,
		LedgerAPIKey:       cfg.Ledger.APIKey,
		LedgerTimeout:      cfg.Ledger.Timeout,
		SweepSchedule:      cfg.Sweep.Schedule,
		Redis:              redisClient,
		LeaderboardTTL:     cfg.Leaderboard.TTL,
		LeaderboardRefresh: cfg.Leaderboard.RefreshInterval,
	}, log)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}

	auth := httpapi.NewAuth([]byte(cfg.Auth.Secret), cfg.Auth.TokenTTL, application.Users)
	apiHandler, err := httpapi.NewHandler(application, auth, httpapi.Options{
		AuditFile: cfg.Server.AuditFile,
	})
	if err != nil {
		return fmt.Errorf("build handler: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", apiHandler)

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      metrics.InstrumentHandler(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("address", cfg.Server.Address).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.WithError(err).Error("HTTP server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown was not clean")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("service shutdown was not clean")
	}
	return nil
}

// buildStores opens PostgreSQL when a DSN is configured, otherwise the app
// falls back to its shared in-memory store.
func buildStores(cfg config.Config, log *logger.Logger) (app.Stores, *sql.DB, error) {
	if cfg.Database.DSN == "" {
		log.Warn("no database DSN configured; using in-memory storage")
		return app.Stores{}, nil, nil
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return app.Stores{}, nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	if err := db.Ping(); err != nil {
		db.Close()
		return app.Stores{}, nil, fmt.Errorf("ping database: %w", err)
	}

	store := postgres.New(db)
	log.Info("using PostgreSQL storage")
	return app.Stores{
		Users:      store,
		Activities: store,
		Proposals:  store,
		Rewards:    store,
	}, db, nil
}
