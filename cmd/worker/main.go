// Worker runs the expired-session sweeper as a standalone process.
// It reads the same configuration as the server; SESSION_SWEEP_INTERVAL must be positive.
package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"constellation/backend/internal/config"
	"constellation/backend/internal/db"
	"constellation/backend/internal/logging"
	sessionrepo "constellation/backend/internal/session/repository"
	"constellation/backend/internal/session/sweeper"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger = logging.WithComponent(logger, "worker")
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("worker exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	interval := cfg.SweepInterval()
	if interval <= 0 {
		return errors.New("SESSION_SWEEP_INTERVAL must be positive for the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	var database *sql.DB
	if cfg.SessionBackend == config.BackendPostgres {
		database, err = db.Open(ctx, cfg.DatabaseURL, db.PoolConfig{MaxOpenConns: 2})
		if err != nil {
			return err
		}
		defer database.Close()
	}

	sessions, closeSessions, err := sessionrepo.Open(ctx, cfg.SessionBackend, database, cfg.RedisURL, cfg.RedisKeyPrefix)
	if err != nil {
		return err
	}
	defer func() { _ = closeSessions() }()

	logger.Info("sweeping expired sessions",
		zap.String("session_backend", cfg.SessionBackend),
		zap.Duration("interval", interval),
	)
	sweeper.New(sessions, interval, nil, logger).Run(ctx)
	logger.Info("worker stopped")
	return nil
}
