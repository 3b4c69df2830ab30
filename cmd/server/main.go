// Server runs the auth HTTP API and the gRPC token service.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"

	"constellation/backend/internal/audit"
	auditrepo "constellation/backend/internal/audit/repository"
	"constellation/backend/internal/claims"
	"constellation/backend/internal/config"
	"constellation/backend/internal/db"
	"constellation/backend/internal/health"
	"constellation/backend/internal/identity/handler"
	"constellation/backend/internal/identity/service"
	"constellation/backend/internal/logging"
	"constellation/backend/internal/obs"
	"constellation/backend/internal/platform/ratelimit"
	"constellation/backend/internal/policy/engine"
	"constellation/backend/internal/security"
	"constellation/backend/internal/server"
	sessionrepo "constellation/backend/internal/session/repository"
	"constellation/backend/internal/session/sweeper"
	"constellation/backend/internal/telemetry"
	"constellation/backend/internal/telemetry/loki"
	telemetryotel "constellation/backend/internal/telemetry/otel"
	"constellation/backend/internal/telemetry/producer"
	userrepo "constellation/backend/internal/user/repository"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logger is not configured yet.
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Config{
		Endpoint:    cfg.OTelEndpoint,
		Insecure:    cfg.OTelInsecure,
		ServiceName: cfg.AppName,
		Environment: cfg.Env,
	}, logger)
	if err != nil {
		return err
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()

	database, err := db.Open(ctx, cfg.DatabaseURL, db.PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return err
	}
	defer database.Close()

	sessions, closeSessions, err := sessionrepo.Open(ctx, cfg.SessionBackend, database, cfg.RedisURL, cfg.RedisKeyPrefix)
	if err != nil {
		return err
	}
	defer func() { _ = closeSessions() }()

	signing, err := cfg.Signing()
	if err != nil {
		return err
	}
	tokens, err := security.NewTokenProvider(signing)
	if err != nil {
		return err
	}

	policySrc := ""
	if cfg.AdminPolicyFile != "" {
		b, err := os.ReadFile(cfg.AdminPolicyFile)
		if err != nil {
			return err
		}
		policySrc = string(b)
	}
	policy, err := engine.NewOPAEvaluator(ctx, cfg.AdminEmail, policySrc, logging.WithComponent(logger, "policy"))
	if err != nil {
		return err
	}

	metrics := obs.NewMetrics(nil)
	var sinks []telemetry.EventEmitter
	if cfg.LokiURL != "" {
		sinks = append(sinks, loki.NewEmitter(cfg.LokiURL, "", nil))
	}
	if kp := producer.NewKafkaProducer(cfg.KafkaBrokerList(), cfg.KafkaTopic); kp != nil {
		sinks = append(sinks, kp)
		defer func() { _ = kp.Close() }()
	}
	auditLogs := auditrepo.NewPostgresRepository(database)
	auditor := audit.NewLogger(
		auditLogs,
		providers.SecurityEvents(sinks...),
		logging.WithComponent(logger, "audit"),
	)
	authSvc := service.NewAuthService(
		userrepo.NewPostgresRepository(database),
		sessions,
		security.NewHasher(cfg.BcryptCost),
		tokens,
		cfg.RefreshTTL(),
		service.WithAuditLogger(auditor),
		service.WithAuditReader(auditLogs),
		service.WithMetrics(metrics),
		service.WithLogger(logging.WithComponent(logger, "auth")),
		service.WithRevokeOnReuse(cfg.RefreshReuseRevokesAll),
	)
	validator := claims.NewValidator(tokens, nil)
	checker := health.NewChecker(2*time.Second).
		AddPinger("database", database).
		Add("session_store", sessions.Ping).
		AddPolicy("policy", policy)

	limiter := ratelimit.NewKeyed(cfg.LoginRatePerSecond, cfg.LoginRateBurst, 10*time.Minute)
	go limiter.RunPruner(time.Minute, ctx.Done())

	if interval := cfg.SweepInterval(); interval > 0 {
		go sweeper.New(sessions, interval, metrics, logger).Run(ctx)
	}

	app := handler.New(handler.Deps{
		Auth:        authSvc,
		Validator:   validator,
		Policy:      policy,
		Health:      checker,
		Metrics:     metrics,
		Limiter:     limiter,
		Logger:      logging.WithComponent(logger, "http"),
		AppName:     cfg.AppName,
		CORSOrigins: cfg.CORSOriginList(),
	}).App()

	grpcServer, grpcHealth := server.NewGRPCServer(server.Deps{
		Validator: validator,
		Auditor:   auditor,
		Metrics:   metrics,
		Health:    checker,
		Logger:    logging.WithComponent(logger, "grpc"),
	})
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	go server.WatchHealth(ctx, checker, grpcHealth, 0, logger)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		errCh <- grpcServer.Serve(lis)
	}()
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr), zap.String("session_backend", cfg.SessionBackend))
		errCh <- app.Listen(cfg.HTTPAddr, fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("listener failed", zap.Error(err))
	}

	if shutdownErr := app.ShutdownWithTimeout(shutdownTimeout); shutdownErr != nil {
		logger.Warn("http shutdown", zap.Error(shutdownErr))
	}
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		grpcServer.Stop()
	}
	logger.Info("server stopped")
	return err
}
