package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/taskowl/internal/audit"
	"github.com/wisbric/taskowl/internal/auth"
	"github.com/wisbric/taskowl/internal/config"
	"github.com/wisbric/taskowl/internal/httpserver"
	"github.com/wisbric/taskowl/internal/platform"
	"github.com/wisbric/taskowl/internal/seed"
	"github.com/wisbric/taskowl/internal/telemetry"
	"github.com/wisbric/taskowl/pkg/breaker"
	"github.com/wisbric/taskowl/pkg/budget"
	"github.com/wisbric/taskowl/pkg/dlq"
	"github.com/wisbric/taskowl/pkg/messaging"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting taskowl",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	// Database
	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	// Migrations run in every mode; "migrate" stops after them.
	if err := platform.RunMigrations(ctx, db, cfg.MigrationsDir, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	switch cfg.Mode {
	case "migrate":
		return nil
	case "seed":
		return seed.Run(ctx, db, logger)
	}

	// Redis
	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	// NATS + JetStream
	nc, err := platform.NewNATSConn(cfg.NATSURL, "taskowl-"+cfg.Mode)
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}
	defer func() {
		if err := nc.Drain(); err != nil {
			logger.Error("draining nats", "error", err)
		}
	}()

	js, err := nc.JetStream()
	if err != nil {
		return fmt.Errorf("getting jetstream context: %w", err)
	}
	if err := messaging.EnsureStreams(js); err != nil {
		return fmt.Errorf("ensuring streams: %w", err)
	}

	// Audit log writer (async, buffered).
	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, auditWriter)
	case "worker":
		return runWorker(ctx, cfg, logger, db, nc, js)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// runAPI wires the HTTP surface: auth, budget, DLQ inspection, and breaker
// administration.
func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool,
	rdb *redis.Client, auditWriter *audit.Writer) error {

	tokenTTL, err := time.ParseDuration(cfg.TokenTTL)
	if err != nil {
		return fmt.Errorf("parsing token TTL %q: %w", cfg.TokenTTL, err)
	}
	sessionMgr, err := auth.NewSessionManager(cfg.JWTSecret, tokenTTL)
	if err != nil {
		return fmt.Errorf("creating session manager: %w", err)
	}

	lockout := auth.NewLockout(rdb, cfg.LoginMaxAttempts, time.Duration(cfg.LoginLockoutTTL)*time.Second)
	authService := auth.NewService(auth.NewPGUserStore(db), lockout, sessionMgr, auditWriter, logger)

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	srv := httpserver.NewServer(
		cfg.CORSAllowOrigins, logger, db, rdb, metricsReg,
		auth.Middleware(sessionMgr, logger),
		auth.RoleRateLimit(rdb, logger),
	)

	// Pre-authentication routes.
	loginHandler := auth.NewHandler(authService)
	srv.PublicAPI.Post("/auth/login", httpserver.Handle(loginHandler.HandleLogin))

	// Budget engine.
	ledger := budget.NewPGLedgerStore(db, cfg.DefaultTenantLimit)
	budgetCache := budget.NewCache(rdb)
	budgetService := budget.NewService(ledger, budgetCache, logger)
	srv.API.Mount("/budget", budget.NewHandler(budgetService, auditWriter, logger).Routes())

	// Reservation sweeper reclaims ledger headroom for expired holds.
	sweeper := budget.NewSweeper(ledger, budgetCache, time.Duration(cfg.SweepIntervalSecs)*time.Second, logger)
	go sweeper.Run(ctx)

	// DLQ inspection and resolution.
	srv.API.Mount("/dlq", dlq.NewHandler(dlq.NewPGStore(db), auditWriter, logger).Routes())

	// Audit trail (admin only).
	srv.API.With(auth.RequireCapability(auth.CapSystemAdmin)).
		Mount("/audit", audit.NewHandler(db).Routes())

	// Circuit breaker fabric. Downstream clients fetch their breakers from
	// this registry; the HTTP surface exposes stats and admin reset.
	registry := breaker.NewRegistry()
	registry.Register("database", breaker.Config{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second})
	registry.Register("redis", breaker.Config{FailureThreshold: 5, RecoveryTimeout: 15 * time.Second})
	registry.Register("nats", breaker.Config{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second})
	registry.Register("llm", breaker.Config{FailureThreshold: 3, RecoveryTimeout: 60 * time.Second, HalfOpenMax: 2})
	registry.Register("sandbox", breaker.Config{FailureThreshold: 3, RecoveryTimeout: 60 * time.Second})
	srv.API.Mount("/circuit-breakers", breaker.NewHandler(registry, auditWriter, logger).Routes())

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}

	logger.Info("http server stopped")
	return nil
}

// runWorker drains the DLQ stream into durable records.
func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool,
	nc *nats.Conn, js nats.JetStreamContext) error {

	sub, err := messaging.NewDLQPullSubscription(js)
	if err != nil {
		return err
	}

	notifier := messaging.NewAlertNotifier(nc, cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	worker := dlq.NewWorker(sub, dlq.NewPGStore(db), notifier, logger)

	worker.Start(ctx)
	<-ctx.Done()
	worker.Stop()

	return nil
}
