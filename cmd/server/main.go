package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"stokraf-backend/internal/audit"
	"stokraf-backend/internal/auth"
	"stokraf-backend/internal/clock"
	"stokraf-backend/internal/config"
	"stokraf-backend/internal/coordinator"
	"stokraf-backend/internal/inventory"
	"stokraf-backend/internal/logging"
	"stokraf-backend/internal/metrics"
	"stokraf-backend/internal/reconcile"
	"stokraf-backend/internal/stock"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)
	for _, w := range cfg.Warnings() {
		log.Warn(w)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	be, err := openBackend(ctx, cfg, log)
	if err != nil {
		log.Error("backend init failed", "driver", cfg.DatabaseDriver, "error", err)
		os.Exit(1)
	}
	defer be.close()

	m := metrics.New()

	// Audit batcher, optionally mirrored to S3
	opts := []audit.Option{audit.WithLogger(log), audit.WithMetrics(m)}
	if cfg.AuditArchiveBucket != "" {
		client, err := audit.NewS3Client(ctx, audit.S3Config{
			Bucket:          cfg.AuditArchiveBucket,
			Region:          cfg.AuditArchiveRegion,
			Endpoint:        cfg.AuditArchiveEndpoint,
			PathStyle:       cfg.AuditArchivePathStyle,
			AccessKeyID:     cfg.AuditArchiveAccessKey,
			SecretAccessKey: cfg.AuditArchiveSecretKey,
		})
		if err != nil {
			log.Error("audit archive init failed", "bucket", cfg.AuditArchiveBucket, "error", err)
			os.Exit(1)
		}
		opts = append(opts, audit.WithArchive(audit.NewS3Archive(client, cfg.AuditArchiveBucket, "")))
		log.Info("audit archive enabled", "bucket", cfg.AuditArchiveBucket)
	}
	batcher := audit.NewBatcher(audit.StoreSink{Store: be.gateway}, audit.Config{
		BatchSize:      cfg.AuditBatchSize,
		FlushInterval:  cfg.AuditFlushInterval,
		DebounceWindow: cfg.AuditDebounceWindow,
		MaxRetries:     cfg.AuditMaxRetries,
		RetryDelay:     cfg.AuditRetryDelay,
		AttemptTimeout: cfg.StoreTimeout,
	}, opts...)
	// Runs until Stop so requests still draining at shutdown are audited.
	batcher.Start(context.Background())

	verifier := auth.NewVerifier(be.gateway, cfg.StoreTimeout)
	stockSvc := stock.NewService(be.gateway, verifier, batcher, m, log, stock.Config{
		Timeout:           cfg.StoreTimeout,
		LowStockThreshold: cfg.LowStockThreshold,
	})
	engine := reconcile.NewEngine(be.gateway, be.gateway, verifier, stockSvc, batcher, m, log, reconcile.Config{
		Timeout:     cfg.StoreTimeout,
		Concurrency: cfg.PropagationConcurrency,
	})
	hub := coordinator.NewHub(be.feed, engine, clock.Real{}, log, m, coordinator.Config{
		EchoGuard:        cfg.EchoGuardWindow,
		WarningTTL:       cfg.ConflictWarningTTL,
		RecentLimit:      cfg.RecentUpdatesLimit,
		PresenceInterval: cfg.PresenceInterval,
		ActivityWindow:   cfg.PresenceActivityWindow,
	})

	app := fiber.New(fiber.Config{
		AppName:      "stokraf-backend",
		ErrorHandler: inventory.ErrorHandler(log),
	})
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(cfg.CORSOriginList(), ","),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET,POST,PUT,PATCH,DELETE,OPTIONS",
	}))

	app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	app.Get("/healthz", func(c *fiber.Ctx) error {
		if err := be.ping(c.UserContext()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable", "error": err.Error()})
		}
		return c.JSON(fiber.Map{
			"status":         "ok",
			"driver":         cfg.DatabaseDriver,
			"audit_pending":  batcher.Pending(),
			"event_sessions": hub.Sessions(),
		})
	})

	inventory.Mount(app, inventory.Deps{
		Context:   ctx,
		Stock:     stockSvc,
		Engine:    engine,
		Hub:       hub,
		Verifier:  verifier,
		Audits:    be.gateway,
		JWTSecret: cfg.JWTSecret,
		Log:       log,
	})

	go func() {
		log.Info("server starting", "port", cfg.HTTPPort, "driver", cfg.DatabaseDriver)
		if err := app.Listen(":" + cfg.HTTPPort); err != nil {
			log.Error("server failed", "error", err)
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	// Event streams and the change feed end with ctx; the HTTP server then
	// drains the remaining requests.
	cancel()
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := batcher.Stop(stopCtx); err != nil {
		log.Error("audit batcher did not drain", "pending", batcher.Pending(), "error", err)
	}
	log.Info("server stopped")
}
