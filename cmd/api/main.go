package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/samirrijal/pulsemap/internal/adapters/http"
	natsadapter "github.com/samirrijal/pulsemap/internal/adapters/nats"
	"github.com/samirrijal/pulsemap/internal/adapters/postgres"
	"github.com/samirrijal/pulsemap/internal/adapters/valkey"
	"github.com/samirrijal/pulsemap/internal/core/ports"
	"github.com/samirrijal/pulsemap/internal/core/usecases"
	"github.com/samirrijal/pulsemap/internal/pkg/config"
	"github.com/samirrijal/pulsemap/internal/pkg/logging"
	"github.com/samirrijal/pulsemap/internal/pkg/metrics"
	"github.com/samirrijal/pulsemap/internal/pkg/telemetry"
)

func main() {
	cfg, err := config.Load("pulsemap-api")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Structured logging
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	logging.Setup(logLevel, "json")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Telemetry
	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPAddr)
		if err != nil {
			slog.Warn("telemetry init failed", "error", err)
		} else {
			defer shutdown()
		}
	}

	// Database
	db, err := postgres.New(ctx, cfg.Database.DSN())
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	// Pool gauges for /metrics
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				metrics.UpdateDBPoolMetrics(db.Pool.Stat())
			case <-ctx.Done():
				return
			}
		}
	}()

	// Cache. The interface stays nil when Valkey is down so the services'
	// nil checks actually fire.
	var cache ports.CacheService
	vk, err := valkey.New(cfg.Valkey.Addr)
	if err != nil {
		slog.Warn("valkey unavailable", "error", err)
	} else {
		cache = vk
		defer vk.Close()
	}

	// Durable event publishing
	var publisher ports.EventPublisher
	pub, err := natsadapter.NewPublisher(cfg.NATS.URL)
	if err != nil {
		slog.Warn("nats unavailable", "error", err)
	} else {
		publisher = pub
		defer pub.Close()
	}

	// Realtime feed broker for WebSocket sessions
	broker := natsadapter.NewBroker(cfg.NATS.URL, cfg.Discovery.BrokerRetries)
	defer broker.Disconnect()

	// Repos
	profileRepo := postgres.NewProfileRepo(db)

	// Use cases
	profileSvc := usecases.NewProfileService(profileRepo, cache, publisher)
	resolverSvc := usecases.NewResolverService(profileRepo, cache, cfg.Discovery.PrimaryTimeout(), cfg.Discovery.CandidateLimit)

	deps := &http.Dependencies{
		Profiles:  profileSvc,
		Resolver:  resolverSvc,
		Broker:    broker,
		DB:        db,
		Cache:     vk,
		Discovery: cfg.Discovery,
	}

	// Fiber
	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    1024 * 1024, // 1 MB max request body
		AppName:      "PulseMap API",
	})
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     "http://localhost:3000, http://localhost:5173, https://*.pulsemap.social",
		AllowMethods:     "GET,POST,PUT,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowCredentials: false,
		MaxAge:           3600,
	}))

	http.SetupRoutes(app, deps)

	// Graceful shutdown
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		slog.Info("API server starting", "addr", addr)
		if err := app.Listen(addr); err != nil {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received, draining connections...", "signal", sig.String())

	// Give in-flight requests up to 10s to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}

	slog.Info("server stopped")
}
