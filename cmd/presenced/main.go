package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	natsadapter "github.com/samirrijal/pulsemap/internal/adapters/nats"
	"github.com/samirrijal/pulsemap/internal/adapters/postgres"
	"github.com/samirrijal/pulsemap/internal/adapters/valkey"
	"github.com/samirrijal/pulsemap/internal/core/ports"
	"github.com/samirrijal/pulsemap/internal/core/usecases"
	"github.com/samirrijal/pulsemap/internal/pkg/config"
	"github.com/samirrijal/pulsemap/internal/pkg/logging"
)

// presenced consumes durable presence and profile-change events from
// JetStream, applies them to the directory, and periodically sweeps
// profiles that have gone quiet back to offline.
func main() {
	cfg, err := config.Load("pulsemap-presenced")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	logging.Setup(logLevel, "json")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	db, err := postgres.New(ctx, cfg.Database.DSN())
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	// Cache (optional). The interface stays nil when Valkey is down so the
	// service's nil checks actually fire.
	var cache ports.CacheService
	vk, err := valkey.New(cfg.Valkey.Addr)
	if err != nil {
		slog.Warn("valkey unavailable", "error", err)
	} else {
		cache = vk
		defer vk.Close()
	}

	profileRepo := postgres.NewProfileRepo(db)
	presenceSvc := usecases.NewPresenceService(profileRepo, cache)

	// JetStream consumers
	sub, err := natsadapter.NewSubscriber(cfg.NATS.URL)
	if err != nil {
		log.Fatalf("nats: %v", err)
	}
	defer sub.Close()

	if err := sub.SubscribePresence(ctx, presenceSvc.ProcessPresence); err != nil {
		log.Fatalf("subscribe presence: %v", err)
	}
	if err := sub.SubscribeProfileChanges(ctx, presenceSvc.ProcessProfileChange); err != nil {
		log.Fatalf("subscribe profile changes: %v", err)
	}

	slog.Info("presenced started",
		"nats", cfg.NATS.URL,
		"stale_after", cfg.Discovery.PresenceStale().String(),
	)

	// Sweep quiet profiles offline at twice the staleness resolution.
	sweepEvery := cfg.Discovery.PresenceStale() / 2
	if sweepEvery < time.Minute {
		sweepEvery = time.Minute
	}
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			n, err := presenceSvc.ExpireStale(ctx, cfg.Discovery.PresenceStale())
			if err != nil {
				slog.Error("stale sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("marked quiet profiles offline", "count", n)
			}
		case sig := <-quit:
			slog.Info("shutdown signal received", "signal", sig.String())
			return
		}
	}
}
