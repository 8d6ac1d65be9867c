package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"magiclink/internal/config"
	"magiclink/internal/lib/logger"
	sl "magiclink/internal/lib/logger/sl"
	"magiclink/internal/storage/postgres"
)

// cleanup deletes expired and used up magic links. Run it periodically, e.g. from cron.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.MustLoad("./config/config.yaml")
	log := logger.New(cfg.Env)

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	storage, err := postgres.New(ctx, cfg)
	if err != nil {
		log.Error("failed to connect postgres", sl.Err(err))
		os.Exit(1)
	}
	defer storage.Close()

	deleted, err := storage.DeleteStaleMagicLinks(ctx, time.Now(), cfg.MagicLink.AllowedUses)
	if err != nil {
		log.Error("failed to delete stale magic links", sl.Err(err))
		os.Exit(1)
	}

	log.Info("cleanup completed", slog.Int64("deleted", deleted))
}
