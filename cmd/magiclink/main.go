package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"magiclink/internal/auth"
	"magiclink/internal/config"
	"magiclink/internal/http_server/router"
	"magiclink/internal/lib/jwt"
	"magiclink/internal/lib/logger"
	sl "magiclink/internal/lib/logger/sl"
	mailSender "magiclink/internal/mail-sender"
	"magiclink/internal/rabbitmq"
	"magiclink/internal/storage/postgres"
	"magiclink/internal/storage/redis"
)

func main() {
	cfg := config.MustLoad("./config/config.yaml")

	log := logger.New(cfg.Env)

	log.Info("starting magiclink service", slog.String("env", cfg.Env))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info("Shutdown signal received")
		cancel()
	}()

	storage, err := postgres.New(ctx, cfg)
	if err != nil {
		log.Error("failed to connect postgres", sl.Err(err))
		os.Exit(1)
	}
	defer storage.Close()

	if err := storage.Migrate(ctx); err != nil {
		log.Error("failed to migrate postgres", sl.Err(err))
		os.Exit(1)
	}

	sessions := jwt.NewIssuer(cfg.Session.Secret, cfg.Session.TTL)

	deps := auth.Deps{
		Users:    storage,
		Signup:   storage,
		Links:    storage,
		Sessions: sessions,
	}

	switch cfg.Notifier {
	case config.NotifierSMTP:
		deps.Notifier = &mailSender.Mailer{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}
	default:
		msgBroker, err := rabbitmq.New(cfg.RabbitMQ.URL, cfg.RabbitMQ.QueueName)
		if err != nil {
			log.Error("failed to connect rabbitmq", sl.Err(err))
			os.Exit(1)
		}
		defer msgBroker.Close()

		deps.Notifier = msgBroker
	}

	if cfg.RateLimit.RedisMax > 0 {
		cache, err := redis.New(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Error("failed to connect redis", sl.Err(err))
			os.Exit(1)
		}
		defer cache.Close()

		deps.Limiter = redis.NewLimiter(cache, cfg.RateLimit.RedisMax, cfg.RateLimit.RedisWindow)
	}

	authService := auth.New(log, authConfig(cfg), deps)

	if cfg.MagicLink.CleanupInterval > 0 {
		go runCleanup(ctx, log, authService, cfg.MagicLink.CleanupInterval)
	}

	srv := &http.Server{
		Addr:         cfg.HTTPServer.Address,
		Handler:      router.New(log, cfg, authService, sessions, true),
		ReadTimeout:  cfg.HTTPServer.Timeout,
		WriteTimeout: cfg.HTTPServer.Timeout,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}

	go func() {
		log.Info("HTTP server is running", slog.String("address", cfg.HTTPServer.Address))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server failed", sl.Err(err))
			cancel()
		}
	}()

	<-ctx.Done()

	log.Info("Shutting down HTTP server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown error", sl.Err(err))
	} else {
		log.Info("Server stopped gracefully")
	}

	log.Info("Main service stopped")
}

// runCleanup deletes stale magic links every interval until ctx is done.
func runCleanup(ctx context.Context, log *slog.Logger, a *auth.Auth, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.CleanupExpired(ctx); err != nil {
				log.Error("failed to clean up magic links", sl.Err(err))
			}
		}
	}
}

// authConfig maps the file configuration onto the flow's explicit config struct.
func authConfig(cfg *config.Config) auth.Config {
	ac := auth.Config{
		BaseURL:            cfg.MagicLink.BaseURL,
		VerifyPath:         cfg.MagicLink.VerifyPath,
		TokenTTL:           cfg.MagicLink.TokenTTL,
		TokenBytes:         cfg.MagicLink.TokenBytes,
		AllowedUses:        cfg.MagicLink.AllowedUses,
		RequireSameBrowser: cfg.MagicLink.RequireSameBrowser,
		RequireSameIP:      cfg.MagicLink.RequireSameIP,
		IPBinding:          cfg.MagicLink.IPBinding,
		AnonymizeIP:        cfg.MagicLink.AnonymizeIP,
		EmailIgnoreCase:    cfg.MagicLink.EmailIgnoreCase,
		RequireSignup:      cfg.MagicLink.RequireSignup,
		VerifyIncludeEmail: cfg.MagicLink.VerifyIncludeEmail,
		CookieName:         cfg.MagicLink.CookieName,
		EmailSubject:       cfg.MagicLink.EmailSubject,
		StoreTimeout:       cfg.MagicLink.StoreTimeout,
		RateLimitMax:       cfg.RateLimit.MaxOutstanding,
	}

	if cfg.RateLimit.Policy == config.RateLimitWindow {
		ac.RateLimitWindow = cfg.RateLimit.Window
	}

	return ac
}
