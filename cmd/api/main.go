package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"messenger/api/internal/app"
	"messenger/api/internal/chat"
	"messenger/api/internal/config"
	"messenger/api/internal/locale"
	"messenger/api/internal/notify"
	"messenger/api/internal/settings"
	"messenger/api/internal/store"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	dataStore := store.NewPostgresStore(db)
	settingsStore := settings.NewStore(db)
	catalog := locale.NewCatalog()

	var changeNotifier chat.ChangeNotifier
	var avatarPusher chat.AvatarPusher
	if strings.TrimSpace(cfg.RedisURL) != "" {
		notifier, err := notify.NewRedisPublisher(cfg.RedisURL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		defer notifier.Close()
		changeNotifier = notifier
		avatarPusher = notifier
		log.Info().Msg("thread change notifications enabled")
	} else {
		log.Info().Msg("no redis url configured, notifications disabled")
	}

	chatService := chat.NewService(dataStore, settingsStore, changeNotifier, avatarPusher, catalog)
	service := app.New(chatService, dataStore)

	// Idle reaper. The sweep itself decides whether the lifetime setting
	// enables it; the interval here only controls how often it looks.
	reaperCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go runReaper(reaperCtx, service, cfg.ReaperInterval, log)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("messenger API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopReaper()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}

func runReaper(ctx context.Context, service *app.Service, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			closed, err := service.CloseOldThreads(ctx)
			if err != nil {
				log.Error().Err(err).Msg("close old threads")
				continue
			}
			if closed > 0 {
				log.Info().Int64("closed", closed).Msg("reaper closed idle threads")
			}
		}
	}
}
