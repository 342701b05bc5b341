package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"lendgate/internal/api"
	"lendgate/internal/broker"
	"lendgate/internal/config"
	"lendgate/internal/enrichment"
	"lendgate/internal/progress"
	"lendgate/internal/provider"
	"lendgate/internal/ratelimit"
	"lendgate/internal/store"
	"lendgate/internal/webhook"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.With().Str("service", "lendgate-api").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	jobs := broker.New(redisClient, cfg)
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	dispatcher := webhook.NewDispatcher(st, jobs, cfg.WebhookTimeout, cfg.WebhookMaxAttempts)
	providerClient := provider.New(cfg.ProviderBaseURL, cfg.ProviderTimeout)
	enrich := enrichment.NewService(st, providerClient, dispatcher, jobs, cfg.PollInterval, cfg.MaxPollAttempts)

	hub := progress.NewHub(redisClient, cfg.ProgressChannel)
	go func() {
		if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("progress hub stopped")
		}
	}()

	server := api.New(cfg, st, enrich, jobs, hub, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info().Str("port", cfg.HTTPPort).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
