package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"lendgate/internal/application"
	"lendgate/internal/broker"
	"lendgate/internal/config"
	"lendgate/internal/enrichment"
	"lendgate/internal/progress"
	"lendgate/internal/provider"
	"lendgate/internal/scoring"
	"lendgate/internal/store"
	"lendgate/internal/telemetry"
	"lendgate/internal/webhook"
	workerproc "lendgate/internal/worker"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.With().Str("service", "lendgate-worker").Logger()

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

	dispatcher := webhook.NewDispatcher(st, jobs, cfg.WebhookTimeout, cfg.WebhookMaxAttempts)
	providerClient := provider.New(cfg.ProviderBaseURL, cfg.ProviderTimeout)
	scorer := scoring.New(cfg.ScoringURL, cfg.ScoringTimeout)
	publisher := progress.NewPublisher(redisClient, cfg.ProgressChannel)

	enrich := enrichment.NewService(st, providerClient, dispatcher, jobs, cfg.PollInterval, cfg.MaxPollAttempts)
	reaper := enrichment.NewReaper(st, dispatcher, jobs, cfg.ReaperInterval, cfg.StuckThreshold)
	appProcessor := application.NewProcessor(st, providerClient, scorer, dispatcher, publisher)

	if err := reaper.Register(ctx); err != nil {
		log.Fatal().Err(err).Msg("register stuck-enrichment sweep")
	}

	processor := workerproc.NewProcessor(cfg, jobs)
	processor.RegisterWorker(enrichment.Queue, enrich.HandlePoll, 1)
	processor.RegisterWorker(enrichment.CleanupQueue, reaper.Handle, 1)
	processor.RegisterWorker(webhook.Queue, dispatcher.HandleDelivery, cfg.DeliveryConcurrency)
	processor.RegisterWorker(application.Queue, appProcessor.Handle, 1)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Dur("visibility", cfg.VisibilityTimeout).
		Dur("backoff_initial", cfg.BackoffInitial).
		Int("delivery_concurrency", cfg.DeliveryConcurrency).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil {
		log.Info().Err(err).Msg("worker stopped")
	}
}
