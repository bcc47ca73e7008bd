package main

import (
	"context"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eleven-am/roomhub/hub"
	"github.com/eleven-am/roomhub/hub/distributed"
	"github.com/eleven-am/roomhub/internal/api"
	"github.com/eleven-am/roomhub/internal/config"
	"github.com/eleven-am/roomhub/internal/metrics"
)

func main() {
	cfg := config.Load()

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}
	logger = logger.Level(cfg.Level())

	ctx := context.Background()

	collector := metrics.New(prometheus.DefaultRegisterer)

	opts := cfg.HubOptions(logger)
	opts.Metrics = collector

	checks := make(map[string]api.Check)

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		var err error
		redisClient, err = distributed.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisClient.Close()

		opts.Verifier = distributed.NewRedisVerifier(redisClient, distributed.DefaultTokenPrefix)
		checks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
		logger.Info().Msg("connected to Redis")
	}

	switch {
	case cfg.AMQPURL != "":
		bus, err := distributed.DialAMQP(ctx, cfg.AMQPURL, cfg.Exchange, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("amqp connection failed")
		}
		opts.PubSub = bus
		logger.Info().Str("exchange", cfg.Exchange).Msg("publishing hub events to AMQP")
	case redisClient != nil:
		bus, err := distributed.NewRedisPubSub(ctx, redisClient, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis pubsub failed")
		}
		opts.PubSub = bus
		logger.Info().Msg("publishing hub events to Redis")
	default:
		opts.PubSub = hub.NewLocalPubSub(ctx, 256)
	}

	if cfg.IsDevelopment() {
		if err := opts.PubSub.Subscribe("roomhub:.*", func(topic string, data []byte) {
			logger.Debug().Str("topic", topic).RawJSON("event", data).Msg("bus event")
		}); err != nil {
			logger.Warn().Err(err).Msg("bus tap unavailable")
		}
	}

	h := hub.New(ctx, opts)
	manager := hub.NewManager(h)

	router := api.NewRouter(logger, manager, api.RouterOptions{
		Collector:      collector,
		Gatherer:       prometheus.DefaultGatherer,
		AllowedOrigins: cfg.AllowedOrigins,
		Checks:         checks,
	})

	srv := api.NewServer(h, router, api.ServerOptions{
		Addr:   ":" + cfg.Port,
		Logger: logger,
	})

	logger.Info().
		Str("port", cfg.Port).
		Str("env", cfg.Env).
		Bool("anonymous", cfg.AllowAnonymous).
		Msg("starting roomhub server")

	if err := srv.Listen(); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}

	logger.Info().Msg("server stopped")
}
