package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/healthfirst/availability-scheduling/internal/availability"
	"github.com/healthfirst/availability-scheduling/internal/config"
	"github.com/healthfirst/availability-scheduling/internal/db"
	"github.com/healthfirst/availability-scheduling/internal/events"
	"github.com/healthfirst/availability-scheduling/internal/logging"
	redisclient "github.com/healthfirst/availability-scheduling/internal/redis"
	"github.com/healthfirst/availability-scheduling/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("dev", "info")
		bootLog.Fatal().Err(err).Msg("config load error")
	}

	log := logging.New(cfg.Env, cfg.LogLevel).With().Str("service", "horizon-worker").Logger()
	log.Info().
		Str("env", cfg.Env).
		Str("schedule", cfg.HorizonCron).
		Int("horizon_days", cfg.MaterializationHorizon).
		Msg("horizon-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg, log)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()

	rdb, err := redisclient.NewRedisClient(rootCtx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing redis")
		}
	}()

	opts := []availability.Option{availability.WithLogger(log)}
	if len(cfg.KafkaBrokers) > 0 {
		sink, err := events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		if err != nil {
			log.Fatal().Err(err).Msg("kafka sink")
		}
		defer func() { _ = sink.Close() }()
		opts = append(opts, availability.WithPublisher(sink))
	}

	repo := availability.NewPgRepository(pgPool)
	locker := redisclient.NewRedisProviderLocker(rdb, cfg.LockTTL)
	svc := availability.NewService(repo, locker, cfg, opts...)

	w, err := worker.NewHorizonWorker(svc, cfg.HorizonCron, 5*time.Minute, log)
	if err != nil {
		log.Fatal().Err(err).Msg("horizon schedule")
	}

	w.Run(rootCtx)
}
