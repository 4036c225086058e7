package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/healthfirst/availability-scheduling/internal/api"
	"github.com/healthfirst/availability-scheduling/internal/availability"
	"github.com/healthfirst/availability-scheduling/internal/config"
	"github.com/healthfirst/availability-scheduling/internal/db"
	"github.com/healthfirst/availability-scheduling/internal/events"
	"github.com/healthfirst/availability-scheduling/internal/logging"
	"github.com/healthfirst/availability-scheduling/internal/metrics"
	redisclient "github.com/healthfirst/availability-scheduling/internal/redis"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("dev", "info")
		bootLog.Fatal().Err(err).Msg("config load error")
	}

	log := logging.New(cfg.Env, cfg.LogLevel).With().Str("service", "api-server").Logger()
	log.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Str("version", version).Msg("api-server starting up")

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
	log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []availability.Option{
		availability.WithLogger(log),
		availability.WithMetrics(metrics.NewAvailabilityMetrics(reg)),
	}
	if len(cfg.KafkaBrokers) > 0 {
		sink, err := events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		if err != nil {
			log.Fatal().Err(err).Msg("kafka sink")
		}
		defer func() {
			if err := sink.Close(); err != nil {
				log.Warn().Err(err).Msg("error closing kafka sink")
			}
		}()
		opts = append(opts, availability.WithPublisher(sink))
		log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing events to kafka")
	}

	repo := availability.NewPgRepository(pgPool)
	locker := redisclient.NewRedisProviderLocker(rdb, cfg.LockTTL)
	svc := availability.NewService(repo, locker, cfg, opts...)

	handler, err := api.NewRouter(api.RouterConfig{
		Service:  svc,
		DB:       pgPool,
		Redis:    rdb,
		Log:      log,
		Metrics:  metrics.NewHTTPMetrics(reg),
		Gatherer: reg,
		Env:      cfg.Env,
		Version:  version,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("build router")
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server stopped")
		}
	}

	shutdown(srv, cfg.ShutdownTimeout, log)
}

func shutdown(srv *http.Server, timeout time.Duration, log zerolog.Logger) {
	log.Info().Dur("timeout", timeout).Msg("shutting down api-server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
