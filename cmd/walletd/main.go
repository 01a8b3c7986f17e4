// Main wallet snapshot engine service.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/walletd/snapshot-engine/internal/config"
	"github.com/walletd/snapshot-engine/internal/engine"
	"github.com/walletd/snapshot-engine/internal/httpapi"
	"github.com/walletd/snapshot-engine/internal/obs"
	"github.com/walletd/snapshot-engine/internal/priceoracle"
	"github.com/walletd/snapshot-engine/internal/queue"
	"github.com/walletd/snapshot-engine/internal/refresher"
	"github.com/walletd/snapshot-engine/internal/store"
)

const serviceName = "walletd"

func main() {
	logger := obs.NewLogger(serviceName)
	logger.Info().Msg("starting wallet snapshot engine")

	ko := config.Load(logger, "config.toml")
	obs.SetLevel(logger, ko.String("log.level"))

	chains, err := config.LoadChains(ko.String("chains.path"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load chains.json")
	}
	logger.Info().Int("chains", len(chains.All())).Msg("loaded chain profiles")

	durations := config.DefaultDurations()
	if v := ko.Duration("cache.ttl"); v > 0 {
		durations.CacheTTL = v
	}
	if v := ko.Duration("cache.cleanup_interval"); v > 0 {
		durations.CleanupInterval = v
	}
	if v := ko.Duration("cache.background_refresh_interval"); v > 0 {
		durations.BackgroundRefreshInterval = v
	}
	if v := ko.Duration("rpc.timeout"); v > 0 {
		durations.RPCTimeout = v
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, ko.String("pg.dsn"), int32(ko.Int64("pg.max_connections")), *logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer db.Close()

	healthStore, err := store.NewProviderHealthStore(ko.String("store.provider_health_path"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open provider health store")
	}
	defer healthStore.Close()

	var q *queue.Queue
	if natsURL := ko.String("nats.url"); natsURL != "" {
		q, err = queue.New(ctx, natsURL, *logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to nats")
		}
		defer q.Close()
	}

	var redisClient *redis.Client
	if redisAddr := ko.String("redis.address"); redisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: redisAddr})
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warn().Err(err).Str("address", redisAddr).Msg("redis unreachable, L1 cache disabled")
			redisClient = nil
		}
		pingCancel()
		if redisClient != nil {
			defer redisClient.Close()
		}
	}

	oracle := priceoracle.NewHTTPOracle(ko.String("priceoracle.base_url"))

	eng, err := engine.New(ctx, chains, db, healthStore, q, oracle, redisClient, durations, *logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize engine")
	}
	defer eng.Close()

	var stopConsumer func()
	if q != nil {
		stopConsumer, err = q.Consume(ctx, ko.Int("queue.workers"), func(consumeCtx context.Context, job queue.RebuildJob) error {
			_, err := eng.GetSnapshotByChainID(consumeCtx, job.ChainID, job.Wallet, job.Refresh)
			return err
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to start rebuild queue consumer")
		}
		defer stopConsumer()
	}

	concurrency := make(map[int64]int)
	for _, profile := range chains.All() {
		concurrency[profile.ChainID] = profile.ScannerConcurrency
	}
	refr := refresher.New(eng.Tracked(), func(refreshCtx context.Context, chainID int64, wallet string) error {
		_, err := eng.GetSnapshotByChainID(refreshCtx, chainID, wallet, false)
		return err
	}, durations, concurrency, *logger)
	go refr.Run(ctx)

	go eng.StartBackground(ctx)

	router := httpapi.NewRouter(eng, durations.HTTPRequestDeadline, corsOrigins(ko.String("cors.origin")), *logger)
	httpServer := &http.Server{Addr: ko.String("http.address"), Handler: router}

	go func() {
		logger.Info().Str("address", ko.String("http.address")).Msg("starting http server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	metricsServer := &http.Server{Addr: ko.String("metrics.address"), Handler: promhttp.Handler()}
	go func() {
		logger.Info().Str("address", ko.String("metrics.address")).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown error")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}

	logger.Info().Msg("shutdown complete")
}

func corsOrigins(raw string) []string {
	if raw == "" {
		return []string{"*"}
	}
	return []string{raw}
}
