package main

import (
	"MarketLedger/internal/collab"
	"MarketLedger/internal/config"
	"MarketLedger/internal/core"
	"MarketLedger/internal/dispatch"
	"MarketLedger/internal/ingestion"
	"MarketLedger/internal/observability"
	"MarketLedger/internal/persistence"
	"MarketLedger/internal/projection"
	"MarketLedger/internal/query"
	"MarketLedger/internal/server"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Channel capacities. Dispatcher channels block the committing request when
// full; projection and publisher channels drop.
const (
	dispatchChanSize   = 256
	projectionChanSize = 2048
	publishChanSize    = 4096
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	cfg, err := config.Load(os.Getenv("MKT_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLoggerWithLevel("marketledger", observability.ParseLogLevel(cfg.LogLevel))

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("marketledger stopped")
	}
	logger.Info().Msg("marketledger shutdown complete")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	level := logger.GetLevel()
	component := func(name string) zerolog.Logger {
		return observability.NewLoggerWithLevel(name, level)
	}

	coreCfg, err := cfg.Core()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	chains, err := cfg.Registry(coreCfg)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := coreCfg.Validate(chains); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	metrics := observability.NewMetrics(nil)
	health := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := persistence.Open(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		return err
	}
	defer db.Close()
	health.AddCheck("postgres", db.PingContext)
	logger.Info().Msg("Postgres connected")

	n, err := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, component("migrator"), metrics).Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Int("applied", n).Msg("migrations up to date")

	st := persistence.NewPostgresStore(db, metrics, component("store"))
	confirmations := persistence.NewConfirmationLog(db)

	// --- Collaborators ---
	nfts := collab.NewHTTPNFTRegistry(cfg.NFTRegistry.Client(), component("nft_registry"))
	payouts := collab.NewHTTPPayoutExecutor(cfg.Payouts.Client(), component("payouts"))

	// --- Event fan-out ---
	sink := core.NewChannelSink(metrics)
	transferCh := sink.AddReliable("nft_transfer", dispatchChanSize)
	payoutCh := sink.AddReliable("payout", dispatchChanSize)

	// --- Engine ---
	engineLog := component("engine")
	engine, err := core.NewEngine(core.Deps{
		Store:   st,
		Chains:  chains,
		NFTs:    nfts,
		Sink:    sink,
		Metrics: metrics,
		Logger:  &engineLog,
		DedupDB: confirmations,
	}, coreCfg)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	// Warm the dedup LRU so redelivered confirmations skip the DB lookup.
	keys, err := confirmations.LoadRecentKeys(ctx, time.Now().Add(-cfg.Postgres.DedupWarmWindow), coreCfg.DedupCapacity)
	if err != nil {
		logger.Warn().Err(err).Msg("dedup warm-up failed, continuing cold")
	} else {
		engine.WarmDedup(keys)
		logger.Info().Int("keys", len(keys)).Msg("dedup LRU warmed")
	}

	g, gctx := errgroup.WithContext(ctx)

	// --- Redis read model ---
	var activity query.ActivityReader
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		health.AddCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })

		projCh := sink.AddBestEffort("projection", projectionChanSize)
		worker := projection.NewWorker(rdb, projCh, engine, metrics, component("projection")).WithPrefix(cfg.Redis.KeyPrefix)
		g.Go(func() error { return ignoreCanceled(worker.Run(gctx)) })
		activity = projection.NewReader(rdb).WithPrefix(cfg.Redis.KeyPrefix)
	}

	parser := ingestion.NewParser(chains, coreCfg)
	ingestor := ingestion.NewIngestor(parser, engine, metrics, component("ingest"))

	// --- NATS ---
	if cfg.NATS.Enabled {
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, component("nats"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()
		health.AddCheck("nats", func(ctx context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		})

		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			return fmt.Errorf("ensure NATS streams: %w", err)
		}

		subscriber := ingestion.NewNATSSubscriber(js, ingestor, metrics, component("nats_subscriber"))
		if err := subscriber.Subscribe(gctx, ingestion.DefaultSubjects()); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		defer subscriber.Stop()

		publisher := ingestion.NewEventPublisher(js, sink.AddBestEffort("publisher", publishChanSize), metrics, component("publisher"))
		g.Go(func() error { return ignoreCanceled(publisher.Run(gctx)) })
	}

	// --- Dispatchers and janitor ---
	transfers := dispatch.NewTransferDispatcher(nfts, st, engine,
		dispatch.Options{Workers: cfg.NFTRegistry.Workers, Timeout: cfg.NFTRegistry.Timeout}, metrics, component("transfer_dispatcher"))
	payoutDispatcher := dispatch.NewPayoutDispatcher(payouts, st, engine,
		dispatch.Options{Workers: cfg.Payouts.Workers, Timeout: cfg.Payouts.Timeout}, metrics, component("payout_dispatcher"))
	g.Go(func() error { return transfers.Run(gctx, transferCh) })
	g.Go(func() error { return payoutDispatcher.Run(gctx, payoutCh) })
	g.Go(func() error { return ignoreCanceled(engine.RunExpiryJanitor(gctx, cfg.Market.JanitorInterval)) })

	// --- Servers ---
	httpServer, err := server.NewHTTPServer(cfg.Server.HTTPAddr, server.Deps{
		Engine:   engine,
		Query:    query.NewQueryService(st, coreCfg, activity),
		Chains:   chains,
		Ingestor: ingestor,
		Health:   health,
		Metrics:  metrics,
		Logger:   component("http"),
	})
	if err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, ingestor, component("grpc"))

	g.Go(func() error { return httpServer.Start(gctx) })
	g.Go(func() error { return grpcServer.Start(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.Server.MetricsAddr, logger) })

	health.SetReady(true)
	logger.Info().
		Str("http", cfg.Server.HTTPAddr).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Strs("chains", chains.List()).
		Msg("marketledger ready")

	err = g.Wait()
	health.SetReady(false)
	return err
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
