package main

import (
	"P2PDesk/internal/config"
	"P2PDesk/internal/core"
	"P2PDesk/internal/event"
	"P2PDesk/internal/ingestion"
	fpmath "P2PDesk/internal/math"
	"P2PDesk/internal/match"
	"P2PDesk/internal/observability"
	"P2PDesk/internal/offer"
	"P2PDesk/internal/persistence"
	"P2PDesk/internal/projection"
	"P2PDesk/internal/reputation"
	"P2PDesk/internal/server"
	"P2PDesk/internal/trade"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// stores is the storage backend selected by config.
type stores struct {
	offers     offer.Store
	trades     trade.Store
	idem       core.IdempotencyStore
	profiles   reputationStore
	activity   activityStore
	db         *persistence.DB
	eventLogDB *sql.DB
}

type reputationStore interface {
	reputation.Loader
	reputation.Writer
}

type activityStore interface {
	projection.ActivityStore
	core.ActivitySource
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLoggerWithLevel("p2pdesk", observability.ParseLogLevel(cfg.LogLevel))
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("p2pdesk stopped")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	logger.Info().Str("store", cfg.Store).Bool("nats", cfg.NATS.Enabled).Msg("P2PDesk starting")

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Storage ---
	st, err := openStores(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	if st.db != nil {
		defer st.db.SQL().Close()
		healthChecker.AddCheck("postgres", st.db.Ping)
	}

	// --- Domain ---
	catalog := match.NewCatalog(cfg.Catalog.Assets, cfg.Catalog.Fiats, fpmath.NewPrecision(cfg.Catalog.AssetDecimals))
	profileCache := reputation.NewCache(st.profiles, cfg.Reputation.TTL, cfg.Reputation.Capacity,
		reputation.WithMetrics(metrics))
	quotes := match.NewQuoteCache(metrics)
	resolver := match.NewResolver(st.offers, profileCache, quotes, catalog, cfg.Trade.QuoteTTL,
		logger.With().Str("component", "resolver").Logger(), metrics)

	// --- Channels ---
	// The trade path never blocks on consumers: every channel sink drops
	// when full and the drop is counted.
	projectionChan := make(chan event.TradeEvent, cfg.Channels.EventBuffer)
	publishChan := make(chan event.TradeEvent, cfg.Channels.EventBuffer)
	eventLogChan := make(chan event.TradeEvent, cfg.Channels.EventBuffer)

	sinks := event.Fanout{projection.Sink(projectionChan, metrics)}
	if st.eventLogDB != nil {
		sinks = append(sinks, event.NewChannelSink(eventLogChan, func(e event.TradeEvent) {
			metrics.ProjectionDrops.WithLabelValues("event_log").Inc()
			logger.Warn().Str("trade_id", e.TradeID).Str("status", e.Status).Msg("event log channel full, event dropped")
		}))
	}
	if cfg.NATS.Enabled {
		sinks = append(sinks, ingestion.Sink(publishChan, metrics))
	}

	manager := trade.NewManager(st.trades, quotes, catalog, sinks, trade.Config{
		PaymentWindow: cfg.Trade.PaymentWindow,
		ReleaseWindow: cfg.Trade.ReleaseWindow,
		Arbiters:      cfg.Trade.Arbiters,
		SweepBatch:    cfg.Trade.SweepBatch,
	}, logger.With().Str("component", "trades").Logger(), metrics)

	guard := core.NewIdempotencyGuard(st.idem, cfg.Idempotency.LRUCapacity, cfg.Idempotency.Retention,
		logger.With().Str("component", "idempotency").Logger(), metrics)
	if n, err := guard.Warm(ctx); err != nil {
		logger.Warn().Err(err).Msg("idempotency LRU warm failed, starting cold")
	} else {
		logger.Info().Int("records", n).Msg("idempotency LRU warmed")
	}

	engine := core.NewEngine(core.EngineDeps{
		Offers:   st.offers,
		Profiles: profileCache,
		Resolver: resolver,
		Trades:   manager,
		Guard:    guard,
		Activity: st.activity,
		Catalog:  catalog,
		Logger:   logger.With().Str("component", "engine").Logger(),
		Metrics:  metrics,
	})

	// --- Start goroutines ---
	errChan := make(chan error, 16)
	spawn := func(name string, fn func(context.Context) error) {
		go func() {
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	// 1. Trade sweeper: expiry and stale-payment escalation
	spawn("sweeper", trade.NewSweeper(manager, cfg.Trade.SweepInterval,
		logger.With().Str("component", "sweeper").Logger()).Run)

	// 2. Quote cache eviction
	spawn("quote-cache", func(ctx context.Context) error {
		return quotes.Run(ctx, cfg.Trade.SweepInterval, logger)
	})

	// 3. Idempotency retention purge
	spawn("idempotency-purge", func(ctx context.Context) error {
		return guard.RunPurge(ctx, cfg.Idempotency.PurgeInterval)
	})

	// 4. Seller activity projection
	projWorker := projection.NewProjectionWorker(st.activity, projectionChan, profileCache,
		logger.With().Str("component", "projection").Logger(), metrics)
	spawn("projection", projWorker.Run)

	// 5. Trade event log
	var history server.TradeHistory
	if st.eventLogDB != nil {
		logWorker := persistence.NewEventLogWorker(st.eventLogDB, eventLogChan, cfg.EventLog.BatchSize,
			cfg.EventLog.FlushTimeout, logger.With().Str("component", "event-log").Logger(), metrics)
		history = logWorker.Writer()
		spawn("event-log", logWorker.Run)
	}

	// 6. NATS: inbound offer/reputation feed and outbound trade events
	var natsConn *nats.Conn
	var subscriber *ingestion.NATSSubscriber
	if cfg.NATS.Enabled {
		natsLogger := logger.With().Str("component", "nats").Logger()
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, natsLogger)
		if err != nil {
			return err
		}
		natsConn = nc
		if err := startMessaging(ctx, js, cfg, st, profileCache, publishChan, natsLogger, metrics, spawn, &subscriber); err != nil {
			nc.Close()
			return err
		}
		healthChecker.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		})
	}

	// 7. HTTP API + gRPC health
	api, err := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Engine:        engine,
		History:       history,
		HealthChecker: healthChecker,
		RateLimit: server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.PerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		Logger:  logger.With().Str("component", "http").Logger(),
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	spawn("grpc", api.StartGRPC)
	spawn("http", api.StartHTTP)

	// 8. Prometheus metrics server
	spawn("metrics", func(ctx context.Context) error {
		return serveMetrics(ctx, cfg.MetricsAddr, logger)
	})

	// 9. Channel depth sampling
	spawn("channel-metrics", func(ctx context.Context) error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				metrics.SetChannelMetrics("projection", len(projectionChan), cap(projectionChan))
				metrics.SetChannelMetrics("publish", len(publishChan), cap(publishChan))
				metrics.SetChannelMetrics("event_log", len(eventLogChan), cap(eventLogChan))
			}
		}
	})

	// Mark service as ready after all goroutines started
	healthChecker.SetReady(true)
	logger.Info().
		Str("http", cfg.HTTPAddr).
		Str("grpc", cfg.GRPCAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("P2PDesk ready")

	// --- Wait for shutdown signal ---
	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	healthChecker.SetReady(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	cancel()

	// Give workers time to drain before the connections close.
	time.Sleep(500 * time.Millisecond)
	if natsConn != nil {
		if err := natsConn.Drain(); err != nil {
			logger.Warn().Err(err).Msg("NATS drain failed")
		}
	}

	logger.Info().Msg("P2PDesk shutdown complete")
	return runErr
}

// openStores builds the in-memory backend or connects to Postgres and
// applies migrations.
func openStores(ctx context.Context, cfg config.Config, logger zerolog.Logger, metrics *observability.Metrics) (stores, error) {
	if cfg.Store == config.StoreMemory {
		offers := offer.NewMemoryStore()
		logger.Warn().Msg("using in-memory stores, state is lost on restart")
		return stores{
			offers:   offers,
			trades:   trade.NewMemoryStore(offers),
			idem:     core.NewMemoryIdempotencyStore(),
			profiles: reputation.NewMemoryLoader(),
			activity: projection.NewMemoryActivityStore(),
		}, nil
	}

	sqlDB, err := persistence.Open(ctx, cfg.Postgres.URL, persistence.PoolConfig{
		MaxOpenConns:    cfg.Postgres.MaxOpenConns,
		MaxIdleConns:    cfg.Postgres.MaxIdleConns,
		ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
	})
	if err != nil {
		return stores{}, err
	}
	logger.Info().Msg("Postgres connected")

	migrator := persistence.NewMigrator(sqlDB, persistence.MigrationsFS(cfg.Postgres.MigrationsDir),
		logger.With().Str("component", "migrate").Logger())
	if err := migrator.Up(ctx); err != nil {
		sqlDB.Close()
		return stores{}, fmt.Errorf("run migrations: %w", err)
	}

	retrier := persistence.NewRetrier(cfg.Retry.Attempts, cfg.Retry.BaseBackoff, logger, metrics)
	db := persistence.NewDB(sqlDB, retrier, logger.With().Str("component", "postgres").Logger(), metrics)

	activity := persistence.NewActivityStore(db)
	// Projection updates dropped before a restart are recovered here.
	if err := activity.Rebuild(ctx); err != nil {
		logger.Warn().Err(err).Msg("seller activity rebuild failed")
	}

	return stores{
		offers:     persistence.NewOfferStore(db),
		trades:     persistence.NewTradeStore(db),
		idem:       persistence.NewIdempotencyStore(db),
		profiles:   persistence.NewProfileStore(db),
		activity:   activity,
		db:         db,
		eventLogDB: sqlDB,
	}, nil
}

func startMessaging(
	ctx context.Context,
	js jetstream.JetStream,
	cfg config.Config,
	st stores,
	cache *reputation.Cache,
	publishChan <-chan event.TradeEvent,
	logger zerolog.Logger,
	metrics *observability.Metrics,
	spawn func(string, func(context.Context) error),
	subscriber **ingestion.NATSSubscriber,
) error {
	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		return fmt.Errorf("ensure NATS streams: %w", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, logger); err != nil {
		return fmt.Errorf("ensure outbound stream: %w", err)
	}

	inbound := make(chan ingestion.RawEvent, cfg.Channels.InboundBuffer)
	sub := ingestion.NewNATSSubscriber(js, inbound, logger)
	if err := sub.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	*subscriber = sub

	dispatcher := ingestion.NewDispatcher(st.offers, st.profiles, cache, logger, metrics)
	spawn("dispatcher", func(ctx context.Context) error {
		return dispatcher.Run(ctx, inbound)
	})
	spawn("publisher", ingestion.NewOutboundPublisher(js, publishChan, logger, metrics).Run)
	return nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		metricsServer.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
