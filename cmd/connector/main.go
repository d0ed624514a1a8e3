// Command connector runs the HitBTC order lifecycle connector.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/orderlink/internal/app/connector"
	"github.com/coachpo/orderlink/internal/app/fees"
	"github.com/coachpo/orderlink/internal/domain/schema"
	"github.com/coachpo/orderlink/internal/domain/trackingstore"
	"github.com/coachpo/orderlink/internal/infra/adapters/hitbtc"
	"github.com/coachpo/orderlink/internal/infra/bus/eventbus"
	"github.com/coachpo/orderlink/internal/infra/config"
	"github.com/coachpo/orderlink/internal/infra/persistence/migrations"
	"github.com/coachpo/orderlink/internal/infra/persistence/pebble"
	"github.com/coachpo/orderlink/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/orderlink/internal/infra/server/http"
	"github.com/coachpo/orderlink/internal/infra/telemetry"
	"github.com/coachpo/orderlink/internal/observability"
)

const (
	defaultConfigPath            = "config/connector.yaml"
	defaultEnvFile               = ".env"
	controlServerShutdownTimeout = 5 * time.Second
	connectorShutdownTimeout     = 15 * time.Second
	defaultCancelAllTimeout      = 10 * time.Second
	storeShutdownTimeout         = 5 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	controlReadHeaderTimeout     = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to connector configuration file (default: %s)", defaultConfigPath))
	envFile := flag.String("env-file", defaultEnvFile, "Optional dotenv file holding venue credentials")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appCfg, err := config.Load(ctx, resolveConfigPath(*cfgPath), *envFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	base, err := observability.NewZapLogger(appCfg.Logging.Level)
	if err != nil {
		return err
	}
	root := observability.NewZap(base)
	defer func() { _ = root.Sync() }()
	logger := root.Named("connector")
	logger.Info("configuration loaded",
		observability.F("environment", string(appCfg.Environment)),
		observability.F("persistence", string(appCfg.Persistence.Driver)))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		return err
	}
	metrics := telemetry.NewMetrics(telemetryProvider.Meter("orderlink"), hitbtc.Name)

	venueOpts := hitbtc.Options{Config: hitbtc.Config{
		APIKey:         appCfg.Venue.APIKey,
		APISecret:      appCfg.Venue.APISecret,
		BaseURL:        appCfg.Venue.BaseURL,
		WebsocketURL:   appCfg.Venue.WebsocketURL,
		HTTPTimeout:    appCfg.Venue.HTTPTimeout,
		RateLimit:      appCfg.Venue.RateLimit,
		RateBurst:      appCfg.Venue.RateBurst,
		MaxOrderSize:   appCfg.Venue.MaxOrderSizeDecimal(),
		MessageTimeout: appCfg.Venue.MessageTimeout,
		PingTimeout:    appCfg.Venue.PingTimeout,
	}}
	client := hitbtc.NewClient(venueOpts, hitbtc.WithLogger(root.Named("hitbtc")), hitbtc.WithMetrics(metrics))
	stream := hitbtc.NewStream(venueOpts, root.Named("hitbtc.stream"), metrics)

	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{
		BufferSize:    appCfg.Eventbus.BufferSize,
		FanoutWorkers: appCfg.Eventbus.FanoutWorkerCount(),
		Logger:        root.Named("eventbus"),
	})
	defer bus.Close()

	store, err := openStore(ctx, logger, appCfg.Persistence)
	if err != nil {
		_ = telemetryProvider.Shutdown(context.Background())
		return err
	}

	maker, taker := appCfg.Fees.Rates()
	conn := connector.New(connectorConfig(appCfg.Connector), connector.Deps{
		Venue:     client,
		Stream:    stream,
		Normalize: hitbtc.NormalizeState,
		Fees:      fees.NewPolicy(maker, taker),
		Publisher: bus,
		Store:     store,
		Logger:    logger,
		Metrics:   metrics,
	})

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	// Subscribe before the connector starts so the first events are logged.
	_, lifecycleEvents, err := bus.Subscribe(runCtx)
	if err != nil {
		_ = telemetryProvider.Shutdown(context.Background())
		return fmt.Errorf("subscribe lifecycle log: %w", err)
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() { logLifecycleEvents(lifecycleEvents, root.Named("events")) })
	lifecycle.Go(func() {
		if err := conn.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("connector stopped", observability.Err(err))
		}
	})

	server := &http.Server{
		Addr:              appCfg.APIServer.Addr,
		Handler:           httpserver.NewHandler(conn, root.Named("http"), httpserver.WithEvents(bus)),
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control server", observability.Err(err))
		}
	})
	logger.Info("control API listening", observability.F("addr", server.Addr))

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")
	shutdownStart := time.Now()

	shutdownStep(logger, "stopping control server", controlServerShutdownTimeout, server.Shutdown)
	cancelAllTimeout := appCfg.Connector.CancelAllTimeout
	if cancelAllTimeout <= 0 {
		cancelAllTimeout = defaultCancelAllTimeout
	}
	shutdownStep(logger, "cancelling open orders", cancelAllTimeout+time.Second, func(stepCtx context.Context) error {
		results, err := conn.CancelAll(stepCtx, cancelAllTimeout)
		logger.Info("cancel all finished", observability.F("orders", len(results)))
		return err
	})
	cancelRun()
	shutdownStep(logger, "waiting for connector loops", connectorShutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
		}
	})
	if store != nil {
		shutdownStep(logger, "closing tracking store", storeShutdownTimeout, func(context.Context) error {
			return store.Close()
		})
	}
	shutdownStep(logger, "shutting down telemetry", telemetryShutdownTimeout, telemetryProvider.Shutdown)

	logger.Info("shutdown completed", observability.F("elapsed", time.Since(shutdownStart).String()))
	return nil
}

// logLifecycleEvents writes each lifecycle event to the log until the
// subscription closes.
func logLifecycleEvents(events <-chan schema.Event, logger observability.Logger) {
	for evt := range events {
		logger.Info("lifecycle event",
			observability.F("event_id", evt.EventID),
			observability.F("event_type", string(evt.Type)),
			observability.F("client_order_id", evt.ClientOrderID),
			observability.F("exchange_order_id", evt.ExchangeOrderID),
			observability.F("pair", evt.Pair))
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func initTelemetry(ctx context.Context, logger observability.Logger, appCfg config.AppConfig) (*telemetry.Provider, error) {
	cfg := telemetry.DefaultConfig()
	if appCfg.Telemetry.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = appCfg.Telemetry.OTLPEndpoint
	}
	if appCfg.Telemetry.ServiceName != "" {
		cfg.ServiceName = appCfg.Telemetry.ServiceName
	}
	cfg.Environment = string(appCfg.Environment)
	cfg.OTLPInsecure = appCfg.Telemetry.OTLPInsecure
	cfg.Enabled = cfg.Enabled || appCfg.Telemetry.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if cfg.Enabled {
		logger.Info("telemetry initialized",
			observability.F("endpoint", cfg.OTLPEndpoint),
			observability.F("service", cfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

func openStore(ctx context.Context, logger observability.Logger, cfg config.PersistenceConfig) (trackingstore.Store, error) {
	switch cfg.Driver {
	case config.PersistencePebble:
		store, err := pebble.Open(cfg.PebbleDir)
		if err != nil {
			return nil, fmt.Errorf("open pebble store: %w", err)
		}
		logger.Info("tracking store opened", observability.F("driver", "pebble"), observability.F("dir", cfg.PebbleDir))
		return store, nil
	case config.PersistencePostgres:
		db := cfg.Database
		if db.RunMigrations {
			if err := migrations.Apply(ctx, db.DSN, logger); err != nil {
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		store, err := postgres.Connect(ctx, db.DSN, postgres.PoolOptions{
			MaxConns:          db.MaxConns,
			MinConns:          db.MinConns,
			MaxConnLifetime:   db.MaxConnLifetime,
			MaxConnIdleTime:   db.MaxConnIdleTime,
			HealthCheckPeriod: db.HealthCheckPeriod,
		})
		if err != nil {
			return nil, fmt.Errorf("connect postgres store: %w", err)
		}
		logger.Info("tracking store opened", observability.F("driver", "postgres"))
		return store, nil
	default:
		logger.Warn("tracking store disabled; open orders will not survive a restart")
		return nil, nil
	}
}

func connectorConfig(cfg config.ConnectorConfig) connector.Config {
	return connector.Config{
		StatusPollInterval:  cfg.StatusPollInterval,
		RuleRefreshInterval: cfg.RuleRefreshInterval,
		ShortPollInterval:   cfg.ShortPollInterval,
		LongPollInterval:    cfg.LongPollInterval,
		StreamSilence:       cfg.StreamSilence,
		BackoffInitial:      cfg.BackoffInitial,
		BackoffMax:          cfg.BackoffMax,
		RequestTimeout:      cfg.RequestTimeout,
		CancelAllTimeout:    cfg.CancelAllTimeout,
		CheckpointInterval:  cfg.CheckpointInterval,
		StatusConcurrency:   cfg.StatusConcurrency,
	}
}

func shutdownStep(logger observability.Logger, name string, timeout time.Duration, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	logger.Info("shutdown: " + name)
	if err := fn(ctx); err != nil {
		logger.Warn("shutdown: "+name+" failed", observability.Err(err))
	}
}
