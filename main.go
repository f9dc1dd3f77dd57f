package main

import (
	"context"
	"flag"
	"fmt"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"featureStream/config"
	"featureStream/internal/adapters/binanceclient"
	"featureStream/internal/adapters/binancews"
	"featureStream/internal/adapters/logger"
	"featureStream/internal/app"
	"featureStream/internal/features"
	"featureStream/internal/metrics"
	"featureStream/internal/store"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s SYMBOL INTERVAL DEST\n\n", os.Args[0])
	fmt.Fprintln(flag.CommandLine.Output(), "  SYMBOL    trading pair, e.g. BTCUSDT")
	fmt.Fprintln(flag.CommandLine.Output(), "  INTERVAL  kline interval, e.g. 1m")
	fmt.Fprintln(flag.CommandLine.Output(), "  DEST      SQLite file path or postgres:// DSN")
	fmt.Fprintln(flag.CommandLine.Output(), "\nTuning is read from the environment (.env supported).")
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 3 {
		flag.Usage()
		os.Exit(2)
	}

	// 1. Load Configuration
	cfg, err := config.LoadConfig(flag.Arg(0), flag.Arg(1), flag.Arg(2))
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: os.Stderr})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}
	ctx := context.Background()
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel})

	// 3. Initialize Feature Store (Database Adapter)
	featureStore, err := store.Open(ctx, cfg.Dest, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize feature store")
		log.Fatalf("FATAL: Failed to initialize feature store: %v", err) // Also log to stderr
	}
	defer func() {
		if err := featureStore.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing feature store")
		}
	}()
	appLogger.Info(ctx, "Feature store initialized", map[string]interface{}{"postgres": cfg.IsPostgres()})

	// 4. Initialize Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(registry, cfg.Symbol, cfg.Interval)

	// 5. Initialize Exchange Clients (Binance Adapters)
	restClient, err := binanceclient.New(binanceclient.Config{
		Market:     cfg.Market,
		UseTestnet: cfg.IsTestnet,
		Timeout:    cfg.HistoryTimeout,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}

	streamURL := cfg.StreamURL
	if streamURL == "" {
		streamURL = binancews.StreamURL(cfg.Market, cfg.IsTestnet)
	}
	streamManager, err := binancews.New(binancews.Config{
		URL:               streamURL,
		ReconnectDelay:    cfg.ReconnectDelay,
		ReconnectMaxDelay: cfg.ReconnectMaxDelay,
		ReconnectJitter:   cfg.ReconnectJitter,
		ReadTimeout:       cfg.StreamReadTimeout,
		Logger:            appLogger,
		Metrics:           recorder,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize stream manager")
		log.Fatalf("FATAL: Failed to initialize stream manager: %v", err)
	}
	appLogger.Info(ctx, "Binance clients initialized", map[string]interface{}{"market": cfg.Market, "testnet": cfg.IsTestnet})

	// 6. Initialize Feature Computation
	computer, err := features.NewAdapter(features.Techan(features.DefaultIndicators()), cfg.MinWindow)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize feature computation")
		log.Fatalf("FATAL: Failed to initialize feature computation: %v", err)
	}

	// 7. Initialize Application Service
	aggregator, err := app.NewAggregator(app.AggregatorConfigFrom(cfg), appLogger, computer, featureStore, recorder)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize aggregator")
		log.Fatalf("FATAL: Failed to initialize aggregator: %v", err)
	}
	featureService, err := app.NewFeatureService(
		cfg,
		appLogger,
		restClient,
		streamManager,
		aggregator,
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize feature service")
		log.Fatalf("FATAL: Failed to initialize feature service: %v", err)
	}

	// 8. Start the Service
	if err := featureService.Start(ctx); err != nil {
		appLogger.Error(ctx, err, "Feature service exited with error")
		featureStore.Close()
		os.Exit(1)
	}

	appLogger.Info(ctx, "Application finished gracefully.")
}
