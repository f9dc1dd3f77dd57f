package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"featureStream/config"
	"featureStream/internal/domain"
	"featureStream/internal/ports"
)

// AggregatorConfigFrom extracts the aggregation settings from the application config.
func AggregatorConfigFrom(cfg *config.Config) AggregatorConfig {
	return AggregatorConfig{
		RetentionTarget: cfg.RetentionTarget,
		WindowCap:       cfg.WindowCap,
		BufferCapacity:  cfg.BufferCapacity,
		FlushThreshold:  cfg.FlushThreshold,
		FlushInterval:   cfg.FlushInterval,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
}

// FeatureService wires the historical source, live stream and aggregator together.
type FeatureService struct {
	cfg            *config.Config
	logger         ports.Logger
	source         ports.CandleSource
	stream         ports.CandleStream
	aggregator     *Aggregator
	metricsHandler http.Handler // Served on cfg.MetricsAddr when both are set
}

// NewFeatureService creates a new application service instance.
func NewFeatureService(
	cfg *config.Config,
	logger ports.Logger,
	source ports.CandleSource,
	stream ports.CandleStream,
	aggregator *Aggregator,
	metricsHandler http.Handler,
) (*FeatureService, error) {
	// Validate dependencies
	if cfg == nil || logger == nil || source == nil || stream == nil || aggregator == nil {
		return nil, fmt.Errorf("missing required dependencies for FeatureService")
	}

	return &FeatureService{
		cfg:            cfg,
		logger:         logger,
		source:         source,
		stream:         stream,
		aggregator:     aggregator,
		metricsHandler: metricsHandler,
	}, nil
}

// Start seeds the window, then streams live candles until ctx is cancelled or
// a termination signal arrives. Seed failures are returned before the stream opens.
func (s *FeatureService) Start(ctx context.Context) error {
	fields := map[string]interface{}{"symbol": s.cfg.Symbol, "interval": s.cfg.Interval}
	s.logger.Info(ctx, "Starting Feature Service...", fields)

	// Create a context that can be canceled by signals
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel() // Cancel the main context
		case <-ctx.Done():
		}
	}()

	// --- Initialization ---
	if err := s.aggregator.Seed(ctx, s.source, s.cfg.Symbol, s.cfg.Interval, s.cfg.HistoryLimit); err != nil {
		s.logger.Error(ctx, err, "Failed to seed candle window")
		return fmt.Errorf("failed to seed candle window: %w", err)
	}

	stopMetrics := s.startMetricsServer(ctx)
	defer stopMetrics()

	// The aggregator outlives the stream so that its final flush sees every
	// candle the stream delivered.
	aggCtx, cancelAgg := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelAgg()

	var wg sync.WaitGroup
	var aggErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		aggErr = s.aggregator.Run(aggCtx)
	}()

	// --- Start WebSocket Stream ---
	s.logger.Info(ctx, "Live stream starting", fields)
	streamErr := s.stream.Run(ctx, s.cfg.Symbol, s.cfg.Interval, s.handleCandle(ctx))
	if streamErr != nil {
		s.logger.Error(ctx, streamErr, "Live stream stopped with error")
	}

	s.logger.Info(ctx, "Live stream stopped, flushing remaining candles...")
	cancelAgg()
	wg.Wait()

	s.logger.Info(ctx, "Feature Service stopped.")
	return errors.Join(streamErr, aggErr)
}

// handleCandle forwards closed candles from the stream to the aggregator.
func (s *FeatureService) handleCandle(ctx context.Context) func(domain.Candle) {
	return func(c domain.Candle) {
		s.logger.Debug(ctx, "Received closed candle", map[string]interface{}{
			"openTime": c.OpenTime,
			"close":    c.Close,
		})
		if err := s.aggregator.Submit(ctx, c); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Warn(ctx, "Candle rejected by aggregator", map[string]interface{}{
				"openTime": c.OpenTime,
				"error":    err.Error(),
			})
		}
	}
}

// startMetricsServer serves the metrics handler in the background and returns its stop func.
func (s *FeatureService) startMetricsServer(ctx context.Context) func() {
	if s.cfg.MetricsAddr == "" || s.metricsHandler == nil {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metricsHandler)
	srv := &http.Server{
		Addr:              s.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info(ctx, "Metrics server listening", map[string]interface{}{"addr": s.cfg.MetricsAddr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, err, "Metrics server failed")
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn(shutdownCtx, "Metrics server shutdown failed", map[string]interface{}{"error": err.Error()})
		}
	}
}
