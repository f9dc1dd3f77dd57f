package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"featureStream/internal/adapters/binanceclient"
	"featureStream/internal/adapters/logger"
	"featureStream/internal/domain"
	"featureStream/internal/utils"
)

func main() {
	symbol := flag.String("symbol", "BTCUSDT", "trading pair")
	interval := flag.String("interval", "1m", "kline interval")
	market := flag.String("market", binanceclient.MarketSpot, "spot or futures")
	testnet := flag.Bool("testnet", false, "use the testnet endpoints")
	limit := flag.Int("limit", 500, "number of most recent candles (ignored with -days)")
	days := flag.Int("days", 0, "fetch the last N days instead of -limit candles")
	out := flag.String("out", "", "output CSV file (default data/SYMBOL_INTERVAL_*.csv)")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	// 1. Initialize Logger
	appLogger, err := logger.New(logger.Config{Level: *logLevel})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}
	ctx := context.Background()

	// 2. Initialize Exchange Client (Binance Adapter)
	client, err := binanceclient.New(binanceclient.Config{
		Market:     *market,
		UseTestnet: *testnet,
		Timeout:    time.Minute,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}

	sym := strings.ToUpper(*symbol)
	end := time.Now().UTC()
	var candles []domain.Candle
	if *days > 0 {
		start := end.AddDate(0, 0, -*days)
		appLogger.Info(ctx, "Fetching candle range", map[string]interface{}{
			"symbol": sym, "interval": *interval, "start": start, "end": end,
		})
		candles, err = client.GetCandlesRange(ctx, sym, *interval, start, end)
	} else {
		appLogger.Info(ctx, "Fetching recent candles", map[string]interface{}{
			"symbol": sym, "interval": *interval, "limit": *limit,
		})
		candles, err = client.GetCandles(ctx, sym, *interval, *limit)
	}
	if err != nil {
		appLogger.Error(ctx, err, "Error fetching candles")
		log.Fatalf("Error fetching candles: %v", err)
	}
	appLogger.Info(ctx, "Fetched candles", map[string]interface{}{"count": len(candles)})

	filename := *out
	if filename == "" {
		filename = fmt.Sprintf("data/%s_%s_%s.csv", sym, *interval, end.Format("20060102T150405"))
	}
	err = utils.WriteFile(filename, func(w io.Writer) error { return utils.WriteCandles(w, candles) })
	if err != nil {
		appLogger.Error(ctx, err, "Error writing CSV")
		log.Fatalf("Error writing CSV: %v", err)
	}
	appLogger.Info(ctx, "Saved to", map[string]interface{}{"filename": filename})
}
