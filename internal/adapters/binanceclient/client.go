package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"featureStream/internal/domain"
	"featureStream/internal/ports"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
)

const (
	// Base URLs
	spotURLProduction    = "https://api.binance.com"
	spotURLTestnet       = "https://testnet.binance.vision"
	futuresURLProduction = "https://fapi.binance.com"
	futuresURLTestnet    = "https://testnet.binancefuture.com"

	// MarketSpot and MarketFutures select the REST API the client talks to.
	MarketSpot    = "spot"
	MarketFutures = "futures"

	spotMaxKlines    = 1000
	futuresMaxKlines = 1500
)

// MaxLimit returns the largest klines page the market's REST API serves,
// or 0 for an unknown market.
func MaxLimit(market string) int {
	switch strings.ToLower(market) {
	case "", MarketSpot:
		return spotMaxKlines
	case MarketFutures:
		return futuresMaxKlines
	default:
		return 0
	}
}

// rawKline is the string-typed kline shape shared by the spot and futures APIs.
type rawKline struct {
	OpenTime  int64
	CloseTime int64
	Open      string
	High      string
	Low       string
	Close     string
	Volume    string
}

// klinesFunc fetches klines; startMs/endMs are ignored when zero.
type klinesFunc func(ctx context.Context, symbol, interval string, limit int, startMs, endMs int64) ([]rawKline, error)

// Client implements the ports.CandleSource interface using the go-binance library.
type Client struct {
	fetch    klinesFunc
	pageSize int // Largest limit the market accepts per request
	logger   ports.Logger
	timeout time.Duration
	now     func() time.Time
}

// Compile-time interface check.
var _ ports.CandleSource = (*Client)(nil)

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	Market     string // "spot" (default) or "futures"
	UseTestnet bool
	BaseURL    string        // Overrides the market's REST endpoint when set
	Timeout    time.Duration // Bounds every fetch; 0 disables the bound
	Logger     ports.Logger
}

// New creates a new Binance client adapter. Only public endpoints are used, so no API keys are needed.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}

	var fetch klinesFunc
	var baseURL string
	switch strings.ToLower(cfg.Market) {
	case "", MarketSpot:
		client := binance.NewClient("", "")
		client.BaseURL = pickURL(cfg, spotURLProduction, spotURLTestnet)
		baseURL = client.BaseURL
		fetch = spotKlines(client)
	case MarketFutures:
		client := futures.NewClient("", "")
		client.BaseURL = pickURL(cfg, futuresURLProduction, futuresURLTestnet)
		baseURL = client.BaseURL
		fetch = futuresKlines(client)
	default:
		return nil, fmt.Errorf("%w: unknown market %q", ports.ErrFatalConfig, cfg.Market)
	}

	cfg.Logger.Info(context.Background(), "Binance client configured", map[string]interface{}{
		"market":   cfg.Market,
		"testnet":  cfg.UseTestnet,
		"baseURL":  baseURL,
		"pageSize": MaxLimit(cfg.Market),
	})

	return &Client{
		fetch:    fetch,
		pageSize: MaxLimit(cfg.Market),
		logger:   cfg.Logger,
		timeout:  cfg.Timeout,
		now:      time.Now,
	}, nil
}

func pickURL(cfg Config, production, testnet string) string {
	switch {
	case cfg.BaseURL != "":
		return cfg.BaseURL
	case cfg.UseTestnet:
		return testnet
	default:
		return production
	}
}

func spotKlines(client *binance.Client) klinesFunc {
	return func(ctx context.Context, symbol, interval string, limit int, startMs, endMs int64) ([]rawKline, error) {
		svc := client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit)
		if startMs > 0 {
			svc = svc.StartTime(startMs)
		}
		if endMs > 0 {
			svc = svc.EndTime(endMs)
		}
		klines, err := svc.Do(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]rawKline, 0, len(klines))
		for _, k := range klines {
			if k == nil {
				return nil, errors.New("received nil historical kline")
			}
			out = append(out, rawKline{k.OpenTime, k.CloseTime, k.Open, k.High, k.Low, k.Close, k.Volume})
		}
		return out, nil
	}
}

func futuresKlines(client *futures.Client) klinesFunc {
	return func(ctx context.Context, symbol, interval string, limit int, startMs, endMs int64) ([]rawKline, error) {
		svc := client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit)
		if startMs > 0 {
			svc = svc.StartTime(startMs)
		}
		if endMs > 0 {
			svc = svc.EndTime(endMs)
		}
		klines, err := svc.Do(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]rawKline, 0, len(klines))
		for _, k := range klines {
			if k == nil {
				return nil, errors.New("received nil historical kline")
			}
			out = append(out, rawKline{k.OpenTime, k.CloseTime, k.Open, k.High, k.Low, k.Close, k.Volume})
		}
		return out, nil
	}
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		// Map specific Binance error codes to custom errors
		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp for this request is outside of the recvWindow
			mappedErr = ports.ErrTimeout
		case -1100, -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130: // Parameter/Request format errors
			mappedErr = ports.ErrInvalidRequest
		default:
			// General classification for unmapped API errors
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w: %w", operation, ports.ErrTimeout, ports.ErrTransientIO, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") ||
		strings.Contains(err.Error(), "no such host") {
		finalErr = fmt.Errorf("%s failed: %w: %w: %w", operation, ports.ErrConnectionFailed, ports.ErrTransientIO, err)
	} else {
		// Default for other errors (e.g., parsing errors within the adapter)
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// GetCandles retrieves the limit most recent closed candles for symbol, oldest first.
// A trailing kline that has not closed yet is dropped.
func (c *Client) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	op := "GetCandles"
	if limit <= 0 || limit > c.pageSize {
		return nil, fmt.Errorf("%s failed: %w: limit %d outside [1, %d]", op, ports.ErrInvalidRequest, limit, c.pageSize)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	klines, err := c.fetch(ctx, symbol, interval, limit, 0, 0)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	// The newest kline is still in progress when its close time lies in the future.
	if n := len(klines); n > 0 && klines[n-1].CloseTime > c.now().UnixMilli() {
		klines = klines[:n-1]
	}
	if len(klines) == 0 {
		return nil, fmt.Errorf("%s failed: %w: no closed klines for %s %s", op, ports.ErrNoData, symbol, interval)
	}

	candles, err := translateKlines(klines)
	if err != nil {
		return nil, c.handleError(ctx, fmt.Errorf("failed to translate historical kline: %w", err), op)
	}

	c.logger.Debug(ctx, "Historical candles fetched", map[string]interface{}{
		"symbol":   symbol,
		"interval": interval,
		"count":    len(candles),
	})
	return candles, nil
}

// GetCandlesRange fetches all closed candles for a symbol/interval between start and end time.
func (c *Client) GetCandlesRange(ctx context.Context, symbol, interval string, start, end time.Time) ([]domain.Candle, error) {
	op := "GetCandlesRange"
	var all []domain.Candle
	from := start
	nowMs := c.now().UnixMilli()

	for {
		klines, err := c.fetch(ctx, symbol, interval, c.pageSize, from.UnixMilli(), end.UnixMilli())
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		if len(klines) == 0 {
			break
		}
		last := klines[len(klines)-1]
		closed := klines
		if last.CloseTime > nowMs {
			closed = klines[:len(klines)-1]
		}
		candles, err := translateKlines(closed)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("failed to translate historical kline range: %w", err), op)
		}
		all = append(all, candles...)

		from = time.UnixMilli(last.CloseTime + 1)
		if from.After(end) || len(klines) < c.pageSize {
			break
		}
	}

	if len(all) == 0 {
		return nil, fmt.Errorf("%s failed: %w: no klines for %s %s in range", op, ports.ErrNoData, symbol, interval)
	}
	return all, nil
}

func translateKlines(klines []rawKline) ([]domain.Candle, error) {
	candles := make([]domain.Candle, 0, len(klines))
	for _, k := range klines {
		c, err := translateBinanceKline(k)
		if err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func translateBinanceKline(bk rawKline) (domain.Candle, error) {
	open, err := strconv.ParseFloat(bk.Open, 64)
	if err != nil {
		return domain.Candle{}, fmt.Errorf("parsing open price '%s': %w", bk.Open, err)
	}
	high, err := strconv.ParseFloat(bk.High, 64)
	if err != nil {
		return domain.Candle{}, fmt.Errorf("parsing high price '%s': %w", bk.High, err)
	}
	low, err := strconv.ParseFloat(bk.Low, 64)
	if err != nil {
		return domain.Candle{}, fmt.Errorf("parsing low price '%s': %w", bk.Low, err)
	}
	cls, err := strconv.ParseFloat(bk.Close, 64)
	if err != nil {
		return domain.Candle{}, fmt.Errorf("parsing close price '%s': %w", bk.Close, err)
	}
	vol, err := strconv.ParseFloat(bk.Volume, 64)
	if err != nil {
		return domain.Candle{}, fmt.Errorf("parsing volume '%s': %w", bk.Volume, err)
	}

	c := domain.Candle{
		OpenTime: domain.CandleFromKey(bk.OpenTime),
		Open:     open,
		High:     high,
		Low:      low,
		Close:    cls,
		Volume:   vol,
	}
	if err := c.Validate(); err != nil {
		return domain.Candle{}, err
	}
	return c, nil
}
