package binancews

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"featureStream/internal/domain"
	"featureStream/internal/metrics"
	"featureStream/internal/ports"
)

const (
	spotStreamURL           = "wss://stream.binance.com:9443/ws"
	spotStreamURLTestnet    = "wss://testnet.binance.vision/ws"
	futuresStreamURL        = "wss://fstream.binance.com/ws"
	futuresStreamURLTestnet = "wss://stream.binancefuture.com/ws"
)

// StreamURL returns the raw-stream WebSocket endpoint of a market.
func StreamURL(market string, testnet bool) string {
	futures := strings.EqualFold(market, "futures")
	switch {
	case futures && testnet:
		return futuresStreamURLTestnet
	case futures:
		return futuresStreamURL
	case testnet:
		return spotStreamURLTestnet
	default:
		return spotStreamURL
	}
}

// State is the connection state of the Manager.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Config configures the stream manager.
type Config struct {
	URL string
	// ReconnectDelay is the delay before the first reconnect attempt.
	ReconnectDelay time.Duration
	// ReconnectMaxDelay caps the delay; equal to ReconnectDelay for a fixed schedule.
	ReconnectMaxDelay time.Duration
	ReconnectJitter   bool
	// ReadTimeout closes a connection that has been silent this long.
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	Logger           ports.Logger
	Metrics          ports.Metrics
}

// Manager keeps one kline subscription alive and forwards closed candles.
type Manager struct {
	cfg     Config
	logger  ports.Logger
	metrics ports.Metrics

	state     atomic.Int32
	requestID atomic.Uint64
	done      atomic.Bool

	// Touched only by the Run goroutine.
	lastKey int64
}

// Compile-time interface check.
var _ ports.CandleStream = (*Manager)(nil)

// New creates a stream manager. Zero durations fall back to defaults.
func New(cfg Config) (*Manager, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for stream manager")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: stream url is required", ports.ErrFatalConfig)
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectDelay {
		cfg.ReconnectMaxDelay = cfg.ReconnectDelay
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Minute
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	m := &Manager{cfg: cfg, logger: cfg.Logger, metrics: cfg.Metrics}
	if m.metrics == nil {
		m.metrics = metrics.Nop{}
	}
	return m, nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	if State(m.state.Swap(int32(s))) != s {
		m.metrics.RecordStreamState(s.String())
	}
}

// Run connects, subscribes and reconnects until ctx is cancelled. Once Run has
// returned the manager stays closed and further calls fail.
func (m *Manager) Run(ctx context.Context, symbol, interval string, handler func(domain.Candle)) error {
	op := "StreamCandles"
	if m.done.Load() {
		return fmt.Errorf("%s: stream manager already stopped", op)
	}
	defer m.done.Store(true)

	stream := strings.ToLower(symbol) + "@kline_" + interval
	fields := map[string]interface{}{"stream": stream, "url": m.cfg.URL}

	b := &backoff.Backoff{
		Min:    m.cfg.ReconnectDelay,
		Max:    m.cfg.ReconnectMaxDelay,
		Factor: 1,
		Jitter: m.cfg.ReconnectJitter,
	}
	if m.cfg.ReconnectMaxDelay > m.cfg.ReconnectDelay {
		b.Factor = 2
	}

	for {
		m.setState(StateConnecting)
		m.logger.Info(ctx, op+": Connecting to WebSocket", fields)

		opened, err := m.session(ctx, stream, symbol, interval, handler)
		m.setState(StateClosed)

		if ctx.Err() != nil {
			m.logger.Info(ctx, op+": Context cancelled, stream stopped", fields)
			return nil
		}
		if opened {
			b.Reset()
		}

		delay := b.Duration()
		m.logger.Warn(ctx, op+": WebSocket connection lost, reconnecting", map[string]interface{}{
			"stream":  stream,
			"error":   err.Error(),
			"delay":   delay.String(),
			"attempt": int(b.Attempt()),
		})

		select {
		case <-ctx.Done():
			m.logger.Info(ctx, op+": Context cancelled during backoff", fields)
			return nil
		case <-time.After(delay):
		}
		m.metrics.RecordReconnect()
	}
}

// session runs one connection until it fails. opened reports whether the
// subscription was sent successfully.
func (m *Manager) session(ctx context.Context, stream, symbol, interval string, handler func(domain.Candle)) (opened bool, err error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: m.cfg.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %w: websocket dial: %w", ports.ErrConnectionFailed, ports.ErrTransientIO, err)
	}
	defer conn.Close()

	// Unblock ReadMessage on cancellation.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	if err := m.subscribe(conn, stream); err != nil {
		return false, err
	}
	m.setState(StateOpen)
	m.logger.Info(ctx, "WebSocket subscription sent", map[string]interface{}{"stream": stream})

	conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(m.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("%w: websocket read: %w", ports.ErrTransientIO, err)
		}
		conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
		m.handleMessage(ctx, message, symbol, interval, handler)
	}
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

func (m *Manager) subscribe(conn *websocket.Conn, stream string) error {
	req := subscribeRequest{
		Method: "SUBSCRIBE",
		Params: []string{stream},
		ID:     m.requestID.Add(1),
	}
	conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("%w: send subscribe: %w", ports.ErrTransientIO, err)
	}
	return nil
}

// envelope holds the fields needed to classify an inbound message.
// EventTime is declared so "E" does not match Event case-insensitively.
type envelope struct {
	Event     string          `json:"e"`
	EventTime int64           `json:"E"`
	ID        *uint64         `json:"id"`
	Error     *envelopeError  `json:"error"`
	Data      json.RawMessage `json:"data"`
}

type envelopeError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (m *Manager) handleMessage(ctx context.Context, message []byte, symbol, interval string, handler func(domain.Candle)) {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		m.logger.Warn(ctx, "Ignoring malformed stream message", map[string]interface{}{"error": err.Error()})
		return
	}

	// Combined-stream payloads wrap the event in "data".
	if env.Event == "" && len(env.Data) > 0 {
		message = env.Data
		if err := json.Unmarshal(message, &env); err != nil {
			m.logger.Warn(ctx, "Ignoring malformed stream message", map[string]interface{}{"error": err.Error()})
			return
		}
	}

	if env.ID != nil {
		if env.Error != nil {
			m.logger.Warn(ctx, "Subscription rejected", map[string]interface{}{
				"id": *env.ID, "code": env.Error.Code, "msg": env.Error.Msg,
			})
			return
		}
		m.logger.Debug(ctx, "Subscription acknowledged", map[string]interface{}{"id": *env.ID})
		return
	}
	if env.Event != "kline" {
		m.logger.Debug(ctx, "Ignoring stream event", map[string]interface{}{"event": env.Event})
		return
	}

	event := new(binance.WsKlineEvent)
	if err := json.Unmarshal(message, event); err != nil {
		m.logger.Warn(ctx, "Ignoring undecodable kline event", map[string]interface{}{"error": err.Error()})
		return
	}
	if !strings.EqualFold(event.Kline.Symbol, symbol) || event.Kline.Interval != interval {
		return
	}
	if !event.Kline.IsFinal {
		return
	}

	candle, err := translateWsKline(event)
	if err != nil {
		m.logger.Error(ctx, err, "Failed to translate WebSocket kline event")
		return
	}
	if candle.Key() <= m.lastKey {
		m.logger.Debug(ctx, "Dropping already forwarded candle", map[string]interface{}{"openTime": candle.Key()})
		return
	}
	m.lastKey = candle.Key()
	handler(candle)
}

func translateWsKline(event *binance.WsKlineEvent) (domain.Candle, error) {
	if event == nil {
		return domain.Candle{}, errors.New("received nil kline event")
	}
	k := event.Kline
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return domain.Candle{}, fmt.Errorf("parsing open price '%s': %w", k.Open, err)
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return domain.Candle{}, fmt.Errorf("parsing high price '%s': %w", k.High, err)
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return domain.Candle{}, fmt.Errorf("parsing low price '%s': %w", k.Low, err)
	}
	cls, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return domain.Candle{}, fmt.Errorf("parsing close price '%s': %w", k.Close, err)
	}
	vol, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return domain.Candle{}, fmt.Errorf("parsing volume '%s': %w", k.Volume, err)
	}

	c := domain.Candle{
		OpenTime: domain.CandleFromKey(k.StartTime),
		Open:     open,
		High:     high,
		Low:      low,
		Close:    cls,
		Volume:   vol,
	}
	return c, c.Validate()
}
