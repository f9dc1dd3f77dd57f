package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"featureStream/internal/adapters/binanceclient"
	"featureStream/internal/ports"
)

// Config holds all application configuration.
type Config struct {
	// Positional arguments
	Symbol   string `validate:"required,alphanum"`
	Interval string `validate:"required,oneof=1s 1m 3m 5m 15m 30m 1h 2h 4h 6h 8h 12h 1d 3d 1w 1M"`
	Dest     string `validate:"required"` // SQLite path or postgres:// DSN

	// Exchange
	Market    string `default:"spot" validate:"oneof=spot futures"`
	IsTestnet bool
	StreamURL string // Overrides the market's WebSocket endpoint when set

	// Aggregation
	RetentionTarget int           `default:"500" validate:"gte=1"`
	WindowCap       int           `default:"1000" validate:"gtefield=RetentionTarget"`
	MinWindow       int           `default:"50" validate:"gte=1"`
	FlushThreshold  int           `default:"5" validate:"gte=1"`
	BufferCapacity  int           `default:"100" validate:"gtefield=FlushThreshold"`
	FlushInterval   time.Duration `default:"30s" validate:"gt=0"`

	// Historical seed
	HistoryLimit   int           `default:"500" validate:"gte=1,lte=1500"`
	HistoryTimeout time.Duration `default:"10s" validate:"gt=0"`

	// Connection Settings
	ReconnectDelay    time.Duration `default:"5s" validate:"gt=0"`
	ReconnectMaxDelay time.Duration `default:"5s" validate:"gtefield=ReconnectDelay"`
	ReconnectJitter   bool
	StreamReadTimeout time.Duration `default:"5m" validate:"gt=0"`

	ShutdownTimeout time.Duration `default:"10s" validate:"gt=0"`

	// Logging
	LogLevel  string `default:"info" validate:"oneof=debug info warn error"`
	LogFormat string `default:"console" validate:"oneof=console json"`

	// Metrics endpoint address (e.g. ":9090"); disabled when empty
	MetricsAddr string
}

// IsPostgresDSN reports whether dest is a PostgreSQL DSN rather than a SQLite path.
func IsPostgresDSN(dest string) bool {
	return strings.HasPrefix(dest, "postgres://") || strings.HasPrefix(dest, "postgresql://")
}

// IsPostgres reports whether Dest is a PostgreSQL DSN.
func (c *Config) IsPostgres() bool {
	return IsPostgresDSN(c.Dest)
}

// LoadConfig builds the configuration from the positional arguments and
// environment variables (.env file). Errors wrap ports.ErrFatalConfig.
func LoadConfig(symbol, interval, dest string) (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{
		Symbol:   strings.ToUpper(strings.TrimSpace(symbol)),
		Interval: strings.TrimSpace(interval),
		Dest:     strings.TrimSpace(dest),
	}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("%w: apply defaults: %w", ports.ErrFatalConfig, err)
	}

	var err error
	var errs []string // Collect parse errors

	cfg.Market = strings.ToLower(getEnv("MARKET", cfg.Market))
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", cfg.IsTestnet)
	cfg.StreamURL = getEnv("STREAM_URL", cfg.StreamURL)

	intVars := []struct {
		key string
		dst *int
	}{
		{"RETENTION_TARGET", &cfg.RetentionTarget},
		{"WINDOW_CAP", &cfg.WindowCap},
		{"MIN_WINDOW", &cfg.MinWindow},
		{"FLUSH_THRESHOLD", &cfg.FlushThreshold},
		{"BUFFER_CAPACITY", &cfg.BufferCapacity},
		{"HISTORY_LIMIT", &cfg.HistoryLimit},
	}
	for _, v := range intVars {
		if *v.dst, err = getEnvAsIntRequired(v.key, *v.dst); err != nil {
			errs = append(errs, err.Error())
		}
	}

	durationVars := []struct {
		key string
		dst *time.Duration
	}{
		{"FLUSH_INTERVAL", &cfg.FlushInterval},
		{"HISTORY_TIMEOUT", &cfg.HistoryTimeout},
		{"RECONNECT_DELAY", &cfg.ReconnectDelay},
		{"RECONNECT_MAX_DELAY", &cfg.ReconnectMaxDelay},
		{"STREAM_READ_TIMEOUT", &cfg.StreamReadTimeout},
		{"SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
	}
	for _, v := range durationVars {
		if *v.dst, err = getEnvAsDurationRequired(v.key, *v.dst); err != nil {
			errs = append(errs, err.Error())
		}
	}

	cfg.ReconnectJitter = getEnvAsBool("RECONNECT_JITTER", cfg.ReconnectJitter)
	cfg.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", cfg.LogFormat))
	cfg.MetricsAddr = getEnv("METRICS_ADDR", cfg.MetricsAddr)

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ports.ErrFatalConfig, strings.Join(errs, "; "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and the destination path.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %s", ports.ErrFatalConfig, describeValidation(err))
	}
	// The seed is a single klines request, so it must fit the market's page size
	if pageSize := binanceclient.MaxLimit(c.Market); c.HistoryLimit > pageSize {
		return fmt.Errorf("%w: HISTORY_LIMIT %d exceeds the %s maximum of %d", ports.ErrFatalConfig, c.HistoryLimit, c.Market, pageSize)
	}
	if !c.IsPostgres() {
		if info, err := os.Stat(c.Dest); err == nil && info.IsDir() {
			return fmt.Errorf("%w: destination %q is a directory", ports.ErrFatalConfig, c.Dest)
		}
	}
	return nil
}

func describeValidation(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s (value %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s (value %v)", fe.Field(), fe.Tag(), fe.Value()))
		}
	}
	return strings.Join(msgs, "; ")
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsDurationRequired(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid duration value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
