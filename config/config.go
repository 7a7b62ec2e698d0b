package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"quantbot/internal/adapters/logger"
	"quantbot/internal/risk"
	"quantbot/internal/strategy"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Trading
	Symbols       []string
	Interval      string                   // kline interval, e.g. "1m"
	TickInterval  time.Duration            // default evaluation cadence
	TickIntervals map[string]time.Duration // per-symbol cadence overrides
	InitialEquity float64                  // used when the exchange balance query fails at startup
	QuoteAsset    string                   // asset the account balance is denominated in

	// Risk
	Risk risk.Limits

	// Trailing stop sizing. When TrailingATRMultiple > 0 the trailing distance
	// is TrailingATRMultiple x ATR(TrailingATRPeriod) instead of the
	// percent-of-price distance from TRAILING_STOP_PCT.
	TrailingATRPeriod   int
	TrailingATRMultiple float64

	// Strategy
	Strategies []string // strategy names to run, evaluated in order
	Strategy   strategy.Params

	// Execution
	OrderMaxAttempts int
	OrderBaseDelay   time.Duration
	OrderMaxDelay    time.Duration
	OrderTimeout     time.Duration
	CallTimeout      time.Duration

	// Database
	DBPath string

	// HTTP server
	ServerAddr     string // empty disables the server
	ServerUser     string // basic auth, empty disables auth
	ServerPassword string

	// Notifications
	WebhookURL string // empty disables webhook delivery

	// Reporting
	ReportInterval time.Duration // 0 disables periodic status reports

	// Logging
	LogLevel logger.LogLevel
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	// Trading
	cfg.Symbols = splitList(getEnv("SYMBOLS", "ETHUSDT"))
	if len(cfg.Symbols) == 0 {
		errs = append(errs, "SYMBOLS must list at least one symbol")
	}
	cfg.Interval = getEnv("KLINE_INTERVAL", "1m")
	cfg.QuoteAsset = getEnv("QUOTE_ASSET", "USDT")

	tickSeconds := getEnvAsInt("TICK_INTERVAL_SECONDS", 60)
	if tickSeconds <= 0 {
		errs = append(errs, "TICK_INTERVAL_SECONDS must be positive")
	}
	cfg.TickInterval = time.Duration(tickSeconds) * time.Second

	// Per-symbol cadence overrides, e.g. TICK_INTERVAL_SECONDS_BTCUSDT=15.
	cfg.TickIntervals = make(map[string]time.Duration)
	for _, symbol := range cfg.Symbols {
		key := "TICK_INTERVAL_SECONDS_" + symbol
		if os.Getenv(key) == "" {
			continue
		}
		seconds, serr := getEnvAsIntRequired(key, tickSeconds)
		if serr != nil {
			errs = append(errs, fmt.Sprintf("invalid %s: %v", key, serr))
			continue
		}
		if seconds <= 0 {
			errs = append(errs, key+" must be positive")
			continue
		}
		cfg.TickIntervals[symbol] = time.Duration(seconds) * time.Second
	}

	cfg.InitialEquity, err = getEnvAsFloatRequired("INITIAL_EQUITY", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid INITIAL_EQUITY: %v", err))
	} else if cfg.InitialEquity < 0 {
		errs = append(errs, "INITIAL_EQUITY cannot be negative")
	}

	// Risk
	cfg.Risk.RiskPerTrade, err = getEnvAsFloatRequired("RISK_PER_TRADE", 0.01)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid RISK_PER_TRADE: %v", err))
	}
	cfg.Risk.MaxPositionNotional, err = getEnvAsFloatRequired("MAX_POSITION_NOTIONAL", 1000)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_POSITION_NOTIONAL: %v", err))
	}
	cfg.Risk.MaxExposure, err = getEnvAsFloatRequired("MAX_EXPOSURE", 10000)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_EXPOSURE: %v", err))
	}
	cfg.Risk.MinConfidence, err = getEnvAsFloatRequired("MIN_CONFIDENCE", 0.6)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MIN_CONFIDENCE: %v", err))
	}
	cfg.Risk.MaxDailyTrades, err = getEnvAsIntRequired("MAX_DAILY_TRADES", 10)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_DAILY_TRADES: %v", err))
	}
	cfg.Risk.StopLossPct, err = getEnvAsFloatRequired("STOP_LOSS_PCT", 0.01)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid STOP_LOSS_PCT: %v", err))
	}
	cfg.Risk.TakeProfitPct, err = getEnvAsFloatRequired("TAKE_PROFIT_PCT", 0.02)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TAKE_PROFIT_PCT: %v", err))
	}
	cfg.Risk.TrailingStopPct, err = getEnvAsFloatRequired("TRAILING_STOP_PCT", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TRAILING_STOP_PCT: %v", err))
	}
	cfg.Risk.Leverage, err = getEnvAsIntRequired("LEVERAGE", 4)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid LEVERAGE: %v", err))
	}
	cfg.Risk.LotStep, err = getEnvAsFloatRequired("LOT_STEP", 0.001)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid LOT_STEP: %v", err))
	}
	cfg.Risk.MinQuantity, err = getEnvAsFloatRequired("MIN_QUANTITY", 0.001)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MIN_QUANTITY: %v", err))
	}
	if verr := cfg.Risk.Validate(); verr != nil {
		errs = append(errs, fmt.Sprintf("risk limits: %v", verr))
	}

	cfg.TrailingATRPeriod = getEnvAsInt("TRAILING_ATR_PERIOD", 14)
	cfg.TrailingATRMultiple, err = getEnvAsFloatRequired("TRAILING_ATR_MULTIPLE", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TRAILING_ATR_MULTIPLE: %v", err))
	} else if cfg.TrailingATRMultiple < 0 {
		errs = append(errs, "TRAILING_ATR_MULTIPLE cannot be negative")
	}
	if cfg.TrailingATRMultiple > 0 && cfg.TrailingATRPeriod <= 0 {
		errs = append(errs, "TRAILING_ATR_PERIOD must be positive when TRAILING_ATR_MULTIPLE is set")
	}

	// Strategy
	cfg.Strategies = splitListLower(getEnv("STRATEGIES", "rsi_threshold,ma_crossover"))
	if len(cfg.Strategies) == 0 {
		errs = append(errs, "STRATEGIES must list at least one strategy")
	}
	cfg.Strategy.RSIPeriod = getEnvAsInt("STRATEGY_RSI_PERIOD", 14)
	cfg.Strategy.RSIOverbought = getEnvAsFloat("STRATEGY_RSI_OVERBOUGHT", 70.0)
	cfg.Strategy.RSIOversold = getEnvAsFloat("STRATEGY_RSI_OVERSOLD", 30.0)
	cfg.Strategy.FastMAPeriod = getEnvAsInt("STRATEGY_FAST_MA_PERIOD", 20)
	cfg.Strategy.SlowMAPeriod = getEnvAsInt("STRATEGY_SLOW_MA_PERIOD", 50)
	cfg.Strategy.BollingerPeriod = getEnvAsInt("STRATEGY_BOLLINGER_PERIOD", 20)
	cfg.Strategy.BollingerStdDev = getEnvAsFloat("STRATEGY_BOLLINGER_STDDEV", 2.0)

	if cfg.Strategy.RSIPeriod <= 0 || cfg.Strategy.FastMAPeriod <= 0 || cfg.Strategy.SlowMAPeriod <= 0 || cfg.Strategy.BollingerPeriod <= 0 {
		errs = append(errs, "strategy periods (RSI, MA, Bollinger) must be positive")
	}
	if cfg.Strategy.FastMAPeriod >= cfg.Strategy.SlowMAPeriod {
		errs = append(errs, "STRATEGY_FAST_MA_PERIOD must be less than STRATEGY_SLOW_MA_PERIOD")
	}
	if cfg.Strategy.RSIOverbought <= cfg.Strategy.RSIOversold || cfg.Strategy.RSIOverbought > 100 || cfg.Strategy.RSIOversold < 0 {
		errs = append(errs, "invalid RSI thresholds (Overbought must be > Oversold, between 0-100)")
	}

	// Execution
	cfg.OrderMaxAttempts, err = getEnvAsIntRequired("ORDER_MAX_ATTEMPTS", 3)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid ORDER_MAX_ATTEMPTS: %v", err))
	} else if cfg.OrderMaxAttempts <= 0 {
		errs = append(errs, "ORDER_MAX_ATTEMPTS must be positive")
	}
	cfg.OrderBaseDelay = time.Duration(getEnvAsInt("ORDER_BASE_DELAY_MS", 500)) * time.Millisecond
	cfg.OrderMaxDelay = time.Duration(getEnvAsInt("ORDER_MAX_DELAY_MS", 10000)) * time.Millisecond
	cfg.OrderTimeout = time.Duration(getEnvAsInt("ORDER_TIMEOUT_SECONDS", 30)) * time.Second
	cfg.CallTimeout = time.Duration(getEnvAsInt("CALL_TIMEOUT_SECONDS", 10)) * time.Second
	if cfg.OrderBaseDelay <= 0 || cfg.OrderMaxDelay < cfg.OrderBaseDelay {
		errs = append(errs, "ORDER_BASE_DELAY_MS must be positive and no greater than ORDER_MAX_DELAY_MS")
	}

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/quantbot.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// HTTP server
	cfg.ServerAddr = getEnv("SERVER_ADDR", ":8080")
	cfg.ServerUser = getEnv("SERVER_USER", "")
	cfg.ServerPassword = getEnv("SERVER_PASSWORD", "")
	if cfg.ServerUser != "" && cfg.ServerPassword == "" {
		errs = append(errs, "SERVER_PASSWORD must be set when SERVER_USER is set")
	}

	// Notifications
	cfg.WebhookURL = getEnv("WEBHOOK_URL", "")

	// Reporting
	reportMinutes := getEnvAsInt("REPORT_INTERVAL_MINUTES", 60)
	if reportMinutes < 0 {
		errs = append(errs, "REPORT_INTERVAL_MINUTES cannot be negative")
	}
	cfg.ReportInterval = time.Duration(reportMinutes) * time.Minute

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr)

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// TickIntervalFor returns the evaluation cadence for a symbol, falling back
// to the global interval when no per-symbol override is configured.
func (c *Config) TickIntervalFor(symbol string) time.Duration {
	if d, ok := c.TickIntervals[symbol]; ok {
		return d
	}
	return c.TickInterval
}

// --- Env Var Helpers ---

// splitList parses a comma-separated list, upper-casing entries (exchange
// symbols are upper-case on the wire).
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, strings.ToUpper(part))
		}
	}
	return out
}

// splitListLower is splitList for identifiers that are lower-case by
// convention, such as strategy names.
func splitListLower(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
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
