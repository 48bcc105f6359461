// Package config loads the immutable runtime configuration from the
// environment (.env supported). The struct is built and validated once at
// startup and passed by pointer; nothing mutates it afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable of the trading core.
type Config struct {
	// Service
	LogLevel      string
	APIServerPort int
	DBPath        string

	// Instrument
	Symbol     string
	BaseAsset  string
	QuoteAsset string

	// Grid shape
	GridLevels         int     // configured level count target
	GridSpacingPct     float64 // spacing between adjacent levels, fraction
	GridRangePct       float64 // half-range of the grid around center, fraction
	MaxGridRangePct    float64
	ATRPeriod          int
	ATRRatio           float64 // ATR contribution to range sizing
	MaxCenterDevPct    float64 // clamp between computed center and live price
	CurrentPriceWeight float64 // blend weight of live price in the center

	// Zoning
	CoreZonePct      float64 // share of half-range forming the core zone
	CoreCapitalRatio float64 // share of capital allocated to the core zone
	CoreGridRatio    float64 // share of levels placed in the core zone

	// Sizing
	CapitalFraction float64 // per-level fraction of total portfolio value
	MinNotional     float64
	SafetyMargin    float64 // multiplier over min notional for level capital

	// Fees / hedge economics
	FeeRate          float64 // taker+maker per side, fraction
	ProfitMarginMult float64 // expected profit must exceed fee x this
	SlippagePct      float64

	// Deadlock recovery
	RebalanceRatio    float64       // share of quote converted on market reset
	RebalanceCooldown time.Duration // persisted cooldown after any market trade
	MaxRecoveryDepth  int

	// Risk bracket
	TrailingStopLossPct   float64
	TrailingTakeProfitPct float64
	RiskMinImprovementPct float64       // minimum SL improvement to replace bracket
	RiskUpdateInterval    time.Duration // minimum gap between bracket updates
	VolatilityThreshold   float64       // ATR/price above this tightens trailing
	VolatilityTightenMult float64

	// Maintenance cadences
	RecalcInterval    time.Duration
	ReconcileInterval time.Duration
	IntegrityInterval time.Duration
	BalanceInterval   time.Duration

	// Exchange access
	APIKey         string
	SecretKey      string
	Testnet        bool
	RequestTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
	MetricsTTL     time.Duration

	// Telegram
	TelegramToken  string
	TelegramChatID int64
}

// Load reads .env (if present) and the process environment.
func Load() *Config {
	_ = godotenv.Load()

	symbol := getString("SYMBOL", "BTCUSDT")
	quote := getString("QUOTE_ASSET", "USDT")

	return &Config{
		LogLevel:      getString("LOG_LEVEL", "info"),
		APIServerPort: getInt("API_SERVER_PORT", 8080),
		DBPath:        getString("DB_PATH", "data/gridbot.db"),

		Symbol:     symbol,
		BaseAsset:  strings.TrimSuffix(symbol, quote),
		QuoteAsset: quote,

		GridLevels:         getInt("GRID_LEVELS", 10),
		GridSpacingPct:     getFloat("GRID_SPACING_PCT", 0.01),
		GridRangePct:       getFloat("GRID_RANGE_PCT", 0.08),
		MaxGridRangePct:    getFloat("MAX_GRID_RANGE_PCT", 0.2),
		ATRPeriod:          getInt("ATR_PERIOD", 14),
		ATRRatio:           getFloat("ATR_RATIO", 0.5),
		MaxCenterDevPct:    getFloat("MAX_CENTER_DEV_PCT", 0.05),
		CurrentPriceWeight: getFloat("CURRENT_PRICE_WEIGHT", 0.8),

		CoreZonePct:      getFloat("CORE_ZONE_PCT", 0.5),
		CoreCapitalRatio: getFloat("CORE_CAPITAL_RATIO", 0.7),
		CoreGridRatio:    getFloat("CORE_GRID_RATIO", 0.6),

		CapitalFraction: getFloat("CAPITAL_FRACTION", 0.01),
		MinNotional:     getFloat("MIN_NOTIONAL", 5.0),
		SafetyMargin:    getFloat("SAFETY_MARGIN", 1.1),

		FeeRate:          getFloat("FEE_RATE", 0.00075),
		ProfitMarginMult: getFloat("PROFIT_MARGIN_MULT", 2.0),
		SlippagePct:      getFloat("SLIPPAGE_PCT", 0.0005),

		RebalanceRatio:    getFloat("REBALANCE_RATIO", 0.5),
		RebalanceCooldown: getDuration("REBALANCE_COOLDOWN", 4*time.Hour),
		MaxRecoveryDepth:  getInt("MAX_RECOVERY_DEPTH", 2),

		TrailingStopLossPct:   getFloat("TRAILING_STOP_LOSS_PCT", 0.045),
		TrailingTakeProfitPct: getFloat("TRAILING_TAKE_PROFIT_PCT", 0.015),
		RiskMinImprovementPct: getFloat("RISK_MIN_IMPROVEMENT_PCT", 0.0001),
		RiskUpdateInterval:    getDuration("RISK_UPDATE_INTERVAL", 10*time.Minute),
		VolatilityThreshold:   getFloat("VOLATILITY_THRESHOLD", 0.03),
		VolatilityTightenMult: getFloat("VOLATILITY_TIGHTEN_MULT", 0.6),

		RecalcInterval:    getDuration("RECALC_INTERVAL", 30*time.Minute),
		ReconcileInterval: getDuration("RECONCILE_INTERVAL", 30*time.Second),
		IntegrityInterval: getDuration("INTEGRITY_INTERVAL", 1*time.Hour),
		BalanceInterval:   getDuration("BALANCE_INTERVAL", 10*time.Second),

		APIKey:         getString("BINANCE_API_KEY", ""),
		SecretKey:      getString("BINANCE_SECRET_KEY", ""),
		Testnet:        getBool("BINANCE_TESTNET", false),
		RequestTimeout: getDuration("REQUEST_TIMEOUT", 10*time.Second),
		MaxRetries:     getInt("MAX_RETRIES", 4),
		RetryBackoff:   getDuration("RETRY_BACKOFF", 500*time.Millisecond),
		MetricsTTL:     getDuration("METRICS_TTL", 30*time.Second),

		TelegramToken:  getString("TELEGRAM_TOKEN", ""),
		TelegramChatID: getInt64("TELEGRAM_CHAT_ID", 0),
	}
}

// Validate checks parameter ranges once at startup.
func (c *Config) Validate() error {
	var errs []string

	if c.BaseAsset == "" || c.BaseAsset == c.Symbol {
		errs = append(errs, fmt.Sprintf("cannot derive base asset from symbol %q and quote %q", c.Symbol, c.QuoteAsset))
	}
	if c.GridLevels < 3 {
		errs = append(errs, fmt.Sprintf("GRID_LEVELS must be at least 3, got %d", c.GridLevels))
	}
	if c.GridSpacingPct <= 0 {
		errs = append(errs, fmt.Sprintf("GRID_SPACING_PCT must be positive, got %v", c.GridSpacingPct))
	}
	if c.GridRangePct <= 0 || c.GridRangePct > c.MaxGridRangePct {
		errs = append(errs, fmt.Sprintf("GRID_RANGE_PCT must be in (0, %v], got %v", c.MaxGridRangePct, c.GridRangePct))
	}
	if c.CoreZonePct <= 0 || c.CoreZonePct >= 1 {
		errs = append(errs, fmt.Sprintf("CORE_ZONE_PCT must be in (0, 1), got %v", c.CoreZonePct))
	}
	if c.CoreCapitalRatio <= 0 || c.CoreCapitalRatio >= 1 {
		errs = append(errs, fmt.Sprintf("CORE_CAPITAL_RATIO must be in (0, 1), got %v", c.CoreCapitalRatio))
	}
	if c.CoreGridRatio <= 0 || c.CoreGridRatio >= 1 {
		errs = append(errs, fmt.Sprintf("CORE_GRID_RATIO must be in (0, 1), got %v", c.CoreGridRatio))
	}
	if c.CapitalFraction <= 0 || c.CapitalFraction > 0.5 {
		errs = append(errs, fmt.Sprintf("CAPITAL_FRACTION must be in (0, 0.5], got %v", c.CapitalFraction))
	}
	if c.RebalanceRatio <= 0 || c.RebalanceRatio >= 1 {
		errs = append(errs, fmt.Sprintf("REBALANCE_RATIO must be in (0, 1), got %v", c.RebalanceRatio))
	}
	if c.MaxRecoveryDepth < 1 {
		errs = append(errs, fmt.Sprintf("MAX_RECOVERY_DEPTH must be at least 1, got %d", c.MaxRecoveryDepth))
	}
	if c.TrailingStopLossPct <= 0 {
		errs = append(errs, fmt.Sprintf("TRAILING_STOP_LOSS_PCT must be positive, got %v", c.TrailingStopLossPct))
	}
	if c.TrailingTakeProfitPct <= 0 {
		errs = append(errs, fmt.Sprintf("TRAILING_TAKE_PROFIT_PCT must be positive, got %v", c.TrailingTakeProfitPct))
	}
	if c.ProfitMarginMult < 1 {
		errs = append(errs, fmt.Sprintf("PROFIT_MARGIN_MULT must be at least 1, got %v", c.ProfitMarginMult))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n - %s", strings.Join(errs, "\n - "))
	}
	return nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

func getInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}
