package market

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"gridbot/logger"
)

// Regime is the coarse market state the grid reacts to.
type Regime string

const (
	RegimeRanging  Regime = "RANGING"
	RegimeBreakout Regime = "BREAKOUT"
	RegimePump     Regime = "PUMP"
	RegimeCrash    Regime = "CRASH"
)

// Timeframe blend weights: the mid timeframe dominates, the short one
// reacts first, the long one anchors.
const (
	weightShort = 0.2
	weightMid   = 0.5
	weightLong  = 0.3
)

// Regime thresholds.
const (
	breakoutTrend  = 0.4
	breakoutVolume = 2.0
	extremeTrend   = 0.7
	maDivergence   = 0.02
)

// Metrics is one consistent observation of the market.
type Metrics struct {
	Symbol        string
	Price         float64
	HistoricalRef float64 // recency-weighted long-window reference price
	TrendStrength float64 // [-1, 1]
	ATR           float64
	VolumeRatio   float64
	RSI           float64
	Regime        Regime
	ComputedAt    time.Time
}

// KlineSource supplies historical candles. The exchange client satisfies
// this directly.
type KlineSource interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
}

// Engine computes market metrics on demand and caches the last result
// briefly so concurrent readers within one maintenance tick share a single
// snapshot.
type Engine struct {
	source    KlineSource
	symbol    string
	atrPeriod int
	cacheTTL  time.Duration

	mu     sync.Mutex
	cached *Metrics
}

// NewEngine builds a metrics engine for one symbol.
func NewEngine(source KlineSource, symbol string, atrPeriod int, cacheTTL time.Duration) *Engine {
	if atrPeriod <= 0 {
		atrPeriod = 14
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Engine{
		source:    source,
		symbol:    symbol,
		atrPeriod: atrPeriod,
		cacheTTL:  cacheTTL,
	}
}

// Snapshot returns current metrics, recomputing when the cache has aged out.
func (e *Engine) Snapshot(ctx context.Context) (*Metrics, error) {
	e.mu.Lock()
	if e.cached != nil && time.Since(e.cached.ComputedAt) < e.cacheTTL {
		m := *e.cached
		e.mu.Unlock()
		return &m, nil
	}
	e.mu.Unlock()

	m, err := e.compute(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cached = m
	e.mu.Unlock()
	out := *m
	return &out, nil
}

// Invalidate drops the cached snapshot so the next read recomputes.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	e.cached = nil
	e.mu.Unlock()
}

func (e *Engine) compute(ctx context.Context) (*Metrics, error) {
	short, err := e.source.GetKlines(ctx, e.symbol, "15m", 96)
	if err != nil {
		return nil, fmt.Errorf("fetch 15m klines: %w", err)
	}
	mid, err := e.source.GetKlines(ctx, e.symbol, "1h", 72)
	if err != nil {
		return nil, fmt.Errorf("fetch 1h klines: %w", err)
	}
	long, err := e.source.GetKlines(ctx, e.symbol, "4h", 42)
	if err != nil {
		return nil, fmt.Errorf("fetch 4h klines: %w", err)
	}
	if len(mid) < e.atrPeriod+1 {
		return nil, fmt.Errorf("not enough 1h history: have %d, need %d", len(mid), e.atrPeriod+1)
	}

	m := ComputeMetrics(e.symbol, short, mid, long, e.atrPeriod)
	logger.Debugf("metrics %s: price=%.6f trend=%.3f atr=%.6f vol=%.2f rsi=%.1f regime=%s",
		m.Symbol, m.Price, m.TrendStrength, m.ATR, m.VolumeRatio, m.RSI, m.Regime)
	return m, nil
}

// ComputeMetrics derives the full metrics set from candle history. Pure;
// the network-free path the tests use.
func ComputeMetrics(symbol string, short, mid, long []Kline, atrPeriod int) *Metrics {
	trend := blendTrend(short, mid, long)
	closes := Closes(mid)
	price := 0.0
	if len(closes) > 0 {
		price = closes[len(closes)-1]
	}
	volRatio := VolumeRatio(mid, 20)
	sma := SMA(Closes(short), 20)

	return &Metrics{
		Symbol:        symbol,
		Price:         price,
		HistoricalRef: historicalRef(long),
		TrendStrength: trend,
		ATR:           ATR(mid, atrPeriod),
		VolumeRatio:   volRatio,
		RSI:           RSI(closes, 14),
		Regime:        classifyRegime(trend, volRatio, price, sma),
		ComputedAt:    time.Now(),
	}
}

// historicalRef is a recency-weighted mean of the long-window closes,
// the anchor the grid center blends against.
func historicalRef(long []Kline) float64 {
	n := len(long)
	if n == 0 {
		return 0
	}
	var weighted, weights float64
	for i, k := range long {
		w := float64(i + 1)
		weighted += w * k.Close
		weights += w
	}
	return weighted / weights
}

func blendTrend(short, mid, long []Kline) float64 {
	return weightShort*timeframeTrend(short) +
		weightMid*timeframeTrend(mid) +
		weightLong*timeframeTrend(long)
}

// timeframeTrend mixes the last-5-candle move with a recency-weighted
// average of per-candle moves over the whole window, then squashes into
// [-1, 1]. An empty or flat window scores 0.
func timeframeTrend(klines []Kline) float64 {
	n := len(klines)
	if n < 6 {
		return 0
	}
	last := klines[n-1].Close
	ref := klines[n-6].Close
	if ref == 0 {
		return 0
	}
	shortChange := (last - ref) / ref

	var weighted, weights float64
	for i := 1; i < n; i++ {
		prev := klines[i-1].Close
		if prev == 0 {
			continue
		}
		w := float64(i) / float64(n-1)
		weighted += w * (klines[i].Close - prev) / prev
		weights += w
	}
	decayed := 0.0
	if weights > 0 {
		// scale per-candle average back up to window magnitude
		decayed = weighted / weights * float64(n-1) / 4
	}

	raw := 0.6*shortChange + 0.4*decayed
	return math.Tanh(raw * 25)
}

func classifyRegime(trend, volumeRatio, price, sma float64) Regime {
	switch {
	case sma > 0 && trend >= extremeTrend && price > sma*(1+maDivergence):
		return RegimePump
	case sma > 0 && trend <= -extremeTrend && price < sma*(1-maDivergence):
		return RegimeCrash
	case math.Abs(trend) >= breakoutTrend && volumeRatio >= breakoutVolume:
		return RegimeBreakout
	default:
		return RegimeRanging
	}
}
