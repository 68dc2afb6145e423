// Package regime classifies the macro market state (bull/chop/bear/crash)
// from a reference asset's hourly candle history and exposes the
// per-regime trigger-threshold multipliers the trigger engine applies
// (spec.md §4.4).
package regime

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/atlas-desktop/spotcycle/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config parameterizes the lookback window and reference asset.
type Config struct {
	ReferenceSymbol string
	LookbackDays    int
}

// DefaultConfig mirrors the original_source's 7-day BTC-USD default.
func DefaultConfig() Config {
	return Config{ReferenceSymbol: "BTC-USD", LookbackDays: 7}
}

// TriggerMultipliers holds the per-signal-family threshold scalars a
// regime applies to the trigger engine (spec.md §4.4, §4.5).
type TriggerMultipliers struct {
	VolumeSpike decimal.Decimal
	Momentum    decimal.Decimal
	Breakout    decimal.Decimal
}

var multipliersByRegime = map[types.Regime]TriggerMultipliers{
	types.RegimeBull:  {VolumeSpike: decimal.NewFromFloat(0.8), Momentum: decimal.NewFromFloat(0.75), Breakout: decimal.NewFromFloat(0.9)},
	types.RegimeChop:  {VolumeSpike: decimal.NewFromFloat(1.0), Momentum: decimal.NewFromFloat(1.0), Breakout: decimal.NewFromFloat(1.0)},
	types.RegimeBear:  {VolumeSpike: decimal.NewFromFloat(1.2), Momentum: decimal.NewFromFloat(1.25), Breakout: decimal.NewFromFloat(1.1)},
	types.RegimeCrash: {VolumeSpike: decimal.NewFromFloat(1.5), Momentum: decimal.NewFromFloat(1.5), Breakout: decimal.NewFromFloat(1.3)},
}

// TriggerMultipliersFor returns the scalar set for a regime, defaulting
// to chop's baseline (1.0 across the board) for an unknown label.
func TriggerMultipliersFor(r types.Regime) TriggerMultipliers {
	if m, ok := multipliersByRegime[r]; ok {
		return m
	}
	return multipliersByRegime[types.RegimeChop]
}

// Detector is a stateful regime classifier: it remembers the last
// signal so callers can detect regime transitions.
type Detector struct {
	logger *zap.Logger
	cfg    Config

	mu   sync.Mutex
	last *types.RegimeSignal
}

// New builds a Detector against cfg.
func New(logger *zap.Logger, cfg Config) *Detector {
	return &Detector{logger: logger.Named("regime"), cfg: cfg}
}

// Detect classifies the current regime from a sorted (ascending time)
// hourly candle series of the reference asset (spec.md §4.4).
func (d *Detector) Detect(candles []types.OHLCV, now time.Time) types.RegimeSignal {
	lookbackHours := d.cfg.LookbackDays * 24
	if len(candles) < lookbackHours {
		sig := types.RegimeSignal{
			Regime:     types.RegimeChop,
			Confidence: 0.5,
			Timestamp:  now,
			Reason:     "insufficient candle history, defaulting to chop",
		}
		d.remember(sig)
		return sig
	}

	startPrice := candles[len(candles)-lookbackHours].Close
	currentPrice := candles[len(candles)-1].Close
	trendPct := currentPrice.Sub(startPrice).Div(startPrice).Mul(decimal.NewFromInt(100))
	trendFloat, _ := trendPct.Float64()

	volFloat := annualizedVolPct(candles[len(candles)-lookbackHours:])

	regime, confidence, reason := classify(trendFloat, volFloat)

	sig := types.RegimeSignal{
		Regime:           regime,
		Confidence:       confidence,
		TrendPct:         trendFloat,
		AnnualizedVolPct: volFloat,
		Timestamp:        now,
		Reason:           reason,
	}
	d.logger.Info("regime classified",
		zap.String("regime", string(regime)),
		zap.Float64("confidence", confidence),
		zap.Float64("trendPct", trendFloat),
		zap.Float64("volPct", volFloat),
	)
	d.remember(sig)
	return sig
}

func (d *Detector) remember(sig types.RegimeSignal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = &sig
}

// Last returns the most recent classification, if any.
func (d *Detector) Last() (types.RegimeSignal, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last == nil {
		return types.RegimeSignal{}, false
	}
	return *d.last, true
}

// annualizedVolPct computes stdev(hourly_returns_pct) * sqrt(24*365)
// over the candle window (spec.md §4.4).
func annualizedVolPct(candles []types.OHLCV) float64 {
	if len(candles) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close
		curr := candles[i].Close
		if prev.IsZero() {
			continue
		}
		ret := curr.Sub(prev).Div(prev).Mul(decimal.NewFromInt(100))
		f, _ := ret.Float64()
		returns = append(returns, f)
	}
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		diff := r - mean
		variance += diff * diff
	}
	variance /= float64(len(returns) - 1)
	stdev := math.Sqrt(variance)

	return stdev * math.Sqrt(24*365)
}

// classify applies the first-match-wins rule ladder (spec.md §4.4),
// grounded on original_source/core/regime.py's confidence curves.
func classify(trendPct, volPct float64) (types.Regime, float64, string) {
	if trendPct < -10 || volPct > 100 {
		if trendPct < -15 && volPct > 120 {
			return types.RegimeCrash, 0.9, fmt.Sprintf("severe drawdown (%.1f%%) + high vol (%.0f%%)", trendPct, volPct)
		}
		return types.RegimeCrash, 0.7, fmt.Sprintf("crash conditions: trend=%.1f%%, vol=%.0f%%", trendPct, volPct)
	}

	if trendPct >= 10 && volPct < 60 {
		confidence := math.Min(0.9, 0.5+(trendPct-10)/50)
		return types.RegimeBull, confidence, fmt.Sprintf("strong uptrend (%+.1f%%) + low vol (%.0f%%)", trendPct, volPct)
	}

	if trendPct <= -5 {
		confidence := math.Min(0.8, 0.5+math.Abs(trendPct+5)/20)
		return types.RegimeBear, confidence, fmt.Sprintf("downtrend (%.1f%%) + elevated vol (%.0f%%)", trendPct, volPct)
	}

	if math.Abs(trendPct) < 5 {
		return types.RegimeChop, 0.8, fmt.Sprintf("ranging market: trend=%+.1f%%, vol=%.0f%%", trendPct, volPct)
	}
	return types.RegimeChop, 0.6, fmt.Sprintf("mild trend (%+.1f%%), choppy conditions", trendPct)
}
