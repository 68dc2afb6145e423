package regime

import (
	"testing"
	"time"

	"github.com/atlas-desktop/spotcycle/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func buildCandles(startPrice, hourlyDelta float64, count int, now time.Time) []types.OHLCV {
	candles := make([]types.OHLCV, count)
	price := startPrice
	for i := 0; i < count; i++ {
		candles[i] = types.OHLCV{
			Timestamp: now.Add(time.Duration(i-count) * time.Hour),
			Close:     decimal.NewFromFloat(price),
		}
		price += hourlyDelta
	}
	return candles
}

func TestDetectBullMarket(t *testing.T) {
	now := time.Now().UTC()
	candles := buildCandles(50000, 45, 168, now) // ~+15% over 7 days, low noise
	d := New(zap.NewNop(), DefaultConfig())
	sig := d.Detect(candles, now)
	if sig.Regime != types.RegimeBull {
		t.Fatalf("regime = %s, want bull (trend=%.2f vol=%.2f)", sig.Regime, sig.TrendPct, sig.AnnualizedVolPct)
	}
}

func TestDetectCrashMarket(t *testing.T) {
	now := time.Now().UTC()
	candles := buildCandles(50000, -60, 168, now) // ~-20% over 7 days
	d := New(zap.NewNop(), DefaultConfig())
	sig := d.Detect(candles, now)
	if sig.Regime != types.RegimeCrash {
		t.Fatalf("regime = %s, want crash (trend=%.2f vol=%.2f)", sig.Regime, sig.TrendPct, sig.AnnualizedVolPct)
	}
}

func TestDetectChopOnFlatMarket(t *testing.T) {
	now := time.Now().UTC()
	candles := make([]types.OHLCV, 168)
	for i := range candles {
		price := 50000.0
		if i%2 == 0 {
			price += 50
		}
		candles[i] = types.OHLCV{Timestamp: now.Add(time.Duration(i-168) * time.Hour), Close: decimal.NewFromFloat(price)}
	}
	d := New(zap.NewNop(), DefaultConfig())
	sig := d.Detect(candles, now)
	if sig.Regime != types.RegimeChop {
		t.Fatalf("regime = %s, want chop (trend=%.2f vol=%.2f)", sig.Regime, sig.TrendPct, sig.AnnualizedVolPct)
	}
}

func TestDetectInsufficientDataDefaultsToChop(t *testing.T) {
	now := time.Now().UTC()
	candles := buildCandles(50000, 10, 10, now)
	d := New(zap.NewNop(), DefaultConfig())
	sig := d.Detect(candles, now)
	if sig.Regime != types.RegimeChop || sig.Confidence != 0.5 {
		t.Fatalf("expected chop/0.5 default on insufficient data, got %+v", sig)
	}
}

func TestTriggerMultipliersForUnknownFallsBackToChop(t *testing.T) {
	m := TriggerMultipliersFor(types.Regime("unknown"))
	chop := TriggerMultipliersFor(types.RegimeChop)
	if !m.VolumeSpike.Equal(chop.VolumeSpike) {
		t.Errorf("expected unknown regime to fall back to chop multipliers")
	}
}
