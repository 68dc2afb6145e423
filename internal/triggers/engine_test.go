package triggers

import (
	"testing"
	"time"

	"github.com/atlas-desktop/spotcycle/internal/exchange"
	"github.com/atlas-desktop/spotcycle/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func flatCandles(price, vol float64, count int, now time.Time) []types.OHLCV {
	candles := make([]types.OHLCV, count)
	for i := 0; i < count; i++ {
		candles[i] = types.OHLCV{
			Timestamp: now.Add(time.Duration(i-count) * time.Hour),
			Open:      decimal.NewFromFloat(price),
			High:      decimal.NewFromFloat(price * 1.001),
			Low:       decimal.NewFromFloat(price * 0.999),
			Close:     decimal.NewFromFloat(price),
			Volume:    decimal.NewFromFloat(vol),
		}
	}
	return candles
}

func TestCheckPriceMoveFiresOnSharpSpike(t *testing.T) {
	now := time.Now().UTC()
	candles := flatCandles(100, 1000, 48, now)
	// last candle jumps 10%
	candles[len(candles)-1].Close = decimal.NewFromFloat(110)
	candles[len(candles)-1].High = decimal.NewFromFloat(111)

	e := New(zap.NewNop(), DefaultConfig())
	d := SymbolData{Symbol: "BTC-USD", Candles: candles}
	sig := e.checkPriceMove(d, types.RegimeChop, now, 1.0)
	if sig == nil {
		t.Fatalf("expected a price_move trigger on a 10%% spike")
	}
	if sig.PriceChangePct <= 0 {
		t.Errorf("expected positive price change, got %.2f", sig.PriceChangePct)
	}
}

func TestCheckPriceMoveNoSignalOnFlatMarket(t *testing.T) {
	now := time.Now().UTC()
	candles := flatCandles(100, 1000, 48, now)
	e := New(zap.NewNop(), DefaultConfig())
	d := SymbolData{Symbol: "BTC-USD", Candles: candles}
	if sig := e.checkPriceMove(d, types.RegimeChop, now, 1.0); sig != nil {
		t.Fatalf("expected no trigger on a flat market, got %+v", sig)
	}
}

func TestCheckVolumeSpikeFiresOnHighVolumeHour(t *testing.T) {
	now := time.Now().UTC()
	candles := flatCandles(100, 1000, 48, now)
	candles[len(candles)-1].Volume = decimal.NewFromFloat(10000)

	e := New(zap.NewNop(), DefaultConfig())
	d := SymbolData{Symbol: "ETH-USD", Candles: candles}
	sig := e.checkVolumeSpike(d, types.RegimeChop, now, 1.0)
	if sig == nil {
		t.Fatalf("expected a volume_spike trigger")
	}
	if sig.VolumeRatio < e.cfg.VolumeSpike.RatioThreshold.For(types.RegimeChop) {
		t.Errorf("volume ratio %.2f below threshold", sig.VolumeRatio)
	}
}

func TestCheckBreakoutFiresOnNewHigh(t *testing.T) {
	now := time.Now().UTC()
	candles := flatCandles(100, 1000, 48, now)
	candles[len(candles)-1].Close = decimal.NewFromFloat(120)
	candles[len(candles)-1].High = decimal.NewFromFloat(121)

	e := New(zap.NewNop(), DefaultConfig())
	d := SymbolData{Symbol: "SOL-USD", Candles: candles}
	sig := e.checkBreakout(d, types.RegimeChop, now, 1.0)
	if sig == nil || sig.Type != types.TriggerBreakout {
		t.Fatalf("expected a breakout trigger, got %+v", sig)
	}
}

func TestCheckBreakoutSuppressedInCrashRegime(t *testing.T) {
	now := time.Now().UTC()
	candles := flatCandles(100, 1000, 48, now)
	// dip to a new band low then a qualifying bounce
	candles[len(candles)-2].Close = decimal.NewFromFloat(80)
	candles[len(candles)-2].Low = decimal.NewFromFloat(79)
	candles[len(candles)-1].Close = decimal.NewFromFloat(85)

	e := New(zap.NewNop(), DefaultConfig())
	d := SymbolData{Symbol: "SOL-USD", Candles: candles}
	if sig := e.checkBreakout(d, types.RegimeCrash, now, 1.0); sig != nil {
		t.Fatalf("expected reversal to be suppressed in crash regime, got %+v", sig)
	}
}

func TestScanReturnsStrongestSignalPerSymbol(t *testing.T) {
	now := time.Now().UTC()
	spike := flatCandles(100, 1000, 48, now)
	spike[len(spike)-1].Close = decimal.NewFromFloat(115)
	spike[len(spike)-1].High = decimal.NewFromFloat(116)
	spike[len(spike)-1].Volume = decimal.NewFromFloat(20000)

	e := New(zap.NewNop(), DefaultConfig())
	data := []SymbolData{
		{Symbol: "BTC-USD", Candles: spike, Quote: exchange.Quote{Symbol: "BTC-USD"}},
		{Symbol: "ETH-USD", Candles: flatCandles(100, 1000, 48, now)},
	}
	signals := e.Scan(data, types.RegimeChop, now)
	if len(signals) != 1 {
		t.Fatalf("expected exactly one signal (flat symbol should produce none), got %d", len(signals))
	}
	if signals[0].Symbol != "BTC-USD" {
		t.Errorf("expected BTC-USD signal, got %s", signals[0].Symbol)
	}
}

func TestScanTracksEmptyStreakForFallback(t *testing.T) {
	now := time.Now().UTC()
	cfg := DefaultConfig()
	cfg.Fallback.EmptyStreakTrigger = 2
	e := New(zap.NewNop(), cfg)
	flat := []SymbolData{{Symbol: "BTC-USD", Candles: flatCandles(100, 1000, 48, now)}}

	e.Scan(flat, types.RegimeChop, now)
	if e.emptyStreak != 1 {
		t.Fatalf("expected emptyStreak=1 after one empty scan, got %d", e.emptyStreak)
	}
	e.Scan(flat, types.RegimeChop, now)
	if e.emptyStreak != 2 {
		t.Fatalf("expected emptyStreak=2 after two empty scans, got %d", e.emptyStreak)
	}
}
