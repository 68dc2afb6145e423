// Package triggers scans the eligible universe each cycle for
// actionable setups — sharp price moves, volume spikes, breakouts,
// reversals, and sustained momentum — and emits the single strongest
// signal per symbol (spec.md §4.5).
package triggers

import "github.com/atlas-desktop/spotcycle/pkg/types"

// RegimeThreshold is a (bull, chop, bear, crash) threshold set.
type RegimeThreshold map[types.Regime]float64

// PriceMoveConfig parameterizes the sharp-move trigger.
type PriceMoveConfig struct {
	Move15mPct RegimeThreshold // proxy: largest single hourly move in the last 4 hours, see engine.go
	Move60mPct RegimeThreshold
}

// VolumeSpikeConfig parameterizes the volume-spike trigger.
type VolumeSpikeConfig struct {
	RatioThreshold RegimeThreshold // hourly volume / 24h-avg-hourly volume
}

// BreakoutConfig parameterizes the breakout/reversal trigger.
type BreakoutConfig struct {
	BandHours          int
	ReversalMinRecoveryPct float64
	TrendFilter        TrendFilterConfig
}

// TrendFilterConfig gates reversal signals on EMA slope direction.
type TrendFilterConfig struct {
	Enabled    bool
	EMAPeriod  int
	MinSlopeByRegime RegimeThreshold
}

// MomentumConfig parameterizes the sustained-momentum trigger.
type MomentumConfig struct {
	Return24hPct RegimeThreshold
	OnlyUpside   bool
}

// OutlierGuardConfig rejects candle data that looks like a bad print
// rather than a real move (spec.md §4.5 "outlier guard").
type OutlierGuardConfig struct {
	MaxDeviationFromMAPct float64
	MALookbackHours       int
	LowVolumeRatio        float64 // candle volume / avg hourly volume below this confirms the outlier
}

// ATRFilterConfig enforces a volatility floor before any trigger fires,
// regime-aware and relative to a rolling 7-day median ATR.
type ATRFilterConfig struct {
	LookbackHours      int
	MedianWindowDays   int
	MinRatioByRegime   RegimeThreshold // current ATR% / rolling median ATR% must exceed this
}

// FallbackConfig relaxes thresholds after N consecutive empty scans so
// the system doesn't starve for signals in quiet conditions.
type FallbackConfig struct {
	Enabled            bool
	EmptyStreakTrigger int
	RelaxFactor        float64 // thresholds multiplied by this (< 1.0) on a fallback pass
}

// Config is the trigger engine's full policy, normally loaded from
// signals.yaml.
type Config struct {
	OutlierGuard OutlierGuardConfig
	ATRFilter    ATRFilterConfig
	PriceMove    PriceMoveConfig
	VolumeSpike  VolumeSpikeConfig
	Breakout     BreakoutConfig
	Momentum     MomentumConfig
	Fallback     FallbackConfig
	MinScore     float64 // strength*confidence floor, independent of strategy's own min_score
}

// DefaultConfig mirrors original_source/core/triggers.py's hardcoded
// defaults.
func DefaultConfig() Config {
	return Config{
		OutlierGuard: OutlierGuardConfig{
			MaxDeviationFromMAPct: 25.0,
			MALookbackHours:       24,
			LowVolumeRatio:        0.3,
		},
		ATRFilter: ATRFilterConfig{
			LookbackHours:    14,
			MedianWindowDays: 7,
			MinRatioByRegime: RegimeThreshold{
				types.RegimeBull:  0.5,
				types.RegimeChop:  0.6,
				types.RegimeBear:  0.5,
				types.RegimeCrash: 0.4,
			},
		},
		PriceMove: PriceMoveConfig{
			Move15mPct: RegimeThreshold{
				types.RegimeBull: 3.0, types.RegimeChop: 3.5, types.RegimeBear: 4.0, types.RegimeCrash: 5.0,
			},
			Move60mPct: RegimeThreshold{
				types.RegimeBull: 5.0, types.RegimeChop: 6.0, types.RegimeBear: 7.0, types.RegimeCrash: 9.0,
			},
		},
		VolumeSpike: VolumeSpikeConfig{
			RatioThreshold: RegimeThreshold{
				types.RegimeBull: 3.0, types.RegimeChop: 3.5, types.RegimeBear: 4.0, types.RegimeCrash: 4.5,
			},
		},
		Breakout: BreakoutConfig{
			BandHours:              24,
			ReversalMinRecoveryPct: 3.0,
			TrendFilter: TrendFilterConfig{
				Enabled:   true,
				EMAPeriod: 12,
				MinSlopeByRegime: RegimeThreshold{
					types.RegimeBull: -0.1, types.RegimeChop: 0.0, types.RegimeBear: 0.2, types.RegimeCrash: 0.5,
				},
			},
		},
		Momentum: MomentumConfig{
			Return24hPct: RegimeThreshold{
				types.RegimeBull: 8.0, types.RegimeChop: 10.0, types.RegimeBear: 12.0, types.RegimeCrash: 15.0,
			},
			OnlyUpside: true,
		},
		Fallback: FallbackConfig{
			Enabled:            true,
			EmptyStreakTrigger: 3,
			RelaxFactor:        0.75,
		},
		MinScore: 0.2,
	}
}

func (t RegimeThreshold) For(r types.Regime) float64 {
	if v, ok := t[r]; ok {
		return v
	}
	return t[types.RegimeChop]
}
