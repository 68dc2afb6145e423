// Package strategy turns trigger signals into trade proposals: tier
// base sizing, volatility-adjusted risk-parity sizing, a conviction
// score, a canary path for near-threshold conviction, and final
// dedup/ranking (spec.md §4.6).
package strategy

import "github.com/atlas-desktop/spotcycle/pkg/types"

// TierSizing is the base position size (percent of account) per tier
// before volatility adjustment, confidence scaling, and risk-gate caps.
type TierSizing struct {
	T1 float64
	T2 float64
	T3 float64
}

// ConvictionWeights combine trigger strength/confidence into a single
// proposal conviction score, plus additive quality boosts.
type ConvictionWeights struct {
	Base       float64
	Strength   float64
	Confidence float64
	// QualityBoosts maps a qualifier key (trigger.Qualifiers key, or
	// "tier_bias_t1"/"tier_bias_t2"/"tier_bias_t3") to an additive boost.
	QualityBoosts map[string]float64
}

// CanaryConfig lets a conviction just below threshold still trade at
// reduced size, maker-only, when the cycle saw exactly one qualified
// trigger (spec.md §4.6 "canary trades").
type CanaryConfig struct {
	Enabled           bool
	ConvictionLower   float64
	ConvictionUpper   float64
	InclusiveUpper    bool
	RequireTierIn     []types.Tier
	SizeMultiplier    float64
	MakerOnly         bool
}

// Config is the strategy layer's full policy, normally loaded from
// policy.yaml's `strategy` section.
type Config struct {
	TierBaseSizePct        TierSizing
	MinConvictionDefault   float64
	MinConvictionByRegime  map[types.Regime]float64
	ConvictionWeights      ConvictionWeights
	Canary                 CanaryConfig
	MinTriggerScore        float64 // qualification floor, distinct from proposal conviction
}

// DefaultConfig mirrors original_source/strategy/rules_engine.py's
// hardcoded fallbacks.
func DefaultConfig() Config {
	return Config{
		TierBaseSizePct: TierSizing{T1: 2.0, T2: 1.0, T3: 0.5},
		MinConvictionDefault: 0.5,
		MinConvictionByRegime: map[types.Regime]float64{
			types.RegimeCrash: 0.65,
			types.RegimeBear:  0.55,
		},
		ConvictionWeights: ConvictionWeights{
			Base:       0.0,
			Strength:   0.5,
			Confidence: 0.3,
			QualityBoosts: map[string]float64{
				"above_vwap":   0.05,
				"higher_low":   0.05,
				"rsi_cross_up": 0.05,
				"large_bounce": 0.05,
				"tier_bias_t1": 0.1,
			},
		},
		Canary: CanaryConfig{
			Enabled:         true,
			ConvictionLower: 0.35,
			ConvictionUpper: 0.5,
			InclusiveUpper:  false,
			RequireTierIn:   []types.Tier{types.TierT1, types.TierT2},
			SizeMultiplier:  0.25,
			MakerOnly:       true,
		},
		MinTriggerScore: 0.2,
	}
}

func (c TierSizing) For(tier types.Tier) float64 {
	switch tier {
	case types.TierT1:
		return c.T1
	case types.TierT3:
		return c.T3
	default:
		return c.T2
	}
}

func (c Config) minConviction(regime types.Regime) float64 {
	if v, ok := c.MinConvictionByRegime[regime]; ok {
		return v
	}
	return c.MinConvictionDefault
}
