// Package universe builds the per-cycle tradable symbol set: tier
// membership, exclusions, and liquidity eligibility (spec.md §4.3).
package universe

import (
	"time"

	"github.com/atlas-desktop/spotcycle/pkg/types"
	"github.com/shopspring/decimal"
)

// TierConfig is one tier's static symbol list and allocation bounds.
type TierConfig struct {
	Symbols          []string
	MinAllocationPct decimal.Decimal
	MaxAllocationPct decimal.Decimal
	MinVolume24hUSD  decimal.Decimal
	MaxSpreadBps     decimal.Decimal
}

// LiquidityConfig holds the global floors applied across all tiers
// before tier-specific overrides narrow them.
type LiquidityConfig struct {
	MinVolume24hUSD  decimal.Decimal
	MaxSpreadBps     decimal.Decimal
	MinDepthUSDByTier map[types.Tier]decimal.Decimal
}

// NearThresholdOverride lets a T2 symbol slightly below the volume
// floor through when spread and depth are materially better than the
// tier's normal bar (spec.md §4.3).
type NearThresholdOverride struct {
	Enabled         bool
	LowerMult       decimal.Decimal // e.g. 0.95: floor*0.95 is the admission zone
	MaxSpreadBps    decimal.Decimal
	DepthMultiplier decimal.Decimal
}

// DynamicDiscoveryConfig parameterizes automatic tier assignment from
// a live product list: QuoteSuffix symbols are taken in alphabetical
// order up to MaxCandidates and placed in a tier by comparing their 24h
// volume with the tier thresholds. Candidates are not ranked by volume.
type DynamicDiscoveryConfig struct {
	Enabled        bool
	Tier1MinVolume decimal.Decimal
	Tier2MinVolume decimal.Decimal
	Tier3MinVolume decimal.Decimal
	MaxCandidates  int
	Tier3Limit     int
	QuoteSuffix    string // e.g. "-USD"
}

// ExclusionConfig is the permanent never-trade set. Runtime red-flag
// bans are not configured here; they are installed with
// Builder.BanSymbol.
type ExclusionConfig struct {
	NeverTrade []string
}

// Config is the universe builder's full policy, normally loaded from
// universe.yaml.
type Config struct {
	Tiers             map[types.Tier]TierConfig
	Liquidity         LiquidityConfig
	RegimeTierMult    map[types.Regime]map[types.Tier]decimal.Decimal
	Exclusions        ExclusionConfig
	NearThreshold     NearThresholdOverride
	DynamicDiscovery  DynamicDiscoveryConfig
	FallbackSymbols   []string
	CacheTTL          time.Duration
}

// DefaultConfig mirrors the original_source's hardcoded fallbacks so a
// misconfigured policy file still produces a usable universe.
func DefaultConfig() Config {
	return Config{
		Tiers: map[types.Tier]TierConfig{
			types.TierT1: {
				Symbols:          []string{"BTC-USD", "ETH-USD", "SOL-USD"},
				MinAllocationPct: decimal.NewFromInt(5),
				MaxAllocationPct: decimal.NewFromInt(40),
				MinVolume24hUSD:  decimal.NewFromInt(50_000_000),
				MaxSpreadBps:     decimal.NewFromInt(30),
			},
			types.TierT2: {
				MinAllocationPct: decimal.NewFromInt(2),
				MaxAllocationPct: decimal.NewFromInt(20),
				MinVolume24hUSD:  decimal.NewFromInt(20_000_000),
				MaxSpreadBps:     decimal.NewFromInt(50),
			},
			types.TierT3: {
				MinAllocationPct: decimal.NewFromInt(1),
				MaxAllocationPct: decimal.NewFromInt(10),
				MinVolume24hUSD:  decimal.NewFromInt(5_000_000),
				MaxSpreadBps:     decimal.NewFromInt(100),
			},
		},
		Liquidity: LiquidityConfig{
			MinVolume24hUSD: decimal.NewFromInt(5_000_000),
			MaxSpreadBps:    decimal.NewFromInt(100),
			MinDepthUSDByTier: map[types.Tier]decimal.Decimal{
				types.TierT1: decimal.NewFromInt(100_000),
				types.TierT2: decimal.NewFromInt(50_000),
				types.TierT3: decimal.NewFromInt(10_000),
			},
		},
		RegimeTierMult: map[types.Regime]map[types.Tier]decimal.Decimal{
			types.RegimeCrash: {types.TierT2: decimal.Zero, types.TierT3: decimal.Zero},
		},
		NearThreshold: NearThresholdOverride{
			Enabled:         true,
			LowerMult:       decimal.NewFromFloat(0.95),
			MaxSpreadBps:    decimal.NewFromInt(30),
			DepthMultiplier: decimal.NewFromInt(12),
		},
		DynamicDiscovery: DynamicDiscoveryConfig{
			Tier1MinVolume: decimal.NewFromInt(100_000_000),
			Tier2MinVolume: decimal.NewFromInt(20_000_000),
			Tier3MinVolume: decimal.NewFromInt(5_000_000),
			MaxCandidates:  50,
			Tier3Limit:     10,
			QuoteSuffix:    "-USD",
		},
		FallbackSymbols: []string{"BTC-USD", "ETH-USD", "SOL-USD"},
		CacheTTL:        24 * time.Hour,
	}
}

func tierMultiplier(cfg Config, regime types.Regime, tier types.Tier) decimal.Decimal {
	mods, ok := cfg.RegimeTierMult[regime]
	if !ok {
		return decimal.NewFromInt(1)
	}
	mult, ok := mods[tier]
	if !ok {
		return decimal.NewFromInt(1)
	}
	return mult
}
