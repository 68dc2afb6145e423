// Package types provides shared type definitions for the trading backend.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tier is a liquidity class that governs base position size, eligibility
// thresholds, and slippage assumptions.
type Tier string

const (
	TierT1 Tier = "T1"
	TierT2 Tier = "T2"
	TierT3 Tier = "T3"
)

// Regime is the macro market state label that parameterizes trigger
// thresholds and position-sizing multipliers.
type Regime string

const (
	RegimeBull  Regime = "bull"
	RegimeChop  Regime = "chop"
	RegimeBear  Regime = "bear"
	RegimeCrash Regime = "crash"
)

// TriggerType enumerates the signal families the trigger engine emits.
type TriggerType string

const (
	TriggerPriceMove  TriggerType = "price_move"
	TriggerVolumeSpike TriggerType = "volume_spike"
	TriggerBreakout   TriggerType = "breakout"
	TriggerReversal   TriggerType = "reversal"
	TriggerMomentum   TriggerType = "momentum"
)

// ProductStatus mirrors the exchange's tradability state for a symbol.
type ProductStatus string

const (
	ProductStatusOnline     ProductStatus = "ONLINE"
	ProductStatusPostOnly   ProductStatus = "POST_ONLY"
	ProductStatusLimitOnly  ProductStatus = "LIMIT_ONLY"
	ProductStatusCancelOnly ProductStatus = "CANCEL_ONLY"
	ProductStatusOffline    ProductStatus = "OFFLINE"
)

// ProposalSide is BUY or SELL for a TradeProposal (kept distinct from
// OrderSide so proposals can be validated before becoming orders).
type ProposalSide string

const (
	ProposalBuy  ProposalSide = "BUY"
	ProposalSell ProposalSide = "SELL"
)

// UniverseAsset is one symbol's eligibility verdict for a cycle.
type UniverseAsset struct {
	Symbol            string          `json:"symbol"`
	Tier              Tier            `json:"tier"`
	AllocationMinPct  decimal.Decimal `json:"allocationMinPct"`
	AllocationMaxPct  decimal.Decimal `json:"allocationMaxPct"`
	Volume24h         decimal.Decimal `json:"volume24h"`
	SpreadBps         decimal.Decimal `json:"spreadBps"`
	DepthUSD          decimal.Decimal `json:"depthUsd"`
	Eligible          bool            `json:"eligible"`
	IneligibleReason  string          `json:"ineligibleReason,omitempty"`
	NearThreshold     bool            `json:"nearThreshold,omitempty"`
}

// UniverseSnapshot is the immutable, per-cycle output of the universe
// builder.
type UniverseSnapshot struct {
	Timestamp time.Time                  `json:"timestamp"`
	Regime    Regime                     `json:"regime"`
	ByTier    map[Tier][]UniverseAsset   `json:"byTier"`
	Excluded  map[string]string          `json:"excluded"` // symbol -> reason
}

// Symbols returns all eligible symbols across tiers, T1 first.
func (u *UniverseSnapshot) Symbols() []string {
	out := make([]string, 0)
	for _, tier := range []Tier{TierT1, TierT2, TierT3} {
		for _, a := range u.ByTier[tier] {
			if a.Eligible {
				out = append(out, a.Symbol)
			}
		}
	}
	return out
}

// Asset looks up a symbol's UniverseAsset record across tiers.
func (u *UniverseSnapshot) Asset(symbol string) (UniverseAsset, bool) {
	for _, tier := range []Tier{TierT1, TierT2, TierT3} {
		for _, a := range u.ByTier[tier] {
			if a.Symbol == symbol {
				return a, true
			}
		}
	}
	return UniverseAsset{}, false
}

// RegimeSignal is the regime detector's per-cycle classification.
type RegimeSignal struct {
	Regime           Regime    `json:"regime"`
	Confidence       float64   `json:"confidence"`
	TrendPct         float64   `json:"trendPct"`
	AnnualizedVolPct float64   `json:"annualizedVolPct"`
	Timestamp        time.Time `json:"timestamp"`
	Reason           string    `json:"reason"`
}

// TriggerSignal is a single ranked candidate emitted by the trigger
// engine for one symbol.
type TriggerSignal struct {
	Symbol         string          `json:"symbol"`
	Type           TriggerType     `json:"type"`
	Strength       float64         `json:"strength"`
	Confidence     float64         `json:"confidence"`
	Reason         string          `json:"reason"`
	Timestamp      time.Time       `json:"timestamp"`
	CurrentPrice   decimal.Decimal `json:"currentPrice"`
	VolumeRatio    float64         `json:"volumeRatio,omitempty"`
	PriceChangePct float64         `json:"priceChangePct,omitempty"`
	Volatility     float64         `json:"volatility"`
	Qualifiers     map[string]bool `json:"qualifiers,omitempty"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
}

// Score is the trigger engine's ranking key: strength * confidence.
func (t TriggerSignal) Score() float64 {
	return t.Strength * t.Confidence
}

// TradeProposal is a candidate trade before the risk gate.
type TradeProposal struct {
	Symbol           string          `json:"symbol"`
	Side             ProposalSide    `json:"side"`
	SizePct          decimal.Decimal `json:"sizePct"` // 0..100, percent of account value
	Quantity         decimal.Decimal `json:"quantity,omitempty"` // set directly by exit proposals
	Reason           string          `json:"reason"`
	Confidence       float64         `json:"confidence"`
	StopLossPct      decimal.Decimal `json:"stopLossPct,omitempty"`
	TakeProfitPct    decimal.Decimal `json:"takeProfitPct,omitempty"`
	MaxHoldHours     float64         `json:"maxHoldHours,omitempty"`
	Tags             []string        `json:"tags,omitempty"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
	ConvictionBreakdown map[string]float64 `json:"convictionBreakdown,omitempty"`
}

// HasTag reports whether the proposal carries the given tag.
func (p *TradeProposal) HasTag(tag string) bool {
	for _, t := range p.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// PendingOrders tracks live (not yet filled or canceled) notional per side.
type PendingOrders struct {
	Buy  map[string]decimal.Decimal `json:"buy"`
	Sell map[string]decimal.Decimal `json:"sell"`
}

// OpenPosition is the minimal per-cycle view of a held position.
type OpenPosition struct {
	Units decimal.Decimal `json:"units"`
	USD   decimal.Decimal `json:"usd"`
}

// ManagedPositionTarget carries the exit parameters for a
// system-opened position.
type ManagedPositionTarget struct {
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	EntryTime     time.Time       `json:"entryTime"`
	StopLossPct   decimal.Decimal `json:"stopLossPct"`
	TakeProfitPct decimal.Decimal `json:"takeProfitPct"`
	MaxHoldHours  float64         `json:"maxHoldHours"`
	// PeakPrice is the highest price observed since entry, tracked by
	// internal/position to drive the trailing-stop and progressive
	// checkpoint exits. Zero until the first post-entry evaluation.
	PeakPrice decimal.Decimal `json:"peakPrice,omitempty"`
}

// PortfolioState is the read-only, per-cycle derived view of account
// state that the risk gate and strategies consume. Built once at the
// start of a cycle from the State Store's snapshot; never mutated
// mid-cycle.
type PortfolioState struct {
	AccountValueUSD    decimal.Decimal                  `json:"accountValueUsd"`
	OpenPositions      map[string]OpenPosition          `json:"openPositions"`
	ManagedPositions   map[string]ManagedPositionTarget `json:"managedPositions"`
	PendingOrders      PendingOrders                    `json:"pendingOrders"`
	DailyPnLPct        decimal.Decimal                  `json:"dailyPnlPct"`
	WeeklyPnLPct       decimal.Decimal                  `json:"weeklyPnlPct"`
	MaxDrawdownPct     decimal.Decimal                  `json:"maxDrawdownPct"`
	TradesToday        int                              `json:"tradesToday"`
	TradesThisHour     int                              `json:"tradesThisHour"`
	ConsecutiveLosses  int                              `json:"consecutiveLosses"`
	LastLossTime       time.Time                        `json:"lastLossTime"`
	CurrentTime        time.Time                        `json:"currentTime"`
}

// TotalExposureUSD sums all open-position marks; must equal the NAV
// invariant's exposure term (spec.md §3 invariant: total_exposure_usd
// == Σ open_positions[·].usd).
func (p *PortfolioState) TotalExposureUSD() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range p.OpenPositions {
		total = total.Add(pos.USD)
	}
	return total
}

// PendingBuyUSD sums notional of all live pending BUY orders.
func (p *PortfolioState) PendingBuyUSD() decimal.Decimal {
	total := decimal.Zero
	for _, v := range p.PendingOrders.Buy {
		total = total.Add(v)
	}
	return total
}
