// Package risk is the ordered, fail-closed gate every trade proposal
// must pass before reaching execution (spec.md §4.7). Any single check
// failing anywhere in the chain blocks the proposal (or, for the
// portfolio-wide checks, every BUY proposal in the cycle); SELL
// proposals are exempt from sizing/exposure/frequency limits so
// managed exits are never trapped behind a risk halt, but they still
// obey the kill-switch and connectivity halts. The other circuit
// breakers (rate limit, API health, crash regime, minimum eligible
// universe) block BUYs only.
package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// CircuitBreakerConfig holds the cycle-halting safety checks that run
// before any portfolio-state check (spec.md §4.7).
type CircuitBreakerConfig struct {
	APIErrorWindow         time.Duration
	APIErrorThreshold      int
	RateLimitCooldown      time.Duration
	BlockNewEntriesInCrash bool
	MinEligibleUniverse    int // reserved: block if fewer than N eligible symbols remain
}

// ClusterConfig caps aggregate exposure to a named basket of
// correlated symbols (e.g. "l1-majors").
type ClusterConfig struct {
	Name          string
	Symbols       []string
	MaxAtRiskPct  decimal.Decimal
}

// Config is the risk engine's full policy, normally loaded from
// policy.yaml's `risk` section.
type Config struct {
	CircuitBreaker CircuitBreakerConfig

	DailyStopLossPct      decimal.Decimal
	WeeklyStopLossPct     decimal.Decimal
	MaxDrawdownPct        decimal.Decimal
	MaxTotalAtRiskPct     decimal.Decimal
	MaxTradesPerDay       int
	MaxNewTradesPerHour   int
	CooldownAfterLosses   int
	CooldownMinutes       int
	MaxOpenPositions      int
	PerSymbolCooldownMins int
	MaxProposalSizePct    decimal.Decimal // per-proposal sizing cap, pre cluster caps
	MinPositionSizePct    decimal.Decimal // below this, reject outright (spec.md §4.7 step 13)
	MinTradeNotionalUSD   decimal.Decimal // below this, bump to the floor (if allowed) or reject
	AllowCapBumpToFloor   bool            // bump an under-floor BUY up to MinTradeNotionalUSD if caps permit
	AllowPyramiding       bool            // allow sizing a BUY on top of an existing position/pending buy
	Clusters              []ClusterConfig
	ResizeOversizedCaps   bool // shrink a proposal to fit a cap instead of rejecting it outright
}

// DefaultConfig mirrors original_source/core/risk.py's hardcoded
// defaults.
func DefaultConfig() Config {
	return Config{
		CircuitBreaker: CircuitBreakerConfig{
			APIErrorWindow:         10 * time.Minute,
			APIErrorThreshold:      5,
			RateLimitCooldown:      5 * time.Minute,
			BlockNewEntriesInCrash: false,
			MinEligibleUniverse:    0,
		},
		DailyStopLossPct:      decimal.NewFromFloat(3.0),
		WeeklyStopLossPct:     decimal.NewFromFloat(7.0),
		MaxDrawdownPct:        decimal.NewFromFloat(10.0),
		MaxTotalAtRiskPct:     decimal.NewFromFloat(15.0),
		MaxTradesPerDay:       10,
		MaxNewTradesPerHour:   2,
		CooldownAfterLosses:   3,
		CooldownMinutes:       60,
		MaxOpenPositions:      8,
		PerSymbolCooldownMins: 60,
		MaxProposalSizePct:    decimal.NewFromInt(10),
		MinPositionSizePct:    decimal.NewFromFloat(0.5),
		MinTradeNotionalUSD:   decimal.NewFromInt(10),
		AllowCapBumpToFloor:   true,
		AllowPyramiding:       true,
		ResizeOversizedCaps:   true,
	}
}
