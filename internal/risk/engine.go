package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/spotcycle/pkg/types"
	"github.com/atlas-desktop/spotcycle/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Rejection pairs a proposal with the gate rule that blocked it.
type Rejection struct {
	Proposal types.TradeProposal `json:"proposal"`
	Rule     string              `json:"rule"`
	Message  string              `json:"message"`
}

// Result is CheckAll's explicit outcome: no proposal crosses the
// execution boundary without having passed through here.
type Result struct {
	Approved   []types.TradeProposal `json:"approved"`
	Rejected   []Rejection           `json:"rejected"`
	HaltedAll  bool                  `json:"haltedAll"`
	HaltReason string                `json:"haltReason,omitempty"`
}

// Options carries the cycle's external safety signals the engine
// cannot derive from PortfolioState alone.
type Options struct {
	KillSwitchActive bool
	ConnectivityOK   bool
	// SymbolOnCooldown reports whether symbol is presently cooling down
	// after a recent fill outcome (owned by internal/tradelimits /
	// internal/statestore, consulted here rather than duplicated).
	SymbolOnCooldown func(symbol string) bool
	// ProductStatus reports the exchange's tradability state for a
	// symbol and whether the lookup succeeded; a failed lookup is
	// treated as non-tradable (fail-closed, spec.md §4.7 step 3).
	ProductStatus func(symbol string) (types.ProductStatus, bool)
}

// Engine applies the ordered, fail-closed risk gate (spec.md §4.7).
type Engine struct {
	logger *zap.Logger
	cfg    Config

	mu               sync.Mutex
	apiErrorTimes    []time.Time
	rateLimitedUntil time.Time
}

// New builds a risk.Engine.
func New(logger *zap.Logger, cfg Config) *Engine {
	return &Engine{logger: logger.Named("risk"), cfg: cfg}
}

// RecordAPISuccess clears no state by itself; errors age out of the
// window naturally. Kept for symmetry with RecordAPIError.
func (e *Engine) RecordAPISuccess(now time.Time) {}

// RecordAPIError appends to the rolling error window the API-health
// circuit breaker inspects.
func (e *Engine) RecordAPIError(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.apiErrorTimes = append(e.apiErrorTimes, now)
	cutoff := now.Add(-e.cfg.CircuitBreaker.APIErrorWindow)
	kept := e.apiErrorTimes[:0]
	for _, t := range e.apiErrorTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.apiErrorTimes = kept
}

// RecordRateLimit installs a cooldown that blocks new entries until it
// expires.
func (e *Engine) RecordRateLimit(until time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if until.After(e.rateLimitedUntil) {
		e.rateLimitedUntil = until
	}
}

// CheckAll runs every gate in spec.md §4.7's fixed order and returns
// the surviving (possibly resized) proposals plus every rejection with
// its reason.
func (e *Engine) CheckAll(proposals []types.TradeProposal, portfolio types.PortfolioState, universe *types.UniverseSnapshot, regime types.Regime, opts Options) Result {
	result := Result{}

	if !opts.ConnectivityOK {
		result.HaltedAll = true
		result.HaltReason = "exchange connectivity check failed"
		for _, p := range proposals {
			result.Rejected = append(result.Rejected, Rejection{p, "circuit_breaker_connectivity", result.HaltReason})
		}
		return result
	}

	// spec.md §4.7 step 3: exchange product status is checked before
	// the kill-switch so a non-tradable symbol is rejected for the
	// right reason even while the switch is engaged.
	survivors, rej := e.filterProductStatus(proposals, opts)
	result.Rejected = append(result.Rejected, rej...)

	if opts.KillSwitchActive {
		result.HaltedAll = true
		result.HaltReason = "kill switch engaged"
		for _, p := range survivors {
			result.Rejected = append(result.Rejected, Rejection{p, "kill_switch", result.HaltReason})
		}
		return result
	}

	blockNewReason := e.blockNewEntriesReason(portfolio, regime, universe, portfolio.CurrentTime)

	gated := make([]types.TradeProposal, 0, len(survivors))
	for _, p := range survivors {
		if p.Side == types.ProposalSell {
			gated = append(gated, p) // exits are never blocked by entry-side gates
			continue
		}
		if blockNewReason != "" {
			result.Rejected = append(result.Rejected, Rejection{p, "entry_blocked", blockNewReason})
			continue
		}
		gated = append(gated, p)
	}
	survivors = gated

	survivors, rej = e.filterGlobalExposure(survivors, portfolio)
	result.Rejected = append(result.Rejected, rej...)

	survivors, rej = e.filterMaxOpenPositions(survivors, portfolio)
	result.Rejected = append(result.Rejected, rej...)

	survivors, rej = e.filterSymbolCooldown(survivors, opts)
	result.Rejected = append(result.Rejected, rej...)

	survivors, rej = e.filterProposalSizing(survivors, portfolio)
	result.Rejected = append(result.Rejected, rej...)

	survivors, rej = e.filterClusterCaps(survivors, portfolio)
	result.Rejected = append(result.Rejected, rej...)

	result.Approved = survivors
	return result
}

// filterProductStatus drops any proposal whose symbol is not ONLINE,
// or whose status could not be determined at all (fail-closed,
// spec.md §4.7 step 3). A nil ProductStatus lookup (e.g. in tests that
// don't wire the exchange port) is treated as "no gate" rather than
// "reject everything".
func (e *Engine) filterProductStatus(proposals []types.TradeProposal, opts Options) ([]types.TradeProposal, []Rejection) {
	if opts.ProductStatus == nil {
		return proposals, nil
	}
	out := make([]types.TradeProposal, 0, len(proposals))
	var rejected []Rejection
	for _, p := range proposals {
		status, ok := opts.ProductStatus(p.Symbol)
		if !ok {
			rejected = append(rejected, Rejection{p, "exchange_product_status", "product metadata unavailable"})
			continue
		}
		if status != types.ProductStatusOnline {
			rejected = append(rejected, Rejection{p, "exchange_product_status", fmt.Sprintf("product status is %s", status)})
			continue
		}
		out = append(out, p)
	}
	return out, rejected
}

// filterGlobalExposure enforces spec.md §4.7 step 8 / testable
// property 2: existing open-position exposure plus already-pending
// BUYs plus the cumulative notional of this cycle's surviving BUY
// proposals (processed in order) must never exceed MaxTotalAtRiskPct
// of NAV. Each proposal is evaluated against the running total left
// by the proposals ahead of it in the slice, not just the portfolio's
// pre-cycle snapshot.
func (e *Engine) filterGlobalExposure(proposals []types.TradeProposal, portfolio types.PortfolioState) ([]types.TradeProposal, []Rejection) {
	if e.cfg.MaxTotalAtRiskPct.IsZero() || portfolio.AccountValueUSD.IsZero() {
		return proposals, nil
	}
	nav := portfolio.AccountValueUSD
	usedPct := portfolio.TotalExposureUSD().Add(portfolio.PendingBuyUSD()).Div(nav).Mul(decimal.NewFromInt(100))

	out := make([]types.TradeProposal, 0, len(proposals))
	var rejected []Rejection
	for _, p := range proposals {
		if p.Side == types.ProposalSell {
			out = append(out, p)
			continue
		}
		remaining := e.cfg.MaxTotalAtRiskPct.Sub(usedPct)
		if remaining.LessThanOrEqual(decimal.Zero) {
			rejected = append(rejected, Rejection{p, "max_total_at_risk_pct", fmt.Sprintf("global exposure already at cap %.2f%%", f64(e.cfg.MaxTotalAtRiskPct))})
			continue
		}
		if p.SizePct.GreaterThan(remaining) {
			if !e.cfg.ResizeOversizedCaps {
				rejected = append(rejected, Rejection{p, "max_total_at_risk_pct", fmt.Sprintf("would push global exposure past cap %.2f%%", f64(e.cfg.MaxTotalAtRiskPct))})
				continue
			}
			p.SizePct = utils.MinDecimal(p.SizePct, remaining)
			p.Metadata = withNote(p.Metadata, "resized_for_global_exposure", true)
		}
		usedPct = usedPct.Add(p.SizePct)
		out = append(out, p)
	}
	return out, rejected
}

// blockNewEntriesReason evaluates every portfolio-wide gate that
// halts new BUYs outright (stops, drawdown, frequency, loss cooldown,
// circuit breakers) and returns the first reason that fires, or "" if
// none do.
func (e *Engine) blockNewEntriesReason(p types.PortfolioState, regime types.Regime, universe *types.UniverseSnapshot, now time.Time) string {
	if reason := e.circuitBreakerReason(regime, universe, now); reason != "" {
		return reason
	}
	if p.DailyPnLPct.LessThanOrEqual(e.cfg.DailyStopLossPct.Neg()) {
		return fmt.Sprintf("daily stop triggered: pnl %.2f%% <= -%.2f%%", f64(p.DailyPnLPct), f64(e.cfg.DailyStopLossPct))
	}
	if p.WeeklyPnLPct.LessThanOrEqual(e.cfg.WeeklyStopLossPct.Neg()) {
		return fmt.Sprintf("weekly stop triggered: pnl %.2f%% <= -%.2f%%", f64(p.WeeklyPnLPct), f64(e.cfg.WeeklyStopLossPct))
	}
	if p.MaxDrawdownPct.GreaterThanOrEqual(e.cfg.MaxDrawdownPct) {
		return fmt.Sprintf("max drawdown triggered: %.2f%% >= %.2f%%", f64(p.MaxDrawdownPct), f64(e.cfg.MaxDrawdownPct))
	}
	if p.TradesToday >= e.cfg.MaxTradesPerDay {
		return fmt.Sprintf("daily trade frequency reached: %d >= %d", p.TradesToday, e.cfg.MaxTradesPerDay)
	}
	if p.TradesThisHour >= e.cfg.MaxNewTradesPerHour {
		return fmt.Sprintf("hourly trade frequency reached: %d >= %d", p.TradesThisHour, e.cfg.MaxNewTradesPerHour)
	}
	if e.cfg.CooldownAfterLosses > 0 && p.ConsecutiveLosses >= e.cfg.CooldownAfterLosses {
		if !p.LastLossTime.IsZero() && now.Sub(p.LastLossTime) < time.Duration(e.cfg.CooldownMinutes)*time.Minute {
			return fmt.Sprintf("loss cooldown active: %d consecutive losses, last at %s", p.ConsecutiveLosses, p.LastLossTime.Format(time.RFC3339))
		}
	}
	return ""
}

// circuitBreakerReason runs the rate-limit, API-health, and
// crash-regime checks. Connectivity is checked separately in CheckAll
// since it halts everything, not just new entries.
func (e *Engine) circuitBreakerReason(regime types.Regime, universe *types.UniverseSnapshot, now time.Time) string {
	e.mu.Lock()
	rateLimited := now.Before(e.rateLimitedUntil)
	cutoff := now.Add(-e.cfg.CircuitBreaker.APIErrorWindow)
	errCount := 0
	for _, t := range e.apiErrorTimes {
		if t.After(cutoff) {
			errCount++
		}
	}
	e.mu.Unlock()

	if rateLimited {
		return fmt.Sprintf("rate-limit cooldown active until %s", e.rateLimitedUntil.Format(time.RFC3339))
	}
	if errCount >= e.cfg.CircuitBreaker.APIErrorThreshold {
		return fmt.Sprintf("API error circuit breaker tripped: %d errors in window", errCount)
	}
	if e.cfg.CircuitBreaker.BlockNewEntriesInCrash && regime == types.RegimeCrash {
		return "crash regime blocks new entries"
	}
	if e.cfg.CircuitBreaker.MinEligibleUniverse > 0 && universe != nil && len(universe.Symbols()) < e.cfg.CircuitBreaker.MinEligibleUniverse {
		return fmt.Sprintf("eligible universe below floor: %d < %d", len(universe.Symbols()), e.cfg.CircuitBreaker.MinEligibleUniverse)
	}
	return ""
}

// filterMaxOpenPositions rejects new-symbol BUYs once the portfolio
// already holds the configured maximum number of open positions.
// Adding to an existing position is always allowed through this gate.
func (e *Engine) filterMaxOpenPositions(proposals []types.TradeProposal, portfolio types.PortfolioState) ([]types.TradeProposal, []Rejection) {
	if e.cfg.MaxOpenPositions <= 0 {
		return proposals, nil
	}
	openCount := len(portfolio.OpenPositions)
	out := make([]types.TradeProposal, 0, len(proposals))
	var rejected []Rejection
	for _, p := range proposals {
		_, alreadyHeld := portfolio.OpenPositions[p.Symbol]
		if !alreadyHeld && openCount >= e.cfg.MaxOpenPositions {
			rejected = append(rejected, Rejection{p, "max_open_positions", fmt.Sprintf("open positions at cap (%d)", e.cfg.MaxOpenPositions)})
			continue
		}
		if !alreadyHeld {
			openCount++
		}
		out = append(out, p)
	}
	return out, rejected
}

// filterSymbolCooldown rejects BUYs for a symbol presently cooling
// down after its last fill outcome.
func (e *Engine) filterSymbolCooldown(proposals []types.TradeProposal, opts Options) ([]types.TradeProposal, []Rejection) {
	if opts.SymbolOnCooldown == nil {
		return proposals, nil
	}
	out := make([]types.TradeProposal, 0, len(proposals))
	var rejected []Rejection
	for _, p := range proposals {
		if opts.SymbolOnCooldown(p.Symbol) {
			rejected = append(rejected, Rejection{p, "symbol_cooldown", "symbol is on post-fill cooldown"})
			continue
		}
		out = append(out, p)
	}
	return out, rejected
}

// filterProposalSizing enforces spec.md §4.7 step 13: a floor below
// which a BUY is either bumped up or rejected, a pyramiding gate for
// symbols already carrying an open position, and a cap that accounts
// for the existing position plus any already-pending BUY for the same
// symbol — not just the bare requested size.
func (e *Engine) filterProposalSizing(proposals []types.TradeProposal, portfolio types.PortfolioState) ([]types.TradeProposal, []Rejection) {
	out := make([]types.TradeProposal, 0, len(proposals))
	var rejected []Rejection
	for _, p := range proposals {
		if p.Side == types.ProposalSell {
			out = append(out, p)
			continue
		}

		if !e.cfg.MinPositionSizePct.IsZero() && p.SizePct.LessThan(e.cfg.MinPositionSizePct) {
			if e.cfg.AllowCapBumpToFloor {
				p.SizePct = e.cfg.MinPositionSizePct
				p.Metadata = withNote(p.Metadata, "bumped_to_min_size", true)
			} else {
				rejected = append(rejected, Rejection{p, "position_size_too_small", fmt.Sprintf("size %.2f%% < min %.2f%%", f64(p.SizePct), f64(e.cfg.MinPositionSizePct))})
				continue
			}
		}

		existingUSD := portfolio.OpenPositions[p.Symbol].USD
		pendingBuyUSD := portfolio.PendingOrders.Buy[p.Symbol]
		hasExisting := existingUSD.IsPositive()
		hasPendingBuy := pendingBuyUSD.IsPositive()

		if hasExisting && !e.cfg.AllowPyramiding {
			rejected = append(rejected, Rejection{p, "pyramiding_disabled", "position already open; pyramiding disabled"})
			continue
		}

		if e.cfg.MaxProposalSizePct.IsZero() || portfolio.AccountValueUSD.IsZero() {
			out = append(out, p)
			continue
		}

		existingPct := existingUSD.Add(pendingBuyUSD).Div(portfolio.AccountValueUSD).Mul(decimal.NewFromInt(100))
		totalPct := existingPct.Add(p.SizePct)
		if totalPct.GreaterThan(e.cfg.MaxProposalSizePct) {
			rule := "position_size_cap"
			if hasPendingBuy {
				rule = "position_size_with_pending"
			}
			if e.cfg.ResizeOversizedCaps && !hasPendingBuy {
				allowed := e.cfg.MaxProposalSizePct.Sub(existingPct)
				if allowed.LessThanOrEqual(decimal.Zero) {
					rejected = append(rejected, Rejection{p, rule, fmt.Sprintf("existing %.2f%% already at/over cap %.2f%%", f64(existingPct), f64(e.cfg.MaxProposalSizePct))})
					continue
				}
				p.SizePct = utils.MinDecimal(p.SizePct, allowed)
				p.Metadata = withNote(p.Metadata, "resized_to_cap", true)
			} else {
				rejected = append(rejected, Rejection{p, rule, fmt.Sprintf("existing+pending %.2f%% + requested %.2f%% > cap %.2f%%", f64(existingPct), f64(p.SizePct), f64(e.cfg.MaxProposalSizePct))})
				if hasPendingBuy {
					rejected = append(rejected, Rejection{p, "pending_buy_exists", fmt.Sprintf("pending BUY already open for %s", p.Symbol)})
				}
				continue
			}
		}
		out = append(out, p)
	}
	return out, rejected
}

// filterClusterCaps limits aggregate BUY exposure (existing positions
// + already-pending BUYs + this cycle's surviving BUY proposals, in
// that priority order) to each cluster's cap, resizing or rejecting
// the proposals that would breach it. Pending SELLs are never
// subtracted — cluster exposure is always computed conservatively
// (spec.md §9 Open Question 3).
func (e *Engine) filterClusterCaps(proposals []types.TradeProposal, portfolio types.PortfolioState) ([]types.TradeProposal, []Rejection) {
	if len(e.cfg.Clusters) == 0 {
		return proposals, nil
	}
	memberOf := make(map[string]int, 32)
	for i, c := range e.cfg.Clusters {
		for _, sym := range c.Symbols {
			memberOf[sym] = i
		}
	}

	used := make([]decimal.Decimal, len(e.cfg.Clusters))
	for i, c := range e.cfg.Clusters {
		total := decimal.Zero
		for _, sym := range c.Symbols {
			total = total.Add(portfolio.OpenPositions[sym].USD)
			total = total.Add(portfolio.PendingOrders.Buy[sym])
		}
		used[i] = total.Div(orAccountValue(portfolio.AccountValueUSD)).Mul(decimal.NewFromInt(100))
	}

	out := make([]types.TradeProposal, 0, len(proposals))
	var rejected []Rejection
	for _, p := range proposals {
		idx, ok := memberOf[p.Symbol]
		if !ok {
			out = append(out, p)
			continue
		}
		clusterCap := e.cfg.Clusters[idx].MaxAtRiskPct
		remaining := clusterCap.Sub(used[idx])
		if remaining.LessThanOrEqual(decimal.Zero) {
			rejected = append(rejected, Rejection{p, "cluster_cap", fmt.Sprintf("cluster %q already at cap %.2f%%", e.cfg.Clusters[idx].Name, f64(clusterCap))})
			continue
		}
		if p.SizePct.GreaterThan(remaining) {
			if !e.cfg.ResizeOversizedCaps {
				rejected = append(rejected, Rejection{p, "cluster_cap", fmt.Sprintf("cluster %q would exceed cap %.2f%%", e.cfg.Clusters[idx].Name, f64(clusterCap))})
				continue
			}
			p.SizePct = utils.MinDecimal(p.SizePct, remaining)
			p.Metadata = withNote(p.Metadata, "cluster_resized", e.cfg.Clusters[idx].Name)
		}
		used[idx] = used[idx].Add(p.SizePct)
		out = append(out, p)
	}
	return out, rejected
}

func orAccountValue(v decimal.Decimal) decimal.Decimal {
	if v.IsZero() {
		return decimal.NewFromInt(1)
	}
	return v
}

func withNote(m map[string]any, key string, value any) map[string]any {
	if m == nil {
		m = map[string]any{}
	}
	m[key] = value
	return m
}

func f64(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
