package cycle

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/atlas-desktop/spotcycle/internal/alerting"
	"github.com/atlas-desktop/spotcycle/internal/events"
	"github.com/atlas-desktop/spotcycle/internal/exchange"
	"github.com/atlas-desktop/spotcycle/internal/execution"
	"github.com/atlas-desktop/spotcycle/internal/position"
	"github.com/atlas-desktop/spotcycle/internal/reconcile"
	"github.com/atlas-desktop/spotcycle/internal/regime"
	"github.com/atlas-desktop/spotcycle/internal/risk"
	"github.com/atlas-desktop/spotcycle/internal/statestore"
	"github.com/atlas-desktop/spotcycle/internal/strategy"
	"github.com/atlas-desktop/spotcycle/internal/tradelimits"
	"github.com/atlas-desktop/spotcycle/internal/triggers"
	"github.com/atlas-desktop/spotcycle/internal/universe"
	"github.com/atlas-desktop/spotcycle/internal/workers"
	"github.com/atlas-desktop/spotcycle/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Status is a cycle's terminal classification, written to the audit
// log verbatim (spec.md §4.12).
type Status string

const (
	StatusExecuted       Status = "EXECUTED"
	StatusNoTrade        Status = "NO_TRADE"
	StatusNoOpportunities Status = "NO_OPPORTUNITIES"
)

// Result is one cycle's complete audit record.
type Result struct {
	CycleNumber   int
	Timestamp     time.Time
	Status        Status
	Reason        string
	ProposalCount int
	ApprovedCount int
	RejectedCount int
	Executed      []execution.Executed
	Duration      time.Duration
}

// Deps is every already-constructed component the pipeline orchestrates.
// Nothing here is built by the pipeline itself — cmd/spotcycle wires
// these once at start-up.
type Deps struct {
	Port        exchange.Port
	Store       *statestore.Store
	Reconciler  *reconcile.Reconciler
	Regime      *regime.Detector
	RegimeCfg   regime.Config
	Universe    *universe.Builder
	Triggers    *triggers.Engine
	Positions   *position.Manager
	Strategies  *strategy.Registry
	Risk        *risk.Engine
	TradeLimits *tradelimits.TradeLimits
	Execution   *execution.Engine
	Alerts      *alerting.Service
	// Events is optional: when set, the pipeline publishes cycle
	// outcomes, regime changes, fills, and risk alerts to it for the
	// ops websocket hub. A nil Events is a silent no-op.
	Events *events.Bus
}

// Pipeline runs one cycle at a time to completion (spec.md §5's
// single-threaded cooperative scheduler — there is no overlap between
// RunOnce calls by construction of the caller's loop).
type Pipeline struct {
	logger  *zap.Logger
	cfg     Config
	deps    Deps
	metrics *metrics
	fetch   *workers.Pool
}

// New builds a Pipeline and starts its internal fetch pool. reg may be
// nil, in which case metrics are registered against prometheus'
// default registry. Call Close when the pipeline is done running
// cycles.
func New(logger *zap.Logger, cfg Config, deps Deps, reg prometheus.Registerer) *Pipeline {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	fetch := workers.NewPool(logger.Named("cycle.fetch"), workers.DefaultPoolConfig("symbol-fetch", cfg.MaxConcurrentFetches))
	fetch.Start()
	return &Pipeline{logger: logger.Named("cycle"), cfg: cfg, deps: deps, metrics: newMetrics(reg), fetch: fetch}
}

// Close stops the pipeline's internal fetch pool, draining any
// in-flight symbol fetches before returning.
func (p *Pipeline) Close() error {
	return p.fetch.Stop()
}

// RunOnce executes exactly one cycle per spec.md §4.12's fixed stage
// order, short-circuiting to NO_TRADE or NO_OPPORTUNITIES the moment a
// stage has nothing left to do, and always emits a Result.
func (p *Pipeline) RunOnce(ctx context.Context, cycleNumber int, now time.Time) Result {
	start := now
	result := Result{CycleNumber: cycleNumber, Timestamp: now}

	defer func() {
		result.Duration = time.Since(start)
		p.metrics.cyclesTotal.WithLabelValues(string(result.Status)).Inc()
		p.metrics.cycleDuration.Observe(result.Duration.Seconds())
		p.audit(result)
	}()

	killSwitchActive := p.killSwitchEngaged()
	if killSwitchActive {
		p.cancelWorkingOrders(ctx, now)
	}

	snapshot, err := p.deps.Reconciler.Reconcile(ctx, now)
	if err != nil {
		p.deps.Risk.RecordAPIError(now)
		p.deps.Alerts.Notify(alerting.SeverityWarning, "reconcile failed", err.Error(), nil)
		return p.noTrade(result, "reconcile_failed")
	}
	p.deps.Risk.RecordAPISuccess(now)

	portfolio := p.deps.Store.BuildPortfolio(snapshot.Positions, snapshot.PendingOrders, snapshot.AccountValueUSD, snapshot.MaxDrawdownPct, now)

	referenceCandles, err := p.deps.Port.GetOHLCV(ctx, p.deps.RegimeCfg.ReferenceSymbol, p.cfg.CandleInterval, p.cfg.ReferenceCandleLimit)
	if err != nil {
		p.deps.Alerts.Notify(alerting.SeverityWarning, "reference candles unavailable", err.Error(), map[string]any{"symbol": p.deps.RegimeCfg.ReferenceSymbol})
		return p.noTrade(result, "reference_candles_unavailable")
	}
	regimeSignal := p.deps.Regime.Detect(referenceCandles, now)
	p.publish(events.NewRegimeChangedEvent(string(regimeSignal.Regime), regimeSignal.Confidence, regimeSignal.TrendPct, regimeSignal.AnnualizedVolPct, now))

	universeSnapshot, err := p.deps.Universe.Build(ctx, regimeSignal.Regime, now, false)
	if err != nil {
		p.deps.Alerts.Notify(alerting.SeverityWarning, "universe build failed", err.Error(), nil)
		return p.noTrade(result, "universe_build_failed")
	}
	symbols := universeSnapshot.Symbols()
	if len(symbols) == 0 {
		return p.noTrade(result, "empty_universe")
	}

	symbolData, quotes := p.fetchSymbolData(ctx, symbols)
	triggerSignals := p.deps.Triggers.Scan(symbolData, regimeSignal.Regime, now)

	currentPrices := p.currentPricesFor(ctx, portfolio.OpenPositions, quotes)
	positionResult := p.deps.Positions.Evaluate(portfolio.OpenPositions, portfolio.ManagedPositions, currentPrices, now)
	for symbol, target := range positionResult.UpdatedTargets {
		p.deps.Store.SetManagedTarget(symbol, target)
	}
	exits := positionResult.Proposals

	entries := p.deps.Strategies.RunAll(strategy.Context{
		Universe:    universeSnapshot,
		Triggers:    triggerSignals,
		Regime:      regimeSignal.Regime,
		Timestamp:   now,
		CycleNumber: cycleNumber,
	})

	p.metrics.proposalsTotal.WithLabelValues("exit").Add(float64(len(exits)))
	p.metrics.proposalsTotal.WithLabelValues("entry").Add(float64(len(entries)))

	proposals := append(append([]types.TradeProposal{}, exits...), entries...)
	result.ProposalCount = len(proposals)
	if len(proposals) == 0 {
		if len(triggerSignals) == 0 {
			return p.noOpportunities(result, "no_candidates_from_triggers")
		}
		return p.noOpportunities(result, "no_proposals_from_strategies")
	}

	productStatus := p.fetchProductStatus(ctx, proposals)
	riskOpts := risk.Options{
		KillSwitchActive: killSwitchActive,
		ConnectivityOK:   p.deps.Reconciler.ConsecutiveFailures() < 2,
		SymbolOnCooldown: func(symbol string) bool {
			_, onCooldown := p.deps.Store.CooldownExpiry(symbol, now)
			return onCooldown
		},
		ProductStatus: func(symbol string) (types.ProductStatus, bool) {
			st, ok := productStatus[symbol]
			return st, ok
		},
	}
	riskResult := p.deps.Risk.CheckAll(proposals, portfolio, universeSnapshot, regimeSignal.Regime, riskOpts)
	for _, rej := range riskResult.Rejected {
		p.metrics.rejectedTotal.WithLabelValues(rej.Rule).Inc()
	}
	result.RejectedCount += len(riskResult.Rejected)

	if riskResult.HaltedAll {
		if riskResult.HaltReason == "kill switch engaged" {
			p.deps.Alerts.Notify(alerting.SeverityCritical, "kill switch engaged", "all proposals blocked", nil)
			p.publish(events.NewKillSwitchEvent(true, riskResult.HaltReason, now))
		} else {
			p.publish(events.NewRiskAlertEvent("critical", "cycle halted", riskResult.HaltReason, now))
		}
		return p.noTrade(result, riskResult.HaltReason)
	}
	if len(riskResult.Approved) == 0 {
		reason := "risk_blocked_all_proposals"
		if len(riskResult.Rejected) > 0 {
			reason = "risk_blocked_" + riskResult.Rejected[0].Rule
		}
		return p.noTrade(result, reason)
	}

	timing := p.deps.TradeLimits.CheckAll(riskResult.Approved, portfolio, now)
	if !timing.Approved {
		return p.noTrade(result, "trade_limits_blocked: "+timing.Reason)
	}

	survivors, timingRejections := p.deps.TradeLimits.FilterProposalsByTiming(riskResult.Approved, now)
	for _, reasons := range timingRejections {
		for _, reason := range reasons {
			p.metrics.rejectedTotal.WithLabelValues(reason).Inc()
			result.RejectedCount++
		}
	}
	if len(survivors) == 0 {
		return p.noTrade(result, "all_proposals_failed_timing")
	}
	result.ApprovedCount = len(survivors)

	execResult := p.deps.Execution.Execute(ctx, survivors, portfolio.AccountValueUSD, now)
	p.applyExecutionOutcomes(execResult, now)

	result.Executed = execResult.Executed
	for _, e := range execResult.Executed {
		p.metrics.executedTotal.WithLabelValues(e.Status).Inc()
		if e.Status == "filled" {
			p.publish(events.NewFillEvent(e.Proposal.Symbol, string(e.Proposal.Side), e.FilledSize.String(), e.FilledPrice.String(), e.Fees.String(), e.Notional.String(), now))
		}
	}
	for _, r := range execResult.Rejected {
		p.metrics.executedTotal.WithLabelValues("rejected_" + string(r.Kind)).Inc()
	}

	result.Status = StatusExecuted
	result.Reason = ""
	return result
}

// applyExecutionOutcomes feeds each fill back into trade pacing: the
// global/per-symbol spacing clock always advances, and an outcome-
// differentiated cooldown is applied whenever a SELL fill realized one
// (spec.md §4.9's cooldown tiers).
func (p *Pipeline) applyExecutionOutcomes(execResult execution.Result, now time.Time) {
	for _, e := range execResult.Executed {
		if e.Status != "filled" {
			continue
		}
		p.deps.TradeLimits.RecordTrade(e.Proposal.Symbol, now)
		if e.Outcome != "" {
			p.deps.TradeLimits.ApplyCooldown(e.Proposal.Symbol, tradelimits.Outcome(e.Outcome), now)
		}
	}
}

func (p *Pipeline) noTrade(result Result, reason string) Result {
	result.Status = StatusNoTrade
	result.Reason = reason
	return result
}

func (p *Pipeline) noOpportunities(result Result, reason string) Result {
	result.Status = StatusNoOpportunities
	result.Reason = reason
	return result
}

// killSwitchEngaged reports whether the kill-switch sentinel file is
// present. Any stat error other than "not exist" is treated as
// engaged — fail closed (spec.md §4.7 / §9).
func (p *Pipeline) killSwitchEngaged() bool {
	if p.cfg.KillSwitchFile == "" {
		return false
	}
	_, err := os.Stat(p.cfg.KillSwitchFile)
	if err == nil {
		return true
	}
	return !os.IsNotExist(err)
}

// cancelWorkingOrders cancels every order presently in the open-order
// cache. Called the moment the kill switch (or a graceful shutdown
// following the same path) is detected, so no working order survives
// the activation SLA of ≤10 s (spec.md §5). Best-effort: a cancel
// failure is logged and recorded to the audit trail rather than
// aborting the cycle, since the switch's job is to stop new risk, not
// to retry-until-success on stale exchange state.
func (p *Pipeline) cancelWorkingOrders(ctx context.Context, now time.Time) {
	ids := p.deps.Store.OpenOrderIDs()
	if len(ids) == 0 {
		return
	}
	if err := p.deps.Port.CancelOrders(ctx, ids); err != nil {
		p.logger.Error("failed to cancel working orders on kill switch", zap.Error(err), zap.Int("orderCount", len(ids)))
		p.deps.Store.RecordEvent("kill_switch_cancel_failed", err.Error())
		return
	}
	p.logger.Warn("kill switch engaged: canceled working orders", zap.Int("orderCount", len(ids)))
	p.deps.Store.RecordEvent("kill_switch_cancel", fmt.Sprintf("canceled %d working orders", len(ids)))
}

// fetchSymbolData pulls candles and a quote for every eligible symbol,
// bounded to MaxConcurrentFetches in flight, joining before returning
// (spec.md §5). A symbol whose fetch fails is logged and dropped
// rather than aborting the scan.
func (p *Pipeline) fetchSymbolData(ctx context.Context, symbols []string) ([]triggers.SymbolData, map[string]decimal.Decimal) {
	type fetched struct {
		data  triggers.SymbolData
		quote exchange.Quote
		ok    bool
	}

	results := make([]fetched, len(symbols))
	var wg sync.WaitGroup

	for i, symbol := range symbols {
		wg.Add(1)
		i, symbol := i, symbol
		err := p.fetch.SubmitFunc(func() error {
			defer wg.Done()

			candles, err := p.deps.Port.GetOHLCV(ctx, symbol, p.cfg.CandleInterval, p.cfg.SymbolCandleLimit)
			if err != nil {
				p.logger.Warn("candle fetch failed, dropping symbol from scan", zap.String("symbol", symbol), zap.Error(err))
				return nil
			}
			quote, err := p.deps.Port.GetQuote(ctx, symbol)
			if err != nil {
				p.logger.Warn("quote fetch failed, dropping symbol from scan", zap.String("symbol", symbol), zap.Error(err))
				return nil
			}
			results[i] = fetched{data: triggers.SymbolData{Symbol: symbol, Candles: candles, Quote: quote}, quote: quote, ok: true}
			return nil
		})
		if err != nil {
			p.logger.Warn("fetch pool saturated, dropping symbol from scan", zap.String("symbol", symbol), zap.Error(err))
			wg.Done()
		}
	}
	wg.Wait()

	data := make([]triggers.SymbolData, 0, len(symbols))
	quotes := make(map[string]decimal.Decimal, len(symbols))
	for _, r := range results {
		if !r.ok {
			continue
		}
		data = append(data, r.data)
		quotes[r.data.Symbol] = r.quote.Mid
	}
	return data, quotes
}

// fetchProductStatus looks up tradability for every distinct symbol
// appearing in this cycle's proposals so the risk gate can fail closed
// on a non-ONLINE product before anything else runs (spec.md §4.7 step
// 3). A symbol whose lookup errors is simply absent from the returned
// map — risk.Engine's ProductStatus callback treats a missing entry as
// "unavailable" and rejects it.
func (p *Pipeline) fetchProductStatus(ctx context.Context, proposals []types.TradeProposal) map[string]types.ProductStatus {
	out := make(map[string]types.ProductStatus, len(proposals))
	seen := make(map[string]bool, len(proposals))
	for _, prop := range proposals {
		if seen[prop.Symbol] {
			continue
		}
		seen[prop.Symbol] = true
		meta, err := p.deps.Port.GetProductMetadata(ctx, prop.Symbol)
		if err != nil {
			p.logger.Warn("product metadata unavailable, failing closed on this symbol", zap.String("symbol", prop.Symbol), zap.Error(err))
			continue
		}
		out[prop.Symbol] = meta.Status
	}
	return out
}

// currentPricesFor returns a price map for every open position,
// reusing whatever the trigger scan already fetched and filling any
// gap (a held symbol outside the current universe) with a direct
// quote call.
func (p *Pipeline) currentPricesFor(ctx context.Context, positions map[string]types.OpenPosition, quotes map[string]decimal.Decimal) map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal, len(positions))
	for symbol := range positions {
		if mid, ok := quotes[symbol]; ok {
			prices[symbol] = mid
			continue
		}
		quote, err := p.deps.Port.GetQuote(ctx, symbol)
		if err != nil {
			p.logger.Warn("price unavailable for open position, excluding from exit evaluation", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		prices[symbol] = quote.Mid
	}
	return prices
}

// audit writes the one structured record per cycle spec.md §4.12
// requires, via the state store's own append-only event log so it
// shares the store's persistence and rotation.
func (p *Pipeline) audit(r Result) {
	detail := fmt.Sprintf("cycle=%d status=%s reason=%q proposals=%d approved=%d rejected=%d executed=%d duration=%s",
		r.CycleNumber, r.Status, r.Reason, r.ProposalCount, r.ApprovedCount, r.RejectedCount, len(r.Executed), r.Duration)
	p.deps.Store.RecordEvent("cycle_audit", detail)
	p.logger.Info("cycle complete",
		zap.Int("cycle", r.CycleNumber), zap.String("status", string(r.Status)), zap.String("reason", r.Reason),
		zap.Int("proposals", r.ProposalCount), zap.Int("approved", r.ApprovedCount), zap.Int("rejected", r.RejectedCount),
		zap.Int("executed", len(r.Executed)), zap.Duration("duration", r.Duration))
	p.publish(events.NewCycleCompletedEvent(r.CycleNumber, string(r.Status), r.Reason, r.ProposalCount, r.ApprovedCount, r.RejectedCount, len(r.Executed), r.Duration, r.Timestamp))
}

// publish is a no-op when no event bus is wired.
func (p *Pipeline) publish(event events.Event) {
	if p.deps.Events == nil {
		return
	}
	p.deps.Events.Publish(event)
}
