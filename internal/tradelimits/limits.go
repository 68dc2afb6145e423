package tradelimits

import (
	"fmt"
	"sort"
	"time"

	"github.com/atlas-desktop/spotcycle/internal/statestore"
	"github.com/atlas-desktop/spotcycle/pkg/types"
	"go.uber.org/zap"
)

// Outcome differentiates the cooldown a filled trade earns.
type Outcome string

const (
	OutcomeWin      Outcome = "win"
	OutcomeLoss     Outcome = "loss"
	OutcomeStopLoss Outcome = "stop_loss"
)

// TimingResult is the approve/reject verdict for a cycle's proposal
// batch, mirroring original_source's TradeTimingResult.
type TimingResult struct {
	Approved       bool
	Reason         string
	ViolatedChecks []string
	CooledSymbols  []string
}

// CooldownStatus reports a symbol's current pacing state, surfaced on
// the admin API.
type CooldownStatus struct {
	OnCooldown       bool
	CooldownUntil    time.Time
	MinutesRemaining float64
	LastOutcome      Outcome
}

// TradeLimits enforces trade pacing on top of the state store's
// persisted cooldown/timing fields.
type TradeLimits struct {
	logger *zap.Logger
	cfg    Config
	store  *statestore.Store
}

// New validates cfg and builds a TradeLimits. An invalid Config aborts
// construction rather than misbehaving mid-cycle.
func New(logger *zap.Logger, cfg Config, store *statestore.Store) (*TradeLimits, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &TradeLimits{logger: logger.Named("tradelimits"), cfg: cfg, store: store}, nil
}

// CheckAll runs the cycle-wide pacing checks in original_source's
// fixed order: loss cooldown, frequency caps, global spacing, then
// per-symbol timing for every proposal.
func (l *TradeLimits) CheckAll(proposals []types.TradeProposal, portfolio types.PortfolioState, now time.Time) TimingResult {
	if len(proposals) == 0 {
		return TimingResult{Approved: true}
	}

	if r := l.checkLossCooldown(portfolio.ConsecutiveLosses, portfolio.LastLossTime, now); !r.Approved {
		return r
	}
	if r := l.checkFrequencyLimits(portfolio.TradesToday, portfolio.TradesThisHour); !r.Approved {
		return r
	}
	if r := l.checkGlobalSpacing(now); !r.Approved {
		return r
	}
	if r := l.checkPerSymbolTiming(proposals, now); !r.Approved {
		return r
	}
	return TimingResult{Approved: true}
}

// FilterProposalsByTiming drops only the proposals that individually
// violate per-symbol cooldown or spacing, keeping the rest — the
// softer alternative to CheckAll's all-or-nothing per-symbol check.
func (l *TradeLimits) FilterProposalsByTiming(proposals []types.TradeProposal, now time.Time) ([]types.TradeProposal, map[string][]string) {
	approved := make([]types.TradeProposal, 0, len(proposals))
	rejections := map[string][]string{}

	for _, p := range proposals {
		if l.isSymbolOnCooldown(p.Symbol, now) {
			rejections[p.Symbol] = append(rejections[p.Symbol], "per_symbol_cooldown")
			continue
		}
		if l.violatesSymbolSpacing(p.Symbol, now) {
			rejections[p.Symbol] = append(rejections[p.Symbol], "per_symbol_spacing")
			continue
		}
		approved = append(approved, p)
	}
	return approved, rejections
}

func (l *TradeLimits) checkLossCooldown(consecutiveLosses int, lastLossTime time.Time, now time.Time) TimingResult {
	if consecutiveLosses < l.cfg.CooldownAfterLosses || lastLossTime.IsZero() {
		return TimingResult{Approved: true}
	}
	expires := lastLossTime.Add(time.Duration(l.cfg.LossCooldownMinutes) * time.Minute)
	if now.Before(expires) {
		minutesLeft := expires.Sub(now).Minutes()
		return TimingResult{
			Approved:       false,
			Reason:         fmt.Sprintf("cooldown: %d consecutive losses (%.0fmin left)", consecutiveLosses, minutesLeft),
			ViolatedChecks: []string{"consecutive_loss_cooldown"},
		}
	}
	return TimingResult{Approved: true}
}

func (l *TradeLimits) checkFrequencyLimits(tradesToday, tradesThisHour int) TimingResult {
	if tradesToday >= l.cfg.MaxTradesPerDay {
		return TimingResult{
			Approved:       false,
			Reason:         fmt.Sprintf("daily trade limit reached (%d/%d)", tradesToday, l.cfg.MaxTradesPerDay),
			ViolatedChecks: []string{"trade_frequency_daily"},
		}
	}
	if tradesThisHour >= l.cfg.MaxTradesPerHour {
		return TimingResult{
			Approved:       false,
			Reason:         fmt.Sprintf("hourly trade limit reached (%d/%d)", tradesThisHour, l.cfg.MaxTradesPerHour),
			ViolatedChecks: []string{"trade_frequency_hourly"},
		}
	}
	return TimingResult{Approved: true}
}

func (l *TradeLimits) checkGlobalSpacing(now time.Time) TimingResult {
	if l.cfg.MinGlobalSpacing <= 0 || l.store == nil {
		return TimingResult{Approved: true}
	}
	last, ok := l.store.LastTradeTimestamp()
	if !ok {
		return TimingResult{Approved: true}
	}
	elapsed := now.Sub(last)
	if elapsed < l.cfg.MinGlobalSpacing {
		remaining := l.cfg.MinGlobalSpacing - elapsed
		return TimingResult{
			Approved:       false,
			Reason:         fmt.Sprintf("global trade spacing active (%.0fs remaining, min %.0fs)", remaining.Seconds(), l.cfg.MinGlobalSpacing.Seconds()),
			ViolatedChecks: []string{"global_trade_spacing"},
		}
	}
	return TimingResult{Approved: true}
}

func (l *TradeLimits) checkPerSymbolTiming(proposals []types.TradeProposal, now time.Time) TimingResult {
	cooled := map[string]bool{}
	for _, p := range proposals {
		if l.isSymbolOnCooldown(p.Symbol, now) || l.violatesSymbolSpacing(p.Symbol, now) {
			cooled[p.Symbol] = true
		}
	}
	if len(cooled) == 0 {
		return TimingResult{Approved: true}
	}
	symbols := make([]string, 0, len(cooled))
	for s := range cooled {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return TimingResult{
		Approved:       false,
		Reason:         fmt.Sprintf("per-symbol timing violated for: %v", symbols),
		ViolatedChecks: []string{"per_symbol_timing"},
		CooledSymbols:  symbols,
	}
}

func (l *TradeLimits) isSymbolOnCooldown(symbol string, now time.Time) bool {
	if !l.cfg.CooldownEnabled || l.store == nil {
		return false
	}
	_, onCooldown := l.store.CooldownExpiry(symbol, now)
	return onCooldown
}

func (l *TradeLimits) violatesSymbolSpacing(symbol string, now time.Time) bool {
	if l.cfg.PerSymbolSpacing <= 0 || l.store == nil {
		return false
	}
	last, ok := l.store.LastTradeTimeForSymbol(symbol)
	if !ok {
		return false
	}
	return now.Sub(last) < l.cfg.PerSymbolSpacing
}

// ApplyCooldown records an outcome-differentiated cooldown for symbol.
func (l *TradeLimits) ApplyCooldown(symbol string, outcome Outcome, now time.Time) {
	if !l.cfg.CooldownEnabled || l.store == nil {
		return
	}
	minutes := l.cfg.CooldownLossMinutes
	switch outcome {
	case OutcomeStopLoss:
		minutes = l.cfg.CooldownStopMinutes
	case OutcomeWin:
		minutes = l.cfg.CooldownWinMinutes
	case OutcomeLoss:
		minutes = l.cfg.CooldownLossMinutes
	default:
		l.logger.Warn("unknown trade outcome, defaulting to loss cooldown", zap.String("symbol", symbol), zap.String("outcome", string(outcome)))
	}
	l.store.ApplyCooldown(symbol, time.Duration(minutes)*time.Minute, now)
	l.logger.Info("applied cooldown", zap.String("symbol", symbol), zap.String("outcome", string(outcome)), zap.Int("minutes", minutes))
}

// RecordTrade records a trade's execution time for spacing tracking.
func (l *TradeLimits) RecordTrade(symbol string, now time.Time) {
	if l.store == nil {
		return
	}
	l.store.RecordTradeTiming(symbol, now)
}

// GetCooldownStatus reports symbol's current pacing state.
func (l *TradeLimits) GetCooldownStatus(symbol string, now time.Time) CooldownStatus {
	if l.store == nil {
		return CooldownStatus{}
	}
	expiry, onCooldown := l.store.CooldownExpiry(symbol, now)
	if !onCooldown {
		return CooldownStatus{}
	}
	return CooldownStatus{
		OnCooldown:       true,
		CooldownUntil:    expiry,
		MinutesRemaining: expiry.Sub(now).Minutes(),
	}
}
