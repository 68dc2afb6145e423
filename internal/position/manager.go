package position

import (
	"fmt"
	"time"

	"github.com/atlas-desktop/spotcycle/pkg/types"
	"github.com/atlas-desktop/spotcycle/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ExitSignal is the verdict for one open position, carrying enough
// detail to log and to build the SELL proposal from.
type ExitSignal struct {
	Symbol      string
	Reason      string // stop_loss, take_profit, max_hold, trailing_stop, progressive_checkpoint
	CurrentPrice decimal.Decimal
	EntryPrice  decimal.Decimal
	PnLPct      decimal.Decimal
	HoldHours   float64
	Confidence  float64
}

// Result is Evaluate's pure output: the SELL proposals to hand to the
// risk gate, plus the refreshed managed-position targets (peak price
// moves) the caller must persist back to the state store.
type Result struct {
	Proposals      []types.TradeProposal
	UpdatedTargets map[string]types.ManagedPositionTarget
}

// Manager evaluates open positions for exit and never mutates shared
// state itself — the cycle orchestrator persists Result.UpdatedTargets.
type Manager struct {
	logger *zap.Logger
	cfg    Config
}

// New builds a position.Manager.
func New(logger *zap.Logger, cfg Config) *Manager {
	return &Manager{logger: logger.Named("position"), cfg: cfg}
}

// Evaluate checks every open, managed position against its exit
// targets and returns SELL proposals for the ones that qualify
// (spec.md §4.8).
func (m *Manager) Evaluate(positions map[string]types.OpenPosition, managedPositions map[string]types.ManagedPositionTarget, currentPrices map[string]decimal.Decimal, now time.Time) Result {
	result := Result{UpdatedTargets: make(map[string]types.ManagedPositionTarget, len(managedPositions))}
	if !m.cfg.Enabled {
		m.logger.Debug("position exits disabled in config")
		return result
	}

	for symbol, pos := range positions {
		if pos.Units.LessThanOrEqual(decimal.Zero) {
			continue
		}
		managed, ok := managedPositions[symbol]
		if !ok {
			m.logger.Debug("no managed position metadata, skipping exit check", zap.String("symbol", symbol))
			continue
		}
		if managed.EntryPrice.IsZero() || managed.EntryTime.IsZero() {
			m.logger.Debug("missing entry price/time, skipping", zap.String("symbol", symbol))
			continue
		}
		currentPrice, ok := currentPrices[symbol]
		if !ok || currentPrice.LessThanOrEqual(decimal.Zero) {
			m.logger.Warn("no valid current price, skipping exit check", zap.String("symbol", symbol))
			result.UpdatedTargets[symbol] = managed
			continue
		}

		if managed.PeakPrice.IsZero() || currentPrice.GreaterThan(managed.PeakPrice) {
			managed.PeakPrice = currentPrice
		}
		result.UpdatedTargets[symbol] = managed

		pnlPct := currentPrice.Sub(managed.EntryPrice).Div(managed.EntryPrice).Mul(decimal.NewFromInt(100))
		holdHours := now.Sub(managed.EntryTime).Hours()

		signal := m.checkExitConditions(symbol, currentPrice, managed, pnlPct, holdHours)
		if signal == nil {
			continue
		}

		proposal := m.buildSellProposal(symbol, pos.Units, *signal)
		result.Proposals = append(result.Proposals, proposal)
		m.logger.Info("exit signal",
			zap.String("symbol", symbol),
			zap.String("reason", signal.Reason),
			zap.String("pnlPct", signal.PnLPct.StringFixed(2)),
			zap.Float64("holdHours", signal.HoldHours),
		)
	}

	if len(result.Proposals) > 0 {
		m.logger.Info("generated exit proposals", zap.Int("count", len(result.Proposals)))
	}
	return result
}

// checkExitConditions applies the fixed priority order: stop_loss >
// take_profit > max_hold > trailing_stop > progressive_checkpoint.
func (m *Manager) checkExitConditions(symbol string, currentPrice decimal.Decimal, managed types.ManagedPositionTarget, pnlPct decimal.Decimal, holdHours float64) *ExitSignal {
	base := ExitSignal{Symbol: symbol, CurrentPrice: currentPrice, EntryPrice: managed.EntryPrice, PnLPct: pnlPct, HoldHours: holdHours}

	if m.cfg.CheckStopLoss && !managed.StopLossPct.IsZero() {
		if pnlPct.LessThanOrEqual(managed.StopLossPct.Abs().Neg()) {
			base.Reason, base.Confidence = "stop_loss", 1.0
			return &base
		}
	}
	if m.cfg.CheckTakeProfit && !managed.TakeProfitPct.IsZero() {
		if pnlPct.GreaterThanOrEqual(managed.TakeProfitPct) {
			base.Reason, base.Confidence = "take_profit", 1.0
			return &base
		}
	}
	if m.cfg.CheckMaxHold && managed.MaxHoldHours > 0 {
		if holdHours >= managed.MaxHoldHours {
			base.Reason, base.Confidence = "max_hold", 0.8
			return &base
		}
	}
	if m.cfg.UseTrailingStop && pnlPct.IsPositive() && !managed.PeakPrice.IsZero() {
		trailingStopPrice := managed.PeakPrice.Mul(decimal.NewFromInt(1).Sub(m.cfg.TrailingStopPct.Div(decimal.NewFromInt(100))))
		if currentPrice.LessThanOrEqual(trailingStopPrice) {
			base.Reason, base.Confidence = "trailing_stop", 0.9
			return &base
		}
	}
	if floor, ok := m.progressiveFloor(managed.PeakPrice, managed.EntryPrice); ok {
		if pnlPct.LessThanOrEqual(floor) {
			base.Reason, base.Confidence = "progressive_checkpoint", 0.85
			return &base
		}
	}
	return nil
}

// progressiveFloor finds the highest checkpoint the position's peak
// gain has crossed and returns the PnL% floor it locks in. Evaluated
// against the *peak* price (not current), so once a checkpoint is
// reached it can't be un-reached by a later pullback.
func (m *Manager) progressiveFloor(peakPrice, entryPrice decimal.Decimal) (decimal.Decimal, bool) {
	if len(m.cfg.Checkpoints) == 0 || peakPrice.IsZero() || entryPrice.IsZero() {
		return decimal.Zero, false
	}
	peakPnLPct := peakPrice.Sub(entryPrice).Div(entryPrice).Mul(decimal.NewFromInt(100))

	var floor decimal.Decimal
	reached := false
	for _, cp := range m.cfg.Checkpoints {
		if peakPnLPct.GreaterThanOrEqual(cp.TriggerPnLPct) {
			if !reached {
				floor = cp.LockInPnLPct
			} else {
				floor = utils.MaxDecimal(floor, cp.LockInPnLPct)
			}
			reached = true
		}
	}
	return floor, reached
}

func (m *Manager) buildSellProposal(symbol string, quantity decimal.Decimal, signal ExitSignal) types.TradeProposal {
	notionalUSD := quantity.Mul(signal.CurrentPrice)
	return types.TradeProposal{
		Symbol:     symbol,
		Side:       types.ProposalSell,
		Quantity:   quantity,
		Reason:     fmt.Sprintf("exit_%s", signal.Reason),
		Confidence: signal.Confidence,
		Tags:       []string{"position_exit", signal.Reason},
		Metadata: map[string]any{
			"exit_reason":  signal.Reason,
			"entry_price":  signal.EntryPrice.String(),
			"current_price": signal.CurrentPrice.String(),
			"pnl_pct":      signal.PnLPct.String(),
			"hold_hours":   signal.HoldHours,
			"notional_usd": notionalUSD.String(),
		},
	}
}
