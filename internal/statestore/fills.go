package statestore

import (
	"strconv"
	"time"

	"github.com/atlas-desktop/spotcycle/pkg/types"
	"github.com/shopspring/decimal"
)

var dust = decimal.RequireFromString(dustThreshold)

// Fill describes one exchange fill to be applied to the ledger.
type Fill struct {
	Symbol   string
	Side     string // "BUY" or "SELL"
	Size     decimal.Decimal
	Price    decimal.Decimal
	Fees     decimal.Decimal
	Time     time.Time
	Notional decimal.Decimal // optional; computed from Size*Price if zero
}

// FillOutcome classifies a realized SELL for the trade-limits cooldown
// tiers (spec.md §4.8).
type FillOutcome string

const (
	OutcomeWin      FillOutcome = "win"
	OutcomeLoss     FillOutcome = "loss"
	OutcomeStopLoss FillOutcome = "stop_loss"
)

// RecordFill applies a fill ledger-style: BUY adds a weighted-average
// entry; SELL realizes proportional PnL net of proportional entry fees
// plus exit fees, zeroes positions under the dust threshold, and
// updates the consecutive-loss counter. It returns the realized PnL
// (zero for BUYs) and the outcome classification (empty for BUYs).
func (s *Store) RecordFill(f Fill, isStopLoss bool) (decimal.Decimal, FillOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	notional := f.Notional
	if notional.IsZero() {
		notional = f.Size.Mul(f.Price)
	}

	var realized decimal.Decimal
	var outcome FillOutcome

	switch f.Side {
	case "BUY":
		s.applyBuyLocked(f, notional)
	case "SELL":
		realized, outcome = s.applySellLocked(f, notional, isStopLoss)
	}

	s.state.LastTradeTimestamp = f.Time
	s.state.LastTradeTimeBySymbol[f.Symbol] = f.Time
	if f.Side == "BUY" {
		s.state.TradesToday++
		s.state.TradesThisHour++
	}

	key := pendingKey(f.Symbol, f.Side)
	s.state.LastFillTimes[key] = f.Time
	hist := append(s.state.FillHistory[key], f.Time)
	if len(hist) > maxFillHistory {
		hist = hist[len(hist)-maxFillHistory:]
	}
	s.state.FillHistory[key] = hist

	s.recordEventLocked("fill", f.Symbol+" "+f.Side+" "+f.Size.String()+"@"+f.Price.String())

	return realized, outcome
}

func (s *Store) applyBuyLocked(f Fill, notional decimal.Decimal) {
	existing, ok := s.state.Positions[f.Symbol]
	if !ok {
		s.state.Positions[f.Symbol] = PositionEntry{
			Units:       f.Size,
			EntryPrice:  f.Price,
			USD:         notional,
			FeesPaid:    f.Fees,
			LastUpdated: f.Time,
		}
		return
	}

	totalUnits := existing.Units.Add(f.Size)
	if totalUnits.IsZero() {
		delete(s.state.Positions, f.Symbol)
		return
	}
	// weighted-average entry price across old and new units.
	weightedCost := existing.EntryPrice.Mul(existing.Units).Add(f.Price.Mul(f.Size))
	avgPrice := weightedCost.Div(totalUnits)

	s.state.Positions[f.Symbol] = PositionEntry{
		Units:       totalUnits,
		EntryPrice:  avgPrice,
		USD:         existing.USD.Add(notional),
		FeesPaid:    existing.FeesPaid.Add(f.Fees),
		LastUpdated: f.Time,
	}
}

func (s *Store) applySellLocked(f Fill, notional decimal.Decimal, isStopLoss bool) (decimal.Decimal, FillOutcome) {
	existing, ok := s.state.Positions[f.Symbol]
	if !ok || existing.Units.IsZero() {
		return decimal.Zero, ""
	}

	sellUnits := f.Size
	if sellUnits.GreaterThan(existing.Units) {
		sellUnits = existing.Units
	}
	proportion := sellUnits.Div(existing.Units)
	proportionalEntryFees := existing.FeesPaid.Mul(proportion)

	grossPnL := f.Price.Sub(existing.EntryPrice).Mul(sellUnits)
	realized := grossPnL.Sub(proportionalEntryFees).Sub(f.Fees)

	remainingUnits := existing.Units.Sub(sellUnits)
	remainingUSD := existing.USD.Sub(notional)
	if remainingUSD.IsNegative() {
		remainingUSD = decimal.Zero
	}

	if remainingUnits.LessThanOrEqual(dust) {
		delete(s.state.Positions, f.Symbol)
	} else {
		s.state.Positions[f.Symbol] = PositionEntry{
			Units:       remainingUnits,
			EntryPrice:  existing.EntryPrice,
			USD:         remainingUSD,
			FeesPaid:    existing.FeesPaid.Sub(proportionalEntryFees),
			LastUpdated: f.Time,
		}
	}

	s.state.PnLToday = s.state.PnLToday.Add(realized)

	var outcome FillOutcome
	if realized.IsNegative() {
		s.state.ConsecutiveLosses++
		s.state.LastLossTime = f.Time
		if isStopLoss {
			outcome = OutcomeStopLoss
		} else {
			outcome = OutcomeLoss
		}
	} else {
		s.state.ConsecutiveLosses = 0
		s.state.LastWinTime = f.Time
		outcome = OutcomeWin
	}

	return realized, outcome
}

// ReconcileExchangeSnapshot replaces the position and cash snapshots
// with authoritative exchange state, prunes managed positions no
// longer present, and syncs the open-order cache (spec.md §4.1, §4.11).
func (s *Store) ReconcileExchangeSnapshot(
	positions map[string]PositionEntry,
	cashBalances map[string]decimal.Decimal,
	openOrders map[string]OrderDescriptor,
	ts time.Time,
) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Positions = positions
	s.state.CashBalances = cashBalances

	for sym := range s.state.ManagedPositions {
		if _, stillHeld := positions[sym]; !stillHeld {
			delete(s.state.ManagedPositions, sym)
		}
	}

	for key, order := range s.state.OpenOrders {
		if _, stillOpen := openOrders[key]; !stillOpen {
			order.ClosedAt = ts
			s.state.RecentOrders = append(s.state.RecentOrders, order)
			if len(s.state.RecentOrders) > maxRecentOrders {
				s.state.RecentOrders = s.state.RecentOrders[len(s.state.RecentOrders)-maxRecentOrders:]
			}
		}
	}
	s.state.OpenOrders = openOrders

	s.recordEventLocked("reconcile", "positions="+strconv.Itoa(len(positions))+" openOrders="+strconv.Itoa(len(openOrders)))
}

// UpdateHighWaterMark bumps the high-water mark to max(current, nav)
// and returns the resulting drawdown percent, clamped to >= 0
// (spec.md §3 invariant 3).
func (s *Store) UpdateHighWaterMark(nav decimal.Decimal) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	if nav.GreaterThan(s.state.HighWaterMark) {
		s.state.HighWaterMark = nav
	}
	if s.state.HighWaterMark.IsZero() {
		return decimal.Zero
	}
	dd := s.state.HighWaterMark.Sub(nav).Div(s.state.HighWaterMark).Mul(decimal.NewFromInt(100))
	if dd.IsNegative() {
		dd = decimal.Zero
	}
	return dd
}

// SetManagedTarget records/overwrites the exit targets for a
// system-opened position (entry fill in C10 stamps this from the
// proposal's stop_loss_pct / take_profit_pct / max_hold_hours).
func (s *Store) SetManagedTarget(symbol string, target types.ManagedPositionTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ManagedPositions[symbol] = target
}
