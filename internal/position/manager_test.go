package position

import (
	"testing"
	"time"

	"github.com/atlas-desktop/spotcycle/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func managedTarget(entryPrice float64, stopLossPct, takeProfitPct, maxHoldHours float64, entryTime time.Time) types.ManagedPositionTarget {
	return types.ManagedPositionTarget{
		EntryPrice:    decimal.NewFromFloat(entryPrice),
		EntryTime:     entryTime,
		StopLossPct:   decimal.NewFromFloat(stopLossPct),
		TakeProfitPct: decimal.NewFromFloat(takeProfitPct),
		MaxHoldHours:  maxHoldHours,
	}
}

func TestEvaluateTriggersStopLoss(t *testing.T) {
	m := New(zap.NewNop(), DefaultConfig())
	now := time.Now().UTC()
	positions := map[string]types.OpenPosition{"BTC-USD": {Units: decimal.NewFromInt(1)}}
	managed := map[string]types.ManagedPositionTarget{"BTC-USD": managedTarget(100, 6, 12, 48, now.Add(-time.Hour))}
	prices := map[string]decimal.Decimal{"BTC-USD": decimal.NewFromFloat(93)} // -7% < -6% stop

	result := m.Evaluate(positions, managed, prices, now)
	if len(result.Proposals) != 1 || result.Proposals[0].Reason != "exit_stop_loss" {
		t.Fatalf("expected a stop_loss exit, got %+v", result.Proposals)
	}
}

func TestEvaluateTriggersTakeProfit(t *testing.T) {
	m := New(zap.NewNop(), DefaultConfig())
	now := time.Now().UTC()
	positions := map[string]types.OpenPosition{"BTC-USD": {Units: decimal.NewFromInt(1)}}
	managed := map[string]types.ManagedPositionTarget{"BTC-USD": managedTarget(100, 6, 12, 48, now.Add(-time.Hour))}
	prices := map[string]decimal.Decimal{"BTC-USD": decimal.NewFromFloat(113)} // +13% >= 12%

	result := m.Evaluate(positions, managed, prices, now)
	if len(result.Proposals) != 1 || result.Proposals[0].Reason != "exit_take_profit" {
		t.Fatalf("expected a take_profit exit, got %+v", result.Proposals)
	}
}

func TestEvaluateTriggersMaxHold(t *testing.T) {
	m := New(zap.NewNop(), DefaultConfig())
	now := time.Now().UTC()
	positions := map[string]types.OpenPosition{"BTC-USD": {Units: decimal.NewFromInt(1)}}
	managed := map[string]types.ManagedPositionTarget{"BTC-USD": managedTarget(100, 6, 12, 48, now.Add(-49*time.Hour))}
	prices := map[string]decimal.Decimal{"BTC-USD": decimal.NewFromFloat(101)}

	result := m.Evaluate(positions, managed, prices, now)
	if len(result.Proposals) != 1 || result.Proposals[0].Reason != "exit_max_hold" {
		t.Fatalf("expected a max_hold exit, got %+v", result.Proposals)
	}
}

func TestEvaluateStopLossTakesPriorityOverTakeProfit(t *testing.T) {
	// Pathological config where both could fire; stop_loss must win.
	m := New(zap.NewNop(), DefaultConfig())
	now := time.Now().UTC()
	target := managedTarget(100, 6, -100 /* absurdly low take-profit floor so both conditions are true at once */, 48, now.Add(-time.Hour))
	positions := map[string]types.OpenPosition{"BTC-USD": {Units: decimal.NewFromInt(1)}}
	managed := map[string]types.ManagedPositionTarget{"BTC-USD": target}
	prices := map[string]decimal.Decimal{"BTC-USD": decimal.NewFromFloat(93)} // -7%, breaches both

	result := m.Evaluate(positions, managed, prices, now)
	if len(result.Proposals) != 1 || result.Proposals[0].Reason != "exit_stop_loss" {
		t.Fatalf("expected stop_loss to win priority, got %+v", result.Proposals)
	}
}

func TestEvaluateTrailingStopFiresAfterPullbackFromPeak(t *testing.T) {
	cfg := DefaultConfig()
	m := New(zap.NewNop(), cfg)
	now := time.Now().UTC()
	positions := map[string]types.OpenPosition{"BTC-USD": {Units: decimal.NewFromInt(1)}}
	target := managedTarget(100, 50 /* disable stop loss as a competing trigger */, 50, 1000, now.Add(-time.Hour))
	target.PeakPrice = decimal.NewFromFloat(120) // peak +20%
	managed := map[string]types.ManagedPositionTarget{"BTC-USD": target}
	prices := map[string]decimal.Decimal{"BTC-USD": decimal.NewFromFloat(113)} // pulled back >5% off peak, still +13% pnl

	result := m.Evaluate(positions, managed, prices, now)
	if len(result.Proposals) != 1 || result.Proposals[0].Reason != "exit_trailing_stop" {
		t.Fatalf("expected a trailing_stop exit, got %+v", result.Proposals)
	}
}

func TestEvaluateSkipsPositionWithoutManagedMetadata(t *testing.T) {
	m := New(zap.NewNop(), DefaultConfig())
	now := time.Now().UTC()
	positions := map[string]types.OpenPosition{"BTC-USD": {Units: decimal.NewFromInt(1)}}
	result := m.Evaluate(positions, map[string]types.ManagedPositionTarget{}, map[string]decimal.Decimal{"BTC-USD": decimal.NewFromInt(100)}, now)
	if len(result.Proposals) != 0 {
		t.Fatalf("expected no exit proposal without managed metadata, got %+v", result.Proposals)
	}
}

func TestEvaluateTracksPeakPriceEvenWithoutExit(t *testing.T) {
	m := New(zap.NewNop(), DefaultConfig())
	now := time.Now().UTC()
	positions := map[string]types.OpenPosition{"BTC-USD": {Units: decimal.NewFromInt(1)}}
	managed := map[string]types.ManagedPositionTarget{"BTC-USD": managedTarget(100, 50, 50, 1000, now.Add(-time.Hour))}
	prices := map[string]decimal.Decimal{"BTC-USD": decimal.NewFromFloat(105)}

	result := m.Evaluate(positions, managed, prices, now)
	updated, ok := result.UpdatedTargets["BTC-USD"]
	if !ok || !updated.PeakPrice.Equal(decimal.NewFromFloat(105)) {
		t.Fatalf("expected peak price to update to 105, got %+v", updated)
	}
}

func TestProgressiveCheckpointLocksInGainAfterPullback(t *testing.T) {
	cfg := DefaultConfig()
	m := New(zap.NewNop(), cfg)
	now := time.Now().UTC()
	positions := map[string]types.OpenPosition{"BTC-USD": {Units: decimal.NewFromInt(1)}}
	target := managedTarget(100, 50, 50, 1000, now.Add(-time.Hour)) // disable competing triggers
	target.PeakPrice = decimal.NewFromFloat(109)                    // peak +9% crosses the 8%->lock 4% checkpoint
	managed := map[string]types.ManagedPositionTarget{"BTC-USD": target}
	// Price pulled back to +3.6%, below the locked-in 4% floor, but still
	// above the 5%-off-peak trailing stop price (103.55), so trailing
	// stays silent and the progressive checkpoint fires instead.
	prices := map[string]decimal.Decimal{"BTC-USD": decimal.NewFromFloat(103.6)}

	result := m.Evaluate(positions, managed, prices, now)
	if len(result.Proposals) != 1 || result.Proposals[0].Reason != "exit_progressive_checkpoint" {
		t.Fatalf("expected progressive_checkpoint exit, got %+v", result.Proposals)
	}
}
