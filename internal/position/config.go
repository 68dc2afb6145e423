// Package position evaluates open positions against their exit
// targets and emits SELL proposals (spec.md §4.8). Exit priority is
// stop_loss > take_profit > max_hold > trailing_stop > progressive
// checkpoint: the first condition met wins, protecting capital first.
package position

import "github.com/shopspring/decimal"

// ProgressiveCheckpoint ratchets the effective exit floor upward once
// a position's peak-since-entry gain crosses TriggerPnLPct, locking
// in at least LockInPnLPct even if price later pulls back — the
// extension this repo builds in place of original_source's explicit
// "trailing stop not yet implemented" TODO.
type ProgressiveCheckpoint struct {
	TriggerPnLPct decimal.Decimal
	LockInPnLPct  decimal.Decimal
}

// Config is exit policy, normally loaded from policy.yaml's `exits`
// section.
type Config struct {
	Enabled         bool
	CheckStopLoss   bool
	CheckTakeProfit bool
	CheckMaxHold    bool

	UseTrailingStop bool
	TrailingStopPct decimal.Decimal

	Checkpoints []ProgressiveCheckpoint
}

// DefaultConfig mirrors original_source/core/position_manager.py's
// hardcoded defaults, with the progressive checkpoint ladder this
// repo adds on top.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		CheckStopLoss:   true,
		CheckTakeProfit: true,
		CheckMaxHold:    true,
		UseTrailingStop: true,
		TrailingStopPct: decimal.NewFromFloat(5.0),
		Checkpoints: []ProgressiveCheckpoint{
			{TriggerPnLPct: decimal.NewFromFloat(4.0), LockInPnLPct: decimal.NewFromFloat(1.0)},
			{TriggerPnLPct: decimal.NewFromFloat(8.0), LockInPnLPct: decimal.NewFromFloat(4.0)},
			{TriggerPnLPct: decimal.NewFromFloat(15.0), LockInPnLPct: decimal.NewFromFloat(9.0)},
		},
	}
}
