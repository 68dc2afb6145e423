// Package cycle implements the trading core's fixed per-tick pipeline
// (spec.md §4.12): reconcile, detect regime, build the universe, scan
// triggers, evaluate exits, aggregate entries, run the risk gate and
// trade-pacing checks, execute survivors, and record a structured
// audit entry. Every stage is a call into an already-built component;
// this package owns only the ordering and the no-trade/no-opportunity
// short-circuits.
package cycle

import "time"

// Config parameterizes the pipeline's own knobs: how far back to pull
// candles for the regime detector and the trigger engine, and how much
// exchange I/O to fan out concurrently.
type Config struct {
	KillSwitchFile string

	// CandleInterval is the bar size requested from the exchange port
	// for both the regime reference asset and per-symbol trigger scans.
	CandleInterval time.Duration

	// ReferenceCandleLimit covers the regime detector's lookback window
	// (ATR median and annualized-vol windows included) with headroom.
	ReferenceCandleLimit int

	// SymbolCandleLimit covers the trigger engine's longest internal
	// lookback (the 7-day ATR median window) plus headroom.
	SymbolCandleLimit int

	// MaxConcurrentFetches bounds how many symbols' candles/quotes are
	// fetched in parallel during the universe scan (spec.md §5: the
	// trigger engine may issue parallel I/O but must join before the
	// next stage).
	MaxConcurrentFetches int
}

// DefaultConfig mirrors spec.md §4.1's 120s pending TTL neighbors: a
// 14-day hourly candle window comfortably covers every lookback the
// regime detector and trigger engine use (longest is the ATR filter's
// 7-day median window).
func DefaultConfig() Config {
	return Config{
		KillSwitchFile:       "./kill_switch",
		CandleInterval:       time.Hour,
		ReferenceCandleLimit: 14 * 24,
		SymbolCandleLimit:    14 * 24,
		MaxConcurrentFetches: 8,
	}
}
