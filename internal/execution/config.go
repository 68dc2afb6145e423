// Package execution places approved proposals through the exchange
// port, records pending markers and fills to the state store, and
// classifies placement failures (spec.md §4.10).
package execution

import "time"

// Mode selects how placements are actually carried out.
type Mode string

const (
	// ModeDryRun runs the whole pipeline but never calls PlaceOrder.
	ModeDryRun Mode = "DRY_RUN"
	// ModePaper routes orders to a deterministic simulator adapter
	// (still a real exchange.Port call, just a backtest one).
	ModePaper Mode = "PAPER"
	// ModeLive routes orders to the real exchange adapter.
	ModeLive Mode = "LIVE"
)

// Config parameterizes the execution engine's default order style and
// pending-marker bookkeeping.
type Config struct {
	Mode               Mode
	DefaultEntryOrder  string // "maker_post_only" | "taker", overridable via proposal metadata
	DefaultExitOrder   string
	PendingTTL         time.Duration
}

// DefaultConfig mirrors spec.md §4.10's defaults: maker-post-only for
// entries, taker for exits.
func DefaultConfig() Config {
	return Config{
		Mode:              ModePaper,
		DefaultEntryOrder: "maker_post_only",
		DefaultExitOrder:  "taker",
		PendingTTL:        120 * time.Second,
	}
}
