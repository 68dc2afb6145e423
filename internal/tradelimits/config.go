// Package tradelimits paces trade submission — global and per-symbol
// spacing, hourly/daily frequency caps, and outcome-differentiated
// cooldowns — as a concern kept separate from internal/risk's
// exposure/drawdown/circuit-breaker checks (spec.md §4.7's pacing
// half of the gate).
package tradelimits

import (
	"fmt"
	"time"
)

// Config is pacing policy, normally loaded from policy.yaml's `risk`
// section alongside internal/risk's Config.
type Config struct {
	MinGlobalSpacing    time.Duration
	PerSymbolSpacing    time.Duration
	MaxTradesPerHour    int
	MaxTradesPerDay     int
	CooldownAfterLosses int
	LossCooldownMinutes int

	CooldownEnabled     bool
	CooldownWinMinutes  int
	CooldownLossMinutes int
	CooldownStopMinutes int
}

// DefaultConfig mirrors original_source/core/trade_limits.py's
// hardcoded defaults.
func DefaultConfig() Config {
	return Config{
		MinGlobalSpacing:    180 * time.Second,
		PerSymbolSpacing:    900 * time.Second,
		MaxTradesPerHour:    5,
		MaxTradesPerDay:     120,
		CooldownAfterLosses: 3,
		LossCooldownMinutes: 60,
		CooldownEnabled:     true,
		CooldownWinMinutes:  10,
		CooldownLossMinutes: 60,
		CooldownStopMinutes: 120,
	}
}

// Validate enforces the same range checks
// original_source/core/trade_limits.py's _validate_config raises on,
// so a misconfigured policy.yaml fails at startup instead of silently
// misbehaving mid-cycle.
func (c Config) Validate() error {
	var errs []string

	if c.MinGlobalSpacing < 0 || c.MinGlobalSpacing > time.Hour {
		errs = append(errs, "MinGlobalSpacing must be between 0 and 1h")
	}
	if c.PerSymbolSpacing < 0 || c.PerSymbolSpacing > 24*time.Hour {
		errs = append(errs, "PerSymbolSpacing must be between 0 and 24h")
	}
	if c.MaxTradesPerHour < 1 || c.MaxTradesPerHour > 100 {
		errs = append(errs, "MaxTradesPerHour must be between 1 and 100")
	}
	if c.MaxTradesPerDay < 1 || c.MaxTradesPerDay > 1000 {
		errs = append(errs, "MaxTradesPerDay must be between 1 and 1000")
	}
	if c.MaxTradesPerDay < c.MaxTradesPerHour*24 {
		errs = append(errs, fmt.Sprintf("MaxTradesPerDay (%d) must be >= MaxTradesPerHour (%d) * 24 = %d", c.MaxTradesPerDay, c.MaxTradesPerHour, c.MaxTradesPerHour*24))
	}
	if c.CooldownWinMinutes < 0 || c.CooldownWinMinutes > 1440 {
		errs = append(errs, "CooldownWinMinutes must be between 0 and 1440")
	}
	if c.CooldownLossMinutes < 0 || c.CooldownLossMinutes > 1440 {
		errs = append(errs, "CooldownLossMinutes must be between 0 and 1440")
	}
	if c.CooldownStopMinutes < 0 || c.CooldownStopMinutes > 1440 {
		errs = append(errs, "CooldownStopMinutes must be between 0 and 1440")
	}
	if c.CooldownAfterLosses < 1 || c.CooldownAfterLosses > 20 {
		errs = append(errs, "CooldownAfterLosses must be between 1 and 20")
	}
	if c.LossCooldownMinutes < 0 || c.LossCooldownMinutes > 1440 {
		errs = append(errs, "LossCooldownMinutes must be between 0 and 1440")
	}

	if len(errs) == 0 {
		return nil
	}
	msg := "tradelimits configuration invalid:"
	for _, e := range errs {
		msg += "\n  - " + e
	}
	return fmt.Errorf("%s", msg)
}
