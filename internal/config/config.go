// Package config loads the YAML configuration surface described in
// spec.md §6 with viper: app.yaml, policy.yaml, universe.yaml,
// signals.yaml, and strategies.yaml, parsed once at start-up and
// merged onto each component's hardcoded defaults so a missing file or
// omitted key never leaves a component unconfigured.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/atlas-desktop/spotcycle/internal/alerting"
	"github.com/atlas-desktop/spotcycle/internal/execution"
	"github.com/atlas-desktop/spotcycle/internal/position"
	"github.com/atlas-desktop/spotcycle/internal/regime"
	"github.com/atlas-desktop/spotcycle/internal/risk"
	"github.com/atlas-desktop/spotcycle/internal/tradelimits"
	"github.com/atlas-desktop/spotcycle/internal/triggers"
	"github.com/atlas-desktop/spotcycle/internal/universe"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Mode is the top-level run mode from app.yaml.
type Mode string

const (
	ModeDryRun Mode = "DRY_RUN"
	ModePaper  Mode = "PAPER"
	ModeLive   Mode = "LIVE"
)

// App is app.yaml's top-level document.
type App struct {
	Mode           Mode
	LogLevel       string
	KillSwitchFile string
	StatePath      string
	PendingTTL     time.Duration
	ReconcileEvery time.Duration
	CycleInterval  time.Duration
	APIAddr        string
}

func defaultApp() App {
	return App{
		Mode:           ModePaper,
		LogLevel:       "info",
		KillSwitchFile: "./kill_switch",
		StatePath:      "./data/state.json",
		PendingTTL:     120 * time.Second,
		ReconcileEvery: time.Minute,
		CycleInterval:  time.Minute,
		APIAddr:        ":8090",
	}
}

// Policy is policy.yaml's document: risk, pacing, exits, execution,
// and alerting knobs in one file, each merged onto its own package's
// defaults.
type Policy struct {
	Risk        risk.Config
	TradeLimits tradelimits.Config
	Exits       position.Config
	Execution   execution.Config
	Alerting    alerting.Config
}

func defaultPolicy() Policy {
	return Policy{
		Risk:        risk.DefaultConfig(),
		TradeLimits: tradelimits.DefaultConfig(),
		Exits:       position.DefaultConfig(),
		Execution:   execution.DefaultConfig(),
		Alerting:    alerting.DefaultConfig(),
	}
}

// Signals is signals.yaml's document: trigger-engine policy plus the
// regime detector's reference-asset/lookback knobs.
type Signals struct {
	Triggers triggers.Config
	Regime   regime.Config
}

func defaultSignals() Signals {
	return Signals{Triggers: triggers.DefaultConfig(), Regime: regime.DefaultConfig()}
}

// StrategyEntry is one strategies.yaml list item. It names a strategy
// type rather than constructing one: strategies are Go types the
// cmd entrypoint registers, so this only carries the enablement and
// budget knobs the registry applies around whichever concrete
// implementation the entrypoint wires under that name.
type StrategyEntry struct {
	Name              string
	Type              string
	Enabled           bool
	MaxAtRiskPct      *float64
	MaxTradesPerCycle *int
	Params            map[string]any
}

// Bundle is every loaded document, ready for the cmd entrypoint to
// wire into each component's constructor.
type Bundle struct {
	App        App
	Policy     Policy
	Universe   universe.Config
	Signals    Signals
	Strategies []StrategyEntry
}

// Load reads app.yaml, policy.yaml, universe.yaml, signals.yaml, and
// strategies.yaml from dir. A missing file is not an error — that
// document's defaults are used as-is, matching the teacher's
// fail-safe-to-defaults posture for optional configuration.
func Load(dir string) (*Bundle, error) {
	b := &Bundle{
		App:      defaultApp(),
		Policy:   defaultPolicy(),
		Universe: universe.DefaultConfig(),
		Signals:  defaultSignals(),
	}

	if err := mergeYAML(filepath.Join(dir, "app.yaml"), &b.App); err != nil {
		return nil, fmt.Errorf("load app.yaml: %w", err)
	}
	if err := mergeYAML(filepath.Join(dir, "policy.yaml"), &b.Policy); err != nil {
		return nil, fmt.Errorf("load policy.yaml: %w", err)
	}
	if err := mergeYAML(filepath.Join(dir, "universe.yaml"), &b.Universe); err != nil {
		return nil, fmt.Errorf("load universe.yaml: %w", err)
	}
	if err := mergeYAML(filepath.Join(dir, "signals.yaml"), &b.Signals); err != nil {
		return nil, fmt.Errorf("load signals.yaml: %w", err)
	}

	var strategiesDoc struct {
		Strategies []StrategyEntry
	}
	if err := mergeYAML(filepath.Join(dir, "strategies.yaml"), &strategiesDoc); err != nil {
		return nil, fmt.Errorf("load strategies.yaml: %w", err)
	}
	b.Strategies = strategiesDoc.Strategies

	if err := b.Policy.TradeLimits.Validate(); err != nil {
		return nil, fmt.Errorf("policy.yaml: %w", err)
	}
	if err := b.Policy.Alerting.Validate(); err != nil {
		return nil, fmt.Errorf("policy.yaml: %w", err)
	}

	return b, nil
}

// mergeYAML decodes a YAML file onto an existing, already-defaulted
// struct. A missing file leaves target untouched. mapstructure only
// overwrites fields present in the document, so unset keys keep their
// default values.
func mergeYAML(path string, target any) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			decimalDecodeHook,
		),
	})
	if err != nil {
		return fmt.Errorf("build decoder for %s: %w", path, err)
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// decimalDecodeHook converts a YAML scalar (string, int, or float) to
// shopspring/decimal.Decimal, since mapstructure has no built-in
// awareness of it.
func decimalDecodeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	default:
		return data, nil
	}
}
