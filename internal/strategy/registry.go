package strategy

import (
	"time"

	"github.com/atlas-desktop/spotcycle/pkg/types"
	"go.uber.org/zap"
)

// Context is the immutable per-cycle input every strategy receives.
// Strategies never touch the exchange or mutate shared state directly
// (spec.md §4.6's pure-function contract).
type Context struct {
	Universe    *types.UniverseSnapshot
	Triggers    []types.TriggerSignal
	Regime      types.Regime
	Timestamp   time.Time
	CycleNumber int
}

// Strategy is the pure interface every trading strategy implements:
// context in, proposals out, no side effects.
type Strategy interface {
	Name() string
	Propose(universe *types.UniverseSnapshot, triggers []types.TriggerSignal, regime types.Regime) []types.TradeProposal
}

// Entry is one registered strategy plus its enablement and per-cycle
// risk budget, loaded from strategies.yaml.
type Entry struct {
	Strategy          Strategy
	Enabled           bool
	MaxAtRiskPct      *float64
	MaxTradesPerCycle *int
}

// Registry holds every configured strategy and aggregates their
// proposals each cycle (spec.md §4.6).
type Registry struct {
	logger  *zap.Logger
	entries map[string]*Entry
}

// NewRegistry builds an empty Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{logger: logger.Named("strategy.registry"), entries: make(map[string]*Entry)}
}

// Register installs a strategy under its own name.
func (r *Registry) Register(s Strategy, enabled bool, maxAtRiskPct *float64, maxTradesPerCycle *int) {
	r.entries[s.Name()] = &Entry{Strategy: s, Enabled: enabled, MaxAtRiskPct: maxAtRiskPct, MaxTradesPerCycle: maxTradesPerCycle}
}

// Enabled reports whether the named strategy is registered and on.
func (r *Registry) Enabled(name string) bool {
	e, ok := r.entries[name]
	return ok && e.Enabled
}

// RunAll executes every enabled strategy, validates and tags its
// output, enforces per-strategy trade caps, then dedups across
// strategies by symbol (keeping the highest-confidence proposal) and
// ranks the result by confidence descending (spec.md §4.6).
func (r *Registry) RunAll(ctx Context) []types.TradeProposal {
	var all []types.TradeProposal

	for name, e := range r.entries {
		if !e.Enabled {
			r.logger.Debug("strategy skipped (disabled)", zap.String("strategy", name))
			continue
		}
		raw := e.Strategy.Propose(ctx.Universe, ctx.Triggers, ctx.Regime)
		validated := r.validate(name, e, raw)
		r.logger.Info("strategy ran",
			zap.String("strategy", name),
			zap.Int("raw", len(raw)),
			zap.Int("validated", len(validated)),
		)
		all = append(all, validated...)
	}

	deduped := dedupeBySymbol(all)
	rankByConfidence(deduped)
	return deduped
}

// validate enforces the required-field and range checks every
// proposal must pass before it can reach the risk gate, tags the
// proposal with its originating strategy, and truncates to the
// strategy's max_trades_per_cycle budget.
func (r *Registry) validate(name string, e *Entry, proposals []types.TradeProposal) []types.TradeProposal {
	out := make([]types.TradeProposal, 0, len(proposals))
	for _, p := range proposals {
		if p.Symbol == "" || p.SizePct.IsZero() && p.Quantity.IsZero() {
			r.logger.Warn("invalid proposal missing required fields", zap.String("strategy", name), zap.String("symbol", p.Symbol))
			continue
		}
		if p.Side != types.ProposalBuy && p.Side != types.ProposalSell {
			r.logger.Warn("invalid proposal side", zap.String("strategy", name), zap.String("symbol", p.Symbol), zap.String("side", string(p.Side)))
			continue
		}
		if p.Confidence < 0 || p.Confidence > 1 {
			r.logger.Warn("invalid proposal confidence", zap.String("strategy", name), zap.String("symbol", p.Symbol), zap.Float64("confidence", p.Confidence))
			continue
		}

		if !p.HasTag(name) {
			p.Tags = append(p.Tags, name)
		}
		if p.Metadata == nil {
			p.Metadata = map[string]any{}
		}
		p.Metadata["strategy"] = name
		if e.MaxAtRiskPct != nil {
			p.Metadata["strategy_max_at_risk_pct"] = *e.MaxAtRiskPct
		}
		if e.MaxTradesPerCycle != nil {
			p.Metadata["strategy_max_trades_per_cycle"] = *e.MaxTradesPerCycle
		}
		out = append(out, p)
	}

	if e.MaxTradesPerCycle != nil && len(out) > *e.MaxTradesPerCycle {
		r.logger.Warn("truncating proposals to strategy trade cap",
			zap.String("strategy", name), zap.Int("generated", len(out)), zap.Int("cap", *e.MaxTradesPerCycle))
		out = out[:*e.MaxTradesPerCycle]
	}
	return out
}

// dedupeBySymbol keeps, per symbol, only the highest-confidence
// proposal across all strategies (spec.md §4.6).
func dedupeBySymbol(proposals []types.TradeProposal) []types.TradeProposal {
	best := make(map[string]types.TradeProposal, len(proposals))
	for _, p := range proposals {
		existing, ok := best[p.Symbol]
		if !ok || p.Confidence > existing.Confidence {
			best[p.Symbol] = p
		}
	}
	out := make([]types.TradeProposal, 0, len(best))
	for _, p := range best {
		out = append(out, p)
	}
	return out
}

func rankByConfidence(proposals []types.TradeProposal) {
	for i := 1; i < len(proposals); i++ {
		for j := i; j > 0 && proposals[j].Confidence > proposals[j-1].Confidence; j-- {
			proposals[j], proposals[j-1] = proposals[j-1], proposals[j]
		}
	}
}
