package strategy

import (
	"fmt"

	"github.com/atlas-desktop/spotcycle/internal/exchange"
	"github.com/atlas-desktop/spotcycle/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RulesStrategy is the deterministic, no-AI baseline strategy: trigger
// type selects a rule, the rule picks side/stop/target, and a
// volatility-adjusted risk-parity sizing model scales the position
// (spec.md §4.6). It must stand on its own without any AI overlay.
type RulesStrategy struct {
	logger *zap.Logger
	cfg    Config
}

// NewRulesStrategy builds the baseline rules engine.
func NewRulesStrategy(logger *zap.Logger, cfg Config) *RulesStrategy {
	return &RulesStrategy{logger: logger.Named("strategy.rules"), cfg: cfg}
}

func (s *RulesStrategy) Name() string { return "rules_engine" }

// Propose generates one candidate proposal per qualified trigger,
// scores its conviction, and applies the canary fallback for
// near-threshold convictions (spec.md §4.6).
func (s *RulesStrategy) Propose(universe *types.UniverseSnapshot, triggers []types.TriggerSignal, regime types.Regime) []types.TradeProposal {
	qualified := make([]types.TriggerSignal, 0, len(triggers))
	for _, t := range triggers {
		if t.Score() >= s.cfg.MinTriggerScore {
			qualified = append(qualified, t)
		}
	}

	minConviction := s.cfg.minConviction(regime)
	proposals := make([]types.TradeProposal, 0, len(qualified))

	for _, trig := range qualified {
		asset, ok := universe.Asset(trig.Symbol)
		if !ok {
			s.logger.Warn("trigger for symbol not in universe", zap.String("symbol", trig.Symbol))
			continue
		}

		proposal := s.applyRule(trig, asset, regime)
		if proposal == nil {
			continue
		}

		conviction, breakdown := s.calculateConviction(trig, asset)
		proposal.Confidence = conviction
		proposal.ConvictionBreakdown = breakdown
		if proposal.Metadata == nil {
			proposal.Metadata = map[string]any{}
		}
		proposal.Metadata["conviction_threshold"] = minConviction
		proposal.Metadata["trigger_strength"] = trig.Strength
		proposal.Metadata["trigger_confidence"] = trig.Confidence

		if conviction >= minConviction {
			proposals = append(proposals, *proposal)
			continue
		}

		if canary := s.tryCanary(proposal, asset, conviction, minConviction, len(qualified)); canary != nil {
			proposals = append(proposals, *canary)
		}
	}

	return proposals
}

// applyRule dispatches to the per-trigger-type rule, each grounded on
// original_source/strategy/rules_engine.py's _rule_* methods.
func (s *RulesStrategy) applyRule(trig types.TriggerSignal, asset types.UniverseAsset, regime types.Regime) *types.TradeProposal {
	switch trig.Type {
	case types.TriggerPriceMove:
		return s.rulePriceMove(trig, asset)
	case types.TriggerVolumeSpike:
		return s.ruleVolumeSpike(trig, asset)
	case types.TriggerBreakout:
		return s.ruleBreakout(trig, asset)
	case types.TriggerReversal:
		return s.ruleReversal(trig, asset, regime)
	case types.TriggerMomentum:
		return s.ruleMomentum(trig, asset)
	default:
		return nil
	}
}

func (s *RulesStrategy) rulePriceMove(trig types.TriggerSignal, asset types.UniverseAsset) *types.TradeProposal {
	change := trig.PriceChangePct
	var reason string
	var stopLoss, takeProfit, maxHold, boost float64

	switch {
	case change > 1.5:
		reason = fmt.Sprintf("price move: +%.1f%% (%s)", change, trig.Reason)
		stopLoss, takeProfit, maxHold, boost = 6.0, 12.0, 48, 1.0
	case change < -2.5:
		reason = fmt.Sprintf("price move reversal: %.1f%% (%s)", change, trig.Reason)
		stopLoss, takeProfit, maxHold, boost = 10.0, 20.0, 24, 0.7
	default:
		return nil
	}

	size := s.volAdjustedSizePct(trig, s.cfg.TierBaseSizePct.For(asset.Tier)*boost, stopLoss) * trig.Confidence
	return s.newProposal(trig, asset, types.ProposalBuy, size, reason, stopLoss, takeProfit, maxHold)
}

func (s *RulesStrategy) ruleVolumeSpike(trig types.TriggerSignal, asset types.UniverseAsset) *types.TradeProposal {
	var reason string
	switch {
	case trig.PriceChangePct > 2.0:
		reason = fmt.Sprintf("volume spike %.1fx + price up %.1f%%", trig.VolumeRatio, trig.PriceChangePct)
	case trig.PriceChangePct < -2.0:
		reason = fmt.Sprintf("volume spike %.1fx + price down %.1f%% (reversal)", trig.VolumeRatio, trig.PriceChangePct)
	default:
		return nil
	}

	stopLoss, takeProfit, maxHold := 8.0, 15.0, 72.0
	size := s.volAdjustedSizePct(trig, s.cfg.TierBaseSizePct.For(asset.Tier), stopLoss) * trig.Confidence
	return s.newProposal(trig, asset, types.ProposalBuy, size, reason, stopLoss, takeProfit, maxHold)
}

func (s *RulesStrategy) ruleBreakout(trig types.TriggerSignal, asset types.UniverseAsset) *types.TradeProposal {
	reason := fmt.Sprintf("breakout: %s", trig.Reason)
	stopLoss, takeProfit, maxHold := 6.0, 20.0, 120.0
	size := s.volAdjustedSizePct(trig, s.cfg.TierBaseSizePct.For(asset.Tier)*1.2, stopLoss) * trig.Confidence
	return s.newProposal(trig, asset, types.ProposalBuy, size, reason, stopLoss, takeProfit, maxHold)
}

func (s *RulesStrategy) ruleReversal(trig types.TriggerSignal, asset types.UniverseAsset, regime types.Regime) *types.TradeProposal {
	if regime == types.RegimeCrash {
		return nil
	}
	reason := fmt.Sprintf("reversal: %s", trig.Reason)
	stopLoss, takeProfit, maxHold := 12.0, 25.0, 48.0
	size := s.volAdjustedSizePct(trig, s.cfg.TierBaseSizePct.For(asset.Tier)*0.8, stopLoss) * (trig.Confidence * 0.8)

	p := s.newProposal(trig, asset, types.ProposalBuy, size, reason, stopLoss, takeProfit, maxHold)
	p.Confidence = trig.Confidence * 0.8
	return p
}

func (s *RulesStrategy) ruleMomentum(trig types.TriggerSignal, asset types.UniverseAsset) *types.TradeProposal {
	if trig.PriceChangePct <= 0 {
		return nil // no shorts in this phase
	}
	reason := fmt.Sprintf("momentum: %s", trig.Reason)
	stopLoss, takeProfit, maxHold := 8.0, 15.0, 72.0
	size := s.volAdjustedSizePct(trig, s.cfg.TierBaseSizePct.For(asset.Tier), stopLoss) * trig.Confidence
	return s.newProposal(trig, asset, types.ProposalBuy, size, reason, stopLoss, takeProfit, maxHold)
}

// volAdjustedSizePct sizes via risk parity (target 1% risked given the
// stop distance), scaled down for elevated volatility, capped at the
// tier base and floored at a minimum viable size (spec.md §4.6).
func (s *RulesStrategy) volAdjustedSizePct(trig types.TriggerSignal, baseSizePct, stopLossPct float64) float64 {
	const targetRiskPct = 1.0
	riskParitySize := (targetRiskPct / stopLossPct) * 100

	if trig.Volatility > 0 {
		volAdjustment := 50.0 / maxF(trig.Volatility, 10.0)
		riskParitySize *= volAdjustment
	}

	size := minF(riskParitySize, baseSizePct)
	return maxF(size, 0.5)
}

func (s *RulesStrategy) newProposal(trig types.TriggerSignal, asset types.UniverseAsset, side types.ProposalSide, sizePct float64, reason string, stopLoss, takeProfit, maxHold float64) *types.TradeProposal {
	return &types.TradeProposal{
		Symbol:        trig.Symbol,
		Side:          side,
		SizePct:       decimal.NewFromFloat(sizePct),
		Reason:        reason,
		Confidence:    trig.Confidence,
		StopLossPct:   decimal.NewFromFloat(stopLoss),
		TakeProfitPct: decimal.NewFromFloat(takeProfit),
		MaxHoldHours:  maxHold,
		Metadata:      map[string]any{"trigger_type": string(trig.Type)},
	}
}

// calculateConviction blends trigger strength/confidence with
// qualifier and tier-bias boosts into a single 0..1 score, mirroring
// original_source's `_calculate_conviction`.
func (s *RulesStrategy) calculateConviction(trig types.TriggerSignal, asset types.UniverseAsset) (float64, map[string]float64) {
	w := s.cfg.ConvictionWeights
	strengthComponent := w.Strength * trig.Strength
	confidenceComponent := w.Confidence * trig.Confidence

	boosts := 0.0
	for key, boost := range w.QualityBoosts {
		applied := false
		switch key {
		case "tier_bias_t1":
			applied = asset.Tier == types.TierT1
		case "tier_bias_t2":
			applied = asset.Tier == types.TierT2
		case "tier_bias_t3":
			applied = asset.Tier == types.TierT3
		default:
			applied = trig.Qualifiers[key]
		}
		if applied {
			boosts += boost
		}
	}

	conviction := clampF(w.Base+strengthComponent+confidenceComponent+boosts, 0, 1)
	breakdown := map[string]float64{
		"base":                 w.Base,
		"strength_component":   strengthComponent,
		"confidence_component": confidenceComponent,
		"boosts_total":         boosts,
		"trigger_score":        trig.Score(),
	}
	return conviction, breakdown
}

// tryCanary lets a single qualified trigger whose conviction falls
// just short of the regime threshold still trade, at reduced
// maker-only size, when liquidity is comfortably above the tier floor
// (spec.md §4.6 "canary trades").
func (s *RulesStrategy) tryCanary(p *types.TradeProposal, asset types.UniverseAsset, conviction, threshold float64, totalQualified int) *types.TradeProposal {
	cfg := s.cfg.Canary
	if !cfg.Enabled || totalQualified != 1 {
		return nil
	}

	upperOK := conviction < cfg.ConvictionUpper
	if cfg.InclusiveUpper {
		upperOK = conviction <= cfg.ConvictionUpper
	}
	if conviction < cfg.ConvictionLower || !upperOK {
		return nil
	}

	if len(cfg.RequireTierIn) > 0 {
		allowed := false
		for _, t := range cfg.RequireTierIn {
			if t == asset.Tier {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil
		}
	}

	sizePct, _ := p.SizePct.Mul(decimal.NewFromFloat(cfg.SizeMultiplier)).Float64()
	p.SizePct = decimal.NewFromFloat(sizePct)
	p.Tags = append(p.Tags, "canary")
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	p.Metadata["canary"] = true
	p.Metadata["canary_size_multiplier"] = cfg.SizeMultiplier
	p.Reason = p.Reason + " | CANARY"
	if cfg.MakerOnly {
		p.Metadata["order_type"] = string(exchange.OrderTypeMakerPostOnly)
	}
	p.Confidence = conviction
	return p
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
