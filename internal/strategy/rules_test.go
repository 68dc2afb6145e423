package strategy

import (
	"testing"
	"time"

	"github.com/atlas-desktop/spotcycle/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func testUniverse(symbol string, tier types.Tier) *types.UniverseSnapshot {
	return &types.UniverseSnapshot{
		Timestamp: time.Now().UTC(),
		Regime:    types.RegimeChop,
		ByTier: map[types.Tier][]types.UniverseAsset{
			tier: {{Symbol: symbol, Tier: tier, Eligible: true}},
		},
	}
}

func TestRulePriceMoveProducesBuyOnUpwardSpike(t *testing.T) {
	s := NewRulesStrategy(zap.NewNop(), DefaultConfig())
	trig := types.TriggerSignal{Symbol: "BTC-USD", Type: types.TriggerPriceMove, PriceChangePct: 3.0, Strength: 0.8, Confidence: 0.9}
	p := s.rulePriceMove(trig, types.UniverseAsset{Symbol: "BTC-USD", Tier: types.TierT1})
	if p == nil {
		t.Fatal("expected a proposal for a +3% move")
	}
	if p.Side != types.ProposalBuy {
		t.Errorf("expected BUY, got %s", p.Side)
	}
	if p.SizePct.LessThanOrEqual(decimal.Zero) {
		t.Errorf("expected positive size, got %s", p.SizePct)
	}
}

func TestRulePriceMoveNoSignalOnSmallMove(t *testing.T) {
	s := NewRulesStrategy(zap.NewNop(), DefaultConfig())
	trig := types.TriggerSignal{Symbol: "BTC-USD", Type: types.TriggerPriceMove, PriceChangePct: 0.5}
	if p := s.rulePriceMove(trig, types.UniverseAsset{Symbol: "BTC-USD", Tier: types.TierT1}); p != nil {
		t.Fatalf("expected no proposal for a negligible move, got %+v", p)
	}
}

func TestRuleReversalSuppressedInCrash(t *testing.T) {
	s := NewRulesStrategy(zap.NewNop(), DefaultConfig())
	trig := types.TriggerSignal{Symbol: "SOL-USD", Type: types.TriggerReversal, Confidence: 0.9, Strength: 0.8}
	if p := s.ruleReversal(trig, types.UniverseAsset{Symbol: "SOL-USD", Tier: types.TierT2}, types.RegimeCrash); p != nil {
		t.Fatalf("expected reversal rule to refuse trading in crash regime, got %+v", p)
	}
}

func TestRuleMomentumRefusesShorts(t *testing.T) {
	s := NewRulesStrategy(zap.NewNop(), DefaultConfig())
	trig := types.TriggerSignal{Symbol: "ETH-USD", Type: types.TriggerMomentum, PriceChangePct: -10, Confidence: 0.9}
	if p := s.ruleMomentum(trig, types.UniverseAsset{Symbol: "ETH-USD", Tier: types.TierT1}); p != nil {
		t.Fatalf("expected no proposal on negative momentum (no shorts), got %+v", p)
	}
}

func TestProposeAppliesConvictionThreshold(t *testing.T) {
	s := NewRulesStrategy(zap.NewNop(), DefaultConfig())
	universe := testUniverse("BTC-USD", types.TierT1)
	weak := types.TriggerSignal{Symbol: "BTC-USD", Type: types.TriggerPriceMove, PriceChangePct: 1.6, Strength: 0.1, Confidence: 0.1}
	proposals := s.Propose(universe, []types.TriggerSignal{weak}, types.RegimeChop)
	if len(proposals) != 0 {
		t.Fatalf("expected low-conviction trigger to be rejected (no canary eligible tier match failure), got %+v", proposals)
	}
}

func TestProposeAcceptsStrongConviction(t *testing.T) {
	s := NewRulesStrategy(zap.NewNop(), DefaultConfig())
	universe := testUniverse("BTC-USD", types.TierT1)
	strong := types.TriggerSignal{Symbol: "BTC-USD", Type: types.TriggerPriceMove, PriceChangePct: 3.0, Strength: 0.9, Confidence: 0.9}
	proposals := s.Propose(universe, []types.TriggerSignal{strong}, types.RegimeChop)
	if len(proposals) != 1 {
		t.Fatalf("expected exactly one accepted proposal, got %d", len(proposals))
	}
}

func TestDedupeBySymbolKeepsHighestConfidence(t *testing.T) {
	proposals := []types.TradeProposal{
		{Symbol: "BTC-USD", Side: types.ProposalBuy, Confidence: 0.6},
		{Symbol: "BTC-USD", Side: types.ProposalBuy, Confidence: 0.9},
		{Symbol: "ETH-USD", Side: types.ProposalBuy, Confidence: 0.7},
	}
	out := dedupeBySymbol(proposals)
	if len(out) != 2 {
		t.Fatalf("expected 2 symbols after dedup, got %d", len(out))
	}
	for _, p := range out {
		if p.Symbol == "BTC-USD" && p.Confidence != 0.9 {
			t.Errorf("expected BTC-USD to keep the 0.9-confidence proposal, got %.2f", p.Confidence)
		}
	}
}

func TestRegistryRunAllSkipsDisabledStrategies(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register(NewRulesStrategy(zap.NewNop(), DefaultConfig()), false, nil, nil)
	universe := testUniverse("BTC-USD", types.TierT1)
	out := r.RunAll(Context{Universe: universe, Triggers: nil, Regime: types.RegimeChop})
	if len(out) != 0 {
		t.Fatalf("expected no proposals from a disabled strategy, got %d", len(out))
	}
}
