package tradelimits

import (
	"testing"
	"time"

	"github.com/atlas-desktop/spotcycle/internal/statestore"
	"github.com/atlas-desktop/spotcycle/pkg/types"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *statestore.Store {
	t.Helper()
	store, err := statestore.New(zap.NewNop(), statestore.Config{Path: t.TempDir() + "/state.json"})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.Load(); err != nil {
		t.Fatalf("load store: %v", err)
	}
	return store
}

func TestValidateRejectsInvertedFrequencyCaps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTradesPerDay = 1
	cfg.MaxTradesPerHour = 5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject a daily cap below hourly*24")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CooldownAfterLosses = 0
	if _, err := New(zap.NewNop(), cfg, nil); err == nil {
		t.Fatal("expected New to reject an invalid config")
	}
}

func TestCheckAllBlocksOnLossCooldown(t *testing.T) {
	store := newTestStore(t)
	l, err := New(zap.NewNop(), DefaultConfig(), store)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	now := time.Now().UTC()
	portfolio := types.PortfolioState{ConsecutiveLosses: 3, LastLossTime: now.Add(-5 * time.Minute)}
	proposals := []types.TradeProposal{{Symbol: "BTC-USD", Side: types.ProposalBuy}}
	result := l.CheckAll(proposals, portfolio, now)
	if result.Approved {
		t.Fatal("expected loss cooldown to block proposals")
	}
	if len(result.ViolatedChecks) != 1 || result.ViolatedChecks[0] != "consecutive_loss_cooldown" {
		t.Fatalf("expected consecutive_loss_cooldown violation, got %+v", result.ViolatedChecks)
	}
}

func TestCheckAllAllowsAfterCooldownExpires(t *testing.T) {
	store := newTestStore(t)
	l, _ := New(zap.NewNop(), DefaultConfig(), store)
	now := time.Now().UTC()
	portfolio := types.PortfolioState{ConsecutiveLosses: 3, LastLossTime: now.Add(-2 * time.Hour)}
	proposals := []types.TradeProposal{{Symbol: "BTC-USD", Side: types.ProposalBuy}}
	result := l.CheckAll(proposals, portfolio, now)
	if !result.Approved {
		t.Fatalf("expected cooldown to have expired, got %+v", result)
	}
}

func TestCheckAllBlocksOnDailyFrequencyCap(t *testing.T) {
	store := newTestStore(t)
	l, _ := New(zap.NewNop(), DefaultConfig(), store)
	now := time.Now().UTC()
	portfolio := types.PortfolioState{TradesToday: 120}
	proposals := []types.TradeProposal{{Symbol: "BTC-USD", Side: types.ProposalBuy}}
	result := l.CheckAll(proposals, portfolio, now)
	if result.Approved {
		t.Fatal("expected daily frequency cap to block proposals")
	}
}

func TestCheckAllBlocksOnGlobalSpacing(t *testing.T) {
	store := newTestStore(t)
	l, _ := New(zap.NewNop(), DefaultConfig(), store)
	now := time.Now().UTC()
	store.RecordTradeTiming("ETH-USD", now.Add(-10*time.Second))
	proposals := []types.TradeProposal{{Symbol: "BTC-USD", Side: types.ProposalBuy}}
	result := l.CheckAll(proposals, types.PortfolioState{}, now)
	if result.Approved {
		t.Fatal("expected global spacing to block a trade submitted too soon after the last one")
	}
}

func TestFilterProposalsByTimingDropsCooledSymbol(t *testing.T) {
	store := newTestStore(t)
	l, _ := New(zap.NewNop(), DefaultConfig(), store)
	now := time.Now().UTC()
	l.ApplyCooldown("BTC-USD", OutcomeStopLoss, now)

	proposals := []types.TradeProposal{
		{Symbol: "BTC-USD", Side: types.ProposalBuy},
		{Symbol: "ETH-USD", Side: types.ProposalBuy},
	}
	approved, rejections := l.FilterProposalsByTiming(proposals, now)
	if len(approved) != 1 || approved[0].Symbol != "ETH-USD" {
		t.Fatalf("expected only ETH-USD to survive, got %+v", approved)
	}
	if _, ok := rejections["BTC-USD"]; !ok {
		t.Fatalf("expected BTC-USD to be rejected, got %+v", rejections)
	}
}

func TestApplyCooldownUsesStopLossDurationWhenStopped(t *testing.T) {
	store := newTestStore(t)
	cfg := DefaultConfig()
	l, _ := New(zap.NewNop(), cfg, store)
	now := time.Now().UTC()
	l.ApplyCooldown("BTC-USD", OutcomeStopLoss, now)

	status := l.GetCooldownStatus("BTC-USD", now.Add(time.Duration(cfg.CooldownStopMinutes-1)*time.Minute))
	if !status.OnCooldown {
		t.Fatal("expected symbol to still be on cooldown just before stop-loss duration elapses")
	}
	status = l.GetCooldownStatus("BTC-USD", now.Add(time.Duration(cfg.CooldownStopMinutes+1)*time.Minute))
	if status.OnCooldown {
		t.Fatal("expected cooldown to have expired after the stop-loss duration")
	}
}

func TestRecordTradeEnablesSpacingCheck(t *testing.T) {
	store := newTestStore(t)
	l, _ := New(zap.NewNop(), DefaultConfig(), store)
	now := time.Now().UTC()
	l.RecordTrade("BTC-USD", now)

	if !l.violatesSymbolSpacing("BTC-USD", now.Add(1*time.Second)) {
		t.Fatal("expected per-symbol spacing violation immediately after a recorded trade")
	}
}
