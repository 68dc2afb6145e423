package risk

import (
	"testing"
	"time"

	"github.com/atlas-desktop/spotcycle/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func basePortfolio() types.PortfolioState {
	return types.PortfolioState{
		AccountValueUSD: decimal.NewFromInt(10000),
		OpenPositions:   map[string]types.OpenPosition{},
		PendingOrders:   types.PendingOrders{Buy: map[string]decimal.Decimal{}, Sell: map[string]decimal.Decimal{}},
		CurrentTime:     time.Now().UTC(),
	}
}

func buyProposal(symbol string, sizePct float64) types.TradeProposal {
	return types.TradeProposal{Symbol: symbol, Side: types.ProposalBuy, SizePct: decimal.NewFromFloat(sizePct), Confidence: 0.8}
}

func TestCheckAllHaltsEverythingWhenConnectivityDown(t *testing.T) {
	e := New(zap.NewNop(), DefaultConfig())
	result := e.CheckAll([]types.TradeProposal{buyProposal("BTC-USD", 2)}, basePortfolio(), nil, types.RegimeChop, Options{ConnectivityOK: false})
	if !result.HaltedAll || len(result.Approved) != 0 {
		t.Fatalf("expected full halt on connectivity failure, got %+v", result)
	}
}

func TestCheckAllHaltsEverythingOnKillSwitch(t *testing.T) {
	e := New(zap.NewNop(), DefaultConfig())
	result := e.CheckAll([]types.TradeProposal{buyProposal("BTC-USD", 2)}, basePortfolio(), nil, types.RegimeChop, Options{ConnectivityOK: true, KillSwitchActive: true})
	if !result.HaltedAll || len(result.Approved) != 0 {
		t.Fatalf("expected full halt on kill switch, got %+v", result)
	}
}

func TestCheckAllBlocksNewBuysOnDailyStop(t *testing.T) {
	e := New(zap.NewNop(), DefaultConfig())
	p := basePortfolio()
	p.DailyPnLPct = decimal.NewFromFloat(-3.5)
	result := e.CheckAll([]types.TradeProposal{buyProposal("BTC-USD", 2)}, p, nil, types.RegimeChop, Options{ConnectivityOK: true})
	if len(result.Approved) != 0 {
		t.Fatalf("expected daily stop to block the buy, got %+v", result.Approved)
	}
	if len(result.Rejected) != 1 || result.Rejected[0].Rule != "entry_blocked" {
		t.Fatalf("expected one entry_blocked rejection, got %+v", result.Rejected)
	}
}

func TestCheckAllAllowsSellsThroughDailyStop(t *testing.T) {
	e := New(zap.NewNop(), DefaultConfig())
	p := basePortfolio()
	p.DailyPnLPct = decimal.NewFromFloat(-3.5)
	sell := types.TradeProposal{Symbol: "BTC-USD", Side: types.ProposalSell, Quantity: decimal.NewFromInt(1)}
	result := e.CheckAll([]types.TradeProposal{sell}, p, nil, types.RegimeChop, Options{ConnectivityOK: true})
	if len(result.Approved) != 1 {
		t.Fatalf("expected SELL to pass through daily stop, got %+v", result)
	}
}

func TestCheckAllRespectsMaxOpenPositions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOpenPositions = 1
	e := New(zap.NewNop(), cfg)
	p := basePortfolio()
	p.OpenPositions["ETH-USD"] = types.OpenPosition{USD: decimal.NewFromInt(500)}
	result := e.CheckAll([]types.TradeProposal{buyProposal("BTC-USD", 2)}, p, nil, types.RegimeChop, Options{ConnectivityOK: true})
	if len(result.Approved) != 0 {
		t.Fatalf("expected new-symbol buy to be rejected at open-position cap, got %+v", result.Approved)
	}
}

func TestCheckAllAllowsAddingToExistingPositionAtOpenCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOpenPositions = 1
	e := New(zap.NewNop(), cfg)
	p := basePortfolio()
	p.OpenPositions["BTC-USD"] = types.OpenPosition{USD: decimal.NewFromInt(500)}
	result := e.CheckAll([]types.TradeProposal{buyProposal("BTC-USD", 2)}, p, nil, types.RegimeChop, Options{ConnectivityOK: true})
	if len(result.Approved) != 1 {
		t.Fatalf("expected add-to-existing-position buy to pass at cap, got %+v", result)
	}
}

func TestCheckAllRejectsSymbolOnCooldown(t *testing.T) {
	e := New(zap.NewNop(), DefaultConfig())
	p := basePortfolio()
	opts := Options{ConnectivityOK: true, SymbolOnCooldown: func(symbol string) bool { return symbol == "BTC-USD" }}
	result := e.CheckAll([]types.TradeProposal{buyProposal("BTC-USD", 2)}, p, nil, types.RegimeChop, opts)
	if len(result.Approved) != 0 || result.Rejected[0].Rule != "symbol_cooldown" {
		t.Fatalf("expected symbol_cooldown rejection, got %+v", result)
	}
}

func TestCheckAllResizesOversizedProposal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxProposalSizePct = decimal.NewFromInt(5)
	cfg.ResizeOversizedCaps = true
	e := New(zap.NewNop(), cfg)
	result := e.CheckAll([]types.TradeProposal{buyProposal("BTC-USD", 8)}, basePortfolio(), nil, types.RegimeChop, Options{ConnectivityOK: true})
	if len(result.Approved) != 1 || !result.Approved[0].SizePct.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected proposal resized to 5%%, got %+v", result.Approved)
	}
}

func TestCheckAllRejectsOversizedProposalWhenResizeDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxProposalSizePct = decimal.NewFromInt(5)
	cfg.ResizeOversizedCaps = false
	e := New(zap.NewNop(), cfg)
	result := e.CheckAll([]types.TradeProposal{buyProposal("BTC-USD", 8)}, basePortfolio(), nil, types.RegimeChop, Options{ConnectivityOK: true})
	if len(result.Approved) != 0 {
		t.Fatalf("expected oversized proposal to be rejected, got %+v", result.Approved)
	}
}

func TestCheckAllEnforcesClusterCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResizeOversizedCaps = false
	cfg.Clusters = []ClusterConfig{{Name: "l1-majors", Symbols: []string{"BTC-USD", "ETH-USD"}, MaxAtRiskPct: decimal.NewFromInt(5)}}
	e := New(zap.NewNop(), cfg)
	p := basePortfolio()
	p.OpenPositions["ETH-USD"] = types.OpenPosition{USD: decimal.NewFromInt(400)} // 4% of 10k
	result := e.CheckAll([]types.TradeProposal{buyProposal("BTC-USD", 3)}, p, nil, types.RegimeChop, Options{ConnectivityOK: true})
	if len(result.Approved) != 0 {
		t.Fatalf("expected cluster cap to reject a buy that would push cluster past 5%%, got %+v", result.Approved)
	}
}

func TestCircuitBreakerRateLimitBlocksNewEntries(t *testing.T) {
	e := New(zap.NewNop(), DefaultConfig())
	e.RecordRateLimit(time.Now().UTC().Add(1 * time.Hour))
	result := e.CheckAll([]types.TradeProposal{buyProposal("BTC-USD", 2)}, basePortfolio(), nil, types.RegimeChop, Options{ConnectivityOK: true})
	if len(result.Approved) != 0 {
		t.Fatalf("expected rate-limit cooldown to block new buys, got %+v", result.Approved)
	}
}

func TestCircuitBreakerAPIErrorThresholdBlocksNewEntries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CircuitBreaker.APIErrorThreshold = 2
	e := New(zap.NewNop(), cfg)
	now := time.Now().UTC()
	e.RecordAPIError(now)
	e.RecordAPIError(now)
	result := e.CheckAll([]types.TradeProposal{buyProposal("BTC-USD", 2)}, basePortfolio(), nil, types.RegimeChop, Options{ConnectivityOK: true})
	if len(result.Approved) != 0 {
		t.Fatalf("expected API error circuit breaker to block new buys, got %+v", result.Approved)
	}
}

func TestCheckAllRejectsNonOnlineProductStatus(t *testing.T) {
	e := New(zap.NewNop(), DefaultConfig())
	opts := Options{
		ConnectivityOK: true,
		ProductStatus: func(symbol string) (types.ProductStatus, bool) {
			if symbol == "BTC-USD" {
				return types.ProductStatusPostOnly, true
			}
			return types.ProductStatusOnline, true
		},
	}
	proposals := []types.TradeProposal{buyProposal("BTC-USD", 2), buyProposal("SOL-USD", 2)}
	result := e.CheckAll(proposals, basePortfolio(), nil, types.RegimeChop, opts)
	if len(result.Approved) != 1 || result.Approved[0].Symbol != "SOL-USD" {
		t.Fatalf("expected only SOL-USD to survive product status, got %+v", result.Approved)
	}
	found := false
	for _, r := range result.Rejected {
		if r.Proposal.Symbol == "BTC-USD" && r.Rule == "exchange_product_status" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected BTC-USD rejected with exchange_product_status, got %+v", result.Rejected)
	}
}

func TestCheckAllFailsClosedOnProductStatusLookupError(t *testing.T) {
	e := New(zap.NewNop(), DefaultConfig())
	opts := Options{
		ConnectivityOK: true,
		ProductStatus:  func(symbol string) (types.ProductStatus, bool) { return "", false },
	}
	result := e.CheckAll([]types.TradeProposal{buyProposal("BTC-USD", 2)}, basePortfolio(), nil, types.RegimeChop, opts)
	if len(result.Approved) != 0 {
		t.Fatalf("expected unreachable product metadata to fail closed, got %+v", result.Approved)
	}
}

func TestCheckAllEnforcesCumulativeGlobalExposureAcrossBatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTotalAtRiskPct = decimal.NewFromInt(15)
	cfg.ResizeOversizedCaps = false
	e := New(zap.NewNop(), cfg)
	p := basePortfolio()
	p.OpenPositions["BTC-USD"] = types.OpenPosition{USD: decimal.NewFromInt(500)} // 5%
	p.PendingOrders.Buy["ETH-USD"] = decimal.NewFromInt(600)                      // 6%
	// 5% + 6% = 11% used; a fresh 9% proposal would push to 20% > 15% cap.
	result := e.CheckAll([]types.TradeProposal{buyProposal("SOL-USD", 9)}, p, nil, types.RegimeChop, Options{ConnectivityOK: true})
	if len(result.Approved) != 0 {
		t.Fatalf("expected global exposure cap to reject the batch-cumulative overage, got %+v", result.Approved)
	}
	rejectedRule := ""
	if len(result.Rejected) > 0 {
		rejectedRule = result.Rejected[0].Rule
	}
	if rejectedRule != "max_total_at_risk_pct" {
		t.Fatalf("expected max_total_at_risk_pct rejection, got rule %q (%+v)", rejectedRule, result.Rejected)
	}
}

func TestCheckAllRejectsPendingBuySizingOverCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxProposalSizePct = decimal.NewFromInt(5)
	e := New(zap.NewNop(), cfg)
	p := basePortfolio()
	p.PendingOrders.Buy["BTC-USD"] = decimal.NewFromInt(300) // 3% of 10k
	result := e.CheckAll([]types.TradeProposal{buyProposal("BTC-USD", 3)}, p, nil, types.RegimeChop, Options{ConnectivityOK: true})
	if len(result.Approved) != 0 {
		t.Fatalf("expected pending+requested size over cap to be rejected, got %+v", result.Approved)
	}
	if result.Rejected[0].Rule != "position_size_with_pending" {
		t.Fatalf("expected position_size_with_pending rejection, got %+v", result.Rejected)
	}
	if len(result.Rejected) < 2 || result.Rejected[1].Rule != "pending_buy_exists" {
		t.Fatalf("expected accompanying pending_buy_exists rejection, got %+v", result.Rejected)
	}
}

func TestCheckAllRejectsPyramidingWhenDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowPyramiding = false
	e := New(zap.NewNop(), cfg)
	p := basePortfolio()
	p.OpenPositions["BTC-USD"] = types.OpenPosition{USD: decimal.NewFromInt(200)}
	result := e.CheckAll([]types.TradeProposal{buyProposal("BTC-USD", 2)}, p, nil, types.RegimeChop, Options{ConnectivityOK: true})
	if len(result.Approved) != 0 {
		t.Fatalf("expected add-on buy to be rejected when pyramiding disabled, got %+v", result.Approved)
	}
	if result.Rejected[0].Rule != "pyramiding_disabled" {
		t.Fatalf("expected pyramiding_disabled rejection, got %+v", result.Rejected)
	}
}

func TestCheckAllBumpsUndersizedProposalToFloor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinPositionSizePct = decimal.NewFromFloat(1.0)
	cfg.AllowCapBumpToFloor = true
	e := New(zap.NewNop(), cfg)
	result := e.CheckAll([]types.TradeProposal{buyProposal("BTC-USD", 0.3)}, basePortfolio(), nil, types.RegimeChop, Options{ConnectivityOK: true})
	if len(result.Approved) != 1 || !result.Approved[0].SizePct.Equal(decimal.NewFromFloat(1.0)) {
		t.Fatalf("expected undersized proposal bumped to floor, got %+v", result.Approved)
	}
}

func TestCheckAllRejectsUndersizedProposalWhenBumpDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinPositionSizePct = decimal.NewFromFloat(1.0)
	cfg.AllowCapBumpToFloor = false
	e := New(zap.NewNop(), cfg)
	result := e.CheckAll([]types.TradeProposal{buyProposal("BTC-USD", 0.3)}, basePortfolio(), nil, types.RegimeChop, Options{ConnectivityOK: true})
	if len(result.Approved) != 0 {
		t.Fatalf("expected undersized proposal to be rejected, got %+v", result.Approved)
	}
	if result.Rejected[0].Rule != "position_size_too_small" {
		t.Fatalf("expected position_size_too_small rejection, got %+v", result.Rejected)
	}
}
