package universe

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/spotcycle/internal/exchange"
	"github.com/atlas-desktop/spotcycle/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// stubPort is a minimal exchange.Port fake keyed by symbol, used only
// to drive the liquidity gate with fixed quote/depth fixtures.
type stubPort struct {
	quotes map[string]exchange.Quote
	depths map[string]exchange.OrderBookDepth
}

func (s *stubPort) GetQuote(ctx context.Context, symbol string) (exchange.Quote, error) {
	q, ok := s.quotes[symbol]
	if !ok {
		return exchange.Quote{}, errNotFound(symbol)
	}
	return q, nil
}
func (s *stubPort) GetOrderBook(ctx context.Context, symbol string) (exchange.OrderBookDepth, error) {
	d, ok := s.depths[symbol]
	if !ok {
		return exchange.OrderBookDepth{}, errNotFound(symbol)
	}
	return d, nil
}
func (s *stubPort) GetOHLCV(ctx context.Context, symbol string, interval time.Duration, limit int) ([]types.OHLCV, error) {
	return nil, nil
}
func (s *stubPort) GetAccounts(ctx context.Context) ([]exchange.Account, error)      { return nil, nil }
func (s *stubPort) ListOpenOrders(ctx context.Context) ([]exchange.OpenOrder, error) { return nil, nil }
func (s *stubPort) ListFills(ctx context.Context, since time.Time, limit int) ([]exchange.FillRecord, error) {
	return nil, nil
}
func (s *stubPort) GetProductMetadata(ctx context.Context, symbol string) (exchange.ProductMetadata, error) {
	return exchange.ProductMetadata{Status: types.ProductStatusOnline}, nil
}
func (s *stubPort) ListProducts(ctx context.Context) ([]string, error) { return nil, nil }
func (s *stubPort) CheckConnectivity(ctx context.Context) bool        { return true }
func (s *stubPort) PlaceOrder(ctx context.Context, symbol string, side types.OrderSide, quoteSizeUSD decimal.Decimal, opts exchange.PlaceOrderOptions) exchange.PlaceOrderResult {
	return exchange.PlaceOrderResult{}
}
func (s *stubPort) CancelOrders(ctx context.Context, orderIDs []string) error { return nil }

type notFoundErr string

func (e notFoundErr) Error() string { return "not found: " + string(e) }
func errNotFound(symbol string) error { return notFoundErr(symbol) }

func TestBuildExcludesBelowVolumeFloor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tiers = map[types.Tier]TierConfig{
		types.TierT1: {Symbols: []string{"BTC-USD"}, MinVolume24hUSD: decimal.NewFromInt(50_000_000), MaxSpreadBps: decimal.NewFromInt(30)},
		types.TierT2: {},
		types.TierT3: {},
	}
	port := &stubPort{
		quotes: map[string]exchange.Quote{
			"BTC-USD": {Symbol: "BTC-USD", Volume24h: decimal.NewFromInt(1_000_000), SpreadBps: decimal.NewFromInt(5)},
		},
		depths: map[string]exchange.OrderBookDepth{
			"BTC-USD": {Symbol: "BTC-USD", TotalDepthUSD: decimal.NewFromInt(200_000)},
		},
	}
	b := New(zap.NewNop(), cfg, port)
	snap, err := b.Build(context.Background(), types.RegimeChop, time.Now().UTC(), false)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	assets := snap.ByTier[types.TierT1]
	if len(assets) != 1 || assets[0].Eligible {
		t.Fatalf("expected BTC-USD ineligible for low volume, got %+v", assets)
	}
}

func TestNearThresholdOverrideAdmitsT2(t *testing.T) {
	cfg := DefaultConfig()
	floor := decimal.NewFromInt(20_000_000)
	cfg.Tiers = map[types.Tier]TierConfig{
		types.TierT1: {},
		types.TierT2: {Symbols: []string{"ALT-USD"}, MinVolume24hUSD: floor, MaxSpreadBps: decimal.NewFromInt(50)},
		types.TierT3: {},
	}
	cfg.NearThreshold = NearThresholdOverride{
		Enabled: true, LowerMult: decimal.NewFromFloat(0.95),
		MaxSpreadBps: decimal.NewFromInt(30), DepthMultiplier: decimal.NewFromInt(2),
	}
	cfg.Liquidity.MinDepthUSDByTier[types.TierT2] = decimal.NewFromInt(10_000)

	port := &stubPort{
		quotes: map[string]exchange.Quote{
			// 19.5M is within 0.95 * 20M = 19M..20M admission zone
			"ALT-USD": {Symbol: "ALT-USD", Volume24h: decimal.NewFromInt(19_500_000), SpreadBps: decimal.NewFromInt(10)},
		},
		depths: map[string]exchange.OrderBookDepth{
			"ALT-USD": {Symbol: "ALT-USD", TotalDepthUSD: decimal.NewFromInt(25_000)},
		},
	}
	b := New(zap.NewNop(), cfg, port)
	snap, err := b.Build(context.Background(), types.RegimeChop, time.Now().UTC(), false)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	assets := snap.ByTier[types.TierT2]
	if len(assets) != 1 || !assets[0].Eligible || !assets[0].NearThreshold {
		t.Fatalf("expected ALT-USD admitted via near-threshold override, got %+v", assets)
	}
}

func TestRedFlagBanExpiresOnRead(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tiers = map[types.Tier]TierConfig{
		types.TierT1: {Symbols: []string{"BTC-USD"}, MinVolume24hUSD: decimal.NewFromInt(1), MaxSpreadBps: decimal.NewFromInt(1000)},
		types.TierT2: {}, types.TierT3: {},
	}
	cfg.Liquidity.MinDepthUSDByTier[types.TierT1] = decimal.Zero
	port := &stubPort{
		quotes: map[string]exchange.Quote{"BTC-USD": {Symbol: "BTC-USD", Volume24h: decimal.NewFromInt(100), SpreadBps: decimal.NewFromInt(1)}},
		depths: map[string]exchange.OrderBookDepth{"BTC-USD": {Symbol: "BTC-USD", TotalDepthUSD: decimal.NewFromInt(100)}},
	}
	b := New(zap.NewNop(), cfg, port)
	now := time.Now().UTC()
	b.BanSymbol("BTC-USD", now.Add(time.Minute))

	snap, err := b.Build(context.Background(), types.RegimeChop, now, false)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, banned := snap.Excluded["BTC-USD"]; !banned {
		t.Fatalf("expected BTC-USD banned, got excluded=%+v", snap.Excluded)
	}

	snap2, err := b.Build(context.Background(), types.RegimeChop, now.Add(2*time.Minute), true)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, banned := snap2.Excluded["BTC-USD"]; banned {
		t.Fatalf("expected red-flag ban to have expired")
	}
}
