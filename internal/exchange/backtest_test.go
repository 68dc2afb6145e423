package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/spotcycle/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func seedSimple(t *testing.T, b *Backtest, symbol string, close decimal.Decimal, volume decimal.Decimal) {
	t.Helper()
	b.SeedCandles(symbol, []types.OHLCV{
		{Timestamp: time.Now().UTC(), Open: close, High: close, Low: close, Close: close, Volume: volume},
	})
}

func TestBacktestBuyThenSellRoundTrip(t *testing.T) {
	b := NewBacktest(zap.NewNop(), DefaultBacktestConfig())
	seedSimple(t, b, "BTC-USD", decimal.NewFromInt(50000), decimal.NewFromInt(1000))

	ctx := context.Background()
	buy := b.PlaceOrder(ctx, "BTC-USD", types.OrderSideBuy, decimal.NewFromInt(500), PlaceOrderOptions{OrderType: OrderTypeTaker})
	if !buy.Success || buy.Status != "filled" {
		t.Fatalf("expected buy to fill, got %+v", buy)
	}
	if buy.FilledPrice.LessThanOrEqual(decimal.NewFromInt(50000)) {
		t.Errorf("expected buy fill price above mid due to slippage, got %s", buy.FilledPrice)
	}

	accounts, err := b.GetAccounts(ctx)
	if err != nil {
		t.Fatalf("GetAccounts: %v", err)
	}
	var usd decimal.Decimal
	for _, a := range accounts {
		if a.Currency == "USD" {
			usd = a.Available
		}
	}
	if usd.GreaterThan(DefaultBacktestConfig().StartingCash.Sub(decimal.NewFromInt(500))) {
		t.Errorf("expected USD balance reduced by at least the order notional, got %s", usd)
	}

	sell := b.PlaceOrder(ctx, "BTC-USD", types.OrderSideSell, buy.FilledSize.Mul(buy.FilledPrice), PlaceOrderOptions{OrderType: OrderTypeTaker})
	if !sell.Success {
		t.Fatalf("expected sell to fill, got %+v", sell)
	}
	if sell.FilledSize.GreaterThan(buy.FilledSize) {
		t.Errorf("sell filled size %s exceeds held units %s", sell.FilledSize, buy.FilledSize)
	}
}

func TestBacktestRejectsInsufficientFunds(t *testing.T) {
	b := NewBacktest(zap.NewNop(), DefaultBacktestConfig())
	seedSimple(t, b, "BTC-USD", decimal.NewFromInt(50000), decimal.NewFromInt(1000))

	res := b.PlaceOrder(context.Background(), "BTC-USD", types.OrderSideBuy, decimal.NewFromInt(1_000_000), PlaceOrderOptions{OrderType: OrderTypeTaker})
	if res.Success {
		t.Fatalf("expected rejection for oversized order, got %+v", res)
	}
	if res.ErrorKind != ErrorKindInsufficientFunds {
		t.Errorf("errorKind = %s, want insufficient_funds", res.ErrorKind)
	}
}

func TestBacktestConnectivityAlwaysUp(t *testing.T) {
	b := NewBacktest(zap.NewNop(), DefaultBacktestConfig())
	if !b.CheckConnectivity(context.Background()) {
		t.Errorf("expected backtest adapter to always report connectivity")
	}
}
