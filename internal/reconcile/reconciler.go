// Package reconcile pulls authoritative exchange state at the top of
// every cycle and folds it into the state store, so the risk engine
// always reasons from exchange truth rather than a stale local guess
// (spec.md §4.11).
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/atlas-desktop/spotcycle/internal/exchange"
	"github.com/atlas-desktop/spotcycle/internal/statestore"
	"github.com/atlas-desktop/spotcycle/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// QuoteCurrency is the settlement currency balances and USD marks are
// denominated in; balances in this currency need no pricing.
const QuoteCurrency = "USD"

// Snapshot is the reconciler's pure output for one cycle: the
// authoritative portfolio view plus the drawdown it implies.
type Snapshot struct {
	AccountValueUSD decimal.Decimal
	Positions       map[string]types.OpenPosition
	PendingOrders   types.PendingOrders
	MaxDrawdownPct  decimal.Decimal
}

// Reconciler is the C11 component.
type Reconciler struct {
	logger              *zap.Logger
	port                exchange.Port
	store               *statestore.Store
	quoteSymbolSuffix   string
	consecutiveFailures int
}

// New builds a reconcile.Reconciler. quoteSymbolSuffix is appended to a
// currency code to form its pricing symbol (e.g. "BTC" + "-USD").
func New(logger *zap.Logger, port exchange.Port, store *statestore.Store, quoteSymbolSuffix string) *Reconciler {
	if quoteSymbolSuffix == "" {
		quoteSymbolSuffix = "-" + QuoteCurrency
	}
	return &Reconciler{logger: logger.Named("reconcile"), port: port, store: store, quoteSymbolSuffix: quoteSymbolSuffix}
}

// ConsecutiveFailures reports how many reconcile passes in a row have
// failed against the exchange, for the circuit breaker to trip on.
func (r *Reconciler) ConsecutiveFailures() int {
	return r.consecutiveFailures
}

// Reconcile fetches balances and open orders, prices every non-quote
// currency, folds the result into the state store, and returns the
// authoritative snapshot for this cycle's PortfolioState (spec.md
// §4.11 steps 1-6).
func (r *Reconciler) Reconcile(ctx context.Context, now time.Time) (Snapshot, error) {
	accounts, err := r.port.GetAccounts(ctx)
	if err != nil {
		r.consecutiveFailures++
		r.store.RecordEvent("reconcile_error", "get_accounts: "+err.Error())
		return Snapshot{}, fmt.Errorf("fetch accounts: %w", err)
	}

	openOrders, err := r.port.ListOpenOrders(ctx)
	if err != nil {
		r.consecutiveFailures++
		r.store.RecordEvent("reconcile_error", "list_open_orders: "+err.Error())
		return Snapshot{}, fmt.Errorf("list open orders: %w", err)
	}

	r.consecutiveFailures = 0

	positions := make(map[string]statestore.PositionEntry, len(accounts))
	openPositions := make(map[string]types.OpenPosition, len(accounts))
	cashBalances := make(map[string]decimal.Decimal, len(accounts))
	accountValueUSD := decimal.Zero

	for _, acc := range accounts {
		if acc.Available.LessThanOrEqual(decimal.Zero) {
			continue
		}
		if acc.Currency == QuoteCurrency {
			cashBalances[acc.Currency] = acc.Available
			accountValueUSD = accountValueUSD.Add(acc.Available)
			continue
		}

		symbol := acc.Currency + r.quoteSymbolSuffix
		quote, qErr := r.port.GetQuote(ctx, symbol)
		if qErr != nil {
			r.logger.Warn("reconcile: cannot price non-quote balance, excluding from NAV",
				zap.String("currency", acc.Currency), zap.Error(qErr))
			r.store.RecordEvent("reconcile_price_miss", symbol+": "+qErr.Error())
			continue
		}

		usd := acc.Available.Mul(quote.Mid)
		cashBalances[acc.Currency] = acc.Available
		accountValueUSD = accountValueUSD.Add(usd)

		positions[symbol] = statestore.PositionEntry{
			Units:       acc.Available,
			EntryPrice:  quote.Mid,
			USD:         usd,
			LastUpdated: now,
		}
		openPositions[symbol] = types.OpenPosition{Units: acc.Available, USD: usd}
	}

	orderCache := make(map[string]statestore.OrderDescriptor, len(openOrders))
	pending := types.PendingOrders{Buy: make(map[string]decimal.Decimal), Sell: make(map[string]decimal.Decimal)}
	for _, o := range openOrders {
		orderCache[o.OrderID] = statestore.OrderDescriptor{
			OrderID:   o.OrderID,
			Symbol:    o.ProductID,
			Side:      o.Side,
			Size:      o.Size,
			Price:     o.Price,
			Notional:  o.Notional,
			CreatedAt: o.CreatedAt,
		}
		switch o.Side {
		case "BUY", "buy":
			pending.Buy[o.ProductID] = pending.Buy[o.ProductID].Add(o.Notional)
		case "SELL", "sell":
			pending.Sell[o.ProductID] = pending.Sell[o.ProductID].Add(o.Notional)
		}
	}

	r.store.ReconcileExchangeSnapshot(positions, cashBalances, orderCache, now)
	drawdownPct := r.store.UpdateHighWaterMark(accountValueUSD)

	r.logger.Info("reconcile complete",
		zap.String("accountValueUsd", accountValueUSD.String()),
		zap.Int("positions", len(openPositions)),
		zap.Int("openOrders", len(openOrders)),
		zap.String("drawdownPct", drawdownPct.String()),
	)

	return Snapshot{
		AccountValueUSD: accountValueUSD,
		Positions:       openPositions,
		PendingOrders:   pending,
		MaxDrawdownPct:  drawdownPct,
	}, nil
}
