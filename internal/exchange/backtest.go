package exchange

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/spotcycle/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BacktestConfig parameterizes the deterministic paper/backtest
// adapter's fee and slippage assumptions.
type BacktestConfig struct {
	CommissionBps  decimal.Decimal
	BaseSlippageBps decimal.Decimal
	ImpactFactor   decimal.Decimal
	StartingCash   decimal.Decimal
}

// DefaultBacktestConfig mirrors the teacher's default 10bps fixed
// slippage plus a square-root market-impact term.
func DefaultBacktestConfig() BacktestConfig {
	return BacktestConfig{
		CommissionBps:   decimal.NewFromInt(10),
		BaseSlippageBps: decimal.NewFromInt(10),
		ImpactFactor:    decimal.NewFromFloat(0.5),
		StartingCash:    decimal.NewFromInt(100000),
	}
}

// priceSeries is the in-memory candle feed the backtest adapter reads
// quotes and OHLCV from.
type priceSeries struct {
	candles []types.OHLCV
}

// Backtest is a deterministic, in-process exchange simulator used for
// DRY_RUN and PAPER execution modes (spec.md §4.10). It fills every
// order immediately at the last close price plus a volume-weighted
// slippage term, modeled after the teacher's VolumeWeightedSlippage;
// a maker-post-only order fills at its limit price instead.
type Backtest struct {
	logger *zap.Logger
	cfg    BacktestConfig

	mu        sync.Mutex
	series    map[string]*priceSeries
	cash      map[string]decimal.Decimal
	positions map[string]PositionHolding
	openOrders map[string]OpenOrder
	fills     []FillRecord
	nextOrderID int
}

// PositionHolding is the backtest adapter's internal position record.
type PositionHolding struct {
	Units decimal.Decimal
}

// NewBacktest builds a simulator seeded with cfg.StartingCash in USD.
func NewBacktest(logger *zap.Logger, cfg BacktestConfig) *Backtest {
	return &Backtest{
		logger:     logger.Named("exchange.backtest"),
		cfg:        cfg,
		series:     make(map[string]*priceSeries),
		cash:       map[string]decimal.Decimal{"USD": cfg.StartingCash},
		positions:  make(map[string]PositionHolding),
		openOrders: make(map[string]OpenOrder),
	}
}

// SeedCandles loads a symbol's historical OHLCV feed for quote and
// depth simulation; the last candle is treated as the current price.
func (b *Backtest) SeedCandles(symbol string, candles []types.OHLCV) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sorted := make([]types.OHLCV, len(candles))
	copy(sorted, candles)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
	b.series[symbol] = &priceSeries{candles: sorted}
}

func (b *Backtest) lastCandleLocked(symbol string) (types.OHLCV, bool) {
	s, ok := b.series[symbol]
	if !ok || len(s.candles) == 0 {
		return types.OHLCV{}, false
	}
	return s.candles[len(s.candles)-1], true
}

func (b *Backtest) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	candle, ok := b.lastCandleLocked(symbol)
	if !ok {
		return Quote{}, fmt.Errorf("no seeded candles for %s", symbol)
	}
	halfSpread := candle.Close.Mul(b.cfg.BaseSlippageBps).Div(decimal.NewFromInt(20000))
	return Quote{
		Symbol:    symbol,
		Mid:       candle.Close,
		Bid:       candle.Close.Sub(halfSpread),
		Ask:       candle.Close.Add(halfSpread),
		SpreadBps: b.cfg.BaseSlippageBps,
		Volume24h: candle.Volume,
		Timestamp: candle.Timestamp,
	}, nil
}

func (b *Backtest) GetOrderBook(ctx context.Context, symbol string) (OrderBookDepth, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	candle, ok := b.lastCandleLocked(symbol)
	if !ok {
		return OrderBookDepth{}, fmt.Errorf("no seeded candles for %s", symbol)
	}
	return OrderBookDepth{Symbol: symbol, TotalDepthUSD: candle.Volume.Mul(candle.Close), Timestamp: candle.Timestamp}, nil
}

func (b *Backtest) GetOHLCV(ctx context.Context, symbol string, interval time.Duration, limit int) ([]types.OHLCV, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.series[symbol]
	if !ok {
		return nil, fmt.Errorf("no seeded candles for %s", symbol)
	}
	if limit <= 0 || limit > len(s.candles) {
		limit = len(s.candles)
	}
	out := make([]types.OHLCV, limit)
	copy(out, s.candles[len(s.candles)-limit:])
	return out, nil
}

func (b *Backtest) GetAccounts(ctx context.Context) ([]Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Account, 0, len(b.cash))
	for currency, avail := range b.cash {
		out = append(out, Account{Currency: currency, Available: avail})
	}
	return out, nil
}

func (b *Backtest) ListOpenOrders(ctx context.Context) ([]OpenOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]OpenOrder, 0, len(b.openOrders))
	for _, o := range b.openOrders {
		out = append(out, o)
	}
	return out, nil
}

func (b *Backtest) ListFills(ctx context.Context, since time.Time, limit int) ([]FillRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]FillRecord, 0, len(b.fills))
	for _, f := range b.fills {
		if !since.IsZero() && f.TradeTime.Before(since) {
			continue
		}
		out = append(out, f)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (b *Backtest) GetProductMetadata(ctx context.Context, symbol string) (ProductMetadata, error) {
	return ProductMetadata{
		Status:         types.ProductStatusOnline,
		BaseIncrement:  decimal.RequireFromString("0.00000001"),
		QuoteIncrement: decimal.RequireFromString("0.01"),
	}, nil
}

func (b *Backtest) ListProducts(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.series))
	for symbol := range b.series {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out, nil
}

func (b *Backtest) CheckConnectivity(ctx context.Context) bool {
	return true
}

// slippageFraction reproduces the teacher's square-root market-impact
// model: base spread plus impactFactor * sqrt(participation).
func (b *Backtest) slippageFraction(notional, volume24hUSD decimal.Decimal) decimal.Decimal {
	base := b.cfg.BaseSlippageBps.Div(decimal.NewFromInt(10000))
	if volume24hUSD.IsZero() {
		return base
	}
	participation := notional.Div(volume24hUSD)
	participationFloat, _ := participation.Float64()
	impact := b.cfg.ImpactFactor.Mul(decimal.NewFromFloat(math.Sqrt(math.Abs(participationFloat))))
	return base.Add(impact.Div(decimal.NewFromInt(10000)))
}

func (b *Backtest) PlaceOrder(ctx context.Context, symbol string, side types.OrderSide, quoteSizeUSD decimal.Decimal, opts PlaceOrderOptions) PlaceOrderResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	candle, ok := b.lastCandleLocked(symbol)
	if !ok {
		return PlaceOrderResult{Success: false, Status: "rejected", ErrorKind: ErrorKindPermanent, ErrorMessage: "no seeded candles for " + symbol}
	}

	slip := b.slippageFraction(quoteSizeUSD, candle.Volume.Mul(candle.Close))
	fillPrice := candle.Close
	if side == types.OrderSideBuy {
		fillPrice = fillPrice.Mul(decimal.NewFromInt(1).Add(slip))
	} else {
		fillPrice = fillPrice.Mul(decimal.NewFromInt(1).Sub(slip))
	}
	if opts.OrderType == OrderTypeMakerPostOnly {
		fillPrice = opts.LimitPrice
	}

	fees := quoteSizeUSD.Mul(b.cfg.CommissionBps).Div(decimal.NewFromInt(10000))
	filledSize := quoteSizeUSD.Div(fillPrice)

	usd := b.cash["USD"]
	if side == types.OrderSideBuy {
		cost := quoteSizeUSD.Add(fees)
		if cost.GreaterThan(usd) {
			return PlaceOrderResult{Success: false, Status: "rejected", ErrorKind: ErrorKindInsufficientFunds, ErrorMessage: "insufficient USD balance"}
		}
		b.cash["USD"] = usd.Sub(cost)
		pos := b.positions[symbol]
		pos.Units = pos.Units.Add(filledSize)
		b.positions[symbol] = pos
	} else {
		held := b.positions[symbol]
		if filledSize.GreaterThan(held.Units) {
			filledSize = held.Units
			fillPrice = candle.Close.Mul(decimal.NewFromInt(1).Sub(slip))
		}
		held.Units = held.Units.Sub(filledSize)
		b.positions[symbol] = held
		proceeds := filledSize.Mul(fillPrice).Sub(fees)
		b.cash["USD"] = usd.Add(proceeds)
	}

	b.nextOrderID++
	orderID := fmt.Sprintf("bt-%d", b.nextOrderID)
	b.fills = append(b.fills, FillRecord{
		ProductID: symbol,
		Side:      string(side),
		Price:     fillPrice,
		Size:      filledSize,
		Fees:      fees,
		TradeTime: candle.Timestamp,
	})

	return PlaceOrderResult{
		Success:     true,
		Status:      "filled",
		FilledPrice: fillPrice,
		FilledSize:  filledSize,
		Fees:        fees,
		OrderID:     orderID,
	}
}

func (b *Backtest) CancelOrders(ctx context.Context, orderIDs []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range orderIDs {
		delete(b.openOrders, id)
	}
	return nil
}
