// Package exchange defines the abstract exchange port the core
// requires (spec.md §4.2) and ships two concrete implementations: a
// signed-REST live adapter and a deterministic backtest/paper
// simulator. The core depends only on the Port interface.
package exchange

import (
	"context"
	"time"

	"github.com/atlas-desktop/spotcycle/pkg/types"
	"github.com/shopspring/decimal"
)

// Quote is a point-in-time price snapshot for a symbol.
type Quote struct {
	Symbol    string
	Mid       decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	SpreadBps decimal.Decimal
	Volume24h decimal.Decimal
	Timestamp time.Time
}

// OrderBookDepth is the minimal depth view the universe and risk gates
// need — not a full book.
type OrderBookDepth struct {
	Symbol        string
	TotalDepthUSD decimal.Decimal
	Timestamp     time.Time
}

// Account is one currency balance.
type Account struct {
	Currency  string
	Available decimal.Decimal
}

// OpenOrder is an order descriptor as returned by list_open_orders.
type OpenOrder struct {
	OrderID   string
	ProductID string
	Side      string
	Size      decimal.Decimal
	Price     decimal.Decimal
	Notional  decimal.Decimal
	CreatedAt time.Time
}

// FillRecord is a single fill as returned by list_fills.
type FillRecord struct {
	ProductID string
	Side      string
	Price     decimal.Decimal
	Size      decimal.Decimal
	Fees      decimal.Decimal
	TradeTime time.Time
}

// ProductMetadata describes a symbol's tradability and increments.
type ProductMetadata struct {
	Status         types.ProductStatus
	BaseIncrement  decimal.Decimal
	QuoteIncrement decimal.Decimal
}

// OrderType is the execution style requested for a placement.
type OrderType string

const (
	OrderTypeMakerPostOnly OrderType = "maker_post_only"
	OrderTypeTaker         OrderType = "taker"
)

// PlaceOrderOptions carries execution hints from the proposal metadata.
type PlaceOrderOptions struct {
	OrderType OrderType
	LimitPrice decimal.Decimal // used when OrderType == maker_post_only
}

// ErrorKind classifies a place_order failure per spec.md §9's explicit
// result-type design ("no panics, no exceptions across the boundary").
type ErrorKind string

const (
	ErrorKindNone              ErrorKind = ""
	ErrorKindInsufficientFunds ErrorKind = "insufficient_funds"
	ErrorKindMinSize           ErrorKind = "min_size"
	ErrorKindProductStatus     ErrorKind = "product_status"
	ErrorKindTimeout           ErrorKind = "timeout"
	ErrorKindRateLimit         ErrorKind = "rate_limit"
	ErrorKindTransient         ErrorKind = "transient"
	ErrorKindPermanent         ErrorKind = "permanent"
)

// PlaceOrderResult is the exchange port's explicit result type — no
// panics or exceptions cross this boundary.
type PlaceOrderResult struct {
	Success       bool
	Status        string // "filled", "pending", "rejected"
	FilledPrice   decimal.Decimal
	FilledSize    decimal.Decimal
	Fees          decimal.Decimal
	OrderID       string
	ClientOrderID string
	ErrorKind     ErrorKind
	ErrorMessage  string
}

// Port is the abstract interface every exchange adapter (live or
// backtest) implements. All methods are guarded by the caller with a
// context timeout; a timeout must be reported through the ErrorKind,
// never a panic.
type Port interface {
	GetQuote(ctx context.Context, symbol string) (Quote, error)
	GetOrderBook(ctx context.Context, symbol string) (OrderBookDepth, error)
	GetOHLCV(ctx context.Context, symbol string, interval time.Duration, limit int) ([]types.OHLCV, error)
	GetAccounts(ctx context.Context) ([]Account, error)
	ListOpenOrders(ctx context.Context) ([]OpenOrder, error)
	ListFills(ctx context.Context, since time.Time, limit int) ([]FillRecord, error)
	GetProductMetadata(ctx context.Context, symbol string) (ProductMetadata, error)
	// ListProducts returns every tradable quote-paired symbol, used by
	// the universe builder's dynamic-discovery mode.
	ListProducts(ctx context.Context) ([]string, error)
	CheckConnectivity(ctx context.Context) bool
	PlaceOrder(ctx context.Context, symbol string, side types.OrderSide, quoteSizeUSD decimal.Decimal, opts PlaceOrderOptions) PlaceOrderResult
	CancelOrders(ctx context.Context, orderIDs []string) error
}
