package execution

import (
	"context"
	"time"

	"github.com/atlas-desktop/spotcycle/internal/exchange"
	"github.com/atlas-desktop/spotcycle/internal/statestore"
	"github.com/atlas-desktop/spotcycle/pkg/types"
	"github.com/atlas-desktop/spotcycle/pkg/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RejectionKind classifies why a placement was rejected, surfaced to
// the audit trail rather than raised (spec.md §4.10 "classify").
type RejectionKind string

const (
	RejectInsufficientFunds RejectionKind = "insufficient_funds"
	RejectMinSize           RejectionKind = "min_size"
	RejectProductStatus     RejectionKind = "product_status"
	RejectNoQuote           RejectionKind = "no_quote"
	RejectExchangeError     RejectionKind = "exchange_error"
)

// Executed is one successfully placed (filled or pending) or dry-run
// proposal.
type Executed struct {
	Proposal    types.TradeProposal
	OrderID     string
	ClientID    string
	Status      string // "filled", "pending", or "dry_run"
	FilledPrice decimal.Decimal
	FilledSize  decimal.Decimal
	Fees        decimal.Decimal
	Notional    decimal.Decimal
	RealizedPnL decimal.Decimal
	Outcome     statestore.FillOutcome
}

// Rejected is a proposal that failed at the exchange boundary (not a
// risk-gate rejection — those never reach here).
type Rejected struct {
	Proposal types.TradeProposal
	Kind     RejectionKind
	Message  string
}

// Result is Execute's outcome for one cycle's approved batch.
type Result struct {
	Executed []Executed
	Rejected []Rejected
}

// Engine is the execution engine (C10): it places approved proposals
// through the exchange port, records pending markers and fills to the
// state store, and stamps managed-position targets from entry
// metadata (spec.md §4.10).
type Engine struct {
	logger *zap.Logger
	cfg    Config
	port   exchange.Port
	store  *statestore.Store
}

// New builds an execution.Engine.
func New(logger *zap.Logger, cfg Config, port exchange.Port, store *statestore.Store) *Engine {
	return &Engine{logger: logger.Named("execution"), cfg: cfg, port: port, store: store}
}

// Execute submits every approved proposal in order, entries before
// exits carry no ordering guarantee beyond the slice's own order
// (spec.md §5 — the cycle already serializes stages; within a stage,
// proposals execute sequentially so pending-marker bookkeeping stays
// simple and atomic per symbol).
func (e *Engine) Execute(ctx context.Context, proposals []types.TradeProposal, accountValueUSD decimal.Decimal, now time.Time) Result {
	var result Result

	for _, p := range proposals {
		exec, rej := e.executeOne(ctx, p, accountValueUSD, now)
		if rej != nil {
			result.Rejected = append(result.Rejected, *rej)
			continue
		}
		result.Executed = append(result.Executed, *exec)
	}

	return result
}

func (e *Engine) executeOne(ctx context.Context, p types.TradeProposal, accountValueUSD decimal.Decimal, now time.Time) (*Executed, *Rejected) {
	sideLabel := string(p.Side) // "BUY" or "SELL" — the statestore's vocabulary
	side := types.OrderSideBuy  // the exchange port's vocabulary
	if p.Side == types.ProposalSell {
		side = types.OrderSideSell
	}

	quote, err := e.port.GetQuote(ctx, p.Symbol)
	if err != nil {
		e.logger.Warn("execution: quote unavailable, skipping proposal", zap.String("symbol", p.Symbol), zap.Error(err))
		return nil, &Rejected{Proposal: p, Kind: RejectNoQuote, Message: err.Error()}
	}

	quoteSizeUSD := p.Quantity.Mul(quote.Mid)
	if p.Quantity.IsZero() {
		quoteSizeUSD = accountValueUSD.Mul(p.SizePct).Div(decimal.NewFromInt(100))
	}
	if quoteSizeUSD.LessThanOrEqual(decimal.Zero) {
		return nil, &Rejected{Proposal: p, Kind: RejectMinSize, Message: "computed notional is zero or negative"}
	}

	opts := e.placeOrderOptions(ctx, p, side, quote)
	clientID := uuid.NewString()

	if e.cfg.Mode == ModeDryRun {
		e.logger.Info("execution: DRY_RUN, skipping placement",
			zap.String("symbol", p.Symbol), zap.String("side", sideLabel), zap.String("notional", quoteSizeUSD.String()))
		e.store.RecordEvent("dry_run", p.Symbol+" "+sideLabel+" "+quoteSizeUSD.String())
		return &Executed{Proposal: p, ClientID: clientID, Status: "dry_run", Notional: quoteSizeUSD}, nil
	}

	e.store.SetPending(p.Symbol, sideLabel, quoteSizeUSD, now)

	placed := e.port.PlaceOrder(ctx, p.Symbol, side, quoteSizeUSD, opts)
	if !placed.Success {
		e.store.ClearPending(p.Symbol, sideLabel)
		kind := classifyPlacementFailure(placed.ErrorKind)
		e.logger.Warn("execution: order rejected",
			zap.String("symbol", p.Symbol), zap.String("side", sideLabel), zap.String("kind", string(kind)), zap.String("message", placed.ErrorMessage))
		e.store.RecordEvent("order_rejected", p.Symbol+" "+sideLabel+" "+string(kind)+": "+placed.ErrorMessage)
		return nil, &Rejected{Proposal: p, Kind: kind, Message: placed.ErrorMessage}
	}

	if placed.Status != "filled" {
		// Asynchronous placement: leave the pending marker and the
		// open-order cache entry for the reconciler to reap next cycle.
		e.logger.Info("execution: order pending", zap.String("symbol", p.Symbol), zap.String("orderId", placed.OrderID))
		return &Executed{Proposal: p, OrderID: placed.OrderID, ClientID: clientID, Status: "pending", Notional: quoteSizeUSD}, nil
	}

	e.store.ClearPending(p.Symbol, sideLabel)

	isStopLoss := p.HasTag("stop_loss")
	realized, outcome := e.store.RecordFill(statestore.Fill{
		Symbol: p.Symbol,
		Side:   sideLabel,
		Size:   placed.FilledSize,
		Price:  placed.FilledPrice,
		Fees:   placed.Fees,
		Time:   now,
	}, isStopLoss)

	if side == types.OrderSideBuy {
		e.stampManagedTarget(p, placed.FilledPrice, now)
	}

	e.logger.Info("execution: fill recorded",
		zap.String("symbol", p.Symbol), zap.String("side", sideLabel),
		zap.String("price", placed.FilledPrice.String()), zap.String("size", placed.FilledSize.String()),
		zap.String("realizedPnl", realized.String()))

	return &Executed{
		Proposal:    p,
		OrderID:     placed.OrderID,
		ClientID:    clientID,
		Status:      "filled",
		FilledPrice: placed.FilledPrice,
		FilledSize:  placed.FilledSize,
		Fees:        placed.Fees,
		Notional:    quoteSizeUSD,
		RealizedPnL: realized,
		Outcome:     outcome,
	}, nil
}

// stampManagedTarget records/refreshes the exit parameters the
// position manager will later evaluate this symbol against, carried
// on the proposal's own metadata (spec.md §4.10).
func (e *Engine) stampManagedTarget(p types.TradeProposal, fillPrice decimal.Decimal, now time.Time) {
	target := types.ManagedPositionTarget{
		EntryPrice:    fillPrice,
		EntryTime:     now,
		StopLossPct:   p.StopLossPct,
		TakeProfitPct: p.TakeProfitPct,
		MaxHoldHours:  p.MaxHoldHours,
		PeakPrice:     fillPrice,
	}
	e.store.SetManagedTarget(p.Symbol, target)
}

// placeOrderOptions picks the order style: proposal metadata overrides
// the configured default, and a maker placement needs a limit price
// derived from the current quote (spec.md §4.10).
func (e *Engine) placeOrderOptions(ctx context.Context, p types.TradeProposal, side types.OrderSide, quote exchange.Quote) exchange.PlaceOrderOptions {
	style := e.cfg.DefaultEntryOrder
	if p.Side == types.ProposalSell {
		style = e.cfg.DefaultExitOrder
	}
	if metaStyle, ok := p.Metadata["order_type"].(string); ok && metaStyle != "" {
		style = metaStyle
	}

	if style != string(exchange.OrderTypeMakerPostOnly) {
		return exchange.PlaceOrderOptions{OrderType: exchange.OrderTypeTaker}
	}

	limit := quote.Bid
	if side == types.OrderSideSell {
		limit = quote.Ask
	}
	if meta, err := e.port.GetProductMetadata(ctx, p.Symbol); err == nil && meta.QuoteIncrement.IsPositive() {
		limit = utils.RoundToTickSize(limit, meta.QuoteIncrement)
	}
	return exchange.PlaceOrderOptions{OrderType: exchange.OrderTypeMakerPostOnly, LimitPrice: limit}
}

func classifyPlacementFailure(kind exchange.ErrorKind) RejectionKind {
	switch kind {
	case exchange.ErrorKindInsufficientFunds:
		return RejectInsufficientFunds
	case exchange.ErrorKindMinSize:
		return RejectMinSize
	case exchange.ErrorKindProductStatus:
		return RejectProductStatus
	default:
		return RejectExchangeError
	}
}
