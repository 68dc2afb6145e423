package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/atlas-desktop/spotcycle/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// LiveConfig holds the credentials and endpoint for a signed-REST
// exchange adapter.
type LiveConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string
	Timeout   time.Duration
}

// Live is the production exchange adapter: every request is
// HMAC-SHA256 signed and sent over REST, mirroring the teacher's
// Binance adapter's signing discipline.
type Live struct {
	logger     *zap.Logger
	apiKey     string
	apiSecret  string
	baseURL    string
	httpClient *http.Client
	mu         sync.Mutex
}

// NewLive builds a signed-REST adapter against cfg.BaseURL.
func NewLive(logger *zap.Logger, cfg LiveConfig) *Live {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Live{
		logger:     logger.Named("exchange.live"),
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (l *Live) sign(data string) string {
	h := hmac.New(sha256.New, []byte(l.apiSecret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func (l *Live) signedRequest(ctx context.Context, method, endpoint string, params url.Values) (*http.Response, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	queryString := params.Encode()
	signature := l.sign(queryString)
	params.Set("signature", signature)

	reqURL := l.baseURL + endpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", l.apiKey)
	return l.httpClient.Do(req)
}

func (l *Live) publicRequest(ctx context.Context, endpoint string, params url.Values) (*http.Response, error) {
	reqURL := l.baseURL + endpoint
	if params != nil {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	return l.httpClient.Do(req)
}

type tickerDTO struct {
	Symbol string `json:"symbol"`
	BidPx  string `json:"bidPrice"`
	AskPx  string `json:"askPrice"`
	Volume string `json:"volume"`
}

func (l *Live) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	resp, err := l.publicRequest(ctx, "/api/v3/ticker/bookTicker", url.Values{"symbol": {symbol}})
	if err != nil {
		return Quote{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Quote{}, fmt.Errorf("get_quote %s: status %d: %s", symbol, resp.StatusCode, string(body))
	}
	var dto tickerDTO
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		return Quote{}, fmt.Errorf("decode ticker: %w", err)
	}
	bid := decimal.RequireFromString(zeroIfEmpty(dto.BidPx))
	ask := decimal.RequireFromString(zeroIfEmpty(dto.AskPx))
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	spreadBps := decimal.Zero
	if !mid.IsZero() {
		spreadBps = ask.Sub(bid).Div(mid).Mul(decimal.NewFromInt(10000))
	}
	return Quote{
		Symbol:    symbol,
		Mid:       mid,
		Bid:       bid,
		Ask:       ask,
		SpreadBps: spreadBps,
		Volume24h: decimal.RequireFromString(zeroIfEmpty(dto.Volume)),
		Timestamp: time.Now().UTC(),
	}, nil
}

func zeroIfEmpty(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

type depthDTO struct {
	Bids [][2]string `json:"bids"`
	Asks [][2]string `json:"asks"`
}

func (l *Live) GetOrderBook(ctx context.Context, symbol string) (OrderBookDepth, error) {
	resp, err := l.publicRequest(ctx, "/api/v3/depth", url.Values{"symbol": {symbol}, "limit": {"20"}})
	if err != nil {
		return OrderBookDepth{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return OrderBookDepth{}, fmt.Errorf("get_orderbook %s: status %d", symbol, resp.StatusCode)
	}
	var dto depthDTO
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		return OrderBookDepth{}, fmt.Errorf("decode depth: %w", err)
	}
	total := decimal.Zero
	for _, lvl := range dto.Bids {
		price := decimal.RequireFromString(lvl[0])
		size := decimal.RequireFromString(lvl[1])
		total = total.Add(price.Mul(size))
	}
	for _, lvl := range dto.Asks {
		price := decimal.RequireFromString(lvl[0])
		size := decimal.RequireFromString(lvl[1])
		total = total.Add(price.Mul(size))
	}
	return OrderBookDepth{Symbol: symbol, TotalDepthUSD: total, Timestamp: time.Now().UTC()}, nil
}

type klineDTO []any

func (l *Live) GetOHLCV(ctx context.Context, symbol string, interval time.Duration, limit int) ([]types.OHLCV, error) {
	resp, err := l.publicRequest(ctx, "/api/v3/klines", url.Values{
		"symbol":   {symbol},
		"interval": {intervalString(interval)},
		"limit":    {strconv.Itoa(limit)},
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get_ohlcv %s: status %d", symbol, resp.StatusCode)
	}
	var rows []klineDTO
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	out := make([]types.OHLCV, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		openTimeMs, _ := row[0].(float64)
		out = append(out, types.OHLCV{
			Timestamp: time.UnixMilli(int64(openTimeMs)).UTC(),
			Open:      decimal.RequireFromString(fmt.Sprint(row[1])),
			High:      decimal.RequireFromString(fmt.Sprint(row[2])),
			Low:       decimal.RequireFromString(fmt.Sprint(row[3])),
			Close:     decimal.RequireFromString(fmt.Sprint(row[4])),
			Volume:    decimal.RequireFromString(fmt.Sprint(row[5])),
		})
	}
	return out, nil
}

func intervalString(d time.Duration) string {
	switch {
	case d >= 24*time.Hour:
		return "1d"
	case d >= time.Hour:
		return "1h"
	case d >= 15*time.Minute:
		return "15m"
	case d >= 5*time.Minute:
		return "5m"
	default:
		return "1m"
	}
}

type balanceDTO struct {
	Balances []struct {
		Asset string `json:"asset"`
		Free  string `json:"free"`
	} `json:"balances"`
}

func (l *Live) GetAccounts(ctx context.Context) ([]Account, error) {
	resp, err := l.signedRequest(ctx, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get_accounts: status %d: %s", resp.StatusCode, string(body))
	}
	var dto balanceDTO
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	out := make([]Account, 0, len(dto.Balances))
	for _, b := range dto.Balances {
		out = append(out, Account{Currency: b.Asset, Available: decimal.RequireFromString(zeroIfEmpty(b.Free))})
	}
	return out, nil
}

type openOrderDTO struct {
	OrderID       int64  `json:"orderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	OrigQty       string `json:"origQty"`
	Price         string `json:"price"`
	Time          int64  `json:"time"`
}

func (l *Live) ListOpenOrders(ctx context.Context) ([]OpenOrder, error) {
	resp, err := l.signedRequest(ctx, http.MethodGet, "/api/v3/openOrders", url.Values{})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list_open_orders: status %d", resp.StatusCode)
	}
	var rows []openOrderDTO
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	out := make([]OpenOrder, 0, len(rows))
	for _, r := range rows {
		size := decimal.RequireFromString(zeroIfEmpty(r.OrigQty))
		price := decimal.RequireFromString(zeroIfEmpty(r.Price))
		out = append(out, OpenOrder{
			OrderID:   strconv.FormatInt(r.OrderID, 10),
			ProductID: r.Symbol,
			Side:      r.Side,
			Size:      size,
			Price:     price,
			Notional:  size.Mul(price),
			CreatedAt: time.UnixMilli(r.Time).UTC(),
		})
	}
	return out, nil
}

type myTradeDTO struct {
	Symbol      string `json:"symbol"`
	IsBuyer     bool   `json:"isBuyer"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	Commission  string `json:"commission"`
	Time        int64  `json:"time"`
}

func (l *Live) ListFills(ctx context.Context, since time.Time, limit int) ([]FillRecord, error) {
	params := url.Values{"limit": {strconv.Itoa(limit)}}
	if !since.IsZero() {
		params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	}
	resp, err := l.signedRequest(ctx, http.MethodGet, "/api/v3/myTrades", params)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list_fills: status %d", resp.StatusCode)
	}
	var rows []myTradeDTO
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode fills: %w", err)
	}
	out := make([]FillRecord, 0, len(rows))
	for _, r := range rows {
		side := "SELL"
		if r.IsBuyer {
			side = "BUY"
		}
		out = append(out, FillRecord{
			ProductID: r.Symbol,
			Side:      side,
			Price:     decimal.RequireFromString(zeroIfEmpty(r.Price)),
			Size:      decimal.RequireFromString(zeroIfEmpty(r.Qty)),
			Fees:      decimal.RequireFromString(zeroIfEmpty(r.Commission)),
			TradeTime: time.UnixMilli(r.Time).UTC(),
		})
	}
	return out, nil
}

type exchangeInfoDTO struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Status  string `json:"status"`
		Filters []struct {
			FilterType string `json:"filterType"`
			StepSize   string `json:"stepSize"`
			TickSize   string `json:"tickSize"`
		} `json:"filters"`
	} `json:"symbols"`
}

func (l *Live) GetProductMetadata(ctx context.Context, symbol string) (ProductMetadata, error) {
	resp, err := l.publicRequest(ctx, "/api/v3/exchangeInfo", url.Values{"symbol": {symbol}})
	if err != nil {
		return ProductMetadata{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ProductMetadata{}, fmt.Errorf("get_product_metadata %s: status %d", symbol, resp.StatusCode)
	}
	var dto exchangeInfoDTO
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		return ProductMetadata{}, fmt.Errorf("decode exchange info: %w", err)
	}
	if len(dto.Symbols) == 0 {
		return ProductMetadata{Status: types.ProductStatusOffline}, nil
	}
	s := dto.Symbols[0]
	meta := ProductMetadata{Status: convertProductStatus(s.Status)}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			meta.BaseIncrement = decimal.RequireFromString(zeroIfEmpty(f.StepSize))
		case "PRICE_FILTER":
			meta.QuoteIncrement = decimal.RequireFromString(zeroIfEmpty(f.TickSize))
		}
	}
	return meta, nil
}

func convertProductStatus(raw string) types.ProductStatus {
	switch raw {
	case "TRADING":
		return types.ProductStatusOnline
	case "POST_ONLY":
		return types.ProductStatusPostOnly
	case "LIMIT_ONLY":
		return types.ProductStatusLimitOnly
	case "CANCEL_ONLY", "END_OF_DAY":
		return types.ProductStatusCancelOnly
	default:
		return types.ProductStatusOffline
	}
}

func (l *Live) ListProducts(ctx context.Context) ([]string, error) {
	resp, err := l.publicRequest(ctx, "/api/v3/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list_products: status %d", resp.StatusCode)
	}
	var dto exchangeInfoDTO
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		return nil, fmt.Errorf("decode exchange info: %w", err)
	}
	out := make([]string, 0, len(dto.Symbols))
	for _, s := range dto.Symbols {
		if convertProductStatus(s.Status) != types.ProductStatusOffline {
			out = append(out, s.Symbol)
		}
	}
	return out, nil
}

func (l *Live) CheckConnectivity(ctx context.Context) bool {
	resp, err := l.publicRequest(ctx, "/api/v3/ping", nil)
	if err != nil {
		l.logger.Warn("connectivity check failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type newOrderResponseDTO struct {
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Fills               []struct {
		Price       string `json:"price"`
		Qty         string `json:"qty"`
		Commission  string `json:"commission"`
	} `json:"fills"`
}

func (l *Live) PlaceOrder(ctx context.Context, symbol string, side types.OrderSide, quoteSizeUSD decimal.Decimal, opts PlaceOrderOptions) PlaceOrderResult {
	params := url.Values{
		"symbol":           {symbol},
		"side":             {string(side)},
		"quoteOrderQty":    {quoteSizeUSD.String()},
		"newOrderRespType": {"FULL"},
	}
	if opts.OrderType == OrderTypeMakerPostOnly {
		params.Set("type", "LIMIT_MAKER")
		params.Set("price", opts.LimitPrice.String())
		params.Del("quoteOrderQty")
		params.Set("quantity", quoteSizeUSD.Div(opts.LimitPrice).String())
	} else {
		params.Set("type", "MARKET")
	}

	resp, err := l.signedRequest(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return PlaceOrderResult{Success: false, ErrorKind: ErrorKindTransient, ErrorMessage: err.Error()}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return PlaceOrderResult{
			Success:      false,
			Status:       "rejected",
			ErrorKind:    classifyHTTPError(resp.StatusCode),
			ErrorMessage: string(body),
		}
	}

	var dto newOrderResponseDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		return PlaceOrderResult{Success: false, ErrorKind: ErrorKindTransient, ErrorMessage: "decode order response: " + err.Error()}
	}

	filledSize := decimal.Zero
	filledNotional := decimal.Zero
	fees := decimal.Zero
	for _, f := range dto.Fills {
		qty := decimal.RequireFromString(zeroIfEmpty(f.Qty))
		price := decimal.RequireFromString(zeroIfEmpty(f.Price))
		filledSize = filledSize.Add(qty)
		filledNotional = filledNotional.Add(qty.Mul(price))
		fees = fees.Add(decimal.RequireFromString(zeroIfEmpty(f.Commission)))
	}
	filledPrice := decimal.Zero
	if !filledSize.IsZero() {
		filledPrice = filledNotional.Div(filledSize)
	}

	status := "pending"
	switch dto.Status {
	case "FILLED":
		status = "filled"
	case "REJECTED", "EXPIRED":
		status = "rejected"
	}

	return PlaceOrderResult{
		Success:       status != "rejected",
		Status:        status,
		FilledPrice:   filledPrice,
		FilledSize:    filledSize,
		Fees:          fees,
		OrderID:       strconv.FormatInt(dto.OrderID, 10),
		ClientOrderID: dto.ClientOrderID,
	}
}

func classifyHTTPError(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorKindRateLimit
	case status >= 500:
		return ErrorKindTransient
	case status == http.StatusRequestTimeout:
		return ErrorKindTimeout
	default:
		return ErrorKindPermanent
	}
}

func (l *Live) CancelOrders(ctx context.Context, orderIDs []string) error {
	for _, id := range orderIDs {
		resp, err := l.signedRequest(ctx, http.MethodDelete, "/api/v3/order", url.Values{"orderId": {id}})
		if err != nil {
			return fmt.Errorf("cancel order %s: %w", id, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("cancel order %s: status %d", id, resp.StatusCode)
		}
	}
	return nil
}
