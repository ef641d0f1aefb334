// Package exchange implements the Coinbase Advanced Trade REST and WebSocket
// clients.
//
// The REST client (Client) covers order management and reconciliation:
//   - PlaceOrder:               POST /api/v3/brokerage/orders
//   - CancelOrders:             POST /api/v3/brokerage/orders/batch_cancel
//   - GetHistoricalOrdersBatch: GET  /api/v3/brokerage/orders/historical/batch
//   - GetFills:                 GET  /api/v3/brokerage/orders/historical/fills
//   - GetAccounts:              GET  /api/v3/brokerage/accounts
//   - GetProducts:              GET  /api/v3/brokerage/products
//   - GetCandles:               GET  /api/v3/brokerage/products/{id}/candles
//
// Every request waits on the shared token bucket, carries a Bearer JWT, and
// is retried on 5xx up to the retry budget. Failures map into the APIError
// taxonomy; rate-limit and maintenance responses pause the bucket for the
// indicated cooling period, and a run of server errors opens the circuit
// breaker.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"bottrader/internal/config"
	"bottrader/pkg/types"
)

const (
	restRetryCount   = 3
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// Client is the exchange REST API client.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *TokenBucket
	dryRun bool
	logger *slog.Logger

	breakerMu    sync.Mutex
	consecutive5 int
	breakerUntil time.Time
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.ExchangeConfig, dryRun bool, auth *Auth, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(timeout).
		SetRetryCount(restRetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewTokenBucket(rps*2, rps),
		dryRun: dryRun,
		logger: logger.With("component", "exchange"),
	}
}

// RefreshJWTIfNeeded re-mints the auth token when it is close to expiry.
func (c *Client) RefreshJWTIfNeeded() error {
	if c.auth == nil {
		return errNoCredentials()
	}
	return c.auth.RefreshJWTIfNeeded()
}

// WSToken returns a JWT suitable for a private WebSocket subscribe frame.
func (c *Client) WSToken() (string, error) {
	if c.auth == nil {
		return "", errNoCredentials()
	}
	return c.auth.Token()
}

// OpenWebSocket dials a framed-message connection to the given URL.
func (c *Client) OpenWebSocket(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// before gates a call on the circuit breaker and the rate limiter, then
// returns the auth header value.
func (c *Client) before(ctx context.Context) (string, error) {
	c.breakerMu.Lock()
	if time.Now().Before(c.breakerUntil) {
		until := c.breakerUntil
		c.breakerMu.Unlock()
		return "", &APIError{Kind: KindCircuitBreakerOpen,
			Message:  fmt.Sprintf("open until %s", until.Format(time.RFC3339)),
			CoolDown: time.Until(until)}
	}
	c.breakerMu.Unlock()

	if err := c.rl.Wait(ctx); err != nil {
		return "", err
	}
	if c.auth == nil {
		return "", errNoCredentials()
	}
	token, err := c.auth.Token()
	if err != nil {
		return "", &APIError{Kind: KindAuthentication, Message: err.Error()}
	}
	return "Bearer " + token, nil
}

func errNoCredentials() *APIError {
	return &APIError{Kind: KindAuthentication, Message: "no api credentials configured"}
}

// after classifies a response, updates the breaker, and applies cooling
// pauses. Returns nil for 2xx.
func (c *Client) after(resp *resty.Response) error {
	status := resp.StatusCode()

	c.breakerMu.Lock()
	if status >= 500 {
		c.consecutive5++
		if c.consecutive5 >= breakerThreshold {
			c.breakerUntil = time.Now().Add(breakerCooldown)
			c.consecutive5 = 0
			c.logger.Warn("circuit breaker opened", "cooldown", breakerCooldown)
		}
	} else {
		c.consecutive5 = 0
	}
	c.breakerMu.Unlock()

	if status >= 200 && status < 300 {
		return nil
	}

	retryAfter := parseRetryAfter(resp.Header().Get("Retry-After"))
	apiErr := classifyStatus(status, resp.Body(), retryAfter)
	if apiErr.Kind == KindInternalServerError && resp.Request.Attempt >= restRetryCount+1 {
		apiErr.Kind = KindAttemptedRetries
	}
	if apiErr.CoolDown > 0 {
		c.rl.Pause(apiErr.CoolDown)
	}
	return apiErr
}

func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// ------------------------------------------------------------------------
// Orders
// ------------------------------------------------------------------------

// orderConfiguration is the exchange's order shape discriminator.
type orderConfiguration struct {
	LimitGTC  *limitGTC  `json:"limit_limit_gtc,omitempty"`
	MarketIOC *marketIOC `json:"market_market_ioc,omitempty"`
}

type limitGTC struct {
	BaseSize   string `json:"base_size"`
	LimitPrice string `json:"limit_price"`
	PostOnly   bool   `json:"post_only"`
}

type marketIOC struct {
	QuoteSize string `json:"quote_size,omitempty"`
	BaseSize  string `json:"base_size,omitempty"`
}

type placeOrderRequest struct {
	ClientOrderID string             `json:"client_order_id"`
	ProductID     string             `json:"product_id"`
	Side          string             `json:"side"`
	OrderConfig   orderConfiguration `json:"order_configuration"`
}

// OrderResponse is the decoded result of PlaceOrder.
type OrderResponse struct {
	Success         bool            `json:"success"`
	FailureReason   string          `json:"failure_reason"`
	OrderID         string          `json:"order_id"`
	SuccessResponse successResponse `json:"success_response"`
	ErrorResponse   errorResponse   `json:"error_response"`
}

type successResponse struct {
	OrderID       string `json:"order_id"`
	ProductID     string `json:"product_id"`
	Side          string `json:"side"`
	ClientOrderID string `json:"client_order_id"`
}

type errorResponse struct {
	Error        string `json:"error"`
	Message      string `json:"message"`
	ErrorDetails string `json:"error_details"`
}

// PlaceOrder posts a new order built from an OrderData intent. A response
// with success=false is returned as a typed *APIError carrying the decoded
// error_response.
func (c *Client) PlaceOrder(ctx context.Context, od types.OrderData) (*OrderResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order",
			"product", od.ProductID, "side", od.Side, "type", od.Type,
			"price", od.AdjustedPrice, "size", od.AdjustedSize)
		return &OrderResponse{Success: true, OrderID: "dry-run-" + od.ClientOrderID}, nil
	}

	authz, err := c.before(ctx)
	if err != nil {
		return nil, err
	}

	req := placeOrderRequest{
		ClientOrderID: od.ClientOrderID,
		ProductID:     od.ProductID,
		Side:          string(od.Side),
	}
	switch od.Type {
	case types.OrderTypeLimit:
		req.OrderConfig.LimitGTC = &limitGTC{
			BaseSize:   od.AdjustedSize.String(),
			LimitPrice: od.AdjustedPrice.String(),
		}
	case types.OrderTypeMarket:
		mkt := &marketIOC{}
		if od.Side == types.BUY {
			mkt.QuoteSize = od.FiatAmount.String()
		} else {
			mkt.BaseSize = od.AdjustedSize.String()
		}
		req.OrderConfig.MarketIOC = mkt
	default:
		return nil, fmt.Errorf("unsupported order type %q", od.Type)
	}

	var result OrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", authz).
		SetBody(req).
		SetResult(&result).
		Post("/api/v3/brokerage/orders")
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	if err := c.after(resp); err != nil {
		return nil, err
	}

	if !result.Success {
		kind := classifyReason(result.FailureReason)
		if k := classifyReason(result.ErrorResponse.Error); kind == KindUnknown && k != KindUnknown {
			kind = k
		}
		return &result, &APIError{
			Kind:          kind,
			Status:        resp.StatusCode(),
			Code:          result.FailureReason,
			Message:       result.ErrorResponse.Message,
			ErrorResponse: resp.Body(),
		}
	}
	if result.OrderID == "" {
		result.OrderID = result.SuccessResponse.OrderID
	}
	return &result, nil
}

// CancelResult is the per-order outcome of a batch cancel.
type CancelResult struct {
	Success       bool   `json:"success"`
	FailureReason string `json:"failure_reason"`
	OrderID       string `json:"order_id"`
}

// CancelOrders cancels a batch of orders by exchange id, reporting per-id
// results.
func (c *Client) CancelOrders(ctx context.Context, orderIDs []string) ([]CancelResult, error) {
	if len(orderIDs) == 0 {
		return nil, nil
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel orders", "count", len(orderIDs))
		results := make([]CancelResult, len(orderIDs))
		for i, id := range orderIDs {
			results[i] = CancelResult{Success: true, OrderID: id}
		}
		return results, nil
	}

	authz, err := c.before(ctx)
	if err != nil {
		return nil, err
	}

	var result struct {
		Results []CancelResult `json:"results"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", authz).
		SetBody(map[string][]string{"order_ids": orderIDs}).
		SetResult(&result).
		Post("/api/v3/brokerage/orders/batch_cancel")
	if err != nil {
		return nil, fmt.Errorf("cancel orders: %w", err)
	}
	if err := c.after(resp); err != nil {
		return nil, err
	}

	c.logger.Info("orders cancelled", "requested", len(orderIDs), "results", len(result.Results))
	return result.Results, nil
}

// ------------------------------------------------------------------------
// Reconciliation reads
// ------------------------------------------------------------------------

// Order is one historical order row.
type Order struct {
	OrderID            string `json:"order_id"`
	ClientOrderID      string `json:"client_order_id"`
	ProductID          string `json:"product_id"`
	Side               string `json:"side"`
	Status             string `json:"status"`
	OrderType          string `json:"order_type"`
	CreatedTime        string `json:"created_time"`
	FilledSize         string `json:"filled_size"`
	AverageFilledPrice string `json:"average_filled_price"`
	TotalFees          string `json:"total_fees"`
}

// OrdersFilter narrows a historical orders fetch.
type OrdersFilter struct {
	ProductID string
	Statuses  []string
	Start     time.Time
	End       time.Time
	Limit     int
}

// GetHistoricalOrdersBatch pages through historical orders matching the
// filter, following the cursor until exhausted.
func (c *Client) GetHistoricalOrdersBatch(ctx context.Context, filter OrdersFilter) ([]Order, error) {
	var out []Order
	cursor := ""
	for {
		authz, err := c.before(ctx)
		if err != nil {
			return nil, err
		}

		req := c.http.R().
			SetContext(ctx).
			SetHeader("Authorization", authz)
		if filter.ProductID != "" {
			req.SetQueryParam("product_id", filter.ProductID)
		}
		if len(filter.Statuses) > 0 {
			req.SetQueryParamsFromValues(url.Values{"order_status": filter.Statuses})
		}
		if !filter.Start.IsZero() {
			req.SetQueryParam("start_date", filter.Start.UTC().Format(time.RFC3339))
		}
		if !filter.End.IsZero() {
			req.SetQueryParam("end_date", filter.End.UTC().Format(time.RFC3339))
		}
		if filter.Limit > 0 {
			req.SetQueryParam("limit", strconv.Itoa(filter.Limit))
		}
		if cursor != "" {
			req.SetQueryParam("cursor", cursor)
		}

		var page struct {
			Orders  []Order `json:"orders"`
			HasNext bool    `json:"has_next"`
			Cursor  string  `json:"cursor"`
		}
		resp, err := req.SetResult(&page).Get("/api/v3/brokerage/orders/historical/batch")
		if err != nil {
			return nil, fmt.Errorf("get historical orders: %w", err)
		}
		if err := c.after(resp); err != nil {
			return nil, err
		}

		out = append(out, page.Orders...)
		if !page.HasNext || page.Cursor == "" {
			return out, nil
		}
		cursor = page.Cursor
	}
}

// Fill is one settled fill row.
type Fill struct {
	EntryID     string `json:"entry_id"`
	TradeID     string `json:"trade_id"`
	OrderID     string `json:"order_id"`
	TradeTime   string `json:"trade_time"`
	ProductID   string `json:"product_id"`
	Price       string `json:"price"`
	Size        string `json:"size"`
	Commission  string `json:"commission"`
	Side        string `json:"side"`
	SizeInQuote bool   `json:"size_in_quote"`
}

// GetFills pages through fills for one product inside [start, end).
func (c *Client) GetFills(ctx context.Context, productID string, start, end time.Time) ([]Fill, error) {
	var out []Fill
	cursor := ""
	for {
		authz, err := c.before(ctx)
		if err != nil {
			return nil, err
		}

		req := c.http.R().
			SetContext(ctx).
			SetHeader("Authorization", authz).
			SetQueryParam("product_id", productID)
		if !start.IsZero() {
			req.SetQueryParam("start_sequence_timestamp", start.UTC().Format(time.RFC3339))
		}
		if !end.IsZero() {
			req.SetQueryParam("end_sequence_timestamp", end.UTC().Format(time.RFC3339))
		}
		if cursor != "" {
			req.SetQueryParam("cursor", cursor)
		}

		var page struct {
			Fills  []Fill `json:"fills"`
			Cursor string `json:"cursor"`
		}
		resp, err := req.SetResult(&page).Get("/api/v3/brokerage/orders/historical/fills")
		if err != nil {
			return nil, fmt.Errorf("get fills: %w", err)
		}
		if err := c.after(resp); err != nil {
			return nil, err
		}

		out = append(out, page.Fills...)
		if page.Cursor == "" {
			return out, nil
		}
		cursor = page.Cursor
	}
}

// ------------------------------------------------------------------------
// Accounts, products, candles
// ------------------------------------------------------------------------

// Balance is a currency-tagged amount.
type Balance struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// Account is one currency wallet.
type Account struct {
	UUID             string  `json:"uuid"`
	Currency         string  `json:"currency"`
	AvailableBalance Balance `json:"available_balance"`
	Hold             Balance `json:"hold"`
}

// GetAccounts fetches all account balances, following pagination.
func (c *Client) GetAccounts(ctx context.Context) ([]Account, error) {
	var out []Account
	cursor := ""
	for {
		authz, err := c.before(ctx)
		if err != nil {
			return nil, err
		}

		req := c.http.R().
			SetContext(ctx).
			SetHeader("Authorization", authz).
			SetQueryParam("limit", "250")
		if cursor != "" {
			req.SetQueryParam("cursor", cursor)
		}

		var page struct {
			Accounts []Account `json:"accounts"`
			HasNext  bool      `json:"has_next"`
			Cursor   string    `json:"cursor"`
		}
		resp, err := req.SetResult(&page).Get("/api/v3/brokerage/accounts")
		if err != nil {
			return nil, fmt.Errorf("get accounts: %w", err)
		}
		if err := c.after(resp); err != nil {
			return nil, err
		}

		out = append(out, page.Accounts...)
		if !page.HasNext || page.Cursor == "" {
			return out, nil
		}
		cursor = page.Cursor
	}
}

// Product is one trading pair's metadata, including the precision increments
// orders must be quantized to.
type Product struct {
	ProductID         string `json:"product_id"`
	Price             string `json:"price"`
	PricePctChange24H string `json:"price_percentage_change_24h"`
	Volume24H         string `json:"volume_24h"`
	BaseIncrement     string `json:"base_increment"`
	QuoteIncrement    string `json:"quote_increment"`
	BaseMinSize       string `json:"base_min_size"`
	QuoteMinSize      string `json:"quote_min_size"`
	BaseName          string `json:"base_name"`
	QuoteName         string `json:"quote_name"`
	Status            string `json:"status"`
	IsDisabled        bool   `json:"is_disabled"`
	ProductType       string `json:"product_type"`
}

// GetProducts fetches all spot products.
func (c *Client) GetProducts(ctx context.Context) ([]Product, error) {
	authz, err := c.before(ctx)
	if err != nil {
		return nil, err
	}

	var result struct {
		Products []Product `json:"products"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", authz).
		SetQueryParam("product_type", "SPOT").
		SetResult(&result).
		Get("/api/v3/brokerage/products")
	if err != nil {
		return nil, fmt.Errorf("get products: %w", err)
	}
	if err := c.after(resp); err != nil {
		return nil, err
	}
	return result.Products, nil
}

// Granularity values accepted by the candles endpoint.
const (
	GranularityOneMinute  = "ONE_MINUTE"
	GranularityFiveMinute = "FIVE_MINUTE"
	GranularityOneHour    = "ONE_HOUR"
)

type rawCandle struct {
	Start  string `json:"start"` // unix seconds
	Low    string `json:"low"`
	High   string `json:"high"`
	Open   string `json:"open"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

// GetCandles fetches OHLCV bars for one product inside [start, end],
// returned oldest first.
func (c *Client) GetCandles(ctx context.Context, productID, granularity string, start, end time.Time) ([]types.Bar, error) {
	authz, err := c.before(ctx)
	if err != nil {
		return nil, err
	}

	var result struct {
		Candles []rawCandle `json:"candles"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", authz).
		SetQueryParam("granularity", granularity).
		SetQueryParam("start", strconv.FormatInt(start.Unix(), 10)).
		SetQueryParam("end", strconv.FormatInt(end.Unix(), 10)).
		SetResult(&result).
		Get("/api/v3/brokerage/products/" + productID + "/candles")
	if err != nil {
		return nil, fmt.Errorf("get candles: %w", err)
	}
	if err := c.after(resp); err != nil {
		return nil, err
	}

	bars := make([]types.Bar, 0, len(result.Candles))
	for _, rc := range result.Candles {
		secs, err := strconv.ParseInt(rc.Start, 10, 64)
		if err != nil {
			continue
		}
		bars = append(bars, types.Bar{
			Time:   time.Unix(secs, 0).UTC(),
			Open:   parseFloat(rc.Open),
			High:   parseFloat(rc.High),
			Low:    parseFloat(rc.Low),
			Close:  parseFloat(rc.Close),
			Volume: parseFloat(rc.Volume),
		})
	}
	// The API returns newest first.
	sort.Slice(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	return bars, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
