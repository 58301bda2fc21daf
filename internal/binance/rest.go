package binance

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/tickwire/tickwire/config"
	"github.com/tickwire/tickwire/errs"
	"github.com/tickwire/tickwire/internal/httpwire"
	"github.com/tickwire/tickwire/internal/ident"
	"github.com/tickwire/tickwire/internal/observability"
	"github.com/tickwire/tickwire/internal/timing"
)

const source = "binance"

const (
	pathPing           = "/api/v3/ping"
	pathTime           = "/api/v3/time"
	pathExchangeInfo   = "/api/v3/exchangeInfo"
	pathDepth          = "/api/v3/depth"
	pathAccount        = "/api/v3/account"
	pathOrder          = "/api/v3/order"
	pathOrderTest      = "/api/v3/order/test"
	pathOpenOrders     = "/api/v3/openOrders"
	pathUserDataStream = "/api/v3/userDataStream"
)

const (
	headerAPIKey = "X-MBX-APIKEY"

	defaultRecvWindow = 5 * time.Second

	// Public reads retry on transport faults and 5xx replies.
	getAttempts       = 3
	retryInitialDelay = 250 * time.Millisecond
	retryMaxDelay     = 2 * time.Second
)

// Order types accepted by the order endpoints.
const (
	OrderTypeMarket        = "MARKET"
	OrderTypeLimit         = "LIMIT"
	OrderTypeStopLoss      = "STOP_LOSS"
	OrderTypeStopLossLimit = "STOP_LOSS_LIMIT"
)

// Time-in-force policies for limit orders.
const (
	TimeInForceGTC = "GTC"
	TimeInForceIOC = "IOC"
	TimeInForceFOK = "FOK"
)

// HTTPDoer is the slice of the wire client the REST boundary uses.
type HTTPDoer interface {
	Do(ctx context.Context, req *httpwire.Request) (*httpwire.Response, error)
}

// RestClient calls the exchange REST API over the repo's own HTTP/1.1 wire
// client. Public endpoints work without credentials; signed endpoints and
// the listen-key lifecycle need them.
type RestClient struct {
	baseURL    string
	http       HTTPDoer
	signer     *Signer
	recvWindow time.Duration
	now        func() int64
}

// RestOption adjusts REST client construction.
type RestOption func(*RestClient)

// WithHTTPClient replaces the wire client. Test seam.
func WithHTTPClient(h HTTPDoer) RestOption {
	return func(c *RestClient) {
		if h != nil {
			c.http = h
		}
	}
}

// WithClock injects the millisecond clock stamped into signed queries.
func WithClock(now func() int64) RestOption {
	return func(c *RestClient) {
		if now != nil {
			c.now = now
		}
	}
}

// NewRestClient builds a REST client from settings. Credentials, when
// configured, unlock the signed endpoints.
func NewRestClient(cfg config.BinanceSettings, opts ...RestOption) *RestClient {
	recvWindow := cfg.RecvWindow
	if recvWindow <= 0 {
		recvWindow = defaultRecvWindow
	}
	c := &RestClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.RESTBaseURL), "/"),
		http:       httpwire.NewClient(),
		recvWindow: recvWindow,
		now:        timing.NowMillis,
	}
	if cfg.Credentials.Configured() {
		c.signer = &Signer{apiKey: cfg.Credentials.APIKey, secret: cfg.Credentials.APISecret}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// ExchangeInfo is the trading rules and symbol catalogue. Only the fields
// the client consumes are decoded.
type ExchangeInfo struct {
	Timezone   string       `json:"timezone"`
	ServerTime int64        `json:"serverTime"`
	Symbols    []SymbolInfo `json:"symbols"`
}

// SymbolInfo describes one tradable instrument.
type SymbolInfo struct {
	Symbol     string `json:"symbol"`
	Status     string `json:"status"`
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
}

// AccountInfo is the signed account endpoint response.
type AccountInfo struct {
	MakerCommission int64     `json:"makerCommission"`
	TakerCommission int64     `json:"takerCommission"`
	CanTrade        bool      `json:"canTrade"`
	CanWithdraw     bool      `json:"canWithdraw"`
	CanDeposit      bool      `json:"canDeposit"`
	UpdateTimeMS    int64     `json:"updateTime"`
	AccountType     string    `json:"accountType"`
	Balances        []Balance `json:"balances"`
	Permissions     []string  `json:"permissions"`
}

// Order is the REST order representation shared by the place, cancel,
// query, and open-orders calls. Fields a given endpoint omits keep their
// zero values.
type Order struct {
	Symbol            string          `json:"symbol"`
	OrderID           int64           `json:"orderId"`
	OrderListID       int64           `json:"orderListId"`
	ClientOrderID     string          `json:"clientOrderId"`
	OrigClientOrderID string          `json:"origClientOrderId"`
	TransactTimeMS    int64           `json:"transactTime"`
	Price             decimal.Decimal `json:"price"`
	OrigQty           decimal.Decimal `json:"origQty"`
	ExecutedQty       decimal.Decimal `json:"executedQty"`
	CumQuoteQty       decimal.Decimal `json:"cummulativeQuoteQty"`
	Status            string          `json:"status"`
	TimeInForce       string          `json:"timeInForce"`
	Type              string          `json:"type"`
	Side              Side            `json:"side"`
	StopPrice         decimal.Decimal `json:"stopPrice"`
	IcebergQty        decimal.Decimal `json:"icebergQty"`
	TimeMS            int64           `json:"time"`
	UpdateTimeMS      int64           `json:"updateTime"`
	IsWorking         bool            `json:"isWorking"`
}

// OrderRequest carries the fields of a new order. Zero-valued optionals are
// left out of the signed query.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          string
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	TimeInForce   string
	StopPrice     decimal.Decimal
	IcebergQty    decimal.Decimal
	ClientOrderID string
}

func (r OrderRequest) params() (url.Values, error) {
	symbol := strings.ToUpper(strings.TrimSpace(r.Symbol))
	if symbol == "" || r.Side == "" || r.Type == "" {
		return nil, errs.New(source, errs.CodeInvalid,
			errs.WithMessage("order needs symbol, side, and type"))
	}
	v := url.Values{}
	v.Set("symbol", symbol)
	v.Set("side", string(r.Side))
	v.Set("type", r.Type)
	if !r.Quantity.IsZero() {
		v.Set("quantity", r.Quantity.String())
	}
	if !r.Price.IsZero() {
		v.Set("price", r.Price.String())
	}
	if r.TimeInForce != "" {
		v.Set("timeInForce", r.TimeInForce)
	}
	if !r.StopPrice.IsZero() {
		v.Set("stopPrice", r.StopPrice.String())
	}
	if !r.IcebergQty.IsZero() {
		v.Set("icebergQty", r.IcebergQty.String())
	}
	if r.ClientOrderID != "" {
		v.Set("newClientOrderId", r.ClientOrderID)
	}
	return v, nil
}

// Ping checks REST connectivity.
func (c *RestClient) Ping(ctx context.Context) error {
	_, err := c.get(ctx, pathPing, nil)
	return err
}

// ServerTime returns the exchange clock in unix milliseconds.
func (c *RestClient) ServerTime(ctx context.Context) (int64, error) {
	body, err := c.get(ctx, pathTime, nil)
	if err != nil {
		return 0, err
	}
	var reply struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return 0, decodeErr("server time", err)
	}
	return reply.ServerTime, nil
}

// GetExchangeInfo fetches the trading rules and symbol catalogue.
func (c *RestClient) GetExchangeInfo(ctx context.Context) (*ExchangeInfo, error) {
	body, err := c.get(ctx, pathExchangeInfo, nil)
	if err != nil {
		return nil, err
	}
	var info ExchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, decodeErr("exchange info", err)
	}
	return &info, nil
}

// Depth fetches an order book snapshot. Limit above zero bounds the number
// of levels per side.
func (c *RestClient) Depth(ctx context.Context, symbol string, limit int) (*DepthSnapshot, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	params := url.Values{}
	params.Set("symbol", symbol)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.get(ctx, pathDepth, params)
	if err != nil {
		return nil, err
	}
	snap, err := parseDepthSnapshot(body)
	if err != nil {
		return nil, err
	}
	snap.Symbol = symbol
	return &snap, nil
}

// Account fetches balances and trading permissions. Signed.
func (c *RestClient) Account(ctx context.Context) (*AccountInfo, error) {
	body, err := c.signed(ctx, httpwire.MethodGet, pathAccount, nil)
	if err != nil {
		return nil, err
	}
	var info AccountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, decodeErr("account info", err)
	}
	return &info, nil
}

// NewOrder places an order. A client order id is generated when the request
// does not carry one, so every order stays correlatable. Signed.
func (c *RestClient) NewOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = ident.ClientOrderID()
	}
	params, err := req.params()
	if err != nil {
		return nil, err
	}
	body, err := c.signed(ctx, httpwire.MethodPost, pathOrder, params)
	if err != nil {
		return nil, err
	}
	return decodeOrder(body)
}

// TestNewOrder validates an order against the exchange rules without
// touching the matching engine. Signed.
func (c *RestClient) TestNewOrder(ctx context.Context, req OrderRequest) error {
	params, err := req.params()
	if err != nil {
		return err
	}
	_, err = c.signed(ctx, httpwire.MethodPost, pathOrderTest, params)
	return err
}

// CancelOrder cancels an open order by exchange order id. Signed.
func (c *RestClient) CancelOrder(ctx context.Context, symbol string, orderID int64) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(strings.TrimSpace(symbol)))
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	body, err := c.signed(ctx, httpwire.MethodDelete, pathOrder, params)
	if err != nil {
		return nil, err
	}
	return decodeOrder(body)
}

// QueryOrder fetches the current state of an order. Signed.
func (c *RestClient) QueryOrder(ctx context.Context, symbol string, orderID int64) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(strings.TrimSpace(symbol)))
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	body, err := c.signed(ctx, httpwire.MethodGet, pathOrder, params)
	if err != nil {
		return nil, err
	}
	return decodeOrder(body)
}

// OpenOrders lists open orders for one symbol, or every symbol when symbol
// is empty. Signed.
func (c *RestClient) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	params := url.Values{}
	if symbol = strings.ToUpper(strings.TrimSpace(symbol)); symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.signed(ctx, httpwire.MethodGet, pathOpenOrders, params)
	if err != nil {
		return nil, err
	}
	var orders []Order
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, decodeErr("open orders", err)
	}
	return orders, nil
}

func decodeOrder(body []byte) (*Order, error) {
	var order Order
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, decodeErr("order response", err)
	}
	return &order, nil
}

// get performs a public GET with retries. Transient transport faults and
// server-side errors back off between attempts; client rejections and rate
// limits fail immediately.
func (c *RestClient) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialDelay
	bo.MaxInterval = retryMaxDelay
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= getAttempts; attempt++ {
		if attempt > 1 {
			wait := bo.NextBackOff()
			observability.Log().Debug("retrying rest request",
				observability.Field{Key: "path", Value: path},
				observability.Field{Key: "attempt", Value: attempt},
				observability.Field{Key: "delay_ms", Value: wait.Milliseconds()})
			select {
			case <-ctx.Done():
				return nil, errs.New(source, errs.CodeNetwork,
					errs.WithMessage("request cancelled"),
					errs.WithCause(ctx.Err()))
			case <-time.After(wait):
			}
		}
		body, err := c.exchange(ctx, &httpwire.Request{Method: httpwire.MethodGet, URL: target})
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return nil, lastErr
}

// signed performs a signed request. The signature covers the encoded query
// including timestamp and recvWindow; parameters travel in the URL with an
// empty body regardless of method. Never retried: order calls are not
// idempotent and a replayed timestamp would fail the recv window anyway.
func (c *RestClient) signed(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if c.signer == nil {
		return nil, errs.New(source, errs.CodeAuth,
			errs.WithMessage("api credentials not configured"))
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
	query := params.Encode()
	query += "&signature=" + c.signer.Sign(query)

	req := &httpwire.Request{
		Method:  method,
		URL:     c.baseURL + path + "?" + query,
		Headers: []httpwire.Header{{Name: headerAPIKey, Value: c.signer.APIKey()}},
	}
	return c.exchange(ctx, req)
}

func (c *RestClient) exchange(ctx context.Context, req *httpwire.Request) ([]byte, error) {
	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, apiError(resp)
	}
	return resp.Body, nil
}

// apiError maps a non-2xx reply onto the error taxonomy, keeping the raw
// code and message the exchange sent. 418 is the exchange's auto-ban reply
// to clients that keep hammering after a 429.
func apiError(resp *httpwire.Response) error {
	code := errs.CodeExchange
	switch {
	case resp.Status == 429 || resp.Status == 418:
		code = errs.CodeRateLimited
	case resp.Status == 401 || resp.Status == 403:
		code = errs.CodeAuth
	case resp.Status >= 500:
		code = errs.CodeUnavailable
	}
	opts := []errs.Option{
		errs.WithHTTP(resp.Status),
		errs.WithMessage("exchange rejected request"),
	}
	var apiErr struct {
		Code int64  `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(resp.Body, &apiErr); err == nil && apiErr.Msg != "" {
		opts = append(opts,
			errs.WithRawCode(strconv.FormatInt(apiErr.Code, 10)),
			errs.WithRawMessage(apiErr.Msg))
	}
	return errs.New(source, code, opts...)
}

func retryable(err error) bool {
	if errs.IsCode(err, errs.CodeNetwork) {
		return true
	}
	var e *errs.E
	return errors.As(err, &e) && e.HTTP >= 500
}
