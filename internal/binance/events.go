package binance

import "github.com/shopspring/decimal"

// Side labels the taker side of a trade or the side of an order.
type Side string

// Order sides as the exchange spells them.
const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PriceLevel is one order book rung: price and resting quantity.
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Balance is one asset line of an account, on REST and user stream alike.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// Event is one decoded exchange payload. Kind names the payload family for
// logs and metrics. The unexported method keeps the set closed so consumers
// can switch exhaustively over the concrete types below.
type Event interface {
	Kind() string
	isEvent()
}

// Ticker is a rolling 24h statistics refresh.
type Ticker struct {
	Symbol         string
	LastPrice      decimal.Decimal
	PriceChangePct decimal.Decimal
	Volume         decimal.Decimal
	EventTimeMS    int64
}

// Trade is a single match printed on the trade stream. Side is the taker
// side: a buyer-maker print means the aggressor sold.
type Trade struct {
	Symbol      string
	TradeID     int64
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	Side        Side
	TradeTimeMS int64
}

// DepthUpdate is a differential order book update. Zero-quantity levels
// delete the price from the book.
type DepthUpdate struct {
	Symbol        string
	FinalUpdateID int64
	Bids          []PriceLevel
	Asks          []PriceLevel
	EventTimeMS   int64
}

// DepthSnapshot is a full order book image, produced by the REST depth
// endpoint and by partial-book streams. Symbol is empty when the wire shape
// did not carry one.
type DepthSnapshot struct {
	Symbol       string
	LastUpdateID int64
	Bids         []PriceLevel
	Asks         []PriceLevel
}

// Kline is one candlestick refresh. Closed marks the final print of the
// interval bucket.
type Kline struct {
	Symbol      string
	Interval    string
	OpenTimeMS  int64
	CloseTimeMS int64
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	Volume      decimal.Decimal
	Closed      bool
}

// AccountUpdate carries the balances changed by an account-level event on
// the user data stream.
type AccountUpdate struct {
	EventTimeMS  int64
	LastUpdateMS int64
	Balances     []Balance
}

// BalanceUpdate is a single-asset delta from a deposit, withdrawal, or
// transfer.
type BalanceUpdate struct {
	EventTimeMS int64
	Asset       string
	Delta       decimal.Decimal
	ClearTimeMS int64
}

// OrderUpdate is an execution report from the user data stream.
type OrderUpdate struct {
	EventTimeMS       int64
	Symbol            string
	ClientOrderID     string
	Side              Side
	OrderType         string
	TimeInForce       string
	Quantity          decimal.Decimal
	Price             decimal.Decimal
	StopPrice         decimal.Decimal
	IcebergQty        decimal.Decimal
	OrderListID       int64
	OrigClientOrderID string
	ExecutionType     string
	Status            string
	RejectReason      string
	OrderID           int64
	LastFilledQty     decimal.Decimal
	FilledQty         decimal.Decimal
	LastFilledPrice   decimal.Decimal
	Commission        decimal.Decimal
	CommissionAsset   string
	TransactTimeMS    int64
	TradeID           int64
	OnBook            bool
	Maker             bool
	CreatedAtMS       int64
	QuoteFilled       decimal.Decimal
	LastQuoteFilled   decimal.Decimal
	QuoteQty          decimal.Decimal
}

// ControlAck confirms a SUBSCRIBE or UNSUBSCRIBE request by its id.
type ControlAck struct {
	ID uint64
}

func (Ticker) Kind() string        { return "ticker" }
func (Trade) Kind() string         { return "trade" }
func (DepthUpdate) Kind() string   { return "depth" }
func (DepthSnapshot) Kind() string { return "depth_snapshot" }
func (Kline) Kind() string         { return "kline" }
func (AccountUpdate) Kind() string { return "account_update" }
func (BalanceUpdate) Kind() string { return "balance_update" }
func (OrderUpdate) Kind() string   { return "order_update" }
func (ControlAck) Kind() string    { return "control_ack" }

func (Ticker) isEvent()        {}
func (Trade) isEvent()         {}
func (DepthUpdate) isEvent()   {}
func (DepthSnapshot) isEvent() {}
func (Kline) isEvent()         {}
func (AccountUpdate) isEvent() {}
func (BalanceUpdate) isEvent() {}
func (OrderUpdate) isEvent()   {}
func (ControlAck) isEvent()    {}
