package binance

import (
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/tickwire/tickwire/errs"
)

// ParseMessage decodes one websocket text payload into a typed event.
// Combined-stream envelopes are unwrapped first. Payloads dispatch on their
// "e" tag; the two shapes without one, partial-book snapshots and
// subscription acks, are recognised structurally.
func ParseMessage(raw []byte) (Event, error) {
	var envelope wsEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, errs.New(source, errs.CodeProtocol,
			errs.WithMessage("malformed stream payload"),
			errs.WithCause(err))
	}
	data := raw
	if len(envelope.Data) > 0 {
		data = envelope.Data
	}

	meta := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errs.New(source, errs.CodeProtocol,
			errs.WithMessage("stream payload is not an object"),
			errs.WithCause(err))
	}

	var eventType string
	if rawType, ok := meta["e"]; ok {
		if err := json.Unmarshal(rawType, &eventType); err != nil {
			return nil, errs.New(source, errs.CodeProtocol,
				errs.WithMessage("malformed event type tag"),
				errs.WithCause(err))
		}
	}

	switch strings.ToLower(eventType) {
	case "24hrticker", "ticker":
		return parseTicker(data)
	case "trade":
		return parseTrade(data)
	case "depthupdate":
		return parseDepthUpdate(data)
	case "kline":
		return parseKline(data)
	case "outboundaccountposition":
		return parseAccountUpdate(data)
	case "balanceupdate":
		return parseBalanceUpdate(data)
	case "executionreport":
		return parseOrderUpdate(data)
	}

	if _, ok := meta["lastUpdateId"]; ok {
		snap, err := parseDepthSnapshot(data)
		if err != nil {
			return nil, err
		}
		// Partial-book payloads carry no symbol; the combined-stream name
		// does.
		snap.Symbol = StreamSymbol(envelope.Stream)
		return snap, nil
	}
	if _, ok := meta["id"]; ok {
		if _, ok := meta["result"]; ok {
			var ack controlAckMsg
			if err := json.Unmarshal(data, &ack); err != nil {
				return nil, errs.New(source, errs.CodeProtocol,
					errs.WithMessage("malformed control ack"),
					errs.WithCause(err))
			}
			return ControlAck{ID: ack.ID}, nil
		}
	}

	if eventType != "" {
		return nil, errs.New(source, errs.CodeProtocol,
			errs.WithMessage("unsupported stream event"),
			errs.WithRawMessage(eventType))
	}
	return nil, errs.New(source, errs.CodeProtocol,
		errs.WithMessage("unrecognised stream payload"))
}

func parseTicker(data []byte) (Event, error) {
	var msg tickerMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, decodeErr("ticker", err)
	}
	if msg.Symbol == "" {
		return nil, missingSymbol("ticker")
	}
	var p decParser
	evt := Ticker{
		Symbol:         msg.Symbol,
		LastPrice:      p.parse("ticker last price", msg.LastPrice),
		PriceChangePct: p.parse("ticker price change", msg.ChangePct),
		Volume:         p.parse("ticker volume", msg.Volume),
		EventTimeMS:    msg.EventTime,
	}
	if p.err != nil {
		return nil, p.err
	}
	return evt, nil
}

func parseTrade(data []byte) (Event, error) {
	var msg tradeMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, decodeErr("trade", err)
	}
	if msg.Symbol == "" {
		return nil, missingSymbol("trade")
	}
	side := SideBuy
	if msg.IsBuyerMaker {
		side = SideSell
	}
	var p decParser
	evt := Trade{
		Symbol:      msg.Symbol,
		TradeID:     msg.TradeID,
		Price:       p.parse("trade price", msg.Price),
		Quantity:    p.parse("trade quantity", msg.Quantity),
		Side:        side,
		TradeTimeMS: msg.TradeTime,
	}
	if p.err != nil {
		return nil, p.err
	}
	return evt, nil
}

func parseDepthUpdate(data []byte) (Event, error) {
	var msg depthMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, decodeErr("depth update", err)
	}
	if msg.Symbol == "" {
		return nil, missingSymbol("depth update")
	}
	var p decParser
	evt := DepthUpdate{
		Symbol:        msg.Symbol,
		FinalUpdateID: msg.FinalUpdateID,
		Bids:          toPriceLevels(&p, "bid", msg.Bids),
		Asks:          toPriceLevels(&p, "ask", msg.Asks),
		EventTimeMS:   msg.EventTime,
	}
	if p.err != nil {
		return nil, p.err
	}
	return evt, nil
}

func parseDepthSnapshot(data []byte) (DepthSnapshot, error) {
	var msg depthSnapshotMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return DepthSnapshot{}, decodeErr("depth snapshot", err)
	}
	var p decParser
	snap := DepthSnapshot{
		LastUpdateID: msg.LastUpdateID,
		Bids:         toPriceLevels(&p, "bid", msg.Bids),
		Asks:         toPriceLevels(&p, "ask", msg.Asks),
	}
	if p.err != nil {
		return DepthSnapshot{}, p.err
	}
	return snap, nil
}

func parseKline(data []byte) (Event, error) {
	var msg klineMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, decodeErr("kline", err)
	}
	k := msg.Kline
	if k.Symbol == "" {
		return nil, missingSymbol("kline")
	}
	var p decParser
	evt := Kline{
		Symbol:      k.Symbol,
		Interval:    k.Interval,
		OpenTimeMS:  k.OpenTime,
		CloseTimeMS: k.CloseTime,
		Open:        p.parse("kline open", k.Open),
		High:        p.parse("kline high", k.High),
		Low:         p.parse("kline low", k.Low),
		Close:       p.parse("kline close", k.Close),
		Volume:      p.parse("kline volume", k.Volume),
		Closed:      k.Closed,
	}
	if p.err != nil {
		return nil, p.err
	}
	return evt, nil
}

func parseAccountUpdate(data []byte) (Event, error) {
	var msg accountPositionMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, decodeErr("account update", err)
	}
	var p decParser
	balances := make([]Balance, 0, len(msg.Balances))
	for _, b := range msg.Balances {
		balances = append(balances, Balance{
			Asset:  b.Asset,
			Free:   p.parse("free balance", b.Free),
			Locked: p.parse("locked balance", b.Locked),
		})
	}
	if p.err != nil {
		return nil, p.err
	}
	return AccountUpdate{
		EventTimeMS:  msg.EventTime,
		LastUpdateMS: msg.LastUpdate,
		Balances:     balances,
	}, nil
}

func parseBalanceUpdate(data []byte) (Event, error) {
	var msg balanceDeltaMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, decodeErr("balance update", err)
	}
	var p decParser
	evt := BalanceUpdate{
		EventTimeMS: msg.EventTime,
		Asset:       msg.Asset,
		Delta:       p.parse("balance delta", msg.Delta),
		ClearTimeMS: msg.ClearTime,
	}
	if p.err != nil {
		return nil, p.err
	}
	return evt, nil
}

func parseOrderUpdate(data []byte) (Event, error) {
	var msg execReportMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, decodeErr("execution report", err)
	}
	side := SideBuy
	if msg.Side == string(SideSell) {
		side = SideSell
	}
	var p decParser
	evt := OrderUpdate{
		EventTimeMS:       msg.EventTime,
		Symbol:            msg.Symbol,
		ClientOrderID:     msg.ClientOrderID,
		Side:              side,
		OrderType:         msg.OrderType,
		TimeInForce:       msg.TimeInForce,
		Quantity:          p.parse("order quantity", msg.Quantity),
		Price:             p.parse("order price", msg.Price),
		StopPrice:         p.parse("stop price", msg.StopPrice),
		IcebergQty:        p.parse("iceberg quantity", msg.IcebergQty),
		OrderListID:       msg.OrderListID,
		OrigClientOrderID: msg.OrigClientOrderID,
		ExecutionType:     msg.ExecutionType,
		Status:            msg.Status,
		RejectReason:      msg.RejectReason,
		OrderID:           msg.OrderID,
		LastFilledQty:     p.parse("last executed quantity", msg.LastFilledQty),
		FilledQty:         p.parse("cumulative filled quantity", msg.FilledQty),
		LastFilledPrice:   p.parse("last executed price", msg.LastFilledPrice),
		Commission:        p.parse("commission amount", msg.Commission),
		CommissionAsset:   msg.CommissionAsset,
		TransactTimeMS:    msg.TransactTime,
		TradeID:           msg.TradeID,
		OnBook:            msg.OnBook,
		Maker:             msg.Maker,
		CreatedAtMS:       msg.CreatedAt,
		QuoteFilled:       p.parse("cumulative quote quantity", msg.QuoteFilled),
		LastQuoteFilled:   p.parse("last quote quantity", msg.LastQuoteFilled),
		QuoteQty:          p.parse("quote order quantity", msg.QuoteQty),
	}
	if p.err != nil {
		return nil, p.err
	}
	return evt, nil
}

// decParser converts wire decimal strings, remembering the first failure so
// call sites stay flat. Empty strings decode to zero, matching how the
// exchange omits fields.
type decParser struct {
	err error
}

func (p *decParser) parse(name, value string) decimal.Decimal {
	if p.err != nil || value == "" {
		return decimal.Decimal{}
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		p.err = errs.New(source, errs.CodeProtocol,
			errs.WithMessage("invalid "+name),
			errs.WithCause(err))
		return decimal.Decimal{}
	}
	return d
}

func toPriceLevels(p *decParser, name string, rows [][]string) []PriceLevel {
	out := make([]PriceLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		out = append(out, PriceLevel{
			Price:    p.parse(name+" price", row[0]),
			Quantity: p.parse(name+" quantity", row[1]),
		})
	}
	return out
}

func decodeErr(what string, err error) error {
	return errs.New(source, errs.CodeProtocol,
		errs.WithMessage("decode "+what),
		errs.WithCause(err))
}

func missingSymbol(what string) error {
	return errs.New(source, errs.CodeProtocol,
		errs.WithMessage("missing symbol in "+what))
}

type wsEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type tickerMsg struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
	ChangePct string `json:"P"`
	Volume    string `json:"v"`
}

type tradeMsg struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

type depthMsg struct {
	EventType     string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

type depthSnapshotMsg struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

type klineMsg struct {
	EventType string       `json:"e"`
	EventTime int64        `json:"E"`
	Kline     klinePayload `json:"k"`
}

type klinePayload struct {
	Symbol    string `json:"s"`
	Interval  string `json:"i"`
	OpenTime  int64  `json:"t"`
	CloseTime int64  `json:"T"`
	Open      string `json:"o"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Close     string `json:"c"`
	Volume    string `json:"v"`
	Closed    bool   `json:"x"`
}

type accountPositionMsg struct {
	EventType  string              `json:"e"`
	EventTime  int64               `json:"E"`
	LastUpdate int64               `json:"u"`
	Balances   []accountBalanceMsg `json:"B"`
}

type accountBalanceMsg struct {
	Asset  string `json:"a"`
	Free   string `json:"f"`
	Locked string `json:"l"`
}

type balanceDeltaMsg struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Asset     string `json:"a"`
	Delta     string `json:"d"`
	ClearTime int64  `json:"T"`
}

type execReportMsg struct {
	EventType         string `json:"e"`
	EventTime         int64  `json:"E"`
	Symbol            string `json:"s"`
	ClientOrderID     string `json:"c"`
	Side              string `json:"S"`
	OrderType         string `json:"o"`
	TimeInForce       string `json:"f"`
	Quantity          string `json:"q"`
	Price             string `json:"p"`
	StopPrice         string `json:"P"`
	IcebergQty        string `json:"F"`
	OrderListID       int64  `json:"g"`
	OrigClientOrderID string `json:"C"`
	ExecutionType     string `json:"x"`
	Status            string `json:"X"`
	RejectReason      string `json:"r"`
	OrderID           int64  `json:"i"`
	LastFilledQty     string `json:"l"`
	FilledQty         string `json:"z"`
	LastFilledPrice   string `json:"L"`
	Commission        string `json:"n"`
	CommissionAsset   string `json:"N"`
	TransactTime      int64  `json:"T"`
	TradeID           int64  `json:"t"`
	OnBook            bool   `json:"w"`
	Maker             bool   `json:"m"`
	CreatedAt         int64  `json:"O"`
	QuoteFilled       string `json:"Z"`
	LastQuoteFilled   string `json:"Y"`
	QuoteQty          string `json:"Q"`
}

type controlAckMsg struct {
	Result json.RawMessage `json:"result"`
	ID     uint64          `json:"id"`
}
