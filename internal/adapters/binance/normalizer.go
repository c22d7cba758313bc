package binance

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/crossfeed/internal/catalog"
	"github.com/coachpo/crossfeed/internal/schema"
	"github.com/coachpo/crossfeed/internal/stream"
)

type combinedEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type depthUpdate struct {
	EventType string     `json:"e"`
	EventTime int64      `json:"E"`
	Symbol    string     `json:"s"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

type markPriceUpdate struct {
	EventType   string `json:"e"`
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	MarkPrice   string `json:"p"`
	FundingRate string `json:"r"`
}

type tickerUpdate struct {
	EventType  string `json:"e"`
	EventTime  int64  `json:"E"`
	Symbol     string `json:"s"`
	BaseVolume string `json:"v"`
}

type executionReport struct {
	EventType   string `json:"e"`
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	Side        string `json:"S"`
	OrderType   string `json:"o"`
	TimeInForce string `json:"f"`
	Quantity    string `json:"q"`
	Price       string `json:"p"`
	StopPrice   string `json:"P"`
	Status      string `json:"X"`
	OrderID     int64  `json:"i"`
	FilledQty   string `json:"z"`
	CumQuoteQty string `json:"Z"`
}

type accountPosition struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Balances  []struct {
		Asset  string `json:"a"`
		Free   string `json:"f"`
		Locked string `json:"l"`
	} `json:"B"`
}

type ackResponse struct {
	Result *json.RawMessage `json:"result"`
	ID     *uint64          `json:"id"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

// Normalize implements stream.ExchangeAdapter. It accepts both combined-stream
// envelopes (market data) and bare frames (user data stream, control acks).
func (a *Adapter) Normalize(raw []byte) ([]schema.Event, error) {
	var envelope combinedEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("parse binance frame: %w", err)
	}
	data := envelope.Data
	if envelope.Stream == "" {
		data = raw
	}

	var peek struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return nil, fmt.Errorf("parse binance event type: %w", err)
	}
	if peek.EventType == "" {
		// SUBSCRIBE/UNSUBSCRIBE acknowledgements carry no event type.
		var ack ackResponse
		if err := json.Unmarshal(data, &ack); err == nil && ack.Error != nil {
			return nil, fmt.Errorf("binance control error %d: %s", ack.Error.Code, ack.Error.Msg)
		}
		return nil, nil
	}

	switch strings.ToLower(peek.EventType) {
	case "depthupdate":
		return a.normalizeDepth(data)
	case "markpriceupdate":
		return a.normalizeMarkPrice(data)
	case "24hrticker", "ticker":
		return a.normalizeTicker(data)
	case "executionreport":
		return a.normalizeExecutionReport(data)
	case "outboundaccountposition":
		return a.normalizeAccountPosition(data)
	default:
		return nil, nil
	}
}

func (a *Adapter) normalizeDepth(data []byte) ([]schema.Event, error) {
	var payload depthUpdate
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode depth update: %w", err)
	}
	product, err := a.products.ResolveNative(payload.Symbol, catalog.ContractSpot)
	if err != nil {
		return nil, err
	}
	bids, err := parseLevels(payload.Bids)
	if err != nil {
		return nil, fmt.Errorf("decode depth bids: %w", err)
	}
	asks, err := parseLevels(payload.Asks)
	if err != nil {
		return nil, fmt.Errorf("decode depth asks: %w", err)
	}
	stream.ObserveDelay("binance", schema.FeedOrderBook, eventTime(payload.EventTime))
	cache := a.book(product.Symbol)
	// Diffs only carry changed levels; the first one seeds the cache from
	// the REST snapshot so subscribers never see a partial book.
	if !cache.Seeded() {
		if err := a.depth.seed(cache, product.Native); err != nil {
			return nil, fmt.Errorf("seed %s book: %w", product.Symbol, err)
		}
	}
	book := cache.ApplyDelta(bids, asks)
	return []schema.Event{{
		Symbol:   product.Symbol,
		Feed:     schema.FeedOrderBook,
		Received: time.Now(),
		Payload:  book,
	}}, nil
}

func (a *Adapter) normalizeMarkPrice(data []byte) ([]schema.Event, error) {
	var payload markPriceUpdate
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode mark price update: %w", err)
	}
	product, err := a.products.ResolveNative(payload.Symbol, catalog.ContractPerpetual, catalog.ContractSpot)
	if err != nil {
		return nil, err
	}
	mark, err := decimal.NewFromString(payload.MarkPrice)
	if err != nil {
		return nil, fmt.Errorf("decode mark price: %w", err)
	}
	events := []schema.Event{{
		Symbol:   product.Symbol,
		Feed:     schema.FeedMarkPrice,
		Received: time.Now(),
		Payload:  schema.MarkPrice{Symbol: product.Symbol, MarkPrice: mark},
	}}
	// The same stream carries the funding rate; subscribers of either feed
	// are served by the dispatch-time membership check.
	if payload.FundingRate != "" {
		rate, err := decimal.NewFromString(payload.FundingRate)
		if err != nil {
			return nil, fmt.Errorf("decode funding rate: %w", err)
		}
		events = append(events, schema.Event{
			Symbol:   product.Symbol,
			Feed:     schema.FeedFundingRate,
			Received: time.Now(),
			Payload:  schema.FundingRate{Symbol: product.Symbol, FundingRate: rate},
		})
	}
	return events, nil
}

func (a *Adapter) normalizeTicker(data []byte) ([]schema.Event, error) {
	var payload tickerUpdate
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode ticker: %w", err)
	}
	product, err := a.products.ResolveNative(payload.Symbol, catalog.ContractSpot)
	if err != nil {
		return nil, err
	}
	volume, err := decimal.NewFromString(payload.BaseVolume)
	if err != nil {
		return nil, fmt.Errorf("decode ticker volume: %w", err)
	}
	return []schema.Event{{
		Symbol:   product.Symbol,
		Feed:     schema.FeedVolume,
		Received: time.Now(),
		Payload:  schema.Volume{Symbol: product.Symbol, Volume: volume},
	}}, nil
}

func (a *Adapter) normalizeExecutionReport(data []byte) ([]schema.Event, error) {
	var payload executionReport
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode execution report: %w", err)
	}
	product, err := a.products.ResolveNative(payload.Symbol, catalog.ContractSpot)
	if err != nil {
		return nil, err
	}
	size := mustDecimal(payload.Quantity)
	filled := mustDecimal(payload.FilledQty)
	order := schema.Order{
		ID:           fmt.Sprintf("%d", payload.OrderID),
		Type:         orderType(payload.OrderType),
		Status:       orderStatus(payload.Status),
		Symbol:       product.Symbol,
		Side:         orderSide(payload.Side),
		Size:         size,
		FilledSize:   filled,
		UnfilledSize: size.Sub(filled),
		LimitPrice:   mustDecimal(payload.Price),
		StopPrice:    mustDecimal(payload.StopPrice),
		TimeInForce:  payload.TimeInForce,
	}
	if cumQuote := mustDecimal(payload.CumQuoteQty); filled.Sign() > 0 && cumQuote.Sign() > 0 {
		order.AveragePrice = cumQuote.Div(filled)
	}
	return []schema.Event{{
		Symbol:   product.Symbol,
		Feed:     schema.FeedOrders,
		Received: time.Now(),
		Payload:  order,
	}}, nil
}

func (a *Adapter) normalizeAccountPosition(data []byte) ([]schema.Event, error) {
	var payload accountPosition
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode account position: %w", err)
	}
	events := make([]schema.Event, 0, len(payload.Balances))
	for _, b := range payload.Balances {
		free := mustDecimal(b.Free)
		locked := mustDecimal(b.Locked)
		events = append(events, schema.Event{
			Feed:     schema.FeedBalances,
			Received: time.Now(),
			Payload: schema.Balance{
				Asset:            b.Asset,
				Balance:          free.Add(locked),
				AvailableBalance: free,
			},
		})
	}
	return events, nil
}

func parseLevels(raw [][]string) ([]schema.PriceLevel, error) {
	levels := make([]schema.PriceLevel, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			return nil, fmt.Errorf("malformed price level %v", entry)
		}
		price, err := decimal.NewFromString(entry[0])
		if err != nil {
			return nil, err
		}
		size, err := decimal.NewFromString(entry[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, schema.PriceLevel{Price: price, Size: size})
	}
	return levels, nil
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func eventTime(millis int64) time.Time {
	if millis <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(millis)
}

func orderSide(side string) schema.OrderSide {
	if strings.EqualFold(side, "SELL") {
		return schema.SideSell
	}
	return schema.SideBuy
}

func orderType(t string) schema.OrderType {
	switch strings.ToUpper(t) {
	case "MARKET":
		return schema.OrderTypeMarket
	case "STOP_LOSS_LIMIT", "TAKE_PROFIT_LIMIT":
		return schema.OrderTypeStopLimit
	case "STOP_LOSS", "TAKE_PROFIT":
		return schema.OrderTypeStopMarket
	default:
		return schema.OrderTypeLimit
	}
}

func orderStatus(status string) schema.OrderStatus {
	switch strings.ToUpper(status) {
	case "NEW":
		return schema.OrderOpen
	case "PARTIALLY_FILLED":
		return schema.OrderPartiallyFilled
	case "FILLED":
		return schema.OrderFilled
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		return schema.OrderCancelled
	case "REJECTED":
		return schema.OrderRejected
	default:
		return schema.OrderOpen
	}
}
