package deribit

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/crossfeed/errs"
	"github.com/coachpo/crossfeed/internal/schema"
	"github.com/coachpo/crossfeed/internal/stream"
)

type rpcFrame struct {
	Method string `json:"method"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Params struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	} `json:"params"`
}

type bookData struct {
	Instrument string              `json:"instrument_name"`
	Type       string              `json:"type"`
	Timestamp  int64               `json:"timestamp"`
	Bids       [][]json.RawMessage `json:"bids"`
	Asks       [][]json.RawMessage `json:"asks"`
}

type tickerData struct {
	Instrument     string      `json:"instrument_name"`
	MarkPrice      json.Number `json:"mark_price"`
	CurrentFunding json.Number `json:"current_funding"`
	Timestamp      int64       `json:"timestamp"`
	Stats          struct {
		Volume json.Number `json:"volume"`
	} `json:"stats"`
}

type orderData struct {
	OrderID      string      `json:"order_id"`
	Instrument   string      `json:"instrument_name"`
	Direction    string      `json:"direction"`
	OrderType    string      `json:"order_type"`
	OrderState   string      `json:"order_state"`
	Amount       json.Number `json:"amount"`
	FilledAmount json.Number `json:"filled_amount"`
	AveragePrice json.Number `json:"average_price"`
	Price        json.Number `json:"price"`
	StopPrice    json.Number `json:"stop_price"`
	TimeInForce  string      `json:"time_in_force"`
}

type portfolioData struct {
	Currency          string      `json:"currency"`
	Balance           json.Number `json:"balance"`
	AvailableFunds    json.Number `json:"available_funds"`
	InitialMargin     json.Number `json:"initial_margin"`
	MaintenanceMargin json.Number `json:"maintenance_margin"`
}

type changesData struct {
	Positions []struct {
		Instrument       string      `json:"instrument_name"`
		Size             json.Number `json:"size"`
		AveragePrice     json.Number `json:"average_price"`
		MarkPrice        json.Number `json:"mark_price"`
		LiquidationPrice json.Number `json:"estimated_liquidation_price"`
		FloatingPnl      json.Number `json:"floating_profit_loss"`
	} `json:"positions"`
}

// Normalize implements stream.ExchangeAdapter.
func (a *Adapter) Normalize(raw []byte) ([]schema.Event, error) {
	var frame rpcFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("parse deribit frame: %w", err)
	}
	if frame.Error != nil {
		// 13004 invalid_credentials, 13009 unauthorized: the grant was
		// rejected, so the session must not be treated as authenticated.
		if frame.Error.Code == 13004 || frame.Error.Code == 13009 {
			return nil, errs.Unauthorized("deribit",
				fmt.Sprintf("auth rejected (code %d): %s", frame.Error.Code, frame.Error.Message))
		}
		return nil, fmt.Errorf("deribit error %d: %s", frame.Error.Code, frame.Error.Message)
	}
	if frame.Method != "subscription" {
		// RPC acknowledgements and heartbeat frames carry no market data.
		return nil, nil
	}

	channel := frame.Params.Channel
	switch {
	case strings.HasPrefix(channel, "book."):
		return a.normalizeBook(frame.Params.Data)
	case strings.HasPrefix(channel, "ticker."):
		return a.normalizeTicker(frame.Params.Data)
	case strings.HasPrefix(channel, "user.orders."):
		return a.normalizeOrder(frame.Params.Data)
	case strings.HasPrefix(channel, "user.portfolio."):
		return a.normalizePortfolio(frame.Params.Data)
	case strings.HasPrefix(channel, "user.changes."):
		return a.normalizeChanges(frame.Params.Data)
	default:
		return nil, nil
	}
}

func (a *Adapter) normalizeBook(data json.RawMessage) ([]schema.Event, error) {
	var payload bookData
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode deribit book: %w", err)
	}
	product, err := a.products.ResolveNative(payload.Instrument)
	if err != nil {
		return nil, err
	}
	bids, err := parseBookSide(payload.Bids)
	if err != nil {
		return nil, fmt.Errorf("decode deribit bids: %w", err)
	}
	asks, err := parseBookSide(payload.Asks)
	if err != nil {
		return nil, fmt.Errorf("decode deribit asks: %w", err)
	}
	stream.ObserveDelay("deribit", schema.FeedOrderBook, millisTime(payload.Timestamp))

	book := a.book(product.Symbol)
	var result schema.OrderBook
	if payload.Type == "snapshot" {
		result = book.ApplySnapshot(bids, asks)
	} else {
		result = book.ApplyDelta(bids, asks)
	}
	return []schema.Event{{
		Symbol:   product.Symbol,
		Feed:     schema.FeedOrderBook,
		Received: time.Now(),
		Payload:  result,
	}}, nil
}

// parseBookSide decodes Deribit book rows: [action, price, amount] where a
// "delete" action zeroes the level.
func parseBookSide(rows [][]json.RawMessage) ([]schema.PriceLevel, error) {
	levels := make([]schema.PriceLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) != 3 {
			return nil, fmt.Errorf("malformed book row with %d fields", len(row))
		}
		var action string
		if err := json.Unmarshal(row[0], &action); err != nil {
			return nil, err
		}
		price, err := decodeNumber(row[1])
		if err != nil {
			return nil, err
		}
		size, err := decodeNumber(row[2])
		if err != nil {
			return nil, err
		}
		if action == "delete" {
			size = decimal.Zero
		}
		levels = append(levels, schema.PriceLevel{Price: price, Size: size})
	}
	return levels, nil
}

func (a *Adapter) normalizeTicker(data json.RawMessage) ([]schema.Event, error) {
	var payload tickerData
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode deribit ticker: %w", err)
	}
	product, err := a.products.ResolveNative(payload.Instrument)
	if err != nil {
		return nil, err
	}
	stream.ObserveDelay("deribit", schema.FeedMarkPrice, millisTime(payload.Timestamp))

	events := []schema.Event{{
		Symbol:   product.Symbol,
		Feed:     schema.FeedMarkPrice,
		Received: time.Now(),
		Payload:  schema.MarkPrice{Symbol: product.Symbol, MarkPrice: numberValue(payload.MarkPrice)},
	}}
	if payload.CurrentFunding != "" {
		events = append(events, schema.Event{
			Symbol:   product.Symbol,
			Feed:     schema.FeedFundingRate,
			Received: time.Now(),
			Payload:  schema.FundingRate{Symbol: product.Symbol, FundingRate: numberValue(payload.CurrentFunding)},
		})
	}
	if payload.Stats.Volume != "" {
		events = append(events, schema.Event{
			Symbol:   product.Symbol,
			Feed:     schema.FeedVolume,
			Received: time.Now(),
			Payload:  schema.Volume{Symbol: product.Symbol, Volume: numberValue(payload.Stats.Volume)},
		})
	}
	return events, nil
}

func (a *Adapter) normalizeOrder(data json.RawMessage) ([]schema.Event, error) {
	var payload orderData
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode deribit order: %w", err)
	}
	product, err := a.products.ResolveNative(payload.Instrument)
	if err != nil {
		return nil, err
	}
	size := numberValue(payload.Amount)
	filled := numberValue(payload.FilledAmount)
	status := orderStatus(payload.OrderState)
	// Deribit keeps partially executed orders in the open state.
	if status == schema.OrderOpen && filled.Sign() > 0 && filled.LessThan(size) {
		status = schema.OrderPartiallyFilled
	}
	return []schema.Event{{
		Symbol:   product.Symbol,
		Feed:     schema.FeedOrders,
		Received: time.Now(),
		Payload: schema.Order{
			ID:           payload.OrderID,
			Type:         orderType(payload.OrderType),
			Status:       status,
			Symbol:       product.Symbol,
			Side:         orderSide(payload.Direction),
			Size:         size,
			FilledSize:   filled,
			UnfilledSize: size.Sub(filled),
			AveragePrice: numberValue(payload.AveragePrice),
			LimitPrice:   numberValue(payload.Price),
			StopPrice:    numberValue(payload.StopPrice),
			TimeInForce:  payload.TimeInForce,
		},
	}}, nil
}

func (a *Adapter) normalizePortfolio(data json.RawMessage) ([]schema.Event, error) {
	var payload portfolioData
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode deribit portfolio: %w", err)
	}
	return []schema.Event{{
		Feed:     schema.FeedBalances,
		Received: time.Now(),
		Payload: schema.Balance{
			Asset:             strings.ToUpper(payload.Currency),
			Balance:           numberValue(payload.Balance),
			AvailableBalance:  numberValue(payload.AvailableFunds),
			InitialMargin:     numberValue(payload.InitialMargin),
			MaintenanceMargin: numberValue(payload.MaintenanceMargin),
		},
	}}, nil
}

func (a *Adapter) normalizeChanges(data json.RawMessage) ([]schema.Event, error) {
	var payload changesData
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode deribit changes: %w", err)
	}
	if len(payload.Positions) == 0 {
		return nil, nil
	}
	set := make(schema.PositionSet, len(payload.Positions))
	var symbol string
	for _, row := range payload.Positions {
		product, err := a.products.ResolveNative(row.Instrument)
		if err != nil {
			return nil, err
		}
		symbol = product.Symbol
		set[product.Symbol] = schema.Position{
			Symbol:           product.Symbol,
			Size:             numberValue(row.Size),
			EntryPrice:       numberValue(row.AveragePrice),
			MarkPrice:        numberValue(row.MarkPrice),
			LiquidationPrice: numberValue(row.LiquidationPrice),
			UnrealizedPnl:    numberValue(row.FloatingPnl),
		}
	}
	return []schema.Event{{
		Symbol:   symbol,
		Feed:     schema.FeedPositions,
		Received: time.Now(),
		Payload:  set,
	}}, nil
}

func decodeNumber(raw json.RawMessage) (decimal.Decimal, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromString(n.String())
}

func numberValue(n json.Number) decimal.Decimal {
	if n == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}

func millisTime(millis int64) time.Time {
	if millis <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(millis)
}

func orderSide(direction string) schema.OrderSide {
	if strings.EqualFold(direction, "sell") {
		return schema.SideSell
	}
	return schema.SideBuy
}

func orderType(t string) schema.OrderType {
	switch strings.ToLower(t) {
	case "market":
		return schema.OrderTypeMarket
	case "stop_limit":
		return schema.OrderTypeStopLimit
	case "stop_market":
		return schema.OrderTypeStopMarket
	default:
		return schema.OrderTypeLimit
	}
}

func orderStatus(state string) schema.OrderStatus {
	switch strings.ToLower(state) {
	case "open", "untriggered":
		return schema.OrderOpen
	case "filled":
		return schema.OrderFilled
	case "cancelled":
		return schema.OrderCancelled
	case "rejected":
		return schema.OrderRejected
	default:
		return schema.OrderOpen
	}
}
