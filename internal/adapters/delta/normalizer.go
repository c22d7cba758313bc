package delta

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/crossfeed/errs"
	"github.com/coachpo/crossfeed/internal/observability"
	"github.com/coachpo/crossfeed/internal/schema"
	"github.com/coachpo/crossfeed/internal/stream"
)

type wsEnvelope struct {
	Type    string `json:"type"`
	Payload *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"payload"`
	Message string `json:"message"`
}

type bookLevel struct {
	LimitPrice json.Number `json:"limit_price"`
	Size       json.Number `json:"size"`
}

type bookData struct {
	Symbol    string      `json:"symbol"`
	Buy       []bookLevel `json:"buy"`
	Sell      []bookLevel `json:"sell"`
	Timestamp int64       `json:"timestamp"`
}

type tickerData struct {
	Symbol      string      `json:"symbol"`
	MarkPrice   json.Number `json:"mark_price"`
	FundingRate json.Number `json:"funding_rate"`
	Volume      json.Number `json:"volume"`
	Timestamp   int64       `json:"timestamp"`
}

type orderData struct {
	ID               json.Number `json:"id"`
	Symbol           string      `json:"symbol"`
	Side             string      `json:"side"`
	Size             json.Number `json:"size"`
	UnfilledSize     json.Number `json:"unfilled_size"`
	LimitPrice       json.Number `json:"limit_price"`
	StopPrice        json.Number `json:"stop_price"`
	AverageFillPrice json.Number `json:"average_fill_price"`
	State            string      `json:"state"`
	OrderType        string      `json:"order_type"`
	TimeInForce      string      `json:"time_in_force"`
}

type positionData struct {
	Symbol           string      `json:"symbol"`
	Size             json.Number `json:"size"`
	EntryPrice       json.Number `json:"entry_price"`
	MarkPrice        json.Number `json:"mark_price"`
	LiquidationPrice json.Number `json:"liquidation_price"`
	UnrealizedPnl    json.Number `json:"unrealized_pnl"`
}

type marginData struct {
	AssetSymbol      string      `json:"asset_symbol"`
	Balance          json.Number `json:"balance"`
	AvailableBalance json.Number `json:"available_balance"`
	OrderMargin      json.Number `json:"order_margin"`
	PositionMargin   json.Number `json:"position_margin"`
}

// Normalize implements stream.ExchangeAdapter. Every Delta frame carries its
// channel in the top-level type field.
func (a *Adapter) Normalize(raw []byte) ([]schema.Event, error) {
	var envelope wsEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("parse delta frame: %w", err)
	}
	switch envelope.Type {
	case "error":
		if envelope.Payload != nil {
			if envelope.Payload.Code == 401 || envelope.Payload.Code == 403 {
				return nil, errs.Unauthorized("delta", envelope.Payload.Message)
			}
			return nil, fmt.Errorf("delta error %d: %s", envelope.Payload.Code, envelope.Payload.Message)
		}
		return nil, fmt.Errorf("delta error: %s", envelope.Message)
	case "success":
		observability.Log().Info("delta session frame", observability.F("message", envelope.Message))
		return nil, nil
	case "subscriptions", "heartbeat":
		return nil, nil
	case "l2_orderbook":
		return a.normalizeBook(raw)
	case "v2/ticker":
		return a.normalizeTicker(raw)
	case "orders":
		return a.normalizeOrder(raw)
	case "positions":
		return a.normalizePosition(raw)
	case "margins":
		return a.normalizeMargin(raw)
	default:
		return nil, nil
	}
}

// normalizeBook replaces the cached book wholesale: the l2_orderbook channel
// ships full snapshots on every tick.
func (a *Adapter) normalizeBook(raw []byte) ([]schema.Event, error) {
	var payload bookData
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode delta book: %w", err)
	}
	product, err := a.products.ResolveNative(payload.Symbol)
	if err != nil {
		return nil, err
	}
	stream.ObserveDelay("delta", schema.FeedOrderBook, microsTime(payload.Timestamp))

	book := a.book(product.Symbol)
	result := book.ApplySnapshot(parseLevels(payload.Buy), parseLevels(payload.Sell))
	return []schema.Event{{
		Symbol:   product.Symbol,
		Feed:     schema.FeedOrderBook,
		Received: time.Now(),
		Payload:  result,
	}}, nil
}

func (a *Adapter) normalizeTicker(raw []byte) ([]schema.Event, error) {
	var payload tickerData
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode delta ticker: %w", err)
	}
	product, err := a.products.ResolveNative(payload.Symbol)
	if err != nil {
		return nil, err
	}
	stream.ObserveDelay("delta", schema.FeedMarkPrice, microsTime(payload.Timestamp))

	events := []schema.Event{{
		Symbol:   product.Symbol,
		Feed:     schema.FeedMarkPrice,
		Received: time.Now(),
		Payload:  schema.MarkPrice{Symbol: product.Symbol, MarkPrice: numberValue(payload.MarkPrice)},
	}}
	if payload.FundingRate != "" {
		events = append(events, schema.Event{
			Symbol:   product.Symbol,
			Feed:     schema.FeedFundingRate,
			Received: time.Now(),
			Payload:  schema.FundingRate{Symbol: product.Symbol, FundingRate: numberValue(payload.FundingRate)},
		})
	}
	if payload.Volume != "" {
		events = append(events, schema.Event{
			Symbol:   product.Symbol,
			Feed:     schema.FeedVolume,
			Received: time.Now(),
			Payload:  schema.Volume{Symbol: product.Symbol, Volume: numberValue(payload.Volume)},
		})
	}
	return events, nil
}

func (a *Adapter) normalizeOrder(raw []byte) ([]schema.Event, error) {
	var payload orderData
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode delta order: %w", err)
	}
	product, err := a.products.ResolveNative(payload.Symbol)
	if err != nil {
		return nil, err
	}
	size := numberValue(payload.Size)
	unfilled := numberValue(payload.UnfilledSize)
	filled := size.Sub(unfilled)
	status := orderStatus(payload.State)
	if status == schema.OrderOpen && filled.Sign() > 0 && unfilled.Sign() > 0 {
		status = schema.OrderPartiallyFilled
	}
	return []schema.Event{{
		Symbol:   product.Symbol,
		Feed:     schema.FeedOrders,
		Received: time.Now(),
		Payload: schema.Order{
			ID:           payload.ID.String(),
			Type:         orderType(payload.OrderType),
			Status:       status,
			Symbol:       product.Symbol,
			Side:         orderSide(payload.Side),
			Size:         size,
			FilledSize:   filled,
			UnfilledSize: unfilled,
			AveragePrice: numberValue(payload.AverageFillPrice),
			LimitPrice:   numberValue(payload.LimitPrice),
			StopPrice:    numberValue(payload.StopPrice),
			TimeInForce:  payload.TimeInForce,
		},
	}}, nil
}

func (a *Adapter) normalizePosition(raw []byte) ([]schema.Event, error) {
	var payload positionData
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode delta position: %w", err)
	}
	product, err := a.products.ResolveNative(payload.Symbol)
	if err != nil {
		return nil, err
	}
	set := schema.PositionSet{
		product.Symbol: {
			Symbol:           product.Symbol,
			Size:             numberValue(payload.Size),
			EntryPrice:       numberValue(payload.EntryPrice),
			MarkPrice:        numberValue(payload.MarkPrice),
			LiquidationPrice: numberValue(payload.LiquidationPrice),
			UnrealizedPnl:    numberValue(payload.UnrealizedPnl),
		},
	}
	return []schema.Event{{
		Symbol:   product.Symbol,
		Feed:     schema.FeedPositions,
		Received: time.Now(),
		Payload:  set,
	}}, nil
}

func (a *Adapter) normalizeMargin(raw []byte) ([]schema.Event, error) {
	var payload marginData
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode delta margin: %w", err)
	}
	return []schema.Event{{
		Feed:     schema.FeedBalances,
		Received: time.Now(),
		Payload: schema.Balance{
			Asset:            strings.ToUpper(payload.AssetSymbol),
			Balance:          numberValue(payload.Balance),
			AvailableBalance: numberValue(payload.AvailableBalance),
			InitialMargin:    numberValue(payload.OrderMargin).Add(numberValue(payload.PositionMargin)),
		},
	}}, nil
}

func parseLevels(rows []bookLevel) []schema.PriceLevel {
	levels := make([]schema.PriceLevel, 0, len(rows))
	for _, row := range rows {
		levels = append(levels, schema.PriceLevel{
			Price: numberValue(row.LimitPrice),
			Size:  numberValue(row.Size),
		})
	}
	return levels
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

func microsTime(micros int64) time.Time {
	if micros <= 0 {
		return time.Time{}
	}
	return time.UnixMicro(micros)
}

func orderSide(side string) schema.OrderSide {
	if strings.EqualFold(side, "sell") {
		return schema.SideSell
	}
	return schema.SideBuy
}

func orderType(t string) schema.OrderType {
	switch strings.ToLower(t) {
	case "market_order":
		return schema.OrderTypeMarket
	case "stop_limit_order":
		return schema.OrderTypeStopLimit
	case "stop_market_order":
		return schema.OrderTypeStopMarket
	default:
		return schema.OrderTypeLimit
	}
}

func orderStatus(state string) schema.OrderStatus {
	switch strings.ToLower(state) {
	case "open", "pending":
		return schema.OrderOpen
	case "closed":
		return schema.OrderFilled
	case "cancelled":
		return schema.OrderCancelled
	default:
		return schema.OrderOpen
	}
}
