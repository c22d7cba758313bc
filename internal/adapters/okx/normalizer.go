package okx

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/crossfeed/errs"
	"github.com/coachpo/crossfeed/internal/catalog"
	"github.com/coachpo/crossfeed/internal/observability"
	"github.com/coachpo/crossfeed/internal/schema"
	"github.com/coachpo/crossfeed/internal/stream"
)

// Login failures come back as generic error events; these codes mark the
// rejection as an authentication problem rather than a malformed request.
var loginErrorCodes = map[string]bool{
	"60004": true, // invalid timestamp
	"60005": true, // invalid api key
	"60006": true, // timestamp expired
	"60007": true, // invalid sign
	"60009": true, // login failed
	"60011": true, // not logged in
}

type wsEnvelope struct {
	Event string `json:"event"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
	Arg   struct {
		Channel  string `json:"channel"`
		InstID   string `json:"instId"`
		Currency string `json:"ccy"`
	} `json:"arg"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type bookData struct {
	Asks [][]string `json:"asks"`
	Bids [][]string `json:"bids"`
	TS   string     `json:"ts"`
}

type markPriceData struct {
	InstID string `json:"instId"`
	MarkPx string `json:"markPx"`
	TS     string `json:"ts"`
}

type fundingRateData struct {
	InstID      string `json:"instId"`
	FundingRate string `json:"fundingRate"`
}

type tickerData struct {
	InstID string `json:"instId"`
	Vol24h string `json:"vol24h"`
	TS     string `json:"ts"`
}

type orderData struct {
	OrdID     string `json:"ordId"`
	InstID    string `json:"instId"`
	Side      string `json:"side"`
	OrdType   string `json:"ordType"`
	State     string `json:"state"`
	Size      string `json:"sz"`
	FilledSz  string `json:"accFillSz"`
	AvgPx     string `json:"avgPx"`
	Px        string `json:"px"`
	SlTrigger string `json:"slTriggerPx"`
}

type accountData struct {
	Details []struct {
		Currency string `json:"ccy"`
		CashBal  string `json:"cashBal"`
		AvailBal string `json:"availBal"`
		IMR      string `json:"imr"`
		MMR      string `json:"mmr"`
	} `json:"details"`
}

type positionData struct {
	InstID string `json:"instId"`
	Pos    string `json:"pos"`
	AvgPx  string `json:"avgPx"`
	MarkPx string `json:"markPx"`
	LiqPx  string `json:"liqPx"`
	Upl    string `json:"upl"`
}

// Normalize implements stream.ExchangeAdapter.
func (a *Adapter) Normalize(raw []byte) ([]schema.Event, error) {
	if string(raw) == "pong" {
		return nil, nil
	}
	var envelope wsEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("parse okx frame: %w", err)
	}

	switch envelope.Event {
	case "error":
		if loginErrorCodes[envelope.Code] {
			return nil, errs.Unauthorized("okx",
				fmt.Sprintf("login rejected (code %s): %s", envelope.Code, envelope.Msg))
		}
		return nil, fmt.Errorf("okx error %s: %s", envelope.Code, envelope.Msg)
	case "login":
		observability.Log().Info("okx login confirmed")
		return nil, nil
	case "subscribe", "unsubscribe":
		return nil, nil
	}
	if len(envelope.Data) == 0 {
		return nil, nil
	}

	switch envelope.Arg.Channel {
	case "books5", "books":
		return a.normalizeBook(envelope)
	case "mark-price":
		return a.normalizeMarkPrice(envelope.Data)
	case "funding-rate":
		return a.normalizeFundingRate(envelope.Data)
	case "tickers":
		return a.normalizeTicker(envelope.Data)
	case "orders":
		return a.normalizeOrders(envelope.Data)
	case "account":
		return a.normalizeAccount(envelope.Data)
	case "positions":
		return a.normalizePositions(envelope.Data)
	default:
		return nil, nil
	}
}

func (a *Adapter) normalizeBook(envelope wsEnvelope) ([]schema.Event, error) {
	var rows []bookData
	if err := json.Unmarshal(envelope.Data, &rows); err != nil {
		return nil, fmt.Errorf("decode okx book: %w", err)
	}
	product, err := a.products.ResolveNative(envelope.Arg.InstID, catalog.ContractSpot, catalog.ContractPerpetual)
	if err != nil {
		return nil, err
	}
	events := make([]schema.Event, 0, len(rows))
	for _, row := range rows {
		bids, err := parseLevels(row.Bids)
		if err != nil {
			return nil, fmt.Errorf("decode okx bids: %w", err)
		}
		asks, err := parseLevels(row.Asks)
		if err != nil {
			return nil, fmt.Errorf("decode okx asks: %w", err)
		}
		stream.ObserveDelay("okx", schema.FeedOrderBook, millisTime(row.TS))
		book := a.book(product.Symbol)
		var payload schema.OrderBook
		// books5 always pushes the full five levels; incremental books
		// deliver an initial snapshot then deltas.
		if envelope.Action == "update" {
			payload = book.ApplyDelta(bids, asks)
		} else {
			payload = book.ApplySnapshot(bids, asks)
		}
		events = append(events, schema.Event{
			Symbol:   product.Symbol,
			Feed:     schema.FeedOrderBook,
			Received: time.Now(),
			Payload:  payload,
		})
	}
	return events, nil
}

func (a *Adapter) normalizeMarkPrice(data json.RawMessage) ([]schema.Event, error) {
	var rows []markPriceData
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode okx mark price: %w", err)
	}
	events := make([]schema.Event, 0, len(rows))
	for _, row := range rows {
		product, err := a.products.ResolveNative(row.InstID, catalog.ContractPerpetual, catalog.ContractSpot)
		if err != nil {
			return nil, err
		}
		mark, err := decimal.NewFromString(row.MarkPx)
		if err != nil {
			return nil, fmt.Errorf("decode okx mark price value: %w", err)
		}
		events = append(events, schema.Event{
			Symbol:   product.Symbol,
			Feed:     schema.FeedMarkPrice,
			Received: time.Now(),
			Payload:  schema.MarkPrice{Symbol: product.Symbol, MarkPrice: mark},
		})
	}
	return events, nil
}

func (a *Adapter) normalizeFundingRate(data json.RawMessage) ([]schema.Event, error) {
	var rows []fundingRateData
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode okx funding rate: %w", err)
	}
	events := make([]schema.Event, 0, len(rows))
	for _, row := range rows {
		product, err := a.products.ResolveNative(row.InstID, catalog.ContractPerpetual)
		if err != nil {
			return nil, err
		}
		rate, err := decimal.NewFromString(row.FundingRate)
		if err != nil {
			return nil, fmt.Errorf("decode okx funding rate value: %w", err)
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

func (a *Adapter) normalizeTicker(data json.RawMessage) ([]schema.Event, error) {
	var rows []tickerData
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode okx ticker: %w", err)
	}
	events := make([]schema.Event, 0, len(rows))
	for _, row := range rows {
		product, err := a.products.ResolveNative(row.InstID, catalog.ContractSpot, catalog.ContractPerpetual)
		if err != nil {
			return nil, err
		}
		volume, err := decimal.NewFromString(row.Vol24h)
		if err != nil {
			return nil, fmt.Errorf("decode okx volume: %w", err)
		}
		events = append(events, schema.Event{
			Symbol:   product.Symbol,
			Feed:     schema.FeedVolume,
			Received: time.Now(),
			Payload:  schema.Volume{Symbol: product.Symbol, Volume: volume},
		})
	}
	return events, nil
}

func (a *Adapter) normalizeOrders(data json.RawMessage) ([]schema.Event, error) {
	var rows []orderData
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode okx orders: %w", err)
	}
	events := make([]schema.Event, 0, len(rows))
	for _, row := range rows {
		product, err := a.products.ResolveNative(row.InstID, catalog.ContractSpot, catalog.ContractPerpetual)
		if err != nil {
			return nil, err
		}
		size := optDecimal(row.Size)
		filled := optDecimal(row.FilledSz)
		events = append(events, schema.Event{
			Symbol:   product.Symbol,
			Feed:     schema.FeedOrders,
			Received: time.Now(),
			Payload: schema.Order{
				ID:           row.OrdID,
				Type:         orderType(row.OrdType),
				Status:       orderStatus(row.State),
				Symbol:       product.Symbol,
				Side:         orderSide(row.Side),
				Size:         size,
				FilledSize:   filled,
				UnfilledSize: size.Sub(filled),
				AveragePrice: optDecimal(row.AvgPx),
				LimitPrice:   optDecimal(row.Px),
				StopPrice:    optDecimal(row.SlTrigger),
			},
		})
	}
	return events, nil
}

func (a *Adapter) normalizeAccount(data json.RawMessage) ([]schema.Event, error) {
	var rows []accountData
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode okx account: %w", err)
	}
	var events []schema.Event
	for _, row := range rows {
		for _, detail := range row.Details {
			events = append(events, schema.Event{
				Feed:     schema.FeedBalances,
				Received: time.Now(),
				Payload: schema.Balance{
					Asset:             detail.Currency,
					Balance:           optDecimal(detail.CashBal),
					AvailableBalance:  optDecimal(detail.AvailBal),
					InitialMargin:     optDecimal(detail.IMR),
					MaintenanceMargin: optDecimal(detail.MMR),
				},
			})
		}
	}
	return events, nil
}

func (a *Adapter) normalizePositions(data json.RawMessage) ([]schema.Event, error) {
	var rows []positionData
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode okx positions: %w", err)
	}
	set := make(schema.PositionSet, len(rows))
	var symbol string
	for _, row := range rows {
		product, err := a.products.ResolveNative(row.InstID, catalog.ContractPerpetual, catalog.ContractSpot)
		if err != nil {
			return nil, err
		}
		symbol = product.Symbol
		set[product.Symbol] = schema.Position{
			Symbol:           product.Symbol,
			Size:             optDecimal(row.Pos),
			EntryPrice:       optDecimal(row.AvgPx),
			MarkPrice:        optDecimal(row.MarkPx),
			LiquidationPrice: optDecimal(row.LiqPx),
			UnrealizedPnl:    optDecimal(row.Upl),
		}
	}
	if len(set) == 0 {
		return nil, nil
	}
	return []schema.Event{{
		Symbol:   symbol,
		Feed:     schema.FeedPositions,
		Received: time.Now(),
		Payload:  set,
	}}, nil
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

func optDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func millisTime(ts string) time.Time {
	if ts == "" {
		return time.Time{}
	}
	var millis int64
	if _, err := fmt.Sscanf(ts, "%d", &millis); err != nil || millis <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(millis)
}

func orderSide(side string) schema.OrderSide {
	if strings.EqualFold(side, "sell") {
		return schema.SideSell
	}
	return schema.SideBuy
}

func orderType(t string) schema.OrderType {
	switch strings.ToLower(t) {
	case "market":
		return schema.OrderTypeMarket
	case "conditional", "trigger":
		return schema.OrderTypeStopMarket
	default:
		return schema.OrderTypeLimit
	}
}

func orderStatus(state string) schema.OrderStatus {
	switch strings.ToLower(state) {
	case "live":
		return schema.OrderOpen
	case "partially_filled":
		return schema.OrderPartiallyFilled
	case "filled":
		return schema.OrderFilled
	case "canceled", "mmp_canceled":
		return schema.OrderCancelled
	default:
		return schema.OrderOpen
	}
}
