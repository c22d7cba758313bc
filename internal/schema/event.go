// Package schema defines the canonical event shapes shared by all exchange connectors.
package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Feed enumerates the canonical data feeds a connector can subscribe to.
type Feed string

const (
	// FeedOrderBook identifies depth (bid/ask level) updates.
	FeedOrderBook Feed = "orderbook"
	// FeedMarkPrice identifies mark price updates.
	FeedMarkPrice Feed = "mark_price"
	// FeedFundingRate identifies funding rate updates.
	FeedFundingRate Feed = "funding_rate"
	// FeedVolume identifies rolling volume updates.
	FeedVolume Feed = "volume"
	// FeedOrders identifies private order lifecycle updates.
	FeedOrders Feed = "orders"
	// FeedBalances identifies private wallet balance updates.
	FeedBalances Feed = "balances"
	// FeedPositions identifies private position updates.
	FeedPositions Feed = "positions"
)

// Feeds lists every canonical feed in a stable order.
func Feeds() []Feed {
	return []Feed{
		FeedOrderBook, FeedMarkPrice, FeedFundingRate, FeedVolume,
		FeedOrders, FeedBalances, FeedPositions,
	}
}

// Private reports whether the feed requires an authenticated connection.
func (f Feed) Private() bool {
	switch f {
	case FeedOrders, FeedBalances, FeedPositions:
		return true
	default:
		return false
	}
}

// Valid reports whether the feed is one of the canonical feeds.
func (f Feed) Valid() bool {
	switch f {
	case FeedOrderBook, FeedMarkPrice, FeedFundingRate, FeedVolume,
		FeedOrders, FeedBalances, FeedPositions:
		return true
	default:
		return false
	}
}

// Event is the canonical envelope delivered to subscriber callbacks.
type Event struct {
	Venue    string
	Symbol   string
	Feed     Feed
	Received time.Time
	Payload  any
}

// PriceLevel describes one price level of an order book side.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBook conveys the current materialized book for a symbol.
// Buy is sorted by descending price, Sell by ascending price; prices are unique per side.
type OrderBook struct {
	Symbol string
	Buy    []PriceLevel
	Sell   []PriceLevel
}

// MarkPrice conveys the venue mark price for a symbol.
type MarkPrice struct {
	Symbol    string
	MarkPrice decimal.Decimal
}

// FundingRate conveys the current funding rate for a perpetual symbol.
type FundingRate struct {
	Symbol      string
	FundingRate decimal.Decimal
}

// Volume conveys rolling traded volume for a symbol.
type Volume struct {
	Symbol string
	Volume decimal.Decimal
}

// OrderSide captures order direction.
type OrderSide string

const (
	// SideBuy marks buy orders.
	SideBuy OrderSide = "buy"
	// SideSell marks sell orders.
	SideSell OrderSide = "sell"
)

// OrderStatus enumerates normalized order lifecycle states.
type OrderStatus string

const (
	// OrderOpen indicates a resting order.
	OrderOpen OrderStatus = "open"
	// OrderPartiallyFilled indicates partial execution.
	OrderPartiallyFilled OrderStatus = "partially_filled"
	// OrderFilled indicates full execution.
	OrderFilled OrderStatus = "filled"
	// OrderCancelled indicates cancellation.
	OrderCancelled OrderStatus = "cancelled"
	// OrderRejected indicates venue rejection.
	OrderRejected OrderStatus = "rejected"
)

// OrderType enumerates normalized order types.
type OrderType string

const (
	// OrderTypeLimit represents limit orders.
	OrderTypeLimit OrderType = "limit"
	// OrderTypeMarket represents market orders.
	OrderTypeMarket OrderType = "market"
	// OrderTypeStopLimit represents stop-limit orders.
	OrderTypeStopLimit OrderType = "stop_limit"
	// OrderTypeStopMarket represents stop-market orders.
	OrderTypeStopMarket OrderType = "stop_market"
)

// Order conveys a normalized private order update.
type Order struct {
	ID           string
	Type         OrderType
	Status       OrderStatus
	Symbol       string
	Side         OrderSide
	Size         decimal.Decimal
	FilledSize   decimal.Decimal
	UnfilledSize decimal.Decimal
	AveragePrice decimal.Decimal
	LimitPrice   decimal.Decimal
	StopPrice    decimal.Decimal
	TimeInForce  string
}

// Balance conveys a normalized wallet balance update for one asset.
type Balance struct {
	Asset             string
	Balance           decimal.Decimal
	AvailableBalance  decimal.Decimal
	InitialMargin     decimal.Decimal
	MaintenanceMargin decimal.Decimal
}

// Position conveys a normalized position snapshot for one symbol.
type Position struct {
	Symbol           string
	Size             decimal.Decimal
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	LiquidationPrice decimal.Decimal
	UnrealizedPnl    decimal.Decimal
}

// PositionSet maps canonical symbol to its position snapshot.
type PositionSet map[string]Position

// NormalizeSymbol upper-cases and trims a canonical symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
