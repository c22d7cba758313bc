package delta

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/coachpo/crossfeed/config"
	"github.com/coachpo/crossfeed/errs"
	"github.com/coachpo/crossfeed/internal/catalog"
	"github.com/coachpo/crossfeed/internal/schema"
)

func testAdapter() *Adapter {
	return New(config.ExchangeSettings{}, PerpetualProducts("BTC-USDT", "ETH-USDT"))
}

func TestPerpetualProductsDeriveNatives(t *testing.T) {
	products := PerpetualProducts("btc-usdt")
	if products[0].Native != "BTCUSDT" {
		t.Fatalf("Native = %q, want BTCUSDT", products[0].Native)
	}
	if products[0].Contract != catalog.ContractPerpetual {
		t.Fatalf("Contract = %q, want perpetual", products[0].Contract)
	}
}

func TestPlanTopicsAndLimits(t *testing.T) {
	a := testAdapter()
	product, err := a.products.Resolve("BTC-USDT")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	plan, err := a.Plan(schema.FeedOrderBook)
	if err != nil {
		t.Fatalf("Plan(orderbook) error = %v", err)
	}
	if plan.SymbolLimit != orderbookSymbolLimit {
		t.Fatalf("orderbook symbol limit = %d, want %d", plan.SymbolLimit, orderbookSymbolLimit)
	}
	if topics := plan.Topics([]catalog.Product{product}); topics[0] != "l2_orderbook:BTCUSDT" {
		t.Fatalf("orderbook topic = %q", topics[0])
	}

	plan, err = a.Plan(schema.FeedBalances)
	if err != nil {
		t.Fatalf("Plan(balances) error = %v", err)
	}
	if !plan.Auth {
		t.Fatal("balances plan must require auth")
	}
	if topics := plan.Topics([]catalog.Product{product}); topics[0] != "margins:all" {
		t.Fatalf("margins topic = %q", topics[0])
	}
}

func TestSubscribeFramesGroupChannels(t *testing.T) {
	a := testAdapter()
	frames, err := a.SubscribeFrames(schema.FeedOrderBook, []string{
		"l2_orderbook:BTCUSDT",
		"l2_orderbook:ETHUSDT",
		"v2/ticker:BTCUSDT",
	})
	if err != nil {
		t.Fatalf("SubscribeFrames() error = %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("frame count = %d, want one grouped frame", len(frames))
	}
	frame := string(frames[0])
	if !strings.Contains(frame, `"type":"subscribe"`) {
		t.Fatalf("frame %s missing subscribe type", frame)
	}
	if !strings.Contains(frame, `{"name":"l2_orderbook","symbols":["BTCUSDT","ETHUSDT"]}`) {
		t.Fatalf("frame %s missing grouped l2_orderbook channel", frame)
	}
	if !strings.Contains(frame, `{"name":"v2/ticker","symbols":["BTCUSDT"]}`) {
		t.Fatalf("frame %s missing ticker channel", frame)
	}
}

func TestSubscribeFramesDedupeWildcard(t *testing.T) {
	a := testAdapter()
	frames, err := a.SubscribeFrames(schema.FeedBalances, []string{"margins:all", "margins:all"})
	if err != nil {
		t.Fatalf("SubscribeFrames() error = %v", err)
	}
	if got := string(frames[0]); strings.Count(got, `"all"`) != 1 {
		t.Fatalf("wildcard symbol must appear once, got %s", got)
	}
}

func TestHeartbeatEnableFrame(t *testing.T) {
	a := testAdapter()
	hb := a.Heartbeat()
	if !strings.Contains(string(hb.PingFrame()), `"type":"enable_heartbeat"`) {
		t.Fatalf("ping frame = %s", hb.PingFrame())
	}
	if !hb.IsHeartbeat([]byte(`{"type":"heartbeat","ts":1}`)) {
		t.Fatal("heartbeat frame not recognised")
	}
	if hb.IsHeartbeat([]byte(`{"type":"l2_orderbook"}`)) {
		t.Fatal("data frame misclassified as heartbeat")
	}
	if hb.PongFrame([]byte(`{"type":"heartbeat"}`)) != nil {
		t.Fatal("heartbeat needs no answer")
	}
}

func TestNormalizeBookReplacesSnapshot(t *testing.T) {
	a := testAdapter()
	first := []byte(`{"type":"l2_orderbook","symbol":"BTCUSDT","timestamp":1700000000000000,"buy":[{"limit_price":"50000","size":2},{"limit_price":"49999","size":1}],"sell":[{"limit_price":"50001","size":3}]}`)
	if _, err := a.Normalize(first); err != nil {
		t.Fatalf("Normalize(first) error = %v", err)
	}

	second := []byte(`{"type":"l2_orderbook","symbol":"BTCUSDT","timestamp":1700000001000000,"buy":[{"limit_price":"50002","size":5}],"sell":[{"limit_price":"50003","size":1}]}`)
	events, err := a.Normalize(second)
	if err != nil {
		t.Fatalf("Normalize(second) error = %v", err)
	}
	book := events[0].Payload.(schema.OrderBook)
	if len(book.Buy) != 1 || !book.Buy[0].Price.Equal(decimal.NewFromInt(50002)) {
		t.Fatalf("snapshot must replace the book wholesale, got %v", book.Buy)
	}
}

func TestNormalizeTickerFansOut(t *testing.T) {
	a := testAdapter()
	frame := []byte(`{"type":"v2/ticker","symbol":"ETHUSDT","timestamp":1700000000000000,"mark_price":"3000.5","funding_rate":"0.0001","volume":42}`)

	events, err := a.Normalize(frame)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected mark price, funding, volume events, got %d", len(events))
	}
	for _, event := range events {
		if event.Symbol != "ETH-USDT" {
			t.Fatalf("symbol = %q, want ETH-USDT", event.Symbol)
		}
	}
	mark := events[0].Payload.(schema.MarkPrice)
	if !mark.MarkPrice.Equal(decimal.RequireFromString("3000.5")) {
		t.Fatalf("mark price = %s", mark.MarkPrice)
	}
}

func TestNormalizeOrderPartialFill(t *testing.T) {
	a := testAdapter()
	frame := []byte(`{"type":"orders","id":9001,"symbol":"BTCUSDT","side":"buy","size":10,"unfilled_size":4,"limit_price":"50000","average_fill_price":"49999.5","state":"open","order_type":"limit_order","time_in_force":"gtc"}`)

	events, err := a.Normalize(frame)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	order := events[0].Payload.(schema.Order)
	if order.ID != "9001" {
		t.Fatalf("id = %q", order.ID)
	}
	if order.Status != schema.OrderPartiallyFilled {
		t.Fatalf("status = %s, want partially_filled", order.Status)
	}
	if !order.FilledSize.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("filled = %s, want 6", order.FilledSize)
	}
}

func TestNormalizePositionAndMargin(t *testing.T) {
	a := testAdapter()
	events, err := a.Normalize([]byte(`{"type":"positions","symbol":"BTCUSDT","size":3,"entry_price":"48000","mark_price":"50000","liquidation_price":"30000","unrealized_pnl":"6000"}`))
	if err != nil {
		t.Fatalf("Normalize(positions) error = %v", err)
	}
	set := events[0].Payload.(schema.PositionSet)
	if pos, ok := set["BTC-USDT"]; !ok || !pos.EntryPrice.Equal(decimal.NewFromInt(48000)) {
		t.Fatalf("unexpected position set %+v", set)
	}

	events, err = a.Normalize([]byte(`{"type":"margins","asset_symbol":"usdt","balance":"1000","available_balance":"800","order_margin":"150","position_margin":"50"}`))
	if err != nil {
		t.Fatalf("Normalize(margins) error = %v", err)
	}
	balance := events[0].Payload.(schema.Balance)
	if balance.Asset != "USDT" || !balance.InitialMargin.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("unexpected balance %+v", balance)
	}
}

func TestNormalizeControlFrames(t *testing.T) {
	a := testAdapter()
	_, err := a.Normalize([]byte(`{"type":"error","payload":{"code":401,"message":"invalid signature"}}`))
	if !errs.IsUnauthorized(err) {
		t.Fatalf("a rejected signature must classify unauthorized, got %v", err)
	}
	_, err = a.Normalize([]byte(`{"type":"error","payload":{"code":400,"message":"bad channel"}}`))
	if err == nil {
		t.Fatal("expected an error for an error frame")
	}
	if errs.IsUnauthorized(err) {
		t.Fatalf("a bad request must not read as an auth failure, got %v", err)
	}
	events, err := a.Normalize([]byte(`{"type":"subscriptions","channels":[{"name":"l2_orderbook"}]}`))
	if err != nil || len(events) != 0 {
		t.Fatalf("subscription ack should yield nothing, got %v, %v", events, err)
	}
}

func TestSignIsDeterministic(t *testing.T) {
	first := sign("secret", "GET1700000000/live")
	second := sign("secret", "GET1700000000/live")
	if first != second {
		t.Fatal("signature must be deterministic")
	}
	if first == sign("other", "GET1700000000/live") {
		t.Fatal("signature must depend on the secret")
	}
	if len(first) != 64 {
		t.Fatalf("signature length = %d, want 64 hex chars", len(first))
	}
}
