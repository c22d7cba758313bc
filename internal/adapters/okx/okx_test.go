package okx

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/crossfeed/config"
	"github.com/coachpo/crossfeed/errs"
	"github.com/coachpo/crossfeed/internal/catalog"
	"github.com/coachpo/crossfeed/internal/schema"
)

func testAdapter() *Adapter {
	products := append(SpotProducts("BTC-USDT", "ETH-USDT"), SwapProducts("SOL-USDT")...)
	return New(config.ExchangeSettings{}, products)
}

func TestPlanTopicsCarryChannelAndInstrument(t *testing.T) {
	a := testAdapter()
	product, err := a.products.Resolve("BTC-USDT")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	plan, err := a.Plan(schema.FeedOrderBook)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	topics := plan.Topics([]catalog.Product{product})
	if len(topics) != 1 || topics[0] != "books5:BTC-USDT" {
		t.Fatalf("topics = %v, want [books5:BTC-USDT]", topics)
	}

	balances, err := a.Plan(schema.FeedBalances)
	if err != nil {
		t.Fatalf("Plan(balances) error = %v", err)
	}
	if got := balances.Topics([]catalog.Product{product}); got[0] != "account:BTC" {
		t.Fatalf("balance topic = %v, want account:BTC", got)
	}
	if !balances.Auth {
		t.Fatal("balance plan must require auth")
	}
}

func TestSubscribeFramesEncodeArgs(t *testing.T) {
	a := testAdapter()
	frames, err := a.SubscribeFrames(schema.FeedOrderBook, []string{"books5:BTC-USDT", "tickers:ETH-USDT"})
	if err != nil {
		t.Fatalf("SubscribeFrames() error = %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 batched frame, got %d", len(frames))
	}
	frame := string(frames[0])
	for _, want := range []string{`"op":"subscribe"`, `"channel":"books5"`, `"instId":"BTC-USDT"`, `"channel":"tickers"`} {
		if !strings.Contains(frame, want) {
			t.Fatalf("frame %s missing %s", frame, want)
		}
	}

	frames, err = a.SubscribeFrames(schema.FeedBalances, []string{"account:BTC"})
	if err != nil {
		t.Fatalf("SubscribeFrames(account) error = %v", err)
	}
	if !strings.Contains(string(frames[0]), `"ccy":"BTC"`) {
		t.Fatalf("account frame %s missing ccy", frames[0])
	}
}

func TestHeartbeatPlanMatchesPong(t *testing.T) {
	a := testAdapter()
	hb := a.Heartbeat()
	if hb.PingInterval <= 0 || string(hb.PingFrame()) != "ping" {
		t.Fatal("expected client text pings")
	}
	if !hb.IsHeartbeat([]byte("pong")) {
		t.Fatal("pong must be heartbeat-class")
	}
	if hb.IsHeartbeat([]byte(`{"arg":{}}`)) {
		t.Fatal("data frames are not heartbeat-class")
	}
}

func TestNormalizeBooks5Snapshot(t *testing.T) {
	a := testAdapter()
	frame := []byte(`{"arg":{"channel":"books5","instId":"BTC-USDT"},"data":[{"asks":[["50001","1","0","1"],["50002","2","0","1"]],"bids":[["50000","3","0","1"]],"ts":"1700000000000"}]}`)

	events, err := a.Normalize(frame)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if len(events) != 1 || events[0].Feed != schema.FeedOrderBook {
		t.Fatalf("expected 1 orderbook event, got %+v", events)
	}
	book := events[0].Payload.(schema.OrderBook)
	if len(book.Sell) != 2 || !book.Sell[0].Price.Equal(decimal.RequireFromString("50001")) {
		t.Fatalf("sell side = %v, want ascending from 50001", book.Sell)
	}

	// A later books5 push replaces the snapshot wholesale.
	frame = []byte(`{"arg":{"channel":"books5","instId":"BTC-USDT"},"data":[{"asks":[["50005","1","0","1"]],"bids":[["50004","1","0","1"]],"ts":"1700000001000"}]}`)
	events, err = a.Normalize(frame)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	book = events[0].Payload.(schema.OrderBook)
	if len(book.Sell) != 1 || len(book.Buy) != 1 {
		t.Fatalf("snapshot must replace wholesale, got %+v", book)
	}
}

func TestNormalizeIncrementalBooksUpdate(t *testing.T) {
	a := testAdapter()
	seed := []byte(`{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"snapshot","data":[{"asks":[["50001","1"]],"bids":[["50000","1"],["49999","2"]]}]}`)
	if _, err := a.Normalize(seed); err != nil {
		t.Fatalf("Normalize(snapshot) error = %v", err)
	}

	update := []byte(`{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"update","data":[{"asks":[],"bids":[["50000","0"]]}]}`)
	events, err := a.Normalize(update)
	if err != nil {
		t.Fatalf("Normalize(update) error = %v", err)
	}
	book := events[0].Payload.(schema.OrderBook)
	if len(book.Buy) != 1 || !book.Buy[0].Price.Equal(decimal.RequireFromString("49999")) {
		t.Fatalf("zero-size update must remove the level, got %v", book.Buy)
	}
}

func TestNormalizeFundingRateResolvesSwap(t *testing.T) {
	a := testAdapter()
	frame := []byte(`{"arg":{"channel":"funding-rate","instId":"SOL-USDT-SWAP"},"data":[{"instId":"SOL-USDT-SWAP","fundingRate":"0.0003"}]}`)

	events, err := a.Normalize(frame)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if events[0].Symbol != "SOL-USDT" {
		t.Fatalf("symbol = %q, want canonical SOL-USDT", events[0].Symbol)
	}
}

func TestNormalizeOrders(t *testing.T) {
	a := testAdapter()
	frame := []byte(`{"arg":{"channel":"orders","instId":"BTC-USDT"},"data":[{"ordId":"7","instId":"BTC-USDT","side":"buy","ordType":"limit","state":"partially_filled","sz":"3","accFillSz":"1","avgPx":"50000","px":"49999"}]}`)

	events, err := a.Normalize(frame)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	order := events[0].Payload.(schema.Order)
	if order.Status != schema.OrderPartiallyFilled || order.Side != schema.SideBuy {
		t.Fatalf("unexpected order %+v", order)
	}
	if !order.UnfilledSize.Equal(decimal.RequireFromString("2")) {
		t.Fatalf("unfilled = %s, want 2", order.UnfilledSize)
	}
}

func TestNormalizePositionsBuildsSet(t *testing.T) {
	a := testAdapter()
	frame := []byte(`{"arg":{"channel":"positions"},"data":[{"instId":"SOL-USDT-SWAP","pos":"10","avgPx":"150","markPx":"151","liqPx":"100","upl":"10"}]}`)

	events, err := a.Normalize(frame)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	set := events[0].Payload.(schema.PositionSet)
	position, ok := set["SOL-USDT"]
	if !ok {
		t.Fatalf("position set %v missing SOL-USDT", set)
	}
	if !position.UnrealizedPnl.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("upl = %s, want 10", position.UnrealizedPnl)
	}
}

func TestNormalizeErrorFrame(t *testing.T) {
	a := testAdapter()
	_, err := a.Normalize([]byte(`{"event":"error","code":"60012","msg":"Invalid request"}`))
	if err == nil {
		t.Fatal("expected an error for an error frame")
	}
	if errs.IsUnauthorized(err) {
		t.Fatalf("a malformed request must not read as an auth failure, got %v", err)
	}
	_, err = a.Normalize([]byte(`{"event":"error","code":"60009","msg":"Login failed"}`))
	if !errs.IsUnauthorized(err) {
		t.Fatalf("a login failure must classify unauthorized, got %v", err)
	}
	events, err := a.Normalize([]byte(`{"event":"subscribe","arg":{"channel":"books5","instId":"BTC-USDT"}}`))
	if err != nil || len(events) != 0 {
		t.Fatalf("subscribe ack should yield nothing, got %v, %v", events, err)
	}
}

func TestLoginSignatureIsDeterministic(t *testing.T) {
	// Known-answer check for the HMAC-SHA256+base64 signing scheme.
	got := sign("secret", "1700000000"+"GET"+"/users/self/verify")
	if got == "" || got == sign("other", "1700000000GET/users/self/verify") {
		t.Fatal("signature must depend on the secret")
	}
	if got != sign("secret", "1700000000GET/users/self/verify") {
		t.Fatal("signature must be deterministic for identical input")
	}
}

func TestHeartbeatIntervalOverride(t *testing.T) {
	settings := config.ExchangeSettings{Stream: config.StreamSettings{HeartbeatInterval: 5 * time.Second}}
	a := New(settings, SpotProducts("BTC-USDT"))
	if a.Heartbeat().PingInterval != 5*time.Second {
		t.Fatalf("ping interval = %v, want override", a.Heartbeat().PingInterval)
	}
}
