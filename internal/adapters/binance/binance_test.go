package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/coachpo/crossfeed/config"
	"github.com/coachpo/crossfeed/errs"
	"github.com/coachpo/crossfeed/internal/catalog"
	"github.com/coachpo/crossfeed/internal/schema"
)

func testAdapter() *Adapter {
	return New(config.ExchangeSettings{}, SpotProducts("BTC-USDT", "ETH-USDT"))
}

func TestSpotProductsDeriveNativeSymbols(t *testing.T) {
	products := SpotProducts("btc-usdt")
	if products[0].Native != "BTCUSDT" {
		t.Fatalf("Native = %q, want BTCUSDT", products[0].Native)
	}
	if products[0].Base != "BTC" || products[0].Quote != "USDT" {
		t.Fatalf("Base/Quote = %q/%q, want BTC/USDT", products[0].Base, products[0].Quote)
	}
}

func TestPlanTopicsFollowStreamNaming(t *testing.T) {
	a := testAdapter()
	cases := map[schema.Feed]string{
		schema.FeedOrderBook:   "btcusdt@depth@100ms",
		schema.FeedMarkPrice:   "btcusdt@markPrice",
		schema.FeedFundingRate: "btcusdt@markPrice",
		schema.FeedVolume:      "btcusdt@ticker",
	}
	product, err := a.products.Resolve("BTC-USDT")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	for feed, want := range cases {
		plan, err := a.Plan(feed)
		if err != nil {
			t.Fatalf("Plan(%s) error = %v", feed, err)
		}
		topics := plan.Topics([]catalog.Product{product})
		if len(topics) != 1 || topics[0] != want {
			t.Fatalf("Plan(%s) topics = %v, want [%s]", feed, topics, want)
		}
	}
}

func TestPlanPositionsUnsupported(t *testing.T) {
	a := testAdapter()
	if _, err := a.Plan(schema.FeedPositions); err == nil {
		t.Fatal("expected an error for position feed on spot")
	}
}

func TestSubscribeFramesBatchTopics(t *testing.T) {
	a := testAdapter()
	frames, err := a.SubscribeFrames(schema.FeedOrderBook, []string{"btcusdt@depth@100ms", "ethusdt@depth@100ms"})
	if err != nil {
		t.Fatalf("SubscribeFrames() error = %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 batched frame, got %d", len(frames))
	}
	frame := string(frames[0])
	if !strings.Contains(frame, `"method":"SUBSCRIBE"`) || !strings.Contains(frame, "ethusdt@depth@100ms") {
		t.Fatalf("unexpected subscribe frame %s", frame)
	}
}

// depthServer serves the REST order book snapshot and counts hits.
func depthServer(t *testing.T, body string, hits *int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != depthPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		atomic.AddInt32(hits, 1)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestNormalizeDepthSeedsFromSnapshotThenAppliesDeltas(t *testing.T) {
	var hits int32
	server := depthServer(t, `{"lastUpdateId":42,"bids":[["100.0","1"]],"asks":[["102.0","4"]]}`, &hits)
	a := New(config.ExchangeSettings{RESTBaseURL: server.URL}, SpotProducts("BTC-USDT"))

	frame := []byte(`{"stream":"btcusdt@depth@100ms","data":{"e":"depthUpdate","E":1700000000000,"s":"BTCUSDT","b":[["100.5","2"]],"a":[["101.0","3"]]}}`)
	events, err := a.Normalize(frame)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if len(events) != 1 || events[0].Feed != schema.FeedOrderBook {
		t.Fatalf("expected 1 orderbook event, got %+v", events)
	}
	book := events[0].Payload.(schema.OrderBook)
	// Snapshot levels and the diff level are both present.
	if len(book.Buy) != 2 || !book.Buy[0].Price.Equal(decimal.RequireFromString("100.5")) {
		t.Fatalf("buy side = %v, want snapshot 100.0 plus diff 100.5", book.Buy)
	}
	if len(book.Sell) != 2 || !book.Sell[0].Price.Equal(decimal.RequireFromString("101.0")) {
		t.Fatalf("sell side = %v, want snapshot 102.0 plus diff 101.0", book.Sell)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("snapshot fetched %d times, want 1", got)
	}

	// Removing the diff bid via a zero-size delta; no second snapshot fetch.
	frame = []byte(`{"stream":"btcusdt@depth@100ms","data":{"e":"depthUpdate","s":"BTCUSDT","b":[["100.5","0"]],"a":[]}}`)
	events, err = a.Normalize(frame)
	if err != nil {
		t.Fatalf("Normalize() delta error = %v", err)
	}
	book = events[0].Payload.(schema.OrderBook)
	if len(book.Buy) != 1 || !book.Buy[0].Price.Equal(decimal.RequireFromString("100.0")) {
		t.Fatalf("buy side after removal = %v, want only 100.0", book.Buy)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("snapshot fetched %d times after second diff, want 1", got)
	}
}

func TestNormalizeDepthSeedFailureDropsFrame(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)
	a := New(config.ExchangeSettings{RESTBaseURL: server.URL}, SpotProducts("BTC-USDT"))

	frame := []byte(`{"stream":"btcusdt@depth@100ms","data":{"e":"depthUpdate","s":"BTCUSDT","b":[["100.5","2"]],"a":[]}}`)
	events, err := a.Normalize(frame)
	if err == nil {
		t.Fatal("expected an error when the snapshot fetch fails")
	}
	if len(events) != 0 {
		t.Fatalf("no partial book may be emitted before seeding, got %+v", events)
	}
}

func TestNormalizeMarkPriceEmitsFundingToo(t *testing.T) {
	a := testAdapter()
	frame := []byte(`{"stream":"btcusdt@markPrice","data":{"e":"markPriceUpdate","s":"BTCUSDT","p":"50000.1","r":"0.0001"}}`)

	events, err := a.Normalize(frame)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected mark price and funding rate events, got %d", len(events))
	}
	if events[0].Feed != schema.FeedMarkPrice || events[1].Feed != schema.FeedFundingRate {
		t.Fatalf("unexpected feeds %s, %s", events[0].Feed, events[1].Feed)
	}
	funding := events[1].Payload.(schema.FundingRate)
	if !funding.FundingRate.Equal(decimal.RequireFromString("0.0001")) {
		t.Fatalf("funding rate = %s, want 0.0001", funding.FundingRate)
	}
}

func TestNormalizeExecutionReport(t *testing.T) {
	a := testAdapter()
	frame := []byte(`{"e":"executionReport","s":"BTCUSDT","S":"SELL","o":"LIMIT","f":"GTC","q":"2","p":"50000","P":"0","X":"PARTIALLY_FILLED","i":42,"z":"0.5","Z":"25000"}`)

	events, err := a.Normalize(frame)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if len(events) != 1 || events[0].Feed != schema.FeedOrders {
		t.Fatalf("expected 1 order event, got %+v", events)
	}
	order := events[0].Payload.(schema.Order)
	if order.ID != "42" || order.Side != schema.SideSell || order.Status != schema.OrderPartiallyFilled {
		t.Fatalf("unexpected order %+v", order)
	}
	if !order.UnfilledSize.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("unfilled = %s, want 1.5", order.UnfilledSize)
	}
	if !order.AveragePrice.Equal(decimal.RequireFromString("50000")) {
		t.Fatalf("average price = %s, want 50000", order.AveragePrice)
	}
}

func TestNormalizeAccountPosition(t *testing.T) {
	a := testAdapter()
	frame := []byte(`{"e":"outboundAccountPosition","B":[{"a":"USDT","f":"100","l":"25"}]}`)

	events, err := a.Normalize(frame)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if len(events) != 1 || events[0].Feed != schema.FeedBalances {
		t.Fatalf("expected 1 balance event, got %+v", events)
	}
	balance := events[0].Payload.(schema.Balance)
	if !balance.Balance.Equal(decimal.RequireFromString("125")) {
		t.Fatalf("balance = %s, want 125", balance.Balance)
	}
	if !balance.AvailableBalance.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("available = %s, want 100", balance.AvailableBalance)
	}
}

func TestNormalizeIgnoresAcksAndReportsControlErrors(t *testing.T) {
	a := testAdapter()
	events, err := a.Normalize([]byte(`{"result":null,"id":1}`))
	if err != nil || len(events) != 0 {
		t.Fatalf("ack should yield no events, got %v, %v", events, err)
	}
	if _, err := a.Normalize([]byte(`{"error":{"code":2,"msg":"bad stream"},"id":2}`)); err == nil {
		t.Fatal("expected an error for a control rejection")
	}
}

func TestListenKeyLifecycle(t *testing.T) {
	var posts, puts, deletes int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-MBX-APIKEY") != "key-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.Method {
		case http.MethodPost:
			posts++
			_, _ = w.Write([]byte(`{"listenKey":"lk-abc"}`))
		case http.MethodPut:
			puts++
			_, _ = w.Write([]byte(`{}`))
		case http.MethodDelete:
			deletes++
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	defer server.Close()

	settings := config.ExchangeSettings{
		RESTBaseURL: server.URL,
		Credentials: config.Credentials{APIKey: "key-1", APISecret: "secret"},
	}
	a := New(settings, SpotProducts("BTC-USDT"))

	ctx := context.Background()
	endpoint, err := a.PrivateEndpoint(ctx)
	if err != nil {
		t.Fatalf("PrivateEndpoint() error = %v", err)
	}
	if !strings.HasSuffix(endpoint, "/lk-abc") {
		t.Fatalf("endpoint = %q, want listen key suffix", endpoint)
	}
	if _, err := a.PrivateEndpoint(ctx); err != nil {
		t.Fatalf("second PrivateEndpoint() error = %v", err)
	}
	if posts != 1 {
		t.Fatalf("listen key must be reused while fresh, got %d acquisitions", posts)
	}

	if _, err := a.keys.Renew(ctx, nil); err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	if puts != 1 {
		t.Fatalf("expected 1 keepalive, got %d", puts)
	}
	if err := a.keys.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if deletes != 1 {
		t.Fatalf("expected 1 release, got %d", deletes)
	}
}

func TestListenKeyUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":-2014,"msg":"API-key format invalid."}`))
	}))
	defer server.Close()

	a := New(config.ExchangeSettings{
		RESTBaseURL: server.URL,
		Credentials: config.Credentials{APIKey: "bad", APISecret: "bad"},
	}, SpotProducts("BTC-USDT"))

	_, err := a.PrivateEndpoint(context.Background())
	if !errs.IsUnauthorized(err) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}
