package stream

import (
	"fmt"
	"testing"

	"github.com/coachpo/crossfeed/internal/schema"
)

func noopCallback(string, schema.Event) {}

func testSub(feed schema.Feed) *Subscription {
	return &Subscription{feed: feed, cb: noopCallback}
}

func TestRegistryAttachExistingDeduplicates(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterConn("c1", false)
	reg.Reserve("c1", schema.FeedOrderBook, []string{"btcusdt@depth"}, []string{"BTC-USDT"}, false, testSub(schema.FeedOrderBook))

	second := testSub(schema.FeedOrderBook)
	existing := reg.AttachExisting(schema.FeedOrderBook, []string{"BTC-USDT", "ETH-USDT"}, second)

	if len(existing) != 1 || existing[0] != "BTC-USDT" {
		t.Fatalf("AttachExisting() = %v, want [BTC-USDT]", existing)
	}
	cbs := reg.CallbacksFor("c1", schema.FeedOrderBook, "BTC-USDT")
	if len(cbs) != 2 {
		t.Fatalf("expected 2 callbacks after attach, got %d", len(cbs))
	}
}

func TestRegistrySameFunctionRegistersIndependently(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterConn("c1", false)

	// Two handles wrapping the very same function value must be tracked as
	// two registrations, released one at a time.
	first := &Subscription{feed: schema.FeedOrderBook, cb: noopCallback}
	second := &Subscription{feed: schema.FeedOrderBook, cb: noopCallback}
	reg.Reserve("c1", schema.FeedOrderBook, []string{"t1"}, []string{"BTC-USDT"}, false, first)
	reg.AttachExisting(schema.FeedOrderBook, []string{"BTC-USDT"}, second)

	if cbs := reg.CallbacksFor("c1", schema.FeedOrderBook, "BTC-USDT"); len(cbs) != 2 {
		t.Fatalf("expected 2 callbacks for 2 registrations of one function, got %d", len(cbs))
	}

	result := reg.Release("c1", schema.FeedOrderBook, []string{"BTC-USDT"}, first)
	if len(result.Topics) != 0 {
		t.Fatalf("expected no wire unsubscribe while the second registration remains, got %v", result.Topics)
	}
	if cbs := reg.CallbacksFor("c1", schema.FeedOrderBook, "BTC-USDT"); len(cbs) != 1 {
		t.Fatalf("expected 1 callback after releasing one registration, got %d", len(cbs))
	}
}

func TestRegistryPacksExistingConnectionsFirst(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterConn("c1", false)
	reg.RegisterConn("c2", false)
	reg.Reserve("c1", schema.FeedOrderBook, []string{"a"}, []string{"A-USDT"}, false, testSub(schema.FeedOrderBook))

	connID, capacity, ok := reg.FindCapacity(schema.FeedOrderBook, 3, false)
	if !ok {
		t.Fatal("expected capacity on an existing connection")
	}
	if connID != "c1" {
		t.Fatalf("FindCapacity() = %q, want c1 (creation order)", connID)
	}
	if capacity != 2 {
		t.Fatalf("capacity = %d, want 2", capacity)
	}
}

func TestRegistryFindCapacitySkipsSaturatedAndWrongClass(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterConn("c1", false)
	reg.RegisterConn("priv", true)
	reg.Reserve("c1", schema.FeedOrderBook, []string{"a", "b"}, []string{"A-USDT", "B-USDT"}, false, testSub(schema.FeedOrderBook))

	if _, _, ok := reg.FindCapacity(schema.FeedOrderBook, 2, false); ok {
		t.Fatal("expected no public capacity when the only public connection is full")
	}
	connID, _, ok := reg.FindCapacity(schema.FeedOrders, 10, true)
	if !ok || connID != "priv" {
		t.Fatalf("FindCapacity(private) = %q, %v, want priv, true", connID, ok)
	}
}

func TestRegistryZeroLimitMeansUnlimited(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterConn("c1", false)
	symbols := make([]string, 250)
	topics := make([]string, 250)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("SYM%03d-USDT", i)
		topics[i] = fmt.Sprintf("sym%03d@markPrice", i)
	}
	reg.Reserve("c1", schema.FeedMarkPrice, topics, symbols, false, testSub(schema.FeedMarkPrice))

	if _, _, ok := reg.FindCapacity(schema.FeedMarkPrice, 0, false); !ok {
		t.Fatal("expected unbounded capacity with zero limit")
	}
}

func TestRegistryReleaseKeepsSymbolsWhileRegistrationsRemain(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterConn("c1", false)
	first := testSub(schema.FeedOrderBook)
	second := testSub(schema.FeedOrderBook)
	reg.Reserve("c1", schema.FeedOrderBook, []string{"t1"}, []string{"BTC-USDT"}, false, first)
	reg.AttachExisting(schema.FeedOrderBook, []string{"BTC-USDT"}, second)

	result := reg.Release("c1", schema.FeedOrderBook, []string{"BTC-USDT"}, first)
	if len(result.Topics) != 0 {
		t.Fatalf("expected no wire unsubscribe while a registration remains, got %v", result.Topics)
	}
	if result.ConnEmpty {
		t.Fatal("connection must not report empty while a registration remains")
	}
	if cbs := reg.CallbacksFor("c1", schema.FeedOrderBook, "BTC-USDT"); len(cbs) != 1 {
		t.Fatalf("expected 1 remaining callback, got %d", len(cbs))
	}

	result = reg.Release("c1", schema.FeedOrderBook, []string{"BTC-USDT"}, second)
	if len(result.Topics) != 1 || result.Topics[0] != "t1" {
		t.Fatalf("Release() topics = %v, want [t1]", result.Topics)
	}
	if !result.ChannelRemoved || !result.ConnEmpty {
		t.Fatalf("expected channel removal and empty connection, got %+v", result)
	}
}

func TestRegistryPartialReleaseKeepsRemainingSymbols(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterConn("c1", false)
	sub := testSub(schema.FeedOrderBook)
	reg.Reserve("c1", schema.FeedOrderBook, []string{"t1", "t2"}, []string{"BTC-USDT", "ETH-USDT"}, false, sub)

	result := reg.Release("c1", schema.FeedOrderBook, []string{"BTC-USDT"}, sub)
	if len(result.Topics) != 1 || result.Topics[0] != "t1" {
		t.Fatalf("Release() topics = %v, want [t1]", result.Topics)
	}
	if result.ChannelRemoved || result.ConnEmpty {
		t.Fatalf("channel must survive a partial release, got %+v", result)
	}
	if cbs := reg.CallbacksFor("c1", schema.FeedOrderBook, "ETH-USDT"); len(cbs) != 1 {
		t.Fatalf("registration must still hold the remaining symbol, got %d callbacks", len(cbs))
	}
}

func TestRegistryCallbacksForReleasedSymbolReturnsNone(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterConn("c1", false)
	sub := testSub(schema.FeedOrderBook)
	reg.Reserve("c1", schema.FeedOrderBook, []string{"t1", "t2"}, []string{"BTC-USDT", "ETH-USDT"}, false, sub)
	reg.Release("c1", schema.FeedOrderBook, []string{"BTC-USDT"}, sub)

	if cbs := reg.CallbacksFor("c1", schema.FeedOrderBook, "BTC-USDT"); len(cbs) != 0 {
		t.Fatalf("expected no callbacks for a released symbol, got %d", len(cbs))
	}
}

func TestRegistryPrivateFeedDispatchIgnoresSymbolMembership(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterConn("priv", true)
	reg.Reserve("priv", schema.FeedOrders, []string{"orders"}, []string{"BTC-USDT"}, true, testSub(schema.FeedOrders))

	if cbs := reg.CallbacksFor("priv", schema.FeedOrders, "ETH-USDT"); len(cbs) != 1 {
		t.Fatalf("private feeds dispatch regardless of symbol, got %d callbacks", len(cbs))
	}
}

func TestRegistryPrivateDispatchDeduplicatesAcrossSymbols(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterConn("priv", true)
	sub := testSub(schema.FeedOrders)
	reg.Reserve("priv", schema.FeedOrders, []string{"o1", "o2"}, []string{"BTC-USDT", "ETH-USDT"}, true, sub)

	if cbs := reg.CallbacksFor("priv", schema.FeedOrders, ""); len(cbs) != 1 {
		t.Fatalf("one registration across two symbols must dispatch once, got %d callbacks", len(cbs))
	}
}

func TestRegistryDropConnClearsIndex(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterConn("c1", false)
	reg.Reserve("c1", schema.FeedOrderBook, []string{"t1"}, []string{"BTC-USDT"}, false, testSub(schema.FeedOrderBook))

	reg.DropConn("c1")
	if _, ok := reg.ConnFor(schema.FeedOrderBook, "BTC-USDT"); ok {
		t.Fatal("expected index entry removed with the connection")
	}
	if !reg.Empty() {
		t.Fatal("registry should be empty after dropping the only connection")
	}
}

func TestRegistryChannelsForSortsSnapshot(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterConn("c1", false)
	reg.Reserve("c1", schema.FeedMarkPrice, []string{"z", "a"}, []string{"Z-USDT", "A-USDT"}, false, testSub(schema.FeedMarkPrice))
	reg.Reserve("c1", schema.FeedFundingRate, []string{"f"}, []string{"A-USDT"}, false, testSub(schema.FeedFundingRate))

	snaps := reg.ChannelsFor("c1")
	if len(snaps) != 2 {
		t.Fatalf("expected 2 channel snapshots, got %d", len(snaps))
	}
	if snaps[0].Feed != schema.FeedFundingRate {
		t.Fatalf("snapshots not sorted by feed: %v first", snaps[0].Feed)
	}
	if snaps[1].Topics[0] != "a" || snaps[1].Topics[1] != "z" {
		t.Fatalf("topics not sorted: %v", snaps[1].Topics)
	}
}
