// Package binance implements the Binance websocket connector: combined-stream
// market data, listen-key user data streams, and payload normalization.
package binance

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/crossfeed/config"
	"github.com/coachpo/crossfeed/errs"
	"github.com/coachpo/crossfeed/internal/catalog"
	"github.com/coachpo/crossfeed/internal/schema"
	"github.com/coachpo/crossfeed/internal/stream"
)

const (
	defaultPublicURL = "wss://stream.binance.com:9443/stream"
	defaultStreamURL = "wss://stream.binance.com:9443/ws"
	defaultRESTURL   = "https://api.binance.com"

	// Binance limits control messages (SUBSCRIBE/UNSUBSCRIBE, PING/PONG) to
	// 5 per second per connection.
	controlMessageInterval = 250 * time.Millisecond
)

// Adapter is the Binance capability implementation consumed by the
// subscription engine.
type Adapter struct {
	settings config.ExchangeSettings
	products *catalog.Static
	keys     *listenKeyClient
	depth    *depthClient
	msgID    atomic.Uint64

	mu    sync.Mutex
	books map[string]*stream.Book
}

// New builds the Binance adapter over the given product listings. Credentials
// are optional; without them the private feeds are unavailable.
func New(settings config.ExchangeSettings, products []catalog.Product) *Adapter {
	a := &Adapter{
		settings: settings,
		products: catalog.NewStatic("binance", products),
		depth:    newDepthClient(settings),
		books:    make(map[string]*stream.Book),
	}
	if settings.Credentials.Configured() {
		a.keys = newListenKeyClient(settings)
	}
	return a
}

// SpotProducts derives Binance spot listings from canonical symbols
// (BTC-USDT -> BTCUSDT).
func SpotProducts(symbols ...string) []catalog.Product {
	out := make([]catalog.Product, 0, len(symbols))
	for _, symbol := range symbols {
		symbol = schema.NormalizeSymbol(symbol)
		base, quote, _ := strings.Cut(symbol, "-")
		out = append(out, catalog.Product{
			Symbol:   symbol,
			Native:   strings.ReplaceAll(symbol, "-", ""),
			Contract: catalog.ContractSpot,
			Base:     base,
			Quote:    quote,
		})
	}
	return out
}

// Venue implements stream.ExchangeAdapter.
func (a *Adapter) Venue() string { return "binance" }

// Catalog implements stream.ExchangeAdapter.
func (a *Adapter) Catalog() catalog.Catalog { return a.products }

// Endpoints implements stream.ExchangeAdapter. The private endpoint embeds
// the listen key and is resolved at dial time via PrivateEndpoint.
func (a *Adapter) Endpoints() (string, string) {
	public := a.settings.Websocket.PublicURL
	if public == "" {
		public = defaultPublicURL
	}
	return public, a.streamBase()
}

func (a *Adapter) streamBase() string {
	if a.settings.Websocket.PrivateURL != "" {
		return a.settings.Websocket.PrivateURL
	}
	return defaultStreamURL
}

// ControlInterval implements stream.ExchangeAdapter.
func (a *Adapter) ControlInterval() time.Duration { return controlMessageInterval }

// Heartbeat implements stream.ExchangeAdapter. Binance pings at the protocol
// layer, which the transport answers; there is no application-level
// heartbeat frame to match or send.
func (a *Adapter) Heartbeat() stream.HeartbeatPlan { return stream.HeartbeatPlan{} }

// Authenticator implements stream.ExchangeAdapter.
func (a *Adapter) Authenticator() stream.Authenticator {
	if a.keys == nil {
		return nil
	}
	return a.keys
}

// Plan implements stream.ExchangeAdapter.
func (a *Adapter) Plan(feed schema.Feed) (stream.FeedPlan, error) {
	suffix := ""
	switch feed {
	case schema.FeedOrderBook:
		suffix = "@depth@100ms"
	case schema.FeedMarkPrice, schema.FeedFundingRate:
		// Mark price and funding rate ride the same stream.
		suffix = "@markPrice"
	case schema.FeedVolume:
		suffix = "@ticker"
	case schema.FeedOrders, schema.FeedBalances:
		// User data streams carry every account event; no per-symbol topics.
		return stream.FeedPlan{
			Feed:   feed,
			Auth:   true,
			Topics: func([]catalog.Product) []string { return nil },
		}, nil
	case schema.FeedPositions:
		return stream.FeedPlan{}, errs.New("binance", errs.CodeInvalid,
			errs.WithMessage("position updates not available on spot user data streams"))
	default:
		return stream.FeedPlan{}, errs.New("binance", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unsupported feed %q", feed)))
	}
	return stream.FeedPlan{
		Feed: feed,
		Topics: func(products []catalog.Product) []string {
			topics := make([]string, 0, len(products))
			for _, p := range products {
				topics = append(topics, strings.ToLower(p.Native)+suffix)
			}
			return topics
		},
	}, nil
}

type controlRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params,omitempty"`
	ID     uint64   `json:"id"`
}

// SubscribeFrames implements stream.ExchangeAdapter.
func (a *Adapter) SubscribeFrames(_ schema.Feed, topics []string) ([][]byte, error) {
	return a.controlFrames("SUBSCRIBE", topics)
}

// UnsubscribeFrames implements stream.ExchangeAdapter.
func (a *Adapter) UnsubscribeFrames(_ schema.Feed, topics []string) ([][]byte, error) {
	return a.controlFrames("UNSUBSCRIBE", topics)
}

func (a *Adapter) controlFrames(method string, topics []string) ([][]byte, error) {
	if len(topics) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(controlRequest{
		Method: method,
		Params: topics,
		ID:     a.msgID.Add(1),
	})
	if err != nil {
		return nil, fmt.Errorf("encode binance %s: %w", strings.ToLower(method), err)
	}
	return [][]byte{payload}, nil
}

func (a *Adapter) book(symbol string) *stream.Book {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.books[symbol]
	if !ok {
		b = stream.NewBook(symbol)
		a.books[symbol] = b
	}
	return b
}
