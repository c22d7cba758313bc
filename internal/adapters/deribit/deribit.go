// Package deribit implements the Deribit websocket connector: JSON-RPC 2.0
// channel subscriptions, client_credentials authentication, and payload
// normalization.
package deribit

import (
	"context"
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
	defaultURL = "wss://www.deribit.com/ws/api/v2"

	// Deribit access tokens from client_credentials grants live 900 seconds.
	tokenTTL = 900 * time.Second

	defaultTestInterval = 30 * time.Second
)

// Adapter is the Deribit capability implementation consumed by the
// subscription engine. Deribit multiplexes public and private channels over
// one endpoint; authenticated subscriptions still get their own connections.
type Adapter struct {
	settings config.ExchangeSettings
	products *catalog.Static
	rpcID    atomic.Uint64

	mu    sync.Mutex
	books map[string]*stream.Book
}

// New builds the Deribit adapter over the given product listings.
func New(settings config.ExchangeSettings, products []catalog.Product) *Adapter {
	return &Adapter{
		settings: settings,
		products: catalog.NewStatic("deribit", products),
		books:    make(map[string]*stream.Book),
	}
}

// PerpetualProducts derives Deribit perpetual listings from canonical symbols
// (BTC-USD -> BTC-PERPETUAL).
func PerpetualProducts(symbols ...string) []catalog.Product {
	out := make([]catalog.Product, 0, len(symbols))
	for _, symbol := range symbols {
		symbol = schema.NormalizeSymbol(symbol)
		base, quote, _ := strings.Cut(symbol, "-")
		out = append(out, catalog.Product{
			Symbol:   symbol,
			Native:   base + "-PERPETUAL",
			Contract: catalog.ContractPerpetual,
			Base:     base,
			Quote:    quote,
		})
	}
	return out
}

// Venue implements stream.ExchangeAdapter.
func (a *Adapter) Venue() string { return "deribit" }

// Catalog implements stream.ExchangeAdapter.
func (a *Adapter) Catalog() catalog.Catalog { return a.products }

// Endpoints implements stream.ExchangeAdapter.
func (a *Adapter) Endpoints() (string, string) {
	url := a.settings.Websocket.PublicURL
	if url == "" {
		url = defaultURL
	}
	private := a.settings.Websocket.PrivateURL
	if private == "" {
		private = url
	}
	return url, private
}

// ControlInterval implements stream.ExchangeAdapter.
func (a *Adapter) ControlInterval() time.Duration { return 0 }

// Heartbeat implements stream.ExchangeAdapter. The client issues public/test
// requests as application pings; server test_request heartbeats are answered
// the same way.
func (a *Adapter) Heartbeat() stream.HeartbeatPlan {
	interval := a.settings.Stream.HeartbeatInterval
	if interval <= 0 {
		interval = defaultTestInterval
	}
	return stream.HeartbeatPlan{
		PingInterval: interval,
		PingFrame:    func() []byte { return a.rpcFrame("public/test", nil) },
		IsHeartbeat: func(raw []byte) bool {
			var peek struct {
				Method string `json:"method"`
			}
			if err := json.Unmarshal(raw, &peek); err != nil {
				return false
			}
			return peek.Method == "heartbeat"
		},
		PongFrame: func(raw []byte) []byte {
			var frame struct {
				Params struct {
					Type string `json:"type"`
				} `json:"params"`
			}
			if err := json.Unmarshal(raw, &frame); err != nil {
				return nil
			}
			if frame.Params.Type != "test_request" {
				return nil
			}
			return a.rpcFrame("public/test", nil)
		},
	}
}

// Authenticator implements stream.ExchangeAdapter.
func (a *Adapter) Authenticator() stream.Authenticator {
	if !a.settings.Credentials.Configured() {
		return nil
	}
	return &grant{adapter: a, creds: a.settings.Credentials}
}

// Plan implements stream.ExchangeAdapter.
func (a *Adapter) Plan(feed schema.Feed) (stream.FeedPlan, error) {
	var topic func(catalog.Product) string
	switch feed {
	case schema.FeedOrderBook:
		topic = func(p catalog.Product) string { return "book." + p.Native + ".100ms" }
	case schema.FeedMarkPrice, schema.FeedFundingRate, schema.FeedVolume:
		// Mark price, funding, and volume all ride the ticker channel.
		topic = func(p catalog.Product) string { return "ticker." + p.Native + ".100ms" }
	case schema.FeedOrders:
		topic = func(p catalog.Product) string { return "user.orders." + p.Native + ".raw" }
	case schema.FeedPositions:
		topic = func(p catalog.Product) string { return "user.changes." + p.Native + ".raw" }
	case schema.FeedBalances:
		topic = func(p catalog.Product) string { return "user.portfolio." + strings.ToLower(p.Base) }
	default:
		return stream.FeedPlan{}, errs.New("deribit", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unsupported feed %q", feed)))
	}
	return stream.FeedPlan{
		Feed: feed,
		Auth: feed.Private(),
		Topics: func(products []catalog.Product) []string {
			topics := make([]string, 0, len(products))
			for _, p := range products {
				topics = append(topics, topic(p))
			}
			return topics
		},
	}, nil
}

// SubscribeFrames implements stream.ExchangeAdapter.
func (a *Adapter) SubscribeFrames(feed schema.Feed, topics []string) ([][]byte, error) {
	return a.channelFrames("subscribe", feed, topics)
}

// UnsubscribeFrames implements stream.ExchangeAdapter.
func (a *Adapter) UnsubscribeFrames(feed schema.Feed, topics []string) ([][]byte, error) {
	return a.channelFrames("unsubscribe", feed, topics)
}

func (a *Adapter) channelFrames(verb string, feed schema.Feed, topics []string) ([][]byte, error) {
	if len(topics) == 0 {
		return nil, nil
	}
	scope := "public/"
	if feed.Private() {
		scope = "private/"
	}
	return [][]byte{a.rpcFrame(scope+verb, map[string]any{"channels": topics})}, nil
}

func (a *Adapter) rpcFrame(method string, params map[string]any) []byte {
	frame := map[string]any{
		"jsonrpc": "2.0",
		"id":      a.rpcID.Add(1),
		"method":  method,
	}
	if params != nil {
		frame["params"] = params
	}
	payload, _ := json.Marshal(frame)
	return payload
}

// grant authenticates the websocket session with a client_credentials grant.
// The handshake is sent on the connection; rejections surface as JSON-RPC
// error frames handled by the normalizer.
type grant struct {
	adapter *Adapter
	creds   config.Credentials
}

// Handshake implements stream.Authenticator.
func (g *grant) Handshake(ctx context.Context, conn *stream.Conn) (time.Time, error) {
	frame := g.adapter.rpcFrame("public/auth", map[string]any{
		"grant_type":    "client_credentials",
		"client_id":     g.creds.APIKey,
		"client_secret": g.creds.APISecret,
	})
	if err := conn.Send(ctx, frame); err != nil {
		return time.Time{}, err
	}
	return time.Now().Add(tokenTTL), nil
}

// Renew implements stream.Authenticator by re-running the grant.
func (g *grant) Renew(ctx context.Context, conn *stream.Conn) (time.Time, error) {
	return g.Handshake(ctx, conn)
}

// Close implements stream.Authenticator.
func (g *grant) Close(context.Context) error { return nil }

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
