// Package delta implements the Delta Exchange websocket connector: typed
// channel subscriptions, key-signed session auth, and payload normalization.
package delta

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/crossfeed/config"
	"github.com/coachpo/crossfeed/errs"
	"github.com/coachpo/crossfeed/internal/catalog"
	"github.com/coachpo/crossfeed/internal/schema"
	"github.com/coachpo/crossfeed/internal/stream"
)

const (
	defaultURL = "wss://socket.delta.exchange"

	// Delta caps l2_orderbook subscriptions at 20 symbols per connection.
	orderbookSymbolLimit = 20

	// The server starts emitting heartbeat frames only after the client
	// enables them; re-sending the enable message is idempotent.
	defaultHeartbeatInterval = 30 * time.Second
)

// Adapter is the Delta Exchange capability implementation consumed by the
// subscription engine.
type Adapter struct {
	settings config.ExchangeSettings
	products *catalog.Static

	mu    sync.Mutex
	books map[string]*stream.Book
}

// New builds the Delta adapter over the given product listings.
func New(settings config.ExchangeSettings, products []catalog.Product) *Adapter {
	return &Adapter{
		settings: settings,
		products: catalog.NewStatic("delta", products),
		books:    make(map[string]*stream.Book),
	}
}

// PerpetualProducts derives Delta perpetual listings from canonical symbols
// (BTC-USDT -> BTCUSDT).
func PerpetualProducts(symbols ...string) []catalog.Product {
	out := make([]catalog.Product, 0, len(symbols))
	for _, symbol := range symbols {
		symbol = schema.NormalizeSymbol(symbol)
		base, quote, _ := strings.Cut(symbol, "-")
		out = append(out, catalog.Product{
			Symbol:   symbol,
			Native:   base + quote,
			Contract: catalog.ContractPerpetual,
			Base:     base,
			Quote:    quote,
		})
	}
	return out
}

// Venue implements stream.ExchangeAdapter.
func (a *Adapter) Venue() string { return "delta" }

// Catalog implements stream.ExchangeAdapter.
func (a *Adapter) Catalog() catalog.Catalog { return a.products }

// Endpoints implements stream.ExchangeAdapter. Delta serves public and
// private channels over one socket.
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

// Heartbeat implements stream.ExchangeAdapter. The periodic client frame
// keeps the server-side heartbeat enabled across the session.
func (a *Adapter) Heartbeat() stream.HeartbeatPlan {
	interval := a.settings.Stream.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	return stream.HeartbeatPlan{
		PingInterval: interval,
		PingFrame: func() []byte {
			payload, _ := json.Marshal(wsRequest{Type: "enable_heartbeat"})
			return payload
		},
		IsHeartbeat: func(raw []byte) bool {
			var peek struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(raw, &peek); err != nil {
				return false
			}
			return peek.Type == "heartbeat"
		},
		PongFrame: func([]byte) []byte { return nil },
	}
}

// Authenticator implements stream.ExchangeAdapter.
func (a *Adapter) Authenticator() stream.Authenticator {
	if !a.settings.Credentials.Configured() {
		return nil
	}
	return &keyAuth{creds: a.settings.Credentials}
}

// Plan implements stream.ExchangeAdapter. Topic tokens are
// "channel:nativeSymbol"; frame encoding regroups them into per-channel
// symbol lists.
func (a *Adapter) Plan(feed schema.Feed) (stream.FeedPlan, error) {
	var channel string
	symbolLimit := 0
	perSymbol := true
	switch feed {
	case schema.FeedOrderBook:
		channel = "l2_orderbook"
		symbolLimit = orderbookSymbolLimit
	case schema.FeedMarkPrice, schema.FeedFundingRate, schema.FeedVolume:
		// Mark price, funding, and volume all ride the ticker channel.
		channel = "v2/ticker"
	case schema.FeedOrders:
		channel = "orders"
	case schema.FeedPositions:
		channel = "positions"
	case schema.FeedBalances:
		// Margins are account-scoped; every product maps onto the one
		// wildcard subscription.
		channel = "margins"
		perSymbol = false
	default:
		return stream.FeedPlan{}, errs.New("delta", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unsupported feed %q", feed)))
	}
	return stream.FeedPlan{
		Feed:        feed,
		Auth:        feed.Private(),
		SymbolLimit: symbolLimit,
		Topics: func(products []catalog.Product) []string {
			topics := make([]string, 0, len(products))
			for _, p := range products {
				if perSymbol {
					topics = append(topics, channel+":"+p.Native)
				} else {
					topics = append(topics, channel+":all")
				}
			}
			return topics
		},
	}, nil
}

type wsChannel struct {
	Name    string   `json:"name"`
	Symbols []string `json:"symbols,omitempty"`
}

type wsPayload struct {
	Channels []wsChannel `json:"channels"`
}

type wsRequest struct {
	Type    string     `json:"type"`
	Payload *wsPayload `json:"payload,omitempty"`
}

// SubscribeFrames implements stream.ExchangeAdapter.
func (a *Adapter) SubscribeFrames(_ schema.Feed, topics []string) ([][]byte, error) {
	return channelFrames("subscribe", topics)
}

// UnsubscribeFrames implements stream.ExchangeAdapter.
func (a *Adapter) UnsubscribeFrames(_ schema.Feed, topics []string) ([][]byte, error) {
	return channelFrames("unsubscribe", topics)
}

func channelFrames(verb string, topics []string) ([][]byte, error) {
	if len(topics) == 0 {
		return nil, nil
	}
	symbols := make(map[string][]string)
	order := make([]string, 0, len(topics))
	for _, topic := range topics {
		channel, symbol, ok := strings.Cut(topic, ":")
		if !ok {
			return nil, errs.New("delta", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("malformed topic %q", topic)))
		}
		if _, seen := symbols[channel]; !seen {
			order = append(order, channel)
		}
		if !contains(symbols[channel], symbol) {
			symbols[channel] = append(symbols[channel], symbol)
		}
	}
	channels := make([]wsChannel, 0, len(order))
	for _, name := range order {
		channels = append(channels, wsChannel{Name: name, Symbols: symbols[name]})
	}
	payload, err := json.Marshal(wsRequest{Type: verb, Payload: &wsPayload{Channels: channels}})
	if err != nil {
		return nil, err
	}
	return [][]byte{payload}, nil
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

// keyAuth authenticates the socket with a key-signed auth frame. Rejections
// surface as error frames handled by the normalizer.
type keyAuth struct {
	creds config.Credentials
}

// Handshake implements stream.Authenticator.
func (k *keyAuth) Handshake(ctx context.Context, conn *stream.Conn) (time.Time, error) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	frame := map[string]any{
		"type": "auth",
		"payload": map[string]string{
			"api-key":   k.creds.APIKey,
			"signature": sign(k.creds.APISecret, "GET"+ts+"/live"),
			"timestamp": ts,
		},
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return time.Time{}, err
	}
	if err := conn.Send(ctx, payload); err != nil {
		return time.Time{}, err
	}
	// Delta sessions do not expire while the socket stays up.
	return time.Time{}, nil
}

// Renew implements stream.Authenticator.
func (k *keyAuth) Renew(ctx context.Context, conn *stream.Conn) (time.Time, error) {
	return k.Handshake(ctx, conn)
}

// Close implements stream.Authenticator.
func (k *keyAuth) Close(context.Context) error { return nil }

func sign(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
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
