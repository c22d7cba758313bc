// Package okx implements the OKX v5 websocket connector: public and private
// channel subscriptions, the login handshake, and payload normalization.
package okx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
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
	defaultPublicURL  = "wss://ws.okx.com:8443/ws/v5/public"
	defaultPrivateURL = "wss://ws.okx.com:8443/ws/v5/private"

	// OKX disconnects idle sockets after 30 seconds without traffic.
	defaultPingInterval = 20 * time.Second
)

// Adapter is the OKX capability implementation consumed by the subscription
// engine.
type Adapter struct {
	settings config.ExchangeSettings
	products *catalog.Static

	mu    sync.Mutex
	books map[string]*stream.Book
}

// New builds the OKX adapter over the given product listings.
func New(settings config.ExchangeSettings, products []catalog.Product) *Adapter {
	return &Adapter{
		settings: settings,
		products: catalog.NewStatic("okx", products),
		books:    make(map[string]*stream.Book),
	}
}

// SpotProducts derives OKX spot listings from canonical symbols; OKX
// instrument IDs match the canonical dash form.
func SpotProducts(symbols ...string) []catalog.Product {
	out := make([]catalog.Product, 0, len(symbols))
	for _, symbol := range symbols {
		symbol = schema.NormalizeSymbol(symbol)
		base, quote, _ := strings.Cut(symbol, "-")
		out = append(out, catalog.Product{
			Symbol:   symbol,
			Native:   symbol,
			Contract: catalog.ContractSpot,
			Base:     base,
			Quote:    quote,
		})
	}
	return out
}

// SwapProducts derives OKX perpetual swap listings (BTC-USDT -> BTC-USDT-SWAP).
func SwapProducts(symbols ...string) []catalog.Product {
	out := make([]catalog.Product, 0, len(symbols))
	for _, symbol := range symbols {
		symbol = schema.NormalizeSymbol(symbol)
		base, quote, _ := strings.Cut(symbol, "-")
		out = append(out, catalog.Product{
			Symbol:   symbol,
			Native:   symbol + "-SWAP",
			Contract: catalog.ContractPerpetual,
			Base:     base,
			Quote:    quote,
		})
	}
	return out
}

// Venue implements stream.ExchangeAdapter.
func (a *Adapter) Venue() string { return "okx" }

// Catalog implements stream.ExchangeAdapter.
func (a *Adapter) Catalog() catalog.Catalog { return a.products }

// Endpoints implements stream.ExchangeAdapter.
func (a *Adapter) Endpoints() (string, string) {
	public, private := a.settings.Websocket.PublicURL, a.settings.Websocket.PrivateURL
	if public == "" {
		public = defaultPublicURL
	}
	if private == "" {
		private = defaultPrivateURL
	}
	return public, private
}

// ControlInterval implements stream.ExchangeAdapter; OKX imposes no control
// message pacing at this subscription volume.
func (a *Adapter) ControlInterval() time.Duration { return 0 }

// Heartbeat implements stream.ExchangeAdapter: text ping every interval,
// the text pong resets liveness.
func (a *Adapter) Heartbeat() stream.HeartbeatPlan {
	interval := a.settings.Stream.HeartbeatInterval
	if interval <= 0 {
		interval = defaultPingInterval
	}
	return stream.HeartbeatPlan{
		PingInterval: interval,
		PingFrame:    func() []byte { return []byte("ping") },
		IsHeartbeat:  func(raw []byte) bool { return string(raw) == "pong" },
	}
}

// Authenticator implements stream.ExchangeAdapter.
func (a *Adapter) Authenticator() stream.Authenticator {
	if !a.settings.Credentials.Configured() {
		return nil
	}
	return &login{creds: a.settings.Credentials}
}

// Plan implements stream.ExchangeAdapter. Topics are "channel:argument"
// tokens decoded back into subscription args by the frame encoders.
func (a *Adapter) Plan(feed schema.Feed) (stream.FeedPlan, error) {
	switch feed {
	case schema.FeedOrderBook:
		return a.instPlan(feed, "books5"), nil
	case schema.FeedMarkPrice:
		return a.instPlan(feed, "mark-price"), nil
	case schema.FeedFundingRate:
		return a.instPlan(feed, "funding-rate"), nil
	case schema.FeedVolume:
		return a.instPlan(feed, "tickers"), nil
	case schema.FeedOrders:
		return a.instPlan(feed, "orders"), nil
	case schema.FeedPositions:
		return a.instPlan(feed, "positions"), nil
	case schema.FeedBalances:
		return stream.FeedPlan{
			Feed: feed,
			Auth: true,
			Topics: func(products []catalog.Product) []string {
				topics := make([]string, 0, len(products))
				for _, p := range products {
					topics = append(topics, "account:"+p.Base)
				}
				return topics
			},
		}, nil
	default:
		return stream.FeedPlan{}, errs.New("okx", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unsupported feed %q", feed)))
	}
}

func (a *Adapter) instPlan(feed schema.Feed, channel string) stream.FeedPlan {
	return stream.FeedPlan{
		Feed: feed,
		Auth: feed.Private(),
		Topics: func(products []catalog.Product) []string {
			topics := make([]string, 0, len(products))
			for _, p := range products {
				topics = append(topics, channel+":"+p.Native)
			}
			return topics
		},
	}
}

type wsOp struct {
	Op   string  `json:"op"`
	Args []wsArg `json:"args"`
}

type wsArg struct {
	Channel    string `json:"channel,omitempty"`
	InstID     string `json:"instId,omitempty"`
	InstType   string `json:"instType,omitempty"`
	Currency   string `json:"ccy,omitempty"`
	APIKey     string `json:"apiKey,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
	Sign       string `json:"sign,omitempty"`
}

// SubscribeFrames implements stream.ExchangeAdapter; all topics batch into a
// single op frame.
func (a *Adapter) SubscribeFrames(_ schema.Feed, topics []string) ([][]byte, error) {
	return opFrames("subscribe", topics)
}

// UnsubscribeFrames implements stream.ExchangeAdapter.
func (a *Adapter) UnsubscribeFrames(_ schema.Feed, topics []string) ([][]byte, error) {
	return opFrames("unsubscribe", topics)
}

func opFrames(op string, topics []string) ([][]byte, error) {
	if len(topics) == 0 {
		return nil, nil
	}
	args := make([]wsArg, 0, len(topics))
	for _, topic := range topics {
		channel, argument, ok := strings.Cut(topic, ":")
		if !ok {
			return nil, fmt.Errorf("malformed okx topic %q", topic)
		}
		switch channel {
		case "account":
			args = append(args, wsArg{Channel: channel, Currency: argument})
		case "orders", "positions":
			args = append(args, wsArg{Channel: channel, InstType: "ANY", InstID: argument})
		default:
			args = append(args, wsArg{Channel: channel, InstID: argument})
		}
	}
	payload, err := json.Marshal(wsOp{Op: op, Args: args})
	if err != nil {
		return nil, fmt.Errorf("encode okx %s: %w", op, err)
	}
	return [][]byte{payload}, nil
}

// login performs the OKX websocket login op. The handshake is sent on the
// connection; rejections surface as error frames handled by the normalizer.
type login struct {
	creds config.Credentials
}

// Handshake implements stream.Authenticator. The OKX session does not expire
// while the connection stays alive.
func (l *login) Handshake(ctx context.Context, conn *stream.Conn) (time.Time, error) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	payload, err := json.Marshal(wsOp{Op: "login", Args: []wsArg{{
		APIKey:     l.creds.APIKey,
		Passphrase: l.creds.Passphrase,
		Timestamp:  ts,
		Sign:       sign(l.creds.APISecret, ts+"GET"+"/users/self/verify"),
	}}})
	if err != nil {
		return time.Time{}, fmt.Errorf("encode okx login: %w", err)
	}
	if err := conn.Send(ctx, payload); err != nil {
		return time.Time{}, err
	}
	return time.Time{}, nil
}

// Renew implements stream.Authenticator; nothing to renew.
func (l *login) Renew(context.Context, *stream.Conn) (time.Time, error) {
	return time.Time{}, nil
}

// Close implements stream.Authenticator.
func (l *login) Close(context.Context) error { return nil }

func sign(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
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
