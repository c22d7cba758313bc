package binance

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/crossfeed/config"
	"github.com/coachpo/crossfeed/errs"
	"github.com/coachpo/crossfeed/internal/stream"
)

const (
	listenKeyPath = "/api/v3/userDataStream"
	// Listen keys expire 60 minutes after the last keepalive.
	listenKeyTTL = 60 * time.Minute
)

// listenKeyClient manages the user data stream listen key: REST acquire,
// keepalive, and release. It implements stream.Authenticator; the key itself
// is embedded in the private websocket URL resolved at dial time.
type listenKeyClient struct {
	apiKey  string
	baseURL string
	http    *http.Client

	mu       sync.Mutex
	key      string
	acquired time.Time
}

func newListenKeyClient(settings config.ExchangeSettings) *listenKeyClient {
	base := settings.RESTBaseURL
	if base == "" {
		base = defaultRESTURL
	}
	timeout := settings.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &listenKeyClient{
		apiKey:  settings.Credentials.APIKey,
		baseURL: strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// ensureKey acquires a listen key if none is held or the held one expired.
func (c *listenKeyClient) ensureKey(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key != "" && time.Since(c.acquired) < listenKeyTTL {
		return c.key, nil
	}

	body, err := c.do(ctx, http.MethodPost, nil)
	if err != nil {
		return "", err
	}
	var response struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("decode listen key response: %w", err)
	}
	if response.ListenKey == "" {
		return "", errs.New("binance", errs.CodeExchange,
			errs.WithMessage("empty listen key in user data stream response"))
	}
	c.key = response.ListenKey
	c.acquired = time.Now()
	return c.key, nil
}

// Handshake implements stream.Authenticator. The listen key was already
// acquired when the private endpoint resolved; the expiry drives the
// keepalive schedule.
func (c *listenKeyClient) Handshake(ctx context.Context, _ *stream.Conn) (time.Time, error) {
	if _, err := c.ensureKey(ctx); err != nil {
		return time.Time{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquired.Add(listenKeyTTL), nil
}

// Renew implements stream.Authenticator with the keepalive PUT.
func (c *listenKeyClient) Renew(ctx context.Context, _ *stream.Conn) (time.Time, error) {
	c.mu.Lock()
	key := c.key
	c.mu.Unlock()
	if key == "" {
		return time.Time{}, errs.Unauthorized("binance", "no listen key to keep alive")
	}
	if _, err := c.do(ctx, http.MethodPut, url.Values{"listenKey": {key}}); err != nil {
		return time.Time{}, err
	}
	now := time.Now()
	c.mu.Lock()
	c.acquired = now
	c.mu.Unlock()
	return now.Add(listenKeyTTL), nil
}

// Close implements stream.Authenticator, releasing the listen key.
func (c *listenKeyClient) Close(ctx context.Context) error {
	c.mu.Lock()
	key := c.key
	c.key = ""
	c.mu.Unlock()
	if key == "" {
		return nil
	}
	_, err := c.do(ctx, http.MethodDelete, url.Values{"listenKey": {key}})
	return err
}

func (c *listenKeyClient) do(ctx context.Context, method string, params url.Values) ([]byte, error) {
	endpoint := c.baseURL + listenKeyPath
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build listen key request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.New("binance", errs.CodeNetwork,
			errs.WithMessage("listen key request"), errs.WithCause(err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read listen key response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, errs.Unauthorized("binance", strings.TrimSpace(string(body)))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.New("binance", errs.CodeExchange,
			errs.WithMessage(fmt.Sprintf("listen key request failed: %d %s",
				resp.StatusCode, strings.TrimSpace(string(body)))))
	}
	return body, nil
}

// PrivateEndpoint implements stream.PrivateEndpointResolver: the user data
// stream URL embeds the listen key.
func (a *Adapter) PrivateEndpoint(ctx context.Context) (string, error) {
	if a.keys == nil {
		return "", errs.Unauthorized("binance", "credentials required for user data streams")
	}
	key, err := a.keys.ensureKey(ctx)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(a.streamBase(), "/") + "/" + key, nil
}
