package binance

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/crossfeed/config"
	"github.com/coachpo/crossfeed/errs"
	"github.com/coachpo/crossfeed/internal/schema"
	"github.com/coachpo/crossfeed/internal/stream"
)

const (
	depthPath          = "/api/v3/depth"
	depthSnapshotLimit = 1000
)

// depthClient fetches the REST order book snapshot that seeds the cached
// book before diff frames are applied to it.
type depthClient struct {
	baseURL string
	http    *http.Client
}

func newDepthClient(settings config.ExchangeSettings) *depthClient {
	base := settings.RESTBaseURL
	if base == "" {
		base = defaultRESTURL
	}
	timeout := settings.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &depthClient{
		baseURL: strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// snapshot returns the current bid and ask levels for the native symbol.
func (c *depthClient) snapshot(ctx context.Context, native string) ([]schema.PriceLevel, []schema.PriceLevel, error) {
	params := url.Values{
		"symbol": {native},
		"limit":  {fmt.Sprintf("%d", depthSnapshotLimit)},
	}
	endpoint := c.baseURL + depthPath + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build depth request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, errs.New("binance", errs.CodeNetwork,
			errs.WithMessage("depth snapshot request"), errs.WithCause(err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("read depth snapshot: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, errs.New("binance", errs.CodeExchange,
			errs.WithMessage(fmt.Sprintf("depth snapshot failed: %d %s",
				resp.StatusCode, strings.TrimSpace(string(body)))))
	}

	var payload struct {
		LastUpdateID int64      `json:"lastUpdateId"`
		Bids         [][]string `json:"bids"`
		Asks         [][]string `json:"asks"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, nil, fmt.Errorf("decode depth snapshot: %w", err)
	}
	bids, err := parseLevels(payload.Bids)
	if err != nil {
		return nil, nil, fmt.Errorf("decode snapshot bids: %w", err)
	}
	asks, err := parseLevels(payload.Asks)
	if err != nil {
		return nil, nil, fmt.Errorf("decode snapshot asks: %w", err)
	}
	return bids, asks, nil
}

// seed applies the REST snapshot so later diffs mutate a complete book.
func (c *depthClient) seed(cache *stream.Book, native string) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.http.Timeout)
	defer cancel()
	bids, asks, err := c.snapshot(ctx, native)
	if err != nil {
		return err
	}
	cache.ApplySnapshot(bids, asks)
	return nil
}
