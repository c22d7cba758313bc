package stream

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/crossfeed/internal/observability"
	"github.com/coachpo/crossfeed/internal/schema"
)

// DelayThreshold flags excessive message-to-receipt latency. Breaches are a
// monitoring signal only, the message is still applied.
const DelayThreshold = 500 * time.Millisecond

// Book is the per-symbol materialized view of bid/ask levels, rebuilt from
// snapshots and mutated by incremental deltas. Within one symbol price levels
// are unique; a zero size removes the level. Applying the same delta twice
// yields the same state.
type Book struct {
	mu         sync.Mutex
	symbol     string
	buy        map[string]decimal.Decimal
	sell       map[string]decimal.Decimal
	seeded     bool
	lastUpdate time.Time
}

// NewBook builds an empty book for the canonical symbol.
func NewBook(symbol string) *Book {
	return &Book{
		symbol: symbol,
		buy:    make(map[string]decimal.Decimal),
		sell:   make(map[string]decimal.Decimal),
	}
}

// Seeded reports whether a snapshot has been applied.
func (b *Book) Seeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seeded
}

// ApplySnapshot replaces the cached book wholesale.
func (b *Book) ApplySnapshot(buy, sell []schema.PriceLevel) schema.OrderBook {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.buy)
	clear(b.sell)
	replaceSide(b.buy, buy)
	replaceSide(b.sell, sell)
	b.seeded = true
	b.lastUpdate = time.Now()
	return b.snapshotLocked()
}

// ApplyDelta applies incremental level updates: zero size removes the level,
// any other size inserts or updates it.
func (b *Book) ApplyDelta(buy, sell []schema.PriceLevel) schema.OrderBook {
	b.mu.Lock()
	defer b.mu.Unlock()
	updateSide(b.buy, buy)
	updateSide(b.sell, sell)
	b.lastUpdate = time.Now()
	return b.snapshotLocked()
}

// Snapshot returns the current book with buy levels descending and sell
// levels ascending.
func (b *Book) Snapshot() schema.OrderBook {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Book) snapshotLocked() schema.OrderBook {
	return schema.OrderBook{
		Symbol: b.symbol,
		Buy:    buildSide(b.buy, true),
		Sell:   buildSide(b.sell, false),
	}
}

func replaceSide(target map[string]decimal.Decimal, levels []schema.PriceLevel) {
	for _, level := range levels {
		if level.Size.Sign() <= 0 {
			continue
		}
		target[level.Price.String()] = level.Size
	}
}

func updateSide(target map[string]decimal.Decimal, updates []schema.PriceLevel) {
	for _, update := range updates {
		key := update.Price.String()
		if update.Size.Sign() <= 0 {
			delete(target, key)
			continue
		}
		target[key] = update.Size
	}
}

func buildSide(source map[string]decimal.Decimal, descending bool) []schema.PriceLevel {
	if len(source) == 0 {
		return nil
	}
	out := make([]schema.PriceLevel, 0, len(source))
	for key, size := range source {
		price, err := decimal.NewFromString(key)
		if err != nil {
			continue
		}
		out = append(out, schema.PriceLevel{Price: price, Size: size})
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

// ObserveDelay logs and counts message-to-receipt latency above the
// threshold. Called by normalizers with the venue send timestamp.
func ObserveDelay(venue string, feed schema.Feed, sent time.Time) {
	if sent.IsZero() {
		return
	}
	delay := time.Since(sent)
	if delay < DelayThreshold {
		return
	}
	observability.Log().Debug("delayed message",
		observability.F("venue", venue),
		observability.F("feed", string(feed)),
		observability.F("delay_ms", delay.Milliseconds()))
	observability.Telemetry().IncCounter("crossfeed_delayed_messages", 1, map[string]string{
		"venue": venue,
		"feed":  string(feed),
	})
}
