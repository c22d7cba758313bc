package stream

import (
	"math"
	"sort"
	"sync"

	"github.com/coachpo/crossfeed/internal/schema"
)

// Callback receives canonical events for a subscription. Callbacks run inline
// on the connection's receive goroutine and must not block significantly.
type Callback func(venue string, event schema.Event)

// Subscription is the handle identifying one registration. Every subscribe
// call mints a fresh handle, so registering the same function twice yields
// two independent registrations; the handle, not the function value, is what
// an unsubscribe releases.
type Subscription struct {
	feed schema.Feed
	cb   Callback
}

// Feed returns the feed the subscription was registered under.
func (s *Subscription) Feed() schema.Feed { return s.feed }

type feedSymbol struct {
	feed   schema.Feed
	symbol string
}

// symbolState records one symbol's registration: the wire topic it maps to
// and the subscriptions that want its events.
type symbolState struct {
	topic string
	subs  map[*Subscription]struct{}
}

// channelState records one feed's registrations on a connection.
type channelState struct {
	feed    schema.Feed
	auth    bool
	symbols map[string]*symbolState
}

type connEntry struct {
	id       string
	private  bool
	channels map[schema.Feed]*channelState
}

// Registry tracks which (feed, symbol) pairs are subscribed on which
// connection, and which subscriptions hold each pair. All mutations happen
// under one registry-wide lock, held only for map mutation, never across
// network I/O.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*connEntry
	order []string
	index map[feedSymbol]string // (feed, symbol) -> connection ID
}

// NewRegistry builds an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*connEntry),
		index: make(map[feedSymbol]string),
	}
}

// RegisterConn makes a connection eligible for channel reservations.
// Connections keep their creation order for packing.
func (r *Registry) RegisterConn(connID string, private bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; ok {
		return
	}
	r.conns[connID] = &connEntry{
		id:       connID,
		private:  private,
		channels: make(map[schema.Feed]*channelState),
	}
	r.order = append(r.order, connID)
}

// DropConn removes a connection and every registration it carried.
func (r *Registry) DropConn(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conns[connID]
	if !ok {
		return
	}
	for feed, ch := range entry.channels {
		for symbol := range ch.symbols {
			delete(r.index, feedSymbol{feed: feed, symbol: symbol})
		}
	}
	delete(r.conns, connID)
	for i := range r.order {
		if r.order[i] == connID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// AttachExisting adds the subscription to every symbol already subscribed
// under the feed, without any wire traffic, and returns those symbols. This
// is the de-duplication step: a (feed, symbol) pair is never subscribed
// twice.
func (r *Registry) AttachExisting(feed schema.Feed, symbols []string, sub *Subscription) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var existing []string
	for _, symbol := range symbols {
		connID, ok := r.index[feedSymbol{feed: feed, symbol: symbol}]
		if !ok {
			continue
		}
		entry := r.conns[connID]
		if entry == nil {
			continue
		}
		ch := entry.channels[feed]
		if ch == nil {
			continue
		}
		st := ch.symbols[symbol]
		if st == nil {
			continue
		}
		st.subs[sub] = struct{}{}
		existing = append(existing, symbol)
	}
	return existing
}

// FindCapacity returns the first connection, in creation order, that can take
// at least one more symbol for the feed. Private feeds only pack onto private
// connections and vice versa.
func (r *Registry) FindCapacity(feed schema.Feed, limit int, private bool) (string, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, connID := range r.order {
		entry := r.conns[connID]
		if entry.private != private {
			continue
		}
		remaining := capacityLocked(entry, feed, limit)
		if remaining > 0 {
			return connID, remaining, true
		}
	}
	return "", 0, false
}

// CapacityRemaining reports how many more symbols the connection can take for
// the feed. Feeds without a configured limit report an unbounded capacity.
func (r *Registry) CapacityRemaining(connID string, feed schema.Feed, limit int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conns[connID]
	if !ok {
		return 0
	}
	return capacityLocked(entry, feed, limit)
}

func capacityLocked(entry *connEntry, feed schema.Feed, limit int) int {
	if limit <= 0 {
		return math.MaxInt
	}
	ch := entry.channels[feed]
	if ch == nil {
		return limit
	}
	return limit - len(ch.symbols)
}

// Reserve registers symbols (with their index-aligned topics) under a feed on
// a connection and attaches the subscription to each.
func (r *Registry) Reserve(connID string, feed schema.Feed, topics, symbols []string, auth bool, sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conns[connID]
	if !ok {
		return
	}
	ch := entry.channels[feed]
	if ch == nil {
		ch = &channelState{
			feed:    feed,
			auth:    auth,
			symbols: make(map[string]*symbolState),
		}
		entry.channels[feed] = ch
	}
	for i, symbol := range symbols {
		topic := ""
		if i < len(topics) {
			topic = topics[i]
		}
		st := ch.symbols[symbol]
		if st == nil {
			st = &symbolState{topic: topic, subs: make(map[*Subscription]struct{})}
			ch.symbols[symbol] = st
		}
		st.topic = topic
		st.subs[sub] = struct{}{}
		r.index[feedSymbol{feed: feed, symbol: symbol}] = connID
	}
}

// ReleaseResult reports the wire work a release implies.
type ReleaseResult struct {
	// Topics to unsubscribe on the wire, empty when other subscriptions
	// still hold the symbols.
	Topics []string
	// ChannelRemoved reports that the feed's channel emptied out.
	ChannelRemoved bool
	// ConnEmpty reports that the connection has no channels left and can be
	// torn down.
	ConnEmpty bool
}

// Release removes the subscription from the named symbols. A symbol is
// dropped, and its topic returned for the wire unsubscribe, only when no
// subscription holds it anymore; once dropped the subscription's callback is
// never invoked for it again.
func (r *Registry) Release(connID string, feed schema.Feed, symbols []string, sub *Subscription) ReleaseResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result ReleaseResult
	entry, ok := r.conns[connID]
	if !ok {
		return result
	}
	ch := entry.channels[feed]
	if ch == nil {
		return result
	}

	for _, symbol := range symbols {
		st, ok := ch.symbols[symbol]
		if !ok {
			continue
		}
		delete(st.subs, sub)
		if len(st.subs) > 0 {
			continue
		}
		delete(ch.symbols, symbol)
		delete(r.index, feedSymbol{feed: feed, symbol: symbol})
		if st.topic != "" {
			result.Topics = append(result.Topics, st.topic)
		}
	}
	if len(ch.symbols) == 0 {
		delete(entry.channels, feed)
		result.ChannelRemoved = true
	}
	result.ConnEmpty = len(entry.channels) == 0
	return result
}

// ConnFor returns the connection currently holding the (feed, symbol) pair.
func (r *Registry) ConnFor(feed schema.Feed, symbol string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	connID, ok := r.index[feedSymbol{feed: feed, symbol: symbol}]
	return connID, ok
}

// CallbacksFor re-checks membership at dispatch time and returns the live
// callbacks for the event. Events for symbols released mid-flight get none.
// Private feeds dispatch to every subscription on the channel: their events
// are account-scoped, not symbol-scoped.
func (r *Registry) CallbacksFor(connID string, feed schema.Feed, symbol string) []Callback {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conns[connID]
	if !ok {
		return nil
	}
	ch := entry.channels[feed]
	if ch == nil {
		return nil
	}
	if symbol != "" && !feed.Private() {
		st, subscribed := ch.symbols[symbol]
		if !subscribed {
			return nil
		}
		out := make([]Callback, 0, len(st.subs))
		for sub := range st.subs {
			out = append(out, sub.cb)
		}
		return out
	}
	seen := make(map[*Subscription]struct{})
	var out []Callback
	for _, st := range ch.symbols {
		for sub := range st.subs {
			if _, dup := seen[sub]; dup {
				continue
			}
			seen[sub] = struct{}{}
			out = append(out, sub.cb)
		}
	}
	return out
}

// ChannelSnapshot is the replay record for one channel on one connection.
type ChannelSnapshot struct {
	Feed    schema.Feed
	Auth    bool
	Topics  []string
	Symbols []string
}

// ChannelsFor snapshots every channel recorded on the connection, for
// reconnection replay. Topics and symbols are sorted for determinism.
func (r *Registry) ChannelsFor(connID string) []ChannelSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conns[connID]
	if !ok {
		return nil
	}
	out := make([]ChannelSnapshot, 0, len(entry.channels))
	for _, ch := range entry.channels {
		snap := ChannelSnapshot{Feed: ch.feed, Auth: ch.auth}
		for symbol, st := range ch.symbols {
			snap.Symbols = append(snap.Symbols, symbol)
			if st.topic != "" {
				snap.Topics = append(snap.Topics, st.topic)
			}
		}
		sort.Strings(snap.Symbols)
		sort.Strings(snap.Topics)
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Feed < out[j].Feed })
	return out
}

// HasChannels reports whether the connection still carries registrations.
func (r *Registry) HasChannels(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conns[connID]
	return ok && len(entry.channels) > 0
}

// Empty reports whether no connection carries any registration.
func (r *Registry) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.conns {
		if len(entry.channels) > 0 {
			return false
		}
	}
	return true
}
