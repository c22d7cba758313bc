// Package stream implements the exchange-agnostic websocket subscription engine:
// channel registry, connection pool, reconnection supervision, and auth sessions.
// Exchange specifics are supplied through the ExchangeAdapter capability interface.
package stream

import (
	"context"
	"time"

	"github.com/coachpo/crossfeed/internal/catalog"
	"github.com/coachpo/crossfeed/internal/schema"
)

// FeedPlan describes how one canonical feed maps onto venue channels.
type FeedPlan struct {
	Feed schema.Feed
	// Auth marks feeds that require an authenticated connection.
	Auth bool
	// SymbolLimit caps symbols per connection for this feed, zero means unlimited.
	SymbolLimit int
	// Topics renders wire channel/topic identifiers for the given products.
	// One topic per product, index-aligned.
	Topics func(products []catalog.Product) []string
}

// HeartbeatPlan describes the liveness mechanism for a venue.
type HeartbeatPlan struct {
	// PingInterval is the client-initiated ping cadence, zero disables client pings.
	PingInterval time.Duration
	// PingFrame builds the client ping payload.
	PingFrame func() []byte
	// IsHeartbeat reports whether an inbound frame is heartbeat-class and
	// must reset the liveness timer.
	IsHeartbeat func(raw []byte) bool
	// PongFrame builds the answer to a server-initiated ping, nil payload
	// when no answer is required.
	PongFrame func(raw []byte) []byte
}

// Authenticator performs the venue auth handshake over a live connection and
// maintains the session artifact (token, listen key).
type Authenticator interface {
	// Handshake authenticates the connection and returns the artifact expiry.
	// A zero expiry marks a non-expiring session.
	Handshake(ctx context.Context, conn *Conn) (time.Time, error)
	// Renew refreshes the session artifact and returns the new expiry.
	Renew(ctx context.Context, conn *Conn) (time.Time, error)
	// Close releases the session artifact.
	Close(ctx context.Context) error
}

// PrivateEndpointResolver is an optional adapter capability for venues whose
// private endpoint embeds a session artifact (a listen key) and must be
// resolved freshly on every dial.
type PrivateEndpointResolver interface {
	PrivateEndpoint(ctx context.Context) (string, error)
}

// ExchangeAdapter supplies everything venue-specific the engine needs:
// symbol resolution, channel plans, frame codecs, heartbeats, and auth.
type ExchangeAdapter interface {
	Venue() string
	Catalog() catalog.Catalog
	// Endpoints returns the public and private websocket URLs. Venues that
	// multiplex both over one socket return the same URL twice.
	Endpoints() (public, private string)
	// Plan returns the channel plan for a canonical feed.
	Plan(feed schema.Feed) (FeedPlan, error)
	Heartbeat() HeartbeatPlan
	// SubscribeFrames encodes the wire subscribe messages for the topics.
	SubscribeFrames(feed schema.Feed, topics []string) ([][]byte, error)
	// UnsubscribeFrames encodes the wire unsubscribe messages for the topics.
	UnsubscribeFrames(feed schema.Feed, topics []string) ([][]byte, error)
	// Normalize translates a raw inbound frame into canonical events.
	// Frames that carry no subscriber-relevant data yield an empty slice.
	Normalize(raw []byte) ([]schema.Event, error)
	// ControlInterval is the minimum spacing between control frames, zero
	// disables pacing.
	ControlInterval() time.Duration
	// Authenticator returns the venue auth mechanism, nil when credentials
	// are absent or the venue needs no websocket auth.
	Authenticator() Authenticator
}
