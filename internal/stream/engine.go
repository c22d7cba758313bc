package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coachpo/crossfeed/config"
	"github.com/coachpo/crossfeed/errs"
	"github.com/coachpo/crossfeed/internal/catalog"
	"github.com/coachpo/crossfeed/internal/observability"
	"github.com/coachpo/crossfeed/internal/schema"
)

// Engine is the subscription dispatcher for one venue: it resolves canonical
// symbols, packs them across pooled connections respecting per-feed limits,
// de-duplicates wire subscriptions, and recovers lost connections through the
// supervisor.
type Engine struct {
	adapter  ExchangeAdapter
	settings config.ExchangeSettings
	registry *Registry
	pool     *Pool
	sup      *Supervisor

	// opMu serializes subscribe/unsubscribe control-plane operations so the
	// packing algorithm observes a consistent registry. The dispatch path
	// never takes it.
	opMu sync.Mutex

	sessMu   sync.Mutex
	sessions map[string]*Session
}

// Option adjusts engine construction.
type Option func(*engineOptions)

type engineOptions struct {
	dial Dialer
}

// WithDialer overrides the websocket dialer, used by tests to inject a fake
// transport.
func WithDialer(d Dialer) Option {
	return func(o *engineOptions) { o.dial = d }
}

// NewEngine builds the subscription engine for one venue.
func NewEngine(adapter ExchangeAdapter, settings config.ExchangeSettings, opts ...Option) *Engine {
	var options engineOptions
	for _, opt := range opts {
		opt(&options)
	}

	e := &Engine{
		adapter:  adapter,
		settings: settings,
		registry: NewRegistry(),
		sessions: make(map[string]*Session),
	}

	public, private := adapter.Endpoints()
	var resolvePrivate func(ctx context.Context) (string, error)
	if resolver, ok := adapter.(PrivateEndpointResolver); ok {
		resolvePrivate = resolver.PrivateEndpoint
	}
	e.pool = NewPool(PoolConfig{
		Venue:             adapter.Venue(),
		PublicURL:         public,
		PrivateURL:        private,
		ResolvePrivateURL: resolvePrivate,
		Dial:              options.dial,
		Heartbeat:         adapter.Heartbeat(),
		ControlInterval:   adapter.ControlInterval(),
		LivenessTimeout:   settings.Stream.LivenessTimeout,
		MaxConnections:    settings.Stream.MaxConnections,
		OnFrame:           e.handleFrame,
		OnDown: func(conn *Conn, cause error) {
			e.sup.HandleDown(conn, cause)
		},
	})
	e.sup = NewSupervisor(adapter.Venue(), e.pool, e.replay)
	e.sup.SetInterval(settings.Stream.ReconnectInterval)
	e.sup.SetOnAbort(e.handleAbort)
	return e
}

// Venue returns the venue this engine serves.
func (e *Engine) Venue() string { return e.adapter.Venue() }

// SubscribeOrderBook registers the callback for depth updates on the symbols
// and returns the handle that identifies this registration. Subscribing the
// same function twice yields two independent registrations.
func (e *Engine) SubscribeOrderBook(ctx context.Context, symbols []string, cb Callback) (*Subscription, error) {
	return e.subscribe(ctx, schema.FeedOrderBook, symbols, cb)
}

// SubscribeMarkPrice registers the callback for mark price updates.
func (e *Engine) SubscribeMarkPrice(ctx context.Context, symbols []string, cb Callback) (*Subscription, error) {
	return e.subscribe(ctx, schema.FeedMarkPrice, symbols, cb)
}

// SubscribeFundingRate registers the callback for funding rate updates.
func (e *Engine) SubscribeFundingRate(ctx context.Context, symbols []string, cb Callback) (*Subscription, error) {
	return e.subscribe(ctx, schema.FeedFundingRate, symbols, cb)
}

// SubscribeVolume registers the callback for rolling volume updates.
func (e *Engine) SubscribeVolume(ctx context.Context, symbols []string, cb Callback) (*Subscription, error) {
	return e.subscribe(ctx, schema.FeedVolume, symbols, cb)
}

// SubscribeOrders registers the callback for private order updates.
func (e *Engine) SubscribeOrders(ctx context.Context, symbols []string, cb Callback) (*Subscription, error) {
	return e.subscribe(ctx, schema.FeedOrders, symbols, cb)
}

// SubscribeBalances registers the callback for private balance updates.
func (e *Engine) SubscribeBalances(ctx context.Context, symbols []string, cb Callback) (*Subscription, error) {
	return e.subscribe(ctx, schema.FeedBalances, symbols, cb)
}

// SubscribePositions registers the callback for private position updates.
func (e *Engine) SubscribePositions(ctx context.Context, symbols []string, cb Callback) (*Subscription, error) {
	return e.subscribe(ctx, schema.FeedPositions, symbols, cb)
}

// UnsubscribeOrderBook releases the registration's depth subscription on the
// symbols.
func (e *Engine) UnsubscribeOrderBook(ctx context.Context, symbols []string, sub *Subscription) error {
	return e.unsubscribe(ctx, schema.FeedOrderBook, symbols, sub)
}

// UnsubscribeMarkPrice releases the registration's mark price subscription.
func (e *Engine) UnsubscribeMarkPrice(ctx context.Context, symbols []string, sub *Subscription) error {
	return e.unsubscribe(ctx, schema.FeedMarkPrice, symbols, sub)
}

// UnsubscribeFundingRate releases the registration's funding rate
// subscription.
func (e *Engine) UnsubscribeFundingRate(ctx context.Context, symbols []string, sub *Subscription) error {
	return e.unsubscribe(ctx, schema.FeedFundingRate, symbols, sub)
}

// UnsubscribeVolume releases the registration's volume subscription.
func (e *Engine) UnsubscribeVolume(ctx context.Context, symbols []string, sub *Subscription) error {
	return e.unsubscribe(ctx, schema.FeedVolume, symbols, sub)
}

// UnsubscribeOrders releases the registration's order subscription.
func (e *Engine) UnsubscribeOrders(ctx context.Context, symbols []string, sub *Subscription) error {
	return e.unsubscribe(ctx, schema.FeedOrders, symbols, sub)
}

// UnsubscribeBalances releases the registration's balance subscription.
func (e *Engine) UnsubscribeBalances(ctx context.Context, symbols []string, sub *Subscription) error {
	return e.unsubscribe(ctx, schema.FeedBalances, symbols, sub)
}

// UnsubscribePositions releases the registration's position subscription.
func (e *Engine) UnsubscribePositions(ctx context.Context, symbols []string, sub *Subscription) error {
	return e.unsubscribe(ctx, schema.FeedPositions, symbols, sub)
}

func (e *Engine) subscribe(ctx context.Context, feed schema.Feed, symbols []string, cb Callback) (*Subscription, error) {
	if cb == nil {
		return nil, errs.New(e.Venue(), errs.CodeInvalid, errs.WithMessage("callback required"))
	}
	norm := normalizeSymbols(symbols)
	if len(norm) == 0 {
		return nil, errs.New(e.Venue(), errs.CodeInvalid, errs.WithMessage("at least one symbol required"))
	}
	plan, err := e.adapter.Plan(feed)
	if err != nil {
		return nil, err
	}

	// Resolution failures abort before touching the registry.
	products := make(map[string]catalog.Product, len(norm))
	for _, symbol := range norm {
		product, err := e.adapter.Catalog().Resolve(symbol)
		if err != nil {
			return nil, err
		}
		products[symbol] = product
	}
	if plan.Auth && e.adapter.Authenticator() == nil {
		return nil, errs.Unauthorized(e.Venue(), "credentials required for feed "+string(feed))
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	sub := &Subscription{feed: feed, cb: cb}
	existing := e.registry.AttachExisting(feed, norm, sub)
	if len(existing) > 0 {
		observability.Log().Debug("already subscribed",
			observability.F("venue", e.Venue()),
			observability.F("feed", string(feed)),
			observability.F("symbols", existing))
	}
	remaining := subtract(norm, existing)
	limit := e.channelLimit(plan)

	var placed int
	for len(remaining) > 0 {
		conn, capacity, err := e.connWithCapacity(ctx, feed, limit, plan.Auth)
		if err != nil {
			if errs.IsCapacityExhausted(err) {
				observability.Log().Error("subscription capacity exhausted",
					observability.F("venue", e.Venue()),
					observability.F("feed", string(feed)),
					observability.F("dropped", remaining))
				return sub, fmt.Errorf("subscribe %s: placed %d of %d symbols: %w",
					feed, placed+len(existing), len(norm), err)
			}
			return sub, err
		}

		if plan.Auth {
			if err := e.session(conn).EnsureAuthenticated(ctx, conn); err != nil {
				return sub, err
			}
		}

		take := len(remaining)
		if capacity < take {
			take = capacity
		}
		chunk := remaining[:take]
		topics := plan.Topics(productsOf(chunk, products))

		e.registry.Reserve(conn.ID, feed, topics, chunk, plan.Auth, sub)
		if err := e.sendSubscribe(ctx, conn, feed, topics); err != nil {
			// Registry records stay: the supervisor replays them once the
			// connection recovers.
			observability.Log().Error("subscribe send failed",
				observability.F("venue", e.Venue()),
				observability.F("feed", string(feed)),
				observability.F("error", err))
		}
		placed += take
		remaining = remaining[take:]

		observability.Log().Debug("subscribed",
			observability.F("venue", e.Venue()),
			observability.F("feed", string(feed)),
			observability.F("conn", conn.ID),
			observability.F("symbols", chunk))
		observability.Telemetry().IncCounter("crossfeed_subscribes", float64(take),
			map[string]string{"venue": e.Venue(), "feed": string(feed)})
	}
	return sub, nil
}

// connWithCapacity returns a connection able to take at least one more symbol
// for the feed, creating one when every pooled connection is saturated.
func (e *Engine) connWithCapacity(ctx context.Context, feed schema.Feed, limit int, private bool) (*Conn, int, error) {
	for {
		connID, capacity, ok := e.registry.FindCapacity(feed, limit, private)
		if !ok {
			break
		}
		conn, pooled := e.pool.Get(connID)
		if !pooled {
			e.registry.DropConn(connID)
			continue
		}
		return conn, capacity, nil
	}

	conn, err := e.pool.Create(ctx, private)
	if err != nil {
		return nil, 0, err
	}
	e.registry.RegisterConn(conn.ID, private)
	return conn, e.registry.CapacityRemaining(conn.ID, feed, limit), nil
}

func (e *Engine) unsubscribe(ctx context.Context, feed schema.Feed, symbols []string, sub *Subscription) error {
	if sub == nil {
		return errs.New(e.Venue(), errs.CodeInvalid, errs.WithMessage("subscription handle required"))
	}
	if sub.feed != feed {
		return errs.New(e.Venue(), errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("subscription is for feed %s, not %s", sub.feed, feed)))
	}
	norm := normalizeSymbols(symbols)
	if len(norm) == 0 {
		return errs.New(e.Venue(), errs.CodeInvalid, errs.WithMessage("at least one symbol required"))
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	grouped := make(map[string][]string)
	for _, symbol := range norm {
		connID, ok := e.registry.ConnFor(feed, symbol)
		if !ok {
			continue
		}
		grouped[connID] = append(grouped[connID], symbol)
	}

	for connID, group := range grouped {
		result := e.registry.Release(connID, feed, group, sub)
		conn, pooled := e.pool.Get(connID)
		if !pooled {
			continue
		}
		if len(result.Topics) > 0 && conn.Connected() {
			if err := e.sendUnsubscribe(ctx, conn, feed, result.Topics); err != nil {
				observability.Log().Error("unsubscribe send failed",
					observability.F("venue", e.Venue()),
					observability.F("feed", string(feed)),
					observability.F("error", err))
			}
		}
		if result.ConnEmpty {
			e.dropSession(ctx, conn)
			e.registry.DropConn(connID)
			e.pool.Teardown(conn)
		}
		observability.Log().Debug("unsubscribed",
			observability.F("venue", e.Venue()),
			observability.F("feed", string(feed)),
			observability.F("conn", connID),
			observability.F("symbols", group))
		observability.Telemetry().IncCounter("crossfeed_unsubscribes", float64(len(group)),
			map[string]string{"venue": e.Venue(), "feed": string(feed)})
	}
	return nil
}

func (e *Engine) sendSubscribe(ctx context.Context, conn *Conn, feed schema.Feed, topics []string) error {
	frames, err := e.adapter.SubscribeFrames(feed, topics)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		if err := conn.Send(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) sendUnsubscribe(ctx context.Context, conn *Conn, feed schema.Feed, topics []string) error {
	frames, err := e.adapter.UnsubscribeFrames(feed, topics)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		if err := conn.Send(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}

// handleFrame normalizes an inbound frame and dispatches the resulting events
// inline on the connection's receive goroutine. Callback membership is
// re-checked at invocation time so a concurrent unsubscribe always wins.
func (e *Engine) handleFrame(conn *Conn, raw []byte) {
	events, err := e.adapter.Normalize(raw)
	if err != nil {
		if errs.IsUnauthorized(err) {
			// The venue rejected the login; renewals and replays must not
			// assume the session is still valid.
			conn.setAuthenticated(false)
			observability.Log().Error("authentication rejected",
				observability.F("venue", e.Venue()),
				observability.F("conn", conn.ID),
				observability.F("error", err))
			return
		}
		observability.Log().Debug("unparseable frame",
			observability.F("venue", e.Venue()),
			observability.F("error", err),
			observability.F("payload", string(raw)))
		return
	}
	for i := range events {
		event := events[i]
		event.Venue = e.Venue()
		if event.Received.IsZero() {
			event.Received = time.Now()
		}
		for _, cb := range e.registry.CallbacksFor(conn.ID, event.Feed, event.Symbol) {
			e.invoke(cb, event)
		}
	}
}

// invoke isolates caller callbacks: a panic is logged with the event payload
// and never kills the receive loop or later callbacks.
func (e *Engine) invoke(cb Callback, event schema.Event) {
	defer func() {
		if r := recover(); r != nil {
			observability.Log().Error("subscriber callback panicked",
				observability.F("venue", e.Venue()),
				observability.F("feed", string(event.Feed)),
				observability.F("symbol", event.Symbol),
				observability.F("panic", r),
				observability.F("payload", fmt.Sprintf("%+v", event.Payload)))
		}
	}()
	cb(e.Venue(), event)
}

// replay re-issues every channel recorded for the connection, authenticating
// first when any recorded channel required it.
func (e *Engine) replay(ctx context.Context, conn *Conn) error {
	snapshots := e.registry.ChannelsFor(conn.ID)
	needAuth := false
	for _, snap := range snapshots {
		if snap.Auth {
			needAuth = true
			break
		}
	}
	if needAuth {
		if err := e.session(conn).EnsureAuthenticated(ctx, conn); err != nil {
			return err
		}
	}
	for _, snap := range snapshots {
		if err := e.sendSubscribe(ctx, conn, snap.Feed, snap.Topics); err != nil {
			return fmt.Errorf("replay %s: %w", snap.Feed, err)
		}
		observability.Log().Info("replayed channel",
			observability.F("venue", e.Venue()),
			observability.F("conn", conn.ID),
			observability.F("feed", string(snap.Feed)),
			observability.F("symbols", snap.Symbols))
	}
	return nil
}

// handleAbort runs when the supervisor gives up on a connection. The dead
// connection leaves the registry and the pool so later subscribes open a
// fresh one instead of reserving onto a socket that will never send again.
func (e *Engine) handleAbort(conn *Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.dropSession(ctx, conn)
	e.registry.DropConn(conn.ID)
	e.pool.Teardown(conn)
}

// Connect opens an initial public connection so liveness is observable before
// the first subscription. Idempotent.
func (e *Engine) Connect(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if e.pool.Size() > 0 {
		return nil
	}
	conn, err := e.pool.Create(ctx, false)
	if err != nil {
		return err
	}
	e.registry.RegisterConn(conn.ID, false)
	return nil
}

// Disconnect tears down every connection and stops reconnection.
func (e *Engine) Disconnect(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	for _, conn := range e.pool.Conns() {
		e.dropSession(ctx, conn)
		e.registry.DropConn(conn.ID)
		e.pool.Teardown(conn)
	}
	return nil
}

// Cleanup disconnects only when no channels remain registered, unless force
// is set.
func (e *Engine) Cleanup(ctx context.Context, force bool) error {
	if !force && !e.registry.Empty() {
		observability.Log().Debug("cleanup skipped, channels still registered",
			observability.F("venue", e.Venue()))
		return nil
	}
	return e.Disconnect(ctx)
}

// Close releases the engine: connections, reconnect loops, receive goroutines.
func (e *Engine) Close(ctx context.Context) error {
	err := e.Disconnect(ctx)
	e.sup.Close()
	e.pool.Close()
	return err
}

// IsConnectionLost reports whether any connection is currently lost.
func (e *Engine) IsConnectionLost() bool { return e.pool.AnyLost() }

// IsConnectionAborted reports whether any connection abandoned reconnection.
func (e *Engine) IsConnectionAborted() bool { return e.pool.AnyAborted() }

// SetReconnectInterval adjusts the pause between reconnection attempts.
func (e *Engine) SetReconnectInterval(d time.Duration) { e.sup.SetInterval(d) }

// SetAbortionDeadline sets the absolute time after which reconnection stops.
func (e *Engine) SetAbortionDeadline(t time.Time) { e.sup.SetDeadline(t) }

// SetVerboseLogging toggles debug-level logging when the global logger
// supports it.
func (e *Engine) SetVerboseLogging(enabled bool) {
	if leveled, ok := observability.Log().(*observability.StdLogger); ok {
		leveled.SetVerbose(enabled)
	}
}

func (e *Engine) channelLimit(plan FeedPlan) int {
	if override, ok := e.settings.Stream.ChannelLimits[string(plan.Feed)]; ok && override > 0 {
		return override
	}
	return plan.SymbolLimit
}

func (e *Engine) session(conn *Conn) *Session {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	sess, ok := e.sessions[conn.ID]
	if !ok {
		sess = NewSession(e.Venue(), e.adapter.Authenticator())
		e.sessions[conn.ID] = sess
	}
	return sess
}

// dropSession releases the connection's auth session, if it ever had one:
// the renewal timer stops and the credential material is closed out.
func (e *Engine) dropSession(ctx context.Context, conn *Conn) {
	e.sessMu.Lock()
	sess, ok := e.sessions[conn.ID]
	delete(e.sessions, conn.ID)
	e.sessMu.Unlock()
	if ok {
		_ = sess.Deauthenticate(ctx, conn)
	}
}

func normalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		norm := schema.NormalizeSymbol(symbol)
		if norm == "" {
			continue
		}
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	return out
}

func subtract(all, drop []string) []string {
	if len(drop) == 0 {
		return all
	}
	dropped := make(map[string]struct{}, len(drop))
	for _, s := range drop {
		dropped[s] = struct{}{}
	}
	out := make([]string, 0, len(all))
	for _, s := range all {
		if _, ok := dropped[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}

func productsOf(symbols []string, products map[string]catalog.Product) []catalog.Product {
	out := make([]catalog.Product, 0, len(symbols))
	for _, symbol := range symbols {
		out = append(out, products[symbol])
	}
	return out
}
