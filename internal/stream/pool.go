package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/crossfeed/errs"
	"github.com/coachpo/crossfeed/internal/observability"
)

var errStalled = errors.New("liveness timeout: connection stalled")

// PoolConfig tunes the connection pool for one venue.
type PoolConfig struct {
	Venue     string
	PublicURL string
	// ResolvePrivateURL yields the private endpoint at dial time; nil falls
	// back to PrivateURL.
	PrivateURL        string
	ResolvePrivateURL func(ctx context.Context) (string, error)
	Dial              Dialer
	Heartbeat         HeartbeatPlan
	ControlInterval   time.Duration
	LivenessTimeout   time.Duration
	MaxConnections    int
	// OnFrame handles every non-heartbeat inbound frame, inline on the
	// connection's receive goroutine.
	OnFrame func(conn *Conn, raw []byte)
	// OnDown is invoked once the transport is lost or stalled.
	OnDown func(conn *Conn, cause error)
}

// Pool owns the bounded set of live websocket connections for one venue,
// including their receive loops, heartbeat pingers, and liveness timers.
type Pool struct {
	cfg PoolConfig

	mu    sync.Mutex
	conns map[string]*Conn
	order []*Conn

	// aborted latches when an aborted connection is torn down, so the pool
	// keeps reporting the abandonment after the connection itself is gone.
	// A successful dial clears it.
	aborted atomic.Bool

	wg conc.WaitGroup
}

// NewPool builds an empty connection pool.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 100
	}
	if cfg.Dial == nil {
		cfg.Dial = WebsocketDialer
	}
	return &Pool{cfg: cfg, conns: make(map[string]*Conn)}
}

// Create opens a new connection, enforcing the global ceiling, and starts its
// receive loop.
func (p *Pool) Create(ctx context.Context, private bool) (*Conn, error) {
	resolve := func(context.Context) (string, error) { return p.cfg.PublicURL, nil }
	if private {
		if p.cfg.ResolvePrivateURL != nil {
			resolve = p.cfg.ResolvePrivateURL
		} else {
			resolve = func(context.Context) (string, error) { return p.cfg.PrivateURL, nil }
		}
	}

	p.mu.Lock()
	if len(p.conns) >= p.cfg.MaxConnections {
		p.mu.Unlock()
		return nil, errs.CapacityExhausted(p.cfg.Venue,
			fmt.Sprintf("max websocket connections reached (%d)", p.cfg.MaxConnections))
	}
	conn := newConn(resolve, private, p.cfg.Dial, p.cfg.ControlInterval)
	p.conns[conn.ID] = conn
	p.order = append(p.order, conn)
	p.mu.Unlock()

	life, err := conn.open(ctx)
	if err != nil {
		p.remove(conn)
		return nil, errs.New(p.cfg.Venue, errs.CodeNetwork,
			errs.WithMessage("open websocket"), errs.WithCause(err))
	}
	p.start(conn, life)
	p.aborted.Store(false)
	observability.Log().Debug("connection opened",
		observability.F("venue", p.cfg.Venue),
		observability.F("conn", conn.ID),
		observability.F("private", private))
	return conn, nil
}

// Reopen re-dials a lost connection and restarts its receive loop. Used by
// the reconnection supervisor; the connection keeps its identity and its
// registry records.
func (p *Pool) Reopen(ctx context.Context, conn *Conn) error {
	life, err := conn.open(ctx)
	if err != nil {
		return err
	}
	p.start(conn, life)
	return nil
}

func (p *Pool) start(conn *Conn, life context.Context) {
	timeout := p.cfg.LivenessTimeout
	if timeout > 0 {
		conn.armLiveness(timeout, func() {
			p.down(conn, errStalled)
		})
	}

	p.wg.Go(func() { p.readLoop(conn, life) })

	hb := p.cfg.Heartbeat
	if hb.PingInterval > 0 && hb.PingFrame != nil {
		p.wg.Go(func() { p.pingLoop(conn, life, hb) })
	}
}

func (p *Pool) readLoop(conn *Conn, life context.Context) {
	hb := p.cfg.Heartbeat
	for {
		raw, err := conn.read(life)
		if err != nil {
			if life.Err() != nil {
				return // deliberate close
			}
			p.down(conn, err)
			return
		}
		// Any inbound frame proves the connection alive, heartbeat or data.
		if p.cfg.LivenessTimeout > 0 {
			conn.resetLiveness(p.cfg.LivenessTimeout)
		}
		if hb.IsHeartbeat != nil && hb.IsHeartbeat(raw) {
			if hb.PongFrame != nil {
				if pong := hb.PongFrame(raw); pong != nil {
					if err := conn.Send(life, pong); err != nil {
						observability.Log().Debug("pong send failed",
							observability.F("venue", p.cfg.Venue),
							observability.F("error", err))
					}
				}
			}
			continue
		}
		if p.cfg.OnFrame != nil {
			p.cfg.OnFrame(conn, raw)
		}
	}
}

func (p *Pool) pingLoop(conn *Conn, life context.Context, hb HeartbeatPlan) {
	ticker := time.NewTicker(hb.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-life.Done():
			return
		case <-ticker.C:
			if err := conn.Send(life, hb.PingFrame()); err != nil {
				observability.Log().Debug("ping send failed",
					observability.F("venue", p.cfg.Venue),
					observability.F("conn", conn.ID),
					observability.F("error", err))
			}
		}
	}
}

// down marks the connection lost and hands it to the supervisor exactly like
// a transport-level close: no inline reconnection in the receive loop.
func (p *Pool) down(conn *Conn, cause error) {
	if conn.lost.Swap(true) {
		return // already handed off
	}
	conn.stopLiveness()
	conn.setAuthenticated(false)
	observability.Log().Info("connection lost",
		observability.F("venue", p.cfg.Venue),
		observability.F("conn", conn.ID),
		observability.F("cause", cause))
	observability.Telemetry().IncCounter("crossfeed_connections_lost", 1,
		map[string]string{"venue": p.cfg.Venue})
	if p.cfg.OnDown != nil {
		p.cfg.OnDown(conn, cause)
	}
}

// Teardown closes the connection and removes it from the pool. Idempotent.
func (p *Pool) Teardown(conn *Conn) {
	if conn.Aborted() {
		p.aborted.Store(true)
	}
	conn.close()
	p.remove(conn)
	observability.Log().Debug("connection torn down",
		observability.F("venue", p.cfg.Venue),
		observability.F("conn", conn.ID))
}

func (p *Pool) remove(conn *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.conns[conn.ID]; !ok {
		return
	}
	delete(p.conns, conn.ID)
	for i := range p.order {
		if p.order[i].ID == conn.ID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Get returns the pooled connection by ID.
func (p *Pool) Get(connID string) (*Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.conns[connID]
	return conn, ok
}

// Size reports the number of pooled connections.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Conns returns the pooled connections in creation order.
func (p *Pool) Conns() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Conn, len(p.order))
	copy(out, p.order)
	return out
}

// AnyLost reports whether any pooled connection is currently lost.
func (p *Pool) AnyLost() bool {
	for _, conn := range p.Conns() {
		if conn.Lost() {
			return true
		}
	}
	return false
}

// AnyAborted reports whether any connection gave up reconnecting, counting
// aborted connections already torn out of the pool.
func (p *Pool) AnyAborted() bool {
	if p.aborted.Load() {
		return true
	}
	for _, conn := range p.Conns() {
		if conn.Aborted() {
			return true
		}
	}
	return false
}

// Close tears down every connection and waits for receive loops to exit.
func (p *Pool) Close() {
	for _, conn := range p.Conns() {
		p.Teardown(conn)
	}
	p.wg.Wait()
}
