package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// urlResolver yields the websocket endpoint at dial time. Venues whose
// private endpoint embeds a session artifact resolve it freshly on every
// dial, including supervisor re-dials.
type urlResolver func(ctx context.Context) (string, error)

// Conn is one live websocket connection owned by the pool. Connection state
// transitions are guarded by a per-connection lock so unrelated connections
// never serialize on each other.
type Conn struct {
	ID      string
	URL     string
	Private bool

	resolve urlResolver
	dial    Dialer
	limiter *rate.Limiter

	writeMu sync.Mutex

	mu            sync.Mutex
	transport     Transport
	connected     bool
	authenticated bool
	life          context.Context
	stopLife      context.CancelFunc
	liveness      *time.Timer

	lost    atomic.Bool
	aborted atomic.Bool
}

func newConn(resolve urlResolver, private bool, dial Dialer, controlInterval time.Duration) *Conn {
	c := &Conn{
		ID:      uuid.NewString(),
		Private: private,
		resolve: resolve,
		dial:    dial,
	}
	if controlInterval > 0 {
		c.limiter = rate.NewLimiter(rate.Every(controlInterval), 1)
	}
	return c
}

// open dials the transport and starts a fresh connection lifetime.
// The returned context ends when the connection is closed or re-dialed.
func (c *Conn) open(ctx context.Context) (context.Context, error) {
	url, err := c.resolve(ctx)
	if err != nil {
		return nil, err
	}
	transport, err := c.dial(ctx, url)
	if err != nil {
		return nil, err
	}
	life, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.URL = url
	if c.stopLife != nil {
		c.stopLife()
	}
	if c.transport != nil {
		_ = c.transport.Close()
	}
	c.transport = transport
	c.connected = true
	c.life = life
	c.stopLife = cancel
	c.mu.Unlock()

	c.lost.Store(false)
	return life, nil
}

// close tears down the transport and ends the connection lifetime. Idempotent.
func (c *Conn) close() {
	c.mu.Lock()
	transport := c.transport
	cancel := c.stopLife
	timer := c.liveness
	c.transport = nil
	c.connected = false
	c.authenticated = false
	c.stopLife = nil
	c.liveness = nil
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if transport != nil {
		_ = transport.Close()
	}
}

// Send writes a control or data frame, honoring the venue control pacing.
// Never called with the registry lock held.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()
	if transport == nil {
		return errors.New("connection not open")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return transport.Write(writeCtx, payload)
}

func (c *Conn) read(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()
	if transport == nil {
		return nil, errors.New("connection not open")
	}
	return transport.Read(ctx)
}

// Connected reports whether the transport is currently open.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Authenticated reports whether the auth handshake currently holds.
func (c *Conn) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Conn) setAuthenticated(ok bool) {
	c.mu.Lock()
	c.authenticated = ok
	c.mu.Unlock()
}

// Lost reports whether the connection is currently lost.
func (c *Conn) Lost() bool { return c.lost.Load() }

// Aborted reports whether reconnection was permanently abandoned.
func (c *Conn) Aborted() bool { return c.aborted.Load() }

func (c *Conn) armLiveness(timeout time.Duration, onStalled func()) {
	if timeout <= 0 {
		return
	}
	c.mu.Lock()
	if c.liveness != nil {
		c.liveness.Stop()
	}
	c.liveness = time.AfterFunc(timeout, onStalled)
	c.mu.Unlock()
}

func (c *Conn) resetLiveness(timeout time.Duration) {
	c.mu.Lock()
	timer := c.liveness
	c.mu.Unlock()
	if timer != nil {
		timer.Reset(timeout)
	}
}

func (c *Conn) stopLiveness() {
	c.mu.Lock()
	timer := c.liveness
	c.liveness = nil
	c.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}
