package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/crossfeed/internal/observability"
	"github.com/coachpo/crossfeed/lib/async"
)

// ConnState describes where a connection sits in the supervision state machine.
type ConnState int

const (
	// StateConnected marks a healthy connection.
	StateConnected ConnState = iota
	// StateLost marks a connection whose transport dropped.
	StateLost
	// StateReconnecting marks a connection with an active reconnect loop.
	StateReconnecting
	// StateAborted marks a connection whose reconnection was abandoned.
	StateAborted
)

// ReplayFunc re-issues every recorded subscription after a reconnect,
// authenticating first when any recorded channel required it.
type ReplayFunc func(ctx context.Context, conn *Conn) error

// Supervisor reacts to lost connections: it retries the transport with
// backoff, replays recorded channels on success, and gives up once the
// abortion deadline passes. Each connection reconnects independently; a
// per-connection inflight guard prevents concurrent attempts on one
// connection.
type Supervisor struct {
	venue  string
	pool   *Pool
	replay ReplayFunc
	tasks  *async.Pool

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inflight map[string]struct{}
	onAbort  func(conn *Conn)

	intervalNs atomic.Int64
	deadlineNs atomic.Int64 // unix nanos, zero means no deadline
}

// DefaultReconnectInterval is the pause between reconnection attempts.
const DefaultReconnectInterval = 30 * time.Second

// NewSupervisor builds a supervisor over the pool. Concurrent reconnect
// attempts across connections are bounded by a small worker pool.
func NewSupervisor(venue string, pool *Pool, replay ReplayFunc) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	tasks, err := async.NewPool(8, 32)
	if err != nil {
		panic(err) // static sizes, cannot fail
	}
	s := &Supervisor{
		venue:    venue,
		pool:     pool,
		replay:   replay,
		tasks:    tasks,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]struct{}),
	}
	s.intervalNs.Store(int64(DefaultReconnectInterval))
	return s
}

// SetInterval adjusts the pause between reconnection attempts.
func (s *Supervisor) SetInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultReconnectInterval
	}
	s.intervalNs.Store(int64(d))
}

// SetOnAbort installs the hook invoked after a connection's reconnection is
// abandoned, once its transport is closed.
func (s *Supervisor) SetOnAbort(fn func(conn *Conn)) {
	s.mu.Lock()
	s.onAbort = fn
	s.mu.Unlock()
}

// SetDeadline sets the absolute abortion deadline; a zero time clears it.
func (s *Supervisor) SetDeadline(t time.Time) {
	if t.IsZero() {
		s.deadlineNs.Store(0)
		return
	}
	s.deadlineNs.Store(t.UnixNano())
}

// State reports the supervision state of a connection.
func (s *Supervisor) State(conn *Conn) ConnState {
	switch {
	case conn.Aborted():
		return StateAborted
	case conn.Lost():
		s.mu.Lock()
		_, reconnecting := s.inflight[conn.ID]
		s.mu.Unlock()
		if reconnecting {
			return StateReconnecting
		}
		return StateLost
	default:
		return StateConnected
	}
}

// HandleDown enters the reconnect loop for a lost connection. Safe to call
// multiple times; only one loop runs per connection.
func (s *Supervisor) HandleDown(conn *Conn, cause error) {
	s.mu.Lock()
	if _, running := s.inflight[conn.ID]; running {
		s.mu.Unlock()
		return
	}
	s.inflight[conn.ID] = struct{}{}
	s.mu.Unlock()

	run := func(context.Context) error {
		s.attemptLoop(conn)
		return nil
	}
	if err := s.tasks.Submit(s.ctx, run); err != nil {
		// Worker pool saturated; reconnection must still happen.
		go s.attemptLoop(conn)
	}
}

func (s *Supervisor) attemptLoop(conn *Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.inflight, conn.ID)
		s.mu.Unlock()
	}()

	interval := time.Duration(s.intervalNs.Load())
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = interval
	bo.MaxInterval = 4 * interval
	bo.Reset()

	for {
		if _, pooled := s.pool.Get(conn.ID); !pooled {
			return // torn down while we were retrying
		}
		if s.deadlinePassed() {
			s.abort(conn)
			return
		}
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
		if s.deadlinePassed() {
			s.abort(conn)
			return
		}

		if s.attempt(conn) {
			return
		}
	}
}

func (s *Supervisor) attempt(conn *Conn) bool {
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	if err := s.pool.Reopen(ctx, conn); err != nil {
		observability.Log().Info("reconnect attempt failed",
			observability.F("venue", s.venue),
			observability.F("conn", conn.ID),
			observability.F("error", err))
		return false
	}
	if s.replay != nil {
		if err := s.replay(ctx, conn); err != nil {
			observability.Log().Error("subscription replay failed",
				observability.F("venue", s.venue),
				observability.F("conn", conn.ID),
				observability.F("error", err))
			conn.close()
			return false
		}
	}
	conn.aborted.Store(false)
	observability.Log().Info("reconnected",
		observability.F("venue", s.venue),
		observability.F("conn", conn.ID))
	observability.Telemetry().IncCounter("crossfeed_reconnects", 1,
		map[string]string{"venue": s.venue})
	return true
}

func (s *Supervisor) deadlinePassed() bool {
	deadline := s.deadlineNs.Load()
	return deadline != 0 && time.Now().UnixNano() >= deadline
}

func (s *Supervisor) abort(conn *Conn) {
	conn.aborted.Store(true)
	conn.close()
	observability.Log().Error("reconnection aborted",
		observability.F("venue", s.venue),
		observability.F("conn", conn.ID))
	observability.Telemetry().IncCounter("crossfeed_reconnects_aborted", 1,
		map[string]string{"venue": s.venue})
	s.mu.Lock()
	hook := s.onAbort
	s.mu.Unlock()
	if hook != nil {
		hook(conn)
	}
}

// Close stops all reconnect loops.
func (s *Supervisor) Close() {
	s.cancel()
	s.tasks.Close()
}
