package stream

import (
	"context"
	"sync"
	"time"

	"github.com/coachpo/crossfeed/errs"
	"github.com/coachpo/crossfeed/internal/observability"
)

// Session manages one connection's authentication lifecycle: the handshake,
// the artifact renewal timer, and sign-off. Renewal failures never stop the
// session silently: the connection drops to unauthenticated and the next
// EnsureAuthenticated redoes the full handshake.
type Session struct {
	venue string
	auth  Authenticator

	mu     sync.Mutex
	renew  *time.Timer
	expiry time.Time
}

// NewSession builds an auth session for a connection.
func NewSession(venue string, auth Authenticator) *Session {
	return &Session{venue: venue, auth: auth}
}

// EnsureAuthenticated performs the venue handshake when the connection is not
// authenticated and schedules artifact renewal. On an auth rejection it
// retries the handshake once, then propagates.
func (s *Session) EnsureAuthenticated(ctx context.Context, conn *Conn) error {
	if s.auth == nil {
		return errs.Unauthorized(s.venue, "no credentials configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if conn.Authenticated() {
		return nil
	}

	expiry, err := s.auth.Handshake(ctx, conn)
	if err != nil && errs.IsUnauthorized(err) {
		observability.Log().Info("auth handshake rejected, retrying once",
			observability.F("venue", s.venue),
			observability.F("conn", conn.ID),
			observability.F("error", err))
		expiry, err = s.auth.Handshake(ctx, conn)
	}
	if err != nil {
		return err
	}

	conn.setAuthenticated(true)
	s.expiry = expiry
	s.scheduleRenewLocked(conn)
	observability.Log().Info("authenticated",
		observability.F("venue", s.venue),
		observability.F("conn", conn.ID))
	observability.Telemetry().IncCounter("crossfeed_auth_handshakes", 1,
		map[string]string{"venue": s.venue})
	return nil
}

// scheduleRenewLocked arms the renewal timer strictly inside the artifact
// expiry window.
func (s *Session) scheduleRenewLocked(conn *Conn) {
	if s.renew != nil {
		s.renew.Stop()
		s.renew = nil
	}
	if s.expiry.IsZero() {
		return
	}
	wait := time.Until(s.expiry) * 2 / 3
	if wait < time.Second {
		wait = time.Second
	}
	s.renew = time.AfterFunc(wait, func() { s.renewNow(conn) })
}

func (s *Session) renewNow(conn *Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, err := s.auth.Renew(ctx, conn)
	if err != nil {
		// Do not retry here: the visible state flips to unauthenticated and
		// the next EnsureAuthenticated redoes the full handshake.
		conn.setAuthenticated(false)
		observability.Log().Error("auth renewal failed",
			observability.F("venue", s.venue),
			observability.F("conn", conn.ID),
			observability.F("error", err))
		return
	}
	s.expiry = expiry
	s.scheduleRenewLocked(conn)
	observability.Log().Debug("auth artifact renewed",
		observability.F("venue", s.venue),
		observability.F("conn", conn.ID))
}

// Deauthenticate cancels renewal, releases the session artifact, and clears
// the authenticated state.
func (s *Session) Deauthenticate(ctx context.Context, conn *Conn) error {
	s.mu.Lock()
	if s.renew != nil {
		s.renew.Stop()
		s.renew = nil
	}
	s.expiry = time.Time{}
	s.mu.Unlock()

	conn.setAuthenticated(false)
	if s.auth == nil {
		return nil
	}
	return s.auth.Close(ctx)
}
