package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// monitor refreshes the access token ahead of expiry so requests never
// see a reactive 401 in the first place. A recurring ticker drives the
// check; hosts feed ad-hoc triggers (window focus regained, network
// back online) through Manager.Poke, which lands on the same check.
// Both paths go through the coordinator's cooldown-gated proactive
// entry, so a burst of triggers collapses into at most one refresh.
type monitor struct {
	interval time.Duration
	ahead    time.Duration
	now      func() time.Time
	current  func() State
	refresh  func(ctx context.Context) (bool, error)
	logger   *slog.Logger

	stopOnce sync.Once
	done     chan struct{}
}

func newMonitor(interval, ahead time.Duration, now func() time.Time, current func() State, refresh func(ctx context.Context) (bool, error), logger *slog.Logger) *monitor {
	return &monitor{
		interval: interval,
		ahead:    ahead,
		now:      now,
		current:  current,
		refresh:  refresh,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

func (m *monitor) run() {
	t := time.NewTicker(m.interval)
	defer t.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-t.C:
			m.check(context.Background())
		}
	}
}

func (m *monitor) stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

// check refreshes when the remaining access token lifetime drops below
// the lookahead. Failures are logged only; the reactive interceptor
// remains the safety net.
func (m *monitor) check(ctx context.Context) {
	st := m.current()
	if !st.Authenticated {
		return
	}

	exp, ok := accessTokenExpiry(st.Tokens)
	if !ok {
		return
	}
	if exp.Sub(m.now()) > m.ahead {
		return
	}

	attempted, err := m.refresh(ctx)
	if err != nil {
		m.logger.Warn("session: proactive refresh failed", "error", err)
		return
	}
	if attempted {
		m.logger.Debug("session: proactive refresh triggered", "expires_at", exp)
	}
}

// accessTokenExpiry decodes the exp claim of the access token without
// verifying the signature (verification is the server's job; we only
// schedule). Falls back to the pair's recorded ExpiresAt for opaque
// tokens.
func accessTokenExpiry(p *TokenPair) (time.Time, bool) {
	if p == nil {
		return time.Time{}, false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(p.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time, true
		}
	}

	if !p.ExpiresAt.IsZero() {
		return p.ExpiresAt, true
	}
	return time.Time{}, false
}
