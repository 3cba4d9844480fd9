// Package session keeps a bearer access token valid across concurrent
// requests and across cooperating application instances.
//
// One Manager per process owns the in-memory session state and funnels
// every token refresh through a single-flight coordinator, so any number
// of concurrent callers produce at most one network call to the refresh
// endpoint. Instances of the same logical user share a Store (a JSON
// file across processes, an in-process hub within one); a hard logout in
// one instance converges every other instance to anonymous through the
// store's change notifications.
//
// Typical wiring:
//
//	mgr, err := session.NewManager(filestore.New(path), session.Config{
//	    RefreshURL: "https://api.example.com/auth/refresh",
//	    LogoutURL:  "https://api.example.com/auth/logout",
//	    OnLoggedOut: func(reason string) { ui.RedirectToLogin(reason) },
//	})
//	client := mgr.HTTPClient() // attaches tokens, retries auth failures
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chimerakang/session-go/audit"
	"github.com/chimerakang/session-go/metrics"
)

// Config holds endpoint and behavior configuration.
type Config struct {
	// RefreshURL is the token refresh endpoint. The refresh credential
	// is sent in the RefreshTokenHeader, not as bearer auth. Required.
	RefreshURL string

	// LogoutURL is the server-side revocation endpoint, called
	// best-effort on hard logout. Optional.
	LogoutURL string

	// PublicPaths are path prefixes that never receive a bearer token.
	// An explicit allow-list; anything not listed is protected.
	PublicPaths []string

	// RefreshTokenHeader carries the refresh credential on the refresh
	// call. Default: "X-Refresh-Token".
	RefreshTokenHeader string

	// RefreshTimeout bounds the refresh network call. Default: 10s.
	RefreshTimeout time.Duration

	// RefreshCooldown rate-limits proactive refresh triggers, measured
	// from the last attempt. Default: 60s.
	RefreshCooldown time.Duration

	// RefreshAhead is the remaining-lifetime threshold below which the
	// monitor refreshes proactively. Default: 2 minutes.
	RefreshAhead time.Duration

	// MonitorInterval is the proactive check period. Default: 45s.
	MonitorInterval time.Duration

	// MaxAuthRetries bounds auth-triggered retries per request.
	// Default: 2.
	MaxAuthRetries int

	// MinRefreshTokenLength is the structural validity floor for a
	// refresh token; anything shorter fails without a network call.
	// Default: 16.
	MinRefreshTokenLength int

	// OnLoggedOut is invoked after every hard logout, local or remote,
	// with the human-readable reason. Hosts redirect to login here.
	OnLoggedOut func(reason string)
}

// Option configures the Manager.
type Option func(*Manager)

// WithLogger sets a structured logger for the manager.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithHTTPClient sets the client used for refresh and logout calls.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithMetrics sets the Prometheus metrics sink.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

// WithAudit sets the audit logger for session lifecycle events.
func WithAudit(a *audit.Logger) Option {
	return func(m *Manager) { m.auditor = a }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Defaults applied by NewManager.
const (
	DefaultRefreshTokenHeader    = "X-Refresh-Token"
	DefaultRefreshTimeout        = 10 * time.Second
	DefaultRefreshCooldown       = 60 * time.Second
	DefaultRefreshAhead          = 2 * time.Minute
	DefaultMonitorInterval       = 45 * time.Second
	DefaultMaxAuthRetries        = 2
	DefaultMinRefreshTokenLength = 16
)

// Manager is the per-process session authority and the entry point for
// collaborators: token lookup, forced refresh, state subscription, and
// logout all go through it.
type Manager struct {
	config     Config
	logger     *slog.Logger
	store      Store
	state      *sessionState
	coord      *coordinator
	metrics    *metrics.Metrics
	auditor    *audit.Logger
	now        func() time.Time
	httpClient *http.Client

	// id distinguishes this instance on the cross-instance side channel
	// so it never consumes its own logout signal.
	id string

	refreshURL *url.URL
	logoutURL  *url.URL

	cancelWatch func()

	monMu sync.Mutex
	mon   *monitor

	seenMu      sync.Mutex
	seenSignals map[string]bool

	// loggingOut collapses concurrent logout triggers; loggedOut latches
	// a completed teardown so late triggers do not re-broadcast it. The
	// latch re-arms on the next authenticated state.
	loggingOut atomic.Bool
	loggedOut  atomic.Bool
	closed     atomic.Bool
}

// NewManager creates a Manager over the given store. If the store holds
// a previously persisted, structurally valid session, the Manager comes
// up authenticated without any network call.
func NewManager(store Store, cfg Config, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("session: store is required")
	}
	if cfg.RefreshURL == "" {
		return nil, fmt.Errorf("session: Config.RefreshURL is required")
	}
	refreshURL, err := url.Parse(cfg.RefreshURL)
	if err != nil {
		return nil, fmt.Errorf("session: invalid RefreshURL: %w", err)
	}
	var logoutURL *url.URL
	if cfg.LogoutURL != "" {
		if logoutURL, err = url.Parse(cfg.LogoutURL); err != nil {
			return nil, fmt.Errorf("session: invalid LogoutURL: %w", err)
		}
	}

	if cfg.RefreshTokenHeader == "" {
		cfg.RefreshTokenHeader = DefaultRefreshTokenHeader
	}
	if cfg.RefreshTimeout == 0 {
		cfg.RefreshTimeout = DefaultRefreshTimeout
	}
	if cfg.RefreshCooldown == 0 {
		cfg.RefreshCooldown = DefaultRefreshCooldown
	}
	if cfg.RefreshAhead == 0 {
		cfg.RefreshAhead = DefaultRefreshAhead
	}
	if cfg.MonitorInterval == 0 {
		cfg.MonitorInterval = DefaultMonitorInterval
	}
	if cfg.MaxAuthRetries == 0 {
		cfg.MaxAuthRetries = DefaultMaxAuthRetries
	}
	if cfg.MinRefreshTokenLength == 0 {
		cfg.MinRefreshTokenLength = DefaultMinRefreshTokenLength
	}

	m := &Manager{
		config:      cfg,
		store:       store,
		id:          uuid.NewString(),
		refreshURL:  refreshURL,
		logoutURL:   logoutURL,
		seenSignals: make(map[string]bool),
	}
	for _, o := range opts {
		o(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.metrics == nil {
		m.metrics = metrics.New(false)
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.httpClient == nil {
		m.httpClient = &http.Client{Timeout: cfg.RefreshTimeout}
	}

	m.state = newSessionState(store)
	m.state.restore()
	if st := m.state.current(); st.Authenticated {
		m.auditLog(audit.Event{Action: audit.ActionRestore, UserID: st.User.ID})
	}

	m.coord = &coordinator{
		refreshURL:    cfg.RefreshURL,
		refreshHeader: cfg.RefreshTokenHeader,
		minRefreshLen: cfg.MinRefreshTokenLength,
		cooldown:      cfg.RefreshCooldown,
		httpClient:    m.httpClient,
		now:           m.now,
		logger:        m.logger,
		metrics:       m.metrics,
		store:         store,
		state:         m.state,
		onTerminal:    m.ForceLogout,
	}

	cancel, err := store.Watch(m.handleStoreEvent)
	if err != nil {
		return nil, fmt.Errorf("session: watch store: %w", err)
	}
	m.cancelWatch = cancel

	m.startMonitor()
	return m, nil
}

// GetValidAccessToken returns the current access token, or "" when the
// session is anonymous. Synchronous; staleness is handled by the
// monitor and the transport, not here.
func (m *Manager) GetValidAccessToken() string {
	st := m.state.current()
	if st.Tokens == nil {
		return ""
	}
	return st.Tokens.AccessToken
}

// EnsureFreshAccessToken refreshes the access token, sharing one network
// call among all concurrent callers, and returns the new token.
func (m *Manager) EnsureFreshAccessToken(ctx context.Context) (string, error) {
	if m.closed.Load() {
		return "", ErrClosed
	}
	tok, err := m.coord.ensureFresh(ctx)
	if err != nil {
		m.auditLog(audit.Event{Action: audit.ActionRefreshFailure, Error: err.Error()})
		return "", err
	}
	m.auditLog(audit.Event{Action: audit.ActionRefreshSuccess, UserID: m.state.current().userID()})
	return tok, nil
}

// SetAuthenticated installs the user and tokens obtained from an
// interactive login, writing them through to the store.
func (m *Manager) SetAuthenticated(user *UserProfile, tokens *TokenPair) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if err := m.state.setAuthenticated(user, tokens); err != nil {
		return err
	}
	m.loggedOut.Store(false)
	m.startMonitor()
	m.auditLog(audit.Event{Action: audit.ActionLogin, UserID: user.ID})
	m.logger.Info("session: authenticated", "user", user.ID)
	return nil
}

// Current returns a snapshot of the session state.
func (m *Manager) Current() State {
	return m.state.current()
}

// OnSessionChange registers a listener invoked on every state change.
// The returned func cancels the subscription.
func (m *Manager) OnSessionChange(fn func(State)) (cancel func()) {
	return m.state.subscribe(fn)
}

// Poke runs the proactive expiry check immediately. Hosts call this on
// triggers the Manager cannot see itself, such as a window regaining
// focus or connectivity coming back.
func (m *Manager) Poke(ctx context.Context) {
	if m.closed.Load() {
		return
	}
	m.monMu.Lock()
	mon := m.mon
	m.monMu.Unlock()
	if mon != nil {
		mon.check(ctx)
	}
}

// TakeExpiredNotice returns the pending "session ended" notice and
// clears it, or nil. The UI layer consumes this once for its toast.
func (m *Manager) TakeExpiredNotice() *ExpiredNotice {
	n, err := m.store.TakeNotice()
	if err != nil {
		m.logger.Warn("session: take notice", "error", err)
		return nil
	}
	return n
}

// ForceLogout runs the hard logout sequence: stop the monitor, revoke
// server-side best-effort, record the toast notice, broadcast the
// cross-instance signal, clear the store, reset to anonymous, and
// invoke OnLoggedOut. Idempotent; concurrent triggers collapse into one
// teardown, and once it has completed further triggers are no-ops until
// the session is authenticated again.
func (m *Manager) ForceLogout(ctx context.Context, reason string) {
	if m.closed.Load() {
		return
	}
	if !m.loggingOut.CompareAndSwap(false, true) {
		return
	}
	defer m.loggingOut.Store(false)

	if m.loggedOut.Load() {
		return
	}

	m.stopMonitor()

	st := m.state.current()
	if m.config.LogoutURL != "" && st.Tokens != nil {
		// Server-side revocation is a courtesy call; it must never block
		// or fail the client-side sequence.
		go m.revokeServerSide(ctx, st.Tokens)
	}

	now := m.now()
	if err := m.store.PostNotice(&ExpiredNotice{Reason: reason, At: now}); err != nil {
		m.logger.Warn("session: post notice", "error", err)
	}
	if err := m.store.PostSignal(&LogoutSignal{Emitter: m.id, Reason: reason, EmittedAt: now}); err != nil {
		m.logger.Warn("session: post logout signal", "error", err)
	}
	if err := m.state.reset(true); err != nil {
		m.logger.Warn("session: reset", "error", err)
	}
	m.loggedOut.Store(true)

	m.metrics.RecordHardLogout(reason)
	m.auditLog(audit.Event{Action: audit.ActionLogout, UserID: st.userID(), Reason: reason})
	m.logger.Info("session: hard logout", "reason", reason)

	if m.config.OnLoggedOut != nil {
		m.config.OnLoggedOut(reason)
	}
}

// Transport wraps base (http.DefaultTransport if nil) with token
// attachment and auth-aware retry.
func (m *Manager) Transport(base http.RoundTripper) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{
		base:        base,
		mgr:         m,
		publicPaths: m.config.PublicPaths,
		maxRetries:  m.config.MaxAuthRetries,
		refreshURL:  m.refreshURL,
		logoutURL:   m.logoutURL,
	}
}

// HTTPClient returns an *http.Client wired with the Manager's Transport.
func (m *Manager) HTTPClient() *http.Client {
	return &http.Client{Transport: m.Transport(nil)}
}

// Close stops the monitor and the store watch. The persisted session is
// left intact; Close ends this instance, not the session.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	if m.cancelWatch != nil {
		m.cancelWatch()
	}
	m.stopMonitor()
	return nil
}

// handleStoreEvent reacts to changes made by other instances sharing the
// store: adopted logins/rotations, remote clears, and logout signals.
func (m *Manager) handleStoreEvent(ev Event) {
	if m.closed.Load() {
		return
	}

	switch {
	case ev.Signal != nil:
		m.metrics.RecordStoreEvent("signal")
		sig := ev.Signal
		if sig.Emitter == m.id {
			return
		}
		key := sig.Emitter + "|" + sig.EmittedAt.Format(time.RFC3339Nano)
		m.seenMu.Lock()
		seen := m.seenSignals[key]
		m.seenSignals[key] = true
		m.seenMu.Unlock()
		if seen {
			return
		}
		m.remoteLogout(sig.Reason)

	case ev.Cleared:
		m.metrics.RecordStoreEvent("cleared")
		if m.state.current().Authenticated {
			m.state.adopt(nil)
		}

	case ev.Record != nil:
		m.metrics.RecordStoreEvent("record")
		m.loggedOut.Store(false)
		m.state.adopt(ev.Record)
	}
}

// remoteLogout converges this instance after another one ended the
// session. Local state only: the emitter already cleared the store, and
// the signal is never re-emitted.
func (m *Manager) remoteLogout(reason string) {
	m.stopMonitor()
	m.loggedOut.Store(true)
	if err := m.state.reset(false); err != nil {
		m.logger.Warn("session: remote reset", "error", err)
	}
	m.auditLog(audit.Event{Action: audit.ActionRemoteLogout, Reason: reason})
	m.logger.Info("session: ended by another instance", "reason", reason)

	if m.config.OnLoggedOut != nil {
		m.config.OnLoggedOut(ReasonRemoteLogout)
	}
}

// revokeServerSide posts both credentials to the logout endpoint.
// Detached from the caller's context: a canceled trigger must not
// cancel the courtesy call mid-flight.
func (m *Manager) revokeServerSide(ctx context.Context, tokens *TokenPair) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodPost, m.config.LogoutURL, nil)
	if err != nil {
		return
	}
	if tokens.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	}
	req.Header.Set(m.config.RefreshTokenHeader, tokens.RefreshToken)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.logger.Debug("session: server-side logout failed", "error", err)
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, classifyBodyLimit))
	_ = resp.Body.Close()
}

func (m *Manager) startMonitor() {
	m.monMu.Lock()
	defer m.monMu.Unlock()
	if m.mon != nil {
		m.mon.stop()
	}
	m.mon = newMonitor(
		m.config.MonitorInterval,
		m.config.RefreshAhead,
		m.now,
		m.state.current,
		m.coord.proactive,
		m.logger,
	)
	go m.mon.run()
}

func (m *Manager) stopMonitor() {
	m.monMu.Lock()
	defer m.monMu.Unlock()
	if m.mon != nil {
		m.mon.stop()
	}
}

func (m *Manager) auditLog(ev audit.Event) {
	if m.auditor != nil {
		m.auditor.Log(ev)
	}
}

// userID is a nil-safe accessor used in audit events.
func (s State) userID() string {
	if s.User == nil {
		return ""
	}
	return s.User.ID
}
