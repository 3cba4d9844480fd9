// Package fake provides an in-memory identity endpoint for testing.
//
// IdentityServer implements http.Handler and speaks the refresh/logout
// contract the session manager consumes, plus a trivial protected
// resource on every other path. Use it behind httptest.NewServer in
// unit tests to avoid a real identity provider.
package fake

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	session "github.com/chimerakang/session-go"
)

// Endpoint paths served by the IdentityServer.
const (
	RefreshPath = "/auth/refresh"
	LogoutPath  = "/auth/logout"
)

// IdentityServer is an in-memory identity provider with one user and
// one live token generation. Refreshing rotates both tokens; the
// previous refresh token stops working immediately, like a real
// rotating-refresh-token provider.
type IdentityServer struct {
	refreshHeader string
	signingKey    []byte
	accessTTL     time.Duration
	refreshDelay  time.Duration

	mu             sync.Mutex
	user           session.UserProfile
	currentRefresh string
	currentAccess  string
	revoked        bool
	refreshStatus  int // nonzero forces this status from the refresh endpoint

	refreshCalls atomic.Int64
	logoutCalls  atomic.Int64
}

var _ http.Handler = (*IdentityServer)(nil)

// Option configures the IdentityServer.
type Option func(*IdentityServer)

// WithUser sets the served user profile.
func WithUser(u session.UserProfile) Option {
	return func(s *IdentityServer) { s.user = u }
}

// WithAccessTTL sets the lifetime of minted access tokens.
func WithAccessTTL(d time.Duration) Option {
	return func(s *IdentityServer) { s.accessTTL = d }
}

// WithRefreshDelay makes the refresh endpoint sleep before answering,
// so tests can force concurrent callers to overlap.
func WithRefreshDelay(d time.Duration) Option {
	return func(s *IdentityServer) { s.refreshDelay = d }
}

// WithRefreshHeader overrides the header the refresh credential is read
// from. Default: session.DefaultRefreshTokenHeader.
func WithRefreshHeader(h string) Option {
	return func(s *IdentityServer) { s.refreshHeader = h }
}

// NewIdentityServer creates a server with an initial live session
// generation for its user.
func NewIdentityServer(opts ...Option) *IdentityServer {
	s := &IdentityServer{
		refreshHeader: session.DefaultRefreshTokenHeader,
		signingKey:    []byte("fake-identity-signing-key"),
		accessTTL:     time.Hour,
		user: session.UserProfile{
			ID:     "user-1",
			Name:   "Fake User",
			Role:   "member",
			Status: "active",
		},
	}
	for _, o := range opts {
		o(s)
	}
	s.rotate()
	return s
}

// Login rotates the token generation and returns what an interactive
// login would hand to Manager.SetAuthenticated.
func (s *IdentityServer) Login() (*session.UserProfile, *session.TokenPair) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rotateLocked()
	u := s.user
	return &u, &session.TokenPair{
		AccessToken:  s.currentAccess,
		RefreshToken: s.currentRefresh,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.accessTTL / time.Second),
		IssuedAt:     time.Now(),
		ExpiresAt:    time.Now().Add(s.accessTTL),
	}
}

// ExpireAccess invalidates the current access token without touching
// the refresh token, as if the access token had expired server-side.
func (s *IdentityServer) ExpireAccess() {
	s.mu.Lock()
	s.currentAccess = s.mintAccessLocked()
	s.mu.Unlock()
}

// Revoke invalidates the refresh credential: subsequent refreshes get 403.
func (s *IdentityServer) Revoke() {
	s.mu.Lock()
	s.revoked = true
	s.mu.Unlock()
}

// SetRefreshStatus forces the refresh endpoint to answer with the given
// status (e.g. 500 for transient-failure tests). Zero restores normal
// behavior.
func (s *IdentityServer) SetRefreshStatus(status int) {
	s.mu.Lock()
	s.refreshStatus = status
	s.mu.Unlock()
}

// RefreshCalls returns how many times the refresh endpoint was hit.
func (s *IdentityServer) RefreshCalls() int64 { return s.refreshCalls.Load() }

// LogoutCalls returns how many times the logout endpoint was hit.
func (s *IdentityServer) LogoutCalls() int64 { return s.logoutCalls.Load() }

// CurrentAccessToken returns the access token of the live generation.
func (s *IdentityServer) CurrentAccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentAccess
}

// ServeHTTP routes the refresh and logout endpoints; every other path is
// a protected resource requiring the live access token.
func (s *IdentityServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case RefreshPath:
		s.handleRefresh(w, r)
	case LogoutPath:
		s.handleLogout(w, r)
	default:
		s.handleProtected(w, r)
	}
}

func (s *IdentityServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.refreshDelay > 0 {
		time.Sleep(s.refreshDelay)
	}

	presented := r.Header.Get(s.refreshHeader)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refreshStatus != 0 {
		writeError(w, s.refreshStatus, "SERVER_ERROR", "refresh temporarily unavailable")
		return
	}
	if s.revoked {
		writeError(w, http.StatusForbidden, "REFRESH_REVOKED", "refresh token has been revoked")
		return
	}
	if presented == "" || presented != s.currentRefresh {
		writeError(w, http.StatusUnauthorized, "REFRESH_EXPIRED", "refresh token is no longer valid")
		return
	}

	s.rotateLocked()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token":  s.currentAccess,
		"refresh_token": s.currentRefresh,
		"token_type":    "Bearer",
		"expires_in":    int(s.accessTTL / time.Second),
		"user": map[string]string{
			"id":     s.user.ID,
			"name":   s.user.Name,
			"role":   s.user.Role,
			"status": s.user.Status,
		},
	})
}

func (s *IdentityServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.logoutCalls.Add(1)
	w.WriteHeader(http.StatusNoContent)
}

func (s *IdentityServer) handleProtected(w http.ResponseWriter, r *http.Request) {
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	s.mu.Lock()
	live := s.currentAccess
	s.mu.Unlock()

	if tok == "" || tok != live {
		writeError(w, http.StatusUnauthorized, "TOKEN_EXPIRED", "token expired")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

func (s *IdentityServer) rotate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotateLocked()
}

func (s *IdentityServer) rotateLocked() {
	s.currentRefresh = uuid.NewString() + uuid.NewString()
	s.currentAccess = s.mintAccessLocked()
}

// mintAccessLocked signs a minimal HS256 access token with the claims
// the monitor's expiry decode expects.
func (s *IdentityServer) mintAccessLocked() string {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":    s.user.ID,
		"name":   s.user.Name,
		"role":   s.user.Role,
		"status": s.user.Status,
		"iat":    now.Unix(),
		"exp":    now.Add(s.accessTTL).Unix(),
		"jti":    uuid.NewString(),
	}
	tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	return tok
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
