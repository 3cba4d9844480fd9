package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/chimerakang/session-go/metrics"
)

// refreshEnvelope is the success body of the refresh endpoint: a new
// token pair plus the current user profile.
type refreshEnvelope struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	User         struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Role   string `json:"role"`
		Status string `json:"status"`
	} `json:"user"`
}

// coordinator owns the single-flight refresh. All refresh traffic for
// one Manager funnels through here: reactive 401-driven callers via
// ensureFresh, proactive timer/trigger callers via proactive. At most
// one refresh network call is in flight per Manager at any time.
type coordinator struct {
	refreshURL    string
	refreshHeader string
	minRefreshLen int
	cooldown      time.Duration
	httpClient    *http.Client
	now           func() time.Time
	logger        *slog.Logger
	metrics       *metrics.Metrics
	store         Store
	state         *sessionState

	// onTerminal triggers the Manager's hard logout. Must not call back
	// into the coordinator.
	onTerminal func(ctx context.Context, reason string)

	sf singleflight.Group

	mu            sync.Mutex
	lastAttemptAt time.Time
}

// ensureFresh returns a freshly refreshed access token. Concurrent
// callers share one network call and one result; the in-flight marker
// is cleared before any caller observes the outcome.
func (c *coordinator) ensureFresh(ctx context.Context) (string, error) {
	v, err, shared := c.sf.Do("refresh", func() (interface{}, error) {
		return c.refresh(ctx)
	})
	if shared {
		c.metrics.RecordRefreshShared()
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// proactive is the entry point for the expiry monitor and host-driven
// triggers. It is rate-limited by the cooldown window measured from the
// last attempt, so a burst of timer/visibility/online triggers cannot
// hammer the endpoint right after a refresh has settled. Returns false
// when the cooldown suppressed the attempt.
func (c *coordinator) proactive(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if !c.lastAttemptAt.IsZero() && c.now().Sub(c.lastAttemptAt) < c.cooldown {
		c.mu.Unlock()
		return false, nil
	}
	c.mu.Unlock()

	_, err := c.ensureFresh(ctx)
	return true, err
}

// refresh performs the single network call. Runs inside the
// single-flight group, so it is never concurrent with itself.
func (c *coordinator) refresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	c.lastAttemptAt = c.now()
	c.mu.Unlock()

	start := c.now()

	// The store is authoritative: another instance may have rotated the
	// refresh token since this one last looked.
	refreshToken := ""
	if rec, err := c.store.Read(); err == nil && rec != nil && rec.Tokens != nil {
		refreshToken = rec.Tokens.RefreshToken
	}
	if len(refreshToken) < c.minRefreshLen {
		c.logger.Warn("session: refresh requested without usable refresh token")
		c.metrics.RecordRefreshAttempt("no_refresh_token", c.now().Sub(start).Seconds())
		c.onTerminal(ctx, ReasonNoRefreshToken)
		return "", ErrNoRefreshToken
	}

	// The call is shared by every caller that joined the flight; a
	// canceled initiator must not fail its siblings. The HTTP client
	// timeout still bounds the request.
	rctx := context.WithoutCancel(ctx)
	req, err := http.NewRequestWithContext(rctx, http.MethodPost, c.refreshURL, nil)
	if err != nil {
		return "", fmt.Errorf("session/refresh: create request: %w", err)
	}
	req.Header.Set(c.refreshHeader, refreshToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("session: refresh request failed", "error", err)
		c.metrics.RecordRefreshAttempt("transient_failure", c.now().Sub(start).Seconds())
		return "", fmt.Errorf("session/refresh: request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.metrics.RecordRefreshAttempt("transient_failure", c.now().Sub(start).Seconds())
		return "", fmt.Errorf("session/refresh: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return c.adoptResponse(body, start)

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// The refresh credential itself is no longer valid. Terminal:
		// tear the session down, once, before any caller resumes.
		c.logger.Error("session: refresh token rejected", "status", resp.StatusCode)
		c.metrics.RecordRefreshAttempt("terminal", c.now().Sub(start).Seconds())
		c.onTerminal(ctx, ReasonRefreshInvalid)
		return "", &TerminalError{Status: resp.StatusCode, Reason: ReasonRefreshInvalid}

	default:
		c.logger.Warn("session: refresh endpoint error", "status", resp.StatusCode)
		c.metrics.RecordRefreshAttempt("transient_failure", c.now().Sub(start).Seconds())
		return "", &HTTPError{Status: resp.StatusCode, Body: truncate(string(body), 256)}
	}
}

// adoptResponse turns a 200 body into a new TokenPair and installs it.
func (c *coordinator) adoptResponse(body []byte, start time.Time) (string, error) {
	var env refreshEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		c.metrics.RecordRefreshAttempt("transient_failure", c.now().Sub(start).Seconds())
		return "", fmt.Errorf("session/refresh: decode response: %w", err)
	}
	if env.AccessToken == "" || env.RefreshToken == "" {
		c.metrics.RecordRefreshAttempt("transient_failure", c.now().Sub(start).Seconds())
		return "", fmt.Errorf("session/refresh: incomplete token pair in response")
	}

	issued := c.now()
	pair := &TokenPair{
		AccessToken:  env.AccessToken,
		RefreshToken: env.RefreshToken,
		TokenType:    env.TokenType,
		ExpiresIn:    env.ExpiresIn,
		IssuedAt:     issued,
	}
	if env.ExpiresIn > 0 {
		pair.ExpiresAt = issued.Add(time.Duration(env.ExpiresIn) * time.Second)
	}
	user := &UserProfile{
		ID:     env.User.ID,
		Name:   env.User.Name,
		Role:   env.User.Role,
		Status: env.User.Status,
	}

	if err := c.state.setAuthenticated(user, pair); err != nil {
		c.metrics.RecordRefreshAttempt("transient_failure", c.now().Sub(start).Seconds())
		return "", err
	}

	c.logger.Debug("session: refresh succeeded", "user", user.ID)
	c.metrics.RecordRefreshAttempt("success", c.now().Sub(start).Seconds())
	return pair.AccessToken, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
