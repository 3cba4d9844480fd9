package session

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// classifyBodyLimit bounds how much of a 401 body is read for
// classification before the response is handed back to the caller.
const classifyBodyLimit = 8 << 10

// Transport is an http.RoundTripper that attaches the current access
// token to protected requests and transparently refreshes-and-retries
// on transient auth failures.
//
// Per request: public endpoints are never given a token; protected
// endpoints get a bearer header when a token is present, and are sent
// anyway when none is (the server is the authority — blocking
// client-side would turn classification mistakes into outages). A 401
// classified as auth-transient triggers one shared refresh and a
// bounded number of retries; exceeding the bound forces a hard logout.
// A token pinned on the request context with WithAccessToken is
// attached verbatim and bypasses the retry machinery.
type Transport struct {
	base        http.RoundTripper
	mgr         *Manager
	publicPaths []string
	maxRetries  int
	refreshURL  *url.URL
	logoutURL   *url.URL
}

var _ http.RoundTripper = (*Transport)(nil)

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.skipAuth(req) {
		return t.base.RoundTrip(req)
	}

	if tok := AccessTokenFromContext(req.Context()); tok != "" {
		// The caller pinned a token for this request; attach it as is
		// and stay out of the refresh-and-retry machinery.
		out := req.Clone(req.Context())
		out.Header.Set("Authorization", "Bearer "+tok)
		return t.base.RoundTrip(out)
	}

	// The outgoing context carries the session identity, so base round
	// trippers and request hooks can attribute the call.
	ctx := req.Context()
	st := t.mgr.Current()
	if st.User != nil {
		ctx = WithUser(ctx, st.User)
	}
	var tok string
	if st.Tokens != nil {
		tok = st.Tokens.AccessToken
	}
	if tok != "" {
		ctx = WithAccessToken(ctx, tok)
	}
	out := req.Clone(ctx)
	if tok != "" {
		out.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		// No response at all: non-terminal, propagate unchanged.
		return nil, err
	}

	retries := 0
	for {
		if resp.StatusCode != http.StatusUnauthorized {
			return resp, nil
		}

		kind := t.classify(resp)
		if kind != KindAuthTransient {
			return resp, nil
		}

		if retries >= t.maxRetries {
			// A refreshed token that still produces 401s is a broken
			// session, not a race. Stop and tear down.
			t.mgr.ForceLogout(req.Context(), ReasonRetryExhausted)
			return resp, nil
		}

		if req.Body != nil && req.GetBody == nil {
			// The body cannot be replayed; hand the 401 back.
			return resp, nil
		}

		fresh, ferr := t.mgr.EnsureFreshAccessToken(req.Context())
		if ferr != nil {
			// Terminal refresh failures have already torn the session
			// down inside the coordinator. The original auth failure is
			// returned unchanged either way.
			return resp, nil
		}
		retries++
		t.mgr.metrics.RecordAuthRetry()

		drain(resp)

		retry := req.Clone(WithAccessToken(req.Context(), fresh))
		if req.GetBody != nil {
			body, berr := req.GetBody()
			if berr != nil {
				return nil, fmt.Errorf("session/transport: replay body: %w", berr)
			}
			retry.Body = body
		}
		// The fresh token is injected directly instead of re-reading the
		// store, closing the gap where another refresh could land between
		// lookup and send.
		retry.Header.Set("Authorization", "Bearer "+fresh)

		resp, err = t.base.RoundTrip(retry)
		if err != nil {
			return nil, err
		}
	}
}

// skipAuth reports whether the request targets a public endpoint or the
// session endpoints themselves. The refresh call carries its credential
// in a dedicated header and must never recurse into the interceptor.
func (t *Transport) skipAuth(req *http.Request) bool {
	if sameEndpoint(req.URL, t.refreshURL) || sameEndpoint(req.URL, t.logoutURL) {
		return true
	}
	for _, p := range t.publicPaths {
		if strings.HasPrefix(req.URL.Path, p) {
			return true
		}
	}
	return false
}

// classify reads a bounded prefix of the 401 body and restores the
// response so the caller still sees the full payload.
func (t *Transport) classify(resp *http.Response) Kind {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, classifyBodyLimit))
	rest := resp.Body
	resp.Body = &replayBody{
		Reader: io.MultiReader(bytes.NewReader(body), rest),
		closer: rest,
	}
	return ClassifyResponse(resp, body)
}

func sameEndpoint(u, target *url.URL) bool {
	if u == nil || target == nil {
		return false
	}
	return u.Host == target.Host && u.Path == target.Path
}

// drain consumes and closes a response body that will not be returned,
// so the underlying connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, classifyBodyLimit))
	_ = resp.Body.Close()
}

type replayBody struct {
	io.Reader
	closer io.Closer
}

func (b *replayBody) Close() error { return b.closer.Close() }
