package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors returned by the Manager.
var (
	// ErrNoRefreshToken is returned when a refresh is requested but no
	// structurally valid refresh token is available. The session is torn
	// down before this error is returned.
	ErrNoRefreshToken = errors.New("session: no refresh token available")

	// ErrClosed is returned from operations on a closed Manager.
	ErrClosed = errors.New("session: manager closed")
)

// TerminalError reports that the refresh endpoint definitively rejected
// the refresh credential (401/403). The session has already been torn
// down when a caller observes this error.
type TerminalError struct {
	Status int
	Reason string
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("session/refresh: terminal failure (status %d): %s", e.Status, e.Reason)
}

// HTTPError reports a non-auth HTTP failure from the refresh endpoint.
// It is non-terminal: the refresh token may still be valid and callers
// may retry later.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("session/refresh: endpoint returned %d: %s", e.Status, e.Body)
}

// Kind tags the outcome of classifying a failed response. Classification
// is explicit and data-driven rather than inferred from error message
// shapes, so the retry state machine never string-matches exceptions.
type Kind int

const (
	// KindNetwork: no response at all. Non-terminal, propagated.
	KindNetwork Kind = iota

	// KindAuthTransient: 401 with a recognized auth error code or auth
	// failure vocabulary. Eligible for refresh-and-retry.
	KindAuthTransient

	// KindAuthTerminal: the refresh credential itself was rejected.
	KindAuthTerminal

	// KindHTTP: any other HTTP failure, propagated unchanged.
	KindHTTP
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuthTransient:
		return "auth_transient"
	case KindAuthTerminal:
		return "auth_terminal"
	case KindHTTP:
		return "http"
	}
	return "unknown"
}

// errorEnvelope covers the two common error body shapes:
// {"error":{"code":...,"message":...}} and {"code":...,"message":...}.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// authErrorCodes are server error codes that mark a 401 as auth-related.
var authErrorCodes = map[string]bool{
	"TOKEN_EXPIRED": true,
	"TOKEN_INVALID": true,
	"INVALID_TOKEN": true,
	"AUTH_REQUIRED": true,
}

// authVocabulary is matched (lowercased, substring) against the error
// message when no recognized code is present.
var authVocabulary = []string{
	"token expired",
	"expired token",
	"invalid token",
	"token is invalid",
	"authentication required",
	"not authenticated",
}

// ClassifyResponse classifies a completed HTTP response. body is the
// (possibly truncated) response body; it may be nil.
//
// Only a 401 carrying a recognized auth error code, auth-failure message
// vocabulary, or a Bearer challenge is classified as an auth error.
// Every other failure is KindHTTP and must propagate to the caller
// unchanged. Responses from the refresh endpoint itself are classified
// by the refresh coordinator, not here.
func ClassifyResponse(resp *http.Response, body []byte) Kind {
	if resp == nil {
		return KindNetwork
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return KindHTTP
	}

	var env errorEnvelope
	if len(body) > 0 && json.Unmarshal(body, &env) == nil {
		code := env.Error.Code
		if code == "" {
			code = env.Code
		}
		if authErrorCodes[strings.ToUpper(code)] {
			return KindAuthTransient
		}
		msg := env.Error.Message
		if msg == "" {
			msg = env.Message
		}
		low := strings.ToLower(msg)
		for _, v := range authVocabulary {
			if strings.Contains(low, v) {
				return KindAuthTransient
			}
		}
	}

	if strings.Contains(strings.ToLower(resp.Header.Get("WWW-Authenticate")), "bearer") {
		return KindAuthTransient
	}
	return KindHTTP
}
