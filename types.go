package session

import "time"

// TokenPair holds the access/refresh credential pair for one session
// generation. A pair is immutable once issued: a refresh always produces
// a new TokenPair, it never mutates fields of an existing one.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresIn    int       `json:"expires_in,omitempty"`
	IssuedAt     time.Time `json:"issued_at,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Valid reports whether both credentials are present. Pairs are all or
// nothing: an access token without its refresh token (or vice versa) is
// not a usable session.
func (p *TokenPair) Valid() bool {
	return p != nil && p.AccessToken != "" && p.RefreshToken != ""
}

// UserProfile carries the denormalized user fields persisted alongside
// the tokens, so hosts can render an authenticated UI before any network
// round trip.
type UserProfile struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   string `json:"role,omitempty"`
	Status string `json:"status,omitempty"`
}

// State is a snapshot of the session at one point in time.
// Authenticated is true iff both User and Tokens are non-nil.
type State struct {
	User          *UserProfile
	Tokens        *TokenPair
	Authenticated bool
}

// Record is the unit of persistence: a Store writes whole Records,
// replaced wholesale on every change (last write wins).
type Record struct {
	Tokens *TokenPair   `json:"tokens,omitempty"`
	User   *UserProfile `json:"user,omitempty"`
}

// LogoutSignal is the cross-instance side channel written to the Store
// when a session ends. Emitter identifies the writing Manager so it can
// skip its own signal; every other instance consumes it exactly once.
type LogoutSignal struct {
	Emitter   string    `json:"emitter"`
	Reason    string    `json:"reason"`
	EmittedAt time.Time `json:"emitted_at"`
}

// ExpiredNotice is the transient, consume-once payload the UI layer
// reads to show a "session ended" toast. Store.TakeNotice clears it.
type ExpiredNotice struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Human-readable reasons recorded on hard logout and surfaced through
// the ExpiredNotice and LogoutSignal.
const (
	ReasonUserLogout     = "logged out"
	ReasonRemoteLogout   = "logged out from another session"
	ReasonRefreshInvalid = "refresh token is no longer valid"
	ReasonNoRefreshToken = "no refresh token available"
	ReasonRetryExhausted = "session expired"
)
