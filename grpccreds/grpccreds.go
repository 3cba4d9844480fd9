// Package grpccreds adapts a session manager to gRPC per-RPC credentials,
// so gRPC clients ride the same managed bearer token as HTTP callers.
package grpccreds

import (
	"context"

	"google.golang.org/grpc/credentials"

	session "github.com/chimerakang/session-go"
)

// TokenSource is the slice of *session.Manager the adapter needs.
type TokenSource interface {
	// GetValidAccessToken returns the current access token, or "".
	GetValidAccessToken() string

	// EnsureFreshAccessToken refreshes and returns a new access token.
	EnsureFreshAccessToken(ctx context.Context) (string, error)
}

// Credentials implements credentials.PerRPCCredentials backed by a
// session manager.
type Credentials struct {
	src        TokenSource
	requireTLS bool
}

var _ credentials.PerRPCCredentials = (*Credentials)(nil)

// Option configures the Credentials.
type Option func(*Credentials)

// WithTransportSecurity makes the credentials require a TLS connection.
func WithTransportSecurity() Option {
	return func(c *Credentials) { c.requireTLS = true }
}

// New creates per-RPC credentials over the given token source.
func New(src TokenSource, opts ...Option) *Credentials {
	c := &Credentials{src: src}
	for _, o := range opts {
		o(c)
	}
	return c
}

// GetRequestMetadata attaches the current access token as bearer auth.
// A token pinned on the context with session.WithAccessToken takes
// precedence over the managed one. When no token is available, one
// refresh is attempted; if that fails the RPC is sent without
// credentials and the server decides, mirroring the HTTP transport's
// behavior.
func (c *Credentials) GetRequestMetadata(ctx context.Context, _ ...string) (map[string]string, error) {
	if tok := session.AccessTokenFromContext(ctx); tok != "" {
		return map[string]string{"authorization": "Bearer " + tok}, nil
	}

	tok := c.src.GetValidAccessToken()
	if tok == "" {
		fresh, err := c.src.EnsureFreshAccessToken(ctx)
		if err != nil {
			return nil, nil
		}
		tok = fresh
	}
	if tok == "" {
		return nil, nil
	}
	return map[string]string{"authorization": "Bearer " + tok}, nil
}

// RequireTransportSecurity implements credentials.PerRPCCredentials.
func (c *Credentials) RequireTransportSecurity() bool {
	return c.requireTLS
}
