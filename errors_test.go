package session_test

import (
	"net/http"
	"testing"

	session "github.com/chimerakang/session-go"
)

func response(status int, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{StatusCode: status, Header: header}
}

func TestClassifyResponse(t *testing.T) {
	bearerChallenge := http.Header{}
	bearerChallenge.Set("WWW-Authenticate", `Bearer realm="api", error="invalid_token"`)

	tests := []struct {
		name string
		resp *http.Response
		body string
		want session.Kind
	}{
		{
			name: "no response is a network error",
			resp: nil,
			want: session.KindNetwork,
		},
		{
			name: "500 propagates",
			resp: response(http.StatusInternalServerError, nil),
			body: `{"error":{"code":"TOKEN_EXPIRED"}}`,
			want: session.KindHTTP,
		},
		{
			name: "403 propagates",
			resp: response(http.StatusForbidden, nil),
			want: session.KindHTTP,
		},
		{
			name: "401 with recognized code",
			resp: response(http.StatusUnauthorized, nil),
			body: `{"error":{"code":"TOKEN_EXPIRED","message":"expired"}}`,
			want: session.KindAuthTransient,
		},
		{
			name: "401 with flat code field",
			resp: response(http.StatusUnauthorized, nil),
			body: `{"code":"invalid_token","message":"nope"}`,
			want: session.KindAuthTransient,
		},
		{
			name: "401 with auth vocabulary only",
			resp: response(http.StatusUnauthorized, nil),
			body: `{"error":{"code":"E401","message":"The provided token is invalid"}}`,
			want: session.KindAuthTransient,
		},
		{
			name: "401 with bearer challenge and no body",
			resp: response(http.StatusUnauthorized, bearerChallenge),
			want: session.KindAuthTransient,
		},
		{
			name: "401 without any auth marker propagates",
			resp: response(http.StatusUnauthorized, nil),
			body: `{"error":{"code":"IP_BLOCKED","message":"address not allowed"}}`,
			want: session.KindHTTP,
		},
		{
			name: "401 with unparseable body propagates",
			resp: response(http.StatusUnauthorized, nil),
			body: `<html>gateway error</html>`,
			want: session.KindHTTP,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := session.ClassifyResponse(tt.resp, []byte(tt.body))
			if got != tt.want {
				t.Errorf("ClassifyResponse() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindString(t *testing.T) {
	cases := map[session.Kind]string{
		session.KindNetwork:       "network",
		session.KindAuthTransient: "auth_transient",
		session.KindAuthTerminal:  "auth_terminal",
		session.KindHTTP:          "http",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}

func TestTokenPairValid(t *testing.T) {
	if (&session.TokenPair{AccessToken: "a", RefreshToken: "r"}).Valid() != true {
		t.Error("complete pair should be valid")
	}
	if (&session.TokenPair{AccessToken: "a"}).Valid() {
		t.Error("missing refresh token should be invalid")
	}
	if (&session.TokenPair{RefreshToken: "r"}).Valid() {
		t.Error("missing access token should be invalid")
	}
	var nilPair *session.TokenPair
	if nilPair.Valid() {
		t.Error("nil pair should be invalid")
	}
}
