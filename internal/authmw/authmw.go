// Package authmw provides HTTP middleware for bearer token authentication
// on the mutating incident API routes.
package authmw

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/linnemanlabs/go-core/xerrors"
)

// challenge is sent with every 401 per RFC 6750.
const challenge = `Bearer realm="aftermath"`

// BearerToken returns middleware that accepts a request when its
// Authorization header carries any of tokens. More than one token lets
// operators rotate: deploy with old and new, move clients, drop the old.
// Every token is compared in constant time so the match position leaks nothing.
func BearerToken(tokens ...string) func(http.Handler) http.Handler {
	var expected [][]byte
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			expected = append(expected, []byte(t))
		}
	}
	if len(expected) == 0 {
		panic(xerrors.New("at least one bearer token is required"))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				deny(w, "missing or malformed authorization header")
				return
			}

			match := 0
			for _, want := range expected {
				match |= subtle.ConstantTimeCompare([]byte(got), want)
			}
			if match != 1 {
				deny(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ParseTokens splits a comma-separated token list as accepted by BearerToken.
func ParseTokens(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func deny(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", challenge)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
