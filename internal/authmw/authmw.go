// Package authmw provides HTTP middleware for bearer token authentication.
package authmw

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// DefaultActor names callers whose token was configured without a name.
const DefaultActor = "api"

// Token is an accepted bearer token and the reviewer it identifies.
type Token struct {
	Actor string
	Value string
}

type actorKey struct{}

// ParseTokens reads a comma-separated list of "actor:token" or bare "token"
// entries.
func ParseTokens(spec string) ([]Token, error) {
	var out []Token
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		actor, value, found := strings.Cut(part, ":")
		if !found {
			actor, value = DefaultActor, part
		}
		actor, value = strings.TrimSpace(actor), strings.TrimSpace(value)
		if actor == "" || value == "" {
			return nil, fmt.Errorf("malformed token entry %q", part)
		}
		out = append(out, Token{Actor: actor, Value: value})
	}
	return out, nil
}

// BearerToken returns middleware that validates the Authorization header
// carries one of the given tokens and stores the matching actor in the request
// context. Every token is compared in constant time.
func BearerToken(tokens ...Token) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				unauthorized(w, "missing or malformed authorization header")
				return
			}

			got := []byte(auth[len("Bearer "):])

			actor := ""
			for _, t := range tokens {
				if subtle.ConstantTimeCompare(got, []byte(t.Value)) == 1 && actor == "" {
					actor = t.Actor
				}
			}
			if actor == "" {
				unauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
		})
	}
}

// ActorFromContext returns the authenticated actor, or "" outside authenticated requests.
func ActorFromContext(ctx context.Context) string {
	a, _ := ctx.Value(actorKey{}).(string)
	return a
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = fmt.Fprintf(w, `{"error":%q}`, msg)
}
