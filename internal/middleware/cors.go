// Package middleware provides HTTP middleware for the chat server.
package middleware

import (
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
)

// preflightMaxAge is how long browsers may cache a preflight answer.
const preflightMaxAge = 10 * 60

// CORS returns middleware for the read-only room API. It accepts the same
// host patterns as the WebSocket handshake ("*", "chat.example.com",
// "*.example.com"), so a page allowed to open /ws may also read /api/rooms.
//
// Credentials are only allowed for patterns without a wildcard. Disallowed
// preflights are answered with 403.
func CORS(originPatterns []string) func(http.Handler) http.Handler {
	patterns := make([]string, 0, len(originPatterns))
	for _, p := range originPatterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			patterns = append(patterns, p)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Add("Vary", "Origin")

			allowed, exact := matchOrigin(patterns, origin)
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""

			if !allowed {
				if preflight {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			if exact {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if preflight {
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.Header().Set("Access-Control-Max-Age", strconv.Itoa(preflightMaxAge))
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// matchOrigin reports whether the origin's host matches a pattern, and
// whether that pattern named the host without wildcards.
func matchOrigin(patterns []string, origin string) (allowed, exact bool) {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false, false
	}
	host := strings.ToLower(u.Host)

	for _, p := range patterns {
		if p == host {
			return true, true
		}
	}
	for _, p := range patterns {
		if ok, err := path.Match(p, host); err == nil && ok {
			return true, false
		}
	}
	return false, false
}
