package auth

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
)

// Middleware checks the API key on every request except skipPaths. An empty
// apiKey disables the key check. limiter may be nil.
func Middleware(apiKey string, skipPaths []string, limiter *Limiter) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			client := ClientIP(r)

			if limiter != nil {
				if wait := limiter.Blocked(client); wait > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
					writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many failed authentication attempts. Try again later.")
					return
				}
				if !limiter.Allow(client) {
					w.Header().Set("Retry-After", "1")
					writeError(w, http.StatusTooManyRequests, "rate_limited", "Rate limit exceeded. Try again later.")
					return
				}
			}

			if apiKey != "" {
				if !ValidateKey(KeyFromRequest(r), apiKey) {
					if limiter != nil {
						limiter.Failure(client)
					}
					writeError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid API key")
					return
				}
				if limiter != nil {
					limiter.Success(client)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}
