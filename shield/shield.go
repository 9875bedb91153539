// Package shield holds the HTTP middleware that sits in front of the
// fetchguard proxy: request tracing, security headers, request body limits,
// API-key authentication, SQLite-backed rate limiting and maintenance mode.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultStack(mm, rl) {
//	    r.Use(mw)
//	}
//	r.With(shield.APIKey(hashes)).Get("/api/fetches", ...)
package shield

import (
	"encoding/json"
	"net/http"
)

// MaxRequestBody caps inbound request bodies. The JSON API carries a URL
// and three integers; nothing legitimate comes close.
const MaxRequestBody = 64 << 10

// DefaultStack returns the middleware applied to every route, outermost
// first: HeadToGet, SecurityHeaders, MaxBody, TraceID, maintenance, then
// rate limiting. Nil components are skipped.
func DefaultStack(mm *MaintenanceMode, rl *RateLimiter) []func(http.Handler) http.Handler {
	stack := []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(MaxRequestBody),
		TraceID,
	}
	if mm != nil {
		stack = append(stack, mm.Middleware)
	}
	if rl != nil {
		stack = append(stack, rl.Middleware)
	}
	return stack
}

// writeError writes the JSON error body shared by every shield rejection.
func writeError(w http.ResponseWriter, status int, kind, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": kind, "reason": reason})
}
