package shield

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/fetchguard/dbopen"
	"github.com/hazyhaar/fetchguard/kit"
)

// DefaultEndpoint is the rule applied to endpoints without their own row.
const DefaultEndpoint = "*"

// RateLimitRule is one row of the rate_limits table.
type RateLimitRule struct {
	Endpoint      string
	MaxRequests   int
	WindowSeconds int
	Enabled       bool
}

func (r RateLimitRule) window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

type bucket struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// RateLimiter counts requests per client and endpoint in fixed windows.
// Rules live in the rate_limits table so an operator can change them on a
// running instance; StartReloader picks changes up. The client is the API key
// identity when authenticated, otherwise the peer address.
type RateLimiter struct {
	db      *sql.DB
	exclude []string
	now     func() time.Time

	mu    sync.RWMutex
	rules map[string]RateLimitRule

	buckets sync.Map // "client|endpoint" -> *bucket
}

// NewRateLimiter loads rules from db. Paths under excludePrefixes are never
// limited.
func NewRateLimiter(db *sql.DB, excludePrefixes ...string) *RateLimiter {
	rl := &RateLimiter{
		db:      db,
		exclude: excludePrefixes,
		now:     time.Now,
		rules:   make(map[string]RateLimitRule),
	}
	rl.Reload(context.Background())
	return rl
}

// SeedRule inserts or replaces a rule and reloads.
func (rl *RateLimiter) SeedRule(ctx context.Context, r RateLimitRule) error {
	if r.MaxRequests <= 0 || r.WindowSeconds <= 0 {
		return fmt.Errorf("shield: rate limit %q: max_requests and window_seconds must be > 0", r.Endpoint)
	}
	_, err := dbopen.Exec(ctx, rl.db, `
		INSERT INTO rate_limits (endpoint, max_requests, window_seconds, enabled) VALUES (?,?,?,?)
		ON CONFLICT(endpoint) DO UPDATE SET
			max_requests = excluded.max_requests,
			window_seconds = excluded.window_seconds,
			enabled = excluded.enabled`,
		r.Endpoint, r.MaxRequests, r.WindowSeconds, r.Enabled)
	if err != nil {
		return fmt.Errorf("shield: seed rate limit %q: %w", r.Endpoint, err)
	}
	rl.Reload(ctx)
	return nil
}

// Reload replaces the in-memory rules with the table contents. On error the
// previous rules stay in force.
func (rl *RateLimiter) Reload(ctx context.Context) {
	rows, err := rl.db.QueryContext(ctx, `SELECT endpoint, max_requests, window_seconds, enabled FROM rate_limits`)
	if err != nil {
		slog.Warn("ratelimit: reload failed", "error", err)
		return
	}
	defer rows.Close()

	rules := make(map[string]RateLimitRule)
	for rows.Next() {
		var r RateLimitRule
		if err := rows.Scan(&r.Endpoint, &r.MaxRequests, &r.WindowSeconds, &r.Enabled); err != nil {
			slog.Warn("ratelimit: bad rule row", "error", err)
			continue
		}
		rules[r.Endpoint] = r
	}
	if err := rows.Err(); err != nil {
		slog.Warn("ratelimit: reload failed", "error", err)
		return
	}

	rl.mu.Lock()
	rl.rules = rules
	rl.mu.Unlock()
	slog.Debug("ratelimit: rules loaded", "count", len(rules))
}

// StartReloader reloads rules every minute and drops expired buckets every
// five, until ctx is done.
func (rl *RateLimiter) StartReloader(ctx context.Context) {
	reload := time.NewTicker(time.Minute)
	gc := time.NewTicker(5 * time.Minute)
	go func() {
		defer reload.Stop()
		defer gc.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-reload.C:
				rl.Reload(ctx)
			case <-gc.C:
				rl.gc()
			}
		}
	}()
}

func (rl *RateLimiter) gc() {
	now := rl.now()
	rl.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		b.mu.Lock()
		expired := now.After(b.resetAt)
		b.mu.Unlock()
		if expired {
			rl.buckets.Delete(key)
		}
		return true
	})
}

func (rl *RateLimiter) rule(endpoint string) (RateLimitRule, bool) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if r, ok := rl.rules[endpoint]; ok {
		return r, r.Enabled
	}
	r, ok := rl.rules[DefaultEndpoint]
	return r, ok && r.Enabled
}

// allow records one request and reports whether it is within the limit,
// plus the time the current window ends.
func (rl *RateLimiter) allow(client, endpoint string) (bool, time.Time) {
	r, ok := rl.rule(endpoint)
	if !ok {
		return true, time.Time{}
	}
	now := rl.now()
	v, _ := rl.buckets.LoadOrStore(client+"|"+endpoint, &bucket{resetAt: now.Add(r.window())})
	b := v.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()
	if now.After(b.resetAt) {
		b.count = 0
		b.resetAt = now.Add(r.window())
	}
	b.count++
	return b.count <= r.MaxRequests, b.resetAt
}

// Middleware answers 429 with a JSON body and Retry-After once a client
// exceeds the rule for the requested endpoint ("METHOD /path").
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		client := kit.GetClientID(r.Context())
		if client == "" {
			client = ExtractIP(r)
		}
		endpoint := r.Method + " " + r.URL.Path
		ok, resetAt := rl.allow(client, endpoint)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		kit.Logger(r.Context()).Warn("rate limit exceeded", "client", client, "endpoint", endpoint)
		retry := max(int(resetAt.Sub(rl.now()).Seconds()+0.999), 1)
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
	})
}
