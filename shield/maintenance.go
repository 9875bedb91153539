package shield

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/fetchguard/dbopen"
)

const defaultMaintenanceMessage = "fetchguard is draining; retry shortly"

// MaintenanceMode drains an instance: while the flag in the maintenance
// table is set, every request outside the excluded prefixes gets 503 so a
// load balancer moves traffic elsewhere. The flag is cached in memory and
// refreshed by StartReloader.
type MaintenanceMode struct {
	db      *sql.DB
	exclude []string
	active  atomic.Bool
	message atomic.Value // string
}

// NewMaintenanceMode reads the current flag from db.
func NewMaintenanceMode(db *sql.DB, excludePrefixes ...string) *MaintenanceMode {
	m := &MaintenanceMode{db: db, exclude: excludePrefixes}
	m.message.Store(defaultMaintenanceMessage)
	m.Reload(context.Background())
	return m
}

// Active reports whether the instance is draining.
func (m *MaintenanceMode) Active() bool { return m.active.Load() }

// Message returns the reason reported to clients while draining.
func (m *MaintenanceMode) Message() string {
	s, _ := m.message.Load().(string)
	return s
}

// Set persists the flag and applies it immediately.
func (m *MaintenanceMode) Set(ctx context.Context, active bool, message string) error {
	if message == "" {
		message = defaultMaintenanceMessage
	}
	_, err := dbopen.Exec(ctx, m.db, `
		INSERT INTO maintenance (id, active, message) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET active = excluded.active, message = excluded.message`,
		active, message)
	if err != nil {
		return fmt.Errorf("shield: set maintenance: %w", err)
	}
	m.Reload(ctx)
	return nil
}

// Reload refreshes the cached flag. A missing row means not draining.
func (m *MaintenanceMode) Reload(ctx context.Context) {
	var (
		active  bool
		message string
	)
	err := m.db.QueryRowContext(ctx, `SELECT active, message FROM maintenance WHERE id = 1`).Scan(&active, &message)
	if err != nil {
		active = false
	}
	if message != "" {
		m.message.Store(message)
	}
	if was := m.active.Swap(active); was != active {
		if active {
			slog.Warn("maintenance: draining", "message", message)
		} else {
			slog.Info("maintenance: serving")
		}
	}
}

// StartReloader refreshes the flag every 5 seconds until ctx is done.
func (m *MaintenanceMode) StartReloader(ctx context.Context) {
	tick := time.NewTicker(5 * time.Second)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				m.Reload(ctx)
			}
		}
	}()
}

// Middleware answers 503 with Retry-After while draining.
func (m *MaintenanceMode) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.active.Load() {
			next.ServeHTTP(w, r)
			return
		}
		for _, prefix := range m.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "maintenance", m.Message())
	})
}
