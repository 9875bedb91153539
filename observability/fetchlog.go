// Package observability records every fetch fetchguard performs in SQLite
// and answers the admin queries built on that record.
//
// Writes are asynchronous: Record appends to an in-memory buffer that a
// background goroutine flushes in batches. When the buffer is full, entries
// are dropped and counted rather than slowing down the fetch path.
package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/fetchguard/dbopen"
	"github.com/hazyhaar/fetchguard/idgen"
)

// Entry is one row of the fetch log.
type Entry struct {
	ID         string    `json:"id"`
	TraceID    string    `json:"trace_id,omitempty"`
	Client     string    `json:"client,omitempty"`
	Transport  string    `json:"transport,omitempty"`
	URL        string    `json:"url"`
	FinalURL   string    `json:"final_url,omitempty"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	Status     int       `json:"status,omitempty"`
	Bytes      int       `json:"bytes"`
	Hops       int       `json:"hops"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// FetchLog buffers entries and persists them in batches.
type FetchLog struct {
	db            *sql.DB
	newID         idgen.Generator
	batchSize     int
	maxBuffered   int
	flushInterval time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	buffer  []Entry
	dropped atomic.Int64

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Option configures a FetchLog.
type Option func(*FetchLog)

// WithBatchSize sets how many entries trigger an early flush.
func WithBatchSize(n int) Option { return func(l *FetchLog) { l.batchSize = n } }

// WithFlushInterval sets the periodic flush interval.
func WithFlushInterval(d time.Duration) Option { return func(l *FetchLog) { l.flushInterval = d } }

// WithMaxBuffered caps the number of unflushed entries held in memory.
func WithMaxBuffered(n int) Option { return func(l *FetchLog) { l.maxBuffered = n } }

// WithIDGenerator overrides the row ID generator.
func WithIDGenerator(g idgen.Generator) Option { return func(l *FetchLog) { l.newID = g } }

// WithLogger sets the logger for persistence errors.
func WithLogger(lg *slog.Logger) Option { return func(l *FetchLog) { l.logger = lg } }

// NewFetchLog starts a FetchLog on db. The schema must already be applied.
// Close must be called to flush the tail of the buffer.
func NewFetchLog(db *sql.DB, opts ...Option) *FetchLog {
	l := &FetchLog{
		db:            db,
		newID:         idgen.Fetch,
		batchSize:     100,
		flushInterval: 2 * time.Second,
		logger:        slog.Default(),
		kick:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	if l.maxBuffered < l.batchSize {
		l.maxBuffered = 10 * l.batchSize
	}
	l.buffer = make([]Entry, 0, l.batchSize)
	go l.flushLoop()
	return l
}

// Record queues e. It never blocks on the database.
func (l *FetchLog) Record(e Entry) {
	if e.ID == "" {
		e.ID = l.newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	l.mu.Lock()
	if len(l.buffer) >= l.maxBuffered {
		l.mu.Unlock()
		l.dropped.Add(1)
		return
	}
	l.buffer = append(l.buffer, e)
	full := len(l.buffer) >= l.batchSize
	l.mu.Unlock()

	if full {
		select {
		case l.kick <- struct{}{}:
		default:
		}
	}
}

// Dropped returns the number of entries discarded because the buffer was full.
func (l *FetchLog) Dropped() int64 { return l.dropped.Load() }

// Flush writes every buffered entry now.
func (l *FetchLog) Flush(ctx context.Context) error {
	l.mu.Lock()
	batch := l.buffer
	l.buffer = make([]Entry, 0, l.batchSize)
	l.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	err := dbopen.RunTx(ctx, l.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO fetch_log (
				id, trace_id, client, transport, url, final_url, outcome, reason,
				status, bytes, hops, remote_addr, duration_ms, created_at
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range batch {
			if _, err := stmt.ExecContext(ctx,
				e.ID, e.TraceID, e.Client, e.Transport, e.URL, e.FinalURL, e.Outcome, e.Reason,
				e.Status, e.Bytes, e.Hops, e.RemoteAddr, e.DurationMs, e.CreatedAt.UnixMilli(),
			); err != nil {
				return fmt.Errorf("insert %s: %w", e.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("observability: flush %d entries: %w", len(batch), err)
	}
	return nil
}

// Close flushes the remaining entries and stops the background goroutine.
func (l *FetchLog) Close() error {
	l.once.Do(func() { close(l.stop) })
	<-l.done
	if n := l.dropped.Load(); n > 0 {
		l.logger.Warn("fetch log dropped entries", "count", n)
	}
	return nil
}

func (l *FetchLog) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			l.flush()
			return
		case <-ticker.C:
			l.flush()
		case <-l.kick:
			l.flush()
		}
	}
}

func (l *FetchLog) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.Flush(ctx); err != nil {
		l.logger.Error("fetch log flush failed", "error", err)
	}
}

// Recent returns up to limit entries, newest first.
func (l *FetchLog) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, trace_id, client, transport, url, final_url, outcome, reason,
		       status, bytes, hops, remote_addr, duration_ms, created_at
		FROM fetch_log ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("observability: recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var created int64
		if err := rows.Scan(&e.ID, &e.TraceID, &e.Client, &e.Transport, &e.URL, &e.FinalURL,
			&e.Outcome, &e.Reason, &e.Status, &e.Bytes, &e.Hops, &e.RemoteAddr,
			&e.DurationMs, &created); err != nil {
			return nil, fmt.Errorf("observability: scan: %w", err)
		}
		e.CreatedAt = time.UnixMilli(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats summarises the fetch log since a point in time.
type Stats struct {
	Since         time.Time      `json:"since"`
	Total         int            `json:"total"`
	ByOutcome     map[string]int `json:"by_outcome"`
	Bytes         int64          `json:"bytes"`
	AvgDurationMs float64        `json:"avg_duration_ms"`
}

// Stats counts entries created at or after since, per outcome.
func (l *FetchLog) Stats(ctx context.Context, since time.Time) (Stats, error) {
	s := Stats{Since: since, ByOutcome: make(map[string]int)}
	rows, err := l.db.QueryContext(ctx, `
		SELECT outcome, COUNT(*), COALESCE(SUM(bytes), 0), COALESCE(SUM(duration_ms), 0)
		FROM fetch_log WHERE created_at >= ? GROUP BY outcome`, since.UnixMilli())
	if err != nil {
		return s, fmt.Errorf("observability: stats: %w", err)
	}
	defer rows.Close()

	var totalMs int64
	for rows.Next() {
		var (
			outcome string
			n       int
			bytes   int64
			ms      int64
		)
		if err := rows.Scan(&outcome, &n, &bytes, &ms); err != nil {
			return s, fmt.Errorf("observability: scan stats: %w", err)
		}
		s.ByOutcome[outcome] = n
		s.Total += n
		s.Bytes += bytes
		totalMs += ms
	}
	if s.Total > 0 {
		s.AvgDurationMs = float64(totalMs) / float64(s.Total)
	}
	return s, rows.Err()
}

// Cleanup deletes entries older than retention and returns how many went.
func (l *FetchLog) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := dbopen.Exec(ctx, l.db, `DELETE FROM fetch_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// RunRetention calls Cleanup every interval until ctx is done.
func (l *FetchLog) RunRetention(ctx context.Context, interval, retention time.Duration) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.Cleanup(ctx, retention)
			if err != nil {
				l.logger.Error("fetch log retention failed", "error", err)
				continue
			}
			if n > 0 {
				l.logger.Info("fetch log retention", "deleted", n)
			}
		}
	}
}
