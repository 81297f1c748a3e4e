// Package history persists gesture dispatch outcomes in SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/mudra/pkg/plugin"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const (
	defaultQueueSize = 256
	defaultLimit     = 50
	maxLimit         = 1000
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("history store is closed")

// Config holds history store configuration
type Config struct {
	DBPath    string
	Logger    zerolog.Logger
	QueueSize int // buffered records awaiting insert
}

// Store is the dispatch history database. It implements plugin.Observer:
// DispatchCompleted enqueues the record and a writer goroutine inserts it,
// so dispatch never waits on disk.
type Store struct {
	plugin.NopObserver

	db     *sql.DB
	logger zerolog.Logger

	queue   chan plugin.DispatchRecord
	done    chan struct{}
	pending atomic.Int64
	dropped atomic.Int64
	mu      sync.RWMutex
	closed  bool
}

var _ plugin.Observer = (*Store)(nil)

// Open opens (or creates) the history database.
func Open(cfg Config) (*Store, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	s := &Store{
		db:     db,
		logger: cfg.Logger.With().Str("component", "history").Logger(),
		queue:  make(chan plugin.DispatchRecord, size),
		done:   make(chan struct{}),
	}
	go s.writeLoop()

	s.logger.Info().Str("path", cfg.DBPath).Msg("History store opened")
	return s, nil
}

func initSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS dispatches (
			id TEXT PRIMARY KEY,
			plugin_id TEXT NOT NULL,
			gesture TEXT NOT NULL,
			confidence REAL NOT NULL,
			success INTEGER NOT NULL,
			message TEXT NOT NULL,
			duration_ns INTEGER NOT NULL,
			at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_dispatches_at ON dispatches(at);
		CREATE INDEX IF NOT EXISTS idx_dispatches_plugin ON dispatches(plugin_id, at);
	`
	_, err := db.Exec(schema)
	return err
}

// DispatchCompleted queues rec for insertion. A full queue drops the record.
func (s *Store) DispatchCompleted(rec plugin.DispatchRecord) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	s.pending.Add(1)
	select {
	case s.queue <- rec:
	default:
		s.pending.Add(-1)
		s.dropped.Add(1)
		s.logger.Warn().Str("plugin", rec.PluginID).Msg("History queue full, dropping dispatch record")
	}
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for rec := range s.queue {
		if err := s.Record(context.Background(), rec); err != nil {
			s.logger.Error().Err(err).Str("id", rec.ID).Msg("Failed to record dispatch")
		}
		s.pending.Add(-1)
	}
}

// Record inserts rec synchronously.
func (s *Store) Record(ctx context.Context, rec plugin.DispatchRecord) error {
	if rec.ID == "" {
		return errors.New("dispatch record id is required")
	}
	success := 0
	if rec.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO dispatches (id, plugin_id, gesture, confidence, success, message, duration_ns, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.PluginID, rec.GestureName, rec.Confidence, success, rec.Message,
		rec.Duration.Nanoseconds(), rec.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert dispatch: %w", err)
	}
	return nil
}

// Query filters Recent
type Query struct {
	PluginID string
	Limit    int
}

// Recent returns the newest records first. Limit defaults to 50 and is capped at 1000.
func (s *Store) Recent(ctx context.Context, q Query) ([]plugin.DispatchRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	query := `SELECT id, plugin_id, gesture, confidence, success, message, duration_ns, at FROM dispatches`
	args := []any{}
	if q.PluginID != "" {
		query += ` WHERE plugin_id = ?`
		args = append(args, q.PluginID)
	}
	query += ` ORDER BY at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dispatches: %w", err)
	}
	defer rows.Close()

	out := []plugin.DispatchRecord{}
	for rows.Next() {
		var (
			rec        plugin.DispatchRecord
			success    int
			durationNs int64
			atNs       int64
		)
		if err := rows.Scan(&rec.ID, &rec.PluginID, &rec.GestureName, &rec.Confidence, &success, &rec.Message, &durationNs, &atNs); err != nil {
			return nil, fmt.Errorf("failed to scan dispatch: %w", err)
		}
		rec.Success = success == 1
		rec.Duration = time.Duration(durationNs)
		rec.At = time.Unix(0, atNs)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes records older than cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dispatches WHERE at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune dispatches: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debug().Int64("removed", n).Msg("Pruned dispatch history")
	}
	return n, nil
}

// Flush blocks until every queued record has been written or ctx ends.
func (s *Store) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for s.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Dropped returns how many records were discarded because the queue was full.
func (s *Store) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops the writer after draining the queue and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	return s.db.Close()
}
