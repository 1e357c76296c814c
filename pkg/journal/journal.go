// Package journal persists a record of resolved calls to SQLite so that
// traffic can be inspected after the fact.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/odvcencio/cdpmux/pkg/observability"
)

//go:embed schema.sql
var schemaSQL string

const (
	queueSize = 1024
	batchSize = 64
)

// Entry is one journaled call.
type Entry struct {
	GlobalID   int64     `json:"global_id"`
	ClientID   string    `json:"client_id"`
	ClientKind string    `json:"client_kind"`
	Method     string    `json:"method"`
	Outcome    string    `json:"outcome"`
	DurationMS float64   `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Journal writes call records to SQLite off the resolution path. Record
// never blocks; entries are dropped when the queue is full.
type Journal struct {
	db  *sql.DB
	log *observability.Logger

	queue chan Entry
	stop  chan struct{}
	done  chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
}

// Open opens or creates the journal database at the given path or DSN.
func Open(dbPath string, log *observability.Logger) (*Journal, error) {
	if filePath, onDisk := sqliteFilePathFromDSN(dbPath); onDisk {
		if dir := filepath.Dir(filePath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		if err := ensurePrivateSQLiteFile(filePath); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports one writer at a time, but multiple readers with WAL mode
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(0)

	if _, onDisk := sqliteFilePathFromDSN(dbPath); !onDisk {
		// Every new connection to :memory: opens a fresh empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	j := &Journal{
		db:    db,
		log:   log,
		queue: make(chan Entry, queueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go j.writer()

	return j, nil
}

// Record queues an entry for persistence. Safe to call from resolution
// goroutines; drops the entry rather than blocking when the queue is full.
func (j *Journal) Record(e Entry) {
	if j.closed.Load() {
		return
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	select {
	case j.queue <- e:
	default:
		observability.JournalDrops.Inc()
	}
}

// DB exposes the underlying database handle.
func (j *Journal) DB() *sql.DB {
	return j.db
}

// Close flushes queued entries and closes the database.
func (j *Journal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		j.closed.Store(true)
		close(j.stop)
		<-j.done
		err = j.db.Close()
	})
	return err
}

func (j *Journal) writer() {
	defer close(j.done)
	for {
		select {
		case e := <-j.queue:
			j.flush(e)
		case <-j.stop:
			for {
				select {
				case e := <-j.queue:
					j.flush(e)
				default:
					return
				}
			}
		}
	}
}

// flush writes the given entry plus anything else already queued in a
// single transaction.
func (j *Journal) flush(first Entry) {
	batch := []Entry{first}
fill:
	for len(batch) < batchSize {
		select {
		case e := <-j.queue:
			batch = append(batch, e)
		default:
			break fill
		}
	}

	tx, err := j.db.Begin()
	if err != nil {
		observability.JournalDrops.Add(float64(len(batch)))
		j.log.Warn("journal transaction failed", "error", err)
		return
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO calls (global_id, client_id, client_kind, method, outcome, duration_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		observability.JournalDrops.Add(float64(len(batch)))
		j.log.Warn("journal prepare failed", "error", err)
		return
	}
	defer stmt.Close()

	for _, e := range batch {
		if _, err := stmt.Exec(e.GlobalID, e.ClientID, e.ClientKind, e.Method, e.Outcome, e.DurationMS, e.Error, e.CreatedAt); err != nil {
			observability.JournalDrops.Add(float64(len(batch)))
			j.log.Warn("journal insert failed", "error", err)
			return
		}
	}

	if err := tx.Commit(); err != nil {
		observability.JournalDrops.Add(float64(len(batch)))
		j.log.Warn("journal commit failed", "error", err)
		return
	}
	observability.JournalWrites.Add(float64(len(batch)))
}

// OutcomeStat aggregates calls sharing an outcome.
type OutcomeStat struct {
	Outcome       string  `json:"outcome"`
	Calls         int64   `json:"calls"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// MethodStat aggregates calls sharing a method.
type MethodStat struct {
	Method        string  `json:"method"`
	Calls         int64   `json:"calls"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// Summary describes journaled traffic in aggregate.
type Summary struct {
	TotalCalls int64         `json:"total_calls"`
	Outcomes   []OutcomeStat `json:"outcomes"`
	TopMethods []MethodStat  `json:"top_methods"`
}

// Summarize reports per-outcome and per-method aggregates.
func (j *Journal) Summarize(ctx context.Context) (Summary, error) {
	var sum Summary

	rows, err := j.db.QueryContext(ctx, `
		SELECT outcome, COUNT(*), AVG(duration_ms)
		FROM calls
		GROUP BY outcome
		ORDER BY COUNT(*) DESC
	`)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st OutcomeStat
		var avg sql.NullFloat64
		if err := rows.Scan(&st.Outcome, &st.Calls, &avg); err != nil {
			return Summary{}, fmt.Errorf("failed to scan outcome row: %w", err)
		}
		st.AvgDurationMS = avg.Float64
		sum.Outcomes = append(sum.Outcomes, st)
		sum.TotalCalls += st.Calls
	}
	if err := rows.Err(); err != nil {
		return Summary{}, err
	}

	methodRows, err := j.db.QueryContext(ctx, `
		SELECT method, COUNT(*), AVG(duration_ms)
		FROM calls
		GROUP BY method
		ORDER BY COUNT(*) DESC
		LIMIT 10
	`)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to query methods: %w", err)
	}
	defer methodRows.Close()

	for methodRows.Next() {
		var st MethodStat
		var avg sql.NullFloat64
		if err := methodRows.Scan(&st.Method, &st.Calls, &avg); err != nil {
			return Summary{}, fmt.Errorf("failed to scan method row: %w", err)
		}
		st.AvgDurationMS = avg.Float64
		sum.TopMethods = append(sum.TopMethods, st)
	}
	if err := methodRows.Err(); err != nil {
		return Summary{}, err
	}

	return sum, nil
}

// RecentCalls returns the newest entries, most recent first.
func (j *Journal) RecentCalls(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT global_id, client_id, client_kind, method, outcome, duration_ms, error, created_at
		FROM calls
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent calls: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.GlobalID, &e.ClientID, &e.ClientKind, &e.Method, &e.Outcome, &e.DurationMS, &e.Error, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan call row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func sqliteFilePathFromDSN(dsn string) (string, bool) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || dsn == ":memory:" {
		return "", false
	}
	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil || !strings.EqualFold(strings.TrimSpace(u.Scheme), "file") {
			return "", false
		}
		path := strings.TrimSpace(u.Path)
		if path == "" {
			path = strings.TrimSpace(u.Opaque)
		}
		if path == "" || path == ":memory:" {
			return "", false
		}
		return path, true
	}
	if strings.Contains(dsn, "://") {
		return "", false
	}
	return dsn, true
}

func ensurePrivateSQLiteFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("db path cannot be empty")
	}

	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat db path: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return fmt.Errorf("create db file: %w", err)
	}
	return f.Close()
}
