// Package statlog persists scheduler statistics snapshots to a small
// SQLite database so a restarted process can report historical
// attempted/cancelled/failed counts across quiescent intervals, without
// changing the scheduler's own in-memory clear_for_tests semantics.
package statlog

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/MeKo-Tech/tilescheduler/internal/scheduler"
	_ "modernc.org/sqlite" // SQLite driver
)

// Log writes point-in-time scheduler statistics snapshots to a SQLite
// database. The zero value is not usable; construct with Open.
type Log struct {
	db *sql.DB
}

// Open creates or opens the statistics database at path and ensures its
// schema exists.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("statlog: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("statlog: set pragma %q: %w", pragma, err)
		}
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("statlog: create schema: %w", err)
	}

	return &Log{db: db}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS stat_snapshots (
			recorded_at       INTEGER NOT NULL,
			attempted         INTEGER NOT NULL,
			active            INTEGER NOT NULL,
			cancelled         INTEGER NOT NULL,
			cancelled_active  INTEGER NOT NULL,
			failed            INTEGER NOT NULL,
			active_ever       INTEGER NOT NULL,
			last_active_count INTEGER NOT NULL
		);
	`
	_, err := db.Exec(schema)
	return err
}

// Record inserts a single statistics snapshot, timestamped at now.
func (l *Log) Record(now time.Time, stats scheduler.Stats) error {
	_, err := l.db.Exec(
		`INSERT INTO stat_snapshots
			(recorded_at, attempted, active, cancelled, cancelled_active, failed, active_ever, last_active_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		now.Unix(), stats.Attempted, stats.Active, stats.Cancelled,
		stats.CancelledActive, stats.Failed, stats.ActiveEver, stats.LastActiveCount,
	)
	if err != nil {
		return fmt.Errorf("statlog: insert snapshot: %w", err)
	}
	return nil
}

// Snapshot is one historical row read back from the log.
type Snapshot struct {
	RecordedAt time.Time
	Stats      scheduler.Stats
}

// Recent returns the n most recent snapshots, most recent first.
func (l *Log) Recent(n int) ([]Snapshot, error) {
	rows, err := l.db.Query(
		`SELECT recorded_at, attempted, active, cancelled, cancelled_active, failed, active_ever, last_active_count
		 FROM stat_snapshots ORDER BY recorded_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("statlog: query snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var unixSec int64
		var s scheduler.Stats
		if err := rows.Scan(&unixSec, &s.Attempted, &s.Active, &s.Cancelled,
			&s.CancelledActive, &s.Failed, &s.ActiveEver, &s.LastActiveCount); err != nil {
			return nil, fmt.Errorf("statlog: scan snapshot: %w", err)
		}
		out = append(out, Snapshot{RecordedAt: time.Unix(unixSec, 0), Stats: s})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statlog: iterate snapshots: %w", err)
	}
	return out, nil
}

// Close releases the underlying database handle.
func (l *Log) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("statlog: close database: %w", err)
	}
	return nil
}

// PeriodicFlusher periodically records a Stats snapshot without resetting
// the scheduler's live counters, addressing the statistics-drift open
// question for a scheduler that never quiesces (spec.md §9) without
// changing clear_for_tests semantics.
type PeriodicFlusher struct {
	log      *Log
	sched    *scheduler.Scheduler
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewPeriodicFlusher constructs a flusher that records sched's statistics
// into log every interval, until Stop is called.
func NewPeriodicFlusher(log *Log, sched *scheduler.Scheduler, interval time.Duration) *PeriodicFlusher {
	return &PeriodicFlusher{
		log:      log,
		sched:    sched,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the periodic flush loop in its own goroutine.
func (f *PeriodicFlusher) Start() {
	go func() {
		defer close(f.done)
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-f.stop:
				return
			case now := <-ticker.C:
				_ = f.log.Record(now, f.sched.Stats())
			}
		}
	}()
}

// Stop halts the flush loop and waits for it to exit.
func (f *PeriodicFlusher) Stop() {
	close(f.stop)
	<-f.done
}
