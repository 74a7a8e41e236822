// Package reqqueue implements the durable request queue backed by SQLite.
//
// Entries are outbound operations that could not complete synchronously
// (device offline). The queue is strict FIFO with a single consumer: the
// processor peeks the oldest entry, executes it, and removes it on success
// or terminal failure. A retried entry keeps its head position until it is
// permanently resolved.
//
// Every mutation commits one transaction, so a crash mid-write can never
// leave a partially applied queue visible at restart. An unreadable table
// at load time is reset to empty — data loss is preferred over
// crash-looping (see Recover).
//
// Schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS request_queue (
//	    id          TEXT PRIMARY KEY,
//	    kind        TEXT NOT NULL,
//	    payload     BLOB,
//	    source_ref  TEXT NOT NULL DEFAULT '',
//	    created_at  INTEGER NOT NULL,             -- milliseconds since epoch
//	    attempts    INTEGER NOT NULL DEFAULT 0
//	);
package reqqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/scansync/idgen"
)

// Entry is one pending outbound operation.
type Entry struct {
	ID        string
	Kind      string
	Payload   []byte
	SourceRef string
	CreatedAt time.Time
	Attempts  int
}

// Options configures queue behaviour.
type Options struct {
	// NewID overrides the entry ID generator. Default: idgen "job_" prefix.
	NewID idgen.Generator
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.NewID == nil {
		o.NewID = idgen.Prefixed("job_", idgen.Default)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Queue is the durable queue handle.
type Queue struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable (and usually Recover) once
// at startup.
func New(db *sql.DB, opts Options) *Queue {
	opts.defaults()
	return &Queue{db: db, opts: opts}
}

// EnsureTable creates the request_queue table if it doesn't exist.
func (q *Queue) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS request_queue (
			id          TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			payload     BLOB,
			source_ref  TEXT NOT NULL DEFAULT '',
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_request_queue_order ON request_queue (created_at);
	`)
	if err != nil {
		return fmt.Errorf("reqqueue: ensure table: %w", err)
	}
	return nil
}

// Recover verifies the persisted queue is readable. If a scan fails the
// table is dropped and recreated empty, with the loss logged — the queue
// must never block startup. The returned bool reports whether a reset
// happened, so the caller can record the data loss.
func (q *Queue) Recover(ctx context.Context) (bool, error) {
	_, err := q.ListAll(ctx)
	if err == nil {
		return false, nil
	}
	q.opts.Logger.Warn("reqqueue: persisted queue unreadable, resetting to empty", "error", err)
	if _, err := q.db.ExecContext(ctx, `DROP TABLE IF EXISTS request_queue`); err != nil {
		return false, fmt.Errorf("reqqueue: drop corrupt table: %w", err)
	}
	return true, q.EnsureTable(ctx)
}

// Enqueue appends an entry. A zero ID or CreatedAt is filled in. The insert
// is a single transaction — the persisted queue is always self-consistent.
func (q *Queue) Enqueue(ctx context.Context, e *Entry) error {
	if e.Kind == "" {
		return fmt.Errorf("reqqueue: enqueue: empty kind")
	}
	if e.ID == "" {
		e.ID = q.opts.NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO request_queue (id, kind, payload, source_ref, created_at, attempts)
		 VALUES (?,?,?,?,?,?)`,
		e.ID, e.Kind, e.Payload, e.SourceRef, e.CreatedAt.UnixMilli(), e.Attempts,
	)
	if err != nil {
		return fmt.Errorf("reqqueue: enqueue: %w", err)
	}
	return nil
}

// PeekOldest returns the head entry without removing it, or nil if the
// queue is empty.
func (q *Queue) PeekOldest(ctx context.Context) (*Entry, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, kind, payload, source_ref, created_at, attempts
		FROM request_queue
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1`)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reqqueue: peek: %w", err)
	}
	return e, nil
}

// Remove deletes an entry by ID after it has been processed (or dropped).
func (q *Queue) Remove(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM request_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("reqqueue: remove: %w", err)
	}
	return nil
}

// RemoveOldest deletes the head entry. No-op on an empty queue.
func (q *Queue) RemoveOldest(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		DELETE FROM request_queue WHERE id = (
			SELECT id FROM request_queue ORDER BY created_at ASC, rowid ASC LIMIT 1
		)`)
	if err != nil {
		return fmt.Errorf("reqqueue: remove oldest: %w", err)
	}
	return nil
}

// BumpAttempts increments the attempt counter for an entry. Only the
// processor calls this.
func (q *Queue) BumpAttempts(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE request_queue SET attempts = attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("reqqueue: bump attempts: %w", err)
	}
	return nil
}

// ListAll returns every entry in FIFO order, for diagnostics.
func (q *Queue) ListAll(ctx context.Context) ([]*Entry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, kind, payload, source_ref, created_at, attempts
		FROM request_queue
		ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("reqqueue: list: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("reqqueue: list scan: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Len returns the number of queued entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM request_queue`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("reqqueue: len: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var e Entry
	var createdAt int64
	if err := s.Scan(&e.ID, &e.Kind, &e.Payload, &e.SourceRef, &createdAt, &e.Attempts); err != nil {
		return nil, err
	}
	e.CreatedAt = time.UnixMilli(createdAt)
	return &e, nil
}
