// Package audit records domain-level events (dropped queue entries, sync
// failures, usage reconciliation) in SQLite for later inspection.
//
// Logging is non-blocking by contract: a failing audit store is reported
// via slog but never propagates, so observability can never block the
// engine itself.
//
// Schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS audit_events (
//	    event_id   TEXT PRIMARY KEY,
//	    event_type TEXT NOT NULL,
//	    owner_id   TEXT NOT NULL DEFAULT '',
//	    entity_id  TEXT NOT NULL DEFAULT '',
//	    detail     TEXT NOT NULL DEFAULT '',
//	    success    INTEGER NOT NULL DEFAULT 0,
//	    created_at INTEGER NOT NULL
//	);
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/scansync/idgen"
)

// Event types recorded by the engine.
const (
	EventEntryDropped    = "entry_dropped"
	EventQueueReset      = "queue_reset"
	EventSyncPushFailed  = "sync_push_failed"
	EventSyncCompleted   = "sync_completed"
	EventUsageReconciled = "usage_reconciled"
)

// Event is one domain-level occurrence worth keeping.
type Event struct {
	Type     string
	OwnerID  string
	EntityID string
	Detail   string
	Success  bool
}

// Logger writes audit events.
type Logger struct {
	db    *sql.DB
	newID idgen.Generator
	log   *slog.Logger
}

// NewLogger creates a Logger backed by the given database.
func NewLogger(db *sql.DB, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{db: db, newID: idgen.Prefixed("evt_", idgen.Default), log: logger}
}

// EnsureTable creates the audit_events table if missing.
func (l *Logger) EnsureTable(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_events (
			event_id   TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			owner_id   TEXT NOT NULL DEFAULT '',
			entity_id  TEXT NOT NULL DEFAULT '',
			detail     TEXT NOT NULL DEFAULT '',
			success    INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_events (created_at);
	`)
	if err != nil {
		return fmt.Errorf("audit: ensure table: %w", err)
	}
	return nil
}

// LogEvent records an event. Errors are logged, never returned.
func (l *Logger) LogEvent(ctx context.Context, e Event) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_events (event_id, event_type, owner_id, entity_id, detail, success, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		l.newID(), e.Type, e.OwnerID, e.EntityID, e.Detail, e.Success, time.Now().UnixMilli())
	if err != nil {
		l.log.Error("audit: event write failed", "error", err, "event_type", e.Type)
	}
}

// Recent returns up to limit events, newest first, for diagnostics.
func (l *Logger) Recent(ctx context.Context, limit int) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_type, owner_id, entity_id, detail, success
		FROM audit_events ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: recent: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.Type, &e.OwnerID, &e.EntityID, &e.Detail, &e.Success); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Cleanup deletes events older than the retention window.
func (l *Logger) Cleanup(ctx context.Context, retention time.Duration) error {
	cutoff := time.Now().Add(-retention).UnixMilli()
	if _, err := l.db.ExecContext(ctx,
		`DELETE FROM audit_events WHERE created_at < ?`, cutoff); err != nil {
		return fmt.Errorf("audit: cleanup: %w", err)
	}
	return nil
}
