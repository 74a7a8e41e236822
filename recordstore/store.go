// Package recordstore is the local record store: the canonical on-device
// copy of analysis records, plus a per-owner cached listing index.
//
// All mutations go through this API and commit a complete transaction
// before returning, so a concurrent reader never observes a partial write.
// Remote reads/writes never touch this package directly — they go through
// the remote client and the syncer.
package recordstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hazyhaar/scansync/fault"
)

// Schema creates the records table.
const Schema = `
CREATE TABLE IF NOT EXISTS records (
	id            TEXT PRIMARY KEY,
	owner_id      TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	ingredients   TEXT NOT NULL DEFAULT '[]',
	verdict       TEXT NOT NULL DEFAULT 'uncertain',
	confidence    REAL NOT NULL DEFAULT 0,
	flagged       TEXT NOT NULL DEFAULT '[]',
	explanation   TEXT NOT NULL DEFAULT '',
	is_favorite   INTEGER NOT NULL DEFAULT 0,
	is_persisted  INTEGER NOT NULL DEFAULT 0,
	source_ref    TEXT NOT NULL DEFAULT '',
	last_modified INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_owner ON records (owner_id, is_persisted, last_modified);
`

// Store wraps the records database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu    sync.RWMutex
	index map[string][]*Record // ownerID → visible records, newest first
}

// NewStore creates a Store from an already-opened database connection.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger, index: make(map[string][]*Record)}
}

// EnsureTable creates the records schema if missing.
func (s *Store) EnsureTable(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return &fault.Persistence{Op: "recordstore ensure table", Cause: err}
	}
	return nil
}

// Put inserts or replaces a record by ID.
func (s *Store) Put(ctx context.Context, r *Record) error {
	if r.ID == "" {
		return &fault.BadPayload{Op: "put record", Cause: errors.New("empty id")}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.LastModified.IsZero() {
		r.LastModified = r.CreatedAt
	}
	ingredients, err := json.Marshal(emptyIfNil(r.Ingredients))
	if err != nil {
		return &fault.BadPayload{Op: "put record", Cause: err}
	}
	flagged, err := json.Marshal(emptyIfNil(r.Analysis.FlaggedIngredients))
	if err != nil {
		return &fault.BadPayload{Op: "put record", Cause: err}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (id, owner_id, created_at, ingredients, verdict, confidence,
			flagged, explanation, is_favorite, is_persisted, source_ref, last_modified)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id=excluded.owner_id, created_at=excluded.created_at,
			ingredients=excluded.ingredients, verdict=excluded.verdict,
			confidence=excluded.confidence, flagged=excluded.flagged,
			explanation=excluded.explanation, is_favorite=excluded.is_favorite,
			is_persisted=excluded.is_persisted, source_ref=excluded.source_ref,
			last_modified=excluded.last_modified`,
		r.ID, r.OwnerID, r.CreatedAt.UnixMilli(), string(ingredients), string(r.Analysis.Verdict),
		r.Analysis.Confidence, string(flagged), r.Analysis.Explanation,
		r.IsFavorite, r.IsPersisted, r.SourceRef, r.LastModified.UnixMilli(),
	)
	if err != nil {
		return &fault.Persistence{Op: "put record", Cause: err}
	}
	return nil
}

// Get retrieves a record by ID, or nil if absent.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectCols+` FROM records WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &fault.Persistence{Op: "get record", Cause: err}
	}
	return r, nil
}

// Delete removes a record by ID. Deleting an absent record is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
		return &fault.Persistence{Op: "delete record", Cause: err}
	}
	return nil
}

// ListByOwner returns every record for the owner (drafts included), in
// insertion order.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		selectCols+` FROM records WHERE owner_id = ? ORDER BY rowid ASC`, ownerID)
	if err != nil {
		return nil, &fault.Persistence{Op: "list records", Cause: err}
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, &fault.Persistence{Op: "scan record", Cause: err}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// SetFavorite toggles the favorite flag and bumps last_modified so the
// change wins LWW against stale remote copies.
func (s *Store) SetFavorite(ctx context.Context, id string, fav bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET is_favorite = ?, last_modified = ? WHERE id = ?`,
		fav, time.Now().UnixMilli(), id)
	if err != nil {
		return &fault.Persistence{Op: "set favorite", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &fault.BadPayload{Op: "set favorite", Cause: fmt.Errorf("no record %s", id)}
	}
	return nil
}

// RefreshIndex recomputes the owner's cached visible listing from the full
// store: is_persisted only, last_modified descending, stable on ties by
// insertion order.
func (s *Store) RefreshIndex(ctx context.Context, ownerID string) error {
	all, err := s.ListByOwner(ctx, ownerID)
	if err != nil {
		return err
	}
	visible := make([]*Record, 0, len(all))
	for _, r := range all {
		if r.IsPersisted {
			visible = append(visible, r)
		}
	}
	// ListByOwner yields insertion order; a stable sort preserves it on ties.
	sort.SliceStable(visible, func(i, j int) bool {
		return visible[i].LastModified.After(visible[j].LastModified)
	})

	s.mu.Lock()
	s.index[ownerID] = visible
	s.mu.Unlock()
	return nil
}

// VisibleRecords returns the cached listing for the owner. The first call
// for an owner populates the cache from the store.
func (s *Store) VisibleRecords(ctx context.Context, ownerID string) ([]*Record, error) {
	s.mu.RLock()
	cached, ok := s.index[ownerID]
	s.mu.RUnlock()
	if !ok {
		if err := s.RefreshIndex(ctx, ownerID); err != nil {
			return nil, err
		}
		s.mu.RLock()
		cached = s.index[ownerID]
		s.mu.RUnlock()
	}
	out := make([]*Record, len(cached))
	for i, r := range cached {
		out[i] = r.Clone()
	}
	return out, nil
}

const selectCols = `SELECT id, owner_id, created_at, ingredients, verdict, confidence,
	flagged, explanation, is_favorite, is_persisted, source_ref, last_modified`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var r Record
	var createdAt, lastModified int64
	var ingredients, verdict, flagged string
	if err := s.Scan(&r.ID, &r.OwnerID, &createdAt, &ingredients, &verdict, &r.Analysis.Confidence,
		&flagged, &r.Analysis.Explanation, &r.IsFavorite, &r.IsPersisted, &r.SourceRef, &lastModified); err != nil {
		return nil, err
	}
	r.CreatedAt = time.UnixMilli(createdAt)
	r.LastModified = time.UnixMilli(lastModified)
	r.Analysis.Verdict = Verdict(verdict)
	if err := json.Unmarshal([]byte(ingredients), &r.Ingredients); err != nil {
		return nil, fmt.Errorf("decode ingredients: %w", err)
	}
	if err := json.Unmarshal([]byte(flagged), &r.Analysis.FlaggedIngredients); err != nil {
		return nil, fmt.Errorf("decode flagged: %w", err)
	}
	return &r, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
