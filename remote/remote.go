// Package remote is the engine's only gateway to the backend service.
//
// The Client interface covers the full RPC surface the engine consumes:
// analysis, record upsert/fetch/delete, and the usage counter. The HTTP
// implementation maps transport failures and status codes onto the fault
// taxonomy so retry decisions stay in fault.Classify.
package remote

import (
	"context"
	"time"

	"github.com/hazyhaar/scansync/recordstore"
)

// AnalyzeRequest is one ingredient-analysis submission.
type AnalyzeRequest struct {
	OwnerID  string `json:"owner_id"`
	ImageRef string `json:"image_ref"`
}

// Counter is the authoritative usage counter snapshot as the server
// reports it.
type Counter struct {
	OwnerID     string    `json:"owner_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Used        int       `json:"used"`
	Limit       int       `json:"limit"`
	IsPremium   bool      `json:"is_premium"`
}

// Client is the backend RPC surface.
type Client interface {
	// Analyze submits an image reference and returns the resulting record.
	Analyze(ctx context.Context, req AnalyzeRequest) (*recordstore.Record, error)
	// UpsertRecord creates or replaces a record by ID.
	UpsertRecord(ctx context.Context, r *recordstore.Record) error
	// FetchRecords returns all records for an owner.
	FetchRecords(ctx context.Context, ownerID string) ([]*recordstore.Record, error)
	// DeleteRecord removes a record by ID. Absent records are not an error.
	DeleteRecord(ctx context.Context, id string) error
	// GetCounter returns the owner's counter, or nil if the server has none.
	GetCounter(ctx context.Context, ownerID string) (*Counter, error)
	// IncrementCounter adds amount and returns the authoritative new state.
	IncrementCounter(ctx context.Context, ownerID string, amount int) (*Counter, error)
}
