package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/scansync/fault"
	"github.com/hazyhaar/scansync/recordstore"
	"github.com/hazyhaar/scansync/remote"
	"github.com/hazyhaar/scansync/reqqueue"
)

// Queue entry kinds. The processor routes on these.
const (
	kindAnalyze = "analyze"
	kindDelete  = "delete"
)

type analyzePayload struct {
	OwnerID  string `json:"owner_id"`
	ImageRef string `json:"image_ref"`
}

type deletePayload struct {
	OwnerID  string `json:"owner_id"`
	RecordID string `json:"record_id"`
}

func (e *Engine) enqueueAnalyze(ctx context.Context, ownerID, imageRef string) (*reqqueue.Entry, error) {
	payload, err := json.Marshal(analyzePayload{OwnerID: ownerID, ImageRef: imageRef})
	if err != nil {
		return nil, &fault.BadPayload{Op: "enqueue analyze", Cause: err}
	}
	entry := &reqqueue.Entry{Kind: kindAnalyze, Payload: payload, SourceRef: imageRef}
	if err := e.queue.Enqueue(ctx, entry); err != nil {
		return nil, fmt.Errorf("engine: enqueue analyze: %w", err)
	}
	return entry, nil
}

func (e *Engine) enqueueDelete(ctx context.Context, ownerID, recordID string) (*reqqueue.Entry, error) {
	payload, err := json.Marshal(deletePayload{OwnerID: ownerID, RecordID: recordID})
	if err != nil {
		return nil, &fault.BadPayload{Op: "enqueue delete", Cause: err}
	}
	entry := &reqqueue.Entry{Kind: kindDelete, Payload: payload, SourceRef: recordID}
	if err := e.queue.Enqueue(ctx, entry); err != nil {
		return nil, fmt.Errorf("engine: enqueue delete: %w", err)
	}
	return entry, nil
}

// handleAnalyzeEntry replays a queued submission against the remote
// service. Retries and classification are the processor's job; this
// handler performs exactly one attempt and applies the side effects on
// success: record stored and indexed, pending usage reconciled, listener
// notified.
func (e *Engine) handleAnalyzeEntry(ctx context.Context, entry *reqqueue.Entry) error {
	var p analyzePayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return &fault.BadPayload{Op: "analyze entry " + entry.ID, Cause: err}
	}
	if p.OwnerID == "" || p.ImageRef == "" {
		return &fault.BadPayload{Op: "analyze entry " + entry.ID,
			Cause: fmt.Errorf("incomplete payload %q", entry.Payload)}
	}

	rec, err := e.client.Analyze(ctx, remote.AnalyzeRequest{OwnerID: p.OwnerID, ImageRef: p.ImageRef})
	if err != nil {
		return err
	}
	if rec == nil {
		return &fault.BadPayload{Op: "analyze entry " + entry.ID,
			Cause: fmt.Errorf("empty analysis response")}
	}
	rec.OwnerID = p.OwnerID
	if rec.SourceRef == "" {
		rec.SourceRef = p.ImageRef
	}
	norm := recordstore.NormalizeRemote(rec, e.log)
	if err := e.store.Put(ctx, norm); err != nil {
		return err
	}
	if err := e.store.RefreshIndex(ctx, p.OwnerID); err != nil {
		return err
	}
	// The offline submit queued a pending usage event; confirm it now that
	// the analysis actually ran.
	if _, err := e.usage.SyncPending(ctx, p.OwnerID); err != nil {
		e.log.Warn("engine: usage sync after drain failed", "owner", p.OwnerID, "error", err)
	}
	e.notifyChanged(p.OwnerID)
	return nil
}

// handleDeleteEntry replays a queued remote deletion. The local copy was
// removed when the user deleted; only the remote side is outstanding.
func (e *Engine) handleDeleteEntry(ctx context.Context, entry *reqqueue.Entry) error {
	var p deletePayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return &fault.BadPayload{Op: "delete entry " + entry.ID, Cause: err}
	}
	if p.RecordID == "" {
		return &fault.BadPayload{Op: "delete entry " + entry.ID,
			Cause: fmt.Errorf("incomplete payload %q", entry.Payload)}
	}
	return e.client.DeleteRecord(ctx, p.RecordID)
}
