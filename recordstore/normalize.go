package recordstore

import (
	"log/slog"
	"time"
)

// NormalizeRemote coerces a record received from the remote service into a
// well-formed local record. A partially shaped remote payload must never
// abort a merge, so every malformed or missing sub-field falls back to a
// safe default, with the coercion logged.
//
// Default table:
//
//	verdict       invalid/empty → "uncertain"
//	confidence    outside [0,1] → clamped
//	ingredients   nil           → []
//	flagged       nil           → []
//	created_at    zero          → last_modified, else now
//	last_modified zero          → created_at, else now
//	timestamps    truncated to millisecond storage granularity
//	source_ref    (kept as-is, may be empty)
//
// Records pulled from the remote service are by definition persisted, so
// IsPersisted is forced true. OwnerID is left alone — a remote record with
// no owner is rejected by the syncer before normalization.
func NormalizeRemote(r *Record, logger *slog.Logger) *Record {
	if logger == nil {
		logger = slog.Default()
	}
	out := r.Clone()

	if !out.Analysis.Verdict.Valid() {
		logger.Warn("recordstore: coercing invalid verdict",
			"record", out.ID, "verdict", string(out.Analysis.Verdict))
		out.Analysis.Verdict = VerdictUncertain
	}
	if out.Analysis.Confidence < 0 || out.Analysis.Confidence > 1 {
		logger.Warn("recordstore: clamping confidence",
			"record", out.ID, "confidence", out.Analysis.Confidence)
		out.Analysis.Confidence = clamp01(out.Analysis.Confidence)
	}
	if out.Ingredients == nil {
		out.Ingredients = []string{}
	}
	if out.Analysis.FlaggedIngredients == nil {
		out.Analysis.FlaggedIngredients = []string{}
	}

	now := time.Now()
	if out.CreatedAt.IsZero() && out.LastModified.IsZero() {
		logger.Warn("recordstore: remote record missing timestamps", "record", out.ID)
		out.CreatedAt, out.LastModified = now, now
	} else if out.CreatedAt.IsZero() {
		out.CreatedAt = out.LastModified
	} else if out.LastModified.IsZero() {
		out.LastModified = out.CreatedAt
	}
	// Storage keeps millisecond precision; sub-millisecond drift would make
	// an unchanged record look newer on every pull.
	out.CreatedAt = time.UnixMilli(out.CreatedAt.UnixMilli())
	out.LastModified = time.UnixMilli(out.LastModified.UnixMilli())

	out.IsPersisted = true
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
