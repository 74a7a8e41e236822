package engine

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/scansync/fault"
)

// Router returns the local diagnostics HTTP surface: records, queue,
// usage, sync trigger, and a connectivity toggle for exercising the
// offline paths by hand. It is meant for the loopback interface, not for
// exposure.
func (e *Engine) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Get("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := e.EngineStats(r.Context())
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, stats)
	})

	r.Get("/api/records/{owner}", func(w http.ResponseWriter, r *http.Request) {
		records, err := e.GetVisibleRecords(r.Context(), chi.URLParam(r, "owner"))
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, records)
	})

	r.Delete("/api/records/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := e.DeleteRecord(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, map[string]string{"status": "deleted"})
	})

	r.Post("/api/records/{id}/favorite", func(w http.ResponseWriter, r *http.Request) {
		fav, err := e.ToggleFavorite(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			var bad *fault.BadPayload
			if errors.As(err, &bad) {
				writeError(w, 404, err)
				return
			}
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, map[string]bool{"is_favorite": fav})
	})

	r.Post("/api/submit", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OwnerID  string `json:"owner_id"`
			ImageRef string `json:"image_ref"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		res, err := e.SubmitAnalysis(r.Context(), req.OwnerID, req.ImageRef)
		if err != nil {
			var quota *fault.QuotaExceeded
			if errors.As(err, &quota) {
				writeError(w, 402, err)
				return
			}
			var bad *fault.BadPayload
			if errors.As(err, &bad) {
				writeError(w, 400, err)
				return
			}
			writeError(w, 502, err)
			return
		}
		writeJSON(w, 200, res)
	})

	r.Get("/api/queue", func(w http.ResponseWriter, r *http.Request) {
		entries, err := e.QueueEntries(r.Context())
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, entries)
	})

	r.Post("/api/queue/process", func(w http.ResponseWriter, r *http.Request) {
		res, err := e.ProcessQueueIfIdle(r.Context())
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, res)
	})

	r.Get("/api/usage/{owner}", func(w http.ResponseWriter, r *http.Request) {
		st, err := e.GetUsageStatus(r.Context(), chi.URLParam(r, "owner"))
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, st)
	})

	r.Post("/api/sync/{owner}", func(w http.ResponseWriter, r *http.Request) {
		stats, err := e.Sync(r.Context(), chi.URLParam(r, "owner"))
		if err != nil {
			writeError(w, 502, err)
			return
		}
		writeJSON(w, 200, stats)
	})

	r.Put("/api/connectivity", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Online bool `json:"online"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		e.SetOnline(req.Online)
		writeJSON(w, 200, map[string]bool{"online": req.Online})
	})

	r.Get("/api/audit", func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		events, err := e.AuditEvents(r.Context(), limit)
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, events)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
