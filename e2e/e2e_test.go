// Package e2e tests the full engine against a real HTTP backend: the
// production remote client, wire codec, and fault mapping all in the
// loop, with an in-memory JSON server standing in for the service.
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/scansync/engine"
	"github.com/hazyhaar/scansync/recordstore"
	"github.com/hazyhaar/scansync/remote"
)

// backend is an in-memory stand-in for the analysis service.
type backend struct {
	mu         sync.Mutex
	records    map[string]*recordstore.Record
	counters   map[string]*remote.Counter
	analyzeSeq int
	limit      int
}

func newBackend() *backend {
	return &backend{
		records:  make(map[string]*recordstore.Record),
		counters: make(map[string]*remote.Counter),
		limit:    30,
	}
}

func (b *backend) counterFor(owner string) *remote.Counter {
	c, ok := b.counters[owner]
	if !ok {
		now := time.UnixMilli(time.Now().UnixMilli())
		c = &remote.Counter{
			OwnerID:     owner,
			PeriodStart: now,
			PeriodEnd:   now.Add(30 * 24 * time.Hour),
			Limit:       b.limit,
		}
		b.counters[owner] = c
	}
	return c
}

func (b *backend) used(owner string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counterFor(owner).Used
}

func (b *backend) server() *httptest.Server {
	r := chi.NewRouter()

	r.Post("/v1/analyze", func(w http.ResponseWriter, req *http.Request) {
		var ar remote.AnalyzeRequest
		if err := json.NewDecoder(req.Body).Decode(&ar); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		b.mu.Lock()
		b.analyzeSeq++
		now := time.UnixMilli(time.Now().UnixMilli())
		rec := &recordstore.Record{
			ID:           fmt.Sprintf("rec_%04d", b.analyzeSeq),
			OwnerID:      ar.OwnerID,
			SourceRef:    ar.ImageRef,
			CreatedAt:    now,
			LastModified: now,
			Ingredients:  []string{"water", "oats", "salt"},
			Analysis: recordstore.Analysis{
				Verdict:            recordstore.VerdictVegan,
				Confidence:         0.92,
				FlaggedIngredients: []string{},
				Explanation:        "no animal-derived ingredients detected",
			},
			IsPersisted: true,
		}
		b.records[rec.ID] = rec
		b.mu.Unlock()
		writeJSON(w, rec)
	})

	r.Get("/v1/records", func(w http.ResponseWriter, req *http.Request) {
		owner := req.URL.Query().Get("owner")
		b.mu.Lock()
		out := []*recordstore.Record{}
		for _, rec := range b.records {
			if rec.OwnerID == owner {
				out = append(out, rec.Clone())
			}
		}
		b.mu.Unlock()
		writeJSON(w, out)
	})

	r.Put("/v1/records/{id}", func(w http.ResponseWriter, req *http.Request) {
		var rec recordstore.Record
		if err := json.NewDecoder(req.Body).Decode(&rec); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		rec.ID = chi.URLParam(req, "id")
		b.mu.Lock()
		b.records[rec.ID] = &rec
		b.mu.Unlock()
		writeJSON(w, map[string]string{"status": "ok"})
	})

	r.Delete("/v1/records/{id}", func(w http.ResponseWriter, req *http.Request) {
		b.mu.Lock()
		delete(b.records, chi.URLParam(req, "id"))
		b.mu.Unlock()
		writeJSON(w, map[string]string{"status": "ok"})
	})

	r.Get("/v1/usage/{owner}", func(w http.ResponseWriter, req *http.Request) {
		b.mu.Lock()
		c := *b.counterFor(chi.URLParam(req, "owner"))
		b.mu.Unlock()
		writeJSON(w, c)
	})

	r.Post("/v1/usage/{owner}/increment", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Amount int `json:"amount"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		b.mu.Lock()
		c := b.counterFor(chi.URLParam(req, "owner"))
		c.Used += body.Amount
		out := *c
		b.mu.Unlock()
		writeJSON(w, out)
	})

	return httptest.NewServer(r)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// newDevice builds an engine with its own database, talking to the backend
// through the production HTTP client.
func newDevice(t *testing.T, name, baseURL string) *engine.Engine {
	t.Helper()
	cfg := &engine.Config{
		DBPath: filepath.Join(t.TempDir(), name+".db"),
		Remote: engine.RemoteConfig{BaseURL: baseURL, Timeout: 5 * time.Second},
		Retry: engine.RetryConfig{
			MaxRetries:   1,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
		},
		Uplink: engine.UplinkConfig{Debounce: 5 * time.Millisecond},
	}
	e, err := engine.New(cfg, engine.Options{Logger: slog.New(slog.DiscardHandler)})
	if err != nil {
		t.Fatalf("new engine %s: %v", name, err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func goOnline(t *testing.T, e *engine.Engine) {
	t.Helper()
	e.SetOnline(true)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.Online() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("engine never settled online")
}

func TestE2E_OfflineSubmitThenReconnect(t *testing.T) {
	// WHAT: Submissions made offline queue durably, survive until
	// reconnect, and drain into exactly the expected persisted records —
	// with the usage counter reconciled on the server.
	ctx := context.Background()
	b := newBackend()
	srv := b.server()
	defer srv.Close()

	dev := newDevice(t, "phone", srv.URL)

	for i := range 2 {
		res, err := dev.SubmitAnalysis(ctx, "owner1", fmt.Sprintf("img://scan-%d", i))
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if !res.Queued {
			t.Fatalf("submit %d = %+v, want queued while offline", i, res)
		}
	}

	visible, err := dev.GetVisibleRecords(ctx, "owner1")
	if err != nil {
		t.Fatalf("visible: %v", err)
	}
	if len(visible) != 0 {
		t.Fatalf("visible = %d records before reconnect, want 0", len(visible))
	}

	goOnline(t, dev)
	res, err := dev.ProcessQueueIfIdle(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Processed != 2 || res.Remaining != 0 {
		t.Fatalf("drain = %+v, want processed=2", res)
	}

	visible, err = dev.GetVisibleRecords(ctx, "owner1")
	if err != nil {
		t.Fatalf("visible: %v", err)
	}
	if len(visible) != 2 {
		t.Fatalf("visible = %d records, want 2", len(visible))
	}
	for _, rec := range visible {
		if !rec.IsPersisted {
			t.Fatalf("record %s not persisted", rec.ID)
		}
	}
	if got := b.used("owner1"); got < 2 {
		t.Fatalf("server usage = %d, want at least 2", got)
	}
}

func TestE2E_TwoDeviceConvergence(t *testing.T) {
	// WHAT: Two devices sharing an owner converge through sync: a record
	// created on one appears on the other, and the latest modification
	// wins on both.
	ctx := context.Background()
	b := newBackend()
	srv := b.server()
	defer srv.Close()

	devA := newDevice(t, "phone", srv.URL)
	devB := newDevice(t, "tablet", srv.URL)
	goOnline(t, devA)
	goOnline(t, devB)

	sub, err := devA.SubmitAnalysis(ctx, "owner1", "img://shared-scan")
	if err != nil {
		t.Fatalf("submit on A: %v", err)
	}
	if sub.Queued || sub.Record == nil {
		t.Fatalf("submit on A = %+v, want immediate record", sub)
	}
	recID := sub.Record.ID

	if _, err := devB.Sync(ctx, "owner1"); err != nil {
		t.Fatalf("sync on B: %v", err)
	}
	visibleB, err := devB.GetVisibleRecords(ctx, "owner1")
	if err != nil {
		t.Fatalf("visible on B: %v", err)
	}
	if len(visibleB) != 1 || visibleB[0].ID != recID {
		t.Fatalf("B sees %+v, want the record from A", visibleB)
	}

	// B modifies; the bumped timestamp must win everywhere.
	time.Sleep(5 * time.Millisecond)
	if _, err := devB.ToggleFavorite(ctx, recID); err != nil {
		t.Fatalf("favorite on B: %v", err)
	}
	if _, err := devB.Sync(ctx, "owner1"); err != nil {
		t.Fatalf("push sync on B: %v", err)
	}
	if _, err := devA.Sync(ctx, "owner1"); err != nil {
		t.Fatalf("pull sync on A: %v", err)
	}

	visibleA, err := devA.GetVisibleRecords(ctx, "owner1")
	if err != nil {
		t.Fatalf("visible on A: %v", err)
	}
	if len(visibleA) != 1 || !visibleA[0].IsFavorite {
		t.Fatalf("A sees %+v, want B's favorite to have won", visibleA)
	}

	// Converged: repeat syncs change nothing on either side.
	statsA, err := devA.Sync(ctx, "owner1")
	if err != nil {
		t.Fatalf("idle sync on A: %v", err)
	}
	statsB, err := devB.Sync(ctx, "owner1")
	if err != nil {
		t.Fatalf("idle sync on B: %v", err)
	}
	if statsA.Pulled+statsA.Pushed != 0 || statsB.Pulled+statsB.Pushed != 0 {
		t.Fatalf("post-convergence syncs not idle: A=%+v B=%+v", statsA, statsB)
	}
}

func TestE2E_DeleteSyncsAcrossDevices(t *testing.T) {
	// WHAT: A deletion queued offline on one device reaches the server on
	// reconnect, and a fresh device never pulls the deleted record.
	ctx := context.Background()
	b := newBackend()
	srv := b.server()
	defer srv.Close()

	devA := newDevice(t, "phone", srv.URL)
	goOnline(t, devA)

	sub, err := devA.SubmitAnalysis(ctx, "owner1", "img://doomed")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	recID := sub.Record.ID

	devA.SetOnline(false)
	if err := devA.DeleteRecord(ctx, recID); err != nil {
		t.Fatalf("offline delete: %v", err)
	}

	goOnline(t, devA)
	if _, err := devA.ProcessQueueIfIdle(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	devB := newDevice(t, "tablet", srv.URL)
	goOnline(t, devB)
	if _, err := devB.Sync(ctx, "owner1"); err != nil {
		t.Fatalf("sync on B: %v", err)
	}
	visibleB, err := devB.GetVisibleRecords(ctx, "owner1")
	if err != nil {
		t.Fatalf("visible on B: %v", err)
	}
	if len(visibleB) != 0 {
		t.Fatalf("B sees %+v, want the deleted record gone everywhere", visibleB)
	}
}
