// Package engine is the offline-first sync facade for the ingredient-
// analysis client. It wires the durable request queue, record store,
// remote client, synchronizer, usage reconciler, and uplink into one
// surface the application (and the CLI) talks to.
//
// Usage:
//
//	cfg, _ := engine.LoadConfigFile("scansync.yaml")
//	e, err := engine.New(cfg, engine.Options{Logger: logger})
//	defer e.Close()
//	e.Start(ctx)
//	res, err := e.SubmitAnalysis(ctx, owner, imageRef)
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/scansync/audit"
	"github.com/hazyhaar/scansync/backoff"
	"github.com/hazyhaar/scansync/dbopen"
	"github.com/hazyhaar/scansync/fault"
	"github.com/hazyhaar/scansync/recordstore"
	"github.com/hazyhaar/scansync/remote"
	"github.com/hazyhaar/scansync/reqqueue"
	"github.com/hazyhaar/scansync/syncer"
	"github.com/hazyhaar/scansync/uplink"
	"github.com/hazyhaar/scansync/usage"
)

// Options carries the injectable pieces of an Engine.
type Options struct {
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// Client overrides the HTTP remote client (tests, custom transports).
	Client remote.Client
	// OnRecordsChanged is notified after a queue drain or sync changed an
	// owner's visible records. May be nil. Must not block.
	OnRecordsChanged func(ownerID string)
}

// Engine is the offline-first sync facade.
type Engine struct {
	cfg    *Config
	log    *slog.Logger
	db     *sql.DB
	client remote.Client
	policy backoff.Policy

	queue   *reqqueue.Queue
	store   *recordstore.Store
	auditor *audit.Logger
	syncer  *syncer.Syncer
	usage   *usage.Reconciler
	monitor *uplink.Monitor
	proc    *uplink.Processor

	onChanged func(string)

	// owners seen by this process, synced on reconnect.
	mu     sync.Mutex
	owners map[string]struct{}
}

// New opens the database and wires all components. Call Start to attach
// the reconnect trigger and background maintenance, and Close when done.
func New(cfg *Config, opts Options) (*Engine, error) {
	cfg.defaults()
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		return nil, fmt.Errorf("engine: open db: %w", err)
	}

	client := opts.Client
	if client == nil {
		client = remote.NewHTTPClient(remote.Config{
			BaseURL: cfg.Remote.BaseURL,
			Timeout: cfg.Remote.Timeout,
		})
	}

	e := &Engine{
		cfg:    cfg,
		log:    log,
		db:     db,
		client: client,
		policy: backoff.Policy{
			MaxRetries:   cfg.Retry.MaxRetries,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Factor:       cfg.Retry.Factor,
			Logger:       log,
		},
		onChanged: opts.OnRecordsChanged,
		owners:    make(map[string]struct{}),
	}

	e.auditor = audit.NewLogger(db, log)
	e.queue = reqqueue.New(db, reqqueue.Options{Logger: log})
	e.store = recordstore.NewStore(db, log)
	e.usage = usage.New(db, client, usage.Options{
		Freshness:   cfg.Usage.Freshness,
		ArchiveKeep: cfg.Usage.ArchiveKeep,
		Logger:      log,
		Audit:       e.auditor,
	})
	e.syncer = syncer.New(e.store, client, e.auditor, log)
	e.monitor = uplink.NewMonitor(uplink.MonitorOptions{
		Debounce: cfg.Uplink.Debounce,
		Logger:   log,
	})
	e.proc = uplink.NewProcessor(e.queue, uplink.ProcessorOptions{
		Policy: e.policy,
		Audit:  e.auditor,
		Logger: log,
	})
	e.proc.Handle(kindAnalyze, e.handleAnalyzeEntry)
	e.proc.Handle(kindDelete, e.handleDeleteEntry)

	ctx := context.Background()
	for _, ensure := range []func(context.Context) error{
		e.auditor.EnsureTable,
		e.queue.EnsureTable,
		e.store.EnsureTable,
		e.usage.EnsureTable,
	} {
		if err := ensure(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("engine: schema: %w", err)
		}
	}
	// A queue that survived a crash in an unreadable state resets to empty
	// rather than wedging every future start.
	reset, err := e.queue.Recover(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: queue recover: %w", err)
	}
	if reset {
		e.auditor.LogEvent(ctx, audit.Event{
			Type:   audit.EventQueueReset,
			Detail: "persisted queue unreadable at startup, reset to empty",
		})
	}

	return e, nil
}

// Start attaches the reconnect trigger and launches background audit
// cleanup. It returns immediately; goroutines stop when ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	e.monitor.Subscribe(func(online bool) {
		if !online {
			return
		}
		go e.onReconnect(ctx)
	})

	go func() {
		ticker := time.NewTicker(e.cfg.Audit.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.auditor.Cleanup(ctx, e.cfg.Audit.Retention); err != nil {
					e.log.Warn("engine: audit cleanup failed", "error", err)
				}
			}
		}
	}()

	e.log.Info("engine: started", "db", e.cfg.DBPath, "remote", e.cfg.Remote.BaseURL)
}

// Close shuts the engine down and closes the database.
func (e *Engine) Close() error {
	return e.db.Close()
}

// SetOnline feeds a raw connectivity signal from the platform.
func (e *Engine) SetOnline(online bool) { e.monitor.SetOnline(online) }

// Online reports the settled connectivity state.
func (e *Engine) Online() bool { return e.monitor.Online() }

// SubmitResult reports what happened to a submission.
type SubmitResult struct {
	// Queued is true when the submission was stored for later processing
	// instead of being analyzed immediately.
	Queued bool `json:"queued"`
	// EntryID identifies the queue entry when Queued.
	EntryID string `json:"entry_id,omitempty"`
	// Record is the analyzed record when not Queued.
	Record *recordstore.Record `json:"record,omitempty"`
}

// SubmitAnalysis submits an image for ingredient analysis.
//
// Online, the analysis runs immediately under the retry policy and the
// resulting record lands in the store. Offline — or when retries exhaust
// on a transient failure — the submission is queued durably and reported
// as queued, never as an error. A spent quota is an error either way.
func (e *Engine) SubmitAnalysis(ctx context.Context, ownerID, imageRef string) (SubmitResult, error) {
	if ownerID == "" || imageRef == "" {
		return SubmitResult{}, &fault.BadPayload{Op: "submit analysis",
			Cause: errors.New("owner and image ref required")}
	}
	e.rememberOwner(ownerID)

	online := e.monitor.Online()
	st, err := e.usage.Status(ctx, ownerID, online)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("engine: submit usage check: %w", err)
	}
	if !st.Allowed {
		return SubmitResult{}, &fault.QuotaExceeded{OwnerID: ownerID}
	}

	if online {
		rec, err := backoff.Do(ctx, e.policy, "analyze",
			func(ctx context.Context) (*recordstore.Record, error) {
				return e.client.Analyze(ctx, remote.AnalyzeRequest{OwnerID: ownerID, ImageRef: imageRef})
			})
		switch {
		case err == nil:
			if err := e.adoptAnalysis(ctx, ownerID, imageRef, rec); err != nil {
				return SubmitResult{}, err
			}
			if err := e.usage.RecordUsage(ctx, ownerID, true); err != nil {
				e.log.Warn("engine: usage record failed after analysis", "owner", ownerID, "error", err)
			}
			return SubmitResult{Record: rec}, nil
		case fault.Classify(err) == fault.Terminal:
			return SubmitResult{}, fmt.Errorf("engine: analyze: %w", err)
		default:
			// Transient failure past the retry budget: degrade to the
			// offline path instead of surfacing an error.
			e.log.Warn("engine: analyze unreachable, queueing", "owner", ownerID, "error", err)
		}
	}

	entry, err := e.enqueueAnalyze(ctx, ownerID, imageRef)
	if err != nil {
		return SubmitResult{}, err
	}
	if err := e.usage.RecordUsage(ctx, ownerID, false); err != nil {
		e.log.Warn("engine: offline usage record failed", "owner", ownerID, "error", err)
	}
	e.log.Info("engine: submission queued", "owner", ownerID, "entry", entry.ID)
	return SubmitResult{Queued: true, EntryID: entry.ID}, nil
}

func (e *Engine) adoptAnalysis(ctx context.Context, ownerID, imageRef string, rec *recordstore.Record) error {
	if rec == nil {
		return &fault.BadPayload{Op: "analyze", Cause: errors.New("empty analysis response")}
	}
	rec.OwnerID = ownerID
	if rec.SourceRef == "" {
		rec.SourceRef = imageRef
	}
	norm := recordstore.NormalizeRemote(rec, e.log)
	*rec = *norm
	if err := e.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("engine: store analysis: %w", err)
	}
	if err := e.store.RefreshIndex(ctx, ownerID); err != nil {
		return fmt.Errorf("engine: refresh index: %w", err)
	}
	e.notifyChanged(ownerID)
	return nil
}

// GetVisibleRecords returns the owner's listing: persisted records only,
// newest change first.
func (e *Engine) GetVisibleRecords(ctx context.Context, ownerID string) ([]*recordstore.Record, error) {
	e.rememberOwner(ownerID)
	return e.store.VisibleRecords(ctx, ownerID)
}

// ToggleFavorite flips the record's favorite flag and returns the new value.
func (e *Engine) ToggleFavorite(ctx context.Context, id string) (bool, error) {
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, &fault.BadPayload{Op: "toggle favorite", Cause: fmt.Errorf("no record %s", id)}
	}
	fav := !rec.IsFavorite
	if err := e.store.SetFavorite(ctx, id, fav); err != nil {
		return false, err
	}
	if err := e.store.RefreshIndex(ctx, rec.OwnerID); err != nil {
		return false, err
	}
	e.notifyChanged(rec.OwnerID)
	return fav, nil
}

// SaveToHistory persists a draft record, making it visible and eligible
// for push on the next sync.
func (e *Engine) SaveToHistory(ctx context.Context, rec *recordstore.Record) error {
	if rec == nil || rec.ID == "" || rec.OwnerID == "" {
		return &fault.BadPayload{Op: "save to history", Cause: errors.New("record id and owner required")}
	}
	e.rememberOwner(rec.OwnerID)
	rec.IsPersisted = true
	rec.LastModified = time.UnixMilli(time.Now().UnixMilli())
	if err := e.store.Put(ctx, rec); err != nil {
		return err
	}
	if err := e.store.RefreshIndex(ctx, rec.OwnerID); err != nil {
		return err
	}
	e.notifyChanged(rec.OwnerID)
	return nil
}

// DeleteRecord removes a record locally and best-effort remotely. When the
// remote is unreachable the remote delete is queued for the next drain;
// the local copy is gone either way. Deleting an absent record is a no-op.
func (e *Engine) DeleteRecord(ctx context.Context, id string) error {
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	if err := e.store.RefreshIndex(ctx, rec.OwnerID); err != nil {
		return err
	}
	e.notifyChanged(rec.OwnerID)

	if !rec.IsPersisted {
		return nil // draft never reached the remote
	}

	if e.monitor.Online() {
		_, err := backoff.Do(ctx, e.policy, "delete record",
			func(ctx context.Context) (struct{}, error) {
				return struct{}{}, e.client.DeleteRecord(ctx, id)
			})
		if err == nil {
			return nil
		}
		if fault.Classify(err) == fault.Terminal {
			e.log.Warn("engine: remote delete rejected", "record", id, "error", err)
			return nil // local intent satisfied; the remote copy is the syncer's problem
		}
		e.log.Warn("engine: remote delete unreachable, queueing", "record", id, "error", err)
	}
	_, err = e.enqueueDelete(ctx, rec.OwnerID, id)
	return err
}

// GetUsageStatus returns the owner's quota status from the freshest
// available counter.
func (e *Engine) GetUsageStatus(ctx context.Context, ownerID string) (usage.Status, error) {
	e.rememberOwner(ownerID)
	return e.usage.Status(ctx, ownerID, e.monitor.Online())
}

// Sync runs one reconciliation pass for the owner: records both ways, then
// pending usage events.
func (e *Engine) Sync(ctx context.Context, ownerID string) (syncer.Stats, error) {
	e.rememberOwner(ownerID)
	stats, err := e.syncer.Run(ctx, ownerID)
	if err != nil {
		return stats, err
	}
	if _, err := e.usage.SyncPending(ctx, ownerID); err != nil {
		e.log.Warn("engine: pending usage sync failed", "owner", ownerID, "error", err)
	}
	if stats.Pulled > 0 {
		e.notifyChanged(ownerID)
	}
	return stats, nil
}

// ProcessQueueIfIdle triggers one queue drain unless one is already in
// flight. The app calls this on foregrounding; the reconnect listener uses
// the same path.
func (e *Engine) ProcessQueueIfIdle(ctx context.Context) (uplink.DrainResult, error) {
	return e.proc.Drain(ctx)
}

// QueueEntries lists the pending queue for diagnostics.
func (e *Engine) QueueEntries(ctx context.Context) ([]*reqqueue.Entry, error) {
	return e.queue.ListAll(ctx)
}

// Stats is a point-in-time diagnostics snapshot.
type Stats struct {
	Online    bool                  `json:"online"`
	QueueLen  int                   `json:"queue_len"`
	Processor uplink.ProcessorStats `json:"processor"`
	LastSync  map[string]time.Time  `json:"last_sync"`
}

// EngineStats returns the diagnostics snapshot.
func (e *Engine) EngineStats(ctx context.Context) (Stats, error) {
	n, err := e.queue.Len(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		Online:    e.monitor.Online(),
		QueueLen:  n,
		Processor: e.proc.Stats(),
		LastSync:  make(map[string]time.Time),
	}
	e.mu.Lock()
	for owner := range e.owners {
		if ts := e.syncer.LastSync(owner); !ts.IsZero() {
			s.LastSync[owner] = ts
		}
	}
	e.mu.Unlock()
	return s, nil
}

// AuditEvents returns recent audit events for diagnostics.
func (e *Engine) AuditEvents(ctx context.Context, limit int) ([]audit.Event, error) {
	return e.auditor.Recent(ctx, limit)
}

// onReconnect runs after the online state settles: drain the queue first
// so queued work lands remotely, then sync every owner this process has
// seen.
func (e *Engine) onReconnect(ctx context.Context) {
	if res, err := e.proc.Drain(ctx); err != nil {
		e.log.Warn("engine: reconnect drain failed", "error", err)
	} else if res.Started {
		e.log.Info("engine: reconnect drain done",
			"processed", res.Processed, "dropped", res.Dropped, "remaining", res.Remaining)
	}

	e.mu.Lock()
	owners := make([]string, 0, len(e.owners))
	for o := range e.owners {
		owners = append(owners, o)
	}
	e.mu.Unlock()

	for _, owner := range owners {
		if _, err := e.Sync(ctx, owner); err != nil {
			e.log.Warn("engine: reconnect sync failed", "owner", owner, "error", err)
		}
	}
}

func (e *Engine) rememberOwner(ownerID string) {
	if ownerID == "" {
		return
	}
	e.mu.Lock()
	e.owners[ownerID] = struct{}{}
	e.mu.Unlock()
}

func (e *Engine) notifyChanged(ownerID string) {
	if e.onChanged != nil {
		e.onChanged(ownerID)
	}
}
