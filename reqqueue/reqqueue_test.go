package reqqueue_test

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/scansync/dbopen"
	"github.com/hazyhaar/scansync/reqqueue"
)

func newQueue(t *testing.T) (*reqqueue.Queue, *sql.DB) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	q := reqqueue.New(db, reqqueue.Options{Logger: slog.New(slog.DiscardHandler)})
	if err := q.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	return q, db
}

func TestEnqueuePeekRemove_FIFO(t *testing.T) {
	// WHAT: Entries come back oldest-first; Remove advances the head.
	// WHY: The processor must replay offline work in submission order.
	q, _ := newQueue(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i := range 3 {
		e := &reqqueue.Entry{
			Kind:      "analyze",
			Payload:   []byte(fmt.Sprintf("payload-%d", i)),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := q.Enqueue(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	head, err := q.PeekOldest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(head.Payload) != "payload-0" {
		t.Fatalf("head payload = %q, want payload-0", head.Payload)
	}

	// Peek again: same head — peeking never consumes.
	again, err := q.PeekOldest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != head.ID {
		t.Fatalf("second peek returned %s, want %s", again.ID, head.ID)
	}

	if err := q.Remove(ctx, head.ID); err != nil {
		t.Fatal(err)
	}
	next, err := q.PeekOldest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(next.Payload) != "payload-1" {
		t.Fatalf("next payload = %q, want payload-1", next.Payload)
	}
}

func TestReloadPreservesOrder(t *testing.T) {
	// WHAT: A queue reloaded through a second handle over the same database
	// lists the same entries in the same order.
	// WHY: The queue must survive process restart with FIFO intact.
	db := dbopen.OpenMemory(t)
	ctx := context.Background()

	q1 := reqqueue.New(db, reqqueue.Options{Logger: slog.New(slog.DiscardHandler)})
	if err := q1.EnsureTable(ctx); err != nil {
		t.Fatal(err)
	}
	var ids []string
	base := time.Now()
	for i := range 5 {
		e := &reqqueue.Entry{Kind: "analyze", CreatedAt: base.Add(time.Duration(i) * time.Millisecond)}
		if err := q1.Enqueue(ctx, e); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, e.ID)
	}

	// Fresh handle, same database — simulates restart.
	q2 := reqqueue.New(db, reqqueue.Options{Logger: slog.New(slog.DiscardHandler)})
	reset, err := q2.Recover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if reset {
		t.Fatal("healthy queue reported a reset")
	}
	entries, err := q2.ListAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != len(ids) {
		t.Fatalf("reloaded %d entries, want %d", len(entries), len(ids))
	}
	for i, e := range entries {
		if e.ID != ids[i] {
			t.Errorf("entry[%d] = %s, want %s", i, e.ID, ids[i])
		}
	}
}

func TestRecover_ResetsUnreadableTable(t *testing.T) {
	// WHAT: When the persisted table cannot be scanned, Recover drops it and
	// recreates an empty queue.
	// WHY: A corrupt snapshot must not crash-loop the app at startup.
	db := dbopen.OpenMemory(t)
	ctx := context.Background()

	// A request_queue table with an incompatible shape stands in for corruption.
	if _, err := db.ExecContext(ctx, `CREATE TABLE request_queue (bogus TEXT)`); err != nil {
		t.Fatal(err)
	}
	q := reqqueue.New(db, reqqueue.Options{Logger: slog.New(slog.DiscardHandler)})
	reset, err := q.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if !reset {
		t.Fatal("unreadable queue did not report a reset")
	}
	n, err := q.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("len after recovery = %d, want 0", n)
	}
	// And the reset queue accepts new work.
	if err := q.Enqueue(ctx, &reqqueue.Entry{Kind: "analyze"}); err != nil {
		t.Fatal(err)
	}
}

func TestBumpAttempts(t *testing.T) {
	// WHAT: BumpAttempts increments only the targeted entry and keeps it at head.
	// WHY: A retried entry keeps its position until success or permanent removal.
	q, _ := newQueue(t)
	ctx := context.Background()

	e := &reqqueue.Entry{Kind: "analyze"}
	if err := q.Enqueue(ctx, e); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, &reqqueue.Entry{Kind: "delete", CreatedAt: e.CreatedAt.Add(time.Second)}); err != nil {
		t.Fatal(err)
	}

	for range 2 {
		if err := q.BumpAttempts(ctx, e.ID); err != nil {
			t.Fatal(err)
		}
	}
	head, err := q.PeekOldest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if head.ID != e.ID {
		t.Fatalf("head = %s, want retried entry %s", head.ID, e.ID)
	}
	if head.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", head.Attempts)
	}
}

func TestRemoveOldest_EmptyQueueNoop(t *testing.T) {
	q, _ := newQueue(t)
	if err := q.RemoveOldest(context.Background()); err != nil {
		t.Fatalf("RemoveOldest on empty queue: %v", err)
	}
}

func TestEnqueue_RejectsEmptyKind(t *testing.T) {
	q, _ := newQueue(t)
	if err := q.Enqueue(context.Background(), &reqqueue.Entry{}); err == nil {
		t.Fatal("want error for empty kind")
	}
}
