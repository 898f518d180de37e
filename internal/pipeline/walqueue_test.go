package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"broker-core/internal/order"
)

func newWALQueue(t *testing.T, dir string) *PersistentQueue {
	t.Helper()
	pq, err := NewPersistentQueue(dir, 64)
	if err != nil {
		t.Fatalf("open wal queue: %v", err)
	}
	return pq
}

func TestRecoverReplaysUncompleted(t *testing.T) {
	dir := t.TempDir()

	pq := newWALQueue(t, dir)
	done := order.NewSubmit(order.Order{ID: "o-done", AccountID: "acct-1"})
	lost := order.NewSubmit(order.Order{ID: "o-lost", AccountID: "acct-1"})
	if err := pq.Enqueue(done); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := pq.Enqueue(lost); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	pq.MarkComplete(done)
	pq.Close()

	// A fresh queue over the same WAL sees only the uncompleted request.
	pq2 := newWALQueue(t, dir)
	defer pq2.Close()
	if err := pq2.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if pq2.Len() != 1 {
		t.Fatalf("recovered = %d, want 1", pq2.Len())
	}
	r := <-pq2.Chan()
	if r.Order.ID != "o-lost" {
		t.Errorf("recovered order = %s, want o-lost", r.Order.ID)
	}
	// Recovered requests have no caller waiting.
	if _, ok := r.Wait(nil); ok {
		t.Error("recovered request should carry no result channel")
	}
	if m := pq2.Metrics(); m.Recovered != 1 {
		t.Errorf("recovered metric = %d, want 1", m.Recovered)
	}
}

func TestRecoverCompactsWAL(t *testing.T) {
	dir := t.TempDir()

	pq := newWALQueue(t, dir)
	keep := order.NewSubmit(order.Order{ID: "o-keep", AccountID: "acct-1"})
	pq.Enqueue(keep)
	gone := order.NewCancel("acct-1", "o-gone")
	pq.Enqueue(gone)
	pq.MarkComplete(gone)
	pq.Close()

	pq2 := newWALQueue(t, dir)
	defer pq2.Close()
	if err := pq2.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "intake.wal"))
	if err != nil {
		t.Fatalf("read wal: %v", err)
	}
	if strings.Contains(string(raw), "o-gone") {
		t.Error("completed entry survived compaction")
	}
	if !strings.Contains(string(raw), "o-keep") {
		t.Error("pending entry lost in compaction")
	}
}

func TestTriggersBypassWAL(t *testing.T) {
	dir := t.TempDir()
	pq := newWALQueue(t, dir)

	if err := pq.Enqueue(order.NewTrigger("acct-1", "o-1", 100)); err != nil {
		t.Fatalf("enqueue trigger: %v", err)
	}
	pq.Close()

	raw, err := os.ReadFile(filepath.Join(dir, "intake.wal"))
	if err != nil {
		t.Fatalf("read wal: %v", err)
	}
	if len(raw) != 0 {
		t.Errorf("trigger written to WAL: %s", raw)
	}
}

func TestMarkCompleteIdempotent(t *testing.T) {
	pq := newWALQueue(t, t.TempDir())
	defer pq.Close()

	r := order.NewSubmit(order.Order{ID: "o-1", AccountID: "acct-1"})
	pq.Enqueue(r)
	pq.MarkComplete(r)
	pq.MarkComplete(r)

	if m := pq.Metrics(); m.Completed != 1 {
		t.Errorf("completed metric = %d, want 1", m.Completed)
	}
}
