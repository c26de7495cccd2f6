package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/corvid-labs/magpie/internal/task"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordAndList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	req := task.Request{ID: "t1", URL: "https://example.com/a.zip", OutputPath: "/tmp/a.zip"}
	snap := task.Snapshot{Status: task.StatusCompleted, Downloaded: 1024, Total: 1024, Attempts: 0}
	if err := store.Record(ctx, req, snap); err != nil {
		t.Fatalf("Record() = %v", err)
	}

	failReq := task.Request{ID: "t2", URL: "https://example.com/b.zip", OutputPath: "/tmp/b.zip"}
	failSnap := task.Snapshot{
		Status:     task.StatusFailed,
		Downloaded: 100,
		Total:      5000,
		Attempts:   3,
		LastErr:    errors.New("connection reset"),
	}
	if err := store.Record(ctx, failReq, failSnap); err != nil {
		t.Fatalf("Record() = %v", err)
	}

	entries, err := store.List(ctx, 0)
	if err != nil {
		t.Fatalf("List() = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("List() returned %d entries, want 2", len(entries))
	}

	// Newest first.
	if entries[0].TaskID != "t2" {
		t.Errorf("entries[0].TaskID = %q, want t2 (newest first)", entries[0].TaskID)
	}
	if entries[0].Status != "failed" || entries[0].LastError != "connection reset" {
		t.Errorf("failed entry = %+v, want failed status with error text", entries[0])
	}
	if entries[1].Status != "completed" || entries[1].Downloaded != 1024 {
		t.Errorf("completed entry = %+v, want completed with 1024 bytes", entries[1])
	}
}

func TestListLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		req := task.Request{ID: "t", URL: "https://example.com/x", OutputPath: "/tmp/x"}
		if err := store.Record(ctx, req, task.Snapshot{Status: task.StatusCompleted}); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := store.List(ctx, 3)
	if err != nil {
		t.Fatalf("List(3) = %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("List(3) returned %d entries, want 3", len(entries))
	}
}

func TestPrune(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	req := task.Request{ID: "t1", URL: "https://example.com/a", OutputPath: "/tmp/a"}
	if err := store.Record(ctx, req, task.Snapshot{Status: task.StatusCompleted}); err != nil {
		t.Fatal(err)
	}

	// Entries newer than the cutoff survive.
	removed, err := store.Prune(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Prune() = %v", err)
	}
	if removed != 0 {
		t.Errorf("Prune(old cutoff) removed %d, want 0", removed)
	}

	removed, err = store.Prune(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Prune() = %v", err)
	}
	if removed != 1 {
		t.Errorf("Prune(future cutoff) removed %d, want 1", removed)
	}

	entries, _ := store.List(ctx, 0)
	if len(entries) != 0 {
		t.Errorf("List() after prune returned %d entries, want 0", len(entries))
	}
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	req := task.Request{ID: "t1", URL: "https://example.com/a", OutputPath: "/tmp/a"}
	if err := store.Record(context.Background(), req, task.Snapshot{Status: task.StatusCompleted}); err != nil {
		t.Fatal(err)
	}
	store.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen = %v", err)
	}
	defer reopened.Close()
	entries, err := reopened.List(context.Background(), 0)
	if err != nil {
		t.Fatalf("List() = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("List() after reopen returned %d entries, want 1", len(entries))
	}
}
