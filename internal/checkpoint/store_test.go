package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveLoadDiscard(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() = %v", err)
	}

	dest := filepath.Join(t.TempDir(), "archive.tar.gz")
	rec := &Record{
		Path:         dest,
		BytesWritten: 4096,
		Fingerprint:  `"abc123"`,
		TotalSize:    10240,
	}
	if err := store.Save(rec); err != nil {
		t.Fatalf("Save() = %v", err)
	}

	got, err := store.Load(dest)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if got == nil {
		t.Fatal("Load() = nil, want record")
	}
	if got.BytesWritten != 4096 || got.Fingerprint != `"abc123"` || got.TotalSize != 10240 {
		t.Errorf("Load() = %+v, want saved values", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("Load().UpdatedAt is zero, want set by Save")
	}

	if err := store.Discard(dest); err != nil {
		t.Fatalf("Discard() = %v", err)
	}
	got, err = store.Load(dest)
	if err != nil {
		t.Fatalf("Load() after Discard = %v", err)
	}
	if got != nil {
		t.Errorf("Load() after Discard = %+v, want nil", got)
	}
}

func TestLoadMissing(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() = %v", err)
	}
	rec, err := store.Load("/nowhere/file.bin")
	if err != nil || rec != nil {
		t.Errorf("Load(missing) = %+v, %v, want nil, nil", rec, err)
	}
}

func TestLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore() = %v", err)
	}
	dest := "/tmp/some-output.bin"
	if err := os.WriteFile(store.recordPath(dest), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	rec, err := store.Load(dest)
	if err != nil || rec != nil {
		t.Errorf("Load(corrupt) = %+v, %v, want nil, nil", rec, err)
	}
}

func TestDiscardMissing(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() = %v", err)
	}
	if err := store.Discard("/nowhere/file.bin"); err != nil {
		t.Errorf("Discard(missing) = %v, want nil", err)
	}
}

func TestSeparateRecordsPerPath(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() = %v", err)
	}
	if err := store.Save(&Record{Path: "/a/file.bin", BytesWritten: 1}); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(&Record{Path: "/b/file.bin", BytesWritten: 2}); err != nil {
		t.Fatal(err)
	}
	a, _ := store.Load("/a/file.bin")
	b, _ := store.Load("/b/file.bin")
	if a == nil || b == nil {
		t.Fatal("Load() = nil for one of two distinct paths")
	}
	if a.BytesWritten != 1 || b.BytesWritten != 2 {
		t.Errorf("records collided: a=%d b=%d", a.BytesWritten, b.BytesWritten)
	}
}
