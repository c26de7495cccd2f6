package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRenewOutputPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "video.mp4")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	renewed := RenewOutputPath(path)
	if renewed != filepath.Join(dir, "video-(1).mp4") {
		t.Errorf("RenewOutputPath() = %q, want video-(1).mp4", renewed)
	}

	// With the first variant taken too, the index advances.
	if err := os.WriteFile(renewed, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	renewed = RenewOutputPath(path)
	if renewed != filepath.Join(dir, "video-(2).mp4") {
		t.Errorf("RenewOutputPath() = %q, want video-(2).mp4", renewed)
	}
}

func TestParseHeaderArgs(t *testing.T) {
	got := ParseHeaderArgs([]string{
		"Authorization: Bearer token123",
		"X-Custom:value",
		"malformed-no-colon",
	})
	if got["Authorization"] != "Bearer token123" {
		t.Errorf("Authorization = %q, want %q", got["Authorization"], "Bearer token123")
	}
	if got["X-Custom"] != "value" {
		t.Errorf("X-Custom = %q, want %q", got["X-Custom"], "value")
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2 (malformed entry dropped)", len(got))
	}
}

func TestParseCookieArgs(t *testing.T) {
	got := ParseCookieArgs([]string{
		"session=abc123",
		" theme = dark ",
		"malformed-no-equals",
		"=anonymous",
	})
	if got["session"] != "abc123" {
		t.Errorf("session = %q, want %q", got["session"], "abc123")
	}
	if got["theme"] != "dark" {
		t.Errorf("theme = %q, want %q", got["theme"], "dark")
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2 (malformed entries dropped)", len(got))
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{512, "512 B"},
		{1024, "1.00 KB"},
		{1536, "1.50 KB"},
		{1048576, "1.00 MB"},
		{5 * 1024 * 1024 * 1024, "5.00 GB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatSpeed(t *testing.T) {
	if got := FormatSpeed(2048, 2); got != "1.00 KB/s" {
		t.Errorf("FormatSpeed(2048, 2) = %q, want %q", got, "1.00 KB/s")
	}
	if got := FormatSpeed(100, 0); got != "0 B/s" {
		t.Errorf("FormatSpeed(100, 0) = %q, want %q", got, "0 B/s")
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1024", 1024, false},
		{"500B", 500, false},
		{"500KB", 500 * 1024, false},
		{"2MB", 2 * 1024 * 1024, false},
		{"1.5GB", 1610612736, false},
		{"1tb", 1024 * 1024 * 1024 * 1024, false},
		{" 2 MB ", 2 * 1024 * 1024, false},
		{"", 0, true},
		{"abcMB", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseByteSize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseByteSize(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestClean(t *testing.T) {
	dir := t.TempDir()
	tempDir := filepath.Join(dir, TempDirName)
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tempDir, "file.bin.part"), []byte("partial"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := Clean(filepath.Join(dir, "file.bin")); err != nil {
		t.Fatalf("Clean() = %v", err)
	}
	if _, err := os.Stat(tempDir); !os.IsNotExist(err) {
		t.Error("temp directory still exists after Clean")
	}

	// Cleaning when nothing exists is a no-op.
	if err := Clean(filepath.Join(dir, "file.bin")); err != nil {
		t.Errorf("Clean() on clean dir = %v, want nil", err)
	}
}

func TestCleanFunction(t *testing.T) {
	dir := t.TempDir()
	tempDir := filepath.Join(dir, TempDirName)
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		t.Fatal(err)
	}
	keep := filepath.Join(tempDir, "other.bin.part")
	remove := filepath.Join(tempDir, "file.bin.part")
	for _, p := range []string{keep, remove} {
		if err := os.WriteFile(p, []byte("partial"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	if err := CleanFunction(filepath.Join(dir, "file.bin")); err != nil {
		t.Fatalf("CleanFunction() = %v", err)
	}
	if _, err := os.Stat(remove); !os.IsNotExist(err) {
		t.Error("target partial file still exists")
	}
	if _, err := os.Stat(keep); err != nil {
		t.Error("unrelated partial file was removed")
	}
}
