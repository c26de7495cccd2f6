package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Record is the durable progress marker for one destination path. The
// fingerprint ties it to a specific remote content version (ETag or a
// size-derived token); a mismatch at resume time invalidates the record.
type Record struct {
	Path         string    `json:"path"`
	BytesWritten int64     `json:"bytes_written"`
	Fingerprint  string    `json:"content_fingerprint"`
	TotalSize    int64     `json:"total_size"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store keeps one JSON record per destination path under a checkpoint
// directory, written atomically so a crash never leaves a torn record.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("error creating checkpoint directory: %v", err)
	}
	return &Store{dir: dir}, nil
}

// recordPath derives a stable filename from the destination path. Hashing
// avoids separator and length problems with deep destination paths.
func (s *Store) recordPath(destPath string) string {
	abs, err := filepath.Abs(destPath)
	if err != nil {
		abs = destPath
	}
	sum := sha256.Sum256([]byte(abs))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:16])+".json")
}

// Load returns the record for a destination path, or nil when none exists.
func (s *Store) Load(destPath string) (*Record, error) {
	data, err := os.ReadFile(s.recordPath(destPath))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// A corrupt record is as good as no record.
		return nil, nil
	}
	return &rec, nil
}

// Save persists rec via temp-file-then-rename.
func (s *Store) Save(rec *Record) error {
	rec.UpdatedAt = time.Now()
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	target := s.recordPath(rec.Path)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

// Discard removes the record for a destination path, if any.
func (s *Store) Discard(destPath string) error {
	err := os.Remove(s.recordPath(destPath))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
