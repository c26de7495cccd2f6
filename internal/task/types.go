package task

import (
	"sync"
	"time"

	"github.com/corvid-labs/magpie/internal/utils"
)

// Request describes one download. It is assembled by the caller (CLI flags,
// a batch list entry, or an extractor frontend handing over a resolved media
// URL) and never mutated by the engine.
type Request struct {
	ID           string `yaml:"id,omitempty"`
	URL          string `yaml:"link"`
	OutputPath   string `yaml:"op"`
	ResumeOffset int64  `yaml:"offset,omitempty"` // caller-known partial bytes, used when no checkpoint exists
	SpeedLimit   int64  `yaml:"speed_limit,omitempty"`
	ChunkSize    int64  `yaml:"chunk_size,omitempty"`

	HTTPClientConfig utils.HTTPClientConfig `yaml:"-"`
}

// State is the mutable record for one logical task. It is owned by the
// transfer unit driving the task; everyone else reads snapshots.
type State struct {
	mu         sync.Mutex
	status     Status
	downloaded int64
	total      int64 // -1 when unknown
	attempts   int
	lastErr    error
}

func NewState() *State {
	return &State{status: StatusQueued, total: -1}
}

// Transition moves the state machine along an allowed edge. Illegal edges
// are rejected so callers cannot corrupt the lifecycle.
func (s *State) Transition(to Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !CanTransition(s.status, to) {
		return false
	}
	s.status = to
	return true
}

func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *State) SetTotal(total int64) {
	s.mu.Lock()
	s.total = total
	s.mu.Unlock()
}

// SetDownloaded resets the byte count at the start of an attempt (resume
// offset, or zero on restart-from-scratch).
func (s *State) SetDownloaded(n int64) {
	s.mu.Lock()
	s.downloaded = n
	s.mu.Unlock()
}

func (s *State) AddBytes(n int64) {
	s.mu.Lock()
	s.downloaded += n
	s.mu.Unlock()
}

func (s *State) SetError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *State) IncrAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return s.attempts
}

func (s *State) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Snapshot is a consistent read of the state for observers.
type Snapshot struct {
	Status     Status
	Downloaded int64
	Total      int64
	Attempts   int
	LastErr    error
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Status:     s.status,
		Downloaded: s.downloaded,
		Total:      s.total,
		Attempts:   s.attempts,
		LastErr:    s.lastErr,
	}
}

// Event is one progress or state-change notification on the bus.
type Event struct {
	TaskID     string
	OutputPath string
	Status     Status
	Downloaded int64
	Total      int64 // -1 when unknown
	Speed      float64
	Err        error // set only on terminal failure
	At         time.Time
}
