package task

import "fmt"

// Status is the lifecycle state of a transfer.
type Status int

const (
	StatusQueued Status = iota
	StatusConnecting
	StatusDownloading
	StatusPaused
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusConnecting:
		return "connecting"
	case StatusDownloading:
		return "downloading"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are allowed out of s,
// other than the explicit failed->queued retry re-entry edge.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// transitions is the allowed-transition table. Retry re-entry is the
// failed->queued edge; connecting/downloading->queued covers retries that
// are re-admitted without surfacing an intermediate failure, and
// paused->queued covers resume, which always goes through a fresh
// connecting step so the range request can be re-issued.
var transitions = map[Status][]Status{
	StatusQueued:      {StatusConnecting, StatusCancelled},
	StatusConnecting:  {StatusDownloading, StatusQueued, StatusFailed, StatusCancelled},
	StatusDownloading: {StatusCompleted, StatusPaused, StatusQueued, StatusFailed, StatusCancelled},
	StatusPaused:      {StatusQueued, StatusCancelled},
	StatusFailed:      {StatusQueued},
	StatusCompleted:   {},
	StatusCancelled:   {},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
