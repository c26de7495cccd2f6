package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/corvid-labs/magpie/internal/task"
)

func TestNextRetryable(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second}
	transient := task.WrapError(task.KindTransientNetwork, errors.New("connection reset"))

	for attempt := 1; attempt < p.MaxRetries; attempt++ {
		delay, ok := p.Next(transient, attempt)
		if !ok {
			t.Fatalf("Next(transient, %d) not ok, want retry", attempt)
		}
		base := p.BaseDelay << uint(attempt-1)
		lo, hi := base/2, base+base/2
		if delay < lo || delay > hi {
			t.Errorf("Next(transient, %d) = %v, want in [%v, %v]", attempt, delay, lo, hi)
		}
	}
}

func TestNextExhausted(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second}
	transient := task.WrapError(task.KindTransientNetwork, errors.New("timeout"))
	if _, ok := p.Next(transient, 3); ok {
		t.Error("Next(transient, 3) ok with MaxRetries=3, want exhausted")
	}
}

func TestNextNonRetryable(t *testing.T) {
	p := Default()
	tests := []struct {
		name string
		err  error
	}{
		{"auth", task.WrapError(task.KindAuth, errors.New("401"))},
		{"destination", task.WrapError(task.KindDestination, errors.New("disk full"))},
		{"cancelled", task.WrapError(task.KindCancelled, errors.New("cancelled"))},
		{"unclassified", errors.New("something odd")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := p.Next(tt.err, 1); ok {
				t.Errorf("Next(%s, 1) ok, want no retry", tt.name)
			}
		})
	}
}

func TestNextDelayCapped(t *testing.T) {
	p := Policy{MaxRetries: 30, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	transient := task.WrapError(task.KindTransientNetwork, errors.New("timeout"))

	// Attempt 20 would shift far past MaxDelay (and past overflow).
	delay, ok := p.Next(transient, 20)
	if !ok {
		t.Fatal("Next(transient, 20) not ok, want retry")
	}
	if delay > p.MaxDelay+p.MaxDelay/2 {
		t.Errorf("Next(transient, 20) = %v, want <= 1.5x MaxDelay %v", delay, p.MaxDelay)
	}
}
