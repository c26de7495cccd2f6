package ratelimit

import (
	"context"
	"sync"
	"time"
)

const defaultWindow = time.Second

type sample struct {
	at    time.Time
	bytes int64
}

// Limiter is a token-bucket byte limiter shared by all active transfers.
// The bucket holds at most one second's worth of budget, so bursts beyond
// that are smoothed out. A single mutex guards refill, debit and the
// throughput sample window together; the wait loop sleeps outside it.
type Limiter struct {
	mu      sync.Mutex
	limit   int64 // bytes/sec, <= 0 means unlimited
	bucket  float64
	last    time.Time
	window  time.Duration
	samples []sample
}

// New returns a limiter capped at limit bytes/sec with the default 1s
// throughput window. limit <= 0 disables limiting but still records
// samples so CurrentSpeed stays meaningful.
func New(limit int64) *Limiter {
	return NewWithWindow(limit, defaultWindow)
}

func NewWithWindow(limit int64, window time.Duration) *Limiter {
	if window <= 0 {
		window = defaultWindow
	}
	return &Limiter{
		limit:  limit,
		bucket: float64(limit),
		last:   time.Now(),
		window: window,
	}
}

// refill adds elapsed*limit tokens, capped at one second of budget.
// Caller holds mu.
func (l *Limiter) refill(now time.Time) {
	elapsed := now.Sub(l.last).Seconds()
	if elapsed > 0 {
		l.bucket += elapsed * float64(l.limit)
		if l.bucket > float64(l.limit) {
			l.bucket = float64(l.limit)
		}
	}
	l.last = now
}

// evict drops samples older than the window. Caller holds mu.
func (l *Limiter) evict(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.samples) && l.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		l.samples = append(l.samples[:0], l.samples[i:]...)
	}
}

func (l *Limiter) record(now time.Time, size int64) {
	l.samples = append(l.samples, sample{at: now, bytes: size})
	l.evict(now)
}

// Acquire blocks until size bytes may be spent, then commits them. The
// wait is a timed sleep re-validated on wake: competitors may have drained
// the bucket in the meantime, so admission is re-checked each iteration.
// Requests larger than the current limit drain in limit-sized
// installments, so a limit lowered mid-transfer can never strand a caller
// whose chunk was sized against the old limit.
// Returns ctx.Err() if the context is cancelled while waiting.
func (l *Limiter) Acquire(ctx context.Context, size int64) error {
	remaining := size
	for {
		l.mu.Lock()
		now := time.Now()
		l.refill(now)
		if l.limit <= 0 {
			l.record(now, remaining)
			l.mu.Unlock()
			return nil
		}
		grant := remaining
		if grant > l.limit {
			grant = l.limit
		}
		if float64(grant) <= l.bucket {
			l.bucket -= float64(grant)
			l.record(now, grant)
			remaining -= grant
			l.mu.Unlock()
			if remaining <= 0 {
				return nil
			}
			continue
		}
		wait := time.Duration((float64(grant) - l.bucket) / float64(l.limit) * float64(time.Second))
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// AcquireSync is the blocking variant without cancellation, identical in
// effect to Acquire.
func (l *Limiter) AcquireSync(size int64) {
	_ = l.Acquire(context.Background(), size)
}

// CurrentSpeed returns observed throughput over the sliding window in
// bytes/sec. The divisor is the actual span covered by in-window samples,
// clamped to the configured window; zero samples means zero speed.
func (l *Limiter) CurrentSpeed() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.evict(now)
	if len(l.samples) == 0 {
		return 0
	}
	var total int64
	for _, s := range l.samples {
		total += s.bytes
	}
	span := now.Sub(l.samples[0].at)
	if span <= 0 || span > l.window {
		span = l.window
	}
	return float64(total) / span.Seconds()
}

// Reset restores the bucket to full and clears all samples. Used when the
// limit configuration changes at runtime.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.bucket = float64(l.limit)
	l.last = time.Now()
	l.samples = l.samples[:0]
	l.mu.Unlock()
}

// SetLimit reconfigures the limit and resets the bucket and samples.
// In-flight callers observe the new limit on their next admission check.
func (l *Limiter) SetLimit(limit int64) {
	l.mu.Lock()
	l.limit = limit
	l.bucket = float64(limit)
	l.last = time.Now()
	l.samples = l.samples[:0]
	l.mu.Unlock()
}

// Limit returns the configured limit in bytes/sec.
func (l *Limiter) Limit() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}
