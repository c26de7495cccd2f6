package engine

import (
	"sync"
	"time"

	"github.com/corvid-labs/magpie/internal/task"
)

const (
	busBuffer        = 256
	subscriberBuffer = 256
	// subscriberStall bounds how long dispatch waits on one subscriber
	// for a non-droppable event before evicting it.
	subscriberStall = 5 * time.Second
)

// Bus fans task events out to observers (terminal display, logs, a
// frontend) without coupling the engine to any of them. A single dispatch
// goroutine preserves per-task emission order across all subscribers.
type Bus struct {
	mu   sync.Mutex // guards subs
	subs []chan task.Event

	closeMu sync.RWMutex // guards closed and writes to in
	closed  bool

	stall time.Duration
	in    chan task.Event
	wg    sync.WaitGroup
}

func NewBus() *Bus {
	return newBusWithStall(subscriberStall)
}

func newBusWithStall(stall time.Duration) *Bus {
	b := &Bus{
		stall: stall,
		in:    make(chan task.Event, busBuffer),
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

func (b *Bus) dispatch() {
	defer b.wg.Done()
	for ev := range b.in {
		b.mu.Lock()
		subs := b.subs
		b.mu.Unlock()
		var stalled []chan task.Event
		for _, sub := range subs {
			if ev.Status == task.StatusDownloading {
				// Progress ticks are droppable for slow consumers;
				// state transitions are not.
				select {
				case sub <- ev:
				default:
				}
				continue
			}
			select {
			case sub <- ev:
			default:
				// The subscriber's buffer is full on a transition. Wait
				// it out briefly, then cut it loose so one wedged
				// consumer cannot stall every publisher.
				timer := time.NewTimer(b.stall)
				select {
				case sub <- ev:
					timer.Stop()
				case <-timer.C:
					stalled = append(stalled, sub)
				}
			}
		}
		if len(stalled) > 0 {
			b.evict(stalled)
		}
	}
	b.mu.Lock()
	for _, sub := range b.subs {
		close(sub)
	}
	b.subs = nil
	b.mu.Unlock()
}

// evict removes and closes subscribers that stopped draining.
func (b *Bus) evict(stalled []chan task.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, dead := range stalled {
		for i, sub := range b.subs {
			if sub == dead {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(dead)
				break
			}
		}
	}
}

// Subscribe registers an observer. The channel is closed when the bus
// shuts down, or when the observer stops draining and gets evicted.
// Progress ticks are dropped when an observer falls behind; a state
// transition left unread past the stall timeout is grounds for eviction.
func (b *Bus) Subscribe() <-chan task.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan task.Event, subscriberBuffer)
	b.subs = append(b.subs, ch)
	return ch
}

func (b *Bus) Publish(ev task.Event) {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return
	}
	b.in <- ev
}

// Close drains pending events, then closes all subscriber channels.
// Publishers racing Close are waited out before the intake closes.
func (b *Bus) Close() {
	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		return
	}
	b.closed = true
	b.closeMu.Unlock()
	close(b.in)
	b.wg.Wait()
}
