package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/corvid-labs/magpie/internal/checkpoint"
	"github.com/corvid-labs/magpie/internal/ratelimit"
	"github.com/corvid-labs/magpie/internal/retry"
	"github.com/corvid-labs/magpie/internal/task"
	"github.com/corvid-labs/magpie/internal/utils"
)

var (
	ErrUnknownTask   = errors.New("unknown task")
	ErrSchedulerDone = errors.New("scheduler closed")
)

// Recorder persists finished tasks. Implemented by history.Store.
type Recorder interface {
	Record(ctx context.Context, req task.Request, snap task.Snapshot) error
}

type Config struct {
	Concurrency    int
	SpeedLimit     int64 // bytes/sec shared across all tasks, 0 = unlimited
	ChunkSize      int64
	CheckpointDir  string
	ConnectTimeout time.Duration
	StallTimeout   time.Duration
	Retry          retry.Policy
	ClientConfig   utils.HTTPClientConfig
	History        Recorder // optional
}

func (c *Config) withDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = utils.DefaultChunkSize
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 2 * time.Minute
	}
	if c.Retry == (retry.Policy{}) {
		c.Retry = retry.Default()
	}
	if c.CheckpointDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.CheckpointDir = filepath.Join(home, ".magpie", "checkpoints")
		} else {
			c.CheckpointDir = ".magpie-checkpoints"
		}
	}
}

// entry is the scheduler's bookkeeping for one submitted task.
type entry struct {
	req         task.Request
	state       *task.State
	pause       *atomic.Bool
	taskLimiter *ratelimit.Limiter
	ctx         context.Context
	cancel      context.CancelFunc
	backoff     *time.Timer // set while waiting out a retry delay
	admitted    bool        // a worker goroutine currently owns this entry
}

// Scheduler admits queued tasks in FIFO order under a concurrency ceiling,
// never running two tasks against the same output path at once. It owns
// the retry loop: a failed attempt gives its worker slot back immediately
// and re-enters the queue after the backoff elapses.
type Scheduler struct {
	cfg    Config
	global *ratelimit.Limiter
	ckpt   *checkpoint.Store
	bus    *Bus
	log    zerolog.Logger

	mu          sync.Mutex
	cond        *sync.Cond
	queue       []*entry
	entries     map[string]*entry // every live task, keyed by ID
	activePaths map[string]*entry // output path claims, held until terminal
	running     int
	concurrency int
	pending     int // live tasks not yet terminal
	closed      bool
}

func New(cfg Config) (*Scheduler, error) {
	cfg.withDefaults()
	ckpt, err := checkpoint.NewStore(cfg.CheckpointDir)
	if err != nil {
		return nil, fmt.Errorf("error opening checkpoint store: %v", err)
	}
	s := &Scheduler{
		cfg:         cfg,
		global:      ratelimit.New(cfg.SpeedLimit),
		ckpt:        ckpt,
		bus:         NewBus(),
		log:         utils.GetLogger("engine"),
		entries:     make(map[string]*entry),
		activePaths: make(map[string]*entry),
		concurrency: cfg.Concurrency,
	}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// Subscribe returns a channel of progress and state-change events.
func (s *Scheduler) Subscribe() <-chan task.Event {
	return s.bus.Subscribe()
}

// Submit enqueues a download. The returned handle identifies the task for
// Pause, Resume and Cancel.
func (s *Scheduler) Submit(req task.Request) (*Handle, error) {
	if req.URL == "" {
		return nil, errors.New("request has no URL")
	}
	if req.OutputPath == "" {
		return nil, errors.New("request has no output path")
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	// A request without its own client options inherits the scheduler's,
	// so proxy, headers and cookies reach every transfer.
	if req.HTTPClientConfig.IsZero() {
		req.HTTPClientConfig = s.cfg.ClientConfig
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSchedulerDone
	}
	if _, ok := s.entries[req.ID]; ok {
		return nil, fmt.Errorf("duplicate task id %s", req.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		req:   req,
		state: task.NewState(),
		pause: &atomic.Bool{},
		// Zero SpeedLimit leaves the task uncapped; the limiter still
		// samples throughput so events carry a per-task speed.
		taskLimiter: ratelimit.New(req.SpeedLimit),
		ctx:         ctx,
		cancel:      cancel,
	}
	s.entries[req.ID] = e
	s.queue = append(s.queue, e)
	s.pending++
	s.emitLocked(e, nil)
	s.admitLocked()
	return &Handle{id: req.ID, sched: s}, nil
}

// admitLocked starts queued tasks while worker slots remain. A task whose
// output path is claimed by a different live task is skipped and retried
// on the next admission pass; tasks behind it are not held up. A paused or
// retrying task keeps its own claim, so its re-admission is never blocked
// by itself.
func (s *Scheduler) admitLocked() {
	for i := 0; i < len(s.queue) && s.running < s.concurrency; {
		e := s.queue[i]
		if owner, claimed := s.activePaths[e.req.OutputPath]; claimed && owner != e {
			i++
			continue
		}
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		s.activePaths[e.req.OutputPath] = e
		s.running++
		e.admitted = true
		go s.run(e)
	}
}

func (s *Scheduler) run(e *entry) {
	t := &transfer{
		req:            e.req,
		state:          e.state,
		global:         s.global,
		taskLimiter:    e.taskLimiter,
		ckpt:           s.ckpt,
		bus:            s.bus,
		pause:          e.pause,
		chunkSize:      s.chunkSize(e),
		connectTimeout: s.cfg.ConnectTimeout,
		stallTimeout:   s.cfg.StallTimeout,
		log:            s.log,
	}

	err := t.attempt(e.ctx)
	switch {
	case err == nil:
		s.finish(e)
	case errors.Is(err, errPaused):
		s.park(e)
	default:
		s.settle(e, err)
	}
}

func (s *Scheduler) chunkSize(e *entry) int64 {
	if e.req.ChunkSize > 0 {
		return e.req.ChunkSize
	}
	return s.cfg.ChunkSize
}

// park releases the worker slot of a paused task. The task stays live and
// keeps its path claim and checkpoint until Resume or Cancel.
func (s *Scheduler) park(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running--
	e.admitted = false
	if s.closed {
		e.state.Transition(task.StatusCancelled)
		s.terminalLocked(e, nil)
		return
	}
	if e.state.Transition(task.StatusPaused) {
		s.emitLocked(e, nil)
	}
	s.admitLocked()
}

// settle decides the fate of a failed attempt: re-queue after backoff, or
// mark the task terminal.
func (s *Scheduler) settle(e *entry, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running--
	e.admitted = false

	kind := task.Classify(err)
	if kind == task.KindCancelled {
		e.state.Transition(task.StatusCancelled)
		e.state.SetError(err)
		s.log.Info().Str("op", "engine/scheduler").Msgf("Download cancelled for %s", e.req.OutputPath)
		s.terminalLocked(e, nil)
		return
	}

	attempts := e.state.IncrAttempts()
	if delay, ok := s.cfg.Retry.Next(err, attempts); ok && !s.closed {
		e.state.Transition(task.StatusQueued)
		s.log.Warn().Str("op", "engine/scheduler").Err(err).
			Msgf("Attempt %d failed for %s, retrying in %s", attempts, e.req.OutputPath, delay.Round(time.Millisecond))
		s.emitLocked(e, nil)
		// The slot is already free; the timer only re-enters the queue.
		e.backoff = time.AfterFunc(delay, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			e.backoff = nil
			if s.closed || e.state.Status() != task.StatusQueued {
				return
			}
			s.queue = append(s.queue, e)
			s.admitLocked()
		})
		s.admitLocked()
		return
	}

	e.state.Transition(task.StatusFailed)
	e.state.SetError(err)
	s.log.Error().Str("op", "engine/scheduler").Err(err).
		Msgf("Download failed for %s after %d attempt(s)", e.req.OutputPath, attempts)
	s.terminalLocked(e, err)
}

func (s *Scheduler) finish(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running--
	e.admitted = false
	s.terminalLocked(e, nil)
}

// terminalLocked retires a task in a terminal state: releases its path
// claim, records history, wakes waiters and admits successors.
func (s *Scheduler) terminalLocked(e *entry, err error) {
	delete(s.activePaths, e.req.OutputPath)
	s.pending--
	e.cancel()
	s.emitLocked(e, err)
	if s.cfg.History != nil {
		snap := e.state.Snapshot()
		req := e.req
		go func() {
			if herr := s.cfg.History.Record(context.Background(), req, snap); herr != nil {
				s.log.Warn().Str("op", "engine/scheduler").Err(herr).Msg("Failed to record history")
			}
		}()
	}
	s.cond.Broadcast()
	s.admitLocked()
}

func (s *Scheduler) emitLocked(e *entry, err error) {
	snap := e.state.Snapshot()
	s.bus.Publish(task.Event{
		TaskID:     e.req.ID,
		OutputPath: e.req.OutputPath,
		Status:     snap.Status,
		Downloaded: snap.Downloaded,
		Total:      snap.Total,
		Speed:      e.taskLimiter.CurrentSpeed(),
		Err:        err,
		At:         time.Now(),
	})
}

// Pause asks a downloading task to stop at the next chunk boundary. Its
// checkpoint and partial file are kept for Resume.
func (s *Scheduler) Pause(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrUnknownTask
	}
	switch st := e.state.Status(); st {
	case task.StatusDownloading, task.StatusConnecting:
		e.pause.Store(true)
		return nil
	default:
		return fmt.Errorf("cannot pause task in state %s", st)
	}
}

// Resume re-queues a paused task. It re-enters through Connecting so the
// checkpoint is re-validated against the remote before bytes flow again.
func (s *Scheduler) Resume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrUnknownTask
	}
	if e.state.Status() != task.StatusPaused {
		return fmt.Errorf("cannot resume task in state %s", e.state.Status())
	}
	e.pause.Store(false)
	e.state.Transition(task.StatusQueued)
	s.emitLocked(e, nil)
	s.queue = append(s.queue, e)
	s.admitLocked()
	return nil
}

// Cancel stops a task in any non-terminal state. Progress already
// checkpointed survives, so a later submission of the same URL and path
// resumes where this one stopped.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrUnknownTask
	}
	st := e.state.Status()
	if st.Terminal() {
		return fmt.Errorf("task already %s", st)
	}

	switch {
	case st == task.StatusQueued && !e.admitted:
		if e.backoff != nil {
			e.backoff.Stop()
			e.backoff = nil
		}
		for i, qe := range s.queue {
			if qe == e {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
		e.state.Transition(task.StatusCancelled)
		s.terminalLocked(e, nil)
	case st == task.StatusPaused:
		e.state.Transition(task.StatusCancelled)
		s.terminalLocked(e, nil)
	default:
		// An admitted attempt observes the context and settles itself.
		e.cancel()
	}
	return nil
}

// Snapshot reports the current state of a task.
func (s *Scheduler) Snapshot(id string) (task.Snapshot, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return task.Snapshot{}, ErrUnknownTask
	}
	return e.state.Snapshot(), nil
}

// SetConcurrency changes the worker ceiling. Raising it admits queued
// tasks immediately; lowering it lets excess running tasks drain.
func (s *Scheduler) SetConcurrency(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.concurrency = n
	s.admitLocked()
	s.mu.Unlock()
}

// SetSpeedLimit changes the shared bandwidth cap. 0 removes it.
func (s *Scheduler) SetSpeedLimit(bytesPerSec int64) {
	s.global.SetLimit(bytesPerSec)
}

// CurrentSpeed reports aggregate throughput over the sampling window.
func (s *Scheduler) CurrentSpeed() float64 {
	return s.global.CurrentSpeed()
}

// Wait blocks until every submitted task is terminal or ctx expires.
func (s *Scheduler) Wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending > 0 && !s.closed && ctx.Err() == nil {
		s.cond.Wait()
	}
	return ctx.Err()
}

// Close cancels every live task, waits for running attempts to settle and
// shuts the event bus. The scheduler accepts no submissions afterwards.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	for _, e := range s.entries {
		st := e.state.Status()
		switch {
		case st.Terminal():
		case e.admitted:
			e.cancel()
		case st == task.StatusQueued || st == task.StatusPaused:
			if e.backoff != nil {
				e.backoff.Stop()
				e.backoff = nil
			}
			e.state.Transition(task.StatusCancelled)
			s.terminalLocked(e, nil)
		}
	}
	for s.running > 0 {
		s.cond.Wait()
	}
	s.cond.Broadcast()
	s.mu.Unlock()
	s.bus.Close()
}

// Handle identifies one submitted task.
type Handle struct {
	id    string
	sched *Scheduler
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Snapshot() (task.Snapshot, error) { return h.sched.Snapshot(h.id) }

func (h *Handle) Pause() error  { return h.sched.Pause(h.id) }
func (h *Handle) Resume() error { return h.sched.Resume(h.id) }
func (h *Handle) Cancel() error { return h.sched.Cancel(h.id) }
