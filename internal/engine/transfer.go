package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/corvid-labs/magpie/internal/checkpoint"
	"github.com/corvid-labs/magpie/internal/fetch"
	"github.com/corvid-labs/magpie/internal/ratelimit"
	"github.com/corvid-labs/magpie/internal/task"
	"github.com/corvid-labs/magpie/internal/utils"
)

// errPaused signals a cooperative pause at a chunk boundary. It is not a
// failure: the checkpoint and partial file are preserved for resume.
var errPaused = errors.New("transfer paused")

const progressInterval = 200 * time.Millisecond

// transfer drives one download attempt: connect, resolve resume offset,
// stream chunks through the rate limiters, checkpoint, finalize.
type transfer struct {
	req         task.Request
	state       *task.State
	global      *ratelimit.Limiter
	taskLimiter *ratelimit.Limiter // per-task throughput tracker, caps only when the request sets a limit
	ckpt        *checkpoint.Store
	bus         *Bus
	pause       *atomic.Bool

	chunkSize      int64
	connectTimeout time.Duration
	stallTimeout   time.Duration
	log            zerolog.Logger
}

func (t *transfer) emit(status task.Status, err error) {
	snap := t.state.Snapshot()
	t.bus.Publish(task.Event{
		TaskID:     t.req.ID,
		OutputPath: t.req.OutputPath,
		Status:     status,
		Downloaded: snap.Downloaded,
		Total:      snap.Total,
		Speed:      t.taskLimiter.CurrentSpeed(),
		Err:        err,
		At:         time.Now(),
	})
}

func (t *transfer) tempPath() string {
	tempDir := filepath.Join(filepath.Dir(t.req.OutputPath), utils.TempDirName)
	return filepath.Join(tempDir, filepath.Base(t.req.OutputPath)+".part")
}

// attempt runs a single connect-and-download cycle. Retries are decided by
// the scheduler; every attempt re-enters here through a fresh Connecting
// state so a resumable checkpoint is always re-checked.
func (t *transfer) attempt(ctx context.Context) error {
	if !t.state.Transition(task.StatusConnecting) {
		return fmt.Errorf("illegal transition to connecting from %s", t.state.Status())
	}
	t.emit(task.StatusConnecting, nil)

	statCtx, cancelStat := context.WithTimeout(ctx, t.connectTimeout)
	src, err := fetch.ForURL(t.req.URL, t.req.HTTPClientConfig)
	if err != nil {
		cancelStat()
		return err
	}
	info, err := src.Stat(statCtx)
	cancelStat()
	if err != nil {
		return err
	}
	t.state.SetTotal(info.Size)

	tempPath := t.tempPath()
	if err := os.MkdirAll(filepath.Dir(tempPath), 0755); err != nil {
		return task.WrapError(task.KindDestination, fmt.Errorf("error creating temp directory: %v", err))
	}

	offset := t.resolveOffset(info, tempPath)

	// The watchdog bounds a unit stuck inside a read that never reaches a
	// chunk boundary; each completed chunk pushes the deadline out again.
	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()
	watchdog := time.AfterFunc(t.stallTimeout, cancelAttempt)
	defer watchdog.Stop()

	body, err := src.Open(attemptCtx, offset)
	// An ignored range means the server cannot resume; an unsatisfiable
	// one means the checkpointed offset no longer exists. Either way the
	// partial is stale and the source itself may still be fine, so the
	// attempt restarts from zero instead of failing the task.
	if offset > 0 && (errors.Is(err, task.ErrRangeNotSupported) || errors.Is(err, task.ErrSizeMismatch)) {
		t.log.Warn().Str("op", "engine/transfer").Err(err).Msgf("Cannot resume %s, restarting from zero", t.req.OutputPath)
		t.discardProgress(tempPath)
		offset = 0
		body, err = src.Open(attemptCtx, 0)
	}
	if err != nil {
		return t.classifyAttemptErr(ctx, attemptCtx, err)
	}
	defer body.Close()

	fileMode := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		fileMode |= os.O_APPEND
	} else {
		fileMode |= os.O_TRUNC
	}
	outFile, err := os.OpenFile(tempPath, fileMode, 0644)
	if err != nil {
		return task.WrapError(task.KindDestination, fmt.Errorf("error creating output file: %v", err))
	}
	defer outFile.Close()

	if !t.state.Transition(task.StatusDownloading) {
		return fmt.Errorf("illegal transition to downloading from %s", t.state.Status())
	}
	t.state.SetDownloaded(offset)
	t.emit(task.StatusDownloading, nil)
	if offset > 0 {
		t.log.Debug().Str("op", "engine/transfer").Msgf("Resuming %s from offset %d", t.req.OutputPath, offset)
	}

	written, err := t.stream(ctx, attemptCtx, watchdog, body, outFile, info, offset, tempPath)
	if err != nil {
		return err
	}

	if info.Size >= 0 && offset+written != info.Size {
		// Short body with a clean EOF: the remote truncated the stream.
		return task.WrapError(task.KindTransientNetwork,
			fmt.Errorf("size mismatch: expected %d bytes, got %d", info.Size, offset+written))
	}

	if err := outFile.Sync(); err != nil {
		return task.WrapError(task.KindDestination, err)
	}
	outFile.Close()
	if err := os.Rename(tempPath, t.req.OutputPath); err != nil {
		return task.WrapError(task.KindDestination, fmt.Errorf("error finalizing output file: %v", err))
	}
	t.ckpt.Discard(t.req.OutputPath)

	if !t.state.Transition(task.StatusCompleted) {
		return fmt.Errorf("illegal transition to completed from %s", t.state.Status())
	}
	t.emit(task.StatusCompleted, nil)
	t.log.Info().Str("op", "engine/transfer").Msgf("Download complete for %s", t.req.OutputPath)
	return nil
}

// stream copies chunks from body to outFile under the rate limiters,
// checkpointing after every flushed chunk.
func (t *transfer) stream(ctx, attemptCtx context.Context, watchdog *time.Timer, body io.Reader, outFile *os.File, info *fetch.Info, offset int64, tempPath string) (int64, error) {
	chunk := t.chunkSize
	// A chunk must fit inside one second of bucket budget or it can
	// never be admitted.
	if limit := t.global.Limit(); limit > 0 && chunk > limit {
		chunk = limit
	}
	if limit := t.taskLimiter.Limit(); limit > 0 && chunk > limit {
		chunk = limit
	}
	buf := make([]byte, chunk)

	var written int64
	lastEmit := time.Now()
	for {
		if ctx.Err() != nil {
			return written, task.WrapError(task.KindCancelled, ctx.Err())
		}
		if t.pause.Load() {
			outFile.Sync()
			return written, errPaused
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			watchdog.Reset(t.stallTimeout)
			// Per-task cap first (the tighter bound), then the shared
			// global budget. An uncapped task limiter admits instantly
			// but still samples for per-task speed reporting.
			if err := t.taskLimiter.Acquire(ctx, int64(n)); err != nil {
				return written, task.WrapError(task.KindCancelled, err)
			}
			if err := t.global.Acquire(ctx, int64(n)); err != nil {
				return written, task.WrapError(task.KindCancelled, err)
			}
			if _, err := outFile.Write(buf[:n]); err != nil {
				return written, task.WrapError(task.KindDestination, fmt.Errorf("error writing to output file: %v", err))
			}
			written += int64(n)
			t.state.AddBytes(int64(n))

			if err := t.ckpt.Save(&checkpoint.Record{
				Path:         t.req.OutputPath,
				BytesWritten: offset + written,
				Fingerprint:  info.Fingerprint,
				TotalSize:    info.Size,
			}); err != nil {
				t.log.Warn().Str("op", "engine/transfer").Err(err).Msg("Failed to persist checkpoint")
			}

			if time.Since(lastEmit) >= progressInterval {
				t.emit(task.StatusDownloading, nil)
				lastEmit = time.Now()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			return written, t.classifyAttemptErr(ctx, attemptCtx, readErr)
		}
	}
}

// resolveOffset decides where this attempt starts. A checkpoint is honored
// only when its fingerprint and total still match the remote; otherwise
// the stale record and partial file are discarded and the transfer
// restarts from zero. The offset never exceeds the bytes actually present
// in the partial file.
func (t *transfer) resolveOffset(info *fetch.Info, tempPath string) int64 {
	var tempSize int64
	if fi, err := os.Stat(tempPath); err == nil {
		tempSize = fi.Size()
	}

	var offset int64
	rec, err := t.ckpt.Load(t.req.OutputPath)
	if err != nil {
		t.log.Warn().Str("op", "engine/transfer").Err(err).Msg("Failed to read checkpoint")
	}
	switch {
	case rec != nil:
		matches := rec.Fingerprint == info.Fingerprint && (info.Size < 0 || rec.TotalSize == info.Size)
		if matches {
			offset = min(rec.BytesWritten, tempSize)
		} else {
			t.log.Warn().Str("op", "engine/transfer").Msgf("Remote content changed for %s, restarting from zero", t.req.OutputPath)
			t.discardProgress(tempPath)
		}
	case t.req.ResumeOffset > 0 && tempSize >= t.req.ResumeOffset:
		offset = t.req.ResumeOffset
	}

	// Bytes past the last durable checkpoint are dropped so the appended
	// range lines up with what the server will send.
	if offset > 0 && offset < tempSize {
		if err := os.Truncate(tempPath, offset); err != nil {
			t.log.Warn().Str("op", "engine/transfer").Err(err).Msg("Failed to trim partial file, restarting from zero")
			t.discardProgress(tempPath)
			offset = 0
		}
	}

	if offset > 0 && !info.RangeSupported {
		t.log.Warn().Str("op", "engine/transfer").Msgf("Server does not support resume for %s, restarting from zero", t.req.OutputPath)
		t.discardProgress(tempPath)
		offset = 0
	}
	return offset
}

func (t *transfer) discardProgress(tempPath string) {
	t.ckpt.Discard(t.req.OutputPath)
	os.Remove(tempPath)
}

// classifyAttemptErr separates user cancellation from a watchdog-forced
// stall abort: both cancel the attempt context, but only the former should
// end the task.
func (t *transfer) classifyAttemptErr(ctx, attemptCtx context.Context, err error) error {
	if ctx.Err() != nil {
		return task.WrapError(task.KindCancelled, ctx.Err())
	}
	if attemptCtx.Err() != nil {
		return task.WrapError(task.KindTransientNetwork,
			fmt.Errorf("attempt stalled beyond %s: %v", t.stallTimeout, err))
	}
	return err
}
