package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// ErrKind buckets every low-level failure before the retry policy sees it.
// Anything unclassified stays KindUnknown, which is non-retryable: unknown
// conditions must not loop forever.
type ErrKind int

const (
	KindUnknown ErrKind = iota
	KindTransientNetwork
	KindAuth
	KindDestination
	KindSourceExhausted
	KindCancelled
)

func (k ErrKind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient-network"
	case KindAuth:
		return "auth"
	case KindDestination:
		return "destination"
	case KindSourceExhausted:
		return "source-exhausted"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Retryable reports whether failures of this kind may be re-admitted.
func (k ErrKind) Retryable() bool {
	return k == KindTransientNetwork
}

// Error attaches a kind to an underlying failure.
type Error struct {
	Kind ErrKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// WrapError tags err with kind. A nil err returns nil.
func WrapError(kind ErrKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Sentinel errors shared between the fetch sources and the engine.
var (
	ErrRangeNotSupported = errors.New("server does not support range requests")
	ErrSizeMismatch      = errors.New("remote content length changed since checkpoint")
	ErrNotFound          = errors.New("resource not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("access forbidden")
	ErrServer            = errors.New("server error")
	ErrRateLimited       = errors.New("server rate limited the request")
)

// Classify maps err onto the failure taxonomy. Explicit *Error tags win;
// context cancellation maps to KindCancelled; recognizable network and
// filesystem conditions map to their buckets; everything else is
// KindUnknown.
func Classify(err error) ErrKind {
	if err == nil {
		return KindUnknown
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransientNetwork
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrForbidden):
		return KindAuth
	case errors.Is(err, ErrServer), errors.Is(err, ErrRateLimited):
		return KindTransientNetwork
	case errors.Is(err, ErrSizeMismatch):
		return KindSourceExhausted
	case errors.Is(err, io.ErrUnexpectedEOF):
		return KindTransientNetwork
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ETIMEDOUT):
		return KindTransientNetwork
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT),
		errors.Is(err, os.ErrPermission):
		return KindDestination
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransientNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindTransientNetwork
	}
	return KindUnknown
}
