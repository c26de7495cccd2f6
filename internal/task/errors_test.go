package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrKind
	}{
		{"nil", nil, KindUnknown},
		{"tagged auth", WrapError(KindAuth, errors.New("401")), KindAuth},
		{"tagged transient", WrapError(KindTransientNetwork, errors.New("reset")), KindTransientNetwork},
		{"tagged wrapped deeper", fmt.Errorf("outer: %w", WrapError(KindDestination, errors.New("disk"))), KindDestination},
		{"context canceled", context.Canceled, KindCancelled},
		{"context deadline", context.DeadlineExceeded, KindTransientNetwork},
		{"unauthorized sentinel", ErrUnauthorized, KindAuth},
		{"forbidden sentinel", ErrForbidden, KindAuth},
		{"server sentinel", ErrServer, KindTransientNetwork},
		{"rate limited sentinel", ErrRateLimited, KindTransientNetwork},
		{"size mismatch sentinel", ErrSizeMismatch, KindSourceExhausted},
		{"unexpected eof", io.ErrUnexpectedEOF, KindTransientNetwork},
		{"connection reset", syscall.ECONNRESET, KindTransientNetwork},
		{"connection refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), KindTransientNetwork},
		{"no space", syscall.ENOSPC, KindDestination},
		{"permission", os.ErrPermission, KindDestination},
		{"plain error", errors.New("mystery"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if !KindTransientNetwork.Retryable() {
		t.Error("KindTransientNetwork.Retryable() = false, want true")
	}
	for _, k := range []ErrKind{KindUnknown, KindAuth, KindDestination, KindSourceExhausted, KindCancelled} {
		if k.Retryable() {
			t.Errorf("%s.Retryable() = true, want false", k)
		}
	}
}

func TestWrapError(t *testing.T) {
	if WrapError(KindAuth, nil) != nil {
		t.Error("WrapError(kind, nil) != nil, want nil")
	}
	base := errors.New("underlying")
	wrapped := WrapError(KindAuth, base)
	if !errors.Is(wrapped, base) {
		t.Error("errors.Is(wrapped, base) = false, want unwrap to reach base")
	}
}
