package fetch

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/corvid-labs/magpie/internal/utils"
)

// Info is remote resource metadata resolved during the connecting phase.
type Info struct {
	Size           int64 // -1 when the remote does not advertise a length
	Fingerprint    string
	RangeSupported bool
	Filename       string // suggested name, may be empty
}

// Source is a byte stream addressable by URL with optional range support.
// The engine is protocol-agnostic: anything implementing Source flows
// through the same transfer unit, limiter and checkpointing.
type Source interface {
	Stat(ctx context.Context) (*Info, error)
	// Open returns a reader positioned at offset. Implementations return
	// task.ErrRangeNotSupported (possibly wrapped) when offset > 0 and the
	// remote cannot serve ranges, so the caller can restart from zero.
	Open(ctx context.Context, offset int64) (io.ReadCloser, error)
}

// ForURL selects a source implementation by scheme.
func ForURL(rawURL string, cfg utils.HTTPClientConfig) (Source, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %v", err)
	}
	switch parsed.Scheme {
	case "http", "https":
		return NewHTTPSource(rawURL, cfg), nil
	case "s3":
		return NewS3Source(parsed.Host, trimLeadingSlash(parsed.Path), "")
	default:
		return nil, fmt.Errorf("unsupported scheme: %s", parsed.Scheme)
	}
}

func trimLeadingSlash(p string) string {
	if len(p) > 0 && p[0] == '/' {
		return p[1:]
	}
	return p
}
