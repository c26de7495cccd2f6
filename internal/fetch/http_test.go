package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/corvid-labs/magpie/internal/task"
	"github.com/corvid-labs/magpie/internal/utils"
)

func TestStat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("Stat used method %s, want HEAD", r.Method)
		}
		w.Header().Set("Content-Length", "2048")
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("ETag", `"v1-abc"`)
		w.Header().Set("Content-Disposition", `attachment; filename="report.pdf"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	src := NewHTTPSource(server.URL, utils.HTTPClientConfig{})
	info, err := src.Stat(context.Background())
	if err != nil {
		t.Fatalf("Stat() = %v", err)
	}
	if info.Size != 2048 {
		t.Errorf("Size = %d, want 2048", info.Size)
	}
	if !info.RangeSupported {
		t.Error("RangeSupported = false, want true")
	}
	if info.Fingerprint != "v1-abc" {
		t.Errorf("Fingerprint = %q, want %q", info.Fingerprint, "v1-abc")
	}
	if info.Filename != "report.pdf" {
		t.Errorf("Filename = %q, want %q", info.Filename, "report.pdf")
	}
}

func TestStatUnknownLength(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	src := NewHTTPSource(server.URL, utils.HTTPClientConfig{})
	info, err := src.Stat(context.Background())
	if err != nil {
		t.Fatalf("Stat() = %v", err)
	}
	if info.Size != -1 {
		t.Errorf("Size = %d without Content-Length, want -1", info.Size)
	}
	if info.RangeSupported {
		t.Error("RangeSupported = true without Accept-Ranges, want false")
	}
}

func TestStatStatusMapping(t *testing.T) {
	tests := []struct {
		code int
		want task.ErrKind
	}{
		{http.StatusUnauthorized, task.KindAuth},
		{http.StatusForbidden, task.KindAuth},
		{http.StatusTooManyRequests, task.KindTransientNetwork},
		{http.StatusInternalServerError, task.KindTransientNetwork},
		{http.StatusBadGateway, task.KindTransientNetwork},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.code), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
			}))
			defer server.Close()

			src := NewHTTPSource(server.URL, utils.HTTPClientConfig{})
			_, err := src.Stat(context.Background())
			if err == nil {
				t.Fatalf("Stat() = nil for status %d, want error", tt.code)
			}
			if got := task.Classify(err); got != tt.want {
				t.Errorf("Classify(Stat err) = %s for status %d, want %s", got, tt.code, tt.want)
			}
		})
	}
}

func TestStatNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	src := NewHTTPSource(server.URL, utils.HTTPClientConfig{})
	_, err := src.Stat(context.Background())
	if !errors.Is(err, task.ErrNotFound) {
		t.Errorf("Stat() = %v, want ErrNotFound", err)
	}
	if task.Classify(err).Retryable() {
		t.Error("404 classified retryable, want non-retryable")
	}
}

func TestOpenServesRange(t *testing.T) {
	content := "0123456789abcdef"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHdr := r.Header.Get("Range")
		if rangeHdr == "" {
			w.Write([]byte(content))
			return
		}
		var offset int
		fmt.Sscanf(rangeHdr, "bytes=%d-", &offset)
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(content[offset:]))
	}))
	defer server.Close()

	src := NewHTTPSource(server.URL, utils.HTTPClientConfig{})
	body, err := src.Open(context.Background(), 10)
	if err != nil {
		t.Fatalf("Open(10) = %v", err)
	}
	defer body.Close()
	got, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("ReadAll() = %v", err)
	}
	if string(got) != content[10:] {
		t.Errorf("ranged read = %q, want %q", got, content[10:])
	}
}

func TestOpenRangeIgnored(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Serve the whole body with 200 regardless of the Range header.
		w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer server.Close()

	src := NewHTTPSource(server.URL, utils.HTTPClientConfig{})
	_, err := src.Open(context.Background(), 32)
	if !errors.Is(err, task.ErrRangeNotSupported) {
		t.Errorf("Open(32) = %v, want ErrRangeNotSupported", err)
	}
}

func TestOpenRangeNotSatisfiable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer server.Close()

	src := NewHTTPSource(server.URL, utils.HTTPClientConfig{})
	_, err := src.Open(context.Background(), 9999)
	if !errors.Is(err, task.ErrSizeMismatch) {
		t.Errorf("Open(9999) = %v, want ErrSizeMismatch", err)
	}
	if got := task.Classify(err); got != task.KindSourceExhausted {
		t.Errorf("Classify = %s, want source-exhausted", got)
	}
}

func TestFingerprint(t *testing.T) {
	tests := []struct {
		name string
		etag string
		size int64
		want string
	}{
		{"strong etag", `"abc"`, 100, "abc"},
		{"weak etag", `W/"abc"`, 100, "abc"},
		{"no etag uses size", "", 100, "size-100"},
		{"nothing known", "", -1, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fingerprint(tt.etag, tt.size); got != tt.want {
				t.Errorf("fingerprint(%q, %d) = %q, want %q", tt.etag, tt.size, got, tt.want)
			}
		})
	}
}

func TestFilenameFromHeader(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"plain", `attachment; filename="data.zip"`, "data.zip"},
		{"empty", "", ""},
		{"no filename param", "attachment", ""},
		{"sanitized", `attachment; filename="a/b:c.txt"`, "a_b_c.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := filenameFromHeader(tt.header); got != tt.want {
				t.Errorf("filenameFromHeader(%q) = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}

func TestForURL(t *testing.T) {
	if _, err := ForURL("http://example.com/a", utils.HTTPClientConfig{}); err != nil {
		t.Errorf("ForURL(http) = %v, want nil", err)
	}
	if _, err := ForURL("ftp://example.com/a", utils.HTTPClientConfig{}); err == nil {
		t.Error("ForURL(ftp) = nil, want unsupported scheme error")
	}
}
