package fetch

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/corvid-labs/magpie/internal/task"
	"github.com/corvid-labs/magpie/internal/utils"
)

var filenameRegex = regexp.MustCompile(`[^a-zA-Z0-9_\-\. ]+`)

// HTTPSource streams a resource over HTTP/HTTPS with range-based resume.
type HTTPSource struct {
	url    string
	client *utils.HTTPClient
}

func NewHTTPSource(url string, cfg utils.HTTPClientConfig) *HTTPSource {
	return &HTTPSource{
		url:    url,
		client: utils.NewHTTPClient(cfg),
	}
}

// Stat resolves size, range support and a content fingerprint via HEAD.
// A missing Content-Length yields Size -1: completion is then detected by
// end-of-stream instead of byte accounting.
func (h *HTTPSource) Stat(ctx context.Context) (*Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.url, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating HEAD request: %v", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, task.WrapError(task.KindTransientNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusFound {
		if location := resp.Header.Get("Location"); location != "" {
			h.url = location
			return h.Stat(ctx)
		}
	}
	if err := checkStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	info := &Info{
		Size:           -1,
		RangeSupported: resp.Header.Get("Accept-Ranges") == "bytes",
		Filename:       filenameFromHeader(resp.Header.Get("Content-Disposition")),
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if size, err := strconv.ParseInt(cl, 10, 64); err == nil && size > 0 {
			info.Size = size
		}
	}
	info.Fingerprint = fingerprint(resp.Header.Get("ETag"), info.Size)
	return info, nil
}

// Open issues a GET, with a Range header when offset > 0. A plain 200 on a
// ranged request means the server ignored the range; the stale offset must
// not be appended to, so ErrRangeNotSupported is returned instead.
func (h *HTTPSource) Open(ctx context.Context, offset int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating GET request: %v", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	req.Header.Set("Connection", "keep-alive")
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, task.WrapError(task.KindTransientNetwork, err)
	}

	if offset > 0 {
		switch resp.StatusCode {
		case http.StatusPartialContent:
			return resp.Body, nil
		case http.StatusOK:
			resp.Body.Close()
			return nil, task.ErrRangeNotSupported
		case http.StatusRequestedRangeNotSatisfiable:
			resp.Body.Close()
			return nil, task.WrapError(task.KindSourceExhausted, task.ErrSizeMismatch)
		}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, checkStatus(resp.StatusCode)
	}
	return resp.Body, nil
}

// checkStatus maps HTTP status codes onto the engine's failure taxonomy.
func checkStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized:
		return task.WrapError(task.KindAuth, fmt.Errorf("%w (status %d)", task.ErrUnauthorized, code))
	case code == http.StatusForbidden:
		return task.WrapError(task.KindAuth, fmt.Errorf("%w (status %d)", task.ErrForbidden, code))
	case code == http.StatusNotFound:
		return fmt.Errorf("%w (status %d)", task.ErrNotFound, code)
	case code == http.StatusTooManyRequests:
		return task.WrapError(task.KindTransientNetwork, task.ErrRateLimited)
	case code >= 500:
		return task.WrapError(task.KindTransientNetwork, fmt.Errorf("%w (status %d)", task.ErrServer, code))
	default:
		return fmt.Errorf("unexpected status code: %d", code)
	}
}

// fingerprint prefers the ETag; otherwise the advertised size stands in.
// A size-derived fingerprint still catches the common resume hazard of the
// remote content being replaced with a different length.
func fingerprint(etag string, size int64) string {
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)
	if etag != "" {
		return etag
	}
	if size > 0 {
		return fmt.Sprintf("size-%d", size)
	}
	return ""
}

func filenameFromHeader(contentDisposition string) string {
	if contentDisposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentDisposition)
	if err != nil {
		return ""
	}
	if fn, ok := params["filename"]; ok && fn != "" {
		return filenameRegex.ReplaceAllString(fn, "_")
	}
	if fn, ok := params["filename*"]; ok && strings.HasPrefix(fn, "UTF-8''") {
		unescaped, _ := url.PathUnescape(strings.TrimPrefix(fn, "UTF-8''"))
		return filenameRegex.ReplaceAllString(unescaped, "_")
	}
	return ""
}
