package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/releasekit/installer/pkg/errors"
	"github.com/releasekit/installer/pkg/storage"
)

// HTTPSource fetches over HTTP(S), resuming with Range requests.
type HTTPSource struct {
	client    *http.Client
	userAgent string
}

func NewHTTPSource(client *http.Client, userAgent string) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{client: client, userAgent: userAgent}
}

func (s *HTTPSource) Open(ctx context.Context, rawURL string, offset int64) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &errors.NetworkError{Op: "request", URL: rawURL, Permanent: true, Err: err}
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &errors.NetworkError{Op: "get", URL: rawURL, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		start, total, ok := storage.ParseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != offset {
			resp.Body.Close()
			return nil, &errors.NetworkError{
				Op: "get", URL: rawURL, StatusCode: resp.StatusCode,
				Err: fmt.Errorf("unexpected content range %q for offset %d", resp.Header.Get("Content-Range"), offset),
			}
		}
		return &Response{Body: resp.Body, Offset: start, Total: total}, nil

	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			slog.Info("fetch_range_ignored", "url", rawURL, "offset", offset)
		}
		return &Response{Body: resp.Body, Offset: 0, Total: resp.ContentLength}, nil

	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		resp.Body.Close()
		// "bytes */N" with N == offset: the partial file is already complete.
		if total, ok := unsatisfiedTotal(resp.Header.Get("Content-Range")); ok && total == offset {
			return &Response{Body: http.NoBody, Offset: offset, Total: total}, nil
		}
		slog.Info("fetch_range_rejected", "url", rawURL, "offset", offset)
		return s.Open(ctx, rawURL, 0)
	}

	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return nil, &errors.NetworkError{
		Op:         "get",
		URL:        rawURL,
		StatusCode: resp.StatusCode,
		Permanent:  !retryableStatus(resp.StatusCode),
	}
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

func unsatisfiedTotal(contentRange string) (int64, bool) {
	var total int64
	if _, err := fmt.Sscanf(contentRange, "bytes */%d", &total); err != nil {
		return 0, false
	}
	return total, true
}
