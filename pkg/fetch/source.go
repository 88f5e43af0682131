package fetch

import (
	"context"
	"io"
)

// Response is an open archive stream.
type Response struct {
	Body io.ReadCloser
	// Offset is where Body starts. It differs from the requested offset when
	// the source ignored the range request; the fetcher then restarts at 0.
	Offset int64
	// Total is the full archive size, -1 when unknown.
	Total int64
}

// Source opens an archive for reading at an offset. Errors should be
// *errors.NetworkError so the coordinator can tell transient from permanent.
type Source interface {
	Open(ctx context.Context, rawURL string, offset int64) (*Response, error)
}
