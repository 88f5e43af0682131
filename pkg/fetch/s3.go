package fetch

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/releasekit/installer/pkg/errors"
	"github.com/releasekit/installer/pkg/storage"
)

// S3Source serves s3://bucket/key URLs through a storage client.
type S3Source struct {
	client *storage.Client
}

func NewS3Source(client *storage.Client) *S3Source {
	return &S3Source{client: client}
}

func (s *S3Source) Open(ctx context.Context, rawURL string, offset int64) (*Response, error) {
	bucket, key, err := storage.ParseURL(rawURL)
	if err != nil {
		return nil, &errors.NetworkError{Op: "parse", URL: rawURL, Permanent: true, Err: err}
	}

	obj, err := s.client.Open(ctx, bucket, key, offset)
	switch {
	case err == nil:
		return &Response{Body: obj.Body, Offset: obj.Offset, Total: obj.Total}, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, storage.ErrInvalidRange) && offset > 0:
		slog.Info("fetch_range_rejected", "url", rawURL, "offset", offset)
		return s.Open(ctx, rawURL, 0)
	case errors.Is(err, storage.ErrNotFound):
		return nil, &errors.NetworkError{Op: "get", URL: rawURL, StatusCode: http.StatusNotFound, Permanent: true, Err: err}
	default:
		return nil, &errors.NetworkError{Op: "get", URL: rawURL, Err: err}
	}
}
