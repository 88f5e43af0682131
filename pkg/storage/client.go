// Package storage reads release archives from S3-compatible object storage.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/releasekit/installer/pkg/errors"
)

// ErrInvalidRange is returned when the requested offset is at or beyond the
// end of the object.
var ErrInvalidRange = errors.New("storage: requested range not satisfiable")

// ErrNotFound is returned for a missing bucket or key.
var ErrNotFound = errors.New("storage: object not found")

// Client provides S3 storage operations
type Client struct {
	s3Client *s3.Client
}

// Options configure the underlying AWS client.
type Options struct {
	Region string
	// Anonymous skips the credential chain; public release buckets need no
	// signing.
	Anonymous bool
	// Endpoint overrides the service endpoint (MinIO, R2, test servers).
	Endpoint string
}

// NewClient creates a new S3 client
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	slog.Info("s3_client_init", "region", opts.Region, "anonymous", opts.Anonymous, "endpoint", opts.Endpoint)

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.Anonymous {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Client{s3Client: s3Client}, nil
}

// ParseURL splits s3://bucket/key.
func ParseURL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", errors.Wrap(err, "invalid s3 url")
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("not an s3 url: %s", raw)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("s3 url needs bucket and key: %s", raw)
	}
	return u.Host, key, nil
}

// Object is an open object body positioned at Offset.
type Object struct {
	Body io.ReadCloser
	// Offset is where Body starts within the object.
	Offset int64
	// Total is the full object size, -1 when unknown.
	Total int64
}

// Open starts reading bucket/key at offset.
func (c *Client) Open(ctx context.Context, bucket, key string, offset int64) (*Object, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if offset > 0 {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}

	slog.Debug("s3_get_object", "bucket", bucket, "s3_key", key, "offset", offset)

	result, err := c.s3Client.GetObject(ctx, input)
	if err != nil {
		var nsk *types.NoSuchKey
		var nsb *types.NoSuchBucket
		if errors.As(err, &nsk) || errors.As(err, &nsb) {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, bucket, key)
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange" {
			return nil, ErrInvalidRange
		}
		slog.Error("s3_get_object_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to get object from S3")
	}

	obj := &Object{Body: result.Body, Total: -1}
	if result.ContentRange != nil {
		start, total, ok := ParseContentRange(aws.ToString(result.ContentRange))
		if ok {
			obj.Offset = start
			obj.Total = total
		}
	} else if result.ContentLength != nil {
		obj.Total = aws.ToInt64(result.ContentLength)
	}
	return obj, nil
}

// ParseContentRange reads an HTTP Content-Range value "bytes start-end/total";
// total may be "*".
func ParseContentRange(v string) (start, total int64, ok bool) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "bytes ")
	rng, size, found := strings.Cut(v, "/")
	if !found {
		return 0, 0, false
	}
	first, _, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	total = -1
	if size != "*" {
		if total, err = strconv.ParseInt(size, 10, 64); err != nil {
			return 0, 0, false
		}
	}
	return start, total, true
}
