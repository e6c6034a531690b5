// Package gcs wraps the Cloud Storage JSON API: bucket management, object
// listing and batched deletion, single-request uploads and chunked downloads.
// Bucket mutations and downloads retry transient failures with
// full-jitter exponential backoff.
package gcs

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	storage "google.golang.org/api/storage/v1"

	"github.com/andresuchdata/gcsstage/internal/retry"
	"github.com/andresuchdata/gcsstage/pkg/logger"
)

// DefaultEndpoint is the Cloud Storage API root.
const DefaultEndpoint = "https://storage.googleapis.com"

// Config describes where the client connects and the defaults it applies to
// new buckets.
type Config struct {
	KeyPath      string
	Project      string
	Location     string
	StorageClass string
	// Endpoint is the API root; the JSON API and batch paths are derived from it.
	Endpoint string
}

// Client is an authenticated Cloud Storage client. It keeps no state between
// calls apart from its HTTP channel and is safe for concurrent use.
type Client struct {
	svc        *storage.Service
	httpClient *http.Client
	cfg        Config
	batchURL   string
	retry      *retry.Policy
	log        zerolog.Logger
	chunkSize  int64
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	httpClient *http.Client
	retry      *retry.Policy
	log        *zerolog.Logger
	chunkSize  int64
}

// WithHTTPClient uses hc as-is instead of authenticating with the key file.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *clientOptions) {
		o.httpClient = hc
	}
}

// WithRetryPolicy overrides the default backoff policy.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(o *clientOptions) {
		o.retry = p
	}
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *clientOptions) {
		o.log = &l
	}
}

// WithChunkSize overrides the download chunk size.
func WithChunkSize(n int64) Option {
	return func(o *clientOptions) {
		o.chunkSize = n
	}
}

// New builds a Client. Unless WithHTTPClient is given it authenticates with
// the key at cfg.KeyPath (or GOOGLE_JSON_KEYPATH).
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	o := clientOptions{chunkSize: ChunkSize}
	for _, opt := range opts {
		opt(&o)
	}

	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Location == "" {
		cfg.Location = "EU"
	}
	if cfg.StorageClass == "" {
		cfg.StorageClass = "STANDARD"
	}

	hc := o.httpClient
	if hc == nil {
		keyPath, err := ResolveKeyPath(cfg.KeyPath)
		if err != nil {
			return nil, err
		}

		hc, err = Authenticate(ctx, keyPath)
		if err != nil {
			return nil, err
		}
		cfg.KeyPath = keyPath
	}

	root := strings.TrimRight(cfg.Endpoint, "/")

	svc, err := storage.NewService(ctx,
		option.WithHTTPClient(hc),
		option.WithEndpoint(root+"/storage/v1/"),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create storage service: %w", err)
	}

	log := logger.Component("gcs")
	if o.log != nil {
		log = *o.log
	}

	policy := o.retry
	if policy == nil {
		policy = retry.NewPolicy()
	}

	return &Client{
		svc:        svc,
		httpClient: hc,
		cfg:        cfg,
		batchURL:   root + "/batch/storage/v1",
		retry:      policy,
		log:        log,
		chunkSize:  o.chunkSize,
	}, nil
}

// Details fetches bucket metadata.
func (c *Client) Details(ctx context.Context, bucket string) (*storage.Bucket, error) {
	c.log.Info().Str("bucket", bucket).Msg("Pulling bucket info")

	b, err := c.svc.Buckets.Get(bucket).Context(ctx).Do()
	if err != nil {
		return nil, classify("get bucket "+bucket, err)
	}

	return b, nil
}

// BucketExists reports whether bucket exists. Only a 404 maps to false.
func (c *Client) BucketExists(ctx context.Context, bucket string) (bool, error) {
	if _, err := c.Details(ctx, bucket); err != nil {
		if isNotFound(err) {
			c.log.Info().Str("bucket", bucket).Msg("Bucket doesn't exist")
			return false, nil
		}
		return false, err
	}

	c.log.Info().Str("bucket", bucket).Msg("Bucket already exists")
	return true, nil
}

// CreateBucket creates bucket in the configured project, location and storage
// class. A 404 from the API stops the call without an error and a nil bucket.
func (c *Client) CreateBucket(ctx context.Context, bucket string) (*storage.Bucket, error) {
	body := &storage.Bucket{
		Name:         bucket,
		Location:     c.cfg.Location,
		StorageClass: c.cfg.StorageClass,
	}

	c.log.Info().
		Str("bucket", bucket).
		Str("project", c.cfg.Project).
		Str("location", body.Location).
		Str("storage_class", body.StorageClass).
		Msg("Creating bucket")

	var created *storage.Bucket
	err := c.retry.Do(ctx, c.log, "create bucket "+bucket, func() error {
		b, err := c.svc.Buckets.Insert(c.cfg.Project, body).Context(ctx).Do()
		if err != nil {
			if isNotFound(err) {
				c.log.Info().Err(err).Str("bucket", bucket).Msg("Resource not found, giving up")
				return nil
			}
			return err
		}
		created = b
		return nil
	}, retryableBucketError)
	if err != nil {
		return nil, classify("create bucket "+bucket, err)
	}

	return created, nil
}

// DeleteBucket deletes bucket and reports whether it was removed. With
// deleteContent, a non-empty bucket is emptied first. A 404 stops the call
// without an error and reports false.
func (c *Client) DeleteBucket(ctx context.Context, bucket string, deleteContent bool) (bool, error) {
	c.log.Info().Str("bucket", bucket).Bool("delete_content", deleteContent).Msg("Deleting bucket")

	deleted, err := c.deleteBucket(ctx, bucket)
	if err == nil {
		return deleted, nil
	}

	if !isConflict(err) || !deleteContent {
		return false, classify("delete bucket "+bucket, err)
	}

	c.log.Info().Str("bucket", bucket).Msg("Bucket is not empty, deleting content")

	if _, err := c.DeleteAllObjects(ctx, bucket); err != nil {
		return false, err
	}

	deleted, err = c.deleteBucket(ctx, bucket)
	if err != nil {
		return false, classify("delete bucket "+bucket, err)
	}

	return deleted, nil
}

func (c *Client) deleteBucket(ctx context.Context, bucket string) (bool, error) {
	deleted := false
	err := c.retry.Do(ctx, c.log, "delete bucket "+bucket, func() error {
		if err := c.svc.Buckets.Delete(bucket).Context(ctx).Do(); err != nil {
			if isNotFound(err) {
				c.log.Info().Err(err).Str("bucket", bucket).Msg("Resource not found, giving up")
				return nil
			}
			return err
		}
		deleted = true
		return nil
	}, retryableBucketError)

	return deleted, err
}
