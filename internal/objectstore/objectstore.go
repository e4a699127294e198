// Package objectstore lists and stages objects held in an S3-compatible bucket.
//
// Both operations return a tagged result: a Status describing whether the
// store answered, plus a non-nil error only for conditions the caller must
// treat as fatal. Errors raised by the store client itself (S3 error
// responses, transport failures) are folded into the Status.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/time/rate"

	"github.com/lsm/s3stream/internal/retry"
)

// Status classifies the outcome of a store call.
type Status int

const (
	// StatusOK means the store answered and the result is usable.
	StatusOK Status = iota
	// StatusTransient means the listing could not be completed; callers treat it as "nothing new yet".
	StatusTransient
	// StatusAbsent means the object could not be fetched; callers treat it as "skip this object for now".
	StatusAbsent
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTransient:
		return "transient"
	case StatusAbsent:
		return "absent"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ErrKeyOutsideRoot is returned when an object key would be staged outside the staging directory.
var ErrKeyOutsideRoot = errors.New("object key resolves outside the staging directory")

// Listing is the result of ListAfter.
type Listing struct {
	Keys   []string
	Status Status
	Cause  error // store error behind a StatusTransient listing
}

// Staged is the result of Stage.
type Staged struct {
	Path   string
	Status Status
	Cause  error // store error behind a StatusAbsent result
}

// Config holds bucket connection settings.
type Config struct {
	Bucket            string
	Region            string
	Endpoint          string
	UseSSL            bool
	AccessKeyID       string
	SecretAccessKey   string
	StagingDir        string
	RequestsPerSecond float64
	Retry             retry.Config
}

// bucketClient abstracts the minio client methods used by Client for testing.
type bucketClient interface {
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	FGetObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.GetObjectOptions) error
}

// Client lists keys and stages objects from one bucket.
type Client struct {
	bucket     bucketClient
	bucketName string
	stagingDir string
	limiter    *rate.Limiter
	retry      retry.Config
	logger     *slog.Logger
}

// NewClient connects to the bucket described by cfg. When no static key pair
// is configured, credentials come from the environment, the shared AWS
// credentials file, or the instance role, in that order.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if cfg.StagingDir == "" {
		return nil, fmt.Errorf("staging directory is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}

	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  newCredentials(cfg),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return newClient(mc, cfg, logger), nil
}

func newClient(bc bucketClient, cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		bucket:     bc,
		bucketName: cfg.Bucket,
		stagingDir: filepath.Clean(cfg.StagingDir),
		retry:      cfg.Retry,
		logger:     logger,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

func newCredentials(cfg Config) *credentials.Credentials {
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		return credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	return credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvAWS{},
		&credentials.FileAWSCredentials{},
		&credentials.IAM{Client: &http.Client{Transport: http.DefaultTransport}},
	})
}

// ListAfter returns up to max keys under prefix that sort strictly after
// cursor, ascending. An empty cursor lists from the start of the prefix.
func (c *Client) ListAfter(ctx context.Context, prefix, cursor string, max int) (Listing, error) {
	if max <= 0 {
		return Listing{Status: StatusOK}, nil
	}

	var keys []string
	err := retry.Do(ctx, c.retry, func() error {
		var err error
		keys, err = c.list(ctx, prefix, cursor, max)
		if err != nil && !isStoreError(ctx, err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err == nil {
		c.logger.Debug("listed objects", "prefix", prefix, "cursor", cursor, "count", len(keys))
		return Listing{Keys: keys, Status: StatusOK}, nil
	}

	err = retry.Cause(err)
	if !isStoreError(ctx, err) {
		return Listing{}, fmt.Errorf("list %s after %q: %w", prefix, cursor, err)
	}
	c.logger.Warn("listing failed, treating as no new objects", "prefix", prefix, "cursor", cursor, "error", err)
	return Listing{Status: StatusTransient, Cause: err}, nil
}

func (c *Client) list(ctx context.Context, prefix, cursor string, max int) ([]string, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	// Stop the listing goroutine once enough keys have been read.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	objects := c.bucket.ListObjects(ctx, c.bucketName, minio.ListObjectsOptions{
		Prefix:     prefix,
		StartAfter: cursor,
		MaxKeys:    max,
		Recursive:  true,
	})

	keys := make([]string, 0, max)
	for obj := range objects {
		if obj.Err != nil {
			return nil, obj.Err
		}
		// Folder markers hold no records.
		if obj.Key == "" || strings.HasSuffix(obj.Key, "/") {
			continue
		}
		keys = append(keys, obj.Key)
		if len(keys) == max {
			break
		}
	}
	return keys, nil
}

// Stage downloads key into the staging directory, mirroring the key's path
// structure, and returns the local path. The caller owns the file.
func (c *Client) Stage(ctx context.Context, key string) (Staged, error) {
	path, err := c.localPath(key)
	if err != nil {
		return Staged{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Staged{}, fmt.Errorf("create staging directory for %s: %w", key, err)
	}

	err = retry.Do(ctx, c.retry, func() error {
		err := c.fetch(ctx, key, path)
		if err != nil && !isStoreError(ctx, err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err == nil {
		c.logger.Debug("staged object", "key", key, "path", path)
		return Staged{Path: path, Status: StatusOK}, nil
	}

	c.removePartial(path)
	err = retry.Cause(err)
	if !isStoreError(ctx, err) {
		return Staged{}, fmt.Errorf("fetch %s: %w", key, err)
	}
	c.logger.Warn("object could not be fetched", "key", key, "error", err)
	return Staged{Status: StatusAbsent, Cause: err}, nil
}

func (c *Client) fetch(ctx context.Context, key, path string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	return c.bucket.FGetObject(ctx, c.bucketName, key, path, minio.GetObjectOptions{})
}

// removePartial deletes the temporary files minio leaves behind after an
// interrupted download.
func (c *Client) removePartial(path string) {
	matches, _ := filepath.Glob(path + "*.part.minio")
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("failed to remove partial download", "path", m, "error", err)
		}
	}
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *Client) localPath(key string) (string, error) {
	path := filepath.Join(c.stagingDir, filepath.FromSlash(key))
	if path == c.stagingDir || !strings.HasPrefix(path, c.stagingDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrKeyOutsideRoot, key)
	}
	return path, nil
}

// isStoreError reports whether err came from the store client (an S3 error
// response or a transport failure) rather than from cancellation or a defect.
func isStoreError(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var resp minio.ErrorResponse
	if errors.As(err, &resp) && resp.Code != "" {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}
