package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rossigee/recordstore/internal/config"
	"github.com/sirupsen/logrus"
)

const contentType = "application/x-snappy-framed"

// ObjectStore is where encoded snapshots are kept.
type ObjectStore interface {
	Upload(ctx context.Context, name string, data []byte) error
	Download(ctx context.Context, name string) ([]byte, error)
}

// Client stores snapshots in a MinIO bucket.
type Client struct {
	minioClient *minio.Client
	bucket      string
}

// NewClient creates a MinIO client from the snapshot configuration.
func NewClient(cfg config.SnapshotConfig) (*Client, error) {
	logrus.WithFields(logrus.Fields{
		"endpoint":      cfg.Endpoint,
		"bucket":        cfg.Bucket,
		"accessKey_set": cfg.AccessKey != "",
		"secretKey_set": cfg.SecretKey != "",
	}).Debug("MinIO snapshot configuration check")

	if cfg.AccessKey == "" {
		return nil, fmt.Errorf("MINIO_ACCESS_KEY or MINIO_ACCESS_KEY_ID environment variable is required for snapshots")
	}
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("MINIO_SECRET_KEY or MINIO_SECRET_ACCESS_KEY environment variable is required for snapshots")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("snapshot bucket is required")
	}

	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid MINIO_ENDPOINT '%s': %w (expected format: https://hostname:port)", cfg.Endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid MINIO_ENDPOINT scheme '%s': must be http or https", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid MINIO_ENDPOINT '%s': missing hostname", cfg.Endpoint)
	}

	minioClient, err := minio.New(u.Host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: u.Scheme == "https",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client for %s: %w", u.Host, err)
	}

	return &Client{minioClient: minioClient, bucket: cfg.Bucket}, nil
}

// Bucket returns the bucket snapshots are written to.
func (c *Client) Bucket() string {
	return c.bucket
}

// EnsureBucket creates the bucket if it does not exist.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minioClient.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", c.bucket, err)
	}
	if exists {
		return nil
	}
	if err := c.minioClient.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", c.bucket, err)
	}
	logrus.WithField("bucket", c.bucket).Info("Created snapshot bucket")
	return nil
}

// Upload writes data to the named object.
func (c *Client) Upload(ctx context.Context, name string, data []byte) error {
	_, err := c.minioClient.PutObject(ctx, c.bucket, name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", name, err)
	}
	return nil
}

// Download reads the named object in full.
func (c *Client) Download(ctx context.Context, name string) ([]byte, error) {
	objInfo, err := c.minioClient.StatObject(ctx, c.bucket, name, minio.StatObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}

	object, err := c.minioClient.GetObject(ctx, c.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer func() {
		_ = object.Close() // Close errors are not critical
	}()

	var buf bytes.Buffer
	buf.Grow(int(objInfo.Size))
	n, err := io.Copy(&buf, object)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read from MinIO: %w", err)
	}
	if n != objInfo.Size {
		return nil, fmt.Errorf("download incomplete: got %d bytes, expected %d", n, objInfo.Size)
	}
	return buf.Bytes(), nil
}
