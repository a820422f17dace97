package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/scenecast/internal/domain"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const providerName = "object_store"

type Config struct {
	Endpoint string
	Access   string
	Secret   string
	Region   string
	Bucket   string
	UseSSL   bool
}

type Client struct {
	minio      *minio.Client
	bucket     string
	configured bool
}

// NewClient builds a client even without credentials; Configured reports
// whether it can be used so callers fail per request instead of at startup.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("%w: storage bucket is required", domain.ErrConfiguration)
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &Client{
		minio:      mc,
		bucket:     cfg.Bucket,
		configured: strings.TrimSpace(cfg.Access) != "" && strings.TrimSpace(cfg.Secret) != "",
	}, nil
}

func (c *Client) Bucket() string {
	return c.bucket
}

func (c *Client) Configured() bool {
	return c != nil && c.configured
}

func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minio.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket existence: %w", err)
	}
	if exists {
		return nil
	}

	if err := c.minio.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		exists, checkErr := c.minio.BucketExists(ctx, c.bucket)
		if checkErr == nil && exists {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", c.bucket, err)
	}

	return nil
}

func (c *Client) WriteObject(ctx context.Context, objectKey string, data []byte, contentType string, metadata map[string]string) error {
	_, err := c.minio.PutObject(
		ctx,
		c.bucket,
		objectKey,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{
			ContentType:  contentType,
			UserMetadata: metadata,
		},
	)
	if err != nil {
		return providerError("put", objectKey, err)
	}
	return nil
}

func (c *Client) PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	u, err := c.minio.PresignedGetObject(ctx, c.bucket, objectKey, expiry, nil)
	if err != nil {
		return "", providerError("presign_get", objectKey, err)
	}
	return u.String(), nil
}

func providerError(op, objectKey string, err error) error {
	resp := minio.ToErrorResponse(err)
	message := resp.Message
	if message == "" {
		message = err.Error()
	}
	return &domain.ProviderError{
		Provider:   providerName,
		Op:         op + " " + objectKey,
		StatusCode: resp.StatusCode,
		Message:    message,
		Err:        err,
	}
}
