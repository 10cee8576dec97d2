package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/viewsync/internal/storage"
)

// Config captures the settings required to reach an S3-compatible bucket.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	AccessKey      string
	SecretKey      string
	Insecure       bool
	ForcePathStyle bool
	Transport      http.RoundTripper
}

// Store implements storage.Backend against S3/MinIO.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	var creds *credentials.Credentials
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.MaxIdleConns == 0 {
		clone.MaxIdleConns = 256
	}
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 64
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	return clone
}

func (s *Store) object(key string) string {
	if s.cfg.Prefix == "" {
		return key
	}
	return s.cfg.Prefix + "/" + key
}

// BucketExists reports whether the configured bucket exists; used at startup
// to fail fast on misconfiguration.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.cfg.Bucket)
}

// PutObject uploads payload under key.
func (s *Store) PutObject(ctx context.Context, key string, payload []byte, contentType string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	opts := minio.PutObjectOptions{ContentType: contentType}
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, s.object(key), bytes.NewReader(payload), int64(len(payload)), opts)
	if err != nil {
		return fmt.Errorf("s3: put %s: %w", key, err)
	}
	return nil
}

// GetObject downloads the payload stored under key.
func (s *Store) GetObject(ctx context.Context, key string) (*storage.Object, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, s.object(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrapError(err, key, "get")
	}
	defer obj.Close()
	payload, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.wrapError(err, key, "read")
	}
	info, err := obj.Stat()
	if err != nil {
		return nil, s.wrapError(err, key, "stat")
	}
	return &storage.Object{
		Payload:     payload,
		ContentType: info.ContentType,
		Size:        int64(len(payload)),
		ModifiedAt:  info.LastModified.UTC(),
	}, nil
}

// StatObject returns metadata for the object stored under key.
func (s *Store) StatObject(ctx context.Context, key string) (*storage.Info, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	info, err := s.client.StatObject(ctx, s.cfg.Bucket, s.object(key), minio.StatObjectOptions{})
	if err != nil {
		return nil, s.wrapError(err, key, "stat")
	}
	return &storage.Info{
		ContentType: info.ContentType,
		Size:        info.Size,
		ModifiedAt:  info.LastModified.UTC(),
	}, nil
}

// Close satisfies storage.Backend and is a no-op for the S3 client.
func (s *Store) Close() error { return nil }

func (s *Store) wrapError(err error, key, op string) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return storage.ErrNotFound
	}
	return fmt.Errorf("s3: %s %s: %w", op, key, err)
}
