package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
	"github.com/kirillkom/invoice-inspector/internal/infrastructure/resilience"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PresignExpiry > 0 returns presigned GET URLs instead of public ones.
	PresignExpiry time.Duration
}

type Storage struct {
	client   *minio.Client
	cfg      Config
	executor *resilience.Executor
}

func New(cfg Config, executor *resilience.Executor) (*Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Storage{client: client, cfg: cfg, executor: executor}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

// Save uploads once; the body is a stream and cannot be replayed, so only
// the circuit breaker applies.
func (s *Storage) Save(ctx context.Context, key string, data io.Reader, size int64, contentType string) (string, error) {
	if size <= 0 {
		size = -1
	}
	_, err := resilience.Do(ctx, s.executor, resilience.OpMinioPutObject, func(callCtx context.Context) (minio.UploadInfo, error) {
		return s.client.PutObject(callCtx, s.cfg.Bucket, key, data, size, minio.PutObjectOptions{
			ContentType: contentType,
		})
	}, nil)
	if err != nil {
		return "", fmt.Errorf("upload object: %w", err)
	}
	return s.ObjectURL(ctx, key)
}

// Open retries transient failures; a missing key is reported as
// domain.ErrDocumentNotFound.
func (s *Storage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	object, err := resilience.Do(ctx, s.executor, resilience.OpMinioGetObject, func(callCtx context.Context) (*minio.Object, error) {
		object, err := s.client.GetObject(callCtx, s.cfg.Bucket, key, minio.GetObjectOptions{})
		if err != nil {
			return nil, err
		}
		if _, err := object.Stat(); err != nil {
			_ = object.Close()
			return nil, err
		}
		return object, nil
	}, classifyMinioError)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "open object", err)
		}
		return nil, resilience.WrapTemporary("open object", err, classifyMinioError)
	}
	return object, nil
}

// classifyMinioError retries throttling and server-side S3 errors.
func classifyMinioError(err error) resilience.ErrorClassification {
	return resilience.Classify(err, func(err error) resilience.ErrorClassification {
		resp := minio.ToErrorResponse(err)
		switch {
		case resp.StatusCode >= http.StatusInternalServerError, resp.StatusCode == http.StatusTooManyRequests:
			return resilience.Transient
		case resp.StatusCode >= http.StatusBadRequest:
			return resilience.Ignored
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			return resilience.Transient
		}
		return resilience.Permanent
	})
}

func (s *Storage) ObjectURL(ctx context.Context, key string) (string, error) {
	if s.cfg.PresignExpiry > 0 {
		u, err := s.client.PresignedGetObject(ctx, s.cfg.Bucket, key, s.cfg.PresignExpiry, url.Values{})
		if err != nil {
			return "", fmt.Errorf("presign object url: %w", err)
		}
		return u.String(), nil
	}
	return s.PublicURL(key), nil
}

// PublicURL returns the path-style object URL; readable only with a public bucket policy.
func (s *Storage) PublicURL(key string) string {
	scheme := "http"
	if s.cfg.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, strings.TrimRight(s.cfg.Endpoint, "/"), s.cfg.Bucket, key)
}
