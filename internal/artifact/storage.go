package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"tts-studio/internal/config"
	"tts-studio/internal/models"
)

// Storage persists audio blobs: per-chunk takes while a job is in flight
// and compiled artifacts once it finishes. Keys are sanitized paths
// relative to the store root; Put returns the canonical key later calls
// address the blob by, whichever backend holds it.
type Storage interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every blob under a key prefix, the takes and
	// artifacts of one job.
	DeletePrefix(ctx context.Context, prefix string) error
}

// New chooses the backend from config: S3 when a bucket is set, the local
// filesystem otherwise.
func New(ctx context.Context, cfg config.Config) (Storage, error) {
	if cfg.AudioS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &s3Storage{client: client, bucket: cfg.AudioS3Bucket}, nil
	}
	baseDir := cfg.AudioOutputDir
	if baseDir == "" {
		baseDir = "./output"
	}
	return &localStorage{baseDir: baseDir}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AudioS3Region),
	}
	if cfg.AudioS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.AudioS3Endpoint,
					HostnameImmutable: cfg.AudioS3PathStyle,
					SigningRegion:     cfg.AudioS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.AudioS3PathStyle
	}), nil
}

// sanitizeKey strips path traversal so a key can never escape the store
// root.
func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	return key
}

type localStorage struct {
	baseDir string
}

func (l *localStorage) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	key = sanitizeKey(key)
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return key, nil
}

func (l *localStorage) Get(_ context.Context, key string) ([]byte, error) {
	path := filepath.Join(l.baseDir, sanitizeKey(key))
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("audio %s: %w", key, models.ErrNotFound)
		}
		return nil, fmt.Errorf("read file: %w", err)
	}
	return data, nil
}

func (l *localStorage) Delete(_ context.Context, key string) error {
	path := filepath.Join(l.baseDir, sanitizeKey(key))
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

func (l *localStorage) DeletePrefix(_ context.Context, prefix string) error {
	prefix = sanitizeKey(prefix)
	if prefix == "" || prefix == "." {
		return fmt.Errorf("refusing to delete empty prefix: %w", models.ErrInvalidInput)
	}
	if err := os.RemoveAll(filepath.Join(l.baseDir, prefix)); err != nil {
		return fmt.Errorf("remove prefix: %w", err)
	}
	return nil
}

type s3Storage struct {
	client *s3.Client
	bucket string
}

func (s *s3Storage) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put s3 object: %w", err)
	}
	return key, nil
}

func (s *s3Storage) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(sanitizeKey(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3 object: %w", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3 object: %w", err)
	}
	return data, nil
}

func (s *s3Storage) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(sanitizeKey(key)),
	})
	if err != nil {
		return fmt.Errorf("delete s3 object: %w", err)
	}
	return nil
}

func (s *s3Storage) DeletePrefix(ctx context.Context, prefix string) error {
	prefix = sanitizeKey(prefix)
	if prefix == "" || prefix == "." {
		return fmt.Errorf("refusing to delete empty prefix: %w", models.ErrInvalidInput)
	}
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix + "/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list s3 prefix: %w", err)
		}
		for _, obj := range page.Contents {
			if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			}); err != nil {
				return fmt.Errorf("delete s3 object: %w", err)
			}
		}
	}
	return nil
}
