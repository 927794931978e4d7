package services

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/yungbote/studyforge-backend/internal/logger"
)

// BucketService wraps object storage for raw uploads. Paths are object
// keys relative to the configured bucket.
type BucketService interface {
	Download(ctx context.Context, objectPath string) ([]byte, error)
	Upload(ctx context.Context, objectPath string, data []byte, contentType string) error
	Delete(ctx context.Context, objectPath string) error
	GetPublicURL(objectPath string) string
	Close() error
}

type bucketService struct {
	log        *logger.Logger
	client     *storage.Client
	bucketName string
}

func NewBucketService(ctx context.Context, log *logger.Logger) (BucketService, error) {
	bucketName := os.Getenv("GCS_BUCKET_NAME")
	if bucketName == "" {
		return nil, fmt.Errorf("missing GCS_BUCKET_NAME")
	}

	var opts []option.ClientOption
	if creds := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); creds != "" {
		opts = append(opts, option.WithCredentialsFile(creds))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}

	return &bucketService{
		log:        log.With("service", "BucketService"),
		client:     client,
		bucketName: bucketName,
	}, nil
}

func (s *bucketService) Download(ctx context.Context, objectPath string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	reader, err := s.client.Bucket(s.bucketName).Object(objectPath).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open object %q: %w", objectPath, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read object %q: %w", objectPath, err)
	}
	return data, nil
}

func (s *bucketService) Upload(ctx context.Context, objectPath string, data []byte, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := s.client.Bucket(s.bucketName).Object(objectPath).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write object %q: %w", objectPath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize object %q: %w", objectPath, err)
	}
	return nil
}

func (s *bucketService) Delete(ctx context.Context, objectPath string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := s.client.Bucket(s.bucketName).Object(objectPath).Delete(ctx)
	if err != nil && err != storage.ErrObjectNotExist {
		return fmt.Errorf("delete object %q: %w", objectPath, err)
	}
	return nil
}

func (s *bucketService) GetPublicURL(objectPath string) string {
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucketName, objectPath)
}

func (s *bucketService) Close() error {
	return s.client.Close()
}
