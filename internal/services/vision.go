package services

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	vision "cloud.google.com/go/vision/apiv1"

	"github.com/yungbote/studyforge-backend/internal/apperr"
	"github.com/yungbote/studyforge-backend/internal/logger"
)

// OCRService extracts text from image bytes.
type OCRService interface {
	ExtractText(ctx context.Context, imageData []byte) (string, error)
	Close() error
}

type ocrService struct {
	log    *logger.Logger
	client *vision.ImageAnnotatorClient
}

func NewOCRService(ctx context.Context, log *logger.Logger) (OCRService, error) {
	client, err := vision.NewImageAnnotatorClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create vision client: %w", err)
	}
	return &ocrService{
		log:    log.With("service", "OCRService"),
		client: client,
	}, nil
}

func (s *ocrService) ExtractText(ctx context.Context, imageData []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	img, err := vision.NewImageFromReader(bytes.NewReader(imageData))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	annotation, err := s.client.DetectDocumentText(ctx, img, nil)
	if err != nil {
		return "", fmt.Errorf("detect text: %w", err)
	}
	if annotation == nil || strings.TrimSpace(annotation.Text) == "" {
		return "", apperr.Quality(fmt.Errorf("no text detected in image"))
	}
	return annotation.Text, nil
}

func (s *ocrService) Close() error {
	return s.client.Close()
}
