package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"

	"github.com/yungbote/studyforge-backend/internal/apperr"
	"github.com/yungbote/studyforge-backend/internal/logger"
)

// TranscriptionService turns audio objects into plain text. Audio is
// referenced by storage URI so long recordings never travel through the
// worker process.
type TranscriptionService interface {
	Transcribe(ctx context.Context, gcsURI string, sampleRateHz int32) (string, error)
	Close() error
}

type transcriptionService struct {
	log    *logger.Logger
	client *speech.Client
}

func NewTranscriptionService(ctx context.Context, log *logger.Logger) (TranscriptionService, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	return &transcriptionService{
		log:    log.With("service", "TranscriptionService"),
		client: client,
	}, nil
}

func (s *transcriptionService) Transcribe(ctx context.Context, gcsURI string, sampleRateHz int32) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Minute)
	defer cancel()

	cfg := &speechpb.RecognitionConfig{
		Encoding:                   speechpb.RecognitionConfig_ENCODING_UNSPECIFIED,
		LanguageCode:               "en-US",
		EnableAutomaticPunctuation: true,
	}
	if sampleRateHz > 0 {
		cfg.SampleRateHertz = sampleRateHz
	}

	op, err := s.client.LongRunningRecognize(ctx, &speechpb.LongRunningRecognizeRequest{
		Config: cfg,
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Uri{Uri: gcsURI},
		},
	})
	if err != nil {
		return "", fmt.Errorf("start recognition: %w", err)
	}

	resp, err := op.Wait(ctx)
	if err != nil {
		return "", fmt.Errorf("recognition wait: %w", err)
	}

	var sb strings.Builder
	for _, result := range resp.Results {
		if len(result.Alternatives) == 0 {
			continue
		}
		sb.WriteString(result.Alternatives[0].Transcript)
		sb.WriteString(" ")
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", apperr.Quality(fmt.Errorf("no speech recognized in %s", gcsURI))
	}
	return text, nil
}

func (s *transcriptionService) Close() error {
	return s.client.Close()
}
