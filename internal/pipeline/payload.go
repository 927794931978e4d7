package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/studyforge-backend/internal/types"
)

// Job payloads form a tagged union keyed by job_type. Each variant
// validates its own required fields; handlers reject a bad payload as a
// permanent error since re-running cannot repair it.

type ExtractPayload struct {
	SourceFileID uuid.UUID `json:"source_file_id"`
	Method       string    `json:"method"`
}

func (p ExtractPayload) Validate() error {
	if p.SourceFileID == uuid.Nil {
		return errors.New("extract payload: source_file_id required")
	}
	switch p.Method {
	case types.ExtractMethodNative, types.ExtractMethodTranscribe, types.ExtractMethodOCR:
		return nil
	default:
		return fmt.Errorf("extract payload: unknown method %q", p.Method)
	}
}

type EmbedPayload struct {
	ContentUnitID uuid.UUID `json:"content_unit_id"`
}

func (p EmbedPayload) Validate() error {
	if p.ContentUnitID == uuid.Nil {
		return errors.New("embed payload: content_unit_id required")
	}
	return nil
}

type SegmentPayload struct {
	ContentUnitID uuid.UUID `json:"content_unit_id"`
}

func (p SegmentPayload) Validate() error {
	if p.ContentUnitID == uuid.Nil {
		return errors.New("segment payload: content_unit_id required")
	}
	return nil
}

type AnalyzePayload struct {
	ContentUnitID uuid.UUID   `json:"content_unit_id"`
	Topic         string      `json:"topic"`
	ChunkIDs      []uuid.UUID `json:"chunk_ids"`
}

func (p AnalyzePayload) Validate() error {
	if p.ContentUnitID == uuid.Nil {
		return errors.New("analyze payload: content_unit_id required")
	}
	if p.Topic == "" {
		return errors.New("analyze payload: topic required")
	}
	if len(p.ChunkIDs) == 0 {
		return errors.New("analyze payload: chunk_ids required")
	}
	return nil
}

type QuizPayload struct {
	ContentUnitID uuid.UUID `json:"content_unit_id"`
	Topic         string    `json:"topic"`
}

func (p QuizPayload) Validate() error {
	if p.ContentUnitID == uuid.Nil {
		return errors.New("quiz payload: content_unit_id required")
	}
	if p.Topic == "" {
		return errors.New("quiz payload: topic required")
	}
	return nil
}

type AggregatePayload struct {
	ContentUnitID uuid.UUID `json:"content_unit_id"`
}

func (p AggregatePayload) Validate() error {
	if p.ContentUnitID == uuid.Nil {
		return errors.New("aggregate payload: content_unit_id required")
	}
	return nil
}

// EncodePayload marshals a payload variant for storage on the job row.
func EncodePayload(v any) (datatypes.JSON, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return datatypes.JSON(raw), nil
}
