package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Content unit statuses. The unit status is an aggregate over its jobs
// and is only a pipeline-stage marker for diagnostics and clients.
const (
	UnitStatusPending    = "pending"
	UnitStatusProcessing = "processing"
	UnitStatusEmbedded   = "embedded"
	UnitStatusCompleted  = "completed"
	UnitStatusFailed     = "failed"
)

// Source file kinds.
const (
	SourceTypeDocument = "document"
	SourceTypeAudio    = "audio"
	SourceTypeImage    = "image"
)

// Extraction methods recorded on chunks.
const (
	ExtractMethodNative     = "native"
	ExtractMethodTranscribe = "transcribe"
	ExtractMethodOCR        = "ocr"
)

// Study artifact kinds produced by the later pipeline stages.
const (
	ArtifactKindAnalysis   = "analysis"
	ArtifactKindQuiz       = "quiz"
	ArtifactKindStudyGuide = "study_guide"
)

type ContentUnit struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Title     string    `gorm:"column:title" json:"title"`
	Status    string    `gorm:"column:status;not null;index" json:"status"`
	Stage     string    `gorm:"column:stage" json:"stage"`
	Error     string    `gorm:"column:error" json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ContentUnit) TableName() string { return "content_unit" }

type SourceFile struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ContentUnitID uuid.UUID `gorm:"type:uuid;not null;index" json:"content_unit_id"`
	OriginalName  string    `gorm:"column:original_name;not null" json:"original_name"`
	MimeType      string    `gorm:"column:mime_type" json:"mime_type"`
	SourceType    string    `gorm:"column:source_type;not null" json:"source_type"`
	StorageKey    string    `gorm:"column:storage_key;not null" json:"storage_key"`
	SizeBytes     int64     `gorm:"column:size_bytes" json:"size_bytes"`
	Status        string    `gorm:"column:status;not null;default:'uploaded'" json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (SourceFile) TableName() string { return "source_file" }

/*
ContentChunk is one bounded segment of extracted text. Embedding is
write-once: once non-null it is never overwritten (the repo only exposes
a set-if-null update). PrevID/NextID form a traversal chain independent
of storage ordering.
*/
type ContentChunk struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ContentUnitID uuid.UUID      `gorm:"type:uuid;not null;index" json:"content_unit_id"`
	SourceFileID  uuid.UUID      `gorm:"type:uuid;not null;index" json:"source_file_id"`
	SourceType    string         `gorm:"column:source_type;not null;index" json:"source_type"`
	Index         int            `gorm:"column:chunk_index;not null" json:"chunk_index"`
	Text          string         `gorm:"column:text;not null" json:"text"`
	StartOffset   int            `gorm:"column:start_offset" json:"start_offset"`
	EndOffset     int            `gorm:"column:end_offset" json:"end_offset"`
	Method        string         `gorm:"column:method" json:"method"`
	Embedding     datatypes.JSON `gorm:"column:embedding;type:jsonb" json:"embedding,omitempty"`
	PrevID        *uuid.UUID     `gorm:"type:uuid;column:prev_id" json:"prev_id,omitempty"`
	NextID        *uuid.UUID     `gorm:"type:uuid;column:next_id" json:"next_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (ContentChunk) TableName() string { return "content_chunk" }

type StudyArtifact struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ContentUnitID uuid.UUID      `gorm:"type:uuid;not null;index" json:"content_unit_id"`
	Kind          string         `gorm:"column:kind;not null;index" json:"kind"`
	Topic         string         `gorm:"column:topic;index" json:"topic"`
	Title         string         `gorm:"column:title" json:"title"`
	Body          string         `gorm:"column:body" json:"body"`
	Payload       datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (StudyArtifact) TableName() string { return "study_artifact" }
