package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Job types, in pipeline order.
const (
	JobTypeExtract   = "extract"
	JobTypeEmbed     = "embed"
	JobTypeSegment   = "segment"
	JobTypeAnalyze   = "analyze"
	JobTypeQuiz      = "quiz"
	JobTypeAggregate = "aggregate"
)

// Job statuses. completed and dead are terminal; a terminal job is never
// revived except by an explicit operator reset.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusDead       = "dead"
)

/*
PipelineJob is one durable unit of pipeline work. The table is the sole
source of truth for scheduling state:
  - A processing job must carry LockedBy/LockedAt; the pair is its lease.
  - At most one non-terminal job may exist per DedupeKey (partial unique
    index, enforced again by the enqueue transaction).
  - NextRetryAt gates eligibility after a failed attempt.
*/
type PipelineJob struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ContentUnitID uuid.UUID      `gorm:"type:uuid;not null;index" json:"content_unit_id"`
	JobType       string         `gorm:"column:job_type;not null;index" json:"job_type"`
	Status        string         `gorm:"column:status;not null;index" json:"status"`
	Payload       datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	AttemptCount  int            `gorm:"column:attempt_count;not null;default:0" json:"attempt_count"`
	MaxAttempts   int            `gorm:"column:max_attempts;not null;default:5" json:"max_attempts"`
	LockedBy      string         `gorm:"column:locked_by;not null;default:''" json:"locked_by,omitempty"`
	LockedAt      *time.Time     `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	NextRetryAt   time.Time      `gorm:"column:next_retry_at;index" json:"next_retry_at"`
	DedupeKey     string         `gorm:"column:dedupe_key;not null;default:'';index" json:"dedupe_key,omitempty"`
	ErrorMessage  string         `gorm:"column:error_message" json:"error_message,omitempty"`
	CreatedAt     time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (PipelineJob) TableName() string { return "pipeline_job" }

// Terminal reports whether the job can no longer be scheduled.
func (j *PipelineJob) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusDead
}
