package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/studyforge-backend/internal/logger"
	"github.com/yungbote/studyforge-backend/internal/repos"
	"github.com/yungbote/studyforge-backend/internal/services"
	"github.com/yungbote/studyforge-backend/internal/types"
)

/*
Context is the execution handle for a single claimed job. It wraps the
database handle, the claimed pipeline_job row, and the only sanctioned
ways to report progress. Handlers never touch pipeline_job directly;
status transitions belong to the worker.
*/
type Context struct {
	Ctx    context.Context
	DB     *gorm.DB
	Job    *types.PipelineJob
	Log    *logger.Logger
	Units  repos.ContentUnitRepo
	Notify services.PipelineNotifier
}

func NewContext(ctx context.Context, db *gorm.DB, job *types.PipelineJob, log *logger.Logger, units repos.ContentUnitRepo, notify services.PipelineNotifier) *Context {
	return &Context{
		Ctx:    ctx,
		DB:     db,
		Job:    job,
		Log:    log.With("job_id", job.ID.String(), "job_type", job.JobType),
		Units:  units,
		Notify: notify,
	}
}

// DecodePayload unmarshals the job payload into out. Handlers validate
// required fields themselves; an undecodable payload is a permanent error.
func (c *Context) DecodePayload(out any) error {
	if len(c.Job.Payload) == 0 {
		return fmt.Errorf("empty payload for job_type=%s", c.Job.JobType)
	}
	if err := json.Unmarshal(c.Job.Payload, out); err != nil {
		return fmt.Errorf("decode payload for job_type=%s: %w", c.Job.JobType, err)
	}
	return nil
}

// Progress records the unit's current stage and emits a progress event.
// Failures here are logged and dropped; progress is advisory.
func (c *Context) Progress(stage string, percent int) {
	if err := c.Units.UpdateStatus(c.Ctx, nil, c.Job.ContentUnitID, "", stage); err != nil {
		c.Log.Warn("update unit stage failed", "stage", stage, "error", err.Error())
	}
	if c.Notify != nil {
		c.Notify.JobProgress(c.Ctx, c.Job.ContentUnitID, c.Job.ID, c.Job.JobType, stage, percent)
	}
}
