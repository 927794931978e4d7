package repos

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/studyforge-backend/internal/logger"
	"github.com/yungbote/studyforge-backend/internal/retry"
	"github.com/yungbote/studyforge-backend/internal/types"
)

type JobRepo interface {
	Enqueue(ctx context.Context, tx *gorm.DB, job *types.PipelineJob) (*types.PipelineJob, bool, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.PipelineJob, error)
	GetByUnitID(ctx context.Context, tx *gorm.DB, unitID uuid.UUID) ([]*types.PipelineJob, error)
	ClaimNext(ctx context.Context, tx *gorm.DB, workerID string, ceilings map[string]int) (*types.PipelineJob, error)
	Complete(ctx context.Context, tx *gorm.DB, id uuid.UUID, workerID string) (bool, error)
	Fail(ctx context.Context, tx *gorm.DB, id uuid.UUID, workerID, msg string, policy retry.Policy) (*types.PipelineJob, error)
	MarkDead(ctx context.Context, tx *gorm.DB, id uuid.UUID, workerID, msg string) (bool, error)
	ResetStale(ctx context.Context, tx *gorm.DB, lease time.Duration) (int, error)
	CountActiveSiblings(ctx context.Context, tx *gorm.DB, unitID uuid.UUID, jobType string, excludeID uuid.UUID) (int64, error)
	ResetToPending(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	DeleteByUnitID(ctx context.Context, tx *gorm.DB, unitID uuid.UUID) error
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{db: db, log: baseLog.With("repo", "JobRepo")}
}

func (r *jobRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

/*
Enqueue inserts a job unless an equivalent non-terminal job already exists
for its dedupe key, in which case the existing job is returned with
existed=true. The pre-check keeps the common path quiet; the partial
unique index on dedupe_key closes the race when two gate evaluations
enqueue the same downstream job concurrently.
*/
func (r *jobRepo) Enqueue(ctx context.Context, tx *gorm.DB, job *types.PipelineJob) (*types.PipelineJob, bool, error) {
	transaction := r.conn(tx)
	if job == nil {
		return nil, false, errors.New("nil job")
	}
	now := time.Now()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = types.JobStatusPending
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 5
	}
	if job.NextRetryAt.IsZero() {
		job.NextRetryAt = now
	}
	job.CreatedAt = now
	job.UpdatedAt = now

	if job.DedupeKey != "" {
		existing, err := r.activeByDedupeKey(ctx, transaction, job.DedupeKey)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, true, nil
		}
	}

	if err := transaction.WithContext(ctx).Create(job).Error; err != nil {
		if isUniqueViolation(err) && job.DedupeKey != "" {
			existing, qerr := r.activeByDedupeKey(ctx, transaction, job.DedupeKey)
			if qerr == nil && existing != nil {
				return existing, true, nil
			}
		}
		return nil, false, err
	}
	return job, false, nil
}

func (r *jobRepo) activeByDedupeKey(ctx context.Context, tx *gorm.DB, key string) (*types.PipelineJob, error) {
	var job types.PipelineJob
	err := tx.WithContext(ctx).
		Where("dedupe_key = ? AND status IN ?", key, []string{types.JobStatusPending, types.JobStatusProcessing}).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *jobRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.PipelineJob, error) {
	transaction := r.conn(tx)
	var job types.PipelineJob
	err := transaction.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *jobRepo) GetByUnitID(ctx context.Context, tx *gorm.DB, unitID uuid.UUID) ([]*types.PipelineJob, error) {
	transaction := r.conn(tx)
	var out []*types.PipelineJob
	if err := transaction.WithContext(ctx).
		Where("content_unit_id = ?", unitID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

/*
ClaimNext selects the oldest eligible pending job and atomically moves it
to processing under workerID. Eligibility: unlocked, next_retry_at due,
and its job type below the per-type processing ceiling. Saturated types
are excluded from the candidate set up front rather than claimed and
rejected.

The claim itself is a conditional update guarded by "still pending and
unlocked"; when RowsAffected is 0 another worker won and we re-select,
a few times, before reporting no work. Two concurrent callers can never
both see RowsAffected == 1 for the same job.
*/
func (r *jobRepo) ClaimNext(ctx context.Context, tx *gorm.DB, workerID string, ceilings map[string]int) (*types.PipelineJob, error) {
	transaction := r.conn(tx)
	if workerID == "" {
		return nil, errors.New("workerID required")
	}
	now := time.Now()

	type typeCount struct {
		JobType string
		N       int64
	}
	var counts []typeCount
	if err := transaction.WithContext(ctx).
		Model(&types.PipelineJob{}).
		Select("job_type, COUNT(*) AS n").
		Where("status = ?", types.JobStatusProcessing).
		Group("job_type").
		Scan(&counts).Error; err != nil {
		return nil, err
	}
	processing := make(map[string]int64, len(counts))
	for _, c := range counts {
		processing[c.JobType] = c.N
	}

	allowed := make([]string, 0, len(ceilings))
	for jobType, ceiling := range ceilings {
		if ceiling <= 0 {
			continue
		}
		if processing[jobType] >= int64(ceiling) {
			continue
		}
		allowed = append(allowed, jobType)
	}
	if len(allowed) == 0 {
		return nil, nil
	}

	const claimRetries = 3
	for i := 0; i < claimRetries; i++ {
		var job types.PipelineJob
		err := transaction.WithContext(ctx).
			Where("status = ? AND locked_by = '' AND next_retry_at <= ? AND job_type IN ?",
				types.JobStatusPending, now, allowed).
			Order("created_at ASC").
			Limit(1).
			Find(&job).Error
		if err != nil {
			return nil, err
		}
		if job.ID == uuid.Nil {
			return nil, nil
		}

		res := transaction.WithContext(ctx).
			Model(&types.PipelineJob{}).
			Where("id = ? AND status = ? AND locked_by = ''", job.ID, types.JobStatusPending).
			Updates(map[string]interface{}{
				"status":     types.JobStatusProcessing,
				"locked_by":  workerID,
				"locked_at":  now,
				"updated_at": now,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			job.Status = types.JobStatusProcessing
			job.LockedBy = workerID
			lockedAt := now
			job.LockedAt = &lockedAt
			job.UpdatedAt = now
			return &job, nil
		}
		// Lost the race; the winner is processing now, re-select.
	}
	return nil, nil
}

/*
Complete marks the job completed, but only while workerID still holds the
lock. A worker whose lease expired mid-run gets false back and must
discard its outcome: the reclaimed job belongs to a new owner, and a late
write here would erase that owner's lock or overwrite its result.
*/
func (r *jobRepo) Complete(ctx context.Context, tx *gorm.DB, id uuid.UUID, workerID string) (bool, error) {
	transaction := r.conn(tx)
	if workerID == "" {
		return false, errors.New("workerID required")
	}
	res := transaction.WithContext(ctx).
		Model(&types.PipelineJob{}).
		Where("id = ? AND status = ? AND locked_by = ?", id, types.JobStatusProcessing, workerID).
		Updates(map[string]interface{}{
			"status":        types.JobStatusCompleted,
			"locked_by":     "",
			"locked_at":     nil,
			"error_message": "",
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

/*
Fail records one failed attempt. With attempts remaining the job returns
to pending with next_retry_at pushed out by the shared backoff policy;
once attempts are exhausted it is marked dead and stays dead until an
operator resets it. The write is guarded by lock ownership the same way
Complete is; a caller whose lease was reclaimed gets nil back and its
failure is not recorded. The updated row is returned so the caller can
propagate terminal failure to the owning content unit.
*/
func (r *jobRepo) Fail(ctx context.Context, tx *gorm.DB, id uuid.UUID, workerID, msg string, policy retry.Policy) (*types.PipelineJob, error) {
	transaction := r.conn(tx)
	if workerID == "" {
		return nil, errors.New("workerID required")
	}
	job, err := r.GetByID(ctx, transaction, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	now := time.Now()
	attempt := job.AttemptCount + 1

	updates := map[string]interface{}{
		"attempt_count": attempt,
		"error_message": msg,
		"locked_by":     "",
		"locked_at":     nil,
		"updated_at":    now,
	}
	if attempt >= job.MaxAttempts {
		updates["status"] = types.JobStatusDead
	} else {
		updates["status"] = types.JobStatusPending
		updates["next_retry_at"] = now.Add(policy.Delay(attempt))
	}

	res := transaction.WithContext(ctx).
		Model(&types.PipelineJob{}).
		Where("id = ? AND status = ? AND locked_by = ?", id, types.JobStatusProcessing, workerID).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	job.AttemptCount = attempt
	job.ErrorMessage = msg
	job.LockedBy = ""
	job.LockedAt = nil
	job.UpdatedAt = now
	if attempt >= job.MaxAttempts {
		job.Status = types.JobStatusDead
	} else {
		job.Status = types.JobStatusPending
		if v, ok := updates["next_retry_at"].(time.Time); ok {
			job.NextRetryAt = v
		}
	}
	return job, nil
}

// MarkDead terminates a job without consuming remaining attempts. Used for
// permanent errors where retrying can only reproduce the same failure.
// Like Complete, the write only applies while workerID holds the lock.
func (r *jobRepo) MarkDead(ctx context.Context, tx *gorm.DB, id uuid.UUID, workerID, msg string) (bool, error) {
	transaction := r.conn(tx)
	if workerID == "" {
		return false, errors.New("workerID required")
	}
	res := transaction.WithContext(ctx).
		Model(&types.PipelineJob{}).
		Where("id = ? AND status = ? AND locked_by = ?", id, types.JobStatusProcessing, workerID).
		Updates(map[string]interface{}{
			"status":        types.JobStatusDead,
			"error_message": msg,
			"locked_by":     "",
			"locked_at":     nil,
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

/*
ResetStale reclaims orphaned work: processing jobs whose lock timestamp is
older than the lease window, and processing jobs with no lock holder that
have not been touched within the window. Jobs with attempts remaining go
back to pending; exhausted ones are marked dead with the reclaim reason.
*/
func (r *jobRepo) ResetStale(ctx context.Context, tx *gorm.DB, lease time.Duration) (int, error) {
	transaction := r.conn(tx)
	now := time.Now()
	cutoff := now.Add(-lease)

	var stale []*types.PipelineJob
	if err := transaction.WithContext(ctx).
		Where("status = ?", types.JobStatusProcessing).
		Where("(locked_at IS NOT NULL AND locked_at < ?) OR (locked_by = '' AND updated_at < ?)", cutoff, cutoff).
		Find(&stale).Error; err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, job := range stale {
		updates := map[string]interface{}{
			"locked_by":  "",
			"locked_at":  nil,
			"updated_at": now,
		}
		if job.AttemptCount < job.MaxAttempts {
			updates["status"] = types.JobStatusPending
			updates["next_retry_at"] = now
			updates["error_message"] = "reclaimed: lease expired"
		} else {
			updates["status"] = types.JobStatusDead
			updates["error_message"] = "reclaimed: lease expired with no attempts remaining"
		}
		res := transaction.WithContext(ctx).
			Model(&types.PipelineJob{}).
			Where("id = ? AND status = ?", job.ID, types.JobStatusProcessing).
			Updates(updates)
		if res.Error != nil {
			return reclaimed, res.Error
		}
		if res.RowsAffected == 1 {
			reclaimed++
			r.log.Warn("Reclaimed stale job",
				"job_id", job.ID,
				"job_type", job.JobType,
				"attempt_count", job.AttemptCount,
				"new_status", updates["status"],
			)
		}
	}
	return reclaimed, nil
}

func (r *jobRepo) CountActiveSiblings(ctx context.Context, tx *gorm.DB, unitID uuid.UUID, jobType string, excludeID uuid.UUID) (int64, error) {
	transaction := r.conn(tx)
	var n int64
	err := transaction.WithContext(ctx).
		Model(&types.PipelineJob{}).
		Where("content_unit_id = ? AND job_type = ? AND id <> ?", unitID, jobType, excludeID).
		Where("status IN ?", []string{types.JobStatusPending, types.JobStatusProcessing}).
		Count(&n).Error
	return n, err
}

// ResetToPending is the explicit operator action that revives a terminal
// or stuck job. It also zeroes the attempt count.
func (r *jobRepo) ResetToPending(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := r.conn(tx)
	now := time.Now()
	return transaction.WithContext(ctx).
		Model(&types.PipelineJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        types.JobStatusPending,
			"attempt_count": 0,
			"next_retry_at": now,
			"locked_by":     "",
			"locked_at":     nil,
			"error_message": "",
			"updated_at":    now,
		}).Error
}

func (r *jobRepo) DeleteByUnitID(ctx context.Context, tx *gorm.DB, unitID uuid.UUID) error {
	transaction := r.conn(tx)
	return transaction.WithContext(ctx).
		Where("content_unit_id = ?", unitID).
		Delete(&types.PipelineJob{}).Error
}
