package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/studyforge-backend/internal/logger"
	"github.com/yungbote/studyforge-backend/internal/types"
)

type StudyArtifactRepo interface {
	Upsert(ctx context.Context, tx *gorm.DB, artifact *types.StudyArtifact) (*types.StudyArtifact, error)
	GetByUnitID(ctx context.Context, tx *gorm.DB, unitID uuid.UUID, kind string) ([]*types.StudyArtifact, error)
	DeleteByUnitID(ctx context.Context, tx *gorm.DB, unitID uuid.UUID) error
}

type studyArtifactRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStudyArtifactRepo(db *gorm.DB, baseLog *logger.Logger) StudyArtifactRepo {
	return &studyArtifactRepo{db: db, log: baseLog.With("repo", "StudyArtifactRepo")}
}

func (r *studyArtifactRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

// Upsert replaces the artifact for (unit, kind, topic) so retried stages
// overwrite their own output instead of accumulating duplicates.
func (r *studyArtifactRepo) Upsert(ctx context.Context, tx *gorm.DB, artifact *types.StudyArtifact) (*types.StudyArtifact, error) {
	transaction := r.conn(tx)
	now := time.Now()

	var existing types.StudyArtifact
	err := transaction.WithContext(ctx).
		Where("content_unit_id = ? AND kind = ? AND topic = ?",
			artifact.ContentUnitID, artifact.Kind, artifact.Topic).
		Limit(1).
		Find(&existing).Error
	if err != nil {
		return nil, err
	}
	if existing.ID != uuid.Nil {
		if err := transaction.WithContext(ctx).
			Model(&types.StudyArtifact{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{
				"title":      artifact.Title,
				"body":       artifact.Body,
				"payload":    artifact.Payload,
				"updated_at": now,
			}).Error; err != nil {
			return nil, err
		}
		artifact.ID = existing.ID
		return artifact, nil
	}

	if artifact.ID == uuid.Nil {
		artifact.ID = uuid.New()
	}
	if err := transaction.WithContext(ctx).Create(artifact).Error; err != nil {
		return nil, err
	}
	return artifact, nil
}

func (r *studyArtifactRepo) GetByUnitID(ctx context.Context, tx *gorm.DB, unitID uuid.UUID, kind string) ([]*types.StudyArtifact, error) {
	transaction := r.conn(tx)
	q := transaction.WithContext(ctx).Where("content_unit_id = ?", unitID)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	var out []*types.StudyArtifact
	if err := q.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *studyArtifactRepo) DeleteByUnitID(ctx context.Context, tx *gorm.DB, unitID uuid.UUID) error {
	transaction := r.conn(tx)
	return transaction.WithContext(ctx).
		Where("content_unit_id = ?", unitID).
		Delete(&types.StudyArtifact{}).Error
}
