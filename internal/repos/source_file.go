package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/studyforge-backend/internal/logger"
	"github.com/yungbote/studyforge-backend/internal/types"
)

type SourceFileRepo interface {
	Create(ctx context.Context, tx *gorm.DB, files []*types.SourceFile) ([]*types.SourceFile, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.SourceFile, error)
	GetByUnitID(ctx context.Context, tx *gorm.DB, unitID uuid.UUID) ([]*types.SourceFile, error)
	UpdateStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, status string) error
}

type sourceFileRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSourceFileRepo(db *gorm.DB, baseLog *logger.Logger) SourceFileRepo {
	return &sourceFileRepo{db: db, log: baseLog.With("repo", "SourceFileRepo")}
}

func (r *sourceFileRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *sourceFileRepo) Create(ctx context.Context, tx *gorm.DB, files []*types.SourceFile) ([]*types.SourceFile, error) {
	transaction := r.conn(tx)
	if len(files) == 0 {
		return []*types.SourceFile{}, nil
	}
	for _, f := range files {
		if f.ID == uuid.Nil {
			f.ID = uuid.New()
		}
	}
	if err := transaction.WithContext(ctx).Create(&files).Error; err != nil {
		return nil, err
	}
	return files, nil
}

func (r *sourceFileRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.SourceFile, error) {
	transaction := r.conn(tx)
	var f types.SourceFile
	if err := transaction.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&f).Error; err != nil {
		return nil, err
	}
	if f.ID == uuid.Nil {
		return nil, nil
	}
	return &f, nil
}

func (r *sourceFileRepo) GetByUnitID(ctx context.Context, tx *gorm.DB, unitID uuid.UUID) ([]*types.SourceFile, error) {
	transaction := r.conn(tx)
	var out []*types.SourceFile
	if err := transaction.WithContext(ctx).
		Where("content_unit_id = ?", unitID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *sourceFileRepo) UpdateStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, status string) error {
	transaction := r.conn(tx)
	return transaction.WithContext(ctx).
		Model(&types.SourceFile{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now(),
		}).Error
}
