package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/studyforge-backend/internal/logger"
	"github.com/yungbote/studyforge-backend/internal/types"
)

type ContentUnitRepo interface {
	Create(ctx context.Context, tx *gorm.DB, unit *types.ContentUnit) (*types.ContentUnit, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ContentUnit, error)
	UpdateStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, status, stage string) error
	MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, msg string) error
	ResetToPending(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type contentUnitRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewContentUnitRepo(db *gorm.DB, baseLog *logger.Logger) ContentUnitRepo {
	return &contentUnitRepo{db: db, log: baseLog.With("repo", "ContentUnitRepo")}
}

func (r *contentUnitRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *contentUnitRepo) Create(ctx context.Context, tx *gorm.DB, unit *types.ContentUnit) (*types.ContentUnit, error) {
	transaction := r.conn(tx)
	if unit.ID == uuid.Nil {
		unit.ID = uuid.New()
	}
	if unit.Status == "" {
		unit.Status = types.UnitStatusPending
	}
	if err := transaction.WithContext(ctx).Create(unit).Error; err != nil {
		return nil, err
	}
	return unit, nil
}

func (r *contentUnitRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ContentUnit, error) {
	transaction := r.conn(tx)
	var unit types.ContentUnit
	if err := transaction.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&unit).Error; err != nil {
		return nil, err
	}
	if unit.ID == uuid.Nil {
		return nil, nil
	}
	return &unit, nil
}

func (r *contentUnitRepo) UpdateStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, status, stage string) error {
	transaction := r.conn(tx)
	updates := map[string]interface{}{
		"updated_at": time.Now(),
	}
	if status != "" {
		updates["status"] = status
	}
	if stage != "" {
		updates["stage"] = stage
	}
	return transaction.WithContext(ctx).
		Model(&types.ContentUnit{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *contentUnitRepo) MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, msg string) error {
	transaction := r.conn(tx)
	return transaction.WithContext(ctx).
		Model(&types.ContentUnit{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     types.UnitStatusFailed,
			"error":      msg,
			"updated_at": time.Now(),
		}).Error
}

func (r *contentUnitRepo) ResetToPending(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := r.conn(tx)
	return transaction.WithContext(ctx).
		Model(&types.ContentUnit{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     types.UnitStatusPending,
			"stage":      "",
			"error":      "",
			"updated_at": time.Now(),
		}).Error
}
