package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/studyforge-backend/internal/logger"
	"github.com/yungbote/studyforge-backend/internal/types"
)

type ContentChunkRepo interface {
	Create(ctx context.Context, tx *gorm.DB, chunks []*types.ContentChunk) ([]*types.ContentChunk, error)
	GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.ContentChunk, error)
	GetByUnitID(ctx context.Context, tx *gorm.DB, unitID uuid.UUID) ([]*types.ContentChunk, error)
	GetBySourceFileID(ctx context.Context, tx *gorm.DB, fileID uuid.UUID) ([]*types.ContentChunk, error)
	GetMissingEmbedding(ctx context.Context, tx *gorm.DB, unitID uuid.UUID) ([]*types.ContentChunk, error)
	CountMissingEmbedding(ctx context.Context, tx *gorm.DB, unitID uuid.UUID) (int64, error)
	SetEmbeddingIfNull(ctx context.Context, tx *gorm.DB, id uuid.UUID, embedding datatypes.JSON) (bool, error)
	LinkChain(ctx context.Context, tx *gorm.DB, fileID uuid.UUID) error
	DeleteByUnitID(ctx context.Context, tx *gorm.DB, unitID uuid.UUID) error
}

type contentChunkRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewContentChunkRepo(db *gorm.DB, baseLog *logger.Logger) ContentChunkRepo {
	return &contentChunkRepo{db: db, log: baseLog.With("repo", "ContentChunkRepo")}
}

func (r *contentChunkRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *contentChunkRepo) Create(ctx context.Context, tx *gorm.DB, chunks []*types.ContentChunk) ([]*types.ContentChunk, error) {
	transaction := r.conn(tx)
	if len(chunks) == 0 {
		return []*types.ContentChunk{}, nil
	}
	for _, ch := range chunks {
		if ch.ID == uuid.Nil {
			ch.ID = uuid.New()
		}
	}

	// Keep batches small because Text is large.
	const batchSize = 100
	if err := transaction.WithContext(ctx).CreateInBatches(chunks, batchSize).Error; err != nil {
		return nil, err
	}
	return chunks, nil
}

func (r *contentChunkRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.ContentChunk, error) {
	transaction := r.conn(tx)
	var out []*types.ContentChunk
	if len(ids) == 0 {
		return out, nil
	}
	if err := transaction.WithContext(ctx).
		Where("id IN ?", ids).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *contentChunkRepo) GetByUnitID(ctx context.Context, tx *gorm.DB, unitID uuid.UUID) ([]*types.ContentChunk, error) {
	transaction := r.conn(tx)
	var out []*types.ContentChunk
	if err := transaction.WithContext(ctx).
		Where("content_unit_id = ?", unitID).
		Order("source_file_id, chunk_index ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *contentChunkRepo) GetBySourceFileID(ctx context.Context, tx *gorm.DB, fileID uuid.UUID) ([]*types.ContentChunk, error) {
	transaction := r.conn(tx)
	var out []*types.ContentChunk
	if err := transaction.WithContext(ctx).
		Where("source_file_id = ?", fileID).
		Order("chunk_index ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *contentChunkRepo) GetMissingEmbedding(ctx context.Context, tx *gorm.DB, unitID uuid.UUID) ([]*types.ContentChunk, error) {
	transaction := r.conn(tx)
	var out []*types.ContentChunk
	if err := transaction.WithContext(ctx).
		Where("content_unit_id = ? AND embedding IS NULL", unitID).
		Order("source_file_id, chunk_index ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *contentChunkRepo) CountMissingEmbedding(ctx context.Context, tx *gorm.DB, unitID uuid.UUID) (int64, error) {
	transaction := r.conn(tx)
	var n int64
	err := transaction.WithContext(ctx).
		Model(&types.ContentChunk{}).
		Where("content_unit_id = ? AND embedding IS NULL", unitID).
		Count(&n).Error
	return n, err
}

/*
SetEmbeddingIfNull persists a vector only when the chunk has none yet.
Embeddings are write-once: a concurrently written value is never
clobbered, which makes the embedding stage safe to re-run after a partial
failure. Returns false when the guard rejected the write.
*/
func (r *contentChunkRepo) SetEmbeddingIfNull(ctx context.Context, tx *gorm.DB, id uuid.UUID, embedding datatypes.JSON) (bool, error) {
	transaction := r.conn(tx)
	res := transaction.WithContext(ctx).
		Model(&types.ContentChunk{}).
		Where("id = ? AND embedding IS NULL", id).
		Updates(map[string]interface{}{
			"embedding":  embedding,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

/*
LinkChain rebuilds the prev/next traversal chain for one source file's
chunks ordered by chunk_index, so readers never depend on storage order.
Idempotent; safe to re-run after a retried extract.
*/
func (r *contentChunkRepo) LinkChain(ctx context.Context, tx *gorm.DB, fileID uuid.UUID) error {
	transaction := r.conn(tx)
	chunks, err := r.GetBySourceFileID(ctx, transaction, fileID)
	if err != nil {
		return err
	}
	now := time.Now()
	for i, ch := range chunks {
		var prevID, nextID *uuid.UUID
		if i > 0 {
			prevID = &chunks[i-1].ID
		}
		if i < len(chunks)-1 {
			nextID = &chunks[i+1].ID
		}
		if err := transaction.WithContext(ctx).
			Model(&types.ContentChunk{}).
			Where("id = ?", ch.ID).
			Updates(map[string]interface{}{
				"prev_id":    prevID,
				"next_id":    nextID,
				"updated_at": now,
			}).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *contentChunkRepo) DeleteByUnitID(ctx context.Context, tx *gorm.DB, unitID uuid.UUID) error {
	transaction := r.conn(tx)
	return transaction.WithContext(ctx).
		Where("content_unit_id = ?", unitID).
		Delete(&types.ContentChunk{}).Error
}
