package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yungbote/studyforge-backend/internal/apperr"
	"github.com/yungbote/studyforge-backend/internal/logger"
	"github.com/yungbote/studyforge-backend/internal/repos"
	"github.com/yungbote/studyforge-backend/internal/services"
	"github.com/yungbote/studyforge-backend/internal/types"
)

/*
Embedder fills null embeddings for a content unit in resumable batches.
Each vector is persisted with a set-if-null write, so a concurrent or
earlier run is never clobbered and a re-run only touches what is missing.
A failed batch does not abort the run; its chunks stay null and are
picked up by the next attempt.
*/
type Embedder struct {
	log         *logger.Logger
	chunks      repos.ContentChunkRepo
	ai          services.AIClient
	batchSize   int
	parallelism int
	dim         int
}

func NewEmbedder(log *logger.Logger, chunks repos.ContentChunkRepo, ai services.AIClient, batchSize, parallelism, dim int) *Embedder {
	if batchSize <= 0 {
		batchSize = 64
	}
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Embedder{
		log:         log.With("component", "Embedder"),
		chunks:      chunks,
		ai:          ai,
		batchSize:   batchSize,
		parallelism: parallelism,
		dim:         dim,
	}
}

// Run embeds every chunk of the unit that still lacks a vector and
// returns how many remain null afterwards. remaining > 0 with a nil
// error means some batches failed and a retry should resume.
func (e *Embedder) Run(ctx context.Context, unitID uuid.UUID) (remaining int64, err error) {
	missing, err := e.chunks.GetMissingEmbedding(ctx, nil, unitID)
	if err != nil {
		return 0, err
	}
	if len(missing) == 0 {
		return 0, nil
	}

	var batches [][]*types.ContentChunk
	for start := 0; start < len(missing); start += e.batchSize {
		end := start + e.batchSize
		if end > len(missing) {
			end = len(missing)
		}
		batches = append(batches, missing[start:end])
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for _, batch := range batches {
		batch := batch
		g.Go(func() error {
			if err := e.embedBatch(gctx, batch); err != nil {
				// Permanent errors abort the run; transient ones leave
				// the batch null for the next attempt.
				if apperr.Classify(err) == apperr.KindPermanent {
					return err
				}
				e.log.Warn("embedding batch failed, will resume later",
					"unit_id", unitID.String(),
					"batch_size", len(batch),
					"error", err.Error(),
				)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	return e.chunks.CountMissingEmbedding(ctx, nil, unitID)
}

func (e *Embedder) embedBatch(ctx context.Context, batch []*types.ContentChunk) error {
	inputs := make([]string, len(batch))
	for i, ch := range batch {
		inputs[i] = ch.Text
	}
	vectors, err := e.ai.Embed(ctx, inputs)
	if err != nil {
		return err
	}
	if len(vectors) != len(batch) {
		return apperr.Permanent(fmt.Errorf("embedding count mismatch: want %d got %d", len(batch), len(vectors)))
	}
	for i, vec := range vectors {
		if e.dim > 0 && len(vec) != e.dim {
			return apperr.Permanent(fmt.Errorf("embedding dimension mismatch: want %d got %d", e.dim, len(vec)))
		}
		if isZeroVector(vec) {
			return apperr.Permanent(fmt.Errorf("degenerate all-zero embedding for chunk %s", batch[i].ID))
		}
		raw, err := EncodeVector(vec)
		if err != nil {
			return apperr.Permanent(err)
		}
		wrote, err := e.chunks.SetEmbeddingIfNull(ctx, nil, batch[i].ID, raw)
		if err != nil {
			return err
		}
		if !wrote {
			e.log.Debug("embedding already present, kept existing value", "chunk_id", batch[i].ID.String())
		}
	}
	return nil
}

// EnsureEmbeddings lazily embeds a specific chunk set (used by the focus
// matcher for vectors that arrived after the main embed pass) and returns
// the chunks re-read with vectors attached.
func (e *Embedder) EnsureEmbeddings(ctx context.Context, chunks []*types.ContentChunk) ([]*types.ContentChunk, error) {
	var missing []*types.ContentChunk
	ids := make([]uuid.UUID, 0, len(chunks))
	for _, ch := range chunks {
		ids = append(ids, ch.ID)
		if len(ch.Embedding) == 0 {
			missing = append(missing, ch)
		}
	}
	if len(missing) == 0 {
		return chunks, nil
	}
	for start := 0; start < len(missing); start += e.batchSize {
		end := start + e.batchSize
		if end > len(missing) {
			end = len(missing)
		}
		if err := e.embedBatch(ctx, missing[start:end]); err != nil {
			return nil, err
		}
	}
	return e.chunks.GetByIDs(ctx, nil, ids)
}
