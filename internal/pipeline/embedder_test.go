package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/yungbote/studyforge-backend/internal/apperr"
	"github.com/yungbote/studyforge-backend/internal/logger"
	"github.com/yungbote/studyforge-backend/internal/repos"
	"github.com/yungbote/studyforge-backend/internal/repos/testutil"
	"github.com/yungbote/studyforge-backend/internal/types"
)

// fakeAIClient returns deterministic vectors and counts how many texts
// were sent to the embedding endpoint.
type fakeAIClient struct {
	mu        sync.Mutex
	embedded  []string
	dim       int
	embedErr  error
	vectorFor func(text string) []float32
}

func (f *fakeAIClient) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	out := make([][]float32, len(inputs))
	for i, text := range inputs {
		f.embedded = append(f.embedded, text)
		if f.vectorFor != nil {
			out[i] = f.vectorFor(text)
			continue
		}
		vec := make([]float32, f.dim)
		vec[0] = float32(len(text))
		out[i] = vec
	}
	return out, nil
}

func (f *fakeAIClient) CompleteText(context.Context, string, string) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeAIClient) CompleteJSON(context.Context, string, string, string, map[string]any) (map[string]any, error) {
	return nil, errors.New("not implemented")
}

func seedUnitChunks(t *testing.T, chunks repos.ContentChunkRepo, unitID uuid.UUID, n int) []*types.ContentChunk {
	t.Helper()
	fileID := uuid.New()
	out := make([]*types.ContentChunk, n)
	for i := 0; i < n; i++ {
		out[i] = &types.ContentChunk{
			ContentUnitID: unitID,
			SourceFileID:  fileID,
			SourceType:    types.SourceTypeDocument,
			Index:         i,
			Text:          fmt.Sprintf("chunk number %d with some text", i),
		}
	}
	created, err := chunks.Create(context.Background(), nil, out)
	if err != nil {
		t.Fatalf("seed chunks: %v", err)
	}
	return created
}

func TestEmbedderFillsOnlyNulls(t *testing.T) {
	db := testutil.DB(t)
	log := logger.NewNop()
	chunks := repos.NewContentChunkRepo(db, log)
	ai := &fakeAIClient{dim: 4}
	embedder := NewEmbedder(log, chunks, ai, 2, 1, 4)

	unitID := uuid.New()
	seeded := seedUnitChunks(t, chunks, unitID, 5)

	// Pre-set one embedding; it must survive byte-identical.
	presetVec := []float32{9, 9, 9, 9}
	preset, err := EncodeVector(presetVec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	wrote, err := chunks.SetEmbeddingIfNull(context.Background(), nil, seeded[2].ID, preset)
	if err != nil || !wrote {
		t.Fatalf("preset write: wrote=%v err=%v", wrote, err)
	}

	remaining, err := embedder.Run(context.Background(), unitID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected 0 remaining, got %d", remaining)
	}
	if len(ai.embedded) != 4 {
		t.Fatalf("expected 4 texts embedded (preset skipped), got %d", len(ai.embedded))
	}

	got, err := chunks.GetByIDs(context.Background(), nil, []uuid.UUID{seeded[2].ID})
	if err != nil || len(got) != 1 {
		t.Fatalf("re-read preset chunk: %v", err)
	}
	if string(got[0].Embedding) != string(preset) {
		t.Fatalf("preset embedding was overwritten")
	}

	// Second run is a no-op.
	ai.embedded = nil
	remaining, err = embedder.Run(context.Background(), unitID)
	if err != nil || remaining != 0 {
		t.Fatalf("second run: remaining=%d err=%v", remaining, err)
	}
	if len(ai.embedded) != 0 {
		t.Fatalf("second run embedded %d texts, want 0", len(ai.embedded))
	}
}

func TestEmbedderTransientFailureLeavesNullsForRetry(t *testing.T) {
	db := testutil.DB(t)
	log := logger.NewNop()
	chunks := repos.NewContentChunkRepo(db, log)
	ai := &fakeAIClient{dim: 4, embedErr: apperr.Transient(errors.New("rate limited"))}
	embedder := NewEmbedder(log, chunks, ai, 2, 1, 4)

	unitID := uuid.New()
	seedUnitChunks(t, chunks, unitID, 3)

	remaining, err := embedder.Run(context.Background(), unitID)
	if err != nil {
		t.Fatalf("transient batch failure must not abort the run: %v", err)
	}
	if remaining != 3 {
		t.Fatalf("expected 3 chunks still null, got %d", remaining)
	}

	// Service recovers; the retry resumes from exactly the missing set.
	ai.embedErr = nil
	remaining, err = embedder.Run(context.Background(), unitID)
	if err != nil || remaining != 0 {
		t.Fatalf("resume run: remaining=%d err=%v", remaining, err)
	}
}

func TestEmbedderRejectsBadVectors(t *testing.T) {
	db := testutil.DB(t)
	log := logger.NewNop()
	chunks := repos.NewContentChunkRepo(db, log)

	zeroes := &fakeAIClient{vectorFor: func(string) []float32 { return make([]float32, 4) }}
	embedder := NewEmbedder(log, chunks, zeroes, 2, 1, 4)
	unitID := uuid.New()
	seedUnitChunks(t, chunks, unitID, 1)
	if _, err := embedder.Run(context.Background(), unitID); err == nil {
		t.Fatalf("expected error for all-zero vector")
	}

	wrongDim := &fakeAIClient{dim: 3}
	embedder = NewEmbedder(log, chunks, wrongDim, 2, 1, 4)
	unitID = uuid.New()
	seedUnitChunks(t, chunks, unitID, 1)
	if _, err := embedder.Run(context.Background(), unitID); err == nil {
		t.Fatalf("expected error for dimension mismatch")
	}
}
