package pipeline

import (
	"context"
	"math"
	"testing"

	"github.com/google/uuid"

	"github.com/yungbote/studyforge-backend/internal/logger"
	"github.com/yungbote/studyforge-backend/internal/repos"
	"github.com/yungbote/studyforge-backend/internal/repos/testutil"
	"github.com/yungbote/studyforge-backend/internal/types"
)

func TestDynamicThresholdAdaptsToDistribution(t *testing.T) {
	m := &FocusMatcher{floor: 0.35, k: 1.0}
	cands := []candidate{
		{similarity: 0.2},
		{similarity: 0.2},
		{similarity: 0.9},
		{similarity: 0.9},
	}
	// mean 0.55, population std 0.35 -> threshold 0.90.
	got := m.dynamicThreshold(cands)
	if math.Abs(got-0.90) > 1e-9 {
		t.Fatalf("threshold = %v, want 0.90", got)
	}
	kept := 0
	for _, c := range cands {
		if c.similarity >= got {
			kept++
		}
	}
	if kept != 2 {
		t.Fatalf("expected exactly the two high scores kept, got %d", kept)
	}
}

func TestDynamicThresholdFloorWins(t *testing.T) {
	m := &FocusMatcher{floor: 0.35, k: 1.0}
	got := m.dynamicThreshold([]candidate{{similarity: 0.1}, {similarity: 0.1}})
	if got != 0.35 {
		t.Fatalf("threshold = %v, want the floor 0.35", got)
	}
}

func seedChunk(t *testing.T, chunks repos.ContentChunkRepo, unitID, fileID uuid.UUID, sourceType string, index int, vec []float32) *types.ContentChunk {
	t.Helper()
	ch := &types.ContentChunk{
		ContentUnitID: unitID,
		SourceFileID:  fileID,
		SourceType:    sourceType,
		Index:         index,
		Text:          "chunk text",
	}
	if vec != nil {
		raw, err := EncodeVector(vec)
		if err != nil {
			t.Fatalf("encode vector: %v", err)
		}
		ch.Embedding = raw
	}
	created, err := chunks.Create(context.Background(), nil, []*types.ContentChunk{ch})
	if err != nil {
		t.Fatalf("create chunk: %v", err)
	}
	return created[0]
}

func TestMatchNoAudioTreatsWholeDocumentAsFocused(t *testing.T) {
	db := testutil.DB(t)
	log := logger.NewNop()
	chunks := repos.NewContentChunkRepo(db, log)
	embedder := NewEmbedder(log, chunks, nil, 64, 1, 0)
	m := NewFocusMatcher(log, chunks, embedder, 0.35, 1.0, 5, 40)

	unitID := uuid.New()
	fileID := uuid.New()
	for i := 0; i < 3; i++ {
		seedChunk(t, chunks, unitID, fileID, types.SourceTypeDocument, i, nil)
	}

	focused, err := m.Match(context.Background(), unitID)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(focused) != 3 {
		t.Fatalf("expected all 3 document chunks focused, got %d", len(focused))
	}
	for _, fc := range focused {
		if fc.Similarity != 1.0 {
			t.Fatalf("fallback similarity = %v, want 1.0", fc.Similarity)
		}
	}
}

func TestMatchDeduplicatesByDocumentChunk(t *testing.T) {
	db := testutil.DB(t)
	log := logger.NewNop()
	chunks := repos.NewContentChunkRepo(db, log)
	embedder := NewEmbedder(log, chunks, nil, 64, 1, 0)
	// floor 0 and k 0: threshold equals the mean, so strong matches
	// survive and the dedupe/fold path is exercised.
	m := NewFocusMatcher(log, chunks, embedder, 0.0, 0.0, 5, 40)

	unitID := uuid.New()
	docFile := uuid.New()
	audioFile := uuid.New()

	target := seedChunk(t, chunks, unitID, docFile, types.SourceTypeDocument, 0, []float32{1, 0, 0})
	seedChunk(t, chunks, unitID, docFile, types.SourceTypeDocument, 1, []float32{0, 1, 0})
	audioA := seedChunk(t, chunks, unitID, audioFile, types.SourceTypeAudio, 0, []float32{0.9, 0.1, 0})
	audioB := seedChunk(t, chunks, unitID, audioFile, types.SourceTypeAudio, 1, []float32{0.95, 0.05, 0})

	focused, err := m.Match(context.Background(), unitID)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	var fc *FocusedChunk
	for i := range focused {
		if focused[i].Chunk.ID == target.ID {
			fc = &focused[i]
		}
	}
	if fc == nil {
		t.Fatalf("target document chunk not focused")
	}
	if len(fc.AudioChunkIDs) != 2 {
		t.Fatalf("expected both audio chunks folded into one match, got %d", len(fc.AudioChunkIDs))
	}
	seen := map[uuid.UUID]bool{audioA.ID: false, audioB.ID: false}
	for _, id := range fc.AudioChunkIDs {
		seen[id] = true
	}
	for id, ok := range seen {
		if !ok {
			t.Fatalf("audio chunk %s missing from fold", id)
		}
	}
	simA := Cosine([]float32{0.9, 0.1, 0}, []float32{1, 0, 0})
	simB := Cosine([]float32{0.95, 0.05, 0}, []float32{1, 0, 0})
	max := math.Max(simA, simB)
	if math.Abs(fc.Similarity-max) > 1e-9 {
		t.Fatalf("fold kept similarity %v, want max %v", fc.Similarity, max)
	}
}

func TestCosine(t *testing.T) {
	if got := Cosine([]float32{1, 0}, []float32{1, 0}); math.Abs(got-1) > 1e-9 {
		t.Fatalf("identical vectors: %v", got)
	}
	if got := Cosine([]float32{1, 0}, []float32{0, 1}); math.Abs(got) > 1e-9 {
		t.Fatalf("orthogonal vectors: %v", got)
	}
	if got := Cosine([]float32{0, 0}, []float32{1, 0}); got != 0 {
		t.Fatalf("degenerate vector: %v", got)
	}
	if got := Cosine([]float32{1}, []float32{1, 0}); got != 0 {
		t.Fatalf("dimension mismatch: %v", got)
	}
}
