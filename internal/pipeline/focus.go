package pipeline

import (
	"context"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/yungbote/studyforge-backend/internal/logger"
	"github.com/yungbote/studyforge-backend/internal/repos"
	"github.com/yungbote/studyforge-backend/internal/types"
)

// FocusedChunk marks one document chunk as aligned with narration. It is
// derived state: recomputed on demand, never persisted.
type FocusedChunk struct {
	Chunk         *types.ContentChunk
	Similarity    float64
	AudioChunkIDs []uuid.UUID
}

/*
FocusMatcher aligns narration emphasis with document passages. For each
audio chunk it gathers the top-K most similar document chunks above a
coarse floor, then derives a threshold from the observed score
distribution itself: max(floor, mean + K*stddev). The threshold adapts to
each corpus's similarity scale, so a flat corpus is not over-matched and
a spiky one is not under-matched.

Matching marks passages, it never filters the document: unmatched chunks
remain available to every downstream stage.
*/
type FocusMatcher struct {
	log        *logger.Logger
	chunks     repos.ContentChunkRepo
	embedder   *Embedder
	floor      float64
	k          float64
	topK       int
	maxMatches int
}

func NewFocusMatcher(log *logger.Logger, chunks repos.ContentChunkRepo, embedder *Embedder, floor, k float64, topK, maxMatches int) *FocusMatcher {
	if topK <= 0 {
		topK = 5
	}
	if maxMatches <= 0 {
		maxMatches = 40
	}
	return &FocusMatcher{
		log:        log.With("component", "FocusMatcher"),
		chunks:     chunks,
		embedder:   embedder,
		floor:      floor,
		k:          k,
		topK:       topK,
		maxMatches: maxMatches,
	}
}

type candidate struct {
	docID      uuid.UUID
	audioID    uuid.UUID
	similarity float64
}

// Match returns the focused document chunks for a unit, sorted by
// similarity descending. With no audio track the whole document is
// focused at neutral maximum similarity; that is a fallback, not an error.
func (m *FocusMatcher) Match(ctx context.Context, unitID uuid.UUID) ([]FocusedChunk, error) {
	all, err := m.chunks.GetByUnitID(ctx, nil, unitID)
	if err != nil {
		return nil, err
	}
	var docChunks, audioChunks []*types.ContentChunk
	for _, ch := range all {
		switch ch.SourceType {
		case types.SourceTypeAudio:
			audioChunks = append(audioChunks, ch)
		default:
			docChunks = append(docChunks, ch)
		}
	}
	if len(docChunks) == 0 {
		return nil, nil
	}
	if len(audioChunks) == 0 {
		out := make([]FocusedChunk, len(docChunks))
		for i, ch := range docChunks {
			out[i] = FocusedChunk{Chunk: ch, Similarity: 1.0}
		}
		return out, nil
	}

	if docChunks, err = m.embedder.EnsureEmbeddings(ctx, docChunks); err != nil {
		return nil, err
	}
	if audioChunks, err = m.embedder.EnsureEmbeddings(ctx, audioChunks); err != nil {
		return nil, err
	}

	docVecs := make(map[uuid.UUID][]float32, len(docChunks))
	docByID := make(map[uuid.UUID]*types.ContentChunk, len(docChunks))
	for _, ch := range docChunks {
		vec, err := DecodeVector(ch.Embedding)
		if err != nil {
			return nil, err
		}
		if vec == nil {
			continue
		}
		docVecs[ch.ID] = vec
		docByID[ch.ID] = ch
	}

	var candidates []candidate
	for _, audio := range audioChunks {
		avec, err := DecodeVector(audio.Embedding)
		if err != nil {
			return nil, err
		}
		if avec == nil {
			continue
		}
		var scored []candidate
		for docID, dvec := range docVecs {
			sim := Cosine(avec, dvec)
			if sim < m.floor {
				continue
			}
			scored = append(scored, candidate{docID: docID, audioID: audio.ID, similarity: sim})
		}
		sort.Slice(scored, func(i, j int) bool { return scored[i].similarity > scored[j].similarity })
		if len(scored) > m.topK {
			scored = scored[:m.topK]
		}
		candidates = append(candidates, scored...)
	}
	if len(candidates) == 0 {
		m.log.Info("no focus candidates above floor", "unit_id", unitID.String(), "floor", m.floor)
		return nil, nil
	}

	threshold := m.dynamicThreshold(candidates)

	byDoc := make(map[uuid.UUID]*FocusedChunk)
	var order []uuid.UUID
	for _, c := range candidates {
		if c.similarity < threshold {
			continue
		}
		fc, ok := byDoc[c.docID]
		if !ok {
			fc = &FocusedChunk{Chunk: docByID[c.docID]}
			byDoc[c.docID] = fc
			order = append(order, c.docID)
		}
		if c.similarity > fc.Similarity {
			fc.Similarity = c.similarity
		}
		fc.AudioChunkIDs = append(fc.AudioChunkIDs, c.audioID)
	}

	out := make([]FocusedChunk, 0, len(order))
	for _, id := range order {
		out = append(out, *byDoc[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > m.maxMatches {
		out = out[:m.maxMatches]
	}
	m.log.Info("focus matching done",
		"unit_id", unitID.String(),
		"candidates", len(candidates),
		"threshold", threshold,
		"focused", len(out),
	)
	return out, nil
}

// dynamicThreshold = max(floor, mean + k*stddev) over all candidate
// scores. Population standard deviation; the candidate set is the whole
// observed distribution, not a sample of it.
func (m *FocusMatcher) dynamicThreshold(candidates []candidate) float64 {
	var sum float64
	for _, c := range candidates {
		sum += c.similarity
	}
	mean := sum / float64(len(candidates))
	var variance float64
	for _, c := range candidates {
		d := c.similarity - mean
		variance += d * d
	}
	variance /= float64(len(candidates))
	threshold := mean + m.k*math.Sqrt(variance)
	if threshold < m.floor {
		threshold = m.floor
	}
	return threshold
}
