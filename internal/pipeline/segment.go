package pipeline

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/yungbote/studyforge-backend/internal/apperr"
	jobruntime "github.com/yungbote/studyforge-backend/internal/jobs/runtime"
	"github.com/yungbote/studyforge-backend/internal/logger"
	"github.com/yungbote/studyforge-backend/internal/repos"
	"github.com/yungbote/studyforge-backend/internal/services"
	"github.com/yungbote/studyforge-backend/internal/types"
)

const topicSchemaName = "detected_topics"

// topicPromptMaxChars bounds how much focused text goes into the topic
// detection prompt.
const topicPromptMaxChars = 24000

/*
SegmentHandler runs focus matching, asks the model for the sub-topics of
the focused material, and fans out one analyze job per topic. The fan-out
happens before this job completes, so every analyze job exists by the
time the analyze gate can first fire. Dedupe keys make the fan-out safe
to repeat on retry.
*/
type SegmentHandler struct {
	log         *logger.Logger
	jobs        repos.JobRepo
	chunks      repos.ContentChunkRepo
	matcher     *FocusMatcher
	ai          services.AIClient
	maxAttempts int
}

func NewSegmentHandler(log *logger.Logger, jobs repos.JobRepo, chunks repos.ContentChunkRepo, matcher *FocusMatcher, ai services.AIClient, maxAttempts int) *SegmentHandler {
	return &SegmentHandler{
		log:         log.With("handler", "segment"),
		jobs:        jobs,
		chunks:      chunks,
		matcher:     matcher,
		ai:          ai,
		maxAttempts: maxAttempts,
	}
}

func (h *SegmentHandler) Type() string { return types.JobTypeSegment }

func (h *SegmentHandler) Run(ctx *jobruntime.Context) jobruntime.Result {
	var payload SegmentPayload
	if err := ctx.DecodePayload(&payload); err != nil {
		return jobruntime.Fail(apperr.Permanent(err))
	}
	if err := payload.Validate(); err != nil {
		return jobruntime.Fail(apperr.Permanent(err))
	}
	unitID := payload.ContentUnitID

	ctx.Progress("focus_matching", 10)

	focused, err := h.matcher.Match(ctx.Ctx, unitID)
	if err != nil {
		return jobruntime.Fail(err)
	}

	// Topic detection works over the focused material; with nothing
	// focused it falls back to all document chunks.
	material := focused
	if len(material) == 0 {
		all, err := h.chunks.GetByUnitID(ctx.Ctx, nil, unitID)
		if err != nil {
			return jobruntime.Fail(err)
		}
		for _, ch := range all {
			if ch.SourceType != types.SourceTypeAudio {
				material = append(material, FocusedChunk{Chunk: ch, Similarity: 1.0})
			}
		}
	}
	if len(material) == 0 {
		return jobruntime.Fail(apperr.Quality(fmt.Errorf("unit %s has no document chunks to segment", unitID)))
	}

	ctx.Progress("detecting_topics", 50)

	topics, err := h.detectTopics(ctx, material)
	if err != nil {
		return jobruntime.Fail(err)
	}
	if len(topics) == 0 {
		ids := make([]uuid.UUID, len(material))
		for i, fc := range material {
			ids[i] = fc.Chunk.ID
		}
		topics = map[string][]uuid.UUID{"General": ids}
	}

	ctx.Progress("scheduling_analysis", 80)

	for topic, chunkIDs := range topics {
		raw, err := EncodePayload(AnalyzePayload{ContentUnitID: unitID, Topic: topic, ChunkIDs: chunkIDs})
		if err != nil {
			return jobruntime.Fail(err)
		}
		job := &types.PipelineJob{
			ContentUnitID: unitID,
			JobType:       types.JobTypeAnalyze,
			Payload:       raw,
			MaxAttempts:   h.maxAttempts,
			DedupeKey:     fmt.Sprintf("analyze:%s:%s", unitID, slugify(topic)),
		}
		if _, _, err := h.jobs.Enqueue(ctx.Ctx, nil, job); err != nil {
			return jobruntime.Fail(err)
		}
	}
	h.log.Info("Segmented unit into topics", "unit_id", unitID.String(), "topics", len(topics))
	return jobruntime.Success()
}

// detectTopics maps topic title -> contributing chunk ids. The model
// sees numbered passages and answers with passage numbers, which keeps
// the schema free of ids it could mangle.
func (h *SegmentHandler) detectTopics(ctx *jobruntime.Context, material []FocusedChunk) (map[string][]uuid.UUID, error) {
	var sb strings.Builder
	for i, fc := range material {
		entry := fmt.Sprintf("[%d] %s\n\n", i, fc.Chunk.Text)
		if sb.Len()+len(entry) > topicPromptMaxChars {
			break
		}
		sb.WriteString(entry)
	}

	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"topics": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"title": map[string]any{"type": "string"},
						"passages": map[string]any{
							"type":  "array",
							"items": map[string]any{"type": "integer"},
						},
					},
					"required":             []string{"title", "passages"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"topics"},
		"additionalProperties": false,
	}

	obj, err := h.ai.CompleteJSON(ctx.Ctx,
		"You split study material into a small number of coherent sub-topics. Every passage number you reference must exist in the input.",
		"Group the following numbered passages into sub-topics:\n\n"+sb.String(),
		topicSchemaName, schema)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]uuid.UUID)
	rawTopics, _ := obj["topics"].([]any)
	for _, rt := range rawTopics {
		m, ok := rt.(map[string]any)
		if !ok {
			continue
		}
		title, _ := m["title"].(string)
		title = strings.TrimSpace(title)
		if title == "" {
			continue
		}
		passages, _ := m["passages"].([]any)
		for _, p := range passages {
			idx, ok := p.(float64)
			if !ok {
				continue
			}
			i := int(idx)
			if i < 0 || i >= len(material) {
				continue
			}
			out[title] = append(out[title], material[i].Chunk.ID)
		}
		if len(out[title]) == 0 {
			delete(out, title)
		}
	}
	return out, nil
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			sb.WriteRune('-')
		}
	}
	return strings.Trim(sb.String(), "-")
}
