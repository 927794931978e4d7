package pipeline

import (
	"fmt"

	"github.com/yungbote/studyforge-backend/internal/apperr"
	jobruntime "github.com/yungbote/studyforge-backend/internal/jobs/runtime"
	"github.com/yungbote/studyforge-backend/internal/logger"
	"github.com/yungbote/studyforge-backend/internal/repos"
	"github.com/yungbote/studyforge-backend/internal/services"
	"github.com/yungbote/studyforge-backend/internal/types"
)

/*
AnalyzeHandler summarizes one topic's chunks into a structured study
analysis. Large topics are summarized in overlapping batches and merged,
so a rule split across a batch boundary still lands in the output once.
The artifact upsert is keyed by (unit, kind, topic): a retried run
overwrites its own previous output instead of duplicating it.
*/
type AnalyzeHandler struct {
	log            *logger.Logger
	chunks         repos.ContentChunkRepo
	artifacts      repos.StudyArtifactRepo
	ai             services.AIClient
	batchMaxChars  int
	batchOverlap   int
}

func NewAnalyzeHandler(log *logger.Logger, chunks repos.ContentChunkRepo, artifacts repos.StudyArtifactRepo, ai services.AIClient, batchMaxChars, batchOverlap int) *AnalyzeHandler {
	return &AnalyzeHandler{
		log:           log.With("handler", "analyze"),
		chunks:        chunks,
		artifacts:     artifacts,
		ai:            ai,
		batchMaxChars: batchMaxChars,
		batchOverlap:  batchOverlap,
	}
}

func (h *AnalyzeHandler) Type() string { return types.JobTypeAnalyze }

func (h *AnalyzeHandler) Run(ctx *jobruntime.Context) jobruntime.Result {
	var payload AnalyzePayload
	if err := ctx.DecodePayload(&payload); err != nil {
		return jobruntime.Fail(apperr.Permanent(err))
	}
	if err := payload.Validate(); err != nil {
		return jobruntime.Fail(apperr.Permanent(err))
	}

	chunks, err := h.chunks.GetByIDs(ctx.Ctx, nil, payload.ChunkIDs)
	if err != nil {
		return jobruntime.Fail(err)
	}
	if len(chunks) == 0 {
		return jobruntime.Fail(apperr.Permanent(fmt.Errorf("no chunks found for topic %q", payload.Topic)))
	}

	ctx.Progress("analyzing", 20)

	paragraphs := make([]string, len(chunks))
	for i, ch := range chunks {
		paragraphs[i] = ch.Text
	}
	batches := BatchesWithOverlap(paragraphs, h.batchMaxChars, h.batchOverlap)

	summaries := make([]string, 0, len(batches))
	for i, batch := range batches {
		text, err := h.ai.CompleteText(ctx.Ctx,
			"You write structured study notes. Organize the material into sections, each introduced by a '## ' heading. Be faithful to the source; do not invent facts.",
			fmt.Sprintf("Topic: %s\n\nMaterial:\n\n%s", payload.Topic, batch))
		if err != nil {
			return jobruntime.Fail(err)
		}
		summaries = append(summaries, text)
		ctx.Progress("analyzing", 20+((i+1)*60)/len(batches))
	}

	merged := MergeBatches(summaries)
	for _, w := range merged.Warnings {
		h.log.Warn("summary merge diagnostic", "topic", payload.Topic, "detail", w)
	}
	if merged.Document == "" {
		return jobruntime.Fail(apperr.Quality(fmt.Errorf("merged analysis for topic %q is empty", payload.Topic)))
	}

	_, err = h.artifacts.Upsert(ctx.Ctx, nil, &types.StudyArtifact{
		ContentUnitID: payload.ContentUnitID,
		Kind:          types.ArtifactKindAnalysis,
		Topic:         payload.Topic,
		Title:         payload.Topic,
		Body:          merged.Document,
	})
	if err != nil {
		return jobruntime.Fail(err)
	}
	h.log.Info("Analysis stored",
		"unit_id", payload.ContentUnitID.String(),
		"topic", payload.Topic,
		"batches", len(batches),
		"sections", merged.Sections,
	)
	return jobruntime.Success()
}
