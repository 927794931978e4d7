package pipeline

import (
	"fmt"

	"github.com/yungbote/studyforge-backend/internal/apperr"
	jobruntime "github.com/yungbote/studyforge-backend/internal/jobs/runtime"
	"github.com/yungbote/studyforge-backend/internal/logger"
	"github.com/yungbote/studyforge-backend/internal/repos"
	"github.com/yungbote/studyforge-backend/internal/types"
)

// AggregateHandler folds every topic analysis into one study guide for
// the unit. Topics already deduplicate their own overlap; the fold here
// removes sections that recur across topics.
type AggregateHandler struct {
	log       *logger.Logger
	units     repos.ContentUnitRepo
	artifacts repos.StudyArtifactRepo
}

func NewAggregateHandler(log *logger.Logger, units repos.ContentUnitRepo, artifacts repos.StudyArtifactRepo) *AggregateHandler {
	return &AggregateHandler{
		log:       log.With("handler", "aggregate"),
		units:     units,
		artifacts: artifacts,
	}
}

func (h *AggregateHandler) Type() string { return types.JobTypeAggregate }

func (h *AggregateHandler) Run(ctx *jobruntime.Context) jobruntime.Result {
	var payload AggregatePayload
	if err := ctx.DecodePayload(&payload); err != nil {
		return jobruntime.Fail(apperr.Permanent(err))
	}
	if err := payload.Validate(); err != nil {
		return jobruntime.Fail(apperr.Permanent(err))
	}

	analyses, err := h.artifacts.GetByUnitID(ctx.Ctx, nil, payload.ContentUnitID, types.ArtifactKindAnalysis)
	if err != nil {
		return jobruntime.Fail(err)
	}
	if len(analyses) == 0 {
		return jobruntime.Fail(apperr.Permanent(fmt.Errorf("unit %s has no analyses to aggregate", payload.ContentUnitID)))
	}

	ctx.Progress("aggregating", 40)

	bodies := make([]string, len(analyses))
	for i, a := range analyses {
		bodies[i] = a.Body
	}
	merged := MergeBatches(bodies)
	for _, w := range merged.Warnings {
		h.log.Warn("study guide merge diagnostic", "unit_id", payload.ContentUnitID.String(), "detail", w)
	}
	if merged.Document == "" {
		return jobruntime.Fail(apperr.Quality(fmt.Errorf("study guide for unit %s is empty", payload.ContentUnitID)))
	}

	unit, err := h.units.GetByID(ctx.Ctx, nil, payload.ContentUnitID)
	if err != nil {
		return jobruntime.Fail(err)
	}
	title := "Study guide"
	if unit != nil && unit.Title != "" {
		title = unit.Title + " study guide"
	}

	_, err = h.artifacts.Upsert(ctx.Ctx, nil, &types.StudyArtifact{
		ContentUnitID: payload.ContentUnitID,
		Kind:          types.ArtifactKindStudyGuide,
		Topic:         "",
		Title:         title,
		Body:          merged.Document,
	})
	if err != nil {
		return jobruntime.Fail(err)
	}
	h.log.Info("Study guide stored",
		"unit_id", payload.ContentUnitID.String(),
		"topics", len(analyses),
		"sections", merged.Sections,
	)
	return jobruntime.Success()
}
