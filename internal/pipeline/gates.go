package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/yungbote/studyforge-backend/internal/logger"
	"github.com/yungbote/studyforge-backend/internal/repos"
	"github.com/yungbote/studyforge-backend/internal/services"
	"github.com/yungbote/studyforge-backend/internal/types"
)

/*
GateEvaluator implements the fan-in rule: when a stage job completes,
the next stage is enqueued only once no sibling of the same stage is
still pending or processing. Several siblings finishing at once may all
pass the check; the dedupe key on the downstream job guarantees exactly
one of those concurrent enqueues creates it. Correctness rests entirely
on the job store's atomicity, there is no separate synchronization
primitive.
*/
type GateEvaluator struct {
	log         *logger.Logger
	jobs        repos.JobRepo
	units       repos.ContentUnitRepo
	artifacts   repos.StudyArtifactRepo
	notify      services.PipelineNotifier
	maxAttempts int
}

func NewGateEvaluator(log *logger.Logger, jobs repos.JobRepo, units repos.ContentUnitRepo, artifacts repos.StudyArtifactRepo, notify services.PipelineNotifier, maxAttempts int) *GateEvaluator {
	return &GateEvaluator{
		log:         log.With("component", "GateEvaluator"),
		jobs:        jobs,
		units:       units,
		artifacts:   artifacts,
		notify:      notify,
		maxAttempts: maxAttempts,
	}
}

func (g *GateEvaluator) OnCompleted(ctx context.Context, job *types.PipelineJob) error {
	active, err := g.jobs.CountActiveSiblings(ctx, nil, job.ContentUnitID, job.JobType, job.ID)
	if err != nil {
		return fmt.Errorf("count siblings: %w", err)
	}
	if active > 0 {
		return nil
	}

	unitID := job.ContentUnitID
	switch job.JobType {
	case types.JobTypeExtract:
		return g.enqueue(ctx, unitID, types.JobTypeEmbed,
			EmbedPayload{ContentUnitID: unitID},
			fmt.Sprintf("embed:%s", unitID))

	case types.JobTypeEmbed:
		if err := g.units.UpdateStatus(ctx, nil, unitID, types.UnitStatusEmbedded, types.JobTypeEmbed); err != nil {
			return err
		}
		if g.notify != nil {
			g.notify.UnitStatusChanged(ctx, unitID, types.UnitStatusEmbedded, types.JobTypeEmbed)
		}
		return g.enqueue(ctx, unitID, types.JobTypeSegment,
			SegmentPayload{ContentUnitID: unitID},
			fmt.Sprintf("segment:%s", unitID))

	case types.JobTypeSegment:
		// The segment handler fans out analyze jobs itself before
		// completing; nothing to schedule here.
		return nil

	case types.JobTypeAnalyze:
		return g.enqueueQuizzes(ctx, unitID)

	case types.JobTypeQuiz:
		return g.enqueue(ctx, unitID, types.JobTypeAggregate,
			AggregatePayload{ContentUnitID: unitID},
			fmt.Sprintf("aggregate:%s", unitID))

	case types.JobTypeAggregate:
		if err := g.units.UpdateStatus(ctx, nil, unitID, types.UnitStatusCompleted, types.JobTypeAggregate); err != nil {
			return err
		}
		if g.notify != nil {
			g.notify.UnitStatusChanged(ctx, unitID, types.UnitStatusCompleted, types.JobTypeAggregate)
		}
		return nil

	default:
		g.log.Warn("gate has no rule for job type", "job_type", job.JobType)
		return nil
	}
}

// enqueueQuizzes derives one quiz job per stored analysis artifact. The
// dedupe key carries the slugified topic, the same form the analyze
// fan-out uses, so the set stays stable no matter how many analyze
// completions race through this gate.
func (g *GateEvaluator) enqueueQuizzes(ctx context.Context, unitID uuid.UUID) error {
	analyses, err := g.artifacts.GetByUnitID(ctx, nil, unitID, types.ArtifactKindAnalysis)
	if err != nil {
		return err
	}
	if len(analyses) == 0 {
		g.log.Warn("analyze stage finished with no analysis artifacts", "unit_id", unitID.String())
		return g.enqueue(ctx, unitID, types.JobTypeAggregate,
			AggregatePayload{ContentUnitID: unitID},
			fmt.Sprintf("aggregate:%s", unitID))
	}
	for _, a := range analyses {
		err := g.enqueue(ctx, unitID, types.JobTypeQuiz,
			QuizPayload{ContentUnitID: unitID, Topic: a.Topic},
			fmt.Sprintf("quiz:%s:%s", unitID, slugify(a.Topic)))
		if err != nil {
			return err
		}
	}
	return nil
}

func (g *GateEvaluator) enqueue(ctx context.Context, unitID uuid.UUID, jobType string, payload any, dedupeKey string) error {
	raw, err := EncodePayload(payload)
	if err != nil {
		return err
	}
	job := &types.PipelineJob{
		ContentUnitID: unitID,
		JobType:       jobType,
		Payload:       raw,
		MaxAttempts:   g.maxAttempts,
		DedupeKey:     dedupeKey,
	}
	created, existed, err := g.jobs.Enqueue(ctx, nil, job)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	if existed {
		g.log.Debug("downstream job already enqueued", "job_type", jobType, "dedupe_key", dedupeKey)
		return nil
	}
	g.log.Info("Gate opened, next stage enqueued",
		"unit_id", unitID.String(),
		"job_type", jobType,
		"job_id", created.ID.String(),
	)
	return nil
}
