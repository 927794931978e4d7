package pipeline

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"

	"github.com/yungbote/studyforge-backend/internal/apperr"
	jobruntime "github.com/yungbote/studyforge-backend/internal/jobs/runtime"
	"github.com/yungbote/studyforge-backend/internal/logger"
	"github.com/yungbote/studyforge-backend/internal/repos"
	"github.com/yungbote/studyforge-backend/internal/services"
	"github.com/yungbote/studyforge-backend/internal/types"
)

const quizSchemaName = "topic_quiz"

// QuizHandler generates a multiple-choice quiz from the stored analysis
// of one topic.
type QuizHandler struct {
	log       *logger.Logger
	artifacts repos.StudyArtifactRepo
	ai        services.AIClient
}

func NewQuizHandler(log *logger.Logger, artifacts repos.StudyArtifactRepo, ai services.AIClient) *QuizHandler {
	return &QuizHandler{
		log:       log.With("handler", "quiz"),
		artifacts: artifacts,
		ai:        ai,
	}
}

func (h *QuizHandler) Type() string { return types.JobTypeQuiz }

func (h *QuizHandler) Run(ctx *jobruntime.Context) jobruntime.Result {
	var payload QuizPayload
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
	var analysis *types.StudyArtifact
	for _, a := range analyses {
		if a.Topic == payload.Topic {
			analysis = a
			break
		}
	}
	if analysis == nil {
		return jobruntime.Fail(apperr.Permanent(fmt.Errorf("no analysis artifact for topic %q", payload.Topic)))
	}

	ctx.Progress("generating_quiz", 30)

	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"questions": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"question": map[string]any{"type": "string"},
						"options": map[string]any{
							"type":  "array",
							"items": map[string]any{"type": "string"},
						},
						"answer_index": map[string]any{"type": "integer"},
						"explanation":  map[string]any{"type": "string"},
					},
					"required":             []string{"question", "options", "answer_index", "explanation"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"questions"},
		"additionalProperties": false,
	}

	obj, err := h.ai.CompleteJSON(ctx.Ctx,
		"You write multiple-choice quizzes from study notes. Each question has exactly four options and one correct answer.",
		fmt.Sprintf("Topic: %s\n\nNotes:\n\n%s", payload.Topic, analysis.Body),
		quizSchemaName, schema)
	if err != nil {
		return jobruntime.Fail(err)
	}
	questions, _ := obj["questions"].([]any)
	if len(questions) == 0 {
		return jobruntime.Fail(apperr.Quality(fmt.Errorf("quiz for topic %q came back empty", payload.Topic)))
	}

	raw, err := json.Marshal(obj)
	if err != nil {
		return jobruntime.Fail(apperr.Permanent(err))
	}
	_, err = h.artifacts.Upsert(ctx.Ctx, nil, &types.StudyArtifact{
		ContentUnitID: payload.ContentUnitID,
		Kind:          types.ArtifactKindQuiz,
		Topic:         payload.Topic,
		Title:         payload.Topic + " quiz",
		Payload:       datatypes.JSON(raw),
	})
	if err != nil {
		return jobruntime.Fail(err)
	}
	h.log.Info("Quiz stored",
		"unit_id", payload.ContentUnitID.String(),
		"topic", payload.Topic,
		"questions", len(questions),
	)
	return jobruntime.Success()
}
