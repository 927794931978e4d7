package pipeline

import (
	"fmt"

	"github.com/yungbote/studyforge-backend/internal/apperr"
	jobruntime "github.com/yungbote/studyforge-backend/internal/jobs/runtime"
	"github.com/yungbote/studyforge-backend/internal/logger"
	"github.com/yungbote/studyforge-backend/internal/types"
)

// EmbedHandler drives the embedder for one unit. Chunks left null by a
// failed batch fail the job transiently; the retry resumes from exactly
// the missing set.
type EmbedHandler struct {
	log      *logger.Logger
	embedder *Embedder
}

func NewEmbedHandler(log *logger.Logger, embedder *Embedder) *EmbedHandler {
	return &EmbedHandler{log: log.With("handler", "embed"), embedder: embedder}
}

func (h *EmbedHandler) Type() string { return types.JobTypeEmbed }

func (h *EmbedHandler) Run(ctx *jobruntime.Context) jobruntime.Result {
	var payload EmbedPayload
	if err := ctx.DecodePayload(&payload); err != nil {
		return jobruntime.Fail(apperr.Permanent(err))
	}
	if err := payload.Validate(); err != nil {
		return jobruntime.Fail(apperr.Permanent(err))
	}

	ctx.Progress("embedding", 10)

	remaining, err := h.embedder.Run(ctx.Ctx, payload.ContentUnitID)
	if err != nil {
		return jobruntime.Fail(err)
	}
	if remaining > 0 {
		return jobruntime.Fail(apperr.Transient(fmt.Errorf("%d chunks still missing embeddings", remaining)))
	}
	return jobruntime.Success()
}
