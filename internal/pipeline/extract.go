package pipeline

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/yungbote/studyforge-backend/internal/apperr"
	jobruntime "github.com/yungbote/studyforge-backend/internal/jobs/runtime"
	"github.com/yungbote/studyforge-backend/internal/logger"
	"github.com/yungbote/studyforge-backend/internal/repos"
	"github.com/yungbote/studyforge-backend/internal/services"
	"github.com/yungbote/studyforge-backend/internal/types"
)

// minExtractedChars is the quality bar below which a native document
// extraction is assumed to be a scanned image and falls back to OCR.
const minExtractedChars = 32

/*
ExtractHandler pulls one source file from object storage, extracts its
text with the method named in the payload, chunks it, and links the
chunk chain. Re-running after a partial failure resumes: a file whose
chunks already exist only re-links the chain.
*/
type ExtractHandler struct {
	log        *logger.Logger
	files      repos.SourceFileRepo
	chunks     repos.ContentChunkRepo
	bucket     services.BucketService
	speech     services.TranscriptionService
	ocr        services.OCRService
	maxChars   int
	maxAttempt int
}

func NewExtractHandler(log *logger.Logger, files repos.SourceFileRepo, chunks repos.ContentChunkRepo, bucket services.BucketService, speech services.TranscriptionService, ocr services.OCRService, maxChars, maxAttempts int) *ExtractHandler {
	return &ExtractHandler{
		log:        log.With("handler", "extract"),
		files:      files,
		chunks:     chunks,
		bucket:     bucket,
		speech:     speech,
		ocr:        ocr,
		maxChars:   maxChars,
		maxAttempt: maxAttempts,
	}
}

func (h *ExtractHandler) Type() string { return types.JobTypeExtract }

func (h *ExtractHandler) Run(ctx *jobruntime.Context) jobruntime.Result {
	var payload ExtractPayload
	if err := ctx.DecodePayload(&payload); err != nil {
		return jobruntime.Fail(apperr.Permanent(err))
	}
	if err := payload.Validate(); err != nil {
		return jobruntime.Fail(apperr.Permanent(err))
	}

	file, err := h.files.GetByID(ctx.Ctx, nil, payload.SourceFileID)
	if err != nil {
		return jobruntime.Fail(err)
	}
	if file == nil {
		return jobruntime.Fail(apperr.Permanent(fmt.Errorf("source file %s not found", payload.SourceFileID)))
	}

	// Resume path: chunks already written by a prior attempt.
	existing, err := h.chunks.GetBySourceFileID(ctx.Ctx, nil, file.ID)
	if err != nil {
		return jobruntime.Fail(err)
	}
	if len(existing) > 0 {
		if err := h.chunks.LinkChain(ctx.Ctx, nil, file.ID); err != nil {
			return jobruntime.Fail(err)
		}
		if err := h.files.UpdateStatus(ctx.Ctx, nil, file.ID, "extracted"); err != nil {
			return jobruntime.Fail(err)
		}
		return jobruntime.Success()
	}

	ctx.Progress("extracting", 10)

	text, err := h.extractText(ctx, file, payload.Method)
	if err != nil {
		return jobruntime.Fail(err)
	}

	text = NormalizeText(text)
	if utf8.RuneCountInString(strings.TrimSpace(text)) < minExtractedChars {
		if payload.Method == types.ExtractMethodNative {
			fallback, ferr := h.fallbackJob(ctx.Job, file)
			if ferr != nil {
				return jobruntime.Fail(ferr)
			}
			return jobruntime.NeedsFallback("native extraction yielded too little text, switching to ocr", fallback)
		}
		return jobruntime.Fail(apperr.Quality(fmt.Errorf("extracted text below quality bar for file %s (method %s)", file.ID, payload.Method)))
	}

	ctx.Progress("chunking", 60)

	pieces := SplitText(text, h.maxChars)
	chunks := make([]*types.ContentChunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = &types.ContentChunk{
			ContentUnitID: file.ContentUnitID,
			SourceFileID:  file.ID,
			SourceType:    file.SourceType,
			Index:         p.Index,
			Text:          p.Text,
			StartOffset:   p.Start,
			EndOffset:     p.End,
			Method:        payload.Method,
		}
	}
	if _, err := h.chunks.Create(ctx.Ctx, nil, chunks); err != nil {
		return jobruntime.Fail(err)
	}
	if err := h.chunks.LinkChain(ctx.Ctx, nil, file.ID); err != nil {
		return jobruntime.Fail(err)
	}
	if err := h.files.UpdateStatus(ctx.Ctx, nil, file.ID, "extracted"); err != nil {
		return jobruntime.Fail(err)
	}
	h.log.Info("Extracted source file",
		"file_id", file.ID.String(),
		"method", payload.Method,
		"chunks", len(chunks),
	)
	return jobruntime.Success()
}

func (h *ExtractHandler) extractText(ctx *jobruntime.Context, file *types.SourceFile, method string) (string, error) {
	switch method {
	case types.ExtractMethodNative:
		data, err := h.bucket.Download(ctx.Ctx, file.StorageKey)
		if err != nil {
			return "", err
		}
		if !utf8.Valid(data) {
			// Binary payload; nothing native to extract.
			return "", nil
		}
		return string(data), nil

	case types.ExtractMethodTranscribe:
		if h.speech == nil {
			return "", apperr.Permanent(fmt.Errorf("transcription service not configured"))
		}
		uri := "gs://" + strings.TrimPrefix(h.bucket.GetPublicURL(file.StorageKey), "https://storage.googleapis.com/")
		return h.speech.Transcribe(ctx.Ctx, uri, 0)

	case types.ExtractMethodOCR:
		if h.ocr == nil {
			return "", apperr.Permanent(fmt.Errorf("ocr service not configured"))
		}
		data, err := h.bucket.Download(ctx.Ctx, file.StorageKey)
		if err != nil {
			return "", err
		}
		return h.ocr.ExtractText(ctx.Ctx, data)

	default:
		return "", apperr.Permanent(fmt.Errorf("unknown extraction method %q", method))
	}
}

// fallbackJob builds the replacement extract job that retries this file
// with OCR. Its dedupe key differs from the original's so the insert is
// not swallowed by the still-processing current job.
func (h *ExtractHandler) fallbackJob(orig *types.PipelineJob, file *types.SourceFile) (*types.PipelineJob, error) {
	raw, err := EncodePayload(ExtractPayload{SourceFileID: file.ID, Method: types.ExtractMethodOCR})
	if err != nil {
		return nil, err
	}
	return &types.PipelineJob{
		ID:            uuid.New(),
		ContentUnitID: orig.ContentUnitID,
		JobType:       types.JobTypeExtract,
		Payload:       raw,
		MaxAttempts:   h.maxAttempt,
		DedupeKey:     fmt.Sprintf("extract:%s:%s", file.ID, types.ExtractMethodOCR),
	}, nil
}
