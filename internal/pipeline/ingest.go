package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/yungbote/studyforge-backend/internal/apperr"
	"github.com/yungbote/studyforge-backend/internal/logger"
	"github.com/yungbote/studyforge-backend/internal/repos"
	"github.com/yungbote/studyforge-backend/internal/services"
	"github.com/yungbote/studyforge-backend/internal/types"
)

// Upload describes one incoming source file. Data may be nil when the
// object already sits in storage under StorageKey.
type Upload struct {
	Name       string
	MimeType   string
	SourceType string
	StorageKey string
	Data       []byte
}

/*
Ingestor starts and restarts pipelines. Ingestion creates the unit, its
source files, and one extract job per file; everything after that is
driven by gate evaluations. Purge is the explicit operator action that
erases all derived state (jobs, chunks, artifacts) and re-seeds the
extract jobs for a full restart.
*/
type Ingestor struct {
	log         *logger.Logger
	units       repos.ContentUnitRepo
	files       repos.SourceFileRepo
	chunks      repos.ContentChunkRepo
	artifacts   repos.StudyArtifactRepo
	jobs        repos.JobRepo
	bucket      services.BucketService
	maxAttempts int
}

func NewIngestor(log *logger.Logger, units repos.ContentUnitRepo, files repos.SourceFileRepo, chunks repos.ContentChunkRepo, artifacts repos.StudyArtifactRepo, jobs repos.JobRepo, bucket services.BucketService, maxAttempts int) *Ingestor {
	return &Ingestor{
		log:         log.With("component", "Ingestor"),
		units:       units,
		files:       files,
		chunks:      chunks,
		artifacts:   artifacts,
		jobs:        jobs,
		bucket:      bucket,
		maxAttempts: maxAttempts,
	}
}

func defaultMethod(sourceType string) (string, error) {
	switch sourceType {
	case types.SourceTypeDocument:
		return types.ExtractMethodNative, nil
	case types.SourceTypeAudio:
		return types.ExtractMethodTranscribe, nil
	case types.SourceTypeImage:
		return types.ExtractMethodOCR, nil
	default:
		return "", fmt.Errorf("unknown source type %q", sourceType)
	}
}

func (in *Ingestor) CreateUnit(ctx context.Context, title string, uploads []Upload) (*types.ContentUnit, error) {
	if len(uploads) == 0 {
		return nil, apperr.Permanent(fmt.Errorf("at least one source file is required"))
	}
	for i := range uploads {
		if _, err := defaultMethod(uploads[i].SourceType); err != nil {
			return nil, apperr.Permanent(err)
		}
	}

	unit, err := in.units.Create(ctx, nil, &types.ContentUnit{
		Title:  title,
		Status: types.UnitStatusProcessing,
		Stage:  types.JobTypeExtract,
	})
	if err != nil {
		return nil, err
	}

	files := make([]*types.SourceFile, len(uploads))
	for i, up := range uploads {
		fileID := uuid.New()
		key := up.StorageKey
		if key == "" {
			key = fmt.Sprintf("units/%s/%s/%s", unit.ID, fileID, up.Name)
		}
		if len(up.Data) > 0 {
			if err := in.bucket.Upload(ctx, key, up.Data, up.MimeType); err != nil {
				return nil, fmt.Errorf("upload %q: %w", up.Name, err)
			}
		}
		files[i] = &types.SourceFile{
			ID:            fileID,
			ContentUnitID: unit.ID,
			OriginalName:  up.Name,
			MimeType:      up.MimeType,
			SourceType:    up.SourceType,
			StorageKey:    key,
			SizeBytes:     int64(len(up.Data)),
			Status:        "uploaded",
		}
	}
	if _, err := in.files.Create(ctx, nil, files); err != nil {
		return nil, err
	}

	if err := in.enqueueExtracts(ctx, unit.ID, files); err != nil {
		return nil, err
	}
	in.log.Info("Unit ingested", "unit_id", unit.ID.String(), "files", len(files))
	return unit, nil
}

// Purge erases all derived state for a unit and restarts extraction from
// the stored source files.
func (in *Ingestor) Purge(ctx context.Context, unitID uuid.UUID) error {
	unit, err := in.units.GetByID(ctx, nil, unitID)
	if err != nil {
		return err
	}
	if unit == nil {
		return apperr.Permanent(fmt.Errorf("unit %s not found", unitID))
	}

	if err := in.jobs.DeleteByUnitID(ctx, nil, unitID); err != nil {
		return err
	}
	if err := in.chunks.DeleteByUnitID(ctx, nil, unitID); err != nil {
		return err
	}
	if err := in.artifacts.DeleteByUnitID(ctx, nil, unitID); err != nil {
		return err
	}
	files, err := in.files.GetByUnitID(ctx, nil, unitID)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := in.files.UpdateStatus(ctx, nil, f.ID, "uploaded"); err != nil {
			return err
		}
	}
	if err := in.units.ResetToPending(ctx, nil, unitID); err != nil {
		return err
	}
	if err := in.units.UpdateStatus(ctx, nil, unitID, types.UnitStatusProcessing, types.JobTypeExtract); err != nil {
		return err
	}
	if err := in.enqueueExtracts(ctx, unitID, files); err != nil {
		return err
	}
	in.log.Warn("Unit purged and restarted", "unit_id", unitID.String(), "files", len(files))
	return nil
}

func (in *Ingestor) enqueueExtracts(ctx context.Context, unitID uuid.UUID, files []*types.SourceFile) error {
	for _, f := range files {
		method, err := defaultMethod(f.SourceType)
		if err != nil {
			return apperr.Permanent(err)
		}
		raw, err := EncodePayload(ExtractPayload{SourceFileID: f.ID, Method: method})
		if err != nil {
			return err
		}
		job := &types.PipelineJob{
			ContentUnitID: unitID,
			JobType:       types.JobTypeExtract,
			Payload:       raw,
			MaxAttempts:   in.maxAttempts,
			DedupeKey:     fmt.Sprintf("extract:%s:%s", f.ID, method),
		}
		if _, _, err := in.jobs.Enqueue(ctx, nil, job); err != nil {
			return err
		}
	}
	return nil
}
