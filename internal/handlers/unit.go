package handlers

import (
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/studyforge-backend/internal/pipeline"
	"github.com/yungbote/studyforge-backend/internal/repos"
	"github.com/yungbote/studyforge-backend/internal/types"
)

type UnitHandler struct {
	ingestor  *pipeline.Ingestor
	units     repos.ContentUnitRepo
	files     repos.SourceFileRepo
	jobs      repos.JobRepo
	artifacts repos.StudyArtifactRepo
}

func NewUnitHandler(ingestor *pipeline.Ingestor, units repos.ContentUnitRepo, files repos.SourceFileRepo, jobs repos.JobRepo, artifacts repos.StudyArtifactRepo) *UnitHandler {
	return &UnitHandler{
		ingestor:  ingestor,
		units:     units,
		files:     files,
		jobs:      jobs,
		artifacts: artifacts,
	}
}

func (uh *UnitHandler) Create(c *gin.Context) {
	var req struct {
		Title string `json:"title"`
		Files []struct {
			Name       string `json:"name"`
			MimeType   string `json:"mime_type"`
			SourceType string `json:"source_type"`
			StorageKey string `json:"storage_key"`
			DataBase64 string `json:"data_base64"`
		} `json:"files"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	uploads := make([]pipeline.Upload, 0, len(req.Files))
	for _, f := range req.Files {
		var data []byte
		if f.DataBase64 != "" {
			decoded, err := base64.StdEncoding.DecodeString(f.DataBase64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid base64 in file " + f.Name})
				return
			}
			data = decoded
		}
		uploads = append(uploads, pipeline.Upload{
			Name:       f.Name,
			MimeType:   f.MimeType,
			SourceType: f.SourceType,
			StorageKey: f.StorageKey,
			Data:       data,
		})
	}
	unit, err := uh.ingestor.CreateUnit(c.Request.Context(), req.Title, uploads)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"unit": unit})
}

func (uh *UnitHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid unit id"})
		return
	}
	unit, err := uh.units.GetByID(c.Request.Context(), nil, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if unit == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unit not found"})
		return
	}
	files, err := uh.files.GetByUnitID(c.Request.Context(), nil, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	jobs, err := uh.jobs.GetByUnitID(c.Request.Context(), nil, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unit": unit, "files": files, "jobs": jobs})
}

func (uh *UnitHandler) Artifacts(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid unit id"})
		return
	}
	kind := c.Query("kind")
	switch kind {
	case "", types.ArtifactKindAnalysis, types.ArtifactKindQuiz, types.ArtifactKindStudyGuide:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown artifact kind"})
		return
	}
	artifacts, err := uh.artifacts.GetByUnitID(c.Request.Context(), nil, id, kind)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": artifacts})
}

func (uh *UnitHandler) Purge(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid unit id"})
		return
	}
	if err := uh.ingestor.Purge(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": "true"})
}
