package server

import (
	"github.com/gin-gonic/gin"

	"github.com/yungbote/studyforge-backend/internal/handlers"
)

type RouterConfig struct {
	UnitHandler *handlers.UnitHandler
	JobHandler  *handlers.JobHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api")
	{
		api.POST("/units", cfg.UnitHandler.Create)
		api.GET("/units/:id", cfg.UnitHandler.Get)
		api.GET("/units/:id/artifacts", cfg.UnitHandler.Artifacts)
		api.POST("/units/:id/purge", cfg.UnitHandler.Purge)

		api.GET("/jobs/:id", cfg.JobHandler.Get)
		api.POST("/jobs/:id/reset", cfg.JobHandler.Reset)
	}

	return router
}
