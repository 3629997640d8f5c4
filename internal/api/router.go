package api

import (
	"github.com/gin-gonic/gin"
	"github.com/timmy/imgbatch/internal/api/handler"
	"github.com/timmy/imgbatch/internal/api/middleware"
	"github.com/timmy/imgbatch/internal/config"
	"github.com/timmy/imgbatch/internal/logger"
	"github.com/timmy/imgbatch/internal/source"
)

// Dependencies are the services the HTTP surface calls into.
type Dependencies struct {
	Ingest handler.Ingester
	Status handler.StatusReader
	Queue  handler.QueueStats
	Parser source.Source
	Logger *logger.Logger
}

// SetupRouter configures the Gin router with all routes.
func SetupRouter(deps Dependencies, cfg *config.Config) *gin.Engine {
	switch cfg.Server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	r.MaxMultipartMemory = cfg.Upload.MaxFileSize

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(deps.Logger))
	r.Use(middleware.CORS(cfg.Server.CORS))

	healthHandler := handler.NewHealthHandler(deps.Queue)
	uploadHandler := handler.NewUploadHandler(deps.Ingest, deps.Parser, cfg.Upload.MaxFileSize)
	statusHandler := handler.NewStatusHandler(deps.Status)

	r.GET("/health", healthHandler.Health)

	api := r.Group("/api")
	{
		api.POST("/upload", uploadHandler.Upload)
		api.GET("/status/:requestId", statusHandler.GetStatus)
	}

	return r
}
