package api

import (
	"net/http"

	"mailpipe-backend/internal/auth/delivery"
	authUsecase "mailpipe-backend/internal/auth/usecase"
	pipelineDelivery "mailpipe-backend/internal/pipeline/delivery"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupRoutes(r *gin.Engine, authUsecase authUsecase.AuthUsecase, pipelineHandler *pipelineDelivery.PipelineHandler, settings *RuntimeSettings) {
	deviceHandler := delivery.NewDeviceHandler(authUsecase)
	auth := delivery.AuthMiddleware(authUsecase)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		// Health check (no auth required)
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		// FCM routes (protected)
		fcm := api.Group("/fcm")
		fcm.Use(auth)
		{
			fcm.POST("/register", deviceHandler.RegisterFCMToken)
			fcm.DELETE("/:token", deviceHandler.UnregisterFCMToken)
		}

		// Pipeline routes (protected)
		protected := api.Group("")
		protected.Use(auth)
		{
			protected.POST("/pipelines/:feature/run", pipelineHandler.RunNow)
			protected.GET("/runs", pipelineHandler.ListRuns)
			protected.GET("/runs/:id", pipelineHandler.GetRun)
			protected.GET("/entries", pipelineHandler.ListEntries)
		}

		// Settings routes (protected) - Runtime configuration
		if settings != nil {
			s := api.Group("/settings")
			s.Use(auth)
			{
				s.GET("/ollama", settings.GetOllamaSettings)
				s.PUT("/ollama", settings.UpdateOllamaSettings)
				s.POST("/ollama/test", settings.TestOllamaConnection)
			}
		}
	}
}
