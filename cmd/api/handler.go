package api

import (
	"net/http"
	"time"

	authUsecase "mailpipe-backend/internal/auth/usecase"
	pipelineDelivery "mailpipe-backend/internal/pipeline/delivery"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handler struct {
	authUsecase     authUsecase.AuthUsecase
	pipelineHandler *pipelineDelivery.PipelineHandler
	settings        *RuntimeSettings
	logger          *zap.Logger
}

func NewHandler(authUc authUsecase.AuthUsecase, pipelineHandler *pipelineDelivery.PipelineHandler, settings *RuntimeSettings, logger *zap.Logger) *Handler {
	return &Handler{
		authUsecase:     authUc,
		pipelineHandler: pipelineHandler,
		settings:        settings,
		logger:          logger,
	}
}

// Router builds the gin engine with CORS, access logging and every route.
func (h *Handler) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), h.accessLog())

	// CORS middleware
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		}

		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	SetupRoutes(r, h.authUsecase, h.pipelineHandler, h.settings)
	return r
}

// Server wraps the router in an http.Server so the caller controls shutdown.
func (h *Handler) Server(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (h *Handler) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/metrics" || c.Request.URL.Path == "/api/health" {
			return
		}
		h.logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("user_id", c.GetString("userID")))
	}
}
