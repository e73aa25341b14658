package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RuntimeConfig holds runtime-configurable settings
type RuntimeConfig struct {
	OllamaBaseURL string `json:"ollama_base_url"`
	OllamaModel   string `json:"ollama_model,omitempty"`
}

// OllamaPinger checks that an Ollama server answers.
type OllamaPinger interface {
	Ping(ctx context.Context, baseURL string) error
}

// RuntimeSettings lets operators repoint the Ollama classifier without a
// restart. The generator reads the getters on every call.
type RuntimeSettings struct {
	mu     sync.RWMutex
	config RuntimeConfig
	pinger OllamaPinger
}

func NewRuntimeSettings(ollamaBaseURL, ollamaModel string) *RuntimeSettings {
	return &RuntimeSettings{config: RuntimeConfig{
		OllamaBaseURL: ollamaBaseURL,
		OllamaModel:   ollamaModel,
	}}
}

// SetPinger is called once the generator exists.
func (s *RuntimeSettings) SetPinger(p OllamaPinger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinger = p
}

func (s *RuntimeSettings) OllamaBaseURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.OllamaBaseURL
}

func (s *RuntimeSettings) OllamaModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.OllamaModel
}

// UpdateOllamaSettingsRequest represents the request body for updating Ollama settings
type UpdateOllamaSettingsRequest struct {
	OllamaBaseURL string `json:"ollama_base_url" binding:"required,url"`
	OllamaModel   string `json:"ollama_model,omitempty"`
}

// GetOllamaSettings returns current Ollama configuration
// GET /api/settings/ollama
func (s *RuntimeSettings) GetOllamaSettings(c *gin.Context) {
	s.mu.RLock()
	cfg := s.config
	s.mu.RUnlock()
	c.JSON(http.StatusOK, cfg)
}

// UpdateOllamaSettings updates Ollama configuration at runtime
// PUT /api/settings/ollama
func (s *RuntimeSettings) UpdateOllamaSettings(c *gin.Context) {
	var req UpdateOllamaSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	s.config.OllamaBaseURL = strings.TrimRight(req.OllamaBaseURL, "/")
	if req.OllamaModel != "" {
		s.config.OllamaModel = req.OllamaModel
	}
	cfg := s.config
	s.mu.Unlock()

	c.JSON(http.StatusOK, cfg)
}

// TestOllamaConnection tests if the Ollama server is reachable
// POST /api/settings/ollama/test
func (s *RuntimeSettings) TestOllamaConnection(c *gin.Context) {
	var req struct {
		OllamaBaseURL string `json:"ollama_base_url"`
	}
	// an empty body tests the current endpoint
	_ = c.ShouldBindJSON(&req)
	if req.OllamaBaseURL == "" {
		req.OllamaBaseURL = s.OllamaBaseURL()
	}

	s.mu.RLock()
	pinger := s.pinger
	s.mu.RUnlock()
	if pinger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"connected": false, "error": "ollama is not configured"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if err := pinger.Ping(ctx, req.OllamaBaseURL); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"connected": false,
			"error":     err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"connected":       true,
		"ollama_base_url": req.OllamaBaseURL,
	})
}
