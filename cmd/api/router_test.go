package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	authUsecase "mailpipe-backend/internal/auth/usecase"
	pipelineDelivery "mailpipe-backend/internal/pipeline/delivery"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context, string) error { return p.err }

func newTestServer(t *testing.T, settings *RuntimeSettings) (*httptest.Server, string) {
	t.Helper()
	auth := authUsecase.NewAuthUsecase(nil, "secret")
	h := NewHandler(auth, pipelineDelivery.NewPipelineHandler(nil, nil, nil), settings, zap.NewNop())
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	return srv, token
}

func call(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestPublicRoutes(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	assert.Equal(t, http.StatusOK, call(t, http.MethodGet, srv.URL+"/api/health", "", "").StatusCode)
	assert.Equal(t, http.StatusOK, call(t, http.MethodGet, srv.URL+"/metrics", "", "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, call(t, http.MethodGet, srv.URL+"/api/entries", "", "").StatusCode)
	assert.Equal(t, http.StatusNoContent, call(t, http.MethodOptions, srv.URL+"/api/entries", "", "").StatusCode)
}

func TestOllamaSettings(t *testing.T) {
	settings := NewRuntimeSettings("http://localhost:11434", "llama3")
	srv, token := newTestServer(t, settings)

	resp := call(t, http.MethodPost, srv.URL+"/api/settings/ollama/test", token, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "no pinger yet")

	resp = call(t, http.MethodPut, srv.URL+"/api/settings/ollama", token, `{"ollama_base_url": "http://gpu-box:11434/", "ollama_model": "qwen2"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://gpu-box:11434", settings.OllamaBaseURL())
	assert.Equal(t, "qwen2", settings.OllamaModel())

	resp = call(t, http.MethodPut, srv.URL+"/api/settings/ollama", token, `{"ollama_model": "qwen2"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	settings.SetPinger(fakePinger{})
	assert.Equal(t, http.StatusOK, call(t, http.MethodPost, srv.URL+"/api/settings/ollama/test", token, "").StatusCode)

	settings.SetPinger(fakePinger{err: errors.New("connection refused")})
	assert.Equal(t, http.StatusServiceUnavailable, call(t, http.MethodPost, srv.URL+"/api/settings/ollama/test", token, "").StatusCode)
}
