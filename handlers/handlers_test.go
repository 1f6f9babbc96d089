package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"taranqi/config"
	"taranqi/middleware"
	"taranqi/services"
	"taranqi/storage"
	"taranqi/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type completerFunc func(ctx context.Context, req services.CompletionRequest) (string, error)

func (f completerFunc) Complete(ctx context.Context, req services.CompletionRequest) (string, error) {
	return f(ctx, req)
}

type testEnv struct {
	cfg      *config.Config
	kv       *storage.MemoryKV
	registry *services.Registry
	router   *gin.Engine
}

func newTestEnv(t *testing.T, completer services.Completer) *testEnv {
	t.Helper()
	cfg := &config.Config{
		VisitorSecret:   "test-secret",
		VisitorTokenTTL: time.Hour,
		HistoryKey:      "conversation_history",
		ChatModel:       "deepseek-chat",
		AllowedOrigins:  []string{"http://localhost:5173"},
	}
	kv := storage.NewMemoryKV()
	catalog := services.NewFeatureCatalog()
	registry := services.NewRegistry(func(visitorID string) *services.ChatController {
		store := services.NewHistoryStore(kv, cfg.HistoryKey, services.WithNamespace(visitorID))
		return services.NewChatController(store, completer, services.ControllerConfig{
			Model:    cfg.ChatModel,
			Features: catalog,
		})
	})

	visitor := NewVisitorHandler(cfg)
	features := NewFeaturesHandler(catalog)
	completion := NewCompletionHandler(completer, cfg.ChatModel)
	conversation := NewConversationHandler(registry)
	history := NewHistoryHandler(registry)

	r := gin.New()
	r.POST("/api/visitor", visitor.Issue)
	r.GET("/api/features", features.List)
	r.POST("/api/chat", completion.Complete)

	api := r.Group("/api")
	api.Use(middleware.VisitorRequired(cfg.VisitorSecret))
	{
		api.GET("/conversation", conversation.Get)
		api.POST("/conversation/new", conversation.New)
		api.POST("/conversation/select/:id", conversation.Select)
		api.POST("/conversation/feature", conversation.SelectFeature)
		api.POST("/conversation/send", conversation.Send)

		api.GET("/history", history.List)
		api.GET("/history/:id", history.Get)
		api.DELETE("/history/:id", history.Delete)
		api.DELETE("/history", history.Clear)
	}

	return &testEnv{cfg: cfg, kv: kv, registry: registry, router: r}
}

func (e *testEnv) token(t *testing.T) string {
	t.Helper()
	token, err := utils.GenerateVisitorToken(e.cfg.VisitorSecret, uuid.New(), time.Hour)
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}
