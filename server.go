package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"taranqi/config"
	"taranqi/database"
	"taranqi/handlers"
	"taranqi/middleware"
	"taranqi/services"
)

// app is everything the HTTP server needs, built once from config.
type app struct {
	cfg      *config.Config
	backends *database.Backends
	catalog  *services.FeatureCatalog
	upstream services.Completer
	registry *services.Registry
	metrics  *prometheus.Registry
}

func newApp(cfg *config.Config, backends *database.Backends) *app {
	catalog := services.NewFeatureCatalog()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := services.NewMetrics(reg)

	// The /api/chat endpoint always talks to the model directly. Controllers
	// go through CHAT_ENDPOINT when one is configured, which lets a separate
	// deployment own the model credentials.
	upstream := services.Completer(services.NewOpenAICompleter(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.ChatModel, cfg.RequestTimeout))
	completer := upstream
	if cfg.ChatEndpoint != "" {
		completer = services.NewHTTPCompleter(cfg.ChatEndpoint, cfg.RequestTimeout)
	}
	upstream = metrics.Instrument("api", upstream)
	completer = metrics.Instrument("controller", completer)

	publisher := services.NewRedisPublisher(backends.RDB)
	registry := services.NewRegistry(func(visitorID string) *services.ChatController {
		store := services.NewHistoryStore(backends.KV, cfg.HistoryKey,
			services.WithNamespace(visitorID),
			services.WithPublisher(publisher),
		)
		return services.NewChatController(store, completer, services.ControllerConfig{
			Model:    cfg.ChatModel,
			Features: catalog,
		})
	})
	metrics.WatchRegistry(registry)

	return &app{
		cfg:      cfg,
		backends: backends,
		catalog:  catalog,
		upstream: upstream,
		registry: registry,
		metrics:  reg,
	}
}

func (a *app) router() *gin.Engine {
	cfg := a.cfg

	visitorHandler := handlers.NewVisitorHandler(cfg)
	featuresHandler := handlers.NewFeaturesHandler(a.catalog)
	completionHandler := handlers.NewCompletionHandler(a.upstream, cfg.ChatModel)
	conversationHandler := handlers.NewConversationHandler(a.registry)
	historyHandler := handlers.NewHistoryHandler(a.registry)
	syncHandler := handlers.NewSyncHandler(cfg, a.backends.RDB)

	limiter := middleware.NewRateLimiter(a.backends.RDB, cfg.RateLimit, cfg.RateWindow)

	r := gin.Default()
	r.Use(middleware.CORS(cfg))
	r.Use(middleware.SecurityHeaders())

	// Public routes
	r.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.POST("/api/visitor", limiter.Middleware(), visitorHandler.Issue)
	r.GET("/api/features", featuresHandler.List)
	r.POST("/api/chat", limiter.Middleware(), completionHandler.Complete)
	if cfg.MetricsEnabled {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{})))
	}

	// Visitor-scoped routes
	api := r.Group("/api")
	api.Use(middleware.VisitorRequired(cfg.VisitorSecret))
	{
		api.GET("/conversation", conversationHandler.Get)
		api.POST("/conversation/new", conversationHandler.New)
		api.POST("/conversation/select/:id", conversationHandler.Select)
		api.POST("/conversation/feature", conversationHandler.SelectFeature)
		api.POST("/conversation/send", limiter.Middleware(), conversationHandler.Send)

		api.GET("/history", historyHandler.List)
		api.GET("/history/:id", historyHandler.Get)
		api.DELETE("/history/:id", historyHandler.Delete)
		api.DELETE("/history", historyHandler.Clear)
	}

	// WebSocket routes (visitor token via query param or cookie)
	r.GET("/ws/history", syncHandler.HandleWebSocket)

	return r
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			backends, err := database.OpenKV(cfg)
			if err != nil {
				return err
			}
			defer backends.Close()

			if cfg.OpenAIAPIKey == "" && cfg.ChatEndpoint == "" {
				log.Printf("[Chat] Neither OPENAI_API_KEY nor CHAT_ENDPOINT is set; replies will fail")
			}

			a := newApp(cfg, backends)
			if cfg.ControllerIdleTTL > 0 {
				janitor := services.NewJanitor(a.registry, cfg.ControllerIdleTTL)
				if err := janitor.Start(cfg.JanitorSchedule); err != nil {
					return fmt.Errorf("janitor schedule %q: %w", cfg.JanitorSchedule, err)
				}
				defer janitor.Stop()
			}

			srv := &http.Server{
				Addr:              ":" + cfg.Port,
				Handler:           a.router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				log.Printf("Server starting on :%s (kv=%s)", cfg.Port, cfg.KVBackend)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			log.Printf("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout+5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}
