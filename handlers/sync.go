package handlers

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"taranqi/config"
	"taranqi/middleware"
	"taranqi/services"
	"taranqi/utils"
)

const (
	syncPongWait   = 45 * time.Second
	syncPingPeriod = 30 * time.Second
)

// SyncHandler pushes history change events to every open widget of a
// visitor, so a conversation started in one tab shows up in the others.
type SyncHandler struct {
	cfg      *config.Config
	rdb      *redis.Client
	upgrader websocket.Upgrader
}

func NewSyncHandler(cfg *config.Config, rdb *redis.Client) *SyncHandler {
	return &SyncHandler{
		cfg: cfg,
		rdb: rdb,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkWSOrigin(cfg.AllowedOrigins),
		},
	}
}

// checkWSOrigin allows requests without an Origin header (non-browser
// clients) and browser requests from an allowed host.
func checkWSOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			allowed[u.Host] = true
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return allowed[u.Host]
	}
}

// HandleWebSocket subscribes to the visitor's history channel and forwards
// every event to the client. The visitor token comes from ?token= or the
// visitor cookie since browsers cannot set headers on websocket requests.
func (h *SyncHandler) HandleWebSocket(c *gin.Context) {
	token := middleware.VisitorToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Visitor token required"})
		return
	}
	claims, err := utils.ParseVisitorToken(h.cfg.VisitorSecret, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid visitor token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[Sync] WS upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if h.rdb == nil {
		log.Printf("[Sync] Redis not available, closing WS")
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "sync unavailable"))
		return
	}

	channel := services.HistoryChannel(claims.VisitorID.String())
	log.Printf("[Sync] Subscribing to %s", channel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pubsub := h.rdb.Subscribe(ctx, channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		log.Printf("[Sync] Subscribe to %s failed: %v", channel, err)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "sync unavailable"))
		return
	}

	conn.SetReadDeadline(time.Now().Add(syncPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(syncPongWait))
		return nil
	})

	// Pings and events share one writer goroutine.
	go func() {
		ticker := time.NewTicker(syncPingPeriod)
		defer ticker.Stop()
		ch := pubsub.Channel()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					cancel()
					return
				}
			case msg, ok := <-ch:
				if !ok {
					cancel()
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Client → server traffic is ignored; reading only detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	log.Printf("[Sync] Client disconnected from %s", channel)
}
