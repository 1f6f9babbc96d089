package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"taranqi/config"
	"taranqi/middleware"
	"taranqi/utils"
)

type VisitorHandler struct {
	cfg *config.Config
}

func NewVisitorHandler(cfg *config.Config) *VisitorHandler {
	return &VisitorHandler{cfg: cfg}
}

// Issue returns a visitor token. A caller that already holds a valid token
// keeps its visitor id, so reloading the widget does not lose history.
func (h *VisitorHandler) Issue(c *gin.Context) {
	visitorID := uuid.New()
	if token := middleware.VisitorToken(c); token != "" {
		if claims, err := utils.ParseVisitorToken(h.cfg.VisitorSecret, token); err == nil {
			visitorID = claims.VisitorID
		}
	}

	token, err := utils.GenerateVisitorToken(h.cfg.VisitorSecret, visitorID, h.cfg.VisitorTokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue visitor token"})
		return
	}

	secure := c.Request.TLS != nil || c.GetHeader("X-Forwarded-Proto") == "https"
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.VisitorCookie, token, int(h.cfg.VisitorTokenTTL.Seconds()), "/", "", secure, true)

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"visitor_id": visitorID.String(),
	})
}
