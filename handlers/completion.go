package handlers

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"taranqi/models"
	"taranqi/services"
)

// CompletionHandler serves the chat completion endpoint the widget talks
// to: it forwards a transcript to the configured model and returns the
// reply text.
type CompletionHandler struct {
	completer services.Completer
	model     string
}

func NewCompletionHandler(completer services.Completer, defaultModel string) *CompletionHandler {
	return &CompletionHandler{completer: completer, model: defaultModel}
}

func (h *CompletionHandler) Complete(c *gin.Context) {
	var req services.CompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messages must not be empty"})
		return
	}
	for _, m := range req.Messages {
		role := models.Role(m.Role)
		if role != models.RoleUser && role != models.RoleAssistant {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported message role: " + m.Role})
			return
		}
		if strings.TrimSpace(m.Content) == "" && role == models.RoleUser {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user messages must not be empty"})
			return
		}
	}
	if req.Model == "" {
		req.Model = h.model
	}

	reply, err := h.completer.Complete(c.Request.Context(), req)
	if err != nil {
		log.Printf("[Completion] Upstream failed: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Chat completion failed"})
		return
	}

	c.JSON(http.StatusOK, services.CompletionResponse{Response: reply})
}
