package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"taranqi/services"
)

// HistoryHandler serves the history panel: every stored conversation of
// the calling visitor.
type HistoryHandler struct {
	registry *services.Registry
}

func NewHistoryHandler(registry *services.Registry) *HistoryHandler {
	return &HistoryHandler{registry: registry}
}

// List returns all conversations, newest first.
func (h *HistoryHandler) List(c *gin.Context) {
	ctrl, release, ok := controller(c, h.registry)
	if !ok {
		return
	}
	defer release()
	sessions, err := ctrl.Sessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load history"})
		return
	}
	c.JSON(http.StatusOK, sessions)
}

func (h *HistoryHandler) Get(c *gin.Context) {
	ctrl, release, ok := controller(c, h.registry)
	if !ok {
		return
	}
	defer release()
	sessions, err := ctrl.Sessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load history"})
		return
	}
	for _, s := range sessions {
		if s.ID == c.Param("id") {
			c.JSON(http.StatusOK, s)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
}

// Delete removes one conversation.
func (h *HistoryHandler) Delete(c *gin.Context) {
	ctrl, release, ok := controller(c, h.registry)
	if !ok {
		return
	}
	defer release()
	removed, err := ctrl.DeleteConversation(c.Request.Context(), c.Param("id"))
	if errors.Is(err, services.ErrBusy) {
		c.JSON(http.StatusConflict, gin.H{"error": "Conversation is waiting for a reply"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete conversation"})
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Conversation deleted"})
}

// Clear removes every conversation of the visitor.
func (h *HistoryHandler) Clear(c *gin.Context) {
	ctrl, release, ok := controller(c, h.registry)
	if !ok {
		return
	}
	defer release()
	err := ctrl.ClearHistory(c.Request.Context())
	if errors.Is(err, services.ErrBusy) {
		c.JSON(http.StatusConflict, gin.H{"error": "A reply is still being generated"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to clear history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "History cleared"})
}
