package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"taranqi/services"
)

// ConversationHandler exposes the visitor's chat controller.
type ConversationHandler struct {
	registry *services.Registry
}

func NewConversationHandler(registry *services.Registry) *ConversationHandler {
	return &ConversationHandler{registry: registry}
}

type sendRequest struct {
	Content string `json:"content"`
}

type selectFeatureRequest struct {
	FeatureID string `json:"feature_id" binding:"required"`
}

// controller leases the visitor's controller for the rest of the request
// or writes an error response.
func controller(c *gin.Context, registry *services.Registry) (*services.ChatController, func(), bool) {
	ctrl, release, err := registry.Acquire(c.Request.Context(), c.GetString("visitor_id"))
	if err != nil {
		log.Printf("[Chat] Load controller for %s failed: %v", c.GetString("visitor_id"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load conversation history"})
		return nil, nil, false
	}
	return ctrl, release, true
}

func (h *ConversationHandler) Get(c *gin.Context) {
	ctrl, release, ok := controller(c, h.registry)
	if !ok {
		return
	}
	defer release()
	c.JSON(http.StatusOK, ctrl.Snapshot())
}

func (h *ConversationHandler) New(c *gin.Context) {
	ctrl, release, ok := controller(c, h.registry)
	if !ok {
		return
	}
	defer release()
	session, err := ctrl.NewConversation(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create conversation"})
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *ConversationHandler) Select(c *gin.Context) {
	ctrl, release, ok := controller(c, h.registry)
	if !ok {
		return
	}
	defer release()
	session, err := ctrl.SelectConversation(c.Request.Context(), c.Param("id"))
	if errors.Is(err, services.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load conversation"})
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *ConversationHandler) SelectFeature(c *gin.Context) {
	var req selectFeatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	ctrl, release, ok := controller(c, h.registry)
	if !ok {
		return
	}
	defer release()
	session, err := ctrl.SelectFeature(c.Request.Context(), req.FeatureID)
	if errors.Is(err, services.ErrUnknownFeature) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown feature"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to switch feature"})
		return
	}
	c.JSON(http.StatusOK, session)
}

// Send blocks until the reply (or the failure notice) is stored. A failed
// completion is still a 200: the transcript carries the notice.
func (h *ConversationHandler) Send(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	ctrl, release, ok := controller(c, h.registry)
	if !ok {
		return
	}
	defer release()
	session, err := ctrl.SendMessage(c.Request.Context(), req.Content)
	switch {
	case errors.Is(err, services.ErrEmptyMessage):
		c.Status(http.StatusNoContent)
	case errors.Is(err, services.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": "A reply is still being generated"})
	case err != nil:
		log.Printf("[Chat] Send for %s failed: %v", c.GetString("visitor_id"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save message"})
	default:
		c.JSON(http.StatusOK, session)
	}
}
