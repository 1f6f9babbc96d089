package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"taranqi/services"
)

type FeaturesHandler struct {
	catalog *services.FeatureCatalog
}

func NewFeaturesHandler(catalog *services.FeatureCatalog) *FeaturesHandler {
	return &FeaturesHandler{catalog: catalog}
}

func (h *FeaturesHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, h.catalog.All())
}
