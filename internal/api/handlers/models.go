package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// catalogueModels is the static model list served on /v1/models: the Gemini
// models the upstream actually serves plus the alias names clients commonly
// probe for.
var catalogueModels = []string{
	"gemini-2.5-pro",
	"gemini-2.5-flash",
	"gemini-2.5-flash-lite",
	"gemini-3-flash",
	"gemini-3-pro-low",
	"gemini-3-pro-high",
	"claude-sonnet-4-5",
	"claude-opus-4-5-thinking",
	"gpt-4",
	"gpt-4o",
	"gpt-4o-mini",
	"gpt-3.5-turbo",
}

// OpenAIModels serves GET /v1/models with the static catalogue.
func (h *GatewayHandlers) OpenAIModels(c *gin.Context) {
	data := make([]gin.H, 0, len(catalogueModels))
	for _, id := range catalogueModels {
		data = append(data, gin.H{
			"id":       id,
			"object":   "model",
			"created":  1700000000,
			"owned_by": "cloudcode-gateway",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}
