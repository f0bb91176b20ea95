package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GeminiPassthrough serves /v1beta/models/:action. Native Gemini-dialect
// passthrough is not implemented; the route exists so Gemini SDK clients get
// a well-formed answer instead of a 404.
func (h *GatewayHandlers) GeminiPassthrough(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, gin.H{
		"error": gin.H{
			"code":    http.StatusNotImplemented,
			"status":  "UNIMPLEMENTED",
			"message": "Gemini passthrough is not implemented on this gateway",
		},
	})
}
