package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// writeClaudeError emits an Anthropic-dialect error envelope.
func writeClaudeError(c *gin.Context, status int, errType, message string) {
	c.JSON(status, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    errType,
			"message": message,
		},
	})
}

// writeOpenAIError emits an OpenAI-dialect error envelope.
func writeOpenAIError(c *gin.Context, status int, errType, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"type":    errType,
			"message": message,
		},
	})
}

// claudeErrorType maps a final upstream status to the Anthropic error type.
func claudeErrorType(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status == http.StatusBadRequest:
		return "invalid_request_error"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "authentication_error"
	default:
		return "api_error"
	}
}

// openaiErrorType maps a final upstream status to the OpenAI error type.
func openaiErrorType(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status == http.StatusBadRequest:
		return "invalid_request_error"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "authentication_error"
	default:
		return "api_error"
	}
}

// finalStatus echoes the last upstream status when it is a usable HTTP code,
// defaulting to 502 for transport-level failures.
func finalStatus(lastStatus int) int {
	if lastStatus >= 400 && lastStatus < 600 {
		return lastStatus
	}
	return http.StatusBadGateway
}
