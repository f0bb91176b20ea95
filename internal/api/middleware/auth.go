package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cloudcode-gateway/gateway/internal/config"
	"github.com/cloudcode-gateway/gateway/internal/util"
	log "github.com/sirupsen/logrus"
)

// healthPaths are exempt from authentication in all_except_health mode.
var healthPaths = map[string]bool{
	"/health":  true,
	"/healthz": true,
}

// AuthGate enforces the configured auth mode. strict requires every request
// to present a configured API key; all_except_health exempts the health
// routes; off disables the gate entirely. The key is accepted either as an
// Authorization bearer credential or an x-api-key header, since Anthropic
// SDK clients send the latter.
func AuthGate(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch cfg.AuthMode {
		case config.AuthModeOff:
			c.Next()
			return
		case config.AuthModeAllExceptHealth:
			if healthPaths[c.Request.URL.Path] {
				c.Next()
				return
			}
		}

		key := extractAPIKey(c)
		if key == "" || !keyConfigured(cfg.APIKeys, key) {
			log.Debugf("auth gate: rejected key %s for %s", util.HideAPIKey(key), c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"type":    "authentication_error",
					"message": "invalid or missing API key",
				},
			})
			return
		}
		c.Next()
	}
}

func extractAPIKey(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			return strings.TrimSpace(auth[len("bearer "):])
		}
	}
	return strings.TrimSpace(c.GetHeader("x-api-key"))
}

func keyConfigured(keys []string, candidate string) bool {
	for _, k := range keys {
		if k != "" && k == candidate {
			return true
		}
	}
	return false
}
