// Package handlers implements the gateway's dialect endpoints: the
// Anthropic-style /v1/messages surface, the OpenAI-style chat-completions
// family, the static model catalogue, and the Gemini passthrough stub. Each
// handler owns the request→translate→dispatch→respond pipeline for its
// dialect; account selection, retry, and rate-limit bookkeeping live in the
// dispatcher and token manager.
package handlers

import (
	"github.com/cloudcode-gateway/gateway/internal/config"
	"github.com/cloudcode-gateway/gateway/internal/dispatcher"
	"github.com/cloudcode-gateway/gateway/internal/tokenmanager"
	"github.com/cloudcode-gateway/gateway/internal/translator/modelroute"
	"github.com/cloudcode-gateway/gateway/internal/upstream"
)

// GatewayHandlers bundles the shared collaborators every dialect handler
// needs. One instance is built at startup and registered on the router.
type GatewayHandlers struct {
	Cfg        *config.Config
	Manager    *tokenmanager.Manager
	Dispatcher *dispatcher.Dispatcher
	Upstream   *upstream.Client
}

// NewGatewayHandlers builds the handler set.
func NewGatewayHandlers(cfg *config.Config, manager *tokenmanager.Manager, d *dispatcher.Dispatcher, up *upstream.Client) *GatewayHandlers {
	return &GatewayHandlers{Cfg: cfg, Manager: manager, Dispatcher: d, Upstream: up}
}

func (h *GatewayHandlers) aliases() modelroute.Aliases {
	return modelroute.Aliases{
		Custom:    h.Cfg.ModelAliases.Custom,
		OpenAI:    h.Cfg.ModelAliases.OpenAI,
		Anthropic: h.Cfg.ModelAliases.Anthropic,
	}
}
