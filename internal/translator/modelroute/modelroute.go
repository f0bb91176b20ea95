// Package modelroute resolves a caller-supplied model name against the
// gateway's alias tables and classifies the request type (text vs. image
// generation), per spec §4.7.4.
package modelroute

import "strings"

// DefaultModel is used when no alias matches and the name doesn't look like
// a passthrough-eligible identifier.
const DefaultModel = "gemini-2.5-flash"

// ImageModel is the dedicated Gemini image-generation model; requests
// targeting it (or carrying an image-generation tool) are classified as
// RequestTypeImageGen.
const ImageModel = "gemini-2.5-flash-image"

// RequestType classifies the upstream call this request should make.
type RequestType string

const (
	RequestTypeText     RequestType = "text"
	RequestTypeImageGen RequestType = "image_gen"
)

// Aliases holds the three model-name mapping tables consulted, in order,
// before falling back to prefix-based passthrough.
type Aliases struct {
	Custom    map[string]string
	OpenAI    map[string]string
	Anthropic map[string]string
}

// passthroughPrefixes are name forms accepted verbatim when no alias matches.
var passthroughPrefixes = []string{"gemini-", "models/", "claude-"}

// Resolve maps a caller's requested model name to the upstream Gemini model
// name, consulting custom -> openai -> anthropic alias tables in order, then
// falling back to passthrough for recognizable prefixes, then to
// DefaultModel.
func Resolve(aliases Aliases, requested string) string {
	if v, ok := aliases.Custom[requested]; ok && v != "" {
		return v
	}
	if v, ok := aliases.OpenAI[requested]; ok && v != "" {
		return v
	}
	if v, ok := aliases.Anthropic[requested]; ok && v != "" {
		return v
	}
	for _, prefix := range passthroughPrefixes {
		if strings.HasPrefix(requested, prefix) {
			return requested
		}
	}
	return DefaultModel
}

// ClassifyRequestType reports whether this request should be routed as image
// generation: the resolved model is the image model, or the request's tool
// set requests image generation.
func ClassifyRequestType(resolvedModel string, hasImageGenTool bool) RequestType {
	if resolvedModel == ImageModel || hasImageGenTool {
		return RequestTypeImageGen
	}
	return RequestTypeText
}
