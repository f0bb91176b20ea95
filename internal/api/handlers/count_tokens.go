package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"

	claudetr "github.com/cloudcode-gateway/gateway/internal/translator/gemini/claude"
)

// ClaudeCountTokens serves POST /v1/messages/count_tokens with a local
// tokenizer estimate. The upstream has no token-counting call, so the count
// is an approximation over the request's text content.
func (h *GatewayHandlers) ClaudeCountTokens(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		writeClaudeError(c, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("failed to read request body: %v", err))
		return
	}
	if !gjson.ValidBytes(rawJSON) || !gjson.ParseBytes(rawJSON).IsObject() {
		writeClaudeError(c, http.StatusBadRequest, "invalid_request_error", "request body is not a JSON object")
		return
	}

	count, err := countClaudeRequestTokens(rawJSON)
	if err != nil {
		writeClaudeError(c, http.StatusInternalServerError, "api_error", fmt.Sprintf("token counting failed: %v", err))
		return
	}
	c.Data(http.StatusOK, "application/json", []byte(claudetr.ClaudeTokenCount(c.Request.Context(), count)))
}

// countClaudeRequestTokens approximates prompt tokens for an Anthropic-dialect
// request by joining its text-bearing fields and running them through the
// o200k_base encoding.
func countClaudeRequestTokens(payload []byte) (int64, error) {
	enc, err := tokenizer.Get(tokenizer.O200kBase)
	if err != nil {
		return 0, err
	}

	root := gjson.ParseBytes(payload)
	segments := make([]string, 0, 32)

	if system := root.Get("system"); system.Exists() {
		if system.Type == gjson.String {
			addSegment(&segments, system.String())
		} else if system.IsArray() {
			system.ForEach(func(_, block gjson.Result) bool {
				addSegment(&segments, block.Get("text").String())
				return true
			})
		}
	}

	if messages := root.Get("messages"); messages.IsArray() {
		messages.ForEach(func(_, message gjson.Result) bool {
			addSegment(&segments, message.Get("role").String())
			content := message.Get("content")
			if content.Type == gjson.String {
				addSegment(&segments, content.String())
				return true
			}
			if content.IsArray() {
				content.ForEach(func(_, block gjson.Result) bool {
					switch block.Get("type").String() {
					case "text":
						addSegment(&segments, block.Get("text").String())
					case "thinking":
						addSegment(&segments, block.Get("thinking").String())
					case "tool_use":
						addSegment(&segments, block.Get("name").String())
						addSegment(&segments, block.Get("input").Raw)
					case "tool_result":
						addSegment(&segments, block.Get("content").Raw)
					}
					return true
				})
			}
			return true
		})
	}

	if tools := root.Get("tools"); tools.IsArray() {
		tools.ForEach(func(_, tool gjson.Result) bool {
			addSegment(&segments, tool.Get("name").String())
			addSegment(&segments, tool.Get("description").String())
			if schema := tool.Get("input_schema"); schema.Exists() {
				addSegment(&segments, schema.Raw)
			}
			return true
		})
	}

	joined := strings.TrimSpace(strings.Join(segments, "\n"))
	if joined == "" {
		return 0, nil
	}
	count, err := enc.Count(joined)
	if err != nil {
		return 0, err
	}
	return int64(count), nil
}

func addSegment(segments *[]string, value string) {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		*segments = append(*segments, trimmed)
	}
}
