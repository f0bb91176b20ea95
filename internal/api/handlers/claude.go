package handlers

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/cloudcode-gateway/gateway/internal/dispatcher"
	claudetr "github.com/cloudcode-gateway/gateway/internal/translator/gemini/claude"
	"github.com/cloudcode-gateway/gateway/internal/translator/gemini/common"
	"github.com/cloudcode-gateway/gateway/internal/translator/modelroute"
	log "github.com/sirupsen/logrus"
)

// retryableStatus reports whether an upstream status should rotate accounts
// and retry rather than surface to the client. Non-transient 4xx (400, 401,
// 403, ...) are returned as-is.
func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// hasImageGenerationTool reports whether the request's tool list asks for
// image generation, which routes the request into the image_gen quota group.
func hasImageGenerationTool(rawJSON []byte) bool {
	tools := gjson.GetBytes(rawJSON, "tools")
	if !tools.IsArray() {
		return false
	}
	found := false
	tools.ForEach(func(_, tool gjson.Result) bool {
		name := tool.Get("name").String()
		if name == "" {
			name = tool.Get("type").String()
		}
		if name == "image_generation" {
			found = true
			return false
		}
		return true
	})
	return found
}

// ClaudeMessages serves POST /v1/messages: the Anthropic-dialect chat surface.
func (h *GatewayHandlers) ClaudeMessages(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		writeClaudeError(c, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("failed to read request body: %v", err))
		return
	}
	if !gjson.ValidBytes(rawJSON) || !gjson.ParseBytes(rawJSON).IsObject() {
		writeClaudeError(c, http.StatusBadRequest, "invalid_request_error", "request body is not a JSON object")
		return
	}

	requestedModel := gjson.GetBytes(rawJSON, "model").String()
	resolvedModel := modelroute.Resolve(h.aliases(), requestedModel)
	requestType := modelroute.ClassifyRequestType(resolvedModel, hasImageGenerationTool(rawJSON))
	stream := gjson.GetBytes(rawJSON, "stream").Bool()
	sessionID := SessionFingerprint(rawJSON)

	log.WithFields(log.Fields{
		"model":  requestedModel,
		"mapped": resolvedModel,
		"stream": stream,
	}).Debug("claude messages request")

	outcome, dispatchErr := h.Dispatcher.Do(c.Request.Context(), string(requestType), sessionID,
		func(ctx context.Context, accessToken, projectID, email, accountID string) (dispatcher.Outcome, error) {
			inner := claudetr.ConvertClaudeRequestToGemini(resolvedModel, rawJSON, stream)
			envelope := common.WrapV1Internal(projectID, resolvedModel, string(requestType), inner)

			if stream {
				return h.claudeStreamAttempt(ctx, c, resolvedModel, rawJSON, envelope, accessToken, email)
			}
			return h.claudeUnaryAttempt(ctx, c, resolvedModel, rawJSON, envelope, accessToken)
		})

	if c.Writer.Written() {
		return
	}

	if dispatchErr != nil && outcome.StatusCode == 0 {
		writeClaudeError(c, http.StatusServiceUnavailable, "overloaded_error", fmt.Sprintf("no available accounts: %v", dispatchErr))
		return
	}

	status := finalStatus(outcome.StatusCode)
	message := string(outcome.Body)
	if message == "" {
		if outcome.Err != nil {
			message = outcome.Err.Error()
		} else if dispatchErr != nil {
			message = dispatchErr.Error()
		} else {
			message = fmt.Sprintf("upstream returned HTTP %d", outcome.StatusCode)
		}
	}
	writeClaudeError(c, status, claudeErrorType(status), message)
}

// claudeUnaryAttempt performs one non-streaming upstream call, writing the
// translated Anthropic response on success.
func (h *GatewayHandlers) claudeUnaryAttempt(ctx context.Context, c *gin.Context, model string, originalRawJSON, envelope []byte, accessToken string) (dispatcher.Outcome, error) {
	resp, err := h.Upstream.CallV1Internal(ctx, "generateContent", accessToken, envelope, "")
	if err != nil {
		return dispatcher.Outcome{Retryable: true, Err: err}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return dispatcher.Outcome{
			StatusCode:       resp.StatusCode,
			Retryable:        retryableStatus(resp.StatusCode),
			RetryAfterHeader: resp.Header.Get("Retry-After"),
			Body:             resp.Body,
		}, nil
	}

	unwrapped := common.UnwrapV1Internal(resp.Body)
	if !gjson.ValidBytes(unwrapped) {
		return dispatcher.Outcome{StatusCode: http.StatusBadGateway, Err: fmt.Errorf("upstream returned malformed JSON")}, nil
	}

	var param any
	out := claudetr.ConvertGeminiResponseToClaudeNonStream(ctx, model, originalRawJSON, envelope, unwrapped, &param)
	c.Data(http.StatusOK, "application/json", []byte(out))
	return dispatcher.Outcome{StatusCode: http.StatusOK}, nil
}

// claudeStreamAttempt performs one streaming upstream call, re-emitting the
// Gemini SSE stream as the Anthropic event sequence. Once the first byte has
// been flushed to the client the attempt is committed: a mid-stream upstream
// failure is reported in-band as a terminal data frame, never as a retry.
func (h *GatewayHandlers) claudeStreamAttempt(ctx context.Context, c *gin.Context, model string, originalRawJSON, envelope []byte, accessToken, email string) (dispatcher.Outcome, error) {
	resp, err := h.Upstream.Stream(ctx, "streamGenerateContent", accessToken, envelope, "alt=sse")
	if err != nil {
		return dispatcher.Outcome{Retryable: true, Err: err}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := readBodyForError(resp)
		return dispatcher.Outcome{
			StatusCode:       resp.StatusCode,
			Retryable:        retryableStatus(resp.StatusCode),
			RetryAfterHeader: resp.Header.Get("Retry-After"),
			Body:             body,
		}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	emit := func(chunks []string) {
		for _, chunk := range chunks {
			if chunk == "" {
				continue
			}
			_, _ = c.Writer.WriteString(chunk)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}

	var param any
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(line[len("data:"):])
		if len(payload) == 0 {
			continue
		}
		if bytes.Equal(payload, []byte("[DONE]")) {
			break
		}
		unwrapped := common.UnwrapV1Internal(payload)
		emit(claudetr.ConvertGeminiResponseToClaude(ctx, model, originalRawJSON, envelope, unwrapped, &param))
	}

	if scanErr := scanner.Err(); scanErr != nil {
		log.WithError(scanErr).Warnf("claude stream: upstream connection broke for %s", email)
		errFrame, _ := sjson.Set(`{"type":"error","error":{"type":"api_error","message":""}}`, "error.message", scanErr.Error())
		emit([]string{"event: error\ndata: " + errFrame + "\n\n"})
		return dispatcher.Outcome{StatusCode: http.StatusOK}, nil
	}

	emit(claudetr.ConvertGeminiResponseToClaude(ctx, model, originalRawJSON, envelope, []byte("[DONE]"), &param))
	return dispatcher.Outcome{StatusCode: http.StatusOK}, nil
}
