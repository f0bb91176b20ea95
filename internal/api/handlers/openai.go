package handlers

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/cloudcode-gateway/gateway/internal/dispatcher"
	"github.com/cloudcode-gateway/gateway/internal/tokenmanager"
	"github.com/cloudcode-gateway/gateway/internal/translator/gemini/common"
	openaitr "github.com/cloudcode-gateway/gateway/internal/translator/gemini/openai/chat-completions"
	"github.com/cloudcode-gateway/gateway/internal/translator/modelroute"
	log "github.com/sirupsen/logrus"
)

// OpenAIChatCompletions serves POST /v1/chat/completions.
func (h *GatewayHandlers) OpenAIChatCompletions(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		writeOpenAIError(c, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("failed to read request body: %v", err))
		return
	}
	h.serveOpenAIChat(c, rawJSON)
}

// OpenAICompletions serves POST /v1/completions, the legacy completions
// surface, by rewriting the prompt into a single-user-message chat request.
func (h *GatewayHandlers) OpenAICompletions(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		writeOpenAIError(c, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("failed to read request body: %v", err))
		return
	}
	if !gjson.ValidBytes(rawJSON) || !gjson.ParseBytes(rawJSON).IsObject() {
		writeOpenAIError(c, http.StatusBadRequest, "invalid_request_error", "request body is not a JSON object")
		return
	}

	prompt := gjson.GetBytes(rawJSON, "prompt")
	promptText := ""
	switch {
	case prompt.Type == gjson.String:
		promptText = prompt.String()
	case prompt.IsArray():
		var buf bytes.Buffer
		prompt.ForEach(func(_, p gjson.Result) bool {
			if buf.Len() > 0 {
				buf.WriteByte('\n')
			}
			buf.WriteString(p.String())
			return true
		})
		promptText = buf.String()
	}

	chat, _ := sjson.DeleteBytes(rawJSON, "prompt")
	message := `{"role":"user","content":""}`
	message, _ = sjson.Set(message, "content", promptText)
	chat, _ = sjson.SetRawBytes(chat, "messages", []byte("["+message+"]"))

	h.serveOpenAIChat(c, chat)
}

// serveOpenAIChat runs the shared chat-completions pipeline for both the
// current and legacy OpenAI surfaces.
func (h *GatewayHandlers) serveOpenAIChat(c *gin.Context, rawJSON []byte) {
	if !gjson.ValidBytes(rawJSON) || !gjson.ParseBytes(rawJSON).IsObject() {
		writeOpenAIError(c, http.StatusBadRequest, "invalid_request_error", "request body is not a JSON object")
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
	}).Debug("openai chat completions request")

	outcome, dispatchErr := h.Dispatcher.Do(c.Request.Context(), string(requestType), sessionID,
		func(ctx context.Context, accessToken, projectID, email, accountID string) (dispatcher.Outcome, error) {
			inner := openaitr.ConvertOpenAIRequestToGemini(resolvedModel, rawJSON, stream)
			envelope := common.WrapV1Internal(projectID, resolvedModel, string(requestType), inner)

			if stream {
				return h.openaiStreamAttempt(ctx, c, resolvedModel, rawJSON, envelope, accessToken, email)
			}
			return h.openaiUnaryAttempt(ctx, c, resolvedModel, rawJSON, envelope, accessToken)
		})

	if c.Writer.Written() {
		return
	}

	if dispatchErr != nil && outcome.StatusCode == 0 {
		writeOpenAIError(c, http.StatusServiceUnavailable, "overloaded_error", fmt.Sprintf("no available accounts: %v", dispatchErr))
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
	writeOpenAIError(c, status, openaiErrorType(status), message)
}

func (h *GatewayHandlers) openaiUnaryAttempt(ctx context.Context, c *gin.Context, model string, originalRawJSON, envelope []byte, accessToken string) (dispatcher.Outcome, error) {
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
	out := openaitr.ConvertGeminiResponseToOpenAINonStream(ctx, model, originalRawJSON, envelope, unwrapped, &param)
	c.Data(http.StatusOK, "application/json", []byte(out))
	return dispatcher.Outcome{StatusCode: http.StatusOK}, nil
}

func (h *GatewayHandlers) openaiStreamAttempt(ctx context.Context, c *gin.Context, model string, originalRawJSON, envelope []byte, accessToken, email string) (dispatcher.Outcome, error) {
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
			_, _ = c.Writer.WriteString("data: " + chunk + "\n\n")
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
		emit(openaitr.ConvertGeminiResponseToOpenAI(ctx, model, originalRawJSON, envelope, unwrapped, &param))
	}

	if scanErr := scanner.Err(); scanErr != nil {
		log.WithError(scanErr).Warnf("openai stream: upstream connection broke for %s", email)
		errFrame, _ := sjson.Set(`{"error":{"type":"api_error","message":""}}`, "error.message", scanErr.Error())
		emit([]string{errFrame})
		return dispatcher.Outcome{StatusCode: http.StatusOK}, nil
	}

	_, _ = c.Writer.WriteString("data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
	return dispatcher.Outcome{StatusCode: http.StatusOK}, nil
}

// OpenAIImagesGenerations serves POST /v1/images/generations. Image requests
// carry the image_gen quota group end to end: group selection skips the 60s
// stickiness window and the request envelope is tagged image_gen.
func (h *GatewayHandlers) OpenAIImagesGenerations(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		writeOpenAIError(c, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("failed to read request body: %v", err))
		return
	}
	prompt := gjson.GetBytes(rawJSON, "prompt").String()
	if prompt == "" {
		writeOpenAIError(c, http.StatusBadRequest, "invalid_request_error", "missing prompt")
		return
	}
	n := gjson.GetBytes(rawJSON, "n").Int()
	if n <= 0 {
		n = 1
	}

	inner := `{"contents":[{"role":"user","parts":[{"text":""}]}],"generationConfig":{"imageConfig":{"numberOfImages":1,"outputMimeType":"image/png"}}}`
	inner, _ = sjson.Set(inner, "contents.0.parts.0.text", prompt)
	inner, _ = sjson.Set(inner, "generationConfig.imageConfig.numberOfImages", n)

	outcome, dispatchErr := h.Dispatcher.Do(c.Request.Context(), tokenmanager.ImageGenQuotaGroup, "",
		func(ctx context.Context, accessToken, projectID, email, accountID string) (dispatcher.Outcome, error) {
			envelope := common.WrapV1Internal(projectID, modelroute.ImageModel, string(modelroute.RequestTypeImageGen), []byte(inner))
			resp, callErr := h.Upstream.CallV1Internal(ctx, "generateContent", accessToken, envelope, "")
			if callErr != nil {
				return dispatcher.Outcome{Retryable: true, Err: callErr}, nil
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
			out := `{"created":0,"data":[]}`
			out, _ = sjson.Set(out, "created", time.Now().Unix())
			parts := gjson.GetBytes(unwrapped, "candidates.0.content.parts")
			if parts.IsArray() {
				parts.ForEach(func(_, part gjson.Result) bool {
					if data := part.Get("inlineData.data"); data.Exists() {
						img, _ := sjson.Set(`{"b64_json":""}`, "b64_json", data.String())
						out, _ = sjson.SetRaw(out, "data.-1", img)
					}
					return true
				})
			}
			c.Data(http.StatusOK, "application/json", []byte(out))
			return dispatcher.Outcome{StatusCode: http.StatusOK}, nil
		})

	if c.Writer.Written() {
		return
	}
	if dispatchErr != nil && outcome.StatusCode == 0 {
		writeOpenAIError(c, http.StatusServiceUnavailable, "overloaded_error", fmt.Sprintf("no available accounts: %v", dispatchErr))
		return
	}
	status := finalStatus(outcome.StatusCode)
	message := string(outcome.Body)
	if message == "" {
		message = fmt.Sprintf("upstream returned HTTP %d", outcome.StatusCode)
	}
	writeOpenAIError(c, status, openaiErrorType(status), message)
}
