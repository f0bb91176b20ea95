// Response translation for the OpenAI chat-completions surface: Gemini
// responses become chat.completion / chat.completion.chunk objects. This is
// the structurally-symmetric counterpart of the Anthropic response
// translator, reduced to the single-candidate responses this gateway's
// request envelope asks for.

package chat_completions

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// toolCallIDCounter disambiguates tool-call ids minted within the same nanosecond.
var toolCallIDCounter uint64

func mintToolCallID(name string) string {
	return fmt.Sprintf("%s-%d-%d", name, time.Now().UnixNano(), atomic.AddUint64(&toolCallIDCounter, 1))
}

// mapFinishReason translates a Gemini finishReason into the OpenAI
// finish_reason vocabulary. Tool use is decided by the caller from the parts,
// not from finishReason, so it is not mapped here.
func mapFinishReason(finishReason string) string {
	switch strings.ToUpper(finishReason) {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY":
		return "content_filter"
	default:
		return "stop"
	}
}

// streamState carries the per-stream bookkeeping the chunk converter needs:
// a stable created timestamp, whether the assistant role has been announced,
// and a running tool-call index.
type streamState struct {
	Created      int64
	RoleSent     bool
	NextToolCall int
}

// ConvertGeminiResponseToOpenAI converts one Gemini streaming frame into
// chat.completion.chunk JSON documents (without SSE framing; the handler
// adds "data: " lines). The frame is expected already unwrapped from the
// v1internal envelope. param threads streamState across calls.
func ConvertGeminiResponseToOpenAI(_ context.Context, _ string, originalRequestRawJSON, requestRawJSON, rawJSON []byte, param *any) []string {
	_ = originalRequestRawJSON
	_ = requestRawJSON

	if *param == nil {
		*param = &streamState{Created: time.Now().Unix()}
	}
	state := (*param).(*streamState)

	root := gjson.ParseBytes(rawJSON)

	chunk := `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
	chunk, _ = sjson.Set(chunk, "id", root.Get("responseId").String())
	chunk, _ = sjson.Set(chunk, "model", root.Get("modelVersion").String())
	chunk, _ = sjson.Set(chunk, "created", state.Created)

	if !state.RoleSent {
		chunk, _ = sjson.Set(chunk, "choices.0.delta.role", "assistant")
		state.RoleSent = true
	}

	var content, reasoning strings.Builder
	hasToolCall := false

	parts := root.Get("candidates.0.content.parts")
	if parts.IsArray() {
		for _, part := range parts.Array() {
			if text := part.Get("text"); text.Exists() {
				if part.Get("thought").Bool() {
					reasoning.WriteString(text.String())
				} else {
					content.WriteString(text.String())
				}
				continue
			}
			if call := part.Get("functionCall"); call.Exists() {
				if !hasToolCall {
					chunk, _ = sjson.SetRaw(chunk, "choices.0.delta.tool_calls", "[]")
					hasToolCall = true
				}
				name := call.Get("name").String()
				entry := `{"index":0,"id":"","type":"function","function":{"name":"","arguments":""}}`
				entry, _ = sjson.Set(entry, "index", state.NextToolCall)
				entry, _ = sjson.Set(entry, "id", mintToolCallID(name))
				entry, _ = sjson.Set(entry, "function.name", name)
				if args := call.Get("args"); args.Exists() {
					entry, _ = sjson.Set(entry, "function.arguments", args.Raw)
				}
				chunk, _ = sjson.SetRaw(chunk, "choices.0.delta.tool_calls.-1", entry)
				state.NextToolCall++
			}
		}
	}

	if content.Len() > 0 {
		chunk, _ = sjson.Set(chunk, "choices.0.delta.content", content.String())
	}
	if reasoning.Len() > 0 {
		chunk, _ = sjson.Set(chunk, "choices.0.delta.reasoning_content", reasoning.String())
	}

	if finish := root.Get("candidates.0.finishReason"); finish.Exists() && finish.String() != "" {
		if hasToolCall {
			chunk, _ = sjson.Set(chunk, "choices.0.finish_reason", "tool_calls")
		} else {
			chunk, _ = sjson.Set(chunk, "choices.0.finish_reason", mapFinishReason(finish.String()))
		}
	}

	if usage := root.Get("usageMetadata"); usage.Exists() {
		chunk = setUsage(chunk, usage)
	}

	return []string{chunk}
}

// setUsage writes the OpenAI usage block from Gemini usageMetadata. Thought
// tokens count toward completion tokens and are broken out in the details.
func setUsage(doc string, usage gjson.Result) string {
	prompt := usage.Get("promptTokenCount").Int()
	completion := usage.Get("candidatesTokenCount").Int()
	thoughts := usage.Get("thoughtsTokenCount").Int()

	doc, _ = sjson.Set(doc, "usage.prompt_tokens", prompt)
	doc, _ = sjson.Set(doc, "usage.completion_tokens", completion+thoughts)
	doc, _ = sjson.Set(doc, "usage.total_tokens", prompt+completion+thoughts)
	if thoughts > 0 {
		doc, _ = sjson.Set(doc, "usage.completion_tokens_details.reasoning_tokens", thoughts)
	}
	return doc
}

// ConvertGeminiResponseToOpenAINonStream converts a complete Gemini response
// into one chat.completion object, merging adjacent text parts and collecting
// tool calls onto the single assistant message.
func ConvertGeminiResponseToOpenAINonStream(_ context.Context, _ string, originalRequestRawJSON, requestRawJSON, rawJSON []byte, _ *any) string {
	_ = originalRequestRawJSON
	_ = requestRawJSON

	root := gjson.ParseBytes(rawJSON)

	out := `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant","content":null},"finish_reason":"stop"}]}`
	out, _ = sjson.Set(out, "id", root.Get("responseId").String())
	out, _ = sjson.Set(out, "model", root.Get("modelVersion").String())
	out, _ = sjson.Set(out, "created", time.Now().Unix())

	var content, reasoning strings.Builder
	hasToolCall := false

	parts := root.Get("candidates.0.content.parts")
	if parts.IsArray() {
		for _, part := range parts.Array() {
			if text := part.Get("text"); text.Exists() {
				if part.Get("thought").Bool() {
					reasoning.WriteString(text.String())
				} else {
					content.WriteString(text.String())
				}
				continue
			}
			if call := part.Get("functionCall"); call.Exists() {
				if !hasToolCall {
					out, _ = sjson.SetRaw(out, "choices.0.message.tool_calls", "[]")
					hasToolCall = true
				}
				name := call.Get("name").String()
				entry := `{"id":"","type":"function","function":{"name":"","arguments":""}}`
				entry, _ = sjson.Set(entry, "id", mintToolCallID(name))
				entry, _ = sjson.Set(entry, "function.name", name)
				if args := call.Get("args"); args.Exists() {
					entry, _ = sjson.Set(entry, "function.arguments", args.Raw)
				}
				out, _ = sjson.SetRaw(out, "choices.0.message.tool_calls.-1", entry)
			}
		}
	}

	if content.Len() > 0 {
		out, _ = sjson.Set(out, "choices.0.message.content", content.String())
	}
	if reasoning.Len() > 0 {
		out, _ = sjson.Set(out, "choices.0.message.reasoning_content", reasoning.String())
	}

	switch {
	case hasToolCall:
		out, _ = sjson.Set(out, "choices.0.finish_reason", "tool_calls")
	default:
		out, _ = sjson.Set(out, "choices.0.finish_reason", mapFinishReason(root.Get("candidates.0.finishReason").String()))
	}

	if usage := root.Get("usageMetadata"); usage.Exists() {
		out = setUsage(out, usage)
	}

	return out
}
