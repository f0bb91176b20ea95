package claude

import (
	"context"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

// collectStream feeds the given upstream frames (plus the terminal [DONE])
// through the streaming converter and returns the concatenated SSE output.
func collectStream(t *testing.T, model string, frames []string) string {
	t.Helper()
	var param any
	var out strings.Builder
	for _, frame := range frames {
		for _, chunk := range ConvertGeminiResponseToClaude(context.Background(), model, nil, nil, []byte(frame), &param) {
			out.WriteString(chunk)
		}
	}
	for _, chunk := range ConvertGeminiResponseToClaude(context.Background(), model, nil, nil, []byte("[DONE]"), &param) {
		out.WriteString(chunk)
	}
	return out.String()
}

// eventOrder asserts each marker appears in output after the previous one.
func eventOrder(t *testing.T, output string, markers ...string) {
	t.Helper()
	pos := 0
	for _, marker := range markers {
		idx := strings.Index(output[pos:], marker)
		if idx < 0 {
			t.Fatalf("marker %q missing (or out of order) in:\n%s", marker, output)
		}
		pos += idx + len(marker)
	}
}

func TestStreamingTextSequence(t *testing.T) {
	frames := []string{
		`{"responseId":"resp-1","modelVersion":"gemini-2.5-pro","candidates":[{"content":{"role":"model","parts":[{"text":"one "}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"two "}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"three"}]},"finishReason":"MAX_TOKENS"}],"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":3}}`,
	}
	output := collectStream(t, "gemini-2.5-pro", frames)

	eventOrder(t, output,
		"event: message_start",
		"event: content_block_start",
		`"type":"text"`,
		"event: content_block_delta",
		`"text":"one "`,
		`"text":"two "`,
		`"text":"three"`,
		"event: content_block_stop",
		"event: message_delta",
		`"stop_reason":"max_tokens"`,
		"event: message_stop",
	)

	if !strings.Contains(output, `"input_tokens":7`) {
		t.Fatalf("prompt tokens missing from message_delta:\n%s", output)
	}
	if !strings.Contains(output, `"output_tokens":3`) {
		t.Fatalf("candidate tokens missing from message_delta:\n%s", output)
	}
	// Three text deltas for three chunks.
	if got := strings.Count(output, `"type":"text_delta"`); got != 3 {
		t.Fatalf("text_delta count = %d, want 3", got)
	}
}

func TestStreamingThinkingThenText(t *testing.T) {
	frames := []string{
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"pondering","thought":true}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"still pondering","thought":true,"thoughtSignature":"sig-abcdef-0123456789"}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"answer"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":1,"candidatesTokenCount":2}}`,
	}
	output := collectStream(t, "streaming-thinking-model", frames)

	eventOrder(t, output,
		"event: message_start",
		`"type":"thinking"`,
		`"type":"thinking_delta"`,
		`"type":"signature_delta"`,
		"event: content_block_stop",
		`"type":"text"`,
		`"type":"text_delta"`,
		`"stop_reason":"end_turn"`,
		"event: message_stop",
	)

	// The signature closed the thinking block, so the text block opens at index 1.
	if !strings.Contains(output, `"content_block_start","index":1`) &&
		!strings.Contains(output, `{"type":"content_block_start","index":1`) {
		t.Fatalf("text block should open at index 1:\n%s", output)
	}
}

func TestStreamingToolUse(t *testing.T) {
	frames := []string{
		`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"get_weather","args":{"city":"Paris"}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":6}}`,
	}
	output := collectStream(t, "gemini-2.5-pro", frames)

	eventOrder(t, output,
		"event: message_start",
		`"type":"tool_use"`,
		`"name":"get_weather"`,
		`"type":"input_json_delta"`,
		"event: content_block_stop",
		`"stop_reason":"tool_use"`,
		"event: message_stop",
	)
	if !strings.Contains(output, "Paris") {
		t.Fatalf("tool arguments missing:\n%s", output)
	}
}

func TestStreamingNoContentNoMessageStop(t *testing.T) {
	var param any
	var out strings.Builder
	for _, chunk := range ConvertGeminiResponseToClaude(context.Background(), "m", nil, nil, []byte("[DONE]"), &param) {
		out.WriteString(chunk)
	}
	if strings.Contains(out.String(), "message_stop") {
		t.Fatal("message_stop must not be emitted when nothing was streamed")
	}
}

func TestNonStreamTextAndUsage(t *testing.T) {
	raw := `{
		"responseId": "resp-9",
		"modelVersion": "gemini-2.5-pro",
		"candidates": [{
			"content": {"role": "model", "parts": [{"text": "hello "}, {"text": "world"}]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 11, "candidatesTokenCount": 5, "thoughtsTokenCount": 2}
	}`
	out := gjson.Parse(ConvertGeminiResponseToClaudeNonStream(context.Background(), "gemini-2.5-pro", nil, nil, []byte(raw), nil))

	if out.Get("id").String() != "resp-9" || out.Get("model").String() != "gemini-2.5-pro" {
		t.Fatalf("envelope = %s", out.Raw)
	}
	if out.Get("role").String() != "assistant" || out.Get("type").String() != "message" {
		t.Fatalf("envelope = %s", out.Raw)
	}
	content := out.Get("content").Array()
	if len(content) != 1 || content[0].Get("text").String() != "hello world" {
		t.Fatalf("adjacent text parts should merge: %s", out.Get("content").Raw)
	}
	if out.Get("stop_reason").String() != "end_turn" {
		t.Fatalf("stop_reason = %q", out.Get("stop_reason").String())
	}
	if out.Get("usage.input_tokens").Int() != 11 {
		t.Fatalf("input_tokens = %d", out.Get("usage.input_tokens").Int())
	}
	// Thought tokens count toward output.
	if out.Get("usage.output_tokens").Int() != 7 {
		t.Fatalf("output_tokens = %d, want 7", out.Get("usage.output_tokens").Int())
	}
}

func TestNonStreamMaxTokens(t *testing.T) {
	raw := `{"candidates":[{"content":{"role":"model","parts":[{"text":"cut"}]},"finishReason":"MAX_TOKENS"}],"usageMetadata":{"promptTokenCount":1,"candidatesTokenCount":1}}`
	out := gjson.Parse(ConvertGeminiResponseToClaudeNonStream(context.Background(), "m", nil, nil, []byte(raw), nil))
	if out.Get("stop_reason").String() != "max_tokens" {
		t.Fatalf("stop_reason = %q", out.Get("stop_reason").String())
	}
}

func TestNonStreamToolCall(t *testing.T) {
	raw := `{"candidates":[{"content":{"role":"model","parts":[
		{"text":"calling now"},
		{"functionCall":{"name":"lookup","args":{"q":"x"}}}
	]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":1,"candidatesTokenCount":1}}`
	out := gjson.Parse(ConvertGeminiResponseToClaudeNonStream(context.Background(), "m", nil, nil, []byte(raw), nil))

	content := out.Get("content").Array()
	if len(content) != 2 {
		t.Fatalf("content length = %d, want 2", len(content))
	}
	tool := content[1]
	if tool.Get("type").String() != "tool_use" || tool.Get("name").String() != "lookup" {
		t.Fatalf("tool block = %s", tool.Raw)
	}
	if tool.Get("input.q").String() != "x" {
		t.Fatalf("tool input = %s", tool.Get("input").Raw)
	}
	if out.Get("stop_reason").String() != "tool_use" {
		t.Fatalf("stop_reason = %q", out.Get("stop_reason").String())
	}
}

func TestNonStreamThinkingBlock(t *testing.T) {
	raw := `{"candidates":[{"content":{"role":"model","parts":[
		{"text":"deep thought","thought":true,"thoughtSignature":"nonstream-sig-0123456789"},
		{"text":"shallow answer"}
	]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":1,"candidatesTokenCount":1}}`
	out := gjson.Parse(ConvertGeminiResponseToClaudeNonStream(context.Background(), "nonstream-thinking-model", nil, nil, []byte(raw), nil))

	content := out.Get("content").Array()
	if len(content) != 2 {
		t.Fatalf("content length = %d, want 2", len(content))
	}
	if content[0].Get("type").String() != "thinking" || content[0].Get("thinking").String() != "deep thought" {
		t.Fatalf("thinking block = %s", content[0].Raw)
	}
	if content[0].Get("signature").String() != "nonstream-sig-0123456789" {
		t.Fatal("signature should be carried onto the thinking block")
	}
	if content[1].Get("text").String() != "shallow answer" {
		t.Fatalf("text block = %s", content[1].Raw)
	}
}
