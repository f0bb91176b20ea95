package claude

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestConvertClaudeRequestBasics(t *testing.T) {
	body := `{
		"model": "claude-sonnet-4-5",
		"system": "You are terse.",
		"messages": [
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": [{"type": "text", "text": "hi there"}]}
		],
		"temperature": 0.5,
		"top_p": 0.9,
		"top_k": 40
	}`
	out := gjson.ParseBytes(ConvertClaudeRequestToGemini("gemini-2.5-pro", []byte(body), false))

	if got := out.Get("model").String(); got != "gemini-2.5-pro" {
		t.Fatalf("model = %q", got)
	}
	if got := out.Get("system_instruction.parts.0.text").String(); got != "You are terse." {
		t.Fatalf("system instruction = %q", got)
	}

	contents := out.Get("contents").Array()
	if len(contents) != 2 {
		t.Fatalf("contents length = %d, want 2", len(contents))
	}
	if contents[0].Get("role").String() != "user" || contents[0].Get("parts.0.text").String() != "hello" {
		t.Fatalf("content 0 = %s", contents[0].Raw)
	}
	// Anthropic "assistant" becomes Gemini "model".
	if contents[1].Get("role").String() != "model" || contents[1].Get("parts.0.text").String() != "hi there" {
		t.Fatalf("content 1 = %s", contents[1].Raw)
	}

	if got := out.Get("generationConfig.temperature").Float(); got != 0.5 {
		t.Fatalf("temperature = %v", got)
	}
	if got := out.Get("generationConfig.topP").Float(); got != 0.9 {
		t.Fatalf("topP = %v", got)
	}
	if got := out.Get("generationConfig.topK").Int(); got != 40 {
		t.Fatalf("topK = %v", got)
	}
	if !out.Get("safetySettings").IsArray() {
		t.Fatal("default safety settings missing")
	}
}

func TestConvertClaudeRequestToolUse(t *testing.T) {
	body := `{
		"messages": [
			{"role": "assistant", "content": [
				{"type": "tool_use", "id": "get_weather-123", "name": "get_weather", "input": {"city": "Paris"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "get_weather-123", "content": "sunny"}
			]}
		],
		"tools": [
			{"name": "get_weather", "description": "Look up weather", "input_schema": {"type": "object", "properties": {"city": {"type": "string"}}}}
		]
	}`
	out := gjson.ParseBytes(ConvertClaudeRequestToGemini("gemini-2.5-pro", []byte(body), false))

	call := out.Get("contents.0.parts.0.functionCall")
	if call.Get("name").String() != "get_weather" {
		t.Fatalf("functionCall = %s", call.Raw)
	}
	if call.Get("args.city").String() != "Paris" {
		t.Fatalf("args = %s", call.Get("args").Raw)
	}

	// The tool_use_id's trailing counter is stripped to recover the function name.
	response := out.Get("contents.1.parts.0.functionResponse")
	if response.Get("name").String() != "get_weather" {
		t.Fatalf("functionResponse name = %q", response.Get("name").String())
	}

	decl := out.Get("tools.0.functionDeclarations.0")
	if decl.Get("name").String() != "get_weather" {
		t.Fatalf("declaration = %s", decl.Raw)
	}
	if !decl.Get("parametersJsonSchema").Exists() {
		t.Fatal("input_schema should be renamed to parametersJsonSchema")
	}
	if decl.Get("input_schema").Exists() {
		t.Fatal("input_schema should be removed after renaming")
	}
}

func TestConvertClaudeRequestThinkingConfig(t *testing.T) {
	body := `{
		"messages": [{"role": "user", "content": "q"}],
		"thinking": {"type": "enabled", "budget_tokens": 2048}
	}`
	out := gjson.ParseBytes(ConvertClaudeRequestToGemini("gemini-2.5-pro", []byte(body), false))
	if got := out.Get("generationConfig.thinkingConfig.thinkingBudget").Int(); got != 2048 {
		t.Fatalf("thinkingBudget = %d", got)
	}
	if !out.Get("generationConfig.thinkingConfig.includeThoughts").Bool() {
		t.Fatal("includeThoughts should be true")
	}
}

func TestConvertClaudeRequestSanitizesThinking(t *testing.T) {
	// An unsigned thinking block in history must not reach the upstream as a
	// thought part; it is demoted to plain text by the sanitizer first.
	body := `{
		"messages": [
			{"role": "assistant", "content": [
				{"type": "thinking", "thinking": "demote me", "signature": "short"},
				{"type": "text", "text": "hi"}
			]},
			{"role": "user", "content": "next"}
		]
	}`
	out := gjson.ParseBytes(ConvertClaudeRequestToGemini("gemini-2.5-pro", []byte(body), false))

	parts := out.Get("contents.0.parts").Array()
	if len(parts) != 2 {
		t.Fatalf("parts length = %d, want 2", len(parts))
	}
	if parts[0].Get("thought").Bool() {
		t.Fatal("demoted block must not carry thought:true")
	}
	if parts[0].Get("text").String() != "demote me" {
		t.Fatalf("part 0 = %s", parts[0].Raw)
	}
}

func TestConvertClaudeRequestSignedThinkingForwarded(t *testing.T) {
	body := `{
		"messages": [
			{"role": "assistant", "content": [
				{"type": "thinking", "thinking": "keep me", "signature": "0123456789abcdef"},
				{"type": "text", "text": "hi"}
			]},
			{"role": "user", "content": "next"}
		]
	}`
	out := gjson.ParseBytes(ConvertClaudeRequestToGemini("gemini-2.5-pro", []byte(body), false))

	part := out.Get("contents.0.parts.0")
	if !part.Get("thought").Bool() {
		t.Fatalf("signed thinking should stay a thought part: %s", part.Raw)
	}
	if part.Get("thoughtSignature").String() != "0123456789abcdef" {
		t.Fatal("signature should be forwarded as thoughtSignature")
	}
}

func TestConvertClaudeRequestSystemBlocks(t *testing.T) {
	body := `{
		"system": [
			{"type": "text", "text": "first"},
			{"type": "text", "text": "second"}
		],
		"messages": [{"role": "user", "content": "q"}]
	}`
	out := gjson.ParseBytes(ConvertClaudeRequestToGemini("gemini-2.5-pro", []byte(body), false))
	parts := out.Get("system_instruction.parts").Array()
	if len(parts) != 2 || parts[0].Get("text").String() != "first" || parts[1].Get("text").String() != "second" {
		t.Fatalf("system parts = %s", out.Get("system_instruction").Raw)
	}
}
