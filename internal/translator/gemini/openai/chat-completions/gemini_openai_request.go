// Package chat_completions translates between the OpenAI chat-completions
// dialect and the Gemini request/response shapes used by the upstream. It is
// deliberately the minimal, structurally-symmetric sibling of the Anthropic
// translator: the same gjson/sjson boundary surgery, covering the message
// roles, tool plumbing, and generation knobs the chat and legacy-completions
// surfaces need.
package chat_completions

import (
	"strings"

	"github.com/cloudcode-gateway/gateway/internal/translator/gemini/common"
	"github.com/cloudcode-gateway/gateway/internal/util"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// geminiFunctionThoughtSignature marks replayed history parts so the
// upstream's thought-signature validator skips them.
const geminiFunctionThoughtSignature = "skip_thought_signature_validator"

// ConvertOpenAIRequestToGemini converts an OpenAI chat-completions request
// into the Gemini inner request the upstream envelope wraps.
func ConvertOpenAIRequestToGemini(modelName string, inputRawJSON []byte, _ bool) []byte {
	rawJSON := inputRawJSON
	out := `{"contents":[]}`
	out, _ = sjson.Set(out, "model", modelName)

	out = applyGenerationConfig(out, rawJSON)

	// First pass over the history: assistant tool_calls ids resolve the
	// function names that later tool-role messages answer.
	callNames := map[string]string{}
	messages := gjson.GetBytes(rawJSON, "messages")
	if messages.IsArray() {
		messages.ForEach(func(_, m gjson.Result) bool {
			if m.Get("role").String() != "assistant" {
				return true
			}
			m.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
				if id := tc.Get("id").String(); id != "" {
					callNames[id] = tc.Get("function.name").String()
				}
				return true
			})
			return true
		})

		messages.ForEach(func(_, m gjson.Result) bool {
			switch m.Get("role").String() {
			case "system", "developer":
				out = appendSystemText(out, m.Get("content"))
			case "user":
				out = appendUserContent(out, m.Get("content"))
			case "assistant":
				out = appendAssistantContent(out, m)
			case "tool":
				out = appendToolResponse(out, m, callNames)
			}
			return true
		})
	}

	out = appendFunctionDeclarations(out, gjson.GetBytes(rawJSON, "tools"))

	return common.AttachDefaultSafetySettings([]byte(out), "safetySettings")
}

func applyGenerationConfig(out string, rawJSON []byte) string {
	if v := gjson.GetBytes(rawJSON, "temperature"); v.Exists() && v.Type == gjson.Number {
		out, _ = sjson.Set(out, "generationConfig.temperature", v.Num)
	}
	if v := gjson.GetBytes(rawJSON, "top_p"); v.Exists() && v.Type == gjson.Number {
		out, _ = sjson.Set(out, "generationConfig.topP", v.Num)
	}
	if v := gjson.GetBytes(rawJSON, "top_k"); v.Exists() && v.Type == gjson.Number {
		out, _ = sjson.Set(out, "generationConfig.topK", v.Num)
	}
	maxTokens := gjson.GetBytes(rawJSON, "max_completion_tokens")
	if !maxTokens.Exists() {
		maxTokens = gjson.GetBytes(rawJSON, "max_tokens")
	}
	if maxTokens.Exists() && maxTokens.Type == gjson.Number {
		out, _ = sjson.Set(out, "generationConfig.maxOutputTokens", maxTokens.Int())
	}
	if stop := gjson.GetBytes(rawJSON, "stop"); stop.Exists() {
		if stop.Type == gjson.String {
			out, _ = sjson.Set(out, "generationConfig.stopSequences.0", stop.String())
		} else if stop.IsArray() {
			for _, s := range stop.Array() {
				out, _ = sjson.Set(out, "generationConfig.stopSequences.-1", s.String())
			}
		}
	}

	// reasoning_effort maps onto the thinking config; "auto" delegates the
	// budget to the model.
	if re := gjson.GetBytes(rawJSON, "reasoning_effort"); re.Exists() {
		effort := strings.ToLower(strings.TrimSpace(re.String()))
		switch effort {
		case "":
		case "auto":
			out, _ = sjson.Set(out, "generationConfig.thinkingConfig.thinkingBudget", -1)
			out, _ = sjson.Set(out, "generationConfig.thinkingConfig.includeThoughts", true)
		default:
			out, _ = sjson.Set(out, "generationConfig.thinkingConfig.thinkingLevel", effort)
			out, _ = sjson.Set(out, "generationConfig.thinkingConfig.includeThoughts", effort != "none")
		}
	}
	return out
}

func appendSystemText(out string, content gjson.Result) string {
	appendOne := func(text string) {
		if text == "" {
			return
		}
		out, _ = sjson.Set(out, "system_instruction.role", "user")
		out, _ = sjson.Set(out, "system_instruction.parts.-1.text", text)
	}
	switch {
	case content.Type == gjson.String:
		appendOne(content.String())
	case content.IsArray():
		content.ForEach(func(_, block gjson.Result) bool {
			appendOne(block.Get("text").String())
			return true
		})
	}
	return out
}

func appendUserContent(out string, content gjson.Result) string {
	node := `{"role":"user","parts":[]}`
	switch {
	case content.Type == gjson.String:
		node, _ = sjson.Set(node, "parts.-1.text", content.String())
	case content.IsArray():
		content.ForEach(func(_, item gjson.Result) bool {
			switch item.Get("type").String() {
			case "text":
				node, _ = sjson.Set(node, "parts.-1.text", item.Get("text").String())
			case "image_url":
				if mime, data, ok := splitDataURL(item.Get("image_url.url").String()); ok {
					part := `{"inlineData":{"mime_type":"","data":""}}`
					part, _ = sjson.Set(part, "inlineData.mime_type", mime)
					part, _ = sjson.Set(part, "inlineData.data", data)
					node, _ = sjson.SetRaw(node, "parts.-1", part)
				} else {
					log.Debug("openai request: skipping non-data image_url part")
				}
			}
			return true
		})
	}
	if len(gjson.Get(node, "parts").Array()) == 0 {
		return out
	}
	out, _ = sjson.SetRaw(out, "contents.-1", node)
	return out
}

// splitDataURL breaks a data:<mime>;base64,<data> URL into its pieces.
func splitDataURL(url string) (mime, data string, ok bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", false
	}
	meta, payload, found := strings.Cut(url[len("data:"):], ",")
	if !found {
		return "", "", false
	}
	mime, _, _ = strings.Cut(meta, ";")
	if mime == "" || payload == "" {
		return "", "", false
	}
	return mime, payload, true
}

func appendAssistantContent(out string, m gjson.Result) string {
	node := `{"role":"model","parts":[]}`
	hasParts := false

	content := m.Get("content")
	if content.Type == gjson.String && content.String() != "" {
		node, _ = sjson.Set(node, "parts.-1.text", content.String())
		hasParts = true
	} else if content.IsArray() {
		content.ForEach(func(_, item gjson.Result) bool {
			if item.Get("type").String() == "text" {
				node, _ = sjson.Set(node, "parts.-1.text", item.Get("text").String())
				hasParts = true
			}
			return true
		})
	}

	m.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		if tc.Get("type").String() != "function" {
			return true
		}
		name := util.SanitizeFunctionName(tc.Get("function.name").String())
		args := tc.Get("function.arguments").String()
		if !gjson.Valid(args) || !gjson.Parse(args).IsObject() {
			args = "{}"
		}
		part := `{"thoughtSignature":"","functionCall":{"name":"","args":{}}}`
		part, _ = sjson.Set(part, "thoughtSignature", geminiFunctionThoughtSignature)
		part, _ = sjson.Set(part, "functionCall.name", name)
		part, _ = sjson.SetRaw(part, "functionCall.args", args)
		node, _ = sjson.SetRaw(node, "parts.-1", part)
		hasParts = true
		return true
	})

	if !hasParts {
		return out
	}
	out, _ = sjson.SetRaw(out, "contents.-1", node)
	return out
}

func appendToolResponse(out string, m gjson.Result, callNames map[string]string) string {
	callID := m.Get("tool_call_id").String()
	name, ok := callNames[callID]
	if !ok || name == "" {
		log.Debugf("openai request: tool message with unknown tool_call_id %q dropped", callID)
		return out
	}
	node := `{"role":"user","parts":[{"functionResponse":{"name":"","response":{"result":""}}}]}`
	node, _ = sjson.Set(node, "parts.0.functionResponse.name", util.SanitizeFunctionName(name))
	node, _ = sjson.Set(node, "parts.0.functionResponse.response.result", m.Get("content").Raw)
	out, _ = sjson.SetRaw(out, "contents.-1", node)
	return out
}

func appendFunctionDeclarations(out string, tools gjson.Result) string {
	if !tools.IsArray() {
		return out
	}
	hasDeclarations := false
	tools.ForEach(func(_, tool gjson.Result) bool {
		if tool.Get("type").String() != "function" {
			return true
		}
		fn := tool.Get("function")
		if !fn.Exists() || !fn.IsObject() {
			return true
		}
		decl := fn.Raw
		if fn.Get("parameters").Exists() {
			renamed, err := util.RenameKey(decl, "parameters", "parametersJsonSchema")
			if err != nil {
				log.Warnf("openai request: rename parameters for tool %q: %v", fn.Get("name").String(), err)
				return true
			}
			decl = renamed
		} else {
			decl, _ = sjson.Set(decl, "parametersJsonSchema.type", "object")
			decl, _ = sjson.SetRaw(decl, "parametersJsonSchema.properties", "{}")
		}
		decl, _ = sjson.Set(decl, "name", util.SanitizeFunctionName(fn.Get("name").String()))
		decl, _ = sjson.Delete(decl, "strict")
		if !hasDeclarations {
			out, _ = sjson.SetRaw(out, "tools", `[{"functionDeclarations":[]}]`)
			hasDeclarations = true
		}
		out, _ = sjson.SetRaw(out, "tools.0.functionDeclarations.-1", decl)
		return true
	})
	return out
}
