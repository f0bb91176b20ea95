package claude

import (
	"github.com/cloudcode-gateway/gateway/internal/cache"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// minValidThinkingSignatureLen is the shortest signature Gemini will accept
// when a client echoes a previously-issued thinking block back in history.
const minValidThinkingSignatureLen = 10

// isValidSignedThinking reports whether a thinking block carries a signature
// long enough to be trusted, or is an empty-text/signed placeholder the
// server itself issues as an opaque continuation marker.
func isValidSignedThinking(block gjson.Result) bool {
	sig := block.Get("signature").String()
	text := block.Get("thinking").String()
	if len(sig) >= minValidThinkingSignatureLen {
		return true
	}
	return text == "" && sig != ""
}

// SanitizeThinkingBlocks rewrites every assistant/model message's thinking
// blocks so the result is safe to forward upstream: Gemini rejects thoughts
// without a valid signature. A trailing run of invalid-signed thinking
// blocks (the tail of a turn whose signature never arrived) is dropped
// outright; any invalid-signed block earlier in the message is demoted to a
// plain text block instead so its content is not silently lost. modelName
// is used to consult the signature cache for blocks the client echoed back
// without the signature field populated.
func SanitizeThinkingBlocks(rawJSON []byte, modelName string) []byte {
	messages := gjson.GetBytes(rawJSON, "messages")
	if !messages.IsArray() {
		return rawJSON
	}

	out := rawJSON
	for i, message := range messages.Array() {
		role := message.Get("role").String()
		if role != "assistant" && role != "model" {
			continue
		}
		content := message.Get("content")
		if !content.IsArray() {
			continue
		}
		blocks := content.Array()

		sanitized := sanitizeMessageBlocks(blocks, modelName)

		arrPath := "messages." + itoaIdx(i) + ".content"
		if len(sanitized) == 0 {
			out, _ = sjson.SetRawBytes(out, arrPath, []byte(`[{"type":"text","text":""}]`))
			continue
		}
		newArr := "[]"
		for _, b := range sanitized {
			newArr, _ = sjson.SetRaw(newArr, "-1", b)
		}
		out, _ = sjson.SetRawBytes(out, arrPath, []byte(newArr))
	}
	return out
}

// sanitizeMessageBlocks applies the trailing-run drop and per-block
// rewrite/retain/drop rules to one message's content blocks, returning the
// surviving blocks as raw JSON strings in order.
func sanitizeMessageBlocks(blocks []gjson.Result, modelName string) []string {
	cut := len(blocks)
	for cut > 0 {
		b := blocks[cut-1]
		if b.Get("type").String() != "thinking" {
			break
		}
		if isValidSignedThinking(resolveSignature(b, modelName)) {
			break
		}
		cut--
	}

	result := make([]string, 0, cut)
	for _, b := range blocks[:cut] {
		if b.Get("type").String() != "thinking" {
			result = append(result, b.Raw)
			continue
		}
		resolved := resolveSignature(b, modelName)
		if isValidSignedThinking(resolved) {
			stripped, _ := sjson.Delete(resolved.Raw, "cache_control")
			result = append(result, stripped)
			continue
		}
		text := b.Get("thinking").String()
		if text == "" {
			continue
		}
		textBlock := `{"type":"text","text":""}`
		textBlock, _ = sjson.Set(textBlock, "text", text)
		result = append(result, textBlock)
	}
	return result
}

// resolveSignature fills in a missing signature from the cross-turn
// signature cache (keyed by model group + thinking text) before the block is
// classified, so a client that echoes thinking text verbatim but drops the
// signature field still round-trips as valid-signed.
func resolveSignature(block gjson.Result, modelName string) gjson.Result {
	if block.Get("signature").String() != "" {
		return block
	}
	text := block.Get("thinking").String()
	if text == "" {
		return block
	}
	cached := cache.GetCachedSignature(modelName, text)
	if cached == "" || cached == geminiClaudeThoughtSignature {
		// The gemini-group skip marker is a validator bypass, not a real
		// signature; treating it as one would keep every unsigned thought.
		return block
	}
	raw, err := sjson.Set(block.Raw, "signature", cached)
	if err != nil {
		return block
	}
	return gjson.Parse(raw)
}

// itoaIdx converts a small non-negative index to its decimal string form
// without pulling in strconv for a single call site.
func itoaIdx(i int) string {
	if i == 0 {
		return "0"
	}
	digits := [20]byte{}
	pos := len(digits)
	for i > 0 {
		pos--
		digits[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(digits[pos:])
}
