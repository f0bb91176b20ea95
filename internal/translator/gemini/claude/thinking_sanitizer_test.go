package claude

import (
	"bytes"
	"testing"

	"github.com/tidwall/gjson"
)

func sanitized(t *testing.T, body string) gjson.Result {
	t.Helper()
	out := SanitizeThinkingBlocks([]byte(body), "gemini-2.5-pro")
	if !gjson.ValidBytes(out) {
		t.Fatalf("sanitizer produced invalid JSON: %s", out)
	}
	return gjson.ParseBytes(out)
}

func TestShortSignatureDemotedToText(t *testing.T) {
	// An invalid-signed thinking block followed by text is demoted, not
	// dropped: the rewritten text precedes the original text block.
	body := `{"messages":[{"role":"assistant","content":[
		{"type":"thinking","thinking":"x","signature":"short"},
		{"type":"text","text":"hi"}
	]}]}`
	out := sanitized(t, body)
	blocks := out.Get("messages.0.content").Array()
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(blocks))
	}
	if blocks[0].Get("type").String() != "text" || blocks[0].Get("text").String() != "x" {
		t.Fatalf("block 0 = %s, want text %q", blocks[0].Raw, "x")
	}
	if blocks[1].Get("text").String() != "hi" {
		t.Fatalf("block 1 = %s, want text %q", blocks[1].Raw, "hi")
	}
}

func TestValidSignatureRetainedWithoutCacheControl(t *testing.T) {
	body := `{"messages":[{"role":"assistant","content":[
		{"type":"thinking","thinking":"reasoning","signature":"0123456789abcdef","cache_control":{"type":"ephemeral"}},
		{"type":"text","text":"answer"}
	]}]}`
	out := sanitized(t, body)
	block := out.Get("messages.0.content.0")
	if block.Get("type").String() != "thinking" {
		t.Fatalf("valid-signed thinking should survive, got %s", block.Raw)
	}
	if block.Get("signature").String() != "0123456789abcdef" {
		t.Fatal("signature lost")
	}
	if block.Get("cache_control").Exists() {
		t.Fatal("cache_control should be stripped from retained thinking blocks")
	}
}

func TestEmptyTextWithSignatureRetained(t *testing.T) {
	// Server-issued opaque continuation markers round-trip as-is.
	body := `{"messages":[{"role":"assistant","content":[
		{"type":"thinking","thinking":"","signature":"sig"},
		{"type":"text","text":"answer"}
	]}]}`
	out := sanitized(t, body)
	block := out.Get("messages.0.content.0")
	if block.Get("type").String() != "thinking" || block.Get("signature").String() != "sig" {
		t.Fatalf("placeholder thinking block should be retained, got %s", block.Raw)
	}
}

func TestTrailingInvalidRunDropped(t *testing.T) {
	body := `{"messages":[{"role":"assistant","content":[
		{"type":"text","text":"answer"},
		{"type":"thinking","thinking":"tail one","signature":"bad"},
		{"type":"thinking","thinking":"tail two"}
	]}]}`
	out := sanitized(t, body)
	blocks := out.Get("messages.0.content").Array()
	if len(blocks) != 1 {
		t.Fatalf("got %d blocks, want 1 (trailing run dropped)", len(blocks))
	}
	if blocks[0].Get("text").String() != "answer" {
		t.Fatalf("surviving block = %s", blocks[0].Raw)
	}
}

func TestAllBlocksDroppedLeavesEmptyTextBlock(t *testing.T) {
	body := `{"messages":[{"role":"assistant","content":[
		{"type":"thinking","thinking":"only"}
	]}]}`
	out := sanitized(t, body)
	blocks := out.Get("messages.0.content").Array()
	if len(blocks) != 1 {
		t.Fatalf("got %d blocks, want 1 placeholder", len(blocks))
	}
	if blocks[0].Get("type").String() != "text" || blocks[0].Get("text").String() != "" {
		t.Fatalf("placeholder = %s, want empty text block", blocks[0].Raw)
	}
}

func TestUserMessagesUntouched(t *testing.T) {
	body := `{"messages":[{"role":"user","content":[
		{"type":"thinking","thinking":"user pasted this","signature":"x"},
		{"type":"text","text":"question"}
	]}]}`
	in := []byte(body)
	out := SanitizeThinkingBlocks(in, "gemini-2.5-pro")
	if !bytes.Equal(in, out) {
		t.Fatal("user messages must pass through unchanged")
	}
}

func TestStringContentUntouched(t *testing.T) {
	body := `{"messages":[{"role":"assistant","content":"plain string"}]}`
	in := []byte(body)
	out := SanitizeThinkingBlocks(in, "gemini-2.5-pro")
	if !bytes.Equal(in, out) {
		t.Fatal("string content must pass through unchanged")
	}
}

func TestSanitizationFixedPoint(t *testing.T) {
	bodies := []string{
		`{"messages":[{"role":"assistant","content":[
			{"type":"thinking","thinking":"x","signature":"short"},
			{"type":"text","text":"hi"}
		]}]}`,
		`{"messages":[{"role":"assistant","content":[
			{"type":"thinking","thinking":"valid","signature":"0123456789"},
			{"type":"text","text":"t"},
			{"type":"thinking","thinking":"trailing junk"}
		]}]}`,
		`{"messages":[{"role":"assistant","content":[
			{"type":"thinking","thinking":"only invalid"}
		]}]}`,
		`{"messages":[{"role":"model","content":[
			{"type":"thinking","thinking":"","signature":"marker"}
		]}]}`,
	}
	for i, body := range bodies {
		once := SanitizeThinkingBlocks([]byte(body), "gemini-2.5-pro")
		twice := SanitizeThinkingBlocks(once, "gemini-2.5-pro")
		if !bytes.Equal(once, twice) {
			t.Errorf("case %d not a fixed point:\nonce:  %s\ntwice: %s", i, once, twice)
		}
	}
}

func TestIsValidSignedThinking(t *testing.T) {
	tests := []struct {
		name  string
		block string
		want  bool
	}{
		{"long signature", `{"type":"thinking","thinking":"t","signature":"0123456789"}`, true},
		{"short signature with text", `{"type":"thinking","thinking":"t","signature":"short"}`, false},
		{"short signature empty text", `{"type":"thinking","thinking":"","signature":"s"}`, true},
		{"no signature", `{"type":"thinking","thinking":"t"}`, false},
		{"no signature empty text", `{"type":"thinking","thinking":""}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isValidSignedThinking(gjson.Parse(tt.block)); got != tt.want {
				t.Fatalf("isValidSignedThinking = %v, want %v", got, tt.want)
			}
		})
	}
}
