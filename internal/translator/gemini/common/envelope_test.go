package common

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func TestWrapV1Internal(t *testing.T) {
	inner := []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`)
	out := gjson.ParseBytes(WrapV1Internal("proj-1", "gemini-2.5-pro", "text", inner))

	if out.Get("project").String() != "proj-1" {
		t.Fatalf("project = %q", out.Get("project").String())
	}
	if out.Get("model").String() != "gemini-2.5-pro" {
		t.Fatalf("model = %q", out.Get("model").String())
	}
	if out.Get("userAgent").String() != "antigravity-cli" {
		t.Fatalf("userAgent = %q", out.Get("userAgent").String())
	}
	if out.Get("requestType").String() != "text" {
		t.Fatalf("requestType = %q", out.Get("requestType").String())
	}
	if out.Get("request.contents.0.parts.0.text").String() != "hi" {
		t.Fatalf("inner request mangled: %s", out.Get("request").Raw)
	}

	requestID := out.Get("requestId").String()
	if !strings.HasPrefix(requestID, "cli-") || strings.HasPrefix(requestID, "cli-img-") {
		t.Fatalf("requestId = %q, want cli- prefix", requestID)
	}
	if strings.Contains(strings.TrimPrefix(requestID, "cli-"), "-") {
		t.Fatalf("requestId should use the compact UUID form: %q", requestID)
	}
}

func TestWrapV1InternalImageGen(t *testing.T) {
	out := gjson.ParseBytes(WrapV1Internal("p", "gemini-2.5-flash-image", "image_gen", []byte(`{}`)))
	if !strings.HasPrefix(out.Get("requestId").String(), "cli-img-") {
		t.Fatalf("requestId = %q, want cli-img- prefix", out.Get("requestId").String())
	}
	if out.Get("requestType").String() != "image_gen" {
		t.Fatalf("requestType = %q", out.Get("requestType").String())
	}
}

func TestWrapV1InternalUniqueIDs(t *testing.T) {
	a := gjson.ParseBytes(WrapV1Internal("p", "m", "text", []byte(`{}`))).Get("requestId").String()
	b := gjson.ParseBytes(WrapV1Internal("p", "m", "text", []byte(`{}`))).Get("requestId").String()
	if a == b {
		t.Fatal("request ids must be fresh per call")
	}
}

func TestUnwrapV1Internal(t *testing.T) {
	wrapped := []byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"x"}]}}]},"traceId":"t"}`)
	out := UnwrapV1Internal(wrapped)
	if gjson.GetBytes(out, "candidates.0.content.parts.0.text").String() != "x" {
		t.Fatalf("unwrap failed: %s", out)
	}

	bare := []byte(`{"candidates":[{"content":{"parts":[{"text":"y"}]}}]}`)
	if got := UnwrapV1Internal(bare); string(got) != string(bare) {
		t.Fatalf("bare response should pass through, got %s", got)
	}
}
