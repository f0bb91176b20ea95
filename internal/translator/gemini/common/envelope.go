package common

import (
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// envelopeUserAgent identifies the CLI distribution this gateway speaks for.
const envelopeUserAgent = "antigravity-cli"

// WrapV1Internal wraps a translated Gemini-style inner request in the
// v1internal envelope: {project, requestId, request, model, userAgent,
// requestType}. requestType is "text" or "image_gen"; image requests get the
// "cli-img-" request id prefix, everything else "cli-".
func WrapV1Internal(projectID, model, requestType string, innerRequest []byte) []byte {
	prefix := "cli-"
	if requestType == "image_gen" {
		prefix = "cli-img-"
	}
	requestID := prefix + strings.ReplaceAll(uuid.NewString(), "-", "")

	out := `{"project":"","requestId":"","request":{},"model":"","userAgent":"","requestType":""}`
	out, _ = sjson.Set(out, "project", projectID)
	out, _ = sjson.Set(out, "requestId", requestID)
	out, _ = sjson.SetRaw(out, "request", string(innerRequest))
	out, _ = sjson.Set(out, "model", model)
	out, _ = sjson.Set(out, "userAgent", envelopeUserAgent)
	out, _ = sjson.Set(out, "requestType", requestType)
	return []byte(out)
}

// UnwrapV1Internal extracts the Gemini response payload from a v1internal
// reply, which nests it under a top-level "response" key. Frames that already
// look like a bare Gemini response (or anything unrecognizable) pass through.
func UnwrapV1Internal(raw []byte) []byte {
	if resp := gjson.GetBytes(raw, "response"); resp.Exists() && resp.IsObject() {
		return []byte(resp.Raw)
	}
	return raw
}
