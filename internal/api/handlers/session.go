package handlers

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/tidwall/gjson"
)

// SessionFingerprint derives the sticky-session key for a chat request.
// metadata.user_id wins when the client supplies one; otherwise the model
// name and the first message's text content are hashed into a short stable
// fingerprint, so consecutive turns of the same conversation land on the
// same account.
func SessionFingerprint(rawJSON []byte) string {
	if userID := gjson.GetBytes(rawJSON, "metadata.user_id").String(); userID != "" {
		return userID
	}

	h := sha256.New()
	h.Write([]byte(gjson.GetBytes(rawJSON, "model").String()))

	first := gjson.GetBytes(rawJSON, "messages.0.content")
	switch {
	case first.Type == gjson.String:
		h.Write([]byte(first.String()))
	case first.IsArray():
		first.ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" {
				h.Write([]byte(block.Get("text").String()))
			}
			return true
		})
	}

	return hex.EncodeToString(h.Sum(nil))[:16]
}
