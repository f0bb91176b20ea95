package handlers

import (
	"io"
	"net/http"
)

// maxErrorBodyBytes bounds how much of a failed upstream response is read for
// rate-limit parsing and error reporting.
const maxErrorBodyBytes = 64 * 1024

// readBodyForError drains up to maxErrorBodyBytes of a failed streaming
// response's body and closes it.
func readBodyForError(resp *http.Response) []byte {
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return nil
	}
	return body
}
