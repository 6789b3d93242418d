package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrMissingToken    = errors.New("missing token")
	ErrBodyTooLarge    = errors.New("request body too large")
	ErrUpstreamStatus  = errors.New("upstream returned non-2xx response")
	ErrUpstreamTimeout = errors.New("upstream request timed out")
	ErrRateLimited     = errors.New("rate limit exceeded")
)

type jsonError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	// Upstream echoes the upstream error body, verbatim when it is JSON.
	Upstream json.RawMessage `json:"upstream,omitempty"`
}

func WriteJSONError(w http.ResponseWriter, statusCode int, message string) {
	WriteUpstreamError(w, statusCode, message, nil)
}

// WriteUpstreamError is WriteJSONError with the upstream body attached.
func WriteUpstreamError(w http.ResponseWriter, statusCode int, message string, upstream []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(newJSONError(statusCode, message, upstream))
}

// WriteLegacyError reports the error the way early chat clients expect it:
// status 200 and an indented JSON object inside a markdown json fence, so
// the text renders as a code block in the conversation.
func WriteLegacyError(w http.ResponseWriter, statusCode int, message string, upstream []byte) {
	body, err := json.MarshalIndent(newJSONError(statusCode, message, upstream), "", "  ")
	if err != nil {
		body = []byte(fmt.Sprintf("%q", message))
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, strings.Join([]string{"```json\n", string(body), "\n```"}, ""))
}

func newJSONError(statusCode int, message string, upstream []byte) jsonError {
	body := jsonError{
		Error:   http.StatusText(statusCode),
		Message: message,
	}
	if len(upstream) > 0 {
		if json.Valid(upstream) {
			body.Upstream = upstream
		} else {
			quoted, _ := json.Marshal(string(upstream))
			body.Upstream = quoted
		}
	}
	return body
}
