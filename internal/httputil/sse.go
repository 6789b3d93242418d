package httputil

import (
	"context"
	"net/http"
	"strings"
)

// SetStreamHeaders sets the headers for a plain-text fragment stream.
func SetStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
}

// Credentials holds the relay inputs read from request headers.
type Credentials struct {
	Token string
	// Path is the upstream path the client believes it is calling. It is only logged.
	Path string
}

// ExtractCredentials reads the relay headers using the following priority:
//
//  1. token header           → Token
//  2. Authorization: Bearer  → Token (fallback)
//  3. path header            → Path
//
// The token is returned verbatim and forwarded as the bearer credential.
// Returns an empty Token when none is found; callers must validate.
func ExtractCredentials(r *http.Request) Credentials {
	token := r.Header.Get("token")
	if token == "" {
		if rest, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			token = rest
		}
	}
	return Credentials{Token: token, Path: r.Header.Get("path")}
}

type requestIDKey struct{}

// ContextWithRequestID returns a context carrying id.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id stored by ContextWithRequestID, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
