// Package identity resolves the tutoring session a request belongs to.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// SessionHeaderName carries the session id when the body does not.
	SessionHeaderName = "X-Session-ID"
	// GeneratedPrefix marks ids minted by the server.
	GeneratedPrefix = "sess_"
)

type contextKey int

const sessionIDKey contextKey = iota

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// SessionIDFromContext returns the session id found on the request by
// Middleware, or "" when the request carried none.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// WithSessionID stores id on ctx.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// Sanitize trims id and returns "" when it is not a usable session id.
func Sanitize(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !sessionIDPattern.MatchString(id) {
		return ""
	}
	return id
}

// NewSessionID mints a fresh session id.
func NewSessionID() string {
	return GeneratedPrefix + uuid.NewString()
}

// Resolve picks the session id for a request: the body field first, then the
// id found by Middleware, otherwise a new one.
func Resolve(ctx context.Context, bodyID string) string {
	if id := Sanitize(bodyID); id != "" {
		return id
	}
	if id := SessionIDFromContext(ctx); id != "" {
		return id
	}
	return NewSessionID()
}

func sessionIDFromRequest(r *http.Request) string {
	if sid := Sanitize(r.Header.Get(SessionHeaderName)); sid != "" {
		return sid
	}
	q := r.URL.Query()
	if sid := Sanitize(q.Get("sessionId")); sid != "" {
		return sid
	}
	return Sanitize(q.Get("session_id"))
}

// Middleware injects the header or query session id into the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithSessionID(r.Context(), sessionIDFromRequest(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
