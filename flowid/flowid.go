// Package flowid assigns a correlation id to every inbound request.
//
// When the client already sent a valid X-Request-Id header, the id is
// reused so that traces started upstream stay connected. Otherwise a
// new UUID is generated. The id is written to the response header
// exactly once, before any other handler writes, and the same value is
// propagated to the proxied backend request.
package flowid

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"
)

const (
	// HeaderName is the header carrying the correlation id on both the
	// inbound request and the response.
	HeaderName = "X-Request-Id"

	maxLength = 254
)

var flowIDRegex = regexp.MustCompile(`^[\w+/=\-]+$`)

type contextKey struct{}

// New returns a fresh random correlation id.
func New() string {
	return uuid.NewString()
}

// IsValid reports whether an inbound id is safe to reuse.
func IsValid(id string) bool {
	return id != "" && len(id) <= maxLength && flowIDRegex.MatchString(id)
}

// FromContext returns the correlation id assigned to the request, or
// the empty string when Ensure did not run.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Ensure establishes the correlation id for the request: it reuses a
// valid inbound X-Request-Id or generates a new one, sets the response
// header and returns the request with the id attached to its context.
func Ensure(w http.ResponseWriter, r *http.Request) (*http.Request, string) {
	id := r.Header.Get(HeaderName)
	if !IsValid(id) {
		id = New()
	}

	w.Header().Set(HeaderName, id)

	return r.WithContext(context.WithValue(r.Context(), contextKey{}, id)), id
}
