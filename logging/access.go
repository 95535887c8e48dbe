package logging

import (
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

const dateFormat = "02/Jan/2006:15:04:05 -0700"

// AccessEntry represents one handled request in the access log.
type AccessEntry struct {

	// The client request.
	Request *http.Request

	// The status code of the response.
	StatusCode int

	// The size of the response in bytes.
	ResponseSize int64

	// The time spent processing the request.
	Duration time.Duration

	// The correlation id assigned to the request.
	CorrelationID string

	// The logical service the request was routed to, empty when the
	// request did not match a route.
	Service string
}

var accessLog *logrus.Logger

// strip port from addresses with hostname, ipv4 or ipv6
func stripPort(address string) string {
	if h, _, err := net.SplitHostPort(address); err == nil {
		return h
	}

	return address
}

// The remote address of the client. When the 'X-Forwarded-For' header
// is set, then it is used instead.
func remoteHost(r *http.Request) string {
	if ff := r.Header.Get("X-Forwarded-For"); ff != "" {
		return stripPort(ff)
	}

	if h := stripPort(r.RemoteAddr); h != "" {
		return h
	}

	return "-"
}

// LogAccess writes one access log entry, carrying the correlation id so
// that client reported issues can be found by that id alone.
func LogAccess(entry *AccessEntry) {
	if accessLog == nil || entry == nil || entry.Request == nil {
		return
	}

	accessLog.WithFields(logrus.Fields{
		"host":          remoteHost(entry.Request),
		"method":        entry.Request.Method,
		"uri":           entry.Request.RequestURI,
		"proto":         entry.Request.Proto,
		"status":        entry.StatusCode,
		"response-size": entry.ResponseSize,
		"duration":      int64(entry.Duration / time.Millisecond),
		"request-id":    entry.CorrelationID,
		"service":       entry.Service,
	}).Infoln()
}
