// Package proxy implements the forwarding of gateway requests to the
// upstream services. It builds the upstream request from the inbound
// one, propagates identity and tracing headers, relays the response
// back to the client, and reports call outcomes to the circuit breaker
// registry.
package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shoplane/gateway/auth"
	"github.com/shoplane/gateway/circuit"
	"github.com/shoplane/gateway/flowid"
	"github.com/shoplane/gateway/logging"
	"github.com/shoplane/gateway/metrics"
)

const (
	proxyBufferSize = 8192

	// DefaultTimeout bounds an upstream call when the route does not
	// configure its own timeout.
	DefaultTimeout = 30 * time.Second

	// upstreamPathPrefix is the base path every backend service mounts
	// its API under.
	upstreamPathPrefix = "/api/v1/"

	// statusClientClosedRequest reports that the client went away
	// before the upstream responded, in the convention popularized by
	// nginx.
	statusClientClosedRequest = 499
)

// Target describes the upstream of one routed call.
type Target struct {

	// Name is the logical service name, e.g. "cart". It selects the
	// circuit breaker and appears in error bodies and metrics.
	Name string

	// Upstream is the base URL of the backend service.
	Upstream *url.URL

	// Timeout bounds the connection and response wait phases of the
	// call. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Params to initialize a Proxy with.
type Params struct {

	// Breakers is the circuit breaker registry outcomes are reported
	// to. When nil, no outcomes are recorded.
	Breakers *circuit.Registry

	// Metrics backend, optional.
	Metrics *metrics.Metrics

	// Log defaults to the logrus backed logger.
	Log logging.Logger

	// Transport performs the upstream round trips. Tests inject spies
	// here; when nil, a transport with sane connection pooling is
	// used.
	Transport http.RoundTripper

	// IdleConnectionsPerHost limits the pooled idle connections per
	// upstream host of the default transport.
	IdleConnectionsPerHost int
}

// Proxy forwards requests to upstream services, treating each upstream
// as an untrusted, possibly slow or down network peer.
type Proxy struct {
	breakers     *circuit.Registry
	metrics      *metrics.Metrics
	log          logging.Logger
	roundTripper http.RoundTripper
}

// WithParams returns an initialized Proxy.
func WithParams(p Params) *Proxy {
	if p.Log == nil {
		p.Log = &logging.DefaultLog{}
	}

	if p.Transport == nil {
		idle := p.IdleConnectionsPerHost
		if idle <= 0 {
			idle = 64
		}

		p.Transport = &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConnsPerHost:   idle,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		}
	}

	return &Proxy{
		breakers:     p.Breakers,
		metrics:      p.Metrics,
		log:          p.Log,
		roundTripper: p.Transport,
	}
}

func copyHeader(to, from http.Header) {
	for k, v := range from {
		to[http.CanonicalHeaderKey(k)] = v
	}
}

// copies a stream with flushing on every successful read operation
// (similar to io.Copy but with flushing)
func copyStream(to http.ResponseWriter, from io.Reader) error {
	flusher, _ := to.(http.Flusher)
	b := make([]byte, proxyBufferSize)

	for {
		l, rerr := from.Read(b)
		if rerr != nil && rerr != io.EOF {
			return rerr
		}

		if l > 0 {
			if _, werr := to.Write(b[:l]); werr != nil {
				return werr
			}

			if flusher != nil {
				flusher.Flush()
			}
		}

		if rerr == io.EOF {
			return nil
		}
	}
}

func backendURL(t Target, inbound *url.URL) *url.URL {
	u := *t.Upstream

	p := strings.TrimSuffix(t.Upstream.Path, "/") + upstreamPathPrefix + t.Name
	if inbound.Path != "" && inbound.Path != "/" {
		p += inbound.Path
	}

	u.Path = p
	u.RawQuery = inbound.RawQuery

	return &u
}

func forwardedBody(r *http.Request) io.Reader {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return r.Body
	default:
		return nil
	}
}

// mapRequest creates the upstream request. The propagated headers form
// a stable contract with the backend services: the X-User-* headers are
// always present, as empty strings for anonymous requests, so that
// downstream code never needs to distinguish a missing header from an
// empty one.
func mapRequest(ctx context.Context, r *http.Request, t Target, id string, identity *auth.Identity) (*http.Request, error) {
	u := backendURL(t, r.URL)

	rr, err := http.NewRequestWithContext(ctx, r.Method, u.String(), forwardedBody(r))
	if err != nil {
		return nil, err
	}

	if rr.Body != nil {
		rr.ContentLength = r.ContentLength
	}

	if ct := r.Header.Get("Content-Type"); ct != "" {
		rr.Header.Set("Content-Type", ct)
	}

	rr.Header.Set(flowid.HeaderName, id)

	var userID, email, role string
	if identity != nil {
		userID = identity.UserID
		email = identity.Email
		role = identity.Role
	}

	rr.Header.Set("X-User-Id", userID)
	rr.Header.Set("X-User-Email", email)
	rr.Header.Set("X-User-Role", role)

	if a := r.Header.Get("Authorization"); a != "" {
		rr.Header.Set("Authorization", a)
	}

	if c, ok := r.Header["Cookie"]; ok {
		rr.Header["Cookie"] = c
	}

	return rr, nil
}

// Serve forwards the request to the target upstream and relays the
// response. Transport level errors are recorded as circuit breaker
// failures and answered with 503. Responses below 500 are recorded as
// successes; 5xx responses are relayed but recorded as neither, so that
// application level errors do not trip the breaker.
func (p *Proxy) Serve(w http.ResponseWriter, r *http.Request, t Target) {
	id := flowid.FromContext(r.Context())
	identity := auth.FromContext(r.Context())

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	req, err := mapRequest(ctx, r, t, id, identity)
	if err != nil {
		p.log.Errorf("could not map backend request for %s: %v", t.Name, err)
		WriteError(w, http.StatusInternalServerError, ErrorBody{
			Error:         "Internal server error",
			CorrelationID: id,
			Service:       t.Name,
		})
		return
	}

	start := time.Now()
	rsp, err := p.roundTripper.RoundTrip(req)
	p.metrics.MeasureBackend(t.Name, start)

	if err != nil {
		if cerr := r.Context().Err(); cerr != nil {
			// the client went away, nothing to report to the breaker
			p.log.Infof("client canceled request %s to %s: %v", id, t.Name, cerr)
			w.WriteHeader(statusClientClosedRequest)
			return
		}

		p.log.Errorf("backend roundtrip to %s failed, request %s: %v", t.Name, id, err)
		p.metrics.IncBackendError(t.Name)
		if p.breakers != nil {
			p.breakers.RecordFailure(t.Name)
		}

		WriteError(w, http.StatusServiceUnavailable, ErrorBody{
			Error:         "Service temporarily unavailable",
			CorrelationID: id,
			Service:       t.Name,
		})
		return
	}

	defer rsp.Body.Close()

	if rsp.StatusCode < http.StatusInternalServerError {
		// 4xx still proves the service is reachable
		if p.breakers != nil {
			p.breakers.RecordSuccess(t.Name)
		}
	} else {
		p.metrics.IncBackend5xx(t.Name)
	}

	copyHeader(w.Header(), rsp.Header)

	// the correlation id of this request wins over whatever the
	// upstream put in the header
	if id != "" {
		w.Header().Set(flowid.HeaderName, id)
	}

	w.WriteHeader(rsp.StatusCode)

	if err := copyStream(w, rsp.Body); err != nil {
		p.log.Errorf("error while copying the response stream of request %s: %v", id, err)
	}
}
