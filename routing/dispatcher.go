package routing

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/shoplane/gateway/auth"
	"github.com/shoplane/gateway/circuit"
	"github.com/shoplane/gateway/flowid"
	"github.com/shoplane/gateway/logging"
	"github.com/shoplane/gateway/metrics"
	"github.com/shoplane/gateway/proxy"
	"github.com/shoplane/gateway/ratelimit"
)

// Options to initialize a Dispatcher with. Breakers, Limits, Metrics
// and Verifier are injected so that tests can run isolated instances
// instead of sharing process-wide state.
type Options struct {
	Routes   []*ServiceRoute
	Verifier *auth.Verifier
	Limits   *ratelimit.Registry
	Breakers *circuit.Registry
	Proxy    *proxy.Proxy
	Metrics  *metrics.Metrics
	Log      logging.Logger

	// Lookuper selects the rate limit bucket of a request, defaults
	// to the client address.
	Lookuper ratelimit.Lookuper

	// DevMode includes panic stack traces in 500 response bodies.
	DevMode bool

	// AccessLogDisabled suppresses the per-request access log.
	AccessLogDisabled bool
}

// Dispatcher routes inbound requests to their service and runs the
// middleware chain. Every stage either calls the next one or
// short-circuits with a terminal response.
type Dispatcher struct {
	table             *routeTable
	verifier          *auth.Verifier
	limits            *ratelimit.Registry
	breakers          *circuit.Registry
	proxy             *proxy.Proxy
	metrics           *metrics.Metrics
	log               logging.Logger
	lookuper          ratelimit.Lookuper
	devMode           bool
	accessLogDisabled bool
}

// New validates the route table and returns an initialized Dispatcher.
func New(o Options) (*Dispatcher, error) {
	table, err := newRouteTable(o.Routes)
	if err != nil {
		return nil, err
	}

	if o.Log == nil {
		o.Log = &logging.DefaultLog{}
	}

	if o.Lookuper == nil {
		o.Lookuper = ratelimit.NewXForwardedForLookuper()
	}

	if o.Proxy == nil {
		o.Proxy = proxy.WithParams(proxy.Params{Breakers: o.Breakers, Metrics: o.Metrics, Log: o.Log})
	}

	return &Dispatcher{
		table:             table,
		verifier:          o.Verifier,
		limits:            o.Limits,
		breakers:          o.Breakers,
		proxy:             o.Proxy,
		metrics:           o.Metrics,
		log:               o.Log,
		lookuper:          o.Lookuper,
		devMode:           o.DevMode,
		accessLogDisabled: o.AccessLogDisabled,
	}, nil
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	lw := logging.NewLoggingWriter(w)
	start := time.Now()
	r, id := flowid.Ensure(lw, r)

	var service string

	defer func() {
		route := service
		if route == "" {
			route = "unknown"
		}

		d.metrics.MeasureServe(route, r.Method, lw.GetCode(), start)
	}()

	if !d.accessLogDisabled {
		defer func() {
			logging.LogAccess(&logging.AccessEntry{
				Request:       r,
				StatusCode:    lw.GetCode(),
				ResponseSize:  lw.GetBytes(),
				Duration:      time.Since(start),
				CorrelationID: id,
				Service:       service,
			})
		}()
	}

	defer func() {
		if p := recover(); p != nil {
			stack := string(debug.Stack())
			d.log.Errorf("unhandled panic serving %s %s, request %s: %v\n%s", r.Method, r.URL.Path, id, p, stack)

			body := proxy.ErrorBody{Error: "Internal server error", CorrelationID: id}
			if d.devMode {
				body.Detail = fmt.Sprintf("%v\n%s", p, stack)
			}

			proxy.WriteError(lw, http.StatusInternalServerError, body)
		}
	}()

	rt, rest := d.table.lookup(r.URL.Path)
	if rt == nil {
		proxy.WriteError(lw, http.StatusNotFound, proxy.ErrorBody{
			Error:         "Not found",
			CorrelationID: id,
		})
		return
	}

	service = rt.Name

	r, ok := d.checkAuth(lw, r, rt, id)
	if !ok {
		return
	}

	if !d.checkRatelimit(lw, r, rt, id) {
		return
	}

	if d.breakers != nil && !d.breakers.Allow(rt.Name) {
		// terminal: the upstream is not called at all on this path
		d.metrics.IncBreakerRejected(rt.Name)
		proxy.WriteError(lw, http.StatusServiceUnavailable, proxy.ErrorBody{
			Error:         "Service unavailable due to circuit breaker",
			CorrelationID: id,
			Service:       rt.Name,
		})
		return
	}

	d.proxy.Serve(lw, requestForUpstream(r, rest), proxy.Target{
		Name:     rt.Name,
		Upstream: rt.Upstream,
		Timeout:  rt.Timeout,
	})
}

// checkAuth establishes the caller identity and enforces the route's
// auth requirement. An invalid token is rejected on protected routes
// and treated as anonymous on public ones.
func (d *Dispatcher) checkAuth(w http.ResponseWriter, r *http.Request, rt *ServiceRoute, id string) (*http.Request, bool) {
	if d.verifier == nil {
		return r, true
	}

	identity, err := d.verifier.Extract(r)

	if rt.RequiresAuth {
		if err != nil {
			proxy.WriteError(w, http.StatusForbidden, proxy.ErrorBody{
				Error:         "Invalid or expired token",
				CorrelationID: id,
			})
			return r, false
		}

		if identity == nil {
			proxy.WriteError(w, http.StatusUnauthorized, proxy.ErrorBody{
				Error:         "Authentication required",
				CorrelationID: id,
			})
			return r, false
		}
	}

	if err == nil && identity != nil {
		r = r.WithContext(auth.WithIdentity(r.Context(), identity))
	}

	return r, true
}

func (d *Dispatcher) checkRatelimit(w http.ResponseWriter, r *http.Request, rt *ServiceRoute, id string) bool {
	if d.limits == nil {
		return true
	}

	lim := d.limits.Get(rt.RateLimit)
	if lim == nil {
		return true
	}

	bucket := d.lookuper.Lookup(r)
	if lim.Allow(bucket) {
		return true
	}

	d.metrics.IncRateLimited(rt.Name)
	w.Header().Set(ratelimit.RetryAfterHeader, strconv.Itoa(lim.RetryAfter(bucket)))
	proxy.WriteError(w, http.StatusTooManyRequests, proxy.ErrorBody{
		Error:         "Too many requests",
		CorrelationID: id,
		Service:       rt.Name,
	})

	return false
}

// requestForUpstream rewrites the request path to the route relative
// part, leaving the original request untouched.
func requestForUpstream(r *http.Request, rest string) *http.Request {
	rr := new(http.Request)
	*rr = *r

	u := *r.URL
	u.Path = rest
	rr.URL = &u

	return rr
}
