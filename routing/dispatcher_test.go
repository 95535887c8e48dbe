package routing

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoplane/gateway/auth"
	"github.com/shoplane/gateway/circuit"
	"github.com/shoplane/gateway/flowid"
	"github.com/shoplane/gateway/metrics"
	"github.com/shoplane/gateway/proxy"
	"github.com/shoplane/gateway/ratelimit"
)

const testSecret = "dispatch-test-secret"

// spyTransport counts round trips and either fails them or answers
// with a canned response, so tests can assert whether the upstream was
// actually invoked.
type spyTransport struct {
	mu       sync.Mutex
	calls    int
	fail     bool
	status   int
	respBody string
	lastReq  *http.Request
}

func (s *spyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	s.lastReq = r

	if s.fail {
		return nil, errors.New("connection refused")
	}

	status := s.status
	if status == 0 {
		status = http.StatusOK
	}

	return &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(s.respBody)),
	}, nil
}

func (s *spyTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func mustRoute(t *testing.T, name, upstream string, mod ...func(*ServiceRoute)) *ServiceRoute {
	t.Helper()

	u, err := url.Parse(upstream)
	require.NoError(t, err)

	rt := &ServiceRoute{Name: name, Upstream: u, Timeout: time.Second}
	for _, m := range mod {
		m(rt)
	}

	return rt
}

type testGateway struct {
	dispatcher *Dispatcher
	transport  *spyTransport
	breakers   *circuit.Registry
	clock      *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestGateway(t *testing.T, routes []*ServiceRoute, mod ...func(*Options)) *testGateway {
	t.Helper()

	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	transport := &spyTransport{}
	breakers := circuit.NewRegistry(circuit.Options{Clock: clock.Now})

	o := Options{
		Routes:            routes,
		Verifier:          auth.NewVerifier(testSecret),
		Limits:            ratelimit.NewRegistry(),
		Breakers:          breakers,
		Proxy:             proxy.WithParams(proxy.Params{Breakers: breakers, Transport: transport}),
		AccessLogDisabled: true,
	}

	for _, m := range mod {
		m(&o)
	}

	d, err := New(o)
	require.NoError(t, err)

	return &testGateway{dispatcher: d, transport: transport, breakers: breakers, clock: clock}
}

func (g *testGateway) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	g.dispatcher.ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) proxy.ErrorBody {
	t.Helper()

	var body proxy.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()

	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestUnmatchedPathIs404WithCorrelationID(t *testing.T) {
	g := newTestGateway(t, []*ServiceRoute{mustRoute(t, "cart", "http://cart.local")})

	rec := g.serve(httptest.NewRequest("GET", "/nonexistent", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := errorBody(t, rec)
	assert.Equal(t, "Not found", body.Error)
	assert.NotEmpty(t, body.CorrelationID)
	assert.Equal(t, body.CorrelationID, rec.Header().Get(flowid.HeaderName))
	assert.Zero(t, g.transport.callCount())
}

func TestLongestPrefixWins(t *testing.T) {
	g := newTestGateway(t, []*ServiceRoute{
		mustRoute(t, "user", "http://user.local"),
		mustRoute(t, "user-prefs", "http://prefs.local", func(rt *ServiceRoute) {
			rt.PathPrefix = "/user/preferences"
		}),
	})

	g.serve(httptest.NewRequest("GET", "/user/preferences/theme", nil))

	require.Equal(t, 1, g.transport.callCount())
	assert.Equal(t, "/api/v1/user-prefs/theme", g.transport.lastReq.URL.Path)
}

func TestPathRewriteThroughDispatch(t *testing.T) {
	g := newTestGateway(t, []*ServiceRoute{mustRoute(t, "auth", "http://auth.local")})

	g.serve(httptest.NewRequest("GET", "/auth/health", nil))
	require.Equal(t, 1, g.transport.callCount())
	assert.Equal(t, "/api/v1/auth/health", g.transport.lastReq.URL.Path)

	g.serve(httptest.NewRequest("GET", "/auth", nil))
	require.Equal(t, 2, g.transport.callCount())
	assert.Equal(t, "/api/v1/auth", g.transport.lastReq.URL.Path)
}

func TestCorrelationIDPassthrough(t *testing.T) {
	g := newTestGateway(t, []*ServiceRoute{mustRoute(t, "cart", "http://cart.local")})

	req := httptest.NewRequest("GET", "/cart/items", nil)
	req.Header.Set(flowid.HeaderName, "abc-123")
	rec := g.serve(req)

	assert.Equal(t, "abc-123", rec.Header().Get(flowid.HeaderName))
	assert.Equal(t, "abc-123", g.transport.lastReq.Header.Get(flowid.HeaderName))
}

func TestMissingTokenOnProtectedRoute(t *testing.T) {
	g := newTestGateway(t, []*ServiceRoute{
		mustRoute(t, "payment", "http://payment.local", func(rt *ServiceRoute) {
			rt.RequiresAuth = true
		}),
	})

	rec := g.serve(httptest.NewRequest("POST", "/payment/charges", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Authentication required", errorBody(t, rec).Error)
	assert.Zero(t, g.transport.callCount(), "auth failures must not reach the proxy")
}

func TestInvalidTokenOnProtectedRoute(t *testing.T) {
	g := newTestGateway(t, []*ServiceRoute{
		mustRoute(t, "payment", "http://payment.local", func(rt *ServiceRoute) {
			rt.RequiresAuth = true
		}),
	})

	req := httptest.NewRequest("POST", "/payment/charges", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "wrong-secret", jwt.MapClaims{"sub": "x"}))
	rec := g.serve(req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, g.transport.callCount())
}

func TestValidTokenPropagatesIdentity(t *testing.T) {
	g := newTestGateway(t, []*ServiceRoute{
		mustRoute(t, "user", "http://user.local", func(rt *ServiceRoute) {
			rt.RequiresAuth = true
		}),
	})

	req := httptest.NewRequest("GET", "/user/profile", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, jwt.MapClaims{
		"sub":   "user-42",
		"email": "jo@example.com",
		"role":  "customer",
	}))
	rec := g.serve(req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, g.transport.callCount())
	assert.Equal(t, "user-42", g.transport.lastReq.Header.Get("X-User-Id"))
	assert.Equal(t, "customer", g.transport.lastReq.Header.Get("X-User-Role"))
}

func TestInvalidTokenOnPublicRouteIsAnonymous(t *testing.T) {
	g := newTestGateway(t, []*ServiceRoute{mustRoute(t, "cart", "http://cart.local")})

	req := httptest.NewRequest("GET", "/cart/items", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "wrong-secret", jwt.MapClaims{"sub": "x"}))
	rec := g.serve(req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, g.transport.callCount())
	assert.Equal(t, "", g.transport.lastReq.Header.Get("X-User-Id"))
}

func TestRateLimitShortCircuits(t *testing.T) {
	g := newTestGateway(t, []*ServiceRoute{
		mustRoute(t, "cart", "http://cart.local", func(rt *ServiceRoute) {
			rt.RateLimit = ratelimit.Settings{MaxHits: 2, TimeWindow: time.Minute}
		}),
	})

	for i := 0; i < 2; i++ {
		rec := g.serve(httptest.NewRequest("GET", "/cart/items", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := g.serve(httptest.NewRequest("GET", "/cart/items", nil))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(ratelimit.RetryAfterHeader))
	assert.Equal(t, 2, g.transport.callCount(), "rate limited requests must not reach the proxy")
}

func TestRateLimitIsolatedPerRoute(t *testing.T) {
	limited := func(rt *ServiceRoute) {
		rt.RateLimit = ratelimit.Settings{MaxHits: 2, TimeWindow: time.Minute}
	}

	g := newTestGateway(t, []*ServiceRoute{
		mustRoute(t, "cart", "http://cart.local", limited),
		mustRoute(t, "payment", "http://payment.local", limited),
	})

	// exhaust the cart quota of this client
	for i := 0; i < 3; i++ {
		g.serve(httptest.NewRequest("GET", "/cart/items", nil))
	}

	rec := g.serve(httptest.NewRequest("GET", "/payment/status", nil))

	assert.Equal(t, http.StatusOK, rec.Code, "an exhausted cart quota must not rate limit payment")
	assert.Equal(t, 3, g.transport.callCount())
}

func TestTerminalResponsesAreCounted(t *testing.T) {
	m := metrics.New(metrics.Options{})
	g := newTestGateway(t, []*ServiceRoute{
		mustRoute(t, "cart", "http://cart.local", func(rt *ServiceRoute) {
			rt.RequiresAuth = true
		}),
	}, func(o *Options) {
		o.Metrics = m
	})

	// a 401 on the protected route and a 404 on an unmatched path
	g.serve(httptest.NewRequest("GET", "/cart/items", nil))
	g.serve(httptest.NewRequest("GET", "/nonexistent", nil))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, `gateway_serve_route_count{code="401",method="GET",route="cart"} 1`)
	assert.Contains(t, body, `gateway_serve_route_count{code="404",method="GET",route="unknown"} 1`)
}

func TestCircuitTripAndRecovery(t *testing.T) {
	g := newTestGateway(t, []*ServiceRoute{mustRoute(t, "payment", "http://payment.local")})
	g.transport.fail = true

	// five transport failures trip the breaker
	for i := 0; i < circuit.DefaultFailures; i++ {
		rec := g.serve(httptest.NewRequest("GET", "/payment/status", nil))
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		require.Equal(t, "Service temporarily unavailable", errorBody(t, rec).Error)
	}

	require.Equal(t, circuit.DefaultFailures, g.transport.callCount())

	// the sixth request is rejected without any upstream attempt
	rec := g.serve(httptest.NewRequest("GET", "/payment/status", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := errorBody(t, rec)
	assert.Equal(t, "Service unavailable due to circuit breaker", body.Error)
	assert.Equal(t, "payment", body.Service)
	assert.NotEmpty(t, body.CorrelationID)
	assert.Equal(t, circuit.DefaultFailures, g.transport.callCount(), "no upstream call while the circuit is open")

	// after the cooldown the next request goes through as a trial
	g.clock.Advance(circuit.DefaultCooldown + time.Second)
	g.transport.fail = false

	rec = g.serve(httptest.NewRequest("GET", "/payment/status", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, circuit.DefaultFailures+1, g.transport.callCount())
	assert.Equal(t, "CLOSED", g.breakers.Snapshot()["payment"].State)
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	g := newTestGateway(t, []*ServiceRoute{mustRoute(t, "cart", "http://cart.local")})
	g.transport.status = http.StatusNotFound

	for i := 0; i < circuit.DefaultFailures; i++ {
		rec := g.serve(httptest.NewRequest("GET", "/cart/nope", nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}

	assert.True(t, g.breakers.Allow("cart"))
	assert.Equal(t, circuit.DefaultFailures, g.transport.callCount())
}

func TestPanicRecoveredAs500(t *testing.T) {
	panicking := proxy.WithParams(proxy.Params{
		Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
			panic("boom")
		}),
	})

	g := newTestGateway(t, []*ServiceRoute{mustRoute(t, "cart", "http://cart.local")}, func(o *Options) {
		o.Proxy = panicking
	})

	rec := g.serve(httptest.NewRequest("GET", "/cart/items", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := errorBody(t, rec)
	assert.Equal(t, "Internal server error", body.Error)
	assert.NotEmpty(t, body.CorrelationID)
	assert.Empty(t, body.Detail, "stack traces are hidden outside dev mode")
}

func TestPanicDetailInDevMode(t *testing.T) {
	panicking := proxy.WithParams(proxy.Params{
		Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
			panic("boom")
		}),
	})

	g := newTestGateway(t, []*ServiceRoute{mustRoute(t, "cart", "http://cart.local")}, func(o *Options) {
		o.Proxy = panicking
		o.DevMode = true
	})

	rec := g.serve(httptest.NewRequest("GET", "/cart/items", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, errorBody(t, rec).Detail, "boom")
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func TestRouteTableValidation(t *testing.T) {
	u, err := url.Parse("http://cart.local")
	require.NoError(t, err)

	for _, tt := range []struct {
		name   string
		routes []*ServiceRoute
	}{
		{"missing name", []*ServiceRoute{{Upstream: u}}},
		{"missing upstream", []*ServiceRoute{{Name: "cart"}}},
		{"bad prefix", []*ServiceRoute{{Name: "cart", Upstream: u, PathPrefix: "cart"}}},
		{"duplicate prefix", []*ServiceRoute{
			{Name: "cart", Upstream: u},
			{Name: "cart2", Upstream: u, PathPrefix: "/cart"},
		}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Options{Routes: tt.routes})
			assert.Error(t, err)
		})
	}
}
