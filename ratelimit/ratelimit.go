// Package ratelimit provides per-route request rate limiting for the
// gateway, backed by token buckets from golang.org/x/time/rate. Each
// route carries its own settings; buckets are selected per client so
// one noisy caller cannot exhaust the allowance of others.
package ratelimit

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RetryAfterHeader is the name of the header which will be used to
// indicate how long a client should wait before making a new request.
const RetryAfterHeader = "Retry-After"

// Settings configures the rate limit of one route.
type Settings struct {
	// MaxHits is the number of requests allowed per TimeWindow.
	MaxHits int

	// TimeWindow is the duration over which MaxHits applies.
	TimeWindow time.Duration

	// Group separates the quotas of routes that happen to share the
	// same limits. It defaults to the route name, so exhausting one
	// route never rate limits another.
	Group string
}

func (s *Settings) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw struct {
		MaxHits    int    `yaml:"max-hits"`
		TimeWindow string `yaml:"time-window"`
		Group      string `yaml:"group"`
	}

	if err := unmarshal(&raw); err != nil {
		return err
	}

	s.MaxHits = raw.MaxHits
	s.Group = raw.Group

	if raw.TimeWindow != "" {
		d, err := time.ParseDuration(raw.TimeWindow)
		if err != nil {
			return fmt.Errorf("invalid time-window: %w", err)
		}

		s.TimeWindow = d
	}

	return nil
}

func (s Settings) Empty() bool {
	return s == Settings{}
}

func (s Settings) String() string {
	if s.Empty() {
		return "none"
	}

	return fmt.Sprintf("ratelimit(max-hits=%d,time-window=%s,group=%s)", s.MaxHits, s.TimeWindow, s.Group)
}

// Lookuper makes it possible to be more flexible about what a rate
// limit bucket is keyed by.
type Lookuper interface {
	// Lookup returns the bucket key for the request, for example the
	// client address or the Authorization header.
	Lookup(*http.Request) string
}

// XForwardedForLookuper selects a bucket by the X-Forwarded-For header
// or the client address.
type XForwardedForLookuper struct{}

func NewXForwardedForLookuper() XForwardedForLookuper {
	return XForwardedForLookuper{}
}

func (XForwardedForLookuper) Lookup(req *http.Request) string {
	if ff := req.Header.Get("X-Forwarded-For"); ff != "" {
		return ff
	}

	if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		return host
	}

	return req.RemoteAddr
}

// Ratelimit applies one route's settings across per-client token
// buckets. A nil Ratelimit allows everything.
type Ratelimit struct {
	settings Settings
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
}

func newRatelimit(s Settings) *Ratelimit {
	return &Ratelimit{
		settings: s,
		buckets:  make(map[string]*rate.Limiter),
	}
}

func (l *Ratelimit) get(bucket string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.buckets[bucket]
	if !ok {
		limit := rate.Limit(float64(l.settings.MaxHits) / l.settings.TimeWindow.Seconds())
		lim = rate.NewLimiter(limit, l.settings.MaxHits)
		l.buckets[bucket] = lim
	}

	return lim
}

// Allow returns true if the bucket is not rate limited, false if it is.
func (l *Ratelimit) Allow(bucket string) bool {
	if l == nil {
		return true
	}

	return l.get(bucket).Allow()
}

// RetryAfter informs how many seconds to wait for the next request.
func (l *Ratelimit) RetryAfter(bucket string) int {
	if l == nil {
		return 0
	}

	res := l.get(bucket).Reserve()
	defer res.Cancel()

	d := res.Delay()
	if d <= 0 {
		return 0
	}

	return int(math.Ceil(d.Seconds()))
}

// Registry caches the rate limiters of the configured routes and
// ensures synchronized access to them.
type Registry struct {
	mu     sync.Mutex
	lookup map[Settings]*Ratelimit
}

func NewRegistry() *Registry {
	return &Registry{lookup: make(map[Settings]*Ratelimit)}
}

// Get returns the rate limiter for the provided settings, or nil when
// the settings are empty, meaning no limit applies.
func (r *Registry) Get(s Settings) *Ratelimit {
	if s.Empty() || s.MaxHits <= 0 || s.TimeWindow <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.lookup[s]
	if !ok {
		l = newRatelimit(s)
		r.lookup[s] = l
	}

	return l
}
