package circuit

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultFailures = 5
	DefaultCooldown = 30 * time.Second
)

// Options configure a Registry. The zero value yields the default
// threshold and cooldown with the wall clock.
type Options struct {

	// Failures is the number of consecutive transport failures after
	// which a breaker opens. Defaults to DefaultFailures.
	Failures int

	// Cooldown is the time after the last failure before an open
	// breaker admits a trial request. Defaults to DefaultCooldown.
	Cooldown time.Duration

	// Clock returns the current time. Defaults to time.Now. Tests use
	// it to control cooldown expiry.
	Clock func() time.Time

	// OnStateChange is called after every breaker state transition,
	// e.g. to update a metrics gauge. Called with the registry lock
	// held, so it must not call back into the registry.
	OnStateChange func(name string, state State)
}

// Registry holds the active circuit breakers keyed by logical service
// name and ensures synchronized access to them. Breakers are created
// lazily on the first recorded failure and live for the process
// lifetime.
type Registry struct {
	failures      int
	cooldown      time.Duration
	now           func() time.Time
	onStateChange func(string, State)

	mu     sync.Mutex
	lookup map[string]*breaker
}

// NewRegistry initializes a registry with the provided options.
func NewRegistry(o Options) *Registry {
	if o.Failures <= 0 {
		o.Failures = DefaultFailures
	}

	if o.Cooldown <= 0 {
		o.Cooldown = DefaultCooldown
	}

	if o.Clock == nil {
		o.Clock = time.Now
	}

	return &Registry{
		failures:      o.Failures,
		cooldown:      o.Cooldown,
		now:           o.Clock,
		onStateChange: o.OnStateChange,
		lookup:        make(map[string]*breaker),
	}
}

func (r *Registry) transition(name string, b *breaker, to State) {
	log.Infof("circuit breaker for %s went from %v to %v", name, b.state, to)
	b.state = to

	if r.onStateChange != nil {
		r.onStateChange(name, to)
	}
}

// Allow reports whether a call to the named service may be attempted.
// A missing entry counts as closed. For an open breaker whose cooldown
// has elapsed, Allow transitions it to half-open and admits the call as
// a trial, so this check mutates state and is not a pure query.
func (r *Registry) Allow(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.lookup[name]
	if !ok || b.state != Open {
		return true
	}

	if r.now().Sub(b.lastFailure) > r.cooldown {
		r.transition(name, b, HalfOpen)
		return true
	}

	return false
}

// RecordSuccess closes the breaker of the named service and resets its
// failure count. It is a no-op when no entry exists: successes alone
// never allocate a breaker.
func (r *Registry) RecordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.lookup[name]
	if !ok {
		return
	}

	if b.state != Closed {
		r.transition(name, b, Closed)
	}

	b.failures = 0
	b.lastFailure = time.Time{}
}

// RecordFailure counts a transport failure against the named service,
// creating its entry if needed. Reaching the failure threshold is the
// only path that opens a breaker.
func (r *Registry) RecordFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.lookup[name]
	if !ok {
		b = &breaker{}
		r.lookup[name] = b
	}

	b.failures++
	b.lastFailure = r.now()

	if b.failures >= r.failures && b.state != Open {
		r.transition(name, b, Open)
	}
}

// Snapshot returns a copy of the current breaker states for diagnostics.
func (r *Registry) Snapshot() map[string]Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := make(map[string]Status, len(r.lookup))
	for name, b := range r.lookup {
		m[name] = b.status()
	}

	return m
}
