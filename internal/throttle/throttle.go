// Package throttle implements the per-domain request spacing and circuit
// breaker shared by every fetch the process makes.
package throttle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRequestsPerMinute = 20
	defaultFailureThreshold  = 3
)

// Config holds throttle configuration.
type Config struct {
	// RequestsPerMinute bounds each domain; the minimum spacing between two
	// requests is one minute divided by this value. Zero selects the default;
	// a negative value disables spacing.
	RequestsPerMinute int
	// FailureThreshold is the number of consecutive failures that trips a domain.
	FailureThreshold int
}

// State is a point-in-time view of one domain.
type State struct {
	Domain              string
	LastRequest         time.Time
	LastSuccess         time.Time
	LastFailure         time.Time
	ConsecutiveFailures int
	Tripped             bool
}

type domainState struct {
	limiter     *rate.Limiter
	lastRequest time.Time
	lastSuccess time.Time
	lastFailure time.Time
	failures    int
	tripped     bool
}

// Throttle manages per-domain rate limits and breaker latches. All access goes
// through mu; callers never see the underlying map.
type Throttle struct {
	mu        sync.Mutex
	domains   map[string]*domainState
	interval  time.Duration
	limit     rate.Limit
	threshold int
	now       func() time.Time
	observe   func(domain string, waited time.Duration)
}

// Option customizes a Throttle.
type Option func(*Throttle)

// WithNow overrides the time source used for bookkeeping timestamps.
func WithNow(now func() time.Time) Option {
	return func(t *Throttle) {
		if now != nil {
			t.now = now
		}
	}
}

// WithWaitObserver registers a callback invoked after every successful Wait.
func WithWaitObserver(fn func(domain string, waited time.Duration)) Option {
	return func(t *Throttle) {
		t.observe = fn
	}
}

// New creates a Throttle. Missing values fall back to 20 requests per minute
// and a threshold of 3.
func New(cfg Config, opts ...Option) *Throttle {
	rpm := cfg.RequestsPerMinute
	if rpm == 0 {
		rpm = defaultRequestsPerMinute
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	t := &Throttle{
		domains:   make(map[string]*domainState),
		limit:     rate.Inf,
		threshold: threshold,
		now:       time.Now,
	}
	if rpm > 0 {
		t.interval = time.Minute / time.Duration(rpm)
		t.limit = rate.Every(t.interval)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Interval returns the minimum spacing enforced between two requests to a domain.
func (t *Throttle) Interval() time.Duration {
	return t.interval
}

// Threshold returns the number of consecutive failures that trips a domain.
func (t *Throttle) Threshold() int {
	return t.threshold
}

// Wait blocks until the domain's interval has elapsed since its last request
// or the context ends.
func (t *Throttle) Wait(ctx context.Context, domain string) error {
	key := normalize(domain)
	t.mu.Lock()
	st := t.stateLocked(key)
	limiter := st.limiter
	t.mu.Unlock()

	start := t.now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("throttle wait %s: %w", key, err)
	}
	waited := t.now().Sub(start)

	t.mu.Lock()
	st.lastRequest = t.now()
	t.mu.Unlock()

	if t.observe != nil {
		t.observe(key, waited)
	}
	return nil
}

// IsTripped reports, without waiting, whether the domain has reached the
// failure threshold.
func (t *Throttle) IsTripped(domain string) bool {
	key := normalize(domain)
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.domains[key]
	return ok && st.tripped
}

// ReportSuccess resets the consecutive failure count. A tripped domain stays
// tripped until the breakers are reset.
func (t *Throttle) ReportSuccess(domain string) {
	key := normalize(domain)
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.stateLocked(key)
	st.failures = 0
	st.lastSuccess = t.now()
}

// ReportFailure increments the consecutive failure count and trips the domain
// once the threshold is reached. It returns true when the domain is tripped.
func (t *Throttle) ReportFailure(domain string) bool {
	key := normalize(domain)
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.stateLocked(key)
	st.failures++
	st.lastFailure = t.now()
	if st.failures >= t.threshold {
		st.tripped = true
	}
	return st.tripped
}

// Snapshot returns the current state of a domain.
func (t *Throttle) Snapshot(domain string) State {
	key := normalize(domain)
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.domains[key]
	if !ok {
		return State{Domain: key}
	}
	return State{
		Domain:              key,
		LastRequest:         st.lastRequest,
		LastSuccess:         st.lastSuccess,
		LastFailure:         st.lastFailure,
		ConsecutiveFailures: st.failures,
		Tripped:             st.tripped,
	}
}

// ResetBreakers clears failure counts and breaker latches for every domain
// while keeping request spacing intact.
func (t *Throttle) ResetBreakers() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, st := range t.domains {
		st.failures = 0
		st.tripped = false
	}
}

func (t *Throttle) stateLocked(key string) *domainState {
	st, ok := t.domains[key]
	if !ok {
		st = &domainState{limiter: rate.NewLimiter(t.limit, 1)}
		t.domains[key] = st
	}
	return st
}

func normalize(domain string) string {
	key := strings.ToLower(strings.TrimSpace(domain))
	if key == "" {
		return "unknown"
	}
	return key
}
