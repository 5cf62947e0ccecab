// Package breaker implements a per-endpoint circuit breaker: a sliding trust
// gate that stops calls to a consistently failing RPC endpoint for a cooldown
// period, then allows a probe.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Solvium/SolviumAI-sub001/telemetry"
)

// State is the breaker state.
type State int

const (
	// StateClosed allows all calls.
	StateClosed State = iota
	// StateOpen rejects calls until the recovery timeout elapses.
	StateOpen
	// StateHalfOpen allows a single probe after the recovery timeout.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds breaker thresholds shared by all endpoints.
type Config struct {
	// FailureThreshold is the number of consecutive failures before the
	// breaker opens. Default 5.
	FailureThreshold int

	// RecoveryTimeout is how long an open breaker waits before allowing a
	// probe. Default 30s.
	RecoveryTimeout time.Duration

	// Logger for state transitions.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Status is a point-in-time snapshot of one breaker, for the operational
// surface.
type Status struct {
	Endpoint     string     `json:"endpoint"`
	State        string     `json:"state"`
	FailureCount int        `json:"failure_count"`
	LastFailure  *time.Time `json:"last_failure,omitempty"`
}

// Breaker tracks failures for a single endpoint. All transitions happen under
// the breaker's lock, so concurrent callers observe a consistent state.
type Breaker struct {
	endpoint  string
	threshold int
	recovery  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu           sync.Mutex
	state        State
	failureCount int
	lastFailure  time.Time
}

// CanExecute reports whether the endpoint may be attempted. An open breaker
// whose recovery timeout has elapsed transitions to half-open and admits the
// caller as a probe.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailure) > b.recovery {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// RecordFailure increments the failure count, opening the breaker once the
// threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailure = b.now()

	if b.failureCount >= b.threshold && b.state != StateOpen {
		b.transition(StateOpen)
	}
}

// Reset forces the breaker closed and clears its failure history. Operator
// action, exposed through the server.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.lastFailure = time.Time{}
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns a snapshot for the operational surface.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	status := Status{
		Endpoint:     b.endpoint,
		State:        b.state.String(),
		FailureCount: b.failureCount,
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		status.LastFailure = &t
	}
	return status
}

// transition changes the state. Callers must hold b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.logger.Info("circuit breaker state change",
		"endpoint", b.endpoint,
		"from", from.String(),
		"to", to.String(),
		"failure_count", b.failureCount,
	)
	telemetry.RecordBreakerTransition(b.endpoint, from.String(), to.String())
}

// Registry owns one breaker per endpoint, created lazily on first reference.
type Registry struct {
	config Config
	now    func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates a breaker registry.
func NewRegistry(cfg Config, opts ...RegistryOption) *Registry {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &Registry{
		config:   cfg,
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the breaker for an endpoint, creating it closed on first use.
func (r *Registry) Get(endpoint string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[endpoint]; ok {
		return b
	}

	b := &Breaker{
		endpoint:  endpoint,
		threshold: r.config.FailureThreshold,
		recovery:  r.config.RecoveryTimeout,
		logger:    r.config.Logger,
		now:       r.now,
	}
	r.breakers[endpoint] = b
	return b
}

// Reset resets the breaker for an endpoint. Returns false if the endpoint has
// never been referenced.
func (r *Registry) Reset(endpoint string) bool {
	r.mu.Lock()
	b, ok := r.breakers[endpoint]
	r.mu.Unlock()

	if !ok {
		return false
	}
	b.Reset()
	return true
}

// Status returns the snapshot for one endpoint.
func (r *Registry) Status(endpoint string) (Status, bool) {
	r.mu.Lock()
	b, ok := r.breakers[endpoint]
	r.mu.Unlock()

	if !ok {
		return Status{}, false
	}
	return b.Status(), true
}

// AllStatuses returns snapshots for every endpoint referenced so far.
func (r *Registry) AllStatuses() []Status {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	statuses := make([]Status, 0, len(breakers))
	for _, b := range breakers {
		statuses = append(statuses, b.Status())
	}
	return statuses
}
