// Package reliability provides resilience primitives guarding external
// dependencies: per-dependency circuit breakers and database backups.
package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvitali/carovana/internal/domain"
)

// BreakerState is the three-state breaker machine
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name for logging and metrics
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// BreakerConfig holds per-breaker configuration
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	RecoveryTimeout  time.Duration // open duration before probing
	HalfOpenProbes   int           // parallel probes allowed in half-open
	CallTimeout      time.Duration // hard upper bound per call
}

// DefaultBreakerConfig returns the standard configuration
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenProbes:   2,
		CallTimeout:      5 * time.Second,
	}
}

// BreakerSnapshot is a point-in-time view of breaker state
type BreakerSnapshot struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	StateCode           int       `json:"state_code"` // 0 closed, 1 open, 2 half_open
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	TotalRejections     int64     `json:"total_rejections"`
	TotalFailures       int64     `json:"total_failures"`
	TotalSuccesses      int64     `json:"total_successes"`
}

// CircuitBreaker guards one external dependency. Open breakers reject
// immediately with domain.ErrCircuitOpen instead of waiting on the call.
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig
	log  zerolog.Logger

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time
	halfOpenInFlight    int

	totalRejections int64
	totalFailures   int64
	totalSuccesses  int64
}

// NewCircuitBreaker creates a breaker for a named dependency
func NewCircuitBreaker(name string, cfg BreakerConfig, log zerolog.Logger) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 2
	}
	return &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		log:   log.With().Str("component", "breaker").Str("dependency", name).Logger(),
		state: StateClosed,
	}
}

// Execute runs the operation through the breaker. Timeouts count as
// failures. When the breaker is open the call is rejected immediately.
func (b *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if b.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	err := op(callCtx)
	b.settle(err)
	return err
}

// admit decides whether a call may proceed given the current state
func (b *CircuitBreaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.RecoveryTimeout {
			b.state = StateHalfOpen
			b.halfOpenInFlight = 1
			b.log.Info().Msg("Breaker half-open, probing dependency")
			return nil
		}
		b.totalRejections++
		return fmt.Errorf("%s: %w", b.name, domain.ErrCircuitOpen)

	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenProbes {
			b.totalRejections++
			return fmt.Errorf("%s: %w", b.name, domain.ErrCircuitOpen)
		}
		b.halfOpenInFlight++
		return nil
	}

	return nil
}

// settle records the outcome of an admitted call
func (b *CircuitBreaker) settle(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}

	if err != nil {
		b.totalFailures++
		b.consecutiveFailures++

		switch b.state {
		case StateHalfOpen:
			// Any probe failure re-opens immediately
			b.open()
		case StateClosed:
			if b.consecutiveFailures >= b.cfg.FailureThreshold {
				b.open()
			}
		}
		return
	}

	b.totalSuccesses++
	b.consecutiveFailures = 0

	if b.state == StateHalfOpen && b.halfOpenInFlight == 0 {
		b.state = StateClosed
		b.log.Info().Msg("Breaker closed after successful probes")
	}
}

// open transitions to open; caller holds the lock
func (b *CircuitBreaker) open() {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.halfOpenInFlight = 0
	b.log.Warn().
		Int("consecutive_failures", b.consecutiveFailures).
		Dur("recovery_timeout", b.cfg.RecoveryTimeout).
		Msg("Breaker opened")
}

// State returns the current state without mutating it
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a consistent view for metrics
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Name:                b.name,
		State:               b.state.String(),
		StateCode:           int(b.state),
		ConsecutiveFailures: b.consecutiveFailures,
		OpenedAt:            b.openedAt,
		TotalRejections:     b.totalRejections,
		TotalFailures:       b.totalFailures,
		TotalSuccesses:      b.totalSuccesses,
	}
}

// Reset manually closes the breaker (administrator action)
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.halfOpenInFlight = 0
	b.log.Info().Msg("Breaker manually reset")
}

// Registry maps dependency names to their breakers
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	log      zerolog.Logger
}

// NewRegistry creates an empty breaker registry
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		log:      log,
	}
}

// Register creates and stores a breaker for a dependency
func (r *Registry) Register(name string, cfg BreakerConfig) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := NewCircuitBreaker(name, cfg, r.log)
	r.breakers[name] = b
	return b
}

// Get returns the breaker for a dependency, or nil if unregistered
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// Snapshots returns metrics for every registered breaker
func (r *Registry) Snapshots() []BreakerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]BreakerSnapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
