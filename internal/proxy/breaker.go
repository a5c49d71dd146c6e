package proxy

import (
	"sync"
	"time"
)

// BreakerState represents the operational state of a per-provider circuit
// breaker.
//
//	BreakerClosed   — normal operation; all requests pass through.
//	BreakerOpen     — provider is failing; requests are rejected immediately.
//	BreakerHalfOpen — recovery probe; one request is allowed through.
type BreakerState int

const (
	BreakerClosed   BreakerState = 0
	BreakerOpen     BreakerState = 1
	BreakerHalfOpen BreakerState = 2
)

// Breaker defaults. The cooldown doubles with every failure past the
// threshold and is capped, so a provider that keeps failing is probed
// less and less often but never written off entirely.
const (
	BreakerThreshold    = 5
	BreakerBaseCooldown = time.Minute
	BreakerMaxCooldown  = 30 * time.Minute
)

// BreakerConfig holds circuit breaker tuning parameters. Zero values fall
// back to the package-level defaults.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that trips the breaker.
	Threshold int

	// BaseCooldown is the open duration after the failure that trips the
	// breaker; it doubles with each further failure.
	BaseCooldown time.Duration

	// MaxCooldown caps the doubling.
	MaxCooldown time.Duration
}

func (c *BreakerConfig) threshold() int {
	if c.Threshold > 0 {
		return c.Threshold
	}
	return BreakerThreshold
}

func (c *BreakerConfig) baseCooldown() time.Duration {
	if c.BaseCooldown > 0 {
		return c.BaseCooldown
	}
	return BreakerBaseCooldown
}

func (c *BreakerConfig) maxCooldown() time.Duration {
	if c.MaxCooldown > 0 {
		return c.MaxCooldown
	}
	return BreakerMaxCooldown
}

// providerBreaker holds per-provider circuit breaker state.
type providerBreaker struct {
	mu sync.Mutex

	state         BreakerState
	failureCount  int       // consecutive failures; resets only on success
	lastFailureAt time.Time // anchor for the cooldown timer
	probeInflight bool      // true while a half-open probe is in flight
}

// CircuitBreaker manages independent circuit breakers for each provider,
// keyed by provider id. It is safe for concurrent use.
type CircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[int64]*providerBreaker
	cfg      BreakerConfig

	now func() time.Time
}

// NewCircuitBreaker creates a CircuitBreaker with default settings.
func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(BreakerConfig{})
}

// NewCircuitBreakerWithConfig creates a CircuitBreaker with custom
// thresholds. Use this to apply values loaded from configuration.
func NewCircuitBreakerWithConfig(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		breakers: make(map[int64]*providerBreaker),
		cfg:      cfg,
		now:      time.Now,
	}
}

// cooldown returns the open duration for the given consecutive-failure
// count: base·2^(count−threshold), capped at MaxCooldown.
func (cb *CircuitBreaker) cooldown(failureCount int) time.Duration {
	exp := failureCount - cb.cfg.threshold()
	if exp < 0 {
		exp = 0
	}
	d := cb.cfg.baseCooldown()
	max := cb.cfg.maxCooldown()
	for i := 0; i < exp; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		d = max
	}
	return d
}

// Allow reports whether the provider should receive the next request.
//
//   - Closed   → always true.
//   - Open     → false, unless the cooldown has elapsed, in which case the
//     breaker transitions to HalfOpen and admits one probe.
//   - HalfOpen → true only if no probe is currently in flight.
func (cb *CircuitBreaker) Allow(providerID int64) bool {
	pb := cb.get(providerID)

	pb.mu.Lock()
	defer pb.mu.Unlock()

	switch pb.state {
	case BreakerClosed:
		return true

	case BreakerOpen:
		if cb.now().Sub(pb.lastFailureAt) >= cb.cooldown(pb.failureCount) {
			pb.state = BreakerHalfOpen
			pb.probeInflight = true
			return true
		}
		return false

	case BreakerHalfOpen:
		if pb.probeInflight {
			return false
		}
		pb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess closes the breaker and resets the failure counter,
// regardless of the previous state.
func (cb *CircuitBreaker) RecordSuccess(providerID int64) {
	pb := cb.get(providerID)

	pb.mu.Lock()
	defer pb.mu.Unlock()

	pb.state = BreakerClosed
	pb.failureCount = 0
	pb.probeInflight = false
}

// RecordFailure increments the consecutive-failure counter. At the threshold
// the breaker opens; past it the cooldown keeps doubling. A failed half-open
// probe re-opens immediately with the longer cooldown.
func (cb *CircuitBreaker) RecordFailure(providerID int64) {
	pb := cb.get(providerID)

	pb.mu.Lock()
	defer pb.mu.Unlock()

	pb.failureCount++
	pb.probeInflight = false
	pb.lastFailureAt = cb.now()

	if pb.failureCount >= cb.cfg.threshold() {
		pb.state = BreakerOpen
	}
}

// CancelProbe releases a reserved half-open probe slot without recording an
// outcome. The forwarder calls it when a pick is abandoned before any
// upstream attempt (rate-limit admission turned the provider away), so the
// probe stays available to the next session instead of wedging the breaker
// half-open forever.
func (cb *CircuitBreaker) CancelProbe(providerID int64) {
	pb := cb.get(providerID)

	pb.mu.Lock()
	defer pb.mu.Unlock()

	if pb.state == BreakerHalfOpen {
		pb.probeInflight = false
	}
}

// Ready reports whether the provider could receive a request right now,
// without reserving a half-open probe slot. The selector uses it to filter
// candidates; Allow is called only for the final pick.
func (cb *CircuitBreaker) Ready(providerID int64) bool {
	cb.mu.RLock()
	pb, ok := cb.breakers[providerID]
	cb.mu.RUnlock()
	if !ok {
		return true
	}

	pb.mu.Lock()
	defer pb.mu.Unlock()

	switch pb.state {
	case BreakerOpen:
		return cb.now().Sub(pb.lastFailureAt) >= cb.cooldown(pb.failureCount)
	case BreakerHalfOpen:
		return !pb.probeInflight
	}
	return true
}

// State returns the current BreakerState for the provider. A provider that
// has never failed reports BreakerClosed.
func (cb *CircuitBreaker) State(providerID int64) BreakerState {
	cb.mu.RLock()
	pb, ok := cb.breakers[providerID]
	cb.mu.RUnlock()
	if !ok {
		return BreakerClosed
	}
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.state
}

// FailureCount returns the consecutive-failure count for the provider.
func (cb *CircuitBreaker) FailureCount(providerID int64) int {
	cb.mu.RLock()
	pb, ok := cb.breakers[providerID]
	cb.mu.RUnlock()
	if !ok {
		return 0
	}
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.failureCount
}

// StateLabel returns a human-readable state name: "closed", "open", or
// "half_open".
func (cb *CircuitBreaker) StateLabel(providerID int64) string {
	switch cb.State(providerID) {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *CircuitBreaker) get(providerID int64) *providerBreaker {
	cb.mu.RLock()
	pb, ok := cb.breakers[providerID]
	cb.mu.RUnlock()
	if ok {
		return pb
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if pb, ok = cb.breakers[providerID]; ok {
		return pb
	}
	pb = &providerBreaker{state: BreakerClosed}
	cb.breakers[providerID] = pb
	return pb
}
