// Package resilience provides the retry controller and per-adapter circuit
// breakers used by the enrichment pipeline.
package resilience

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed lets attempts through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects attempts until the reset timeout elapses.
	CircuitOpen
	// CircuitHalfOpen lets probe attempts through.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when an attempt is rejected by an open circuit.
// It is not transient, so the retry controller stops immediately.
var ErrCircuitOpen = eris.New("resilience: circuit breaker is open")

// BreakerConfig controls circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive tripping failures that
	// opens the circuit. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open. Default: 30s.
	ResetTimeout time.Duration

	// Probes is the number of successes needed in half-open to close. Default: 1.
	Probes int

	// ShouldTrip decides which errors count. Defaults to IsTransient, so a
	// lookup source that is down trips it while bad input does not.
	ShouldTrip func(err error) bool

	// OnStateChange is called under the breaker lock on every transition.
	OnStateChange func(name string, from, to CircuitState)
}

// NewBreakerConfig builds a config from the integer settings in the config file.
func NewBreakerConfig(failureThreshold, resetTimeoutSecs int) BreakerConfig {
	cfg := BreakerConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second, Probes: 1}
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	return cfg
}

// Breaker guards one lookup source. Callers ask Allow before an attempt and
// Record its result afterwards.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu        sync.Mutex
	state     CircuitState
	failures  int
	successes int
	openedAt  time.Time

	now func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = IsTransient
	}
	return &Breaker{name: name, cfg: cfg, now: time.Now}
}

// Allow returns ErrCircuitOpen while the circuit is open. After the reset
// timeout it moves to half-open and lets the attempt through as a probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != CircuitOpen {
		return nil
	}
	if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
		return eris.Wrapf(ErrCircuitOpen, "adapter %s", b.name)
	}
	b.setState(CircuitHalfOpen)
	b.successes = 0
	return nil
}

// Record feeds the outcome of an allowed attempt back into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || !b.cfg.ShouldTrip(err) {
		b.failures = 0
		if b.state == CircuitHalfOpen {
			b.successes++
			if b.successes >= b.cfg.Probes {
				b.setState(CircuitClosed)
			}
		}
		return
	}

	b.failures++
	switch {
	case b.state == CircuitHalfOpen:
		b.open()
	case b.state == CircuitClosed && b.failures >= b.cfg.FailureThreshold:
		b.open()
	}
}

// State returns the current circuit state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures, b.successes = 0, 0
	if b.state != CircuitClosed {
		b.setState(CircuitClosed)
	}
}

func (b *Breaker) open() {
	b.openedAt = b.now()
	b.successes = 0
	b.setState(CircuitOpen)
}

func (b *Breaker) setState(to CircuitState) {
	from := b.state
	b.state = to
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

// Breakers holds one breaker per adapter name, created on first use.
type Breakers struct {
	cfg BreakerConfig

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewBreakers creates an empty per-adapter registry.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it if needed.
func (bs *Breakers) Get(name string) *Breaker {
	bs.mu.RLock()
	b, ok := bs.breakers[name]
	bs.mu.RUnlock()
	if ok {
		return b
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()
	if b, ok = bs.breakers[name]; ok {
		return b
	}
	b = NewBreaker(name, bs.cfg)
	bs.breakers[name] = b
	return b
}

// States returns the state name of every known breaker.
func (bs *Breakers) States() map[string]string {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	states := make(map[string]string, len(bs.breakers))
	for name, b := range bs.breakers {
		states[name] = b.State().String()
	}
	return states
}
