// Package circuit implements a small circuit breaker used to stop hammering
// unreachable peer replicas during replication fan-out.
package circuit

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed - requests pass through.
	StateClosed State = iota
	// StateOpen - requests are rejected.
	StateOpen
	// StateHalfOpen - one probe request is allowed to test recovery.
	StateHalfOpen
)

// String returns string representation of state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpenState is returned when the circuit breaker is open.
var ErrOpenState = errors.New("circuit breaker is open")

// Config contains circuit breaker configuration.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips the breaker.
	FailureThreshold int `yaml:"failure_threshold"`

	// Timeout is the open period after which one probe is allowed.
	Timeout time.Duration `yaml:"timeout"`

	// OnStateChange is called when the state changes.
	OnStateChange func(name string, from State, to State) `yaml:"-"`
}

// Breaker implements the circuit breaker pattern for one target.
type Breaker struct {
	name   string
	config Config

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
}

// NewBreaker creates a breaker. Zero-valued config fields get defaults.
func NewBreaker(name string, config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Breaker{
		name:   name,
		config: config,
		state:  StateClosed,
	}
}

// Execute runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}
	err := fn()
	b.afterRequest(err)
	return err
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.openedAt) < b.config.Timeout {
			return ErrOpenState
		}
		b.setState(StateHalfOpen)
	case StateHalfOpen:
		// A probe is already in flight; reject until it reports back.
		return ErrOpenState
	}
	return nil
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.consecutiveFailures = 0
		if b.state != StateClosed {
			b.setState(StateClosed)
		}
		return
	}

	b.consecutiveFailures++
	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
	}
}

func (b *Breaker) setState(state State) {
	prev := b.state
	if prev == state {
		return
	}
	b.state = state
	if state == StateOpen {
		b.openedAt = time.Now()
	}
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

// GetState returns the current state, applying the open-to-half-open timeout.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.openedAt) >= b.config.Timeout {
		return StateHalfOpen
	}
	return b.state
}

// Name returns the breaker's target name.
func (b *Breaker) Name() string {
	return b.name
}

// Manager manages one breaker per target.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewManager creates a breaker manager with a shared configuration.
func NewManager(config Config) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		config:   config,
	}
}

// GetBreaker gets or creates the breaker for the named target.
func (m *Manager) GetBreaker(name string) *Breaker {
	m.mu.RLock()
	if breaker, exists := m.breakers[name]; exists {
		m.mu.RUnlock()
		return breaker
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if breaker, exists := m.breakers[name]; exists {
		return breaker
	}

	breaker := NewBreaker(name, m.config)
	m.breakers[name] = breaker
	return breaker
}
