package circuit

import (
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/docforge/querycache/pkg/errors"
)

// Config contains circuit breaker configuration shared by every breaker a
// Manager creates.
type Config struct {
	// Maximum number of requests allowed to pass through when half-open
	MaxRequests uint32 `yaml:"max_requests"`

	// Period of the closed state after which counts are cleared
	Interval time.Duration `yaml:"interval"`

	// Period of the open state after which the breaker becomes half-open
	Timeout time.Duration `yaml:"timeout"`

	// Consecutive failures that trip the breaker
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// IsSuccessful decides whether an error counts against the breaker.
	// Nil counts every error.
	IsSuccessful func(err error) bool `yaml:"-"`
}

// DefaultConfig returns the breaker defaults.
func DefaultConfig() Config {
	return Config{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// StateListener is notified on every breaker state transition.
type StateListener func(name string, from, to gobreaker.State)

// Stats is a point-in-time view of one breaker.
type Stats struct {
	Name   string          `json:"name"`
	State  string          `json:"state"`
	Counts gobreaker.Counts `json:"counts"`
}

// Manager manages multiple named circuit breakers
type Manager struct {
	mu        sync.RWMutex
	breakers  map[string]*gobreaker.CircuitBreaker
	listeners []StateListener
	config    Config
	logger    *zap.Logger
}

// NewManager creates a new circuit breaker manager
func NewManager(config Config, logger *zap.Logger) *Manager {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		config:   config,
		logger:   logger,
	}
}

// OnStateChange registers a listener for transitions of any breaker.
func (m *Manager) OnStateChange(l StateListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Breaker gets or creates the breaker with the given name
func (m *Manager) Breaker(name string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	if cb, ok := m.breakers[name]; ok {
		m.mu.RUnlock()
		return cb
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check in case another goroutine created it
	if cb, ok := m.breakers[name]; ok {
		return cb
	}

	threshold := m.config.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: m.config.MaxRequests,
		Interval:    m.config.Interval,
		Timeout:     m.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful:  m.config.IsSuccessful,
		OnStateChange: m.notify,
	})
	m.breakers[name] = cb
	return cb
}

func (m *Manager) notify(name string, from, to gobreaker.State) {
	m.logger.Warn("Circuit breaker state changed",
		zap.String("breaker", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()))

	m.mu.RLock()
	listeners := append([]StateListener(nil), m.listeners...)
	m.mu.RUnlock()
	for _, l := range listeners {
		l(name, from, to)
	}
}

// Execute runs fn through the named breaker. Rejections come back as
// ErrCodeCircuitOpen errors; fn's own error is returned untouched.
func (m *Manager) Execute(name string, fn func() error) error {
	_, err := m.Breaker(name).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if IsRejection(err) {
		return errors.Wrap(err, errors.ErrCodeCircuitOpen, fmt.Sprintf("%s unavailable", name)).
			WithComponent(name).
			WithRetryable(false)
	}
	return err
}

// IsRejection reports whether err was produced by an open or saturated breaker.
func IsRejection(err error) bool {
	return stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests)
}

// Stats returns statistics for all breakers sorted by name
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	breakers := make([]*gobreaker.CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		breakers = append(breakers, cb)
	}
	m.mu.RUnlock()

	// State() may fire a transition, which calls notify and takes m.mu.
	stats := make([]Stats, 0, len(breakers))
	for _, cb := range breakers {
		stats = append(stats, Stats{Name: cb.Name(), State: cb.State().String(), Counts: cb.Counts()})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// HealthCheck returns an error naming every open breaker.
func (m *Manager) HealthCheck() error {
	var open []string
	for _, s := range m.Stats() {
		if s.State == gobreaker.StateOpen.String() {
			open = append(open, s.Name)
		}
	}
	if len(open) > 0 {
		return fmt.Errorf("circuit breakers open: %v", open)
	}
	return nil
}
