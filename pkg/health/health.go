// Package health tracks the health of the cache layer's dependencies: the
// data source, the remote cache and the backup bucket.
package health

import (
	"context"
	stderr "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/docforge/querycache/pkg/errors"
)

// HealthState represents the health of a component
type HealthState int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy HealthState = iota

	// StateDegraded indicates the component is failing intermittently
	StateDegraded

	// StateReadOnly indicates reads still work but writes are failing
	StateReadOnly

	// StateUnavailable indicates the component is not operational
	StateUnavailable
)

func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ComponentHealth tracks the health of one component
type ComponentHealth struct {
	Name              string         `json:"name"`
	State             HealthState    `json:"state"`
	LastStateChange   time.Time      `json:"last_state_change"`
	LastHealthCheck   time.Time      `json:"last_health_check"`
	ConsecutiveErrors int            `json:"consecutive_errors"`
	LastErrorMessage  string         `json:"last_error_message,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

func (h *ComponentHealth) clone() ComponentHealth {
	c := *h
	if h.Metadata != nil {
		c.Metadata = make(map[string]any, len(h.Metadata))
		for k, v := range h.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// Report is the health of every component at one point in time.
type Report struct {
	Status     HealthState                `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before marking a component degraded
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before marking unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`

	// HealthCheckInterval is the interval for periodic health checks
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// StateChangeCallback is called when a component's health state changes
type StateChangeCallback func(component string, oldState, newState HealthState, err error)

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		HealthCheckInterval:  30 * time.Second,
	}
}

// Tracker tracks the health of multiple components and derives the
// overall health from the worst of them.
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*ComponentHealth
	config     TrackerConfig
	callbacks  []StateChangeCallback
	logger     *zap.Logger
	now        func() time.Time
}

// NewTracker creates a new health tracker
func NewTracker(config TrackerConfig, logger *zap.Logger) *Tracker {
	def := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = def.ErrorThreshold
	}
	if config.UnavailableThreshold <= 0 {
		config.UnavailableThreshold = def.UnavailableThreshold
	}
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = def.HealthCheckInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		components: make(map[string]*ComponentHealth),
		config:     config,
		logger:     logger.Named("health"),
		now:        time.Now,
	}
}

// RegisterComponent registers a component as healthy. Registering twice is a no-op.
func (t *Tracker) RegisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.registerLocked(name)
}

func (t *Tracker) registerLocked(name string) *ComponentHealth {
	h, ok := t.components[name]
	if !ok {
		now := t.now()
		h = &ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: now,
			LastHealthCheck: now,
			Metadata:        make(map[string]any),
		}
		t.components[name] = h
	}
	return h
}

// RecordSuccess records a successful operation. Each success pays back one
// error; a component recovers once its error count reaches zero.
func (t *Tracker) RecordSuccess(component string) {
	t.mu.Lock()
	h, ok := t.components[component]
	if !ok {
		t.mu.Unlock()
		return
	}
	old := h.State
	h.LastHealthCheck = t.now()
	if h.ConsecutiveErrors > 0 {
		h.ConsecutiveErrors--
		if h.ConsecutiveErrors == 0 && h.State != StateHealthy {
			t.transitionLocked(h, StateHealthy)
		}
	}
	t.mu.Unlock()
	t.notify(component, old, t.GetState(component), nil)
}

// RecordError records a failed operation.
func (t *Tracker) RecordError(component string, err error) {
	t.mu.Lock()
	h, ok := t.components[component]
	if !ok {
		t.mu.Unlock()
		return
	}
	old := h.State
	h.LastHealthCheck = t.now()
	h.ConsecutiveErrors++
	if err != nil {
		h.LastErrorMessage = err.Error()
	}

	next := h.State
	switch {
	case h.ConsecutiveErrors >= t.config.UnavailableThreshold:
		next = StateUnavailable
	case h.ConsecutiveErrors >= t.config.ErrorThreshold:
		if isWriteError(err) {
			next = StateReadOnly
		} else {
			next = StateDegraded
		}
	}
	if next != old {
		t.transitionLocked(h, next)
	}
	t.mu.Unlock()
	t.notify(component, old, next, err)
}

// SetState forces the state of a component, registering it if needed.
func (t *Tracker) SetState(component string, state HealthState, reason string) {
	t.mu.Lock()
	h := t.registerLocked(component)
	old := h.State
	if old != state {
		t.transitionLocked(h, state)
	}
	if reason != "" {
		h.LastErrorMessage = reason
	}
	t.mu.Unlock()
	var err error
	if reason != "" && state != StateHealthy {
		err = stderr.New(reason)
	}
	t.notify(component, old, state, err)
}

// ObserveBreaker maps circuit breaker transitions onto component states:
// closed is healthy, half-open degraded and open unavailable. Its signature
// matches the breaker manager's state listener.
func (t *Tracker) ObserveBreaker(name string, from, to gobreaker.State) {
	switch to {
	case gobreaker.StateClosed:
		t.SetState(name, StateHealthy, "")
	case gobreaker.StateHalfOpen:
		t.SetState(name, StateDegraded, "circuit breaker half-open")
	case gobreaker.StateOpen:
		t.SetState(name, StateUnavailable, "circuit breaker open")
	}
}

// GetState returns the state of a component; unknown components are unavailable.
func (t *Tracker) GetState(component string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if h, ok := t.components[component]; ok {
		return h.State
	}
	return StateUnavailable
}

// GetComponentHealth returns a copy of the health of component.
func (t *Tracker) GetComponentHealth(component string) (ComponentHealth, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.components[component]
	if !ok {
		return ComponentHealth{}, fmt.Errorf("component %s not registered", component)
	}
	return h.clone(), nil
}

// GetOverallHealth returns the worst state across all components.
func (t *Tracker) GetOverallHealth() HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	overall := StateHealthy
	for _, h := range t.components {
		if h.State > overall {
			overall = h.State
		}
	}
	return overall
}

// Report returns a snapshot of every component.
func (t *Tracker) Report() Report {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r := Report{
		Status:     StateHealthy,
		Components: make(map[string]ComponentHealth, len(t.components)),
		CheckedAt:  t.now(),
	}
	for name, h := range t.components {
		r.Components[name] = h.clone()
		if h.State > r.Status {
			r.Status = h.State
		}
	}
	return r
}

// CanRead reports whether reads against component are expected to work.
func (t *Tracker) CanRead(component string) bool {
	return t.GetState(component) != StateUnavailable
}

// CanWrite reports whether writes against component are expected to work.
func (t *Tracker) CanWrite(component string) bool {
	s := t.GetState(component)
	return s == StateHealthy || s == StateDegraded
}

// OnStateChange registers a callback run for every state transition.
func (t *Tracker) OnStateChange(cb StateChangeCallback) {
	t.mu.Lock()
	t.callbacks = append(t.callbacks, cb)
	t.mu.Unlock()
}

// SetComponentMetadata sets metadata for a component
func (t *Tracker) SetComponentMetadata(component, key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.components[component]; ok {
		h.Metadata[key] = value
	}
}

// must be called with t.mu held
func (t *Tracker) transitionLocked(h *ComponentHealth, next HealthState) {
	h.State = next
	h.LastStateChange = t.now()
	if next == StateHealthy {
		h.ConsecutiveErrors = 0
		h.LastErrorMessage = ""
	}
}

func (t *Tracker) notify(component string, old, next HealthState, err error) {
	if old == next {
		return
	}
	fields := []zap.Field{
		zap.String("component", component),
		zap.Stringer("from", old),
		zap.Stringer("to", next),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if next == StateHealthy {
		t.logger.Info("Component recovered", fields...)
	} else {
		t.logger.Warn("Component health changed", fields...)
	}

	t.mu.RLock()
	callbacks := append([]StateChangeCallback(nil), t.callbacks...)
	t.mu.RUnlock()
	for _, cb := range callbacks {
		cb(component, old, next, err)
	}
}

// isWriteError reports failures that leave reads working, such as a full
// or read-only cache tier.
func isWriteError(err error) bool {
	if err == nil {
		return false
	}
	return errors.HasCode(err, errors.ErrCodeCacheWrite) ||
		errors.HasCode(err, errors.ErrCodeQuotaExceeded)
}

// StartHealthChecks runs checkFn for every component on each interval tick
// until ctx is done.
func (t *Tracker) StartHealthChecks(ctx context.Context, checkFn func(ctx context.Context, component string) error) {
	ticker := time.NewTicker(t.config.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.CheckNow(ctx, checkFn)
		}
	}
}

// CheckNow runs checkFn once for every component, in name order.
func (t *Tracker) CheckNow(ctx context.Context, checkFn func(ctx context.Context, component string) error) {
	t.mu.RLock()
	names := make([]string, 0, len(t.components))
	for name := range t.components {
		names = append(names, name)
	}
	t.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		if err := checkFn(ctx, name); err != nil {
			t.RecordError(name, err)
		} else {
			t.RecordSuccess(name)
		}
	}
}
