// Package memmon samples process memory and sheds cached data when the heap
// grows past a configured limit.
package memmon

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config configures a Monitor
type Config struct {
	// SampleInterval is how often memory stats are collected
	SampleInterval time.Duration `yaml:"sample_interval"`

	// HeapLimit in bytes; above it the pressure relievers run. Zero disables shedding.
	HeapLimit int64 `yaml:"heap_limit"`

	// GrowthThreshold is the heap growth over baseline, in percent, that raises an alert
	GrowthThreshold float64 `yaml:"growth_threshold"`

	// MaxSamples is the number of samples kept in history
	MaxSamples int `yaml:"max_samples"`

	// MaxAlerts caps the alert history
	MaxAlerts int `yaml:"max_alerts"`
}

// DefaultConfig samples every 30 seconds and alerts on 50% heap growth.
func DefaultConfig() Config {
	return Config{
		SampleInterval:  30 * time.Second,
		GrowthThreshold: 50,
		MaxSamples:      120,
		MaxAlerts:       100,
	}
}

// Sample is one reading of the runtime memory statistics
type Sample struct {
	Timestamp     time.Time `json:"timestamp"`
	HeapAlloc     uint64    `json:"heap_alloc"`
	HeapInuse     uint64    `json:"heap_inuse"`
	HeapIdle      uint64    `json:"heap_idle"`
	Sys           uint64    `json:"sys"`
	NumGC         uint32    `json:"num_gc"`
	NumGoroutine  int       `json:"num_goroutine"`
	GCCPUFraction float64   `json:"gc_cpu_fraction"`
}

// AlertType classifies an Alert
type AlertType int

const (
	AlertHeapGrowth AlertType = iota
	AlertHeapLimit
	AlertGoroutineGrowth
	AlertGCPressure
)

// String returns the string representation of alert type
func (t AlertType) String() string {
	switch t {
	case AlertHeapGrowth:
		return "heap_growth"
	case AlertHeapLimit:
		return "heap_limit"
	case AlertGoroutineGrowth:
		return "goroutine_growth"
	case AlertGCPressure:
		return "gc_pressure"
	default:
		return "unknown"
	}
}

// MarshalText encodes the alert type by name.
func (t AlertType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Alert records a memory condition seen while sampling
type Alert struct {
	Timestamp time.Time `json:"timestamp"`
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Current   uint64    `json:"current"`
	Reference uint64    `json:"reference"`
	// Released is the number of cache entries the relievers dropped.
	Released int `json:"released,omitempty"`
}

// Stats summarises the monitor state
type Stats struct {
	Current             Sample  `json:"current"`
	Baseline            Sample  `json:"baseline"`
	SampleCount         int     `json:"sample_count"`
	AlertCount          int     `json:"alert_count"`
	GrowthSinceBaseline float64 `json:"growth_since_baseline"`
	HeapLimit           int64   `json:"heap_limit,omitempty"`
	Sheds               int64   `json:"sheds"`
	Released            int64   `json:"released"`
}

// Reliever frees cached data and returns the number of entries removed.
type Reliever func(ctx context.Context) int

// Monitor tracks heap usage over time
type Monitor struct {
	config Config
	logger *zap.Logger
	read   func() Sample

	mu          sync.RWMutex
	samples     []Sample
	baseline    Sample
	hasBaseline bool
	alerts      []Alert
	relievers   []Reliever
	sheds       int64
	released    int64

	stopCh chan struct{}
	wg     sync.WaitGroup
	active int32
}

// NewMonitor creates a monitor. It does not sample until Start or SampleNow.
func NewMonitor(config Config, logger *zap.Logger) *Monitor {
	def := DefaultConfig()
	if config.SampleInterval <= 0 {
		config.SampleInterval = def.SampleInterval
	}
	if config.GrowthThreshold <= 0 {
		config.GrowthThreshold = def.GrowthThreshold
	}
	if config.MaxSamples <= 0 {
		config.MaxSamples = def.MaxSamples
	}
	if config.MaxAlerts <= 0 {
		config.MaxAlerts = def.MaxAlerts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		config: config,
		logger: logger.Named("memmon"),
		read:   readRuntime,
		stopCh: make(chan struct{}),
	}
}

func readRuntime() Sample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Sample{
		Timestamp:     time.Now(),
		HeapAlloc:     ms.HeapAlloc,
		HeapInuse:     ms.HeapInuse,
		HeapIdle:      ms.HeapIdle,
		Sys:           ms.Sys,
		NumGC:         ms.NumGC,
		NumGoroutine:  runtime.NumGoroutine(),
		GCCPUFraction: ms.GCCPUFraction,
	}
}

// OnPressure registers r to run, in registration order, whenever a sample
// is above the heap limit.
func (m *Monitor) OnPressure(r Reliever) {
	m.mu.Lock()
	m.relievers = append(m.relievers, r)
	m.mu.Unlock()
}

// Start samples every SampleInterval until ctx is done or Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&m.active, 0, 1) {
		return fmt.Errorf("monitor already running")
	}
	m.logger.Info("Starting memory monitor",
		zap.Duration("sample_interval", m.config.SampleInterval),
		zap.Int64("heap_limit", m.config.HeapLimit))

	m.wg.Add(1)
	go m.loop(ctx)
	return nil
}

// Stop stops sampling and waits for the loop to exit
func (m *Monitor) Stop() {
	if !atomic.CompareAndSwapInt32(&m.active, 1, 0) {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SampleInterval)
	defer ticker.Stop()

	m.SampleNow(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.SampleNow(ctx)
		}
	}
}

// SampleNow takes one sample, raises alerts and runs the relievers when
// the heap is over its limit.
func (m *Monitor) SampleNow(ctx context.Context) Sample {
	s := m.read()

	m.mu.Lock()
	if !m.hasBaseline {
		m.baseline = s
		m.hasBaseline = true
	}
	m.samples = append(m.samples, s)
	if len(m.samples) > m.config.MaxSamples {
		m.samples = m.samples[len(m.samples)-m.config.MaxSamples:]
	}
	m.analyzeLocked(s)

	over := m.config.HeapLimit > 0 && s.HeapAlloc > uint64(m.config.HeapLimit)
	relievers := append([]Reliever(nil), m.relievers...)
	m.mu.Unlock()

	if over {
		m.shed(ctx, s, relievers)
	}
	return s
}

func (m *Monitor) shed(ctx context.Context, s Sample, relievers []Reliever) {
	released := 0
	for _, r := range relievers {
		released += r(ctx)
	}

	m.mu.Lock()
	m.sheds++
	m.released += int64(released)
	m.addAlertLocked(Alert{
		Timestamp: s.Timestamp,
		Type:      AlertHeapLimit,
		Message:   fmt.Sprintf("heap %d bytes above limit %d bytes", s.HeapAlloc, m.config.HeapLimit),
		Current:   s.HeapAlloc,
		Reference: uint64(m.config.HeapLimit),
		Released:  released,
	})
	m.mu.Unlock()

	m.logger.Warn("Heap above limit, shedding cache",
		zap.Uint64("heap_alloc", s.HeapAlloc),
		zap.Int64("heap_limit", m.config.HeapLimit),
		zap.Int("released", released))
}

func (m *Monitor) analyzeLocked(s Sample) {
	if len(m.samples) < 2 {
		return
	}
	base := m.baseline

	if base.HeapAlloc > 0 {
		growth := percentGrowth(s.HeapAlloc, base.HeapAlloc)
		if growth > m.config.GrowthThreshold {
			m.addAlertLocked(Alert{
				Timestamp: s.Timestamp,
				Type:      AlertHeapGrowth,
				Message:   fmt.Sprintf("heap grew %.1f%% over baseline", growth),
				Current:   s.HeapAlloc,
				Reference: base.HeapAlloc,
			})
		}
	}

	if base.NumGoroutine > 0 {
		growth := percentGrowth(uint64(s.NumGoroutine), uint64(base.NumGoroutine))
		if growth > 50 {
			m.addAlertLocked(Alert{
				Timestamp: s.Timestamp,
				Type:      AlertGoroutineGrowth,
				Message:   fmt.Sprintf("goroutines grew %.1f%% over baseline", growth),
				Current:   uint64(s.NumGoroutine),
				Reference: uint64(base.NumGoroutine),
			})
		}
	}

	// GC using more than 5% of CPU
	if s.GCCPUFraction > 0.05 {
		m.addAlertLocked(Alert{
			Timestamp: s.Timestamp,
			Type:      AlertGCPressure,
			Message:   fmt.Sprintf("GC using %.2f%% of CPU time", s.GCCPUFraction*100),
			Current:   uint64(s.GCCPUFraction * 100),
			Reference: 5,
		})
	}
}

func (m *Monitor) addAlertLocked(a Alert) {
	m.alerts = append(m.alerts, a)
	if len(m.alerts) > m.config.MaxAlerts {
		m.alerts = m.alerts[len(m.alerts)-m.config.MaxAlerts:]
	}
	if a.Type != AlertHeapLimit {
		m.logger.Warn("Memory alert",
			zap.Stringer("type", a.Type),
			zap.String("message", a.Message))
	}
}

func percentGrowth(current, base uint64) float64 {
	return (float64(current) - float64(base)) / float64(base) * 100
}

// Stats returns current memory statistics
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{
		Baseline:    m.baseline,
		SampleCount: len(m.samples),
		AlertCount:  len(m.alerts),
		HeapLimit:   m.config.HeapLimit,
		Sheds:       m.sheds,
		Released:    m.released,
	}
	if n := len(m.samples); n > 0 {
		st.Current = m.samples[n-1]
	}
	if m.hasBaseline && m.baseline.HeapAlloc > 0 {
		st.GrowthSinceBaseline = percentGrowth(st.Current.HeapAlloc, m.baseline.HeapAlloc)
	}
	return st
}

// Alerts returns a copy of the alert history, oldest first.
func (m *Monitor) Alerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// Samples returns a copy of the sample history
func (m *Monitor) Samples() []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Sample, len(m.samples))
	copy(out, m.samples)
	return out
}

// ResetBaseline makes the latest sample the new baseline
func (m *Monitor) ResetBaseline() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.samples); n > 0 {
		m.baseline = m.samples[n-1]
	}
}
