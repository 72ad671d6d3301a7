package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/docforge/querycache/internal/analytics"
)

// Access sources recorded for every Manager.Get.
const (
	SourceMemory     = "memory"
	SourceRemote     = "remote"
	SourcePersistent = "persistent"
	SourceMiss       = "miss"
)

// ManagerConfig configures the Manager and, when stores are not supplied,
// the stores it builds.
type ManagerConfig struct {
	DefaultStrategy Strategy
	Memory          MemoryConfig
	Persistent      PersistentConfig
	Remote          RemoteConfig

	// HybridL2 names the second hybrid tier. Memory is periodically copied
	// to it when it is remote and SyncInterval is positive.
	HybridL2     Strategy
	SyncInterval time.Duration
}

// Options supplies prebuilt dependencies. Nil stores are built from config,
// except Persistent: a nil persistent store disables that tier.
type Options struct {
	Memory     *MemoryStore
	Persistent *PersistentStore
	Remote     *RemoteStore
	Analytics  *analytics.CacheAnalytics
	Logger     *zap.Logger
}

// WarmupEntry describes one value to preload.
type WarmupEntry struct {
	Key      string
	Producer func(ctx context.Context) (any, error)
	TTL      time.Duration
	Strategy Strategy
}

// ManagerStats groups per-store statistics for a strategy.
type ManagerStats struct {
	Strategy   Strategy         `json:"strategy"`
	Memory     *MemoryStats     `json:"memory,omitempty"`
	Persistent *PersistentStats `json:"persistent,omitempty"`
	Remote     *RemoteStats     `json:"remote,omitempty"`
}

// Manager routes cache calls to one or more stores according to a strategy.
type Manager struct {
	config     ManagerConfig
	memory     *MemoryStore
	persistent *PersistentStore
	remote     *RemoteStore
	analytics  *analytics.CacheAnalytics
	logger     *zap.Logger

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewManager wires the stores together and starts the sync loop when
// configured.
func NewManager(ctx context.Context, config ManagerConfig, opts Options) *Manager {
	if config.DefaultStrategy == "" {
		config.DefaultStrategy = StrategyHybrid
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("cache")

	m := &Manager{
		config:     config,
		memory:     opts.Memory,
		persistent: opts.Persistent,
		remote:     opts.Remote,
		analytics:  opts.Analytics,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
	if m.memory == nil {
		m.memory = NewMemoryStore(config.Memory, logger)
	}
	if m.remote == nil {
		m.remote = NewRemoteStore(ctx, config.Remote, logger)
	}
	if m.config.Memory.MaxAge <= 0 {
		m.config.Memory.MaxAge = m.memory.config.MaxAge
	}
	if m.config.Remote.TTL <= 0 {
		m.config.Remote.TTL = m.remote.config.TTL
	}

	if m.analytics != nil {
		m.memory.OnCleanup(func(removed int, freed int64) {
			m.analytics.LogCleanup(string(StrategyMemory), removed, freed)
		})
		if m.persistent != nil {
			m.persistent.OnCleanup(func(removed int, freed int64) {
				m.analytics.LogCleanup(string(StrategyPersistent), removed, freed)
			})
		}
	}

	if config.HybridL2 == StrategyRemote && config.SyncInterval > 0 {
		m.wg.Add(1)
		go m.syncLoop(config.SyncInterval)
	}
	// fallback strings only expire when read; sweep them with the memory tier
	if m.remote.Mode() == ModeFallback && m.memory.config.CleanupInterval > 0 {
		m.wg.Add(1)
		go m.cleanupLoop(m.memory.config.CleanupInterval)
	}
	return m
}

// Memory returns the memory tier.
func (m *Manager) Memory() *MemoryStore { return m.memory }

// Persistent returns the persistent tier, or nil when disabled.
func (m *Manager) Persistent() *PersistentStore { return m.persistent }

// Remote returns the remote tier.
func (m *Manager) Remote() *RemoteStore { return m.remote }

func (m *Manager) strategy(s Strategy) Strategy {
	if s == "" {
		return m.config.DefaultStrategy
	}
	return s
}

func (m *Manager) defaultTTL(s Strategy) time.Duration {
	switch s {
	case StrategyMemory, StrategyPersistent:
		return m.config.Memory.MaxAge
	default:
		return m.config.Remote.TTL
	}
}

// Get reads key through strategy. Hybrid reads memory, then remote, then
// persistent, copying a hit into the faster tiers it missed.
func (m *Manager) Get(ctx context.Context, key string, strategy Strategy) (any, bool) {
	strategy = m.strategy(strategy)
	start := time.Now()

	value, source := m.get(ctx, key, strategy)
	hit := source != SourceMiss

	if m.analytics != nil {
		access := analytics.CacheAccess{
			Key:      key,
			Strategy: string(strategy),
			Source:   source,
			Hit:      hit,
			Duration: time.Since(start),
		}
		if hit {
			access.Size = EstimateSize(value)
		}
		m.analytics.LogCacheAccess(access)
	}
	return value, hit
}

func (m *Manager) get(ctx context.Context, key string, strategy Strategy) (any, string) {
	switch strategy {
	case StrategyMemory:
		if v, ok := m.memory.Get(ctx, key); ok {
			return v, SourceMemory
		}
	case StrategyPersistent:
		if m.persistent != nil {
			if v, ok := m.persistent.Get(ctx, key); ok {
				return v, SourcePersistent
			}
		}
	case StrategyRemote:
		if v, ok := m.remote.Get(ctx, key); ok {
			return v, SourceRemote
		}
	case StrategyHybrid:
		if v, ok := m.memory.Get(ctx, key); ok {
			return v, SourceMemory
		}
		if v, ok := m.remote.Get(ctx, key); ok {
			m.memory.Set(ctx, key, v, m.config.Memory.MaxAge)
			return v, SourceRemote
		}
		if m.persistent != nil {
			if v, ok := m.persistent.Get(ctx, key); ok {
				m.memory.Set(ctx, key, v, m.config.Memory.MaxAge)
				m.remote.Set(ctx, key, v, m.config.Remote.TTL)
				return v, SourcePersistent
			}
		}
	}
	return nil, SourceMiss
}

// Set writes value through strategy. A non-positive ttl selects the
// strategy default. Hybrid writes every tier concurrently and succeeds when
// any tier accepted the value.
func (m *Manager) Set(ctx context.Context, key string, value any, ttl time.Duration, strategy Strategy) bool {
	strategy = m.strategy(strategy)
	if ttl <= 0 {
		ttl = m.defaultTTL(strategy)
	}

	switch strategy {
	case StrategyMemory:
		return m.memory.Set(ctx, key, value, ttl)
	case StrategyPersistent:
		return m.persistent != nil && m.persistent.Set(ctx, key, value, ttl)
	case StrategyRemote:
		return m.remote.Set(ctx, key, value, ttl)
	case StrategyHybrid:
		var accepted atomic.Int32
		var g errgroup.Group
		for _, store := range m.hybridStores() {
			g.Go(func() error {
				if store.Set(ctx, key, value, ttl) {
					accepted.Add(1)
				}
				return nil
			})
		}
		_ = g.Wait()
		return accepted.Load() > 0
	}
	return false
}

func (m *Manager) hybridStores() []Store {
	stores := []Store{m.memory, m.remote}
	if m.persistent != nil {
		stores = append(stores, m.persistent)
	}
	return stores
}

func (m *Manager) storesFor(strategy Strategy) []Store {
	switch strategy {
	case StrategyMemory:
		return []Store{m.memory}
	case StrategyPersistent:
		if m.persistent == nil {
			return nil
		}
		return []Store{m.persistent}
	case StrategyRemote:
		return []Store{m.remote}
	case StrategyHybrid:
		return m.hybridStores()
	}
	return nil
}

// Delete removes key from every tier of strategy and reports whether any tier
// held it. A tier that never had the key does not fail the delete.
func (m *Manager) Delete(ctx context.Context, key string, strategy Strategy) bool {
	removed := false
	for _, s := range m.storesFor(m.strategy(strategy)) {
		if s.Delete(ctx, key) {
			removed = true
		}
	}
	return removed
}

// Clear removes keys matching pattern, or everything for "".
func (m *Manager) Clear(ctx context.Context, pattern string, strategy Strategy) bool {
	stores := m.storesFor(m.strategy(strategy))
	if len(stores) == 0 {
		return false
	}
	ok := true
	for _, s := range stores {
		if !s.Clear(ctx, pattern) {
			ok = false
		}
	}
	return ok
}

// Invalidate removes keys matching pattern from every tier of the strategy
// and returns the total removed.
func (m *Manager) Invalidate(ctx context.Context, pattern string, strategy Strategy) int {
	strategy = m.strategy(strategy)
	total := 0
	for _, s := range m.storesFor(strategy) {
		total += s.Invalidate(ctx, pattern)
	}

	m.logger.Debug("cache invalidated",
		zap.String("pattern", pattern),
		zap.String("strategy", string(strategy)),
		zap.Int("removed", total))
	if m.analytics != nil {
		m.analytics.LogInvalidation(pattern, string(strategy), total)
	}
	return total
}

// Has reports whether key is live in any tier of the strategy without
// counting as an access.
func (m *Manager) Has(ctx context.Context, key string, strategy Strategy) bool {
	for _, s := range m.storesFor(m.strategy(strategy)) {
		switch store := s.(type) {
		case *MemoryStore:
			if store.Has(key) {
				return true
			}
		case *PersistentStore:
			if store.Has(key) {
				return true
			}
		case *RemoteStore:
			if _, ok := store.Get(ctx, key); ok {
				return true
			}
		}
	}
	return false
}

// Stats returns the statistics of the tiers used by strategy.
func (m *Manager) Stats(ctx context.Context, strategy Strategy) ManagerStats {
	strategy = m.strategy(strategy)
	stats := ManagerStats{Strategy: strategy}
	for _, s := range m.storesFor(strategy) {
		switch store := s.(type) {
		case *MemoryStore:
			ms := store.Stats()
			stats.Memory = &ms
		case *PersistentStore:
			ps := store.Stats()
			stats.Persistent = &ps
		case *RemoteStore:
			rs := store.Stats(ctx)
			stats.Remote = &rs
		}
	}
	return stats
}

// Warmup produces and stores each entry in order. Producer failures are
// logged and skipped. It returns the number of entries stored.
func (m *Manager) Warmup(ctx context.Context, entries []WarmupEntry) int {
	stored := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			m.logger.Warn("cache warmup interrupted", zap.Error(err))
			break
		}
		if e.Producer == nil {
			continue
		}
		value, err := e.Producer(ctx)
		if err != nil {
			m.logger.Warn("cache warmup producer failed", zap.String("key", e.Key), zap.Error(err))
			continue
		}
		if m.Set(ctx, e.Key, value, e.TTL, e.Strategy) {
			stored++
		}
	}
	m.logger.Info("cache warmup finished", zap.Int("requested", len(entries)), zap.Int("stored", stored))
	return stored
}

// SyncMemoryToRemote copies live memory entries to the remote tier.
func (m *Manager) SyncMemoryToRemote(ctx context.Context) int {
	return m.remote.SyncFromMemory(ctx, m.memory.Snapshot())
}

func (m *Manager) syncLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			n := m.SyncMemoryToRemote(ctx)
			cancel()
			m.logger.Debug("synced memory to remote", zap.Int("entries", n))
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) cleanupLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanupRemote()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) cleanupRemote() int {
	removed := m.remote.Cleanup()
	if removed > 0 {
		m.logger.Debug("remote fallback cleanup", zap.Int("removed", removed))
		if m.analytics != nil {
			m.analytics.LogCleanup(string(StrategyRemote), removed, 0)
		}
	}
	return removed
}

// Close stops background work and closes every store.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()

		_ = m.memory.Close()
		if m.persistent != nil {
			_ = m.persistent.Close()
		}
		err = m.remote.Close()
	})
	return err
}
