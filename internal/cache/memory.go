package cache

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryConfig configures the in-process tier.
type MemoryConfig struct {
	MaxSize         int64         `yaml:"max_size"`
	MaxAge          time.Duration `yaml:"max_age"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultMemoryConfig returns 100MB, five minute entries, one minute sweeps.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		MaxSize:         100 * 1024 * 1024,
		MaxAge:          5 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

type memoryEntry struct {
	key          string
	value        any
	size         int64
	createdAt    time.Time
	lastAccessed time.Time
	expiresAt    time.Time
	accessCount  int64
	element      *list.Element
}

// MemoryStats extends StoreStats with LRU bookkeeping.
type MemoryStats struct {
	StoreStats
	UsagePercent       float64    `json:"usage_percent"`
	AverageAccessCount float64    `json:"average_access_count"`
	OldestEntry        *time.Time `json:"oldest_entry,omitempty"`
	NewestEntry        *time.Time `json:"newest_entry,omitempty"`
}

// SnapshotEntry is a live memory entry with the TTL it has left.
type SnapshotEntry struct {
	Key   string
	Value any
	TTL   time.Duration
}

// MemoryStore is a size-bounded LRU cache with per-entry TTL.
type MemoryStore struct {
	mu        sync.Mutex
	config    MemoryConfig
	items     map[string]*memoryEntry
	evictList *list.List
	size      int64
	hits      int64
	misses    int64
	evictions int64

	logger    *zap.Logger
	now       func() time.Time
	onCleanup func(removed int, freed int64)
	stopCh    chan struct{}
	closeOnce sync.Once
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates the store and starts its expiry sweep when
// CleanupInterval is positive.
func NewMemoryStore(config MemoryConfig, logger *zap.Logger) *MemoryStore {
	defaults := DefaultMemoryConfig()
	if config.MaxSize <= 0 {
		config.MaxSize = defaults.MaxSize
	}
	if config.MaxAge <= 0 {
		config.MaxAge = defaults.MaxAge
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &MemoryStore{
		config:    config,
		items:     make(map[string]*memoryEntry),
		evictList: list.New(),
		logger:    logger.Named("memory"),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}

	if config.CleanupInterval > 0 {
		go m.cleanupLoop()
	}
	return m
}

// OnCleanup registers a callback invoked after each sweep that removed entries.
func (m *MemoryStore) OnCleanup(fn func(removed int, freed int64)) {
	m.mu.Lock()
	m.onCleanup = fn
	m.mu.Unlock()
}

// Get returns the value and refreshes its LRU position.
func (m *MemoryStore) Get(_ context.Context, key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.items[key]
	if !ok {
		m.misses++
		return nil, false
	}
	now := m.now()
	if isExpired(now, entry.expiresAt) {
		m.removeLocked(entry)
		m.misses++
		return nil, false
	}

	entry.lastAccessed = now
	entry.accessCount++
	m.evictList.MoveToFront(entry.element)
	m.hits++
	return entry.value, true
}

// Has reports whether a live entry exists without touching LRU order or counters.
func (m *MemoryStore) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.items[key]
	return ok && !isExpired(m.now(), entry.expiresAt)
}

// Set stores value for ttl, or for MaxAge when ttl is not positive. Values
// estimated larger than the whole capacity are rejected.
func (m *MemoryStore) Set(_ context.Context, key string, value any, ttl time.Duration) bool {
	size := EstimateSize(value)
	if size > m.config.MaxSize {
		m.logger.Debug("value exceeds memory capacity",
			zap.String("key", key),
			zap.Int64("size", size),
			zap.Int64("max_size", m.config.MaxSize))
		return false
	}
	if ttl <= 0 {
		ttl = m.config.MaxAge
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.items[key]; ok {
		m.removeLocked(existing)
	}
	m.evictLocked(size)

	now := m.now()
	entry := &memoryEntry{
		key:          key,
		value:        value,
		size:         size,
		createdAt:    now,
		lastAccessed: now,
		expiresAt:    now.Add(ttl),
	}
	entry.element = m.evictList.PushFront(entry)
	m.items[key] = entry
	m.size += size
	return true
}

// evictLocked drops least recently used entries until size more bytes fit.
func (m *MemoryStore) evictLocked(size int64) {
	for m.size+size > m.config.MaxSize {
		back := m.evictList.Back()
		if back == nil {
			return
		}
		m.removeLocked(back.Value.(*memoryEntry))
		m.evictions++
	}
}

func (m *MemoryStore) removeLocked(entry *memoryEntry) {
	m.evictList.Remove(entry.element)
	delete(m.items, entry.key)
	m.size -= entry.size
}

// Delete removes key and reports whether it was present.
func (m *MemoryStore) Delete(_ context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.items[key]
	if !ok {
		return false
	}
	m.removeLocked(entry)
	return true
}

// Clear removes every key matching pattern, or everything for "".
func (m *MemoryStore) Clear(ctx context.Context, pattern string) bool {
	if pattern == "" {
		m.mu.Lock()
		m.items = make(map[string]*memoryEntry)
		m.evictList.Init()
		m.size = 0
		m.mu.Unlock()
		return true
	}
	m.Invalidate(ctx, pattern)
	return true
}

// Invalidate removes keys matching pattern and returns how many live
// entries were removed. Expired matches are dropped without being counted.
func (m *MemoryStore) Invalidate(_ context.Context, pattern string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, entry := range m.items {
		if MatchPattern(pattern, key) {
			m.removeLocked(entry)
			if !isExpired(now, entry.expiresAt) {
				removed++
			}
		}
	}
	return removed
}

// Keys returns the keys currently held, expired or not, sorted.
func (m *MemoryStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.items))
	for key := range m.items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns live entries with their remaining TTL.
func (m *MemoryStore) Snapshot() []SnapshotEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make([]SnapshotEntry, 0, len(m.items))
	for e := m.evictList.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*memoryEntry)
		remaining := entry.expiresAt.Sub(now)
		if remaining <= 0 {
			continue
		}
		out = append(out, SnapshotEntry{Key: entry.key, Value: entry.value, TTL: remaining})
	}
	return out
}

// Cleanup sweeps expired entries and returns how many were removed.
func (m *MemoryStore) Cleanup() int {
	m.mu.Lock()
	now := m.now()
	removed := 0
	var freed int64
	for _, entry := range m.items {
		if isExpired(now, entry.expiresAt) {
			freed += entry.size
			m.removeLocked(entry)
			removed++
		}
	}
	cb := m.onCleanup
	m.mu.Unlock()

	if removed > 0 {
		m.logger.Debug("memory cleanup", zap.Int("removed", removed), zap.Int64("freed", freed))
		if cb != nil {
			cb(removed, freed)
		}
	}
	return removed
}

// Stats returns a snapshot of the store counters.
func (m *MemoryStore) Stats() MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := MemoryStats{
		StoreStats: StoreStats{
			Name:      string(StrategyMemory),
			Entries:   len(m.items),
			Size:      m.size,
			MaxSize:   m.config.MaxSize,
			Hits:      m.hits,
			Misses:    m.misses,
			HitRate:   hitRate(m.hits, m.misses),
			Evictions: m.evictions,
		},
		UsagePercent: float64(m.size) / float64(m.config.MaxSize) * 100,
	}

	if len(m.items) == 0 {
		return stats
	}
	var accesses int64
	var oldest, newest time.Time
	for _, entry := range m.items {
		accesses += entry.accessCount
		if oldest.IsZero() || entry.createdAt.Before(oldest) {
			oldest = entry.createdAt
		}
		if entry.createdAt.After(newest) {
			newest = entry.createdAt
		}
	}
	stats.AverageAccessCount = float64(accesses) / float64(len(m.items))
	stats.OldestEntry = &oldest
	stats.NewestEntry = &newest
	return stats
}

func (m *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Cleanup()
		case <-m.stopCh:
			return
		}
	}
}

// Close stops the sweep goroutine. It is safe to call more than once.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() { close(m.stopCh) })
	return nil
}
