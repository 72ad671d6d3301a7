package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	compressThreshold = 1024
	envelopeOverhead  = 200
	statsKeySuffix    = "__stats__"
)

// PersistentConfig configures the durable tier.
type PersistentConfig struct {
	Prefix          string        `yaml:"prefix"`
	MaxSize         int64         `yaml:"max_size"`
	MaxEntries      int           `yaml:"max_entries"`
	Compression     bool          `yaml:"compression"`
	MaxAge          time.Duration `yaml:"max_age"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultPersistentConfig mirrors the development profile.
func DefaultPersistentConfig() PersistentConfig {
	return PersistentConfig{
		Prefix:          "dev_",
		MaxSize:         5 * 1024 * 1024,
		MaxEntries:      1000,
		Compression:     true,
		MaxAge:          time.Hour,
		CleanupInterval: 5 * time.Minute,
	}
}

// envelope is the stored form of one entry. Times are unix milliseconds.
type envelope struct {
	Data         string `json:"data"`
	Timestamp    int64  `json:"timestamp"`
	Size         int64  `json:"size"`
	AccessCount  int64  `json:"accessCount"`
	LastAccessed int64  `json:"lastAccessed"`
	TTL          int64  `json:"ttl"`
	Compressed   bool   `json:"compressed"`
}

func (e *envelope) expired(now time.Time) bool {
	return now.UnixMilli()-e.Timestamp > e.TTL
}

type persistedStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// PersistentStats extends StoreStats with quota usage.
type PersistentStats struct {
	StoreStats
	MaxEntries   int     `json:"max_entries"`
	UsagePercent float64 `json:"usage_percent"`
	AverageSize  float64 `json:"average_size"`
}

// ExportedEntry is the portable form of one persistent entry.
type ExportedEntry struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// OptimizeResult summarizes an Optimize pass.
type OptimizeResult struct {
	Expired   int   `json:"expired"`
	Corrupted int   `json:"corrupted"`
	Rewritten int   `json:"rewritten"`
	Freed     int64 `json:"freed"`
}

// PersistentStore is a cache tier over a Storage. Values are JSON encoded,
// optionally gzip compressed, and wrapped in an envelope carrying TTL and
// access bookkeeping.
type PersistentStore struct {
	mu      sync.Mutex
	storage Storage
	config  PersistentConfig
	size    int64
	entries int
	hits    int64
	misses  int64

	logger    *zap.Logger
	now       func() time.Time
	onCleanup func(removed int, freed int64)
	stopCh    chan struct{}
	closeOnce sync.Once
}

var _ Store = (*PersistentStore)(nil)

// NewPersistentStore wraps storage, rebuilds size accounting from the stored
// entries and reloads hit/miss counters.
func NewPersistentStore(storage Storage, config PersistentConfig, logger *zap.Logger) (*PersistentStore, error) {
	if storage == nil {
		return nil, fmt.Errorf("persistent store requires a storage backend")
	}
	defaults := DefaultPersistentConfig()
	if config.MaxSize <= 0 {
		config.MaxSize = defaults.MaxSize
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = defaults.MaxEntries
	}
	if config.MaxAge <= 0 {
		config.MaxAge = defaults.MaxAge
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &PersistentStore{
		storage: storage,
		config:  config,
		logger:  logger.Named("persistent"),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	if err := p.loadStats(); err != nil {
		return nil, err
	}

	if config.CleanupInterval > 0 {
		go p.cleanupLoop()
	}
	return p, nil
}

func (p *PersistentStore) storageKey(key string) string {
	return p.config.Prefix + key
}

func (p *PersistentStore) statsKey() string {
	return p.config.Prefix + statsKeySuffix
}

func (p *PersistentStore) loadStats() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	raw, ok, err := p.storage.GetItem(p.statsKey())
	if err != nil {
		return fmt.Errorf("failed to load persistent stats: %w", err)
	}
	if ok {
		var s persistedStats
		if err := json.Unmarshal([]byte(raw), &s); err == nil {
			p.hits, p.misses = s.Hits, s.Misses
		}
	}

	keys, err := p.ownKeysLocked()
	if err != nil {
		return fmt.Errorf("failed to list persistent entries: %w", err)
	}
	for _, sk := range keys {
		env, err := p.readLocked(sk)
		if err != nil {
			continue
		}
		p.size += env.Size
		p.entries++
	}
	return nil
}

func (p *PersistentStore) saveStatsLocked() {
	data, _ := json.Marshal(persistedStats{Hits: p.hits, Misses: p.misses})
	if err := p.storage.SetItem(p.statsKey(), string(data)); err != nil {
		p.logger.Debug("failed to save persistent stats", zap.Error(err))
	}
}

// ownKeysLocked returns storage keys belonging to this store, stats key excluded.
func (p *PersistentStore) ownKeysLocked() ([]string, error) {
	all, err := p.storage.Keys()
	if err != nil {
		return nil, err
	}
	statsKey := p.statsKey()
	keys := make([]string, 0, len(all))
	for _, k := range all {
		if strings.HasPrefix(k, p.config.Prefix) && k != statsKey {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

var errCorrupted = errors.New("corrupted cache entry")

// readLocked loads an envelope. A missing item returns (nil, nil).
func (p *PersistentStore) readLocked(storageKey string) (*envelope, error) {
	raw, ok, err := p.storage.GetItem(storageKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, errCorrupted
	}
	return &env, nil
}

func (p *PersistentStore) removeLocked(storageKey string, env *envelope) {
	if err := p.storage.RemoveItem(storageKey); err != nil {
		p.logger.Warn("failed to remove persistent entry", zap.String("key", storageKey), zap.Error(err))
		return
	}
	if env != nil {
		// entries written behind the store's back were never counted
		p.size = max(p.size-env.Size, 0)
		p.entries = max(p.entries-1, 0)
	}
}

// Get returns the decoded value. Expired and corrupted entries are removed
// and reported as misses.
func (p *PersistentStore) Get(_ context.Context, key string) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sk := p.storageKey(key)
	env, err := p.readLocked(sk)
	if err != nil {
		if errors.Is(err, errCorrupted) {
			p.logger.Warn("removing corrupted entry", zap.String("key", key))
			// corrupted entries were never counted by a Set in this process
			_ = p.storage.RemoveItem(sk)
		}
		p.misses++
		return nil, false
	}
	if env == nil {
		p.misses++
		return nil, false
	}

	now := p.now()
	if env.expired(now) {
		p.removeLocked(sk, env)
		p.misses++
		return nil, false
	}

	value, err := decodeData(env.Data, env.Compressed)
	if err != nil {
		p.logger.Warn("removing undecodable entry", zap.String("key", key), zap.Error(err))
		p.removeLocked(sk, env)
		p.misses++
		return nil, false
	}

	env.AccessCount++
	env.LastAccessed = now.UnixMilli()
	if raw, err := json.Marshal(env); err == nil {
		if err := p.storage.SetItem(sk, string(raw)); err != nil {
			p.logger.Debug("failed to update access stats", zap.String("key", key), zap.Error(err))
		}
	}

	p.hits++
	return value, true
}

// Has reports whether a live entry exists without updating access stats.
func (p *PersistentStore) Has(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	env, err := p.readLocked(p.storageKey(key))
	return err == nil && env != nil && !env.expired(p.now())
}

// Set encodes value and writes it, evicting by last access when the entry
// count or byte budget would be exceeded.
func (p *PersistentStore) Set(_ context.Context, key string, value any, ttl time.Duration) bool {
	data, compressed, err := encodeData(value, p.config.Compression)
	if err != nil {
		p.logger.Debug("failed to encode value", zap.String("key", key), zap.Error(err))
		return false
	}
	size := int64(len(data))*2 + envelopeOverhead
	if size > p.config.MaxSize {
		return false
	}
	if ttl <= 0 {
		ttl = p.config.MaxAge
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	sk := p.storageKey(key)
	existing, _ := p.readLocked(sk)
	var existingSize int64
	if existing != nil {
		existingSize = existing.Size
	}

	overEntries := existing == nil && p.entries >= p.config.MaxEntries
	if overEntries || p.size-existingSize+size > p.config.MaxSize {
		p.makeSpaceLocked(p.size-existingSize+size-p.config.MaxSize, overEntries, sk)
	}

	now := p.now().UnixMilli()
	env := envelope{
		Data:         data,
		Timestamp:    now,
		Size:         size,
		AccessCount:  1,
		LastAccessed: now,
		TTL:          ttl.Milliseconds(),
		Compressed:   compressed,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return false
	}

	err = p.storage.SetItem(sk, string(raw))
	if errors.Is(err, ErrQuotaExceeded) {
		p.logger.Debug("storage quota exceeded, freeing space", zap.String("key", key))
		p.makeSpaceLocked(size, false, sk)
		err = p.storage.SetItem(sk, string(raw))
	}
	if err != nil {
		p.logger.Warn("persistent write failed", zap.String("key", key), zap.Error(err))
		return false
	}

	if existing != nil {
		p.size += size - existingSize
	} else {
		p.size += size
		p.entries++
	}
	p.saveStatsLocked()
	return true
}

type agedEntry struct {
	key string
	env *envelope
}

// makeSpaceLocked frees at least required bytes, and one slot when needSlot,
// oldest access first. If that is not enough half of what remains goes too.
// skip is never evicted.
func (p *PersistentStore) makeSpaceLocked(required int64, needSlot bool, skip string) {
	entries := p.entriesByAccessLocked(skip)

	var freed int64
	removed := 0
	for len(entries) > 0 && (freed < required || (needSlot && removed == 0)) {
		e := entries[0]
		entries = entries[1:]
		p.removeLocked(e.key, e.env)
		freed += e.env.Size
		removed++
	}

	if freed < required {
		half := len(entries) / 2
		for _, e := range entries[:half] {
			p.removeLocked(e.key, e.env)
		}
	}
}

func (p *PersistentStore) entriesByAccessLocked(skip string) []agedEntry {
	keys, err := p.ownKeysLocked()
	if err != nil {
		return nil
	}
	out := make([]agedEntry, 0, len(keys))
	for _, k := range keys {
		if k == skip {
			continue
		}
		env, err := p.readLocked(k)
		if errors.Is(err, errCorrupted) {
			_ = p.storage.RemoveItem(k)
			continue
		}
		if err != nil || env == nil {
			continue
		}
		out = append(out, agedEntry{key: k, env: env})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].env.LastAccessed < out[j].env.LastAccessed })
	return out
}

// Delete removes key and reports whether it was present.
func (p *PersistentStore) Delete(_ context.Context, key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	sk := p.storageKey(key)
	env, err := p.readLocked(sk)
	if errors.Is(err, errCorrupted) {
		return p.storage.RemoveItem(sk) == nil
	}
	if err != nil || env == nil {
		return false
	}
	p.removeLocked(sk, env)
	p.saveStatsLocked()
	return true
}

// Clear removes every entry matching pattern, or all entries for "".
func (p *PersistentStore) Clear(ctx context.Context, pattern string) bool {
	if pattern != "" {
		p.Invalidate(ctx, pattern)
		return true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	keys, err := p.ownKeysLocked()
	if err != nil {
		p.logger.Warn("failed to list entries for clear", zap.Error(err))
		return false
	}
	ok := true
	for _, k := range keys {
		if err := p.storage.RemoveItem(k); err != nil {
			ok = false
		}
	}
	p.size, p.entries = 0, 0
	p.saveStatsLocked()
	return ok
}

// Invalidate removes entries whose key matches pattern.
func (p *PersistentStore) Invalidate(_ context.Context, pattern string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys, err := p.ownKeysLocked()
	if err != nil {
		return 0
	}
	now := p.now()
	count, dropped := 0, 0
	for _, sk := range keys {
		if !MatchPattern(pattern, strings.TrimPrefix(sk, p.config.Prefix)) {
			continue
		}
		env, err := p.readLocked(sk)
		if err != nil && !errors.Is(err, errCorrupted) {
			continue
		}
		// corrupted and expired entries are absent: removed, not counted
		if env == nil {
			_ = p.storage.RemoveItem(sk)
			dropped++
			continue
		}
		p.removeLocked(sk, env)
		if env.expired(now) {
			dropped++
			continue
		}
		count++
	}
	if count+dropped > 0 {
		p.saveStatsLocked()
	}
	return count
}

// Keys returns the unprefixed keys of stored entries.
func (p *PersistentStore) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys, err := p.ownKeysLocked()
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, p.config.Prefix))
	}
	return out
}

// Stats returns counters and quota usage.
func (p *PersistentStore) Stats() PersistentStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PersistentStats{
		StoreStats: StoreStats{
			Name:    string(StrategyPersistent),
			Entries: p.entries,
			Size:    p.size,
			MaxSize: p.config.MaxSize,
			Hits:    p.hits,
			Misses:  p.misses,
			HitRate: hitRate(p.hits, p.misses),
		},
		MaxEntries:   p.config.MaxEntries,
		UsagePercent: float64(p.size) / float64(p.config.MaxSize) * 100,
	}
	if p.entries > 0 {
		stats.AverageSize = float64(p.size) / float64(p.entries)
	}
	return stats
}

// Export returns every decodable entry, expired ones included.
func (p *PersistentStore) Export() ([]ExportedEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys, err := p.ownKeysLocked()
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	out := make([]ExportedEntry, 0, len(keys))
	for _, sk := range keys {
		env, err := p.readLocked(sk)
		if err != nil || env == nil {
			continue
		}
		raw, err := decodeRaw(env.Data, env.Compressed)
		if err != nil {
			p.logger.Debug("skipping undecodable entry on export", zap.String("key", sk), zap.Error(err))
			continue
		}
		out = append(out, ExportedEntry{
			Key:       strings.TrimPrefix(sk, p.config.Prefix),
			Data:      raw,
			Timestamp: time.UnixMilli(env.Timestamp),
		})
	}
	return out, nil
}

// Import writes entries with the default TTL and returns how many were stored.
func (p *PersistentStore) Import(ctx context.Context, entries []ExportedEntry) int {
	imported := 0
	for _, e := range entries {
		if e.Key == "" || len(e.Data) == 0 {
			continue
		}
		if p.Set(ctx, e.Key, e.Data, 0) {
			imported++
		}
	}
	return imported
}

// Optimize drops expired and corrupted entries and rewrites the rest with
// the current compression setting.
func (p *PersistentStore) Optimize() OptimizeResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	var res OptimizeResult
	keys, err := p.ownKeysLocked()
	if err != nil {
		return res
	}
	now := p.now()
	for _, sk := range keys {
		env, err := p.readLocked(sk)
		if errors.Is(err, errCorrupted) {
			_ = p.storage.RemoveItem(sk)
			res.Corrupted++
			continue
		}
		if err != nil || env == nil {
			continue
		}
		if env.expired(now) {
			p.removeLocked(sk, env)
			res.Expired++
			res.Freed += env.Size
			continue
		}

		raw, err := decodeRaw(env.Data, env.Compressed)
		if err != nil {
			p.removeLocked(sk, env)
			res.Corrupted++
			res.Freed += env.Size
			continue
		}
		data, compressed, err := encodeRaw(raw, p.config.Compression)
		if err != nil {
			continue
		}
		newSize := int64(len(data))*2 + envelopeOverhead
		rewritten := *env
		rewritten.Data, rewritten.Compressed, rewritten.Size = data, compressed, newSize
		out, err := json.Marshal(rewritten)
		if err != nil {
			continue
		}
		if err := p.storage.SetItem(sk, string(out)); err != nil {
			continue
		}
		res.Freed += env.Size - newSize
		p.size += newSize - env.Size
		res.Rewritten++
	}
	p.saveStatsLocked()
	return res
}

// Cleanup removes expired entries and returns how many were removed.
func (p *PersistentStore) Cleanup() int {
	p.mu.Lock()
	keys, err := p.ownKeysLocked()
	if err != nil {
		p.mu.Unlock()
		return 0
	}
	now := p.now()
	removed := 0
	var freed int64
	for _, sk := range keys {
		env, err := p.readLocked(sk)
		if errors.Is(err, errCorrupted) {
			_ = p.storage.RemoveItem(sk)
			removed++
			continue
		}
		if err != nil || env == nil || !env.expired(now) {
			continue
		}
		p.removeLocked(sk, env)
		freed += env.Size
		removed++
	}
	if removed > 0 {
		p.saveStatsLocked()
	}
	cb := p.onCleanup
	p.mu.Unlock()

	if removed > 0 {
		p.logger.Debug("persistent cleanup", zap.Int("removed", removed), zap.Int64("freed", freed))
		if cb != nil {
			cb(removed, freed)
		}
	}
	return removed
}

// OnCleanup registers a callback invoked after each sweep that removed entries.
func (p *PersistentStore) OnCleanup(fn func(removed int, freed int64)) {
	p.mu.Lock()
	p.onCleanup = fn
	p.mu.Unlock()
}

func (p *PersistentStore) cleanupLoop() {
	ticker := time.NewTicker(p.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Cleanup()
		case <-p.stopCh:
			return
		}
	}
}

// Close stops the sweep and persists counters.
func (p *PersistentStore) Close() error {
	p.closeOnce.Do(func() {
		close(p.stopCh)
		p.mu.Lock()
		p.saveStatsLocked()
		p.mu.Unlock()
	})
	return nil
}

func encodeData(value any, compress bool) (string, bool, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", false, err
	}
	return encodeRaw(raw, compress)
}

func encodeRaw(raw []byte, compress bool) (string, bool, error) {
	if !compress || len(raw) <= compressThreshold {
		return string(raw), false, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", false, err
	}
	if err := zw.Close(); err != nil {
		return "", false, err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), true, nil
}

func decodeRaw(data string, compressed bool) (json.RawMessage, error) {
	if !compressed {
		if !json.Valid([]byte(data)) {
			return nil, errCorrupted
		}
		return json.RawMessage(data), nil
	}
	zipped, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 payload: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(zipped))
	if err != nil {
		return nil, fmt.Errorf("invalid gzip payload: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	return raw, nil
}

func decodeData(data string, compressed bool) (any, error) {
	raw, err := decodeRaw(data, compressed)
	if err != nil {
		return nil, err
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return value, nil
}
