package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Remote store modes reported by Stats.
const (
	ModeRedis    = "redis"
	ModeFallback = "fallback"
)

const scanBatch = 100

// RemoteConfig configures the shared tier.
type RemoteConfig struct {
	Addr        string
	Password    string
	DB          int
	KeyPrefix   string
	TTL         time.Duration
	DialTimeout time.Duration

	// Breaker trips after BreakerFailures consecutive failures and retries
	// again after BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	OnBreakerChange func(name string, from, to gobreaker.State)
}

// DefaultRemoteConfig returns the development settings with no address, so
// the store starts in fallback mode.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		KeyPrefix:       "querycache:",
		TTL:             10 * time.Minute,
		DialTimeout:     2 * time.Second,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// RemoteStats extends StoreStats with connection state.
type RemoteStats struct {
	StoreStats
	Connected    bool   `json:"connected"`
	BreakerState string `json:"breaker_state,omitempty"`
	Errors       int64  `json:"errors"`
}

type fallbackValue struct {
	data      []byte
	expiresAt time.Time
}

// fallbackData holds the in-process replacement for every Redis structure
// the store uses.
type fallbackData struct {
	strings map[string]fallbackValue
	hashes  map[string]map[string][]byte
	lists   map[string][][]byte
	sets    map[string]map[string]struct{}
}

func newFallbackData() *fallbackData {
	return &fallbackData{
		strings: make(map[string]fallbackValue),
		hashes:  make(map[string]map[string][]byte),
		lists:   make(map[string][][]byte),
		sets:    make(map[string]map[string]struct{}),
	}
}

// RemoteStore is a Redis backed tier. When no address is configured or the
// server does not answer PING at construction, it serves the same API from
// process memory instead.
type RemoteStore struct {
	config  RemoteConfig
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	fallback *fallbackData
	hits     int64
	misses   int64
	errors   int64
}

var _ Store = (*RemoteStore)(nil)

// NewRemoteStore connects to Redis, or falls back to process memory.
func NewRemoteStore(ctx context.Context, config RemoteConfig, logger *zap.Logger) *RemoteStore {
	defaults := DefaultRemoteConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaults.DialTimeout
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = defaults.BreakerFailures
	}
	if config.BreakerTimeout <= 0 {
		config.BreakerTimeout = defaults.BreakerTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &RemoteStore{
		config: config,
		logger: logger.Named("remote"),
		now:    time.Now,
	}

	if config.Addr == "" {
		r.logger.Info("no redis address configured, using in-process fallback")
		r.fallback = newFallbackData()
		return r
	}

	client := redis.NewClient(&redis.Options{
		Addr:        config.Addr,
		Password:    config.Password,
		DB:          config.DB,
		DialTimeout: config.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, config.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		r.logger.Warn("redis unavailable, using in-process fallback",
			zap.String("addr", config.Addr),
			zap.Error(err))
		_ = client.Close()
		r.fallback = newFallbackData()
		return r
	}

	r.client = client
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "remote-cache",
		MaxRequests: 1,
		Timeout:     config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("remote cache breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if config.OnBreakerChange != nil {
				config.OnBreakerChange(name, from, to)
			}
		},
	})
	r.logger.Info("connected to redis", zap.String("addr", config.Addr))
	return r
}

// Mode reports whether the store talks to Redis or to its fallback maps.
func (r *RemoteStore) Mode() string {
	if r.client == nil {
		return ModeFallback
	}
	return ModeRedis
}

func (r *RemoteStore) key(k string) string {
	return r.config.KeyPrefix + k
}

// exec runs fn through the breaker. Errors are logged and counted.
func (r *RemoteStore) exec(op string, fn func() (any, error)) (any, error) {
	res, err := r.breaker.Execute(fn)
	if err != nil {
		r.mu.Lock()
		r.errors++
		r.mu.Unlock()
		r.logger.Debug("remote cache operation failed", zap.String("op", op), zap.Error(err))
	}
	return res, err
}

func (r *RemoteStore) countHit(hit bool) {
	r.mu.Lock()
	if hit {
		r.hits++
	} else {
		r.misses++
	}
	r.mu.Unlock()
}

func decodeJSON(data []byte) (any, bool) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false
	}
	return v, true
}

// Get returns the decoded value stored under key.
func (r *RemoteStore) Get(ctx context.Context, key string) (any, bool) {
	var data []byte
	if r.client == nil {
		r.mu.Lock()
		v, ok := r.fallback.strings[key]
		if ok && isExpired(r.now(), v.expiresAt) {
			delete(r.fallback.strings, key)
			ok = false
		}
		r.mu.Unlock()
		if !ok {
			r.countHit(false)
			return nil, false
		}
		data = v.data
	} else {
		res, err := r.exec("get", func() (any, error) {
			b, err := r.client.Get(ctx, r.key(key)).Bytes()
			if errors.Is(err, redis.Nil) {
				return nil, nil
			}
			return b, err
		})
		if err != nil || res == nil {
			r.countHit(false)
			return nil, false
		}
		data = res.([]byte)
	}

	value, ok := decodeJSON(data)
	r.countHit(ok)
	return value, ok
}

// Set stores value JSON encoded with ttl, or the configured TTL.
func (r *RemoteStore) Set(ctx context.Context, key string, value any, ttl time.Duration) bool {
	data, err := json.Marshal(value)
	if err != nil {
		r.logger.Debug("failed to encode value", zap.String("key", key), zap.Error(err))
		return false
	}
	if ttl <= 0 {
		ttl = r.config.TTL
	}

	if r.client == nil {
		r.mu.Lock()
		r.fallback.strings[key] = fallbackValue{data: data, expiresAt: r.now().Add(ttl)}
		r.mu.Unlock()
		return true
	}

	_, err = r.exec("set", func() (any, error) {
		return nil, r.client.Set(ctx, r.key(key), data, ttl).Err()
	})
	return err == nil
}

// Delete removes key and reports whether it existed.
func (r *RemoteStore) Delete(ctx context.Context, key string) bool {
	if r.client == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		f := r.fallback
		_, s := f.strings[key]
		_, h := f.hashes[key]
		_, l := f.lists[key]
		_, st := f.sets[key]
		delete(f.strings, key)
		delete(f.hashes, key)
		delete(f.lists, key)
		delete(f.sets, key)
		return s || h || l || st
	}

	res, err := r.exec("del", func() (any, error) {
		return r.client.Del(ctx, r.key(key)).Result()
	})
	return err == nil && res.(int64) > 0
}

// Clear removes keys matching pattern, or every prefixed key for "".
func (r *RemoteStore) Clear(ctx context.Context, pattern string) bool {
	if pattern == "" {
		pattern = "*"
	}
	if r.client == nil {
		r.mu.Lock()
		if pattern == "*" {
			r.fallback = newFallbackData()
		} else {
			r.invalidateFallbackLocked(pattern)
		}
		r.mu.Unlock()
		return true
	}
	_, err := r.scanDelete(ctx, pattern)
	return err == nil
}

// Invalidate removes keys matching pattern and returns how many were removed.
func (r *RemoteStore) Invalidate(ctx context.Context, pattern string) int {
	if r.client == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.invalidateFallbackLocked(pattern)
	}
	n, _ := r.scanDelete(ctx, pattern)
	return n
}

func (r *RemoteStore) invalidateFallbackLocked(pattern string) int {
	now := r.now()
	count := 0
	for k, v := range r.fallback.strings {
		if MatchPattern(pattern, k) {
			delete(r.fallback.strings, k)
			if !isExpired(now, v.expiresAt) {
				count++
			}
		}
	}
	for k := range r.fallback.hashes {
		if MatchPattern(pattern, k) {
			delete(r.fallback.hashes, k)
			count++
		}
	}
	for k := range r.fallback.lists {
		if MatchPattern(pattern, k) {
			delete(r.fallback.lists, k)
			count++
		}
	}
	for k := range r.fallback.sets {
		if MatchPattern(pattern, k) {
			delete(r.fallback.sets, k)
			count++
		}
	}
	return count
}

func (r *RemoteStore) scanDelete(ctx context.Context, pattern string) (int, error) {
	match := redisPattern(r.config.KeyPrefix, pattern)
	res, err := r.exec("scan_del", func() (any, error) {
		deleted := 0
		var cursor uint64
		for {
			keys, next, err := r.client.Scan(ctx, cursor, match, scanBatch).Result()
			if err != nil {
				return deleted, err
			}
			if len(keys) > 0 {
				n, err := r.client.Del(ctx, keys...).Result()
				if err != nil {
					return deleted, err
				}
				deleted += int(n)
			}
			cursor = next
			if cursor == 0 {
				return deleted, nil
			}
		}
	})
	if res == nil {
		return 0, err
	}
	return res.(int), err
}

// redisPattern translates a '*' glob into a Redis MATCH expression, escaping
// every other Redis metacharacter.
func redisPattern(prefix, pattern string) string {
	var b strings.Builder
	for i, part := range []string{prefix, pattern} {
		for _, c := range part {
			switch c {
			case '?', '[', ']', '\\':
				b.WriteByte('\\')
			case '*':
				// wildcards in the prefix are literal
				if i == 0 {
					b.WriteByte('\\')
				}
			}
			b.WriteRune(c)
		}
	}
	return b.String()
}

// HSet stores field in the hash at key.
func (r *RemoteStore) HSet(ctx context.Context, key, field string, value any) bool {
	data, err := json.Marshal(value)
	if err != nil {
		return false
	}
	if r.client == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		h, ok := r.fallback.hashes[key]
		if !ok {
			h = make(map[string][]byte)
			r.fallback.hashes[key] = h
		}
		h[field] = data
		return true
	}
	_, err = r.exec("hset", func() (any, error) {
		return nil, r.client.HSet(ctx, r.key(key), field, data).Err()
	})
	return err == nil
}

// HGet returns the decoded field of the hash at key.
func (r *RemoteStore) HGet(ctx context.Context, key, field string) (any, bool) {
	var data []byte
	if r.client == nil {
		r.mu.Lock()
		d, ok := r.fallback.hashes[key][field]
		r.mu.Unlock()
		if !ok {
			return nil, false
		}
		data = d
	} else {
		res, err := r.exec("hget", func() (any, error) {
			b, err := r.client.HGet(ctx, r.key(key), field).Bytes()
			if errors.Is(err, redis.Nil) {
				return nil, nil
			}
			return b, err
		})
		if err != nil || res == nil {
			return nil, false
		}
		data = res.([]byte)
	}
	return decodeJSON(data)
}

// HDel removes fields from the hash at key and returns how many existed.
func (r *RemoteStore) HDel(ctx context.Context, key string, fields ...string) int {
	if r.client == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		h := r.fallback.hashes[key]
		n := 0
		for _, f := range fields {
			if _, ok := h[f]; ok {
				delete(h, f)
				n++
			}
		}
		if len(h) == 0 {
			delete(r.fallback.hashes, key)
		}
		return n
	}
	res, err := r.exec("hdel", func() (any, error) {
		return r.client.HDel(ctx, r.key(key), fields...).Result()
	})
	if err != nil {
		return 0
	}
	return int(res.(int64))
}

// LPush prepends values in order, so the last value ends up first. It
// returns the new list length.
func (r *RemoteStore) LPush(ctx context.Context, key string, values ...any) int {
	encoded := make([][]byte, 0, len(values))
	for _, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return 0
		}
		encoded = append(encoded, data)
	}

	if r.client == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.fallback.lists[key]
		for _, data := range encoded {
			list = append([][]byte{data}, list...)
		}
		r.fallback.lists[key] = list
		return len(list)
	}

	args := make([]any, len(encoded))
	for i, data := range encoded {
		args[i] = data
	}
	res, err := r.exec("lpush", func() (any, error) {
		return r.client.LPush(ctx, r.key(key), args...).Result()
	})
	if err != nil {
		return 0
	}
	return int(res.(int64))
}

// LRange returns the decoded elements between start and stop inclusive.
// Negative indexes count from the end.
func (r *RemoteStore) LRange(ctx context.Context, key string, start, stop int64) []any {
	var raw [][]byte
	if r.client == nil {
		r.mu.Lock()
		list := r.fallback.lists[key]
		from, to, ok := normalizeRange(int64(len(list)), start, stop)
		if ok {
			raw = append(raw, list[from:to+1]...)
		}
		r.mu.Unlock()
	} else {
		res, err := r.exec("lrange", func() (any, error) {
			return r.client.LRange(ctx, r.key(key), start, stop).Result()
		})
		if err != nil {
			return nil
		}
		for _, s := range res.([]string) {
			raw = append(raw, []byte(s))
		}
	}

	out := make([]any, 0, len(raw))
	for _, data := range raw {
		if v, ok := decodeJSON(data); ok {
			out = append(out, v)
		}
	}
	return out
}

// normalizeRange applies Redis LRANGE index rules to a list of length n.
func normalizeRange(n, start, stop int64) (int64, int64, bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}

// SAdd adds members to the set at key and returns how many were new.
func (r *RemoteStore) SAdd(ctx context.Context, key string, members ...string) int {
	if r.client == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		set, ok := r.fallback.sets[key]
		if !ok {
			set = make(map[string]struct{})
			r.fallback.sets[key] = set
		}
		added := 0
		for _, m := range members {
			if _, exists := set[m]; !exists {
				set[m] = struct{}{}
				added++
			}
		}
		return added
	}

	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	res, err := r.exec("sadd", func() (any, error) {
		return r.client.SAdd(ctx, r.key(key), args...).Result()
	})
	if err != nil {
		return 0
	}
	return int(res.(int64))
}

// SMembers returns the members of the set at key in no particular order.
func (r *RemoteStore) SMembers(ctx context.Context, key string) []string {
	if r.client == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		out := make([]string, 0, len(r.fallback.sets[key]))
		for m := range r.fallback.sets[key] {
			out = append(out, m)
		}
		return out
	}
	res, err := r.exec("smembers", func() (any, error) {
		return r.client.SMembers(ctx, r.key(key)).Result()
	})
	if err != nil {
		return nil
	}
	return res.([]string)
}

// SyncFromMemory writes entries in a single pipeline and returns how many
// were queued successfully.
func (r *RemoteStore) SyncFromMemory(ctx context.Context, entries []SnapshotEntry) int {
	if len(entries) == 0 {
		return 0
	}

	type encodedEntry struct {
		key  string
		data []byte
		ttl  time.Duration
	}
	encoded := make([]encodedEntry, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e.Value)
		if err != nil {
			continue
		}
		ttl := e.TTL
		if ttl <= 0 {
			ttl = r.config.TTL
		}
		encoded = append(encoded, encodedEntry{key: e.Key, data: data, ttl: ttl})
	}

	if r.client == nil {
		r.mu.Lock()
		now := r.now()
		for _, e := range encoded {
			r.fallback.strings[e.key] = fallbackValue{data: e.data, expiresAt: now.Add(e.ttl)}
		}
		r.mu.Unlock()
		return len(encoded)
	}

	_, err := r.exec("sync", func() (any, error) {
		pipe := r.client.Pipeline()
		for _, e := range encoded {
			pipe.Set(ctx, r.key(e.key), e.data, e.ttl)
		}
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	if err != nil {
		r.logger.Warn("memory to remote sync failed", zap.Int("entries", len(encoded)), zap.Error(err))
		return 0
	}
	return len(encoded)
}

// Ping checks the Redis connection. Fallback mode always answers.
func (r *RemoteStore) Ping(ctx context.Context) error {
	if r.client == nil {
		return nil
	}
	_, err := r.exec("ping", func() (any, error) {
		return nil, r.client.Ping(ctx).Err()
	})
	return err
}

// Stats returns counters, mode and the number of keys under the prefix.
func (r *RemoteStore) Stats(ctx context.Context) RemoteStats {
	r.mu.Lock()
	stats := RemoteStats{
		StoreStats: StoreStats{
			Name:    string(StrategyRemote),
			Hits:    r.hits,
			Misses:  r.misses,
			HitRate: hitRate(r.hits, r.misses),
			Mode:    r.Mode(),
		},
		Connected: r.client != nil,
		Errors:    r.errors,
	}
	if r.client == nil {
		now := r.now()
		for _, v := range r.fallback.strings {
			if !isExpired(now, v.expiresAt) {
				stats.Entries++
				stats.Size += int64(len(v.data))
			}
		}
		stats.Entries += len(r.fallback.hashes) + len(r.fallback.lists) + len(r.fallback.sets)
		r.mu.Unlock()
		return stats
	}
	r.mu.Unlock()

	stats.BreakerState = r.breaker.State().String()
	var cursor uint64
	match := redisPattern(r.config.KeyPrefix, "*")
	for {
		keys, next, err := r.client.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			break
		}
		stats.Entries += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return stats
}

// Cleanup drops expired fallback strings and returns how many were removed.
// Redis expires keys itself, so in Redis mode it does nothing.
func (r *RemoteStore) Cleanup() int {
	if r.client != nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	removed := 0
	for k, v := range r.fallback.strings {
		if isExpired(now, v.expiresAt) {
			delete(r.fallback.strings, k)
			removed++
		}
	}
	return removed
}

// Close releases the Redis connection.
func (r *RemoteStore) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}
