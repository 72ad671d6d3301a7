package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Strategy selects which stores a Manager call touches.
type Strategy string

const (
	StrategyMemory     Strategy = "memory"
	StrategyPersistent Strategy = "persistent"
	StrategyRemote     Strategy = "remote"
	StrategyHybrid     Strategy = "hybrid"
)

// isExpired reports whether an entry that expires at expiresAt is gone at
// now. An entry lives through its whole TTL: created+ttl is still a hit.
func isExpired(now, expiresAt time.Time) bool {
	return now.After(expiresAt)
}

// ParseStrategy converts a configuration string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyMemory:
		return StrategyMemory, nil
	case StrategyPersistent:
		return StrategyPersistent, nil
	case StrategyRemote:
		return StrategyRemote, nil
	case StrategyHybrid, "":
		return StrategyHybrid, nil
	default:
		return "", fmt.Errorf("unknown cache strategy: %q", s)
	}
}

// Store is the primitive contract shared by every cache tier.
//
// Failures never surface as errors: a failed Get is a miss, a failed write
// returns false. Patterns use '*' as the only wildcard and must match the
// whole key. An empty pattern passed to Clear removes everything.
type Store interface {
	Get(ctx context.Context, key string) (any, bool)
	Set(ctx context.Context, key string, value any, ttl time.Duration) bool
	Delete(ctx context.Context, key string) bool
	Clear(ctx context.Context, pattern string) bool
	Invalidate(ctx context.Context, pattern string) int
}

// StoreStats is the common subset of per-store statistics.
type StoreStats struct {
	Name      string  `json:"name"`
	Entries   int     `json:"entries"`
	Size      int64   `json:"size"`
	MaxSize   int64   `json:"max_size,omitempty"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
	Evictions int64   `json:"evictions,omitempty"`
	Mode      string  `json:"mode,omitempty"`
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// MatchPattern reports whether key matches a '*' glob. The match is anchored
// at both ends; every other character is literal.
func MatchPattern(pattern, key string) bool {
	if pattern == "" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == key
	}

	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(key, parts[0]) {
		return false
	}
	rest := key[len(parts[0]):]

	last := parts[len(parts)-1]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(rest, part)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(part):]
	}
	return len(rest) >= len(last) && strings.HasSuffix(rest, last)
}

const baseEntrySize = 64

// EstimateSize approximates the in-memory footprint of a value the way the
// memory tier accounts for capacity. Strings count two bytes per character
// and every value carries a fixed overhead.
func EstimateSize(v any) int64 {
	switch val := v.(type) {
	case nil:
		return baseEntrySize
	case string:
		return int64(len(val))*2 + baseEntrySize
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return baseEntrySize
	case []any:
		size := int64(baseEntrySize)
		for _, item := range val {
			size += EstimateSize(item)
		}
		return size
	case map[string]any:
		size := int64(baseEntrySize)
		for k, item := range val {
			size += int64(len(k))*2 + EstimateSize(item)
		}
		return size
	case []map[string]any:
		size := int64(baseEntrySize)
		for _, row := range val {
			size += EstimateSize(row)
		}
		return size
	}
	return estimateReflect(reflect.ValueOf(v))
}

func estimateReflect(rv reflect.Value) int64 {
	switch rv.Kind() {
	case reflect.Invalid:
		return baseEntrySize
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return baseEntrySize
		}
		return estimateReflect(rv.Elem())
	case reflect.String:
		return int64(rv.Len())*2 + baseEntrySize
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return int64(rv.Len()) + baseEntrySize
		}
		size := int64(baseEntrySize)
		for i := 0; i < rv.Len(); i++ {
			size += estimateReflect(rv.Index(i))
		}
		return size
	case reflect.Map:
		size := int64(baseEntrySize)
		iter := rv.MapRange()
		for iter.Next() {
			size += int64(len(fmt.Sprint(iter.Key().Interface())))*2 + estimateReflect(iter.Value())
		}
		return size
	case reflect.Struct:
		size := int64(baseEntrySize)
		t := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			size += int64(len(t.Field(i).Name))*2 + estimateReflect(rv.Field(i))
		}
		return size
	default:
		return baseEntrySize
	}
}
