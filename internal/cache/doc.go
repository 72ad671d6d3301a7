/*
Package cache provides the tiered cache that sits in front of the data source.

Three stores share one primitive contract (Store) and a Manager routes calls
to them by strategy:

	┌─────────────────────────────────────────────┐
	│              Query Builder                  │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│               Cache Manager                 │  ← This Package
	│   memory | persistent | remote | hybrid     │
	└─────────────────────────────────────────────┘
	          │              │              │
	┌──────────────┐ ┌──────────────┐ ┌──────────────┐
	│ MemoryStore  │ │ RemoteStore  │ │ Persistent   │
	│ LRU, bytes   │ │ Redis or     │ │ Storage +    │
	│ bounded      │ │ fallback     │ │ envelopes    │
	└──────────────┘ └──────────────┘ └──────────────┘

# Stores

MemoryStore keeps values in process, bounded by an estimated byte size
(EstimateSize). Least recently used entries are evicted to make room and
values larger than the whole capacity are refused.

PersistentStore writes JSON envelopes to a Storage (DirStorage on disk,
MemoryStorage in tests). Payloads over 1KiB are gzip compressed when
compression is on. Entry count and byte budgets are enforced by last access
time, and hit/miss counters survive restarts under the "<prefix>__stats__"
key.

RemoteStore talks to Redis through a circuit breaker. Without an address, or
when the first PING fails, it serves the same API, including hashes, lists
and sets, from process memory. Stats().Mode tells the two apart.

# Strategies

Hybrid reads go memory, remote, persistent; a hit in a slower tier is copied
into the faster tiers that missed. Hybrid writes go to every tier at once and
succeed when any tier accepted the value.

	mgr := cache.NewManager(ctx, cache.ManagerConfig{
		DefaultStrategy: cache.StrategyHybrid,
		Memory:          cache.DefaultMemoryConfig(),
		Remote:          cache.RemoteConfig{Addr: "localhost:6379"},
		HybridL2:        cache.StrategyRemote,
		SyncInterval:    5 * time.Second,
	}, cache.Options{Persistent: persistent, Analytics: cacheAnalytics})
	defer mgr.Close()

	mgr.Set(ctx, "contracts:select:*", rows, 0, "")
	rows, ok := mgr.Get(ctx, "contracts:select:*", "")
	removed := mgr.Invalidate(ctx, "contracts:*", "")

Patterns use '*' as the only wildcard and always match the whole key.
*/
package cache
