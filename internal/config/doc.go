/*
Package config loads the querycache configuration.

Configuration is resolved in layers, each overriding the previous one:

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │ ← Highest Priority
	│           (QUERYCACHE_*)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration File                  │
	│            (YAML format)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│        Environment Profile                  │ ← Lowest Priority
	│     (test / development / production)       │
	└─────────────────────────────────────────────┘

Profiles are compiled in. Every tunable the rest of the module reads (cache
sizes and ages, remote TTL, persistent prefix, sync interval) comes from the
selected profile, so no component branches on the environment name.

# Usage

	cfg, err := config.Load("querycache.yaml", "production")
	if err != nil {
		log.Fatal(err)
	}

	maxBytes := cfg.MemoryMaxBytes()
	addr := cfg.RemoteAddr() // "" selects the remote cache fallback mode

Validation uses struct tags (go-playground/validator) plus a few cross-field
checks such as parsing human-readable byte sizes.
*/
package config
