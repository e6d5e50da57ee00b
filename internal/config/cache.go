package config

import "time"

// CacheConfig configures the Redis response cache on dashboard reads.
type CacheConfig struct {
	Enabled      bool          // CACHE_ENABLED
	TTL          time.Duration // CACHE_TTL
	Prefix       string        // CACHE_PREFIX of the Redis keys
	MaxBodyBytes int           // CACHE_MAX_BODY_BYTES; larger responses are not cached
}

// LoadCacheConfig reads the response cache settings.
func LoadCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:      envBool("CACHE_ENABLED", true),
		TTL:          envDur("CACHE_TTL", 30*time.Second),
		Prefix:       envStr("CACHE_PREFIX", "cache"),
		MaxBodyBytes: envInt("CACHE_MAX_BODY_BYTES", 1<<20),
	}
}
