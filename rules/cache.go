package rules

import "time"

// RulesCache provides an abstraction for caching the enabled rule groups
// read by every execution run
type RulesCache interface {
	// Get retrieves cached groups, returns nil if cache miss or expired
	Get() []RuleGroup

	// Set stores groups in cache
	Set(groups []RuleGroup)

	// Invalidate clears the cache, forcing a refresh on next Get
	Invalidate()

	// IsValid returns true if cache has valid data
	IsValid() bool
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries
	// Set to 0 for no expiration (manual invalidation only)
	TTL time.Duration
}

// DefaultCacheConfig returns sensible defaults for rule group caching
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL: 0, // No TTL - only invalidate on mutations
	}
}
