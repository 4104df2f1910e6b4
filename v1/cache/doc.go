// Package cache provides a Redis-backed cache-aside engine with two read
// strategies: pass-through with null-sentinel caching, which bounds the cost
// of repeated lookups for records that do not exist, and logical expiration,
// which keeps entries physically forever and refreshes them in the background
// behind a distributed lock so a hot key expiring never stampedes the backing
// store. Logical-expiration reads never block: expired entries are returned
// stale while at most one rebuild per key runs on the engine's worker pool.
package cache
