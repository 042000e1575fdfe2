// Package cache provides the key/value caches used for sessions and lookup
// memoisation. The in-memory cache evicts least recently used entries and
// sweeps expired ones in the background; the Redis cache shares entries
// between nodes; the ristretto cache is an admission-controlled local cache
// for hot read paths.
package cache
