package infer

import (
	"sync"

	"github.com/dont-kill-my-relay/ASPathInference/aspath"
)

// Cache is the shared inference state of one run: the (source AS,
// destination IP) result map plus the miss and error counters. Every
// read-modify-write on it happens under one mutex; no method blocks on I/O.
type Cache struct {
	mu      sync.Mutex
	entries map[aspath.Key]aspath.Result
	stored  map[aspath.Key]struct{} // keys resolved during this run
	misses  int64
	errors  int64
}

// NewCache returns a cache seeded with entries (which may be nil).
// The map is copied.
func NewCache(entries map[aspath.Key]aspath.Result) *Cache {
	c := &Cache{
		entries: make(map[aspath.Key]aspath.Result, len(entries)),
		stored:  make(map[aspath.Key]struct{}),
	}
	for k, v := range entries {
		c.entries[k] = v
	}
	return c
}

// Lookup returns the cached result for key. When ignoreNoResult is set, a
// "no result" seeded from a checkpoint is reported as absent so that the
// caller retries it; one stored during this run is always authoritative.
func (c *Cache) Lookup(key aspath.Key, ignoreNoResult bool) (aspath.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.entries[key]
	if !ok {
		return aspath.Result{}, false
	}
	if !r.Found && ignoreNoResult {
		if _, fresh := c.stored[key]; !fresh {
			return aspath.Result{}, false
		}
	}
	return r, true
}

// Store records the outcome of a lookup. Later stores overwrite earlier ones.
func (c *Cache) Store(key aspath.Key, r aspath.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = r
	c.stored[key] = struct{}{}
}

// RecordMiss counts one lookup that needed a network round trip.
func (c *Cache) RecordMiss() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.misses++
}

// RecordError counts one lookup that exhausted its retries.
func (c *Cache) RecordError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors++
}

// Misses returns the miss count since the last ResetMisses.
func (c *Cache) Misses() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.misses
}

// ResetMisses zeroes the miss counter and returns its previous value.
func (c *Cache) ResetMisses() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.misses
	c.misses = 0
	return prev
}

// Errors returns the number of exhausted lookups in this run.
func (c *Cache) Errors() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Len returns the number of cached keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Snapshot copies the current entries for checkpointing.
func (c *Cache) Snapshot() map[aspath.Key]aspath.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[aspath.Key]aspath.Result, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}
