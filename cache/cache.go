// Package cache implements a pluggable cache coordination layer: a uniform
// Adapter contract backed by interchangeable stores (in-process memory,
// Redis), and a Service that composes one adapter with an optional pub/sub
// bus to emit change events, serve pattern-based watches, and keep peer
// processes coherent via cross-process invalidation.
package cache

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// Value is the result of a batch lookup. Found reports whether the key
// existed and had not expired at read time.
type Value struct {
	Data  string
	Found bool
}

// Entry is one item of a batch write.
type Entry struct {
	Key   string
	Value string
	// TTL of zero means the adapter's default TTL applies (or no
	// expiration when the adapter has no default).
	TTL time.Duration
}

// Stats are the aggregate counters every adapter maintains.
// Counters are cumulative since adapter construction.
type Stats struct {
	Hits        int64
	Misses      int64
	Evictions   int64
	MemoryUsage int64
	EntryCount  int64
	Uptime      time.Duration
}

// Health reports backend connectivity as observed by a round-trip probe.
type Health struct {
	Healthy bool
	Latency time.Duration
	Addr    string
	DB      int
	Error   string
}

// Adapter abstracts a key-value cache store with TTL support.
// All operations are safe for concurrent use and independently atomic with
// respect to a single key. Batch operations carry no cross-key atomicity
// guarantee: on error the state of the batch is unknown and callers must
// re-read to confirm.
type Adapter interface {
	// Get retrieves the value for key. The boolean result is false when
	// the key does not exist or has expired.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores a value. A zero TTL applies the adapter default; with no
	// default the entry never expires.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes a key, reporting whether it existed. Deleting an
	// absent key is a no-op returning false.
	Delete(ctx context.Context, key string) (bool, error)

	// MGet retrieves many keys in one round trip where the backend
	// supports it. The result has one Value per requested key, in order.
	MGet(ctx context.Context, keys ...string) ([]Value, error)

	// MSet stores many entries, batched where the backend supports it.
	MSet(ctx context.Context, entries ...Entry) error

	// Keys lists keys matching a Redis-style glob pattern ("*" and "?"
	// wildcards). An empty pattern matches every key.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Clear removes all keys matching pattern (every key when empty) and
	// returns the number removed.
	Clear(ctx context.Context, pattern string) (int64, error)

	// Stats returns the adapter's aggregate counters.
	Stats(ctx context.Context) (Stats, error)
}

// Connector is implemented by adapters whose backend has a connection
// lifecycle. The memory adapter implements it trivially.
type Connector interface {
	Connect(ctx context.Context) error

	// Disconnect is terminal and idempotent.
	Disconnect(ctx context.Context) error

	HealthCheck(ctx context.Context) (Health, error)
}

// globRegexp compiles a Redis-style glob ("*" matches any run, "?" any
// single character) into an anchored regexp. Other characters match
// literally.
func globRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteByte('^')
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	return regexp.Compile(b.String())
}

// matchAll reports whether pattern selects every key.
func matchAll(pattern string) bool {
	return pattern == "" || pattern == "*"
}
