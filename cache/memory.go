package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity bounds the memory adapter when no capacity is configured.
const DefaultCapacity = 1000

// entryOverhead approximates per-entry bookkeeping cost in bytes.
const entryOverhead = 64

// MemoryConfig configures an in-process adapter.
type MemoryConfig struct {
	// Capacity is the maximum entry count (default DefaultCapacity).
	Capacity int

	// DefaultTTL applies to writes with a zero TTL. Zero means such
	// entries never expire.
	DefaultTTL time.Duration
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero = never expires
	size      int64
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type evictedPair struct {
	key   string
	value string
}

// MemoryAdapter is a bounded in-process Adapter with LRU eviction by entry
// count and dual-path TTL expiration: a lazy check on every read plus a
// scheduled deletion per expiring key, so entries that are never read again
// are still reclaimed.
type MemoryAdapter struct {
	mu         sync.Mutex
	store      *lru.Cache[string, *memEntry]
	timers     map[string]*time.Timer
	capacity   int
	defaultTTL time.Duration

	// removing suppresses the eviction accounting inside the LRU
	// callback while an explicit Remove is in flight.
	removing     bool
	pendingEvict []evictedPair
	onEvict      func(key, value string)

	hits      int64
	misses    int64
	evictions int64
	memory    int64
	started   time.Time
	closed    bool
}

// NewMemoryAdapter creates a bounded in-memory cache adapter.
func NewMemoryAdapter(cfg MemoryConfig) *MemoryAdapter {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	m := &MemoryAdapter{
		timers:     make(map[string]*time.Timer),
		capacity:   capacity,
		defaultTTL: cfg.DefaultTTL,
		started:    time.Now(),
	}
	store, err := lru.NewWithEvict(capacity, m.evicted)
	if err != nil {
		// Capacity is validated above; a failure here is a programming error.
		panic("cache: lru init: " + err.Error())
	}
	m.store = store
	return m
}

// OnEviction registers a hook invoked once per key removed by capacity
// eviction, after the triggering write releases the adapter lock. The
// Service uses it to surface eviction events; TTL expiries and explicit
// deletes do not fire it.
func (m *MemoryAdapter) OnEviction(fn func(key, value string)) {
	m.mu.Lock()
	m.onEvict = fn
	m.mu.Unlock()
}

// evicted runs inside LRU mutations with m.mu held.
func (m *MemoryAdapter) evicted(key string, e *memEntry) {
	m.memory -= e.size
	if t, ok := m.timers[key]; ok {
		t.Stop()
		delete(m.timers, key)
	}
	if m.removing {
		return
	}
	m.evictions++
	m.pendingEvict = append(m.pendingEvict, evictedPair{key: key, value: e.value})
}

// removeLocked deletes key without counting it as a capacity eviction.
func (m *MemoryAdapter) removeLocked(key string) bool {
	m.removing = true
	present := m.store.Remove(key)
	m.removing = false
	return present
}

// drainEvictedLocked hands back hook invocations to run after unlock.
// Handlers must never run under m.mu: a handler may call back into the
// adapter.
func (m *MemoryAdapter) drainEvictedLocked() ([]evictedPair, func(key, value string)) {
	pending := m.pendingEvict
	m.pendingEvict = nil
	return pending, m.onEvict
}

func (m *MemoryAdapter) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.misses++
		return "", false, nil
	}
	e, ok := m.store.Peek(key)
	if !ok {
		m.misses++
		return "", false, nil
	}
	if e.expired(time.Now()) {
		m.removeLocked(key)
		m.misses++
		return "", false, nil
	}
	// Promote to most recently used.
	m.store.Get(key)
	m.hits++
	return e.value, true, nil
}

func (m *MemoryAdapter) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	// Replacement is delete-then-insert: the old entry and its expiry
	// timer go away before the new entry lands.
	m.removeLocked(key)

	effTTL := ttl
	if effTTL == 0 {
		effTTL = m.defaultTTL
	}
	var expiresAt time.Time
	if effTTL > 0 {
		expiresAt = time.Now().Add(effTTL)
	}
	e := &memEntry{value: value, expiresAt: expiresAt, size: estimateSize(key, value)}
	m.store.Add(key, e) // evicts the LRU entry when at capacity
	m.memory += e.size
	if effTTL > 0 {
		m.timers[key] = time.AfterFunc(effTTL, func() { m.expire(key) })
	}
	pending, hook := m.drainEvictedLocked()
	m.mu.Unlock()

	if hook != nil {
		for _, p := range pending {
			hook(p.key, p.value)
		}
	}
	return nil
}

// expire is the active expiry path. It races benignly with the lazy
// read-time check: deleting a key that is already gone is a no-op.
func (m *MemoryAdapter) expire(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	e, ok := m.store.Peek(key)
	if !ok || !e.expired(time.Now()) {
		return
	}
	m.removeLocked(key)
}

func (m *MemoryAdapter) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, nil
	}
	e, ok := m.store.Peek(key)
	if !ok {
		return false, nil
	}
	if e.expired(time.Now()) {
		m.removeLocked(key)
		return false, nil
	}
	return m.removeLocked(key), nil
}

func (m *MemoryAdapter) MGet(ctx context.Context, keys ...string) ([]Value, error) {
	out := make([]Value, len(keys))
	for i, key := range keys {
		v, ok, err := m.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		out[i] = Value{Data: v, Found: ok}
	}
	return out, nil
}

func (m *MemoryAdapter) MSet(ctx context.Context, entries ...Entry) error {
	for _, e := range entries {
		if err := m.Set(ctx, e.Key, e.Value, e.TTL); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryAdapter) Keys(_ context.Context, pattern string) ([]string, error) {
	var match func(string) bool
	if !matchAll(pattern) {
		re, err := globRegexp(pattern)
		if err != nil {
			return nil, &ValidationError{Field: "pattern", Reason: err.Error()}
		}
		match = re.MatchString
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil
	}
	now := time.Now()
	var keys []string
	for _, key := range m.store.Keys() {
		e, ok := m.store.Peek(key)
		if !ok || e.expired(now) {
			continue
		}
		if match == nil || match(key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (m *MemoryAdapter) Clear(ctx context.Context, pattern string) (int64, error) {
	keys, err := m.Keys(ctx, pattern)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, key := range keys {
		if m.removeLocked(key) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryAdapter) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Hits:        m.hits,
		Misses:      m.misses,
		Evictions:   m.evictions,
		MemoryUsage: m.memory,
		EntryCount:  int64(m.store.Len()),
		Uptime:      time.Since(m.started),
	}, nil
}

func (m *MemoryAdapter) Connect(_ context.Context) error { return nil }

// Disconnect releases all entries and timers. It is terminal and idempotent.
func (m *MemoryAdapter) Disconnect(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for key, t := range m.timers {
		t.Stop()
		delete(m.timers, key)
	}
	m.removing = true
	m.store.Purge()
	m.removing = false
	return nil
}

// HealthCheck always reports healthy: there is no external dependency.
func (m *MemoryAdapter) HealthCheck(_ context.Context) (Health, error) {
	return Health{Healthy: true, Addr: "memory"}, nil
}

// estimateSize approximates an entry's footprint for reporting. Eviction is
// purely LRU by count; size never drives it.
func estimateSize(key, value string) int64 {
	return int64(2*(len(key)+len(value)) + entryOverhead)
}
