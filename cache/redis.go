package cache

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pulsarkv/pulsar/internal/logging"
)

// ConnState is the remote adapter's connection state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// RetryStrategy maps a zero-based attempt number to the delay before the
// next attempt. Returning ok=false stops retrying.
type RetryStrategy func(attempt int) (delay time.Duration, ok bool)

// DefaultRetryStrategy is capped exponential backoff: 100ms doubling up to
// 5s, giving up after 10 attempts.
func DefaultRetryStrategy(attempt int) (time.Duration, bool) {
	if attempt >= 10 {
		return 0, false
	}
	delay := 100 * time.Millisecond << uint(attempt)
	if delay > 5*time.Second {
		delay = 5 * time.Second
	}
	return delay, true
}

// RedisConfig configures the remote adapter.
type RedisConfig struct {
	Host     string // default "localhost"
	Port     int    // default 6379
	Password string
	DB       int

	// KeyPrefix namespaces every key on the server (default "pulsar:").
	KeyPrefix string

	// DefaultTTL applies to writes with a zero TTL.
	DefaultTTL time.Duration

	// Retry drives connection establishment and recovery
	// (default DefaultRetryStrategy).
	Retry RetryStrategy

	ConnectTimeout time.Duration // default 5s
	CommandTimeout time.Duration // default 3s

	Logger *slog.Logger
}

// RedisAdapter is an Adapter backed by a Redis server. Hit and miss counters
// are tracked locally; memory usage, entry count, and eviction count come
// from the server. The connection moves through Disconnected → Connecting →
// Connected, drops to Reconnecting on transport errors, and recovers per the
// configured retry strategy.
type RedisAdapter struct {
	client         *redis.Client
	host           string
	port           int
	db             int
	prefix         string
	defaultTTL     time.Duration
	retry          RetryStrategy
	connectTimeout time.Duration
	commandTimeout time.Duration
	log            *slog.Logger
	tracer         trace.Tracer

	state        atomic.Int32
	closed       atomic.Bool
	hits         atomic.Int64
	misses       atomic.Int64
	started      time.Time
	reconnectMu  sync.Mutex
	reconnecting bool
}

// NewRedisAdapter creates a remote adapter. The connection is established
// lazily by the first command; call Connect to establish it eagerly with
// retry.
func NewRedisAdapter(cfg RedisConfig) *RedisAdapter {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6379
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "pulsar:"
	}
	if cfg.Retry == nil {
		cfg.Retry = DefaultRetryStrategy
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 3 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Op()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.ConnectTimeout,
		ReadTimeout:  cfg.CommandTimeout,
		WriteTimeout: cfg.CommandTimeout,
		MaxRetries:   -1, // retry policy lives in this adapter
	})

	r := &RedisAdapter{
		client:         client,
		host:           cfg.Host,
		port:           cfg.Port,
		db:             cfg.DB,
		prefix:         cfg.KeyPrefix,
		defaultTTL:     cfg.DefaultTTL,
		retry:          cfg.Retry,
		connectTimeout: cfg.ConnectTimeout,
		commandTimeout: cfg.CommandTimeout,
		log:            log,
		tracer:         otel.Tracer("pulsarkv/pulsar/cache"),
		started:        time.Now(),
	}
	r.state.Store(int32(StateDisconnected))
	return r
}

// State returns the current connection state.
func (r *RedisAdapter) State() ConnState {
	return ConnState(r.state.Load())
}

func (r *RedisAdapter) key(k string) string {
	return r.prefix + k
}

func (r *RedisAdapter) stripKey(k string) string {
	return strings.TrimPrefix(k, r.prefix)
}

// Connect pings the server, retrying per the configured strategy until it
// answers or the strategy stops.
func (r *RedisAdapter) Connect(ctx context.Context) error {
	if r.closed.Load() {
		return &ConnectionError{Host: r.host, Port: r.port, Reason: "adapter is disconnected"}
	}
	r.state.Store(int32(StateConnecting))
	for attempt := 0; ; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, r.connectTimeout)
		err := r.client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			r.state.Store(int32(StateConnected))
			r.log.Info("redis cache connected", "addr", net.JoinHostPort(r.host, strconv.Itoa(r.port)), "db", r.db)
			return nil
		}
		delay, ok := r.retry(attempt)
		if !ok {
			r.state.Store(int32(StateDisconnected))
			return &ConnectionError{Host: r.host, Port: r.port, Reason: "connect retries exhausted", Err: err}
		}
		r.log.Warn("redis cache connect failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			r.state.Store(int32(StateDisconnected))
			return &ConnectionError{Host: r.host, Port: r.port, Reason: "connect cancelled", Err: ctx.Err()}
		case <-time.After(delay):
		}
	}
}

// Disconnect closes the client. It is terminal and idempotent.
func (r *RedisAdapter) Disconnect(_ context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.state.Store(int32(StateDisconnected))
	return r.client.Close()
}

func (r *RedisAdapter) ready() error {
	if r.closed.Load() {
		return &ConnectionError{Host: r.host, Port: r.port, Reason: "adapter is disconnected"}
	}
	return nil
}

// noteFailure moves a live connection to Reconnecting on transport errors
// and kicks off background recovery.
func (r *RedisAdapter) noteFailure(err error) {
	if err == nil || errors.Is(err, redis.Nil) || r.closed.Load() {
		return
	}
	var netErr net.Error
	if !errors.As(err, &netErr) && !errors.Is(err, context.DeadlineExceeded) {
		return
	}
	r.reconnectMu.Lock()
	defer r.reconnectMu.Unlock()
	if r.reconnecting {
		return
	}
	r.reconnecting = true
	r.state.Store(int32(StateReconnecting))
	r.log.Warn("redis cache connection lost, reconnecting", "error", err)
	go r.reconnectLoop()
}

func (r *RedisAdapter) reconnectLoop() {
	defer func() {
		r.reconnectMu.Lock()
		r.reconnecting = false
		r.reconnectMu.Unlock()
	}()
	for attempt := 0; ; attempt++ {
		if r.closed.Load() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.connectTimeout)
		err := r.client.Ping(ctx).Err()
		cancel()
		if err == nil {
			r.state.Store(int32(StateConnected))
			r.log.Info("redis cache reconnected")
			return
		}
		delay, ok := r.retry(attempt)
		if !ok {
			r.state.Store(int32(StateDisconnected))
			r.log.Error("redis cache reconnect gave up", "attempts", attempt+1, "error", err)
			return
		}
		time.Sleep(delay)
	}
}

// span opens a traced, deadline-bounded command context.
func (r *RedisAdapter) span(ctx context.Context, op, key string) (context.Context, trace.Span, context.CancelFunc) {
	ctx, sp := r.tracer.Start(ctx, "cache."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "redis"),
			attribute.String("cache.key", key),
		),
	)
	ctx, cancel := context.WithTimeout(ctx, r.commandTimeout)
	return ctx, sp, cancel
}

// opErr wraps a transport failure with operation context and records the
// connection impact.
func (r *RedisAdapter) opErr(sp trace.Span, op, key string, ttl time.Duration, err error) error {
	sp.RecordError(err)
	r.noteFailure(err)
	return &OperationError{Op: op, Key: key, TTL: ttl, Err: err}
}

func (r *RedisAdapter) Get(ctx context.Context, key string) (string, bool, error) {
	if err := validateKey(key); err != nil {
		return "", false, err
	}
	if err := r.ready(); err != nil {
		return "", false, err
	}
	ctx, sp, cancel := r.span(ctx, "get", key)
	defer sp.End()
	defer cancel()

	val, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		r.misses.Add(1)
		return "", false, nil
	}
	if err != nil {
		return "", false, r.opErr(sp, "get", key, 0, err)
	}
	r.hits.Add(1)
	return val, true, nil
}

func (r *RedisAdapter) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := validateTTL(ttl); err != nil {
		return err
	}
	if err := r.ready(); err != nil {
		return err
	}
	ctx, sp, cancel := r.span(ctx, "set", key)
	defer sp.End()
	defer cancel()

	effTTL := ttl
	if effTTL == 0 {
		effTTL = r.defaultTTL
	}
	// go-redis issues SET with EX/PX when effTTL > 0: one atomic
	// store-with-expiry command.
	if err := r.client.Set(ctx, r.key(key), value, effTTL).Err(); err != nil {
		return r.opErr(sp, "set", key, ttl, err)
	}
	return nil
}

func (r *RedisAdapter) Delete(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if err := r.ready(); err != nil {
		return false, err
	}
	ctx, sp, cancel := r.span(ctx, "delete", key)
	defer sp.End()
	defer cancel()

	n, err := r.client.Del(ctx, r.key(key)).Result()
	if err != nil {
		return false, r.opErr(sp, "delete", key, 0, err)
	}
	return n > 0, nil
}

func (r *RedisAdapter) MGet(ctx context.Context, keys ...string) ([]Value, error) {
	for _, key := range keys {
		if err := validateKey(key); err != nil {
			return nil, err
		}
	}
	if err := r.ready(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	ctx, sp, cancel := r.span(ctx, "mget", strconv.Itoa(len(keys))+" keys")
	defer sp.End()
	defer cancel()

	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = r.key(key)
	}
	raw, err := r.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, r.opErr(sp, "mget", "", 0, err)
	}
	out := make([]Value, len(keys))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			r.misses.Add(1)
			continue
		}
		r.hits.Add(1)
		out[i] = Value{Data: s, Found: true}
	}
	return out, nil
}

func (r *RedisAdapter) MSet(ctx context.Context, entries ...Entry) error {
	for _, e := range entries {
		if err := validateKey(e.Key); err != nil {
			return err
		}
		if err := validateTTL(e.TTL); err != nil {
			return err
		}
	}
	if err := r.ready(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	ctx, sp, cancel := r.span(ctx, "mset", strconv.Itoa(len(entries))+" entries")
	defer sp.End()
	defer cancel()

	// Pipelined SETs rather than MSET: MSET cannot carry per-key TTLs.
	pipe := r.client.Pipeline()
	for _, e := range entries {
		ttl := e.TTL
		if ttl == 0 {
			ttl = r.defaultTTL
		}
		pipe.Set(ctx, r.key(e.Key), e.Value, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return r.opErr(sp, "mset", "", 0, err)
	}
	return nil
}

func (r *RedisAdapter) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	if matchAll(pattern) {
		pattern = "*"
	}
	ctx, sp, cancel := r.span(ctx, "keys", pattern)
	defer sp.End()
	defer cancel()

	var keys []string
	iter := r.client.Scan(ctx, 0, r.key(pattern), 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, r.stripKey(iter.Val()))
	}
	if err := iter.Err(); err != nil {
		return nil, r.opErr(sp, "keys", pattern, 0, err)
	}
	return keys, nil
}

func (r *RedisAdapter) Clear(ctx context.Context, pattern string) (int64, error) {
	keys, err := r.Keys(ctx, pattern)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	ctx, sp, cancel := r.span(ctx, "clear", pattern)
	defer sp.End()
	defer cancel()

	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = r.key(key)
	}
	n, err := r.client.Del(ctx, full...).Result()
	if err != nil {
		return 0, r.opErr(sp, "clear", pattern, 0, err)
	}
	return n, nil
}

// Stats merges locally tracked hit/miss counters with server-reported
// memory usage, key count, and eviction count.
func (r *RedisAdapter) Stats(ctx context.Context) (Stats, error) {
	if err := r.ready(); err != nil {
		return Stats{}, err
	}
	stats := Stats{
		Hits:   r.hits.Load(),
		Misses: r.misses.Load(),
		Uptime: time.Since(r.started),
	}

	ctx, sp, cancel := r.span(ctx, "stats", "")
	defer sp.End()
	defer cancel()

	if n, err := r.client.DBSize(ctx).Result(); err == nil {
		stats.EntryCount = n
	} else {
		r.noteFailure(err)
	}
	info, err := r.client.Info(ctx).Result()
	if err != nil {
		// Some servers restrict INFO; local counters still stand.
		r.log.Debug("redis cache INFO unavailable", "error", err)
		return stats, nil
	}
	fields := parseRedisInfo(info)
	if v, ok := fields["used_memory"]; ok {
		stats.MemoryUsage, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := fields["evicted_keys"]; ok {
		stats.Evictions, _ = strconv.ParseInt(v, 10, 64)
	}
	return stats, nil
}

// HealthCheck issues a PING and reports round-trip latency plus the
// configured endpoint.
func (r *RedisAdapter) HealthCheck(ctx context.Context) (Health, error) {
	h := Health{Addr: net.JoinHostPort(r.host, strconv.Itoa(r.port)), DB: r.db}
	if err := r.ready(); err != nil {
		h.Error = err.Error()
		return h, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.commandTimeout)
	defer cancel()

	start := time.Now()
	err := r.client.Ping(ctx).Err()
	h.Latency = time.Since(start)
	if err != nil {
		h.Error = err.Error()
		r.noteFailure(err)
		return h, nil
	}
	h.Healthy = true
	return h, nil
}

// parseRedisInfo flattens INFO output ("field:value" lines, "#" section
// headers) into a map.
func parseRedisInfo(info string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields[k] = v
	}
	return fields
}
