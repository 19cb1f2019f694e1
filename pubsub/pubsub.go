// Package pubsub provides the dedicated Redis publish/subscribe transport
// for cross-process cache event propagation. It holds two independent
// connections to the same server — one for publishing, one for subscribing —
// because a Redis connection consuming a subscription cannot issue arbitrary
// commands.
package pubsub

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/pulsarkv/pulsar/cache"
	"github.com/pulsarkv/pulsar/internal/logging"
)

// Config holds the connection settings for the pub/sub channel pair.
type Config struct {
	Host     string // default "localhost"
	Port     int    // default 6379
	Password string
	DB       int
	Logger   *slog.Logger
}

// Handler receives one decoded cache change event.
type Handler func(ev cache.ChangeEvent)

type subscription struct {
	pattern string
	fn      Handler
}

// PatternStats counts message outcomes for one subscribed pattern.
type PatternStats struct {
	Delivered int64
	Dropped   int64
}

type patternCounters struct {
	delivered atomic.Int64
	dropped   atomic.Int64
}

// Channel is a pattern-keyed pub/sub transport. Events publish on the
// channel literally named by their pattern: a glob pattern of "*"/"?"
// wildcards matches its own literal text, so every distinct pattern gets a
// distinct channel and two wildcard patterns sharing a prefix never
// collapse onto one channel.
//
// Subscriptions survive transient disconnects: the underlying go-redis
// PubSub re-issues PSUBSCRIBE for every active pattern when its connection
// is re-established.
type Channel struct {
	pub *redis.Client
	sub *redis.Client
	ps  *redis.PubSub
	log *slog.Logger

	mu       sync.Mutex
	handlers map[string][]*subscription
	counters map[string]*patternCounters
	closed   bool
}

// New opens the publisher and subscriber connections and starts the
// delivery loop.
func New(cfg Config) *Channel {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6379
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Op()
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	opts := func() *redis.Options {
		return &redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB}
	}

	c := &Channel{
		pub:      redis.NewClient(opts()),
		sub:      redis.NewClient(opts()),
		log:      log,
		handlers: make(map[string][]*subscription),
		counters: make(map[string]*patternCounters),
	}
	// The PubSub starts with no patterns; Subscribe adds them dynamically.
	c.ps = c.sub.PSubscribe(context.Background())
	go c.receiveLoop()
	return c
}

// Subscribe registers a handler for a pattern, issuing PSUBSCRIBE the first
// time the pattern is seen. The returned unsubscribe removes only this
// handler; when a pattern's handler list empties, the pattern is
// unsubscribed and forgotten. Unsubscribing more than once is safe.
func (c *Channel) Subscribe(ctx context.Context, pattern string, fn func(cache.ChangeEvent)) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &cache.ConnectionError{Reason: "pubsub channel is closed"}
	}
	first := len(c.handlers[pattern]) == 0
	s := &subscription{pattern: pattern, fn: fn}
	c.handlers[pattern] = append(c.handlers[pattern], s)
	if _, ok := c.counters[pattern]; !ok {
		c.counters[pattern] = &patternCounters{}
	}
	c.mu.Unlock()

	if first {
		if err := c.ps.PSubscribe(ctx, pattern); err != nil {
			c.removeSub(pattern, s)
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.removeSub(pattern, s) })
	}, nil
}

func (c *Channel) removeSub(pattern string, target *subscription) {
	c.mu.Lock()
	subs := c.handlers[pattern]
	for i, s := range subs {
		if s == target {
			c.handlers[pattern] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	last := len(c.handlers[pattern]) == 0
	if last {
		delete(c.handlers, pattern)
	}
	closed := c.closed
	c.mu.Unlock()

	if last && !closed {
		if err := c.ps.PUnsubscribe(context.Background(), pattern); err != nil {
			c.log.Warn("pubsub punsubscribe failed", "pattern", pattern, "error", err)
		}
	}
}

// Publish serializes the event and publishes it on the channel named by the
// pattern.
func (c *Channel) Publish(ctx context.Context, pattern string, ev cache.ChangeEvent) error {
	data, err := cache.EncodeEvent(ev)
	if err != nil {
		return err
	}
	return c.pub.Publish(ctx, pattern, data).Err()
}

// receiveLoop pumps messages from the subscriber connection until Close.
func (c *Channel) receiveLoop() {
	for msg := range c.ps.Channel() {
		pattern := msg.Pattern
		if pattern == "" {
			pattern = msg.Channel
		}
		c.dispatch(pattern, msg.Payload)
	}
}

// dispatch decodes one message and invokes every handler registered for the
// pattern it arrived on. A message that fails to decode is logged and
// dropped, never retried. Each handler runs in its own failure boundary so
// one panicking handler cannot block or crash delivery to the others.
func (c *Channel) dispatch(pattern, payload string) {
	ev, err := cache.DecodeEvent([]byte(payload))
	if err != nil {
		c.log.Warn("pubsub message dropped: undecodable", "pattern", pattern, "error", err)
		c.count(pattern, func(pc *patternCounters) { pc.dropped.Add(1) })
		return
	}

	c.mu.Lock()
	subs := make([]*subscription, len(c.handlers[pattern]))
	copy(subs, c.handlers[pattern])
	c.mu.Unlock()

	for _, s := range subs {
		c.invoke(s, ev)
	}
	c.count(pattern, func(pc *patternCounters) { pc.delivered.Add(1) })
}

func (c *Channel) invoke(s *subscription, ev cache.ChangeEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Error("pubsub handler panicked", "pattern", s.pattern, "key", ev.Key, "panic", rec)
		}
	}()
	s.fn(ev)
}

func (c *Channel) count(pattern string, fn func(*patternCounters)) {
	c.mu.Lock()
	pc := c.counters[pattern]
	c.mu.Unlock()
	if pc != nil {
		fn(pc)
	}
}

// Stats returns per-pattern delivery counters.
func (c *Channel) Stats() map[string]PatternStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]PatternStats, len(c.counters))
	for pattern, pc := range c.counters {
		out[pattern] = PatternStats{
			Delivered: pc.delivered.Load(),
			Dropped:   pc.dropped.Load(),
		}
	}
	return out
}

// Close tears down both connections. It is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.handlers = make(map[string][]*subscription)
	c.mu.Unlock()

	_ = c.ps.Close()
	_ = c.sub.Close()
	return c.pub.Close()
}
