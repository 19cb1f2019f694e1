package pubsub

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsarkv/pulsar/cache"
)

func newTestChannel(t *testing.T, mr *miniredis.Miniredis) *Channel {
	t.Helper()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	c := New(Config{Host: mr.Host(), Port: port})
	t.Cleanup(func() { c.Close() })
	return c
}

// collector gathers events delivered to one handler.
type collector struct {
	mu     sync.Mutex
	events []cache.ChangeEvent
}

func (c *collector) handle(ev cache.ChangeEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) last() cache.ChangeEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[len(c.events)-1]
}

func TestChannel_PublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	pub := newTestChannel(t, mr)
	sub := newTestChannel(t, mr)

	ctx := context.Background()
	var got collector
	unsub, err := sub.Subscribe(ctx, "cache:events", got.handle)
	require.NoError(t, err)
	defer unsub()

	ev := cache.ChangeEvent{
		Type:      cache.EventSet,
		Key:       "user:1",
		Value:     "alice",
		Timestamp: "2026-08-29T12:00:00Z",
		OriginID:  "A",
		Sequence:  1,
	}
	require.NoError(t, pub.Publish(ctx, "cache:events", ev))

	require.Eventually(t, func() bool { return got.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, ev, got.last())
}

func TestChannel_WildcardPatternHasOwnChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	pub := newTestChannel(t, mr)
	sub := newTestChannel(t, mr)

	ctx := context.Background()
	var a, b collector
	_, err := sub.Subscribe(ctx, "cache:a:*", a.handle)
	require.NoError(t, err)
	_, err = sub.Subscribe(ctx, "cache:b:*", b.handle)
	require.NoError(t, err)

	require.NoError(t, pub.Publish(ctx, "cache:b:*", cache.ChangeEvent{Type: cache.EventSet, Key: "k"}))

	require.Eventually(t, func() bool { return b.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	// Two wildcard patterns sharing a prefix must not collapse onto one
	// channel.
	assert.Zero(t, a.len())
}

func TestChannel_MultipleHandlersPerPattern(t *testing.T) {
	mr := miniredis.RunT(t)
	pub := newTestChannel(t, mr)
	sub := newTestChannel(t, mr)

	ctx := context.Background()
	var first, second collector
	unsubFirst, err := sub.Subscribe(ctx, "cache:events", first.handle)
	require.NoError(t, err)
	_, err = sub.Subscribe(ctx, "cache:events", second.handle)
	require.NoError(t, err)

	require.NoError(t, pub.Publish(ctx, "cache:events", cache.ChangeEvent{Type: cache.EventSet, Key: "k1"}))
	require.Eventually(t, func() bool { return first.len() == 1 && second.len() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Removing one handler leaves the other subscribed.
	unsubFirst()
	unsubFirst() // idempotent

	require.NoError(t, pub.Publish(ctx, "cache:events", cache.ChangeEvent{Type: cache.EventSet, Key: "k2"}))
	require.Eventually(t, func() bool { return second.len() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, first.len())
}

func TestChannel_HandlerPanicIsolation(t *testing.T) {
	mr := miniredis.RunT(t)
	pub := newTestChannel(t, mr)
	sub := newTestChannel(t, mr)

	ctx := context.Background()
	var got collector
	_, err := sub.Subscribe(ctx, "cache:events", func(cache.ChangeEvent) { panic("boom") })
	require.NoError(t, err)
	_, err = sub.Subscribe(ctx, "cache:events", got.handle)
	require.NoError(t, err)

	require.NoError(t, pub.Publish(ctx, "cache:events", cache.ChangeEvent{Type: cache.EventDelete, Key: "k"}))

	require.Eventually(t, func() bool { return got.len() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestChannel_UndecodableMessageDropped(t *testing.T) {
	mr := miniredis.RunT(t)
	sub := newTestChannel(t, mr)

	ctx := context.Background()
	var got collector
	_, err := sub.Subscribe(ctx, "cache:events", got.handle)
	require.NoError(t, err)

	// Raw garbage straight onto the wire, bypassing the codec.
	mr.Publish("cache:events", "{not json")

	require.Eventually(t, func() bool {
		return sub.Stats()["cache:events"].Dropped == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, got.len())
}

func TestChannel_StatsCountDeliveries(t *testing.T) {
	mr := miniredis.RunT(t)
	pub := newTestChannel(t, mr)
	sub := newTestChannel(t, mr)

	ctx := context.Background()
	var got collector
	_, err := sub.Subscribe(ctx, "cache:events", got.handle)
	require.NoError(t, err)

	require.NoError(t, pub.Publish(ctx, "cache:events", cache.ChangeEvent{Type: cache.EventSet, Key: "k"}))
	require.Eventually(t, func() bool { return got.len() == 1 }, 2*time.Second, 10*time.Millisecond)

	stats := sub.Stats()
	assert.Equal(t, int64(1), stats["cache:events"].Delivered)
	assert.Zero(t, stats["cache:events"].Dropped)
}

func TestChannel_SubscribeAfterClose(t *testing.T) {
	mr := miniredis.RunT(t)
	c := newTestChannel(t, mr)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close()) // idempotent

	_, err := c.Subscribe(context.Background(), "cache:events", func(cache.ChangeEvent) {})
	var cerr *cache.ConnectionError
	require.ErrorAs(t, err, &cerr)
}
