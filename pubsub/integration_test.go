package pubsub

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsarkv/pulsar/cache"
)

// newPeer builds a coordinator with its own memory adapter and its own
// pub/sub channel pair, the way two separate processes would.
func newPeer(t *testing.T, mr *miniredis.Miniredis, origin string) *cache.Service {
	t.Helper()
	ch := newTestChannel(t, mr)
	s, err := cache.NewService(cache.ServiceConfig{
		Adapter:  cache.NewMemoryAdapter(cache.MemoryConfig{}),
		Bus:      ch,
		OriginID: origin,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTwoProcessPropagation(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newPeer(t, mr, "A")
	b := newPeer(t, mr, "B")

	var aGot, bGot collector
	a.Watch(cache.MatchPattern(regexp.MustCompile(`.*`)), aGot.handle)
	b.Watch(cache.MatchPattern(regexp.MustCompile(`.*`)), bGot.handle)

	require.NoError(t, a.Set(context.Background(), "x", "1", 0))

	// B observes A's mutation exactly once, attributed to A.
	require.Eventually(t, func() bool { return bGot.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	ev := bGot.last()
	assert.Equal(t, cache.EventSet, ev.Type)
	assert.Equal(t, "x", ev.Key)
	assert.Equal(t, "1", ev.Value)
	assert.Equal(t, "A", ev.OriginID)

	// A's own watchers saw it once, from the synchronous local emit; the
	// echo coming back over the bus is suppressed.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, aGot.len())
}

func TestTwoProcessPerWriterOrdering(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newPeer(t, mr, "A")
	b := newPeer(t, mr, "B")

	var bGot collector
	b.Watch(cache.MatchPattern(regexp.MustCompile(`^ord:`)), bGot.handle)

	ctx := context.Background()
	require.NoError(t, a.MSet(ctx,
		cache.Entry{Key: "ord:1", Value: "a"},
		cache.Entry{Key: "ord:2", Value: "b"},
		cache.Entry{Key: "ord:3", Value: "c"},
	))

	require.Eventually(t, func() bool { return bGot.len() == 3 }, 2*time.Second, 10*time.Millisecond)

	bGot.mu.Lock()
	defer bGot.mu.Unlock()
	for i := 1; i < len(bGot.events); i++ {
		assert.Greater(t, bGot.events[i].Sequence, bGot.events[i-1].Sequence,
			"sequence numbers from one writer must strictly increase")
	}
}
