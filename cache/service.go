package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/pulsarkv/pulsar/internal/logging"
)

// DefaultEventPattern is the pub/sub pattern cache change events travel on
// when none is configured.
const DefaultEventPattern = "pulsar:cache:events"

// publishTimeout bounds the fire-and-forget publish of one event.
const publishTimeout = 5 * time.Second

// publishQueueSize bounds the outbound event queue. Events beyond it are
// dropped (logged): publishes are best-effort and must never block a
// mutation.
const publishQueueSize = 256

// EventBus is the cross-process propagation contract the Service needs.
// *pubsub.Channel satisfies it.
type EventBus interface {
	Publish(ctx context.Context, pattern string, ev ChangeEvent) error
	Subscribe(ctx context.Context, pattern string, fn func(ChangeEvent)) (func(), error)
}

// evictionNotifier is implemented by adapters that evict entries on their
// own (the memory adapter's LRU).
type evictionNotifier interface {
	OnEviction(fn func(key, value string))
}

// ServiceConfig configures a cache coordinator.
type ServiceConfig struct {
	// Adapter is the backing store. Required.
	Adapter Adapter

	// Bus enables multi-process coherence. Optional.
	Bus EventBus

	// OriginID identifies this writer process for echo suppression and
	// cross-process attribution. Defaults to a random UUID; set it
	// explicitly in multi-process mode if a stable identity is needed.
	OriginID string

	// EventPattern is the pub/sub pattern events are published on
	// (default DefaultEventPattern).
	EventPattern string

	Logger *slog.Logger
}

type watcher struct {
	matcher Matcher
	fn      func(ChangeEvent)
}

// Service is the cache coordinator. It exposes the public cache API over one
// adapter, emits change events synchronously to local watchers on every
// successful mutation, and — when a bus is configured — forwards them
// asynchronously to peer processes while folding peer events back into the
// local watcher path with echo suppression.
//
// The happens-before guarantee: for any single mutation, local watchers
// observe the event before the asynchronous publish is even attempted.
type Service struct {
	adapter  Adapter
	bus      EventBus
	originID string
	pattern  string
	log      *slog.Logger

	seq atomic.Int64

	mu       sync.Mutex
	watchers map[uint64]*watcher
	nextID   uint64

	// pubCh feeds a single publisher goroutine so events from this
	// writer reach the bus in emission order.
	pubCh    chan ChangeEvent
	stop     chan struct{}
	unsubBus func()
	flight   singleflight.Group
	closed   sync.Once
}

// NewService builds a coordinator around an adapter. With a bus configured
// it subscribes to the event pattern immediately so peer mutations reach
// local watchers.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Adapter == nil {
		return nil, &ValidationError{Field: "adapter", Reason: "must not be nil"}
	}
	if cfg.OriginID == "" {
		cfg.OriginID = uuid.NewString()
	}
	if cfg.EventPattern == "" {
		cfg.EventPattern = DefaultEventPattern
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Op()
	}

	s := &Service{
		adapter:  cfg.Adapter,
		bus:      cfg.Bus,
		originID: cfg.OriginID,
		pattern:  cfg.EventPattern,
		log:      log,
		watchers: make(map[uint64]*watcher),
	}

	if n, ok := cfg.Adapter.(evictionNotifier); ok {
		n.OnEviction(s.onEvicted)
	}
	if s.bus != nil {
		unsub, err := s.bus.Subscribe(context.Background(), s.pattern, s.onRemote)
		if err != nil {
			return nil, err
		}
		s.unsubBus = unsub
		s.pubCh = make(chan ChangeEvent, publishQueueSize)
		s.stop = make(chan struct{})
		go s.publishLoop()
	}
	return s, nil
}

// OriginID returns this coordinator's writer identity.
func (s *Service) OriginID() string { return s.originID }

// Close detaches the coordinator from the bus and stops the publisher.
// The adapter's lifecycle is the caller's: disconnect it separately.
func (s *Service) Close() error {
	s.closed.Do(func() {
		if s.unsubBus != nil {
			s.unsubBus()
		}
		if s.stop != nil {
			close(s.stop)
		}
	})
	return nil
}

func (s *Service) Get(ctx context.Context, key string) (string, bool, error) {
	return s.adapter.Get(ctx, key)
}

func (s *Service) MGet(ctx context.Context, keys ...string) ([]Value, error) {
	return s.adapter.MGet(ctx, keys...)
}

func (s *Service) Keys(ctx context.Context, pattern string) ([]string, error) {
	return s.adapter.Keys(ctx, pattern)
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.adapter.Stats(ctx)
}

func (s *Service) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.adapter.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	ev := s.newEvent(EventSet, key, value, time.Now())
	s.emit(ev)
	s.publish(ev)
	return nil
}

func (s *Service) Delete(ctx context.Context, key string) (bool, error) {
	existed, err := s.adapter.Delete(ctx, key)
	if err != nil || !existed {
		return existed, err
	}
	ev := s.newEvent(EventDelete, key, "", time.Now())
	s.emit(ev)
	s.publish(ev)
	return true, nil
}

// MSet stores a batch and emits one set event per entry. The events share
// one timestamp but carry strictly increasing sequence numbers.
func (s *Service) MSet(ctx context.Context, entries ...Entry) error {
	if err := s.adapter.MSet(ctx, entries...); err != nil {
		return err
	}
	now := time.Now()
	for _, e := range entries {
		ev := s.newEvent(EventSet, e.Key, e.Value, now)
		s.emit(ev)
		s.publish(ev)
	}
	return nil
}

// Clear removes matching keys and emits a delete event per key from a
// snapshot taken just before the clear. Keys written concurrently with the
// clear may be missed; batch operations carry no atomicity guarantee.
func (s *Service) Clear(ctx context.Context, pattern string) (int64, error) {
	keys, err := s.adapter.Keys(ctx, pattern)
	if err != nil {
		return 0, err
	}
	n, err := s.adapter.Clear(ctx, pattern)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	for _, key := range keys {
		ev := s.newEvent(EventDelete, key, "", now)
		s.emit(ev)
		s.publish(ev)
	}
	return n, nil
}

// Fetch returns the cached value for key, or runs loader to produce it and
// stores the result with ttl. Concurrent misses on one key share a single
// loader call.
func (s *Service) Fetch(ctx context.Context, key string, ttl time.Duration, loader func(ctx context.Context) (string, error)) (string, error) {
	if v, ok, err := s.Get(ctx, key); err != nil {
		return "", err
	} else if ok {
		return v, nil
	}
	v, err, _ := s.flight.Do(key, func() (any, error) {
		// Another flight member may have populated the key already.
		if v, ok, err := s.adapter.Get(ctx, key); err != nil {
			return "", err
		} else if ok {
			return v, nil
		}
		val, err := loader(ctx)
		if err != nil {
			return "", err
		}
		if err := s.Set(ctx, key, val, ttl); err != nil {
			return "", err
		}
		return val, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Watch registers a handler for change events whose key the matcher selects.
// The returned unsubscribe function is idempotent and removes only this
// handler; other handlers on the same matcher keep receiving events.
func (s *Service) Watch(matcher Matcher, fn func(ChangeEvent)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = &watcher{matcher: matcher, fn: fn}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

func (s *Service) newEvent(typ EventType, key, value string, ts time.Time) ChangeEvent {
	return ChangeEvent{
		Type:      typ,
		Key:       key,
		Value:     value,
		Timestamp: eventTimestamp(ts),
		OriginID:  s.originID,
		Sequence:  s.seq.Add(1),
	}
}

// emit dispatches an event synchronously to every matching watcher. The
// watcher list is copied under the lock and handlers run outside it, each in
// its own failure boundary: a panicking handler never blocks siblings or the
// mutating call.
func (s *Service) emit(ev ChangeEvent) {
	s.mu.Lock()
	matched := make([]*watcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		if w.matcher.Match(ev.Key) {
			matched = append(matched, w)
		}
	}
	s.mu.Unlock()

	for _, w := range matched {
		s.invoke(w, ev)
	}
}

func (s *Service) invoke(w *watcher, ev ChangeEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("cache watch handler panicked", "key", ev.Key, "type", string(ev.Type), "panic", rec)
		}
	}()
	w.fn(ev)
}

// publish hands an event to the publisher goroutine, fire-and-forget. The
// queue preserves per-writer ordering; when it is full the event is dropped
// and logged rather than blocking the mutation.
func (s *Service) publish(ev ChangeEvent) {
	if s.bus == nil {
		return
	}
	select {
	case <-s.stop:
	case s.pubCh <- ev:
	default:
		s.log.Warn("cache event dropped: publish queue full", "key", ev.Key, "type", string(ev.Type))
	}
}

// publishLoop forwards queued events to the bus in order. A failed publish
// is logged and swallowed: it never rolls back the mutation and is never
// re-queued.
func (s *Service) publishLoop() {
	for {
		select {
		case <-s.stop:
			return
		case ev := <-s.pubCh:
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			err := s.bus.Publish(ctx, s.pattern, ev)
			cancel()
			if err != nil {
				s.log.Warn("cache event publish failed", "key", ev.Key, "type", string(ev.Type), "error", err)
			}
		}
	}
}

// onRemote folds a peer's event into the local watcher path. Self-originated
// echoes are discarded (local watchers already saw them synchronously) and
// peer events are never re-published.
func (s *Service) onRemote(ev ChangeEvent) {
	if ev.OriginID == s.originID {
		return
	}
	s.emit(ev)
}

// onEvicted surfaces an adapter-side LRU eviction as an eviction event.
// Evicted values are not broadcast.
func (s *Service) onEvicted(key, _ string) {
	ev := s.newEvent(EventEviction, key, "", time.Now())
	s.emit(ev)
	s.publish(ev)
}
