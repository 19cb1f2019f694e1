package cache

import (
	"encoding/json"
	"regexp"
	"time"
)

// EventType classifies a cache mutation.
type EventType string

const (
	EventSet      EventType = "set"
	EventDelete   EventType = "delete"
	EventEviction EventType = "eviction"
)

// ChangeEvent describes one successful cache mutation. Events are immutable
// and ephemeral: created exactly once per mutation, consumed by zero or more
// watchers, never persisted.
//
// The JSON encoding is the wire format for cross-process propagation.
// Value is present only for set events. Sequence numbers are writer-local:
// they strictly increase within one OriginID and carry no meaning across
// origins.
type ChangeEvent struct {
	Type      EventType `json:"type"`
	Key       string    `json:"key"`
	Value     string    `json:"value,omitempty"`
	Timestamp string    `json:"timestamp"`
	OriginID  string    `json:"originId,omitempty"`
	Sequence  int64     `json:"sequence,omitempty"`
}

// EncodeEvent serializes an event to its wire form.
func EncodeEvent(ev ChangeEvent) ([]byte, error) {
	return json.Marshal(ev)
}

// DecodeEvent parses an event from its wire form.
func DecodeEvent(data []byte) (ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ChangeEvent{}, err
	}
	return ev, nil
}

// eventTimestamp formats a mutation time for the wire (ISO-8601).
func eventTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Matcher selects change events by key.
type Matcher interface {
	Match(key string) bool
}

type keyMatcher string

func (m keyMatcher) Match(key string) bool { return string(m) == key }

type patternMatcher struct {
	re *regexp.Regexp
}

func (m patternMatcher) Match(key string) bool { return m.re.MatchString(key) }

// MatchKey returns a matcher that fires only on exactly this key.
func MatchKey(key string) Matcher { return keyMatcher(key) }

// MatchPattern returns a matcher that fires on every key the compiled
// pattern matches.
func MatchPattern(re *regexp.Regexp) Matcher { return patternMatcher{re: re} }
