package cache

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError reports caller input that violates the cache contract:
// an empty or whitespace-only key, or a negative TTL. It is raised before
// any I/O and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("cache: invalid %s: %s", e.Field, e.Reason)
}

// ConnectionError reports that a link to the backing store could not be
// established or maintained. It is retried only per the configured retry
// strategy; once the strategy stops, it surfaces to the caller.
type ConnectionError struct {
	Host   string
	Port   int
	Reason string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cache: connection to %s:%d failed: %s: %v", e.Host, e.Port, e.Reason, e.Err)
	}
	return fmt.Sprintf("cache: connection to %s:%d failed: %s", e.Host, e.Port, e.Reason)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// OperationError reports a single command failing on an otherwise-live
// connection. It wraps the transport error plus operation context and is
// not retried automatically.
type OperationError struct {
	Op  string
	Key string
	TTL time.Duration
	Err error
}

func (e *OperationError) Error() string {
	if e.TTL > 0 {
		return fmt.Sprintf("cache: %s %q (ttl=%s) failed: %v", e.Op, e.Key, e.TTL, e.Err)
	}
	return fmt.Sprintf("cache: %s %q failed: %v", e.Op, e.Key, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return &ValidationError{Field: "key", Reason: "must not be empty or whitespace"}
	}
	return nil
}

func validateTTL(ttl time.Duration) error {
	if ttl < 0 {
		return &ValidationError{Field: "ttl", Reason: "must not be negative"}
	}
	return nil
}
