// Package cache stores upstream responses for the cache plugin. A Store is
// the pluggable backend (memory, redis or badger); Cache wraps a Store with
// the capacity policy and save coalescing.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Load for missing or expired keys.
	ErrNotFound = errors.New("cache: not found")

	// ErrStoreFull is returned by Save while the capacity ceiling is reached.
	ErrStoreFull = errors.New("cache: store full")

	// ErrUnavailable wraps backend failures. Callers serve the request live.
	ErrUnavailable = errors.New("cache: store unavailable")
)

// Store is a key/value backend with per-key expiry. Implementations are
// safe for concurrent use.
type Store interface {
	Save(ctx context.Context, key string, e *Entry, ttl time.Duration) error
	Load(ctx context.Context, key string) (*Entry, error)
	Close() error
}

// Key builds the cache key of a resource from its host and request URI.
func Key(host, requestURI string) string {
	return host + requestURI
}
