package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Recorder receives cache operation outcomes.
type Recorder interface {
	CacheOp(op, result string)
}

// Options bounds a Cache. Zero values mean unlimited.
type Options struct {
	MaxItems int
	MaxBytes int64
}

type reservation struct {
	size    int64
	expires time.Time
}

// Cache applies the capacity policy in front of a Store: new writes are
// rejected while the item count or memory ceiling is reached. There is no
// eviction; space frees up as entries expire. Concurrent saves of one key
// are coalesced into a single backend write.
type Cache struct {
	store  Store
	opts   Options
	rec    Recorder
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	reserved map[string]reservation
	used     int64

	saves singleflight.Group
}

// New returns a Cache over store. rec may be nil.
func New(store Store, opts Options, rec Recorder, logger *slog.Logger) *Cache {
	return &Cache{
		store:    store,
		opts:     opts,
		rec:      rec,
		logger:   logger.With("component", "cache"),
		now:      time.Now,
		reserved: make(map[string]reservation),
	}
}

func (c *Cache) record(op, result string) {
	if c.rec != nil {
		c.rec.CacheOp(op, result)
	}
}

// Load returns the fresh entry stored under key, or ErrNotFound.
func (c *Cache) Load(ctx context.Context, key string) (*Entry, error) {
	e, err := c.store.Load(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		c.record("load", "miss")
		return nil, ErrNotFound
	case err != nil:
		c.record("load", "error")
		return nil, err
	case e.Expired(c.now()):
		c.record("load", "miss")
		return nil, ErrNotFound
	}
	c.record("load", "hit")
	return e, nil
}

// Save stores e under key for ttl unless the cache is full.
func (c *Cache) Save(ctx context.Context, key string, e *Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	_, err, shared := c.saves.Do(key, func() (any, error) {
		size := e.Size()
		if !c.reserve(key, size, ttl) {
			return nil, ErrStoreFull
		}
		if err := c.store.Save(ctx, key, e, ttl); err != nil {
			c.release(key)
			return nil, err
		}
		return nil, nil
	})
	switch {
	case shared:
		c.record("save", "coalesced")
	case errors.Is(err, ErrStoreFull):
		c.record("save", "full")
		c.logger.Warn("cache full, entry not stored", "key", key, "size", e.Size())
	case err != nil:
		c.record("save", "error")
	default:
		c.record("save", "ok")
	}
	return err
}

// reserve accounts for a new entry. A key that is already stored is
// replaced and never counts against the item limit.
func (c *Cache) reserve(key string, size int64, ttl time.Duration) bool {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(now)

	prev, exists := c.reserved[key]
	used := c.used
	if exists {
		used -= prev.size
	}
	if !exists && c.opts.MaxItems > 0 && len(c.reserved) >= c.opts.MaxItems {
		return false
	}
	if c.opts.MaxBytes > 0 && used+size >= c.opts.MaxBytes {
		return false
	}
	c.reserved[key] = reservation{size: size, expires: now.Add(ttl)}
	c.used = used + size
	return true
}

func (c *Cache) release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.reserved[key]; ok {
		c.used -= r.size
		delete(c.reserved, key)
	}
}

func (c *Cache) pruneLocked(now time.Time) {
	for k, r := range c.reserved {
		if !now.Before(r.expires) {
			c.used -= r.size
			delete(c.reserved, k)
		}
	}
}

// Usage returns the number of live entries and their approximate size.
func (c *Cache) Usage() (items int, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.now())
	return len(c.reserved), c.used
}

// Close closes the backing store.
func (c *Cache) Close() error {
	return c.store.Close()
}
