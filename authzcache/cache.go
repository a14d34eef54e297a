// Package authzcache remembers authentication decisions made by the identity
// provider for a bounded time, so repeated checks of the same token do not
// cost a round trip.
package authzcache

import (
	"sync/atomic"
	"time"

	metrics "github.com/hashicorp/go-metrics/compat"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultTTL is how long a decision is trusted
	DefaultTTL = time.Hour

	// DefaultMaxEntries bounds memory; the least recently used entry goes first
	DefaultMaxEntries = 100_000
)

// Key identifies one decision. Equality is field-wise.
type Key struct {
	Username string
	TenantID int64
	Token    string
}

// Entry is a stored decision
type Entry struct {
	Authorized bool
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// Status is the outcome of Get
type Status int

const (
	Miss Status = iota
	HitAuthorized
	HitNotAuthorized
)

func (s Status) String() string {
	switch s {
	case HitAuthorized:
		return "hit_authorized"
	case HitNotAuthorized:
		return "hit_not_authorized"
	default:
		return "miss"
	}
}

// Stats is a snapshot of the cache counters
type Stats struct {
	Hits   uint64
	Misses uint64
	Puts   uint64
}

// Cache is safe for concurrent use. A Put is visible to every Get that
// starts after it returns.
type Cache struct {
	entries *expirable.LRU[Key, Entry]
	ttl     time.Duration
	clock   func() time.Time

	hits   atomic.Uint64
	misses atomic.Uint64
	puts   atomic.Uint64
}

type Option func(*Cache)

// WithClock sets the time source Get uses to decide expiry
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) { c.clock = clock }
}

// New creates a cache. ttl <= 0 selects DefaultTTL, maxEntries <= 0 selects
// DefaultMaxEntries.
func New(ttl time.Duration, maxEntries int, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c := &Cache{
		ttl:   ttl,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	// The LRU's own sweep only reclaims memory; expiry is decided in Get.
	c.entries = expirable.NewLRU[Key, Entry](maxEntries, nil, ttl)
	return c
}

// TTL returns the configured time to live
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get reports the cached decision for key. Entries whose ExpiresAt is not
// after the current time are reported as Miss.
func (c *Cache) Get(key Key) Status {
	entry, ok := c.entries.Get(key)
	if !ok || !c.clock().Before(entry.ExpiresAt) {
		c.misses.Add(1)
		metrics.IncrCounter([]string{"authzcache", "miss"}, 1)
		return Miss
	}

	c.hits.Add(1)
	metrics.IncrCounter([]string{"authzcache", "hit"}, 1)
	if entry.Authorized {
		return HitAuthorized
	}
	return HitNotAuthorized
}

// Put stores a decision made at now, replacing any previous one for key
func (c *Cache) Put(key Key, authorized bool, now time.Time) {
	c.entries.Add(key, Entry{
		Authorized: authorized,
		ExpiresAt:  now.Add(c.ttl),
		CreatedAt:  now,
	})
	c.puts.Add(1)
	metrics.IncrCounter([]string{"authzcache", "put"}, 1)
}

// Peek returns the raw entry without touching recency or counters
func (c *Cache) Peek(key Key) (Entry, bool) {
	return c.entries.Peek(key)
}

func (c *Cache) Len() int {
	return c.entries.Len()
}

// Purge drops every entry
func (c *Cache) Purge() {
	c.entries.Purge()
}

func (c *Cache) Metrics() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Puts:   c.puts.Load(),
	}
}
