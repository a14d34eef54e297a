package authzcache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(t *testing.T) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Now()}
	return New(0, 0, WithClock(clock.Now)), clock
}

func TestCache_Defaults(t *testing.T) {
	c := New(0, 0)
	assert.Equal(t, DefaultTTL, c.TTL())
	assert.Equal(t, time.Hour, DefaultTTL)
}

func TestCache_HitBeforeTTL(t *testing.T) {
	c, clock := newTestCache(t)
	key := Key{Username: "alice", TenantID: 1, Token: "tok"}
	t0 := clock.Now()

	c.Put(key, true, t0)
	assert.Equal(t, HitAuthorized, c.Get(key))

	clock.Advance(DefaultTTL - time.Nanosecond)
	assert.Equal(t, HitAuthorized, c.Get(key))
}

func TestCache_MissAtAndAfterTTL(t *testing.T) {
	c, clock := newTestCache(t)
	key := Key{Username: "alice", TenantID: 1, Token: "tok"}

	c.Put(key, true, clock.Now())
	clock.Advance(DefaultTTL)
	assert.Equal(t, Miss, c.Get(key), "now == expiresAt is expired")

	clock.Advance(time.Minute)
	assert.Equal(t, Miss, c.Get(key))
}

func TestCache_NotAuthorizedIsCached(t *testing.T) {
	c, clock := newTestCache(t)
	key := Key{Username: "bob", TenantID: 2, Token: "tok"}

	c.Put(key, false, clock.Now())
	assert.Equal(t, HitNotAuthorized, c.Get(key))
}

func TestCache_AbsentIsMiss(t *testing.T) {
	c, _ := newTestCache(t)
	assert.Equal(t, Miss, c.Get(Key{Username: "nobody"}))
}

func TestCache_PutOverwrites(t *testing.T) {
	c, clock := newTestCache(t)
	key := Key{Username: "alice", TenantID: 1, Token: "tok"}
	t0 := clock.Now()

	c.Put(key, true, t0)
	c.Put(key, false, t0.Add(time.Minute))
	assert.Equal(t, HitNotAuthorized, c.Get(key))

	entry, ok := c.Peek(key)
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Minute), entry.CreatedAt)
	assert.Equal(t, t0.Add(time.Minute+DefaultTTL), entry.ExpiresAt)
	assert.Equal(t, 1, c.Len())
}

func TestCache_KeyEqualityIsFieldWise(t *testing.T) {
	c, clock := newTestCache(t)
	c.Put(Key{Username: "alice", TenantID: 1, Token: "tok"}, true, clock.Now())

	built := Key{Token: "tok", TenantID: 1}
	built.Username = "alice"
	assert.Equal(t, HitAuthorized, c.Get(built))

	assert.Equal(t, Miss, c.Get(Key{Username: "alice", TenantID: 2, Token: "tok"}))
	assert.Equal(t, Miss, c.Get(Key{Username: "alice", TenantID: 1, Token: "other"}))
}

func TestCache_Counters(t *testing.T) {
	c, clock := newTestCache(t)
	key := Key{Username: "alice"}

	c.Get(key)
	c.Put(key, true, clock.Now())
	c.Get(key)
	c.Get(key)

	assert.Equal(t, Stats{Hits: 2, Misses: 1, Puts: 1}, c.Metrics())
}

func TestCache_CapacityBound(t *testing.T) {
	c := New(time.Hour, 2)
	now := time.Now()

	c.Put(Key{Username: "a"}, true, now)
	c.Put(Key{Username: "b"}, true, now)
	c.Put(Key{Username: "c"}, true, now)

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, Miss, c.Get(Key{Username: "a"}))
	assert.Equal(t, HitAuthorized, c.Get(Key{Username: "c"}))
}

func TestCache_Purge(t *testing.T) {
	c, clock := newTestCache(t)
	c.Put(Key{Username: "a"}, true, clock.Now())
	c.Purge()
	assert.Zero(t, c.Len())
}

func TestCache_ConcurrentDisjointKeys(t *testing.T) {
	c, clock := newTestCache(t)
	const workers = 64
	const perWorker = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := Key{Username: fmt.Sprintf("user-%d", w), TenantID: int64(i), Token: "tok"}
				authorized := (w+i)%2 == 0
				c.Put(key, authorized, clock.Now())

				want := HitNotAuthorized
				if authorized {
					want = HitAuthorized
				}
				if got := c.Get(key); got != want {
					t.Errorf("worker %d key %d: got %s want %s", w, i, got, want)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, workers*perWorker, c.Len())
	assert.Equal(t, uint64(workers*perWorker), c.Metrics().Puts)
}
