// ABOUTME: Tests for the event ID dedupe cache
// ABOUTME: Validates TTL expiry, size bound, oldest-first eviction, and concurrent check-and-record

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestCache(ttl time.Duration, maxSize int) (*Cache, func(time.Duration)) {
	c := New(ttl, maxSize)
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	return c, func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}
}

func TestCache_SeenRecordsFirstSighting(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)
	defer c.Close()

	assert.False(t, c.Seen("$event1"))
	assert.True(t, c.Seen("$event1"))
	assert.False(t, c.Seen("$event2"))
}

func TestCache_Expiry(t *testing.T) {
	c, advance := newTestCache(time.Minute, 10)
	defer c.Close()

	c.Seen("$event1")
	advance(59 * time.Second)
	assert.True(t, c.Seen("$event1"))

	advance(2 * time.Second)
	assert.False(t, c.Seen("$event1"), "expired key counts as new")
}

func TestCache_EvictsOldestWhenFull(t *testing.T) {
	c, _ := newTestCache(time.Hour, 3)
	defer c.Close()

	for i := 0; i < 4; i++ {
		c.Seen(fmt.Sprintf("k%d", i))
	}
	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Seen("k0"), "k0 was evicted")
	assert.True(t, c.Seen("k3"))
}

func TestCache_Expire(t *testing.T) {
	c, advance := newTestCache(time.Minute, 10)
	defer c.Close()

	c.Seen("old")
	advance(30 * time.Second)
	c.Seen("new")
	advance(45 * time.Second)

	c.expire()
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Seen("new"))
}

func TestCache_ConcurrentSeen(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	var firsts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Seen("$same") {
				firsts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), firsts.Load())
}

func TestCache_DefaultsAndDoubleClose(t *testing.T) {
	c := New(0, 0)
	assert.Equal(t, DefaultTTL, c.ttl)
	assert.Equal(t, DefaultMaxSize, c.maxSize)
	c.Close()
	c.Close()
}
