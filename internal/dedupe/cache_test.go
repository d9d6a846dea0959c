// ABOUTME: Tests for the terminal-outcome cache used by delivery queue admission
// ABOUTME: Validates TTL expiration, replacement, size eviction, cleanup and concurrency safety

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_LookupUnknown(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	_, ok := cache.Lookup("never-seen")
	assert.False(t, ok)
}

func TestCache_RecordAndLookup(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	cache.Record("msg-1", Sent)
	cache.Record("msg-2", Failed)

	got, ok := cache.Lookup("msg-1")
	assert.True(t, ok)
	assert.Equal(t, Sent, got)

	got, ok = cache.Lookup("msg-2")
	assert.True(t, ok)
	assert.Equal(t, Failed, got)
}

func TestCache_RecordReplaces(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	cache.Record("msg-1", Failed)
	cache.Record("msg-1", Sent)

	got, _ := cache.Lookup("msg-1")
	assert.Equal(t, Sent, got)
	assert.Equal(t, 1, cache.Len())
}

func TestCache_Expired(t *testing.T) {
	cache := New(time.Minute, 100)
	defer cache.Close()

	now := time.Now()
	cache.now = func() time.Time { return now }
	cache.Record("msg-1", Sent)

	now = now.Add(2 * time.Minute)
	_, ok := cache.Lookup("msg-1")
	assert.False(t, ok)
}

func TestCache_EvictsOldest(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.Record("a", Sent)
	cache.Record("b", Sent)
	cache.Record("c", Sent)
	cache.Record("d", Sent)

	_, ok := cache.Lookup("a")
	assert.False(t, ok, "oldest record should be evicted")
	for _, k := range []string{"b", "c", "d"} {
		_, ok := cache.Lookup(k)
		assert.True(t, ok, k)
	}
}

func TestCache_Cleanup(t *testing.T) {
	cache := New(time.Minute, 100)
	defer cache.Close()

	now := time.Now()
	cache.now = func() time.Time { return now }
	cache.Record("old-1", Sent)
	cache.Record("old-2", Failed)

	now = now.Add(90 * time.Second)
	cache.Record("fresh", Sent)

	cache.runCleanup()

	assert.Equal(t, 1, cache.Len())
	_, ok := cache.Lookup("fresh")
	assert.True(t, ok)
}

func TestCache_Forget(t *testing.T) {
	cache := New(time.Minute, 100)
	defer cache.Close()

	cache.Record("msg-1", Sent)
	cache.Forget("msg-1")
	cache.Forget("msg-1")

	_, ok := cache.Lookup("msg-1")
	assert.False(t, ok)
}

func TestCache_Concurrent(t *testing.T) {
	cache := New(time.Minute, 1000)
	defer cache.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				key := fmt.Sprintf("msg-%d-%d", n, j)
				cache.Record(key, Sent)
				cache.Lookup(key)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1000, cache.Len())
}

func TestCache_CloseTwice(t *testing.T) {
	cache := New(time.Minute, 10)
	cache.Close()
	cache.Close()
}
