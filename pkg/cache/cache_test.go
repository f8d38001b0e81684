package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSetRoundtrip(t *testing.T) {
	c := New[string](time.Minute, 10)

	_, ok := c.Get("q")
	assert.False(t, ok)

	c.Set("q", "art. 927 do código civil")
	got, ok := c.Get("q")
	require.True(t, ok)
	assert.Equal(t, "art. 927 do código civil", got)
}

func TestEntriesExpire(t *testing.T) {
	c := New[int](10*time.Millisecond, 0)
	c.Set("k", 1)

	_, ok := c.Get("k")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestZeroTTLNeverExpires(t *testing.T) {
	c := New[int](0, 0)
	c.Set("k", 1)

	time.Sleep(5 * time.Millisecond)
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 1, got)
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := New[int](time.Minute, 2)

	c.Set("a", 1)
	c.Set("b", 2)

	// Touch "a" so "b" becomes the eviction candidate.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("c", 3)
	assert.Equal(t, 2, c.Len())

	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestEvictPrefersExpiredEntries(t *testing.T) {
	c := New[int](15*time.Millisecond, 2)

	c.Set("old", 1)
	time.Sleep(20 * time.Millisecond)

	// Both fit only because "old" has expired by now.
	c.Set("a", 2)
	c.Set("b", 3)

	_, ok := c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)
	_, ok = c.Get("old")
	assert.False(t, ok)
}

func TestPurge(t *testing.T) {
	c := New[int](time.Minute, 0)
	c.Set("a", 1)
	c.Set("b", 2)
	require.Equal(t, 2, c.Len())

	c.Purge()
	assert.Equal(t, 0, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestConcurrentAccess(t *testing.T) {
	c := New[int](time.Minute, 64)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k%d", j%16)
				c.Set(key, n)
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 64)
}

func TestKeyIsStableAndNormalized(t *testing.T) {
	assert.Equal(t, Key("Dano Moral", "t1"), Key("  dano moral ", "t1"))
	assert.NotEqual(t, Key("dano moral", "t1"), Key("dano moral", "t2"))

	// The separator keeps part boundaries unambiguous.
	assert.NotEqual(t, Key("ab", "c"), Key("a", "bc"))

	assert.Len(t, Key("x"), 40)
}
