package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSet(t *testing.T) {
	t.Parallel()
	c := New[string, []int](10)

	_, ok := c.Get("x")
	assert.False(t, ok, "miss on empty cache")

	c.Set("alice@example.com", []int{1, 2})
	v, ok := c.Get("alice@example.com")
	require.True(t, ok)
	assert.Equal(t, []int{1, 2}, v)

	c.Set("alice@example.com", []int{3})
	v, ok = c.Get("alice@example.com")
	require.True(t, ok)
	assert.Equal(t, []int{3}, v, "overwritten value")

	assert.Equal(t, Stats{Entries: 1, Hits: 2, Misses: 1}, c.Stats())
}

func TestCapacityEnforced(t *testing.T) {
	t.Parallel()
	const capacity = 10
	c := New[string, string](capacity)
	for i := 0; i < capacity+5; i++ {
		c.Set(fmt.Sprintf("key-%d", i), "v")
	}
	assert.LessOrEqual(t, c.Stats().Entries, capacity)
}

func TestCapacityClamped(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 2, New[int, int](0).capacity)
}

func TestPromotionToM(t *testing.T) {
	t.Parallel()
	// capacity=2 → sTarget=1, mTarget=1; the third insert evicts the S head.
	c := New[string, string](2)
	c.Set("hot", "1")
	c.Get("hot")
	c.Set("cold", "2")
	c.Set("extra", "3")

	c.mu.Lock()
	e, ok := c.entries["hot"]
	c.mu.Unlock()
	require.True(t, ok, "'hot' survives S eviction")
	assert.True(t, e.inM, "'hot' promoted to M")
}

func TestGhostBypassesS(t *testing.T) {
	t.Parallel()
	c := New[string, string](2)
	c.Set("victim", "1")
	c.Set("displacer", "2")
	c.Set("trigger", "3")

	c.mu.Lock()
	_, resident := c.entries["victim"]
	inGhost := c.ghostContains("victim")
	c.mu.Unlock()
	assert.False(t, resident, "'victim' evicted")
	assert.True(t, inGhost, "'victim' remembered in ghost")

	c.Set("victim", "again")
	c.mu.Lock()
	e, ok := c.entries["victim"]
	c.mu.Unlock()
	require.True(t, ok)
	assert.True(t, e.inM, "ghost hit inserts directly into M")
}

func TestGhostBounded(t *testing.T) {
	t.Parallel()
	c := New[string, string](20)
	for i := 0; i < c.ghostCap+2; i++ {
		c.Set(fmt.Sprintf("evict-%d", i), "v")
		c.Set(fmt.Sprintf("filler-%d", i), "v")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.LessOrEqual(t, c.ghostCount, c.ghostCap)
	assert.Len(t, c.ghostSet, c.ghostCount)
}

func TestFrequencySaturation(t *testing.T) {
	t.Parallel()
	c := New[string, string](10)
	c.Set("k", "v")
	for i := 0; i < 100; i++ {
		c.Get("k")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.EqualValues(t, 3, c.entries["k"].freq)
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()
	c := New[string, int](100)

	const goroutines = 20
	const ops = 200
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(g int) {
			defer wg.Done()
			for i := 0; i < ops; i++ {
				key := fmt.Sprintf("key-%d-%d", g, i%50)
				c.Set(key, i)
				c.Get(key)
			}
		}(g)
	}
	wg.Wait()

	st := c.Stats()
	assert.EqualValues(t, goroutines*ops, st.Hits+st.Misses)

	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.s.Len() + c.m.Len()
	assert.LessOrEqual(t, total, c.capacity)
	assert.Len(t, c.entries, total, "entries map in sync with queues")
}
