// Package cache provides a bounded in-memory cache with S3-FIFO eviction.
//
// # Algorithm
//
// S3-FIFO (Yang et al., 2023) keeps two FIFO queues and a bounded ghost set:
//
//   - S (small, ~10% of capacity): probationary queue for new keys.
//   - M (main, the rest): keys that were read at least once while in S.
//   - G (ghost): ring buffer of keys recently evicted from S, bounded to
//     2× the S target. A key found in G on insert goes straight to M.
//
// Each entry carries a saturating frequency counter (max 3), bumped on every
// hit and reset on promotion to M.
//
// # Eviction
//
//	S head: freq > 0 → promote to M tail; if M is over target, evict M head.
//	        freq == 0 → drop, remember key in G.
//	M head: drop. M evictions never enter G.
//
// # Sizing
//
//	sTarget  = max(1, capacity/10)
//	mTarget  = capacity − sTarget
//	ghostCap = max(4, 2 × sTarget)
package cache

import (
	"container/list"
	"sync"
)

type entry[K comparable, V any] struct {
	value V
	freq  uint8         // saturating counter in [0, 3]
	elem  *list.Element // back-pointer into s or m
	inM   bool
}

// S3FIFO is a fixed-capacity cache safe for concurrent use.
type S3FIFO[K comparable, V any] struct {
	mu sync.Mutex

	capacity int
	sTarget  int
	ghostCap int

	entries map[K]*entry[K, V]
	s       *list.List // element values are K
	m       *list.List

	ghostBuf   []K
	ghostSet   map[K]struct{}
	ghostHead  int
	ghostCount int

	hits, misses uint64
}

// New returns an S3FIFO holding at most capacity items. Values below 2 are
// clamped to 2.
func New[K comparable, V any](capacity int) *S3FIFO[K, V] {
	if capacity < 2 {
		capacity = 2
	}
	sTarget := max(1, capacity/10)
	ghostCap := max(4, 2*sTarget)
	return &S3FIFO[K, V]{
		capacity: capacity,
		sTarget:  sTarget,
		ghostCap: ghostCap,
		entries:  make(map[K]*entry[K, V], capacity),
		s:        list.New(),
		m:        list.New(),
		ghostBuf: make([]K, ghostCap),
		ghostSet: make(map[K]struct{}, ghostCap),
	}
}

// Get returns the value stored under key.
func (c *S3FIFO[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	if e.freq < 3 {
		e.freq++
	}
	c.hits++
	return e.value, true
}

// Set stores key → value. Updating a resident key keeps its queue position.
func (c *S3FIFO[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		return
	}

	inM := c.ghostContains(key)
	var elem *list.Element
	if inM {
		elem = c.m.PushBack(key)
	} else {
		elem = c.s.PushBack(key)
	}
	c.entries[key] = &entry[K, V]{value: value, elem: elem, inM: inM}

	for c.s.Len()+c.m.Len() > c.capacity {
		c.evictOne()
	}
}

// Stats is a point-in-time view of a cache.
type Stats struct {
	Entries int    `json:"entries"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
}

// Stats returns the resident entry count and the hit and miss counts since
// creation.
func (c *S3FIFO[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: len(c.entries), Hits: c.hits, Misses: c.misses}
}

// Must be called with c.mu held.
func (c *S3FIFO[K, V]) evictOne() {
	if c.s.Len() > 0 {
		c.evictFromS()
		return
	}
	c.evictFromM()
}

// Must be called with c.mu held.
func (c *S3FIFO[K, V]) evictFromS() {
	front := c.s.Front()
	if front == nil {
		return
	}
	key := c.s.Remove(front).(K)
	e, ok := c.entries[key]
	if !ok {
		return
	}
	if e.freq > 0 {
		e.freq = 0
		e.inM = true
		e.elem = c.m.PushBack(key)
		if c.m.Len() > c.capacity-c.sTarget {
			c.evictFromM()
		}
		return
	}
	delete(c.entries, key)
	c.ghostAdd(key)
}

// Must be called with c.mu held.
func (c *S3FIFO[K, V]) evictFromM() {
	front := c.m.Front()
	if front == nil {
		return
	}
	delete(c.entries, c.m.Remove(front).(K))
}

func (c *S3FIFO[K, V]) ghostContains(key K) bool {
	_, ok := c.ghostSet[key]
	return ok
}

// ghostAdd records key in the ring, overwriting the oldest key when full.
func (c *S3FIFO[K, V]) ghostAdd(key K) {
	if _, exists := c.ghostSet[key]; exists {
		return
	}
	if c.ghostCount == c.ghostCap {
		delete(c.ghostSet, c.ghostBuf[c.ghostHead])
		c.ghostHead = (c.ghostHead + 1) % c.ghostCap
		c.ghostCount--
	}
	c.ghostBuf[(c.ghostHead+c.ghostCount)%c.ghostCap] = key
	c.ghostSet[key] = struct{}{}
	c.ghostCount++
}
