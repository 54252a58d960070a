package onion

import (
	"container/list"
	"sync"
)

// DefaultReplayCacheCapacity is the default bound on a session's nonce
// replay cache. A session evicts its oldest nonce once this many are
// held, trading a small false-negative window (an evicted nonce could
// in principle be replayed undetected) for bounded memory.
const DefaultReplayCacheCapacity = 100_000

// replayCache is a bounded LRU set of recently seen nonces, used to
// enforce the wire protocol's "a nonce must never be accepted twice
// within a session_id" invariant without retaining unbounded history.
type replayCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[[NonceSize]byte]*list.Element
}

func newReplayCache(capacity int) *replayCache {
	if capacity <= 0 {
		capacity = DefaultReplayCacheCapacity
	}
	return &replayCache{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[[NonceSize]byte]*list.Element, capacity),
	}
}

// seen reports whether nonce has already been recorded.
func (c *replayCache) seen(nonce [NonceSize]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[nonce]
	return ok
}

// record adds nonce to the cache, evicting the oldest entry if the
// cache is at capacity. Returns false if the nonce was already present
// (a replay), true if it was newly recorded.
func (c *replayCache) record(nonce [NonceSize]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.index[nonce]; ok {
		return false
	}

	elem := c.order.PushBack(nonce)
	c.index[nonce] = elem

	for c.order.Len() > c.capacity {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.([NonceSize]byte))
	}

	return true
}

// sequenceTracker enforces the monotonic sequence number check: a
// packet's sequence_num must exceed the highest one this session has
// accepted so far. Used alongside replayCache, not instead of it: the
// nonce cache rejects an exact replay, and the tracker rejects any
// packet whose sequence number does not exceed the highest accepted.
type sequenceTracker struct {
	mu      sync.Mutex
	highest uint64
	seeded  bool
}

// newSequenceTracker creates a tracker with no floor yet: it accepts
// whatever sequence number arrives first as its baseline, then
// requires strictly increasing values after that. This is the
// receiving side of sequence tracking; the sending side's starting
// sequence number is a separate concern (see DESIGN.md for why a
// sender randomizes its own starting sequence number rather than
// always starting at zero).
func newSequenceTracker() *sequenceTracker {
	return &sequenceTracker{}
}

// accept reports whether seq is acceptable (strictly greater than any
// previously accepted seq, or the very first one seen) and, if so,
// advances the tracked high-water mark.
func (t *sequenceTracker) accept(seq uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.seeded {
		t.highest = seq
		t.seeded = true
		return true
	}
	if seq <= t.highest {
		return false
	}
	t.highest = seq
	return true
}
