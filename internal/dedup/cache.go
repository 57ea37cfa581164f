// Package dedup implements the duplicate-suppression cache: a
// time-bounded set of fingerprints of recently queued texts.
package dedup

import (
	"crypto/sha256"
	"sync"
	"time"
)

// Fingerprint is a digest of a fully framed outgoing text.
type Fingerprint [sha256.Size]byte

// Of fingerprints a framed text body.
func Of(text string) Fingerprint {
	return sha256.Sum256([]byte(text))
}

// Cache remembers fingerprints for a TTL window so repeats can be
// suppressed. It holds at most capacity entries; when full, the
// oldest-inserted entry is evicted first. Re-recording a fingerprint
// restarts its TTL clock, so a fingerprint never has two live entries.
//
// Safe for concurrent use: producers consult it from their own
// goroutines.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	cap     int
	entries map[Fingerprint]time.Time // fingerprint -> inserted at
	order   []Fingerprint             // insertion order, oldest first

	now func() time.Time // test hook
}

func New(ttl time.Duration, capacity int) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if capacity <= 0 {
		capacity = 100
	}
	return &Cache{
		ttl:     ttl,
		cap:     capacity,
		entries: make(map[Fingerprint]time.Time, capacity),
		now:     time.Now,
	}
}

// ShouldSuppress reports whether fp is present and unexpired.
func (c *Cache) ShouldSuppress(fp Fingerprint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.now())
	_, ok := c.entries[fp]
	return ok
}

// Record inserts fp, refreshing its TTL clock if already present.
func (c *Cache) Record(fp Fingerprint) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now)

	if _, ok := c.entries[fp]; ok {
		c.removeFromOrderLocked(fp)
	}
	c.entries[fp] = now
	c.order = append(c.order, fp)

	for len(c.entries) > c.cap {
		c.evictOldestLocked()
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.now())
	return len(c.entries)
}

// pruneLocked drops expired entries. order is sorted by insertion time
// and every entry shares one TTL, so expired entries sit at the front.
func (c *Cache) pruneLocked(now time.Time) {
	for len(c.order) > 0 {
		oldest := c.order[0]
		at, ok := c.entries[oldest]
		if !ok {
			c.order = c.order[1:]
			continue
		}
		if now.Sub(at) < c.ttl {
			return
		}
		delete(c.entries, oldest)
		c.order = c.order[1:]
	}
}

func (c *Cache) evictOldestLocked() {
	if len(c.order) == 0 {
		return
	}
	delete(c.entries, c.order[0])
	c.order = c.order[1:]
}

func (c *Cache) removeFromOrderLocked(fp Fingerprint) {
	for i, k := range c.order {
		if k == fp {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
