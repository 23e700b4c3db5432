// Package verdict remembers the outcome of past verifications per client
// address so that repeat visitors skip or fail the challenge immediately.
package verdict

import (
	"container/list"
	"net/netip"
	"sync"
	"time"

	"github.com/1ureka/limbo/internal/util"
)

// Outcome is the remembered result for an address.
type Outcome uint8

const (
	Trusted Outcome = iota + 1
	Blacklisted
)

func (o Outcome) String() string {
	switch o {
	case Trusted:
		return "trusted"
	case Blacklisted:
		return "blacklisted"
	}
	return "unknown"
}

// Entry is the cached verdict for one address.
type Entry struct {
	Outcome  Outcome   `json:"outcome"`
	Expiry   time.Time `json:"expiry"`
	Offenses int       `json:"offenses"` // blacklistings counted toward backoff, 0 for trusted
}

// Options configures a Cache.
type Options struct {
	Capacity        int           // total entries across all shards
	Shards          int           // lock buckets, default 16
	MaxBlacklistTTL time.Duration // cap on backoff growth, 0 for none
	// OffenseMemory is how long an expired blacklisting still counts as a
	// previous offense. 0 uses DefaultOffenseMemory; negative forgets
	// offenses as soon as the blacklisting expires.
	OffenseMemory time.Duration
	Clock         util.Clock
}

// Defaults for unset Options fields.
const (
	DefaultShards        = 16
	DefaultOffenseMemory = time.Hour
)

// Cache is a bounded, expiring map from client address to verdict. It is
// split into shards, each guarded by its own mutex and kept in LRU order.
// Expired entries read as absent and are reclaimed before any live entry is
// evicted. An expired blacklisting is kept as offense history for
// OffenseMemory so that a repeat offender's next blacklisting lasts longer.
type Cache struct {
	shards []*shard
	maxTTL time.Duration
	memory time.Duration
	clock  util.Clock
}

type shard struct {
	mu       sync.Mutex
	capacity int
	items    map[netip.Addr]*list.Element
	order    *list.List // front is most recently used
}

type item struct {
	addr   netip.Addr
	entry  Entry
	retain time.Time // the entry is dropped from here on
}

// NewCache creates a cache. Capacity below 1 is raised to 1.
func NewCache(opts Options) *Cache {
	capacity := max(opts.Capacity, 1)
	n := opts.Shards
	if n <= 0 {
		n = DefaultShards
	}
	n = min(n, capacity)

	clock := opts.Clock
	if clock == nil {
		clock = util.SystemClock
	}

	memory := opts.OffenseMemory
	switch {
	case memory == 0:
		memory = DefaultOffenseMemory
	case memory < 0:
		memory = 0
	}

	c := &Cache{
		shards: make([]*shard, n),
		maxTTL: opts.MaxBlacklistTTL,
		memory: memory,
		clock:  clock,
	}
	for i := range c.shards {
		perShard := capacity / n
		if i < capacity%n {
			perShard++
		}
		c.shards[i] = &shard{
			capacity: perShard,
			items:    make(map[netip.Addr]*list.Element, perShard),
			order:    list.New(),
		}
	}
	return c
}

func (c *Cache) shardFor(addr netip.Addr) *shard {
	return c.shards[util.HashAddr(addr)%uint32(len(c.shards))]
}

// Lookup returns the live verdict for addr. Looking up the same address
// twice with no record in between yields the same outcome.
func (c *Cache) Lookup(addr netip.Addr) (Entry, bool) {
	addr = addr.Unmap()
	now := c.clock.Now()
	s := c.shardFor(addr)

	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[addr]
	if !ok {
		return Entry{}, false
	}
	it := el.Value.(*item)
	if expired(it.entry, now) {
		if !it.retained(now) {
			s.remove(el)
		}
		return Entry{}, false
	}
	s.order.MoveToFront(el)
	return it.entry, true
}

// RecordTrusted marks addr as verified for ttl.
func (c *Cache) RecordTrusted(addr netip.Addr, ttl time.Duration) Entry {
	addr = addr.Unmap()
	now := c.clock.Now()
	entry := Entry{Outcome: Trusted, Expiry: now.Add(ttl)}

	s := c.shardFor(addr)
	s.mu.Lock()
	s.put(addr, entry, entry.Expiry, now)
	s.mu.Unlock()
	return entry
}

// RecordBlacklisted blacklists addr. The first offense lasts baseTTL; each
// offense while the previous blacklisting is live or remembered doubles it,
// up to the configured cap. The new expiry is always later than the
// previous one.
func (c *Cache) RecordBlacklisted(addr netip.Addr, baseTTL time.Duration) Entry {
	addr = addr.Unmap()
	now := c.clock.Now()
	s := c.shardFor(addr)

	s.mu.Lock()
	defer s.mu.Unlock()

	offenses := 1
	var prev time.Time
	if el, ok := s.items[addr]; ok {
		it := el.Value.(*item)
		if it.entry.Outcome == Blacklisted && it.retained(now) {
			offenses = it.entry.Offenses + 1
			prev = it.entry.Expiry
		}
	}

	expiry := now.Add(Backoff(baseTTL, offenses, c.maxTTL))
	if !prev.IsZero() && !expiry.After(prev) {
		expiry = prev.Add(time.Millisecond)
	}

	entry := Entry{Outcome: Blacklisted, Expiry: expiry, Offenses: offenses}
	s.put(addr, entry, expiry.Add(c.memory), now)
	return entry
}

// Restore puts back a blacklisting saved before a restart, keeping its
// expiry and offense count. It reports false when the entry is no longer
// live, or when addr already has a live verdict.
func (c *Cache) Restore(addr netip.Addr, entry Entry) bool {
	addr = addr.Unmap()
	now := c.clock.Now()
	if entry.Outcome != Blacklisted || expired(entry, now) {
		return false
	}
	entry.Offenses = max(entry.Offenses, 1)

	s := c.shardFor(addr)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[addr]; ok && !expired(el.Value.(*item).entry, now) {
		return false
	}
	s.put(addr, entry, entry.Expiry.Add(c.memory), now)
	return true
}

// Remove forgets addr. It reports whether a live entry was removed.
func (c *Cache) Remove(addr netip.Addr) bool {
	addr = addr.Unmap()
	now := c.clock.Now()
	s := c.shardFor(addr)

	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[addr]
	if !ok {
		return false
	}
	live := !expired(el.Value.(*item).entry, now)
	s.remove(el)
	return live
}

// Len returns the number of entries held, including expired entries not
// yet reclaimed and remembered offenses.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.order.Len()
		s.mu.Unlock()
	}
	return n
}

// Counts returns the number of live entries per outcome.
func (c *Cache) Counts() (trusted, blacklisted int) {
	now := c.clock.Now()
	for _, s := range c.shards {
		s.mu.Lock()
		for el := s.order.Front(); el != nil; el = el.Next() {
			e := el.Value.(*item).entry
			if expired(e, now) {
				continue
			}
			switch e.Outcome {
			case Trusted:
				trusted++
			case Blacklisted:
				blacklisted++
			}
		}
		s.mu.Unlock()
	}
	return trusted, blacklisted
}

// Sweep reclaims every expired entry whose offense history is no longer
// remembered and returns how many were dropped. Expiry is lazy, so calling
// Sweep is optional.
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.reclaim(now, false)
		s.mu.Unlock()
	}
	return n
}

// Backoff returns base doubled once per offense after the first, capped at
// limit when limit is positive.
func Backoff(base time.Duration, offenses int, limit time.Duration) time.Duration {
	ttl := base
	for i := 1; i < offenses; i++ {
		if ttl > time.Duration(1<<62) {
			break
		}
		ttl *= 2
		if limit > 0 && ttl >= limit {
			break
		}
	}
	if limit > 0 && ttl > limit {
		ttl = limit
	}
	return ttl
}

func expired(e Entry, now time.Time) bool {
	return !now.Before(e.Expiry)
}

func (it *item) retained(now time.Time) bool {
	return now.Before(it.retain)
}

// ---------------------------------------------------------------------------
// shard internals, called with s.mu held
// ---------------------------------------------------------------------------

func (s *shard) put(addr netip.Addr, entry Entry, retain, now time.Time) {
	if el, ok := s.items[addr]; ok {
		it := el.Value.(*item)
		it.entry = entry
		it.retain = retain
		s.order.MoveToFront(el)
		return
	}
	if s.order.Len() >= s.capacity {
		s.evict(now)
	}
	s.items[addr] = s.order.PushFront(&item{addr: addr, entry: entry, retain: retain})
}

// evict makes room for one entry. Forgotten entries go first, then
// remembered offenses, and only when neither exists is the least recently
// used live entry dropped.
func (s *shard) evict(now time.Time) {
	if s.reclaim(now, false) > 0 || s.reclaim(now, true) > 0 {
		return
	}
	if el := s.order.Back(); el != nil {
		s.remove(el)
	}
}

// reclaim drops expired entries past their retention, or every expired
// entry when history is true.
func (s *shard) reclaim(now time.Time, history bool) int {
	n := 0
	for el := s.order.Back(); el != nil; {
		prev := el.Prev()
		it := el.Value.(*item)
		if expired(it.entry, now) && (history || !it.retained(now)) {
			s.remove(el)
			n++
		}
		el = prev
	}
	return n
}

func (s *shard) remove(el *list.Element) {
	delete(s.items, el.Value.(*item).addr)
	s.order.Remove(el)
}
