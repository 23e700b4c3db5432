package verdict

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/1ureka/limbo/internal/util"
)

// Limiter caps how often one address may start a verification. Each address
// gets a token bucket refilling perMinute tokens per minute. Addresses are
// spread over DefaultShards buckets, each with its own lock.
type Limiter struct {
	perMinute int
	clock     util.Clock
	shards    []*limiterShard
}

type limiterShard struct {
	mu       sync.Mutex
	visitors map[netip.Addr]*visitor
}

type visitor struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewLimiter creates a limiter. perMinute <= 0 disables limiting.
func NewLimiter(perMinute int, clock util.Clock) *Limiter {
	if clock == nil {
		clock = util.SystemClock
	}
	l := &Limiter{
		perMinute: perMinute,
		clock:     clock,
		shards:    make([]*limiterShard, DefaultShards),
	}
	for i := range l.shards {
		l.shards[i] = &limiterShard{visitors: make(map[netip.Addr]*visitor)}
	}
	return l
}

// Allow consumes one join attempt for addr and reports whether it is allowed.
func (l *Limiter) Allow(addr netip.Addr) bool {
	if l == nil || l.perMinute <= 0 {
		return true
	}
	addr = addr.Unmap()
	now := l.clock.Now()
	s := l.shards[util.HashAddr(addr)%uint32(len(l.shards))]

	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.visitors[addr]
	if !ok {
		every := rate.Every(time.Minute / time.Duration(l.perMinute))
		v = &visitor{lim: rate.NewLimiter(every, l.perMinute)}
		s.visitors[addr] = v
	}
	v.seen = now
	return v.lim.AllowN(now, 1)
}

// Sweep drops addresses idle for over a minute. Their buckets are full again,
// so forgetting them changes nothing.
func (l *Limiter) Sweep() int {
	if l == nil {
		return 0
	}
	cutoff := l.clock.Now().Add(-time.Minute)

	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for addr, v := range s.visitors {
			if v.seen.Before(cutoff) {
				delete(s.visitors, addr)
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

// Len returns the number of addresses tracked.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.visitors)
		s.mu.Unlock()
	}
	return n
}
