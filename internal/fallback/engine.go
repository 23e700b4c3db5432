// Package fallback holds every new connection in a fake world until it has
// proven to be a real client. An Engine admits connections and runs one
// Session per connection through the challenge; the verdict is remembered
// in the verdict cache so returning clients skip it.
package fallback

import (
	"context"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/limbo/internal/challenge"
	"github.com/1ureka/limbo/internal/metrics"
	"github.com/1ureka/limbo/internal/util"
	"github.com/1ureka/limbo/internal/verdict"
)

// Deps are the collaborators an Engine works with. Only Generator is
// required.
type Deps struct {
	Generator *challenge.Generator
	Cache     *verdict.Cache
	Limiter   *verdict.Limiter // nil disables the join limiter
	Metrics   *metrics.Metrics // nil records nothing
	Recorder  Recorder         // nil keeps verdicts in memory only
}

// Engine admits connections and owns the sessions verifying them.
type Engine struct {
	cfg       Config
	generator *challenge.Generator
	cache     *verdict.Cache
	limiter   *verdict.Limiter
	metrics   *metrics.Metrics
	recorder  Recorder

	lockdown atomic.Bool

	mu       sync.Mutex
	sessions map[netip.Addr]*Session

	wg sync.WaitGroup
}

// NewEngine creates an engine.
func NewEngine(cfg Config, deps Deps) *Engine {
	cfg.setDefaults()

	cache := deps.Cache
	if cache == nil {
		cache = verdict.NewCache(verdict.Options{Capacity: 65536})
	}

	return &Engine{
		cfg:       cfg,
		generator: deps.Generator,
		cache:     cache,
		limiter:   deps.Limiter,
		metrics:   deps.Metrics,
		recorder:  deps.Recorder,
		sessions:  make(map[netip.Addr]*Session),
	}
}

// Accept decides what happens to a new connection. A cached verdict, the
// lockdown switch or an admission limit settle it at once, and nil is
// returned after conn has been released or disconnected. Otherwise a session
// starts verifying the connection; the caller feeds it the client's frames.
func (e *Engine) Accept(ctx context.Context, conn Conn) *Session {
	addr, err := verdict.NormalizeAddr(conn.RemoteAddr())
	if err != nil {
		util.LogError("Unable to read client address %v: %v", conn.RemoteAddr(), err)
		e.refuse(conn, addr, ReasonInternal)
		return nil
	}

	if entry, ok := e.cache.Lookup(addr); ok {
		e.metrics.RecordCacheLookup(entry.Outcome.String())
		util.Stats.AddCached()
		switch entry.Outcome {
		case verdict.Trusted:
			util.LogDebug("%s is trusted until %s", addr, entry.Expiry.Format(time.TimeOnly))
			conn.Release()
		default:
			util.LogDebug("%s is blacklisted until %s", addr, entry.Expiry.Format(time.TimeOnly))
			conn.Disconnect(e.cfg.Messages.For(ReasonBlacklisted))
		}
		return nil
	}
	e.metrics.RecordCacheLookup("miss")

	if !conn.Version().Supported() {
		e.refuse(conn, addr, ReasonUnsupportedVersion)
		return nil
	}
	if e.lockdown.Load() {
		e.refuse(conn, addr, ReasonLockdown)
		return nil
	}
	if !e.limiter.Allow(addr) {
		e.refuse(conn, addr, ReasonTooFastReconnect)
		return nil
	}

	s := newSession(e, conn, addr)

	e.mu.Lock()
	if len(e.sessions) >= e.cfg.MaxVerifying {
		e.mu.Unlock()
		e.refuse(conn, addr, ReasonTooManyPlayers)
		return nil
	}
	if _, busy := e.sessions[addr]; busy {
		e.mu.Unlock()
		e.refuse(conn, addr, ReasonAlreadyVerifying)
		return nil
	}
	e.sessions[addr] = s
	e.mu.Unlock()

	ch, err := e.generator.Generate(conn.Version())
	if err != nil {
		util.LogError("Unable to generate a challenge for %s: %v", addr, err)
		e.mu.Lock()
		delete(e.sessions, addr)
		e.mu.Unlock()
		e.refuse(conn, addr, ReasonInternal)
		return nil
	}
	s.challenge = ch

	util.Stats.AddStarted()
	e.metrics.RecordSessionStart()
	e.wg.Add(1)
	go s.run(ctx)

	return s
}

func (e *Engine) refuse(conn Conn, addr netip.Addr, reason Reason) {
	util.LogDebug("Refused %s: %s", addr, reason)
	util.Stats.AddRefused()
	e.metrics.RecordRefused(reason.String())
	conn.Disconnect(e.cfg.Messages.For(reason))
}

// conclude runs the side effects of a verdict. Called once per session from
// its run goroutine.
func (e *Engine) conclude(s *Session, st State, reason Reason, cause error) {
	elapsed := time.Since(s.created)

	if st == StateVerified {
		e.cache.RecordTrusted(s.addr, e.cfg.TrustedTTL)
		if e.recorder != nil {
			e.recorder.RecordVerified(s.addr)
		}
		util.Stats.AddVerified()
		e.metrics.RecordVerdict("verified", reason.String(), elapsed)
		s.log.Info("%s verified in %s", s.addr, elapsed.Round(time.Millisecond))
		s.conn.Release()
		return
	}

	if reason.Blacklists() {
		entry := e.cache.RecordBlacklisted(s.addr, e.cfg.BlacklistBaseTTL)
		if e.recorder != nil {
			e.recorder.RecordBlacklisted(s.addr, entry)
		}
		s.log.Warn("%s rejected (%s): %v, blacklisted until %s (offense %d)",
			s.addr, reason, cause, entry.Expiry.Format(time.TimeOnly), entry.Offenses)
	} else {
		s.log.Info("%s dropped (%s): %v", s.addr, reason, cause)
	}
	util.Stats.AddRejected()
	e.metrics.RecordVerdict("rejected", reason.String(), elapsed)
	s.conn.Disconnect(e.cfg.Messages.For(reason))
}

func (e *Engine) remove(s *Session) {
	e.mu.Lock()
	if e.sessions[s.addr] == s {
		delete(e.sessions, s.addr)
	}
	e.mu.Unlock()
	e.wg.Done()
}

// ---------------------------------------------------------------------------
// Administration
// ---------------------------------------------------------------------------

// SetLockdown turns away every connection without a cached verdict while on.
func (e *Engine) SetLockdown(on bool) {
	if e.lockdown.Swap(on) == on {
		return
	}
	if on {
		util.LogWarning("Lockdown enabled: new players are turned away")
	} else {
		util.LogInfo("Lockdown disabled")
	}
}

// Lockdown reports whether lockdown is on.
func (e *Engine) Lockdown() bool { return e.lockdown.Load() }

// Lookup returns the cached verdict for addr.
func (e *Engine) Lookup(addr netip.Addr) (verdict.Entry, bool) {
	return e.cache.Lookup(addr)
}

// Forget drops the cached verdict for addr, and its persisted record. It
// reports whether a live cache entry was removed.
func (e *Engine) Forget(addr netip.Addr) bool {
	if e.recorder != nil {
		e.recorder.Forget(addr)
	}
	return e.cache.Remove(addr)
}

// Preload trusts an address verified at verifiedAt, for what is left of the
// trusted TTL. It reports whether the address was still within it.
func (e *Engine) Preload(addr netip.Addr, verifiedAt time.Time) bool {
	left := e.cfg.TrustedTTL - time.Since(verifiedAt)
	if left <= 0 {
		return false
	}
	e.cache.RecordTrusted(addr, left)
	return true
}

// PreloadBan blacklists addr until expiry with a saved offense count. It
// reports false when the ban is over or addr already has a live verdict.
func (e *Engine) PreloadBan(addr netip.Addr, expiry time.Time, offenses int) bool {
	return e.cache.Restore(addr, verdict.Entry{Outcome: verdict.Blacklisted, Expiry: expiry, Offenses: offenses})
}

// CacheCounts returns the number of live trusted and blacklisted entries.
func (e *Engine) CacheCounts() (trusted, blacklisted int) { return e.cache.Counts() }

// SessionInfo describes a session in progress.
type SessionInfo struct {
	ID      string    `json:"id"`
	Addr    string    `json:"addr"`
	State   string    `json:"state"`
	Score   int       `json:"score"`
	Frames  int       `json:"frames"`
	Started time.Time `json:"started"`
	IdleMs  int64     `json:"idle_ms"` // since the last frame, or since the start before any
}

// Sessions lists the sessions in progress, oldest first.
func (e *Engine) Sessions() []SessionInfo {
	now := time.Now()
	e.mu.Lock()
	out := make([]SessionInfo, 0, len(e.sessions))
	for _, s := range e.sessions {
		last := s.LastPacket()
		if last.IsZero() {
			last = s.created
		}
		out = append(out, SessionInfo{
			ID:      s.id.String(),
			Addr:    s.addr.String(),
			State:   s.State().String(),
			Score:   s.Score(),
			Frames:  s.Frames(),
			Started: s.created,
			IdleMs:  now.Sub(last).Milliseconds(),
		})
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Active returns the number of sessions in progress.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Run sweeps expired cache and limiter entries every SweepInterval until ctx
// is cancelled, then waits for every session to finish.
func (e *Engine) Run(ctx context.Context) {
	if e.cfg.SweepInterval > 0 {
		ticker := time.NewTicker(e.cfg.SweepInterval)
		defer ticker.Stop()

	loop:
		for {
			select {
			case <-ticker.C:
				cached := e.cache.Sweep()
				limited := e.limiter.Sweep()
				if cached+limited > 0 {
					util.LogDebug("Swept %d cache and %d limiter entries", cached, limited)
				}
			case <-ctx.Done():
				break loop
			}
		}
	} else {
		<-ctx.Done()
	}

	e.Wait()
}

// Wait blocks until every session has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}
