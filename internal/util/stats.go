package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide verification counter.
var Stats = &stats{}

type stats struct {
	Started  atomic.Int64 // cumulative sessions created
	Verified atomic.Int64 // cumulative sessions that reached VERIFIED
	Rejected atomic.Int64 // cumulative sessions that reached REJECTED
	Cached   atomic.Int64 // cumulative connections decided by the verdict cache alone
	Refused  atomic.Int64 // cumulative connections turned away before a session (limits, lockdown)
	Active   atomic.Int64 // sessions currently verifying
}

func (s *stats) AddStarted()  { s.Started.Add(1); s.Active.Add(1) }
func (s *stats) AddVerified() { s.Verified.Add(1); s.Active.Add(-1) }
func (s *stats) AddRejected() { s.Rejected.Add(1); s.Active.Add(-1) }
func (s *stats) AddCached()   { s.Cached.Add(1) }
func (s *stats) AddRefused()  { s.Refused.Add(1) }

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Started  int64 `json:"started"`
	Verified int64 `json:"verified"`
	Rejected int64 `json:"rejected"`
	Cached   int64 `json:"cached"`
	Refused  int64 `json:"refused"`
	Active   int64 `json:"active"`
}

// Snapshot returns the current counter values.
func (s *stats) Snapshot() Snapshot {
	return Snapshot{
		Started:  s.Started.Load(),
		Verified: s.Verified.Load(),
		Rejected: s.Rejected.Load(),
		Cached:   s.Cached.Load(),
		Refused:  s.Refused.Load(),
		Active:   s.Active.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs verification statistics
// every interval. Quiet intervals are skipped. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev Snapshot
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(prev, cur, interval))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatStats returns a one-line summary of what changed since prev, for
// example: "Verifying:   3 | Joins:  1.2/s | Verified:  4↑ | Rejected: 17↑ | Cached:  2↑".
func formatStats(prev, cur Snapshot, interval time.Duration) string {
	joins := float64(cur.Started-prev.Started+cur.Cached-prev.Cached+cur.Refused-prev.Refused) / interval.Seconds()
	return fmt.Sprintf("Verifying: %3d | Joins: %4.1f/s | Verified: %2d↑ | Rejected: %2d↑ | Cached: %2d↑",
		cur.Active,
		joins,
		cur.Verified-prev.Verified,
		cur.Rejected-prev.Rejected,
		cur.Cached-prev.Cached,
	)
}
