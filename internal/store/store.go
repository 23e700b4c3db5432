// Package store persists verdicts: the addresses of verified players, so a
// restarted verifier does not challenge them again, and blacklisted
// addresses, so a restart does not clear them. Several verifier instances
// can share one store.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/1ureka/limbo/internal/config"
)

// ErrUnknownType is returned by Open for a database type it does not know.
var ErrUnknownType = errors.New("unknown database type")

// Record is one verified address.
type Record struct {
	Addr       netip.Addr
	VerifiedAt time.Time
}

// Ban is one blacklisted address.
type Ban struct {
	Addr     netip.Addr
	Expiry   time.Time
	Offenses int
}

// Store is a persistent set of verified addresses and of bans. Adding an
// address that is already stored replaces its record.
type Store interface {
	Load(ctx context.Context) ([]Record, error)
	Add(ctx context.Context, addr netip.Addr, at time.Time) error
	// Remove forgets addr, both as verified and as banned.
	Remove(ctx context.Context, addr netip.Addr) error
	// Prune removes records verified before cutoff and returns how many.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)

	LoadBans(ctx context.Context) ([]Ban, error)
	AddBan(ctx context.Context, b Ban) error
	// PruneBans removes bans that expired before cutoff and returns how many.
	PruneBans(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}

// Open returns the store described by cfg, or nil when persistence is off.
func Open(cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Type {
	case "", config.DatabaseNone:
		return nil, nil
	case config.DatabaseSQLite:
		s, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DatabaseRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return NewRedisStore(client, cfg.RedisKey, cfg.RedisBlacklistKey), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
}

// Preloader takes the verdicts read back by Restore. Each method reports
// whether it took the verdict. *fallback.Engine implements it.
type Preloader interface {
	Preload(addr netip.Addr, verifiedAt time.Time) bool
	PreloadBan(addr netip.Addr, expiry time.Time, offenses int) bool
}

// Restored counts the verdicts a Preloader took.
type Restored struct {
	Trusted int
	Banned  int
}

// Restore drops verified records older than ttl and expired bans, then
// passes the rest to p.
func Restore(ctx context.Context, s Store, ttl time.Duration, p Preloader) (Restored, error) {
	var out Restored
	now := time.Now()

	if _, err := s.Prune(ctx, now.Add(-ttl)); err != nil {
		return out, fmt.Errorf("failed to prune verified players: %w", err)
	}
	if _, err := s.PruneBans(ctx, now); err != nil {
		return out, fmt.Errorf("failed to prune bans: %w", err)
	}

	records, err := s.Load(ctx)
	if err != nil {
		return out, fmt.Errorf("failed to load verified players: %w", err)
	}
	bans, err := s.LoadBans(ctx)
	if err != nil {
		return out, fmt.Errorf("failed to load bans: %w", err)
	}

	for _, r := range records {
		if p.Preload(r.Addr, r.VerifiedAt) {
			out.Trusted++
		}
	}
	for _, b := range bans {
		if p.PreloadBan(b.Addr, b.Expiry, b.Offenses) {
			out.Banned++
		}
	}
	return out, nil
}
