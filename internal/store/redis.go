package store

import (
	"context"
	"net/netip"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps verified addresses in a sorted set scored by the
// verification time in milliseconds, and bans in a sorted set scored by
// their expiry with the offense counts in a hash next to it. Verifiers
// sharing the keys share the verdicts.
type RedisStore struct {
	client   *redis.Client
	key      string
	banKey   string
	countKey string
}

// NewRedisStore returns a store on key and banKey. It takes ownership of
// client.
func NewRedisStore(client *redis.Client, key, banKey string) *RedisStore {
	return &RedisStore{client: client, key: key, banKey: banKey, countKey: banKey + ":offenses"}
}

func (s *RedisStore) Load(ctx context.Context) ([]Record, error) {
	members, err := s.client.ZRangeWithScores(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(members))
	for _, m := range members {
		addr, ok := parseMember(m)
		if !ok {
			continue
		}
		out = append(out, Record{Addr: addr, VerifiedAt: time.UnixMilli(int64(m.Score))})
	}
	return out, nil
}

func (s *RedisStore) Add(ctx context.Context, addr netip.Addr, at time.Time) error {
	return s.client.ZAdd(ctx, s.key, redis.Z{Score: float64(at.UnixMilli()), Member: addr.String()}).Err()
}

func (s *RedisStore) Remove(ctx context.Context, addr netip.Addr) error {
	member := addr.String()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.key, member)
		pipe.ZRem(ctx, s.banKey, member)
		pipe.HDel(ctx, s.countKey, member)
		return nil
	})
	return err
}

func (s *RedisStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.client.ZRemRangeByScore(ctx, s.key, "-inf", exclusive(cutoff)).Result()
}

func (s *RedisStore) LoadBans(ctx context.Context) ([]Ban, error) {
	members, err := s.client.ZRangeWithScores(ctx, s.banKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	counts, err := s.client.HGetAll(ctx, s.countKey).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Ban, 0, len(members))
	for _, m := range members {
		addr, ok := parseMember(m)
		if !ok {
			continue
		}
		offenses, err := strconv.Atoi(counts[addr.String()])
		if err != nil {
			offenses = 1
		}
		out = append(out, Ban{Addr: addr, Expiry: time.UnixMilli(int64(m.Score)), Offenses: offenses})
	}
	return out, nil
}

func (s *RedisStore) AddBan(ctx context.Context, b Ban) error {
	member := b.Addr.String()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, s.banKey, redis.Z{Score: float64(b.Expiry.UnixMilli()), Member: member})
		pipe.HSet(ctx, s.countKey, member, b.Offenses)
		return nil
	})
	return err
}

func (s *RedisStore) PruneBans(ctx context.Context, cutoff time.Time) (int64, error) {
	expired, err := s.client.ZRangeByScore(ctx, s.banKey, &redis.ZRangeBy{Min: "-inf", Max: exclusive(cutoff)}).Result()
	if err != nil || len(expired) == 0 {
		return 0, err
	}

	members := make([]interface{}, len(expired))
	for i, m := range expired {
		members[i] = m
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.banKey, members...)
		pipe.HDel(ctx, s.countKey, expired...)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int64(len(expired)), nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

// exclusive formats cutoff as an exclusive score bound.
func exclusive(cutoff time.Time) string {
	return "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)
}

func parseMember(m redis.Z) (netip.Addr, bool) {
	member, ok := m.Member.(string)
	if !ok {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(member)
	return addr, err == nil
}
