package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"phishlookup/internal/domain"
)

// ErrUnavailable marks failures talking to redis.
var ErrUnavailable = errors.New("store: backend unavailable")

// Store owns the redis key layout. URLs, and the members of every index, are
// kept in sorted sets scored by the unix time at which they stop being listed.
// Records and index keys additionally carry a TTL.
type Store struct {
	client redis.UniversalClient
	now    func() time.Time
}

func New(client redis.UniversalClient) *Store {
	return &Store{client: client, now: time.Now}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("store: %s: %w: %w", op, ErrUnavailable, err)
}

// Ping reports whether redis answers.
func (s *Store) Ping(ctx context.Context) bool {
	return s.client.Ping(ctx).Err() == nil
}

// listedMin is the lower score bound of members that are still listed.
// Members scored at or before now are pruned on the next import.
func (s *Store) listedMin() string {
	return "(" + strconv.FormatInt(s.now().Unix(), 10)
}

func (s *Store) members(ctx context.Context, key string) ([]string, error) {
	out, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: s.listedMin(), Max: "+inf"}).Result()
	if err != nil {
		return nil, unavailable("list "+key, err)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func (s *Store) count(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCount(ctx, key, s.listedMin(), "+inf").Result()
	if err != nil {
		return 0, unavailable("count "+key, err)
	}
	return n, nil
}

// Entry returns the record of url. The boolean is false when the record does
// not exist or has expired.
func (s *Store) Entry(ctx context.Context, url string) (domain.Entry, bool, error) {
	fields, err := s.client.HGetAll(ctx, urlRecordKey(url)).Result()
	if err != nil {
		return domain.Entry{}, false, unavailable("get url", err)
	}
	if len(fields) == 0 {
		return domain.Entry{}, false, nil
	}

	entry, err := domain.EntryFromHash(fields)
	if err != nil {
		return domain.Entry{}, false, err
	}
	return entry, true, nil
}

func (s *Store) URLs(ctx context.Context) ([]string, error) {
	return s.members(ctx, urlsKey)
}

// Keys lists the index values of a family, e.g. every IP seen.
func (s *Store) Keys(ctx context.Context, f Family) ([]string, error) {
	return s.members(ctx, f.umbrellaKey())
}

// URLsBy lists the URLs associated with value in family f.
func (s *Store) URLsBy(ctx context.Context, f Family, value string) ([]string, error) {
	return s.members(ctx, f.indexKey(value))
}

// Counts is the number of listed members per set.
type Counts struct {
	URLs int64
	IPs  int64
	ASNs int64
	CCs  int64
}

func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var (
		c   Counts
		err error
	)
	if c.URLs, err = s.count(ctx, urlsKey); err != nil {
		return Counts{}, err
	}
	if c.IPs, err = s.count(ctx, FamilyIP.umbrellaKey()); err != nil {
		return Counts{}, err
	}
	if c.ASNs, err = s.count(ctx, FamilyASN.umbrellaKey()); err != nil {
		return Counts{}, err
	}
	if c.CCs, err = s.count(ctx, FamilyCC.umbrellaKey()); err != nil {
		return Counts{}, err
	}
	return c, nil
}
