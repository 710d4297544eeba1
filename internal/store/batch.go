package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"phishlookup/internal/domain"
)

// Batch is the content of one dump, partitioned and ready to be written.
type Batch struct {
	// Entries holds one entry per URL, URLs already normalized.
	Entries []domain.Entry
	// Index maps each family to its value -> URLs multimap.
	Index map[Family]map[string][]string
	// ListedUntil is the score given to every member written by this batch.
	ListedUntil time.Time
	// RecordTTL is the expiry set on records and index keys.
	RecordTTL time.Duration
}

// Apply writes the batch in a single pipeline and prunes, in every set it
// touched, the members whose listing window has already passed. The pipeline
// is not a transaction; readers may observe a partially written batch.
func (s *Store) Apply(ctx context.Context, b Batch) error {
	if len(b.Entries) == 0 {
		return nil
	}

	score := float64(b.ListedUntil.Unix())
	touched := []string{urlsKey}

	records := make([]map[string]any, len(b.Entries))
	for i, entry := range b.Entries {
		fields, err := entry.HashFields()
		if err != nil {
			return err
		}
		records[i] = fields
	}

	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, urlsKey, scored(urlsOf(b.Entries), score)...)
		for i, entry := range b.Entries {
			key := urlRecordKey(entry.URL)
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, records[i])
			pipe.Expire(ctx, key, b.RecordTTL)
		}

		for _, family := range Families {
			groups := b.Index[family]
			if len(groups) == 0 {
				continue
			}

			umbrella := family.umbrellaKey()
			values := make([]string, 0, len(groups))
			for value := range groups {
				values = append(values, value)
			}
			pipe.ZAdd(ctx, umbrella, scored(values, score)...)
			touched = append(touched, umbrella)

			for value, urls := range groups {
				key := family.indexKey(value)
				pipe.ZAdd(ctx, key, scored(urls, score)...)
				pipe.Expire(ctx, key, b.RecordTTL)
				touched = append(touched, key)
			}
		}

		cutoff := strconv.FormatInt(s.now().Unix(), 10)
		for _, key := range touched {
			pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: apply batch: %w: %w", ErrUnavailable, err)
	}
	return nil
}

func urlsOf(entries []domain.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.URL
	}
	return out
}

func scored(members []string, score float64) []redis.Z {
	out := make([]redis.Z, len(members))
	for i, m := range members {
		out[i] = redis.Z{Score: score, Member: m}
	}
	return out
}

// PruneListings removes members past their listing window from the URL set
// and the umbrella sets. Index keys are left to their TTL.
func (s *Store) PruneListings(ctx context.Context) (int64, error) {
	keys := []string{urlsKey}
	for _, family := range Families {
		keys = append(keys, family.umbrellaKey())
	}

	cutoff := strconv.FormatInt(s.now().Unix(), 10)
	cmds := make([]*redis.IntCmd, len(keys))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
		}
		return nil
	})
	if err != nil {
		return 0, unavailable("prune listings", err)
	}

	var removed int64
	for _, cmd := range cmds {
		removed += cmd.Val()
	}
	return removed, nil
}
