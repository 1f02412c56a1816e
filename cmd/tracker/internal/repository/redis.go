package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JabelFontoura/crypto-dashboard/pkg/models"
)

const (
	latestKeyPrefix  = "crypto:latest:"
	historyKeyPrefix = "crypto:history:"
	hourlyKeyPrefix  = "crypto:hourly:"
	symbolsKey       = "crypto:symbols"

	// Upper bound on points returned per history read
	maxHistoryPoints = 1000
)

// Compile-time check to ensure RedisStore implements PriceStore
var _ PriceStore = (*RedisStore)(nil)

// RedisStore keeps the latest price per symbol in a plain key, raw history
// in a per-symbol sorted set scored by timestamp, and hourly buckets in a
// per-symbol hash keyed by the RFC3339 hour.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) SavePrice(ctx context.Context, point models.PricePoint) error {
	payload, err := json.Marshal(point)
	if err != nil {
		return fmt.Errorf("marshal price point: %w", err)
	}

	// Latest key, history entry and symbol registration in one round trip
	pipe := r.client.Pipeline()
	pipe.SAdd(ctx, symbolsKey, point.Symbol)
	pipe.Set(ctx, latestKeyPrefix+point.Symbol, payload, 0)
	pipe.ZAdd(ctx, historyKeyPrefix+point.Symbol, redis.Z{
		Score:  float64(point.Timestamp),
		Member: payload,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save price for %s: %w", point.Symbol, err)
	}
	return nil
}

func (r *RedisStore) LatestPrice(ctx context.Context, symbol string) (models.PricePoint, bool, error) {
	raw, err := r.client.Get(ctx, latestKeyPrefix+symbol).Result()
	if err == redis.Nil {
		return models.PricePoint{}, false, nil
	}
	if err != nil {
		return models.PricePoint{}, false, fmt.Errorf("get latest price for %s: %w", symbol, err)
	}

	var point models.PricePoint
	if err := json.Unmarshal([]byte(raw), &point); err != nil {
		return models.PricePoint{}, false, fmt.Errorf("decode latest price for %s: %w", symbol, err)
	}
	return point, true, nil
}

func (r *RedisStore) AllLatestPrices(ctx context.Context) ([]models.PricePoint, error) {
	symbols, err := r.client.SMembers(ctx, symbolsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list symbols: %w", err)
	}
	if len(symbols) == 0 {
		return nil, nil
	}
	sort.Strings(symbols)

	keys := make([]string, len(symbols))
	for i, sym := range symbols {
		keys[i] = latestKeyPrefix + sym
	}

	results, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget latest prices: %w", err)
	}

	var points []models.PricePoint
	for _, val := range results {
		raw, ok := val.(string)
		if !ok || raw == "" {
			continue
		}
		var point models.PricePoint
		if err := json.Unmarshal([]byte(raw), &point); err != nil {
			continue
		}
		points = append(points, point)
	}
	return points, nil
}

func (r *RedisStore) PriceHistory(ctx context.Context, symbol string, since int64) ([]models.PricePoint, error) {
	raws, err := r.client.ZRangeByScore(ctx, historyKeyPrefix+symbol, &redis.ZRangeBy{
		Min:   fmt.Sprintf("%d", since),
		Max:   "+inf",
		Count: maxHistoryPoints,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read history for %s: %w", symbol, err)
	}

	points := make([]models.PricePoint, 0, len(raws))
	for _, raw := range raws {
		var point models.PricePoint
		if err := json.Unmarshal([]byte(raw), &point); err != nil {
			continue
		}
		points = append(points, point)
	}
	return points, nil
}

func (r *RedisStore) UpsertBucket(ctx context.Context, bucket models.HourlyBucket) error {
	payload, err := json.Marshal(bucket)
	if err != nil {
		return fmt.Errorf("marshal hourly bucket: %w", err)
	}

	field := bucket.Hour.UTC().Format(time.RFC3339)
	if err := r.client.HSet(ctx, hourlyKeyPrefix+bucket.Symbol, field, payload).Err(); err != nil {
		return fmt.Errorf("upsert bucket %s/%s: %w", bucket.Symbol, field, err)
	}
	return nil
}

func (r *RedisStore) BucketsSince(ctx context.Context, symbols []string, since time.Time) (map[string][]models.HourlyBucket, error) {
	grouped := make(map[string][]models.HourlyBucket)

	for _, sym := range symbols {
		entries, err := r.client.HGetAll(ctx, hourlyKeyPrefix+sym).Result()
		if err != nil {
			return nil, fmt.Errorf("read buckets for %s: %w", sym, err)
		}

		var buckets []models.HourlyBucket
		for _, raw := range entries {
			var bucket models.HourlyBucket
			if err := json.Unmarshal([]byte(raw), &bucket); err != nil {
				continue
			}
			if bucket.Hour.Before(since) {
				continue
			}
			buckets = append(buckets, bucket)
		}
		if len(buckets) == 0 {
			continue
		}

		sort.Slice(buckets, func(i, j int) bool {
			return buckets[i].Hour.Before(buckets[j].Hour)
		})
		grouped[sym] = buckets
	}
	return grouped, nil
}

func (r *RedisStore) Stats(ctx context.Context) (Stats, error) {
	symbols, err := r.client.SMembers(ctx, symbolsKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("list symbols: %w", err)
	}
	sort.Strings(symbols)

	stats := Stats{Symbols: symbols}
	for _, sym := range symbols {
		points, err := r.client.ZCard(ctx, historyKeyPrefix+sym).Result()
		if err != nil {
			return Stats{}, fmt.Errorf("count history for %s: %w", sym, err)
		}
		buckets, err := r.client.HLen(ctx, hourlyKeyPrefix+sym).Result()
		if err != nil {
			return Stats{}, fmt.Errorf("count buckets for %s: %w", sym, err)
		}
		stats.TotalPricePoints += points
		stats.TotalHourlyBuckets += buckets
	}
	return stats, nil
}

func (r *RedisStore) Cleanup(ctx context.Context, pointsBefore int64, bucketsBefore time.Time) error {
	symbols, err := r.client.SMembers(ctx, symbolsKey).Result()
	if err != nil {
		return fmt.Errorf("list symbols: %w", err)
	}

	for _, sym := range symbols {
		err := r.client.ZRemRangeByScore(ctx, historyKeyPrefix+sym,
			"-inf", fmt.Sprintf("(%d", pointsBefore)).Err()
		if err != nil {
			return fmt.Errorf("prune history for %s: %w", sym, err)
		}

		entries, err := r.client.HGetAll(ctx, hourlyKeyPrefix+sym).Result()
		if err != nil {
			return fmt.Errorf("read buckets for %s: %w", sym, err)
		}
		var stale []string
		for field, raw := range entries {
			var bucket models.HourlyBucket
			if err := json.Unmarshal([]byte(raw), &bucket); err != nil {
				stale = append(stale, field)
				continue
			}
			if bucket.Hour.Before(bucketsBefore) {
				stale = append(stale, field)
			}
		}
		if len(stale) > 0 {
			if err := r.client.HDel(ctx, hourlyKeyPrefix+sym, stale...).Err(); err != nil {
				return fmt.Errorf("prune buckets for %s: %w", sym, err)
			}
		}
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
