package repository

import (
	"context"
	"time"

	"github.com/JabelFontoura/crypto-dashboard/pkg/models"
)

// Stats summarizes what the store currently holds
type Stats struct {
	TotalPricePoints   int64    `json:"totalPricePoints"`
	TotalHourlyBuckets int64    `json:"totalHourlyBuckets"`
	Symbols            []string `json:"symbols"`
}

// PriceStore is the persistence boundary of the core. Every call can fail
// independently; callers must not assume transactional grouping.
type PriceStore interface {
	SavePrice(ctx context.Context, point models.PricePoint) error
	LatestPrice(ctx context.Context, symbol string) (models.PricePoint, bool, error)
	AllLatestPrices(ctx context.Context) ([]models.PricePoint, error)
	// PriceHistory returns points with Timestamp >= since (unix millis),
	// ascending, bounded to a sane maximum count.
	PriceHistory(ctx context.Context, symbol string, since int64) ([]models.PricePoint, error)
	UpsertBucket(ctx context.Context, bucket models.HourlyBucket) error
	// BucketsSince returns buckets with Hour >= since, grouped by symbol.
	BucketsSince(ctx context.Context, symbols []string, since time.Time) (map[string][]models.HourlyBucket, error)
	Stats(ctx context.Context) (Stats, error)
	// Cleanup prunes price points older than pointsBefore (unix millis) and
	// buckets whose hour is before bucketsBefore.
	Cleanup(ctx context.Context, pointsBefore int64, bucketsBefore time.Time) error
	Close() error
}
