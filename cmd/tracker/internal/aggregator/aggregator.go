package aggregator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JabelFontoura/crypto-dashboard/cmd/tracker/internal/repository"
	"github.com/JabelFontoura/crypto-dashboard/pkg/models"
)

// DefaultInterval is how often hourly averages are recomputed
const DefaultInterval = time.Minute

// Scheduler recomputes per-symbol hourly averages from stored history on a
// fixed period. Buckets are recomputed from scratch each tick, so reruns
// converge and late-arriving points are folded in on the next pass.
type Scheduler struct {
	store   repository.PriceStore
	logger  *zap.Logger
	symbols []string

	interval        time.Duration
	priceRetention  time.Duration
	bucketRetention time.Duration

	stop chan struct{}
	done chan struct{}
}

func NewScheduler(
	store repository.PriceStore,
	logger *zap.Logger,
	symbols []string,
	interval time.Duration,
	priceRetention time.Duration,
	bucketRetention time.Duration,
) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		store:           store,
		logger:          logger,
		symbols:         symbols,
		interval:        interval,
		priceRetention:  priceRetention,
		bucketRetention: bucketRetention,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Start launches the periodic recompute loop
func (s *Scheduler) Start() {
	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("aggregation scheduler started", zap.Duration("interval", s.interval))
		for {
			select {
			case <-ticker.C:
				s.RunOnce(context.Background())
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for any in-flight tick to finish
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
	s.logger.Info("aggregation scheduler stopped")
}

// RunOnce performs a single aggregation pass. A failure on one symbol is
// logged and does not prevent the remaining symbols from being processed.
func (s *Scheduler) RunOnce(ctx context.Context) {
	now := time.Now()

	for _, sym := range s.symbols {
		if err := s.aggregateSymbol(ctx, sym, now); err != nil {
			s.logger.Error("failed to aggregate symbol", zap.String("symbol", sym), zap.Error(err))
		}
	}

	pointsBefore := now.Add(-s.priceRetention).UnixMilli()
	bucketsBefore := now.Add(-s.bucketRetention).UTC().Truncate(time.Hour)
	if err := s.store.Cleanup(ctx, pointsBefore, bucketsBefore); err != nil {
		s.logger.Error("failed to prune retained data", zap.Error(err))
	}

	s.logger.Debug("aggregation pass complete", zap.Int("symbols", len(s.symbols)))
}

func (s *Scheduler) aggregateSymbol(ctx context.Context, symbol string, now time.Time) error {
	since := now.Add(-s.priceRetention).UnixMilli()

	history, err := s.store.PriceHistory(ctx, symbol, since)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	if len(history) == 0 {
		// Nothing ingested yet for this symbol
		return nil
	}

	for hour, points := range groupByHour(history) {
		var sum float64
		for _, p := range points {
			sum += p.Price
		}

		bucket := models.HourlyBucket{
			Symbol:       symbol,
			AveragePrice: sum / float64(len(points)),
			Hour:         hour,
			Count:        len(points),
		}
		if err := s.store.UpsertBucket(ctx, bucket); err != nil {
			return fmt.Errorf("upsert bucket %s: %w", hour.Format(time.RFC3339), err)
		}
	}
	return nil
}

func groupByHour(points []models.PricePoint) map[time.Time][]models.PricePoint {
	groups := make(map[time.Time][]models.PricePoint)
	for _, p := range points {
		hour := models.HourFloor(p.Timestamp)
		groups[hour] = append(groups[hour], p)
	}
	return groups
}
