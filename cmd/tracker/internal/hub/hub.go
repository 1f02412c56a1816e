package hub

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JabelFontoura/crypto-dashboard/cmd/tracker/internal/protocol"
	"github.com/JabelFontoura/crypto-dashboard/cmd/tracker/internal/repository"
	"github.com/JabelFontoura/crypto-dashboard/pkg/models"
)

const (
	// Window of raw history pushed for charting
	historyWindow = time.Hour
	// Window of hourly buckets pushed in snapshots
	bucketWindow = 24 * time.Hour

	historyInterval  = 10 * time.Second
	snapshotInterval = time.Minute
)

// Subscriber is one connected downstream consumer. SendEvent must not
// block; a slow consumer is the subscriber's problem, never the hub's.
type Subscriber interface {
	ID() string
	SendEvent(evt protocol.Event)
	Close()
}

// Hub owns the subscriber registry and fans ingestion events and periodic
// snapshots out to every registered subscriber.
type Hub struct {
	store   repository.PriceStore
	logger  *zap.Logger
	symbols []string

	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	connState   models.ConnectionState

	historyOnce sync.Once
	stop        chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func NewHub(store repository.PriceStore, logger *zap.Logger, symbols []string) *Hub {
	return &Hub{
		store:       store,
		logger:      logger,
		symbols:     symbols,
		subscribers: make(map[Subscriber]bool),
		connState: models.ConnectionState{
			Status:    models.StatusDisconnected,
			Timestamp: time.Now().UnixMilli(),
		},
		stop: make(chan struct{}),
	}
}

// Start launches the periodic hourly-averages broadcast. The price-history
// broadcast starts lazily on the first ingested price.
func (h *Hub) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		ticker := time.NewTicker(snapshotInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				h.BroadcastHourlyAverages(context.Background())
			case <-h.stop:
				return
			}
		}
	}()
	h.logger.Info("hub started", zap.Duration("snapshot_interval", snapshotInterval))
}

// Stop cancels every hub timer. No events are delivered afterwards from
// the hub's own loops; in-flight callers drain naturally.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	h.wg.Wait()
	h.logger.Info("hub stopped")
}

// Join sends the full current snapshot to the subscriber, then registers it
// for live events. Snapshot order: current prices, connection state, hourly
// averages, recent price history.
func (h *Hub) Join(ctx context.Context, s Subscriber) {
	h.sendSnapshot(ctx, s)

	h.mu.Lock()
	h.subscribers[s] = true
	h.mu.Unlock()

	h.logger.Info("subscriber joined", zap.String("id", s.ID()))
}

// Leave removes the subscriber; nothing is delivered to it afterwards.
func (h *Hub) Leave(s Subscriber) {
	h.mu.Lock()
	delete(h.subscribers, s)
	h.mu.Unlock()

	s.Close()
	h.logger.Info("subscriber left", zap.String("id", s.ID()))
}

// HandlePrice persists an accepted observation and then broadcasts it.
// Persist-before-publish is the one hard ordering guarantee: if the save
// fails the broadcast is suppressed, so no consumer ever observes a point
// the store does not hold.
func (h *Hub) HandlePrice(p models.PricePoint) {
	ctx := context.Background()

	if err := h.store.SavePrice(ctx, p); err != nil {
		h.logger.Error("failed to persist price update",
			zap.String("symbol", p.Symbol), zap.Error(err))
		return
	}

	h.historyOnce.Do(h.startHistoryBroadcast)

	h.publish(protocol.Event{Type: models.EventPriceUpdate, Data: p})
}

// HandleState records and immediately broadcasts an upstream state change
func (h *Hub) HandleState(state models.ConnectionState) {
	h.mu.Lock()
	h.connState = state
	h.mu.Unlock()

	h.publish(protocol.Event{Type: models.EventConnectionState, Data: state})
}

// ConnState returns the last observed upstream connection state
func (h *Hub) ConnState() models.ConnectionState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.connState
}

// BroadcastPriceHistory pushes the last hour of raw points per tracked
// symbol, keeping charts fresh independent of raw event volume.
func (h *Hub) BroadcastPriceHistory(ctx context.Context) {
	h.publish(protocol.Event{
		Type: models.EventPriceHistory,
		Data: h.collectHistory(ctx),
	})
}

// BroadcastHourlyAverages pushes current hourly buckets grouped by symbol
func (h *Hub) BroadcastHourlyAverages(ctx context.Context) {
	since := time.Now().Add(-bucketWindow).UTC().Truncate(time.Hour)
	grouped, err := h.store.BucketsSince(ctx, h.symbols, since)
	if err != nil {
		h.logger.Error("failed to read hourly buckets", zap.Error(err))
		return
	}
	h.publish(protocol.Event{Type: models.EventHourlyAverages, Data: grouped})
}

func (h *Hub) startHistoryBroadcast() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		ticker := time.NewTicker(historyInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				h.BroadcastPriceHistory(context.Background())
			case <-h.stop:
				return
			}
		}
	}()
	h.logger.Info("price history broadcast started", zap.Duration("interval", historyInterval))
}

func (h *Hub) sendSnapshot(ctx context.Context, s Subscriber) {
	prices, err := h.store.AllLatestPrices(ctx)
	if err != nil {
		h.logger.Error("failed to read latest prices for snapshot", zap.Error(err))
	}
	if prices == nil {
		prices = []models.PricePoint{}
	}
	s.SendEvent(protocol.Event{Type: models.EventCurrentPrices, Data: prices})

	s.SendEvent(protocol.Event{Type: models.EventConnectionState, Data: h.ConnState()})

	since := time.Now().Add(-bucketWindow).UTC().Truncate(time.Hour)
	grouped, err := h.store.BucketsSince(ctx, h.symbols, since)
	if err != nil {
		h.logger.Error("failed to read hourly buckets for snapshot", zap.Error(err))
		grouped = map[string][]models.HourlyBucket{}
	}
	s.SendEvent(protocol.Event{Type: models.EventHourlyAverages, Data: grouped})

	s.SendEvent(protocol.Event{Type: models.EventPriceHistory, Data: h.collectHistory(ctx)})
}

func (h *Hub) collectHistory(ctx context.Context) map[string][]models.PricePoint {
	since := time.Now().Add(-historyWindow).UnixMilli()

	history := make(map[string][]models.PricePoint, len(h.symbols))
	for _, sym := range h.symbols {
		points, err := h.store.PriceHistory(ctx, sym, since)
		if err != nil {
			h.logger.Error("failed to read price history",
				zap.String("symbol", sym), zap.Error(err))
			points = nil
		}
		if points == nil {
			points = []models.PricePoint{}
		}
		history[sym] = points
	}
	return history
}

func (h *Hub) publish(evt protocol.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.subscribers {
		s.SendEvent(evt)
	}
}
