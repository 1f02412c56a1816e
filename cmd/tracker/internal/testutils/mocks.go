package testutils

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/JabelFontoura/crypto-dashboard/cmd/tracker/internal/feed"
	"github.com/JabelFontoura/crypto-dashboard/cmd/tracker/internal/protocol"
	"github.com/JabelFontoura/crypto-dashboard/cmd/tracker/internal/repository"
	"github.com/JabelFontoura/crypto-dashboard/pkg/models"
)

// MockSubscriber records every event the hub delivers to it
type MockSubscriber struct {
	IDVal  string
	Events []protocol.Event
	Closed bool
	Mu     sync.Mutex
}

func NewMockSubscriber(id string) *MockSubscriber {
	return &MockSubscriber{IDVal: id}
}

func (m *MockSubscriber) ID() string { return m.IDVal }

func (m *MockSubscriber) SendEvent(evt protocol.Event) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Events = append(m.Events, evt)
}

func (m *MockSubscriber) Close() {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
}

func (m *MockSubscriber) EventTypes() []string {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	types := make([]string, len(m.Events))
	for i, evt := range m.Events {
		types[i] = evt.Type
	}
	return types
}

// MockStore is an in-memory PriceStore with spy fields and injectable
// failures
type MockStore struct {
	Mu sync.Mutex

	Saved   []models.PricePoint
	Latest  map[string]models.PricePoint
	History map[string][]models.PricePoint
	Buckets map[string]map[string]models.HourlyBucket // symbol -> hour -> bucket

	SaveErr    error
	HistoryErr map[string]error

	CleanupCalls int
}

var _ repository.PriceStore = (*MockStore)(nil)

func NewMockStore() *MockStore {
	return &MockStore{
		Latest:     make(map[string]models.PricePoint),
		History:    make(map[string][]models.PricePoint),
		Buckets:    make(map[string]map[string]models.HourlyBucket),
		HistoryErr: make(map[string]error),
	}
}

func (m *MockStore) SavePrice(ctx context.Context, point models.PricePoint) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.Saved = append(m.Saved, point)
	m.Latest[point.Symbol] = point
	m.History[point.Symbol] = append(m.History[point.Symbol], point)
	return nil
}

func (m *MockStore) LatestPrice(ctx context.Context, symbol string) (models.PricePoint, bool, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	point, ok := m.Latest[symbol]
	return point, ok, nil
}

func (m *MockStore) AllLatestPrices(ctx context.Context) ([]models.PricePoint, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	var points []models.PricePoint
	for _, p := range m.Latest {
		points = append(points, p)
	}
	return points, nil
}

func (m *MockStore) PriceHistory(ctx context.Context, symbol string, since int64) ([]models.PricePoint, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if err := m.HistoryErr[symbol]; err != nil {
		return nil, err
	}
	var points []models.PricePoint
	for _, p := range m.History[symbol] {
		if p.Timestamp >= since {
			points = append(points, p)
		}
	}
	return points, nil
}

func (m *MockStore) UpsertBucket(ctx context.Context, bucket models.HourlyBucket) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.Buckets[bucket.Symbol] == nil {
		m.Buckets[bucket.Symbol] = make(map[string]models.HourlyBucket)
	}
	m.Buckets[bucket.Symbol][bucket.Hour.UTC().Format(time.RFC3339)] = bucket
	return nil
}

func (m *MockStore) BucketsSince(ctx context.Context, symbols []string, since time.Time) (map[string][]models.HourlyBucket, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	grouped := make(map[string][]models.HourlyBucket)
	for _, sym := range symbols {
		for _, b := range m.Buckets[sym] {
			if b.Hour.Before(since) {
				continue
			}
			grouped[sym] = append(grouped[sym], b)
		}
	}
	return grouped, nil
}

func (m *MockStore) Stats(ctx context.Context) (repository.Stats, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	stats := repository.Stats{TotalPricePoints: int64(len(m.Saved))}
	for sym, buckets := range m.Buckets {
		stats.Symbols = append(stats.Symbols, sym)
		stats.TotalHourlyBuckets += int64(len(buckets))
	}
	return stats, nil
}

func (m *MockStore) Cleanup(ctx context.Context, pointsBefore int64, bucketsBefore time.Time) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.CleanupCalls++
	return nil
}

func (m *MockStore) Close() error { return nil }

func (m *MockStore) Bucket(symbol string, hour time.Time) (models.HourlyBucket, bool) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	b, ok := m.Buckets[symbol][hour.UTC().Format(time.RFC3339)]
	return b, ok
}

type readResult struct {
	data []byte
	err  error
}

// MockConn simulates the upstream feed socket
type MockConn struct {
	Mu      sync.Mutex
	Written []any
	Closed  bool

	reads chan readResult
}

var _ feed.Conn = (*MockConn)(nil)

func NewMockConn() *MockConn {
	return &MockConn{reads: make(chan readResult, 16)}
}

func (c *MockConn) ReadMessage() ([]byte, error) {
	r := <-c.reads
	return r.data, r.err
}

func (c *MockConn) WriteJSON(v any) error {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	c.Written = append(c.Written, v)
	return nil
}

func (c *MockConn) Close() error {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	if !c.Closed {
		c.Closed = true
		select {
		case c.reads <- readResult{err: io.EOF}:
		default:
		}
	}
	return nil
}

// PushFrame delivers a frame to the next ReadMessage call
func (c *MockConn) PushFrame(data []byte) {
	c.reads <- readResult{data: data}
}

// FailRead makes the next ReadMessage call return err
func (c *MockConn) FailRead(err error) {
	c.reads <- readResult{err: err}
}

func (c *MockConn) WrittenFrames() []any {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	out := make([]any, len(c.Written))
	copy(out, c.Written)
	return out
}

// MockDialer hands out queued MockConns, or fails with Err
type MockDialer struct {
	Mu    sync.Mutex
	URLs  []string
	Err   error
	Queue []*MockConn
	Conns []*MockConn
}

var _ feed.Dialer = (*MockDialer)(nil)

func (d *MockDialer) Dial(url string) (feed.Conn, error) {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	d.URLs = append(d.URLs, url)
	if d.Err != nil {
		return nil, d.Err
	}

	var conn *MockConn
	if len(d.Queue) > 0 {
		conn = d.Queue[0]
		d.Queue = d.Queue[1:]
	} else {
		conn = NewMockConn()
	}
	d.Conns = append(d.Conns, conn)
	return conn, nil
}

// MockTimer records whether Stop was called
type MockTimer struct {
	Mu      sync.Mutex
	Stopped bool
}

func (t *MockTimer) Stop() bool {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	t.Stopped = true
	return true
}

// ScheduledCall is one AfterFunc registration on the MockClock
type ScheduledCall struct {
	Delay time.Duration
	Fn    func()
	Timer *MockTimer
}

// MockClock fixes Now and captures AfterFunc calls for manual firing
type MockClock struct {
	Mu          sync.Mutex
	CurrentTime time.Time
	Scheduled   []*ScheduledCall
}

var _ feed.Clock = (*MockClock)(nil)

func (c *MockClock) Now() time.Time {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	return c.CurrentTime
}

func (c *MockClock) AfterFunc(d time.Duration, fn func()) feed.Timer {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	call := &ScheduledCall{Delay: d, Fn: fn, Timer: &MockTimer{}}
	c.Scheduled = append(c.Scheduled, call)
	return call.Timer
}

// LastScheduled returns the most recent AfterFunc registration
func (c *MockClock) LastScheduled() *ScheduledCall {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	if len(c.Scheduled) == 0 {
		return nil
	}
	return c.Scheduled[len(c.Scheduled)-1]
}
