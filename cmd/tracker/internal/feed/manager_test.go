package feed_test

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/JabelFontoura/crypto-dashboard/cmd/tracker/internal/feed"
	"github.com/JabelFontoura/crypto-dashboard/cmd/tracker/internal/protocol"
	"github.com/JabelFontoura/crypto-dashboard/cmd/tracker/internal/testutils"
	"github.com/JabelFontoura/crypto-dashboard/pkg/config"
	"github.com/JabelFontoura/crypto-dashboard/pkg/models"
)

type recorder struct {
	mu     sync.Mutex
	trades []models.PricePoint
	states []models.ConnectionState
}

func (r *recorder) onTrade(p models.PricePoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, p)
}

func (r *recorder) onState(s models.ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) tradeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trades)
}

func (r *recorder) statuses() []models.ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ConnectionStatus, len(r.states))
	for i, s := range r.states {
		out[i] = s.Status
	}
	return out
}

func (r *recorder) lastStatus() models.ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return ""
	}
	return r.states[len(r.states)-1].Status
}

func testFeedConfig() config.FeedConfig {
	return config.FeedConfig{
		WSURL:                "wss://feed.example",
		APIKey:               "key-1",
		Symbols:              []string{"BINANCE:ETHUSDT", "BINANCE:ETHBTC"},
		MaxReconnectAttempts: 3,
		ReconnectInterval:    5 * time.Second,
		KeyRotateDelay:       time.Second,
	}
}

func setupManager(cfg config.FeedConfig) (*feed.Manager, *testutils.MockDialer, *testutils.MockClock, *recorder) {
	dialer := &testutils.MockDialer{}
	clock := &testutils.MockClock{CurrentTime: time.Unix(1700000000, 0)}
	rec := &recorder{}
	mgr := feed.NewManager(cfg, dialer, clock, zap.NewNop(), rec.onTrade, rec.onState)
	return mgr, dialer, clock, rec
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestManager_Connect_MissingCredential(t *testing.T) {
	cfg := testFeedConfig()
	cfg.APIKey = "  "
	mgr, dialer, clock, rec := setupManager(cfg)

	mgr.Connect()

	statuses := rec.statuses()
	if len(statuses) != 2 || statuses[0] != models.StatusConnecting || statuses[1] != models.StatusError {
		t.Fatalf("Expected connecting then error, got %v", statuses)
	}
	if len(dialer.URLs) != 0 {
		t.Error("Should not dial without a credential")
	}
	// A missing credential is not a transient fault
	if clock.LastScheduled() != nil {
		t.Error("Should not schedule a reconnect for a missing credential")
	}
}

func TestManager_Connect_SubscribesTrackedSymbols(t *testing.T) {
	mgr, dialer, _, rec := setupManager(testFeedConfig())

	mgr.Connect()

	if rec.lastStatus() != models.StatusConnected {
		t.Fatalf("Expected connected, got %v", rec.lastStatus())
	}
	if dialer.URLs[0] != "wss://feed.example?token=key-1" {
		t.Errorf("Unexpected dial URL: %s", dialer.URLs[0])
	}

	frames := dialer.Conns[0].WrittenFrames()
	if len(frames) != 2 {
		t.Fatalf("Expected 2 subscribe frames, got %d", len(frames))
	}
	first := frames[0].(protocol.SubscribeFrame)
	if first.Type != "subscribe" || first.Symbol != "BINANCE:ETHUSDT" {
		t.Errorf("Unexpected first frame: %+v", first)
	}

	// Connecting twice is a warned no-op
	mgr.Connect()
	if len(dialer.URLs) != 1 {
		t.Error("Second Connect while connected should not redial")
	}
}

func TestManager_OnlyFirstValidTradeOfBatchEmitted(t *testing.T) {
	mgr, dialer, _, rec := setupManager(testFeedConfig())
	mgr.Connect()
	conn := dialer.Conns[0]

	conn.PushFrame([]byte(`{"type":"trade","data":[
		{"s":"BINANCE:ETHUSDT","p":2500,"t":1700000000000,"v":1},
		{"s":"BINANCE:ETHUSDT","p":2501,"t":1700000000001,"v":1}
	]}`))
	conn.PushFrame([]byte(`{"type":"trade","data":[
		{"s":"BINANCE:ETHBTC","p":0.05,"t":1700000000002,"v":1}
	]}`))

	waitFor(t, func() bool { return rec.tradeCount() == 2 }, "trades never arrived")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.trades[0].Price != 2500 {
		t.Errorf("Expected head of first batch (2500), got %v", rec.trades[0].Price)
	}
	if rec.trades[1].Symbol != "BINANCE:ETHBTC" {
		t.Errorf("Expected second batch head, got %+v", rec.trades[1])
	}
}

func TestManager_DecodeFailureDoesNotAffectConnection(t *testing.T) {
	mgr, dialer, clock, rec := setupManager(testFeedConfig())
	mgr.Connect()
	conn := dialer.Conns[0]

	conn.PushFrame([]byte(`not json at all`))
	conn.PushFrame([]byte(`{"type":"trade","data":[{"s":"BINANCE:ETHUSDT","p":10,"t":5,"v":1}]}`))

	waitFor(t, func() bool { return rec.tradeCount() == 1 }, "valid trade after garbage never arrived")

	if rec.lastStatus() != models.StatusConnected {
		t.Errorf("Decode failure must not change connection state, got %v", rec.lastStatus())
	}
	if clock.LastScheduled() != nil {
		t.Error("Decode failure must not schedule a reconnect")
	}
}

func TestManager_RemoteClose_ReconnectsWithGrowingDelay(t *testing.T) {
	mgr, dialer, clock, rec := setupManager(testFeedConfig())
	mgr.Connect()

	dialer.Conns[0].FailRead(io.EOF)
	waitFor(t, func() bool { return clock.LastScheduled() != nil }, "reconnect never scheduled")

	if rec.lastStatus() != models.StatusDisconnected {
		t.Errorf("Expected disconnected after remote close, got %v", rec.lastStatus())
	}

	first := clock.LastScheduled()
	if first.Delay != 5*time.Second {
		t.Errorf("Expected first delay 1x base (5s), got %v", first.Delay)
	}

	// Next dial fails, so the second attempt backs off further
	dialer.Mu.Lock()
	dialer.Err = errors.New("dial refused")
	dialer.Mu.Unlock()
	first.Fn()

	second := clock.LastScheduled()
	if second == first || second.Delay != 10*time.Second {
		t.Fatalf("Expected second delay 2x base (10s), got %v", second.Delay)
	}

	// A successful connection resets the counter to the base delay
	dialer.Mu.Lock()
	dialer.Err = nil
	dialer.Mu.Unlock()
	second.Fn()
	waitFor(t, func() bool { return rec.lastStatus() == models.StatusConnected }, "never reconnected")

	dialer.Conns[len(dialer.Conns)-1].FailRead(io.EOF)
	waitFor(t, func() bool {
		last := clock.LastScheduled()
		return last != second && last != nil
	}, "post-recovery reconnect never scheduled")

	if clock.LastScheduled().Delay != 5*time.Second {
		t.Errorf("Delay should reset to base after a successful connection, got %v", clock.LastScheduled().Delay)
	}
}

func TestManager_ReconnectAttemptsExhausted(t *testing.T) {
	cfg := testFeedConfig()
	cfg.MaxReconnectAttempts = 2
	mgr, dialer, clock, rec := setupManager(cfg)

	dialer.Err = errors.New("dial refused")
	mgr.Connect() // attempt counter -> 1
	clock.LastScheduled().Fn()
	clock.LastScheduled().Fn() // counter at max; no further scheduling

	clock.Mu.Lock()
	scheduled := len(clock.Scheduled)
	clock.Mu.Unlock()
	if scheduled != 2 {
		t.Errorf("Expected exactly 2 scheduled attempts, got %d", scheduled)
	}
	if rec.lastStatus() != models.StatusError {
		t.Errorf("Expected terminal error state, got %v", rec.lastStatus())
	}
}

func TestManager_Close_Idempotent(t *testing.T) {
	mgr, dialer, _, rec := setupManager(testFeedConfig())
	mgr.Connect()
	conn := dialer.Conns[0]

	mgr.Close()
	mgr.Close()

	conn.Mu.Lock()
	closed := conn.Closed
	conn.Mu.Unlock()
	if !closed {
		t.Error("Socket should be closed")
	}
	if rec.lastStatus() != models.StatusDisconnected {
		t.Errorf("Expected disconnected, got %v", rec.lastStatus())
	}

	// Subscriptions were cleared and nothing is queued while disconnected
	before := len(conn.WrittenFrames())
	mgr.SubscribeToSymbols([]string{"BINANCE:ETHUSDC"})
	if len(conn.WrittenFrames()) != before {
		t.Error("Subscribe while disconnected must be skipped, not queued")
	}
}

func TestManager_UpdateAPIKey_CyclesConnection(t *testing.T) {
	mgr, dialer, clock, rec := setupManager(testFeedConfig())
	mgr.Connect()

	mgr.UpdateAPIKey("key-2")

	if rec.lastStatus() != models.StatusDisconnected {
		t.Fatalf("Expected disconnect before rotation, got %v", rec.lastStatus())
	}

	rotation := clock.LastScheduled()
	if rotation == nil || rotation.Delay != time.Second {
		t.Fatalf("Expected reconnect scheduled after rotate delay, got %+v", rotation)
	}

	rotation.Fn()

	if rec.lastStatus() != models.StatusConnected {
		t.Fatalf("Expected connected after rotation, got %v", rec.lastStatus())
	}
	if dialer.URLs[1] != "wss://feed.example?token=key-2" {
		t.Errorf("New connection should carry the new credential: %s", dialer.URLs[1])
	}
	if len(dialer.Conns[1].WrittenFrames()) != 2 {
		t.Error("Tracked symbols should be resubscribed on the new connection")
	}
}
