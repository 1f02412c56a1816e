package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gobwas/ws"
	"github.com/gorilla/websocket" // Using Gorilla for the test CLIENT
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JabelFontoura/crypto-dashboard/cmd/tracker/internal/gateway"
	"github.com/JabelFontoura/crypto-dashboard/cmd/tracker/internal/hub"
	"github.com/JabelFontoura/crypto-dashboard/cmd/tracker/internal/repository"
	"github.com/JabelFontoura/crypto-dashboard/pkg/models"
)

type pushEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func startServer(t *testing.T) (*httptest.Server, *hub.Hub, *repository.RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := repository.NewRedisStore(rdb)
	wsHub := hub.NewHub(store, zap.NewNop(), models.DefaultSymbols)
	t.Cleanup(wsHub.Stop)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		client := gateway.NewClient(conn, wsHub, zap.NewNop())
		client.Start()
		wsHub.Join(context.Background(), client)
	}))
	t.Cleanup(server.Close)

	return server, wsHub, store
}

func connectWS(t *testing.T, serverURL string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(serverURL, "http")
	wsConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to connect to websocket: %v", err)
	}
	return wsConn
}

func readEvent(t *testing.T, conn *websocket.Conn) pushEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	var evt pushEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		t.Fatalf("Invalid event payload: %v", err)
	}
	return evt
}

func TestEndToEnd_SnapshotThenLiveUpdate(t *testing.T) {
	server, wsHub, store := startServer(t)

	seeded := models.PricePoint{
		Symbol:    "BINANCE:ETHUSDT",
		Price:     2500,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := store.SavePrice(context.Background(), seeded); err != nil {
		t.Fatal(err)
	}

	wsConn := connectWS(t, server.URL)
	defer wsConn.Close()

	// The join snapshot arrives first, in a fixed order
	wantOrder := []string{
		models.EventCurrentPrices,
		models.EventConnectionState,
		models.EventHourlyAverages,
		models.EventPriceHistory,
	}
	for _, want := range wantOrder {
		evt := readEvent(t, wsConn)
		if evt.Type != want {
			t.Fatalf("Expected snapshot event %s, got %s", want, evt.Type)
		}
		if evt.Type == models.EventCurrentPrices {
			var points []models.PricePoint
			if err := json.Unmarshal(evt.Data, &points); err != nil {
				t.Fatalf("Bad currentPrices payload: %v", err)
			}
			if len(points) != 1 || points[0].Price != 2500 {
				t.Errorf("Snapshot should include the seeded price, got %v", points)
			}
		}
	}

	// A live update follows the snapshot
	live := models.PricePoint{
		Symbol:    "BINANCE:ETHUSDT",
		Price:     2501,
		Timestamp: time.Now().UnixMilli(),
	}
	wsHub.HandlePrice(live)

	evt := readEvent(t, wsConn)
	if evt.Type != models.EventPriceUpdate {
		t.Fatalf("Expected priceUpdate after snapshot, got %s", evt.Type)
	}
	var got models.PricePoint
	if err := json.Unmarshal(evt.Data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Price != 2501 {
		t.Errorf("Expected live price 2501, got %v", got.Price)
	}

	// Persist-before-publish: the observed point is already stored
	latest, ok, err := store.LatestPrice(context.Background(), live.Symbol)
	if err != nil || !ok {
		t.Fatal("Live point should be queryable after broadcast")
	}
	if latest.Timestamp < live.Timestamp {
		t.Errorf("Store lags the broadcast: %d < %d", latest.Timestamp, live.Timestamp)
	}
}

func TestEndToEnd_ConnectionStateFanout(t *testing.T) {
	server, wsHub, _ := startServer(t)

	wsConn := connectWS(t, server.URL)
	defer wsConn.Close()

	// Drain the snapshot
	for i := 0; i < 4; i++ {
		readEvent(t, wsConn)
	}

	wsHub.HandleState(models.ConnectionState{
		Status:    models.StatusConnected,
		Message:   "connected to upstream feed",
		Timestamp: time.Now().UnixMilli(),
	})

	evt := readEvent(t, wsConn)
	if evt.Type != models.EventConnectionState {
		t.Fatalf("Expected connectionState, got %s", evt.Type)
	}
	var state models.ConnectionState
	if err := json.Unmarshal(evt.Data, &state); err != nil {
		t.Fatal(err)
	}
	if state.Status != models.StatusConnected {
		t.Errorf("Expected connected status, got %s", state.Status)
	}
}
