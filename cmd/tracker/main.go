package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JabelFontoura/crypto-dashboard/cmd/tracker/internal/aggregator"
	"github.com/JabelFontoura/crypto-dashboard/cmd/tracker/internal/feed"
	"github.com/JabelFontoura/crypto-dashboard/cmd/tracker/internal/gateway"
	"github.com/JabelFontoura/crypto-dashboard/cmd/tracker/internal/hub"
	"github.com/JabelFontoura/crypto-dashboard/cmd/tracker/internal/repository"
	"github.com/JabelFontoura/crypto-dashboard/pkg/config"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger, err := config.NewLogger(cfg.Logger)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	store := repository.NewRedisStore(rdb)

	wsHub := hub.NewHub(store, logger, cfg.Feed.Symbols)
	wsHub.Start()

	sched := aggregator.NewScheduler(
		store,
		logger,
		cfg.Feed.Symbols,
		aggregator.DefaultInterval,
		time.Duration(cfg.Retention.PriceHistoryHours)*time.Hour,
		time.Duration(cfg.Retention.HourlyAverageHours)*time.Hour,
	)
	sched.Start()

	mgr := feed.NewManager(
		cfg.Feed,
		feed.WebsocketDialer{},
		feed.RealClock{},
		logger,
		wsHub.HandlePrice,
		wsHub.HandleState,
	)
	mgr.Connect()

	mux := http.NewServeMux()

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}

		client := gateway.NewClient(conn, wsHub, logger)
		client.Start()
		wsHub.Join(context.Background(), client)
	})

	mux.HandleFunc("/api/prices", func(w http.ResponseWriter, r *http.Request) {
		prices, err := store.AllLatestPrices(r.Context())
		if err != nil {
			http.Error(w, "failed to read prices", http.StatusInternalServerError)
			return
		}
		writeJSON(w, prices)
	})

	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := store.Stats(r.Context())
		if err != nil {
			http.Error(w, "failed to read stats", http.StatusInternalServerError)
			return
		}

		var lastUpdate int64
		if prices, err := store.AllLatestPrices(r.Context()); err == nil {
			for _, p := range prices {
				if p.Timestamp > lastUpdate {
					lastUpdate = p.Timestamp
				}
			}
		}

		writeJSON(w, map[string]any{
			"totalPricePoints":   stats.TotalPricePoints,
			"totalHourlyBuckets": stats.TotalHourlyBuckets,
			"symbols":            stats.Symbols,
			"lastUpdate":         lastUpdate,
			"dataRetentionHours": cfg.Retention.PriceHistoryHours,
			"connectionState":    mgr.State(),
		})
	})

	mux.HandleFunc("/api/key", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut && r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var body struct {
			APIKey string `json:"apiKey"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.APIKey) == "" {
			http.Error(w, "apiKey is required", http.StatusBadRequest)
			return
		}

		mgr.UpdateAPIKey(strings.TrimSpace(body.APIKey))
		writeJSON(w, map[string]string{"status": "reconnecting"})
	})

	srv := &http.Server{Addr: cfg.App.Port, Handler: mux}

	go func() {
		logger.Info("Server Started", zap.String("port", cfg.App.Port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("HTTP Error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	mgr.Close()
	sched.Stop()
	wsHub.Stop()
	if err := store.Close(); err != nil {
		logger.Error("Error closing store", zap.Error(err))
	}

	logger.Info("Shutdown Complete")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
