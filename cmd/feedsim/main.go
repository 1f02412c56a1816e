package main

import (
	"context"
	"flag"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"go.uber.org/zap"

	"github.com/JabelFontoura/crypto-dashboard/cmd/feedsim/internal/feedsim"
)

func main() {
	addr := flag.String("addr", ":9090", "listen address")
	interval := flag.Duration("interval", 500*time.Millisecond, "trade batch cadence")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	basePrices := map[string]float64{
		"BINANCE:ETHUSDC": 2500.0,
		"BINANCE:ETHUSDT": 2500.0,
		"BINANCE:ETHBTC":  0.052,
	}
	rnd := feedsim.RealRand{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
	gen := feedsim.NewGenerator(basePrices, rnd, feedsim.RealClock{})

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		logger.Info("feed consumer connected", zap.String("remote", conn.RemoteAddr().String()))

		session := feedsim.NewSession(conn, gen, logger, *interval)
		go session.Run()
	})

	srv := &http.Server{Addr: *addr, Handler: mux}

	go func() {
		logger.Info("Feed simulator started", zap.String("addr", *addr))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("HTTP Error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	srv.Shutdown(context.Background())
	logger.Info("Shutdown Complete")
}
