package feedsim

import (
	"encoding/json"
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"
)

// Clock and Rand exist for deterministic testing
type Clock interface {
	Now() time.Time
}

type Rand interface {
	Float64() float64
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

type RealRand struct{ *rand.Rand }

func (r RealRand) Float64() float64 { return r.Rand.Float64() }

// Trade uses the upstream wire field names
type Trade struct {
	Symbol string  `json:"s"`
	Price  float64 `json:"p"`
	TsMs   int64   `json:"t"`
	Volume float64 `json:"v"`
}

type TradeFrame struct {
	Type string  `json:"type"`
	Data []Trade `json:"data"`
}

type controlFrame struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

// Generator produces random-walk trades around per-symbol base prices
type Generator struct {
	mu         sync.Mutex
	basePrices map[string]float64
	rand       Rand
	clock      Clock
}

func NewGenerator(basePrices map[string]float64, rnd Rand, clock Clock) *Generator {
	prices := make(map[string]float64, len(basePrices))
	for sym, p := range basePrices {
		prices[sym] = p
	}
	return &Generator{basePrices: prices, rand: rnd, clock: clock}
}

// NextBatch builds one trade frame covering the given symbols. Each call
// nudges the walk so consecutive frames drift like a real feed.
func (g *Generator) NextBatch(symbols []string) TradeFrame {
	g.mu.Lock()
	defer g.mu.Unlock()

	sorted := make([]string, len(symbols))
	copy(sorted, symbols)
	sort.Strings(sorted)

	now := g.clock.Now().UnixMilli()
	trades := make([]Trade, 0, len(sorted))
	for _, sym := range sorted {
		base, ok := g.basePrices[sym]
		if !ok {
			// Unknown symbols trade around a nominal price
			base = 100.0
			g.basePrices[sym] = base
		}

		price := base * (1 + (g.rand.Float64()-0.5)*0.01)
		g.basePrices[sym] = price

		trades = append(trades, Trade{
			Symbol: sym,
			Price:  price,
			TsMs:   now,
			Volume: g.rand.Float64() * 10,
		})
	}
	return TradeFrame{Type: "trade", Data: trades}
}

// Session serves one connected feed consumer: it tracks the symbols the
// consumer subscribes to and streams trade batches for them on a fixed
// cadence, mimicking the upstream feed's protocol.
type Session struct {
	conn     net.Conn
	gen      *Generator
	logger   *zap.Logger
	interval time.Duration

	mu      sync.Mutex
	symbols map[string]bool

	done      chan struct{}
	closeOnce sync.Once
}

func NewSession(conn net.Conn, gen *Generator, logger *zap.Logger, interval time.Duration) *Session {
	return &Session{
		conn:     conn,
		gen:      gen,
		logger:   logger,
		interval: interval,
		symbols:  make(map[string]bool),
		done:     make(chan struct{}),
	}
}

func (s *Session) Run() {
	go s.writeLoop()
	s.readLoop()
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *Session) readLoop() {
	defer s.close()

	for {
		data, err := wsutil.ReadClientText(s.conn)
		if err != nil {
			return
		}

		var frame controlFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn("ignoring malformed control frame", zap.Error(err))
			continue
		}

		s.mu.Lock()
		switch frame.Type {
		case "subscribe":
			s.symbols[frame.Symbol] = true
			s.logger.Info("session subscribed", zap.String("symbol", frame.Symbol))
		case "unsubscribe":
			delete(s.symbols, frame.Symbol)
			s.logger.Info("session unsubscribed", zap.String("symbol", frame.Symbol))
		}
		s.mu.Unlock()
	}
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer s.close()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			subscribed := make([]string, 0, len(s.symbols))
			for sym := range s.symbols {
				subscribed = append(subscribed, sym)
			}
			s.mu.Unlock()

			if len(subscribed) == 0 {
				continue
			}

			frame := s.gen.NextBatch(subscribed)
			payload, err := json.Marshal(frame)
			if err != nil {
				s.logger.Error("failed to marshal trade frame", zap.Error(err))
				continue
			}
			if err := wsutil.WriteServerText(s.conn, payload); err != nil {
				return
			}
		}
	}
}
