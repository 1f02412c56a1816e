package feed

import (
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JabelFontoura/crypto-dashboard/cmd/tracker/internal/protocol"
	"github.com/JabelFontoura/crypto-dashboard/pkg/config"
	"github.com/JabelFontoura/crypto-dashboard/pkg/models"
)

// Manager owns the upstream feed socket: connect/backoff/reconnect,
// the subscription set and credential rotation. Decoded trades and state
// transitions are handed to the callbacks; a slow consumer on the other
// side of those callbacks must not block (the hub delivers non-blocking).
type Manager struct {
	cfg    config.FeedConfig
	dialer Dialer
	clock  Clock
	logger *zap.Logger

	onTrade func(models.PricePoint)
	onState func(models.ConnectionState)

	mu             sync.Mutex
	conn           Conn
	gen            int // bumps on every close so stale readers stand down
	state          models.ConnectionState
	attempts       int
	reconnectTimer Timer
	subscribed     map[string]bool
}

func NewManager(
	cfg config.FeedConfig,
	dialer Dialer,
	clock Clock,
	logger *zap.Logger,
	onTrade func(models.PricePoint),
	onState func(models.ConnectionState),
) *Manager {
	return &Manager{
		cfg:        cfg,
		dialer:     dialer,
		clock:      clock,
		logger:     logger,
		onTrade:    onTrade,
		onState:    onState,
		subscribed: make(map[string]bool),
		state: models.ConnectionState{
			Status:    models.StatusDisconnected,
			Timestamp: clock.Now().UnixMilli(),
		},
	}
}

// Connect dials the upstream feed and subscribes the tracked symbol set.
// A missing credential is a configuration fault, not a transient one: it
// parks the manager in the error state without scheduling a retry.
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Status == models.StatusConnected && m.conn != nil {
		m.logger.Warn("feed already connected")
		return
	}

	m.setStateLocked(models.StatusConnecting, "connecting to upstream feed")

	if strings.TrimSpace(m.cfg.APIKey) == "" {
		msg := "feed api key not configured; update the key to connect"
		m.logger.Error(msg)
		m.setStateLocked(models.StatusError, msg)
		return
	}

	conn, err := m.dialer.Dial(m.cfg.WSURL + "?token=" + m.cfg.APIKey)
	if err != nil {
		m.logger.Error("failed to connect to upstream feed", zap.Error(err))
		m.setStateLocked(models.StatusError, "connection failed: "+err.Error())
		m.scheduleReconnectLocked()
		return
	}

	m.conn = conn
	m.attempts = 0
	m.setStateLocked(models.StatusConnected, "connected to upstream feed")

	for _, sym := range m.cfg.Symbols {
		m.subscribeLocked(sym)
	}

	go m.readLoop(conn, m.gen)
}

// Close cancels any pending reconnect, closes the socket and clears the
// subscription set. Safe to call repeatedly.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopReconnectTimerLocked()

	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
		m.gen++
	}

	m.subscribed = make(map[string]bool)
	m.setStateLocked(models.StatusDisconnected, "manually disconnected")
}

// UpdateAPIKey swaps the credential and cycles the connection. Subscribers
// of the old connection are dropped and resubscribed once the new one opens.
func (m *Manager) UpdateAPIKey(key string) {
	m.logger.Info("updating feed api key and reconnecting")

	m.mu.Lock()
	m.cfg.APIKey = key
	m.mu.Unlock()

	m.Close()

	m.mu.Lock()
	m.reconnectTimer = m.clock.AfterFunc(m.cfg.KeyRotateDelay, m.Connect)
	m.mu.Unlock()
}

// SubscribeToSymbols sends a subscribe frame per symbol. Symbols requested
// while not connected are logged and skipped, never queued.
func (m *Manager) SubscribeToSymbols(symbols []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sym := range symbols {
		m.subscribeLocked(sym)
	}
}

// UnsubscribeFromSymbols sends an unsubscribe frame per symbol.
func (m *Manager) UnsubscribeFromSymbols(symbols []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sym := range symbols {
		if m.state.Status != models.StatusConnected || m.conn == nil {
			m.logger.Warn("cannot unsubscribe: feed not connected", zap.String("symbol", sym))
			continue
		}
		frame := protocol.SubscribeFrame{Type: "unsubscribe", Symbol: sym}
		if err := m.conn.WriteJSON(frame); err != nil {
			m.logger.Error("failed to unsubscribe", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		delete(m.subscribed, sym)
		m.logger.Info("unsubscribed", zap.String("symbol", sym))
	}
}

// State returns the current connection state
func (m *Manager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) subscribeLocked(sym string) {
	if m.state.Status != models.StatusConnected || m.conn == nil {
		m.logger.Warn("cannot subscribe: feed not connected", zap.String("symbol", sym))
		return
	}

	frame := protocol.SubscribeFrame{Type: "subscribe", Symbol: sym}
	if err := m.conn.WriteJSON(frame); err != nil {
		m.logger.Error("failed to subscribe", zap.String("symbol", sym), zap.Error(err))
		return
	}
	m.subscribed[sym] = true
	m.logger.Info("subscribed", zap.String("symbol", sym))
}

func (m *Manager) readLoop(conn Conn, gen int) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleReadError(gen, err)
			return
		}
		m.handleFrame(data)
	}
}

func (m *Manager) handleFrame(data []byte) {
	msg, err := DecodeMessage(data)
	if err != nil {
		// Decode failures never touch connection state
		m.logger.Error("failed to decode upstream frame", zap.Error(err))
		return
	}
	if !msg.IsTrade() || len(msg.Trades) == 0 {
		return
	}

	// Only the first valid trade of a batch is forwarded; the remainder is
	// dropped on the floor. Kept as-is: it caps emission at one observation
	// per inbound frame.
	m.onTrade(msg.Trades[0])
}

func (m *Manager) handleReadError(gen int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		// Socket was already replaced or manually closed
		return
	}

	m.conn = nil
	m.gen++
	m.subscribed = make(map[string]bool)

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) || errors.Is(err, io.EOF) {
		m.logger.Warn("upstream connection closed", zap.Error(err))
		m.setStateLocked(models.StatusDisconnected, "connection closed: "+err.Error())
	} else {
		m.logger.Error("upstream connection error", zap.Error(err))
		m.setStateLocked(models.StatusError, "websocket error: "+err.Error())
	}

	m.scheduleReconnectLocked()
}

func (m *Manager) scheduleReconnectLocked() {
	m.stopReconnectTimerLocked()

	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.logger.Error("max reconnection attempts reached")
		m.setStateLocked(models.StatusError, "max reconnection attempts reached")
		return
	}

	m.attempts++
	delay := m.cfg.ReconnectInterval * time.Duration(m.attempts)

	m.logger.Info("scheduling reconnect",
		zap.Duration("delay", delay),
		zap.Int("attempt", m.attempts),
		zap.Int("max_attempts", m.cfg.MaxReconnectAttempts))

	m.reconnectTimer = m.clock.AfterFunc(delay, m.Connect)
}

func (m *Manager) stopReconnectTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) setStateLocked(status models.ConnectionStatus, message string) {
	m.state = models.ConnectionState{
		Status:    status,
		Message:   message,
		Timestamp: m.clock.Now().UnixMilli(),
	}
	if m.onState != nil {
		m.onState(m.state)
	}
}
