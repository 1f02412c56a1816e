package gateway

import (
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/JabelFontoura/crypto-dashboard/cmd/tracker/internal/hub"
	"github.com/JabelFontoura/crypto-dashboard/cmd/tracker/internal/protocol"
)

const maxFrameSize = 64 * 1024

// wsFrame is one outbound websocket frame queued for writePump
type wsFrame struct {
	op      ws.OpCode
	payload []byte
}

// ClientAdapter bridges one websocket consumer to the hub. Consumers are
// receive-only: inbound frames are limited to control traffic, everything
// else is discarded.
type ClientAdapter struct {
	conn   net.Conn
	hub    *hub.Hub
	send   chan wsFrame
	logger *zap.Logger

	mu     sync.Mutex
	closed bool

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
}

func NewClient(conn net.Conn, h *hub.Hub, logger *zap.Logger) *ClientAdapter {
	return &ClientAdapter{
		conn:       conn,
		hub:        h,
		send:       make(chan wsFrame, 256),
		logger:     logger,
		writeWait:  5 * time.Second,
		pongWait:   60 * time.Second,
		pingPeriod: 50 * time.Second,
	}
}

func (c *ClientAdapter) Start() {
	go c.writePump()
	go c.readPump()
}

func (c *ClientAdapter) ID() string { return c.conn.RemoteAddr().String() }

// Close marks the adapter closed and closes the send channel; writePump
// drains whatever is queued and closes the conn. Safe to call repeatedly
// and concurrently with SendEvent.
func (c *ClientAdapter) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// SendEvent queues an event for delivery. Events for a closed or stalled
// consumer are dropped so the publisher never blocks.
func (c *ClientAdapter) SendEvent(evt protocol.Event) {
	b, err := json.Marshal(evt)
	if err != nil {
		c.logger.Error("failed to marshal event", zap.String("type", evt.Type), zap.Error(err))
		return
	}
	c.enqueue(wsFrame{op: ws.OpText, payload: b})
}

func (c *ClientAdapter) enqueue(f wsFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- f:
	default:
	}
}

func (c *ClientAdapter) readPump() {
	defer func() {
		c.hub.Leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))

	for {
		header, err := ws.ReadHeader(c.conn)
		if err != nil {
			break
		}

		if header.Length > int64(maxFrameSize) {
			c.logger.Warn("msg too big", zap.Int64("size", header.Length))
			break
		}

		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			break
		}

		if header.Masked {
			ws.Cipher(payload, header.Mask, 0)
		}

		switch header.OpCode {
		case ws.OpClose:
			return
		case ws.OpPing:
			// RFC 6455 keepalive: echo the payload back as a pong
			c.enqueue(wsFrame{op: ws.OpPong, payload: payload})
			c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		case ws.OpPong:
			c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		}
		// Subscribers get everything pushed; inbound text is ignored
	}
}

func (c *ClientAdapter) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if !ok {
				c.conn.Write(ws.CompiledClose)
				return
			}

			var err error
			if f.op == ws.OpText {
				err = wsutil.WriteServerText(c.conn, f.payload)
			} else {
				err = wsutil.WriteServerMessage(c.conn, f.op, f.payload)
			}
			if err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}
