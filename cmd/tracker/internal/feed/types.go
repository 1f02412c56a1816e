package feed

import (
	"time"

	"github.com/gorilla/websocket"
)

// Conn abstracts the upstream websocket connection
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close() error
}

// Dialer abstracts connection establishment
type Dialer interface {
	Dial(url string) (Conn, error)
}

// Timer abstracts a cancellable scheduled call
type Timer interface {
	Stop() bool
}

// Clock abstracts time for deterministic testing
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
func (RealClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// WebsocketConn adapts *websocket.Conn to our interface
type WebsocketConn struct{ *websocket.Conn }

func (c *WebsocketConn) ReadMessage() ([]byte, error) {
	_, data, err := c.Conn.ReadMessage()
	return data, err
}

func (c *WebsocketConn) WriteJSON(v any) error { return c.Conn.WriteJSON(v) }
func (c *WebsocketConn) Close() error          { return c.Conn.Close() }

// WebsocketDialer adapts the gorilla dialer
type WebsocketDialer struct{}

func (WebsocketDialer) Dial(url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return &WebsocketConn{Conn: conn}, nil
}
