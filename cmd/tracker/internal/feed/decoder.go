package feed

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/JabelFontoura/crypto-dashboard/pkg/models"
)

// Message is a decoded upstream envelope. Trades holds only the entries
// that passed validation; for non-trade envelopes it is empty.
type Message struct {
	Type   string
	Trades []models.PricePoint
}

func (m *Message) IsTrade() bool { return m.Type == "trade" }

// tradeEntry mirrors the upstream field names on the wire
type tradeEntry struct {
	Symbol string  `json:"s"`
	Price  float64 `json:"p"`
	TsMs   int64   `json:"t"`
	Volume float64 `json:"v"`
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeMessage validates an upstream frame and extracts its valid trades.
// Malformed envelopes return an error; individual trade entries that fail
// validation are silently dropped.
func DecodeMessage(raw []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("message type must be a non-empty string")
	}

	// Frames without data (upstream keepalives like {"type":"ping"}) are
	// valid messages carrying an empty batch
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return &Message{Type: env.Type}, nil
	}
	if data[0] != '[' {
		return nil, fmt.Errorf("message data must be an array")
	}

	var entries []tradeEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("message data must be an array: %w", err)
	}

	msg := &Message{Type: env.Type}
	if !msg.IsTrade() {
		return msg, nil
	}

	for _, e := range entries {
		if e.Symbol == "" || e.Price <= 0 || e.TsMs <= 0 {
			continue
		}
		msg.Trades = append(msg.Trades, models.PricePoint{
			Symbol:    e.Symbol,
			Price:     e.Price,
			Timestamp: e.TsMs,
		})
	}
	return msg, nil
}
