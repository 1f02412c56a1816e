package models

import "time"

// PricePoint represents a single trade observation for a symbol
type PricePoint struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"` // unix millis
}

// HourlyBucket is the recomputed per-symbol average over one clock hour.
// Hour is the UTC hour floor; recomputing with the same inputs always
// yields the same bucket, so upserts are safe to repeat.
type HourlyBucket struct {
	Symbol       string    `json:"symbol"`
	AveragePrice float64   `json:"averagePrice"`
	Hour         time.Time `json:"hour"`
	Count        int       `json:"count"`
}

type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusError        ConnectionStatus = "error"
)

// ConnectionState is the latest upstream link state, overwritten on every
// transition (a cell, not a log).
type ConnectionState struct {
	Status    ConnectionStatus `json:"status"`
	Message   string           `json:"message,omitempty"`
	Timestamp int64            `json:"timestamp"`
}

// Event names pushed to downstream subscribers
const (
	EventPriceUpdate     = "priceUpdate"
	EventCurrentPrices   = "currentPrices"
	EventHourlyAverages  = "hourlyAverages"
	EventPriceHistory    = "priceHistory"
	EventConnectionState = "connectionState"
)

// DefaultSymbols is the fixed tracked-symbol set
var DefaultSymbols = []string{
	"BINANCE:ETHUSDC",
	"BINANCE:ETHUSDT",
	"BINANCE:ETHBTC",
}

// HourFloor zeroes out minutes, seconds and millis of a unix-millis
// timestamp, in UTC.
func HourFloor(tsMillis int64) time.Time {
	return time.UnixMilli(tsMillis).UTC().Truncate(time.Hour)
}
