package protocol

// Event is the push envelope delivered to downstream subscribers.
// Type is one of the models.Event* names.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Upstream control frame sent to the feed
type SubscribeFrame struct {
	Type   string `json:"type"` // "subscribe" or "unsubscribe"
	Symbol string `json:"symbol"`
}
