package stream

import (
	"encoding/json"
	"fmt"
)

// Inbound message type discriminators used by the market-data feed.
const (
	TypeConnectionEstablished = "connection_established"
	TypeSubscriptionConfirmed = "subscription_confirmed"
	TypeMarketUpdate          = "market_update"
	TypeSentimentUpdate       = "sentiment_update"
	TypeError                 = "error"
)

// Outbound control frame types.
const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
)

// controlFrame is the outbound subscribe/unsubscribe message.
// The feed protocol batches symbols, so one frame covers a whole set.
type controlFrame struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

// Message is one inbound frame from the feed. Data stays raw until a
// handler that knows the type decodes it.
type Message struct {
	Type      string          `json:"type"`
	Symbol    string          `json:"symbol,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// MarketUpdate is the payload of a market_update frame.
type MarketUpdate struct {
	Price     float64 `json:"price"`
	Change    float64 `json:"change"`
	ChangePct float64 `json:"change_pct"`
	Volume    float64 `json:"volume"`
}

// SentimentUpdate is the payload of a sentiment_update frame.
type SentimentUpdate struct {
	Score float64 `json:"score"`
	Label string  `json:"label"`
}

// DecodeMarket decodes the payload of a market_update frame.
func (m Message) DecodeMarket() (MarketUpdate, error) {
	var update MarketUpdate
	if err := json.Unmarshal(m.Data, &update); err != nil {
		return MarketUpdate{}, fmt.Errorf("failed to decode market update: %w", err)
	}
	return update, nil
}

// DecodeSentiment decodes the payload of a sentiment_update frame.
func (m Message) DecodeSentiment() (SentimentUpdate, error) {
	var update SentimentUpdate
	if err := json.Unmarshal(m.Data, &update); err != nil {
		return SentimentUpdate{}, fmt.Errorf("failed to decode sentiment update: %w", err)
	}
	return update, nil
}
