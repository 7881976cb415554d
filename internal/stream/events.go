package stream

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/marketfeed/internal/provider"
)

// Aggressor is the side that initiated a trade.
type Aggressor int

const (
	AggressorUnknown Aggressor = iota
	AggressorBuy
	AggressorSell
)

func (a Aggressor) String() string {
	switch a {
	case AggressorBuy:
		return "buy"
	case AggressorSell:
		return "sell"
	default:
		return "unknown"
	}
}

// Side is one side of the book.
type Side int

const (
	SideBid Side = iota
	SideAsk
)

func (s Side) String() string {
	if s == SideAsk {
		return "ask"
	}
	return "bid"
}

// TradeUpdate is a normalized trade print. Downstream deduplication across a
// failover window keys on (Provider, Symbol, Sequence).
type TradeUpdate struct {
	Provider  provider.ID     `json:"provider"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Aggressor Aggressor       `json:"aggressor"`
	Venue     string          `json:"venue,omitempty"`
	Sequence  int64           `json:"sequence,omitempty"`
	StreamID  string          `json:"stream_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// QuoteUpdate is a normalized BBO update.
type QuoteUpdate struct {
	Provider  provider.ID     `json:"provider"`
	Symbol    string          `json:"symbol"`
	BidPrice  decimal.Decimal `json:"bid_price"`
	BidSize   decimal.Decimal `json:"bid_size"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	AskSize   decimal.Decimal `json:"ask_size"`
	Venue     string          `json:"venue,omitempty"`
	Sequence  int64           `json:"sequence,omitempty"`
	StreamID  string          `json:"stream_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// DepthLevel is one price level of an L2 snapshot.
type DepthLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
	Side  Side            `json:"side"`
}

// DepthUpdate is a normalized L2 depth update, at most the provider's
// advertised depth.
type DepthUpdate struct {
	Provider  provider.ID  `json:"provider"`
	Symbol    string       `json:"symbol"`
	Levels    []DepthLevel `json:"levels"`
	Sequence  int64        `json:"sequence,omitempty"`
	StreamID  string       `json:"stream_id,omitempty"`
	Venue     string       `json:"venue,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Heartbeat is a liveness marker emitted by streaming clients.
type Heartbeat struct {
	Provider  provider.ID `json:"provider"`
	Timestamp time.Time   `json:"timestamp"`
}
