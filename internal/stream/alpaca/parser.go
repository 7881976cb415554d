package alpaca

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/marketfeed/internal/stream"
)

// wireMessage is the superset of fields across Alpaca stream message types.
// The "T" tag selects the type: "t" trade, "q" quote, "success", "error",
// "subscription".
type wireMessage struct {
	Type   string `json:"T"`
	Symbol string `json:"S"`

	// Trade fields.
	Price   json.Number `json:"p"`
	Size    json.Number `json:"s"`
	TradeID int64       `json:"i"`
	Venue   string      `json:"x"`

	// Quote fields.
	BidPrice json.Number `json:"bp"`
	BidSize  json.Number `json:"bs"`
	AskPrice json.Number `json:"ap"`
	AskSize  json.Number `json:"as"`

	Timestamp time.Time `json:"t"`

	// Control fields.
	Msg  string `json:"msg"`
	Code int    `json:"code"`

	// Subscription ack fields.
	Trades []string `json:"trades"`
	Quotes []string `json:"quotes"`
}

func parseFrame(payload []byte) ([]wireMessage, error) {
	var msgs []wireMessage
	if err := json.Unmarshal(payload, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// toTrade converts a "t" message to the normalized model. Alpaca does not
// tag the aggressor side.
func toTrade(m wireMessage, id string) (stream.TradeUpdate, error) {
	price, err := decimal.NewFromString(m.Price.String())
	if err != nil {
		return stream.TradeUpdate{}, err
	}
	size, err := decimal.NewFromString(m.Size.String())
	if err != nil {
		return stream.TradeUpdate{}, err
	}
	return stream.TradeUpdate{
		Provider:  ProviderID,
		Symbol:    m.Symbol,
		Price:     price,
		Size:      size,
		Aggressor: stream.AggressorUnknown,
		Venue:     m.Venue,
		Sequence:  m.TradeID,
		StreamID:  id,
		Timestamp: m.Timestamp.UTC(),
	}, nil
}

func toQuote(m wireMessage, id string) (stream.QuoteUpdate, error) {
	bp, err := decimal.NewFromString(m.BidPrice.String())
	if err != nil {
		return stream.QuoteUpdate{}, err
	}
	bs, err := decimal.NewFromString(m.BidSize.String())
	if err != nil {
		return stream.QuoteUpdate{}, err
	}
	ap, err := decimal.NewFromString(m.AskPrice.String())
	if err != nil {
		return stream.QuoteUpdate{}, err
	}
	as, err := decimal.NewFromString(m.AskSize.String())
	if err != nil {
		return stream.QuoteUpdate{}, err
	}
	return stream.QuoteUpdate{
		Provider:  ProviderID,
		Symbol:    m.Symbol,
		BidPrice:  bp,
		BidSize:   bs,
		AskPrice:  ap,
		AskSize:   as,
		StreamID:  id,
		Timestamp: m.Timestamp.UTC(),
	}, nil
}
