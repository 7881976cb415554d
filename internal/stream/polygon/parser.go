package polygon

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/marketfeed/internal/stream"
)

// wireEvent is the superset of fields across Polygon stream event types.
// The "ev" tag selects the type: "T" trade, "Q" quote, "status" control.
type wireEvent struct {
	Event  string `json:"ev"`
	Symbol string `json:"sym"`

	// Trade fields. Exchange ids are numeric on this feed.
	Price    json.Number `json:"p"`
	Size     json.Number `json:"s"`
	Exchange int         `json:"x"`
	Sequence int64       `json:"q"`

	// Quote fields.
	BidPrice json.Number `json:"bp"`
	BidSize  json.Number `json:"bs"`
	AskPrice json.Number `json:"ap"`
	AskSize  json.Number `json:"as"`

	// Epoch milliseconds.
	Timestamp int64 `json:"t"`

	// Status fields.
	Status  string `json:"status"`
	Message string `json:"message"`
}

func parseFrame(payload []byte) ([]wireEvent, error) {
	var evs []wireEvent
	if err := json.Unmarshal(payload, &evs); err != nil {
		return nil, err
	}
	return evs, nil
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func toTrade(e wireEvent) (stream.TradeUpdate, error) {
	price, err := decimal.NewFromString(e.Price.String())
	if err != nil {
		return stream.TradeUpdate{}, err
	}
	size, err := decimal.NewFromString(e.Size.String())
	if err != nil {
		return stream.TradeUpdate{}, err
	}
	return stream.TradeUpdate{
		Provider:  ProviderID,
		Symbol:    e.Symbol,
		Price:     price,
		Size:      size,
		Aggressor: stream.AggressorUnknown,
		Venue:     strconv.Itoa(e.Exchange),
		Sequence:  e.Sequence,
		Timestamp: msToTime(e.Timestamp),
	}, nil
}

func toQuote(e wireEvent) (stream.QuoteUpdate, error) {
	bp, err := decimal.NewFromString(e.BidPrice.String())
	if err != nil {
		return stream.QuoteUpdate{}, err
	}
	bs, err := decimal.NewFromString(e.BidSize.String())
	if err != nil {
		return stream.QuoteUpdate{}, err
	}
	ap, err := decimal.NewFromString(e.AskPrice.String())
	if err != nil {
		return stream.QuoteUpdate{}, err
	}
	as, err := decimal.NewFromString(e.AskSize.String())
	if err != nil {
		return stream.QuoteUpdate{}, err
	}
	return stream.QuoteUpdate{
		Provider:  ProviderID,
		Symbol:    e.Symbol,
		BidPrice:  bp,
		BidSize:   bs,
		AskPrice:  ap,
		AskSize:   as,
		Sequence:  e.Sequence,
		Timestamp: msToTime(e.Timestamp),
	}, nil
}
