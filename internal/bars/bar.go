package bars

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bar is one historical OHLCV session bar. Prices are fixed-point decimals;
// SessionDate is the exchange-local trading date stored as UTC midnight.
type Bar struct {
	Symbol         string          `json:"symbol" db:"symbol"`
	SessionDate    time.Time       `json:"session_date" db:"session_date"`
	Open           decimal.Decimal `json:"open" db:"open"`
	High           decimal.Decimal `json:"high" db:"high"`
	Low            decimal.Decimal `json:"low" db:"low"`
	Close          decimal.Decimal `json:"close" db:"close"`
	Volume         int64           `json:"volume" db:"volume"`
	Source         string          `json:"source" db:"source"`
	SequenceNumber int64           `json:"sequence_number,omitempty" db:"sequence_number"`
}

// AdjustedBar carries split/dividend adjusted values alongside the raw bar.
type AdjustedBar struct {
	Bar

	AdjOpen        *decimal.Decimal `json:"adj_open,omitempty" db:"adj_open"`
	AdjHigh        *decimal.Decimal `json:"adj_high,omitempty" db:"adj_high"`
	AdjLow         *decimal.Decimal `json:"adj_low,omitempty" db:"adj_low"`
	AdjClose       *decimal.Decimal `json:"adj_close,omitempty" db:"adj_close"`
	AdjVolume      *int64           `json:"adj_volume,omitempty" db:"adj_volume"`
	SplitFactor    *decimal.Decimal `json:"split_factor,omitempty" db:"split_factor"`
	DividendAmount *decimal.Decimal `json:"dividend_amount,omitempty" db:"dividend_amount"`
}

// SessionDateOf truncates a timestamp to its UTC session date.
func SessionDateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// sameOHLC reports whether two bars carry identical OHLC values.
func sameOHLC(a, b Bar) bool {
	return a.Open.Equal(b.Open) && a.High.Equal(b.High) &&
		a.Low.Equal(b.Low) && a.Close.Equal(b.Close)
}
