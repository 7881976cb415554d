package bars

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Validation issue codes.
const (
	CodeEmptySymbol       = "EMPTY_SYMBOL"
	CodeEmptySource       = "EMPTY_SOURCE"
	CodeOHLCInconsistency = "OHLC_INCONSISTENCY"
	CodeNegativePrice     = "NEGATIVE_PRICE"
	CodePriceExceedsMax   = "PRICE_EXCEEDS_MAX"
	CodePriceBelowMin     = "PRICE_BELOW_MIN"
	CodeNegativeVolume    = "NEGATIVE_VOLUME"
	CodeZeroVolume        = "ZERO_VOLUME"
	CodeVolumeExceedsMax  = "VOLUME_EXCEEDS_MAX"
	CodeFutureDate        = "FUTURE_DATE"
	CodePriceSpike        = "PRICE_SPIKE"
	CodePriceGap          = "PRICE_GAP"
	CodeDuplicateDate     = "DUPLICATE_DATE"
	CodeStaleData         = "STALE_DATA"
)

// Issue is a single finding against a bar.
type Issue struct {
	Code    string    `json:"code"`
	Symbol  string    `json:"symbol"`
	Date    time.Time `json:"date"`
	Message string    `json:"message"`
}

// RejectedBar pairs a rejected bar with the errors that rejected it.
type RejectedBar struct {
	Bar    Bar     `json:"bar"`
	Errors []Issue `json:"errors"`
}

// Result is the validator output. Valid and Rejected together form the input
// multiset; warnings never reject a bar.
type Result struct {
	Valid    []Bar         `json:"valid"`
	Rejected []RejectedBar `json:"rejected"`
	Warnings []Issue       `json:"warnings"`
	Errors   []Issue       `json:"errors"`
}

// Validator applies the fixed check set under a config. Pure and
// synchronous; identical input yields identical output.
type Validator struct {
	cfg ValidationConfig
	now func() time.Time
}

// NewValidator creates a validator with the given config.
func NewValidator(cfg ValidationConfig) *Validator {
	return &Validator{cfg: cfg, now: time.Now}
}

// NewValidatorAt pins the validator's clock; used by tests and replays.
func NewValidatorAt(cfg ValidationConfig, now func() time.Time) *Validator {
	return &Validator{cfg: cfg, now: now}
}

// Validate checks a batch of bars. Bars are ordered by (symbol, date) before
// the sequential checks so gap, duplicate and staleness detection see a
// stable sequence.
func (v *Validator) Validate(input []Bar) Result {
	sorted := make([]Bar, len(input))
	copy(sorted, input)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Symbol != sorted[j].Symbol {
			return sorted[i].Symbol < sorted[j].Symbol
		}
		return sorted[i].SessionDate.Before(sorted[j].SessionDate)
	})

	today := SessionDateOf(v.now())

	// Batch-level duplicate map: (symbol, date) -> occurrences.
	dupes := make(map[string]int, len(sorted))
	for _, b := range sorted {
		dupes[dupKey(b)]++
	}

	res := Result{}
	var (
		prevSymbol string
		prevBar    Bar
		havePrev   bool
		staleRun   int
	)

	for _, bar := range sorted {
		errs := v.checkBar(bar, today)

		// Sequential, same-symbol checks.
		if bar.Symbol != prevSymbol {
			havePrev = false
			staleRun = 1
		}

		if havePrev && prevBar.Close.IsPositive() {
			gap := percentChange(prevBar.Close, bar.Open)
			if gap > v.cfg.MaxGapPercent {
				res.Warnings = append(res.Warnings, Issue{
					Code:    CodePriceGap,
					Symbol:  bar.Symbol,
					Date:    bar.SessionDate,
					Message: fmt.Sprintf("open gapped %.2f%% from previous close", gap),
				})
			}
		}

		if havePrev && sameOHLC(prevBar, bar) {
			staleRun++
			if v.cfg.StaleDataThreshold > 0 && staleRun == v.cfg.StaleDataThreshold {
				res.Warnings = append(res.Warnings, Issue{
					Code:    CodeStaleData,
					Symbol:  bar.Symbol,
					Date:    bar.SessionDate,
					Message: fmt.Sprintf("%d consecutive bars with identical OHLC", staleRun),
				})
			}
		} else if havePrev {
			staleRun = 1
		}

		if dupes[dupKey(bar)] > 1 {
			res.Warnings = append(res.Warnings, Issue{
				Code:    CodeDuplicateDate,
				Symbol:  bar.Symbol,
				Date:    bar.SessionDate,
				Message: "duplicate (symbol, date) in batch",
			})
		}

		if v.cfg.MaxDailyChangePercent > 0 && bar.Open.IsPositive() {
			change := percentChange(bar.Open, bar.Close)
			if change > v.cfg.MaxDailyChangePercent {
				res.Warnings = append(res.Warnings, Issue{
					Code:    CodePriceSpike,
					Symbol:  bar.Symbol,
					Date:    bar.SessionDate,
					Message: fmt.Sprintf("close moved %.2f%% from open", change),
				})
			}
		}

		if bar.Volume == 0 && !v.cfg.AllowZeroVolume {
			res.Warnings = append(res.Warnings, Issue{
				Code:    CodeZeroVolume,
				Symbol:  bar.Symbol,
				Date:    bar.SessionDate,
				Message: "bar has zero volume",
			})
		}

		prevSymbol = bar.Symbol
		prevBar = bar
		havePrev = true

		if len(errs) > 0 {
			res.Rejected = append(res.Rejected, RejectedBar{Bar: bar, Errors: errs})
			res.Errors = append(res.Errors, errs...)
			continue
		}
		res.Valid = append(res.Valid, bar)
	}

	return res
}

// checkBar runs the per-bar error checks; any finding rejects the bar.
func (v *Validator) checkBar(bar Bar, today time.Time) []Issue {
	var errs []Issue
	add := func(code, msg string) {
		errs = append(errs, Issue{Code: code, Symbol: bar.Symbol, Date: bar.SessionDate, Message: msg})
	}

	if bar.Symbol == "" {
		add(CodeEmptySymbol, "bar has no symbol")
	}
	if bar.Source == "" {
		add(CodeEmptySource, "bar has no source")
	}

	if bar.Low.GreaterThan(bar.High) {
		add(CodeOHLCInconsistency, "low exceeds high")
	}
	if bar.Open.LessThan(bar.Low) || bar.Open.GreaterThan(bar.High) {
		add(CodeOHLCInconsistency, "open outside [low, high]")
	}
	if bar.Close.LessThan(bar.Low) || bar.Close.GreaterThan(bar.High) {
		add(CodeOHLCInconsistency, "close outside [low, high]")
	}

	for _, p := range []struct {
		name  string
		value decimal.Decimal
	}{
		{"open", bar.Open}, {"high", bar.High}, {"low", bar.Low}, {"close", bar.Close},
	} {
		switch {
		case p.value.IsNegative():
			add(CodeNegativePrice, p.name+" is negative")
		case p.value.GreaterThan(v.cfg.MaxPrice):
			add(CodePriceExceedsMax, p.name+" exceeds configured maximum")
		case p.value.LessThan(v.cfg.MinPrice):
			add(CodePriceBelowMin, p.name+" below configured minimum")
		}
	}

	switch {
	case bar.Volume < 0:
		add(CodeNegativeVolume, "volume is negative")
	case bar.Volume > v.cfg.MaxVolume:
		add(CodeVolumeExceedsMax, "volume exceeds configured maximum")
	}

	if bar.SessionDate.After(today) && !v.cfg.AllowFutureDate {
		add(CodeFutureDate, "session date is in the future")
	}

	return errs
}

func dupKey(b Bar) string {
	return b.Symbol + "|" + b.SessionDate.Format("2006-01-02")
}

func percentChange(from, to decimal.Decimal) float64 {
	if !from.IsPositive() {
		return 0
	}
	change, _ := to.Sub(from).Abs().Div(from).Mul(decimal.NewFromInt(100)).Float64()
	return change
}
