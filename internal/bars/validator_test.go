package bars

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func mkBar(symbol, date, open, high, low, close string, volume int64) Bar {
	return Bar{
		Symbol:      symbol,
		SessionDate: day(date),
		Open:        d(open),
		High:        d(high),
		Low:         d(low),
		Close:       d(close),
		Volume:      volume,
		Source:      "test",
	}
}

func fixedNow() time.Time { return day("2024-06-01") }

func newTestValidator(cfg ValidationConfig) *Validator {
	return NewValidatorAt(cfg, fixedNow)
}

func TestValidate_RejectsNegativePriceAndFlagsSpike(t *testing.T) {
	input := []Bar{
		mkBar("XYZ", "2024-01-02", "10", "11", "9", "10.5", 1000),
		mkBar("XYZ", "2024-01-03", "10.5", "12", "-1", "11", 2000),
		mkBar("XYZ", "2024-01-04", "11", "100", "10", "90", 5000),
	}

	res := newTestValidator(DefaultValidationConfig()).Validate(input)

	require.Len(t, res.Valid, 2)
	require.Len(t, res.Rejected, 1)

	assert.True(t, res.Rejected[0].Bar.SessionDate.Equal(day("2024-01-03")))
	codes := issueCodes(res.Rejected[0].Errors)
	assert.Contains(t, codes, CodeNegativePrice)

	var spike bool
	for _, w := range res.Warnings {
		if w.Code == CodePriceSpike && w.Date.Equal(day("2024-01-04")) {
			spike = true
		}
	}
	assert.True(t, spike, "2024-01-04 close moved >50%% from open, expected PRICE_SPIKE")
}

func TestValidate_MultisetPreserved(t *testing.T) {
	input := []Bar{
		mkBar("AAA", "2024-01-02", "10", "11", "9", "10", 100),
		mkBar("BBB", "2024-01-02", "-5", "11", "9", "10", 100),
		mkBar("AAA", "2024-01-03", "10", "11", "9", "10", 0),
		{Symbol: "", SessionDate: day("2024-01-02"), Open: d("1"), High: d("1"), Low: d("1"), Close: d("1"), Volume: 1, Source: "s"},
	}

	res := newTestValidator(DefaultValidationConfig()).Validate(input)

	assert.Equal(t, len(input), len(res.Valid)+len(res.Rejected), "valid + rejected must equal input")
}

func TestValidate_Idempotent(t *testing.T) {
	input := []Bar{
		mkBar("AAA", "2024-01-02", "10", "11", "9", "10", 100),
		mkBar("AAA", "2024-01-03", "10", "30", "9", "25", 100), // spike warning, still valid
		mkBar("AAA", "2024-01-04", "25", "26", "2", "1", 100),  // gap+spike warnings, valid
		mkBar("BBB", "2024-01-02", "10", "9", "9", "9.5", 100), // open above high, rejected
	}

	v := newTestValidator(DefaultValidationConfig())
	first := v.Validate(input)
	second := v.Validate(first.Valid)

	require.Equal(t, len(first.Valid), len(second.Valid))
	for i := range first.Valid {
		assert.Equal(t, first.Valid[i], second.Valid[i])
	}
	assert.Empty(t, second.Rejected, "re-validating valid bars must reject nothing")
}

func TestValidate_OHLCConsistency(t *testing.T) {
	res := newTestValidator(DefaultValidationConfig()).Validate([]Bar{
		mkBar("AAA", "2024-01-02", "12", "11", "9", "10", 100), // open above high
	})
	require.Len(t, res.Rejected, 1)
	assert.Contains(t, issueCodes(res.Rejected[0].Errors), CodeOHLCInconsistency)
}

func TestValidate_EmptySymbolAndSource(t *testing.T) {
	res := newTestValidator(DefaultValidationConfig()).Validate([]Bar{
		{SessionDate: day("2024-01-02"), Open: d("1"), High: d("1"), Low: d("1"), Close: d("1"), Volume: 1},
	})
	require.Len(t, res.Rejected, 1)
	codes := issueCodes(res.Rejected[0].Errors)
	assert.Contains(t, codes, CodeEmptySymbol)
	assert.Contains(t, codes, CodeEmptySource)
}

func TestValidate_VolumeChecks(t *testing.T) {
	cfg := DefaultValidationConfig()
	res := newTestValidator(cfg).Validate([]Bar{
		mkBar("AAA", "2024-01-02", "10", "11", "9", "10", -5),
		mkBar("AAA", "2024-01-03", "10", "11", "9", "10", 0),
		mkBar("AAA", "2024-01-04", "10", "11", "9", "10", cfg.MaxVolume+1),
	})

	require.Len(t, res.Rejected, 2)
	assert.Contains(t, issueCodes(res.Errors), CodeNegativeVolume)
	assert.Contains(t, issueCodes(res.Errors), CodeVolumeExceedsMax)
	assert.Contains(t, issueCodes(res.Warnings), CodeZeroVolume)
	require.Len(t, res.Valid, 1, "zero volume warns but does not reject")
}

func TestValidate_ZeroVolumeAllowedByLenient(t *testing.T) {
	res := newTestValidator(LenientValidationConfig()).Validate([]Bar{
		mkBar("AAA", "2024-01-02", "10", "11", "9", "10", 0),
	})
	assert.Empty(t, res.Warnings)
	assert.Len(t, res.Valid, 1)
}

func TestValidate_FutureDate(t *testing.T) {
	future := []Bar{mkBar("AAA", "2030-01-02", "10", "11", "9", "10", 100)}

	res := newTestValidator(DefaultValidationConfig()).Validate(future)
	require.Len(t, res.Rejected, 1)
	assert.Contains(t, issueCodes(res.Rejected[0].Errors), CodeFutureDate)

	lenient := newTestValidator(LenientValidationConfig()).Validate(future)
	assert.Len(t, lenient.Valid, 1)
}

func TestValidate_PriceGapAcrossBars(t *testing.T) {
	res := newTestValidator(DefaultValidationConfig()).Validate([]Bar{
		mkBar("AAA", "2024-01-03", "50", "51", "9", "10", 100), // out of order on purpose
		mkBar("AAA", "2024-01-02", "10", "11", "9", "10", 100),
	})

	// After sorting, the 01-03 open of 50 gaps 400% from the 01-02 close of 10.
	assert.Contains(t, issueCodes(res.Warnings), CodePriceGap)
}

func TestValidate_DuplicateDates(t *testing.T) {
	res := newTestValidator(DefaultValidationConfig()).Validate([]Bar{
		mkBar("AAA", "2024-01-02", "10", "11", "9", "10", 100),
		mkBar("AAA", "2024-01-02", "10", "11", "9", "10.5", 200),
	})

	var dupWarnings int
	for _, w := range res.Warnings {
		if w.Code == CodeDuplicateDate {
			dupWarnings++
		}
	}
	assert.Equal(t, 2, dupWarnings, "every duplicate occurrence warns")
}

func TestValidate_StaleDataAtThreshold(t *testing.T) {
	cfg := DefaultValidationConfig()
	cfg.StaleDataThreshold = 3

	input := []Bar{
		mkBar("AAA", "2024-01-02", "10", "11", "9", "10", 100),
		mkBar("AAA", "2024-01-03", "10", "11", "9", "10", 110),
		mkBar("AAA", "2024-01-04", "10", "11", "9", "10", 120),
		mkBar("AAA", "2024-01-05", "10", "11", "9", "10", 130),
		mkBar("AAA", "2024-01-08", "10", "12", "9", "11", 140), // OHLC changes, run resets
		mkBar("BBB", "2024-01-02", "10", "11", "9", "10", 100), // symbol change resets
	}

	res := newTestValidator(cfg).Validate(input)

	var stale []Issue
	for _, w := range res.Warnings {
		if w.Code == CodeStaleData {
			stale = append(stale, w)
		}
	}
	require.Len(t, stale, 1, "warning fires once at the threshold point")
	assert.True(t, stale[0].Date.Equal(day("2024-01-04")))
	assert.Equal(t, "AAA", stale[0].Symbol)
}

func TestValidate_PriceBounds(t *testing.T) {
	res := newTestValidator(StrictValidationConfig()).Validate([]Bar{
		mkBar("AAA", "2024-01-02", "200000", "200001", "199999", "200000", 100),
		mkBar("BBB", "2024-01-02", "0.001", "0.002", "0.0005", "0.001", 100),
	})

	require.Len(t, res.Rejected, 2)
	assert.Contains(t, issueCodes(res.Errors), CodePriceExceedsMax)
	assert.Contains(t, issueCodes(res.Errors), CodePriceBelowMin)
}

func issueCodes(issues []Issue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Code)
	}
	return out
}
