package bars

import "github.com/shopspring/decimal"

// ValidationConfig bounds what the validator accepts. The three presets
// differ only in thresholds; the check set is fixed.
type ValidationConfig struct {
	MaxPrice              decimal.Decimal
	MinPrice              decimal.Decimal
	MaxVolume             int64
	MaxDailyChangePercent float64
	MaxGapPercent         float64
	AllowZeroVolume       bool
	AllowFutureDate       bool
	// StaleDataThreshold is the run length of identical-OHLC bars at which
	// the STALE_DATA warning fires. Zero disables the check.
	StaleDataThreshold int
}

// DefaultValidationConfig is the preset used when callers pass nothing.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxPrice:              decimal.NewFromInt(1_000_000),
		MinPrice:              decimal.RequireFromString("0.0001"),
		MaxVolume:             10_000_000_000,
		MaxDailyChangePercent: 50,
		MaxGapPercent:         100,
		AllowZeroVolume:       false,
		AllowFutureDate:       false,
		StaleDataThreshold:    5,
	}
}

// StrictValidationConfig tightens every threshold; meant for curated feeds.
func StrictValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxPrice:              decimal.NewFromInt(100_000),
		MinPrice:              decimal.RequireFromString("0.01"),
		MaxVolume:             1_000_000_000,
		MaxDailyChangePercent: 20,
		MaxGapPercent:         25,
		AllowZeroVolume:       false,
		AllowFutureDate:       false,
		StaleDataThreshold:    3,
	}
}

// LenientValidationConfig loosens thresholds for noisy or illiquid sources.
func LenientValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxPrice:              decimal.NewFromInt(10_000_000),
		MinPrice:              decimal.RequireFromString("0.000001"),
		MaxVolume:             100_000_000_000,
		MaxDailyChangePercent: 100,
		MaxGapPercent:         200,
		AllowZeroVolume:       true,
		AllowFutureDate:       true,
		StaleDataThreshold:    10,
	}
}
