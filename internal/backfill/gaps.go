package backfill

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DateStore answers which session dates a symbol already has archived.
type DateStore interface {
	ExistingDates(ctx context.Context, symbol string, from, to time.Time) (map[time.Time]struct{}, error)
}

// GapAnalysis maps each symbol to the session dates still missing from the
// local archive.
type GapAnalysis map[string][]time.Time

// day truncates to a UTC session date.
func day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MissingSessionDates returns the weekday session dates in [from, to] for
// which the has predicate reports no archived bar. Holidays are not modeled;
// a backfill request covering a holiday simply retrieves nothing.
func MissingSessionDates(from, to time.Time, has func(date time.Time) bool) []time.Time {
	var missing []time.Time
	for d := day(from); !d.After(day(to)); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		if has != nil && has(d) {
			continue
		}
		missing = append(missing, d)
	}
	return missing
}

// AnalyzeGaps compares each symbol's archived session dates against the
// trading calendar for [from, to] and reports the dates still missing.
// Symbols with no gaps are omitted.
func AnalyzeGaps(ctx context.Context, store DateStore, symbols []string, from, to time.Time) (GapAnalysis, error) {
	gaps := make(GapAnalysis)
	for _, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		existing, err := store.ExistingDates(ctx, sym, from, to)
		if err != nil {
			return nil, fmt.Errorf("gap analysis for %s: %w", sym, err)
		}
		missing := MissingSessionDates(from, to, func(d time.Time) bool {
			_, ok := existing[d]
			return ok
		})
		if len(missing) > 0 {
			gaps[sym] = missing
		}
	}
	return gaps, nil
}

// weekendBridge is the largest day step still considered contiguous, so a
// Friday→Monday gap does not split a range.
const weekendBridge = 3

// consolidateRanges folds a symbol's missing dates into contiguous ranges of
// at most batchSizeDays each.
func consolidateRanges(dates []time.Time, batchSizeDays int) []DateRange {
	if len(dates) == 0 {
		return nil
	}
	if batchSizeDays <= 0 {
		batchSizeDays = DefaultJobOptions().BatchSizeDays
	}
	sorted := make([]time.Time, len(dates))
	for i, d := range dates {
		sorted[i] = day(d)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	var ranges []DateRange
	cur := DateRange{From: sorted[0], To: sorted[0]}
	for _, d := range sorted[1:] {
		daysFromPrev := int(d.Sub(cur.To).Hours() / 24)
		width := int(d.Sub(cur.From).Hours()/24) + 1
		if daysFromPrev <= weekendBridge && width <= batchSizeDays {
			cur.To = d
			continue
		}
		ranges = append(ranges, cur)
		cur = DateRange{From: d, To: d}
	}
	ranges = append(ranges, cur)
	return ranges
}
