// Package backfill schedules rate-limited historical-bar retrieval: gap
// analysis feeds a prioritized request queue which callers pump against the
// best available backfill provider.
package backfill

import (
	"time"

	"github.com/google/uuid"

	"github.com/sawpanic/marketfeed/internal/provider"
)

// Granularity of requested bars.
type Granularity string

const (
	GranularityDaily  Granularity = "daily"
	GranularityHourly Granularity = "hourly"
	GranularityMinute Granularity = "minute"
)

// Status of one backfill request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// JobOptions tune how a job is split and retried.
type JobOptions struct {
	BatchSizeDays int `yaml:"batch_size_days" json:"batch_size_days"`
	MaxRetries    int `yaml:"max_retries" json:"max_retries"`
	Priority      int `yaml:"priority" json:"priority"`
}

// DefaultJobOptions covers the common daily-bars case.
func DefaultJobOptions() JobOptions {
	return JobOptions{BatchSizeDays: 30, MaxRetries: 3, Priority: 10}
}

// DateRange is a closed day range.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Job is a caller-level backfill order spanning symbols and a date range.
// The scheduler splits it into per-range Requests via gap analysis.
type Job struct {
	ID                 uuid.UUID     `json:"id"`
	Granularity        Granularity   `json:"granularity"`
	Symbols            []string      `json:"symbols"`
	Range              DateRange     `json:"range"`
	PreferredProviders []provider.ID `json:"preferred_providers"`
	Options            JobOptions    `json:"options"`
}

// NewJob creates a daily-granularity job with defaulted options.
func NewJob(symbols []string, from, to time.Time, preferred []provider.ID) Job {
	return Job{
		ID:                 uuid.New(),
		Granularity:        GranularityDaily,
		Symbols:            symbols,
		Range:              DateRange{From: from, To: to},
		PreferredProviders: preferred,
		Options:            DefaultJobOptions(),
	}
}

// SymbolProgress tracks one symbol's requests within a job.
type SymbolProgress struct {
	TotalRequests int         `json:"total_requests"`
	Completed     int         `json:"completed"`
	Failed        int         `json:"failed"`
	BarsRetrieved int         `json:"bars_retrieved"`
	DatesToFill   []time.Time `json:"dates_to_fill,omitempty"`
}

// Request is one dispatchable unit of backfill work: a single symbol over a
// single contiguous date range.
type Request struct {
	ID                 uuid.UUID     `json:"id"`
	JobID              uuid.UUID     `json:"job_id"`
	Symbol             string        `json:"symbol"`
	From               time.Time     `json:"from"`
	To                 time.Time     `json:"to"`
	Granularity        Granularity   `json:"granularity"`
	PreferredProviders []provider.ID `json:"preferred_providers"`
	AssignedProvider   provider.ID   `json:"assigned_provider,omitempty"`
	Priority           int           `json:"priority"`
	MaxRetries         int           `json:"max_retries"`
	RetryCount         int           `json:"retry_count"`
	Status             Status        `json:"status"`
	CreatedAt          time.Time     `json:"created_at"`
	StartedAt          *time.Time    `json:"started_at,omitempty"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	Error              string        `json:"error,omitempty"`
	BarsRetrieved      int           `json:"bars_retrieved"`

	// seq breaks priority ties FIFO.
	seq int64
}

// Statistics is a point-in-time scheduler summary.
type Statistics struct {
	Pending        int                 `json:"pending"`
	InFlight       int                 `json:"in_flight"`
	Completed      int                 `json:"completed"`
	Failed         int                 `json:"failed"`
	Cancelled      int                 `json:"cancelled"`
	ActiveByVendor map[provider.ID]int `json:"active_by_vendor"`
	Jobs           int                 `json:"jobs"`
}
