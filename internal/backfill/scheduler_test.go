package backfill

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sawpanic/marketfeed/internal/provider"
	"github.com/sawpanic/marketfeed/internal/ratelimit"
)

const testVendor = provider.ID("vendor-a")

func newTestScheduler() *Scheduler {
	return NewScheduler(SchedulerConfig{}, ratelimit.NewGovernor())
}

func pendingRequest(priority int, vendors ...provider.ID) *Request {
	if len(vendors) == 0 {
		vendors = []provider.ID{testVendor}
	}
	return &Request{
		ID:                 uuid.New(),
		Symbol:             "AAPL",
		From:               time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		To:                 time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		Granularity:        GranularityDaily,
		PreferredProviders: vendors,
		Priority:           priority,
		MaxRetries:         3,
	}
}

func TestScheduler_LowerPriorityDequeuedFirst(t *testing.T) {
	s := newTestScheduler()
	low := pendingRequest(50)
	high := pendingRequest(5)
	s.Enqueue(low)
	s.Enqueue(high)

	got, ok := s.TryDequeueRunnable()
	if !ok {
		t.Fatal("expected a runnable request")
	}
	if got.ID != high.ID {
		t.Fatalf("priority 5 must run before priority 50, got priority %d", got.Priority)
	}
	if got.Status != StatusInProgress || got.AssignedProvider != testVendor {
		t.Errorf("dequeued request not started: %+v", got)
	}
}

func TestScheduler_EqualPriorityIsFIFO(t *testing.T) {
	s := newTestScheduler()
	first := pendingRequest(10)
	second := pendingRequest(10)
	s.Enqueue(first)
	s.Enqueue(second)

	got, _ := s.TryDequeueRunnable()
	if got.ID != first.ID {
		t.Error("equal priorities must dequeue in enqueue order")
	}
}

func TestScheduler_NonRetryableErrorFailsTerminally(t *testing.T) {
	s := newTestScheduler()
	req := pendingRequest(10)
	s.Enqueue(req)
	got, _ := s.TryDequeueRunnable()

	s.CompleteRequest(got, false, errors.New("symbol not found (404)"))

	if got.Status != StatusFailed {
		t.Fatalf("expected Failed, got %s", got.Status)
	}
	if got.RetryCount != 0 {
		t.Error("non-retryable failure must not consume retry budget")
	}
	if _, ok := s.TryDequeueRunnable(); ok {
		t.Fatal("non-retryable failure must not re-enqueue")
	}
	select {
	case done := <-s.Completions():
		if done.ID != got.ID {
			t.Errorf("wrong completion: %v", done.ID)
		}
	default:
		t.Error("terminal failure must reach the completion stream")
	}
}

func TestScheduler_RetryableErrorReenqueuesWithPenalty(t *testing.T) {
	s := newTestScheduler()
	req := pendingRequest(10)
	s.Enqueue(req)
	got, _ := s.TryDequeueRunnable()

	s.CompleteRequest(got, false, errors.New("connection reset by peer"))

	again, ok := s.TryDequeueRunnable()
	if !ok {
		t.Fatal("retryable failure must re-enqueue")
	}
	if again.ID != req.ID || again.RetryCount != 1 {
		t.Fatalf("expected the same request on retry 1, got %+v", again)
	}
	if again.Priority != 10+retryPriorityPenalty {
		t.Errorf("retry must add priority penalty, got %d", again.Priority)
	}
}

func TestScheduler_RetryBudgetExhaustionFails(t *testing.T) {
	s := newTestScheduler()
	req := pendingRequest(10)
	req.MaxRetries = 1
	s.Enqueue(req)

	for i := 0; i < 2; i++ {
		got, ok := s.TryDequeueRunnable()
		if !ok {
			t.Fatalf("attempt %d: nothing runnable", i)
		}
		s.CompleteRequest(got, false, errors.New("timeout"))
	}

	if req.Status != StatusFailed {
		t.Fatalf("expected Failed after budget exhaustion, got %s", req.Status)
	}
	if _, ok := s.TryDequeueRunnable(); ok {
		t.Error("exhausted request must not re-enqueue")
	}
}

func TestScheduler_PerProviderConcurrencyCap(t *testing.T) {
	s := NewScheduler(SchedulerConfig{MaxConcurrentPerProvider: 2}, ratelimit.NewGovernor())
	for i := 0; i < 3; i++ {
		s.Enqueue(pendingRequest(10))
	}

	first, _ := s.TryDequeueRunnable()
	second, _ := s.TryDequeueRunnable()
	if first == nil || second == nil {
		t.Fatal("two requests should start under the cap")
	}
	if _, ok := s.TryDequeueRunnable(); ok {
		t.Fatal("third request must wait for a vendor slot")
	}

	s.CompleteRequest(first, true, nil)
	<-s.Completions()
	if _, ok := s.TryDequeueRunnable(); !ok {
		t.Error("released slot must admit the queued request")
	}
}

func TestScheduler_CooldownSkipsVendorButKeepsRequestQueued(t *testing.T) {
	s := newTestScheduler()
	s.Enqueue(pendingRequest(10))

	s.RecordProviderRateLimitHit(testVendor, time.Hour)
	if _, ok := s.TryDequeueRunnable(); ok {
		t.Fatal("cooled-down vendor must not be assigned")
	}

	stats := s.GetStatistics()
	if stats.Pending != 1 {
		t.Errorf("skipped request must stay queued, pending=%d", stats.Pending)
	}
}

func TestScheduler_FallsBackToSecondPreferredProvider(t *testing.T) {
	s := newTestScheduler()
	backup := provider.ID("vendor-b")
	s.Enqueue(pendingRequest(10, testVendor, backup))

	s.RecordProviderRateLimitHit(testVendor, time.Hour)
	got, ok := s.TryDequeueRunnable()
	if !ok {
		t.Fatal("backup vendor should admit the request")
	}
	if got.AssignedProvider != backup {
		t.Errorf("expected assignment to %s, got %s", backup, got.AssignedProvider)
	}
}

func TestScheduler_EnqueueJobConsolidatesGaps(t *testing.T) {
	s := newTestScheduler()
	job := NewJob([]string{"AAPL"}, time.Time{}, time.Time{}, []provider.ID{testVendor})
	job.Options.BatchSizeDays = 5

	// Two clusters of missing weekdays separated by a two-week hole.
	gaps := GapAnalysis{"AAPL": {
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 22, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 23, 0, 0, 0, 0, time.UTC),
	}}

	if queued := s.EnqueueJob(job, gaps); queued != 2 {
		t.Fatalf("expected 2 consolidated requests, got %d", queued)
	}
	progress, ok := s.JobProgress(job.ID)
	if !ok || progress["AAPL"].TotalRequests != 2 {
		t.Errorf("progress not tracked: %+v", progress)
	}
}

func TestScheduler_CancelJobDropsPendingOnly(t *testing.T) {
	s := newTestScheduler()
	job := NewJob([]string{"AAPL", "MSFT"}, time.Time{}, time.Time{}, []provider.ID{testVendor})
	gaps := GapAnalysis{
		"AAPL": {time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
		"MSFT": {time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
	}
	s.EnqueueJob(job, gaps)

	inFlight, _ := s.TryDequeueRunnable()
	dropped := s.CancelJob(job.ID)
	if dropped != 1 {
		t.Fatalf("expected 1 pending request dropped, got %d", dropped)
	}

	// The in-flight request still completes and records itself.
	s.CompleteRequest(inFlight, true, nil)
	<-s.Completions()
	stats := s.GetStatistics()
	if stats.Completed != 1 || stats.Cancelled != 1 || stats.Pending != 0 {
		t.Errorf("unexpected stats after cancel: %+v", stats)
	}
}

func TestMissingSessionDates_SkipsWeekendsAndArchivedDays(t *testing.T) {
	from := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)  // Friday
	to := time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC)    // Tuesday
	archived := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)

	missing := MissingSessionDates(from, to, func(d time.Time) bool {
		return d.Equal(archived)
	})
	if len(missing) != 2 {
		t.Fatalf("expected Friday and Tuesday only, got %v", missing)
	}
	if missing[0].Day() != 5 || missing[1].Day() != 9 {
		t.Errorf("wrong dates: %v", missing)
	}
}

func TestConsolidateRanges_BridgesWeekendsAndHonorsBatchSize(t *testing.T) {
	dates := []time.Time{
		time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), // Friday
		time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC), // Monday
		time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC),
	}
	ranges := consolidateRanges(dates, 30)
	if len(ranges) != 1 {
		t.Fatalf("weekend must not split a range, got %d ranges", len(ranges))
	}
	if !ranges[0].From.Equal(dates[0]) || !ranges[0].To.Equal(dates[2]) {
		t.Errorf("wrong bounds: %+v", ranges[0])
	}

	narrow := consolidateRanges(dates, 3)
	if len(narrow) != 2 {
		t.Errorf("batch size 3 days must split Friday from Monday-Tuesday, got %d", len(narrow))
	}
}

func TestScheduler_CompletionAggregatesBarsRetrieved(t *testing.T) {
	s := newTestScheduler()
	job := NewJob([]string{"AAPL"}, time.Time{}, time.Time{}, []provider.ID{testVendor})
	gaps := GapAnalysis{"AAPL": {
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 22, 0, 0, 0, 0, time.UTC),
	}}
	job.Options.BatchSizeDays = 5
	if queued := s.EnqueueJob(job, gaps); queued != 2 {
		t.Fatalf("expected 2 requests, got %d", queued)
	}

	for _, want := range []int{250, 3} {
		req, ok := s.TryDequeueRunnable()
		if !ok {
			t.Fatal("expected runnable request")
		}
		req.BarsRetrieved = want
		s.CompleteRequest(req, true, nil)
		done := <-s.Completions()
		if done.BarsRetrieved != want {
			t.Errorf("completion lost bar count: got %d want %d", done.BarsRetrieved, want)
		}
	}

	progress, ok := s.JobProgress(job.ID)
	if !ok || progress["AAPL"].BarsRetrieved != 253 {
		t.Errorf("job progress should sum retrieved bars: %+v", progress["AAPL"])
	}
}
