package backfill

import (
	"container/heap"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketfeed/internal/provider"
	"github.com/sawpanic/marketfeed/internal/ratelimit"
)

const (
	// DefaultMaxConcurrentRequests caps in-flight requests plane-wide.
	DefaultMaxConcurrentRequests = 10

	// DefaultMaxConcurrentPerProvider caps in-flight requests per vendor.
	DefaultMaxConcurrentPerProvider = 3

	// approachingLimitFraction keeps the scheduler from assigning work to a
	// vendor whose admission window is nearly full.
	approachingLimitFraction = 0.95

	// completionCapacity bounds the completion stream; publishers wait when
	// consumers fall behind rather than dropping completions.
	completionCapacity = 500

	// retryPriorityPenalty is added on every re-enqueue so flapping requests
	// drift behind fresh work.
	retryPriorityPenalty = 10

	// recencyBonusCap bounds the age contribution to priority.
	recencyBonusCap = 50
)

// nonRetryableFragments terminally fail a request when its error contains
// any of them, regardless of remaining retry budget.
var nonRetryableFragments = []string{
	"not found",
	"404",
	"invalid symbol",
	"authentication failed",
	"403",
	"unauthorized",
	"401",
}

func isNonRetryable(errMsg string) bool {
	lower := strings.ToLower(errMsg)
	for _, frag := range nonRetryableFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

type jobState struct {
	job       Job
	cancelled bool
	progress  map[string]*SymbolProgress
}

// SchedulerConfig tunes admission caps.
type SchedulerConfig struct {
	MaxConcurrentRequests    int `yaml:"max_concurrent_requests" json:"max_concurrent_requests"`
	MaxConcurrentPerProvider int `yaml:"max_concurrent_per_provider" json:"max_concurrent_per_provider"`
}

// Scheduler is the passive backfill queue: callers enqueue jobs, pump
// TryDequeueRunnable, execute the request against its assigned provider and
// report back through CompleteRequest. Completions additionally flow through
// a bounded stream for consumers.
type Scheduler struct {
	mu sync.Mutex

	cfg  SchedulerConfig
	gov  *ratelimit.Governor
	heap requestHeap

	inflight      map[uuid.UUID]*Request
	jobs          map[uuid.UUID]*jobState
	activeByV     map[provider.ID]int
	cooldownUntil map[provider.ID]time.Time

	completed int
	failed    int
	cancelled int
	seq       int64

	completions chan *Request
	now         func() time.Time
}

// NewScheduler creates a scheduler sharing the plane's governor.
func NewScheduler(cfg SchedulerConfig, gov *ratelimit.Governor) *Scheduler {
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = DefaultMaxConcurrentRequests
	}
	if cfg.MaxConcurrentPerProvider <= 0 {
		cfg.MaxConcurrentPerProvider = DefaultMaxConcurrentPerProvider
	}
	if gov == nil {
		gov = ratelimit.NewGovernor()
	}
	return &Scheduler{
		cfg:           cfg,
		gov:           gov,
		inflight:      make(map[uuid.UUID]*Request),
		jobs:          make(map[uuid.UUID]*jobState),
		activeByV:     make(map[provider.ID]int),
		cooldownUntil: make(map[provider.ID]time.Time),
		completions:   make(chan *Request, completionCapacity),
		now:           time.Now,
	}
}

// Completions is the stream of terminally completed or failed requests.
func (s *Scheduler) Completions() <-chan *Request { return s.completions }

// requestPriority implements the queue key: base priority plus an age bonus
// capped at recencyBonusCap plus a failure penalty. Lower runs sooner, so
// recent ranges run before old ones.
func (s *Scheduler) requestPriority(base int, rangeEnd time.Time, failures int) int {
	daysAgo := int(s.now().Sub(rangeEnd).Hours() / 24)
	if daysAgo < 0 {
		daysAgo = 0
	}
	bonus := daysAgo / 30
	if bonus > recencyBonusCap {
		bonus = recencyBonusCap
	}
	return base + bonus + 5*failures
}

// EnqueueJob splits the job's gap analysis into contiguous per-symbol ranges
// and queues one request per range.
func (s *Scheduler) EnqueueJob(job Job, gaps GapAnalysis) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := &jobState{job: job, progress: make(map[string]*SymbolProgress)}
	s.jobs[job.ID] = state

	queued := 0
	for _, symbol := range job.Symbols {
		dates := gaps[symbol]
		ranges := consolidateRanges(dates, job.Options.BatchSizeDays)
		state.progress[symbol] = &SymbolProgress{
			TotalRequests: len(ranges),
			DatesToFill:   dates,
		}
		for _, r := range ranges {
			req := &Request{
				ID:                 uuid.New(),
				JobID:              job.ID,
				Symbol:             symbol,
				From:               r.From,
				To:                 r.To,
				Granularity:        job.Granularity,
				PreferredProviders: job.PreferredProviders,
				Priority:           s.requestPriority(job.Options.Priority, r.To, 0),
				MaxRetries:         job.Options.MaxRetries,
				Status:             StatusPending,
				CreatedAt:          s.now(),
				seq:                s.seq,
			}
			s.seq++
			heap.Push(&s.heap, req)
			queued++
		}
	}

	log.Info().
		Str("job_id", job.ID.String()).
		Int("symbols", len(job.Symbols)).
		Int("requests", queued).
		Msg("Backfill job enqueued")
	return queued
}

// Enqueue queues a single pre-built request, for callers that do their own
// range splitting.
func (s *Scheduler) Enqueue(req *Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueLocked(req)
}

func (s *Scheduler) enqueueLocked(req *Request) {
	req.Status = StatusPending
	if req.CreatedAt.IsZero() {
		req.CreatedAt = s.now()
	}
	req.seq = s.seq
	s.seq++
	heap.Push(&s.heap, req)
}

// providerAdmissible applies the three per-vendor gates: concurrency cap,
// scheduler cooldown, governor headroom.
func (s *Scheduler) providerAdmissible(p provider.ID) bool {
	if s.activeByV[p] >= s.cfg.MaxConcurrentPerProvider {
		return false
	}
	if until, ok := s.cooldownUntil[p]; ok && s.now().Before(until) {
		return false
	}
	if s.gov.IsRateLimited(p) || s.gov.IsApproachingLimit(p, approachingLimitFraction) {
		return false
	}
	return true
}

// TryDequeueRunnable pops the highest-priority request that has an
// admissible preferred provider, assigns the provider and moves the request
// to InProgress. Requests whose vendors are all saturated are skipped and
// remain queued.
func (s *Scheduler) TryDequeueRunnable() (*Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.inflight) >= s.cfg.MaxConcurrentRequests {
		return nil, false
	}

	var skipped []*Request
	defer func() {
		for _, req := range skipped {
			heap.Push(&s.heap, req)
		}
	}()

	for s.heap.Len() > 0 {
		req := heap.Pop(&s.heap).(*Request)

		assigned := provider.ID("")
		for _, p := range req.PreferredProviders {
			if s.providerAdmissible(p) {
				assigned = p
				break
			}
		}
		if assigned == "" {
			skipped = append(skipped, req)
			continue
		}

		req.AssignedProvider = assigned
		req.Status = StatusInProgress
		started := s.now()
		req.StartedAt = &started
		s.inflight[req.ID] = req
		s.activeByV[assigned]++
		return req, true
	}
	return nil, false
}

// CompleteRequest records the outcome of an in-flight request. Failures with
// retry budget and a retryable error re-enqueue at a worse priority; the
// rest terminate. The per-provider slot is released either way.
func (s *Scheduler) CompleteRequest(req *Request, success bool, reqErr error) {
	s.mu.Lock()

	if _, ok := s.inflight[req.ID]; !ok {
		s.mu.Unlock()
		log.Warn().Str("request_id", req.ID.String()).Msg("Completion for unknown request ignored")
		return
	}
	delete(s.inflight, req.ID)
	if req.AssignedProvider != "" && s.activeByV[req.AssignedProvider] > 0 {
		s.activeByV[req.AssignedProvider]--
	}

	state := s.jobs[req.JobID]
	now := s.now()

	var terminal bool
	switch {
	case success:
		req.Status = StatusCompleted
		req.CompletedAt = &now
		s.completed++
		terminal = true
		if state != nil {
			if prog := state.progress[req.Symbol]; prog != nil {
				prog.Completed++
				prog.BarsRetrieved += req.BarsRetrieved
			}
		}
	case reqErr != nil && isNonRetryable(reqErr.Error()):
		req.Status = StatusFailed
		req.CompletedAt = &now
		req.Error = reqErr.Error()
		s.failed++
		terminal = true
		log.Warn().
			Str("request_id", req.ID.String()).
			Str("symbol", req.Symbol).
			Err(reqErr).
			Msg("Backfill request failed terminally")
	case req.RetryCount < req.MaxRetries:
		req.RetryCount++
		req.Priority += retryPriorityPenalty
		req.AssignedProvider = ""
		req.StartedAt = nil
		if reqErr != nil {
			req.Error = reqErr.Error()
		}
		s.enqueueLocked(req)
		log.Debug().
			Str("request_id", req.ID.String()).
			Int("retry", req.RetryCount).
			Int("priority", req.Priority).
			Msg("Backfill request re-enqueued")
	default:
		req.Status = StatusFailed
		req.CompletedAt = &now
		if reqErr != nil {
			req.Error = reqErr.Error()
		}
		s.failed++
		terminal = true
	}

	if terminal && !success && state != nil {
		if prog := state.progress[req.Symbol]; prog != nil {
			prog.Failed++
		}
	}
	s.mu.Unlock()

	if terminal {
		s.completions <- req
	}
}

// RecordProviderRateLimitHit installs a scheduler-side cooldown and mirrors
// the event into the governor. A zero cooldown applies the governor default.
func (s *Scheduler) RecordProviderRateLimitHit(p provider.ID, cooldown time.Duration) {
	if cooldown <= 0 {
		cooldown = ratelimit.DefaultCooldown
	}
	s.mu.Lock()
	until := s.now().Add(cooldown)
	if cur, ok := s.cooldownUntil[p]; !ok || until.After(cur) {
		s.cooldownUntil[p] = until
	}
	s.mu.Unlock()

	s.gov.RecordRateLimitHit(p, cooldown)
}

// CancelJob drops the job's pending requests and marks the job cancelled.
// In-flight requests finish and record their completions normally.
func (s *Scheduler) CancelJob(jobID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.jobs[jobID]
	if state == nil {
		return 0
	}
	state.cancelled = true

	dropped := s.heap.rebuildWithout(func(req *Request) bool {
		return req.JobID == jobID
	})
	now := s.now()
	for _, req := range dropped {
		req.Status = StatusCancelled
		req.CompletedAt = &now
		s.cancelled++
	}
	log.Info().
		Str("job_id", jobID.String()).
		Int("dropped", len(dropped)).
		Msg("Backfill job cancelled")
	return len(dropped)
}

// JobProgress returns the per-symbol progress view of a job.
func (s *Scheduler) JobProgress(jobID uuid.UUID) (map[string]SymbolProgress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.jobs[jobID]
	if state == nil {
		return nil, false
	}
	out := make(map[string]SymbolProgress, len(state.progress))
	for sym, prog := range state.progress {
		out[sym] = *prog
	}
	return out, true
}

// GetStatistics snapshots queue and in-flight counts.
func (s *Scheduler) GetStatistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := make(map[provider.ID]int, len(s.activeByV))
	for p, n := range s.activeByV {
		if n > 0 {
			active[p] = n
		}
	}
	return Statistics{
		Pending:        s.heap.Len(),
		InFlight:       len(s.inflight),
		Completed:      s.completed,
		Failed:         s.failed,
		Cancelled:      s.cancelled,
		ActiveByVendor: active,
		Jobs:           len(s.jobs),
	}
}
