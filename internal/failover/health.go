// Package failover monitors streaming-provider health and swaps active
// primaries by rule when they degrade, transferring subscriptions to
// backups and back.
package failover

import (
	"sync"
	"time"

	"github.com/sawpanic/marketfeed/internal/provider"
)

// IssueType classifies one health issue.
type IssueType string

const (
	IssueDisconnected IssueType = "disconnected"
	IssueStaleData    IssueType = "stale_data"
	IssueHighLatency  IssueType = "high_latency"
	IssueDataQuality  IssueType = "data_quality"
	IssueWireError    IssueType = "wire_error"
)

// Issue is one recorded health event.
type Issue struct {
	Type    IssueType `json:"type"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// recentIssueCap bounds the per-provider issue ring.
const recentIssueCap = 20

// HealthState tracks one provider's health. Mutated only by the failover
// controller; snapshots are handed to readers.
type HealthState struct {
	mu sync.Mutex

	providerID           provider.ID
	consecutiveFailures  int
	consecutiveSuccesses int
	lastIssueTime        time.Time
	lastSuccessTime      time.Time

	dataQualityScore float64 // 0..100, 100 = pristine
	avgLatencyMs     float64

	// ring of the most recent issues, oldest first.
	recentIssues []Issue
}

func newHealthState(id provider.ID) *HealthState {
	return &HealthState{providerID: id, dataQualityScore: 100}
}

// recordIssue increments consecutive failures, resets successes and pushes
// into the bounded ring.
func (h *HealthState) recordIssue(kind IssueType, msg string, now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.consecutiveFailures++
	h.consecutiveSuccesses = 0
	h.lastIssueTime = now
	h.recentIssues = append(h.recentIssues, Issue{Type: kind, Message: msg, Time: now})
	if len(h.recentIssues) > recentIssueCap {
		h.recentIssues = h.recentIssues[len(h.recentIssues)-recentIssueCap:]
	}
	return h.consecutiveFailures
}

// recordSuccess increments consecutive successes and resets failures.
func (h *HealthState) recordSuccess(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.consecutiveSuccesses++
	h.consecutiveFailures = 0
	h.lastSuccessTime = now
	return h.consecutiveSuccesses
}

func (h *HealthState) setDataQuality(score float64) {
	h.mu.Lock()
	h.dataQualityScore = score
	h.mu.Unlock()
}

func (h *HealthState) setLatency(ms float64) {
	h.mu.Lock()
	h.avgLatencyMs = ms
	h.mu.Unlock()
}

// HealthSnapshot is the read-only view handed out of the controller.
type HealthSnapshot struct {
	ProviderID           provider.ID `json:"provider_id"`
	ConsecutiveFailures  int         `json:"consecutive_failures"`
	ConsecutiveSuccesses int         `json:"consecutive_successes"`
	LastIssueTime        time.Time   `json:"last_issue_time"`
	LastSuccessTime      time.Time   `json:"last_success_time"`
	DataQualityScore     float64     `json:"data_quality_score"`
	AvgLatencyMs         float64     `json:"avg_latency_ms"`
	RecentIssues         []Issue     `json:"recent_issues,omitempty"`
}

func (h *HealthState) snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	issues := make([]Issue, len(h.recentIssues))
	copy(issues, h.recentIssues)
	return HealthSnapshot{
		ProviderID:           h.providerID,
		ConsecutiveFailures:  h.consecutiveFailures,
		ConsecutiveSuccesses: h.consecutiveSuccesses,
		LastIssueTime:        h.lastIssueTime,
		LastSuccessTime:      h.lastSuccessTime,
		DataQualityScore:     h.dataQualityScore,
		AvgLatencyMs:         h.avgLatencyMs,
		RecentIssues:         issues,
	}
}
