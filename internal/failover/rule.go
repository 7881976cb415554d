package failover

import "github.com/sawpanic/marketfeed/internal/provider"

const (
	// DefaultFailoverThreshold is the consecutive-failure count that trips a
	// rule.
	DefaultFailoverThreshold = 3

	// DefaultRecoveryThreshold is the consecutive-success count that recovers
	// a tripped rule when AutoRecover is set.
	DefaultRecoveryThreshold = 5
)

// Rule binds one primary provider to an ordered backup list with trip and
// recovery thresholds. Zero-valued DataQualityThreshold and MaxLatencyMs
// disable their conditions.
type Rule struct {
	ID                   string        `yaml:"id" json:"id"`
	Primary              provider.ID   `yaml:"primary" json:"primary"`
	Backups              []provider.ID `yaml:"backups" json:"backups"`
	FailoverThreshold    int           `yaml:"failover_threshold" json:"failover_threshold"`
	RecoveryThreshold    int           `yaml:"recovery_threshold" json:"recovery_threshold"`
	DataQualityThreshold float64       `yaml:"data_quality_threshold" json:"data_quality_threshold"`
	MaxLatencyMs         float64       `yaml:"max_latency_ms" json:"max_latency_ms"`
	AutoRecover          bool          `yaml:"auto_recover" json:"auto_recover"`

	// Mutated only under the controller mutex.
	InFailover    bool        `yaml:"-" json:"in_failover"`
	CurrentActive provider.ID `yaml:"-" json:"current_active"`
}

// NewRule creates a rule with defaulted thresholds and auto-recovery on.
func NewRule(id string, primary provider.ID, backups ...provider.ID) *Rule {
	return &Rule{
		ID:                id,
		Primary:           primary,
		Backups:           backups,
		FailoverThreshold: DefaultFailoverThreshold,
		RecoveryThreshold: DefaultRecoveryThreshold,
		AutoRecover:       true,
		CurrentActive:     primary,
	}
}

func (r *Rule) normalize() {
	if r.FailoverThreshold <= 0 {
		r.FailoverThreshold = DefaultFailoverThreshold
	}
	if r.RecoveryThreshold <= 0 {
		r.RecoveryThreshold = DefaultRecoveryThreshold
	}
	if r.CurrentActive == "" {
		r.CurrentActive = r.Primary
	}
}
