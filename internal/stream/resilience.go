package stream

import (
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/marketfeed/internal/provider"
)

// ReconnectPolicy bounds the reconnect loop of a streaming client.
type ReconnectPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	// OnAttempt, when set, observes every reconnect attempt. It runs on
	// the reconnect goroutine and must not block.
	OnAttempt func(id provider.ID)
}

// NotifyAttempt reports one reconnect attempt to the observer, if any.
func (p ReconnectPolicy) NotifyAttempt(id provider.ID) {
	if p.OnAttempt != nil {
		p.OnAttempt(id)
	}
}

// DefaultReconnectPolicy matches the plane-wide resilience defaults:
// exponential backoff with jitter from 2s capped at 30s, five attempts.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
	}
}

// NewBackOff builds the jittered exponential schedule for one reconnect
// cycle.
func (p ReconnectPolicy) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	return b
}

// NewConnectBreaker builds the circuit breaker guarding a client's connect
// path: opens after five consecutive failures, recloses after 30s.
func NewConnectBreaker(id provider.ID) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(id) + "-connect",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Connect circuit state change")
		},
	})
}

// Gate is a single-permit latch serializing reconnect attempts: the loser
// of a concurrent TryAcquire returns immediately instead of stacking a
// second reconnect.
type Gate struct {
	permit chan struct{}
}

// NewGate returns a gate with its permit available.
func NewGate() *Gate {
	g := &Gate{permit: make(chan struct{}, 1)}
	g.permit <- struct{}{}
	return g
}

// TryAcquire takes the permit without blocking.
func (g *Gate) TryAcquire() bool {
	select {
	case <-g.permit:
		return true
	default:
		return false
	}
}

// Release returns the permit. Releasing an unheld gate is a no-op.
func (g *Gate) Release() {
	select {
	case g.permit <- struct{}{}:
	default:
	}
}
