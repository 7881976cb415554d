package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/sawpanic/marketfeed/internal/provider"
)

// DefaultCooldown is applied when a 429 is recorded without an explicit
// vendor-supplied cooldown.
const DefaultCooldown = 60 * time.Second

// defaultProfile admits unconfigured vendors generously so a missing config
// entry degrades to "barely limited" rather than "blocked".
var defaultProfile = provider.RateLimitProfile{
	MaxRequests: 600,
	Window:      time.Minute,
	MinDelay:    0,
}

// Governor tracks one sliding admission window per vendor, enforces the
// vendor's minimum inter-request delay, and honors cooldowns installed after
// 429 responses. Locking is per-vendor only.
type Governor struct {
	mu      sync.RWMutex
	vendors map[provider.ID]*vendorState

	// blockOnCooldown makes WaitForSlot sleep through cooldowns instead of
	// returning a Capacity error.
	blockOnCooldown bool

	now func() time.Time
}

type vendorState struct {
	mu      sync.Mutex
	profile provider.RateLimitProfile
	// admissions holds the timestamps of the most recent admissions, oldest
	// first, bounded by MaxRequests+1.
	admissions   []time.Time
	minDelay     *rate.Limiter
	cooldownTill time.Time

	hits int64 // 429s recorded
}

// Option configures a Governor.
type Option func(*Governor)

// WithCooldownBlocking makes waits sleep through cooldowns.
func WithCooldownBlocking() Option {
	return func(g *Governor) { g.blockOnCooldown = true }
}

// WithClock overrides the monotonic clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// NewGovernor creates a governor with no vendors configured.
func NewGovernor(opts ...Option) *Governor {
	g := &Governor{
		vendors: make(map[provider.ID]*vendorState),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Configure installs or replaces a vendor's rate-limit profile.
func (g *Governor) Configure(vendor provider.ID, profile provider.RateLimitProfile) {
	if profile.MaxRequests <= 0 {
		profile.MaxRequests = defaultProfile.MaxRequests
	}
	if profile.Window <= 0 {
		profile.Window = defaultProfile.Window
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.vendors[vendor]
	if st == nil {
		st = &vendorState{}
		g.vendors[vendor] = st
	}
	st.mu.Lock()
	st.profile = profile
	st.minDelay = minDelayLimiter(profile.MinDelay)
	st.mu.Unlock()
}

func minDelayLimiter(d time.Duration) *rate.Limiter {
	if d <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(d), 1)
}

func (g *Governor) state(vendor provider.ID) *vendorState {
	g.mu.RLock()
	st := g.vendors[vendor]
	g.mu.RUnlock()
	if st != nil {
		return st
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if st = g.vendors[vendor]; st == nil {
		st = &vendorState{profile: defaultProfile}
		g.vendors[vendor] = st
	}
	return st
}

// WaitForSlot suspends the caller until the vendor admits one request.
// A cancelled wait returns the context error without consuming a slot.
func (g *Governor) WaitForSlot(ctx context.Context, vendor provider.ID) error {
	st := g.state(vendor)

	for {
		st.mu.Lock()
		now := g.now()

		if remaining := st.cooldownTill.Sub(now); remaining > 0 {
			st.mu.Unlock()
			if !g.blockOnCooldown {
				return provider.NewError(vendor, provider.CodeCapacity, "vendor in rate-limit cooldown")
			}
			if err := sleepCtx(ctx, remaining); err != nil {
				return err
			}
			continue
		}

		st.pruneLocked(now)

		if len(st.admissions) < st.profile.MaxRequests {
			limiter := st.minDelay
			if limiter == nil {
				st.admitLocked(now)
				st.mu.Unlock()
				return nil
			}
			if limiter.AllowN(now, 1) {
				st.admitLocked(now)
				st.mu.Unlock()
				return nil
			}
			// Min-delay not yet elapsed; wait outside the lock and re-check.
			delay := st.profile.MinDelay
			st.mu.Unlock()
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
			continue
		}

		// Window full: wait for the oldest admission to slide out.
		wait := st.admissions[0].Add(st.profile.Window).Sub(now)
		st.mu.Unlock()
		if wait <= 0 {
			continue
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

func (st *vendorState) pruneLocked(now time.Time) {
	cutoff := now.Add(-st.profile.Window)
	i := 0
	for i < len(st.admissions) && !st.admissions[i].After(cutoff) {
		i++
	}
	if i > 0 {
		st.admissions = append(st.admissions[:0], st.admissions[i:]...)
	}
}

func (st *vendorState) admitLocked(now time.Time) {
	st.admissions = append(st.admissions, now)
	if cap := st.profile.MaxRequests + 1; len(st.admissions) > cap {
		st.admissions = st.admissions[len(st.admissions)-cap:]
	}
}

// IsRateLimited reports whether the vendor's window is currently full or a
// cooldown is active. Non-blocking.
func (g *Governor) IsRateLimited(vendor provider.ID) bool {
	st := g.state(vendor)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := g.now()
	if now.Before(st.cooldownTill) {
		return true
	}
	st.pruneLocked(now)
	return len(st.admissions) >= st.profile.MaxRequests
}

// IsApproachingLimit reports whether the window occupancy is at or above the
// given fraction of the vendor's cap. Non-blocking.
func (g *Governor) IsApproachingLimit(vendor provider.ID, fraction float64) bool {
	st := g.state(vendor)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := g.now()
	if now.Before(st.cooldownTill) {
		return true
	}
	st.pruneLocked(now)
	return float64(len(st.admissions)) >= fraction*float64(st.profile.MaxRequests)
}

// RecordRateLimitHit installs a cooldown after a vendor 429. A zero cooldown
// applies DefaultCooldown.
func (g *Governor) RecordRateLimitHit(vendor provider.ID, cooldown time.Duration) {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	st := g.state(vendor)
	st.mu.Lock()
	until := g.now().Add(cooldown)
	if until.After(st.cooldownTill) {
		st.cooldownTill = until
	}
	st.hits++
	st.mu.Unlock()

	log.Warn().
		Str("vendor", string(vendor)).
		Dur("cooldown", cooldown).
		Msg("Rate limit hit recorded")
}

// CooldownRemaining returns how long the vendor stays in cooldown, zero when
// it is admitting.
func (g *Governor) CooldownRemaining(vendor provider.ID) time.Duration {
	st := g.state(vendor)
	st.mu.Lock()
	defer st.mu.Unlock()

	if remaining := st.cooldownTill.Sub(g.now()); remaining > 0 {
		return remaining
	}
	return 0
}

// Stats is the monitoring view of one vendor's governor state.
type Stats struct {
	Vendor        provider.ID   `json:"vendor"`
	WindowCount   int           `json:"window_count"`
	MaxRequests   int           `json:"max_requests"`
	Window        time.Duration `json:"window"`
	RateLimitHits int64         `json:"rate_limit_hits"`
	InCooldown    bool          `json:"in_cooldown"`
}

// VendorStats returns the current window occupancy for a vendor.
func (g *Governor) VendorStats(vendor provider.ID) Stats {
	st := g.state(vendor)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := g.now()
	st.pruneLocked(now)
	return Stats{
		Vendor:        vendor,
		WindowCount:   len(st.admissions),
		MaxRequests:   st.profile.MaxRequests,
		Window:        st.profile.Window,
		RateLimitHits: st.hits,
		InCooldown:    now.Before(st.cooldownTill),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
