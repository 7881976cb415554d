package failover

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketfeed/internal/provider"
	"github.com/sawpanic/marketfeed/internal/stream"
)

// DefaultHealthCheckInterval is the controller's tick period.
const DefaultHealthCheckInterval = 10 * time.Second

// EventType tags controller events.
type EventType string

const (
	FailoverOccurred  EventType = "failover_occurred"
	ProviderRecovered EventType = "provider_recovered"
)

// Event is fired on every failover and recovery.
type Event struct {
	Type           EventType   `json:"type"`
	RuleID         string      `json:"rule_id"`
	FromProviderID provider.ID `json:"from_provider_id"`
	ToProviderID   provider.ID `json:"to_provider_id"`
	Transferred    int         `json:"transferred"`
	TransferErrors []string    `json:"transfer_errors,omitempty"`
	Time           time.Time   `json:"time"`
}

const eventCapacity = 64

// Controller runs the health-check loop and executes rule-driven failovers.
// Failover execution is serialized by a single mutex; health updates are
// per-provider locked and may arrive from any goroutine.
type Controller struct {
	mu sync.Mutex

	interval time.Duration
	rules    map[string]*Rule
	clients  map[provider.ID]stream.Client
	health   map[provider.ID]*HealthState

	events chan Event

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool

	now func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithInterval overrides the tick period.
func WithInterval(d time.Duration) Option {
	return func(c *Controller) { c.interval = d }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController creates a stopped controller.
func NewController(opts ...Option) *Controller {
	c := &Controller{
		interval: DefaultHealthCheckInterval,
		rules:    make(map[string]*Rule),
		clients:  make(map[provider.ID]stream.Client),
		health:   make(map[provider.ID]*HealthState),
		events:   make(chan Event, eventCapacity),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Events is the stream of failover and recovery events.
func (c *Controller) Events() <-chan Event { return c.events }

// Watch places a streaming client under health monitoring.
func (c *Controller) Watch(client stream.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := client.ProviderID()
	c.clients[id] = client
	if c.health[id] == nil {
		c.health[id] = newHealthState(id)
	}
}

// AddRule installs a failover rule. Thresholds default when unset.
func (c *Controller) AddRule(rule *Rule) {
	rule.normalize()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules[rule.ID] = rule
	for _, id := range append([]provider.ID{rule.Primary}, rule.Backups...) {
		if c.health[id] == nil {
			c.health[id] = newHealthState(id)
		}
	}
}

// RemoveRule deletes a rule; an in-failover rule keeps its transferred
// subscriptions where they are.
func (c *Controller) RemoveRule(ruleID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rules, ruleID)
}

// Rules snapshots the installed rules.
func (c *Controller) Rules() []Rule {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Rule, 0, len(c.rules))
	for _, r := range c.rules {
		out = append(out, *r)
	}
	return out
}

// Health returns the current health snapshot for a provider.
func (c *Controller) Health(id provider.ID) (HealthSnapshot, bool) {
	c.mu.Lock()
	h := c.health[id]
	c.mu.Unlock()
	if h == nil {
		return HealthSnapshot{}, false
	}
	return h.snapshot(), true
}

func (c *Controller) healthFor(id provider.ID) *HealthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.health[id]
	if h == nil {
		h = newHealthState(id)
		c.health[id] = h
	}
	return h
}

// ReportIssue records one health issue for a provider.
func (c *Controller) ReportIssue(id provider.ID, kind IssueType, msg string) {
	failures := c.healthFor(id).recordIssue(kind, msg, c.now())
	log.Debug().
		Str("provider", string(id)).
		Str("issue", string(kind)).
		Int("consecutive_failures", failures).
		Msg("Provider issue reported")
}

// ReportSuccess records one healthy observation for a provider.
func (c *Controller) ReportSuccess(id provider.ID) {
	c.healthFor(id).recordSuccess(c.now())
}

// ReportDataQuality updates a provider's data-quality score (0..100).
func (c *Controller) ReportDataQuality(id provider.ID, score float64) {
	c.healthFor(id).setDataQuality(score)
}

// ReportLatency updates a provider's average latency estimate.
func (c *Controller) ReportLatency(id provider.ID, ms float64) {
	c.healthFor(id).setLatency(ms)
}

// Start launches the periodic health-check task. Idempotent while running.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	go func() {
		defer close(c.doneCh)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.tick()
			}
		}
	}()
	log.Info().Dur("interval", c.interval).Msg("Failover controller started")
}

// Stop halts the health-check task and waits for it to exit.
func (c *Controller) Stop() {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if !running {
		return
	}
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

// tick pulls connection status for every watched client, then evaluates each
// rule in turn.
func (c *Controller) tick() {
	c.mu.Lock()
	clients := make(map[provider.ID]stream.Client, len(c.clients))
	for id, cl := range c.clients {
		clients[id] = cl
	}
	c.mu.Unlock()

	for id, cl := range clients {
		if cl.IsConnected() {
			c.healthFor(id).recordSuccess(c.now())
		} else {
			c.healthFor(id).recordIssue(IssueDisconnected, "client not connected", c.now())
		}
	}

	c.mu.Lock()
	rules := make([]*Rule, 0, len(c.rules))
	for _, r := range c.rules {
		rules = append(rules, r)
	}
	c.mu.Unlock()

	for _, rule := range rules {
		c.evaluateRule(rule)
	}
}

// shouldFailover applies the ordered trip conditions against the primary.
func (c *Controller) shouldFailover(rule *Rule, primary HealthSnapshot, connected bool) (bool, string) {
	if !connected {
		return true, "primary not connected"
	}
	if primary.ConsecutiveFailures >= rule.FailoverThreshold {
		return true, fmt.Sprintf("%d consecutive failures", primary.ConsecutiveFailures)
	}
	if rule.DataQualityThreshold > 0 && primary.DataQualityScore < rule.DataQualityThreshold {
		return true, fmt.Sprintf("data quality %.1f below %.1f", primary.DataQualityScore, rule.DataQualityThreshold)
	}
	if rule.MaxLatencyMs > 0 && primary.AvgLatencyMs > rule.MaxLatencyMs {
		return true, fmt.Sprintf("latency %.0fms above %.0fms", primary.AvgLatencyMs, rule.MaxLatencyMs)
	}
	return false, ""
}

func (c *Controller) clientFor(id provider.ID) stream.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clients[id]
}

func (c *Controller) evaluateRule(rule *Rule) {
	primaryHealth := c.healthFor(rule.Primary).snapshot()
	primaryClient := c.clientFor(rule.Primary)
	connected := primaryClient != nil && primaryClient.IsConnected()

	triggered, reason := c.shouldFailover(rule, primaryHealth, connected)

	c.mu.Lock()
	inFailover := rule.InFailover
	c.mu.Unlock()

	switch {
	case triggered && !inFailover:
		backup := c.pickBackup(rule)
		if backup == "" {
			log.Warn().
				Str("rule", rule.ID).
				Str("primary", string(rule.Primary)).
				Str("reason", reason).
				Msg("Failover triggered but no healthy backup available")
			return
		}
		c.executeFailover(rule, backup, reason)

	case !triggered && inFailover && rule.AutoRecover:
		if primaryHealth.ConsecutiveSuccesses >= rule.RecoveryThreshold {
			c.executeRecovery(rule)
		}
	}
}

// pickBackup returns the first backup that is connected and below the
// failover threshold.
func (c *Controller) pickBackup(rule *Rule) provider.ID {
	for _, id := range rule.Backups {
		client := c.clientFor(id)
		if client == nil || !client.IsConnected() {
			continue
		}
		if c.healthFor(id).snapshot().ConsecutiveFailures >= rule.FailoverThreshold {
			continue
		}
		return id
	}
	return ""
}

// ForceFailover swaps a rule to the given target regardless of health.
func (c *Controller) ForceFailover(ruleID string, target provider.ID) error {
	c.mu.Lock()
	rule := c.rules[ruleID]
	c.mu.Unlock()
	if rule == nil {
		return fmt.Errorf("failover rule %q not installed", ruleID)
	}
	if c.clientFor(target) == nil {
		return fmt.Errorf("failover target %q not watched", target)
	}
	c.executeFailover(rule, target, "forced by operator")
	return nil
}

// executeFailover transfers every subscription from the rule's active
// provider to target without unsubscribing the source, so events may
// double-publish briefly; consumers deduplicate by (provider, symbol,
// sequence). Partial transfer failure is reported but does not abort.
func (c *Controller) executeFailover(rule *Rule, target provider.ID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	from := rule.CurrentActive
	source := c.clients[from]
	dest := c.clients[target]
	if dest == nil {
		log.Error().Str("rule", rule.ID).Str("target", string(target)).
			Msg("Failover target has no client")
		return
	}

	transferred, transferErrs := transferSubscriptions(source, dest, false)

	rule.InFailover = true
	rule.CurrentActive = target

	log.Warn().
		Str("rule", rule.ID).
		Str("from", string(from)).
		Str("to", string(target)).
		Str("reason", reason).
		Int("transferred", transferred).
		Int("transfer_errors", len(transferErrs)).
		Msg("Failover executed")

	c.fire(Event{
		Type:           FailoverOccurred,
		RuleID:         rule.ID,
		FromProviderID: from,
		ToProviderID:   target,
		Transferred:    transferred,
		TransferErrors: transferErrs,
		Time:           c.now(),
	})
}

// executeRecovery transfers subscriptions back to the primary, this time
// unsubscribing from the backup, and clears the in-failover flag.
func (c *Controller) executeRecovery(rule *Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	from := rule.CurrentActive
	source := c.clients[from]
	dest := c.clients[rule.Primary]
	if dest == nil {
		return
	}

	transferred, transferErrs := transferSubscriptions(source, dest, true)

	rule.InFailover = false
	rule.CurrentActive = rule.Primary

	log.Info().
		Str("rule", rule.ID).
		Str("from", string(from)).
		Str("to", string(rule.Primary)).
		Int("transferred", transferred).
		Int("transfer_errors", len(transferErrs)).
		Msg("Primary recovered")

	c.fire(Event{
		Type:           ProviderRecovered,
		RuleID:         rule.ID,
		FromProviderID: from,
		ToProviderID:   rule.Primary,
		Transferred:    transferred,
		TransferErrors: transferErrs,
		Time:           c.now(),
	})
}

// transferSubscriptions replays source's subscription set on dest. When
// unsubscribeSource is set the source side is dropped as each transfer
// lands.
func transferSubscriptions(source, dest stream.Client, unsubscribeSource bool) (int, []string) {
	if source == nil {
		return 0, nil
	}
	var transferred int
	var errs []string
	for _, sub := range source.Subscriptions() {
		var err error
		switch sub.Kind {
		case stream.SubTrade:
			_, err = dest.SubscribeTrades(sub.Symbol)
		case stream.SubQuote:
			_, err = dest.SubscribeQuotes(sub.Symbol)
		case stream.SubDepth:
			_, err = dest.SubscribeDepth(sub.Symbol)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s/%s: %v", sub.Symbol, sub.Kind, err))
			continue
		}
		transferred++

		if unsubscribeSource {
			switch sub.Kind {
			case stream.SubTrade:
				source.UnsubscribeTrades(sub.Symbol)
			case stream.SubQuote:
				source.UnsubscribeQuotes(sub.Symbol)
			case stream.SubDepth:
				source.UnsubscribeDepth(sub.Symbol)
			}
		}
	}
	return transferred, errs
}

// fire publishes an event; a saturated consumer drops the oldest event
// rather than stalling the tick loop.
func (c *Controller) fire(ev Event) {
	for {
		select {
		case c.events <- ev:
			return
		default:
			select {
			case <-c.events:
				log.Warn().Str("rule", ev.RuleID).Msg("Event buffer full; oldest event dropped")
			default:
			}
		}
	}
}

// CloseEvents releases event consumers after Stop.
func (c *Controller) CloseEvents() {
	close(c.events)
}

// Shutdown stops the controller within the context deadline.
func (c *Controller) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
