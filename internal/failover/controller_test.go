package failover

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sawpanic/marketfeed/internal/provider"
	"github.com/sawpanic/marketfeed/internal/stream"
)

// fakeClient is a minimal stream.Client with controllable connectivity.
type fakeClient struct {
	mu        sync.Mutex
	id        provider.ID
	connected bool
	subs      *stream.SubscriptionManager
	failSubs  bool
}

func newFakeClient(id provider.ID, connected bool) *fakeClient {
	return &fakeClient{id: id, connected: connected, subs: stream.NewSubscriptionManager(id)}
}

func (f *fakeClient) ProviderID() provider.ID { return f.id }

func (f *fakeClient) Capabilities() provider.Capabilities {
	return provider.Capabilities{Kind: provider.KindStreaming, Trades: true, Quotes: true}
}

func (f *fakeClient) IsAvailable(ctx context.Context) (bool, error) { return f.IsConnected(), nil }
func (f *fakeClient) Close(ctx context.Context) error               { return nil }
func (f *fakeClient) Connect(ctx context.Context) error             { return nil }
func (f *fakeClient) Disconnect(ctx context.Context) error          { return nil }

func (f *fakeClient) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) State() stream.ConnState {
	if f.IsConnected() {
		return stream.StateActive
	}
	return stream.StateDisconnected
}

func (f *fakeClient) SubscribeTrades(symbol string) (int64, error) {
	if f.failSubs {
		return 0, provider.NewError(f.id, provider.CodeTransient, "subscribe refused")
	}
	id, _ := f.subs.Subscribe(symbol, stream.SubTrade)
	return id, nil
}

func (f *fakeClient) UnsubscribeTrades(symbol string) error {
	f.subs.Unsubscribe(symbol, stream.SubTrade)
	return nil
}

func (f *fakeClient) SubscribeQuotes(symbol string) (int64, error) {
	if f.failSubs {
		return 0, provider.NewError(f.id, provider.CodeTransient, "subscribe refused")
	}
	id, _ := f.subs.Subscribe(symbol, stream.SubQuote)
	return id, nil
}

func (f *fakeClient) UnsubscribeQuotes(symbol string) error {
	f.subs.Unsubscribe(symbol, stream.SubQuote)
	return nil
}

func (f *fakeClient) SubscribeDepth(symbol string) (int64, error) {
	id, _ := f.subs.Subscribe(symbol, stream.SubDepth)
	return id, nil
}

func (f *fakeClient) UnsubscribeDepth(symbol string) error {
	f.subs.Unsubscribe(symbol, stream.SubDepth)
	return nil
}

func (f *fakeClient) Subscriptions() []stream.Subscription { return f.subs.Active() }

func (f *fakeClient) CredentialFields() provider.CredentialFields { return nil }

func (f *fakeClient) hasSub(symbol string, kind stream.SubKind) bool {
	for _, sub := range f.subs.Active() {
		if sub.Symbol == symbol && sub.Kind == kind {
			return true
		}
	}
	return false
}

func expectEvent(t *testing.T, c *Controller, want EventType) Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		if ev.Type != want {
			t.Fatalf("expected %s event, got %s", want, ev.Type)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("no %s event fired", want)
		return Event{}
	}
}

func expectNoEvent(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestController_ThreeIssuesTriggerSingleFailover(t *testing.T) {
	c := NewController()
	primary := newFakeClient("A", true)
	backup := newFakeClient("B", true)
	c.Watch(primary)
	c.Watch(backup)

	primary.SubscribeTrades("AAPL")
	primary.SubscribeQuotes("AAPL")

	rule := NewRule("us-equities", "A", "B")
	c.AddRule(rule)

	for i := 0; i < DefaultFailoverThreshold; i++ {
		c.ReportIssue("A", IssueWireError, "read timeout")
	}
	c.evaluateRule(rule)

	ev := expectEvent(t, c, FailoverOccurred)
	if ev.FromProviderID != "A" || ev.ToProviderID != "B" {
		t.Errorf("wrong direction: %+v", ev)
	}
	if ev.Transferred != 2 {
		t.Errorf("expected both subscriptions transferred, got %d", ev.Transferred)
	}
	if !rule.InFailover || rule.CurrentActive != "B" {
		t.Errorf("rule state wrong: in_failover=%v active=%s", rule.InFailover, rule.CurrentActive)
	}

	// Target carries the set; the source keeps its subscriptions so the
	// double-publish window stays open until recovery.
	if !backup.hasSub("AAPL", stream.SubTrade) || !backup.hasSub("AAPL", stream.SubQuote) {
		t.Error("backup missing transferred subscriptions")
	}
	if !primary.hasSub("AAPL", stream.SubTrade) {
		t.Error("failover must not unsubscribe the source")
	}

	// A second evaluation on the already-tripped rule fires nothing.
	c.evaluateRule(rule)
	expectNoEvent(t, c)
}

func TestController_BelowThresholdDoesNotTrigger(t *testing.T) {
	c := NewController()
	c.Watch(newFakeClient("A", true))
	c.Watch(newFakeClient("B", true))
	rule := NewRule("r", "A", "B")
	c.AddRule(rule)

	c.ReportIssue("A", IssueWireError, "")
	c.ReportIssue("A", IssueWireError, "")
	c.evaluateRule(rule)
	expectNoEvent(t, c)

	// A success in between resets the consecutive count.
	c.ReportIssue("A", IssueWireError, "")
	c.ReportSuccess("A")
	c.ReportIssue("A", IssueWireError, "")
	c.evaluateRule(rule)
	expectNoEvent(t, c)
}

func TestController_DisconnectedPrimaryTriggersViaTick(t *testing.T) {
	c := NewController()
	primary := newFakeClient("A", false)
	backup := newFakeClient("B", true)
	c.Watch(primary)
	c.Watch(backup)
	c.AddRule(NewRule("r", "A", "B"))

	c.tick()

	ev := expectEvent(t, c, FailoverOccurred)
	if ev.ToProviderID != "B" {
		t.Errorf("expected failover to B, got %+v", ev)
	}
}

func TestController_NoHealthyBackupLeavesRuleDormant(t *testing.T) {
	c := NewController()
	c.Watch(newFakeClient("A", false))
	c.Watch(newFakeClient("B", false))
	rule := NewRule("r", "A", "B")
	c.AddRule(rule)

	c.tick()
	expectNoEvent(t, c)
	if rule.InFailover {
		t.Error("rule must stay dormant without a healthy backup")
	}

	// The backup coming up makes the next tick fail over.
	c.clientFor("B").(*fakeClient).setConnected(true)
	c.ReportSuccess("B")
	c.tick()
	expectEvent(t, c, FailoverOccurred)
}

func TestController_RecoveryTransfersBackAndUnsubscribesBackup(t *testing.T) {
	c := NewController()
	primary := newFakeClient("A", false)
	backup := newFakeClient("B", true)
	c.Watch(primary)
	c.Watch(backup)

	primary.SubscribeTrades("AAPL")
	rule := NewRule("r", "A", "B")
	c.AddRule(rule)

	c.tick()
	expectEvent(t, c, FailoverOccurred)

	// Primary comes back healthy.
	primary.setConnected(true)
	for i := 0; i < DefaultRecoveryThreshold; i++ {
		c.ReportSuccess("A")
	}
	c.evaluateRule(rule)

	ev := expectEvent(t, c, ProviderRecovered)
	if ev.FromProviderID != "B" || ev.ToProviderID != "A" {
		t.Errorf("wrong recovery direction: %+v", ev)
	}
	if rule.InFailover || rule.CurrentActive != "A" {
		t.Errorf("rule not restored: %+v", rule)
	}
	if !primary.hasSub("AAPL", stream.SubTrade) {
		t.Error("primary missing its subscription after recovery")
	}
	if backup.hasSub("AAPL", stream.SubTrade) {
		t.Error("recovery must unsubscribe the backup")
	}
}

func TestController_PartialTransferFailureDoesNotAbort(t *testing.T) {
	c := NewController()
	primary := newFakeClient("A", false)
	backup := newFakeClient("B", true)
	backup.failSubs = true
	c.Watch(primary)
	c.Watch(backup)

	primary.SubscribeTrades("AAPL")
	primary.SubscribeDepth("SPY")
	rule := NewRule("r", "A", "B")
	c.AddRule(rule)

	c.tick()

	ev := expectEvent(t, c, FailoverOccurred)
	if !rule.InFailover {
		t.Error("failover must complete despite transfer errors")
	}
	if ev.Transferred != 1 || len(ev.TransferErrors) != 1 {
		t.Errorf("expected 1 transfer and 1 error, got %d/%d", ev.Transferred, len(ev.TransferErrors))
	}
}

func TestController_ForceFailover(t *testing.T) {
	c := NewController()
	c.Watch(newFakeClient("A", true))
	c.Watch(newFakeClient("B", true))
	rule := NewRule("r", "A", "B")
	c.AddRule(rule)

	if err := c.ForceFailover("r", "B"); err != nil {
		t.Fatalf("force failover failed: %v", err)
	}
	expectEvent(t, c, FailoverOccurred)
	if rule.CurrentActive != "B" {
		t.Errorf("expected active B, got %s", rule.CurrentActive)
	}

	if err := c.ForceFailover("missing", "B"); err == nil {
		t.Error("unknown rule must error")
	}
}

func TestController_LatencyAndQualityConditions(t *testing.T) {
	c := NewController()
	c.Watch(newFakeClient("A", true))
	c.Watch(newFakeClient("B", true))

	rule := NewRule("r", "A", "B")
	rule.MaxLatencyMs = 500
	c.AddRule(rule)

	c.ReportLatency("A", 1200)
	c.evaluateRule(rule)
	expectEvent(t, c, FailoverOccurred)

	quality := NewRule("q", "A", "B")
	quality.DataQualityThreshold = 90
	c.AddRule(quality)

	c.ReportDataQuality("A", 42)
	c.evaluateRule(quality)
	expectEvent(t, c, FailoverOccurred)
}

func TestController_HealthRingBounded(t *testing.T) {
	c := NewController()
	for i := 0; i < 50; i++ {
		c.ReportIssue("A", IssueWireError, "x")
	}
	snap, ok := c.Health("A")
	if !ok {
		t.Fatal("health state missing")
	}
	if len(snap.RecentIssues) != recentIssueCap {
		t.Errorf("ring must cap at %d, holds %d", recentIssueCap, len(snap.RecentIssues))
	}
	if snap.ConsecutiveFailures != 50 {
		t.Errorf("failure counter wrong: %d", snap.ConsecutiveFailures)
	}
}
