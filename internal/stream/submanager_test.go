package stream

import "testing"

func TestSubscriptionManager_IdsStartAt100000AndAreMonotonic(t *testing.T) {
	m := NewSubscriptionManager("alpaca")

	first, added := m.Subscribe("AAPL", SubTrade)
	if !added || first != 100000 {
		t.Fatalf("expected first id 100000, got %d (added=%v)", first, added)
	}
	second, _ := m.Subscribe("MSFT", SubTrade)
	if second != first+1 {
		t.Errorf("expected monotonic ids, got %d after %d", second, first)
	}
}

func TestSubscriptionManager_DuplicateReturnsExistingID(t *testing.T) {
	m := NewSubscriptionManager("alpaca")

	id1, _ := m.Subscribe("AAPL", SubTrade)
	for i := 0; i < 5; i++ {
		id2, added := m.Subscribe("AAPL", SubTrade)
		if added {
			t.Fatal("duplicate subscribe must not allocate")
		}
		if id2 != id1 {
			t.Fatalf("duplicate subscribe returned %d, want %d", id2, id1)
		}
	}

	// Different kind on the same symbol is a distinct subscription.
	id3, added := m.Subscribe("AAPL", SubQuote)
	if !added || id3 == id1 {
		t.Errorf("quote subscription must be distinct, got %d", id3)
	}
}

func TestSubscriptionManager_UnsubscribeThenResubscribeAllocatesNewID(t *testing.T) {
	m := NewSubscriptionManager("alpaca")

	id1, _ := m.Subscribe("AAPL", SubTrade)
	if !m.Unsubscribe("AAPL", SubTrade) {
		t.Fatal("unsubscribe of existing subscription failed")
	}
	if m.Unsubscribe("AAPL", SubTrade) {
		t.Error("second unsubscribe must report missing")
	}

	id2, added := m.Subscribe("AAPL", SubTrade)
	if !added || id2 == id1 {
		t.Errorf("resubscribe after unsubscribe must allocate, got %d", id2)
	}
}

func TestSubscriptionManager_SymbolsByKind(t *testing.T) {
	m := NewSubscriptionManager("alpaca")
	m.Subscribe("AAPL", SubTrade)
	m.Subscribe("MSFT", SubTrade)
	m.Subscribe("AAPL", SubQuote)

	byKind := m.SymbolsByKind()
	if len(byKind[SubTrade]) != 2 || len(byKind[SubQuote]) != 1 {
		t.Errorf("unexpected grouping: %v", byKind)
	}
	if m.Count() != 3 {
		t.Errorf("expected 3 active subscriptions, got %d", m.Count())
	}
}
