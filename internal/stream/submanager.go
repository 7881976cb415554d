package stream

import (
	"sync"

	"github.com/sawpanic/marketfeed/internal/provider"
)

// SubKind is the kind of a logical subscription.
type SubKind int

const (
	SubTrade SubKind = iota
	SubQuote
	SubDepth
)

func (k SubKind) String() string {
	switch k {
	case SubQuote:
		return "quote"
	case SubDepth:
		return "depth"
	default:
		return "trade"
	}
}

// Subscription is one logical (provider, symbol, kind) stream. Active iff
// the owning client is connected and the vendor has acknowledged it.
type Subscription struct {
	ID       int64       `json:"id"`
	Provider provider.ID `json:"provider"`
	Symbol   string      `json:"symbol"`
	Kind     SubKind     `json:"kind"`
}

// firstSubscriptionID keeps locally assigned ids out of the range vendors
// use for their own channel numbering.
const firstSubscriptionID = 100_000

type subKey struct {
	symbol string
	kind   SubKind
}

// SubscriptionManager owns a single client's subscription bookkeeping.
// Ids are monotonic; at most one logical subscription exists per
// (symbol, kind), and re-subscribing returns the existing id.
type SubscriptionManager struct {
	mu       sync.Mutex
	provider provider.ID
	nextID   int64
	byID     map[int64]subKey
	byKey    map[subKey]int64
}

// NewSubscriptionManager creates a manager for one client.
func NewSubscriptionManager(id provider.ID) *SubscriptionManager {
	return &SubscriptionManager{
		provider: id,
		nextID:   firstSubscriptionID,
		byID:     make(map[int64]subKey),
		byKey:    make(map[subKey]int64),
	}
}

// Subscribe records a logical subscription and returns its id. The second
// return is false when the (symbol, kind) pair was already subscribed.
func (m *SubscriptionManager) Subscribe(symbol string, kind SubKind) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := subKey{symbol: symbol, kind: kind}
	if id, exists := m.byKey[key]; exists {
		return id, false
	}
	id := m.nextID
	m.nextID++
	m.byID[id] = key
	m.byKey[key] = id
	return id, true
}

// Unsubscribe removes a logical subscription by (symbol, kind). Returns
// false when no such subscription exists.
func (m *SubscriptionManager) Unsubscribe(symbol string, kind SubKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := subKey{symbol: symbol, kind: kind}
	id, exists := m.byKey[key]
	if !exists {
		return false
	}
	delete(m.byKey, key)
	delete(m.byID, id)
	return true
}

// Lookup returns the subscription for an id.
func (m *SubscriptionManager) Lookup(id int64) (Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, exists := m.byID[id]
	if !exists {
		return Subscription{}, false
	}
	return Subscription{ID: id, Provider: m.provider, Symbol: key.symbol, Kind: key.kind}, true
}

// Active returns every logical subscription. The slice is a snapshot;
// wire-level updates built from it always reflect the set at call time.
func (m *SubscriptionManager) Active() []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Subscription, 0, len(m.byID))
	for id, key := range m.byID {
		out = append(out, Subscription{ID: id, Provider: m.provider, Symbol: key.symbol, Kind: key.kind})
	}
	return out
}

// SymbolsByKind groups the active symbols per subscription kind, the shape
// wire subscription messages are built from.
func (m *SubscriptionManager) SymbolsByKind() map[SubKind][]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[SubKind][]string)
	for key := range m.byKey {
		out[key.kind] = append(out[key.kind], key.symbol)
	}
	return out
}

// Count returns the number of active logical subscriptions.
func (m *SubscriptionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}
