package provider

import (
	"context"
	"time"
)

// ID is the short stable identifier of a data vendor ("alpaca", "polygon", ...).
type ID string

// Kind describes the primary role a provider plays in the plane.
type Kind int

const (
	KindStreaming Kind = iota
	KindBackfill
	KindSymbolSearch
	KindHybrid
)

func (k Kind) String() string {
	switch k {
	case KindStreaming:
		return "streaming"
	case KindBackfill:
		return "backfill"
	case KindSymbolSearch:
		return "symbol_search"
	case KindHybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// RateLimitProfile describes a vendor's admission envelope.
type RateLimitProfile struct {
	MaxRequests int           `yaml:"max_requests" json:"max_requests"`
	Window      time.Duration `yaml:"window" json:"window"`
	MinDelay    time.Duration `yaml:"min_delay" json:"min_delay"`
}

// Capabilities describes what a provider can do. Queries against the registry
// are by capability predicate, never by concrete type.
type Capabilities struct {
	Kind Kind `json:"kind"`

	Trades           bool `json:"trades"`
	Quotes           bool `json:"quotes"`
	Depth            bool `json:"depth"`
	MaxDepthLevels   int  `json:"max_depth_levels,omitempty"`
	Adjusted         bool `json:"adjusted"`
	Dividends        bool `json:"dividends"`
	Splits           bool `json:"splits"`
	Intraday         bool `json:"intraday"`
	HistoricalTrades bool `json:"historical_trades"`
	HistoricalQuotes bool `json:"historical_quotes"`
	Auctions         bool `json:"auctions"`
	SymbolSearch     bool `json:"symbol_search"`

	Markets []string `json:"markets,omitempty"`

	RateLimit RateLimitProfile `json:"rate_limit"`
}

// SupportsMarket reports whether the provider covers the given market code.
func (c Capabilities) SupportsMarket(code string) bool {
	for _, m := range c.Markets {
		if m == code {
			return true
		}
	}
	return false
}

// Provider is the single abstraction every vendor instance satisfies.
// Concrete streaming and backfill clients add their own surfaces; the
// registry only needs identity, capabilities, availability and disposal.
type Provider interface {
	ProviderID() ID
	Capabilities() Capabilities

	// IsAvailable reports whether the provider can serve requests right now.
	// Errors are treated by callers as "not available".
	IsAvailable(ctx context.Context) (bool, error)

	Close(ctx context.Context) error
}

// Registered is a registry entry: provider instance plus registry-owned
// bookkeeping. Instance lifecycle is bound to the registry.
type Registered struct {
	ID           ID           `json:"id"`
	Capabilities Capabilities `json:"capabilities"`
	Priority     int          `json:"priority"` // lower = preferred
	Enabled      bool         `json:"enabled"`

	Instance Provider `json:"-"`
}
