package stream

// TradeSink receives normalized trades. Implementations must be thread-safe;
// the plane never persists streaming events itself.
type TradeSink interface {
	OnTrade(TradeUpdate)
}

// QuoteSink receives normalized BBO updates.
type QuoteSink interface {
	OnQuote(QuoteUpdate)
}

// DepthSink receives normalized L2 updates.
type DepthSink interface {
	OnDepth(DepthUpdate)
}

// TradeSinkFunc adapts a function to TradeSink.
type TradeSinkFunc func(TradeUpdate)

func (f TradeSinkFunc) OnTrade(t TradeUpdate) { f(t) }

// QuoteSinkFunc adapts a function to QuoteSink.
type QuoteSinkFunc func(QuoteUpdate)

func (f QuoteSinkFunc) OnQuote(q QuoteUpdate) { f(q) }

// DepthSinkFunc adapts a function to DepthSink.
type DepthSinkFunc func(DepthUpdate)

func (f DepthSinkFunc) OnDepth(d DepthUpdate) { f(d) }

// Sinks bundles the three event sinks a client publishes into. Nil members
// silently drop their event kind.
type Sinks struct {
	Trades TradeSink
	Quotes QuoteSink
	Depth  DepthSink
}
