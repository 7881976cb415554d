package stream

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// DefaultDispatchCapacity is the bounded buffer between frame parsing and
// sink delivery.
const DefaultDispatchCapacity = 500

// Dispatcher decouples the client's receive loop from the sinks through a
// bounded channel with a wait policy: when sinks apply backpressure the
// receive loop blocks on Publish rather than dropping events or the
// connection.
type Dispatcher struct {
	ch    chan any
	sinks Sinks

	closeOnce sync.Once
	done      chan struct{}
}

// NewDispatcher creates and starts a dispatcher. A capacity of zero uses
// DefaultDispatchCapacity.
func NewDispatcher(sinks Sinks, capacity int) *Dispatcher {
	if capacity <= 0 {
		capacity = DefaultDispatchCapacity
	}
	d := &Dispatcher{
		ch:    make(chan any, capacity),
		sinks: sinks,
		done:  make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.ch {
		switch e := ev.(type) {
		case TradeUpdate:
			if d.sinks.Trades != nil {
				d.sinks.Trades.OnTrade(e)
			}
		case QuoteUpdate:
			if d.sinks.Quotes != nil {
				d.sinks.Quotes.OnQuote(e)
			}
		case DepthUpdate:
			if d.sinks.Depth != nil {
				d.sinks.Depth.OnDepth(e)
			}
		case Heartbeat:
			// Liveness only; heartbeats are not forwarded to sinks.
		default:
			log.Warn().Msgf("Dispatcher dropped event of unexpected type %T", ev)
		}
	}
}

// Publish enqueues one event, blocking while the buffer is full. Publishing
// after Close panics by design of Go channels; clients stop their receive
// loop before closing.
func (d *Dispatcher) Publish(ev any) {
	d.ch <- ev
}

// Close drains outstanding events and stops the delivery goroutine.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.ch) })
	<-d.done
}
