package stream

import (
	"context"
	"errors"

	"github.com/sawpanic/marketfeed/internal/provider"
)

// ErrKindNotSupported is returned by Subscribe calls for a kind the vendor
// does not carry; callers consult Capabilities before routing.
var ErrKindNotSupported = errors.New("subscription kind not supported by provider")

// Client is a vendor streaming connection. Implementations own their two
// long-lived goroutines (receive loop and heartbeat monitor) plus a
// short-lived reconnect task spawned on demand through a Gate.
type Client interface {
	provider.Provider

	// Connect dials and authenticates. Cancelling the context aborts the
	// in-flight attempt and leaves the client Disconnected.
	Connect(ctx context.Context) error

	// Disconnect tears the transport down and moves the client to
	// Disposed. Subscriptions die with the client.
	Disconnect(ctx context.Context) error

	// Subscribe operations are brief and idempotent; they are not
	// cancellable. A duplicate (symbol, kind) returns the existing id.
	SubscribeTrades(symbol string) (int64, error)
	UnsubscribeTrades(symbol string) error
	SubscribeQuotes(symbol string) (int64, error)
	UnsubscribeQuotes(symbol string) error
	SubscribeDepth(symbol string) (int64, error)
	UnsubscribeDepth(symbol string) error

	// Subscriptions snapshots the active logical subscription set.
	Subscriptions() []Subscription

	IsConnected() bool
	State() ConnState

	// CredentialFields describes what this vendor needs configured.
	CredentialFields() provider.CredentialFields
}
