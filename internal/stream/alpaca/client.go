// Package alpaca implements the Alpaca Market Data websocket client.
package alpaca

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/marketfeed/internal/provider"
	"github.com/sawpanic/marketfeed/internal/stream"
)

// ProviderID identifies Alpaca across the plane.
const ProviderID provider.ID = "alpaca"

const (
	defaultStreamURL = "wss://stream.data.alpaca.markets/v2"

	// DefaultFeed is the free IEX feed; paid accounts use "sip".
	DefaultFeed = "iex"

	pingInterval = 30 * time.Second
	pongWait     = 10 * time.Second
	authTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	dialTimeout  = 15 * time.Second

	maxLoggedPayload = 500
)

// Config configures an Alpaca streaming client. Empty credentials fall back
// to the ALPACA__KEY_ID / ALPACA__SECRET_KEY environment variables.
type Config struct {
	KeyID     string
	SecretKey string
	Feed      string
	BaseURL   string
	Policy    stream.ReconnectPolicy
}

type authMessage struct {
	Action string `json:"action"`
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

type subscribeMessage struct {
	Action string   `json:"action"`
	Trades []string `json:"trades,omitempty"`
	Quotes []string `json:"quotes,omitempty"`
}

// Client streams trades and quotes from Alpaca. It owns a receive loop and a
// heartbeat monitor per connection, reconnecting through a single-flight gate
// with the shared backoff policy.
type Client struct {
	cfg      Config
	subs     *stream.SubscriptionManager
	dispatch *stream.Dispatcher
	state    stream.StateVar
	gate     *stream.Gate
	breaker  *gobreaker.CircuitBreaker
	dialer   *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
	done chan struct{}

	// writeMu serializes data-frame writers; gorilla connections allow
	// only one concurrent writer.
	writeMu sync.Mutex

	lastPong atomic.Int64
	wg       sync.WaitGroup
}

// NewClient creates a disconnected client delivering into sinks.
func NewClient(cfg Config, sinks stream.Sinks) *Client {
	cfg.KeyID = provider.ResolveCredential(ProviderID, "key_id", cfg.KeyID)
	cfg.SecretKey = provider.ResolveCredential(ProviderID, "secret_key", cfg.SecretKey)
	if cfg.Feed == "" {
		cfg.Feed = DefaultFeed
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultStreamURL
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = stream.DefaultReconnectPolicy()
	}
	return &Client{
		cfg:      cfg,
		subs:     stream.NewSubscriptionManager(ProviderID),
		dispatch: stream.NewDispatcher(sinks, 0),
		gate:     stream.NewGate(),
		breaker:  stream.NewConnectBreaker(ProviderID),
		dialer:   &websocket.Dialer{HandshakeTimeout: dialTimeout},
	}
}

// ProviderID implements provider.Provider.
func (c *Client) ProviderID() provider.ID { return ProviderID }

// Capabilities implements provider.Provider.
func (c *Client) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Kind:     provider.KindStreaming,
		Trades:   true,
		Quotes:   true,
		Intraday: true,
		Markets:  []string{"US"},
		RateLimit: provider.RateLimitProfile{
			MaxRequests: 200,
			Window:      time.Minute,
		},
	}
}

// IsAvailable implements provider.Provider.
func (c *Client) IsAvailable(ctx context.Context) (bool, error) {
	return c.state.Load() == stream.StateActive, nil
}

// Close implements provider.Provider.
func (c *Client) Close(ctx context.Context) error { return c.Disconnect(ctx) }

// CredentialFields describes the two required Alpaca credentials.
func (c *Client) CredentialFields() provider.CredentialFields {
	return provider.CredentialFields{
		{Name: "key_id", EnvVar: "ALPACA__KEY_ID", Required: true},
		{Name: "secret_key", EnvVar: "ALPACA__SECRET_KEY", Required: true},
	}
}

// State returns the connection lifecycle state.
func (c *Client) State() stream.ConnState { return c.state.Load() }

// IsConnected reports whether the stream is active.
func (c *Client) IsConnected() bool { return c.state.Load() == stream.StateActive }

// Subscriptions snapshots the logical subscription set.
func (c *Client) Subscriptions() []stream.Subscription { return c.subs.Active() }

// Connect dials, authenticates and starts the session loops. Any logical
// subscriptions recorded while disconnected are transmitted on success.
func (c *Client) Connect(ctx context.Context) error {
	if c.state.Load() == stream.StateDisposed {
		return provider.NewError(ProviderID, provider.CodeFatal, "client is disposed")
	}
	if !c.state.CompareAndSwap(stream.StateDisconnected, stream.StateConnecting) {
		if c.state.Load() == stream.StateActive {
			return nil
		}
		return provider.NewError(ProviderID, provider.CodeTransient, "connect already in progress")
	}

	conn, err := c.guardedDial(ctx)
	if err != nil {
		c.state.Store(stream.StateDisconnected)
		return err
	}

	if err := c.resubscribeAll(conn); err != nil {
		conn.Close()
		c.state.Store(stream.StateDisconnected)
		return err
	}
	c.startSession(conn)
	c.state.Store(stream.StateActive)
	log.Info().Str("provider", string(ProviderID)).Str("feed", c.cfg.Feed).Msg("Stream connected")
	return nil
}

// Disconnect tears the session down permanently.
func (c *Client) Disconnect(ctx context.Context) error {
	c.state.Store(stream.StateDisposed)

	c.mu.Lock()
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.dispatch.Close()
	return nil
}

// SubscribeTrades subscribes to the trade stream for symbol.
func (c *Client) SubscribeTrades(symbol string) (int64, error) {
	return c.subscribe(symbol, stream.SubTrade)
}

// UnsubscribeTrades removes the trade subscription for symbol.
func (c *Client) UnsubscribeTrades(symbol string) error {
	return c.unsubscribe(symbol, stream.SubTrade)
}

// SubscribeQuotes subscribes to the BBO stream for symbol.
func (c *Client) SubscribeQuotes(symbol string) (int64, error) {
	return c.subscribe(symbol, stream.SubQuote)
}

// UnsubscribeQuotes removes the quote subscription for symbol.
func (c *Client) UnsubscribeQuotes(symbol string) error {
	return c.unsubscribe(symbol, stream.SubQuote)
}

// SubscribeDepth is not supported: the Alpaca equities stream carries no L2.
func (c *Client) SubscribeDepth(symbol string) (int64, error) {
	return 0, stream.ErrKindNotSupported
}

// UnsubscribeDepth is not supported.
func (c *Client) UnsubscribeDepth(symbol string) error {
	return stream.ErrKindNotSupported
}

func (c *Client) subscribe(symbol string, kind stream.SubKind) (int64, error) {
	id, added := c.subs.Subscribe(symbol, kind)
	if !added {
		return id, nil
	}
	// Off the wire the subscription stays logical; it is transmitted on the
	// next successful connect.
	if c.state.Load() != stream.StateActive {
		return id, nil
	}
	msg := subscribeMessage{Action: "subscribe"}
	c.fillSymbols(&msg, kind, symbol)
	if err := c.writeLive(msg); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Str("kind", kind.String()).
			Msg("Subscription update failed; will resync on reconnect")
		return id, err
	}
	return id, nil
}

func (c *Client) unsubscribe(symbol string, kind stream.SubKind) error {
	if !c.subs.Unsubscribe(symbol, kind) {
		return nil
	}
	if c.state.Load() != stream.StateActive {
		return nil
	}
	msg := subscribeMessage{Action: "unsubscribe"}
	c.fillSymbols(&msg, kind, symbol)
	return c.writeLive(msg)
}

func (c *Client) fillSymbols(msg *subscribeMessage, kind stream.SubKind, symbols ...string) {
	switch kind {
	case stream.SubQuote:
		msg.Quotes = symbols
	default:
		msg.Trades = symbols
	}
}

// guardedDial runs dialAndAuth behind the connect breaker.
func (c *Client) guardedDial(ctx context.Context) (*websocket.Conn, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.dialAndAuth(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, provider.NewError(ProviderID, provider.CodeCircuitOpen, "connect circuit open")
		}
		var pe *provider.Error
		if errors.As(err, &pe) {
			return nil, pe
		}
		e := provider.NewError(ProviderID, provider.CodeTransient, err.Error())
		e.Cause = err
		return nil, e
	}
	return res.(*websocket.Conn), nil
}

// dialAndAuth performs the connect handshake: dial, consume the server's
// "connected" banner, send the auth frame and wait for "authenticated".
func (c *Client) dialAndAuth(ctx context.Context) (*websocket.Conn, error) {
	url := fmt.Sprintf("%s/%s", c.cfg.BaseURL, c.cfg.Feed)
	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	c.state.Store(stream.StateAuthenticating)
	conn.SetReadDeadline(time.Now().Add(authTimeout))

	auth := authMessage{Action: "auth", Key: c.cfg.KeyID, Secret: c.cfg.SecretKey}
	if err := conn.WriteJSON(auth); err != nil {
		conn.Close()
		return nil, err
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return nil, err
		}
		msgs, err := parseFrame(payload)
		if err != nil {
			conn.Close()
			return nil, provider.NewError(ProviderID, provider.CodeMalformed,
				"unparseable handshake frame: "+truncate(payload))
		}
		for _, m := range msgs {
			switch {
			case m.Type == "success" && m.Msg == "authenticated":
				conn.SetReadDeadline(time.Time{})
				return conn, nil
			case m.Type == "error":
				conn.Close()
				e := provider.NewError(ProviderID, provider.CodeCredential,
					fmt.Sprintf("authentication failed: %s", m.Msg))
				e.HTTPStatus = m.Code
				return nil, e
			}
			// "connected" banner and anything else: keep reading.
		}
	}
}

func (c *Client) startSession(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		c.dispatch.Publish(stream.Heartbeat{Provider: ProviderID, Timestamp: time.Now().UTC()})
		return nil
	})

	c.wg.Add(2)
	go c.receiveLoop(conn, done)
	go c.heartbeatLoop(conn, done)
}

func (c *Client) receiveLoop(conn *websocket.Conn, done chan struct{}) {
	defer c.wg.Done()
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				c.connectionLost(conn, err)
			}
			return
		}
		c.handleFrame(payload)
	}
}

func (c *Client) handleFrame(payload []byte) {
	msgs, err := parseFrame(payload)
	if err != nil {
		log.Warn().Str("provider", string(ProviderID)).
			Str("payload", truncate(payload)).
			Msg("Dropped malformed frame")
		return
	}
	for _, m := range msgs {
		switch m.Type {
		case "t":
			trade, err := toTrade(m, c.cfg.Feed)
			if err != nil {
				log.Warn().Err(err).Str("symbol", m.Symbol).Msg("Dropped malformed trade")
				continue
			}
			c.dispatch.Publish(trade)
		case "q":
			quote, err := toQuote(m, c.cfg.Feed)
			if err != nil {
				log.Warn().Err(err).Str("symbol", m.Symbol).Msg("Dropped malformed quote")
				continue
			}
			c.dispatch.Publish(quote)
		case "subscription":
			log.Debug().Int("trades", len(m.Trades)).Int("quotes", len(m.Quotes)).
				Msg("Subscription set acknowledged")
		case "success":
			log.Debug().Str("msg", m.Msg).Msg("Stream control message")
		case "error":
			log.Warn().Int("code", m.Code).Str("msg", m.Msg).
				Msg("Stream error message")
		}
	}
}

func (c *Client) heartbeatLoop(conn *websocket.Conn, done chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			sent := time.Now()
			err := conn.WriteControl(websocket.PingMessage, nil, sent.Add(writeTimeout))
			if err != nil {
				select {
				case <-done:
				default:
					c.connectionLost(conn, err)
				}
				return
			}
			select {
			case <-done:
				return
			case <-time.After(pongWait):
				if c.lastPong.Load() < sent.UnixNano() {
					c.connectionLost(conn, errors.New("heartbeat timeout: no pong within window"))
					return
				}
			}
		}
	}
}

// connectionLost handles an involuntary drop. Conn identity makes concurrent
// calls from the two session loops idempotent; the gate keeps a single
// reconnect task in flight.
func (c *Client) connectionLost(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()
	conn.Close()

	if c.state.Load() == stream.StateDisposed {
		return
	}
	if !c.gate.TryAcquire() {
		return
	}
	c.state.Store(stream.StateReconnecting)
	log.Warn().Err(cause).Str("provider", string(ProviderID)).Msg("Stream connection lost")

	c.wg.Add(1)
	go c.reconnect()
}

func (c *Client) reconnect() {
	defer c.wg.Done()
	defer c.gate.Release()

	bo := c.cfg.Policy.NewBackOff()
	for attempt := 1; attempt <= c.cfg.Policy.MaxAttempts; attempt++ {
		time.Sleep(bo.NextBackOff())
		if c.state.Load() == stream.StateDisposed {
			return
		}
		c.cfg.Policy.NotifyAttempt(ProviderID)

		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		conn, err := c.guardedDial(ctx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).
				Int("max_attempts", c.cfg.Policy.MaxAttempts).
				Str("provider", string(ProviderID)).
				Msg("Reconnect attempt failed")
			if !provider.IsRetryable(err) {
				break
			}
			continue
		}

		if err := c.resubscribeAll(conn); err != nil {
			conn.Close()
			log.Warn().Err(err).Int("attempt", attempt).Msg("Resubscribe after reconnect failed")
			continue
		}
		c.startSession(conn)
		c.state.Store(stream.StateActive)
		log.Info().Int("attempt", attempt).Int("subscriptions", c.subs.Count()).
			Str("provider", string(ProviderID)).
			Msg("Stream reconnected")
		return
	}

	c.state.Store(stream.StateDisconnected)
	log.Error().Str("provider", string(ProviderID)).
		Msg("Reconnect attempts exhausted; stream disconnected")
}

// resubscribeAll transmits the whole logical subscription set as one frame.
func (c *Client) resubscribeAll(conn *websocket.Conn) error {
	byKind := c.subs.SymbolsByKind()
	msg := subscribeMessage{
		Action: "subscribe",
		Trades: byKind[stream.SubTrade],
		Quotes: byKind[stream.SubQuote],
	}
	if len(msg.Trades) == 0 && len(msg.Quotes) == 0 {
		return nil
	}
	return c.writeConn(conn, msg)
}

// writeConn is the single data-frame write path for a connection.
func (c *Client) writeConn(conn *websocket.Conn, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

func (c *Client) writeLive(v interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return provider.NewError(ProviderID, provider.CodeTransient, "not connected")
	}
	if err := c.writeConn(conn, v); err != nil {
		e := provider.NewError(ProviderID, provider.CodeTransient, "subscription write failed")
		e.Cause = err
		return e
	}
	return nil
}

func truncate(payload []byte) string {
	if len(payload) > maxLoggedPayload {
		return string(payload[:maxLoggedPayload]) + "..."
	}
	return string(payload)
}
