// Package facade binds the provider plane together: registry, streaming
// clients, governor, backfill scheduler and failover controller behind one
// subscribe/unsubscribe surface with metrics.
package facade

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sawpanic/marketfeed/internal/backfill"
	"github.com/sawpanic/marketfeed/internal/config"
	"github.com/sawpanic/marketfeed/internal/failover"
	"github.com/sawpanic/marketfeed/internal/provider"
	"github.com/sawpanic/marketfeed/internal/ratelimit"
	"github.com/sawpanic/marketfeed/internal/stream"
	"github.com/sawpanic/marketfeed/internal/stream/alpaca"
	"github.com/sawpanic/marketfeed/internal/stream/polygon"
)

// shutdownTimeout is the aggregate budget for Close across all services.
const shutdownTimeout = 5 * time.Second

// failoverRuleID names the single streaming rule the facade installs.
const failoverRuleID = "streaming-primary"

// ClientFactory builds one vendor's streaming client against the facade's
// instrumented sinks.
type ClientFactory func(pc config.ProviderConfig, sinks stream.Sinks) stream.Client

// defaultFactories builds the real vendor clients, with reconnect attempts
// reported through the given hook.
func defaultFactories(onReconnect func(provider.ID)) map[string]ClientFactory {
	policy := stream.DefaultReconnectPolicy()
	policy.OnAttempt = onReconnect
	return map[string]ClientFactory{
		"alpaca": func(pc config.ProviderConfig, sinks stream.Sinks) stream.Client {
			return alpaca.NewClient(alpaca.Config{
				KeyID:     pc.KeyID,
				SecretKey: pc.SecretKey,
				Feed:      pc.Feed,
				Policy:    policy,
			}, sinks)
		},
		"polygon": func(pc config.ProviderConfig, sinks stream.Sinks) stream.Client {
			return polygon.NewClient(polygon.Config{APIKey: pc.APIKey, Policy: policy}, sinks)
		},
	}
}

// Facade is the multi-provider front door.
type Facade struct {
	cfg        *config.Config
	registry   *provider.Registry
	gov        *ratelimit.Governor
	scheduler  *backfill.Scheduler
	controller *failover.Controller
	metrics    *Metrics

	clients map[provider.ID]stream.Client
	order   []provider.ID // priority order, best first

	sinks  stream.Sinks
	events chan failover.Event

	httpSrv    *http.Server
	stopOnce   sync.Once
	eventsOnce sync.Once
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// Option customizes facade construction.
type Option func(*options)

type options struct {
	factories map[string]ClientFactory
}

// WithClientFactory overrides or adds a vendor's streaming constructor.
func WithClientFactory(name string, f ClientFactory) Option {
	return func(o *options) { o.factories[name] = f }
}

// New wires the plane from configuration. Streaming clients are built for
// every active provider with a factory; Yahoo joins as a backfill provider.
func New(cfg *config.Config, sinks stream.Sinks, opts ...Option) *Facade {
	if cfg == nil {
		cfg = config.Default()
	}
	f := &Facade{
		cfg:      cfg,
		registry: provider.NewRegistry(),
		gov:      ratelimit.NewGovernor(),
		metrics:  newMetrics(),
		clients:  make(map[provider.ID]stream.Client),
		events:   make(chan failover.Event, 64),
		stopCh:   make(chan struct{}),
	}
	o := &options{factories: defaultFactories(func(id provider.ID) {
		f.metrics.ReconnectsTotal.WithLabelValues(string(id)).Inc()
	})}
	for _, opt := range opts {
		opt(o)
	}
	f.sinks = stream.Sinks{
		Trades: countingSinks{next: sinks, metrics: f.metrics},
		Quotes: countingSinks{next: sinks, metrics: f.metrics},
		Depth:  countingSinks{next: sinks, metrics: f.metrics},
	}
	f.scheduler = backfill.NewScheduler(backfill.SchedulerConfig{
		MaxConcurrentRequests:    cfg.Backfill.MaxConcurrentRequests,
		MaxConcurrentPerProvider: cfg.Backfill.MaxConcurrentPerProvider,
	}, f.gov)
	f.controller = failover.NewController(failover.WithInterval(cfg.FailoverInterval()))

	f.registry.SetAlertFunc(func(id provider.ID, reason string) {
		f.metrics.ProviderAlertsTotal.WithLabelValues(string(id)).Inc()
		log.Error().Str("provider", string(id)).Str("reason", reason).Msg("Monitoring alert")
	})

	type ranked struct {
		id       provider.ID
		priority int
	}
	var streamingOrder []ranked

	for _, name := range cfg.DataSources.Active {
		pc := cfg.Providers[name]
		if !pc.Enabled {
			continue
		}
		if factory, ok := o.factories[name]; ok {
			client := factory(pc, f.sinks)
			id := client.ProviderID()
			f.clients[id] = client
			f.controller.Watch(client)
			if err := f.registry.Register(client, pc.Priority); err != nil {
				log.Warn().Err(err).Str("provider", name).Msg("Streaming client not registered")
				continue
			}
			if profile := pc.RateLimitProfile(); profile.MaxRequests > 0 {
				f.gov.Configure(id, profile)
			}
			streamingOrder = append(streamingOrder, ranked{id: id, priority: pc.Priority})
			continue
		}
		if name == string(backfill.YahooVendor) {
			y := backfill.NewYahooBars(f.gov)
			if err := f.registry.Register(y, pc.Priority); err != nil {
				log.Warn().Err(err).Str("provider", name).Msg("Backfill provider not registered")
			}
			continue
		}
		log.Warn().Str("provider", name).Msg("Active provider has no client factory")
	}

	for i := 0; i < len(streamingOrder); i++ {
		for j := i + 1; j < len(streamingOrder); j++ {
			if streamingOrder[j].priority < streamingOrder[i].priority {
				streamingOrder[i], streamingOrder[j] = streamingOrder[j], streamingOrder[i]
			}
		}
	}
	for _, r := range streamingOrder {
		f.order = append(f.order, r.id)
	}

	if cfg.DataSources.EnableFailover && len(f.order) >= 2 {
		f.controller.AddRule(failover.NewRule(failoverRuleID, f.order[0], f.order[1:]...))
	}
	return f
}

// Registry exposes the provider directory.
func (f *Facade) Registry() *provider.Registry { return f.registry }

// Governor exposes the shared rate-limit governor.
func (f *Facade) Governor() *ratelimit.Governor { return f.gov }

// Scheduler exposes the backfill scheduler.
func (f *Facade) Scheduler() *backfill.Scheduler { return f.scheduler }

// Controller exposes the failover controller.
func (f *Facade) Controller() *failover.Controller { return f.controller }

// Events is the stream of failover and recovery events, re-published after
// metric accounting.
func (f *Facade) Events() <-chan failover.Event { return f.events }

// Start connects every streaming client in parallel, then launches the
// failover loop, the event and completion pumps, and the HTTP surface.
// Start succeeds when at least one client connects.
func (f *Facade) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	connected := 0
	var lastErr error

	for id, client := range f.clients {
		g.Go(func() error {
			if err := client.Connect(gctx); err != nil {
				log.Error().Err(err).Str("provider", string(id)).Msg("Initial connect failed")
				mu.Lock()
				lastErr = err
				mu.Unlock()
				return nil
			}
			mu.Lock()
			connected++
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	if len(f.clients) > 0 && connected == 0 {
		return lastErr
	}

	if f.cfg.DataSources.EnableFailover {
		f.controller.Start()
	}

	f.wg.Add(2)
	go f.pumpEvents()
	go f.pumpCompletions()

	if addr := f.cfg.Server.ListenAddr; addr != "" {
		f.httpSrv = &http.Server{Addr: addr, Handler: f.Router()}
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			log.Info().Str("addr", addr).Msg("Facade HTTP surface listening")
			if err := f.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("HTTP surface failed")
			}
		}()
	}

	log.Info().
		Int("streaming_clients", len(f.clients)).
		Int("connected", connected).
		Msg("Provider plane started")
	return nil
}

func (f *Facade) pumpEvents() {
	defer f.wg.Done()
	for {
		select {
		case <-f.stopCh:
			return
		case ev := <-f.controller.Events():
			switch ev.Type {
			case failover.FailoverOccurred:
				f.metrics.FailoversTotal.Inc()
			case failover.ProviderRecovered:
				f.metrics.RecoveriesTotal.Inc()
			}
			select {
			case f.events <- ev:
			default:
				log.Warn().Str("rule", ev.RuleID).Msg("Facade event buffer full; event dropped")
			}
		}
	}
}

func (f *Facade) pumpCompletions() {
	defer f.wg.Done()
	for {
		select {
		case <-f.stopCh:
			return
		case req := <-f.scheduler.Completions():
			f.metrics.BackfillRequestsTotal.WithLabelValues(string(req.Status)).Inc()
		}
	}
}

// RecordRateLimitHit feeds a vendor 429 into scheduler, governor and
// metrics.
func (f *Facade) RecordRateLimitHit(id provider.ID, cooldown time.Duration) {
	f.metrics.RateLimitHitsTotal.WithLabelValues(string(id)).Inc()
	f.scheduler.RecordProviderRateLimitHit(id, cooldown)
}

// activeStreamingClient picks the failover rule's current active provider,
// falling back to priority order.
func (f *Facade) activeStreamingClient() (stream.Client, provider.ID, error) {
	for _, rule := range f.controller.Rules() {
		if rule.ID == failoverRuleID {
			if client, ok := f.clients[rule.CurrentActive]; ok {
				return client, rule.CurrentActive, nil
			}
		}
	}
	for _, id := range f.order {
		if client := f.clients[id]; client != nil && client.IsConnected() {
			return client, id, nil
		}
	}
	if len(f.order) > 0 {
		id := f.order[0]
		return f.clients[id], id, nil
	}
	return nil, "", provider.ErrNoProviderAvailable
}

func (f *Facade) subscribe(symbol string, kind stream.SubKind) (int64, error) {
	client, id, err := f.activeStreamingClient()
	if err != nil {
		return 0, err
	}
	var subID int64
	switch kind {
	case stream.SubTrade:
		subID, err = client.SubscribeTrades(symbol)
	case stream.SubQuote:
		subID, err = client.SubscribeQuotes(symbol)
	case stream.SubDepth:
		subID, err = client.SubscribeDepth(symbol)
	}
	if err != nil {
		return 0, err
	}
	f.metrics.ActiveSubscriptions.WithLabelValues(string(id)).Set(float64(len(client.Subscriptions())))
	return subID, nil
}

// unsubscribe drops the (symbol, kind) pair on every client: after a
// failover window both sides may hold it.
func (f *Facade) unsubscribe(symbol string, kind stream.SubKind) error {
	var firstErr error
	for id, client := range f.clients {
		var err error
		switch kind {
		case stream.SubTrade:
			err = client.UnsubscribeTrades(symbol)
		case stream.SubQuote:
			err = client.UnsubscribeQuotes(symbol)
		case stream.SubDepth:
			err = client.UnsubscribeDepth(symbol)
		}
		if err != nil && err != stream.ErrKindNotSupported && firstErr == nil {
			firstErr = err
		}
		f.metrics.ActiveSubscriptions.WithLabelValues(string(id)).Set(float64(len(client.Subscriptions())))
	}
	return firstErr
}

// SubscribeTrades subscribes on the currently active streaming provider.
func (f *Facade) SubscribeTrades(symbol string) (int64, error) {
	return f.subscribe(symbol, stream.SubTrade)
}

// SubscribeQuotes subscribes on the currently active streaming provider.
func (f *Facade) SubscribeQuotes(symbol string) (int64, error) {
	return f.subscribe(symbol, stream.SubQuote)
}

// SubscribeDepth subscribes on the currently active streaming provider.
func (f *Facade) SubscribeDepth(symbol string) (int64, error) {
	return f.subscribe(symbol, stream.SubDepth)
}

// UnsubscribeTrades drops the trade subscription everywhere.
func (f *Facade) UnsubscribeTrades(symbol string) error {
	return f.unsubscribe(symbol, stream.SubTrade)
}

// UnsubscribeQuotes drops the quote subscription everywhere.
func (f *Facade) UnsubscribeQuotes(symbol string) error {
	return f.unsubscribe(symbol, stream.SubQuote)
}

// UnsubscribeDepth drops the depth subscription everywhere.
func (f *Facade) UnsubscribeDepth(symbol string) error {
	return f.unsubscribe(symbol, stream.SubDepth)
}

// Stats is the monitoring snapshot exposed at /health.
type Stats struct {
	Registry      provider.Summary                        `json:"registry"`
	Backfill      backfill.Statistics                     `json:"backfill"`
	Health        map[provider.ID]failover.HealthSnapshot `json:"health"`
	Subscriptions map[provider.ID]int                     `json:"subscriptions"`
	ActiveRules   []failover.Rule                         `json:"rules"`
}

// GetStats snapshots the plane.
func (f *Facade) GetStats() Stats {
	s := Stats{
		Registry:      f.registry.GetSummary(),
		Backfill:      f.scheduler.GetStatistics(),
		Health:        make(map[provider.ID]failover.HealthSnapshot),
		Subscriptions: make(map[provider.ID]int),
		ActiveRules:   f.controller.Rules(),
	}
	for id, client := range f.clients {
		s.Subscriptions[id] = len(client.Subscriptions())
		if h, ok := f.controller.Health(id); ok {
			s.Health[id] = h
		}
	}
	return s
}

// Router builds the HTTP surface: prometheus metrics and a health snapshot.
func (f *Facade) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(f.metrics.Registry, promhttp.HandlerOpts{}))
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(f.GetStats()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}).Methods(http.MethodGet)
	return r
}

// Close shuts the plane down within the aggregate timeout: HTTP surface,
// failover loop and every client in parallel. A timeout logs "forcing exit"
// and returns; it does not crash.
func (f *Facade) Close(ctx context.Context) error {
	f.stopOnce.Do(func() { close(f.stopCh) })

	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if f.httpSrv != nil {
		g.Go(func() error { return f.httpSrv.Shutdown(gctx) })
	}
	g.Go(func() error { return f.controller.Shutdown(gctx) })
	for _, client := range f.clients {
		g.Go(func() error { return client.Disconnect(gctx) })
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		f.wg.Wait()
		// Pumps are down; release anyone ranging over the event streams.
		f.eventsOnce.Do(func() {
			f.controller.CloseEvents()
			close(f.events)
		})
		f.registry.Close(context.Background())
		log.Info().Msg("Provider plane stopped")
		return err
	case <-ctx.Done():
		log.Error().Dur("timeout", shutdownTimeout).Msg("Shutdown timed out; forcing exit")
		return ctx.Err()
	}
}
