package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	// ErrAlreadyRegistered is returned on a duplicate Register; the first
	// registration stays in place.
	ErrAlreadyRegistered = errors.New("provider already registered")

	// ErrNotRegistered is returned when an id is unknown to the registry.
	ErrNotRegistered = errors.New("provider not registered")

	// ErrNoProviderAvailable is returned when no enabled provider satisfies
	// a capability query.
	ErrNoProviderAvailable = errors.New("no provider available")
)

// Registry is the unified capability-indexed directory of all providers.
// Safe for concurrent readers and writers; enable/disable are linearizable
// under the write lock.
type Registry struct {
	mu        sync.RWMutex
	providers map[ID]*Registered

	// alert is invoked when a streaming provider is disabled; the facade
	// wires this to its monitoring surface.
	alert func(id ID, reason string)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[ID]*Registered)}
}

// SetAlertFunc installs the monitoring alert hook.
func (r *Registry) SetAlertFunc(fn func(id ID, reason string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alert = fn
}

// Register adds a provider. Registering the same id twice is a no-op that
// reports ErrAlreadyRegistered.
func (r *Registry) Register(p Provider, priority int) error {
	if p == nil {
		return fmt.Errorf("register: nil provider")
	}
	id := p.ProviderID()
	if id == "" {
		return fmt.Errorf("register: provider must have a non-empty id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[id]; exists {
		return ErrAlreadyRegistered
	}
	r.providers[id] = &Registered{
		ID:           id,
		Capabilities: p.Capabilities(),
		Priority:     priority,
		Enabled:      true,
		Instance:     p,
	}
	log.Info().Str("provider", string(id)).Int("priority", priority).Msg("Provider registered")
	return nil
}

// Unregister removes a provider without disposing it.
func (r *Registry) Unregister(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[id]; !exists {
		return ErrNotRegistered
	}
	delete(r.providers, id)
	return nil
}

// Enable marks a provider eligible for GetBest* selection.
func (r *Registry) Enable(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.providers[id]
	if !exists {
		return ErrNotRegistered
	}
	entry.Enabled = true
	return nil
}

// Disable removes a provider from GetBest* selection while keeping it listed.
// Disabling a streaming provider raises a monitoring alert.
func (r *Registry) Disable(id ID) error {
	r.mu.Lock()
	entry, exists := r.providers[id]
	if !exists {
		r.mu.Unlock()
		return ErrNotRegistered
	}
	entry.Enabled = false
	streaming := entry.Capabilities.Kind == KindStreaming || entry.Capabilities.Kind == KindHybrid
	alert := r.alert
	r.mu.Unlock()

	log.Warn().Str("provider", string(id)).Msg("Provider disabled")
	if streaming && alert != nil {
		alert(id, "streaming provider disabled")
	}
	return nil
}

// GetByID returns a copy of the registry entry for an id.
func (r *Registry) GetByID(id ID) (*Registered, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.providers[id]
	if !exists {
		return nil, ErrNotRegistered
	}
	cp := *entry
	return &cp, nil
}

// Instance returns the live provider instance for an id.
func (r *Registry) Instance(id ID) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.providers[id]
	if !exists {
		return nil, ErrNotRegistered
	}
	return entry.Instance, nil
}

// GetAll returns every entry, disabled ones included, sorted by priority.
func (r *Registry) GetAll() []Registered {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked(func(*Registered) bool { return true })
}

// GetByCapability returns enabled entries matching the predicate, sorted by
// priority.
func (r *Registry) GetByCapability(match func(Capabilities) bool) []Registered {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked(func(e *Registered) bool {
		return e.Enabled && match(e.Capabilities)
	})
}

func (r *Registry) snapshotLocked(keep func(*Registered) bool) []Registered {
	out := make([]Registered, 0, len(r.providers))
	for _, entry := range r.providers {
		if keep(entry) {
			out = append(out, *entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetBestBackfillProvider returns the highest-priority enabled, available
// provider that can serve historical bars.
func (r *Registry) GetBestBackfillProvider(ctx context.Context) (Provider, error) {
	return r.getBest(ctx, func(c Capabilities) bool {
		return c.Kind == KindBackfill || c.Kind == KindHybrid
	})
}

// GetBestSymbolSearchProvider returns the highest-priority enabled, available
// provider that can resolve symbols.
func (r *Registry) GetBestSymbolSearchProvider(ctx context.Context) (Provider, error) {
	return r.getBest(ctx, func(c Capabilities) bool {
		return c.SymbolSearch
	})
}

func (r *Registry) getBest(ctx context.Context, match func(Capabilities) bool) (Provider, error) {
	for _, entry := range r.GetByCapability(match) {
		ok, err := entry.Instance.IsAvailable(ctx)
		if err != nil {
			log.Debug().Err(err).Str("provider", string(entry.ID)).Msg("Availability check failed")
			continue
		}
		if ok {
			return entry.Instance, nil
		}
	}
	return nil, ErrNoProviderAvailable
}

// Summary describes the registry for monitoring surfaces.
type Summary struct {
	Total    int            `json:"total"`
	Enabled  int            `json:"enabled"`
	Disabled int            `json:"disabled"`
	ByKind   map[string]int `json:"by_kind"`
}

// GetSummary returns aggregate counts.
func (r *Registry) GetSummary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Summary{ByKind: make(map[string]int)}
	for _, entry := range r.providers {
		s.Total++
		if entry.Enabled {
			s.Enabled++
		} else {
			s.Disabled++
		}
		s.ByKind[entry.Capabilities.Kind.String()]++
	}
	return s
}

// Close disposes every provider and clears the registry. Individual disposal
// errors are logged and swallowed so the remaining providers still dispose.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	providers := make([]*Registered, 0, len(r.providers))
	for _, entry := range r.providers {
		providers = append(providers, entry)
	}
	r.providers = make(map[ID]*Registered)
	r.mu.Unlock()

	for _, entry := range providers {
		if err := entry.Instance.Close(ctx); err != nil {
			log.Warn().Err(err).Str("provider", string(entry.ID)).Msg("Provider disposal failed")
		}
	}
}
