package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeProvider struct {
	id        ID
	caps      Capabilities
	available bool
	availErr  error
	closed    bool
	closeErr  error
}

func (f *fakeProvider) ProviderID() ID              { return f.id }
func (f *fakeProvider) Capabilities() Capabilities  { return f.caps }
func (f *fakeProvider) Close(context.Context) error { f.closed = true; return f.closeErr }
func (f *fakeProvider) IsAvailable(context.Context) (bool, error) {
	return f.available, f.availErr
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	p := &fakeProvider{id: "alpaca", caps: Capabilities{Kind: KindStreaming}}

	if err := r.Register(p, 1); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if err := r.Register(p, 2); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}

	entry, err := r.GetByID("alpaca")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if entry.Priority != 1 {
		t.Errorf("duplicate register must not overwrite priority, got %d", entry.Priority)
	}
}

func TestRegistry_DisableExcludesFromCapabilityQueries(t *testing.T) {
	r := NewRegistry()
	p := &fakeProvider{id: "polygon", caps: Capabilities{Kind: KindStreaming, Trades: true}}
	if err := r.Register(p, 1); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if err := r.Disable("polygon"); err != nil {
		t.Fatalf("disable failed: %v", err)
	}

	matches := r.GetByCapability(func(c Capabilities) bool { return c.Trades })
	if len(matches) != 0 {
		t.Errorf("disabled provider must be excluded from capability queries, got %d", len(matches))
	}
	if len(r.GetAll()) != 1 {
		t.Error("disabled provider must remain listed by GetAll")
	}

	if err := r.Enable("polygon"); err != nil {
		t.Fatalf("enable failed: %v", err)
	}
	if len(r.GetByCapability(func(c Capabilities) bool { return c.Trades })) != 1 {
		t.Error("re-enabled provider must be visible again")
	}
}

func TestRegistry_DisableStreamingEmitsAlert(t *testing.T) {
	r := NewRegistry()
	var alerted ID
	r.SetAlertFunc(func(id ID, reason string) { alerted = id })

	stream := &fakeProvider{id: "alpaca", caps: Capabilities{Kind: KindStreaming}}
	backfill := &fakeProvider{id: "yahoo", caps: Capabilities{Kind: KindBackfill}}
	_ = r.Register(stream, 1)
	_ = r.Register(backfill, 2)

	_ = r.Disable("yahoo")
	if alerted != "" {
		t.Error("disabling a backfill provider must not alert")
	}
	_ = r.Disable("alpaca")
	if alerted != "alpaca" {
		t.Errorf("expected alert for alpaca, got %q", alerted)
	}
}

func TestRegistry_GetBestBackfillHonorsPriorityAndAvailability(t *testing.T) {
	r := NewRegistry()
	first := &fakeProvider{id: "alpaca", caps: Capabilities{Kind: KindHybrid}, available: false}
	second := &fakeProvider{id: "yahoo", caps: Capabilities{Kind: KindBackfill}, available: true}
	broken := &fakeProvider{id: "polygon", caps: Capabilities{Kind: KindBackfill}, availErr: errors.New("probe timeout")}

	_ = r.Register(first, 1)
	_ = r.Register(broken, 2)
	_ = r.Register(second, 3)

	got, err := r.GetBestBackfillProvider(context.Background())
	if err != nil {
		t.Fatalf("GetBestBackfillProvider failed: %v", err)
	}
	if got.ProviderID() != "yahoo" {
		t.Errorf("expected yahoo (first available in priority order), got %s", got.ProviderID())
	}
}

func TestRegistry_GetBestNoneAvailable(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(&fakeProvider{id: "yahoo", caps: Capabilities{Kind: KindBackfill}}, 1)

	if _, err := r.GetBestBackfillProvider(context.Background()); !errors.Is(err, ErrNoProviderAvailable) {
		t.Fatalf("expected ErrNoProviderAvailable, got %v", err)
	}
}

func TestRegistry_CloseDisposesAllDespiteErrors(t *testing.T) {
	r := NewRegistry()
	a := &fakeProvider{id: "a", caps: Capabilities{Kind: KindBackfill}, closeErr: errors.New("boom")}
	b := &fakeProvider{id: "b", caps: Capabilities{Kind: KindBackfill}}
	_ = r.Register(a, 1)
	_ = r.Register(b, 2)

	r.Close(context.Background())

	if !a.closed || !b.closed {
		t.Error("all providers must be disposed even when one fails")
	}
	if len(r.GetAll()) != 0 {
		t.Error("registry must be empty after Close")
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(&fakeProvider{id: "alpaca", caps: Capabilities{Kind: KindStreaming, Trades: true}, available: true}, 1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				switch n % 4 {
				case 0:
					_ = r.Enable("alpaca")
				case 1:
					_ = r.Disable("alpaca")
				case 2:
					r.GetByCapability(func(c Capabilities) bool { return c.Trades })
				default:
					r.GetSummary()
				}
			}
		}(i)
	}
	wg.Wait()
}
