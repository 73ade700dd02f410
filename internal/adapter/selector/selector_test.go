package selector

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/krinkuto11/acefleet/internal/adapter/health"
	"github.com/krinkuto11/acefleet/internal/adapter/state"
	"github.com/krinkuto11/acefleet/internal/config"
	"github.com/krinkuto11/acefleet/internal/core/domain"
	"github.com/krinkuto11/acefleet/internal/logger"
	"github.com/krinkuto11/acefleet/pkg/eventbus"
	"github.com/krinkuto11/acefleet/theme"
)

func testLogger() *logger.StyledLogger {
	return logger.NewStyledLogger(slog.New(slog.DiscardHandler), theme.GetTheme("mono"))
}

// fakeProvisioner satisfies ports.Provisioner and records calls
type fakeProvisioner struct {
	mu       sync.Mutex
	calls    int
	blocked  *domain.OrchestratorError
	onCreate func() *domain.Engine
}

func (f *fakeProvisioner) ProvisionOne(ctx context.Context) (*domain.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.blocked != nil {
		return nil, f.blocked
	}
	if f.onCreate != nil {
		return f.onCreate(), nil
	}
	return nil, domain.NewError(domain.CodeNoCapacity, "nothing to give")
}

func (f *fakeProvisioner) CanProvision() (bool, *domain.OrchestratorError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blocked != nil {
		return false, f.blocked
	}
	return true, nil
}

func newTestSelector(prov *fakeProvisioner, mutate func(*config.Config)) (*Selector, *state.Store, *eventbus.EventBus[domain.Event]) {
	cfg := config.DefaultConfig()
	cfg.Proxy.ProvisionWait = time.Second
	if mutate != nil {
		mutate(cfg)
	}
	mgr := config.NewManager(cfg, nil)
	bus := eventbus.NewWithConfig[domain.Event](eventbus.Config{BufferSize: 256})
	store := state.NewStore(bus)
	tracker := health.NewFailureTracker(testLogger())
	return New(store, tracker, prov, mgr, testLogger()), store, bus
}

func engineAt(store *state.Store, id string, health domain.HealthStatus, forwarded bool, created time.Time) {
	e := domain.Engine{
		ContainerID:   id,
		ContainerName: "engine-" + id,
		Host:          "127.0.0.1",
		Port:          19000,
		Health:        health,
		Forwarded:     forwarded,
		CreatedAt:     created,
	}
	store.UpsertEngine(e)
	if forwarded {
		store.SetForwarded(id, true, 36783)
	}
}

func startStream(store *state.Store, id, engineID string) {
	store.AddStream(domain.Stream{
		ID: id, ContentKey: "ck-" + id, EngineID: engineID,
		StartedAt: time.Now(), Status: domain.StreamStarted,
	})
}

func TestSelectPrefersForwardedEngine(t *testing.T) {
	sel, store, _ := newTestSelector(&fakeProvisioner{}, nil)
	base := time.Now()
	engineAt(store, "plain", domain.HealthHealthy, false, base)
	engineAt(store, "fwd", domain.HealthHealthy, true, base.Add(time.Minute))

	e, err := sel.Select(context.Background(), "ABC")
	if err != nil {
		t.Fatal(err)
	}
	if e.ContainerID != "fwd" {
		t.Errorf("selected %s, want the forwarded engine", e.ContainerID)
	}
}

func TestSelectPrefersLowerLoad(t *testing.T) {
	sel, store, _ := newTestSelector(&fakeProvisioner{}, nil)
	base := time.Now()
	engineAt(store, "busy", domain.HealthHealthy, false, base)
	engineAt(store, "idle", domain.HealthHealthy, false, base.Add(time.Minute))
	startStream(store, "s1", "busy")

	e, err := sel.Select(context.Background(), "ABC")
	if err != nil {
		t.Fatal(err)
	}
	if e.ContainerID != "idle" {
		t.Errorf("selected %s, want the idle engine", e.ContainerID)
	}
}

func TestSelectSkipsUnhealthyEngines(t *testing.T) {
	sel, store, _ := newTestSelector(&fakeProvisioner{}, nil)
	base := time.Now()
	engineAt(store, "sick", domain.HealthUnhealthy, true, base)
	engineAt(store, "ok", domain.HealthHealthy, false, base.Add(time.Minute))

	e, err := sel.Select(context.Background(), "ABC")
	if err != nil {
		t.Fatal(err)
	}
	if e.ContainerID != "ok" {
		t.Errorf("selected %s despite being unhealthy", e.ContainerID)
	}
}

func TestSelectSkipsRecoveringEngines(t *testing.T) {
	prov := &fakeProvisioner{}
	sel, store, _ := newTestSelector(prov, nil)
	base := time.Now()
	engineAt(store, "recovering", domain.HealthHealthy, true, base)
	engineAt(store, "ok", domain.HealthHealthy, false, base.Add(time.Minute))

	for i := 0; i < 5; i++ {
		sel.tracker.RecordFailure("recovering")
	}

	e, err := sel.Select(context.Background(), "ABC")
	if err != nil {
		t.Fatal(err)
	}
	if e.ContainerID != "ok" {
		t.Errorf("selected %s despite recovery mode", e.ContainerID)
	}
}

// Repeated selections for the same key inside the cache TTL stick to the
// same engine even when the load picture shifts.
func TestSelectCachesPerContentKey(t *testing.T) {
	sel, store, _ := newTestSelector(&fakeProvisioner{}, nil)
	now := time.Now()
	sel.SetClock(func() time.Time { return now })
	engineAt(store, "a", domain.HealthHealthy, false, now)
	engineAt(store, "b", domain.HealthHealthy, false, now.Add(time.Minute))

	first, err := sel.Select(context.Background(), "KEY")
	if err != nil {
		t.Fatal(err)
	}
	// Tilt the scores against the cached engine
	startStream(store, "s1", first.ContainerID)

	second, err := sel.Select(context.Background(), "KEY")
	if err != nil {
		t.Fatal(err)
	}
	if second.ContainerID != first.ContainerID {
		t.Error("cache miss inside the TTL")
	}

	// Past the TTL the selection is recomputed
	now = now.Add(3 * time.Second)
	third, err := sel.Select(context.Background(), "KEY")
	if err != nil {
		t.Fatal(err)
	}
	if third.ContainerID == first.ContainerID {
		t.Error("expired cache entry still used")
	}
}

func TestEngineEventFlushesCache(t *testing.T) {
	sel, store, bus := newTestSelector(&fakeProvisioner{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sel.WatchEvents(ctx, bus)

	now := time.Now()
	engineAt(store, "a", domain.HealthHealthy, false, now)

	if _, err := sel.Select(context.Background(), "KEY"); err != nil {
		t.Fatal(err)
	}

	store.SetEngineHealth("a", domain.HealthUnhealthy, time.Now())
	time.Sleep(100 * time.Millisecond) // event delivery

	if _, ok := sel.cache.Load("KEY"); ok {
		t.Error("cache survived an engine event")
	}
}

// Pending reservations count as load so concurrent admissions spread out
func TestPendingStreamsCountAsLoad(t *testing.T) {
	sel, store, _ := newTestSelector(&fakeProvisioner{}, func(c *config.Config) {
		c.Streams.MaxStreamsPerEngine = 1
	})
	base := time.Now()
	engineAt(store, "a", domain.HealthHealthy, false, base)
	engineAt(store, "b", domain.HealthHealthy, false, base.Add(time.Minute))

	first, err := sel.Select(context.Background(), "K1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := sel.Select(context.Background(), "K2")
	if err != nil {
		t.Fatal(err)
	}
	if first.ContainerID == second.ContainerID {
		t.Error("both admissions landed on one engine despite the pending reservation")
	}
}

func TestSelectProvisionsWhenSaturated(t *testing.T) {
	var store *state.Store
	prov := &fakeProvisioner{}
	prov.onCreate = func() *domain.Engine {
		e := domain.Engine{
			ContainerID: "new", ContainerName: "engine-new",
			Host: "127.0.0.1", Port: 19001,
			Health: domain.HealthHealthy, CreatedAt: time.Now(),
		}
		store.UpsertEngine(e)
		return &e
	}
	sel, st, _ := newTestSelector(prov, func(c *config.Config) {
		c.Streams.MaxStreamsPerEngine = 1
	})
	store = st

	engineAt(store, "full", domain.HealthHealthy, false, time.Now())
	startStream(store, "s1", "full")

	e, err := sel.Select(context.Background(), "KEY")
	if err != nil {
		t.Fatal(err)
	}
	if e.ContainerID != "new" {
		t.Errorf("selected %s, want the provisioned engine", e.ContainerID)
	}
	if prov.calls != 1 {
		t.Errorf("provisioner called %d times, want 1", prov.calls)
	}
}

func TestSelectSurfacesBlockedProvisioning(t *testing.T) {
	prov := &fakeProvisioner{
		blocked: domain.NewError(domain.CodeBlockedProvisioning, "breaker open"),
	}
	sel, _, _ := newTestSelector(prov, nil)

	_, err := sel.Select(context.Background(), "KEY")
	oe := domain.AsOrchestratorError(err)
	if oe.Code != domain.CodeBlockedProvisioning {
		t.Errorf("error code = %s, want blocked_provisioning", oe.Code)
	}
}
