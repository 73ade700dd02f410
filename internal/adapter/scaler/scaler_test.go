package scaler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/krinkuto11/acefleet/internal/adapter/breaker"
	"github.com/krinkuto11/acefleet/internal/adapter/docker"
	"github.com/krinkuto11/acefleet/internal/adapter/state"
	"github.com/krinkuto11/acefleet/internal/adapter/vpn"
	"github.com/krinkuto11/acefleet/internal/config"
	"github.com/krinkuto11/acefleet/internal/core/domain"
	"github.com/krinkuto11/acefleet/internal/logger"
	"github.com/krinkuto11/acefleet/internal/metrics"
	"github.com/krinkuto11/acefleet/pkg/eventbus"
	"github.com/krinkuto11/acefleet/theme"
)

func testLogger() *logger.StyledLogger {
	return logger.NewStyledLogger(slog.New(slog.DiscardHandler), theme.GetTheme("mono"))
}

// fakeDriver is an in-memory ports.ContainerDriver
type fakeDriver struct {
	mu       sync.Mutex
	next     int
	started  map[string]domain.ContainerInfo
	startErr error
	stops    []string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{started: make(map[string]domain.ContainerInfo)}
}

func (d *fakeDriver) Start(_ context.Context, spec domain.StartSpec) (domain.ContainerInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return domain.ContainerInfo{}, d.startErr
	}
	d.next++
	info := domain.ContainerInfo{
		ID:           fmt.Sprintf("ct-%d", d.next),
		Name:         spec.Name,
		Host:         "127.0.0.1",
		HostHTTPPort: spec.HostHTTPPort,
		Labels:       spec.Labels,
		CreatedAt:    time.Now(),
		Running:      true,
	}
	d.started[info.ID] = info
	return info, nil
}

func (d *fakeDriver) Stop(_ context.Context, id string, _ time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.started, id)
	d.stops = append(d.stops, id)
	return nil
}

func (d *fakeDriver) Inspect(_ context.Context, id string) (domain.ContainerInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.started[id]
	if !ok {
		return domain.ContainerInfo{}, domain.ErrNotFound
	}
	return info, nil
}

func (d *fakeDriver) ListManaged(_ context.Context) ([]domain.ContainerInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.ContainerInfo, 0, len(d.started))
	for _, info := range d.started {
		out = append(out, info)
	}
	return out, nil
}

// fakeAPI is a compliant ports.EngineAPI whose probes always succeed
type fakeAPI struct {
	probeErr error
}

func (f *fakeAPI) OpenStream(context.Context, string, int, string, string) (*domain.EngineSession, error) {
	return &domain.EngineSession{PlaybackURL: "http://x/playback"}, nil
}
func (f *fakeAPI) Stats(context.Context, string) (*domain.EngineStats, error) {
	return &domain.EngineStats{}, nil
}
func (f *fakeAPI) Stop(context.Context, string) error { return nil }
func (f *fakeAPI) Probe(context.Context, string, int) error {
	return f.probeErr
}

type harness struct {
	store  *state.Store
	driver *fakeDriver
	coord  *vpn.Coordinator
	scaler *Autoscaler
	cfg    *config.Manager
	clock  time.Time
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Scaler.ProvisionTimeout = 2 * time.Second
	if mutate != nil {
		mutate(cfg)
	}
	mgr := config.NewManager(cfg, nil)

	bus := eventbus.NewWithConfig[domain.Event](eventbus.Config{BufferSize: 256})
	store := state.NewStore(bus)
	driver := newFakeDriver()
	coord := vpn.NewCoordinator(cfg.VPN, bus, testLogger())
	cb := breaker.New()
	alloc := docker.NewPortAllocator(cfg.Docker)

	h := &harness{
		store:  store,
		driver: driver,
		coord:  coord,
		cfg:    mgr,
		clock:  time.Now(),
	}
	h.scaler = New(store, driver, &fakeAPI{}, coord, cb, alloc, mgr, metrics.New(), testLogger())
	h.scaler.SetClock(func() time.Time { return h.clock })
	coord.SetClock(func() time.Time { return h.clock })
	coord.SetInvalidator(h.scaler)
	return h
}

func (h *harness) addStream(id, engineID string) {
	h.store.AddStream(domain.Stream{
		ID: id, ContentKey: "key-" + id, EngineID: engineID,
		StartedAt: h.clock, Status: domain.StreamStarted,
	})
}

// Scenario: MIN_REPLICAS=2, fleet empty; the first tick provisions two
// free engines.
func TestTickProvisionsToMinimumFree(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Scaler.MinReplicas = 2
		c.Scaler.MaxReplicas = 5
	})

	h.scaler.Tick(context.Background())

	if got := h.store.EngineCount(); got != 2 {
		t.Fatalf("fleet size after tick = %d, want 2", got)
	}
	if got := h.store.FreeCount(); got != 2 {
		t.Errorf("free engines = %d, want 2", got)
	}
}

// MIN_REPLICAS means minimum FREE engines: a busy fleet at min size still
// gets a fresh engine.
func TestMinReplicasMeansFreeNotTotal(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Scaler.MinReplicas = 1
		c.Scaler.MaxReplicas = 5
	})

	h.scaler.Tick(context.Background())
	if h.store.EngineCount() != 1 {
		t.Fatalf("expected 1 engine, got %d", h.store.EngineCount())
	}
	e := h.store.Engines()[0]
	h.addStream("s1", e.ContainerID)

	h.clock = h.clock.Add(2 * time.Minute) // past cooldown
	h.scaler.Tick(context.Background())

	if got := h.store.EngineCount(); got != 2 {
		t.Errorf("fleet size = %d, want 2 (busy engine does not count as free)", got)
	}
}

// After a lookahead provision, no further lookahead until every engine
// reaches the recorded layer.
func TestLookaheadSingleShot(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Scaler.MinReplicas = 0
		c.Scaler.MaxReplicas = 10
		c.Streams.MaxStreamsPerEngine = 3
		// The clock jumps 2 min per step; a long lifetime keeps scale-down
		// from retiring the idle lookahead engine so only lookahead acts
		c.Scaler.MinEngineLifetime = time.Hour
	})
	ctx := context.Background()

	e0, _ := h.scaler.ProvisionOne(ctx)
	e1, _ := h.scaler.ProvisionOne(ctx)
	if e0 == nil || e1 == nil {
		t.Fatal("setup provisioning failed")
	}

	// Loads [3, 2]: e0 saturated, e1 at MAX-1 -> lookahead fires
	h.addStream("a", e0.ContainerID)
	h.addStream("b", e0.ContainerID)
	h.addStream("c", e0.ContainerID)
	h.addStream("d", e1.ContainerID)
	h.addStream("e", e1.ContainerID)

	h.clock = h.clock.Add(2 * time.Minute)
	h.scaler.Tick(ctx)

	if got := h.store.EngineCount(); got != 3 {
		t.Fatalf("fleet after lookahead = %d, want 3", got)
	}
	if layer, ok := h.store.LookaheadLayer(); !ok || layer != 2 {
		t.Fatalf("lookahead_layer = %d,%v, want 2,true", layer, ok)
	}

	// Loads become [3, 3, 0]: min=0 < layer, lookahead stays suppressed
	h.addStream("f", e1.ContainerID)
	h.clock = h.clock.Add(2 * time.Minute)
	h.scaler.Tick(ctx)
	if got := h.store.EngineCount(); got != 3 {
		t.Errorf("fleet = %d after suppressed tick, want 3", got)
	}

	// New engine accepts one stream: [3, 3, 1], min=1 still below layer
	var e2 string
	for _, e := range h.store.Engines() {
		if e.ContainerID != e0.ContainerID && e.ContainerID != e1.ContainerID {
			e2 = e.ContainerID
		}
	}
	h.addStream("g", e2)
	h.clock = h.clock.Add(2 * time.Minute)
	h.scaler.Tick(ctx)
	if got := h.store.EngineCount(); got != 3 {
		t.Errorf("fleet = %d, want 3 (min=1 < layer=2)", got)
	}

	// [3, 3, 2]: min reaches the layer, lookahead re-arms (and the engine
	// at MAX-1 may trigger it again)
	h.addStream("h", e2)
	h.clock = h.clock.Add(2 * time.Minute)
	h.scaler.Tick(ctx)
	if _, ok := h.store.LookaheadLayer(); ok {
		if got := h.store.EngineCount(); got == 3 {
			t.Error("layer recorded but no lookahead fired after re-arm")
		}
	}
}

func TestScaleDownKeepsMinimumFree(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Scaler.MinReplicas = 1
		c.Scaler.MaxReplicas = 5
		c.Scaler.MinEngineLifetime = 0
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := h.scaler.ProvisionOne(ctx); err != nil {
			t.Fatal(err)
		}
	}

	// Several ticks past cooldown retire one idle engine at a time until
	// only the free minimum remains
	for i := 0; i < 5; i++ {
		h.clock = h.clock.Add(2 * time.Minute)
		h.scaler.Tick(ctx)
	}
	if got := h.store.EngineCount(); got != 1 {
		t.Errorf("fleet = %d after scale down, want 1 (effective_min)", got)
	}
}

func TestScaleDownRespectsMinLifetime(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Scaler.MinReplicas = 0
		c.Scaler.MaxReplicas = 5
		c.Scaler.MinEngineLifetime = time.Hour
	})
	ctx := context.Background()

	if _, err := h.scaler.ProvisionOne(ctx); err != nil {
		t.Fatal(err)
	}
	h.clock = h.clock.Add(2 * time.Minute)
	h.scaler.Tick(ctx)

	if got := h.store.EngineCount(); got != 1 {
		t.Errorf("engine younger than min lifetime was retired")
	}
}

func TestScaleDownSkipsForwardedEngine(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Scaler.MinReplicas = 0
		c.Scaler.MaxReplicas = 5
		c.Scaler.MinEngineLifetime = 0
	})
	ctx := context.Background()

	e, err := h.scaler.ProvisionOne(ctx)
	if err != nil {
		t.Fatal(err)
	}
	h.store.SetForwarded(e.ContainerID, true, 36783)

	h.clock = h.clock.Add(2 * time.Minute)
	h.scaler.Tick(ctx)

	if got := h.store.EngineCount(); got != 1 {
		t.Error("forwarded engine was retired by scale down")
	}
}

// A provisioning failure streak opens the breaker and subsequent
// attempts return blocked_provisioning without touching the driver.
func TestBreakerBlocksProvisioning(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Scaler.MinReplicas = 0
		c.Scaler.MaxReplicas = 5
	})
	ctx := context.Background()
	h.driver.startErr = errors.New("daemon exploded")

	for i := 0; i < breaker.DefaultFailureThreshold; i++ {
		if _, err := h.scaler.ProvisionOne(ctx); err == nil {
			t.Fatal("provisioning should fail")
		}
	}

	startsBefore := h.driver.next
	_, err := h.scaler.ProvisionOne(ctx)
	var oe *domain.OrchestratorError
	if !errors.As(err, &oe) || oe.Code != domain.CodeBlockedProvisioning {
		t.Fatalf("err = %v, want blocked_provisioning", err)
	}
	if h.driver.next != startsBefore {
		t.Error("driver was called while the breaker is open")
	}

	ok, blockErr := h.scaler.CanProvision()
	if ok || blockErr == nil || blockErr.Code != domain.CodeBlockedProvisioning {
		t.Errorf("CanProvision = %v,%v, want blocked", ok, blockErr)
	}
}

func redundantVPNConfig(c *config.Config) {
	c.VPN.Sidecars = []config.VPNSidecar{
		{Name: "alpha", URL: "http://alpha:8000", NetworkContainer: "vpn-alpha", MaxActiveReplicas: 3},
		{Name: "beta", URL: "http://beta:8000", NetworkContainer: "vpn-beta", MaxActiveReplicas: 3},
	}
	c.Scaler.MaxActiveReplicas = 6
}

func TestForwardedPlacementOnProvision(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Scaler.MinReplicas = 0
		c.Scaler.MaxReplicas = 5
		c.VPN.Sidecars = []config.VPNSidecar{
			{Name: "alpha", URL: "http://alpha:8000", NetworkContainer: "vpn-alpha", MaxActiveReplicas: 4},
		}
		c.Scaler.MaxActiveReplicas = 4
	})
	h.coord.ForceState("alpha", domain.VPNUp, 36783, nil)
	ctx := context.Background()

	e, err := h.scaler.ProvisionOne(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !e.Forwarded {
		t.Fatal("first engine on a forwarded VPN should hold the forwarded port")
	}
	if e.P2PPort == nil || *e.P2PPort != 36783 {
		t.Errorf("p2p port = %v, want 36783", e.P2PPort)
	}

	// The second engine must not be forwarded
	e2, err := h.scaler.ProvisionOne(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if e2.Forwarded {
		t.Error("second engine also forwarded; at most one per VPN")
	}
}

// A forwarded-port rotation stops the old engine and the
// replacement carries the new port.
func TestInvalidateForwardedReplacesEngine(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Scaler.MinReplicas = 0
		c.Scaler.MaxReplicas = 5
		c.VPN.Sidecars = []config.VPNSidecar{
			{Name: "alpha", URL: "http://alpha:8000", NetworkContainer: "vpn-alpha", MaxActiveReplicas: 4},
		}
		c.Scaler.MaxActiveReplicas = 4
	})
	h.coord.ForceState("alpha", domain.VPNUp, 36783, nil)
	ctx := context.Background()

	old, err := h.scaler.ProvisionOne(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !old.Forwarded {
		t.Fatal("setup: engine not forwarded")
	}

	h.coord.ForceState("alpha", domain.VPNUp, 61697, nil)
	h.scaler.InvalidateForwarded(ctx, "alpha", 61697)

	if _, ok := h.store.Engine(old.ContainerID); ok {
		t.Error("old forwarded engine still indexed after port rotation")
	}

	replacement, ok := h.store.ForwardedEngine("alpha")
	if !ok {
		t.Fatal("no replacement forwarded engine")
	}
	if replacement.P2PPort == nil || *replacement.P2PPort != 61697 {
		t.Errorf("replacement p2p port = %v, want 61697", replacement.P2PPort)
	}

	forwarded := 0
	for _, e := range h.store.Engines() {
		if e.Forwarded {
			forwarded++
		}
	}
	if forwarded != 1 {
		t.Errorf("%d forwarded engines, want exactly 1", forwarded)
	}
}

func TestEmergencyModeEvictsFailedVPNEngines(t *testing.T) {
	h := newHarness(t, redundantVPNConfig)
	h.coord.ForceState("alpha", domain.VPNUp, 0, nil)
	h.coord.ForceState("beta", domain.VPNUp, 0, nil)
	ctx := context.Background()

	// One engine per VPN via balanced placement
	if _, err := h.scaler.ProvisionOne(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := h.scaler.ProvisionOne(ctx); err != nil {
		t.Fatal(err)
	}
	if len(h.store.EnginesBoundTo("alpha")) != 1 || len(h.store.EnginesBoundTo("beta")) != 1 {
		t.Fatalf("placement not balanced: alpha=%d beta=%d",
			len(h.store.EnginesBoundTo("alpha")), len(h.store.EnginesBoundTo("beta")))
	}

	h.coord.ForceState("beta", domain.VPNDown, 0, nil)
	h.scaler.Tick(ctx)

	if got := len(h.store.EnginesBoundTo("beta")); got != 0 {
		t.Errorf("%d engines still bound to the failed VPN", got)
	}
	if got := len(h.store.EnginesBoundTo("alpha")); got == 0 {
		t.Error("healthy VPN's engines were evicted too")
	}
}

// Stabilization gating: engines bound to a recovering VPN are not retired
// while the window is open.
func TestScaleDownSuppressedDuringStabilization(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Scaler.MinReplicas = 0
		c.Scaler.MaxReplicas = 5
		c.Scaler.MinEngineLifetime = 0
		c.VPN.Sidecars = []config.VPNSidecar{
			{Name: "alpha", URL: "http://alpha:8000", NetworkContainer: "vpn-alpha", MaxActiveReplicas: 4},
		}
		c.Scaler.MaxActiveReplicas = 4
	})
	h.coord.ForceState("alpha", domain.VPNUp, 0, nil)
	ctx := context.Background()

	e, err := h.scaler.ProvisionOne(ctx)
	if err != nil {
		t.Fatal(err)
	}
	h.store.SetForwarded(e.ContainerID, false, 0) // make it eligible

	recovery := h.clock
	h.coord.ForceState("alpha", domain.VPNUp, 0, &recovery)

	h.clock = h.clock.Add(90 * time.Second) // inside the 120 s window
	h.scaler.Tick(ctx)
	if h.store.EngineCount() != 1 {
		t.Error("idle engine evicted inside the stabilization window")
	}

	h.clock = h.clock.Add(5 * time.Minute) // window elapsed
	h.scaler.Tick(ctx)
	if h.store.EngineCount() != 0 {
		t.Error("idle engine not evicted after the stabilization window")
	}
}
