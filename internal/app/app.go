package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/krinkuto11/acefleet/internal/adapter/breaker"
	"github.com/krinkuto11/acefleet/internal/adapter/docker"
	"github.com/krinkuto11/acefleet/internal/adapter/engine"
	"github.com/krinkuto11/acefleet/internal/adapter/health"
	"github.com/krinkuto11/acefleet/internal/adapter/proxy"
	"github.com/krinkuto11/acefleet/internal/adapter/proxy/hls"
	"github.com/krinkuto11/acefleet/internal/adapter/registry"
	"github.com/krinkuto11/acefleet/internal/adapter/scaler"
	"github.com/krinkuto11/acefleet/internal/adapter/selector"
	"github.com/krinkuto11/acefleet/internal/adapter/state"
	"github.com/krinkuto11/acefleet/internal/adapter/vpn"
	"github.com/krinkuto11/acefleet/internal/config"
	"github.com/krinkuto11/acefleet/internal/core/domain"
	"github.com/krinkuto11/acefleet/internal/logger"
	"github.com/krinkuto11/acefleet/internal/metrics"
	"github.com/krinkuto11/acefleet/pkg/eventbus"
)

// Application wires every component together. Nothing in here is a global:
// construction order follows the dependency graph and test doubles slot in
// behind the ports interfaces.
type Application struct {
	cfg     *config.Manager
	server  *http.Server
	logger  *logger.StyledLogger
	errCh   chan error
	cancel  context.CancelFunc
	stopped chan struct{}

	bus       *eventbus.EventBus[domain.Event]
	store     *state.Store
	persister *state.Persister
	driver    *docker.Driver
	engineAPI *engine.Client
	coord     *vpn.Coordinator
	monitor   *health.Monitor
	tracker   *health.FailureTracker
	breaker   *breaker.CircuitBreaker
	autoscale *scaler.Autoscaler
	selector  *selector.Selector
	registry  *registry.Registry
	blacklist *registry.Blacklist
	tsProxy   *proxy.Manager
	hlsProxy  *hls.Manager
	metrics   *metrics.Metrics
}

// New builds the application graph. The container runtime must be reachable;
// callers treat the returned sentinel as exit code 2.
var ErrBackendUnreachable = errors.New("container runtime unreachable")

func New(ctx context.Context, cfgManager *config.Manager, log *logger.StyledLogger) (*Application, error) {
	cfg := cfgManager.Get()

	bus := eventbus.New[domain.Event]()
	store := state.NewStore(bus)
	m := metrics.New()

	driver, err := docker.New(cfg.Docker.OwnerLabel, log)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := driver.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}

	engineAPI := engine.NewClient(cfg.Proxy.ConnectTimeout, cfg.Proxy.ReadTimeout)
	coord := vpn.NewCoordinator(cfg.VPN, bus, log)
	cb := breaker.New()
	cb.OnOpen(func(op string) {
		m.BreakerOpensTotal.WithLabelValues(op).Inc()
		log.Warn("Circuit breaker opened", "operation", op)
	})

	alloc := docker.NewPortAllocator(cfg.Docker)
	autoscale := scaler.New(store, driver, engineAPI, coord, cb, alloc, cfgManager, m, log)
	coord.SetInvalidator(autoscale)

	tracker := health.NewFailureTracker(log)
	monitor := health.NewMonitor(store, engineAPI, log)
	sel := selector.New(store, tracker, autoscale, cfgManager, log)

	bl := registry.NewBlacklist(cfg.Blacklist.RetentionMinutes, cfg.Blacklist.PersistPath, log)
	reg := registry.New(store, engineAPI, bl, cfgManager, m, log)

	tsProxy := proxy.NewManager(store, sel, engineAPI, tracker, bl, cfgManager, m, log)
	hlsProxy := hls.NewManager(store, sel, engineAPI, tracker, bl, cfgManager, log)

	persister := state.NewPersister(store, cfg.State.SnapshotPath, cfg.State.SnapshotDebounce, log)

	app := &Application{
		cfg:       cfgManager,
		logger:    log,
		errCh:     make(chan error, 1),
		stopped:   make(chan struct{}),
		bus:       bus,
		store:     store,
		persister: persister,
		driver:    driver,
		engineAPI: engineAPI,
		coord:     coord,
		monitor:   monitor,
		tracker:   tracker,
		breaker:   cb,
		autoscale: autoscale,
		selector:  sel,
		registry:  reg,
		blacklist: bl,
		tsProxy:   tsProxy,
		hlsProxy:  hlsProxy,
		metrics:   m,
	}

	app.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout stays zero: TS responses are unbounded
		Handler: app.routes(),
	}

	return app, nil
}

// Start recovers state and launches every background loop
func (a *Application) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	// Crash recovery: merge the snapshot with the running container set
	snap, err := a.persister.Load()
	if err != nil {
		a.logger.Warn("Ignoring unreadable fleet snapshot", "error", err)
	}
	if err := state.Reindex(runCtx, a.store, a.driver, snap, a.logger); err != nil {
		return err
	}
	if snap != nil && snap.LookaheadLayer != nil {
		a.store.SetLookaheadLayer(*snap.LookaheadLayer)
	}

	go a.persister.Run(runCtx)
	go a.coord.Run(runCtx)
	go a.monitor.Run(runCtx)
	go a.autoscale.Run(runCtx)
	go a.registry.Run(runCtx)
	go a.tsProxy.Run(runCtx)
	go a.hlsProxy.Run(runCtx)
	go a.selector.WatchEvents(runCtx, a.bus)

	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server error", "error", err)
			a.errCh <- err
		}
	}()

	a.logger.Info("acefleet started", "bind", a.server.Addr,
		"mode", string(a.cfg.Get().Proxy.Mode), "vpn", a.coord.Enabled())
	return nil
}

// Stop shuts the server and loops down gracefully
func (a *Application) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Get().Server.ShutdownTimeout)
	defer cancel()

	if a.cancel != nil {
		a.cancel()
	}
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	a.bus.Shutdown()
	return nil
}

// Err surfaces fatal server errors to main
func (a *Application) Err() <-chan error { return a.errCh }
