package scaler

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/krinkuto11/acefleet/internal/adapter/breaker"
	"github.com/krinkuto11/acefleet/internal/adapter/docker"
	"github.com/krinkuto11/acefleet/internal/adapter/state"
	"github.com/krinkuto11/acefleet/internal/adapter/vpn"
	"github.com/krinkuto11/acefleet/internal/config"
	"github.com/krinkuto11/acefleet/internal/core/domain"
	"github.com/krinkuto11/acefleet/internal/core/ports"
	"github.com/krinkuto11/acefleet/internal/logger"
	"github.com/krinkuto11/acefleet/internal/metrics"
)

// Autoscaler enforces the replica policy: keep effective_min engines free,
// provision ahead of saturation (lookahead), place the forwarded engine, and
// retire idle engines once they are safe to stop. Every decision is gated by
// the circuit breaker and by VPN stabilization windows.
type Autoscaler struct {
	store   *state.Store
	driver  ports.ContainerDriver
	api     ports.EngineAPI
	coord   *vpn.Coordinator
	breaker *breaker.CircuitBreaker
	ports   *docker.PortAllocator
	cfg     *config.Manager
	metrics *metrics.Metrics
	logger  *logger.StyledLogger

	mu          sync.Mutex
	lastScaleAt time.Time

	now func() time.Time
}

func New(
	store *state.Store,
	driver ports.ContainerDriver,
	api ports.EngineAPI,
	coord *vpn.Coordinator,
	cb *breaker.CircuitBreaker,
	alloc *docker.PortAllocator,
	cfg *config.Manager,
	m *metrics.Metrics,
	log *logger.StyledLogger,
) *Autoscaler {
	return &Autoscaler{
		store:   store,
		driver:  driver,
		api:     api,
		coord:   coord,
		breaker: cb,
		ports:   alloc,
		cfg:     cfg,
		metrics: m,
		logger:  log,
		now:     time.Now,
	}
}

// Run ticks the policy loop until the context ends
func (a *Autoscaler) Run(ctx context.Context) {
	interval := a.cfg.Get().Scaler.TickInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// EffectiveMin is the minimum number of FREE engines to maintain. This is
// deliberately not a minimum total: idle fleets shrink to it, busy fleets
// keep this many engines ready for new content keys.
func (a *Autoscaler) EffectiveMin() int {
	sc := a.cfg.Get().Scaler
	if !a.coord.Enabled() {
		return sc.MinReplicas
	}
	if sc.MaxActiveReplicas < sc.MinReplicas {
		return sc.MaxActiveReplicas
	}
	return sc.MinReplicas
}

// Tick evaluates the policies once, in order
func (a *Autoscaler) Tick(ctx context.Context) {
	a.handleEmergency(ctx)

	free := a.store.FreeCount()
	min := a.EffectiveMin()

	// 1. Ensure minimum free. Runs even during cooldown when the deficit
	// is strictly positive.
	if free < min {
		a.ensureMinimumFree(ctx, min-free)
		return
	}

	inCooldown := a.inCooldown()

	// 2. Lookahead: provision one engine ahead of saturation, once
	if !inCooldown {
		a.maybeLookahead(ctx)
	}
	a.updateLookaheadLayer()

	// 4. Scale down idle engines (suspended during cooldown, including one
	// just started by a lookahead provision in this tick)
	if !a.inCooldown() {
		a.scaleDown(ctx)
	}

	a.publishGauges()
}

func (a *Autoscaler) inCooldown() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.now().Sub(a.lastScaleAt) < a.cfg.Get().Scaler.Cooldown
}

func (a *Autoscaler) stampScale() {
	a.mu.Lock()
	a.lastScaleAt = a.now()
	a.mu.Unlock()
}

// ensureMinimumFree provisions deficit engines, bounded by the caps
func (a *Autoscaler) ensureMinimumFree(ctx context.Context, deficit int) {
	sc := a.cfg.Get().Scaler
	total := a.store.EngineCount()

	if total >= sc.MaxReplicas {
		a.logger.Debug("Free-engine deficit but fleet at max_replicas",
			"deficit", deficit, "total", total)
		return
	}
	if a.coord.Enabled() {
		headroom := sc.MaxActiveReplicas - total
		if headroom <= 0 {
			a.logger.Info("Free-engine deficit but fleet at max_active_replicas",
				"deficit", deficit, "total", total)
			return
		}
		if deficit > headroom {
			deficit = headroom
		}
	}
	if remaining := sc.MaxReplicas - total; deficit > remaining {
		deficit = remaining
	}

	var errs *multierror.Error
	provisioned := 0
	for i := 0; i < deficit; i++ {
		if _, err := a.ProvisionOne(ctx); err != nil {
			errs = multierror.Append(errs, err)
			break // breaker or capacity; retrying inside one tick is noise
		}
		provisioned++
	}
	if provisioned > 0 {
		a.stampScale()
		a.logger.InfoWithCount("Provisioned engines toward free minimum", provisioned,
			"deficit", deficit)
	}
	if err := errs.ErrorOrNil(); err != nil {
		a.logger.Warn("Provisioning toward free minimum incomplete",
			"provisioned", provisioned, "deficit", deficit, "error", err)
	}
}

// maybeLookahead provisions one engine when any engine is one stream away
// from its cap, at most once per layer.
func (a *Autoscaler) maybeLookahead(ctx context.Context) {
	maxStreams := a.cfg.Get().Streams.MaxStreamsPerEngine
	loads := a.store.Loads()
	if len(loads) == 0 {
		return
	}

	nearCap := false
	minLoad := -1
	for _, load := range loads {
		if load >= maxStreams-1 {
			nearCap = true
		}
		if minLoad == -1 || load < minLoad {
			minLoad = load
		}
	}
	if !nearCap {
		return
	}

	// Suppressed until the previous lookahead engine has caught up
	if layer, ok := a.store.LookaheadLayer(); ok && minLoad < layer {
		return
	}

	sc := a.cfg.Get().Scaler
	total := a.store.EngineCount()
	if total >= sc.MaxReplicas || (a.coord.Enabled() && total >= sc.MaxActiveReplicas) {
		return
	}

	if _, err := a.ProvisionOne(ctx); err != nil {
		a.logger.Warn("Lookahead provisioning failed", "error", err)
		return
	}
	a.store.SetLookaheadLayer(minLoad)
	a.stampScale()
	a.logger.Info("Lookahead engine provisioned", "layer", minLoad)
}

// updateLookaheadLayer re-arms the lookahead once the fleet caught up, or
// when demand eased below the trigger entirely.
func (a *Autoscaler) updateLookaheadLayer() {
	layer, ok := a.store.LookaheadLayer()
	if !ok {
		return
	}
	maxStreams := a.cfg.Get().Streams.MaxStreamsPerEngine
	loads := a.store.Loads()

	minLoad := -1
	nearCap := false
	for _, load := range loads {
		if minLoad == -1 || load < minLoad {
			minLoad = load
		}
		if load >= maxStreams-1 {
			nearCap = true
		}
	}
	if minLoad >= layer || !nearCap {
		a.store.ClearLookaheadLayer()
	}
}

// ScaleTo provisions or retires engines toward n, clamped to the configured
// bounds.
func (a *Autoscaler) ScaleTo(ctx context.Context, n int) error {
	sc := a.cfg.Get().Scaler
	desired := n
	if desired < sc.MinReplicas {
		desired = sc.MinReplicas
	}
	if desired > sc.MaxReplicas {
		desired = sc.MaxReplicas
	}
	if a.coord.Enabled() && desired > sc.MaxActiveReplicas {
		desired = sc.MaxActiveReplicas
	}

	total := a.store.EngineCount()
	switch {
	case desired > total:
		var errs *multierror.Error
		for i := total; i < desired; i++ {
			if _, err := a.ProvisionOne(ctx); err != nil {
				errs = multierror.Append(errs, err)
				break
			}
		}
		a.stampScale()
		return errs.ErrorOrNil()
	case desired < total:
		a.retireIdle(ctx, total-desired)
		return nil
	}
	return nil
}

// scaleDown retires one eligible idle engine per tick to avoid thrash
func (a *Autoscaler) scaleDown(ctx context.Context) {
	a.retireIdle(ctx, 1)
}

func (a *Autoscaler) retireIdle(ctx context.Context, limit int) {
	min := a.EffectiveMin()
	free := a.store.FreeCount()
	lifetime := a.cfg.Get().Scaler.MinEngineLifetime
	now := a.now()

	stopped := 0
	for _, e := range a.store.Engines() {
		if stopped >= limit {
			break
		}
		if free-1 < min {
			break
		}
		if a.store.EngineLoad(e.ContainerID) != 0 {
			continue
		}
		if e.Forwarded {
			continue
		}
		if now.Sub(e.CreatedAt) < lifetime {
			continue
		}
		if a.coord.InStabilization(e.VPNBinding) {
			// Engines look idle or unhealthy during port rotation;
			// evicting here unbalanced the fleet
			continue
		}

		if err := a.StopEngine(ctx, e.ContainerID, "scale_down"); err != nil {
			a.logger.Warn("Failed to stop idle engine",
				"engine", e.ContainerName, "error", err)
			continue
		}
		free--
		stopped++
	}
	if stopped > 0 {
		a.stampScale()
	}
}

// handleEmergency evicts engines bound to a failed VPN while its partner is
// still up, and pins the fleet to the healthy tunnel's capacity.
func (a *Autoscaler) handleEmergency(ctx context.Context) {
	active, healthy, failed := a.coord.EmergencyMode()
	if !active {
		return
	}

	for _, e := range a.store.EnginesBoundTo(failed) {
		if err := a.StopEngine(ctx, e.ContainerID, "vpn_failed"); err != nil {
			a.logger.Warn("Failed to evict engine from failed VPN",
				"engine", e.ContainerName, "vpn", failed, "error", err)
		}
	}

	limit := a.coord.MaxActive(healthy)
	if limit <= 0 {
		return
	}
	for excess := a.store.EngineCount() - limit; excess > 0; excess-- {
		a.retireIdle(ctx, 1)
	}
}

// CanProvision reports whether a provisioning attempt would be admitted.
// The breaker is only peeked here; ProvisionOne claims the half-open probe.
func (a *Autoscaler) CanProvision() (bool, *domain.OrchestratorError) {
	op := a.provisionOp()
	if a.breaker.IsOpen(op) {
		oe := domain.NewError(domain.CodeBlockedProvisioning, "provisioning blocked by circuit breaker")
		oe.RecoveryETA = a.breaker.RecoveryETA(op)
		oe.ShouldWait = true
		oe.CanRetry = true
		return false, oe
	}
	if a.coord.Enabled() && !a.coord.Healthy() {
		oe := domain.NewError(domain.CodeVPNUnavailable, "no VPN tunnel is up")
		oe.ShouldWait = true
		oe.CanRetry = true
		return false, oe
	}
	sc := a.cfg.Get().Scaler
	total := a.store.EngineCount()
	if total >= sc.MaxReplicas || (a.coord.Enabled() && total >= sc.MaxActiveReplicas) {
		oe := domain.NewError(domain.CodeNoCapacity, "fleet is at capacity (%d engines)", total)
		oe.ShouldWait = true
		oe.CanRetry = true
		oe.RecoveryETA = 30
		return false, oe
	}
	return true, nil
}

func (a *Autoscaler) provisionOp() string {
	if !a.coord.Enabled() {
		return breaker.OpProvisionGeneral
	}
	counts := a.boundCounts()
	name, oe := a.coord.PlacementVPN(counts)
	if oe != nil || name == "" {
		return breaker.OpProvisionGeneral
	}
	return breaker.OpProvisionVPN + name
}

func (a *Autoscaler) boundCounts() map[string]int {
	counts := make(map[string]int)
	for _, e := range a.store.Engines() {
		if e.VPNBinding != "" {
			counts[e.VPNBinding]++
		}
	}
	return counts
}

// ProvisionOne creates a single engine, waits for it to answer probes, and
// indexes it. A container that never reaches healthy inside the budget is
// torn down so partial failure leaves no residue.
func (a *Autoscaler) ProvisionOne(ctx context.Context) (*domain.Engine, error) {
	if a.coord.Enabled() && !a.coord.Healthy() {
		oe := domain.NewError(domain.CodeVPNUnavailable, "no VPN tunnel is up")
		oe.ShouldWait = true
		oe.CanRetry = true
		return nil, oe
	}
	sc := a.cfg.Get().Scaler
	if total := a.store.EngineCount(); total >= sc.MaxReplicas ||
		(a.coord.Enabled() && total >= sc.MaxActiveReplicas) {
		oe := domain.NewError(domain.CodeNoCapacity, "fleet is at capacity (%d engines)", total)
		oe.ShouldWait = true
		oe.CanRetry = true
		oe.RecoveryETA = 30
		return nil, oe
	}

	dockerCfg := a.cfg.Get().Docker

	// Resolve VPN placement; each VPN carries its own replica cap
	var vpnName string
	if a.coord.Enabled() {
		counts := a.boundCounts()
		name, oe := a.coord.PlacementVPN(counts)
		if oe != nil {
			return nil, oe
		}
		if cap := a.coord.MaxActive(name); cap > 0 && counts[name] >= cap {
			oe := domain.NewError(domain.CodeNoCapacity, "vpn %s is at max_active_replicas (%d)", name, cap)
			oe.ShouldWait = true
			return nil, oe
		}
		vpnName = name
	}

	op := breaker.OpProvisionGeneral
	if vpnName != "" {
		op = breaker.OpProvisionVPN + vpnName
	}
	if !a.breaker.Allow(op) {
		oe := domain.NewError(domain.CodeBlockedProvisioning, "provisioning blocked by circuit breaker")
		oe.RecoveryETA = a.breaker.RecoveryETA(op)
		oe.ShouldWait = true
		oe.CanRetry = true
		return nil, oe
	}

	engine, err := a.provision(ctx, dockerCfg, vpnName)
	if err != nil {
		a.breaker.RecordFailure(op)
		a.metrics.ProvisionsTotal.WithLabelValues("failure").Inc()
		return nil, err
	}
	a.breaker.RecordSuccess(op)
	a.metrics.ProvisionsTotal.WithLabelValues("success").Inc()
	return engine, nil
}

func (a *Autoscaler) provision(ctx context.Context, dockerCfg config.DockerConfig, vpnName string) (*domain.Engine, error) {
	httpPort, httpsPort := a.ports.ContainerPorts(dockerCfg.Conf)

	var hostHTTP, hostHTTPS int
	networkMode := ""
	host := "127.0.0.1"
	if vpnName != "" {
		// The engine joins the VPN's network namespace; its internal
		// ports are reachable through the sidecar's published range
		networkMode = "container:" + a.coord.NetworkContainer(vpnName)
		hostHTTP, hostHTTPS = httpPort, httpsPort
	} else {
		var err error
		hostHTTP, hostHTTPS, err = a.ports.AllocateHostPair()
		if err != nil {
			return nil, domain.NewError(domain.CodeResourceExhausted, "host port range exhausted")
		}
	}

	// 5. Forwarded placement: the next engine takes the forwarded port
	// when none holds it
	forwarded := false
	p2pPort := 0
	if vpnName != "" && !a.store.HasForwardedEngine(vpnName) {
		if p := a.coord.ForwardedPort(vpnName); p != 0 {
			forwarded = true
			p2pPort = p
		}
	}

	name := "acefleet-engine-" + uuid.NewString()[:8]
	labels := map[string]string{}
	if forwarded {
		labels[domain.LabelForwarded] = "true"
	}

	env := map[string]string{}
	for k, v := range dockerCfg.Env {
		env[k] = v
	}
	conf := dockerCfg.Conf
	if conf == "" {
		conf = fmt.Sprintf("--http-port=%d\n--https-port=%d\n--bind-all", httpPort, httpsPort)
	}
	if forwarded {
		conf += "\n--port=" + strconv.Itoa(p2pPort)
	}
	env["CONF"] = conf

	spec := domain.StartSpec{
		Image:         dockerCfg.Image,
		Name:          name,
		Env:           env,
		Labels:        labels,
		HostHTTPPort:  hostHTTP,
		HostHTTPSPort: hostHTTPS,
		HTTPPort:      httpPort,
		HTTPSPort:     httpsPort,
		NetworkMode:   networkMode,
	}

	info, err := a.driver.Start(ctx, spec)
	if err != nil {
		if vpnName == "" {
			a.ports.Release(hostHTTP, hostHTTPS)
		}
		return nil, domain.AsOrchestratorError(fmt.Errorf("provision engine: %w", err))
	}

	engine := domain.Engine{
		ContainerID:   info.ID,
		ContainerName: info.Name,
		Host:          host,
		Port:          hostHTTP,
		HTTPSPort:     hostHTTPS,
		VPNBinding:    vpnName,
		Forwarded:     forwarded,
		Health:        domain.HealthUnknown,
		CreatedAt:     info.CreatedAt,
		Labels:        info.Labels,
		TemplateID:    info.Labels[domain.LabelTemplate],
	}
	if forwarded {
		p := p2pPort
		engine.P2PPort = &p
	}

	if err := a.awaitReady(ctx, &engine); err != nil {
		a.logger.WarnWithEngine("Engine never became ready, tearing down", name, "error", err)
		_ = a.driver.Stop(context.WithoutCancel(ctx), info.ID, dockerCfg.StopGrace)
		if vpnName == "" {
			a.ports.Release(hostHTTP, hostHTTPS)
		}
		return nil, domain.AsOrchestratorError(err)
	}

	engine.Health = domain.HealthHealthy
	engine.LastProbeAt = a.now()
	a.store.UpsertEngine(engine)
	a.logger.InfoWithEngine("Provisioned engine", engine.ContainerName,
		"vpn", vpnName, "forwarded", forwarded, "port", engine.Port)
	return &engine, nil
}

// awaitReady polls the engine's HTTP endpoint until it answers or the
// provisioning budget lapses
func (a *Autoscaler) awaitReady(ctx context.Context, e *domain.Engine) error {
	budget := a.cfg.Get().Scaler.ProvisionTimeout
	deadline := a.now().Add(budget)

	for a.now().Before(deadline) {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := a.api.Probe(probeCtx, e.Host, e.Port)
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return fmt.Errorf("engine %s not ready within %s", e.ContainerName, budget)
}

// StopEngine stops the container, ends its streams and removes the record
func (a *Autoscaler) StopEngine(ctx context.Context, containerID, reason string) error {
	e, ok := a.store.Engine(containerID)
	if !ok {
		return domain.NewError(domain.CodeNotFound, "engine %s not indexed", containerID)
	}

	if err := a.driver.Stop(ctx, containerID, a.cfg.Get().Docker.StopGrace); err != nil {
		return domain.AsOrchestratorError(err)
	}

	for _, st := range a.store.Streams(domain.StreamStarted) {
		if st.EngineID == containerID {
			a.store.EndStream(st.ID, "engine_stopped")
		}
	}
	if e.VPNBinding == "" {
		a.ports.Release(e.Port, e.HTTPSPort)
	}
	a.store.RemoveEngine(containerID, reason)
	a.metrics.EvictionsTotal.WithLabelValues(reason).Inc()
	a.logger.InfoWithEngine("Stopped engine", e.ContainerName, "reason", reason)
	return nil
}

// InvalidateForwarded implements vpn.ForwardedInvalidator: the engine holding
// a rotated port is useless, so it is stopped and the free-minimum policy
// provisions its replacement with the new port.
func (a *Autoscaler) InvalidateForwarded(ctx context.Context, vpnName string, newPort int) {
	a.metrics.VPNPortChangesTotal.Inc()

	e, ok := a.store.ForwardedEngine(vpnName)
	if !ok {
		return
	}
	a.logger.WarnWithEngine("Stopping forwarded engine after port rotation", e.ContainerName,
		"vpn", vpnName, "new_port", newPort)
	if err := a.StopEngine(ctx, e.ContainerID, "vpn_port_changed"); err != nil {
		a.logger.Error("Failed to stop forwarded engine", "engine", e.ContainerName, "error", err)
		return
	}

	// Replace immediately rather than waiting a tick; the stabilization
	// window keeps the rest of the fleet untouched meanwhile
	if _, err := a.ProvisionOne(ctx); err != nil {
		a.logger.Warn("Replacement for forwarded engine not yet provisioned", "error", err)
	} else {
		a.stampScale()
	}
}

func (a *Autoscaler) publishGauges() {
	loads := a.store.Loads()
	free, healthy := 0, 0
	for id, load := range loads {
		if load == 0 {
			free++
		}
		if e, ok := a.store.Engine(id); ok && e.Health == domain.HealthHealthy {
			healthy++
		}
	}
	a.metrics.EnginesTotal.Set(float64(len(loads)))
	a.metrics.EnginesFree.Set(float64(free))
	a.metrics.EnginesHealthy.Set(float64(healthy))
	a.metrics.StreamsActive.Set(float64(len(a.store.Streams(domain.StreamStarted))))
}

// SetClock overrides the time source (tests)
func (a *Autoscaler) SetClock(now func() time.Time) {
	a.mu.Lock()
	a.now = now
	a.mu.Unlock()
}
