package vpn

import (
	"context"
	"sync"
	"time"

	"github.com/krinkuto11/acefleet/internal/config"
	"github.com/krinkuto11/acefleet/internal/core/domain"
	"github.com/krinkuto11/acefleet/internal/logger"
	"github.com/krinkuto11/acefleet/pkg/eventbus"
)

// ForwardedInvalidator stops the forwarded engine of a VPN whose port moved.
// Implemented by the autoscaler; the replacement engine picks up the new port.
type ForwardedInvalidator interface {
	InvalidateForwarded(ctx context.Context, vpnName string, newPort int)
}

type sidecar struct {
	cfg    config.VPNSidecar
	client *SidecarClient
	state  domain.VPN
}

// Coordinator polls the configured sidecars, tracks tunnel state and the
// forwarded port, and opens stabilization windows after recovery events so
// cleanup paths leave transiently unhealthy engines alone.
type Coordinator struct {
	mu       sync.RWMutex
	sidecars []*sidecar
	mode     domain.VPNMode

	pollInterval  time.Duration
	stabilization time.Duration

	invalidator ForwardedInvalidator
	bus         *eventbus.EventBus[domain.Event]
	logger      *logger.StyledLogger
	now         func() time.Time
}

func NewCoordinator(cfg config.VPNConfig, bus *eventbus.EventBus[domain.Event], log *logger.StyledLogger) *Coordinator {
	mode := domain.VPNSingle
	if len(cfg.Sidecars) > 1 {
		mode = domain.VPNRedundant
	}

	c := &Coordinator{
		mode:          mode,
		pollInterval:  cfg.PollInterval,
		stabilization: cfg.RecoveryStabilization,
		bus:           bus,
		logger:        log,
		now:           time.Now,
	}
	for _, sc := range cfg.Sidecars {
		c.sidecars = append(c.sidecars, &sidecar{
			cfg:    sc,
			client: NewSidecarClient(sc.URL, cfg.RequestTimeout),
			state: domain.VPN{
				Name:   sc.Name,
				Mode:   mode,
				Status: domain.VPNDown,
			},
		})
	}
	return c
}

// SetInvalidator wires the autoscaler in after construction (the scaler also
// depends on the coordinator, so one side attaches late).
func (c *Coordinator) SetInvalidator(inv ForwardedInvalidator) {
	c.mu.Lock()
	c.invalidator = inv
	c.mu.Unlock()
}

// Enabled reports whether any VPN is configured
func (c *Coordinator) Enabled() bool { return len(c.sidecars) > 0 }

// Mode returns single or redundant
func (c *Coordinator) Mode() domain.VPNMode { return c.mode }

// Run polls every sidecar until the context ends
func (c *Coordinator) Run(ctx context.Context) {
	if !c.Enabled() {
		return
	}
	c.pollAll(ctx)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollAll(ctx)
		}
	}
}

func (c *Coordinator) pollAll(ctx context.Context) {
	for _, sc := range c.sidecars {
		c.poll(ctx, sc)
	}
}

func (c *Coordinator) poll(ctx context.Context, sc *sidecar) {
	running, err := sc.client.Running(ctx)
	if err != nil {
		c.logger.Debug("VPN status probe failed", "vpn", sc.cfg.Name, "error", err)
		running = false
	}

	var port int
	var pub *PublicIP
	if running {
		if port, err = sc.client.ForwardedPort(ctx); err != nil {
			c.logger.Debug("VPN port probe failed", "vpn", sc.cfg.Name, "error", err)
		}
		if pub, err = sc.client.PublicIP(ctx); err != nil {
			c.logger.Debug("VPN public IP probe failed", "vpn", sc.cfg.Name, "error", err)
		}
	}

	now := c.now()

	c.mu.Lock()
	prev := sc.state
	next := prev

	if running {
		next.Status = domain.VPNUp
	} else {
		next.Status = domain.VPNDown
	}
	if pub != nil {
		next.PublicIP = pub.PublicIP
		next.Country = pub.Country
	}

	statusChanged := next.Status != prev.Status
	recovered := statusChanged && next.Status == domain.VPNUp
	portChanged := running && port != 0 && prev.ForwardedPort != 0 && port != prev.ForwardedPort

	if running && port != 0 {
		next.ForwardedPort = port
	}
	if recovered || portChanged {
		t := now
		next.LastRecoveryAt = &t
	}
	sc.state = next
	c.mu.Unlock()

	if statusChanged {
		c.logger.InfoWithVPN("VPN status changed for", sc.cfg.Name,
			"status", string(next.Status), "public_ip", next.PublicIP)
		c.bus.Publish(domain.Event{
			Type: domain.EventVPNChanged, At: now,
			VPNName: sc.cfg.Name, Reason: string(next.Status),
		})
	}

	if portChanged {
		c.logger.WarnWithVPN("Forwarded port changed for", sc.cfg.Name,
			"old_port", prev.ForwardedPort, "new_port", port)
		c.bus.Publish(domain.Event{
			Type: domain.EventVPNPortChanged, At: now,
			VPNName: sc.cfg.Name, Port: port,
		})

		c.mu.RLock()
		inv := c.invalidator
		c.mu.RUnlock()
		if inv != nil {
			inv.InvalidateForwarded(ctx, sc.cfg.Name, port)
		}
	}
}

// Status returns copies of every sidecar's state
func (c *Coordinator) Status() []domain.VPN {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.VPN, 0, len(c.sidecars))
	for _, sc := range c.sidecars {
		out = append(out, sc.state)
	}
	return out
}

// Healthy reports whether at least one tunnel is up
func (c *Coordinator) Healthy() bool {
	if !c.Enabled() {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, sc := range c.sidecars {
		if sc.state.Status == domain.VPNUp {
			return true
		}
	}
	return false
}

// InStabilization reports whether the named VPN's recovery window is open.
// Engines with no binding never stabilize.
func (c *Coordinator) InStabilization(vpnName string) bool {
	if vpnName == "" {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, sc := range c.sidecars {
		if sc.cfg.Name == vpnName {
			return sc.state.InStabilization(c.stabilization, c.now())
		}
	}
	return false
}

// AnyStabilizing reports whether any recovery window is open
func (c *Coordinator) AnyStabilizing() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, sc := range c.sidecars {
		if sc.state.InStabilization(c.stabilization, c.now()) {
			return true
		}
	}
	return false
}

// EmergencyMode reports the redundant-mode fallback: exactly one tunnel down.
// Returns the healthy and failed VPN names while active.
func (c *Coordinator) EmergencyMode() (active bool, healthy, failed string) {
	if c.mode != domain.VPNRedundant {
		return false, "", ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var up, down []string
	for _, sc := range c.sidecars {
		if sc.state.Status == domain.VPNUp {
			up = append(up, sc.cfg.Name)
		} else {
			down = append(down, sc.cfg.Name)
		}
	}
	if len(up) == 1 && len(down) == 1 {
		return true, up[0], down[0]
	}
	return false, "", ""
}

// ForwardedPort returns the named VPN's current forwarded port
func (c *Coordinator) ForwardedPort(vpnName string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, sc := range c.sidecars {
		if sc.cfg.Name == vpnName {
			return sc.state.ForwardedPort
		}
	}
	return 0
}

// MaxActive returns the per-VPN replica cap
func (c *Coordinator) MaxActive(vpnName string) int {
	for _, sc := range c.sidecars {
		if sc.cfg.Name == vpnName {
			return sc.cfg.MaxActiveReplicas
		}
	}
	return 0
}

// NetworkContainer returns the container whose namespace engines join
func (c *Coordinator) NetworkContainer(vpnName string) string {
	for _, sc := range c.sidecars {
		if sc.cfg.Name == vpnName {
			return sc.cfg.NetworkContainer
		}
	}
	return ""
}

// PlacementVPN picks the VPN a new engine should bind to. Redundant mode
// balances by bound-engine count; emergency mode pins to the healthy tunnel;
// all tunnels down refuses with vpn_unavailable.
func (c *Coordinator) PlacementVPN(boundCounts map[string]int) (string, *domain.OrchestratorError) {
	if !c.Enabled() {
		return "", nil
	}

	if active, healthy, _ := c.EmergencyMode(); active {
		return healthy, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var best string
	bestCount := -1
	for _, sc := range c.sidecars {
		if sc.state.Status != domain.VPNUp {
			continue
		}
		n := boundCounts[sc.cfg.Name]
		if bestCount == -1 || n < bestCount {
			best, bestCount = sc.cfg.Name, n
		}
	}
	if best == "" {
		return "", domain.NewError(domain.CodeVPNUnavailable, "no VPN tunnel is up")
	}
	return best, nil
}

// SetClock overrides the time source (tests)
func (c *Coordinator) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// ForceState seeds sidecar state directly (tests)
func (c *Coordinator) ForceState(vpnName string, status domain.VPNStatus, forwardedPort int, recoveryAt *time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sc := range c.sidecars {
		if sc.cfg.Name == vpnName {
			sc.state.Status = status
			sc.state.ForwardedPort = forwardedPort
			sc.state.LastRecoveryAt = recoveryAt
		}
	}
}
