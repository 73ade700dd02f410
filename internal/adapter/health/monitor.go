package health

import (
	"context"
	"sync"
	"time"

	"github.com/krinkuto11/acefleet/internal/adapter/state"
	"github.com/krinkuto11/acefleet/internal/core/domain"
	"github.com/krinkuto11/acefleet/internal/core/ports"
	"github.com/krinkuto11/acefleet/internal/logger"
)

const (
	DefaultProbeInterval       = 10 * time.Second
	DefaultConsecutiveFailures = 3
	DefaultProbeTimeout        = 5 * time.Second
	DefaultProbeWorkers        = 4
)

// Monitor probes every engine's HTTP endpoint on an interval. An engine goes
// unhealthy after three consecutive failures and healthy again on the first
// success. Health transitions are published by the store.
type Monitor struct {
	store  *state.Store
	api    ports.EngineAPI
	logger *logger.StyledLogger

	interval  time.Duration
	timeout   time.Duration
	threshold int
	workers   int

	mu       sync.Mutex
	failures map[string]int
}

func NewMonitor(store *state.Store, api ports.EngineAPI, log *logger.StyledLogger) *Monitor {
	return &Monitor{
		store:     store,
		api:       api,
		logger:    log,
		interval:  DefaultProbeInterval,
		timeout:   DefaultProbeTimeout,
		threshold: DefaultConsecutiveFailures,
		workers:   DefaultProbeWorkers,
		failures:  make(map[string]int),
	}
}

// Run sweeps the fleet until the context ends
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep probes every engine once, a few at a time
func (m *Monitor) Sweep(ctx context.Context) {
	engines := m.store.Engines()
	if len(engines) == 0 {
		return
	}

	sem := make(chan struct{}, m.workers)
	var wg sync.WaitGroup
	for _, e := range engines {
		wg.Add(1)
		sem <- struct{}{}
		go func(e domain.Engine) {
			defer wg.Done()
			defer func() { <-sem }()
			m.probe(ctx, e)
		}(e)
	}
	wg.Wait()

	m.pruneGone(engines)
}

func (m *Monitor) probe(ctx context.Context, e domain.Engine) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.api.Probe(probeCtx, e.Host, e.Port)
	now := time.Now()

	m.mu.Lock()
	if err != nil {
		m.failures[e.ContainerID]++
	} else {
		m.failures[e.ContainerID] = 0
	}
	count := m.failures[e.ContainerID]
	m.mu.Unlock()

	switch {
	case err == nil:
		if e.Health != domain.HealthHealthy {
			m.logger.InfoHealthStatus("Engine", e.ContainerName, true)
		}
		m.store.SetEngineHealth(e.ContainerID, domain.HealthHealthy, now)
	case count >= m.threshold:
		// Recent stream data counts as life: a busy engine can miss
		// probes while saturating its uplink
		if now.Sub(e.LastDataAt) < m.interval {
			m.logger.Debug("Probe failed but data is moving, keeping engine",
				"engine", e.ContainerName, "failures", count)
			m.store.SetEngineHealth(e.ContainerID, domain.HealthHealthy, now)
			return
		}
		if e.Health != domain.HealthUnhealthy {
			m.logger.InfoHealthStatus("Engine", e.ContainerName, false,
				"consecutive_failures", count)
		}
		m.store.SetEngineHealth(e.ContainerID, domain.HealthUnhealthy, now)
	default:
		m.logger.Debug("Engine probe failed",
			"engine", e.ContainerName, "failures", count, "error", err)
	}
}

// pruneGone drops failure counters for engines no longer in the fleet
func (m *Monitor) pruneGone(engines []domain.Engine) {
	live := make(map[string]struct{}, len(engines))
	for _, e := range engines {
		live[e.ContainerID] = struct{}{}
	}
	m.mu.Lock()
	for id := range m.failures {
		if _, ok := live[id]; !ok {
			delete(m.failures, id)
		}
	}
	m.mu.Unlock()
}

// HealthyCounts tallies the fleet for status output
func (m *Monitor) HealthyCounts() (healthy, unhealthy, unknown int) {
	for _, e := range m.store.Engines() {
		switch e.Health {
		case domain.HealthHealthy:
			healthy++
		case domain.HealthUnhealthy:
			unhealthy++
		default:
			unknown++
		}
	}
	return
}
