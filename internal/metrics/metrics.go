package metrics

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the process-private Prometheus registry and every instrument
// the orchestrator records into. Metric naming is not part of the public
// contract; only the /metrics endpoint is.
type Metrics struct {
	registry *prom.Registry

	EnginesTotal   prom.Gauge
	EnginesFree    prom.Gauge
	EnginesHealthy prom.Gauge
	StreamsActive  prom.Gauge
	ProxyClients   prom.Gauge

	ProvisionsTotal     *prom.CounterVec
	EvictionsTotal      *prom.CounterVec
	LoopDetectionsTotal prom.Counter
	CatchUpJumpsTotal   prom.Counter
	BreakerOpensTotal   *prom.CounterVec
	VPNPortChangesTotal prom.Counter
	BytesServedTotal    prom.Counter
}

// New registers every instrument on a fresh registry
func New() *Metrics {
	reg := prom.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: reg,
		EnginesTotal: prom.NewGauge(prom.GaugeOpts{
			Name: "acefleet_engines_total", Help: "Engines currently managed.",
		}),
		EnginesFree: prom.NewGauge(prom.GaugeOpts{
			Name: "acefleet_engines_free", Help: "Engines with zero active streams.",
		}),
		EnginesHealthy: prom.NewGauge(prom.GaugeOpts{
			Name: "acefleet_engines_healthy", Help: "Engines passing health probes.",
		}),
		StreamsActive: prom.NewGauge(prom.GaugeOpts{
			Name: "acefleet_streams_active", Help: "Streams in the started state.",
		}),
		ProxyClients: prom.NewGauge(prom.GaugeOpts{
			Name: "acefleet_proxy_clients", Help: "Clients attached across all sessions.",
		}),
		ProvisionsTotal: prom.NewCounterVec(prom.CounterOpts{
			Name: "acefleet_provisions_total", Help: "Engine provision attempts by outcome.",
		}, []string{"outcome"}),
		EvictionsTotal: prom.NewCounterVec(prom.CounterOpts{
			Name: "acefleet_evictions_total", Help: "Engines stopped by reason.",
		}, []string{"reason"}),
		LoopDetectionsTotal: prom.NewCounter(prom.CounterOpts{
			Name: "acefleet_loop_detections_total", Help: "Streams terminated by the loop detector.",
		}),
		CatchUpJumpsTotal: prom.NewCounter(prom.CounterOpts{
			Name: "acefleet_catch_up_jumps_total", Help: "Client buffer positions reset after falling behind.",
		}),
		BreakerOpensTotal: prom.NewCounterVec(prom.CounterOpts{
			Name: "acefleet_breaker_opens_total", Help: "Circuit breaker open transitions by operation.",
		}, []string{"operation"}),
		VPNPortChangesTotal: prom.NewCounter(prom.CounterOpts{
			Name: "acefleet_vpn_port_changes_total", Help: "Forwarded-port rotations observed.",
		}),
		BytesServedTotal: prom.NewCounter(prom.CounterOpts{
			Name: "acefleet_proxy_bytes_served_total", Help: "Bytes delivered to proxy clients.",
		}),
	}

	reg.MustRegister(
		m.EnginesTotal, m.EnginesFree, m.EnginesHealthy,
		m.StreamsActive, m.ProxyClients,
		m.ProvisionsTotal, m.EvictionsTotal, m.LoopDetectionsTotal,
		m.CatchUpJumpsTotal, m.BreakerOpensTotal, m.VPNPortChangesTotal,
		m.BytesServedTotal,
	)
	return m
}

// Handler exposes the registry for GET /metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
