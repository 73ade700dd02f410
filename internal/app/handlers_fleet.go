package app

import (
	"net/http"
	"time"

	"github.com/krinkuto11/acefleet/internal/core/domain"
)

type engineView struct {
	domain.Engine
	ActiveStreams int      `json:"active_streams"`
	Streams       []string `json:"streams"`
}

// handleEngines returns the fleet with per-engine load
func (a *Application) handleEngines(w http.ResponseWriter, r *http.Request) {
	started := a.store.Streams(domain.StreamStarted)
	byEngine := make(map[string][]string)
	for _, st := range started {
		byEngine[st.EngineID] = append(byEngine[st.EngineID], st.ID)
	}

	engines := a.store.Engines()
	out := make([]engineView, 0, len(engines))
	for _, e := range engines {
		ids := byEngine[e.ContainerID]
		if ids == nil {
			ids = []string{}
		}
		out = append(out, engineView{Engine: e, ActiveStreams: len(ids), Streams: ids})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleStreams defaults to started streams; ended ones are opt-in
func (a *Application) handleStreams(w http.ResponseWriter, r *http.Request) {
	status := domain.StreamStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.StreamStarted:
		status = domain.StreamStarted
	case domain.StreamEnded:
	default:
		writeError(w, domain.NewError(domain.CodeConfiguration, "unknown status %q", status))
		return
	}

	streams := a.store.Streams(status)
	if engineID := r.URL.Query().Get("container_id"); engineID != "" {
		filtered := streams[:0]
		for _, st := range streams {
			if st.EngineID == engineID {
				filtered = append(filtered, st)
			}
		}
		streams = filtered
	}
	writeJSON(w, http.StatusOK, streams)
}

// handleVPNStatus reports every sidecar's view
func (a *Application) handleVPNStatus(w http.ResponseWriter, r *http.Request) {
	type vpnView struct {
		Enabled  bool         `json:"enabled"`
		Mode     string       `json:"mode"`
		Sidecars []domain.VPN `json:"sidecars"`
	}
	writeJSON(w, http.StatusOK, vpnView{
		Enabled:  a.coord.Enabled(),
		Mode:     string(a.coord.Mode()),
		Sidecars: a.coord.Status(),
	})
}

type capacityInfo struct {
	Total     int `json:"total"`
	Used      int `json:"used"`
	Available int `json:"available"`
}

type orchestratorStatus struct {
	Status string `json:"status"`
	VPN    struct {
		Connected bool `json:"connected"`
	} `json:"vpn"`
	Provisioning struct {
		CanProvision         bool                      `json:"can_provision"`
		BlockedReason        string                    `json:"blocked_reason,omitempty"`
		BlockedReasonDetails *domain.OrchestratorError `json:"blocked_reason_details,omitempty"`
	} `json:"provisioning"`
	Capacity capacityInfo `json:"capacity"`
}

// handleOrchestratorStatus is the aggregate health surface dashboards read.
// capacity.used counts engines serving streams, never the stream count.
func (a *Application) handleOrchestratorStatus(w http.ResponseWriter, r *http.Request) {
	var out orchestratorStatus

	canProvision, blockErr := a.autoscale.CanProvision()
	out.Provisioning.CanProvision = canProvision
	if blockErr != nil {
		out.Provisioning.BlockedReason = blockErr.Message
		out.Provisioning.BlockedReasonDetails = blockErr
	}

	vpnOK := a.coord.Healthy()
	out.VPN.Connected = vpnOK

	total := a.store.EngineCount()
	used := a.store.CapacityUsed()
	effectiveCap := total
	if active, healthy, _ := a.coord.EmergencyMode(); active {
		if limit := a.coord.MaxActive(healthy); limit > 0 && limit < effectiveCap {
			effectiveCap = limit
		}
	}
	available := effectiveCap - used
	if available < 0 {
		available = 0
	}
	out.Capacity = capacityInfo{Total: total, Used: used, Available: available}

	breakerOpen := blockErr != nil && blockErr.Code == domain.CodeBlockedProvisioning
	vpnUnavailable := blockErr != nil && blockErr.Code == domain.CodeVPNUnavailable

	switch {
	case breakerOpen || vpnUnavailable:
		out.Status = "blocked"
	case vpnOK && a.store.FreeCount() >= a.autoscale.EffectiveMin() && canProvision:
		out.Status = "healthy"
	default:
		out.Status = "degraded"
	}

	writeJSON(w, http.StatusOK, out)
}

func (a *Application) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type provisionResponse struct {
	ContainerID        string `json:"container_id"`
	ContainerName      string `json:"container_name"`
	HostHTTPPort       int    `json:"host_http_port"`
	ContainerHTTPPort  int    `json:"container_http_port"`
	ContainerHTTPSPort int    `json:"container_https_port"`
}

// handleProvision creates one engine on demand (privileged)
func (a *Application) handleProvision(w http.ResponseWriter, r *http.Request) {
	e, err := a.autoscale.ProvisionOne(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, provisionResponse{
		ContainerID:        e.ContainerID,
		ContainerName:      e.ContainerName,
		HostHTTPPort:       e.Port,
		ContainerHTTPPort:  e.Port,
		ContainerHTTPSPort: e.HTTPSPort,
	})
}

// handleDeleteEngine stops an engine (privileged)
func (a *Application) handleDeleteEngine(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.autoscale.StopEngine(r.Context(), id, "operator"); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"stopped": id})
}

// handleReprovision recycles every engine running the given template so they
// pick up the template's current definition (privileged).
func (a *Application) handleReprovision(w http.ResponseWriter, r *http.Request) {
	templateID := r.URL.Query().Get("template_id")
	if templateID == "" {
		writeError(w, domain.NewError(domain.CodeConfiguration, "missing template_id parameter"))
		return
	}

	recycled := 0
	for _, e := range a.store.Engines() {
		if e.TemplateID != templateID {
			continue
		}
		if a.store.EngineLoad(e.ContainerID) > 0 {
			continue // never recycle under live streams
		}
		if err := a.autoscale.StopEngine(r.Context(), e.ContainerID, "reprovision"); err != nil {
			a.logger.Warn("Reprovision stop failed", "engine", e.ContainerName, "error", err)
			continue
		}
		if _, err := a.autoscale.ProvisionOne(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		recycled++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"template_id": templateID,
		"recycled":    recycled,
		"at":          time.Now(),
	})
}
