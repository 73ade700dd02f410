package app

import "net/http"

func (a *Application) routes() http.Handler {
	mux := http.NewServeMux()

	// Proxy surface
	mux.HandleFunc("GET /ace/getstream", a.handleGetStream)
	mux.HandleFunc("GET /hls/{key}/segment/{seq}", a.handleHLSSegment)

	// Read-only snapshots
	mux.HandleFunc("GET /engines", a.handleEngines)
	mux.HandleFunc("GET /streams", a.handleStreams)
	mux.HandleFunc("GET /vpn/status", a.handleVPNStatus)
	mux.HandleFunc("GET /orchestrator/status", a.handleOrchestratorStatus)
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.Handle("GET /metrics", a.metrics.Handler())

	// Blacklist management
	mux.HandleFunc("GET /looping-streams", a.handleLoopingStreams)
	mux.HandleFunc("DELETE /looping-streams/{key}", a.handleUnblacklist)

	// Privileged control plane
	mux.HandleFunc("POST /provision/acestream", a.requireToken(a.handleProvision))
	mux.HandleFunc("POST /custom-variant/reprovision", a.requireToken(a.handleReprovision))
	mux.HandleFunc("DELETE /engines/{id}", a.requireToken(a.handleDeleteEngine))
	mux.HandleFunc("POST /config", a.requireToken(a.handleConfigUpdate))

	// External event ingress: same path as the in-process bus, plus auth
	mux.HandleFunc("POST /events/stream_started", a.requireToken(a.handleEventStarted))
	mux.HandleFunc("POST /events/stream_ended", a.requireToken(a.handleEventEnded))

	return mux
}
