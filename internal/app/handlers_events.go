package app

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/krinkuto11/acefleet/internal/config"
	"github.com/krinkuto11/acefleet/internal/core/domain"
)

// startedEvent mirrors the payload external proxies post when they open an
// engine session themselves. The handler feeds the same registration path
// the in-process proxy uses.
type startedEvent struct {
	ContainerID string `json:"container_id,omitempty"`
	Engine      struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	} `json:"engine"`
	Stream struct {
		KeyType string `json:"key_type"`
		Key     string `json:"key"`
	} `json:"stream"`
	Session struct {
		PlaybackSessionID string `json:"playback_session_id"`
		StatURL           string `json:"stat_url"`
		CommandURL        string `json:"command_url"`
		IsLive            int    `json:"is_live"`
	} `json:"session"`
	Labels map[string]string `json:"labels,omitempty"`
}

type endedEvent struct {
	ContainerID string `json:"container_id,omitempty"`
	StreamID    string `json:"stream_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (a *Application) handleEventStarted(w http.ResponseWriter, r *http.Request) {
	var ev startedEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, domain.NewError(domain.CodeConfiguration, "bad event payload: %v", err))
		return
	}
	if ev.Stream.Key == "" {
		writeError(w, domain.NewError(domain.CodeConfiguration, "event missing stream key"))
		return
	}

	streamID := ev.Labels["stream_id"]
	if streamID == "" {
		streamID = uuid.NewString()
	}
	engineID := ev.ContainerID
	if engineID == "" {
		// Match by host port when the emitter doesn't know its container
		for _, e := range a.store.Engines() {
			if e.Port == ev.Engine.Port {
				engineID = e.ContainerID
				break
			}
		}
	}

	a.store.AddStream(domain.Stream{
		ID:                streamID,
		ContentKey:        ev.Stream.Key,
		KeyType:           ev.Stream.KeyType,
		EngineID:          engineID,
		PlaybackSessionID: ev.Session.PlaybackSessionID,
		StatURL:           ev.Session.StatURL,
		CommandURL:        ev.Session.CommandURL,
		IsLive:            ev.Session.IsLive == 1,
		StartedAt:         time.Now(),
		Status:            domain.StreamStarted,
	})
	writeJSON(w, http.StatusOK, map[string]string{"stream_id": streamID})
}

func (a *Application) handleEventEnded(w http.ResponseWriter, r *http.Request) {
	var ev endedEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, domain.NewError(domain.CodeConfiguration, "bad event payload: %v", err))
		return
	}
	if ev.StreamID == "" {
		writeError(w, domain.NewError(domain.CodeConfiguration, "event missing stream_id"))
		return
	}
	reason := ev.Reason
	if reason == "" {
		reason = "external"
	}
	a.store.EndStream(ev.StreamID, reason)
	writeJSON(w, http.StatusOK, map[string]string{"stream_id": ev.StreamID})
}

// handleLoopingStreams lists the blacklist
func (a *Application) handleLoopingStreams(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		ContentKey string    `json:"content_key"`
		DetectedAt time.Time `json:"detected_at"`
	}
	entries := a.blacklist.Entries()
	out := make([]entry, 0, len(entries))
	for k, at := range entries {
		out = append(out, entry{ContentKey: k, DetectedAt: at})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleUnblacklist removes one content key from the blacklist
func (a *Application) handleUnblacklist(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if !a.blacklist.Remove(key) {
		writeError(w, domain.NewError(domain.CodeNotFound, "content %s not blacklisted", key))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"removed": key})
}

// configUpdate carries the runtime-mutable knobs of the control surface
type configUpdate struct {
	MinReplicas         *int    `json:"min_replicas,omitempty"`
	MaxReplicas         *int    `json:"max_replicas,omitempty"`
	MaxActiveReplicas   *int    `json:"max_active_replicas,omitempty"`
	MaxStreamsPerEngine *int    `json:"max_streams_per_engine,omitempty"`
	LoopThresholdS      *int    `json:"stream_loop_threshold_s,omitempty"`
	StreamTimeoutS      *int    `json:"stream_timeout_s,omitempty"`
	ProxyStreamMode     *string `json:"proxy_stream_mode,omitempty"`
}

// handleConfigUpdate validates and swaps runtime config; rejection leaves
// the running record untouched.
func (a *Application) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	var upd configUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, domain.NewError(domain.CodeConfiguration, "bad config payload: %v", err))
		return
	}

	err := a.cfg.Update(func(c *config.Config) error {
		if upd.MinReplicas != nil {
			c.Scaler.MinReplicas = *upd.MinReplicas
		}
		if upd.MaxReplicas != nil {
			c.Scaler.MaxReplicas = *upd.MaxReplicas
		}
		if upd.MaxActiveReplicas != nil {
			c.Scaler.MaxActiveReplicas = *upd.MaxActiveReplicas
		}
		if upd.MaxStreamsPerEngine != nil {
			c.Streams.MaxStreamsPerEngine = *upd.MaxStreamsPerEngine
		}
		if upd.LoopThresholdS != nil {
			c.Streams.LoopThreshold = time.Duration(*upd.LoopThresholdS) * time.Second
		}
		if upd.StreamTimeoutS != nil {
			c.Streams.StreamTimeout = time.Duration(*upd.StreamTimeoutS) * time.Second
		}
		if upd.ProxyStreamMode != nil {
			c.Proxy.Mode = config.StreamMode(*upd.ProxyStreamMode)
		}
		return nil
	})
	if err != nil {
		writeError(w, domain.NewError(domain.CodeConfiguration, "%v", err))
		return
	}

	a.bus.Publish(domain.Event{Type: domain.EventConfigChanged, At: time.Now()})
	writeJSON(w, http.StatusOK, a.cfg.Get())
}
