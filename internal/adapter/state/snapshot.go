package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/krinkuto11/acefleet/internal/core/domain"
	"github.com/krinkuto11/acefleet/internal/core/ports"
	"github.com/krinkuto11/acefleet/internal/logger"
)

// Snapshot is the persisted form of the fleet. Only started streams are
// written; ended streams are reconstructable noise.
type Snapshot struct {
	Engines        []domain.Engine `json:"engines"`
	Streams        []domain.Stream `json:"streams"`
	LookaheadLayer *int            `json:"lookahead_layer,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Persister writes debounced snapshots and restores them at startup
type Persister struct {
	store    *Store
	path     string
	debounce time.Duration
	logger   *logger.StyledLogger
}

func NewPersister(store *Store, path string, debounce time.Duration, log *logger.StyledLogger) *Persister {
	return &Persister{store: store, path: path, debounce: debounce, logger: log}
}

// Run watches the store's dirty signal and writes at most one snapshot per
// debounce window. A final write happens on shutdown.
func (p *Persister) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.write()
			return
		case <-p.store.dirty:
			timer := time.NewTimer(p.debounce)
			select {
			case <-ctx.Done():
				timer.Stop()
				p.write()
				return
			case <-timer.C:
			}
			// Collapse signals that arrived during the window
			select {
			case <-p.store.dirty:
			default:
			}
			p.write()
		}
	}
}

func (p *Persister) write() {
	snap := Snapshot{
		Engines:   p.store.Engines(),
		Streams:   p.store.Streams(domain.StreamStarted),
		UpdatedAt: time.Now(),
	}
	if layer, ok := p.store.LookaheadLayer(); ok {
		snap.LookaheadLayer = &layer
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		p.logger.Error("Failed to marshal fleet snapshot", "error", err)
		return
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		p.logger.Error("Failed to create snapshot dir", "error", err)
		return
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		p.logger.Error("Failed to write fleet snapshot", "error", err)
		return
	}
	if err := os.Rename(tmp, p.path); err != nil {
		p.logger.Error("Failed to replace fleet snapshot", "error", err)
	}
}

// Load reads a previous snapshot; a missing file is a clean start
func (p *Persister) Load() (*Snapshot, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// Reindex reconciles the store against the running container set. Containers
// bearing the owner label are merged in, with forwarded status restored from
// the label; engines whose container disappeared are dropped. Snapshot data
// (if present) seeds fields Docker cannot tell us (vpn binding, usage times,
// started streams); snapshot streams whose engine is gone are not restored.
// Streams already in the store are left as they are.
func Reindex(ctx context.Context, store *Store, driver ports.ContainerDriver, snap *Snapshot, log *logger.StyledLogger) error {
	infos, err := driver.ListManaged(ctx)
	if err != nil {
		return fmt.Errorf("reindex: %w", err)
	}

	prior := make(map[string]domain.Engine)
	if snap != nil {
		for _, e := range snap.Engines {
			prior[e.ContainerID] = e
		}
	}

	running := make(map[string]struct{}, len(infos))
	for _, info := range infos {
		if !info.Running {
			continue
		}
		running[info.ID] = struct{}{}

		engine := domain.Engine{
			ContainerID:   info.ID,
			ContainerName: info.Name,
			Host:          info.Host,
			Port:          info.HostHTTPPort,
			HTTPSPort:     info.HostHTTPSPort,
			Health:        domain.HealthUnknown,
			CreatedAt:     info.CreatedAt,
			Labels:        info.Labels,
			TemplateID:    info.Labels[domain.LabelTemplate],
		}
		if old, ok := prior[info.ID]; ok {
			engine.VPNBinding = old.VPNBinding
			engine.LastUsageAt = old.LastUsageAt
			if old.Health != "" {
				engine.Health = old.Health
			}
			if old.Port != 0 {
				engine.Port = old.Port
				engine.HTTPSPort = old.HTTPSPort
			}
		}
		if info.Labels[domain.LabelForwarded] == "true" {
			engine.Forwarded = true
			if old, ok := prior[info.ID]; ok && old.P2PPort != nil {
				p := *old.P2PPort
				engine.P2PPort = &p
			}
		}
		store.UpsertEngine(engine)
	}

	// Drop engines whose containers no longer exist
	for _, e := range store.Engines() {
		if _, ok := running[e.ContainerID]; !ok {
			store.RemoveEngine(e.ContainerID, "container_gone")
		}
	}

	// Restore started streams whose engines survived
	if snap != nil {
		for _, st := range snap.Streams {
			if _, ok := running[st.EngineID]; !ok {
				continue
			}
			if _, exists := store.Stream(st.ID); !exists {
				store.AddStream(st)
			}
		}
	}

	log.InfoWithCount("Reindexed fleet", store.EngineCount(), "running_containers", len(running))
	return nil
}
