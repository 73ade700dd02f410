package hls

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/krinkuto11/acefleet/internal/adapter/health"
	"github.com/krinkuto11/acefleet/internal/adapter/selector"
	"github.com/krinkuto11/acefleet/internal/adapter/state"
	"github.com/krinkuto11/acefleet/internal/config"
	"github.com/krinkuto11/acefleet/internal/core/domain"
	"github.com/krinkuto11/acefleet/internal/core/ports"
	"github.com/krinkuto11/acefleet/internal/logger"
)

// Manager keeps one Channel per content key. The critical admission rule:
// the existence check runs BEFORE engine selection, so an HLS player's
// manifest refresh every few seconds reuses the channel instead of burning a
// selection (and a fresh engine playback session) per refresh.
type Manager struct {
	store     *state.Store
	sel       *selector.Selector
	api       ports.EngineAPI
	tracker   *health.FailureTracker
	blacklist ports.BlacklistView
	cfg       *config.Manager
	logger    *logger.StyledLogger

	mu       sync.Mutex
	channels map[string]*Channel
}

func NewManager(
	store *state.Store,
	sel *selector.Selector,
	api ports.EngineAPI,
	tracker *health.FailureTracker,
	blacklist ports.BlacklistView,
	cfg *config.Manager,
	log *logger.StyledLogger,
) *Manager {
	return &Manager{
		store:     store,
		sel:       sel,
		api:       api,
		tracker:   tracker,
		blacklist: blacklist,
		cfg:       cfg,
		logger:    log,
		channels:  make(map[string]*Channel),
	}
}

// Run drives the viewer sweep until the context ends
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Get().Proxy.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			for _, c := range m.Channels() {
				c.Stop("shutdown")
			}
			return
		case <-ticker.C:
			for _, c := range m.Channels() {
				c.SweepViewers()
			}
		}
	}
}

// Channels returns the live channels
func (m *Manager) Channels() []*Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Channel, 0, len(m.channels))
	for _, c := range m.channels {
		out = append(out, c)
	}
	return out
}

// Channel returns the channel for a content key, if any
func (m *Manager) Channel(contentKey string) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.channels[contentKey]
	return c, ok
}

// Manifest serves the proxy playlist for a content key, creating the channel
// on first request only.
func (m *Manager) Manifest(ctx context.Context, keyType, contentKey, viewerKey string) (string, error) {
	// Existence check precedes everything else, including the blacklist:
	// a key blacklisted mid-flight is reaped by the loop detector, and a
	// running channel must not re-select.
	if ch, ok := m.Channel(contentKey); ok {
		manifest, err := ch.Manifest(viewerKey)
		if err == nil {
			return manifest, nil
		}
	}

	if m.blacklist.Contains(contentKey) {
		return "", domain.NewError(domain.CodeStreamBlacklisted,
			"content %s is blacklisted after loop detection", contentKey)
	}

	ch, err := m.create(ctx, keyType, contentKey)
	if err != nil {
		return "", err
	}
	return ch.Manifest(viewerKey)
}

// Segment serves one buffered segment
func (m *Manager) Segment(contentKey, viewerKey string, seq int64) ([]byte, bool) {
	ch, ok := m.Channel(contentKey)
	if !ok {
		return nil, false
	}
	return ch.Segment(viewerKey, seq)
}

func (m *Manager) create(ctx context.Context, keyType, contentKey string) (*Channel, error) {
	m.mu.Lock()
	if ch, ok := m.channels[contentKey]; ok {
		m.mu.Unlock()
		return ch, nil
	}
	m.mu.Unlock()

	engine, err := m.sel.Select(ctx, contentKey)
	if err != nil {
		return nil, err
	}
	m.logger.InfoWithStream("Selected engine for NEW HLS stream", contentKey,
		"engine", engine.ContainerName)

	openCtx, cancel := context.WithTimeout(ctx, m.cfg.Get().Proxy.ConnectTimeout)
	upstream, err := m.api.OpenStream(openCtx, engine.Host, engine.Port, keyType, contentKey)
	cancel()
	if err != nil {
		m.sel.ReleasePending(engine.ContainerID)
		m.tracker.RecordFailure(engine.ContainerID)
		return nil, domain.AsOrchestratorError(fmt.Errorf("open upstream: %w", err))
	}

	streamID := uuid.NewString()
	ch := newChannel(contentKey, streamID, engine.ContainerID, upstream,
		m.cfg, m.logger, m.onChannelStopped)

	m.mu.Lock()
	if existing, ok := m.channels[contentKey]; ok {
		m.mu.Unlock()
		ch.Stop("duplicate")
		return existing, nil
	}
	m.channels[contentKey] = ch
	m.mu.Unlock()

	m.store.AddStream(domain.Stream{
		ID:                streamID,
		ContentKey:        contentKey,
		KeyType:           keyType,
		EngineID:          engine.ContainerID,
		PlaybackSessionID: upstream.PlaybackSessionID,
		StatURL:           upstream.StatURL,
		CommandURL:        upstream.CommandURL,
		IsLive:            upstream.IsLive == 1,
		StartedAt:         time.Now(),
		Status:            domain.StreamStarted,
	})

	go ch.Run()
	return ch, nil
}

func (m *Manager) onChannelStopped(c *Channel, reason string) {
	m.mu.Lock()
	if cur, ok := m.channels[c.ContentKey]; ok && cur == c {
		delete(m.channels, c.ContentKey)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.api.Stop(ctx, c.Upstream.CommandURL); err != nil {
		m.logger.Debug("Upstream stop command failed",
			"content_key", c.ContentKey, "error", err)
	}
	m.store.EndStream(c.StreamID, reason)
	m.logger.InfoWithStream("HLS channel stopped for", c.ContentKey, "reason", reason)
}
