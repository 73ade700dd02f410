package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/krinkuto11/acefleet/internal/adapter/health"
	"github.com/krinkuto11/acefleet/internal/adapter/selector"
	"github.com/krinkuto11/acefleet/internal/adapter/state"
	"github.com/krinkuto11/acefleet/internal/config"
	"github.com/krinkuto11/acefleet/internal/core/domain"
	"github.com/krinkuto11/acefleet/internal/core/ports"
	"github.com/krinkuto11/acefleet/internal/logger"
	"github.com/krinkuto11/acefleet/internal/metrics"
)

// Manager enforces one Session per content key and owns the shared plumbing:
// admission (blacklist, engine selection, upstream open), the ghost sweep,
// and teardown bookkeeping. Lifecycle events go straight to the store -
// never through our own HTTP surface.
type Manager struct {
	store     *state.Store
	sel       *selector.Selector
	api       ports.EngineAPI
	tracker   *health.FailureTracker
	blacklist ports.BlacklistView
	cfg       *config.Manager
	mx        *metrics.Metrics
	logger    *logger.StyledLogger

	mu       sync.Mutex
	sessions map[string]*Session

	redis *redis.Client
}

func NewManager(
	store *state.Store,
	sel *selector.Selector,
	api ports.EngineAPI,
	tracker *health.FailureTracker,
	blacklist ports.BlacklistView,
	cfg *config.Manager,
	mx *metrics.Metrics,
	log *logger.StyledLogger,
) *Manager {
	m := &Manager{
		store:     store,
		sel:       sel,
		api:       api,
		tracker:   tracker,
		blacklist: blacklist,
		cfg:       cfg,
		mx:        mx,
		logger:    log,
		sessions:  make(map[string]*Session),
	}
	if bc := cfg.Get().Proxy.Buffer; bc.Backend == "redis" {
		m.redis = redis.NewClient(&redis.Options{Addr: bc.Addr, DB: bc.DB})
	}
	return m
}

// Run drives the periodic ghost sweep until the context ends
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Get().Proxy.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.shutdownAll()
			return
		case <-ticker.C:
			m.sweepAll()
		}
	}
}

func (m *Manager) sweepAll() {
	for _, s := range m.Sessions() {
		s.SweepGhosts()
	}
}

func (m *Manager) shutdownAll() {
	for _, s := range m.Sessions() {
		s.finish("shutdown")
	}
}

// Sessions returns the live sessions
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Session returns the session for a content key, if any
func (m *Manager) Session(contentKey string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[contentKey]
	return s, ok
}

// Admit attaches a client to the content key's session, opening the upstream
// when none exists. Blacklisted keys are refused before any engine work.
func (m *Manager) Admit(ctx context.Context, keyType, contentKey, ip, userAgent string) (*Session, *Client, error) {
	if m.blacklist.Contains(contentKey) {
		return nil, nil, domain.NewError(domain.CodeStreamBlacklisted,
			"content %s is blacklisted after loop detection", contentKey)
	}

	for {
		sess, err := m.getOrCreate(ctx, keyType, contentKey)
		if err != nil {
			return nil, nil, err
		}
		client, err := sess.Attach(ip, userAgent)
		if err == nil {
			return sess, client, nil
		}
		// The session stopped between lookup and attach: drop it and
		// open a fresh one
		m.remove(sess)
	}
}

func (m *Manager) getOrCreate(ctx context.Context, keyType, contentKey string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[contentKey]; ok {
		m.mu.Unlock()
		m.logger.Debug("Reusing session", "content_key", contentKey, "clients", s.ClientCount())
		return s, nil
	}
	m.mu.Unlock()

	// Selection and upstream open happen outside the manager lock; a
	// concurrent create for the same key loses the final insert race and
	// tears its upstream back down.
	sess, err := m.open(ctx, keyType, contentKey)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.sessions[contentKey]; ok {
		m.mu.Unlock()
		sess.finish("duplicate")
		return existing, nil
	}
	m.sessions[contentKey] = sess
	m.mu.Unlock()

	go sess.Run()
	return sess, nil
}

// open selects an engine and starts the upstream session
func (m *Manager) open(ctx context.Context, keyType, contentKey string) (*Session, error) {
	engine, err := m.sel.Select(ctx, contentKey)
	if err != nil {
		return nil, err
	}

	openCtx, cancel := context.WithTimeout(ctx, m.cfg.Get().Proxy.ConnectTimeout)
	upstream, err := m.api.OpenStream(openCtx, engine.Host, engine.Port, keyType, contentKey)
	cancel()
	if err != nil {
		m.sel.ReleasePending(engine.ContainerID)
		m.tracker.RecordFailure(engine.ContainerID)
		return nil, domain.AsOrchestratorError(fmt.Errorf("open upstream: %w", err))
	}

	streamID := uuid.NewString()
	m.logger.InfoWithStream("Opened upstream for", contentKey,
		"stream_id", streamID, "engine", engine.ContainerName,
		"playback_session_id", upstream.PlaybackSessionID)

	sess := newSession(
		contentKey, streamID, engine.ContainerID, upstream,
		m.newBuffer(contentKey),
		m.cfg, m.mx, m.logger,
		func() { m.tracker.Reset(engine.ContainerID) },
		m.onSessionStopped,
	)

	// Register the stream before any event observer can care about it;
	// AddStream publishes stream_started after the record is visible.
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

	return sess, nil
}

func (m *Manager) newBuffer(contentKey string) ports.ChunkBuffer {
	pc := m.cfg.Get().Proxy
	if m.redis != nil {
		return NewRedisBuffer(m.redis, contentKey, pc.MaxChunks, pc.ChunkTTL)
	}
	return NewMemoryBuffer(pc.MaxChunks, pc.ChunkTTL)
}

// onSessionStopped runs exactly once per session: the engine-side session is
// told to stop, and the stream record transitions to ended.
func (m *Manager) onSessionStopped(s *Session, reason string) {
	m.remove(s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.api.Stop(ctx, s.Upstream.CommandURL); err != nil {
		m.logger.Debug("Upstream stop command failed",
			"content_key", s.ContentKey, "error", err)
	}

	if reason == "stream_error" {
		m.tracker.RecordFailure(s.EngineID)
	}
	m.store.EndStream(s.StreamID, reason)
	m.logger.InfoWithStream("Session stopped for", s.ContentKey, "reason", reason)
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.ContentKey]; ok && cur == s {
		delete(m.sessions, s.ContentKey)
	}
	m.mu.Unlock()
}

// Detach forwards to the session; the session leaves the manager map when it
// stops (onSessionStopped)
func (m *Manager) Detach(s *Session, clientID string) {
	s.Detach(clientID)
}

// TotalClients counts attached clients across sessions
func (m *Manager) TotalClients() int {
	n := 0
	for _, s := range m.Sessions() {
		n += s.ClientCount()
	}
	return n
}
