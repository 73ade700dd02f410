package selector

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/krinkuto11/acefleet/internal/adapter/health"
	"github.com/krinkuto11/acefleet/internal/adapter/state"
	"github.com/krinkuto11/acefleet/internal/config"
	"github.com/krinkuto11/acefleet/internal/core/domain"
	"github.com/krinkuto11/acefleet/internal/core/ports"
	"github.com/krinkuto11/acefleet/internal/logger"
	"github.com/krinkuto11/acefleet/pkg/eventbus"
)

const (
	cacheTTL = 2 * time.Second

	scoreLoadPenalty    = -10
	scoreForwardedBonus = 1000
	scoreUnhealthy      = -1000
)

type cachedSelection struct {
	engineID string
	at       time.Time
}

// Selector maps a content key onto the best engine. Scores favour forwarded
// engines, punish load, and disqualify unhealthy engines; results are cached
// briefly per content key to blunt request bursts, and the cache is flushed
// on every engine lifecycle event.
type Selector struct {
	store    *state.Store
	tracker  *health.FailureTracker
	prov     ports.Provisioner
	cfg      *config.Manager
	logger   *logger.StyledLogger
	cache    *xsync.MapOf[string, cachedSelection]
	now      func() time.Time

	pendingMu sync.Mutex
	pending   map[string]int // engine id -> streams handed out, not yet started
}

func New(store *state.Store, tracker *health.FailureTracker, prov ports.Provisioner, cfg *config.Manager, log *logger.StyledLogger) *Selector {
	return &Selector{
		store:   store,
		tracker: tracker,
		prov:    prov,
		cfg:     cfg,
		logger:  log,
		cache:   xsync.NewMapOf[string, cachedSelection](),
		now:     time.Now,
		pending: make(map[string]int),
	}
}

// WatchEvents flushes the cache whenever the fleet changes
func (s *Selector) WatchEvents(ctx context.Context, bus *eventbus.EventBus[domain.Event]) {
	ch, cancel := bus.Subscribe(ctx)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.IsEngineEvent() {
				s.cache.Clear()
			}
			// A started stream consumes the pending slot reserved at
			// selection time
			if ev.Type == domain.EventStreamStarted {
				s.ReleasePending(ev.EngineID)
			}
		}
	}
}

// TrackPending reserves capacity on an engine between selection and the
// stream_started event, so concurrent requests spread out.
func (s *Selector) TrackPending(engineID string) {
	s.pendingMu.Lock()
	s.pending[engineID]++
	s.pendingMu.Unlock()
}

// ReleasePending frees a reservation (stream started, or admission failed)
func (s *Selector) ReleasePending(engineID string) {
	s.pendingMu.Lock()
	if s.pending[engineID] > 0 {
		s.pending[engineID]--
		if s.pending[engineID] == 0 {
			delete(s.pending, engineID)
		}
	}
	s.pendingMu.Unlock()
}

func (s *Selector) pendingFor(engineID string) int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return s.pending[engineID]
}

// Select returns the engine to serve a content key, provisioning when the
// fleet has no capacity. The returned engine has a pending reservation the
// caller must release if admission fails.
func (s *Selector) Select(ctx context.Context, contentKey string) (*domain.Engine, error) {
	// Cache hit: same key within the TTL sticks to the same engine
	if hit, ok := s.cache.Load(contentKey); ok && s.now().Sub(hit.at) < cacheTTL {
		if e, exists := s.store.Engine(hit.engineID); exists && e.Routable() {
			s.TrackPending(e.ContainerID)
			return &e, nil
		}
		s.cache.Delete(contentKey)
	}

	if e := s.pick(); e != nil {
		s.cache.Store(contentKey, cachedSelection{engineID: e.ContainerID, at: s.now()})
		s.TrackPending(e.ContainerID)
		return e, nil
	}

	// Nothing can take the stream: ask the autoscaler and wait for a
	// ready engine inside the provisioning budget
	if ok, oe := s.prov.CanProvision(); !ok {
		return nil, oe
	}
	s.logger.Info("No engine with capacity, provisioning", "content_key", contentKey)

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.Get().Proxy.ProvisionWait)
	defer cancel()

	if _, err := s.prov.ProvisionOne(waitCtx); err != nil {
		return nil, err
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if e := s.pick(); e != nil {
			s.cache.Store(contentKey, cachedSelection{engineID: e.ContainerID, at: s.now()})
			s.TrackPending(e.ContainerID)
			return e, nil
		}
		select {
		case <-waitCtx.Done():
			return nil, domain.NewError(domain.CodeNoCapacity,
				"no engine became ready within the provisioning wait")
		case <-ticker.C:
		}
	}
}

// pick scores every candidate and returns the best, or nil when no engine
// has spare capacity
func (s *Selector) pick() *domain.Engine {
	maxStreams := s.cfg.Get().Streams.MaxStreamsPerEngine
	engines := s.store.Engines() // sorted by created_at: stable tie-break
	loads := s.store.Loads()

	var best *domain.Engine
	bestScore := 0
	var bestUsage time.Time

	for i := range engines {
		e := &engines[i]
		if e.Health == domain.HealthUnhealthy {
			continue
		}
		if s.tracker != nil && s.tracker.IsRecovering(e.ContainerID) {
			continue
		}

		load := loads[e.ContainerID] + s.pendingFor(e.ContainerID)
		if load >= maxStreams {
			continue
		}

		score := scoreLoadPenalty * load
		if e.Forwarded {
			score += scoreForwardedBonus
		}
		if e.Health == domain.HealthUnknown {
			// Not yet probed: usable, but never preferred over a
			// known-good engine
			score += scoreUnhealthy
		}

		if best == nil || score > bestScore ||
			(score == bestScore && e.LastUsageAt.Before(bestUsage)) {
			best = e
			bestScore = score
			bestUsage = e.LastUsageAt
		}
	}
	return best
}

// SetClock overrides the time source (tests)
func (s *Selector) SetClock(now func() time.Time) { s.now = now }
