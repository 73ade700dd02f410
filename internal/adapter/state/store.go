package state

import (
	"sort"
	"sync"
	"time"

	"github.com/krinkuto11/acefleet/internal/core/domain"
	"github.com/krinkuto11/acefleet/pkg/eventbus"
)

// Store is the authoritative in-memory record of engines and streams. All
// mutation goes through single write paths per entity; events are published
// only after the lock is released, so subscribers always observe the state
// that produced the event.
type Store struct {
	enginesMu sync.RWMutex
	engines   map[string]*domain.Engine

	streamsMu sync.RWMutex
	streams   map[string]*domain.Stream

	lookaheadMu    sync.Mutex
	lookaheadLayer *int

	bus   *eventbus.EventBus[domain.Event]
	dirty chan struct{}
}

func NewStore(bus *eventbus.EventBus[domain.Event]) *Store {
	return &Store{
		engines: make(map[string]*domain.Engine),
		streams: make(map[string]*domain.Stream),
		bus:     bus,
		dirty:   make(chan struct{}, 1),
	}
}

func (s *Store) publish(ev domain.Event) {
	ev.At = time.Now()
	if s.bus != nil {
		s.bus.Publish(ev)
	}
	s.markDirty()
}

func (s *Store) markDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

// --- engines ---

// UpsertEngine inserts or refreshes an engine record
func (s *Store) UpsertEngine(e domain.Engine) {
	s.enginesMu.Lock()
	_, existed := s.engines[e.ContainerID]
	cp := e
	s.engines[e.ContainerID] = &cp
	s.enginesMu.Unlock()

	if !existed {
		s.publish(domain.Event{Type: domain.EventEngineAdded, EngineID: e.ContainerID})
	} else {
		s.markDirty()
	}
}

// RemoveEngine drops an engine record; no-op when absent
func (s *Store) RemoveEngine(containerID, reason string) {
	s.enginesMu.Lock()
	_, existed := s.engines[containerID]
	delete(s.engines, containerID)
	s.enginesMu.Unlock()

	if existed {
		s.publish(domain.Event{Type: domain.EventEngineRemoved, EngineID: containerID, Reason: reason})
	}
}

// Engine returns a copy of one engine record
func (s *Store) Engine(containerID string) (domain.Engine, bool) {
	s.enginesMu.RLock()
	defer s.enginesMu.RUnlock()
	e, ok := s.engines[containerID]
	if !ok {
		return domain.Engine{}, false
	}
	return *e, true
}

// Engines returns a copied snapshot sorted by creation time
func (s *Store) Engines() []domain.Engine {
	s.enginesMu.RLock()
	out := make([]domain.Engine, 0, len(s.engines))
	for _, e := range s.engines {
		out = append(out, *e)
	}
	s.enginesMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ContainerID < out[j].ContainerID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) EngineCount() int {
	s.enginesMu.RLock()
	defer s.enginesMu.RUnlock()
	return len(s.engines)
}

// SetEngineHealth updates probe results; events fire only on transitions
func (s *Store) SetEngineHealth(containerID string, health domain.HealthStatus, probedAt time.Time) {
	s.enginesMu.Lock()
	e, ok := s.engines[containerID]
	var changed bool
	if ok {
		changed = e.Health != health
		e.Health = health
		e.LastProbeAt = probedAt
	}
	s.enginesMu.Unlock()

	if !ok || !changed {
		return
	}
	if health == domain.HealthHealthy {
		s.publish(domain.Event{Type: domain.EventEngineHealthy, EngineID: containerID})
	} else if health == domain.HealthUnhealthy {
		s.publish(domain.Event{Type: domain.EventEngineUnhealthy, EngineID: containerID})
	}
}

// TouchEngineData records data movement observed on an engine's streams
func (s *Store) TouchEngineData(containerID string, at time.Time) {
	s.enginesMu.Lock()
	if e, ok := s.engines[containerID]; ok && at.After(e.LastDataAt) {
		e.LastDataAt = at
	}
	s.enginesMu.Unlock()
}

// TouchEngineUsage stamps last stream usage (selector tie-break)
func (s *Store) TouchEngineUsage(containerID string, at time.Time) {
	s.enginesMu.Lock()
	if e, ok := s.engines[containerID]; ok && at.After(e.LastUsageAt) {
		e.LastUsageAt = at
	}
	s.enginesMu.Unlock()
}

// SetForwarded designates (or clears) the forwarded engine. The p2p port is
// present exactly when forwarded is true.
func (s *Store) SetForwarded(containerID string, forwarded bool, p2pPort int) {
	s.enginesMu.Lock()
	if e, ok := s.engines[containerID]; ok {
		e.Forwarded = forwarded
		if forwarded {
			p := p2pPort
			e.P2PPort = &p
		} else {
			e.P2PPort = nil
		}
	}
	s.enginesMu.Unlock()
	s.markDirty()
}

// ForwardedEngine returns the forwarded engine for the given VPN, if any
func (s *Store) ForwardedEngine(vpnName string) (domain.Engine, bool) {
	s.enginesMu.RLock()
	defer s.enginesMu.RUnlock()
	for _, e := range s.engines {
		if e.Forwarded && e.VPNBinding == vpnName {
			return *e, true
		}
	}
	return domain.Engine{}, false
}

// HasForwardedEngine reports whether any engine holds the forwarded port
func (s *Store) HasForwardedEngine(vpnName string) bool {
	_, ok := s.ForwardedEngine(vpnName)
	return ok
}

// EnginesBoundTo returns engines whose network namespace belongs to the VPN
func (s *Store) EnginesBoundTo(vpnName string) []domain.Engine {
	s.enginesMu.RLock()
	defer s.enginesMu.RUnlock()
	var out []domain.Engine
	for _, e := range s.engines {
		if e.VPNBinding == vpnName {
			out = append(out, *e)
		}
	}
	return out
}

// --- streams ---

// AddStream registers a started stream. The record is visible to readers
// before the stream_started event fires.
func (s *Store) AddStream(st domain.Stream) {
	if st.Status == "" {
		st.Status = domain.StreamStarted
	}
	s.streamsMu.Lock()
	cp := st
	s.streams[st.ID] = &cp
	s.streamsMu.Unlock()

	s.TouchEngineUsage(st.EngineID, st.StartedAt)
	s.publish(domain.Event{
		Type: domain.EventStreamStarted, StreamID: st.ID,
		EngineID: st.EngineID, ContentKey: st.ContentKey,
	})
}

// EndStream transitions started→ended exactly once. Subsequent calls are
// no-ops, so stream_ended fires at most once per stream.
func (s *Store) EndStream(streamID, reason string) bool {
	s.streamsMu.Lock()
	st, ok := s.streams[streamID]
	if !ok || st.Status == domain.StreamEnded {
		s.streamsMu.Unlock()
		return false
	}
	now := time.Now()
	if now.Before(st.StartedAt) {
		now = st.StartedAt
	}
	st.Status = domain.StreamEnded
	st.EndedAt = &now
	st.EndReason = reason
	engineID, contentKey := st.EngineID, st.ContentKey
	s.streamsMu.Unlock()

	s.publish(domain.Event{
		Type: domain.EventStreamEnded, StreamID: streamID,
		EngineID: engineID, ContentKey: contentKey, Reason: reason,
	})
	return true
}

// UpdateStreamStats applies a collector snapshot through the serialized path
func (s *Store) UpdateStreamStats(streamID string, stats domain.StreamStats, liveLast *time.Time, dataMoved bool) {
	s.streamsMu.Lock()
	st, ok := s.streams[streamID]
	var engineID string
	now := time.Now()
	if ok && st.Status == domain.StreamStarted {
		st.Stats = stats
		if liveLast != nil {
			st.LiveLast = liveLast
		}
		if dataMoved {
			st.LastDataAt = now
			engineID = st.EngineID
		}
	}
	s.streamsMu.Unlock()

	if engineID != "" {
		s.TouchEngineData(engineID, now)
	}
}

// Stream returns a copy of one stream record
func (s *Store) Stream(streamID string) (domain.Stream, bool) {
	s.streamsMu.RLock()
	defer s.streamsMu.RUnlock()
	st, ok := s.streams[streamID]
	if !ok {
		return domain.Stream{}, false
	}
	return *st, true
}

// Streams returns a copied snapshot filtered by status ("" means all)
func (s *Store) Streams(status domain.StreamStatus) []domain.Stream {
	s.streamsMu.RLock()
	out := make([]domain.Stream, 0, len(s.streams))
	for _, st := range s.streams {
		if status == "" || st.Status == status {
			out = append(out, *st)
		}
	}
	s.streamsMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// RemoveStream deletes a record outright (retention cleanup)
func (s *Store) RemoveStream(streamID string) {
	s.streamsMu.Lock()
	delete(s.streams, streamID)
	s.streamsMu.Unlock()
	s.markDirty()
}

// EngineLoad counts started streams on one engine
func (s *Store) EngineLoad(containerID string) int {
	s.streamsMu.RLock()
	defer s.streamsMu.RUnlock()
	n := 0
	for _, st := range s.streams {
		if st.EngineID == containerID && st.Status == domain.StreamStarted {
			n++
		}
	}
	return n
}

// Loads returns started-stream counts per engine, including zero entries for
// engines with no streams.
func (s *Store) Loads() map[string]int {
	loads := make(map[string]int)
	s.enginesMu.RLock()
	for id := range s.engines {
		loads[id] = 0
	}
	s.enginesMu.RUnlock()

	s.streamsMu.RLock()
	for _, st := range s.streams {
		if st.Status == domain.StreamStarted {
			loads[st.EngineID]++
		}
	}
	s.streamsMu.RUnlock()
	return loads
}

// FreeCount counts engines with zero started streams
func (s *Store) FreeCount() int {
	free := 0
	for _, load := range s.Loads() {
		if load == 0 {
			free++
		}
	}
	return free
}

// CapacityUsed counts DISTINCT engines with at least one started stream.
// This is deliberately not the stream count: three clients multiplexed onto
// one engine consume one unit of capacity.
func (s *Store) CapacityUsed() int {
	used := 0
	for _, load := range s.Loads() {
		if load > 0 {
			used++
		}
	}
	return used
}

// --- lookahead layer ---

// SetLookaheadLayer records the fleet-wide minimum load at lookahead time
func (s *Store) SetLookaheadLayer(layer int) {
	s.lookaheadMu.Lock()
	l := layer
	s.lookaheadLayer = &l
	s.lookaheadMu.Unlock()
	s.markDirty()
}

func (s *Store) LookaheadLayer() (int, bool) {
	s.lookaheadMu.Lock()
	defer s.lookaheadMu.Unlock()
	if s.lookaheadLayer == nil {
		return 0, false
	}
	return *s.lookaheadLayer, true
}

func (s *Store) ClearLookaheadLayer() {
	s.lookaheadMu.Lock()
	cleared := s.lookaheadLayer != nil
	s.lookaheadLayer = nil
	s.lookaheadMu.Unlock()
	if cleared {
		s.markDirty()
	}
}
