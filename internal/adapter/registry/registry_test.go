package registry

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/krinkuto11/acefleet/internal/adapter/state"
	"github.com/krinkuto11/acefleet/internal/config"
	"github.com/krinkuto11/acefleet/internal/core/domain"
	"github.com/krinkuto11/acefleet/internal/logger"
	"github.com/krinkuto11/acefleet/internal/metrics"
	"github.com/krinkuto11/acefleet/pkg/eventbus"
	"github.com/krinkuto11/acefleet/theme"
)

func testLogger() *logger.StyledLogger {
	return logger.NewStyledLogger(slog.New(slog.DiscardHandler), theme.GetTheme("mono"))
}

// scriptedAPI returns canned stats per stat URL and records stop commands
type scriptedAPI struct {
	mu    sync.Mutex
	stats map[string]*domain.EngineStats
	stops []string
}

func (s *scriptedAPI) OpenStream(context.Context, string, int, string, string) (*domain.EngineSession, error) {
	return nil, nil
}

func (s *scriptedAPI) Stats(_ context.Context, statURL string) (*domain.EngineStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stats[statURL]; ok {
		return st, nil
	}
	return &domain.EngineStats{Status: "dl"}, nil
}

func (s *scriptedAPI) Stop(_ context.Context, commandURL string) error {
	s.mu.Lock()
	s.stops = append(s.stops, commandURL)
	s.mu.Unlock()
	return nil
}

func (s *scriptedAPI) Probe(context.Context, string, int) error { return nil }

func (s *scriptedAPI) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stops)
}

func newTestRegistry(api *scriptedAPI, mutate func(*config.Config)) (*Registry, *state.Store, *Blacklist) {
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	mgr := config.NewManager(cfg, nil)
	bus := eventbus.NewWithConfig[domain.Event](eventbus.Config{BufferSize: 256})
	store := state.NewStore(bus)
	bl := NewBlacklist(cfg.Blacklist.RetentionMinutes, "", testLogger())
	return New(store, api, bl, mgr, metrics.New(), testLogger()), store, bl
}

func seedStream(store *state.Store, id, key, statURL, cmdURL string) {
	store.UpsertEngine(domain.Engine{
		ContainerID: "e0", Host: "127.0.0.1", Port: 19000,
		Health: domain.HealthHealthy, CreatedAt: time.Now(),
	})
	store.AddStream(domain.Stream{
		ID: id, ContentKey: key, EngineID: "e0",
		PlaybackSessionID: "psid-1",
		StatURL:           statURL, CommandURL: cmdURL,
		StartedAt: time.Now(), Status: domain.StreamStarted,
	})
}

func TestCollectorAppliesStats(t *testing.T) {
	api := &scriptedAPI{stats: map[string]*domain.EngineStats{
		"stat://s1": {Status: "dl", PlaybackSessionID: "psid-1", SpeedDown: 1200, Peers: 8, Downloaded: 4096},
	}}
	reg, store, _ := newTestRegistry(api, nil)
	seedStream(store, "s1", "AAA", "stat://s1", "cmd://s1")

	reg.CollectOnce(context.Background())

	st, _ := store.Stream("s1")
	if st.Stats.SpeedDown != 1200 || st.Stats.Peers != 8 {
		t.Errorf("stats not applied: %+v", st.Stats)
	}
	if st.Status != domain.StreamStarted {
		t.Errorf("healthy stream was ended: %s", st.Status)
	}
}

func TestCollectorEndsStoppedStream(t *testing.T) {
	api := &scriptedAPI{stats: map[string]*domain.EngineStats{
		"stat://s1": {Status: "stopped", PlaybackSessionID: "psid-1"},
	}}
	reg, store, _ := newTestRegistry(api, nil)
	seedStream(store, "s1", "AAA", "stat://s1", "cmd://s1")

	reg.CollectOnce(context.Background())

	st, _ := store.Stream("s1")
	if st.Status != domain.StreamEnded || st.EndReason != "stat_stopped" {
		t.Errorf("stream = %s/%s, want ended/stat_stopped", st.Status, st.EndReason)
	}
}

func TestCollectorEndsStreamOnForeignSession(t *testing.T) {
	api := &scriptedAPI{stats: map[string]*domain.EngineStats{
		"stat://s1": {Status: "dl", PlaybackSessionID: "someone-else"},
	}}
	reg, store, _ := newTestRegistry(api, nil)
	seedStream(store, "s1", "AAA", "stat://s1", "cmd://s1")

	reg.CollectOnce(context.Background())

	if st, _ := store.Stream("s1"); st.Status != domain.StreamEnded {
		t.Error("stream with a foreign playback session id kept running")
	}
}

// A stream whose broadcast position lags the threshold is
// stopped, ended, and its key blacklisted.
func TestLoopDetectorBlacklistsContent(t *testing.T) {
	api := &scriptedAPI{}
	reg, store, bl := newTestRegistry(api, func(c *config.Config) {
		c.Streams.LoopThreshold = time.Hour
	})
	seedStream(store, "s1", "LOOPKEY", "stat://s1", "cmd://s1")

	stale := time.Now().Add(-3601 * time.Second)
	store.UpdateStreamStats("s1", domain.StreamStats{}, &stale, false)

	reg.DetectLoopsOnce(context.Background())

	st, _ := store.Stream("s1")
	if st.Status != domain.StreamEnded || st.EndReason != "loop_detected" {
		t.Errorf("stream = %s/%s, want ended/loop_detected", st.Status, st.EndReason)
	}
	if !bl.Contains("LOOPKEY") {
		t.Error("looping content key not blacklisted")
	}
	if api.stopCount() != 1 {
		t.Errorf("command_url stop called %d times, want 1", api.stopCount())
	}

	// A second pass must not double-end or double-blacklist
	reg.DetectLoopsOnce(context.Background())
	if api.stopCount() != 1 {
		t.Error("loop detector acted twice on an ended stream")
	}
}

func TestLoopDetectorIgnoresFreshStreams(t *testing.T) {
	api := &scriptedAPI{}
	reg, store, bl := newTestRegistry(api, func(c *config.Config) {
		c.Streams.LoopThreshold = time.Hour
	})
	seedStream(store, "s1", "FRESH", "stat://s1", "cmd://s1")

	recent := time.Now().Add(-30 * time.Second)
	store.UpdateStreamStats("s1", domain.StreamStats{}, &recent, true)

	reg.DetectLoopsOnce(context.Background())

	if st, _ := store.Stream("s1"); st.Status != domain.StreamStarted {
		t.Error("fresh stream was terminated")
	}
	if bl.Contains("FRESH") {
		t.Error("fresh stream was blacklisted")
	}
}

func TestStaleDetectorTerminatesIdleStreams(t *testing.T) {
	api := &scriptedAPI{}
	reg, store, _ := newTestRegistry(api, func(c *config.Config) {
		c.Streams.StreamTimeout = time.Minute
	})
	seedStream(store, "s1", "AAA", "stat://s1", "cmd://s1")

	reg.SetClock(func() time.Time { return time.Now().Add(2 * time.Minute) })
	reg.DetectStaleOnce(context.Background())

	if st, _ := store.Stream("s1"); st.Status != domain.StreamEnded || st.EndReason != "stale" {
		t.Errorf("stream = %s/%s, want ended/stale", st.Status, st.EndReason)
	}
}

func TestCleanupRemovesOldEndedStreams(t *testing.T) {
	api := &scriptedAPI{}
	reg, store, _ := newTestRegistry(api, func(c *config.Config) {
		c.Streams.EndedRetention = time.Hour
	})
	seedStream(store, "old", "AAA", "stat://old", "cmd://old")
	seedStream(store, "new", "BBB", "stat://new", "cmd://new")
	store.EndStream("old", "test")
	store.EndStream("new", "test")

	reg.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })

	// Re-add "new" as a started stream: cleanup only removes ended streams
	store.RemoveStream("new")
	seedStream(store, "new", "BBB", "stat://new", "cmd://new")

	reg.CleanupOnce(context.Background())

	if _, ok := store.Stream("old"); ok {
		t.Error("ended stream past retention still present")
	}
	if _, ok := store.Stream("new"); !ok {
		t.Error("started stream was removed by cleanup")
	}
}

func TestBlacklistRetention(t *testing.T) {
	bl := NewBlacklist(10, "", testLogger())
	now := time.Now()
	bl.SetClock(func() time.Time { return now })

	bl.Add("KEY")
	if !bl.Contains("KEY") {
		t.Fatal("fresh entry missing")
	}

	now = now.Add(11 * time.Minute)
	if bl.Contains("KEY") {
		t.Error("entry survived past retention")
	}
}

func TestBlacklistIndefiniteByDefault(t *testing.T) {
	bl := NewBlacklist(0, "", testLogger())
	now := time.Now()
	bl.SetClock(func() time.Time { return now })

	bl.Add("KEY")
	now = now.Add(1000 * time.Hour)
	if !bl.Contains("KEY") {
		t.Error("entry expired although retention is indefinite")
	}
	if !bl.Remove("KEY") {
		t.Error("remove failed")
	}
	if bl.Contains("KEY") {
		t.Error("entry survived removal")
	}
}
