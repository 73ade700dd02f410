package state

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/krinkuto11/acefleet/internal/core/domain"
	"github.com/krinkuto11/acefleet/internal/logger"
	"github.com/krinkuto11/acefleet/theme"
)

func testLogger() *logger.StyledLogger {
	return logger.NewStyledLogger(slog.New(slog.DiscardHandler), theme.GetTheme("mono"))
}

// listDriver is a ports.ContainerDriver serving a fixed container set
type listDriver struct {
	containers []domain.ContainerInfo
}

func (d *listDriver) Start(context.Context, domain.StartSpec) (domain.ContainerInfo, error) {
	return domain.ContainerInfo{}, nil
}
func (d *listDriver) Stop(context.Context, string, time.Duration) error { return nil }
func (d *listDriver) Inspect(context.Context, string) (domain.ContainerInfo, error) {
	return domain.ContainerInfo{}, domain.ErrNotFound
}
func (d *listDriver) ListManaged(context.Context) ([]domain.ContainerInfo, error) {
	return d.containers, nil
}

func TestSnapshotRoundTrip(t *testing.T) {
	s, _ := newTestStore()
	dir := t.TempDir()
	p := NewPersister(s, filepath.Join(dir, "fleet.json"), time.Millisecond, testLogger())

	addEngine(s, "e0", time.Now())
	addStream(s, "s1", "e0", "AAA")
	addStream(s, "s2", "e0", "BBB")
	s.EndStream("s2", "test")
	s.SetLookaheadLayer(2)

	p.write()

	loaded, err := p.Load()
	if err != nil {
		t.Fatal(err)
	}
	if loaded == nil {
		t.Fatal("snapshot missing")
	}
	if len(loaded.Engines) != 1 {
		t.Errorf("snapshot has %d engines, want 1", len(loaded.Engines))
	}
	// Only started streams persist
	if len(loaded.Streams) != 1 || loaded.Streams[0].ID != "s1" {
		t.Errorf("snapshot streams = %+v, want only the started one", loaded.Streams)
	}
	if loaded.LookaheadLayer == nil || *loaded.LookaheadLayer != 2 {
		t.Errorf("lookahead layer = %v, want 2", loaded.LookaheadLayer)
	}
}

func TestLoadMissingSnapshotIsCleanStart(t *testing.T) {
	s, _ := newTestStore()
	p := NewPersister(s, filepath.Join(t.TempDir(), "absent.json"), time.Second, testLogger())

	snap, err := p.Load()
	if err != nil || snap != nil {
		t.Errorf("Load = %v, %v, want nil, nil", snap, err)
	}
}

// Reindex merges the snapshot with the running container set: survivors keep
// their bindings, gone containers drop out, forwarded status comes back from
// the label.
func TestReindexReconciles(t *testing.T) {
	s, _ := newTestStore()
	created := time.Now().Add(-time.Hour)

	driver := &listDriver{containers: []domain.ContainerInfo{
		{
			ID: "alive", Name: "engine-alive", Host: "127.0.0.1",
			HostHTTPPort: 19000, Running: true, CreatedAt: created,
			Labels: map[string]string{domain.LabelForwarded: "true"},
		},
		{
			ID: "stopped-ct", Name: "engine-stopped", Host: "127.0.0.1",
			HostHTTPPort: 19002, Running: false, CreatedAt: created,
		},
	}}

	p2p := 36783
	snap := &Snapshot{
		Engines: []domain.Engine{
			{ContainerID: "alive", VPNBinding: "alpha", P2PPort: &p2p, Port: 19000},
			{ContainerID: "gone", Port: 19004},
		},
		Streams: []domain.Stream{
			{ID: "s1", ContentKey: "AAA", EngineID: "alive", Status: domain.StreamStarted, StartedAt: created},
			{ID: "s2", ContentKey: "BBB", EngineID: "gone", Status: domain.StreamStarted, StartedAt: created},
		},
	}

	// Seed a stale record that reindex must drop
	s.UpsertEngine(domain.Engine{ContainerID: "gone", CreatedAt: created})

	if err := Reindex(context.Background(), s, driver, snap, testLogger()); err != nil {
		t.Fatal(err)
	}

	if _, ok := s.Engine("gone"); ok {
		t.Error("engine without a container survived reindex")
	}
	if _, ok := s.Engine("stopped-ct"); ok {
		t.Error("non-running container was indexed")
	}

	alive, ok := s.Engine("alive")
	if !ok {
		t.Fatal("running container not indexed")
	}
	if !alive.Forwarded {
		t.Error("forwarded flag not restored from the label")
	}
	if alive.P2PPort == nil || *alive.P2PPort != 36783 {
		t.Errorf("p2p port = %v, want restored 36783", alive.P2PPort)
	}
	if alive.VPNBinding != "alpha" {
		t.Errorf("vpn binding = %q, want alpha from the snapshot", alive.VPNBinding)
	}

	// Streams on surviving engines come back; orphans do not
	if _, ok := s.Stream("s1"); !ok {
		t.Error("stream on a surviving engine not restored")
	}
	if _, ok := s.Stream("s2"); ok {
		t.Error("stream on a vanished engine restored")
	}
}
