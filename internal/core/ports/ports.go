package ports

import (
	"context"
	"time"

	"github.com/krinkuto11/acefleet/internal/core/domain"
)

// ContainerDriver is the narrow surface onto the container runtime. Engines
// are the only containers it manages, filtered by the orchestrator owner label.
type ContainerDriver interface {
	Start(ctx context.Context, spec domain.StartSpec) (domain.ContainerInfo, error)
	// Stop is idempotent: a missing container is success
	Stop(ctx context.Context, containerID string, grace time.Duration) error
	Inspect(ctx context.Context, containerID string) (domain.ContainerInfo, error)
	ListManaged(ctx context.Context) ([]domain.ContainerInfo, error)
}

// EngineAPI is the upstream AceStream HTTP contract the core consumes
type EngineAPI interface {
	OpenStream(ctx context.Context, host string, port int, keyType, key string) (*domain.EngineSession, error)
	Stats(ctx context.Context, statURL string) (*domain.EngineStats, error)
	Stop(ctx context.Context, commandURL string) error
	Probe(ctx context.Context, host string, port int) error
}

// EventSink receives orchestrator lifecycle events (the in-process bus)
type EventSink interface {
	Emit(ev domain.Event)
}

// Provisioner is the autoscaler surface the selector and handlers depend on
type Provisioner interface {
	// ProvisionOne creates a single engine and returns it once indexed.
	// Returns blocked_provisioning while the circuit breaker is open.
	ProvisionOne(ctx context.Context) (*domain.Engine, error)
	CanProvision() (bool, *domain.OrchestratorError)
}

// BlacklistView is the admission gate the proxy consults
type BlacklistView interface {
	Contains(contentKey string) bool
}

// ChunkBuffer is a bounded, TTL'd, append-only store of chunks indexed by a
// monotonic position. Slots are immutable once written; readers never block
// the writer. Implementations: in-memory ring, Redis with per-key TTL.
type ChunkBuffer interface {
	// Append stores the chunk at head+1 and returns its index
	Append(ctx context.Context, chunk []byte) (int64, error)
	// Get returns the chunk at idx, or ok=false if evicted/expired/unwritten
	Get(ctx context.Context, idx int64) ([]byte, bool, error)
	// Head returns the highest written index, -1 when empty
	Head() int64
	Close() error
}
