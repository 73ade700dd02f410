package health

import (
	"sync"
	"time"

	"github.com/krinkuto11/acefleet/internal/logger"
)

const (
	// engineFailureThreshold is the number of consecutive stream failures
	// before an engine enters recovery mode
	engineFailureThreshold = 5
	// engineRecoveryPeriod is how long an engine stays in recovery mode
	engineRecoveryPeriod = 60 * time.Second
)

type failureState struct {
	failCount     int
	recovering    bool
	recoveryStart time.Time
	lastFailure   time.Time
}

// FailureTracker records stream-level failures per engine, separate from the
// probe-based monitor: an engine can answer probes yet keep failing playback
// sessions. Recovering engines are skipped by the selector until the period
// lapses or a stream succeeds.
type FailureTracker struct {
	mu     sync.Mutex
	states map[string]*failureState
	logger *logger.StyledLogger
	now    func() time.Time
}

func NewFailureTracker(log *logger.StyledLogger) *FailureTracker {
	return &FailureTracker{
		states: make(map[string]*failureState),
		logger: log,
		now:    time.Now,
	}
}

// RecordFailure counts a stream failure; at the threshold the engine enters
// recovery mode
func (t *FailureTracker) RecordFailure(containerID string) {
	if containerID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[containerID]
	if !ok {
		st = &failureState{}
		t.states[containerID] = st
	}
	st.failCount++
	st.lastFailure = t.now()

	if st.failCount >= engineFailureThreshold && !st.recovering {
		st.recovering = true
		st.recoveryStart = t.now()
		t.logger.WarnWithEngine("Engine entering recovery after stream failures", containerID,
			"fail_count", st.failCount, "recovery_period", engineRecoveryPeriod)
	}
}

// IsRecovering reports whether the engine is in its recovery window; an
// expired window clears the state.
func (t *FailureTracker) IsRecovering(containerID string) bool {
	if containerID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[containerID]
	if !ok || !st.recovering {
		return false
	}
	if t.now().Sub(st.recoveryStart) >= engineRecoveryPeriod {
		delete(t.states, containerID)
		return false
	}
	return true
}

// Reset clears the failure state after a successful stream
func (t *FailureTracker) Reset(containerID string) {
	t.mu.Lock()
	delete(t.states, containerID)
	t.mu.Unlock()
}

// SetClock overrides the time source (tests)
func (t *FailureTracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}
