package registry

import (
	"context"
	"sync"
	"time"

	"github.com/krinkuto11/acefleet/internal/adapter/state"
	"github.com/krinkuto11/acefleet/internal/config"
	"github.com/krinkuto11/acefleet/internal/core/domain"
	"github.com/krinkuto11/acefleet/internal/core/ports"
	"github.com/krinkuto11/acefleet/internal/logger"
	"github.com/krinkuto11/acefleet/internal/metrics"
)

// Registry runs the stream maintenance loops: the 2 s stats collector, the
// stale-stream detector, the loop detector feeding the blacklist, and the
// ended-stream retention sweep. All stream mutation goes through the store's
// serialized write path, so the collector and the detectors never race each
// other's updates.
type Registry struct {
	store     *state.Store
	api       ports.EngineAPI
	blacklist *Blacklist
	cfg       *config.Manager
	metrics   *metrics.Metrics
	logger    *logger.StyledLogger
	now       func() time.Time
}

func New(store *state.Store, api ports.EngineAPI, bl *Blacklist, cfg *config.Manager, m *metrics.Metrics, log *logger.StyledLogger) *Registry {
	return &Registry{
		store:     store,
		api:       api,
		blacklist: bl,
		cfg:       cfg,
		metrics:   m,
		logger:    log,
		now:       time.Now,
	}
}

// Run starts every loop and blocks until the context ends
func (r *Registry) Run(ctx context.Context) {
	var wg sync.WaitGroup
	loops := []struct {
		interval func() time.Duration
		fn       func(context.Context)
	}{
		{func() time.Duration { return r.cfg.Get().Streams.CollectInterval }, r.CollectOnce},
		{func() time.Duration { return r.cfg.Get().Streams.LoopCheckInterval }, r.DetectStaleOnce},
		{func() time.Duration { return r.cfg.Get().Streams.LoopCheckInterval }, r.DetectLoopsOnce},
		{func() time.Duration { return r.cfg.Get().Streams.CleanupInterval }, r.CleanupOnce},
	}

	for _, l := range loops {
		wg.Add(1)
		go func(interval func() time.Duration, fn func(context.Context)) {
			defer wg.Done()
			ticker := time.NewTicker(interval())
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					fn(ctx)
					ticker.Reset(interval())
				}
			}
		}(l.interval, l.fn)
	}
	wg.Wait()
}

// CollectOnce polls every started stream's stat URL and applies the snapshot
func (r *Registry) CollectOnce(ctx context.Context) {
	for _, st := range r.store.Streams(domain.StreamStarted) {
		r.collectStream(ctx, st)
	}
}

func (r *Registry) collectStream(ctx context.Context, st domain.Stream) {
	if st.StatURL == "" {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	es, err := r.api.Stats(callCtx, st.StatURL)
	if err != nil {
		// Transient: the engine answers again next round or the stale
		// detector reaps the stream
		r.logger.Debug("Stat poll failed", "stream", st.ID, "error", err)
		return
	}

	// A stopped session, or a session id we did not create, means the
	// engine-side session is gone
	if es.Status == "stopped" ||
		(es.PlaybackSessionID != "" && st.PlaybackSessionID != "" && es.PlaybackSessionID != st.PlaybackSessionID) {
		if r.store.EndStream(st.ID, "stat_stopped") {
			r.logger.InfoWithStream("Stream ended by engine", st.ID, "content_key", st.ContentKey)
		}
		return
	}

	stats := domain.StreamStats{
		SpeedDown:  es.SpeedDown,
		SpeedUp:    es.SpeedUp,
		Peers:      es.Peers,
		Downloaded: es.Downloaded,
		Uploaded:   es.Uploaded,
	}
	var liveLast *time.Time
	if es.LiveLast != nil {
		t := time.Unix(*es.LiveLast, 0)
		liveLast = &t
	}
	dataMoved := es.Downloaded > st.Stats.Downloaded || es.SpeedDown > 0
	r.store.UpdateStreamStats(st.ID, stats, liveLast, dataMoved)
}

// DetectStaleOnce terminates streams with no data movement past the timeout
func (r *Registry) DetectStaleOnce(ctx context.Context) {
	timeout := r.cfg.Get().Streams.StreamTimeout
	now := r.now()

	for _, st := range r.store.Streams(domain.StreamStarted) {
		last := st.LastDataAt
		if last.IsZero() {
			last = st.StartedAt
		}
		if now.Sub(last) < timeout {
			continue
		}
		r.stopUpstream(ctx, st)
		if r.store.EndStream(st.ID, "stale") {
			r.logger.WarnWithStream("Stream stale, terminated", st.ID,
				"content_key", st.ContentKey, "idle", now.Sub(last))
		}
	}
}

// DetectLoopsOnce blacklists content whose broadcast position stopped moving
func (r *Registry) DetectLoopsOnce(ctx context.Context) {
	threshold := r.cfg.Get().Streams.LoopThreshold
	if threshold <= 0 {
		return
	}
	now := r.now()

	for _, st := range r.store.Streams(domain.StreamStarted) {
		if st.LiveLast == nil {
			continue
		}
		if now.Sub(*st.LiveLast) <= threshold {
			continue
		}

		r.stopUpstream(ctx, st)
		if r.store.EndStream(st.ID, "loop_detected") {
			r.blacklist.Add(st.ContentKey)
			r.metrics.LoopDetectionsTotal.Inc()
			r.logger.WarnWithStream("Loop detected, content blacklisted", st.ID,
				"content_key", st.ContentKey,
				"live_last_age", now.Sub(*st.LiveLast))
		}
	}
}

// CleanupOnce removes ended streams past the retention window
func (r *Registry) CleanupOnce(ctx context.Context) {
	retention := r.cfg.Get().Streams.EndedRetention
	now := r.now()

	removed := 0
	for _, st := range r.store.Streams(domain.StreamEnded) {
		if st.EndedAt != nil && now.Sub(*st.EndedAt) > retention {
			r.store.RemoveStream(st.ID)
			removed++
		}
	}
	if removed > 0 {
		r.logger.InfoWithCount("Cleaned up ended streams", removed)
	}
}

func (r *Registry) stopUpstream(ctx context.Context, st domain.Stream) {
	if st.CommandURL == "" {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.api.Stop(callCtx, st.CommandURL); err != nil {
		r.logger.Debug("Stop command failed", "stream", st.ID, "error", err)
	}
}

// SetClock overrides the time source (tests)
func (r *Registry) SetClock(now func() time.Time) { r.now = now }
