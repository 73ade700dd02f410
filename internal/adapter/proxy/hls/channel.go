package hls

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/krinkuto11/acefleet/internal/config"
	"github.com/krinkuto11/acefleet/internal/core/domain"
	"github.com/krinkuto11/acefleet/internal/logger"
)

var errChannelStopped = errors.New("hls channel stopped")

type bufferedSegment struct {
	Seq      int64
	Duration float64
	Data     []byte
	At       time.Time
}

// Channel is the HLS counterpart of a TS session: one upstream fetcher per
// content key, a bounded segment buffer, and viewers tracked by their
// manifest requests. The engine-issued playback session stays pinned for the
// channel's whole life; re-requesting it on every manifest refresh would
// invalidate the fetcher's session id.
type Channel struct {
	ContentKey string
	StreamID   string
	EngineID   string
	Upstream   *domain.EngineSession

	cfg    *config.Manager
	logger *logger.StyledLogger

	mu               sync.Mutex
	segments         map[int64]bufferedSegment
	targetDuration   float64
	viewers          map[string]time.Time
	lastDisconnectAt time.Time
	stopped          bool
	graceTimer       *time.Timer

	fetchCtx    context.Context
	fetchCancel context.CancelFunc
	fetchDone   chan struct{}

	onStopped func(c *Channel, reason string)

	hc *http.Client
}

func newChannel(
	contentKey, streamID, engineID string,
	upstream *domain.EngineSession,
	cfg *config.Manager,
	log *logger.StyledLogger,
	onStopped func(c *Channel, reason string),
) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	pc := cfg.Get().Proxy
	return &Channel{
		ContentKey:     contentKey,
		StreamID:       streamID,
		EngineID:       engineID,
		Upstream:       upstream,
		cfg:            cfg,
		logger:         log,
		segments:       make(map[int64]bufferedSegment),
		targetDuration: 6,
		viewers:        make(map[string]time.Time),
		fetchCtx:       ctx,
		fetchCancel:    cancel,
		fetchDone:      make(chan struct{}),
		onStopped:      onStopped,
		hc: &http.Client{
			Transport: &http.Transport{
				DisableCompression:    true,
				ResponseHeaderTimeout: pc.ConnectTimeout,
			},
			Timeout: pc.ReadTimeout,
		},
	}
}

// Run polls the engine playlist and fills the segment buffer until cancelled
func (c *Channel) Run() {
	defer close(c.fetchDone)

	for {
		interval := c.fetchOnce()
		select {
		case <-c.fetchCtx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// fetchOnce grabs the playlist, downloads unseen segments, and returns the
// next poll delay (segment duration scaled by the configured multiplier).
func (c *Channel) fetchOnce() time.Duration {
	pc := c.cfg.Get().Proxy
	fallback := time.Duration(float64(3*time.Second) * pc.HLSFetchIntervalMul)

	body, err := c.get(c.Upstream.PlaybackURL)
	if err != nil {
		c.logger.Debug("HLS playlist fetch failed",
			"content_key", c.ContentKey, "error", err)
		return fallback
	}

	m, err := parseManifest(string(body), c.Upstream.PlaybackURL)
	if err != nil || len(m.Segments) == 0 {
		return fallback
	}

	c.mu.Lock()
	c.targetDuration = m.TargetDuration
	known := make(map[int64]struct{}, len(c.segments))
	for seq := range c.segments {
		known[seq] = struct{}{}
	}
	c.mu.Unlock()

	for _, seg := range m.Segments {
		if _, ok := known[seg.Seq]; ok {
			continue
		}
		data, err := c.get(seg.URL)
		if err != nil {
			c.logger.Debug("HLS segment fetch failed",
				"content_key", c.ContentKey, "seq", seg.Seq, "error", err)
			continue
		}
		c.mu.Lock()
		c.segments[seg.Seq] = bufferedSegment{
			Seq: seg.Seq, Duration: seg.Duration, Data: data, At: time.Now(),
		}
		c.trimLocked(pc.HLSMaxSegments)
		c.mu.Unlock()
	}

	return time.Duration(float64(m.TargetDuration) * pc.HLSFetchIntervalMul * float64(time.Second))
}

func (c *Channel) get(url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(c.fetchCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", "identity")
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// trimLocked drops the oldest segments past the buffer cap
func (c *Channel) trimLocked(max int) {
	for len(c.segments) > max {
		oldest := int64(-1)
		for seq := range c.segments {
			if oldest == -1 || seq < oldest {
				oldest = seq
			}
		}
		delete(c.segments, oldest)
	}
}

// Manifest renders the proxy playlist for a viewer and counts the request as
// its heartbeat.
func (c *Channel) Manifest(viewerKey string) (string, error) {
	pc := c.cfg.Get().Proxy

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return "", errChannelStopped
	}
	c.touchLocked(viewerKey)

	seqs := make([]int64, 0, len(c.segments))
	for seq := range c.segments {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	if len(seqs) > pc.HLSWindowSize {
		seqs = seqs[len(seqs)-pc.HLSWindowSize:]
	}
	window := make([]bufferedSegment, 0, len(seqs))
	for _, seq := range seqs {
		window = append(window, c.segments[seq])
	}
	target := c.targetDuration
	c.mu.Unlock()

	return renderManifest(c.ContentKey, window, target), nil
}

// Segment serves one buffered segment; false means evicted or never fetched
func (c *Channel) Segment(viewerKey string, seq int64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil, false
	}
	c.touchLocked(viewerKey)
	seg, ok := c.segments[seq]
	if !ok {
		return nil, false
	}
	return seg.Data, true
}

func (c *Channel) touchLocked(viewerKey string) {
	c.viewers[viewerKey] = time.Now()
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
}

// SweepViewers drops viewers whose manifest requests stopped; the last one
// out arms the teardown grace.
func (c *Channel) SweepViewers() {
	pc := c.cfg.Get().Proxy
	limit := pc.HeartbeatInterval * time.Duration(pc.GhostMultiplier)
	now := time.Now()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	for key, last := range c.viewers {
		if now.Sub(last) > limit {
			delete(c.viewers, key)
		}
	}
	if len(c.viewers) == 0 && c.graceTimer == nil {
		c.lastDisconnectAt = now
		delay := pc.ShutdownDelay
		c.graceTimer = time.AfterFunc(delay, func() {
			c.mu.Lock()
			if len(c.viewers) > 0 || c.stopped {
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
			c.Stop("idle")
		})
	}
	c.mu.Unlock()
}

// ViewerCount returns the number of live viewers
func (c *Channel) ViewerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.viewers)
}

// Stop tears the channel down exactly once
func (c *Channel) Stop(reason string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.graceTimer != nil {
		c.graceTimer.Stop()
	}
	c.mu.Unlock()

	c.fetchCancel()
	<-c.fetchDone

	if c.onStopped != nil {
		c.onStopped(c, reason)
	}
}
