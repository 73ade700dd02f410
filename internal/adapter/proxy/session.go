package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/krinkuto11/acefleet/internal/config"
	"github.com/krinkuto11/acefleet/internal/core/domain"
	"github.com/krinkuto11/acefleet/internal/core/ports"
	"github.com/krinkuto11/acefleet/internal/logger"
	"github.com/krinkuto11/acefleet/internal/metrics"
	"github.com/krinkuto11/acefleet/internal/util"
)

// SessionState is the proxy-side lifecycle of one content key
type SessionState string

const (
	SessionInitializing SessionState = "initializing"
	SessionStreaming    SessionState = "streaming"
	SessionDraining     SessionState = "draining"
	SessionStopped      SessionState = "stopped"
)

var errSessionStopped = errors.New("session stopped")

// Session owns the single upstream reader for a content key and fans its
// chunks out to any number of clients through the shared buffer. Exactly one
// Session exists per content key process-wide; the Manager enforces that.
type Session struct {
	ContentKey string
	StreamID   string
	EngineID   string
	Upstream   *domain.EngineSession

	buffer ports.ChunkBuffer
	cfg    *config.Manager
	mx     *metrics.Metrics
	logger *logger.StyledLogger

	mu               sync.Mutex
	state            SessionState
	clients          map[string]*Client
	lastDisconnectAt time.Time
	readerCancelled  bool
	graceTimer       *time.Timer
	endReason        string

	readerCtx    context.Context
	readerCancel context.CancelFunc
	readerDone   chan struct{}

	// appendSignal wakes waiting client generators after each append
	signalMu     sync.Mutex
	appendSignal chan struct{}

	onFirstChunk func()
	onStopped    func(s *Session, reason string)

	hc *http.Client
}

func newSession(
	contentKey, streamID, engineID string,
	upstream *domain.EngineSession,
	buffer ports.ChunkBuffer,
	cfg *config.Manager,
	mx *metrics.Metrics,
	log *logger.StyledLogger,
	onFirstChunk func(),
	onStopped func(s *Session, reason string),
) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	pc := cfg.Get().Proxy
	return &Session{
		ContentKey:   contentKey,
		StreamID:     streamID,
		EngineID:     engineID,
		Upstream:     upstream,
		buffer:       buffer,
		cfg:          cfg,
		mx:           mx,
		logger:       log,
		state:        SessionInitializing,
		clients:      make(map[string]*Client),
		readerCtx:    ctx,
		readerCancel: cancel,
		readerDone:   make(chan struct{}),
		appendSignal: make(chan struct{}),
		onFirstChunk: onFirstChunk,
		onStopped:    onStopped,
		hc: &http.Client{
			Transport: &http.Transport{
				DisableCompression:    true,
				ResponseHeaderTimeout: pc.ConnectTimeout,
			},
		},
	}
}

// State returns the current lifecycle state
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ClientCount returns the number of attached clients
func (s *Session) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Clients returns API snapshots of the attached clients
func (s *Session) Clients() []ClientSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ClientSnapshot, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c.snapshot())
	}
	return out
}

// Attach registers a new client. Attaching to a draining session revives it
// when the upstream reader is still alive; attaching to a stopped session
// fails and the caller opens a fresh one.
func (s *Session) Attach(ip, userAgent string) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case SessionStopped:
		return nil, errSessionStopped
	case SessionDraining:
		if s.readerCancelled {
			return nil, errSessionStopped
		}
		s.state = SessionStreaming
		s.logger.InfoWithStream("Client reconnected during drain, session revived", s.ContentKey)
	}

	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}

	// Small backfill so playback starts immediately
	start := s.buffer.Head() - int64(s.cfg.Get().Proxy.Backfill)
	if start < 0 {
		start = 0
	}
	c := newClient(ip, userAgent, start)
	s.clients[c.ID] = c
	s.mx.ProxyClients.Inc()
	return c, nil
}

// Detach removes a client; the last one out arms the shutdown grace timer
func (s *Session) Detach(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[clientID]
	if !ok {
		return
	}
	c.Kick()
	delete(s.clients, clientID)
	s.mx.ProxyClients.Dec()

	if len(s.clients) == 0 && s.state != SessionStopped {
		s.lastDisconnectAt = time.Now()
		s.armGraceLocked()
	}
}

// armGraceLocked schedules teardown after the shutdown delay; a reconnect
// cancels it.
func (s *Session) armGraceLocked() {
	delay := s.cfg.Get().Proxy.ShutdownDelay
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	s.graceTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if len(s.clients) > 0 || s.state == SessionStopped {
			s.mu.Unlock()
			return
		}
		s.state = SessionDraining
		s.readerCancelled = true
		s.mu.Unlock()

		s.readerCancel()
		<-s.readerDone
		s.finish("idle")
	})
}

// finish moves the session to stopped exactly once and notifies the manager
func (s *Session) finish(reason string) {
	s.mu.Lock()
	if s.state == SessionStopped {
		s.mu.Unlock()
		return
	}
	s.state = SessionStopped
	s.endReason = reason
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.Kick()
	}
	s.broadcastAppend() // wake any generator blocked on the buffer
	_ = s.buffer.Close()

	if s.onStopped != nil {
		s.onStopped(s, reason)
	}
}

// Run is the upstream reader loop: one blocking HTTP read feeding the buffer
// head. Clients never gate this loop. Retries use a linear backoff with a
// small cap; exhausting the budget surfaces stream_error to every generator.
func (s *Session) Run() {
	defer close(s.readerDone)

	pc := s.cfg.Get().Proxy
	aligner := newPacketAligner(pc.ChunkSize)
	firstChunk := true
	attempt := 0

	for {
		if s.readerCtx.Err() != nil {
			return
		}

		err := s.readUpstream(aligner, &firstChunk)
		if err == nil || s.readerCtx.Err() != nil {
			return
		}

		attempt++
		if attempt > pc.UpstreamRetries {
			s.logger.WarnWithStream("Upstream gone, retries exhausted", s.ContentKey,
				"attempts", attempt-1, "error", err)
			go s.finish("stream_error")
			return
		}

		backoff := util.CalculateUpstreamRetryBackoff(attempt, 250*time.Millisecond, 3*time.Second)
		s.logger.Debug("Upstream read failed, retrying",
			"content_key", s.ContentKey, "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-s.readerCtx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// readUpstream opens the playback URL and copies it into the buffer until
// EOF, error, or cancellation. A clean EOF on a cancelled context returns nil.
func (s *Session) readUpstream(aligner *packetAligner, firstChunk *bool) error {
	req, err := http.NewRequestWithContext(s.readerCtx, http.MethodGet, s.Upstream.PlaybackURL, nil)
	if err != nil {
		return err
	}
	// The engine delivers nothing through a compressed response
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := s.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	buf := make([]byte, 64*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			for _, c := range aligner.push(buf[:n]) {
				s.append(c, firstChunk)
			}
		}
		if err != nil {
			if tail := aligner.flush(); tail != nil {
				s.append(tail, firstChunk)
			}
			if errors.Is(err, io.EOF) && s.readerCtx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *Session) append(c []byte, firstChunk *bool) {
	if _, err := s.buffer.Append(s.readerCtx, c); err != nil {
		s.logger.Warn("Buffer append failed", "content_key", s.ContentKey, "error", err)
		return
	}
	s.broadcastAppend()

	if *firstChunk {
		*firstChunk = false
		s.mu.Lock()
		if s.state == SessionInitializing {
			s.state = SessionStreaming
		}
		s.mu.Unlock()
		if s.onFirstChunk != nil {
			s.onFirstChunk()
		}
	}
}

// broadcastAppend wakes every generator waiting for the next chunk
func (s *Session) broadcastAppend() {
	s.signalMu.Lock()
	close(s.appendSignal)
	s.appendSignal = make(chan struct{})
	s.signalMu.Unlock()
}

func (s *Session) appendWait() <-chan struct{} {
	s.signalMu.Lock()
	defer s.signalMu.Unlock()
	return s.appendSignal
}

// ServeClient streams buffer chunks to one client until it disconnects, the
// session stops, or the write side fails. Byte order is the buffer's append
// order; a client that falls past the catch-up threshold jumps forward.
func (s *Session) ServeClient(ctx context.Context, c *Client, w io.Writer) error {
	flusher, _ := w.(http.Flusher)
	pc := s.cfg.Get().Proxy

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		default:
		}

		head := s.buffer.Head()
		pos := c.pos.Load()

		if behind := head - pos; behind > int64(pc.CatchUpThreshold) {
			newPos := head - int64(pc.Backfill)
			c.pos.Store(newPos)
			c.catchUpJumps.Add(1)
			s.mx.CatchUpJumpsTotal.Inc()
			s.logger.Debug("Client fell behind, jumping forward",
				"client", c.ID, "behind", behind, "new_pos", newPos)
			pos = newPos
		}

		if pos > head {
			// Wait for the next append (or shutdown)
			wait := s.appendWait()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.done:
				return nil
			case <-wait:
			}
			if s.State() == SessionStopped {
				return errSessionStopped
			}
			continue
		}

		data, ok, err := s.buffer.Get(ctx, pos)
		if err != nil {
			return err
		}
		if !ok {
			// Evicted under us: skip forward
			c.pos.Store(pos + 1)
			continue
		}

		if _, err := w.Write(data); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		c.bytesSent.Add(int64(len(data)))
		s.mx.BytesServedTotal.Add(float64(len(data)))
		c.pos.Store(pos + 1)
		c.Touch() // data flow is the heartbeat for TS clients
	}
}

// SweepGhosts evicts clients whose heartbeat lapsed past the ghost window
func (s *Session) SweepGhosts() int {
	pc := s.cfg.Get().Proxy
	limit := pc.HeartbeatInterval * time.Duration(pc.GhostMultiplier)
	now := time.Now()

	s.mu.Lock()
	var ghosts []*Client
	for _, c := range s.clients {
		if now.Sub(c.LastHeartbeat()) > limit {
			ghosts = append(ghosts, c)
		}
	}
	s.mu.Unlock()

	for _, g := range ghosts {
		s.logger.Debug("Evicting ghost client",
			"client", g.ID, "content_key", s.ContentKey,
			"last_heartbeat", g.LastHeartbeat())
		s.Detach(g.ID)
	}
	return len(ghosts)
}

// EndReason reports why the session stopped ("" while running)
func (s *Session) EndReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}
