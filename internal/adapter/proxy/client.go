package proxy

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Client is one attached consumer of a session. Its generator reads the
// shared buffer by index; it never touches the upstream reader, so a slow
// client can only fall behind, not stall the stream.
type Client struct {
	ID          string
	IP          string
	UserAgent   string
	ConnectedAt time.Time

	lastHeartbeat atomic.Int64 // unix nanos
	bytesSent     atomic.Int64
	pos           atomic.Int64
	catchUpJumps  atomic.Int64

	done chan struct{}
}

func newClient(ip, userAgent string, startPos int64) *Client {
	c := &Client{
		ID:          uuid.NewString(),
		IP:          ip,
		UserAgent:   userAgent,
		ConnectedAt: time.Now(),
		done:        make(chan struct{}),
	}
	c.pos.Store(startPos)
	c.Touch()
	return c
}

// Touch refreshes the heartbeat
func (c *Client) Touch() {
	c.lastHeartbeat.Store(time.Now().UnixNano())
}

// LastHeartbeat returns the most recent heartbeat time
func (c *Client) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

// BytesSent returns the total delivered to this client
func (c *Client) BytesSent() int64 { return c.bytesSent.Load() }

// Position returns the next buffer index the client will read
func (c *Client) Position() int64 { return c.pos.Load() }

// CatchUpJumps counts forced position resets after falling behind
func (c *Client) CatchUpJumps() int64 { return c.catchUpJumps.Load() }

// Kick cancels the client's generator (ghost eviction, session teardown)
func (c *Client) Kick() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// ClientSnapshot is the API view of a client
type ClientSnapshot struct {
	ID            string    `json:"client_id"`
	IP            string    `json:"ip"`
	UserAgent     string    `json:"user_agent"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat_at"`
	BytesSent     int64     `json:"bytes_sent"`
	Position      int64     `json:"buffer_position"`
}

func (c *Client) snapshot() ClientSnapshot {
	return ClientSnapshot{
		ID:            c.ID,
		IP:            c.IP,
		UserAgent:     c.UserAgent,
		ConnectedAt:   c.ConnectedAt,
		LastHeartbeat: c.LastHeartbeat(),
		BytesSent:     c.BytesSent(),
		Position:      c.Position(),
	}
}
