// Package client provides a Go client for the Mehfil socket service. It
// connects using gobwas/ws (the same library the server uses), performs the
// register handshake, and reconnects with backoff after a dropped
// connection, re-registering and re-joining the last room automatically.
// Submissions are tracked as optimistic pending entries until the server
// confirms or refuses them, so a UI can render the local echo immediately.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/mehfil/wellness-portal/internal/protocol"
)

// Config holds the connection settings and the identity presented on
// register.
type Config struct {
	URL    string // ws://host:port/ws
	UserID string
	Name   string
	Avatar string

	// ReconnectWait is the initial backoff between reconnect attempts; it
	// doubles up to 30s. Zero disables reconnecting.
	ReconnectWait time.Duration
}

// PendingThought is an optimistic local echo of a submission the server has
// not yet confirmed.
type PendingThought struct {
	LocalID     string
	Content     string
	Room        string
	IsAnonymous bool
	SubmittedAt time.Time
}

// Client is a single connection to the Mehfil socket service.
type Client struct {
	cfg        Config
	mu         sync.Mutex
	conn       net.Conn
	room       string
	handlers   map[string]func(json.RawMessage)
	pending    []PendingThought
	onResolved func(p PendingThought, thoughtID string)
	done       chan struct{}
	closed     sync.Once
}

// New creates a client and establishes the initial connection. The register
// message is sent immediately and a background goroutine begins reading
// server messages.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.UserID == "" {
		return nil, fmt.Errorf("client: user id is required")
	}

	c := &Client{
		cfg:      cfg,
		room:     "ALL",
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

// On registers a handler for a server message type. The handler receives the
// full raw JSON and runs on the read loop goroutine, so it should not block.
// Registering a second handler for the same type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

// JoinRoom switches the feed subscription and remembers the room for
// re-subscription after a reconnect.
func (c *Client) JoinRoom(room string) error {
	c.mu.Lock()
	c.room = room
	c.mu.Unlock()
	return c.Send(protocol.JoinRoomMsg{Type: protocol.TypeJoinRoom, Room: room})
}

// LoadThoughts requests one feed page; the thoughts response arrives on the
// registered handler.
func (c *Client) LoadThoughts(room string, page, limit int) error {
	return c.Send(protocol.LoadThoughtsMsg{
		Type: protocol.TypeLoadThoughts, Room: room, Page: page, Limit: limit,
	})
}

// SubmitThought submits content into a room and records it as a pending
// optimistic echo. The returned local id identifies the pending entry until
// the server confirms it with the real thought id (thoughtCreated) or
// refuses it. A send failure discards the entry immediately.
func (c *Client) SubmitThought(content, room string, anonymous bool) (string, error) {
	p := PendingThought{
		LocalID:     uuid.New().String(),
		Content:     content,
		Room:        room,
		IsAnonymous: anonymous,
		SubmittedAt: time.Now(),
	}
	c.mu.Lock()
	c.pending = append(c.pending, p)
	c.mu.Unlock()

	err := c.Send(protocol.NewThoughtMsg{
		Type: protocol.TypeNewThought, Content: content, Room: room, IsAnonymous: anonymous,
	})
	if err != nil {
		c.dropPending(p.LocalID)
		return "", err
	}
	return p.LocalID, nil
}

// OnPendingResolved registers a callback invoked when a pending submission is
// settled: thoughtID carries the server-assigned id on confirmation and is
// empty when the submission was refused or lost to a reconnect. The callback
// runs on the read loop goroutine.
func (c *Client) OnPendingResolved(fn func(p PendingThought, thoughtID string)) {
	c.mu.Lock()
	c.onResolved = fn
	c.mu.Unlock()
}

// Pending returns a snapshot of the unconfirmed submissions, oldest first.
func (c *Client) Pending() []PendingThought {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingThought, len(c.pending))
	copy(out, c.pending)
	return out
}

// ToggleReaction flips the caller's reaction on a thought.
func (c *Client) ToggleReaction(thoughtID string) error {
	return c.Send(protocol.ToggleReactionMsg{Type: protocol.TypeToggleReaction, ThoughtID: thoughtID})
}

// EditThought replaces the content of the caller's own thought.
func (c *Client) EditThought(thoughtID, content string) error {
	return c.Send(protocol.EditThoughtMsg{Type: protocol.TypeEditThought, ThoughtID: thoughtID, Content: content})
}

// DeleteThought removes the caller's own thought.
func (c *Client) DeleteThought(thoughtID string) error {
	return c.Send(protocol.DeleteThoughtMsg{Type: protocol.TypeDeleteThought, ThoughtID: thoughtID})
}

// CheckPostingBan asks the server to re-send the caller's ban status.
func (c *Client) CheckPostingBan() error {
	return c.Send(protocol.CheckPostingBanMsg{Type: protocol.TypeCheckPostingBan})
}

// Ping sends an application-level keepalive.
func (c *Client) Ping() error {
	return c.Send(protocol.PingMsg{Type: protocol.TypePing})
}

// Send marshals and writes one message. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: marshal: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("client: not connected")
	}
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Close closes the connection and stops the read loop. Safe to call more
// than once.
func (c *Client) Close() error {
	var err error
	c.closed.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.conn != nil {
			err = c.conn.Close()
		}
		c.mu.Unlock()
	})
	return err
}

// connect dials the server and performs the register handshake plus the room
// re-subscription.
func (c *Client) connect(ctx context.Context) error {
	conn, _, _, err := ws.Dial(ctx, c.cfg.URL)
	if err != nil {
		return fmt.Errorf("client: dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	room := c.room
	c.mu.Unlock()

	if err := c.Send(protocol.RegisterMsg{
		Type:   protocol.TypeRegister,
		ID:     c.cfg.UserID,
		Name:   c.cfg.Name,
		Avatar: c.cfg.Avatar,
	}); err != nil {
		conn.Close()
		return err
	}
	if room != "ALL" {
		if err := c.Send(protocol.JoinRoomMsg{Type: protocol.TypeJoinRoom, Room: room}); err != nil {
			conn.Close()
			return err
		}
	}
	return nil
}

// readLoop reads frames and dispatches them to handlers. On a read error it
// hands off to the reconnect loop unless the client was closed.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if c.cfg.ReconnectWait <= 0 {
				return
			}
			if !c.reconnect() {
				return
			}
			continue
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		c.resolve(envelope.Type, data)

		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}

// reconnect redials with doubling backoff until it succeeds or the client is
// closed. Returns false when the client was closed.
func (c *Client) reconnect() bool {
	wait := c.cfg.ReconnectWait
	for {
		select {
		case <-c.done:
			return false
		case <-time.After(wait):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.connect(ctx)
		cancel()
		if err == nil {
			log.Printf("client: reconnected user=%s", c.cfg.UserID)
			// Confirmations for anything in flight were lost with the old
			// connection; settle those entries so the UI can retract them.
			c.failAllPending()
			return true
		}
		log.Printf("client: reconnect failed: %v", err)

		wait *= 2
		if wait > 30*time.Second {
			wait = 30 * time.Second
		}
	}
}

// resolve reconciles a server event against the pending submission list. The
// server assigns thought ids, so a confirmation is matched by content on the
// submitter's own thoughtCreated echo. Refusals (rejection, ban, rate limit)
// settle the oldest entry, since the server answers submissions in order.
func (c *Client) resolve(msgType string, data []byte) {
	switch msgType {
	case protocol.TypeThoughtCreated:
		var msg protocol.ThoughtCreatedMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		if msg.Thought.AuthorID != c.cfg.UserID {
			return
		}
		c.confirmPending(msg.Thought.Content, msg.Thought.ID)
	case protocol.TypeThoughtRejected, protocol.TypeRateLimited, protocol.TypePostingBanStatus:
		c.failOldestPending()
	}
}

// confirmPending settles the oldest pending entry with matching content.
func (c *Client) confirmPending(content, thoughtID string) {
	c.mu.Lock()
	var resolved *PendingThought
	for i := range c.pending {
		if c.pending[i].Content == content {
			p := c.pending[i]
			resolved = &p
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	fn := c.onResolved
	c.mu.Unlock()

	if resolved != nil && fn != nil {
		fn(*resolved, thoughtID)
	}
}

// failOldestPending settles the oldest pending entry without a thought id.
func (c *Client) failOldestPending() {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	p := c.pending[0]
	c.pending = c.pending[1:]
	fn := c.onResolved
	c.mu.Unlock()

	if fn != nil {
		fn(p, "")
	}
}

// failAllPending settles every pending entry without a thought id.
func (c *Client) failAllPending() {
	c.mu.Lock()
	settled := c.pending
	c.pending = nil
	fn := c.onResolved
	c.mu.Unlock()

	if fn == nil {
		return
	}
	for _, p := range settled {
		fn(p, "")
	}
}

// dropPending removes an entry without invoking the callback, used when the
// submission never left the client.
func (c *Client) dropPending(localID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.pending {
		if c.pending[i].LocalID == localID {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}
