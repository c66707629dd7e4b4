package party

import "sync"

const (
	defaultSendBuffer = 64
	maxPendingFrames  = 256
)

// Client is the server-side state of one authenticated connection. Frames are queued on a
// bounded buffer that the transport drains; a full buffer drops frames instead of blocking the
// room.
type Client struct {
	id     string
	userID string
	send   chan []byte
	onDrop func()

	mu      sync.Mutex
	room    string
	joining bool
	pending [][]byte
	closed  bool
}

// NewClient constructs a client. A non-positive buffer selects the default size.
func NewClient(id, userID string, buffer int) *Client {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &Client{
		id:     id,
		userID: userID,
		send:   make(chan []byte, buffer),
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) UserID() string {
	return c.userID
}

// Room returns the room the client belongs to, or "".
func (c *Client) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Send is drained by the transport; it is closed when the client is unregistered.
func (c *Client) Send() <-chan []byte {
	return c.send
}

// deliver queues a room frame. While a join is in flight room frames wait until the snapshot
// has been queued.
func (c *Client) deliver(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if c.joining {
		if len(c.pending) >= maxPendingFrames {
			c.dropped()
			return false
		}
		c.pending = append(c.pending, frame)
		return true
	}
	return c.pushLocked(frame)
}

// reply queues a frame addressed to this client alone, bypassing any join buffering.
func (c *Client) reply(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	return c.pushLocked(frame)
}

func (c *Client) beginJoin() {
	c.mu.Lock()
	c.joining = true
	c.pending = nil
	c.mu.Unlock()
}

// completeJoin queues the snapshot and then every room frame buffered since beginJoin.
func (c *Client) completeJoin(snapshot []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joining = false
	if c.closed {
		c.pending = nil
		return
	}
	c.pushLocked(snapshot)
	for _, frame := range c.pending {
		c.pushLocked(frame)
	}
	c.pending = nil
}

func (c *Client) abortJoin() {
	c.mu.Lock()
	c.joining = false
	c.pending = nil
	c.mu.Unlock()
}

func (c *Client) setRoom(room string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous := c.room
	c.room = room
	return previous
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.pending = nil
	close(c.send)
}

func (c *Client) pushLocked(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		c.dropped()
		return false
	}
}

func (c *Client) dropped() {
	if c.onDrop != nil {
		c.onDrop()
	}
}
