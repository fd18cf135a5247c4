package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/alimasry/go-collab-relay/auth"
	"github.com/alimasry/go-collab-relay/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// DefaultMaxMessageSize bounds a single incoming frame. Offline edits
	// are sent as one update on reconnect, so the limit is generous.
	DefaultMaxMessageSize = 100 * 1024 * 1024
)

// Client represents a single WebSocket connection.
type Client struct {
	// ID is unique within the process and only used for logging.
	ID             uint64
	Room           string
	UserID         string
	HasWriteAccess bool

	conn   *websocket.Conn
	send   chan [][]byte
	done   chan struct{}
	logger zerolog.Logger

	closeOnce sync.Once

	// Last awareness client announced by this connection.
	mu             sync.Mutex
	awarenessID    uint64
	awarenessClock uint64
	hasAwareness   bool
	topics         map[string]struct{}

	maxMsgSize int64
}

func newClient(id uint64, conn *websocket.Conn, res auth.Result, maxMsgSize int64, logger zerolog.Logger) *Client {
	return &Client{
		ID:             id,
		Room:           res.Room,
		UserID:         res.UserID,
		HasWriteAccess: res.HasWriteAccess,
		conn:           conn,
		send:           make(chan [][]byte, 256),
		done:           make(chan struct{}),
		logger: logger.With().
			Uint64("uid", id).
			Str("room", res.Room).
			Str("user", res.UserID).
			Logger(),
		topics:     make(map[string]struct{}),
		maxMsgSize: maxMsgSize,
	}
}

// ReadPump reads messages from the WebSocket and hands them to handle until
// the connection fails or handle returns an error.
func (c *Client) ReadPump(handle func([]byte) error) {
	c.conn.SetReadLimit(c.maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("read error")
			}
			return
		}
		if err := handle(data); err != nil {
			c.logger.Error().Err(err).Msg("closing connection")
			c.closeWith(websocket.CloseInternalServerErr, "internal error")
			return
		}
	}
}

// WritePump writes queued batches to the WebSocket. The frames of one batch
// are written back to back.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case batch := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			for _, m := range batch {
				if err := c.conn.WriteMessage(websocket.BinaryMessage, m); err != nil {
					return
				}
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// sendBatch queues messages for one write. A client whose buffer is full is
// disconnected rather than silently missing updates.
func (c *Client) sendBatch(messages [][]byte) {
	if len(messages) == 0 {
		return
	}
	select {
	case <-c.done:
	case c.send <- messages:
	default:
		metrics.MessagesDropped.WithLabelValues("send_buffer_full").Inc()
		c.logger.Warn().Msg("send buffer full, disconnecting")
		go c.closeWith(websocket.ClosePolicyViolation, "too slow")
	}
}

// closeWith sends a close frame and tears the connection down.
func (c *Client) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(code, reason)
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.conn.Close()
	})
}

// trackAwareness records the awareness client of an update announcing a
// single client. Only the first announced client id is followed.
func (c *Client) trackAwareness(clientID, clock uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasAwareness && c.awarenessID != clientID {
		return
	}
	c.awarenessID = clientID
	c.awarenessClock = clock
	c.hasAwareness = true
}

func (c *Client) awareness() (clientID, clock uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.awarenessID, c.awarenessClock, c.hasAwareness
}

func (c *Client) addTopic(topic string) {
	c.mu.Lock()
	c.topics[topic] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) topicList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	return topics
}
