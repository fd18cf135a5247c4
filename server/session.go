package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alimasry/go-collab-relay/logstore"
	"github.com/alimasry/go-collab-relay/metrics"
	"github.com/alimasry/go-collab-relay/protocol"
)

// indexDoc is the primary sub-document of a room.
const indexDoc = "index"

// closeTimeout bounds the disconnect notice appended after a connection ends.
const closeTimeout = 5 * time.Second

// run drives one connection from open to close.
func (s *Server) run(ctx context.Context, c *Client) {
	if !s.track(c) {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer s.untrack(c)
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	c.logger.Info().Str("ip", c.conn.RemoteAddr().String()).Msg("client connected")
	go c.WritePump()

	if err := s.open(ctx, c); err != nil {
		c.logger.Error().Err(err).Msg("open failed")
		c.closeWith(websocket.CloseInternalServerErr, "internal error")
	} else {
		c.ReadPump(func(data []byte) error { return s.handleMessage(ctx, c, data) })
		c.closeWith(websocket.CloseNormalClosure, "")
	}
	s.close(c)
}

// open subscribes the connection and sends the initial snapshot.
func (s *Server) open(ctx context.Context, c *Client) error {
	stream := s.client.StreamName(c.Room, indexDoc)
	initialID := s.subscribe(stream, c)

	st, err := s.client.GetDoc(ctx, c.Room, indexDoc)
	if err != nil {
		return fmt.Errorf("get doc: %w", err)
	}
	if st.Doc.IsEmpty() && s.opts.InitDoc != nil {
		if err := s.opts.InitDoc(ctx, c.Room, indexDoc, s.client); err != nil {
			c.logger.Warn().Err(err).Msg("init doc callback failed")
		}
	}

	batch := [][]byte{
		protocol.EncodeSyncStep1(st.Doc.EncodeStateVector()),
		protocol.EncodeSyncStep2(st.Doc.EncodeStateAsUpdate()),
	}
	if states := st.Awareness.States(); len(states) > 0 {
		batch = append(batch, protocol.EncodeAwarenessUpdate(st.Awareness, states))
	}
	c.sendBatch(batch)

	// The subscription may already be past what GetDoc read; rewind it so
	// nothing appended in between is skipped.
	if logstore.Less(st.LastID, initialID) {
		s.sub.EnsureSubID(stream, st.LastID)
	}
	return nil
}

// handleMessage routes one client frame. A returned error closes the
// connection.
func (s *Server) handleMessage(ctx context.Context, c *Client, data []byte) error {
	if !c.HasWriteAccess {
		metrics.MessagesDropped.WithLabelValues("read_only").Inc()
		return nil
	}
	msg, act := classify(data)
	switch act {
	case actionAwareness:
		if clients, err := protocol.DecodeAwarenessUpdate(msg.Payload); err == nil && len(clients) == 1 {
			c.trackAwareness(clients[0].ClientID, clients[0].Clock)
		}
		fallthrough
	case actionAppend:
		return s.client.AddMessage(ctx, c.Room, indexDoc, data)
	case actionUnexpected:
		metrics.MessagesDropped.WithLabelValues("unexpected").Inc()
		c.logger.Warn().Str("message", base64.StdEncoding.EncodeToString(data)).Msg("unexpected message type")
	}
	return nil
}

// close announces the departure of the connection's awareness client and
// releases its subscriptions.
func (s *Server) close(c *Client) {
	if id, clock, ok := c.awareness(); ok {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		err := s.client.AddMessage(ctx, c.Room, indexDoc, protocol.EncodeAwarenessUserDisconnected(id, clock))
		cancel()
		if err != nil {
			c.logger.Error().Err(err).Msg("append disconnect notice")
		}
	}
	for _, topic := range c.topicList() {
		s.unsubscribe(topic, c)
	}
	c.logger.Info().Msg("client connection closed")
}
