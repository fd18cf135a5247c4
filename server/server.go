// Package server is the WebSocket gateway. Each connection syncs the index
// document of its room; updates travel through the document stream and come
// back to every local connection through the subscriber.
package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/alimasry/go-collab-relay/api"
	"github.com/alimasry/go-collab-relay/auth"
	"github.com/alimasry/go-collab-relay/logging"
	"github.com/alimasry/go-collab-relay/metrics"
	"github.com/alimasry/go-collab-relay/subscriber"
)

// InitDocFunc is called when a connection finds its document empty. It may
// run several times concurrently for the same document and must be
// idempotent.
type InitDocFunc func(ctx context.Context, room, docid string, client *api.Client) error

// Options configures a Server.
type Options struct {
	InitDoc        InitDocFunc
	// MaxMessageSize limits incoming frames in bytes. Zero selects
	// DefaultMaxMessageSize.
	MaxMessageSize int64
}

// Server accepts connections and relays between them and the document
// service.
type Server struct {
	client    *api.Client
	sub       *subscriber.Subscriber
	hub       *Hub
	checkAuth auth.CheckFunc
	opts      Options
	upgrader  websocket.Upgrader
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	ids    atomic.Uint64

	// subMu orders hub membership changes with the subscriber registration
	// that depends on them.
	subMu sync.Mutex

	mu      sync.Mutex
	clients map[*Client]struct{}
	wg      sync.WaitGroup
}

func New(client *api.Client, sub *subscriber.Subscriber, checkAuth auth.CheckFunc, opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	return &Server{
		client:    client,
		sub:       sub,
		hub:       NewHub(),
		checkAuth: checkAuth,
		opts:      opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logging.Component("server"),
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[*Client]struct{}),
	}
}

// HandleMessages publishes a merged batch to the local subscribers of
// stream. It implements subscriber.Handler.
func (s *Server) HandleMessages(stream string, messages [][]byte) {
	s.subMu.Lock()
	if s.hub.NumSubscribers(stream) == 0 {
		s.sub.Unsubscribe(stream, s)
		s.subMu.Unlock()
		return
	}
	s.subMu.Unlock()
	s.hub.Publish(stream, messages)
}

// ServeWS authenticates and upgrades a connection request, then serves the
// connection until it closes.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	res, err := s.checkAuth(r)
	if err != nil {
		metrics.AuthFailures.Inc()
		s.logger.Info().Err(err).Str("url", r.URL.Path).Msg("failed to auth")
		if r.Context().Err() != nil {
			return
		}
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Context().Err() != nil {
		s.logger.Info().Str("url", r.URL.Path).Msg("upgrading client aborted")
		return
	}
	if s.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	var header http.Header
	if _, proto := auth.TokenFromRequest(r); proto != "" {
		header = http.Header{"Sec-Websocket-Protocol": {proto}}
	}
	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.run(s.ctx, newClient(s.ids.Add(1), conn, res, s.opts.MaxMessageSize, s.logger))
}

// Shutdown closes every connection and waits for them to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	for c := range s.clients {
		go c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NumConnections returns the number of open connections.
func (s *Server) NumConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// track registers c unless the server is shutting down.
func (s *Server) track(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.clients[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	s.wg.Done()
}

// subscribe joins c to stream locally and at the subscriber, returning the
// position the subscriber will read past next.
func (s *Server) subscribe(stream string, c *Client) string {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	c.addTopic(stream)
	s.hub.Subscribe(stream, c)
	return s.sub.Subscribe(stream, s)
}

// unsubscribe detaches the subscriber from stream once no local client
// listens to it.
func (s *Server) unsubscribe(stream string, c *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.hub.Unsubscribe(stream, c)
	if s.hub.NumSubscribers(stream) == 0 {
		s.sub.Unsubscribe(stream, s)
	}
}
