// Package subscriber multiplexes every stream this process is interested in
// onto one polling loop and dispatches new batches to per-stream handlers.
package subscriber

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/alimasry/go-collab-relay/api"
	"github.com/alimasry/go-collab-relay/logging"
	"github.com/alimasry/go-collab-relay/logstore"
	"github.com/alimasry/go-collab-relay/metrics"
)

// errorPause is the backoff after a failed poll.
const errorPause = time.Second

// Handler receives merged batches of a stream. Handlers must be comparable,
// since the same value is used to unsubscribe.
type Handler interface {
	HandleMessages(stream string, messages [][]byte)
}

// MessageSource reads merged batches past the given positions.
type MessageSource interface {
	GetMessages(ctx context.Context, positions []logstore.Position) ([]api.StreamMessages, error)
}

type subscription struct {
	handlers map[Handler]struct{}
	id       string
	nextID   string
}

// Subscriber is the per-process stream multiplexer.
type Subscriber struct {
	source MessageSource
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[string]*subscription
}

// New returns a Subscriber reading from source. Call Serve to start polling.
func New(source MessageSource) *Subscriber {
	return &Subscriber{
		source: source,
		logger: logging.Component("subscriber"),
		subs:   make(map[string]*subscription),
	}
}

// Subscribe registers h for stream and returns the id the multiplexer will
// read past next.
func (s *Subscriber) Subscribe(stream string, h Handler) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[stream]
	if !ok {
		sub = &subscription{handlers: make(map[Handler]struct{}), id: "0"}
		s.subs[stream] = sub
	}
	sub.handlers[h] = struct{}{}
	return sub.id
}

// EnsureSubID makes the next poll of stream start at id if id is older than
// the position already reached.
func (s *Subscriber) EnsureSubID(stream, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[stream]; ok && logstore.Less(id, sub.id) {
		sub.nextID = id
	}
}

// Position returns the id the subscription to stream resumes from, a
// pending rewind included.
func (s *Subscriber) Position(stream string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[stream]
	if !ok {
		return "", false
	}
	if sub.nextID != "" {
		return sub.nextID, true
	}
	return sub.id, true
}

// Unsubscribe removes h. The stream is dropped once no handler is left.
func (s *Subscriber) Unsubscribe(stream string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[stream]; ok {
		delete(sub.handlers, h)
		if len(sub.handlers) == 0 {
			delete(s.subs, stream)
		}
	}
}

// Streams returns the subscribed streams, sorted.
func (s *Subscriber) Streams() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	streams := make([]string, 0, len(s.subs))
	for stream := range s.subs {
		streams = append(streams, stream)
	}
	slices.Sort(streams)
	return streams
}

func (s *Subscriber) positions() []logstore.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := make([]logstore.Position, 0, len(s.subs))
	for stream, sub := range s.subs {
		pos = append(pos, logstore.Position{Stream: stream, LastID: sub.id})
	}
	return pos
}

// advance records the new position of a stream and returns its handlers.
func (s *Subscriber) advance(m api.StreamMessages) []Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[m.Stream]
	if !ok {
		return nil
	}
	sub.id = m.LastID
	if sub.nextID != "" {
		sub.id = sub.nextID
		sub.nextID = ""
	}
	handlers := make([]Handler, 0, len(sub.handlers))
	for h := range sub.handlers {
		handlers = append(handlers, h)
	}
	return handlers
}

// Serve polls until ctx is cancelled. It implements suture.Service.
func (s *Subscriber) Serve(ctx context.Context) error {
	for ctx.Err() == nil {
		pos := s.positions()
		metrics.SubscribedStreams.Set(float64(len(pos)))
		batches, err := s.source.GetMessages(ctx, pos)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Error().Err(err).Int("streams", len(pos)).Msg("poll failed")
			select {
			case <-ctx.Done():
			case <-time.After(errorPause):
			}
			continue
		}
		for _, m := range batches {
			handlers := s.advance(m)
			if len(m.Messages) == 0 {
				continue
			}
			for _, h := range handlers {
				h.HandleMessages(m.Stream, m.Messages)
			}
			metrics.FanoutBatches.Inc()
		}
	}
	return ctx.Err()
}

func (s *Subscriber) String() string { return "subscriber" }
