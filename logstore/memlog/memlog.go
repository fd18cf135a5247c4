// Package memlog is an in-process logstore.Store. It follows the same id
// scheme and claim rules as the Redis adapter and backs single-process
// deployments and tests.
package memlog

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/alimasry/go-collab-relay/logstore"
)

// pendingConsumer owns freshly enqueued tasks until they are reclaimed.
const pendingConsumer = "pending"

// Options configures a Store. Zero values select the defaults.
type Options struct {
	ReadCount int
	ReadBlock time.Duration
	// Now is the store clock used to generate ids.
	Now func() time.Time
}

type task struct {
	id          logstore.ID
	stream      string
	consumer    string
	deliveredAt time.Time
}

// Store keeps streams and the compaction queue in memory.
type Store struct {
	opts Options

	mu      sync.Mutex
	lastID  logstore.ID
	streams map[string][]logstore.Entry
	tasks   []*task
	notify  chan struct{}
	closed  bool
}

// New returns an empty Store.
func New(opts Options) *Store {
	if opts.ReadCount <= 0 {
		opts.ReadCount = logstore.DefaultReadCount
	}
	if opts.ReadBlock <= 0 {
		opts.ReadBlock = logstore.DefaultReadBlock
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		opts:    opts,
		streams: make(map[string][]logstore.Entry),
		notify:  make(chan struct{}),
	}
}

// nextID must be called with mu held.
func (s *Store) nextID() logstore.ID {
	ms := uint64(s.opts.Now().UnixMilli())
	if ms <= s.lastID.Ms {
		s.lastID.Seq++
	} else {
		s.lastID = logstore.ID{Ms: ms}
	}
	return s.lastID
}

// enqueue must be called with mu held.
func (s *Store) enqueue(stream string) {
	s.tasks = append(s.tasks, &task{
		id:          s.nextID(),
		stream:      stream,
		consumer:    pendingConsumer,
		deliveredAt: s.opts.Now(),
	})
}

// removeTask must be called with mu held.
func (s *Store) removeTask(id string) {
	s.tasks = slices.DeleteFunc(s.tasks, func(t *task) bool { return t.id.String() == id })
}

func (s *Store) AddMessage(_ context.Context, stream string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return logstore.ErrClosed
	}
	if _, ok := s.streams[stream]; !ok {
		s.enqueue(stream)
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	s.streams[stream] = append(s.streams[stream], logstore.Entry{ID: s.nextID().String(), Payload: p})
	close(s.notify)
	s.notify = make(chan struct{})
	return nil
}

func (s *Store) ReadStream(_ context.Context, stream string) (logstore.StreamEntries, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return logstore.StreamEntries{}, logstore.ErrClosed
	}
	res := logstore.StreamEntries{Stream: stream, LastID: "0"}
	entries := s.streams[stream]
	if len(entries) > 0 {
		res.Entries = slices.Clone(entries)
		res.LastID = entries[len(entries)-1].ID
	}
	return res, nil
}

func (s *Store) ReadStreams(ctx context.Context, positions []logstore.Position) ([]logstore.StreamEntries, error) {
	timer := time.NewTimer(s.opts.ReadBlock)
	defer timer.Stop()
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, logstore.ErrClosed
		}
		res := s.collect(positions)
		notify := s.notify
		s.mu.Unlock()
		if len(res) > 0 {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-notify:
		}
	}
}

// collect must be called with mu held.
func (s *Store) collect(positions []logstore.Position) []logstore.StreamEntries {
	var res []logstore.StreamEntries
	for _, p := range positions {
		var out []logstore.Entry
		for _, e := range s.streams[p.Stream] {
			if logstore.Less(p.LastID, e.ID) {
				out = append(out, e)
				if len(out) == s.opts.ReadCount {
					break
				}
			}
		}
		if len(out) > 0 {
			res = append(res, logstore.StreamEntries{Stream: p.Stream, Entries: out, LastID: out[len(out)-1].ID})
		}
	}
	return res
}

func (s *Store) Claim(_ context.Context, consumer string, idle time.Duration, count int) ([]logstore.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, logstore.ErrClosed
	}
	now := s.opts.Now()
	var claimed []logstore.Task
	for _, t := range s.tasks {
		if len(claimed) == count {
			break
		}
		if now.Sub(t.deliveredAt) < idle {
			continue
		}
		t.consumer = consumer
		t.deliveredAt = now
		claimed = append(claimed, logstore.Task{ID: t.id.String(), Stream: t.stream})
	}
	return claimed, nil
}

func (s *Store) TrimAndRotate(_ context.Context, t logstore.Task, minID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return logstore.ErrClosed
	}
	if entries, ok := s.streams[t.Stream]; ok {
		s.streams[t.Stream] = slices.DeleteFunc(entries, func(e logstore.Entry) bool {
			return logstore.Less(e.ID, minID)
		})
	}
	s.enqueue(t.Stream)
	s.removeTask(t.ID)
	return nil
}

func (s *Store) DeleteIfEmpty(_ context.Context, t logstore.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return logstore.ErrClosed
	}
	if len(s.streams[t.Stream]) == 0 {
		delete(s.streams, t.Stream)
	}
	s.removeTask(t.ID)
	return nil
}

func (s *Store) Len(_ context.Context, stream string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.streams[stream])), nil
}

func (s *Store) Exists(_ context.Context, stream string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.streams[stream]
	return ok, nil
}

func (s *Store) WorkerQueueLen(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.tasks)), nil
}

func (s *Store) EnsureGroup(context.Context) error { return nil }

// Close wakes blocked readers. Later calls fail with logstore.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.notify)
	}
	return nil
}

var _ logstore.Store = (*Store)(nil)
