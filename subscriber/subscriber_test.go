package subscriber

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alimasry/go-collab-relay/api"
	"github.com/alimasry/go-collab-relay/logstore"
	"github.com/alimasry/go-collab-relay/logstore/memlog"
	"github.com/alimasry/go-collab-relay/protocol"
	"github.com/alimasry/go-collab-relay/store"
)

type recorder struct {
	mu      sync.Mutex
	batches [][][]byte
	ch      chan struct{}
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan struct{}, 16)}
}

func (r *recorder) HandleMessages(_ string, messages [][]byte) {
	r.mu.Lock()
	r.batches = append(r.batches, messages)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.ch:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a batch")
	}
}

// scriptedSource returns canned batches and records the positions it was asked for.
type scriptedSource struct {
	mu      sync.Mutex
	asked   [][]logstore.Position
	batches chan []api.StreamMessages
}

func (s *scriptedSource) GetMessages(ctx context.Context, pos []logstore.Position) ([]api.StreamMessages, error) {
	s.mu.Lock()
	s.asked = append(s.asked, pos)
	s.mu.Unlock()
	select {
	case b := <-s.batches:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

func (s *scriptedSource) lastAsked() []logstore.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.asked[len(s.asked)-1]
}

func TestSubscribeUnsubscribe(t *testing.T) {
	s := New(&scriptedSource{})
	a, b := newRecorder(), newRecorder()

	if id := s.Subscribe("s1", a); id != "0" {
		t.Errorf("initial id = %q, want 0", id)
	}
	s.Subscribe("s1", b)
	s.Subscribe("s2", a)
	if got := s.Streams(); len(got) != 2 {
		t.Fatalf("Streams() = %v", got)
	}

	s.Unsubscribe("s1", a)
	if got := s.Streams(); len(got) != 2 {
		t.Errorf("s1 still has a handler, Streams() = %v", got)
	}
	s.Unsubscribe("s1", b)
	s.Unsubscribe("s2", a)
	if got := s.Streams(); len(got) != 0 {
		t.Errorf("Streams() = %v, want none", got)
	}
}

func TestEnsureSubID_OnlyMovesBackwards(t *testing.T) {
	src := &scriptedSource{batches: make(chan []api.StreamMessages, 1)}
	s := New(src)
	rec := newRecorder()
	s.Subscribe("s", rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	src.batches <- []api.StreamMessages{{Stream: "s", Messages: [][]byte{{1}}, LastID: "100-0"}}
	rec.wait(t)

	s.EnsureSubID("s", "200-0")
	if id, _ := s.Position("s"); id != "100-0" {
		t.Errorf("position after forward rewind = %q, want 100-0", id)
	}
	s.EnsureSubID("s", "50-0")
	if id, _ := s.Position("s"); id != "50-0" {
		t.Errorf("position after rewind = %q, want 50-0", id)
	}
	if _, ok := s.Position("other"); ok {
		t.Error("position reported for an unknown stream")
	}
	if id := s.Subscribe("s", rec); id != "100-0" {
		t.Errorf("position = %q, want 100-0", id)
	}

	src.batches <- []api.StreamMessages{{Stream: "s", Messages: [][]byte{{2}}, LastID: "120-0"}}
	rec.wait(t)

	// the corrected id wins over the id of the batch just read
	time.Sleep(30 * time.Millisecond)
	pos := src.lastAsked()
	if len(pos) != 1 || pos[0].LastID != "50-0" {
		t.Errorf("next poll = %+v, want 50-0", pos)
	}
}

func TestServe_DispatchesLiveMessages(t *testing.T) {
	log := memlog.New(memlog.Options{ReadBlock: 50 * time.Millisecond})
	client := api.NewClient(store.NewMemoryStorage(), log, api.Config{Prefix: "y", EmptyPollPause: time.Millisecond})
	defer client.Close()

	s := New(client)
	rec := newRecorder()
	stream := client.StreamName("room", "index")
	s.Subscribe(stream, rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	aw := protocol.EncodeAwarenessUserDisconnected(1, 1)
	if err := client.AddMessage(ctx, "room", "index", aw); err != nil {
		t.Fatal(err)
	}
	rec.wait(t)

	rec.mu.Lock()
	got := rec.batches[0]
	rec.mu.Unlock()
	if len(got) != 1 || string(got[0]) != string(aw) {
		t.Errorf("got %v, want the appended message", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
