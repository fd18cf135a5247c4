package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/alimasry/go-collab-relay/crdt"
)

type fragment struct {
	ref    Reference
	update []byte
}

// MemoryStorage is an in-memory implementation of Storage for single-process
// deployments and tests.
type MemoryStorage struct {
	mu   sync.RWMutex
	docs map[string]map[string][]fragment // room -> docname/branch/gc -> fragments
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{docs: make(map[string]map[string][]fragment)}
}

func (s *MemoryStorage) PersistDoc(_ context.Context, room, docname string, doc *crdt.Doc, opts ...Option) error {
	key := applyOptions(opts).key(docname)
	update := doc.EncodeStateAsUpdate()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.docs[room] == nil {
		s.docs[room] = make(map[string][]fragment)
	}
	s.docs[room][key] = append(s.docs[room][key], fragment{ref: Reference(uuid.NewString()), update: update})
	return nil
}

func (s *MemoryStorage) RetrieveDoc(_ context.Context, room, docname string, opts ...Option) (*Retrieved, error) {
	key := applyOptions(opts).key(docname)

	s.mu.RLock()
	defer s.mu.RUnlock()
	frags := s.docs[room][key]
	if len(frags) == 0 {
		return nil, nil
	}
	updates := make([][]byte, len(frags))
	refs := make([]Reference, len(frags))
	for i, f := range frags {
		updates[i] = f.update
		refs[i] = f.ref
	}
	return &Retrieved{Doc: crdt.MergeUpdates(updates), References: refs}, nil
}

func (s *MemoryStorage) RetrieveStateVector(ctx context.Context, room, docname string, opts ...Option) ([]byte, error) {
	return stateVectorOf(s.RetrieveDoc(ctx, room, docname, opts...))
}

func (s *MemoryStorage) DeleteReferences(_ context.Context, room, docname string, refs []Reference, opts ...Option) error {
	key := applyOptions(opts).key(docname)
	drop := make(map[Reference]struct{}, len(refs))
	for _, r := range refs {
		drop[r] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	frags := s.docs[room][key]
	kept := frags[:0]
	for _, f := range frags {
		if _, ok := drop[f.ref]; !ok {
			kept = append(kept, f)
		}
	}
	if len(kept) == 0 {
		delete(s.docs[room], key)
		return nil
	}
	s.docs[room][key] = kept
	return nil
}

// Len returns the number of fragments stored for a document.
func (s *MemoryStorage) Len(room, docname string, opts ...Option) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs[room][applyOptions(opts).key(docname)])
}

func (s *MemoryStorage) Close() error { return nil }
