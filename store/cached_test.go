package store

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// countingStorage counts state vector lookups on the backing store.
type countingStorage struct {
	*MemoryStorage
	svCalls atomic.Int32
}

func (c *countingStorage) RetrieveStateVector(ctx context.Context, room, docname string, opts ...Option) ([]byte, error) {
	c.svCalls.Add(1)
	return c.MemoryStorage.RetrieveStateVector(ctx, room, docname, opts...)
}

func TestCachedStorage(t *testing.T) {
	cs := NewCachedStorage(NewMemoryStorage(), time.Minute)
	t.Cleanup(func() { cs.Close() })
	testStorageContract(t, cs)
}

func TestCachedStorage_PersistPrimesCache(t *testing.T) {
	backing := &countingStorage{MemoryStorage: NewMemoryStorage()}
	cs := NewCachedStorage(backing, time.Minute)
	defer cs.Close()
	ctx := context.Background()

	d := docWith(t, map[string]int{"a": 1})
	if err := cs.PersistDoc(ctx, "r", "d", d); err != nil {
		t.Fatal(err)
	}
	sv, err := cs.RetrieveStateVector(ctx, "r", "d")
	if err != nil {
		t.Fatal(err)
	}
	if string(sv) != string(d.EncodeStateVector()) {
		t.Error("cached state vector mismatch")
	}
	if n := backing.svCalls.Load(); n != 0 {
		t.Errorf("backing store queried %d times, want 0", n)
	}
}

func TestCachedStorage_MissLoadsAndExpires(t *testing.T) {
	backing := &countingStorage{MemoryStorage: NewMemoryStorage()}
	ctx := context.Background()
	backing.PersistDoc(ctx, "r", "d", docWith(t, map[string]int{"a": 1}))

	cs := NewCachedStorage(backing, 50*time.Millisecond)
	defer cs.Close()

	for i := 0; i < 3; i++ {
		if _, err := cs.RetrieveStateVector(ctx, "r", "d"); err != nil {
			t.Fatal(err)
		}
	}
	if n := backing.svCalls.Load(); n != 1 {
		t.Errorf("backing store queried %d times, want 1", n)
	}

	time.Sleep(120 * time.Millisecond)
	cs.mu.Lock()
	cached := len(cs.vectors)
	cs.mu.Unlock()
	if cached != 0 {
		t.Errorf("%d vectors left after expiry", cached)
	}
	if _, err := cs.RetrieveStateVector(ctx, "r", "d"); err != nil {
		t.Fatal(err)
	}
	if n := backing.svCalls.Load(); n != 2 {
		t.Errorf("backing store queried %d times, want 2", n)
	}
}

func TestCachedStorage_MissingIsNotCached(t *testing.T) {
	backing := &countingStorage{MemoryStorage: NewMemoryStorage()}
	cs := NewCachedStorage(backing, time.Minute)
	defer cs.Close()
	ctx := context.Background()

	cs.RetrieveStateVector(ctx, "r", "d")
	cs.RetrieveStateVector(ctx, "r", "d")
	if n := backing.svCalls.Load(); n != 2 {
		t.Errorf("backing store queried %d times, want 2", n)
	}
}
