package store

import (
	"context"
	"testing"
)

func TestMemoryStorage(t *testing.T) {
	testStorageContract(t, NewMemoryStorage())
}

func TestMemoryStorage_Len(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	if n := s.Len("r", "d"); n != 0 {
		t.Fatalf("Len = %d, want 0", n)
	}
	s.PersistDoc(ctx, "r", "d", docWith(t, map[string]int{"a": 1}))
	s.PersistDoc(ctx, "r", "d", docWith(t, map[string]int{"a": 2}))
	if n := s.Len("r", "d"); n != 2 {
		t.Errorf("Len = %d, want 2", n)
	}
}
