package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/automerge/automerge-go"

	"github.com/alimasry/go-collab-relay/crdt"
)

// uniqueRoom returns a unique room name for test isolation.
func uniqueRoom(t *testing.T) string {
	return fmt.Sprintf("test-%s-%d", t.Name(), time.Now().UnixNano())
}

func docWith(t *testing.T, kv map[string]int) *crdt.Doc {
	t.Helper()
	d := crdt.New()
	for k, v := range kv {
		if _, err := d.Change("set "+k, func(am *automerge.Doc) error { return am.Path(k).Set(v) }); err != nil {
			t.Fatal(err)
		}
	}
	return d
}

func loadDoc(t *testing.T, r *Retrieved) *crdt.Doc {
	t.Helper()
	d := crdt.New()
	if err := d.ApplyUpdate(r.Doc); err != nil {
		t.Fatal(err)
	}
	return d
}

func intAt(t *testing.T, d *crdt.Doc, key string) int64 {
	t.Helper()
	n, _, err := d.Int(key)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

// testStorageContract exercises the behaviour every backend must share.
func testStorageContract(t *testing.T, s Storage) {
	ctx := context.Background()
	room := uniqueRoom(t)

	t.Run("missing", func(t *testing.T) {
		r, err := s.RetrieveDoc(ctx, room, "missing")
		if err != nil {
			t.Fatal(err)
		}
		if r != nil {
			t.Errorf("RetrieveDoc of missing doc = %+v, want nil", r)
		}
		sv, err := s.RetrieveStateVector(ctx, room, "missing")
		if err != nil {
			t.Fatal(err)
		}
		if sv != nil {
			t.Errorf("RetrieveStateVector of missing doc = %v, want nil", sv)
		}
	})

	t.Run("persist and merge", func(t *testing.T) {
		first := docWith(t, map[string]int{"a": 1})
		if err := s.PersistDoc(ctx, room, "index", first); err != nil {
			t.Fatal(err)
		}
		second := docWith(t, map[string]int{"b": 2})
		if err := s.PersistDoc(ctx, room, "index", second); err != nil {
			t.Fatal(err)
		}

		r, err := s.RetrieveDoc(ctx, room, "index")
		if err != nil {
			t.Fatal(err)
		}
		if r == nil || len(r.References) != 2 {
			t.Fatalf("got %+v, want 2 references", r)
		}
		d := loadDoc(t, r)
		if intAt(t, d, "a") != 1 || intAt(t, d, "b") != 2 {
			t.Error("merged doc lost a fragment")
		}
	})

	t.Run("delete superseded references", func(t *testing.T) {
		r, err := s.RetrieveDoc(ctx, room, "index")
		if err != nil {
			t.Fatal(err)
		}
		merged := loadDoc(t, r)
		if err := s.PersistDoc(ctx, room, "index", merged); err != nil {
			t.Fatal(err)
		}
		if err := s.DeleteReferences(ctx, room, "index", r.References); err != nil {
			t.Fatal(err)
		}
		// deleting twice is harmless
		if err := s.DeleteReferences(ctx, room, "index", r.References); err != nil {
			t.Fatal(err)
		}

		after, err := s.RetrieveDoc(ctx, room, "index")
		if err != nil {
			t.Fatal(err)
		}
		if after == nil || len(after.References) != 1 {
			t.Fatalf("got %+v, want a single reference", after)
		}
		d := loadDoc(t, after)
		if intAt(t, d, "a") != 1 || intAt(t, d, "b") != 2 {
			t.Error("compacted doc lost content")
		}

		sv, err := s.RetrieveStateVector(ctx, room, "index")
		if err != nil {
			t.Fatal(err)
		}
		if string(sv) != string(merged.EncodeStateVector()) {
			t.Error("state vector does not match the persisted doc")
		}
	})

	t.Run("branches are separate", func(t *testing.T) {
		if err := s.PersistDoc(ctx, room, "other", docWith(t, map[string]int{"x": 1}), WithBranch("draft"), WithGC(false)); err != nil {
			t.Fatal(err)
		}
		r, err := s.RetrieveDoc(ctx, room, "other")
		if err != nil {
			t.Fatal(err)
		}
		if r != nil {
			t.Error("default branch should not see the draft fragment")
		}
		r, err = s.RetrieveDoc(ctx, room, "other", WithBranch("draft"), WithGC(false))
		if err != nil {
			t.Fatal(err)
		}
		if r == nil || len(r.References) != 1 {
			t.Errorf("got %+v, want one draft fragment", r)
		}
	})
}

func TestApplyOptionsDefaults(t *testing.T) {
	o := applyOptions(nil)
	if o.Branch != "main" || !o.GC {
		t.Errorf("defaults = %+v", o)
	}
	if got := o.key("index"); got != "index/main/true" {
		t.Errorf("key = %q", got)
	}
}
