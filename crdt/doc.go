// Package crdt wraps the automerge document that backs every shared document.
//
// The relay never interprets document contents. It only needs to create empty
// documents, apply encoded updates, encode the full state and a state vector, merge
// several updates into one, and observe whether a batch of updates changed anything.
package crdt

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
)

// Doc is a CRDT document safe for concurrent use.
type Doc struct {
	mu sync.Mutex
	am *automerge.Doc
}

// New returns an empty document.
func New() *Doc {
	return &Doc{am: automerge.New()}
}

// Txn gives access to a document inside Transact.
type Txn struct {
	d *Doc
}

// ApplyUpdate applies an encoded update within the transaction.
func (t *Txn) ApplyUpdate(update []byte) error {
	return t.d.applyLocked(update)
}

// ApplyUpdate applies an encoded update as produced by EncodeStateAsUpdate,
// Change or MergeUpdates.
func (d *Doc) ApplyUpdate(update []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applyLocked(update)
}

func (d *Doc) applyLocked(update []byte) error {
	if len(update) == 0 {
		return nil
	}
	if err := d.am.LoadIncremental(update); err != nil {
		return fmt.Errorf("apply update: %w", err)
	}
	return nil
}

// Transact runs fn while holding the document lock, so no reader observes a
// partially applied batch. It reports whether the document heads moved.
func (d *Doc) Transact(fn func(tx *Txn) error) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	before := d.am.Heads()
	err := fn(&Txn{d: d})
	return !sameHeads(before, d.am.Heads()), err
}

// Change applies a local edit, commits it and returns the resulting update.
func (d *Doc) Change(msg string, fn func(am *automerge.Doc) error) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := fn(d.am); err != nil {
		return nil, err
	}
	if _, err := d.am.Commit(msg); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return d.am.SaveIncremental(), nil
}

// Value reads the value at path.
func (d *Doc) Value(path ...any) (*automerge.Value, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.am.Path(path...).Get()
}

// Int reads the number at path as an int64. Go ints written through the
// automerge API are stored as floats, so every numeric kind is accepted. ok is
// false when the path holds no number.
func (d *Doc) Int(path ...any) (n int64, ok bool, err error) {
	v, err := d.Value(path...)
	if err != nil {
		return 0, false, err
	}
	switch v.Kind() {
	case automerge.KindInt64:
		return v.Int64(), true, nil
	case automerge.KindUint64:
		return int64(v.Uint64()), true, nil
	case automerge.KindFloat64:
		return int64(v.Float64()), true, nil
	}
	return 0, false, nil
}

// EncodeStateAsUpdate encodes the whole document as a single update.
func (d *Doc) EncodeStateAsUpdate() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.am.Save()
}

// EncodeStateVector encodes the current heads of the document.
func (d *Doc) EncodeStateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeHeads(d.am.Heads())
}

// IsEmpty reports whether the document has never seen a change.
func (d *Doc) IsEmpty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.am.Heads()) == 0
}

// MergeUpdates combines several updates into one. Automerge updates are
// sequences of self-delimiting chunks, so concatenation keeps changes whose
// dependencies are not part of the batch.
func MergeUpdates(updates [][]byte) []byte {
	if len(updates) == 1 {
		return updates[0]
	}
	return bytes.Join(updates, nil)
}

// StateVectorFromUpdate computes the state vector of the document an update
// describes.
func StateVectorFromUpdate(update []byte) ([]byte, error) {
	d := New()
	if err := d.ApplyUpdate(update); err != nil {
		return nil, err
	}
	return d.EncodeStateVector(), nil
}

func encodeHeads(heads []automerge.ChangeHash) []byte {
	out := make([]byte, 0, len(heads)*len(automerge.ChangeHash{}))
	for _, h := range heads {
		out = append(out, h[:]...)
	}
	return out
}

func sameHeads(a, b []automerge.ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[automerge.ChangeHash]struct{}, len(a))
	for _, h := range a {
		seen[h] = struct{}{}
	}
	for _, h := range b {
		if _, ok := seen[h]; !ok {
			return false
		}
	}
	return true
}
