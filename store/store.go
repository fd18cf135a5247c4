package store

import (
	"context"
	"errors"
	"strconv"

	"github.com/alimasry/go-collab-relay/crdt"
)

// ErrNotFound is returned when a stored object disappears between listing and
// reading it.
var ErrNotFound = errors.New("store: not found")

// Reference identifies one persisted fragment of a document.
type Reference string

// Retrieved is the merged persisted state of a document and the references
// of the fragments it was merged from.
type Retrieved struct {
	Doc        []byte
	References []Reference
}

// Storage persists compacted documents. Every persist adds a fragment;
// fragments superseded by a later persist are removed with DeleteReferences.
// Implementations: MemoryStorage, PostgresStorage, S3Storage, FirestoreStorage,
// BadgerStorage, and the CachedStorage decorator.
type Storage interface {
	PersistDoc(ctx context.Context, room, docname string, doc *crdt.Doc, opts ...Option) error
	// RetrieveDoc returns nil if nothing was persisted for the document.
	RetrieveDoc(ctx context.Context, room, docname string, opts ...Option) (*Retrieved, error)
	// RetrieveStateVector returns nil if nothing was persisted for the document.
	RetrieveStateVector(ctx context.Context, room, docname string, opts ...Option) ([]byte, error)
	DeleteReferences(ctx context.Context, room, docname string, refs []Reference, opts ...Option) error
	Close() error
}

// Options partition storage independently of the stream keys.
type Options struct {
	Branch string
	GC     bool
}

// Option sets a field of Options.
type Option func(*Options)

// WithBranch selects a branch. Defaults to "main".
func WithBranch(branch string) Option {
	return func(o *Options) { o.Branch = branch }
}

// WithGC selects the garbage collected or the full history partition.
// Defaults to true.
func WithGC(gc bool) Option {
	return func(o *Options) { o.GC = gc }
}

func applyOptions(opts []Option) Options {
	o := Options{Branch: "main", GC: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// key returns "<docname>/<branch>/<gc>", the partition of a room.
func (o Options) key(docname string) string {
	return docname + "/" + o.Branch + "/" + strconv.FormatBool(o.GC)
}

// stateVectorOf derives the state vector from the retrieved document for
// backends that do not store one.
func stateVectorOf(r *Retrieved, err error) ([]byte, error) {
	if err != nil || r == nil {
		return nil, err
	}
	return crdt.StateVectorFromUpdate(r.Doc)
}
