package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/alimasry/go-collab-relay/crdt"
)

const (
	fragmentKeyPrefix    = "frag:"
	stateVectorKeyPrefix = "sv:"
)

// BadgerStorage is an embedded key-value implementation of Storage for
// single-node deployments that need to survive restarts. Fragment keys end in
// a time-ordered UUID so a prefix scan returns them in persist order.
type BadgerStorage struct {
	db *badger.DB
}

// NewBadgerStorage wraps an open database.
func NewBadgerStorage(db *badger.DB) *BadgerStorage {
	return &BadgerStorage{db: db}
}

// OpenBadgerStorage opens the database at path. An empty path keeps it in memory.
func OpenBadgerStorage(path string) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return NewBadgerStorage(db), nil
}

func partitionKey(room, docname string, o Options) string {
	return url.PathEscape(room) + "/" + url.PathEscape(docname) + "/" + url.PathEscape(o.Branch) + "/" + strconv.FormatBool(o.GC) + "/"
}

func (s *BadgerStorage) PersistDoc(_ context.Context, room, docname string, doc *crdt.Doc, opts ...Option) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("fragment id: %w", err)
	}
	pk := partitionKey(room, docname, applyOptions(opts))
	update := doc.EncodeStateAsUpdate()
	sv := doc.EncodeStateVector()
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(fragmentKeyPrefix+pk+id.String()), update); err != nil {
			return err
		}
		return txn.Set([]byte(stateVectorKeyPrefix+pk), sv)
	})
}

func (s *BadgerStorage) RetrieveDoc(_ context.Context, room, docname string, opts ...Option) (*Retrieved, error) {
	pk := partitionKey(room, docname, applyOptions(opts))
	var updates [][]byte
	var refs []Reference
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(fragmentKeyPrefix + pk)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			update, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			updates = append(updates, update)
			refs = append(refs, Reference(item.Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve %s/%s: %w", room, docname, err)
	}
	if len(refs) == 0 {
		return nil, nil
	}
	return &Retrieved{Doc: crdt.MergeUpdates(updates), References: refs}, nil
}

func (s *BadgerStorage) RetrieveStateVector(_ context.Context, room, docname string, opts ...Option) ([]byte, error) {
	var sv []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(stateVectorKeyPrefix + partitionKey(room, docname, applyOptions(opts))))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		sv, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve state vector %s/%s: %w", room, docname, err)
	}
	return sv, nil
}

// DeleteReferences removes fragments. The stored state vector stays, since a
// later fragment always exists when older ones are deleted.
func (s *BadgerStorage) DeleteReferences(_ context.Context, room, docname string, refs []Reference, opts ...Option) error {
	pk := partitionKey(room, docname, applyOptions(opts))
	return s.db.Update(func(txn *badger.Txn) error {
		for _, ref := range refs {
			if err := txn.Delete([]byte(fragmentKeyPrefix + pk + string(ref))); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("delete fragment %s: %w", ref, err)
			}
		}
		return nil
	})
}

func (s *BadgerStorage) Close() error {
	return s.db.Close()
}
