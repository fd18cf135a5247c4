package store

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/alimasry/go-collab-relay/crdt"
)

// FirestoreStorage is a Firestore-backed implementation of Storage. Each
// document partition is a Firestore document whose "fragments" subcollection
// holds one entry per persist.
type FirestoreStorage struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStorage creates a FirestoreStorage using the given Firestore client.
func NewFirestoreStorage(client *firestore.Client, collection string) *FirestoreStorage {
	if collection == "" {
		collection = "documents"
	}
	return &FirestoreStorage{client: client, collection: collection}
}

func (s *FirestoreStorage) docRef(room, docname string, o Options) *firestore.DocumentRef {
	id := url.PathEscape(room) + ":" + url.PathEscape(docname) + ":" + url.PathEscape(o.Branch) + ":" + strconv.FormatBool(o.GC)
	return s.client.Collection(s.collection).Doc(id)
}

func (s *FirestoreStorage) fragments(room, docname string, o Options) *firestore.CollectionRef {
	return s.docRef(room, docname, o).Collection("fragments")
}

func (s *FirestoreStorage) PersistDoc(ctx context.Context, room, docname string, doc *crdt.Doc, opts ...Option) error {
	o := applyOptions(opts)
	_, err := s.fragments(room, docname, o).Doc(uuid.NewString()).Set(ctx, map[string]interface{}{
		"update":    doc.EncodeStateAsUpdate(),
		"sv":        doc.EncodeStateVector(),
		"createdAt": time.Now(),
	})
	if err != nil {
		return fmt.Errorf("persist %s/%s: %w", room, docname, err)
	}
	return nil
}

func (s *FirestoreStorage) RetrieveDoc(ctx context.Context, room, docname string, opts ...Option) (*Retrieved, error) {
	iter := s.fragments(room, docname, applyOptions(opts)).
		OrderBy("createdAt", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var updates [][]byte
	var refs []Reference
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("retrieve %s/%s: %w", room, docname, err)
		}
		update, _ := snap.Data()["update"].([]byte)
		updates = append(updates, update)
		refs = append(refs, Reference(snap.Ref.ID))
	}
	if len(refs) == 0 {
		return nil, nil
	}
	return &Retrieved{Doc: crdt.MergeUpdates(updates), References: refs}, nil
}

func (s *FirestoreStorage) RetrieveStateVector(ctx context.Context, room, docname string, opts ...Option) ([]byte, error) {
	iter := s.fragments(room, docname, applyOptions(opts)).
		OrderBy("createdAt", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("retrieve state vector %s/%s: %w", room, docname, err)
	}
	sv, _ := snap.Data()["sv"].([]byte)
	return sv, nil
}

func (s *FirestoreStorage) DeleteReferences(ctx context.Context, room, docname string, refs []Reference, opts ...Option) error {
	col := s.fragments(room, docname, applyOptions(opts))
	for _, ref := range refs {
		_, err := col.Doc(string(ref)).Delete(ctx)
		if err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("delete fragment %s: %w", ref, err)
		}
	}
	return nil
}

func (s *FirestoreStorage) Close() error {
	return s.client.Close()
}
