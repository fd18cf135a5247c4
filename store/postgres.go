package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alimasry/go-collab-relay/crdt"
)

const createDocsTable = `
CREATE TABLE IF NOT EXISTS relay_docs (
	room   text,
	doc    text,
	branch text DEFAULT 'main',
	gc     boolean DEFAULT true,
	r      SERIAL,
	update bytea,
	sv     bytea,
	PRIMARY KEY (room, doc, branch, gc, r)
)`

// PostgresStorage stores every persisted fragment as one row. The row serial
// is the fragment reference.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage connects to url and creates the documents table.
func NewPostgresStorage(ctx context.Context, url string) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, createDocsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create docs table: %w", err)
	}
	return &PostgresStorage{pool: pool}, nil
}

func (s *PostgresStorage) PersistDoc(ctx context.Context, room, docname string, doc *crdt.Doc, opts ...Option) error {
	o := applyOptions(opts)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO relay_docs (room, doc, branch, gc, update, sv) VALUES ($1, $2, $3, $4, $5, $6)`,
		room, docname, o.Branch, o.GC, doc.EncodeStateAsUpdate(), doc.EncodeStateVector())
	if err != nil {
		return fmt.Errorf("persist %s/%s: %w", room, docname, err)
	}
	return nil
}

func (s *PostgresStorage) RetrieveDoc(ctx context.Context, room, docname string, opts ...Option) (*Retrieved, error) {
	o := applyOptions(opts)
	rows, err := s.pool.Query(ctx,
		`SELECT r, update FROM relay_docs WHERE room = $1 AND doc = $2 AND branch = $3 AND gc = $4 ORDER BY r`,
		room, docname, o.Branch, o.GC)
	if err != nil {
		return nil, fmt.Errorf("retrieve %s/%s: %w", room, docname, err)
	}
	defer rows.Close()

	var updates [][]byte
	var refs []Reference
	for rows.Next() {
		var r int64
		var update []byte
		if err := rows.Scan(&r, &update); err != nil {
			return nil, fmt.Errorf("scan %s/%s: %w", room, docname, err)
		}
		updates = append(updates, update)
		refs = append(refs, Reference(strconv.FormatInt(r, 10)))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("retrieve %s/%s: %w", room, docname, err)
	}
	if len(updates) == 0 {
		return nil, nil
	}
	return &Retrieved{Doc: crdt.MergeUpdates(updates), References: refs}, nil
}

// RetrieveStateVector reads the state vector stored with the latest fragment,
// which covers every earlier one.
func (s *PostgresStorage) RetrieveStateVector(ctx context.Context, room, docname string, opts ...Option) ([]byte, error) {
	o := applyOptions(opts)
	var sv []byte
	err := s.pool.QueryRow(ctx,
		`SELECT sv FROM relay_docs WHERE room = $1 AND doc = $2 AND branch = $3 AND gc = $4 ORDER BY r DESC LIMIT 1`,
		room, docname, o.Branch, o.GC).Scan(&sv)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("retrieve state vector %s/%s: %w", room, docname, err)
	}
	return sv, nil
}

func (s *PostgresStorage) DeleteReferences(ctx context.Context, room, docname string, refs []Reference, opts ...Option) error {
	o := applyOptions(opts)
	ids := make([]int64, 0, len(refs))
	for _, ref := range refs {
		id, err := strconv.ParseInt(string(ref), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid reference %q: %w", ref, err)
		}
		ids = append(ids, id)
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM relay_docs WHERE room = $1 AND doc = $2 AND branch = $3 AND gc = $4 AND r = ANY($5)`,
		room, docname, o.Branch, o.GC, ids)
	if err != nil {
		return fmt.Errorf("delete references %s/%s: %w", room, docname, err)
	}
	return nil
}

func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}
