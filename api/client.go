// Package api is the document service. It appends client messages to
// per-document streams, rebuilds documents from storage plus the stream tail,
// and compacts streams into storage.
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/alimasry/go-collab-relay/crdt"
	"github.com/alimasry/go-collab-relay/logging"
	"github.com/alimasry/go-collab-relay/logstore"
	"github.com/alimasry/go-collab-relay/metrics"
	"github.com/alimasry/go-collab-relay/protocol"
	"github.com/alimasry/go-collab-relay/store"
)

// Config enumerates the document service options.
type Config struct {
	// Prefix namespaces every stream key.
	Prefix string
	// TaskDebounce is how long a compaction task idles before a worker may
	// claim it.
	TaskDebounce time.Duration
	// MinMessageLifetime is the trailing window of stream history kept after
	// compaction for subscribers that are still catching up.
	MinMessageLifetime time.Duration
	// TryClaimCount is the default number of tasks claimed per iteration.
	TryClaimCount int
	// IdlePause is the backoff when no task could be claimed.
	IdlePause time.Duration
	// EmptyPollPause is the backoff when GetMessages has no streams to read.
	EmptyPollPause time.Duration
}

// DefaultConfig returns the default options.
func DefaultConfig() Config {
	return Config{
		Prefix:             "y",
		TaskDebounce:       10 * time.Second,
		MinMessageLifetime: time.Minute,
		TryClaimCount:      5,
		IdlePause:          time.Second,
		EmptyPollPause:     50 * time.Millisecond,
	}
}

// Client is the document service of one process.
type Client struct {
	store    store.Storage
	log      logstore.Store
	cfg      Config
	consumer string
	logger   zerolog.Logger
}

// NewClient returns a Client with its own consumer identity. Zero fields of
// cfg take their default.
func NewClient(st store.Storage, ls logstore.Store, cfg Config) *Client {
	def := DefaultConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.TaskDebounce <= 0 {
		cfg.TaskDebounce = def.TaskDebounce
	}
	if cfg.MinMessageLifetime <= 0 {
		cfg.MinMessageLifetime = def.MinMessageLifetime
	}
	if cfg.TryClaimCount <= 0 {
		cfg.TryClaimCount = def.TryClaimCount
	}
	if cfg.IdlePause <= 0 {
		cfg.IdlePause = def.IdlePause
	}
	if cfg.EmptyPollPause <= 0 {
		cfg.EmptyPollPause = def.EmptyPollPause
	}
	return &Client{
		store:    st,
		log:      ls,
		cfg:      cfg,
		consumer: uuid.NewString(),
		logger:   logging.Component("api"),
	}
}

// Consumer returns the consumer identity used when claiming tasks.
func (c *Client) Consumer() string { return c.consumer }

// Prefix returns the stream key prefix.
func (c *Client) Prefix() string { return c.cfg.Prefix }

// StreamName returns the stream of a document.
func (c *Client) StreamName(room, docid string) string {
	return StreamName(room, docid, c.cfg.Prefix)
}

// DocState is a document rebuilt from storage and its stream.
type DocState struct {
	Doc *crdt.Doc
	// Awareness holds the presence replayed from the stream. It is only used
	// to answer a connecting client.
	Awareness *protocol.Awareness
	// LastID is the id of the last stream entry read, "0" if none.
	LastID string
	// References are the storage fragments the document was merged from.
	References []store.Reference
	// Changed reports whether the stream added anything to the stored state.
	Changed bool
}

// GetDoc rebuilds a document from its persisted state and the whole stream.
// Stream entries are applied in order within one transaction.
func (c *Client) GetDoc(ctx context.Context, room, docid string) (*DocState, error) {
	entries, err := c.log.ReadStream(ctx, c.StreamName(room, docid))
	if err != nil {
		return nil, err
	}
	stored, err := c.store.RetrieveDoc(ctx, room, docid)
	if err != nil {
		return nil, fmt.Errorf("retrieve %s/%s: %w", room, docid, err)
	}

	state := &DocState{
		Doc:       crdt.New(),
		Awareness: protocol.NewAwareness(),
		LastID:    entries.LastID,
	}
	if stored != nil {
		if err := state.Doc.ApplyUpdate(stored.Doc); err != nil {
			return nil, fmt.Errorf("load stored %s/%s: %w", room, docid, err)
		}
		state.References = stored.References
	}

	state.Changed, err = state.Doc.Transact(func(tx *crdt.Txn) error {
		for _, e := range entries.Entries {
			c.replay(tx, state.Awareness, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (c *Client) replay(tx *crdt.Txn, aw *protocol.Awareness, e logstore.Entry) {
	msg, err := protocol.Decode(e.Payload)
	switch {
	case err != nil:
	case msg.Kind == protocol.MessageSync && msg.SyncKind == protocol.SyncUpdate:
		err = tx.ApplyUpdate(msg.Payload)
	case msg.Kind == protocol.MessageAwareness:
		err = aw.ApplyUpdate(msg.Payload)
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("id", e.ID).Msg("skipping stream entry")
	}
}

// AddMessage appends a client message to the document stream. An empty sync
// step2 is dropped and a non-empty one is stored as an update.
func (c *Client) AddMessage(ctx context.Context, room, docid string, m []byte) error {
	if protocol.IsSync(m, protocol.SyncStep2) {
		if len(m) < 4 {
			metrics.MessagesSuppressed.Inc()
			return nil
		}
		m = protocol.RetagStep2(m)
	}
	if err := c.log.AddMessage(ctx, c.StreamName(room, docid), m); err != nil {
		return err
	}
	metrics.MessagesAppended.Inc()
	return nil
}

// GetStateVector returns the state vector of the persisted document.
func (c *Client) GetStateVector(ctx context.Context, room, docid string) ([]byte, error) {
	return c.store.RetrieveStateVector(ctx, room, docid)
}

// StreamMessages is a merged batch read from one stream.
type StreamMessages struct {
	Stream   string
	Messages [][]byte
	LastID   string
}

// GetMessages reads new entries from every position and merges each stream's
// batch. With no positions it pauses briefly and returns nothing.
func (c *Client) GetMessages(ctx context.Context, positions []logstore.Position) ([]StreamMessages, error) {
	if len(positions) == 0 {
		sleep(ctx, c.cfg.EmptyPollPause)
		return nil, nil
	}
	reads, err := c.log.ReadStreams(ctx, positions)
	if err != nil {
		return nil, err
	}
	res := make([]StreamMessages, 0, len(reads))
	for _, r := range reads {
		payloads := make([][]byte, len(r.Entries))
		for i, e := range r.Entries {
			payloads[i] = e.Payload
		}
		res = append(res, StreamMessages{
			Stream:   r.Stream,
			Messages: protocol.MergeMessages(payloads),
			LastID:   r.LastID,
		})
	}
	return res, nil
}

// Close releases the log store and the storage.
func (c *Client) Close() error {
	logErr := c.log.Close()
	if err := c.store.Close(); err != nil {
		return err
	}
	return logErr
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
