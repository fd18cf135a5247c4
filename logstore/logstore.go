// Package logstore defines the stream primitives the relay needs from the
// shared log store. Every process coordinates only through a Store.
package logstore

import (
	"context"
	"errors"
	"time"
)

// Defaults shared by the implementations.
const (
	DefaultReadCount = 1000
	DefaultReadBlock = time.Second
)

// Entry is one stream entry.
type Entry struct {
	ID      string
	Payload []byte
}

// Position is a stream together with the last id the reader has seen.
type Position struct {
	Stream string
	LastID string
}

// StreamEntries holds the entries read from one stream. LastID is the id of
// the last entry returned.
type StreamEntries struct {
	Stream  string
	Entries []Entry
	LastID  string
}

// Task is a claimed compaction work item.
type Task struct {
	ID     string
	Stream string
}

// Store is the log adapter.
type Store interface {
	// AddMessage appends payload to stream. If the stream did not exist, a
	// compaction task for it is enqueued and claimed into the pending consumer
	// in the same atomic step.
	AddMessage(ctx context.Context, stream string, payload []byte) error

	// ReadStream reads a stream from the beginning.
	ReadStream(ctx context.Context, stream string) (StreamEntries, error)

	// ReadStreams reads new entries past each position. It blocks for a
	// bounded time when nothing is available and returns only streams that
	// produced entries.
	ReadStreams(ctx context.Context, positions []Position) ([]StreamEntries, error)

	// Claim transfers up to count tasks that have been idle for at least idle
	// to consumer.
	Claim(ctx context.Context, consumer string, idle time.Duration, count int) ([]Task, error)

	// TrimAndRotate trims entries of task.Stream older than minID, enqueues a
	// fresh task for the stream and removes task, atomically.
	TrimAndRotate(ctx context.Context, task Task, minID string) error

	// DeleteIfEmpty removes task.Stream if it has no entries and removes task.
	DeleteIfEmpty(ctx context.Context, task Task) error

	// Len returns the number of entries of a stream.
	Len(ctx context.Context, stream string) (int64, error)

	// Exists reports whether a stream exists.
	Exists(ctx context.Context, stream string) (bool, error)

	// WorkerQueueLen returns the number of queued compaction tasks.
	WorkerQueueLen(ctx context.Context) (int64, error)

	// EnsureGroup creates the worker queue and its consumer group.
	EnsureGroup(ctx context.Context) error

	Close() error
}

// ErrClosed is returned by a Store after Close.
var ErrClosed = errors.New("logstore: closed")
