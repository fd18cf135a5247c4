// Package redislog implements logstore.Store on Redis Streams.
//
// Document streams hold one entry per message in the field "m". The
// compaction queue is the stream "<prefix>:worker", consumed by the group of
// the same name. Fresh tasks are read into the consumer "pending" right away,
// so they only become claimable once they have idled for the debounce period.
package redislog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alimasry/go-collab-relay/logstore"
)

const (
	messageField    = "m"
	compactField    = "compact"
	pendingConsumer = "pending"
	rotateReadCount = 50
)

// addMessageScript enqueues a compaction task when the stream is new, then
// appends the message. KEYS: stream, worker stream. ARGV: message, group.
var addMessageScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  redis.call("XADD", KEYS[2], "*", "compact", KEYS[1])
  redis.call("XREADGROUP", "GROUP", ARGV[2], "pending", "STREAMS", KEYS[2], ">")
end
redis.call("XADD", KEYS[1], "*", "m", ARGV[1])
return 1
`)

// delIfEmptyScript removes a stream only if it has no entries.
var delIfEmptyScript = redis.NewScript(`
if redis.call("XLEN", KEYS[1]) == 0 then
  redis.call("DEL", KEYS[1])
end
return 1
`)

// Options configures a Store.
type Options struct {
	Prefix    string
	ReadCount int
	ReadBlock time.Duration
}

// Store is a logstore.Store backed by Redis.
type Store struct {
	rdb    redis.UniversalClient
	opts   Options
	worker string
	group  string
}

// New wraps an existing client.
func New(rdb redis.UniversalClient, opts Options) *Store {
	if opts.ReadCount <= 0 {
		opts.ReadCount = logstore.DefaultReadCount
	}
	if opts.ReadBlock <= 0 {
		opts.ReadBlock = logstore.DefaultReadBlock
	}
	name := opts.Prefix + ":worker"
	return &Store{rdb: rdb, opts: opts, worker: name, group: name}
}

// Open connects to the Redis server at url and creates the worker group.
func Open(ctx context.Context, url string, opts Options) (*Store, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(ropts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	s := New(rdb, opts)
	if err := s.EnsureGroup(ctx); err != nil {
		rdb.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) EnsureGroup(ctx context.Context) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.worker, s.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create worker group: %w", err)
	}
	return nil
}

func (s *Store) AddMessage(ctx context.Context, stream string, payload []byte) error {
	err := addMessageScript.Run(ctx, s.rdb, []string{stream, s.worker}, payload, s.group).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("add message to %s: %w", stream, err)
	}
	return nil
}

func (s *Store) ReadStream(ctx context.Context, stream string) (logstore.StreamEntries, error) {
	msgs, err := s.rdb.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		return logstore.StreamEntries{}, fmt.Errorf("read %s: %w", stream, err)
	}
	res := toEntries(stream, msgs)
	if res.LastID == "" {
		res.LastID = "0"
	}
	return res, nil
}

func (s *Store) ReadStreams(ctx context.Context, positions []logstore.Position) ([]logstore.StreamEntries, error) {
	if len(positions) == 0 {
		return nil, nil
	}
	streams := make([]string, 0, 2*len(positions))
	for _, p := range positions {
		streams = append(streams, p.Stream)
	}
	for _, p := range positions {
		streams = append(streams, p.LastID)
	}
	reply, err := s.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: streams,
		Count:   int64(s.opts.ReadCount),
		Block:   s.opts.ReadBlock,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read streams: %w", err)
	}
	res := make([]logstore.StreamEntries, 0, len(reply))
	for _, st := range reply {
		if len(st.Messages) == 0 {
			continue
		}
		res = append(res, toEntries(st.Stream, st.Messages))
	}
	return res, nil
}

// toEntries keeps entries carrying a message. LastID covers every entry read.
func toEntries(stream string, msgs []redis.XMessage) logstore.StreamEntries {
	res := logstore.StreamEntries{Stream: stream}
	for _, m := range msgs {
		res.LastID = m.ID
		if v, ok := m.Values[messageField].(string); ok {
			res.Entries = append(res.Entries, logstore.Entry{ID: m.ID, Payload: []byte(v)})
		}
	}
	return res
}

func (s *Store) Claim(ctx context.Context, consumer string, idle time.Duration, count int) ([]logstore.Task, error) {
	msgs, _, err := s.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.worker,
		Group:    s.group,
		Consumer: consumer,
		MinIdle:  idle,
		Start:    "0",
		Count:    int64(count),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	tasks := make([]logstore.Task, 0, len(msgs))
	for _, m := range msgs {
		if stream, ok := m.Values[compactField].(string); ok && stream != "" {
			tasks = append(tasks, logstore.Task{ID: m.ID, Stream: stream})
		}
	}
	return tasks, nil
}

func (s *Store) TrimAndRotate(ctx context.Context, task logstore.Task, minID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XTrimMinID(ctx, task.Stream, minID)
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: s.worker, Values: []any{compactField, task.Stream}})
		pipe.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: pendingConsumer,
			Streams:  []string{s.worker, ">"},
			Count:    rotateReadCount,
			Block:    -1,
		})
		pipe.XAck(ctx, s.worker, s.group, task.ID)
		pipe.XDel(ctx, s.worker, task.ID)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("trim and rotate %s: %w", task.Stream, err)
	}
	return nil
}

func (s *Store) DeleteIfEmpty(ctx context.Context, task logstore.Task) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		delIfEmptyScript.Eval(ctx, pipe, []string{task.Stream})
		pipe.XAck(ctx, s.worker, s.group, task.ID)
		pipe.XDel(ctx, s.worker, task.ID)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete empty %s: %w", task.Stream, err)
	}
	return nil
}

func (s *Store) Len(ctx context.Context, stream string) (int64, error) {
	n, err := s.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("len %s: %w", stream, err)
	}
	return n, nil
}

func (s *Store) Exists(ctx context.Context, stream string) (bool, error) {
	n, err := s.rdb.Exists(ctx, stream).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", stream, err)
	}
	return n == 1, nil
}

func (s *Store) WorkerQueueLen(ctx context.Context) (int64, error) {
	return s.Len(ctx, s.worker)
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

var _ logstore.Store = (*Store)(nil)
