package api

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/alimasry/go-collab-relay/crdt"
	"github.com/alimasry/go-collab-relay/logstore"
	"github.com/alimasry/go-collab-relay/metrics"
)

// UpdateCallback is invoked with every compacted document that changed. It
// may run more than once for the same state and concurrently on several
// workers, so it must be idempotent and commutative. Failures are logged and
// never stop compaction.
type UpdateCallback func(ctx context.Context, room string, doc *crdt.Doc) error

// WorkerOpts configures ConsumeWorkerQueue.
type WorkerOpts struct {
	// TryClaimCount defaults to the client's configured count.
	TryClaimCount  int
	UpdateCallback UpdateCallback
}

// ConsumeWorkerQueue claims compaction tasks and compacts their streams
// concurrently. A failing task is logged and left for a later reclaim; it
// does not affect the rest of the batch. It returns the claimed tasks.
func (c *Client) ConsumeWorkerQueue(ctx context.Context, opts WorkerOpts) ([]logstore.Task, error) {
	count := opts.TryClaimCount
	if count <= 0 {
		count = c.cfg.TryClaimCount
	}
	tasks, err := c.log.Claim(ctx, c.consumer, c.cfg.TaskDebounce, count)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		c.logger.Debug().Msg("no tasks available, pausing")
		sleep(ctx, c.cfg.IdlePause)
		return nil, nil
	}
	c.logger.Debug().Int("tasks", len(tasks)).Msg("accepted tasks")

	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.compact(ctx, task, opts.UpdateCallback); err != nil {
				metrics.CompactionTasks.WithLabelValues("error").Inc()
				c.logger.Error().Err(err).Str("stream", task.Stream).Str("task", task.ID).Msg("compaction failed")
			}
		}()
	}
	wg.Wait()
	return tasks, nil
}

func (c *Client) compact(ctx context.Context, task logstore.Task, cb UpdateCallback) error {
	n, err := c.log.Len(ctx, task.Stream)
	if err != nil {
		return err
	}
	if n == 0 {
		if err := c.log.DeleteIfEmpty(ctx, task); err != nil {
			return err
		}
		metrics.CompactionTasks.WithLabelValues("deleted").Inc()
		c.logger.Debug().Str("stream", task.Stream).Msg("stream still empty, removing recurring task from queue")
		return nil
	}

	room, docid, err := DecodeStreamName(task.Stream, c.cfg.Prefix)
	if err != nil {
		return err
	}
	state, err := c.GetDoc(ctx, room, docid)
	if err != nil {
		return err
	}
	lastMs := max(logstore.Ms(state.LastID), logstore.Ms(task.ID))

	if state.Changed {
		c.runUpdateCallback(ctx, cb, room, state.Doc)
		if err := c.store.PersistDoc(ctx, room, docid, state.Doc); err != nil {
			return fmt.Errorf("persist %s/%s: %w", room, docid, err)
		}
	}

	minID := logstore.MinID(lastMs, c.cfg.MinMessageLifetime)
	g, gctx := errgroup.WithContext(ctx)
	if state.Changed && len(state.References) > 0 {
		g.Go(func() error {
			return c.store.DeleteReferences(gctx, room, docid, state.References)
		})
	}
	g.Go(func() error {
		return c.log.TrimAndRotate(gctx, task, minID)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	metrics.CompactionTasks.WithLabelValues("compacted").Inc()
	c.logger.Debug().Str("stream", task.Stream).Str("task", task.ID).Str("min_id", minID).Msg("compacted stream")
	return nil
}

func (c *Client) runUpdateCallback(ctx context.Context, cb UpdateCallback, room string, doc *crdt.Doc) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			metrics.UpdateCallbackFailures.Inc()
			c.logger.Error().Interface("panic", r).Str("room", room).Msg("update callback panicked")
		}
	}()
	if err := cb(ctx, room, doc); err != nil {
		metrics.UpdateCallbackFailures.Inc()
		c.logger.Error().Err(err).Str("room", room).Msg("update callback failed")
	}
}

// Worker runs ConsumeWorkerQueue until its context is cancelled. Several
// workers may run against the same log store.
type Worker struct {
	client *Client
	opts   WorkerOpts
}

// NewWorker returns a worker for client.
func NewWorker(client *Client, opts WorkerOpts) *Worker {
	return &Worker{client: client, opts: opts}
}

// Serve implements suture.Service.
func (w *Worker) Serve(ctx context.Context) error {
	log := w.client.logger
	log.Info().
		Str("consumer", w.client.consumer).
		Str("prefix", w.client.cfg.Prefix).
		Dur("min_message_lifetime", w.client.cfg.MinMessageLifetime).
		Msg("worker started")
	for ctx.Err() == nil {
		if _, err := w.client.ConsumeWorkerQueue(ctx, w.opts); err != nil && ctx.Err() == nil {
			metrics.WorkerErrors.Inc()
			log.Error().Err(err).Msg("worker iteration failed")
			sleep(ctx, w.client.cfg.IdlePause)
		}
	}
	log.Info().Str("consumer", w.client.consumer).Msg("worker stopped")
	return ctx.Err()
}

func (w *Worker) String() string { return "worker" }
