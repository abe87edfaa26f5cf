package dispatch

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/zerolog/log"

	"github.com/fleetsync/pkg/models"
)

// ReplyDispatchArgs queues one reply command for delivery to its worker.
type ReplyDispatchArgs struct {
	Command models.ReplyCommand `json:"command"`
}

// Kind returns the job kind for River.
func (ReplyDispatchArgs) Kind() string { return "reply_dispatch" }

// ReplyDispatchWorker emits queued commands on the owning worker's channel
// connection. Channel delivery stays at-most-once: the job runs a single
// attempt, and a send onto a dead connection is a logged failure, not a
// retry.
type ReplyDispatchWorker struct {
	river.WorkerDefaults[ReplyDispatchArgs]
	registry *Registry
}

// Work delivers one reply command.
func (w *ReplyDispatchWorker) Work(ctx context.Context, job *river.Job[ReplyDispatchArgs]) error {
	cmd := job.Args.Command
	wc, ok := w.registry.ConnForAccount(cmd.AccountID)
	if !ok {
		return fmt.Errorf("no connected worker owns account %s", cmd.AccountID)
	}
	if err := wc.Emit(models.EventReplyExecute, cmd); err != nil {
		return fmt.Errorf("failed to deliver reply command %s: %w", cmd.RequestID, err)
	}
	log.Info().
		Str("request_id", cmd.RequestID).
		Str("account_id", cmd.AccountID).
		Str("worker_id", wc.WorkerID).
		Msg("Reply command dispatched")
	return nil
}

// Queue manages the River-backed dispatch queue.
type Queue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
}

// NewQueue builds the dispatch queue on its own pgx pool.
func NewQueue(ctx context.Context, databaseURL string, registry *Registry) (*Queue, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch pool: %w", err)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &ReplyDispatchWorker{registry: registry})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create dispatch client: %w", err)
	}
	return &Queue{client: client, pool: pool}, nil
}

// Start begins working queued jobs.
func (q *Queue) Start(ctx context.Context) error {
	return q.client.Start(ctx)
}

// Stop drains workers and closes the pool.
func (q *Queue) Stop(ctx context.Context) error {
	err := q.client.Stop(ctx)
	q.pool.Close()
	return err
}

// EnqueueReply queues one reply command with a single delivery attempt, so
// the channel's at-most-once guarantee holds end to end.
func (q *Queue) EnqueueReply(ctx context.Context, cmd models.ReplyCommand) error {
	_, err := q.client.Insert(ctx, ReplyDispatchArgs{Command: cmd}, &river.InsertOpts{
		MaxAttempts: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to queue reply command %s: %w", cmd.RequestID, err)
	}
	return nil
}
