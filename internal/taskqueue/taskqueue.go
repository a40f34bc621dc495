// Package taskqueue is the durable, at-least-once queue that decouples
// relational commits (an order matched, a settlement is pending) from
// blockchain RPC calls. Workers lease a batch of due tasks, hand each to a
// Handler, and feed the result back through an
// exponential-backoff-with-jitter retry schedule, moving a task through
// pending -> in_progress -> completed/failed/dead_letter.
package taskqueue

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"gridsettle/internal/apperr"
	"gridsettle/internal/db"
	"gridsettle/internal/model"
)

// Handler executes one task's side effect (a chain RPC, typically) and
// returns an error classified through apperr so the worker knows whether to
// retry or dead-letter.
type Handler func(ctx context.Context, task model.BlockchainTask) (result string, err error)

type Worker struct {
	store *db.Store

	maxAttempts     int
	initialBackoff  time.Duration
	backoffMultiple float64
	maxBackoff      time.Duration
	batchSize       int
	leaseDuration   time.Duration

	handlers map[model.TaskKind]Handler

	// completed/deadLettered count tasks processed by this Worker; they are
	// atomic since RunDueOnce may be driven by more than one goroutine at once.
	completed    atomic.Int64
	deadLettered atomic.Int64
}

func NewWorker(store *db.Store, maxAttempts int, initialBackoff time.Duration, multiple float64, maxBackoff time.Duration, batchSize int) *Worker {
	return &Worker{
		store:           store,
		maxAttempts:     maxAttempts,
		initialBackoff:  initialBackoff,
		backoffMultiple: multiple,
		maxBackoff:      maxBackoff,
		batchSize:       batchSize,
		leaseDuration:   2 * time.Minute,
		handlers:        make(map[model.TaskKind]Handler),
	}
}

func (w *Worker) Register(kind model.TaskKind, h Handler) { w.handlers[kind] = h }

// Stats reports the running totals of tasks this worker has completed and
// dead-lettered since process start, for /health or periodic log lines.
func (w *Worker) Stats() (completed, deadLettered int64) {
	return w.completed.Load(), w.deadLettered.Load()
}

// Enqueue is a convenience wrapper for callers outside a larger transaction
// (e.g. a standalone admin action); matching-engine code enqueues tasks
// directly via db.EnqueueTask inside its own settlement transaction instead.
func (w *Worker) Enqueue(ctx context.Context, kind model.TaskKind, payload any) (string, error) {
	tx, err := w.store.BeginTx(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	id, err := db.EnqueueTask(tx, kind, payload)
	if err != nil {
		return "", err
	}
	return id, tx.Commit()
}

// RunDueOnce leases and processes one batch of due tasks. Call it from a
// ticker loop in cmd/server/main.go.
func (w *Worker) RunDueOnce(ctx context.Context) error {
	tasks, err := w.store.LeaseDueTasks(ctx, w.batchSize, w.leaseDuration)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	var errs *multierror.Error
	for _, t := range tasks {
		if err := w.process(ctx, t); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (w *Worker) process(ctx context.Context, t model.BlockchainTask) error {
	handler, ok := w.handlers[t.Kind]
	if !ok {
		return w.store.DeadLetterTask(ctx, t.ID, "no handler registered for kind "+string(t.Kind))
	}

	result, err := handler(ctx, t)
	if err == nil {
		log.Info().Str("task_id", t.ID).Str("kind", string(t.Kind)).Msg("task completed")
		w.completed.Inc()
		return w.store.CompleteTask(ctx, t.ID, result)
	}

	if !apperr.Retryable(err) || t.Attempts+1 >= w.maxAttempts {
		log.Warn().Str("task_id", t.ID).Err(err).Int("attempts", t.Attempts+1).Msg("task dead-lettered")
		w.deadLettered.Inc()
		return w.store.DeadLetterTask(ctx, t.ID, err.Error())
	}

	delay := w.backoffDelay(t.Attempts + 1)
	log.Warn().Str("task_id", t.ID).Err(err).Dur("retry_in", delay).Msg("task retry scheduled")
	return w.store.RetryTask(ctx, t.ID, time.Now().Add(delay), err.Error())
}

// backoffDelay computes min(initial * multiplier^(attempt-1), max) with
// +/-20% jitter, capped again at max after jitter. cenkalti/backoff/v4's
// ExponentialBackOff only holds the parameters here; the growth, cap and
// jitter are computed directly below.
func (w *Worker) backoffDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.initialBackoff
	b.Multiplier = w.backoffMultiple
	b.MaxInterval = w.maxBackoff
	b.RandomizationFactor = 0.2
	b.Reset()

	d := b.InitialInterval
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(d) * b.Multiplier)
		if next > b.MaxInterval {
			next = b.MaxInterval
		}
		d = next
	}
	jitter := 1 + (rand.Float64()*2-1)*b.RandomizationFactor
	d = time.Duration(float64(d) * jitter)
	if d > w.maxBackoff {
		d = w.maxBackoff
	}
	return d
}
