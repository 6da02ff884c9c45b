package task

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dbporter/dbporter/internal/dberr"
	"github.com/dbporter/dbporter/internal/logging"
)

// Outcome is what an execution reports back for the task record.
type Outcome struct {
	Rows         int64
	Bytes        int64
	FailedOffset int64 // -1 when not applicable
}

// Runner executes one claimed task.
type Runner interface {
	Execute(ctx context.Context, t *Task) (Outcome, error)
}

// Retry policy for transient failures: exponential backoff from
// retryBaseDelay, doubling per attempt, capped at retryMaxDelay.
const (
	DefaultMaxRetries = 3
	DefaultPoll       = 500 * time.Millisecond

	retryBaseDelay = 5 * time.Second
	retryMaxDelay  = 5 * time.Minute
)

// Dispatcher drives the worker pool: each worker claims, executes and
// finalizes tasks until the context is cancelled, then drains.
type Dispatcher struct {
	store      *Store
	runner     Runner
	workers    int
	poll       time.Duration
	maxRetries int
}

func NewDispatcher(store *Store, runner Runner, workers, maxRetries int) *Dispatcher {
	if workers <= 0 {
		workers = 2
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Dispatcher{
		store:      store,
		runner:     runner,
		workers:    workers,
		poll:       DefaultPoll,
		maxRetries: maxRetries,
	}
}

// Run recovers orphaned tasks and then blocks until ctx is cancelled.
// In-flight tasks finish their current batch and observe cancellation
// cooperatively; the pool drains before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	recovered, err := d.store.RecoverOrphans(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		logging.Warn("requeued tasks orphaned by unclean shutdown", "count", recovered)
	}

	g := new(errgroup.Group)
	for i := 0; i < d.workers; i++ {
		worker := i
		g.Go(func() error {
			d.workerLoop(ctx, worker)
			return nil
		})
	}
	g.Wait()
	logging.Info("worker pool drained")
	return nil
}

func (d *Dispatcher) workerLoop(ctx context.Context, worker int) {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		t, err := d.store.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Error("claiming task", "worker", worker, "error", err)
		} else if t != nil {
			d.execute(ctx, worker, t)
			continue // look for more work immediately
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, worker int, t *Task) {
	logging.Info("task started",
		"worker", worker, "task", t.ID, "kind", t.Kind, "profile", t.ProfileID, "attempt", t.RetryCount)

	outcome, err := d.runner.Execute(ctx, t)

	// Finalization must survive a shutdown-cancelled ctx.
	fctx := context.WithoutCancel(ctx)

	if err == nil {
		if ferr := d.store.Finish(fctx, t.ID, StateCompleted, "", -1); ferr != nil {
			logging.Error("finalizing task", "task", t.ID, "error", ferr)
		}
		logging.Info("task completed", "task", t.ID, "rows", outcome.Rows, "bytes", outcome.Bytes)
		return
	}

	switch dberr.Classify(err) {
	case dberr.ClassCancelled:
		requested, cerr := d.store.CancelRequested(fctx, t.ID)
		if cerr == nil && !requested && ctx.Err() != nil {
			// Shutdown, not a user cancel: hand the task back intact.
			if rerr := d.store.ReturnToQueue(fctx, t.ID); rerr != nil {
				logging.Error("returning task to queue", "task", t.ID, "error", rerr)
			}
			return
		}
		offset := outcome.FailedOffset
		var cancelled *dberr.CancelledError
		if errors.As(err, &cancelled) {
			offset = cancelled.CommittedOffset
		}
		if ferr := d.store.Finish(fctx, t.ID, StateCancelled, "", offset); ferr != nil {
			logging.Error("finalizing task", "task", t.ID, "error", ferr)
		}
		logging.Info("task cancelled", "task", t.ID, "committed_offset", offset)

	case dberr.ClassTransient:
		if t.RetryCount < d.maxRetries {
			delay := retryDelay(t.RetryCount)
			if rerr := d.store.Requeue(fctx, t.ID, err.Error(), time.Now().Add(delay)); rerr != nil {
				logging.Error("requeueing task", "task", t.ID, "error", rerr)
			}
			logging.Warn("task hit transient failure, will retry",
				"task", t.ID, "attempt", t.RetryCount+1, "delay", delay, "error", err)
			return
		}
		fallthrough

	default:
		if ferr := d.store.Finish(fctx, t.ID, StateFailed, err.Error(), outcome.FailedOffset); ferr != nil {
			logging.Error("finalizing task", "task", t.ID, "error", ferr)
		}
		logging.Error("task failed",
			"task", t.ID, "class", dberr.Classify(err).String(), "error", err)
	}
}

func retryDelay(attempt int) time.Duration {
	delay := retryBaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	return delay
}
