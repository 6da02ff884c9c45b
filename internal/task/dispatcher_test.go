package task

import (
	"context"
	"errors"
	"testing"

	"github.com/dbporter/dbporter/internal/dberr"
)

type stubRunner struct {
	outcome Outcome
	err     error
	calls   int
}

func (r *stubRunner) Execute(_ context.Context, _ *Task) (Outcome, error) {
	r.calls++
	return r.outcome, r.err
}

func claimOne(t *testing.T, s *Store) *Task {
	t.Helper()
	claimed, err := s.Claim(context.Background())
	if err != nil {
		t.Fatalf("Claim error: %v", err)
	}
	if claimed == nil {
		t.Fatal("Claim returned nothing")
	}
	return claimed
}

func TestExecuteSuccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Enqueue(ctx, KindExport, "p1", Params{Storage: "disk", Table: "a"})
	claimed := claimOne(t, s)

	runner := &stubRunner{outcome: Outcome{Rows: 10, Bytes: 200, FailedOffset: -1}}
	d := NewDispatcher(s, runner, 1, 3)
	d.execute(ctx, 0, claimed)

	got, _ := s.Get(ctx, claimed.ID)
	if got.State != StateCompleted {
		t.Fatalf("state = %s, want completed", got.State)
	}
	if runner.calls != 1 {
		t.Fatalf("runner called %d times, want 1", runner.calls)
	}

	// Lock released: the same table is claimable again.
	s.Enqueue(ctx, KindExport, "p1", Params{Storage: "disk", Table: "a"})
	claimOne(t, s)
}

func TestExecuteTransientRequeues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Enqueue(ctx, KindExport, "p1", Params{Storage: "disk", Table: "a"})
	claimed := claimOne(t, s)

	runner := &stubRunner{
		outcome: Outcome{FailedOffset: -1},
		err:     &dberr.ConnectionError{Engine: "postgres", Addr: "db:5432", Err: errors.New("refused")},
	}
	d := NewDispatcher(s, runner, 1, 3)
	d.execute(ctx, 0, claimed)

	got, _ := s.Get(ctx, claimed.ID)
	if got.State != StateQueued {
		t.Fatalf("state = %s, want queued", got.State)
	}
	if got.RetryCount != 1 {
		t.Fatalf("RetryCount = %d, want 1", got.RetryCount)
	}
	if got.NotBefore == nil {
		t.Fatal("transient requeue set no backoff delay")
	}
}

func TestExecuteTransientExhaustsRetries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Enqueue(ctx, KindExport, "p1", Params{Storage: "disk", Table: "a"})
	runner := &stubRunner{
		outcome: Outcome{FailedOffset: -1},
		err:     &dberr.ConnectionError{Engine: "postgres", Addr: "db:5432", Err: errors.New("refused")},
	}
	d := NewDispatcher(s, runner, 1, 1)

	d.execute(ctx, 0, claimOne(t, s))
	// Clear the backoff so the retry attempt is claimable now.
	if _, err := s.db.Exec("UPDATE tasks SET not_before = NULL"); err != nil {
		t.Fatalf("clearing not_before: %v", err)
	}
	claimed := claimOne(t, s)
	if claimed.RetryCount != 1 {
		t.Fatalf("RetryCount = %d, want 1", claimed.RetryCount)
	}
	d.execute(ctx, 0, claimed)

	got, _ := s.Get(ctx, claimed.ID)
	if got.State != StateFailed {
		t.Fatalf("state = %s, want failed after retries exhausted", got.State)
	}
	if got.Error == "" {
		t.Fatal("failed task recorded no error")
	}
}

func TestExecuteUserCancel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Enqueue(ctx, KindImport, "p1", Params{Storage: "disk", Table: "a", Path: "a.csv"})
	claimed := claimOne(t, s)
	if ok, _ := s.RequestCancel(ctx, claimed.ID); !ok {
		t.Fatal("RequestCancel refused a running task")
	}

	runner := &stubRunner{err: &dberr.CancelledError{CommittedOffset: 4000}}
	d := NewDispatcher(s, runner, 1, 3)
	d.execute(ctx, 0, claimed)

	got, _ := s.Get(ctx, claimed.ID)
	if got.State != StateCancelled {
		t.Fatalf("state = %s, want cancelled", got.State)
	}
	if got.FailedOffset != 4000 {
		t.Fatalf("FailedOffset = %d, want the committed offset 4000", got.FailedOffset)
	}
}

// A shutdown-interrupted task goes back to the queue instead of being
// marked cancelled: nobody asked for it to stop.
func TestExecuteShutdownReturnsTaskToQueue(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	s.Enqueue(context.Background(), KindExport, "p1", Params{Storage: "disk", Table: "a"})
	claimed := claimOne(t, s)

	cancel()
	runner := &stubRunner{err: context.Canceled}
	d := NewDispatcher(s, runner, 1, 3)
	d.execute(ctx, 0, claimed)

	got, _ := s.Get(context.Background(), claimed.ID)
	if got.State != StateQueued {
		t.Fatalf("state = %s, want queued", got.State)
	}
	if got.RetryCount != 0 {
		t.Fatalf("RetryCount = %d, want 0 for a shutdown interruption", got.RetryCount)
	}
}

func TestExecuteIntegrityFailureIsNotRetried(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Enqueue(ctx, KindImport, "p1", Params{Storage: "disk", Table: "a", Path: "a.csv"})
	claimed := claimOne(t, s)

	runner := &stubRunner{
		outcome: Outcome{FailedOffset: 2000},
		err:     &dberr.SchemaMismatchError{Table: "a", Detail: "unknown column ghost"},
	}
	d := NewDispatcher(s, runner, 1, 3)
	d.execute(ctx, 0, claimed)

	got, _ := s.Get(ctx, claimed.ID)
	if got.State != StateFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if got.RetryCount != 0 {
		t.Fatalf("RetryCount = %d, integrity errors must not be retried", got.RetryCount)
	}
	if got.FailedOffset != 2000 {
		t.Fatalf("FailedOffset = %d, want 2000", got.FailedOffset)
	}
}
