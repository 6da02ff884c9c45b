package task

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnqueueGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	queued, err := s.Enqueue(ctx, KindExport, "prof-1", Params{
		Storage: "disk", Table: "orders", Format: "csv",
	})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if queued.ID == "" {
		t.Fatal("Enqueue assigned no id")
	}

	got, err := s.Get(ctx, queued.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.State != StateQueued {
		t.Fatalf("state = %s, want queued", got.State)
	}
	if got.Kind != KindExport || got.ProfileID != "prof-1" {
		t.Fatalf("got kind=%s profile=%s", got.Kind, got.ProfileID)
	}
	if got.Params.Table != "orders" || got.Params.Format != "csv" {
		t.Fatalf("params not round-tripped: %+v", got.Params)
	}
	if got.FailedOffset != -1 {
		t.Fatalf("FailedOffset = %d, want -1", got.FailedOffset)
	}
}

func TestGetUnknown(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), "nope"); err != ErrNotFound {
		t.Fatalf("Get unknown = %v, want ErrNotFound", err)
	}
}

func TestClaimFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, _ := s.Enqueue(ctx, KindExport, "p1", Params{Storage: "disk", Table: "a"})
	time.Sleep(time.Millisecond)
	second, _ := s.Enqueue(ctx, KindExport, "p2", Params{Storage: "disk", Table: "b"})

	got, err := s.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim error: %v", err)
	}
	if got == nil || got.ID != first.ID {
		t.Fatalf("first claim got %v, want task %s", got, first.ID)
	}
	if got.State != StateRunning || got.StartedAt == nil {
		t.Fatalf("claimed task not running: state=%s started=%v", got.State, got.StartedAt)
	}

	got, err = s.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim error: %v", err)
	}
	if got == nil || got.ID != second.ID {
		t.Fatalf("second claim got %v, want task %s", got, second.ID)
	}

	got, err = s.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim error: %v", err)
	}
	if got != nil {
		t.Fatalf("empty queue claimed task %s", got.ID)
	}
}

func TestClaimSameTableBlocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Enqueue(ctx, KindExport, "p1", Params{Storage: "disk", Table: "orders"})
	time.Sleep(time.Millisecond)
	blocked, _ := s.Enqueue(ctx, KindImport, "p1", Params{Storage: "disk", Table: "orders", Path: "x.csv"})

	if first, _ := s.Claim(ctx); first == nil {
		t.Fatal("first claim returned nothing")
	}
	got, err := s.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim error: %v", err)
	}
	if got != nil {
		t.Fatalf("claimed %s while its table lock was held", got.ID)
	}

	// The blocked task gets a short postponement instead of spinning.
	b, _ := s.Get(ctx, blocked.ID)
	if b.NotBefore == nil {
		t.Fatal("blocked task was not postponed")
	}
}

func TestClaimDifferentTablesRunInParallel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Enqueue(ctx, KindExport, "p1", Params{Storage: "disk", Table: "orders"})
	time.Sleep(time.Millisecond)
	s.Enqueue(ctx, KindExport, "p1", Params{Storage: "disk", Table: "customers"})

	if first, _ := s.Claim(ctx); first == nil {
		t.Fatal("first claim returned nothing")
	}
	second, err := s.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim error: %v", err)
	}
	if second == nil {
		t.Fatal("claim of a different table was blocked")
	}
}

func TestBackupTakesProfileWideLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Enqueue(ctx, KindBackup, "p1", Params{Storage: "disk"})
	time.Sleep(time.Millisecond)
	s.Enqueue(ctx, KindExport, "p1", Params{Storage: "disk", Table: "orders"})
	time.Sleep(time.Millisecond)
	other, _ := s.Enqueue(ctx, KindExport, "p2", Params{Storage: "disk", Table: "orders"})

	backup, _ := s.Claim(ctx)
	if backup == nil || backup.Kind != KindBackup {
		t.Fatalf("first claim = %v, want the backup", backup)
	}

	// The export on p1 is excluded by the profile lock; p2 is free.
	got, err := s.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim error: %v", err)
	}
	if got == nil || got.ID != other.ID {
		t.Fatalf("claim during backup = %v, want the p2 export %s", got, other.ID)
	}

	// Finishing the backup frees the profile. The blocked export was
	// postponed, so enqueue a fresh p1 task to prove the lock is gone.
	if err := s.Finish(ctx, backup.ID, StateCompleted, "", -1); err != nil {
		t.Fatalf("Finish error: %v", err)
	}
	fresh, _ := s.Enqueue(ctx, KindExport, "p1", Params{Storage: "disk", Table: "customers"})
	got, _ = s.Claim(ctx)
	if got == nil || got.ID != fresh.ID {
		t.Fatalf("claim after backup finished = %v, want %s", got, fresh.ID)
	}
}

func TestRequestCancel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	queued, _ := s.Enqueue(ctx, KindExport, "p1", Params{Storage: "disk", Table: "a"})
	ok, err := s.RequestCancel(ctx, queued.ID)
	if err != nil || !ok {
		t.Fatalf("RequestCancel(queued) = %v, %v", ok, err)
	}
	got, _ := s.Get(ctx, queued.ID)
	if got.State != StateCancelled {
		t.Fatalf("queued task state = %s, want cancelled", got.State)
	}

	// Cancelling a running task only sets the flag.
	s.Enqueue(ctx, KindExport, "p1", Params{Storage: "disk", Table: "b"})
	running, _ := s.Claim(ctx)
	ok, err = s.RequestCancel(ctx, running.ID)
	if err != nil || !ok {
		t.Fatalf("RequestCancel(running) = %v, %v", ok, err)
	}
	got, _ = s.Get(ctx, running.ID)
	if got.State != StateRunning {
		t.Fatalf("running task state = %s, want running", got.State)
	}
	flagged, err := s.CancelRequested(ctx, running.ID)
	if err != nil || !flagged {
		t.Fatalf("CancelRequested = %v, %v, want true", flagged, err)
	}

	// Terminal tasks are not cancellable.
	ok, err = s.RequestCancel(ctx, queued.ID)
	if err != nil {
		t.Fatalf("RequestCancel(terminal) error: %v", err)
	}
	if ok {
		t.Fatal("RequestCancel accepted a terminal task")
	}
}

func TestUpdateProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Enqueue(ctx, KindExport, "p1", Params{Storage: "disk", Table: "a"})
	running, _ := s.Claim(ctx)

	if err := s.UpdateProgress(ctx, running.ID, "exporting", 4000, 123456); err != nil {
		t.Fatalf("UpdateProgress error: %v", err)
	}
	got, _ := s.Get(ctx, running.ID)
	if got.Phase != "exporting" || got.Rows != 4000 || got.Bytes != 123456 {
		t.Fatalf("progress not recorded: phase=%s rows=%d bytes=%d", got.Phase, got.Rows, got.Bytes)
	}
}

func TestRequeueDelaysAndCountsAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Enqueue(ctx, KindExport, "p1", Params{Storage: "disk", Table: "a"})
	running, _ := s.Claim(ctx)

	notBefore := time.Now().Add(time.Hour)
	if err := s.Requeue(ctx, running.ID, "connection reset", notBefore); err != nil {
		t.Fatalf("Requeue error: %v", err)
	}
	got, _ := s.Get(ctx, running.ID)
	if got.State != StateQueued || got.RetryCount != 1 {
		t.Fatalf("state=%s retries=%d, want queued/1", got.State, got.RetryCount)
	}
	if got.NotBefore == nil || got.NotBefore.Before(time.Now()) {
		t.Fatalf("NotBefore = %v, want in the future", got.NotBefore)
	}

	// Delayed tasks are invisible to Claim until due.
	claimed, err := s.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim error: %v", err)
	}
	if claimed != nil {
		t.Fatalf("claimed delayed task %s before its not_before", claimed.ID)
	}
}

func TestReturnToQueueKeepsAttemptCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Enqueue(ctx, KindExport, "p1", Params{Storage: "disk", Table: "a"})
	running, _ := s.Claim(ctx)

	if err := s.ReturnToQueue(ctx, running.ID); err != nil {
		t.Fatalf("ReturnToQueue error: %v", err)
	}
	got, _ := s.Get(ctx, running.ID)
	if got.State != StateQueued || got.RetryCount != 0 {
		t.Fatalf("state=%s retries=%d, want queued/0", got.State, got.RetryCount)
	}

	// Immediately claimable again, lock released.
	claimed, err := s.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim error: %v", err)
	}
	if claimed == nil || claimed.ID != running.ID {
		t.Fatalf("reclaim = %v, want %s", claimed, running.ID)
	}
}

func TestRetryClonesTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Enqueue(ctx, KindImport, "p1", Params{Storage: "disk", Table: "orders", Path: "o.csv"})
	running, _ := s.Claim(ctx)
	if err := s.Finish(ctx, running.ID, StateFailed, "sink write failed", 6000); err != nil {
		t.Fatalf("Finish error: %v", err)
	}

	clone, err := s.Retry(ctx, running.ID)
	if err != nil {
		t.Fatalf("Retry error: %v", err)
	}
	if clone.RetryOf != running.ID {
		t.Fatalf("RetryOf = %q, want %q", clone.RetryOf, running.ID)
	}
	got, _ := s.Get(ctx, clone.ID)
	if got.State != StateQueued {
		t.Fatalf("clone state = %s, want queued", got.State)
	}
	// Failed imports resume where they left off.
	if got.Params.StartOffset != 6000 {
		t.Fatalf("clone StartOffset = %d, want 6000", got.Params.StartOffset)
	}
}

func TestRetryRejectsLiveTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	queued, _ := s.Enqueue(ctx, KindExport, "p1", Params{Storage: "disk", Table: "a"})
	if _, err := s.Retry(ctx, queued.ID); err == nil {
		t.Fatal("Retry accepted a queued task")
	}
}

func TestPruneBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Enqueue(ctx, KindExport, "p1", Params{Storage: "disk", Table: "a"})
	running, _ := s.Claim(ctx)
	s.Finish(ctx, running.ID, StateCompleted, "", -1)
	live, _ := s.Enqueue(ctx, KindExport, "p1", Params{Storage: "disk", Table: "b"})

	n, err := s.PruneBefore(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("PruneBefore error: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d tasks, want 1", n)
	}
	if _, err := s.Get(ctx, running.ID); err != ErrNotFound {
		t.Fatalf("finished task survived prune: %v", err)
	}
	if _, err := s.Get(ctx, live.ID); err != nil {
		t.Fatalf("queued task was pruned: %v", err)
	}
}

func TestRecoverOrphans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Enqueue(ctx, KindExport, "p1", Params{Storage: "disk", Table: "a"})
	running, _ := s.Claim(ctx)

	// Simulate an unclean shutdown: the task is still marked running.
	n, err := s.RecoverOrphans(ctx)
	if err != nil {
		t.Fatalf("RecoverOrphans error: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d tasks, want 1", n)
	}
	got, _ := s.Get(ctx, running.ID)
	if got.State != StateQueued {
		t.Fatalf("orphan state = %s, want queued", got.State)
	}
	reclaimed, err := s.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim error: %v", err)
	}
	if reclaimed == nil || reclaimed.ID != running.ID {
		t.Fatalf("reclaim after recovery = %v, want %s", reclaimed, running.ID)
	}
}

func TestListFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Enqueue(ctx, KindExport, "p1", Params{Storage: "disk", Table: "a"})
	time.Sleep(time.Millisecond)
	s.Enqueue(ctx, KindExport, "p1", Params{Storage: "disk", Table: "b"})
	running, _ := s.Claim(ctx)
	s.Finish(ctx, running.ID, StateCompleted, "", -1)

	all, err := s.List(ctx, "", 0)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("List all = %d tasks, want 2", len(all))
	}
	done, err := s.List(ctx, StateCompleted, 0)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(done) != 1 || done[0].ID != running.ID {
		t.Fatalf("List completed = %+v", done)
	}
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{10, retryMaxDelay},
	}
	for _, tt := range tests {
		if got := retryDelay(tt.attempt); got != tt.want {
			t.Fatalf("retryDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
