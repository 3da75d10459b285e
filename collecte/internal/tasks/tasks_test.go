package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/collecte/dbopen"
)

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	db := dbopen.OpenMemory(t)
	l, err := New(db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func createTask(t *testing.T, l *Ledger, id string) *Task {
	t.Helper()
	task := &Task{TaskID: id, ProjectKey: "acme", Domain: "news"}
	if err := l.Create(context.Background(), task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return task
}

// WHAT: only queued→running→{succeeded,failed,cancelled} transitions are
// legal; terminal states reject any further change.
func TestStatusLifecycle(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	createTask(t, l, "t1")

	// queued → succeeded skips running: illegal.
	if err := l.SetStatus(ctx, "t1", StatusSucceeded, ""); !errors.Is(err, ErrBadTransition) {
		t.Errorf("queued→succeeded err = %v, want ErrBadTransition", err)
	}

	if err := l.SetStatus(ctx, "t1", StatusRunning, ""); err != nil {
		t.Fatalf("queued→running: %v", err)
	}
	got, _ := l.Get(ctx, "t1")
	if got.StartedAt == 0 {
		t.Error("started_at not stamped")
	}

	if err := l.SetStatus(ctx, "t1", StatusSucceeded, ""); err != nil {
		t.Fatalf("running→succeeded: %v", err)
	}
	got, _ = l.Get(ctx, "t1")
	if got.FinishedAt == 0 {
		t.Error("finished_at not stamped")
	}

	// Terminal: no way out.
	for _, to := range []Status{StatusRunning, StatusFailed, StatusCancelled, StatusQueued} {
		if err := l.SetStatus(ctx, "t1", to, ""); !errors.Is(err, ErrBadTransition) {
			t.Errorf("succeeded→%s err = %v, want ErrBadTransition", to, err)
		}
	}
}

// WHAT: RequestCancel is idempotent and reports already-terminal tasks
// without erroring.
func TestRequestCancelIdempotent(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	createTask(t, l, "t1")

	for i := 0; i < 3; i++ {
		ok, err := l.RequestCancel(ctx, "t1")
		if err != nil {
			t.Fatalf("RequestCancel #%d: %v", i, err)
		}
		if !ok {
			t.Errorf("RequestCancel #%d = false, want accepted", i)
		}
	}
	flagged, err := l.CancelRequested(ctx, "t1")
	if err != nil || !flagged {
		t.Fatalf("CancelRequested = %v, %v", flagged, err)
	}

	if err := l.SetStatus(ctx, "t1", StatusRunning, ""); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := l.SetStatus(ctx, "t1", StatusCancelled, "cancelled by operator"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	ok, err := l.RequestCancel(ctx, "t1")
	if err != nil {
		t.Fatalf("RequestCancel terminal: %v", err)
	}
	if ok {
		t.Error("RequestCancel on terminal task = accepted, want already-terminal")
	}
}

// WHAT: log entries come back in append order via seq, and Excerpt
// returns the tail still ordered oldest-first.
func TestLogMonotonic(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	createTask(t, l, "t1")

	for i := 0; i < 10; i++ {
		if err := l.AppendLog(ctx, "t1", "info", "item-a", fmt.Sprintf("step %d", i)); err != nil {
			t.Fatalf("AppendLog: %v", err)
		}
	}

	entries, err := l.Excerpt(ctx, "t1", 4)
	if err != nil {
		t.Fatalf("Excerpt: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("entries = %d, want 4", len(entries))
	}
	if entries[0].Message != "step 6" || entries[3].Message != "step 9" {
		t.Errorf("tail = %q..%q, want step 6..step 9", entries[0].Message, entries[3].Message)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq <= entries[i-1].Seq {
			t.Errorf("seq not increasing: %d then %d", entries[i-1].Seq, entries[i].Seq)
		}
	}
}

// WHAT: AddCounts accumulates, and unknown tasks surface ErrTaskNotFound.
func TestAddCounts(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	createTask(t, l, "t1")

	if err := l.AddCounts(ctx, "t1", 2, 1, 0, 0); err != nil {
		t.Fatalf("AddCounts: %v", err)
	}
	if err := l.AddCounts(ctx, "t1", 1, 0, 3, 1); err != nil {
		t.Fatalf("AddCounts: %v", err)
	}
	got, _ := l.Get(ctx, "t1")
	if got.Inserted != 3 || got.Updated != 1 || got.Dropped != 3 || got.FailedItems != 1 {
		t.Errorf("counts = %+v", got)
	}

	if err := l.AddCounts(ctx, "nope", 1, 0, 0, 0); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("err = %v, want ErrTaskNotFound", err)
	}
}

// WHAT: concurrent AddCounts across many more tasks than lock stripes
// still accumulate correctly on every task.
// WHY: tasks sharing a stripe must only contend, never corrupt.
func TestAddCountsConcurrentAcrossStripes(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	const nTasks = 3 * lockStripes
	const perTask = 5
	for i := 0; i < nTasks; i++ {
		createTask(t, l, fmt.Sprintf("t%03d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < nTasks; i++ {
		id := fmt.Sprintf("t%03d", i)
		for j := 0; j < perTask; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := l.AddCounts(ctx, id, 1, 0, 0, 1); err != nil {
					t.Errorf("AddCounts %s: %v", id, err)
				}
			}()
		}
	}
	wg.Wait()

	for i := 0; i < nTasks; i++ {
		got, err := l.Get(ctx, fmt.Sprintf("t%03d", i))
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Inserted != perTask || got.FailedItems != perTask {
			t.Errorf("%s counts = inserted=%d failed=%d, want %d/%d",
				got.TaskID, got.Inserted, got.FailedItems, perTask, perTask)
		}
	}
}

// WHAT: the requested project and the fallback flag survive the ledger
// round trip on Get and List.
func TestProjectFallbackPersisted(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	task := &Task{
		TaskID: "t1", ProjectKey: "default",
		RequestedProject: "ghost", ProjectFallback: true,
		Domain: "news",
	}
	if err := l.Create(ctx, task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := l.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RequestedProject != "ghost" || !got.ProjectFallback {
		t.Errorf("task = %+v, fallback not persisted", got)
	}

	list, err := l.List(ctx, Filter{Project: "default"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || !list[0].ProjectFallback {
		t.Errorf("list = %+v", list)
	}
}

// WHAT: List filters by project, domain and status.
func TestListFilters(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	for i, spec := range []struct {
		project, domain string
	}{
		{"acme", "news"}, {"acme", "legal"}, {"globex", "news"},
	} {
		task := &Task{TaskID: fmt.Sprintf("t%d", i), ProjectKey: spec.project, Domain: spec.domain}
		if err := l.Create(ctx, task); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if err := l.SetStatus(ctx, "t0", StatusRunning, ""); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	got, err := l.List(ctx, Filter{Project: "acme"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("acme tasks = %d, want 2", len(got))
	}

	got, err = l.List(ctx, Filter{Domain: "news", Status: StatusQueued})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].TaskID != "t2" {
		t.Errorf("queued news tasks = %+v", got)
	}
}

func TestGetNotFound(t *testing.T) {
	l := testLedger(t)
	if _, err := l.Get(context.Background(), "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("err = %v, want ErrTaskNotFound", err)
	}
}
