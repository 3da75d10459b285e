package vtq_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/collecte/dbopen"
	"github.com/hazyhaar/collecte/vtq"
)

func newQ(t *testing.T, db *sql.DB, opts vtq.Options) *vtq.Q {
	t.Helper()
	q := vtq.New(db, opts)
	if err := q.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	return q
}

func TestPublishAndClaim(t *testing.T) {
	db := dbopen.OpenMemory(t)
	q := newQ(t, db, vtq.Options{Visibility: time.Second})
	ctx := context.Background()

	if err := q.Publish(ctx, "t1", []byte(`{"task_id":"t1"}`)); err != nil {
		t.Fatal(err)
	}

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("expected a job")
	}
	if job.ID != "t1" {
		t.Fatalf("got id %q, want t1", job.ID)
	}
	if job.Attempts != 1 {
		t.Fatalf("got attempts %d, want 1", job.Attempts)
	}

	// Second claim returns nil — job is invisible while held.
	job2, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job2 != nil {
		t.Fatal("expected nil, job should be invisible")
	}
}

func TestAckRemoves(t *testing.T) {
	db := dbopen.OpenMemory(t)
	q := newQ(t, db, vtq.Options{Visibility: time.Second})
	ctx := context.Background()

	q.Publish(ctx, "t1", nil)
	job, _ := q.Claim(ctx)
	if err := q.Ack(ctx, job.ID); err != nil {
		t.Fatal(err)
	}

	n, _ := q.Len(ctx)
	if n != 0 {
		t.Fatalf("queue should be empty after ack, got %d", n)
	}
}

func TestNackRedelivers(t *testing.T) {
	db := dbopen.OpenMemory(t)
	q := newQ(t, db, vtq.Options{Visibility: 10 * time.Second})
	ctx := context.Background()

	q.Publish(ctx, "t1", []byte("retry-me"))
	job, _ := q.Claim(ctx)

	if err := q.Nack(ctx, job.ID); err != nil {
		t.Fatal(err)
	}

	job2, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job2 == nil {
		t.Fatal("expected job after nack")
	}
	if job2.Attempts != 2 {
		t.Fatalf("got attempts %d, want 2", job2.Attempts)
	}
}

func TestVisibilityTimeoutExpires(t *testing.T) {
	// WHAT: A claimed job reappears once its visibility window passes.
	// WHY: Crash recovery for async collection runs depends on this.
	db := dbopen.OpenMemory(t)
	q := newQ(t, db, vtq.Options{Visibility: 50 * time.Millisecond})
	ctx := context.Background()

	q.Publish(ctx, "t1", nil)
	q.Claim(ctx)

	if job, _ := q.Claim(ctx); job != nil {
		t.Fatal("job should still be invisible")
	}

	time.Sleep(80 * time.Millisecond)
	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("job should be visible again after timeout")
	}
}

func TestClaimOrder(t *testing.T) {
	// WHAT: Claims come back oldest-first.
	db := dbopen.OpenMemory(t)
	q := newQ(t, db, vtq.Options{Visibility: time.Minute})
	ctx := context.Background()

	q.Publish(ctx, "a", nil)
	time.Sleep(2 * time.Millisecond)
	q.Publish(ctx, "b", nil)

	first, _ := q.Claim(ctx)
	second, _ := q.Claim(ctx)
	if first == nil || second == nil {
		t.Fatal("expected two jobs")
	}
	if first.ID != "a" || second.ID != "b" {
		t.Fatalf("order: got %s then %s", first.ID, second.ID)
	}
}

func TestExtend(t *testing.T) {
	db := dbopen.OpenMemory(t)
	q := newQ(t, db, vtq.Options{Visibility: 50 * time.Millisecond})
	ctx := context.Background()

	q.Publish(ctx, "t1", nil)
	job, _ := q.Claim(ctx)
	if err := q.Extend(ctx, job.ID, time.Minute); err != nil {
		t.Fatal(err)
	}

	time.Sleep(80 * time.Millisecond)
	if j, _ := q.Claim(ctx); j != nil {
		t.Fatal("extended job should remain invisible")
	}
}
