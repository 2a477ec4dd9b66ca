package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"cuenly-ingest/internal/model"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb)
}

func TestEnqueueDequeueFinish(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, model.QueueDefault, "process_emails_job", []any{"acct-1"}, EnqueueOptions{
		Kwargs: map[string]any{"owner_email": "owner@example.com"},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, err := q.Dequeue(ctx, model.QueueDefault, time.Second)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if job == nil || job.ID != id {
		t.Fatalf("expected job %s, got %+v", id, job)
	}
	if job.Status != model.JobStarted {
		t.Fatalf("expected started status, got %s", job.Status)
	}

	if err := q.Finish(ctx, model.QueueDefault, id, map[string]any{"processed": 1}); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	status, err := q.Status(ctx, id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Status != model.JobFinished {
		t.Fatalf("expected finished, got %s", status.Status)
	}
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	q := newTestQueue(t)
	job, err := q.Dequeue(context.Background(), model.QueueHigh, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if job != nil {
		t.Fatalf("expected nil job on empty queue, got %+v", job)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, model.QueueDefault, "process_emails_job", nil, EnqueueOptions{
		Kwargs: map[string]any{"owner_email": "owner@example.com"},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := q.Cancel(ctx, id, "owner@example.com"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	status, err := q.Status(ctx, id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Status != model.JobCancelled {
		t.Fatalf("expected cancelled, got %s", status.Status)
	}

	// A cancelled job must not be dequeued.
	job, err := q.Dequeue(ctx, model.QueueDefault, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if job != nil {
		t.Fatalf("expected no job after cancel, got %+v", job)
	}
}

func TestCancelStartedJobSetsStopFlag(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, model.QueueHigh, "process_emails_job", nil, EnqueueOptions{
		Kwargs: map[string]any{"owner_email": "owner@example.com"},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx, model.QueueHigh, time.Second); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	if err := q.Cancel(ctx, id, "owner@example.com"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	stopped, err := q.IsStopRequested(ctx, id)
	if err != nil {
		t.Fatalf("IsStopRequested: %v", err)
	}
	if !stopped {
		t.Fatalf("expected stop flag set for started job")
	}
}

func TestFindActiveRangeJobsFiltersByOwnerAndName(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	matchID, err := q.Enqueue(ctx, model.QueueDefault, "process_emails_range_job", nil, EnqueueOptions{
		Kwargs: map[string]any{"owner_email": "owner@example.com"},
	})
	if err != nil {
		t.Fatalf("Enqueue match: %v", err)
	}
	if _, err := q.Enqueue(ctx, model.QueueDefault, "process_emails_range_job", nil, EnqueueOptions{
		Kwargs: map[string]any{"owner_email": "other@example.com"},
	}); err != nil {
		t.Fatalf("Enqueue other owner: %v", err)
	}
	if _, err := q.Enqueue(ctx, model.QueueDefault, "process_single_email_job", nil, EnqueueOptions{
		Kwargs: map[string]any{"owner_email": "owner@example.com"},
	}); err != nil {
		t.Fatalf("Enqueue other func: %v", err)
	}

	found, err := q.FindActiveRangeJobs(ctx, "owner@example.com")
	if err != nil {
		t.Fatalf("FindActiveRangeJobs: %v", err)
	}
	if len(found) != 1 || found[0].ID != matchID {
		t.Fatalf("expected exactly the matching range job, got %+v", found)
	}
}
