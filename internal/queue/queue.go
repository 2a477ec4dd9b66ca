// Package queue implements the Redis-backed job queue (C10). The wire
// schema and key layout are RQ-compatible per spec.md §6, so a legacy
// worker can interoperate during migration. Structurally it plays the
// role the teacher's TaskService (internal/services/tasks.go) plays —
// claim, run, mark terminal — but backed by Redis lists and hashes
// instead of GORM polling, grounded on wisbric-nightowl's
// internal/platform/redis.go client construction and
// internal/auth/ratelimit.go's pipeline/TTL idiom.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"cuenly-ingest/internal/model"
)

const (
	keyPrefix = "rq:"

	registryStarted   = "started_job_registry"
	registryDeferred  = "deferred_job_registry"
	registryScheduled = "scheduled_job_registry"
	registryFailed    = "failed_job_registry"
)

func queueListKey(q model.QueueName) string { return fmt.Sprintf("%squeue:%s", keyPrefix, q) }
func jobKey(id string) string               { return fmt.Sprintf("%sjob:%s", keyPrefix, id) }
func registryKey(q model.QueueName, name string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, name, q)
}
func stopKey(id string) string { return fmt.Sprintf("%sjob:%s:stop", keyPrefix, id) }

// wireJob mirrors the RQ-compatible hash schema from spec.md §6.
type wireJob struct {
	ID        string         `json:"id"`
	FuncName  string         `json:"func_name"`
	Queue     string         `json:"queue"`
	Args      []any          `json:"args"`
	Kwargs    map[string]any `json:"kwargs"`
	Status    string         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	Result    any            `json:"result,omitempty"`
	ExcInfo   string         `json:"exc_info,omitempty"`
}

func (w wireJob) toModel() *model.Job {
	return &model.Job{
		ID:         w.ID,
		FuncName:   w.FuncName,
		Queue:      model.QueueName(w.Queue),
		Args:       w.Args,
		Kwargs:     w.Kwargs,
		Status:     model.JobStatus(w.Status),
		CreatedAt:  w.CreatedAt,
		StartedAt:  w.StartedAt,
		FinishedAt: w.EndedAt,
		Meta:       w.Meta,
		Result:     w.Result,
		Error:      w.ExcInfo,
	}
}

// Queue is the Redis-backed job queue described in spec.md §4.10.
type Queue struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// EnqueueOptions configures a single Enqueue call.
type EnqueueOptions struct {
	Kwargs  map[string]any
	Timeout time.Duration // zero uses the queue's default per QueueName.Timeout
}

// Enqueue implements spec.md §4.10's enqueue(func, *args, priority, timeout?).
func (q *Queue) Enqueue(ctx context.Context, queueName model.QueueName, funcName string, args []any, opts EnqueueOptions) (string, error) {
	id := uuid.NewString()
	now := time.Now()

	job := wireJob{
		ID:        id,
		FuncName:  funcName,
		Queue:     string(queueName),
		Args:      args,
		Kwargs:    opts.Kwargs,
		Status:    string(model.JobQueued),
		CreatedAt: now,
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(id), payload, 0)
	pipe.RPush(ctx, queueListKey(queueName), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue job %s: %w", id, err)
	}
	return id, nil
}

// Dequeue pops the next job id off queueName (blocking up to timeout),
// moves it into the started registry, and returns the job. Callers are
// expected to call Finish/Fail when done and to poll IsStopRequested at
// cooperative checkpoints.
func (q *Queue) Dequeue(ctx context.Context, queueName model.QueueName, timeout time.Duration) (*model.Job, error) {
	res, err := q.rdb.BLPop(ctx, timeout, queueListKey(queueName)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue from %s: %w", queueName, err)
	}
	id := res[1]

	job, err := q.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}

	now := time.Now()
	job.Status = string(model.JobStarted)
	job.StartedAt = &now
	if err := q.save(ctx, job); err != nil {
		return nil, err
	}
	if err := q.rdb.ZAdd(ctx, registryKey(queueName, registryStarted), redis.Z{
		Score: float64(now.Add(queueName.Timeout()).Unix()), Member: id,
	}).Err(); err != nil {
		return nil, fmt.Errorf("register started job %s: %w", id, err)
	}
	return job.toModel(), nil
}

// Finish marks id as finished with result, clearing it from the started
// registry.
func (q *Queue) Finish(ctx context.Context, queueName model.QueueName, id string, result any) error {
	job, err := q.get(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("finish: job %s not found", id)
	}
	now := time.Now()
	job.Status = string(model.JobFinished)
	job.EndedAt = &now
	job.Result = result
	if err := q.save(ctx, job); err != nil {
		return err
	}
	return q.rdb.ZRem(ctx, registryKey(queueName, registryStarted), id).Err()
}

// Fail marks id as failed, recording excInfo, and moves it into the
// failed registry.
func (q *Queue) Fail(ctx context.Context, queueName model.QueueName, id string, excInfo string) error {
	job, err := q.get(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("fail: job %s not found", id)
	}
	now := time.Now()
	job.Status = string(model.JobFailed)
	job.EndedAt = &now
	job.ExcInfo = excInfo
	if err := q.save(ctx, job); err != nil {
		return err
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, registryKey(queueName, registryStarted), id)
	pipe.ZAdd(ctx, registryKey(queueName, registryFailed), redis.Z{Score: float64(now.Unix()), Member: id})
	_, err = pipe.Exec(ctx)
	return err
}

// Status implements spec.md §4.10's status(job_id), normalizing a
// "started" job whose lease has expired without a terminal write to
// "failed" — it was never returned by its worker.
func (q *Queue) Status(ctx context.Context, id string) (*model.Job, error) {
	job, err := q.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	if job.Status == string(model.JobStarted) && job.StartedAt != nil {
		deadline := job.StartedAt.Add(model.QueueName(job.Queue).Timeout())
		if time.Now().After(deadline) {
			job.Status = string(model.JobFailed)
			job.ExcInfo = "job lease expired without a terminal status"
		}
	}
	return job.toModel(), nil
}

// Cancel implements spec.md §4.10's cancel: queued/deferred/scheduled jobs
// are cancelled immediately by rewriting their status and removing them
// from their queue list; started jobs are asked to stop cooperatively via
// a short-lived stop flag the worker is expected to poll.
func (q *Queue) Cancel(ctx context.Context, id string, requesterOwner string) error {
	job, err := q.get(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("cancel: job %s not found", id)
	}

	if job.Meta == nil {
		job.Meta = map[string]any{}
	}
	job.Meta["cancelled_by_user"] = requesterOwner

	switch model.JobStatus(job.Status) {
	case model.JobQueued:
		q.rdb.LRem(ctx, queueListKey(model.QueueName(job.Queue)), 0, id)
		job.Status = string(model.JobCancelled)
		return q.save(ctx, job)
	case model.JobDeferred, model.JobScheduled:
		job.Status = string(model.JobCancelled)
		return q.save(ctx, job)
	case model.JobStarted:
		if err := q.save(ctx, job); err != nil {
			return err
		}
		return q.rdb.Set(ctx, stopKey(id), requesterOwner, model.QueueName(job.Queue).Timeout()).Err()
	default:
		return nil // already terminal
	}
}

// IsStopRequested lets a running worker check, at a cooperative
// checkpoint, whether Cancel was called against its job.
func (q *Queue) IsStopRequested(ctx context.Context, id string) (bool, error) {
	n, err := q.rdb.Exists(ctx, stopKey(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkStopped records that a worker honored a stop request.
func (q *Queue) MarkStopped(ctx context.Context, queueName model.QueueName, id string) error {
	job, err := q.get(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	now := time.Now()
	job.Status = string(model.JobStopped)
	job.EndedAt = &now
	if err := q.save(ctx, job); err != nil {
		return err
	}
	return q.rdb.ZRem(ctx, registryKey(queueName, registryStarted), id).Err()
}

// ActiveJob is the shape returned by IterActive/FindActiveRangeJobs.
type ActiveJob struct {
	ID        string
	Status    model.JobStatus
	FuncName  string
	Kwargs    map[string]any
	Origin    model.QueueName
	CreatedAt time.Time
}

// IterActive implements spec.md §4.10's iter_active: the union of the
// queued, started, deferred, and scheduled registries across queues.
func (q *Queue) IterActive(ctx context.Context, queues []model.QueueName) ([]ActiveJob, error) {
	var out []ActiveJob
	for _, qn := range queues {
		ids, err := q.rdb.LRange(ctx, queueListKey(qn), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("list queued jobs for %s: %w", qn, err)
		}
		for _, id := range ids {
			out = appendActive(out, q, ctx, qn, id)
		}
		for _, reg := range []string{registryStarted, registryDeferred, registryScheduled} {
			members, err := q.zsetMembers(ctx, registryKey(qn, reg))
			if err != nil {
				return nil, fmt.Errorf("list %s for %s: %w", reg, qn, err)
			}
			for _, id := range members {
				out = appendActive(out, q, ctx, qn, id)
			}
		}
	}
	return out, nil
}

func appendActive(out []ActiveJob, q *Queue, ctx context.Context, origin model.QueueName, id string) []ActiveJob {
	job, err := q.get(ctx, id)
	if err != nil || job == nil {
		return out
	}
	if !model.JobStatus(job.Status).Active() {
		return out
	}
	return append(out, ActiveJob{
		ID:        job.ID,
		Status:    model.JobStatus(job.Status),
		FuncName:  job.FuncName,
		Kwargs:    job.Kwargs,
		Origin:    origin,
		CreatedAt: job.CreatedAt,
	})
}

// FindActiveRangeJobs implements spec.md §4.10's find_active_range_jobs:
// active jobs whose func_name contains "process_emails_range_job" and
// whose kwargs.owner_email matches owner, most-recent-first.
func (q *Queue) FindActiveRangeJobs(ctx context.Context, owner string) ([]ActiveJob, error) {
	active, err := q.IterActive(ctx, []model.QueueName{model.QueueHigh, model.QueueDefault})
	if err != nil {
		return nil, err
	}
	var out []ActiveJob
	for _, a := range active {
		if !containsRangeJobName(a.FuncName) {
			continue
		}
		if ownerFromKwargs(a.Kwargs) != owner {
			continue
		}
		out = append(out, a)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func containsRangeJobName(funcName string) bool {
	return strings.Contains(funcName, "process_emails_range_job")
}

func ownerFromKwargs(kwargs map[string]any) string {
	if v, ok := kwargs["owner_email"].(string); ok {
		return v
	}
	return ""
}

func (q *Queue) zsetMembers(ctx context.Context, key string) ([]string, error) {
	return q.rdb.ZRange(ctx, key, 0, -1).Result()
}

func (q *Queue) get(ctx context.Context, id string) (*wireJob, error) {
	raw, err := q.rdb.Get(ctx, jobKey(id)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	var job wireJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

func (q *Queue) save(ctx context.Context, job *wireJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	return q.rdb.Set(ctx, jobKey(job.ID), payload, 0).Err()
}
