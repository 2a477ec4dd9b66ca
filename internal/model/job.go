package model

import "time"

type QueueName string

const (
	QueueHigh    QueueName = "high"
	QueueDefault QueueName = "default"
)

// Timeout returns the per-queue job timeout from spec.md §4.10.
func (q QueueName) Timeout() time.Duration {
	switch q {
	case QueueHigh:
		return 30 * time.Minute
	default:
		return 2 * time.Hour
	}
}

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobDeferred  JobStatus = "deferred"
	JobScheduled JobStatus = "scheduled"
	JobStarted   JobStatus = "started"
	JobFinished  JobStatus = "finished"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobStopped   JobStatus = "stopped"
)

// Active reports whether a job in this status still occupies a queue slot
// (queued/deferred/scheduled/started), matching iter_active's registries.
func (s JobStatus) Active() bool {
	switch s {
	case JobQueued, JobDeferred, JobScheduled, JobStarted:
		return true
	default:
		return false
	}
}

// Job is a queue entry. Kwargs must include "owner_email" for cancellation
// and observability per spec.md §3.
type Job struct {
	ID          string                 `json:"id"`
	FuncName    string                 `json:"func_name"`
	Queue       QueueName              `json:"queue"`
	Args        []any                  `json:"args"`
	Kwargs      map[string]any         `json:"kwargs"`
	Status      JobStatus              `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	FinishedAt  *time.Time             `json:"finished_at,omitempty"`
	Meta        map[string]any         `json:"meta,omitempty"`
	Result      any                    `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// OwnerEmail extracts the mandatory owner_email kwarg, returning "" if the
// job predates the invariant or was malformed.
func (j *Job) OwnerEmail() string {
	if j == nil || j.Kwargs == nil {
		return ""
	}
	if v, ok := j.Kwargs["owner_email"].(string); ok {
		return v
	}
	return ""
}
