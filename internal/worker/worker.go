// Package worker assembles the pipeline components (C5-C9) into the
// queue-driven execution model spec.md §2/§9 describes: a goroutine per
// dequeued job, each job's status reported back through Queue.Finish/Fail,
// matching the teacher's TaskService dispatch loop (internal/services/tasks.go)
// generalized from its polling model to Dequeue's blocking BLPOP.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"cuenly-ingest/internal/artifact"
	"cuenly-ingest/internal/extract"
	"cuenly-ingest/internal/mail"
	"cuenly-ingest/internal/model"
	"cuenly-ingest/internal/queue"
	"cuenly-ingest/internal/registry"
	"cuenly-ingest/internal/store"
)

const (
	// FuncAccountScan is the func_name the scheduler and --process fan out,
	// one per enabled account, to kick off a mailbox scan.
	FuncAccountScan = "process_emails_job"
	// FuncSingleUID is the func_name an account scan enqueues per matched
	// candidate message.
	FuncSingleUID = "process_single_uid_job"

	dequeueTimeout = 5 * time.Second
)

// Worker dequeues and drives the full ingestion pipeline: scan a mailbox
// (C5), resolve each candidate's attachment (C6), extract its invoice data
// natively or via vision (C7/C8), and persist the result (C9), updating
// the idempotency registry (C2/C3) at every step.
type Worker struct {
	Queue        *queue.Queue
	MailPool     *mail.Pool
	EmailConfigs *store.EmailConfigRepository
	Users        *store.UserRepository
	Registry     *registry.Registry
	Invoices     *store.InvoiceRepository
	Artifacts    *artifact.Store
	Vision       *extract.VisionExtractor
	HTTPClient   *http.Client
	Log          *zap.Logger
}

// New builds a Worker from a runtime's already-constructed components.
func New(
	q *queue.Queue,
	pool *mail.Pool,
	emailConfigs *store.EmailConfigRepository,
	users *store.UserRepository,
	reg *registry.Registry,
	invoices *store.InvoiceRepository,
	artifacts *artifact.Store,
	vision *extract.VisionExtractor,
	log *zap.Logger,
) *Worker {
	return &Worker{
		Queue:        q,
		MailPool:     pool,
		EmailConfigs: emailConfigs,
		Users:        users,
		Registry:     reg,
		Invoices:     invoices,
		Artifacts:    artifacts,
		Vision:       vision,
		HTTPClient:   mail.NewHTTPClient(),
		Log:          log,
	}
}

// RunAll runs Run against every queue concurrently, blocking until ctx is
// cancelled and every in-flight job has returned.
func (w *Worker) RunAll(ctx context.Context, queues ...model.QueueName) {
	var wg sync.WaitGroup
	for _, q := range queues {
		wg.Add(1)
		go func(q model.QueueName) {
			defer wg.Done()
			w.Run(ctx, q)
		}(q)
	}
	wg.Wait()
}

// Run dequeues from queueName until ctx is cancelled, spawning one
// goroutine per job per spec.md §9's goroutine-per-job design note.
func (w *Worker) Run(ctx context.Context, queueName model.QueueName) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.Queue.Dequeue(ctx, queueName, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.Log.Error("dequeue failed", zap.String("queue", string(queueName)), zap.Error(err))
			continue
		}
		if job == nil {
			continue
		}

		wg.Add(1)
		go func(job *model.Job) {
			defer wg.Done()
			w.dispatch(ctx, queueName, job)
		}(job)
	}
}

// dispatch runs job by its func_name and reports the outcome back to the
// queue so Status/IterActive reflect reality.
func (w *Worker) dispatch(ctx context.Context, queueName model.QueueName, job *model.Job) {
	var err error
	switch job.FuncName {
	case FuncAccountScan:
		err = w.runAccountScan(ctx, job)
	case FuncSingleUID:
		err = w.runSingleUID(ctx, job)
	default:
		err = fmt.Errorf("unknown func_name %q", job.FuncName)
	}

	if err != nil {
		w.Log.Error("job failed", zap.String("func_name", job.FuncName), zap.String("job_id", job.ID), zap.Error(err))
		if ferr := w.Queue.Fail(ctx, queueName, job.ID, err.Error()); ferr != nil {
			w.Log.Error("failed to record job failure", zap.String("job_id", job.ID), zap.Error(ferr))
		}
		return
	}
	if ferr := w.Queue.Finish(ctx, queueName, job.ID, nil); ferr != nil {
		w.Log.Error("failed to record job completion", zap.String("job_id", job.ID), zap.Error(ferr))
	}
}

func stringKwarg(kwargs map[string]any, key string) string {
	if v, ok := kwargs[key].(string); ok {
		return v
	}
	return ""
}

// uint32Kwarg reads a numeric kwarg that may have round-tripped through
// the queue's JSON wire format as a float64 rather than the original Go
// integer type.
func uint32Kwarg(kwargs map[string]any, key string) uint32 {
	switch v := kwargs[key].(type) {
	case float64:
		return uint32(v)
	case uint32:
		return v
	case int:
		return uint32(v)
	default:
		return 0
	}
}

func splitTerms(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
