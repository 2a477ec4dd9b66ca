// Command ingestd is the thin CLI wrapper around the ingestion runtime,
// grounded on the teacher's cmd/server/main.go wiring sequence and
// cmd/regression_export/main.go's flag-driven one-shot invocation style.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"cuenly-ingest/internal/billing"
	"cuenly-ingest/internal/config"
	"cuenly-ingest/internal/configstore"
	"cuenly-ingest/internal/logging"
	"cuenly-ingest/internal/model"
	"cuenly-ingest/internal/ocrengine"
	"cuenly-ingest/internal/queue"
	"cuenly-ingest/internal/runtime"
	"cuenly-ingest/internal/worker"
)

func main() {
	processFlag := flag.Bool("process", false, "run one-shot ingestion across every enabled account and exit")
	workFlag := flag.Bool("work", false, "run the job worker, dequeuing account-scan and single-message jobs until signaled to stop")
	startJob := flag.Bool("start-job", false, "enable the scheduler loop")
	stopJob := flag.Bool("stop-job", false, "disable the scheduler loop")
	statusFlag := flag.String("status", "", "print job status for the given job id (use \"active\" to list active jobs)")
	flag.Parse()

	cfg := config.Load()

	log := logging.New(cfg.NodeEnv)
	defer log.Sync()
	if cfg.EncryptionKeyIsFallback() {
		log.Warn("running with a derived email-config encryption key; set EMAIL_CONFIG_ENCRYPTION_KEY explicitly in production")
	}

	rt, err := runtime.Build(cfg, log, oauthProviderFromEnv(), unconfiguredGateway(), ocrengine.New())
	if err != nil {
		log.Fatal("failed to build runtime", zap.Error(err))
	}
	defer rt.Close()

	ctx := context.Background()

	switch {
	case *processFlag:
		exitOnError(runOneShot(ctx, rt))
	case *workFlag:
		runWorker(ctx, rt)
	case *startJob:
		exitOnError(rt.Scheduler.Start(ctx))
		fmt.Println("scheduler started")
	case *stopJob:
		exitOnError(rt.Scheduler.Stop(ctx))
		fmt.Println("scheduler stopped")
	case *statusFlag != "":
		exitOnError(printStatus(ctx, rt, *statusFlag))
	default:
		flag.Usage()
		os.Exit(2)
	}
}

// runOneShot implements --process: fan out a scan job per enabled
// account, then run the AI-quota reset fallback and the daily billing
// pass, the operations a one-shot invocation is expected to cover per
// spec.md §6. The quota fallback always runs, independent of whether the
// billing pass itself succeeds, per spec.md §4.12's guarantee that a
// missed billing day never strands a user past their quota.
func runOneShot(ctx context.Context, rt *runtime.Runtime) error {
	accounts, err := rt.EmailConfigs.ListEnabled()
	if err != nil {
		return fmt.Errorf("list enabled accounts: %w", err)
	}

	owners := make([]string, 0, len(accounts))
	seenOwner := make(map[string]bool, len(accounts))
	for _, acct := range accounts {
		if _, err := rt.Queue.Enqueue(ctx, model.QueueDefault, worker.FuncAccountScan, []any{acct.ID}, queue.EnqueueOptions{
			Kwargs: map[string]any{"owner_email": acct.OwnerEmail, "config_id": acct.ID},
		}); err != nil {
			return fmt.Errorf("enqueue scan for %s: %w", acct.OwnerEmail, err)
		}
		if !seenOwner[acct.OwnerEmail] {
			seenOwner[acct.OwnerEmail] = true
			owners = append(owners, acct.OwnerEmail)
		}
	}

	rt.Billing.ResetQuotaFallback(ctx, owners)
	return rt.Billing.Run(ctx)
}

// runWorker implements --work: run the job worker until SIGINT/SIGTERM,
// dispatching one goroutine per dequeued job per spec.md §9.
func runWorker(ctx context.Context, rt *runtime.Runtime) {
	workCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	fmt.Println("worker started")
	rt.Worker.RunAll(workCtx, model.QueueHigh, model.QueueDefault)
}

func printStatus(ctx context.Context, rt *runtime.Runtime, jobID string) error {
	if jobID == "active" {
		active, err := rt.Queue.IterActive(ctx, []model.QueueName{model.QueueHigh, model.QueueDefault})
		if err != nil {
			return err
		}
		return printJSON(active)
	}
	job, err := rt.Queue.Status(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s not found", jobID)
	}
	return printJSON(job)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// oauthProviderFromEnv builds the oauth2 refresh provider from optional
// environment variables; accounts configured for password auth never
// consult it.
func oauthProviderFromEnv() *configstore.ProviderConfig {
	return configstore.NewProviderConfig(
		os.Getenv("OAUTH2_CLIENT_ID"),
		os.Getenv("OAUTH2_CLIENT_SECRET"),
		os.Getenv("OAUTH2_AUTH_URL"),
		os.Getenv("OAUTH2_TOKEN_URL"),
		[]string{"https://mail.google.com/"},
	)
}

// unconfiguredGateway returns a Gateway whose every call fails; the
// payment-gateway wire protocol is out of scope per spec.md §1, so a real
// deployment supplies its own Gateway value to runtime.Build.
func unconfiguredGateway() billing.Gateway {
	errNotConfigured := fmt.Errorf("payment gateway not configured")
	return billing.Gateway{
		CreateOrder: func(ctx context.Context, pagoparUserID string, amount float64, currency string) (string, error) {
			return "", errNotConfigured
		},
		CardAliasToken: func(ctx context.Context, pagoparUserID string) (string, error) {
			return "", errNotConfigured
		},
		ChargeOrder: func(ctx context.Context, orderID, cardAliasToken string) error {
			return errNotConfigured
		},
	}
}

func exitOnError(err error) {
	if err != nil {
		log.Fatalf("ingestd: %v", err)
	}
}
