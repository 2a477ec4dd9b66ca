// Package runtime wires every ingestion component into a single
// dependency-injected Runtime, following the teacher's cmd/server/main.go
// construction sequence (config → storage → services, in that order).
package runtime

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"cuenly-ingest/internal/aicache"
	"cuenly-ingest/internal/artifact"
	"cuenly-ingest/internal/billing"
	"cuenly-ingest/internal/config"
	"cuenly-ingest/internal/configstore"
	"cuenly-ingest/internal/extract"
	"cuenly-ingest/internal/mail"
	"cuenly-ingest/internal/model"
	"cuenly-ingest/internal/queue"
	"cuenly-ingest/internal/registry"
	"cuenly-ingest/internal/sched"
	"cuenly-ingest/internal/store"
	"cuenly-ingest/internal/worker"
)

// Runtime holds every component required to run the ingestion core end
// to end: the document warehouse, the secret store, the connection pool,
// the extractors, the job queue, the scheduler, and the billing loop.
type Runtime struct {
	Config *config.Config
	Log    *zap.Logger

	DB    *gorm.DB
	Redis *redis.Client

	Invoices       *store.InvoiceRepository
	EmailConfigs   *store.EmailConfigRepository
	Subscriptions  *store.SubscriptionRepository
	PaymentMethods *store.PaymentMethodRepository
	Users          *store.UserRepository

	ConfigStore *configstore.Store
	Registry    *registry.Registry
	Artifacts   *artifact.Store
	MailPool    *mail.Pool
	AICache     *aicache.Cache
	Vision      *extract.VisionExtractor
	Queue       *queue.Queue
	Scheduler   *sched.Scheduler
	Billing     *billing.Loop
	Worker      *worker.Worker

	podID string
}

// Build wires every component from cfg. OAuth2 provider and payment
// gateway wiring are supplied by the caller since their credentials are
// deployment-specific and, per spec.md §1, the gateway wire protocol
// itself is out of scope.
func Build(cfg *config.Config, log *zap.Logger, oauthProvider configstore.OAuth2Provider, gw billing.Gateway, ocrEngine extract.OCREngine) (*Runtime, error) {
	db, err := store.Init(cfg.DataDir, log)
	if err != nil {
		return nil, fmt.Errorf("init document warehouse: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	invoices := store.NewInvoiceRepository(db, log)
	emailConfigs := store.NewEmailConfigRepository(db)
	processedEmails := store.NewProcessedEmailRepository(db)
	subs := store.NewSubscriptionRepository(db)
	pms := store.NewPaymentMethodRepository(db)
	users := store.NewUserRepository(db)

	cs := configstore.New(emailConfigs, cfg.EmailConfigEncryptionKey, oauthProvider, log)
	reg := registry.New(processedEmails)

	minioClient, err := artifact.NewMinioClient(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL)
	if err != nil {
		log.Warn("minio client unavailable, artifacts stay local-only", zap.Error(err))
	}
	artifacts := artifact.New(cfg.TempPDFDir, minioClient, cfg.MinioBucket, log)

	pool := mail.NewPool(cs, log)

	aiCache := aicache.New(rdb, log)
	vision := extract.NewVisionExtractor(cfg.OpenAIAPIKey, cfg.OpenAIModel, ocrEngine, aiCache, log)

	jq := queue.New(rdb)

	podID := os.Getenv("POD_ID")
	if podID == "" {
		podID = uuid.NewString()
	}

	billingLoop := billing.New(rdb, subs, pms, users, gw, log)

	rt := &Runtime{
		Config:         cfg,
		Log:            log,
		DB:             db,
		Redis:          rdb,
		Invoices:       invoices,
		EmailConfigs:   emailConfigs,
		Subscriptions:  subs,
		PaymentMethods: pms,
		Users:          users,
		ConfigStore:    cs,
		Registry:       reg,
		Artifacts:      artifacts,
		MailPool:       pool,
		AICache:        aiCache,
		Vision:         vision,
		Queue:          jq,
		Billing:        billingLoop,
		podID:          podID,
	}
	rt.Worker = worker.New(jq, pool, emailConfigs, users, reg, invoices, artifacts, vision, log)

	rt.Scheduler = sched.New(rdb, sched.Config{
		EnabledKey:    "cuenly:scheduler:enabled",
		OwnerKey:      "cuenly:scheduler:owner",
		PodID:         podID,
		Interval:      time.Duration(cfg.JobIntervalMinutes) * time.Minute,
		OwnerTTL:      time.Duration(cfg.JobOwnerTTLSeconds) * time.Second,
		RestoreOnBoot: cfg.JobRestoreOnBoot,
	}, rt.fanOutScan, log)

	return rt, nil
}

// fanOutScan enqueues one scan job per enabled email account, the
// scheduler's per-tick responsibility per spec.md §4.11.
func (rt *Runtime) fanOutScan(ctx context.Context) error {
	accounts, err := rt.EmailConfigs.ListEnabled()
	if err != nil {
		return fmt.Errorf("list enabled accounts: %w", err)
	}
	for _, acct := range accounts {
		if _, err := rt.Queue.Enqueue(ctx, model.QueueDefault, worker.FuncAccountScan, []any{acct.ID}, queue.EnqueueOptions{
			Kwargs: map[string]any{"owner_email": acct.OwnerEmail, "config_id": acct.ID},
		}); err != nil {
			rt.Log.Error("failed to enqueue scan job", zap.String("owner", acct.OwnerEmail), zap.Error(err))
		}
	}
	return nil
}

// Close releases every resource Build acquired.
func (rt *Runtime) Close() {
	rt.MailPool.CloseAll()
	if sqlDB, err := rt.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = rt.Redis.Close()
}
