package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"cuenly-ingest/internal/mail"
	"cuenly-ingest/internal/model"
	"cuenly-ingest/internal/queue"
	"cuenly-ingest/internal/registry"
)

// runAccountScan implements the account-scan half of spec.md §2's data
// flow: open the account's mailbox, clamp the scan window to the owner's
// email_processing_start_date, run the subject scanner (C5), and enqueue
// a single-UID job per candidate the registry hasn't already closed out.
func (w *Worker) runAccountScan(ctx context.Context, job *model.Job) error {
	configID := stringKwarg(job.Kwargs, "config_id")
	ownerEmail := stringKwarg(job.Kwargs, "owner_email")

	cfg, err := w.EmailConfigs.FindByID(configID)
	if err != nil {
		return fmt.Errorf("load email config %s: %w", configID, err)
	}

	win := mail.Window{Unseen: true}
	if user, err := w.Users.FindByEmail(ownerEmail); err == nil && !user.EmailProcessingStartDate.IsZero() {
		since := user.EmailProcessingStartDate
		win.Since = &since
	}

	conn, err := w.MailPool.Get(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open imap session for %s: %w", ownerEmail, err)
	}

	candidates, err := mail.Scan(conn.Client, win, splitTerms(cfg.SubjectTerms))
	if err != nil {
		conn.Discard()
		return fmt.Errorf("scan %s: %w", ownerEmail, err)
	}
	conn.Release()

	for _, c := range candidates {
		key := registry.Key(ownerEmail, cfg.Username, c.UID)
		seen, err := w.Registry.Seen(key)
		if err != nil {
			w.Log.Warn("registry lookup failed, enqueueing anyway", zap.String("key", key), zap.Error(err))
		} else if seen {
			continue
		}

		if _, err := w.Queue.Enqueue(ctx, model.QueueDefault, FuncSingleUID, []any{configID, c.UID}, queue.EnqueueOptions{
			Kwargs: map[string]any{
				"owner_email": ownerEmail,
				"config_id":   configID,
				"account":     cfg.Username,
				"uid":         c.UID,
			},
		}); err != nil {
			w.Log.Error("failed to enqueue single-uid job", zap.String("owner", ownerEmail), zap.Uint32("uid", c.UID), zap.Error(err))
		}
	}
	return nil
}
