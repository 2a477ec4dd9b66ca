package worker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cuenly-ingest/internal/artifact"
	"cuenly-ingest/internal/extract"
	"cuenly-ingest/internal/ingesterr"
	"cuenly-ingest/internal/mail"
	"cuenly-ingest/internal/model"
	"cuenly-ingest/internal/registry"
)

// runSingleUID implements the per-message half of spec.md §2's data flow:
// resolve the message's invoice attachment (C6), extract it natively or
// via vision (C7/C8), and upsert the result (C9), marking the message
// \Seen unless it was skipped for AI quota reasons.
func (w *Worker) runSingleUID(ctx context.Context, job *model.Job) error {
	configID := stringKwarg(job.Kwargs, "config_id")
	ownerEmail := stringKwarg(job.Kwargs, "owner_email")
	account := stringKwarg(job.Kwargs, "account")
	uid := uint32Kwarg(job.Kwargs, "uid")

	key := registry.Key(ownerEmail, account, uid)

	cfg, err := w.EmailConfigs.FindByID(configID)
	if err != nil {
		return fmt.Errorf("load email config %s: %w", configID, err)
	}

	conn, err := w.MailPool.Get(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open imap session for %s: %w", ownerEmail, err)
	}
	defer conn.Release()

	envelope, raw, err := fetchMessage(conn.Client, uid)
	if err != nil {
		conn.Discard()
		return fmt.Errorf("fetch message %d for %s: %w", uid, ownerEmail, err)
	}
	messageID := ""
	if envelope != nil {
		messageID = envelope.MessageId
	}

	// IMAP UIDs are only unique within a session; a server-side renumbering
	// can hand back an already-processed message under a fresh UID.
	if seen, err := w.Registry.SeenByMessageID(ownerEmail, messageID); err != nil {
		w.Log.Warn("cross-uid dedup lookup failed", zap.String("owner", ownerEmail), zap.Error(err))
	} else if seen {
		return nil
	}

	claimed, err := w.Registry.Claim(ownerEmail, account, uid, messageID, false)
	if err != nil {
		return fmt.Errorf("claim %s: %w", key, err)
	}
	if !claimed {
		return nil
	}

	art, err := mail.Resolve(bytes.NewReader(raw), w.HTTPClient)
	if err != nil {
		return w.failJob(key, fmt.Sprintf("resolve attachment: %v", err))
	}
	if art == nil {
		return w.failJob(key, "no pdf or xml attachment found")
	}

	doc, skipSeen, err := w.extractDocument(ctx, art, ownerEmail, sha256Hex(art.Bytes))
	if err != nil {
		return w.failJob(key, fmt.Sprintf("extract: %v", err))
	}
	if skipSeen {
		// AI quota reached: leave the message unread so a later scan
		// retries it once the reset fallback (internal/billing) runs.
		if err := w.Registry.MarkSkippedAILimit(key, true); err != nil {
			w.Log.Error("failed to mark skipped_ai_limit_unread", zap.String("key", key), zap.Error(err))
		}
		return nil
	}
	if doc == nil {
		// Remisión (delivery note): vision's OCR pre-screen aborted with
		// no result. Not an invoice; terminal outcome, mark done.
		if err := markSeen(conn.Client, uid); err != nil {
			w.Log.Warn("failed to mark message seen", zap.Uint32("uid", uid), zap.Error(err))
		}
		return w.Registry.MarkDone(key)
	}

	doc.Header.TenantID = ownerEmail
	doc.Header.MessageID = messageID
	if doc.Header.HeaderID == "" {
		doc.Header.HeaderID = headerID(ownerEmail, doc.Header.CDC, messageID)
	}

	localPath, remoteKey, saveErr := w.Artifacts.SaveBinary(ctx, art.Bytes, art.Filename, artifact.SaveOptions{
		ForcePDF:   art.Kind == mail.KindPDF,
		OwnerEmail: ownerEmail,
	})
	if saveErr != nil {
		w.Log.Warn("failed to persist artifact, continuing without one", zap.String("key", key), zap.Error(saveErr))
	} else if remoteKey != "" {
		doc.Header.ArtifactKey = remoteKey
	} else {
		doc.Header.ArtifactKey = localPath
	}

	ok, err := w.Invoices.Upsert(doc)
	if err != nil {
		return w.failJob(key, fmt.Sprintf("upsert invoice: %v", err))
	}
	if !ok {
		w.Log.Info("invoice upsert skipped: existing source has higher priority", zap.String("cdc", doc.Header.CDC))
	}

	if err := markSeen(conn.Client, uid); err != nil {
		w.Log.Warn("failed to mark message seen", zap.Uint32("uid", uid), zap.Error(err))
	}
	if err := w.Registry.SetMessageID(key, messageID); err != nil {
		w.Log.Warn("failed to stamp message id", zap.String("key", key), zap.Error(err))
	}
	return w.Registry.MarkDone(key)
}

func (w *Worker) failJob(key, reason string) error {
	if err := w.Registry.MarkFailed(key, reason); err != nil {
		w.Log.Error("failed to mark registry entry failed", zap.String("key", key), zap.Error(err))
	}
	return fmt.Errorf("%s", reason)
}

// extractDocument implements C7/C8's dispatch: native XML parsing for
// KindXML artifacts (there is no XML-to-image rendering path in this
// codebase, so a malformed XML attachment has no vision fallback), and
// the AI-quota-gated vision pipeline for KindPDF artifacts. skipSeen
// reports the AI-limit-reached case, which must leave the message unread.
func (w *Worker) extractDocument(ctx context.Context, art *mail.Artifact, ownerEmail, contentHash string) (doc *model.InvoiceDocument, skipSeen bool, err error) {
	if art.Kind == mail.KindXML {
		doc, err := extract.ParseXML(art.Bytes)
		if err != nil {
			return nil, false, err
		}
		return doc, false, nil
	}

	user, err := w.Users.FindByEmail(ownerEmail)
	if err != nil {
		return nil, false, fmt.Errorf("load user %s: %w", ownerEmail, err)
	}
	// Quota is checked before the extraction is attempted, per spec.md
	// §4.8 step 7: a would-exceed limit must never spend a vision call.
	if user.AIInvoicesLimit > 0 && user.AIInvoicesProcessed >= user.AIInvoicesLimit {
		return nil, true, nil
	}

	doc, err = w.Vision.ExtractFromPDF(ctx, art.Bytes, contentHash)
	if err != nil {
		if ingesterr.IsKind(err, ingesterr.KindAILimitReached) {
			return nil, true, nil
		}
		return nil, false, err
	}
	if doc == nil {
		return nil, false, nil
	}

	if _, incErr := w.Users.IncrementAIUsage(ownerEmail); incErr != nil {
		w.Log.Warn("failed to record ai usage increment", zap.String("owner", ownerEmail), zap.Error(incErr))
	}
	return doc, false, nil
}

// headerID implements spec.md §4.9's fallback order when no existing
// header is found to inherit an id from: (owner,cdc), then
// (owner,message_id), then a generated extraction id.
func headerID(owner, cdc, messageID string) string {
	if cdc != "" {
		return owner + ":" + cdc
	}
	if messageID != "" {
		return owner + ":" + messageID
	}
	return owner + ":" + uuid.NewString()
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
