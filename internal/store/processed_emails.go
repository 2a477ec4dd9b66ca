package store

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"cuenly-ingest/internal/model"
)

// ProcessedEmailRepository is the substrate behind the idempotency registry
// (internal/registry). All mutations are compare-and-swap style updates so
// two scanner goroutines racing on the same message never double-process
// it, mirroring the teacher's TaskService.processOne claim pattern
// (internal/services/tasks.go).
type ProcessedEmailRepository struct {
	db *gorm.DB
}

func NewProcessedEmailRepository(db *gorm.DB) *ProcessedEmailRepository {
	return &ProcessedEmailRepository{db: db}
}

func (r *ProcessedEmailRepository) Get(key string) (*model.ProcessedEmailEntry, error) {
	var e model.ProcessedEmailEntry
	if err := r.db.Where("key = ?", key).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// Claim inserts a "processing" row for key if none exists, or atomically
// reclaims an existing row that is not terminal and not already
// "processing" (e.g. a prior skipped_ai_limit entry whose quota has since
// reset). Returns claimed=false when another worker already owns the key.
func (r *ProcessedEmailRepository) Claim(e *model.ProcessedEmailEntry) (claimed bool, err error) {
	err = r.db.Transaction(func(tx *gorm.DB) error {
		var existing model.ProcessedEmailEntry
		lookupErr := tx.Where("key = ?", e.Key).First(&existing).Error
		if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			e.Status = model.StatusProcessing
			if createErr := tx.Create(e).Error; createErr != nil {
				return createErr
			}
			claimed = true
			return nil
		}
		if lookupErr != nil {
			return lookupErr
		}

		if existing.Status.Terminal() || existing.Status == model.StatusProcessing {
			claimed = false
			return nil
		}

		res := tx.Model(&model.ProcessedEmailEntry{}).
			Where("key = ? AND status = ?", e.Key, existing.Status).
			Updates(map[string]any{"status": model.StatusProcessing, "updated_at": time.Now()})
		if res.Error != nil {
			return res.Error
		}
		claimed = res.RowsAffected == 1
		return nil
	})
	return claimed, err
}

func (r *ProcessedEmailRepository) MarkDone(key string) error {
	now := time.Now()
	return r.db.Model(&model.ProcessedEmailEntry{}).
		Where("key = ?", key).
		Updates(map[string]any{"status": model.StatusDone, "processed_at": now, "updated_at": now}).Error
}

func (r *ProcessedEmailRepository) MarkFailed(key, reason string) error {
	now := time.Now()
	return r.db.Model(&model.ProcessedEmailEntry{}).
		Where("key = ?", key).
		Updates(map[string]any{"status": model.StatusFailed, "reason": reason, "last_retry_at": now, "updated_at": now}).Error
}

func (r *ProcessedEmailRepository) MarkSkippedAILimit(key string, unread bool) error {
	status := model.StatusSkippedAILimit
	if unread {
		status = model.StatusSkippedAILimitUnread
	}
	return r.db.Model(&model.ProcessedEmailEntry{}).
		Where("key = ?", key).
		Updates(map[string]any{"status": status, "updated_at": time.Now()}).Error
}

// ListSkippedForAILimit returns entries owned by ownerEmail that are
// eligible for reprocessing once AI quota resets.
func (r *ProcessedEmailRepository) ListSkippedForAILimit(ownerEmail string) ([]model.ProcessedEmailEntry, error) {
	var out []model.ProcessedEmailEntry
	err := r.db.Where("owner_email = ? AND status IN ?", ownerEmail, []model.ProcessedStatus{
		model.StatusSkippedAILimit,
		model.StatusSkippedAILimitUnread,
		model.StatusPendingAIUnread,
	}).Find(&out).Error
	return out, err
}

// FindByMessageID looks up the processed-email entry by its RFC822
// Message-ID within ownerEmail's scope. IMAP servers are free to renumber
// UIDs across sessions, so a rescanned mailbox can hand back a UID that
// was already processed under a different number; Message-ID is the only
// identity that survives that renumbering.
func (r *ProcessedEmailRepository) FindByMessageID(ownerEmail, messageID string) (*model.ProcessedEmailEntry, error) {
	if messageID == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var e model.ProcessedEmailEntry
	if err := r.db.Where("owner_email = ? AND message_id = ?", ownerEmail, messageID).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// SetMessageID stamps key's durable Message-ID once it becomes known.
func (r *ProcessedEmailRepository) SetMessageID(key, messageID string) error {
	return r.db.Model(&model.ProcessedEmailEntry{}).Where("key = ?", key).Update("message_id", messageID).Error
}
