package store

import (
	"errors"
	"fmt"
	"regexp"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"cuenly-ingest/internal/model"
)

// InvoiceRepository persists InvoiceHeader/InvoiceItem trees, following the
// teacher's InvoiceRepository{} struct-of-methods shape
// (internal/repository/invoice.go) generalized to the source-priority
// upsert rule from spec.md §4.9.
type InvoiceRepository struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewInvoiceRepository(db *gorm.DB, log *zap.Logger) *InvoiceRepository {
	return &InvoiceRepository{db: db, log: log}
}

var artifactCDCPattern = regexp.MustCompile(`\d{44}`)

// keyConsistentWithCDC reports whether key embeds cdc among its 44-digit
// tokens, the only basis on which an existing artifact key may be carried
// forward onto a re-extracted document (spec.md §4.9).
func keyConsistentWithCDC(key, cdc string) bool {
	if key == "" || cdc == "" {
		return false
	}
	for _, tok := range artifactCDCPattern.FindAllString(key, -1) {
		if tok == cdc {
			return true
		}
	}
	return false
}

func (r *InvoiceRepository) FindByID(headerID string) (*model.InvoiceHeader, error) {
	var h model.InvoiceHeader
	if err := r.db.Where("header_id = ?", headerID).First(&h).Error; err != nil {
		return nil, err
	}
	return &h, nil
}

func (r *InvoiceRepository) FindByTenantAndCDC(tenantID, cdc string) (*model.InvoiceHeader, error) {
	if cdc == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var h model.InvoiceHeader
	err := r.db.Where("tenant_id = ? AND cdc = ?", tenantID, cdc).First(&h).Error
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (r *InvoiceRepository) FindByTenantAndMessageID(tenantID, messageID string) (*model.InvoiceHeader, error) {
	if messageID == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var h model.InvoiceHeader
	err := r.db.Where("tenant_id = ? AND message_id = ?", tenantID, messageID).First(&h).Error
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// Upsert writes doc, enforcing the source-priority compare-and-swap: when an
// existing header for the same business key has a strictly higher priority
// source, the write is skipped and ok is false. Items are always replaced
// en-bloc on an accepted write, per the header's invariant.
func (r *InvoiceRepository) Upsert(doc *model.InvoiceDocument) (ok bool, err error) {
	if !doc.Header.Source.Valid() {
		return false, fmt.Errorf("invalid source tag %q", doc.Header.Source)
	}

	err = r.db.Transaction(func(tx *gorm.DB) error {
		existing, lookupErr := r.resolveExisting(tx, &doc.Header)
		if lookupErr != nil && !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return lookupErr
		}

		if existing != nil {
			if doc.Header.Source.Priority() < existing.Source.Priority() {
				ok = false
				return nil
			}
			if doc.Header.ArtifactKey == "" {
				if keyConsistentWithCDC(existing.ArtifactKey, doc.Header.CDC) {
					doc.Header.ArtifactKey = existing.ArtifactKey
				} else if existing.ArtifactKey != "" {
					r.log.Warn("rejecting artifact key preservation: existing key inconsistent with current cdc",
						zap.String("header_id", existing.HeaderID),
						zap.String("existing_key", existing.ArtifactKey),
						zap.String("cdc", doc.Header.CDC))
				}
			}
			doc.Header.HeaderID = existing.HeaderID
			doc.Header.CreatedAt = existing.CreatedAt
		}

		if saveErr := tx.Save(&doc.Header).Error; saveErr != nil {
			return saveErr
		}

		if delErr := tx.Where("header_id = ?", doc.Header.HeaderID).Delete(&model.InvoiceItem{}).Error; delErr != nil {
			return delErr
		}
		for i := range doc.Items {
			doc.Items[i].HeaderID = doc.Header.HeaderID
			doc.Items[i].TenantID = doc.Header.TenantID
		}
		if len(doc.Items) > 0 {
			if createErr := tx.Create(&doc.Items).Error; createErr != nil {
				return createErr
			}
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// resolveExisting finds the canonical existing header for doc's business
// key: CDC takes precedence over MessageID when both are present, matching
// the CDC-is-the-true-identifier rule in spec.md's data model.
func (r *InvoiceRepository) resolveExisting(tx *gorm.DB, h *model.InvoiceHeader) (*model.InvoiceHeader, error) {
	if h.CDC != "" {
		var existing model.InvoiceHeader
		err := tx.Where("tenant_id = ? AND cdc = ?", h.TenantID, h.CDC).First(&existing).Error
		if err == nil {
			return &existing, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	if h.MessageID != "" {
		var existing model.InvoiceHeader
		err := tx.Where("tenant_id = ? AND message_id = ?", h.TenantID, h.MessageID).First(&existing).Error
		if err == nil {
			return &existing, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *InvoiceRepository) ItemsForHeader(headerID string) ([]model.InvoiceItem, error) {
	var items []model.InvoiceItem
	err := r.db.Where("header_id = ?", headerID).Order("linea ASC").Find(&items).Error
	return items, err
}

type InvoiceFilter struct {
	TenantID     string
	ProcessMonth string
	Limit        int
	Offset       int
}

func (r *InvoiceRepository) List(f InvoiceFilter) ([]model.InvoiceHeader, error) {
	q := r.db.Model(&model.InvoiceHeader{}).Where("tenant_id = ?", f.TenantID)
	if f.ProcessMonth != "" {
		q = q.Where("mes_proceso = ?", f.ProcessMonth)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var out []model.InvoiceHeader
	err := q.Order("fecha_emision DESC").Find(&out).Error
	return out, err
}
