package store

import (
	"gorm.io/gorm"

	"cuenly-ingest/internal/model"
)

// EmailConfigRepository is the raw persistence layer for EmailConfig rows.
// Encryption-at-rest is applied one layer up, in internal/configstore —
// this repository only moves ciphertext, never plaintext secrets.
type EmailConfigRepository struct {
	db *gorm.DB
}

func NewEmailConfigRepository(db *gorm.DB) *EmailConfigRepository {
	return &EmailConfigRepository{db: db}
}

func (r *EmailConfigRepository) Create(cfg *model.EmailConfig) error {
	return r.db.Create(cfg).Error
}

func (r *EmailConfigRepository) Save(cfg *model.EmailConfig) error {
	return r.db.Save(cfg).Error
}

func (r *EmailConfigRepository) FindByID(id string) (*model.EmailConfig, error) {
	var cfg model.EmailConfig
	if err := r.db.Where("id = ?", id).First(&cfg).Error; err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *EmailConfigRepository) ListByOwner(ownerEmail string) ([]model.EmailConfig, error) {
	var out []model.EmailConfig
	err := r.db.Where("owner_email = ?", ownerEmail).Order("created_at ASC").Find(&out).Error
	return out, err
}

func (r *EmailConfigRepository) ListEnabled() ([]model.EmailConfig, error) {
	var out []model.EmailConfig
	err := r.db.Where("enabled = ?", true).Find(&out).Error
	return out, err
}

func (r *EmailConfigRepository) Delete(id string) error {
	return r.db.Where("id = ?", id).Delete(&model.EmailConfig{}).Error
}
