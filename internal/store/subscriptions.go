package store

import (
	"time"

	"gorm.io/gorm"

	"cuenly-ingest/internal/model"
)

// SubscriptionRepository backs internal/billing's anniversary loop.
type SubscriptionRepository struct {
	db *gorm.DB
}

func NewSubscriptionRepository(db *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

func (r *SubscriptionRepository) FindByOwner(ownerEmail string) (*model.Subscription, error) {
	var s model.Subscription
	if err := r.db.Where("owner_email = ?", ownerEmail).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// DueToday returns active or past-due subscriptions whose
// next_billing_date falls on or before asOf, the candidate set the
// billing loop charges per spec.md §4.12 step 1.
func (r *SubscriptionRepository) DueToday(asOf time.Time) ([]model.Subscription, error) {
	var out []model.Subscription
	err := r.db.Where("status IN ? AND next_billing_date <= ?",
		[]model.SubscriptionStatus{model.SubscriptionActive, model.SubscriptionPastDue}, asOf).Find(&out).Error
	return out, err
}

func (r *SubscriptionRepository) Save(s *model.Subscription) error {
	return r.db.Save(s).Error
}

func (r *SubscriptionRepository) CreateTransaction(t *model.SubscriptionTransaction) error {
	return r.db.Create(t).Error
}

type PaymentMethodRepository struct {
	db *gorm.DB
}

func NewPaymentMethodRepository(db *gorm.DB) *PaymentMethodRepository {
	return &PaymentMethodRepository{db: db}
}

func (r *PaymentMethodRepository) FindByOwner(ownerEmail string) (*model.PaymentMethod, error) {
	var pm model.PaymentMethod
	if err := r.db.Where("owner_email = ?", ownerEmail).Order("created_at DESC").First(&pm).Error; err != nil {
		return nil, err
	}
	return &pm, nil
}

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) FindByEmail(email string) (*model.User, error) {
	var u model.User
	if err := r.db.Where("email = ?", email).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepository) Save(u *model.User) error {
	return r.db.Save(u).Error
}

// IncrementAIUsage atomically increments ai_invoices_processed, returning
// the resulting count, so two concurrent extractions never both slip past
// the quota check for the last available unit.
func (r *UserRepository) IncrementAIUsage(email string) (int, error) {
	var u model.User
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.User{}).Where("email = ?", email).
			Update("ai_invoices_processed", gorm.Expr("ai_invoices_processed + 1")).Error; err != nil {
			return err
		}
		return tx.Where("email = ?", email).First(&u).Error
	})
	if err != nil {
		return 0, err
	}
	return u.AIInvoicesProcessed, nil
}

// ResetAIUsage zeroes ai_invoices_processed, called by the billing loop on
// a successful anniversary charge per spec.md §4.12.
func (r *UserRepository) ResetAIUsage(email string) error {
	return r.db.Model(&model.User{}).Where("email = ?", email).Update("ai_invoices_processed", 0).Error
}
