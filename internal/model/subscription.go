package model

import "time"

type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// PlanFeatures mirrors the feature bag the original Python models.py kept on
// a subscription's plan; spec.md only names ai_invoices_limit explicitly,
// but the other fields are carried along since no Non-goal excludes them.
type PlanFeatures struct {
	AIInvoicesLimit  int  `json:"ai_invoices_limit" gorm:"column:ai_invoices_limit"`
	MaxEmailAccounts int  `json:"max_email_accounts,omitempty" gorm:"column:max_email_accounts"`
	ExportEnabled    bool `json:"export_enabled,omitempty" gorm:"column:export_enabled"`
}

// Subscription is a tenant's plan state, including the anniversary-billing
// fields consumed by internal/billing.
type Subscription struct {
	ID                string             `json:"id" gorm:"column:id;primaryKey"`
	OwnerEmail        string             `json:"owner_email" gorm:"column:owner_email;not null;uniqueIndex"`
	Status            SubscriptionStatus `json:"status" gorm:"column:status;index"`
	PlanCode          string             `json:"plan_code" gorm:"column:plan_code"`
	Price             float64            `json:"price" gorm:"column:price"`
	Currency          string             `json:"currency" gorm:"column:currency"`
	BillingPeriod     string             `json:"billing_period" gorm:"column:billing_period"`
	StartedAt         time.Time          `json:"started_at" gorm:"column:started_at"`
	NextBillingDate   time.Time          `json:"next_billing_date" gorm:"column:next_billing_date;index"`
	LastBillingDate   *time.Time         `json:"last_billing_date,omitempty" gorm:"column:last_billing_date"`
	BillingDayOfMonth int                `json:"billing_day_of_month" gorm:"column:billing_day_of_month"`
	RetryCount        int                `json:"retry_count" gorm:"column:retry_count"`
	PagoparUserID     string             `json:"pagopar_user_id,omitempty" gorm:"column:pagopar_user_id"`
	PlanFeatures      PlanFeatures       `json:"plan_features" gorm:"embedded;embeddedPrefix:features_"`
	CreatedAt         time.Time          `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt         time.Time          `json:"updated_at" gorm:"autoUpdateTime"`
}

func (Subscription) TableName() string { return "user_subscriptions" }

// PaymentMethod holds the gateway-side card-on-file record. It is the first
// of the three sources consulted when resolving a subscription's
// pagopar_user_id (see internal/billing).
type PaymentMethod struct {
	ID            string    `json:"id" gorm:"column:id;primaryKey"`
	OwnerEmail    string    `json:"owner_email" gorm:"column:owner_email;not null;index"`
	PagoparUserID string    `json:"pagopar_user_id" gorm:"column:pagopar_user_id"`
	CardAlias     string    `json:"card_alias,omitempty" gorm:"column:card_alias"`
	CreatedAt     time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt     time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (PaymentMethod) TableName() string { return "payment_methods" }

type TransactionOutcome string

const (
	TransactionSuccess TransactionOutcome = "success"
	TransactionFailure TransactionOutcome = "failure"
)

// SubscriptionTransaction is an audit row written by the billing loop for
// every charge attempt, successful or not.
type SubscriptionTransaction struct {
	ID             string             `json:"id" gorm:"column:id;primaryKey"`
	SubscriptionID string             `json:"subscription_id" gorm:"column:subscription_id;index"`
	OwnerEmail     string             `json:"owner_email" gorm:"column:owner_email;index"`
	Outcome        TransactionOutcome `json:"outcome" gorm:"column:outcome"`
	AttemptNumber  int                `json:"attempt_number" gorm:"column:attempt_number"`
	Amount         float64            `json:"amount" gorm:"column:amount"`
	Currency       string             `json:"currency" gorm:"column:currency"`
	Reason         string             `json:"reason,omitempty" gorm:"column:reason"`
	CreatedAt      time.Time          `json:"created_at" gorm:"autoCreateTime"`
}

func (SubscriptionTransaction) TableName() string { return "subscription_transactions" }

// User is the authentication + quota record. Scanners must never fetch
// messages older than EmailProcessingStartDate.
type User struct {
	ID                       string    `json:"id" gorm:"column:id;primaryKey"`
	Email                    string    `json:"email" gorm:"column:email;not null;uniqueIndex"`
	PasswordHash             string    `json:"-" gorm:"column:password_hash"`
	AIInvoicesProcessed      int       `json:"ai_invoices_processed" gorm:"column:ai_invoices_processed"`
	AIInvoicesLimit          int       `json:"ai_invoices_limit" gorm:"column:ai_invoices_limit"`
	IsTrial                  bool      `json:"is_trial" gorm:"column:is_trial"`
	EmailProcessingStartDate time.Time `json:"email_processing_start_date" gorm:"column:email_processing_start_date"`
	CreatedAt                time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt                time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (User) TableName() string { return "auth_users" }
