package model

import "time"

type AuthKind string

const (
	AuthPassword AuthKind = "password"
	AuthOAuth2   AuthKind = "oauth2"
)

// EmailConfig is a per-tenant IMAP account definition. Password/token fields
// hold ciphertext once they pass through internal/configstore; callers that
// need the plaintext secret use the store's accessor, never this struct's
// fields directly.
type EmailConfig struct {
	ID              string     `json:"id" gorm:"column:id;primaryKey"`
	OwnerEmail      string     `json:"owner_email" gorm:"column:owner_email;not null"`
	Host            string     `json:"host" gorm:"column:host;not null"`
	Port            int        `json:"port" gorm:"column:port;not null;default:993"`
	SSL             bool       `json:"ssl" gorm:"column:ssl;not null;default:true"`
	Username        string     `json:"username" gorm:"column:username;not null"`
	AuthKind        AuthKind   `json:"auth_kind" gorm:"column:auth_kind;not null;default:password"`
	EncPassword     string     `json:"-" gorm:"column:enc_password"`
	EncAccessToken  string     `json:"-" gorm:"column:enc_access_token"`
	EncRefreshToken string     `json:"-" gorm:"column:enc_refresh_token"`
	TokenExpiry     *time.Time `json:"token_expiry,omitempty" gorm:"column:token_expiry"`
	Enabled         bool       `json:"enabled" gorm:"column:enabled;not null;default:true;index"`
	SubjectTerms    string     `json:"subject_terms" gorm:"column:subject_terms"` // comma-separated; normalized at match time
	CreatedAt       time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt       time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

func (EmailConfig) TableName() string { return "email_configs" }

// ProcessedStatus enumerates every terminal/non-terminal state a
// ProcessedEmailEntry can carry.
type ProcessedStatus string

const (
	StatusPending              ProcessedStatus = "pending"
	StatusProcessing           ProcessedStatus = "processing"
	StatusDone                 ProcessedStatus = "done"
	StatusFailed               ProcessedStatus = "failed"
	StatusError                ProcessedStatus = "error"
	StatusMissingMetadata      ProcessedStatus = "missing_metadata"
	StatusSkippedAILimit       ProcessedStatus = "skipped_ai_limit"
	StatusSkippedAILimitUnread ProcessedStatus = "skipped_ai_limit_unread"
	StatusPendingAIUnread      ProcessedStatus = "pending_ai_unread"
	StatusRetryRequested       ProcessedStatus = "retry_requested"
)

// Terminal reports whether the status is a final outcome that must never be
// reprocessed (StatusDone only — the skipped_ai_limit family is revisited
// once quota resets, per the registry's invariant).
func (s ProcessedStatus) Terminal() bool {
	return s == StatusDone
}

// SkippedForAILimit reports whether the status belongs to the
// skipped_ai_limit* family, which the registry must treat as unprocessed
// once the tenant's AI quota resets.
func (s ProcessedStatus) SkippedForAILimit() bool {
	switch s {
	case StatusSkippedAILimit, StatusSkippedAILimitUnread, StatusPendingAIUnread:
		return true
	default:
		return false
	}
}

// ProcessedEmailEntry is the idempotency record keyed by
// "<owner>::<account>::<uid>".
type ProcessedEmailEntry struct {
	Key            string          `json:"key" gorm:"column:key;primaryKey"`
	OwnerEmail     string          `json:"owner_email" gorm:"column:owner_email;index"`
	Account        string          `json:"account" gorm:"column:account"`
	UID            uint32          `json:"uid" gorm:"column:uid"`
	Status         ProcessedStatus `json:"status" gorm:"column:status;index"`
	Reason         string          `json:"reason,omitempty" gorm:"column:reason"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty" gorm:"column:processed_at"`
	LastRetryAt    *time.Time      `json:"last_retry_at,omitempty" gorm:"column:last_retry_at"`
	ManualUpload   bool            `json:"manual_upload" gorm:"column:manual_upload"`
	RetrySupported bool            `json:"retry_supported" gorm:"column:retry_supported"`
	MessageID      string          `json:"message_id,omitempty" gorm:"column:message_id;index"`
	CreatedAt      time.Time       `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt      time.Time       `json:"updated_at" gorm:"autoUpdateTime"`
}

func (ProcessedEmailEntry) TableName() string { return "processed_emails" }
