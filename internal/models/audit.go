package models

import "time"

type AuditLog struct {
	ID            string      `json:"id" db:"id"`
	SubjectType   SubjectType `json:"subject_type" db:"subject_type"`
	SubjectID     string      `json:"subject_id" db:"subject_id"`
	Action        string      `json:"action" db:"action"`
	SecretID      *string     `json:"secret_id,omitempty" db:"secret_id"`
	SecretVersion *string     `json:"secret_version,omitempty" db:"secret_version"`
	IPAddress     string      `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent     string      `json:"user_agent,omitempty" db:"user_agent"`
	Status        AuditStatus `json:"status" db:"status"`
	ErrorMessage  *string     `json:"error_message,omitempty" db:"error_message"`
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
}

type AuditFilter struct {
	SecretID  string
	SubjectID string
	Limit     int
}

// Audited actions.
const (
	ActionSecretAccess        = "secret.access"
	ActionSecretDelete        = "secret.delete"
	ActionSecretVersionCreate = "secret.version.create"
	ActionBindingCreate       = "iam.binding.create"
	ActionBindingRevoke       = "iam.binding.revoke"
	ActionTokenIssue          = "token.issue"
)
