package models

import (
	"encoding/json"
	"time"
)

const (
	AuditActionLogin       = "LOGIN"
	AuditActionLogout      = "LOGOUT"
	AuditActionLoginFailed = "LOGIN_FAILED"
	AuditActionCreate      = "CREATE"
	AuditActionRead        = "READ"
	AuditActionUpdate      = "UPDATE"
	AuditActionDelete      = "DELETE"
	AuditActionExport      = "EXPORT"
)

const (
	EntityUser     = "USER"
	EntitySession  = "SESSION"
	EntityAuditLog = "AUDIT_LOG"
)

// AuditLog is an append-only row of a tenant's audit_logs table.
type AuditLog struct {
	ID           int64           `json:"id" db:"id"`
	UserID       int64           `json:"user_id" db:"user_id"`
	UserEmail    string          `json:"user_email" db:"user_email"`
	Action       string          `json:"action" db:"action"`
	EntityType   string          `json:"entity_type" db:"entity_type"`
	EntityID     string          `json:"entity_id,omitempty" db:"entity_id"`
	OldValues    json.RawMessage `json:"old_values,omitempty" db:"old_values"`
	NewValues    json.RawMessage `json:"new_values,omitempty" db:"new_values"`
	IPAddress    string          `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent    string          `json:"user_agent,omitempty" db:"user_agent"`
	SessionID    string          `json:"session_id,omitempty" db:"session_id"`
	Success      bool            `json:"success" db:"success"`
	ErrorMessage string          `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time       `json:"timestamp" db:"timestamp"`
}
