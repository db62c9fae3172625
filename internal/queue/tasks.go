package queue

import "github.com/nikhilbhutani/grcgate/internal/audit"

const (
	TypeAuditRetry   = "audit:retry"
	TypeSessionSweep = "session:sweep"
)

// AuditRetryPayload carries an audit entry whose synchronous write failed.
type AuditRetryPayload struct {
	SchemaID string      `json:"schema_id"`
	Entry    audit.Entry `json:"entry"`
}
