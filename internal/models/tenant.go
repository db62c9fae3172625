package models

import "time"

// Tenant maps a schema id, as recorded on users and sessions, to the PostgreSQL
// schema holding that customer's data.
type Tenant struct {
	SchemaID   string    `json:"schema_id" db:"schema_id"`
	SchemaName string    `json:"schema_name" db:"schema_name"`
	Name       string    `json:"name" db:"name"`
	IsActive   bool      `json:"is_active" db:"is_active"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
