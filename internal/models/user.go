package models

import "time"

const (
	UserStatusActive   = "Active"
	UserStatusInactive = "Inactive"
)

// User is the control-plane identity record. Each user is pinned to exactly one
// tenant schema.
type User struct {
	ID             int64     `json:"id" db:"id"`
	FirstName      string    `json:"firstName" db:"first_name"`
	LastName       string    `json:"lastName" db:"last_name"`
	Username       string    `json:"username" db:"username"`
	Email          string    `json:"email" db:"email"`
	Phone          string    `json:"phone,omitempty" db:"phone"`
	OrganizationID int64     `json:"organizationId" db:"organization_id"`
	DepartmentID   *int64    `json:"departmentId,omitempty" db:"department_id"`
	JobTitle       string    `json:"jobTitle,omitempty" db:"job_title"`
	Status         string    `json:"status" db:"status"`
	PasswordHash   string    `json:"-" db:"password_hash"`
	SchemaID       string    `json:"-" db:"schemaid"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}

func (u *User) IsActive() bool {
	return u.Status == UserStatusActive
}

type LoginAttempt struct {
	Username      string    `json:"username" db:"username"`
	IPAddress     string    `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent     string    `json:"user_agent,omitempty" db:"user_agent"`
	Success       bool      `json:"success" db:"success"`
	FailureReason string    `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}
