package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/nikhilbhutani/grcgate/internal/database"
	"github.com/nikhilbhutani/grcgate/internal/models"
)

var ErrUserNotFound = errors.New("user not found")

// Users reads login identities from the control-plane users table.
type Users struct {
	db database.DBTX
}

func NewUsers(db database.DBTX) *Users {
	return &Users{db: db}
}

// FindActive returns the active user with the given username. Inactive and
// missing users are both ErrUserNotFound.
func (u *Users) FindActive(ctx context.Context, username string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, ErrUserNotFound
	}

	var user models.User
	err := u.db.QueryRow(ctx,
		`SELECT id, first_name, last_name, username, email, phone, organization_id,
		        department_id, job_title, status, password_hash, schema_id, created_at
		 FROM public.users
		 WHERE username = $1 AND status = $2`,
		username, models.UserStatusActive,
	).Scan(&user.ID, &user.FirstName, &user.LastName, &user.Username, &user.Email, &user.Phone,
		&user.OrganizationID, &user.DepartmentID, &user.JobTitle, &user.Status, &user.PasswordHash,
		&user.SchemaID, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &user, nil
}
