package tenant

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"

	"github.com/nikhilbhutani/grcgate/internal/database"
	"github.com/nikhilbhutani/grcgate/internal/models"
)

// ErrNotFound is returned for schema ids that are unknown, inactive or whose
// registered schema name is not a safe identifier.
var ErrNotFound = errors.New("tenant not found")

var schemaNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

func ValidSchemaName(name string) bool {
	return schemaNamePattern.MatchString(name)
}

// Registry looks up tenant bindings in the control-plane tenant_schemas table.
type Registry struct {
	db database.DBTX
}

func NewRegistry(db database.DBTX) *Registry {
	return &Registry{db: db}
}

func (r *Registry) Lookup(ctx context.Context, schemaID string) (*models.Tenant, error) {
	var t models.Tenant
	err := r.db.QueryRow(ctx,
		`SELECT schema_id, schema_name, name, is_active, created_at
		 FROM public.tenant_schemas WHERE schema_id = $1`, schemaID,
	).Scan(&t.SchemaID, &t.SchemaName, &t.Name, &t.IsActive, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup tenant: %w", err)
	}
	if !t.IsActive || !ValidSchemaName(t.SchemaName) {
		return nil, ErrNotFound
	}
	return &t, nil
}
