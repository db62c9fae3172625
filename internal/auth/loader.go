package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nikhilbhutani/grcgate/internal/cache"
	"github.com/nikhilbhutani/grcgate/internal/database"
	"github.com/nikhilbhutani/grcgate/internal/models"
)

// ErrNoPermissions means the user is valid but no role grants them any page.
var ErrNoPermissions = errors.New("no permissions are assigned, please contact your administrator")

// PermissionCache is satisfied by *cache.Cache.
type PermissionCache interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type PermissionLoader struct {
	cache PermissionCache
	ttl   time.Duration
}

// NewPermissionLoader returns a loader backed by c. A nil cache or a zero ttl
// disables caching.
func NewPermissionLoader(c PermissionCache, ttl time.Duration) *PermissionLoader {
	return &PermissionLoader{cache: c, ttl: ttl}
}

const permissionQuery = `
	SELECT p.id, p.name, COALESCE(p.path, '-'), COALESCE(p.icon, ''), COALESCE(p.module, ''),
	       p.parent_id, p.priority, perm.name
	FROM user_roles ur
	JOIN role_permissions rp ON rp.role_id = ur.role_id
	JOIN pages p ON p.id = rp.page_id
	JOIN permissions perm ON perm.id = rp.permission_id
	WHERE ur.user_id = $1 AND ur.is_active = TRUE AND rp.granted = TRUE
	ORDER BY p.id`

const placementQuery = `
	SELECT organization_id, department_id FROM public.users WHERE id = $1`

const roleQuery = `
	SELECT r.name
	FROM user_roles ur
	JOIN roles r ON r.id = ur.role_id
	WHERE ur.user_id = $1 AND ur.is_active = TRUE
	ORDER BY r.name`

const tablePermissionQuery = `
	SELECT dt.table_name, COALESCE(tp.can_view, FALSE), COALESCE(tp.can_create, FALSE),
	       COALESCE(tp.can_edit, FALSE), COALESCE(tp.can_delete, FALSE), COALESCE(tp.can_export, FALSE),
	       COALESCE(tp.scope_filter, 'organization')
	FROM user_roles ur
	JOIN table_permissions tp ON tp.role_id = ur.role_id
	JOIN database_tables dt ON dt.id = tp.table_id
	WHERE ur.user_id = $1 AND ur.is_active = TRUE
	ORDER BY dt.table_name`

// Load returns the merged permission list of userID, from cache when possible.
func (l *PermissionLoader) Load(ctx context.Context, db database.DBTX, schemaID string, userID int64) ([]models.Permission, error) {
	if l.cachingEnabled() {
		var cached []models.Permission
		err := l.cache.Get(ctx, cacheKey(schemaID, userID), &cached)
		switch {
		case err == nil && len(cached) > 0:
			return cached, nil
		case err != nil && !errors.Is(err, cache.ErrMiss):
			slog.Warn("permission cache read failed", "schema_id", schemaID, "user_id", userID, "error", err)
		}
	}
	return l.Refresh(ctx, db, schemaID, userID)
}

// Refresh reads from the tenant schema, overwrites the cached page list and
// drops the cached access entry.
func (l *PermissionLoader) Refresh(ctx context.Context, db database.DBTX, schemaID string, userID int64) ([]models.Permission, error) {
	perms, err := queryPermissions(ctx, db, userID)
	if err != nil {
		return nil, err
	}
	if len(perms) == 0 {
		return nil, ErrNoPermissions
	}

	if l.cachingEnabled() {
		if err := l.cache.Set(ctx, cacheKey(schemaID, userID), perms, l.ttl); err != nil {
			slog.Warn("permission cache write failed", "schema_id", schemaID, "user_id", userID, "error", err)
		}
		// roles may have changed with the pages; LoadAccess refetches
		if err := l.cache.Delete(ctx, accessCacheKey(schemaID, userID)); err != nil {
			slog.Warn("access cache delete failed", "schema_id", schemaID, "user_id", userID, "error", err)
		}
	}
	return perms, nil
}

// Invalidate drops both cached entries of userID.
func (l *PermissionLoader) Invalidate(ctx context.Context, schemaID string, userID int64) error {
	if !l.cachingEnabled() {
		return nil
	}
	return l.cache.Delete(ctx, cacheKey(schemaID, userID), accessCacheKey(schemaID, userID))
}

// LoadAccess returns the roles, table grants and organization placement of
// userID, from cache when possible. Unlike Load, an empty result is valid.
func (l *PermissionLoader) LoadAccess(ctx context.Context, db database.DBTX, schemaID string, userID int64) (*models.Access, error) {
	if l.cachingEnabled() {
		var cached models.Access
		err := l.cache.Get(ctx, accessCacheKey(schemaID, userID), &cached)
		switch {
		case err == nil && cached.UserID == userID:
			return &cached, nil
		case err != nil && !errors.Is(err, cache.ErrMiss):
			slog.Warn("access cache read failed", "schema_id", schemaID, "user_id", userID, "error", err)
		}
	}

	a, err := queryAccess(ctx, db, userID)
	if err != nil {
		return nil, err
	}
	if l.cachingEnabled() {
		if err := l.cache.Set(ctx, accessCacheKey(schemaID, userID), a, l.ttl); err != nil {
			slog.Warn("access cache write failed", "schema_id", schemaID, "user_id", userID, "error", err)
		}
	}
	return a, nil
}

// Capabilities combines Load and LoadAccess.
func (l *PermissionLoader) Capabilities(ctx context.Context, db database.DBTX, schemaID string, userID int64) (Capabilities, error) {
	perms, err := l.Load(ctx, db, schemaID, userID)
	if err != nil {
		return Capabilities{}, err
	}
	a, err := l.LoadAccess(ctx, db, schemaID, userID)
	if err != nil {
		return Capabilities{}, err
	}
	return NewCapabilities(perms).WithAccess(a), nil
}

func (l *PermissionLoader) cachingEnabled() bool {
	return l.cache != nil && l.ttl > 0
}

func cacheKey(schemaID string, userID int64) string {
	return fmt.Sprintf("perm:%s:%d", schemaID, userID)
}

func accessCacheKey(schemaID string, userID int64) string {
	return fmt.Sprintf("access:%s:%d", schemaID, userID)
}

func queryPermissions(ctx context.Context, db database.DBTX, userID int64) ([]models.Permission, error) {
	rows, err := db.Query(ctx, permissionQuery, userID)
	if err != nil {
		return nil, fmt.Errorf("query permissions: %w", err)
	}
	defer rows.Close()

	var flat []models.Permission
	for rows.Next() {
		var (
			p        models.Permission
			parentID *int64
			priority *int
			action   string
		)
		if err := rows.Scan(&p.PageID, &p.PageName, &p.PagePath, &p.Icon, &p.Module, &parentID, &priority, &action); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		p.ParentID = parentID
		if priority != nil && *priority != defaultPriority {
			p.Priority = priority
		}
		p.Actions = []models.Action{models.Action(action)}
		flat = append(flat, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permissions: %w", err)
	}

	return MergePermissions(flat), nil
}

func queryAccess(ctx context.Context, db database.DBTX, userID int64) (*models.Access, error) {
	a := &models.Access{UserID: userID, Roles: []string{}, Tables: []models.TablePermission{}}

	err := db.QueryRow(ctx, placementQuery, userID).Scan(&a.OrganizationID, &a.DepartmentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", userID, ErrUserNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query user placement: %w", err)
	}

	roles, err := db.Query(ctx, roleQuery, userID)
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	defer roles.Close()
	for roles.Next() {
		var name string
		if err := roles.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		a.Roles = append(a.Roles, name)
	}
	if err := roles.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	roles.Close()

	rows, err := db.Query(ctx, tablePermissionQuery, userID)
	if err != nil {
		return nil, fmt.Errorf("query table permissions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			tp    models.TablePermission
			scope string
		)
		if err := rows.Scan(&tp.Table, &tp.CanView, &tp.CanCreate, &tp.CanEdit, &tp.CanDelete, &tp.CanExport, &scope); err != nil {
			return nil, fmt.Errorf("scan table permission: %w", err)
		}
		tp.Scope = models.DataScope(scope)
		a.Tables = append(a.Tables, tp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table permissions: %w", err)
	}
	return a, nil
}
