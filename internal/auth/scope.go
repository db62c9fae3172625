package auth

import (
	"fmt"

	"github.com/nikhilbhutani/grcgate/internal/models"
)

// Subject is the user a row scope is evaluated for.
type Subject struct {
	UserID         int64
	OrganizationID int64
	DepartmentID   *int64
}

// Scope is the row filter a caller is held to on one table.
type Scope struct {
	Level   models.DataScope
	Subject Subject
}

var scopeRank = map[models.DataScope]int{
	models.ScopeOwn:          1,
	models.ScopeDepartment:   2,
	models.ScopeOrganization: 3,
	models.ScopeAll:          4,
}

func normalizeScope(s models.DataScope) models.DataScope {
	if _, ok := scopeRank[s]; ok {
		return s
	}
	return models.ScopeOrganization
}

// Scope returns the row scope on table. Super Admin sees every row, a table
// with no grant defaults to the user's organization, and a capability set
// that was never loaded is held to the user's own rows.
func (c Capabilities) Scope(table string) Scope {
	sc := Scope{Subject: c.Subject}
	switch {
	case c.SuperAdmin:
		sc.Level = models.ScopeAll
	case c.Pages == nil && c.Tables == nil:
		sc.Level = models.ScopeOwn
	default:
		sc.Level = models.ScopeOrganization
		if tp, ok := c.Tables[table]; ok {
			sc.Level = normalizeScope(tp.Scope)
		}
	}
	return sc
}

// Predicate renders the scope as a WHERE fragment over the conventional
// organization_id, department_id, created_by and assigned_to columns. Values
// are bound as $argStart onwards and returned in order; the fragment never
// contains a literal value. ScopeAll yields "TRUE" so callers can always AND
// it in.
func (s Scope) Predicate(argStart int) (string, []any) {
	subj := s.Subject
	switch s.Level {
	case models.ScopeAll:
		return "TRUE", nil
	case models.ScopeOwn:
		return fmt.Sprintf("(created_by = $%d OR assigned_to = $%d)", argStart, argStart), []any{subj.UserID}
	case models.ScopeDepartment:
		if subj.DepartmentID != nil {
			return fmt.Sprintf("organization_id = $%d AND department_id = $%d", argStart, argStart+1),
				[]any{subj.OrganizationID, *subj.DepartmentID}
		}
	}
	return fmt.Sprintf("organization_id = $%d", argStart), []any{subj.OrganizationID}
}
