package auth

import (
	"strings"
	"testing"

	"github.com/nikhilbhutani/grcgate/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestScopeDefaults(t *testing.T) {
	caps := NewCapabilities(nil).WithAccess(&models.Access{
		UserID: 7, OrganizationID: 3,
		Tables: []models.TablePermission{{Table: "risks", CanView: true, Scope: models.ScopeDepartment}},
	})

	assert.Equal(t, models.ScopeDepartment, caps.Scope("risks").Level)
	assert.Equal(t, models.ScopeOrganization, caps.Scope("controls").Level, "no table grant")
	assert.Equal(t, Subject{UserID: 7, OrganizationID: 3}, caps.Scope("risks").Subject)
	assert.Equal(t, models.ScopeOwn, Capabilities{}.Scope("risks").Level, "capabilities never loaded")
}

func TestScopePredicate(t *testing.T) {
	dept := int64(11)
	withDept := Subject{UserID: 7, OrganizationID: 3, DepartmentID: &dept}
	noDept := Subject{UserID: 7, OrganizationID: 3}

	for _, tc := range []struct {
		name   string
		scope  Scope
		clause string
		args   []any
	}{
		{"all", Scope{models.ScopeAll, withDept}, "TRUE", nil},
		{"organization", Scope{models.ScopeOrganization, withDept}, "organization_id = $2", []any{int64(3)}},
		{"department", Scope{models.ScopeDepartment, withDept}, "organization_id = $2 AND department_id = $3", []any{int64(3), int64(11)}},
		{"department without one", Scope{models.ScopeDepartment, noDept}, "organization_id = $2", []any{int64(3)}},
		{"own", Scope{models.ScopeOwn, withDept}, "(created_by = $2 OR assigned_to = $2)", []any{int64(7)}},
		{"unknown", Scope{"everything", withDept}, "organization_id = $2", []any{int64(3)}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			clause, args := tc.scope.Predicate(2)
			assert.Equal(t, tc.clause, clause)
			assert.Equal(t, tc.args, args)
		})
	}
}

func TestScopePredicateNeverInlinesValues(t *testing.T) {
	dept := int64(424242)
	subj := Subject{UserID: 515151, OrganizationID: 606060, DepartmentID: &dept}
	for _, level := range []models.DataScope{models.ScopeAll, models.ScopeOrganization, models.ScopeDepartment, models.ScopeOwn} {
		clause, _ := Scope{Level: level, Subject: subj}.Predicate(1)
		for _, v := range []string{"424242", "515151", "606060"} {
			assert.False(t, strings.Contains(clause, v), "%s: %s", level, clause)
		}
	}
}
