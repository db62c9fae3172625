package auth

import (
	"sort"

	"github.com/nikhilbhutani/grcgate/internal/models"
)

// WildcardResource grants its actions on every resource.
const WildcardResource = "*"

// Capabilities is everything a request may be authorized against: page
// grants keyed by path, table grants keyed by table name, and whether the user
// holds the Super Admin role. The zero value grants nothing.
type Capabilities struct {
	Pages      map[string]map[models.Action]struct{}
	Tables     map[string]models.TablePermission
	SuperAdmin bool
	Subject    Subject
}

func NewCapabilities(perms []models.Permission) Capabilities {
	pages := make(map[string]map[models.Action]struct{}, len(perms))
	for _, p := range perms {
		if p.PagePath == "" || p.PagePath == models.PlaceholderPath || len(p.Actions) == 0 {
			continue
		}
		set, ok := pages[p.PagePath]
		if !ok {
			set = make(map[models.Action]struct{}, len(p.Actions))
			pages[p.PagePath] = set
		}
		for _, a := range p.Actions {
			set[a] = struct{}{}
		}
	}
	return Capabilities{Pages: pages}
}

// WithAccess adds table grants, the Super Admin flag and the scope subject.
// Grants on the same table from several roles are unioned and the widest
// scope wins. A nil access leaves c unchanged.
func (c Capabilities) WithAccess(a *models.Access) Capabilities {
	if a == nil {
		return c
	}
	c.Subject = Subject{UserID: a.UserID, OrganizationID: a.OrganizationID, DepartmentID: a.DepartmentID}
	for _, r := range a.Roles {
		if r == models.SuperAdminRole {
			c.SuperAdmin = true
		}
	}
	c.Tables = make(map[string]models.TablePermission, len(a.Tables))
	for _, tp := range a.Tables {
		tp.Scope = normalizeScope(tp.Scope)
		prev, ok := c.Tables[tp.Table]
		if ok {
			tp.CanView = tp.CanView || prev.CanView
			tp.CanCreate = tp.CanCreate || prev.CanCreate
			tp.CanEdit = tp.CanEdit || prev.CanEdit
			tp.CanDelete = tp.CanDelete || prev.CanDelete
			tp.CanExport = tp.CanExport || prev.CanExport
			if scopeRank[prev.Scope] > scopeRank[tp.Scope] {
				tp.Scope = prev.Scope
			}
		}
		c.Tables[tp.Table] = tp
	}
	return c
}

// Authorize is deny-by-default: an empty capability set grants nothing. Super
// Admin is granted everything.
func Authorize(caps Capabilities, resource string, action models.Action) bool {
	if caps.SuperAdmin {
		return true
	}
	if len(caps.Pages) == 0 {
		return false
	}
	return grants(caps.Pages[resource], action) || grants(caps.Pages[WildcardResource], action)
}

// AuthorizeTable checks a table grant. ActionRead maps to view and
// ActionUpdate to edit; ActionAdmin is never a table action.
func AuthorizeTable(caps Capabilities, table string, action models.Action) bool {
	if caps.SuperAdmin {
		return true
	}
	tp, ok := caps.Tables[table]
	if !ok {
		return false
	}
	switch action {
	case models.ActionRead:
		return tp.CanView
	case models.ActionCreate:
		return tp.CanCreate
	case models.ActionUpdate:
		return tp.CanEdit
	case models.ActionDelete:
		return tp.CanDelete
	case models.ActionExport:
		return tp.CanExport
	default:
		return false
	}
}

func grants(set map[models.Action]struct{}, action models.Action) bool {
	if set == nil {
		return false
	}
	if _, ok := set[action]; ok {
		return true
	}
	_, admin := set[models.ActionAdmin]
	return admin
}

// MergePermissions folds rows for the same page, typically granted through
// several roles, into one entry carrying the union of actions. Output is
// ordered by page id.
func MergePermissions(rows []models.Permission) []models.Permission {
	byPage := make(map[int64]*models.Permission, len(rows))
	seen := make(map[int64]map[models.Action]struct{}, len(rows))
	for _, r := range rows {
		p, ok := byPage[r.PageID]
		if !ok {
			cp := r
			cp.Actions = nil
			p = &cp
			byPage[r.PageID] = p
			seen[r.PageID] = make(map[models.Action]struct{})
		}
		for _, a := range r.Actions {
			if _, dup := seen[r.PageID][a]; dup {
				continue
			}
			seen[r.PageID][a] = struct{}{}
			p.Actions = append(p.Actions, a)
		}
	}

	out := make([]models.Permission, 0, len(byPage))
	for _, p := range byPage {
		sort.Slice(p.Actions, func(i, j int) bool { return p.Actions[i] < p.Actions[j] })
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PageID < out[j].PageID })
	return out
}
