package models

type Action string

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionExport Action = "export"
	// ActionAdmin on a page grants every action on that page.
	ActionAdmin Action = "admin"
)

// PlaceholderPath marks a structural page that has no route of its own.
const PlaceholderPath = "-"

// Permission is one role-derived page grant for a user.
type Permission struct {
	PageID   int64    `json:"pageId"`
	PageName string   `json:"pageName"`
	PagePath string   `json:"pagePath"`
	Icon     string   `json:"icon,omitempty"`
	Module   string   `json:"module,omitempty"`
	ParentID *int64   `json:"parentId,omitempty"`
	Priority *int     `json:"priority,omitempty"`
	Actions  []Action `json:"actions"`
}

// MenuNode is one entry of the navigation tree. Href is nil for folders.
type MenuNode struct {
	Title    string     `json:"title"`
	Href     *string    `json:"href"`
	Icon     string     `json:"icon,omitempty"`
	Children []MenuNode `json:"children"`
}

// SuperAdminRole is the role name that bypasses every page and table check.
const SuperAdminRole = "Super Admin"

// DataScope is how far a table grant reaches across rows.
type DataScope string

const (
	ScopeAll          DataScope = "all"
	ScopeOrganization DataScope = "organization"
	ScopeDepartment   DataScope = "department"
	ScopeOwn          DataScope = "own"
)

// TablePermission is one role-derived grant on a business table.
type TablePermission struct {
	Table     string    `json:"table"`
	CanView   bool      `json:"canView"`
	CanCreate bool      `json:"canCreate"`
	CanEdit   bool      `json:"canEdit"`
	CanDelete bool      `json:"canDelete"`
	CanExport bool      `json:"canExport"`
	Scope     DataScope `json:"scope"`
}

// Access is what authorization needs about a user beyond page grants: role
// names, table grants, and the organization placement scope filters bind to.
type Access struct {
	UserID         int64             `json:"userId"`
	OrganizationID int64             `json:"organizationId"`
	DepartmentID   *int64            `json:"departmentId,omitempty"`
	Roles          []string          `json:"roles"`
	Tables         []TablePermission `json:"tables"`
}
