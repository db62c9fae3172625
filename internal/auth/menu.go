package auth

import (
	"sort"

	"github.com/nikhilbhutani/grcgate/internal/models"
)

const defaultPriority = 999

type menuEntry struct {
	node     models.MenuNode
	parentID *int64
	children []int64
}

// BuildMenu turns a flat permission list into the navigation tree. Rows are
// ordered by priority then page id, nested under their parent when the parent
// is present in the list, and pruned so that every remaining node either links
// somewhere or leads to something that does.
func BuildMenu(perms []models.Permission) []models.MenuNode {
	rows := make([]models.Permission, len(perms))
	copy(rows, perms)
	sort.SliceStable(rows, func(i, j int) bool {
		pi, pj := priorityOf(rows[i]), priorityOf(rows[j])
		if pi != pj {
			return pi < pj
		}
		return rows[i].PageID < rows[j].PageID
	})

	index := make(map[int64]*menuEntry, len(rows))
	order := make([]int64, 0, len(rows))
	for _, p := range rows {
		if _, dup := index[p.PageID]; dup {
			continue
		}
		e := &menuEntry{node: models.MenuNode{
			Title: p.PageName,
			Href:  hrefOf(p.PagePath),
			Icon:  p.Icon,
		}, parentID: p.ParentID}
		index[p.PageID] = e
		order = append(order, p.PageID)
	}

	var roots []int64
	for _, id := range order {
		e := index[id]
		if e.parentID != nil && *e.parentID != id {
			if parent, ok := index[*e.parentID]; ok {
				parent.children = append(parent.children, id)
				continue
			}
		}
		roots = append(roots, id)
	}

	visiting := make(map[int64]bool, len(order))
	menu := make([]models.MenuNode, 0, len(roots))
	for _, id := range roots {
		if n, ok := materialize(index, id, visiting); ok {
			menu = append(menu, n)
		}
	}
	return menu
}

// materialize builds the subtree at id bottom-up and reports whether it
// survives pruning. visiting breaks parent cycles.
func materialize(index map[int64]*menuEntry, id int64, visiting map[int64]bool) (models.MenuNode, bool) {
	if visiting[id] {
		return models.MenuNode{}, false
	}
	visiting[id] = true
	defer delete(visiting, id)

	e := index[id]
	node := e.node
	node.Children = []models.MenuNode{}
	for _, cid := range e.children {
		if child, ok := materialize(index, cid, visiting); ok {
			node.Children = append(node.Children, child)
		}
	}
	return node, node.Href != nil || len(node.Children) > 0
}

func priorityOf(p models.Permission) int {
	if p.Priority == nil {
		return defaultPriority
	}
	return *p.Priority
}

func hrefOf(path string) *string {
	if path == "" || path == models.PlaceholderPath {
		return nil
	}
	h := path
	return &h
}
