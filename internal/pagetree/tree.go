package pagetree

import (
	"encoding/json"
	"maps"

	"github.com/agentworkforce/relaycache/internal/model"
)

// RootID is the parent id of top-level nodes.
const RootID = ""

type Node struct {
	ID           string  `json:"id"`
	SlugID       string  `json:"slugId"`
	Name         string  `json:"name"`
	Icon         *string `json:"icon,omitempty"`
	Position     string  `json:"position"`
	SpaceID      string  `json:"spaceId"`
	ParentPageID *string `json:"parentPageId"`
	HasChildren  bool    `json:"hasChildren"`
}

func (n Node) ItemID() string {
	return n.ID
}

// NodeFromRecord builds a node from a page record, as carried by move events
// and sidebar listings.
func NodeFromRecord(id string, rec model.Record) Node {
	node := Node{ID: id}
	return applyRecord(node, rec)
}

func applyRecord(node Node, rec model.Record) Node {
	if rec == nil {
		return node
	}
	if v, ok := rec.String("slugId"); ok {
		node.SlugID = v
	}
	if v, ok := rec.String("title"); ok {
		node.Name = v
	}
	if v, ok := rec.String("name"); ok {
		node.Name = v
	}
	if v, present := rec.OptionalString("icon"); present {
		node.Icon = v
	}
	if v, ok := rec.String("position"); ok {
		node.Position = v
	}
	if v, ok := rec.String("spaceId"); ok {
		node.SpaceID = v
	}
	if v, present := rec.OptionalString("parentPageId"); present {
		node.ParentPageID = v
	}
	if v, ok := rec["hasChildren"].(bool); ok {
		node.HasChildren = v
	}
	return node
}

// Patched returns n with the non-structural page fields of rec applied. The
// parent and position only change through Tree.Move.
func (n Node) Patched(rec model.Record) Node {
	if len(rec) == 0 {
		return n
	}
	fields := rec.Clone()
	delete(fields, "parentPageId")
	delete(fields, "position")
	return applyRecord(n, fields)
}

// Tree is an immutable page tree for one space. Every mutating method
// returns a new Tree; readers holding an older value never observe a partial
// change.
type Tree struct {
	nodes    map[string]Node
	children map[string][]string
	parents  map[string]string
}

func New() Tree {
	return Tree{
		nodes:    map[string]Node{},
		children: map[string][]string{},
		parents:  map[string]string{},
	}
}

func (t Tree) clone() Tree {
	if t.nodes == nil {
		return New()
	}
	return Tree{
		nodes:    maps.Clone(t.nodes),
		children: maps.Clone(t.children),
		parents:  maps.Clone(t.parents),
	}
}

func (t Tree) Len() int {
	return len(t.nodes)
}

func (t Tree) Get(id string) (Node, bool) {
	node, ok := t.nodes[id]
	return node, ok
}

func (t Tree) Parent(id string) (string, bool) {
	parent, ok := t.parents[id]
	return parent, ok
}

func (t Tree) Children(parentID string) []Node {
	ids := t.children[parentID]
	out := make([]Node, 0, len(ids))
	for _, id := range ids {
		if node, ok := t.nodes[id]; ok {
			out = append(out, node)
		}
	}
	return out
}

// Insert places node under parentID at index (clamped). A node that is
// already present is moved rather than duplicated. Inserting a node under
// itself or its own subtree is ignored.
func (t Tree) Insert(parentID string, index int, node Node) Tree {
	if node.ID == "" || node.ID == parentID {
		return t
	}
	_, exists := t.nodes[node.ID]
	if exists && t.isDescendant(parentID, node.ID) {
		return t
	}
	next := t.clone()
	if exists {
		next.detach(node.ID)
	}
	node.ParentPageID = parentPointer(parentID)
	next.nodes[node.ID] = node
	next.attach(parentID, index, node.ID)
	return next
}

// Move reparents id under newParentID at index and applies the page patch.
// Detach and attach happen on one private copy, so the node is under
// exactly one parent in both the old and the returned tree. Unknown nodes are
// inserted when the patch carries enough data to render them.
func (t Tree) Move(id, newParentID string, index int, position string, patch model.Record) Tree {
	if id == "" || id == newParentID {
		return t
	}
	node, ok := t.nodes[id]
	if !ok {
		if _, hasSlug := patch.String("slugId"); !hasSlug {
			return t
		}
		node = NodeFromRecord(id, patch)
	} else if t.isDescendant(newParentID, id) {
		return t
	}
	next := t.clone()
	if ok {
		next.detach(id)
	}
	node = applyRecord(node, patch)
	node.ParentPageID = parentPointer(newParentID)
	if position != "" {
		node.Position = position
	}
	next.nodes[id] = node
	next.attach(newParentID, index, id)
	return next
}

// Remove drops id and its whole subtree.
func (t Tree) Remove(id string) Tree {
	if _, ok := t.nodes[id]; !ok {
		return t
	}
	next := t.clone()
	next.detach(id)
	next.dropSubtree(id)
	return next
}

// Patch merges page fields into an existing node. Structural fields are
// ignored: use Move to reparent.
func (t Tree) Patch(id string, patch model.Record) Tree {
	node, ok := t.nodes[id]
	if !ok || len(patch) == 0 {
		return t
	}
	next := t.clone()
	next.nodes[id] = node.Patched(patch)
	return next
}

// SetChildren replaces the child list of parentID with nodes, in order.
// Children that disappear are removed with their subtrees; children that stay
// keep their loaded subtrees.
func (t Tree) SetChildren(parentID string, nodes []Node) Tree {
	next := t.clone()
	keep := make(map[string]struct{}, len(nodes))
	for _, node := range nodes {
		keep[node.ID] = struct{}{}
	}
	for _, id := range t.children[parentID] {
		if _, ok := keep[id]; !ok {
			next.dropSubtree(id)
		}
	}
	ids := make([]string, 0, len(nodes))
	for _, node := range nodes {
		if node.ID == "" {
			continue
		}
		if current, ok := next.parents[node.ID]; ok && current != parentID {
			next.detach(node.ID)
		}
		node.ParentPageID = parentPointer(parentID)
		node.HasChildren = node.HasChildren || len(next.children[node.ID]) > 0
		next.nodes[node.ID] = node
		next.parents[node.ID] = parentID
		ids = append(ids, node.ID)
	}
	next.children[parentID] = ids
	next.refreshHasChildren(parentID)
	return next
}

func (t Tree) SetRoots(nodes []Node) Tree {
	return t.SetChildren(RootID, nodes)
}

func (t *Tree) attach(parentID string, index int, id string) {
	current := t.children[parentID]
	index = clampIndex(index, len(current))
	ids := make([]string, 0, len(current)+1)
	ids = append(ids, current[:index]...)
	ids = append(ids, id)
	ids = append(ids, current[index:]...)
	t.children[parentID] = ids
	t.parents[id] = parentID
	t.refreshHasChildren(parentID)
}

func (t *Tree) detach(id string) {
	parentID, ok := t.parents[id]
	if !ok {
		return
	}
	current := t.children[parentID]
	ids := make([]string, 0, len(current))
	for _, child := range current {
		if child != id {
			ids = append(ids, child)
		}
	}
	if len(ids) == 0 {
		delete(t.children, parentID)
	} else {
		t.children[parentID] = ids
	}
	delete(t.parents, id)
	t.refreshHasChildren(parentID)
}

func (t *Tree) dropSubtree(id string) {
	for _, child := range t.children[id] {
		t.dropSubtree(child)
	}
	delete(t.children, id)
	delete(t.nodes, id)
	delete(t.parents, id)
}

func (t *Tree) refreshHasChildren(parentID string) {
	if parentID == RootID {
		return
	}
	parent, ok := t.nodes[parentID]
	if !ok {
		return
	}
	parent.HasChildren = len(t.children[parentID]) > 0
	t.nodes[parentID] = parent
}

// isDescendant reports whether candidate sits inside the subtree rooted at
// ancestor. The walk is bounded by the number of parent links, so a corrupt
// parent chain ends the walk instead of looping.
func (t Tree) isDescendant(candidate, ancestor string) bool {
	current := candidate
	for steps := 0; current != RootID && steps <= len(t.parents); steps++ {
		if current == ancestor {
			return true
		}
		parent, ok := t.parents[current]
		if !ok {
			return false
		}
		current = parent
	}
	return false
}

func clampIndex(index, length int) int {
	if index < 0 {
		return 0
	}
	if index > length {
		return length
	}
	return index
}

func parentPointer(parentID string) *string {
	if parentID == RootID {
		return nil
	}
	id := parentID
	return &id
}

type treeJSON struct {
	Nodes    []Node              `json:"nodes"`
	Children map[string][]string `json:"children"`
}

func (t Tree) MarshalJSON() ([]byte, error) {
	out := treeJSON{
		Nodes:    make([]Node, 0, len(t.nodes)),
		Children: map[string][]string{},
	}
	var walk func(parentID string)
	walk = func(parentID string) {
		ids := t.children[parentID]
		if len(ids) == 0 {
			return
		}
		out.Children[parentID] = append([]string(nil), ids...)
		for _, id := range ids {
			if node, ok := t.nodes[id]; ok {
				out.Nodes = append(out.Nodes, node)
			}
			walk(id)
		}
	}
	walk(RootID)
	for parentID, ids := range t.children {
		if _, seen := out.Children[parentID]; seen {
			continue
		}
		if _, known := t.parents[parentID]; known {
			continue
		}
		out.Children[parentID] = append([]string(nil), ids...)
		for _, id := range ids {
			if node, ok := t.nodes[id]; ok {
				out.Nodes = append(out.Nodes, node)
			}
			walk(id)
		}
	}
	return json.Marshal(out)
}

func (t *Tree) UnmarshalJSON(data []byte) error {
	var in treeJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	next := New()
	for _, node := range in.Nodes {
		next.nodes[node.ID] = node
	}
	for parentID, ids := range in.Children {
		kept := make([]string, 0, len(ids))
		for _, id := range ids {
			if _, ok := next.nodes[id]; !ok {
				continue
			}
			if _, dup := next.parents[id]; dup {
				continue
			}
			next.parents[id] = parentID
			kept = append(kept, id)
		}
		if len(kept) > 0 {
			next.children[parentID] = kept
		}
	}
	*t = next
	return nil
}
