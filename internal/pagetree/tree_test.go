package pagetree

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaycache/internal/model"
)

func ids(nodes []Node) []string {
	out := make([]string, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, node.ID)
	}
	return out
}

func seedTree() Tree {
	tree := New().SetRoots([]Node{
		{ID: "a", SlugID: "sa", Name: "A"},
		{ID: "b", SlugID: "sb", Name: "B"},
	})
	tree = tree.Insert("a", 0, Node{ID: "a1", SlugID: "sa1", Name: "A1"})
	tree = tree.Insert("a", 1, Node{ID: "a2", SlugID: "sa2", Name: "A2"})
	return tree
}

func TestInsertClampsIndexAndSetsParent(t *testing.T) {
	tree := seedTree()
	tree = tree.Insert("a", 99, Node{ID: "a3"})
	tree = tree.Insert("a", -4, Node{ID: "a0"})

	assert.Equal(t, []string{"a0", "a1", "a2", "a3"}, ids(tree.Children("a")))
	parent, ok := tree.Parent("a3")
	require.True(t, ok)
	assert.Equal(t, "a", parent)

	node, _ := tree.Get("a")
	assert.True(t, node.HasChildren)
	child, _ := tree.Get("a0")
	require.NotNil(t, child.ParentPageID)
	assert.Equal(t, "a", *child.ParentPageID)
}

func TestInsertExistingNodeDoesNotDuplicate(t *testing.T) {
	tree := seedTree().Insert("b", 0, Node{ID: "a1", Name: "A1 again"})

	assert.Equal(t, []string{"a2"}, ids(tree.Children("a")))
	assert.Equal(t, []string{"a1"}, ids(tree.Children("b")))
	assert.Equal(t, 4, tree.Len())
}

func TestInsertUnderItselfOrSubtreeIsIgnored(t *testing.T) {
	tree := seedTree()

	assert.Equal(t, tree, tree.Insert("a", 0, Node{ID: "a"}))
	assert.Equal(t, tree, tree.Insert("a1", 0, Node{ID: "a"}))

	fresh := New().Insert("x", 0, Node{ID: "x"})
	assert.Equal(t, 0, fresh.Len())
}

func TestIsDescendantStopsOnParentCycle(t *testing.T) {
	tree := New()
	tree.nodes["a"] = Node{ID: "a"}
	tree.nodes["b"] = Node{ID: "b"}
	tree.parents["a"] = "b"
	tree.parents["b"] = "a"

	assert.False(t, tree.isDescendant("a", "c"))
	assert.True(t, tree.isDescendant("a", "b"))
}

func TestMoveIsAtomicAcrossVersions(t *testing.T) {
	before := seedTree()
	after := before.Move("a1", "b", 0, "a0", model.Record{"title": "Moved"})

	// the old value is untouched
	assert.Equal(t, []string{"a1", "a2"}, ids(before.Children("a")))
	assert.Empty(t, before.Children("b"))
	parent, _ := before.Parent("a1")
	assert.Equal(t, "a", parent)

	// the new value has the node under exactly one parent
	assert.Equal(t, []string{"a2"}, ids(after.Children("a")))
	assert.Equal(t, []string{"a1"}, ids(after.Children("b")))
	parent, _ = after.Parent("a1")
	assert.Equal(t, "b", parent)

	moved, _ := after.Get("a1")
	assert.Equal(t, "Moved", moved.Name)
	assert.Equal(t, "a0", moved.Position)
	newParent, _ := after.Get("b")
	assert.True(t, newParent.HasChildren)
}

func TestMoveToRootAndLastChildClearsHasChildren(t *testing.T) {
	tree := New().SetRoots([]Node{{ID: "a"}}).Insert("a", 0, Node{ID: "a1"})
	tree = tree.Move("a1", RootID, 5, "", nil)

	assert.Equal(t, []string{"a", "a1"}, ids(tree.Children(RootID)))
	parent, _ := tree.Get("a")
	assert.False(t, parent.HasChildren)
	moved, _ := tree.Get("a1")
	assert.Nil(t, moved.ParentPageID)
}

func TestMoveIntoOwnSubtreeIsIgnored(t *testing.T) {
	tree := seedTree()
	next := tree.Move("a", "a1", 0, "", nil)
	assert.Equal(t, ids(tree.Children(RootID)), ids(next.Children(RootID)))
	parent, _ := next.Parent("a")
	assert.Equal(t, RootID, parent)
}

func TestMoveUnknownNode(t *testing.T) {
	tree := seedTree()

	unchanged := tree.Move("ghost", "b", 0, "", model.Record{"title": "Ghost"})
	assert.Equal(t, tree.Len(), unchanged.Len())

	inserted := tree.Move("ghost", "b", 0, "p", model.Record{"slugId": "sg", "title": "Ghost"})
	assert.Equal(t, []string{"ghost"}, ids(inserted.Children("b")))
	node, _ := inserted.Get("ghost")
	assert.Equal(t, "sg", node.SlugID)
	assert.Equal(t, "Ghost", node.Name)
}

func TestRemoveDropsSubtree(t *testing.T) {
	tree := seedTree().Insert("a1", 0, Node{ID: "deep"})
	tree = tree.Remove("a")

	assert.Equal(t, []string{"b"}, ids(tree.Children(RootID)))
	for _, id := range []string{"a", "a1", "a2", "deep"} {
		_, ok := tree.Get(id)
		assert.False(t, ok, id)
	}
	assert.Equal(t, 1, tree.Len())
}

func TestPatchIgnoresStructuralFields(t *testing.T) {
	tree := seedTree().Patch("a1", model.Record{
		"title":        "Renamed",
		"icon":         "📄",
		"parentPageId": "b",
	})

	node, _ := tree.Get("a1")
	assert.Equal(t, "Renamed", node.Name)
	require.NotNil(t, node.Icon)
	assert.Equal(t, "📄", *node.Icon)
	parent, _ := tree.Parent("a1")
	assert.Equal(t, "a", parent)

	cleared := tree.Patch("a1", model.Record{"icon": nil})
	node, _ = cleared.Get("a1")
	assert.Nil(t, node.Icon)
}

func TestSetRootsKeepsLoadedSubtrees(t *testing.T) {
	tree := seedTree().SetRoots([]Node{
		{ID: "c", Name: "C"},
		{ID: "a", Name: "A renamed"},
	})

	assert.Equal(t, []string{"c", "a"}, ids(tree.Children(RootID)))
	assert.Equal(t, []string{"a1", "a2"}, ids(tree.Children("a")))
	_, ok := tree.Get("b")
	assert.False(t, ok)
	node, _ := tree.Get("a")
	assert.Equal(t, "A renamed", node.Name)
}

func TestTreeJSONRoundTrip(t *testing.T) {
	tree := seedTree().Move("a2", "b", 0, "", nil)

	raw, err := json.Marshal(tree)
	require.NoError(t, err)

	var restored Tree
	require.NoError(t, json.Unmarshal(raw, &restored))

	assert.Equal(t, tree.Len(), restored.Len())
	assert.Equal(t, ids(tree.Children(RootID)), ids(restored.Children(RootID)))
	assert.Equal(t, ids(tree.Children("a")), ids(restored.Children("a")))
	assert.Equal(t, ids(tree.Children("b")), ids(restored.Children("b")))
	parent, _ := restored.Parent("a2")
	assert.Equal(t, "b", parent)
}

func TestZeroTreeIsUsable(t *testing.T) {
	var tree Tree
	assert.Empty(t, tree.Children(RootID))
	tree = tree.Insert(RootID, 0, Node{ID: "x"})
	assert.Equal(t, 1, tree.Len())
}
