package cachestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	ID    string
	Label string
}

func (i item) ItemID() string { return i.ID }

func items(ids ...string) []item {
	out := make([]item, 0, len(ids))
	for _, id := range ids {
		out = append(out, item{ID: id, Label: id})
	}
	return out
}

func ids(c Cache[item]) []string {
	out := []string{}
	for _, it := range c.Flatten() {
		out = append(out, it.ID)
	}
	return out
}

func twoPages() Cache[item] {
	return NewCache(
		Page[item]{Items: items("a", "b"), Meta: PageMeta{NextCursor: "2", HasNextPage: true}},
		Page[item]{Items: items("c")},
	)
}

func TestAppendPageDropsDuplicateIDs(t *testing.T) {
	c := twoPages()
	c = AppendPage(c, Page[item]{Items: items("c", "d", "d", "e")})

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids(c))
	require.Len(t, c.Pages, 3)
	assert.Len(t, c.Pages[2].Items, 2)
}

func TestInsertAtEnd(t *testing.T) {
	c := twoPages()
	next := InsertAtEnd(c, item{ID: "z"})
	assert.Equal(t, []string{"a", "b", "c", "z"}, ids(next))
	assert.Equal(t, []string{"a", "b", "c"}, ids(c), "input must not change")

	assert.Equal(t, next, InsertAtEnd(next, item{ID: "a", Label: "dup"}))

	empty := Cache[item]{}
	assert.Empty(t, InsertAtEnd(empty, item{ID: "z"}).Pages)
}

func TestReplaceByID(t *testing.T) {
	c := twoPages()
	next := ReplaceByID(c, "b", func(it item) item {
		it.Label = "changed"
		return it
	})
	got, ok := next.Find("b")
	require.True(t, ok)
	assert.Equal(t, "changed", got.Label)

	before, _ := c.Find("b")
	assert.Equal(t, "b", before.Label)

	assert.Equal(t, c, ReplaceByID(c, "missing", func(it item) item { return it }))
}

func TestRemoveByID(t *testing.T) {
	c := twoPages()
	next := RemoveByID(c, "a")
	assert.Equal(t, []string{"b", "c"}, ids(next))
	assert.Equal(t, []string{"a", "b", "c"}, ids(c))
	assert.Equal(t, PageMeta{NextCursor: "2", HasNextPage: true}, next.Pages[0].Meta)

	assert.Equal(t, next, RemoveByID(next, "a"))
}

func TestSnapshotSharesNoSlices(t *testing.T) {
	c := twoPages()
	snap := Snapshot(c)
	c.Pages[0].Items[0].Label = "mutated"

	got, ok := snap.Find("a")
	require.True(t, ok)
	assert.Equal(t, "a", got.Label)

	assert.Nil(t, Snapshot(Cache[item]{}).Pages)
}

func TestHasNextPageFollowsLastPage(t *testing.T) {
	c := NewCache(Page[item]{Items: items("a"), Meta: PageMeta{NextCursor: "1", HasNextPage: true}})
	assert.True(t, c.HasNextPage())

	c = AppendPage(c, Page[item]{Items: items("b")})
	assert.False(t, c.HasNextPage())

	_, ok := Cache[item]{}.LastPage()
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())
}
