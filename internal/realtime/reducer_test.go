package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/agentworkforce/relaycache/internal/cachestore"
	"github.com/agentworkforce/relaycache/internal/model"
	"github.com/agentworkforce/relaycache/internal/pagetree"
)

func newTestReducer(t *testing.T, refetch func(cachestore.Key)) (*cachestore.Registry, *Reducer) {
	t.Helper()
	registry := cachestore.NewRegistry()
	r, err := NewReducer(ReducerConfig{
		Registry: registry,
		Logger:   zaptest.NewLogger(t),
		Refetch:  refetch,
	})
	require.NoError(t, err)
	return registry, r
}

func seedComments(registry *cachestore.Registry, pageID string, pages ...cachestore.Page[model.Comment]) {
	cachestore.Set(registry, model.CommentsKey(pageID), cachestore.NewCache(pages...))
}

func comments(t *testing.T, registry *cachestore.Registry, pageID string) cachestore.Cache[model.Comment] {
	t.Helper()
	cache, ok := cachestore.Get[cachestore.Cache[model.Comment]](registry, model.CommentsKey(pageID))
	require.True(t, ok)
	return cache
}

func flatIDs(cache cachestore.Cache[model.Comment]) []string {
	out := []string{}
	for _, c := range cache.Flatten() {
		out = append(out, c.ID)
	}
	return out
}

func TestCommentCreatedIsIdempotent(t *testing.T) {
	registry, r := newTestReducer(t, nil)
	seedComments(registry, "p1",
		cachestore.Page[model.Comment]{Items: []model.Comment{{ID: "a"}}},
		cachestore.Page[model.Comment]{Items: []model.Comment{{ID: "b"}}},
	)

	ev := CommentCreated{PageID: "p1", Comment: model.Comment{ID: "c"}}
	require.NoError(t, r.Apply(ev))
	require.NoError(t, r.Apply(ev))

	cache := comments(t, registry, "p1")
	assert.Equal(t, []string{"a", "b", "c"}, flatIDs(cache))
	assert.Equal(t, []string{"b", "c"}, flatIDs(cachestore.Cache[model.Comment]{Pages: cache.Pages[1:]}))
}

func TestCommentCreatedSkipsIDCachedInEarlierPage(t *testing.T) {
	registry, r := newTestReducer(t, nil)
	seedComments(registry, "p1",
		cachestore.Page[model.Comment]{Items: []model.Comment{{ID: "a"}}},
		cachestore.Page[model.Comment]{Items: []model.Comment{{ID: "b"}}},
	)
	require.NoError(t, r.Apply(CommentCreated{PageID: "p1", Comment: model.Comment{ID: "a"}}))
	assert.Equal(t, []string{"a", "b"}, flatIDs(comments(t, registry, "p1")))
}

func TestCommentCreatedWithoutPagesIsNoop(t *testing.T) {
	registry, r := newTestReducer(t, nil)
	require.NoError(t, r.Apply(CommentCreated{PageID: "p1", Comment: model.Comment{ID: "c"}}))
	_, ok := cachestore.Get[cachestore.Cache[model.Comment]](registry, model.CommentsKey("p1"))
	assert.False(t, ok)

	seedComments(registry, "p2")
	require.NoError(t, r.Apply(CommentCreated{PageID: "p2", Comment: model.Comment{ID: "c"}}))
	assert.Empty(t, flatIDs(comments(t, registry, "p2")))
}

func TestCommentCreatedStripsPendingState(t *testing.T) {
	registry, r := newTestReducer(t, nil)
	seedComments(registry, "p1", cachestore.Page[model.Comment]{})
	require.NoError(t, r.Apply(CommentCreated{PageID: "p1", Comment: model.Comment{ID: "c", Pending: &model.Pending{Op: model.PendingCreate}}}))
	got, _ := comments(t, registry, "p1").Find("c")
	assert.False(t, got.IsPending())
}

func TestLastArrivalWins(t *testing.T) {
	registry, r := newTestReducer(t, nil)
	seedComments(registry, "p1", cachestore.Page[model.Comment]{Items: []model.Comment{{ID: "c1", Content: []byte(`"v0"`)}}})

	require.NoError(t, r.Apply(CommentUpdated{PageID: "p1", Comment: model.Comment{ID: "c1", Content: []byte(`"v1"`)}}))
	require.NoError(t, r.Apply(CommentUpdated{PageID: "p1", Comment: model.Comment{ID: "c1", Content: []byte(`"v2"`)}}))

	got, ok := comments(t, registry, "p1").Find("c1")
	require.True(t, ok)
	assert.JSONEq(t, `"v2"`, string(got.Content))
}

func TestCommentResolvedReplacesByID(t *testing.T) {
	registry, r := newTestReducer(t, nil)
	seedComments(registry, "p1", cachestore.Page[model.Comment]{Items: []model.Comment{{ID: "c1"}, {ID: "c2"}}})
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, r.Apply(CommentResolved{PageID: "p1", Comment: model.Comment{ID: "c2", ResolvedAt: &at}}))
	require.NoError(t, r.Apply(CommentResolved{PageID: "p1", Comment: model.Comment{ID: "missing", ResolvedAt: &at}}))

	cache := comments(t, registry, "p1")
	assert.Equal(t, []string{"c1", "c2"}, flatIDs(cache))
	got, _ := cache.Find("c2")
	assert.True(t, got.IsResolved())
}

func TestCommentDeletedOnAbsentCacheIsNoop(t *testing.T) {
	registry, r := newTestReducer(t, nil)
	require.NoError(t, r.Apply(CommentDeleted{PageID: "p1", CommentID: "c1"}))
	_, ok := cachestore.Get[cachestore.Cache[model.Comment]](registry, model.CommentsKey("p1"))
	assert.False(t, ok)
	assert.Empty(t, registry.Keys())
}

func TestCommentDeletedRemoves(t *testing.T) {
	registry, r := newTestReducer(t, nil)
	seedComments(registry, "p1", cachestore.Page[model.Comment]{Items: []model.Comment{{ID: "c1"}, {ID: "c2"}}})
	require.NoError(t, r.Apply(CommentDeleted{PageID: "p1", CommentID: "c1"}))
	assert.Equal(t, []string{"c2"}, flatIDs(comments(t, registry, "p1")))
}

func TestInvalidateDropsPrefix(t *testing.T) {
	var invalidated []cachestore.Key
	registry, r := newTestReducer(t, nil)
	registry.OnInvalidate(func(key cachestore.Key) { invalidated = append(invalidated, key) })
	cachestore.Set(registry, cachestore.NewKey("pages", "p1"), model.Record{"title": "a"})
	cachestore.Set(registry, cachestore.NewKey("pages", "p10"), model.Record{"title": "b"})
	cachestore.Set(registry, cachestore.NewKey("spaces", "s1"), model.Record{"name": "s"})

	require.NoError(t, r.Apply(Invalidate{SpaceID: "s1", Entity: []string{"pages"}, ID: "p1"}))
	assert.Equal(t, []cachestore.Key{cachestore.NewKey("pages", "p10"), cachestore.NewKey("spaces", "s1")}, registry.Keys())
	assert.Equal(t, []cachestore.Key{cachestore.NewKey("pages", "p1")}, invalidated)

	require.NoError(t, r.Apply(Invalidate{SpaceID: "s1", Entity: []string{"pages"}}))
	assert.Equal(t, []cachestore.Key{cachestore.NewKey("spaces", "s1")}, registry.Keys())
}

func TestUpdateOnePatchesExistingRecordsOnly(t *testing.T) {
	registry, r := newTestReducer(t, nil)
	pageKey := model.EntityKey([]string{"pages"}, "slug-1")
	cachestore.Set(registry, pageKey, model.Record{"id": "p1", "slugId": "slug-1", "title": "Old", "icon": "x"})
	cachestore.Set(registry, model.SpaceTreeKey("s1"), pagetree.New().SetRoots([]pagetree.Node{{ID: "p1", Name: "Old"}}))
	cachestore.Set(registry, model.RootSidebarPagesKey("s1"), cachestore.NewCache(cachestore.Page[pagetree.Node]{Items: []pagetree.Node{{ID: "p1", Name: "Old"}}}))

	require.NoError(t, r.Apply(UpdateOne{
		SpaceID: "s1",
		Entity:  []string{"pages"},
		ID:      "p1",
		Payload: model.Record{"slugId": "slug-1", "title": "New"},
	}))

	record, ok := cachestore.Get[model.Record](registry, pageKey)
	require.True(t, ok)
	assert.Equal(t, "New", record["title"])
	assert.Equal(t, "x", record["icon"])

	tree, _ := cachestore.Get[pagetree.Tree](registry, model.SpaceTreeKey("s1"))
	node, _ := tree.Get("p1")
	assert.Equal(t, "New", node.Name)

	sidebar, _ := cachestore.Get[cachestore.Cache[pagetree.Node]](registry, model.RootSidebarPagesKey("s1"))
	sideNode, _ := sidebar.Find("p1")
	assert.Equal(t, "New", sideNode.Name)

	require.NoError(t, r.Apply(UpdateOne{SpaceID: "s1", Entity: []string{"spaces"}, ID: "s9", Payload: model.Record{"name": "x"}}))
	_, ok = cachestore.Get[model.Record](registry, cachestore.NewKey("spaces", "s9"))
	assert.False(t, ok)
}

func TestDeleteOneRemovesRecordAndTreeNode(t *testing.T) {
	registry, r := newTestReducer(t, nil)
	pageKey := model.EntityKey([]string{"pages"}, "slug-1")
	cachestore.Set(registry, pageKey, model.Record{"id": "p1"})
	cachestore.Set(registry, model.SpaceTreeKey("s1"), pagetree.New().SetRoots([]pagetree.Node{{ID: "p1"}, {ID: "p2"}}))

	require.NoError(t, r.Apply(DeleteOne{SpaceID: "s1", Entity: []string{"pages"}, ID: "p1", Payload: model.Record{"slugId": "slug-1"}}))

	_, ok := cachestore.Get[model.Record](registry, pageKey)
	assert.False(t, ok)
	tree, _ := cachestore.Get[pagetree.Tree](registry, model.SpaceTreeKey("s1"))
	_, ok = tree.Get("p1")
	assert.False(t, ok)
	assert.Equal(t, 1, tree.Len())
}

func TestTreeEvents(t *testing.T) {
	registry, r := newTestReducer(t, nil)
	cachestore.Set(registry, model.SpaceTreeKey("s1"), pagetree.New().SetRoots([]pagetree.Node{{ID: "a"}, {ID: "b"}}))
	cachestore.Set(registry, model.RootSidebarPagesKey("s1"), cachestore.NewCache(cachestore.Page[pagetree.Node]{Items: []pagetree.Node{{ID: "a"}, {ID: "b"}}}))

	require.NoError(t, r.Apply(AddTreeNode{SpaceID: "s1", Payload: AddTreeNodePayload{ParentID: "a", Index: 0, Data: pagetree.Node{ID: "a1"}}}))
	require.NoError(t, r.Apply(AddTreeNode{SpaceID: "s1", Payload: AddTreeNodePayload{ParentID: "", Index: 9, Data: pagetree.Node{ID: "c"}}}))

	tree, _ := cachestore.Get[pagetree.Tree](registry, model.SpaceTreeKey("s1"))
	assert.Len(t, tree.Children("a"), 1)
	assert.Len(t, tree.Children(pagetree.RootID), 3)
	sidebar, _ := cachestore.Get[cachestore.Cache[pagetree.Node]](registry, model.RootSidebarPagesKey("s1"))
	assert.True(t, sidebar.Contains("c"))
	assert.False(t, sidebar.Contains("a1"))

	// move a1 from a to root, then b under a
	require.NoError(t, r.Apply(MoveTreeNode{SpaceID: "s1", Payload: MoveTreeNodePayload{ID: "a1", ParentID: "", Index: 0, Position: "0", PageData: model.Record{"title": "A1"}}}))
	require.NoError(t, r.Apply(MoveTreeNode{SpaceID: "s1", Payload: MoveTreeNodePayload{ID: "b", ParentID: "a", Index: 0, Position: "z"}}))

	tree, _ = cachestore.Get[pagetree.Tree](registry, model.SpaceTreeKey("s1"))
	parent, _ := tree.Parent("a1")
	assert.Equal(t, pagetree.RootID, parent)
	parent, _ = tree.Parent("b")
	assert.Equal(t, "a", parent)
	sidebar, _ = cachestore.Get[cachestore.Cache[pagetree.Node]](registry, model.RootSidebarPagesKey("s1"))
	assert.True(t, sidebar.Contains("a1"))
	assert.False(t, sidebar.Contains("b"))

	require.NoError(t, r.Apply(DeleteTreeNode{SpaceID: "s1", Payload: DeleteTreeNodePayload{Node: pagetree.Node{ID: "a"}}}))
	tree, _ = cachestore.Get[pagetree.Tree](registry, model.SpaceTreeKey("s1"))
	_, ok := tree.Get("b")
	assert.False(t, ok, "subtree removed with its root")
	sidebar, _ = cachestore.Get[cachestore.Cache[pagetree.Node]](registry, model.RootSidebarPagesKey("s1"))
	assert.False(t, sidebar.Contains("a"))
}

func TestSelfParentedTreeNodeLeavesTreeUnchanged(t *testing.T) {
	registry, r := newTestReducer(t, nil)
	seeded := pagetree.New().SetRoots([]pagetree.Node{{ID: "a"}, {ID: "b"}})
	cachestore.Set(registry, model.SpaceTreeKey("s1"), seeded)

	require.NoError(t, r.Apply(AddTreeNode{SpaceID: "s1", Payload: AddTreeNodePayload{ParentID: "a", Data: pagetree.Node{ID: "a"}}}))

	done := make(chan error, 1)
	go func() {
		done <- r.Apply(MoveTreeNode{SpaceID: "s1", Payload: MoveTreeNodePayload{ID: "b", ParentID: "a"}})
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("move after self-parented insert did not return")
	}

	tree, _ := cachestore.Get[pagetree.Tree](registry, model.SpaceTreeKey("s1"))
	parent, ok := tree.Parent("a")
	require.True(t, ok)
	assert.Equal(t, pagetree.RootID, parent)
	parent, _ = tree.Parent("b")
	assert.Equal(t, "a", parent)
}

func TestRefetchRootTreeNode(t *testing.T) {
	var refetched []cachestore.Key
	registry, r := newTestReducer(t, func(key cachestore.Key) { refetched = append(refetched, key) })
	cachestore.Set(registry, model.RecentChangesKey("s1"), model.Record{})
	cachestore.Set(registry, model.RootSidebarPagesKey("s1"), cachestore.NewCache[pagetree.Node]())

	require.NoError(t, r.Apply(RefetchRootTreeNode{SpaceID: "s1"}))

	assert.Equal(t, []cachestore.Key{model.RootSidebarPagesKey("s1")}, refetched)
	assert.Equal(t, []cachestore.Key{model.RootSidebarPagesKey("s1")}, registry.Keys())
}

func TestApplyRecoversFromPanics(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	registry := cachestore.NewRegistry()
	r, err := NewReducer(ReducerConfig{
		Registry: registry,
		Logger:   zap.New(core),
		Refetch:  func(cachestore.Key) { panic("boom") },
	})
	require.NoError(t, err)
	seedComments(registry, "p1", cachestore.Page[model.Comment]{})

	q := NewQueue(4)
	require.True(t, q.TryEnqueue(RefetchRootTreeNode{SpaceID: "s1"}))
	require.True(t, q.TryEnqueue(CommentCreated{PageID: "p1", Comment: model.Comment{ID: "c1"}}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, q) }()

	require.Eventually(t, func() bool {
		return r.Stats().Applied == 1 && r.Stats().Failed == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, []string{"c1"}, flatIDs(comments(t, registry, "p1")))
	require.Equal(t, 1, logs.Len())
	assert.Contains(t, logs.All()[0].ContextMap()["error"], "panic applying refetchRootTreeNode")
}

func TestDecodeCountsSkippedFrames(t *testing.T) {
	_, r := newTestReducer(t, nil)
	_, ok := r.Decode([]byte(`{"operation":"nope"}`))
	assert.False(t, ok)
	_, ok = r.Decode([]byte(`garbage`))
	assert.False(t, ok)
	ev, ok := r.Decode([]byte(`{"operation":"commentDeleted","pageId":"p","commentId":"c"}`))
	assert.True(t, ok)
	assert.Equal(t, CommentDeleted{PageID: "p", CommentID: "c"}, ev)
	assert.Equal(t, Stats{Received: 3, Skipped: 2}, r.Stats())
}

func TestQueueBounds(t *testing.T) {
	q := NewQueue(1)
	assert.True(t, q.TryEnqueue(RefetchRootTreeNode{SpaceID: "s"}))
	assert.False(t, q.TryEnqueue(RefetchRootTreeNode{SpaceID: "s"}))
	assert.Equal(t, 1, q.Depth())
	assert.Equal(t, 1, q.Capacity())
	assert.False(t, q.TryEnqueue(nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, q.Enqueue(ctx, RefetchRootTreeNode{SpaceID: "s"}))
}
