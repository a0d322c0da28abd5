package cachestore

import (
	"context"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeySegmentsAndPrefix(t *testing.T) {
	key := NewKey("comments", " p/1 ", "")
	assert.Equal(t, []string{"comments", "p/1"}, key.Segments())
	assert.True(t, key.HasPrefix(NewKey("comments")))
	assert.True(t, key.HasPrefix(""))
	assert.False(t, NewKey("comments-archive", "p1").HasPrefix(NewKey("comments")))
	assert.Nil(t, Key("").Segments())
}

func TestGetChecksType(t *testing.T) {
	r := NewRegistry()
	key := NewKey("answer")
	Set(r, key, 42)

	v, ok := Get[int](r, key)
	require.True(t, ok)
	assert.Equal(t, 42, v)

	_, ok = Get[string](r, key)
	assert.False(t, ok)

	state := r.State(key)
	assert.Equal(t, StatusReady, state.Status)
	assert.True(t, state.HasData)
}

func TestMutateMissIsBenign(t *testing.T) {
	r := NewRegistry()
	err := Mutate(r, NewKey("comments", "p1"), func(c Cache[item]) Cache[item] {
		t.Fatal("fn must not run on a miss")
		return c
	})
	assert.True(t, errors.Is(err, ErrCacheMiss))
	assert.Empty(t, r.Keys())
}

func TestUpdateTreatsOtherTypeAsMiss(t *testing.T) {
	r := NewRegistry()
	key := NewKey("k")
	Set(r, key, "text")
	var sawOK bool
	Update(r, key, func(current int, ok bool) (int, bool) {
		sawOK = ok
		return 0, false
	})
	assert.False(t, sawOK)
}

func TestInvalidatePrefixNotifiesListeners(t *testing.T) {
	r := NewRegistry()
	Set(r, NewKey("comments", "p1"), twoPages())
	Set(r, NewKey("comments", "p2"), twoPages())
	Set(r, NewKey("pages", "abc"), "page")

	var mu sync.Mutex
	var notified []Key
	r.OnInvalidate(func(key Key) {
		mu.Lock()
		notified = append(notified, key)
		mu.Unlock()
	})

	keys := r.Invalidate(NewKey("comments"))
	assert.Equal(t, []Key{"comments/p1", "comments/p2"}, keys)
	assert.Equal(t, keys, notified)

	state := r.State(NewKey("comments", "p1"))
	assert.False(t, state.HasData)
	assert.True(t, state.Stale)
	assert.Equal(t, []Key{"pages/abc"}, r.Keys())

	all := r.InvalidateAll()
	assert.Len(t, all, 3)
	assert.Empty(t, r.Keys())
}

func TestDeleteCancelsFetch(t *testing.T) {
	r := NewRegistry()
	key := NewKey("pages", "abc")
	Set(r, key, "page")
	ctx, _ := r.BeginFetch(context.Background(), key)

	assert.True(t, r.Delete(key))
	assert.Error(t, ctx.Err())
	assert.False(t, r.Delete(key))
	assert.False(t, r.Delete(NewKey("never")))
}

func TestMarkStaleAndSetStatus(t *testing.T) {
	r := NewRegistry()
	key := NewKey("k")
	r.MarkStale(key)
	assert.False(t, r.State(key).Stale, "keys without data are never stale")

	Set(r, key, 1)
	r.MarkStale(key)
	assert.True(t, r.State(key).Stale)

	failure := errors.New("boom")
	r.SetStatus(key, StatusError, failure)
	state := r.State(key)
	assert.Equal(t, StatusError, state.Status)
	assert.Equal(t, failure, state.Err)
	assert.True(t, state.Stale)

	r.SetStatus(key, StatusReady, nil)
	assert.False(t, r.State(key).Stale)
}

func TestCommitFetchRejectsSupersededToken(t *testing.T) {
	r := NewRegistry()
	key := NewKey("comments", "p1")

	firstCtx, first := r.BeginFetch(context.Background(), key)
	_, second := r.BeginFetch(context.Background(), key)
	assert.Error(t, firstCtx.Err(), "starting a new fetch cancels the old one")

	err := CommitFetch(r, first, func(current Cache[item], ok bool) Cache[item] {
		return NewCache(Page[item]{Items: items("old")})
	})
	assert.True(t, errors.Is(err, ErrStaleFetch))

	require.NoError(t, CommitFetch(r, second, func(current Cache[item], ok bool) Cache[item] {
		assert.False(t, ok)
		return NewCache(Page[item]{Items: items("new")})
	}))
	c, ok := Get[Cache[item]](r, key)
	require.True(t, ok)
	assert.Equal(t, []string{"new"}, ids(c))
	assert.True(t, r.State(key).Fetching)

	r.EndFetch(second)
	assert.False(t, r.State(key).Fetching)
	assert.False(t, r.FetchCurrent(second))
}

func TestCancelFetchInvalidatesToken(t *testing.T) {
	r := NewRegistry()
	key := NewKey("comments", "p1")
	Set(r, key, twoPages())
	ctx, token := r.BeginFetch(context.Background(), key)

	assert.True(t, r.CancelFetch(key))
	assert.Error(t, ctx.Err())
	assert.False(t, r.CancelFetch(key))

	err := CommitFetch(r, token, func(current Cache[item], ok bool) Cache[item] {
		return Cache[item]{}
	})
	assert.True(t, errors.Is(err, ErrStaleFetch))
	c, _ := Get[Cache[item]](r, key)
	assert.Equal(t, 3, c.Len(), "cancelled fetch must not overwrite data")
}

func TestInvalidateCancelsFetch(t *testing.T) {
	r := NewRegistry()
	key := NewKey("comments", "p1")
	_, token := r.BeginFetch(context.Background(), key)
	r.Invalidate(key)
	assert.False(t, r.FetchCurrent(token))
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	r := NewRegistry()
	key := NewKey("counter")
	Set(r, key, 0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = Mutate(r, key, func(n int) int { return n + 1 })
		}()
	}
	wg.Wait()
	n, _ := Get[int](r, key)
	assert.Equal(t, 50, n)
}

func TestRangeStopsEarly(t *testing.T) {
	r := NewRegistry()
	Set(r, NewKey("a"), 1)
	Set(r, NewKey("b"), 2)
	Set(r, NewKey("c"), 3)
	var seen []Key
	r.Range(func(key Key, value any) bool {
		seen = append(seen, key)
		return len(seen) < 2
	})
	assert.Equal(t, []Key{"a", "b"}, seen)
}
