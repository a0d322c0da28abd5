package pagination

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaycache/internal/cachestore"
)

const DefaultLimit = 100

// Fetcher loads one page of a scope. An empty cursor asks for the first page.
type Fetcher[T cachestore.Identifiable] func(ctx context.Context, cursor string, limit int) (cachestore.Page[T], error)

// View is the read side of a paginated scope. Loading stays true until the
// last fetched page reports no continuation.
type View[T cachestore.Identifiable] struct {
	Items      []T
	Meta       cachestore.PageMeta
	Pages      int
	Loading    bool
	Refreshing bool
	Stale      bool
	Err        error
}

type Options[T cachestore.Identifiable] struct {
	Limit  int
	Logger *zap.Logger
	// OnComplete receives the cache each time a load or refetch finishes with
	// no continuation left.
	OnComplete func(cachestore.Cache[T])
}

// Driver keeps fetching continuation pages for one key until the window is
// complete. At most one load runs per driver; a fetch cancelled by a
// speculative write is resumed from whatever the cache holds afterwards.
type Driver[T cachestore.Identifiable] struct {
	registry *cachestore.Registry
	key      cachestore.Key
	fetch    Fetcher[T]
	limit    int
	logger   *zap.Logger
	onDone   func(cachestore.Cache[T])
	sem      chan struct{}
}

func NewDriver[T cachestore.Identifiable](registry *cachestore.Registry, key cachestore.Key, fetch Fetcher[T], opts Options[T]) *Driver[T] {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver[T]{
		registry: registry,
		key:      key,
		fetch:    fetch,
		limit:    limit,
		logger:   logger.With(zap.String("component", "pagination"), zap.String("key", key.String())),
		onDone:   opts.OnComplete,
		sem:      make(chan struct{}, 1),
	}
}

func (d *Driver[T]) Key() cachestore.Key {
	return d.key
}

// Complete reports whether the cached window is fully loaded and fresh.
func (d *Driver[T]) Complete() bool {
	cache, ok := cachestore.Get[cachestore.Cache[T]](d.registry, d.key)
	if !ok {
		return false
	}
	return !cache.HasNextPage() && !d.registry.State(d.key).Stale
}

func (d *Driver[T]) View() View[T] {
	state := d.registry.State(d.key)
	cache, ok := cachestore.Get[cachestore.Cache[T]](d.registry, d.key)
	view := View[T]{
		Stale: state.Stale,
		Err:   state.Err,
	}
	if ok {
		view.Items = cache.Flatten()
		view.Pages = len(cache.Pages)
		if last, found := cache.LastPage(); found {
			view.Meta = last.Meta
		}
	}
	view.Loading = state.Status == cachestore.StatusLoading ||
		(ok && cache.HasNextPage()) ||
		(!ok && state.Status != cachestore.StatusError)
	view.Refreshing = state.Fetching && !view.Loading
	return view
}

// Ensure starts a background load when the window is incomplete and no load
// is running. It never blocks.
func (d *Driver[T]) Ensure(ctx context.Context) {
	if d.Complete() {
		return
	}
	select {
	case d.sem <- struct{}{}:
	default:
		return
	}
	go func() {
		defer func() { <-d.sem }()
		if err := d.run(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("background load failed", zap.Error(err))
		}
	}()
}

// Load fetches until the last page reports no continuation. Data restored
// from a snapshot is refetched.
func (d *Driver[T]) Load(ctx context.Context) error {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-d.sem }()
	return d.run(ctx)
}

// Refetch reloads the whole window. Pages are accumulated off to the side and
// swapped in once complete; readers keep the previous data meanwhile.
func (d *Driver[T]) Refetch(ctx context.Context) error {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-d.sem }()
	return d.refetch(ctx)
}

func (d *Driver[T]) run(ctx context.Context) error {
	if state := d.registry.State(d.key); state.Stale && state.HasData {
		return d.refetch(ctx)
	}
	for {
		if err := ctx.Err(); err != nil {
			d.settle()
			return err
		}
		cache, ok := cachestore.Get[cachestore.Cache[T]](d.registry, d.key)
		if ok && !cache.HasNextPage() {
			d.registry.SetStatus(d.key, cachestore.StatusReady, nil)
			d.complete(cache)
			return nil
		}
		cursor := ""
		if ok {
			last, _ := cache.LastPage()
			cursor = last.Meta.NextCursor
			if cursor == "" {
				err := errors.Newf("%s reports a continuation without a cursor", d.key)
				d.registry.SetStatus(d.key, cachestore.StatusError, err)
				return err
			}
		}

		fetchCtx, token := d.registry.BeginFetch(ctx, d.key)
		d.registry.SetStatus(d.key, cachestore.StatusLoading, nil)
		page, err := d.fetch(fetchCtx, cursor, d.limit)
		if err != nil {
			if !d.registry.FetchCurrent(token) {
				// cancelled by a speculative write or an invalidation
				d.logger.Debug("fetch cancelled", zap.String("cursor", cursor))
				continue
			}
			d.registry.EndFetch(token)
			if ctx.Err() != nil {
				d.settle()
				return ctx.Err()
			}
			err = errors.Wrapf(err, "fetch %s", d.key)
			d.registry.SetStatus(d.key, cachestore.StatusError, err)
			return err
		}

		err = cachestore.CommitFetch(d.registry, token, func(current cachestore.Cache[T], ok bool) cachestore.Cache[T] {
			if !ok || cursor == "" {
				return cachestore.NewCache(page)
			}
			return cachestore.AppendPage(current, page)
		})
		d.registry.EndFetch(token)
		if errors.Is(err, cachestore.ErrStaleFetch) {
			d.logger.Debug("discarded stale page", zap.String("cursor", cursor))
			continue
		}
		d.logger.Debug("page loaded", zap.String("cursor", cursor), zap.Int("items", len(page.Items)), zap.Bool("has_next_page", page.Meta.HasNextPage))
	}
}

func (d *Driver[T]) refetch(ctx context.Context) error {
	for {
		fetchCtx, token := d.registry.BeginFetch(ctx, d.key)
		if !d.registry.State(d.key).HasData {
			d.registry.SetStatus(d.key, cachestore.StatusLoading, nil)
		}
		fresh, err := d.collect(fetchCtx)
		if err != nil {
			if ctx.Err() != nil {
				d.registry.EndFetch(token)
				d.settle()
				return ctx.Err()
			}
			if !d.registry.FetchCurrent(token) {
				d.logger.Debug("refetch cancelled, restarting")
				continue
			}
			d.registry.EndFetch(token)
			err = errors.Wrapf(err, "refetch %s", d.key)
			d.registry.SetStatus(d.key, cachestore.StatusError, err)
			return err
		}
		err = cachestore.CommitFetch(d.registry, token, func(cachestore.Cache[T], bool) cachestore.Cache[T] {
			return fresh
		})
		d.registry.EndFetch(token)
		if errors.Is(err, cachestore.ErrStaleFetch) {
			continue
		}
		d.registry.SetStatus(d.key, cachestore.StatusReady, nil)
		d.logger.Debug("refetch complete", zap.Int("pages", len(fresh.Pages)), zap.Int("items", fresh.Len()))
		d.complete(fresh)
		return nil
	}
}

func (d *Driver[T]) collect(ctx context.Context) (cachestore.Cache[T], error) {
	fresh := cachestore.NewCache[T]()
	cursor := ""
	for {
		page, err := d.fetch(ctx, cursor, d.limit)
		if err != nil {
			return cachestore.Cache[T]{}, err
		}
		fresh = cachestore.AppendPage(fresh, page)
		if !page.Meta.HasNextPage {
			return fresh, nil
		}
		if page.Meta.NextCursor == "" {
			return cachestore.Cache[T]{}, errors.Newf("page after cursor %q reports a continuation without a cursor", cursor)
		}
		cursor = page.Meta.NextCursor
	}
}

func (d *Driver[T]) complete(cache cachestore.Cache[T]) {
	if d.onDone != nil {
		d.onDone(cache)
	}
}

// settle resets the loading status after an abandoned load so the view does
// not report a fetch that is no longer running.
func (d *Driver[T]) settle() {
	state := d.registry.State(d.key)
	if state.Status != cachestore.StatusLoading {
		return
	}
	if state.HasData {
		cache, _ := cachestore.Get[cachestore.Cache[T]](d.registry, d.key)
		if !cache.HasNextPage() {
			d.registry.SetStatus(d.key, cachestore.StatusReady, nil)
			return
		}
	}
	d.registry.SetStatus(d.key, cachestore.StatusIdle, nil)
}
