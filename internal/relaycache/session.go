package relaycache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaycache/internal/cachestore"
	"github.com/agentworkforce/relaycache/internal/model"
	"github.com/agentworkforce/relaycache/internal/notify"
	"github.com/agentworkforce/relaycache/internal/optimistic"
	"github.com/agentworkforce/relaycache/internal/pagetree"
	"github.com/agentworkforce/relaycache/internal/pagination"
	"github.com/agentworkforce/relaycache/internal/realtime"
)

var ErrAlreadySubscribed = errors.New("event source already subscribed")

// Remote is everything a session needs from the collaboration server.
type Remote interface {
	optimistic.Remote
	ListComments(ctx context.Context, pageID, cursor string, limit int) (cachestore.Page[model.Comment], error)
	ListSidebarPages(ctx context.Context, spaceID, cursor string, limit int) (cachestore.Page[pagetree.Node], error)
	ListChildPages(ctx context.Context, spaceID, parentPageID, cursor string, limit int) (cachestore.Page[pagetree.Node], error)
	PageInfo(ctx context.Context, pageID string) (model.Record, error)
}

type Options struct {
	Remote        Remote
	Registry      *cachestore.Registry
	StateBackend  StateBackend
	Logger        *zap.Logger
	Notifier      notify.Notifier
	CurrentUser   *model.User
	PageSize      int
	QueueSize     int
	NoticeHistory int
	NewID         func() string
	Now           func() time.Time
}

type (
	CommentsView = pagination.View[model.Comment]
	PagesView    = pagination.View[pagetree.Node]
)

type Stats struct {
	Keys          int            `json:"keys"`
	Drivers       int            `json:"drivers"`
	QueueDepth    int            `json:"queueDepth"`
	QueueCapacity int            `json:"queueCapacity"`
	Subscribed    bool           `json:"subscribed"`
	Events        realtime.Stats `json:"events"`
}

// Session wires the cache registry to the mutation controller, the event
// reducer and one pagination driver per scope that has been read.
type Session struct {
	registry   *cachestore.Registry
	remote     Remote
	controller *optimistic.Controller
	reducer    *realtime.Reducer
	queue      *realtime.Queue
	recorder   *notify.Recorder
	backend    StateBackend
	logger     *zap.Logger
	pageSize   int
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	comments   map[cachestore.Key]*pagination.Driver[model.Comment]
	rootPages  map[cachestore.Key]*pagination.Driver[pagetree.Node]
	subscribed atomic.Bool
	closeOnce  sync.Once
}

func New(opts Options) (*Session, error) {
	if opts.Remote == nil {
		return nil, errors.Wrap(ErrInvalidInput, "remote is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := opts.Registry
	if registry == nil {
		registry = cachestore.NewRegistry()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = pagination.DefaultLimit
	}

	s := &Session{
		registry:  registry,
		remote:    opts.Remote,
		recorder:  notify.NewRecorder(opts.NoticeHistory),
		backend:   opts.StateBackend,
		logger:    logger.With(zap.String("component", "session")),
		pageSize:  pageSize,
		now:       now,
		queue:     realtime.NewQueue(opts.QueueSize),
		comments:  map[cachestore.Key]*pagination.Driver[model.Comment]{},
		rootPages: map[cachestore.Key]*pagination.Driver[pagetree.Node]{},
	}

	controller, err := optimistic.New(optimistic.Config{
		Registry:    registry,
		Remote:      opts.Remote,
		Notifier:    notify.Multi{s.recorder, notify.NewLogNotifier(logger), opts.Notifier},
		Logger:      logger,
		CurrentUser: opts.CurrentUser,
		NewID:       opts.NewID,
		Now:         now,
		OnSettled:   s.onSettled,
	})
	if err != nil {
		return nil, err
	}
	s.controller = controller

	reducer, err := realtime.NewReducer(realtime.ReducerConfig{
		Registry: registry,
		Logger:   logger,
		Refetch:  s.refetch,
	})
	if err != nil {
		return nil, err
	}
	s.reducer = reducer

	registry.OnInvalidate(s.onInvalidate)

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.reducer.Run(s.ctx, s.queue)
	}()
	return s, nil
}

// Close waits for in-flight mutations to settle (bounded by ctx), then stops
// the reducer and background loads.
// Drain waits for in-flight mutations to settle, leaving the session and its
// state backend open. Call it before a final SaveSnapshot so no speculative
// placeholders are persisted.
func (s *Session) Drain(ctx context.Context) error {
	return s.controller.Drain(ctx)
}

func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		err = s.controller.Drain(ctx)
		s.cancel()
		s.wg.Wait()
		if s.backend != nil {
			if closeErr := closeStateBackend(s.backend); closeErr != nil && err == nil {
				err = closeErr
			}
		}
	})
	return err
}

func (s *Session) Registry() *cachestore.Registry {
	return s.registry
}

// Comments returns the current view of a page's comments and starts loading
// missing pages in the background.
func (s *Session) Comments(ctx context.Context, pageID string) CommentsView {
	d := s.commentsDriver(pageID)
	if ctx.Err() == nil {
		d.Ensure(s.ctx)
	}
	return d.View()
}

// LoadComments blocks until every page of the page's comments is loaded.
func (s *Session) LoadComments(ctx context.Context, pageID string) (CommentsView, error) {
	d := s.commentsDriver(pageID)
	err := d.Load(ctx)
	return d.View(), err
}

func (s *Session) RootPages(ctx context.Context, spaceID string) PagesView {
	d := s.rootPagesDriver(spaceID)
	if ctx.Err() == nil {
		d.Ensure(s.ctx)
	}
	return d.View()
}

func (s *Session) LoadRootPages(ctx context.Context, spaceID string) (PagesView, error) {
	d := s.rootPagesDriver(spaceID)
	err := d.Load(ctx)
	return d.View(), err
}

// Tree returns the cached page tree of a space. It is built from the root
// sidebar listing and grows as children are loaded or events arrive.
func (s *Session) Tree(spaceID string) (pagetree.Tree, bool) {
	return cachestore.Get[pagetree.Tree](s.registry, model.SpaceTreeKey(spaceID))
}

// LoadChildren fetches every child page of parentID and installs them in the
// space tree.
func (s *Session) LoadChildren(ctx context.Context, spaceID, parentID string) ([]pagetree.Node, error) {
	var nodes []pagetree.Node
	cursor := ""
	for {
		page, err := s.remote.ListChildPages(ctx, spaceID, parentID, cursor, s.pageSize)
		if err != nil {
			return nil, errors.Wrapf(err, "load children of %s", parentID)
		}
		nodes = append(nodes, page.Items...)
		if !page.Meta.HasNextPage || page.Meta.NextCursor == "" {
			break
		}
		cursor = page.Meta.NextCursor
	}
	cachestore.Update(s.registry, model.SpaceTreeKey(spaceID), func(t pagetree.Tree, ok bool) (pagetree.Tree, bool) {
		if !ok {
			t = pagetree.New()
		}
		return t.SetChildren(parentID, nodes), true
	})
	return nodes, nil
}

func (s *Session) Entity(key cachestore.Key) (model.Record, bool) {
	return cachestore.Get[model.Record](s.registry, key)
}

// LoadPage fetches a page record and caches it under its slug id, where
// updateOne and deleteOne events find it.
func (s *Session) LoadPage(ctx context.Context, pageID string) (model.Record, error) {
	rec, err := s.remote.PageInfo(ctx, pageID)
	if err != nil {
		return nil, errors.Wrapf(err, "load page %s", pageID)
	}
	id := pageID
	if slug, ok := rec.String("slugId"); ok && slug != "" {
		id = slug
	}
	key := model.EntityKey([]string{model.EntityPages}, id)
	cachestore.Set(s.registry, key, rec)
	s.registry.SetStatus(key, cachestore.StatusReady, nil)
	return rec, nil
}

// The server call of a mutation outlives the caller's context; it runs until
// the server answers.

func (s *Session) CreateComment(ctx context.Context, input model.CreateCommentInput) (*optimistic.Mutation, error) {
	return s.controller.Create(context.WithoutCancel(ctx), input)
}

func (s *Session) UpdateComment(ctx context.Context, input model.UpdateCommentInput) (*optimistic.Mutation, error) {
	return s.controller.Update(context.WithoutCancel(ctx), input)
}

func (s *Session) DeleteComment(ctx context.Context, input model.DeleteCommentInput) (*optimistic.Mutation, error) {
	return s.controller.Delete(context.WithoutCancel(ctx), input)
}

func (s *Session) ResolveComment(ctx context.Context, input model.ResolveCommentInput) (*optimistic.Mutation, error) {
	return s.controller.Resolve(context.WithoutCancel(ctx), input)
}

// Subscribe feeds events from src into the reducer until src stops, ctx ends
// or the session closes. Only one source may be subscribed at a time.
func (s *Session) Subscribe(ctx context.Context, src realtime.Source) error {
	if !s.subscribed.CompareAndSwap(false, true) {
		return ErrAlreadySubscribed
	}
	defer s.subscribed.Store(false)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	s.logger.Info("event source subscribed")
	err := realtime.Pump(ctx, src, s.reducer, s.queue)
	s.logger.Info("event source stopped", zap.Error(err))
	return err
}

// HandleConnect is the source's connection hook. Events missed while the
// connection was down are unrecoverable, so a reconnect invalidates the whole
// cache.
func (s *Session) HandleConnect(reconnect bool) {
	if !reconnect {
		return
	}
	keys := s.registry.InvalidateAll()
	s.logger.Info("reconnected, cache invalidated", zap.Int("keys", len(keys)))
}

func (s *Session) InvalidatePrefix(prefix cachestore.Key) []cachestore.Key {
	return s.registry.Invalidate(prefix)
}

func (s *Session) Notices() []notify.Notice {
	return s.recorder.Recent()
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	drivers := len(s.comments) + len(s.rootPages)
	s.mu.Unlock()
	return Stats{
		Keys:          len(s.registry.Keys()),
		Drivers:       drivers,
		QueueDepth:    s.queue.Depth(),
		QueueCapacity: s.queue.Capacity(),
		Subscribed:    s.subscribed.Load(),
		Events:        s.reducer.Stats(),
	}
}

// SaveSnapshot persists the registry. It is a no-op without a state backend.
func (s *Session) SaveSnapshot(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	snap := captureSnapshot(s.registry, s.now())
	if err := s.backend.Save(ctx, snap); err != nil {
		return errors.Wrap(err, "save snapshot")
	}
	s.logger.Debug("snapshot saved", zap.Int("entries", snap.Len()))
	return nil
}

// LoadSnapshot restores the last saved snapshot. Restored entries are marked
// stale and refreshed on their first read. It returns the number of restored
// entries.
func (s *Session) LoadSnapshot(ctx context.Context) (int, error) {
	if s.backend == nil {
		return 0, nil
	}
	snap, err := s.backend.Load(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "load snapshot")
	}
	if snap == nil {
		return 0, nil
	}
	if snap.Version != snapshotVersion {
		s.logger.Warn("ignoring snapshot with unknown version", zap.Int("version", snap.Version))
		return 0, nil
	}
	keys := restoreSnapshot(s.registry, snap)
	s.logger.Info("snapshot restored", zap.Int("entries", len(keys)), zap.Time("saved_at", snap.SavedAt))
	return len(keys), nil
}

func (s *Session) commentsDriver(pageID string) *pagination.Driver[model.Comment] {
	key := model.CommentsKey(pageID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.comments[key]; ok {
		return d
	}
	d := pagination.NewDriver(s.registry, key, func(ctx context.Context, cursor string, limit int) (cachestore.Page[model.Comment], error) {
		return s.remote.ListComments(ctx, pageID, cursor, limit)
	}, pagination.Options[model.Comment]{Limit: s.pageSize, Logger: s.logger})
	s.comments[key] = d
	return d
}

func (s *Session) rootPagesDriver(spaceID string) *pagination.Driver[pagetree.Node] {
	key := model.RootSidebarPagesKey(spaceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.rootPages[key]; ok {
		return d
	}
	d := pagination.NewDriver(s.registry, key, func(ctx context.Context, cursor string, limit int) (cachestore.Page[pagetree.Node], error) {
		return s.remote.ListSidebarPages(ctx, spaceID, cursor, limit)
	}, pagination.Options[pagetree.Node]{
		Limit:  s.pageSize,
		Logger: s.logger,
		OnComplete: func(c cachestore.Cache[pagetree.Node]) {
			s.syncRoots(spaceID, c.Flatten())
		},
	})
	s.rootPages[key] = d
	return d
}

func (s *Session) syncRoots(spaceID string, roots []pagetree.Node) {
	key := model.SpaceTreeKey(spaceID)
	cachestore.Update(s.registry, key, func(t pagetree.Tree, ok bool) (pagetree.Tree, bool) {
		if !ok {
			t = pagetree.New()
		}
		return t.SetRoots(roots), true
	})
	s.registry.SetStatus(key, cachestore.StatusReady, nil)
}

// onInvalidate restarts loading for scopes that have been read before.
func (s *Session) onInvalidate(key cachestore.Key) {
	s.mu.Lock()
	comments := s.comments[key]
	roots := s.rootPages[key]
	s.mu.Unlock()
	if comments != nil {
		comments.Ensure(s.ctx)
	}
	if roots != nil {
		roots.Ensure(s.ctx)
	}
}

// onSettled resumes a load that a speculative write cancelled.
func (s *Session) onSettled(m *optimistic.Mutation) {
	s.mu.Lock()
	d := s.comments[m.Key]
	s.mu.Unlock()
	if d != nil {
		d.Ensure(s.ctx)
	}
}

func (s *Session) refetch(key cachestore.Key) {
	s.mu.Lock()
	d := s.rootPages[key]
	s.mu.Unlock()
	if d == nil {
		s.registry.Invalidate(key)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := d.Refetch(s.ctx); err != nil && s.ctx.Err() == nil {
			s.logger.Warn("refetch failed", zap.String("key", key.String()), zap.Error(err))
		}
	}()
}
