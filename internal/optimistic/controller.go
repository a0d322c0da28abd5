package optimistic

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaycache/internal/cachestore"
	"github.com/agentworkforce/relaycache/internal/model"
	"github.com/agentworkforce/relaycache/internal/notify"
)

var (
	// ErrNetworkFailure marks a mutation whose server call was rejected. The
	// cache has been restored to its pre-mutation snapshot.
	ErrNetworkFailure = errors.New("mutation rejected by server")
	ErrInvalidInput   = errors.New("invalid mutation input")
)

// Remote performs the authoritative writes.
type Remote interface {
	CreateComment(ctx context.Context, input model.CreateCommentInput) (model.Comment, error)
	UpdateComment(ctx context.Context, input model.UpdateCommentInput) (model.Comment, error)
	DeleteComment(ctx context.Context, input model.DeleteCommentInput) error
	ResolveComment(ctx context.Context, input model.ResolveCommentInput) (model.Comment, error)
}

type Config struct {
	Registry    *cachestore.Registry
	Remote      Remote
	Notifier    notify.Notifier
	Logger      *zap.Logger
	CurrentUser *model.User
	NewID       func() string
	Now         func() time.Time
	// OnSettled runs after a mutation reaches a terminal state.
	OnSettled func(*Mutation)
}

type messages struct {
	success string
	failure string
}

var notices = map[model.PendingOp]messages{
	model.PendingCreate:  {"Comment created successfully", "Error creating comment"},
	model.PendingUpdate:  {"Comment updated successfully", "Failed to update comment"},
	model.PendingDelete:  {"Comment deleted successfully", "Failed to delete comment"},
	model.PendingResolve: {"Comment resolved successfully", "Failed to resolve comment"},
	model.PendingReopen:  {"Comment re-opened successfully", "Failed to resolve comment"},
}

// Controller runs the speculate / await / reconcile-or-revert protocol for
// comment mutations.
type Controller struct {
	registry    *cachestore.Registry
	remote      Remote
	notifier    notify.Notifier
	logger      *zap.Logger
	currentUser *model.User
	newID       func() string
	now         func() time.Time
	onSettled   func(*Mutation)
	wg          sync.WaitGroup
}

func New(cfg Config) (*Controller, error) {
	if cfg.Registry == nil {
		return nil, errors.Wrap(ErrInvalidInput, "registry is required")
	}
	if cfg.Remote == nil {
		return nil, errors.Wrap(ErrInvalidInput, "remote is required")
	}
	c := &Controller{
		registry:    cfg.Registry,
		remote:      cfg.Remote,
		notifier:    cfg.Notifier,
		logger:      cfg.Logger,
		currentUser: cfg.CurrentUser,
		newID:       cfg.NewID,
		now:         cfg.Now,
		onSettled:   cfg.OnSettled,
	}
	if c.notifier == nil {
		c.notifier = notify.Nop{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.With(zap.String("component", "optimistic"))
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Drain waits for every dispatched server call to settle.
func (c *Controller) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type plan struct {
	speculate func(cachestore.Cache[model.Comment]) (cachestore.Cache[model.Comment], *model.Comment)
	call      func(context.Context) (model.Comment, error)
	reconcile func(cachestore.Cache[model.Comment], model.Comment) cachestore.Cache[model.Comment]
}

func (c *Controller) Create(ctx context.Context, input model.CreateCommentInput) (*Mutation, error) {
	if strings.TrimSpace(input.PageID) == "" {
		return nil, errors.Wrap(ErrInvalidInput, "pageId is required")
	}
	if len(input.Content) == 0 {
		return nil, errors.Wrap(ErrInvalidInput, "content is required")
	}
	now := c.now().UTC()
	m := newMutation(c.newID(), model.PendingCreate, model.CommentsKey(input.PageID), c.newID())
	placeholder := model.Comment{
		ID:              m.ItemID,
		PageID:          input.PageID,
		Content:         input.Content,
		Selection:       input.Selection,
		Type:            input.Type,
		ParentCommentID: input.ParentCommentID,
		CreatedAt:       now,
		Pending:         &model.Pending{MutationID: m.ID, Op: model.PendingCreate, Since: now},
	}
	if user := c.currentUser; user != nil {
		creator := *user
		placeholder.CreatorID = creator.ID
		placeholder.Creator = &creator
	}
	c.dispatch(ctx, m, plan{
		speculate: func(cache cachestore.Cache[model.Comment]) (cachestore.Cache[model.Comment], *model.Comment) {
			if len(cache.Pages) == 0 {
				return cache, nil
			}
			return cachestore.InsertAtEnd(cache, placeholder), &placeholder
		},
		call: func(ctx context.Context) (model.Comment, error) {
			return c.remote.CreateComment(ctx, input)
		},
		reconcile: func(cache cachestore.Cache[model.Comment], server model.Comment) cachestore.Cache[model.Comment] {
			if server.ID == "" {
				// empty response: keep the placeholder as written
				return cachestore.ReplaceByID(cache, m.ItemID, func(current model.Comment) model.Comment {
					return clearPending(current, m.ID)
				})
			}
			server = server.Confirmed()
			hasPlaceholder := cache.Contains(m.ItemID)
			switch {
			case hasPlaceholder && cache.Contains(server.ID):
				// the feed delivered the comment before the response
				cache = cachestore.RemoveByID(cache, m.ItemID)
				return cachestore.ReplaceByID(cache, server.ID, func(model.Comment) model.Comment { return server })
			case hasPlaceholder:
				return cachestore.ReplaceByID(cache, m.ItemID, func(model.Comment) model.Comment { return server })
			case cache.Contains(server.ID):
				return cachestore.ReplaceByID(cache, server.ID, func(model.Comment) model.Comment { return server })
			default:
				return cachestore.InsertAtEnd(cache, server)
			}
		},
	})
	return m, nil
}

func (c *Controller) Update(ctx context.Context, input model.UpdateCommentInput) (*Mutation, error) {
	if strings.TrimSpace(input.PageID) == "" || strings.TrimSpace(input.CommentID) == "" {
		return nil, errors.Wrap(ErrInvalidInput, "pageId and commentId are required")
	}
	m := newMutation(c.newID(), model.PendingUpdate, model.CommentsKey(input.PageID), input.CommentID)
	c.dispatch(ctx, m, plan{
		speculate: func(cache cachestore.Cache[model.Comment]) (cachestore.Cache[model.Comment], *model.Comment) {
			var written *model.Comment
			now := c.now().UTC()
			next := cachestore.ReplaceByID(cache, input.CommentID, func(current model.Comment) model.Comment {
				current.Content = input.Content
				current.EditedAt = &now
				current.Pending = &model.Pending{MutationID: m.ID, Op: model.PendingUpdate, Since: now}
				written = &current
				return current
			})
			return next, written
		},
		call: func(ctx context.Context) (model.Comment, error) {
			return c.remote.UpdateComment(ctx, input)
		},
		reconcile: func(cache cachestore.Cache[model.Comment], server model.Comment) cachestore.Cache[model.Comment] {
			return cachestore.ReplaceByID(cache, input.CommentID, func(current model.Comment) model.Comment {
				if server.ID == "" {
					return clearPending(current, m.ID)
				}
				next := server.Confirmed()
				if current.Pending != nil && current.Pending.MutationID != m.ID {
					next.Pending = current.Pending
				}
				return next
			})
		},
	})
	return m, nil
}

func (c *Controller) Delete(ctx context.Context, input model.DeleteCommentInput) (*Mutation, error) {
	if strings.TrimSpace(input.PageID) == "" || strings.TrimSpace(input.CommentID) == "" {
		return nil, errors.Wrap(ErrInvalidInput, "pageId and commentId are required")
	}
	m := newMutation(c.newID(), model.PendingDelete, model.CommentsKey(input.PageID), input.CommentID)
	c.dispatch(ctx, m, plan{
		speculate: func(cache cachestore.Cache[model.Comment]) (cachestore.Cache[model.Comment], *model.Comment) {
			return cachestore.RemoveByID(cache, input.CommentID), nil
		},
		call: func(ctx context.Context) (model.Comment, error) {
			return model.Comment{}, c.remote.DeleteComment(ctx, input)
		},
		reconcile: func(cache cachestore.Cache[model.Comment], _ model.Comment) cachestore.Cache[model.Comment] {
			return cachestore.RemoveByID(cache, input.CommentID)
		},
	})
	return m, nil
}

// Resolve resolves or re-opens a comment depending on input.Resolved.
func (c *Controller) Resolve(ctx context.Context, input model.ResolveCommentInput) (*Mutation, error) {
	if strings.TrimSpace(input.PageID) == "" || strings.TrimSpace(input.CommentID) == "" {
		return nil, errors.Wrap(ErrInvalidInput, "pageId and commentId are required")
	}
	op := model.PendingResolve
	if !input.Resolved {
		op = model.PendingReopen
	}
	m := newMutation(c.newID(), op, model.CommentsKey(input.PageID), input.CommentID)
	c.dispatch(ctx, m, plan{
		speculate: func(cache cachestore.Cache[model.Comment]) (cachestore.Cache[model.Comment], *model.Comment) {
			var written *model.Comment
			now := c.now().UTC()
			next := cachestore.ReplaceByID(cache, input.CommentID, func(current model.Comment) model.Comment {
				if input.Resolved {
					resolver := model.User{}
					if c.currentUser != nil {
						resolver = *c.currentUser
					}
					resolverID := resolver.ID
					current.ResolvedAt = &now
					current.ResolvedByID = &resolverID
					current.ResolvedBy = &resolver
				} else {
					current.ResolvedAt = nil
					current.ResolvedByID = nil
					current.ResolvedBy = nil
				}
				current.Pending = &model.Pending{MutationID: m.ID, Op: op, Since: now}
				written = &current
				return current
			})
			return next, written
		},
		call: func(ctx context.Context) (model.Comment, error) {
			return c.remote.ResolveComment(ctx, input)
		},
		reconcile: func(cache cachestore.Cache[model.Comment], server model.Comment) cachestore.Cache[model.Comment] {
			return cachestore.ReplaceByID(cache, input.CommentID, func(current model.Comment) model.Comment {
				if server.ID == "" {
					return clearPending(current, m.ID)
				}
				current.ResolvedAt = server.ResolvedAt
				current.ResolvedByID = server.ResolvedByID
				current.ResolvedBy = server.ResolvedBy
				return clearPending(current, m.ID)
			})
		},
	})
	return m, nil
}

func (c *Controller) dispatch(ctx context.Context, m *Mutation, p plan) {
	logger := c.logger.With(
		zap.String("mutation_id", m.ID),
		zap.String("operation", string(m.Op)),
		zap.String("key", m.Key.String()),
	)

	m.setState(StateSpeculating)
	var (
		previous    cachestore.Cache[model.Comment]
		hadPrevious bool
	)
	cachestore.Update(c.registry, m.Key, func(current cachestore.Cache[model.Comment], ok bool) (cachestore.Cache[model.Comment], bool) {
		// under the key lock, so a fetch token issued before this write is
		// stale by the time CommitFetch can take the lock
		c.registry.CancelFetch(m.Key)
		if !ok {
			return current, false
		}
		previous = cachestore.Snapshot(current)
		hadPrevious = true
		next, written := p.speculate(current)
		m.recordSpeculative(written)
		return next, true
	})
	if !hadPrevious {
		logger.Debug("cache miss, skipping speculative write")
	}

	m.setState(StateAwaitingServer)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		server, err := p.call(ctx)
		if err != nil {
			c.rollback(m, previous, hadPrevious, err, logger)
		} else {
			c.commit(m, p, server, logger)
		}
		if c.onSettled != nil {
			c.onSettled(m)
		}
	}()
}

func (c *Controller) commit(m *Mutation, p plan, server model.Comment, logger *zap.Logger) {
	err := cachestore.Mutate(c.registry, m.Key, func(current cachestore.Cache[model.Comment]) cachestore.Cache[model.Comment] {
		return p.reconcile(current, server)
	})
	if errors.Is(err, cachestore.ErrCacheMiss) {
		logger.Debug("cache absent at reconciliation")
	}
	logger.Info("mutation committed")
	c.notifier.Notify(notify.Notice{
		Level:      notify.LevelSuccess,
		Message:    notices[m.Op].success,
		Operation:  string(m.Op),
		MutationID: m.ID,
		At:         c.now().UTC(),
	})
	m.finish(StateCommitted, server, nil)
}

func (c *Controller) rollback(m *Mutation, previous cachestore.Cache[model.Comment], hadPrevious bool, cause error, logger *zap.Logger) {
	if hadPrevious {
		c.registry.CancelFetch(m.Key)
		cachestore.Set(c.registry, m.Key, previous)
	}
	err := errors.Mark(errors.Wrapf(cause, "%s comment", m.Op), ErrNetworkFailure)
	logger.Warn("mutation rolled back", zap.Error(cause), zap.Bool("restored", hadPrevious))
	c.notifier.Notify(notify.Notice{
		Level:      notify.LevelError,
		Message:    notices[m.Op].failure,
		Operation:  string(m.Op),
		MutationID: m.ID,
		At:         c.now().UTC(),
	})
	m.finish(StateRolledBack, model.Comment{}, err)
}

func clearPending(c model.Comment, mutationID string) model.Comment {
	if c.Pending != nil && c.Pending.MutationID == mutationID {
		c.Pending = nil
	}
	return c
}
