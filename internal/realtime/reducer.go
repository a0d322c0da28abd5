package realtime

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaycache/internal/cachestore"
	"github.com/agentworkforce/relaycache/internal/model"
	"github.com/agentworkforce/relaycache/internal/pagetree"
)

type ReducerConfig struct {
	Registry *cachestore.Registry
	Decoder  *Decoder
	Logger   *zap.Logger
	// Refetch schedules a forced refetch of key without blocking. When nil
	// the key is invalidated instead.
	Refetch func(key cachestore.Key)
}

type Stats struct {
	Applied  uint64 `json:"applied"`
	Skipped  uint64 `json:"skipped"`
	Failed   uint64 `json:"failed"`
	Received uint64 `json:"received"`
}

// Reducer applies server events to the registry, one at a time and in
// arrival order.
type Reducer struct {
	registry *cachestore.Registry
	decoder  *Decoder
	logger   *zap.Logger
	refetch  func(cachestore.Key)

	received atomic.Uint64
	applied  atomic.Uint64
	skipped  atomic.Uint64
	failed   atomic.Uint64
}

func NewReducer(cfg ReducerConfig) (*Reducer, error) {
	if cfg.Registry == nil {
		return nil, errors.New("reducer requires a registry")
	}
	decoder := cfg.Decoder
	if decoder == nil {
		var err error
		decoder, err = NewDecoder()
		if err != nil {
			return nil, err
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reducer{
		registry: cfg.Registry,
		decoder:  decoder,
		logger:   logger.With(zap.String("component", "reducer")),
		refetch:  cfg.Refetch,
	}
	if r.refetch == nil {
		r.refetch = func(key cachestore.Key) { cfg.Registry.Invalidate(key) }
	}
	return r, nil
}

func (r *Reducer) Stats() Stats {
	return Stats{
		Applied:  r.applied.Load(),
		Skipped:  r.skipped.Load(),
		Failed:   r.failed.Load(),
		Received: r.received.Load(),
	}
}

// Decode turns a raw frame into an event. Malformed and unknown frames are
// logged, counted and reported as ok=false.
func (r *Reducer) Decode(frame []byte) (Event, bool) {
	r.received.Add(1)
	ev, err := r.decoder.Decode(frame)
	if err == nil {
		return ev, true
	}
	r.skipped.Add(1)
	if errors.Is(err, ErrUnknownEvent) {
		r.logger.Debug("skipping unknown event", zap.Error(err))
	} else {
		r.logger.Warn("skipping malformed event", zap.Error(err), zap.Int("bytes", len(frame)))
	}
	return nil, false
}

// Run consumes q until ctx ends.
func (r *Reducer) Run(ctx context.Context, q *Queue) error {
	for {
		ev, ok := q.Dequeue(ctx)
		if !ok {
			return ctx.Err()
		}
		_ = r.Apply(ev)
	}
}

// Apply reduces one event. A failing handler is logged and reported but never
// stops the caller's loop.
func (r *Reducer) Apply(ev Event) (err error) {
	if ev == nil {
		return nil
	}
	logger := r.logger.With(zap.String("operation", ev.Operation()))
	defer func() {
		if recovered := recover(); recovered != nil {
			err = errors.Newf("panic applying %s: %v", ev.Operation(), recovered)
		}
		if err != nil {
			r.failed.Add(1)
			logger.Error("event handler failed", zap.Error(err))
			return
		}
		r.applied.Add(1)
	}()

	switch e := ev.(type) {
	case Invalidate:
		r.invalidate(e, logger)
	case CommentCreated:
		r.mutateComments(e.PageID, func(c cachestore.Cache[model.Comment]) cachestore.Cache[model.Comment] {
			return cachestore.InsertAtEnd(c, e.Comment.Confirmed())
		}, logger)
	case CommentUpdated:
		r.replaceComment(e.PageID, e.Comment, logger)
	case CommentResolved:
		r.replaceComment(e.PageID, e.Comment, logger)
	case CommentDeleted:
		r.mutateComments(e.PageID, func(c cachestore.Cache[model.Comment]) cachestore.Cache[model.Comment] {
			return cachestore.RemoveByID(c, e.CommentID)
		}, logger)
	case UpdateOne:
		r.updateOne(e, logger)
	case DeleteOne:
		r.deleteOne(e, logger)
	case AddTreeNode:
		r.addTreeNode(e)
	case MoveTreeNode:
		r.moveTreeNode(e)
	case DeleteTreeNode:
		r.removeTreeNode(e.SpaceID, e.Payload.Node.ID)
	case RefetchRootTreeNode:
		r.refetch(model.RootSidebarPagesKey(e.SpaceID))
		r.registry.Invalidate(model.RecentChangesKey(e.SpaceID))
	default:
		return errors.Mark(errors.Newf("unhandled event type %T", ev), ErrUnknownEvent)
	}
	return nil
}

func (r *Reducer) invalidate(e Invalidate, logger *zap.Logger) {
	parts := append(append([]string{}, e.Entity...), e.ID)
	prefix := cachestore.NewKey(parts...)
	if prefix == "" {
		logger.Debug("ignoring invalidation without entity")
		return
	}
	keys := r.registry.Invalidate(prefix)
	logger.Debug("invalidated", zap.String("key", prefix.String()), zap.Int("keys", len(keys)))
}

func (r *Reducer) mutateComments(pageID string, fn func(cachestore.Cache[model.Comment]) cachestore.Cache[model.Comment], logger *zap.Logger) {
	key := model.CommentsKey(pageID)
	if err := cachestore.Mutate(r.registry, key, fn); errors.Is(err, cachestore.ErrCacheMiss) {
		logger.Debug("no cache for event", zap.String("key", key.String()))
	}
}

func (r *Reducer) replaceComment(pageID string, comment model.Comment, logger *zap.Logger) {
	authoritative := comment.Confirmed()
	r.mutateComments(pageID, func(c cachestore.Cache[model.Comment]) cachestore.Cache[model.Comment] {
		return cachestore.ReplaceByID(c, authoritative.ID, func(model.Comment) model.Comment {
			return authoritative
		})
	}, logger)
}

// entityKey addresses the record an updateOne/deleteOne event refers to.
// Pages are cached by slug id.
func entityKey(entity []string, id string, payload model.Record) cachestore.Key {
	if len(entity) > 0 && entity[0] == model.EntityPages {
		if slug, ok := payload.String("slugId"); ok && slug != "" {
			return model.EntityKey(entity, slug)
		}
	}
	return model.EntityKey(entity, id)
}

func isPages(entity []string) bool {
	return len(entity) > 0 && entity[0] == model.EntityPages
}

func (r *Reducer) updateOne(e UpdateOne, logger *zap.Logger) {
	key := entityKey(e.Entity, e.ID, e.Payload)
	if err := cachestore.Mutate(r.registry, key, func(current model.Record) model.Record {
		return current.Merge(e.Payload)
	}); errors.Is(err, cachestore.ErrCacheMiss) {
		logger.Debug("no record for event", zap.String("key", key.String()))
	}
	if !isPages(e.Entity) || e.SpaceID == "" {
		return
	}
	_ = cachestore.Mutate(r.registry, model.SpaceTreeKey(e.SpaceID), func(t pagetree.Tree) pagetree.Tree {
		return t.Patch(e.ID, e.Payload)
	})
	_ = cachestore.Mutate(r.registry, model.RootSidebarPagesKey(e.SpaceID), func(c cachestore.Cache[pagetree.Node]) cachestore.Cache[pagetree.Node] {
		return cachestore.ReplaceByID(c, e.ID, func(n pagetree.Node) pagetree.Node {
			return n.Patched(e.Payload)
		})
	})
}

func (r *Reducer) deleteOne(e DeleteOne, logger *zap.Logger) {
	key := entityKey(e.Entity, e.ID, e.Payload)
	if !r.registry.Delete(key) {
		logger.Debug("no record for event", zap.String("key", key.String()))
	}
	if isPages(e.Entity) && e.SpaceID != "" {
		r.removeTreeNode(e.SpaceID, e.ID)
	}
}

func (r *Reducer) addTreeNode(e AddTreeNode) {
	node := e.Payload.Data
	_ = cachestore.Mutate(r.registry, model.SpaceTreeKey(e.SpaceID), func(t pagetree.Tree) pagetree.Tree {
		return t.Insert(e.Payload.ParentID, e.Payload.Index, node)
	})
	if e.Payload.ParentID == pagetree.RootID {
		node.ParentPageID = nil
		_ = cachestore.Mutate(r.registry, model.RootSidebarPagesKey(e.SpaceID), func(c cachestore.Cache[pagetree.Node]) cachestore.Cache[pagetree.Node] {
			return cachestore.InsertAtEnd(c, node)
		})
	}
}

// moveTreeNode updates the space tree and the root sidebar under their own
// key locks, tree first. Each view is always internally consistent, but the
// two are only consistent with each other once the event is fully applied: a
// reader in between can see the node under its new parent while the sidebar
// still lists it as a root. Events are reduced one at a time, so the views
// converge before the next event is applied.
func (r *Reducer) moveTreeNode(e MoveTreeNode) {
	p := e.Payload
	var moved pagetree.Node
	found := false
	_ = cachestore.Mutate(r.registry, model.SpaceTreeKey(e.SpaceID), func(t pagetree.Tree) pagetree.Tree {
		next := t.Move(p.ID, p.ParentID, p.Index, p.Position, p.PageData)
		moved, found = next.Get(p.ID)
		return next
	})
	_ = cachestore.Mutate(r.registry, model.RootSidebarPagesKey(e.SpaceID), func(c cachestore.Cache[pagetree.Node]) cachestore.Cache[pagetree.Node] {
		if p.ParentID != pagetree.RootID {
			return cachestore.RemoveByID(c, p.ID)
		}
		if c.Contains(p.ID) {
			return cachestore.ReplaceByID(c, p.ID, func(n pagetree.Node) pagetree.Node {
				n = n.Patched(p.PageData)
				if p.Position != "" {
					n.Position = p.Position
				}
				return n
			})
		}
		if !found {
			if _, hasSlug := p.PageData.String("slugId"); !hasSlug {
				return c
			}
			moved = pagetree.NodeFromRecord(p.ID, p.PageData)
		}
		moved.ParentPageID = nil
		if p.Position != "" {
			moved.Position = p.Position
		}
		return cachestore.InsertAtEnd(c, moved)
	})
}

func (r *Reducer) removeTreeNode(spaceID, id string) {
	_ = cachestore.Mutate(r.registry, model.SpaceTreeKey(spaceID), func(t pagetree.Tree) pagetree.Tree {
		return t.Remove(id)
	})
	_ = cachestore.Mutate(r.registry, model.RootSidebarPagesKey(spaceID), func(c cachestore.Cache[pagetree.Node]) cachestore.Cache[pagetree.Node] {
		return cachestore.RemoveByID(c, id)
	})
}
