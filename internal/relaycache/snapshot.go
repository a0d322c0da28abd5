package relaycache

import (
	"time"

	"github.com/agentworkforce/relaycache/internal/cachestore"
	"github.com/agentworkforce/relaycache/internal/model"
	"github.com/agentworkforce/relaycache/internal/pagetree"
)

const snapshotVersion = 1

// Snapshot is the persisted form of a Registry. Maps are keyed by the cache
// key string.
type Snapshot struct {
	Version   int                                        `json:"version"`
	SavedAt   time.Time                                  `json:"savedAt"`
	Comments  map[string]cachestore.Cache[model.Comment] `json:"comments,omitempty"`
	RootPages map[string]cachestore.Cache[pagetree.Node] `json:"rootPages,omitempty"`
	Trees     map[string]pagetree.Tree                   `json:"trees,omitempty"`
	Entities  map[string]model.Record                    `json:"entities,omitempty"`
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Comments) + len(s.RootPages) + len(s.Trees) + len(s.Entities)
}

// captureSnapshot copies every value the registry holds. Values are
// immutable, so the copy is a set of references.
func captureSnapshot(registry *cachestore.Registry, now time.Time) *Snapshot {
	snap := &Snapshot{
		Version:   snapshotVersion,
		SavedAt:   now.UTC(),
		Comments:  map[string]cachestore.Cache[model.Comment]{},
		RootPages: map[string]cachestore.Cache[pagetree.Node]{},
		Trees:     map[string]pagetree.Tree{},
		Entities:  map[string]model.Record{},
	}
	registry.Range(func(key cachestore.Key, value any) bool {
		switch v := value.(type) {
		case cachestore.Cache[model.Comment]:
			snap.Comments[key.String()] = v
		case cachestore.Cache[pagetree.Node]:
			snap.RootPages[key.String()] = v
		case pagetree.Tree:
			snap.Trees[key.String()] = v
		case model.Record:
			snap.Entities[key.String()] = v
		}
		return true
	})
	return snap
}

// restoreSnapshot writes snap into registry and marks every restored key
// stale. It returns the restored keys.
func restoreSnapshot(registry *cachestore.Registry, snap *Snapshot) []cachestore.Key {
	if snap == nil {
		return nil
	}
	keys := make([]cachestore.Key, 0, snap.Len())
	for raw, cache := range snap.Comments {
		key := cachestore.Key(raw)
		cachestore.Set(registry, key, cache)
		keys = append(keys, key)
	}
	for raw, cache := range snap.RootPages {
		key := cachestore.Key(raw)
		cachestore.Set(registry, key, cache)
		keys = append(keys, key)
	}
	for raw, tree := range snap.Trees {
		key := cachestore.Key(raw)
		cachestore.Set(registry, key, tree)
		keys = append(keys, key)
	}
	for raw, rec := range snap.Entities {
		key := cachestore.Key(raw)
		cachestore.Set(registry, key, rec)
		keys = append(keys, key)
	}
	for _, key := range keys {
		registry.MarkStale(key)
	}
	return keys
}
