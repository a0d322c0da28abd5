package model

import "github.com/agentworkforce/relaycache/internal/cachestore"

const (
	EntityComments         = "comments"
	EntityPages            = "pages"
	EntitySpaces           = "spaces"
	EntityRootSidebarPages = "root-sidebar-pages"
	EntitySpaceTree        = "space-tree"
	EntityRecentChanges    = "recent-changes"
)

func CommentsKey(pageID string) cachestore.Key {
	return cachestore.NewKey(EntityComments, pageID)
}

func RootSidebarPagesKey(spaceID string) cachestore.Key {
	return cachestore.NewKey(EntityRootSidebarPages, spaceID)
}

func SpaceTreeKey(spaceID string) cachestore.Key {
	return cachestore.NewKey(EntitySpaceTree, spaceID)
}

func RecentChangesKey(spaceID string) cachestore.Key {
	return cachestore.NewKey(EntityRecentChanges, spaceID)
}

// EntityKey addresses a single entity record. Page records are keyed by their
// slug id, every other entity by its id.
func EntityKey(entity []string, id string) cachestore.Key {
	parts := make([]string, 0, len(entity)+1)
	parts = append(parts, entity...)
	parts = append(parts, id)
	return cachestore.NewKey(parts...)
}
