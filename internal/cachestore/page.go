package cachestore

// Identifiable is implemented by every cached item. Reconciliation compares
// items by ItemID only.
type Identifiable interface {
	ItemID() string
}

type PageMeta struct {
	NextCursor  string `json:"nextCursor,omitempty"`
	HasNextPage bool   `json:"hasNextPage"`
}

type Page[T Identifiable] struct {
	Items []T      `json:"items"`
	Meta  PageMeta `json:"meta"`
}

// Cache is an ordered list of fetched pages. Values are never modified in
// place: every operation below returns a new Cache and leaves its input (and
// any earlier Snapshot) untouched. An id appears in at most one page.
type Cache[T Identifiable] struct {
	Pages []Page[T] `json:"pages"`
}

func NewCache[T Identifiable](pages ...Page[T]) Cache[T] {
	c := Cache[T]{Pages: make([]Page[T], 0, len(pages))}
	for _, page := range pages {
		c = AppendPage(c, page)
	}
	return c
}

// InsertAtEnd appends item to the last page. It is a no-op when the cache has
// no pages or already holds an item with the same id.
func InsertAtEnd[T Identifiable](c Cache[T], item T) Cache[T] {
	if len(c.Pages) == 0 {
		return c
	}
	if c.Contains(item.ItemID()) {
		return c
	}
	pages := clonePages(c.Pages)
	last := len(pages) - 1
	items := make([]T, 0, len(pages[last].Items)+1)
	items = append(items, pages[last].Items...)
	items = append(items, item)
	pages[last].Items = items
	return Cache[T]{Pages: pages}
}

func ReplaceByID[T Identifiable](c Cache[T], id string, updater func(T) T) Cache[T] {
	pageIdx, itemIdx, ok := c.Locate(id)
	if !ok || updater == nil {
		return c
	}
	pages := clonePages(c.Pages)
	items := make([]T, len(pages[pageIdx].Items))
	copy(items, pages[pageIdx].Items)
	items[itemIdx] = updater(items[itemIdx])
	pages[pageIdx].Items = items
	return Cache[T]{Pages: pages}
}

func RemoveByID[T Identifiable](c Cache[T], id string) Cache[T] {
	pageIdx, itemIdx, ok := c.Locate(id)
	if !ok {
		return c
	}
	pages := clonePages(c.Pages)
	current := pages[pageIdx].Items
	items := make([]T, 0, len(current)-1)
	items = append(items, current[:itemIdx]...)
	items = append(items, current[itemIdx+1:]...)
	pages[pageIdx].Items = items
	return Cache[T]{Pages: pages}
}

// AppendPage adds a fetched page after the existing ones. Items whose id is
// already cached are dropped so the partition invariant holds even when the
// server shifts a window between two page fetches.
func AppendPage[T Identifiable](c Cache[T], page Page[T]) Cache[T] {
	items := make([]T, 0, len(page.Items))
	seen := make(map[string]struct{}, len(page.Items))
	for _, item := range page.Items {
		id := item.ItemID()
		if _, dup := seen[id]; dup || c.Contains(id) {
			continue
		}
		seen[id] = struct{}{}
		items = append(items, item)
	}
	pages := make([]Page[T], 0, len(c.Pages)+1)
	pages = append(pages, c.Pages...)
	pages = append(pages, Page[T]{Items: items, Meta: page.Meta})
	return Cache[T]{Pages: pages}
}

// Snapshot returns a copy that shares no slices with c.
func Snapshot[T Identifiable](c Cache[T]) Cache[T] {
	if c.Pages == nil {
		return Cache[T]{}
	}
	pages := make([]Page[T], len(c.Pages))
	for i, page := range c.Pages {
		items := make([]T, len(page.Items))
		copy(items, page.Items)
		pages[i] = Page[T]{Items: items, Meta: page.Meta}
	}
	return Cache[T]{Pages: pages}
}

func (c Cache[T]) Locate(id string) (pageIdx, itemIdx int, ok bool) {
	for i, page := range c.Pages {
		for j, item := range page.Items {
			if item.ItemID() == id {
				return i, j, true
			}
		}
	}
	return -1, -1, false
}

func (c Cache[T]) Contains(id string) bool {
	_, _, ok := c.Locate(id)
	return ok
}

func (c Cache[T]) Find(id string) (T, bool) {
	pageIdx, itemIdx, ok := c.Locate(id)
	if !ok {
		var zero T
		return zero, false
	}
	return c.Pages[pageIdx].Items[itemIdx], true
}

func (c Cache[T]) Flatten() []T {
	out := make([]T, 0, c.Len())
	for _, page := range c.Pages {
		out = append(out, page.Items...)
	}
	return out
}

func (c Cache[T]) Len() int {
	total := 0
	for _, page := range c.Pages {
		total += len(page.Items)
	}
	return total
}

func (c Cache[T]) LastPage() (Page[T], bool) {
	if len(c.Pages) == 0 {
		return Page[T]{}, false
	}
	return c.Pages[len(c.Pages)-1], true
}

// HasNextPage reports whether the last loaded page advertises a continuation.
func (c Cache[T]) HasNextPage() bool {
	last, ok := c.LastPage()
	return ok && last.Meta.HasNextPage
}

func clonePages[T Identifiable](pages []Page[T]) []Page[T] {
	out := make([]Page[T], len(pages))
	copy(out, pages)
	return out
}
