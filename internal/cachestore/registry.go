package cachestore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrCacheMiss marks operations that target a key with no loaded data.
	// Callers treat it as a benign no-op.
	ErrCacheMiss = errors.New("cache miss")
	// ErrStaleFetch is returned when a fetch result arrives after the fetch
	// was cancelled or superseded.
	ErrStaleFetch = errors.New("stale fetch")
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusError   Status = "error"
)

type EntryState struct {
	Status    Status
	Err       error
	HasData   bool
	Stale     bool
	Fetching  bool
	UpdatedAt time.Time
}

type FetchToken struct {
	key Key
	gen uint64
}

func (t FetchToken) Key() Key {
	return t.key
}

type entry struct {
	value       any
	hasValue    bool
	status      Status
	err         error
	stale       bool
	updatedAt   time.Time
	fetchGen    uint64
	fetchCancel context.CancelFunc
}

// Registry is the keyed store shared by the mutation controller, the event
// reducer and the pagination drivers. Stored values are treated as immutable;
// writers replace them through Update, which holds the key's lock for the
// duration of the transformation.
type Registry struct {
	mu        sync.Mutex
	entries   map[Key]*entry
	locks     map[Key]*sync.Mutex
	listeners []func(Key)
	now       func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		entries: map[Key]*entry{},
		locks:   map[Key]*sync.Mutex{},
		now:     time.Now,
	}
}

// OnInvalidate registers fn to run after a key has been invalidated.
func (r *Registry) OnInvalidate(fn func(Key)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) keyLock(key Key) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[key] = lock
	}
	return lock
}

func (r *Registry) entryLocked(key Key) *entry {
	e, ok := r.entries[key]
	if !ok {
		e = &entry{status: StatusIdle}
		r.entries[key] = e
	}
	return e
}

func (r *Registry) load(key Key) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok || !e.hasValue {
		return nil, false
	}
	return e.value, true
}

func (r *Registry) store(key Key, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(key)
	e.value = value
	e.hasValue = true
	e.updatedAt = r.now()
	if e.status == StatusIdle || e.status == StatusError {
		e.status = StatusReady
		e.err = nil
	}
}

// Update runs fn under the key's lock. fn receives the current value (ok is
// false on a miss) and returns the replacement plus whether to store it. fn
// must not call back into the Registry for the same key.
func (r *Registry) Update(key Key, fn func(current any, ok bool) (any, bool)) bool {
	lock := r.keyLock(key)
	lock.Lock()
	defer lock.Unlock()
	current, ok := r.load(key)
	next, write := fn(current, ok)
	if !write {
		return false
	}
	r.store(key, next)
	return true
}

// Get returns the value stored under key when it has type T.
func Get[T any](r *Registry, key Key) (T, bool) {
	var zero T
	value, ok := r.load(key)
	if !ok {
		return zero, false
	}
	typed, ok := value.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

func Set[T any](r *Registry, key Key, value T) {
	r.Update(key, func(any, bool) (any, bool) {
		return value, true
	})
}

// Update is the typed form of Registry.Update. A stored value of another type
// is reported to fn as a miss.
func Update[T any](r *Registry, key Key, fn func(current T, ok bool) (T, bool)) bool {
	return r.Update(key, func(current any, ok bool) (any, bool) {
		var typed T
		if ok {
			typed, ok = current.(T)
		}
		return fn(typed, ok)
	})
}

// Mutate applies fn only when key already holds a T. It returns ErrCacheMiss
// otherwise.
func Mutate[T any](r *Registry, key Key, fn func(current T) T) error {
	applied := Update(r, key, func(current T, ok bool) (T, bool) {
		if !ok {
			return current, false
		}
		return fn(current), true
	})
	if !applied {
		return ErrCacheMiss
	}
	return nil
}

// Delete drops the value under key and cancels its in-flight fetch.
func (r *Registry) Delete(key Key) bool {
	lock := r.keyLock(key)
	lock.Lock()
	defer lock.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return false
	}
	had := e.hasValue
	cancelFetchLocked(e)
	e.value = nil
	e.hasValue = false
	e.status = StatusIdle
	e.err = nil
	return had
}

// Invalidate discards the data of every key that starts with prefix, cancels
// their in-flight fetches and notifies invalidation listeners. It returns the
// affected keys in sorted order.
func (r *Registry) Invalidate(prefix Key) []Key {
	keys := r.matching(prefix)
	for _, key := range keys {
		lock := r.keyLock(key)
		lock.Lock()
		r.mu.Lock()
		if e, ok := r.entries[key]; ok {
			cancelFetchLocked(e)
			e.value = nil
			e.hasValue = false
			e.stale = true
			e.status = StatusIdle
			e.err = nil
		}
		r.mu.Unlock()
		lock.Unlock()
	}
	r.mu.Lock()
	listeners := append([]func(Key){}, r.listeners...)
	r.mu.Unlock()
	for _, key := range keys {
		for _, listener := range listeners {
			listener(key)
		}
	}
	return keys
}

func (r *Registry) InvalidateAll() []Key {
	return r.Invalidate("")
}

// MarkStale flags data restored from a snapshot or otherwise suspect so the
// next read refreshes it. The data stays readable meanwhile.
func (r *Registry) MarkStale(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok && e.hasValue {
		e.stale = true
	}
}

func (r *Registry) SetStatus(key Key, status Status, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(key)
	e.status = status
	e.err = err
	if status == StatusReady {
		e.stale = false
	}
}

func (r *Registry) State(key Key) EntryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return EntryState{Status: StatusIdle}
	}
	return EntryState{
		Status:    e.status,
		Err:       e.err,
		HasData:   e.hasValue,
		Stale:     e.stale,
		Fetching:  e.fetchCancel != nil,
		UpdatedAt: e.updatedAt,
	}
}

// Keys lists the keys that currently hold data, sorted.
func (r *Registry) Keys() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Key, 0, len(r.entries))
	for key, e := range r.entries {
		if e.hasValue {
			out = append(out, key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Range calls fn for every key holding data, in key order, until fn returns
// false.
func (r *Registry) Range(fn func(key Key, value any) bool) {
	for _, key := range r.Keys() {
		value, ok := r.load(key)
		if !ok {
			continue
		}
		if !fn(key, value) {
			return
		}
	}
}

func (r *Registry) matching(prefix Key) []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Key, 0)
	for key := range r.entries {
		if key.HasPrefix(prefix) {
			out = append(out, key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// BeginFetch starts a cancellable fetch for key. Any older fetch for the same
// key is cancelled and its token becomes stale.
func (r *Registry) BeginFetch(parent context.Context, key Key) (context.Context, FetchToken) {
	ctx, cancel := context.WithCancel(parent)
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(key)
	cancelFetchLocked(e)
	e.fetchCancel = cancel
	return ctx, FetchToken{key: key, gen: e.fetchGen}
}

// CancelFetch aborts the in-flight fetch for key, if any. Results committed
// with the cancelled token are discarded.
func (r *Registry) CancelFetch(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok || e.fetchCancel == nil {
		return false
	}
	cancelFetchLocked(e)
	return true
}

func (r *Registry) FetchCurrent(token FetchToken) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetchCurrentLocked(token)
}

func (r *Registry) fetchCurrentLocked(token FetchToken) bool {
	e, ok := r.entries[token.key]
	return ok && e.fetchCancel != nil && e.fetchGen == token.gen
}

// EndFetch releases the fetch slot held by token. It is a no-op for stale
// tokens.
func (r *Registry) EndFetch(token FetchToken) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.fetchCurrentLocked(token) {
		return
	}
	e := r.entries[token.key]
	e.fetchCancel()
	e.fetchCancel = nil
}

// CommitFetch applies fn under the key lock only while token is current.
func CommitFetch[T any](r *Registry, token FetchToken, fn func(current T, ok bool) T) error {
	committed := false
	Update(r, token.key, func(current T, ok bool) (T, bool) {
		if !r.FetchCurrent(token) {
			return current, false
		}
		committed = true
		return fn(current, ok), true
	})
	if !committed {
		return ErrStaleFetch
	}
	return nil
}

func cancelFetchLocked(e *entry) {
	if e.fetchCancel != nil {
		e.fetchCancel()
		e.fetchCancel = nil
	}
	e.fetchGen++
}
