package optimistic

import (
	"context"
	"sync"

	"github.com/agentworkforce/relaycache/internal/cachestore"
	"github.com/agentworkforce/relaycache/internal/model"
)

type State string

const (
	StateIdle           State = "idle"
	StateSpeculating    State = "speculating"
	StateAwaitingServer State = "awaiting_server"
	StateCommitted      State = "committed"
	StateRolledBack     State = "rolled_back"
)

func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack
}

// Mutation is the handle returned by every dispatch. The server call runs in
// the background; Wait observes its outcome.
type Mutation struct {
	ID     string
	Op     model.PendingOp
	Key    cachestore.Key
	ItemID string

	mu          sync.Mutex
	state       State
	speculative *model.Comment
	applied     bool
	result      model.Comment
	err         error
	done        chan struct{}
}

func newMutation(id string, op model.PendingOp, key cachestore.Key, itemID string) *Mutation {
	return &Mutation{
		ID:     id,
		Op:     op,
		Key:    key,
		ItemID: itemID,
		state:  StateIdle,
		done:   make(chan struct{}),
	}
}

func (m *Mutation) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Mutation) Done() <-chan struct{} {
	return m.done
}

// Speculative returns the item written during the speculative phase. ok is
// false when the cache was absent and nothing was written, or when the
// speculative change was a removal.
func (m *Mutation) Speculative() (model.Comment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.speculative == nil {
		return model.Comment{}, false
	}
	return *m.speculative, true
}

// Applied reports whether the speculative phase wrote to the cache.
func (m *Mutation) Applied() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied
}

// Wait blocks until the mutation is committed or rolled back, or ctx ends.
func (m *Mutation) Wait(ctx context.Context) (model.Comment, error) {
	select {
	case <-m.done:
	case <-ctx.Done():
		return model.Comment{}, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result, m.err
}

func (m *Mutation) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

func (m *Mutation) recordSpeculative(item *model.Comment) {
	m.mu.Lock()
	m.applied = true
	if item != nil {
		copied := *item
		m.speculative = &copied
	}
	m.mu.Unlock()
}

func (m *Mutation) finish(state State, result model.Comment, err error) {
	m.mu.Lock()
	m.state = state
	m.result = result
	m.err = err
	m.mu.Unlock()
	close(m.done)
}
