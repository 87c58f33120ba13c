package roles

import (
	"context"
	"sync"

	"github.com/example/helpdesk/backend/internal/identity"
	"github.com/example/helpdesk/backend/internal/models"
)

// State is the (identity, role, loading) triple consumed by the access gate.
type State struct {
	Identity *identity.Identity
	Role     models.Role
	Loading  bool
}

// Tracker follows a Session and re-resolves the role on every identity transition.
type Tracker struct {
	resolver *Resolver
	ctx      context.Context
	cancel   context.CancelFunc

	// notifyMu is held from the generation check through the listener calls, so listeners
	// see transitions in order and never end on a superseded state.
	notifyMu sync.Mutex

	mu        sync.Mutex
	state     State
	gen       uint64
	nextID    uint64
	listeners map[uint64]func(State)

	detach func()
}

// NewTracker starts tracking session. The state is Loading until the session reports its
// first identity and, for a signed-in identity, until the role has been resolved.
func NewTracker(ctx context.Context, resolver *Resolver, session *identity.Session) *Tracker {
	ctx, cancel := context.WithCancel(ctx)
	t := &Tracker{
		resolver:  resolver,
		ctx:       ctx,
		cancel:    cancel,
		state:     State{Loading: true},
		listeners: make(map[uint64]func(State)),
	}
	t.detach = session.OnIdentityChange(t.onIdentity)
	return t
}

// State returns the current triple.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnChange registers fn for every state change.
func (t *Tracker) OnChange(fn func(State)) (cancel func()) {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.listeners[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// Close stops tracking and abandons any in-flight resolution.
func (t *Tracker) Close() {
	t.detach()
	t.cancel()
}

func (t *Tracker) onIdentity(id *identity.Identity) {
	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	if id == nil {
		t.publish(gen, State{})
		return
	}
	t.publish(gen, State{Identity: id, Loading: true})

	go func(id identity.Identity) {
		role := t.resolver.Resolve(t.ctx, id)
		if t.ctx.Err() != nil {
			return
		}
		t.publish(gen, State{Identity: &id, Role: role})
	}(*id)
}

// publish installs st unless a newer identity transition has superseded gen.
func (t *Tracker) publish(gen uint64, st State) {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.state = st
	fns := make([]func(State), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}
