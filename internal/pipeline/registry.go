package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/audiocast/internal/observe"
)

// ErrRegistryClosed is returned by [Registry.Register] once the registry has
// been sealed for shutdown.
var ErrRegistryClosed = errors.New("pipeline: registry closed")

// ErrSessionNotActive is returned when a session that is not in the Active
// state is registered or offered a frame.
var ErrSessionNotActive = errors.New("pipeline: session not active")

// ErrCaptureLost reports that capture ended without a shutdown request.
var ErrCaptureLost = errors.New("pipeline: capture stopped unexpectedly")

// Registry is the set of sessions currently receiving audio. A session is a
// member if and only if it is Active.
//
// Every method is a short critical section that never blocks on I/O. Callers
// iterate over [Registry.Snapshot] copies, never over the live set.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	order    []*Session
	sealed   bool

	metrics *observe.Metrics
}

// NewRegistry returns an empty registry.
func NewRegistry(m *observe.Metrics) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		metrics:  m,
	}
}

// Register adds s and returns its id.
//
// It fails with [ErrRegistryClosed] after [Registry.Seal] and with
// [ErrSessionNotActive] if s is not Active. A second session with an id that
// is already present means the registry is corrupt, and Register panics.
func (r *Registry) Register(s *Session) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return "", ErrRegistryClosed
	}
	if st := s.State(); st != StateActive {
		return "", fmt.Errorf("%w: session %s is %s", ErrSessionNotActive, s.ID(), st)
	}
	if _, dup := r.sessions[s.ID()]; dup {
		panic(fmt.Sprintf("pipeline: registry corrupt: duplicate session id %s", s.ID()))
	}
	r.sessions[s.ID()] = s
	r.order = append(r.order, s)
	r.metrics.ActiveSessions.Add(context.Background(), 1)
	return s.ID(), nil
}

// Unregister removes the session with the given id. It reports whether the
// session was present; removing an absent id is a no-op.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	r.order = slices.DeleteFunc(r.order, func(s *Session) bool { return s.ID() == id })
	r.metrics.ActiveSessions.Add(context.Background(), -1)
	return true
}

// Snapshot returns a point-in-time copy of the registered sessions in
// registration order. The copy is safe to iterate while the registry
// changes.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.order)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Seal makes every later Register fail with [ErrRegistryClosed]. Sessions
// already registered stay until they are unregistered.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}
