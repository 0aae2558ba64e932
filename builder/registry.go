package builder

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var ErrAlreadyRunning = errors.New("build already running")

// Registry tracks the in-flight execution of every build target. At most
// one execution per target is registered at any time.
type Registry struct {
	mu     sync.Mutex
	builds map[string]*Manage
}

func NewRegistry() *Registry {
	return &Registry{builds: make(map[string]*Manage)}
}

// register inserts m for targetID unless another execution holds it.
func (r *Registry) register(targetID string, m *Manage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.builds[targetID]; ok {
		return ErrAlreadyRunning
	}
	r.builds[targetID] = m
	return nil
}

// release removes the entry of targetID if it still belongs to m.
func (r *Registry) release(targetID string, m *Manage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.builds[targetID] == m {
		delete(r.builds, targetID)
	}
}

// Cancel kills the running command of the target's execution, if any, marks
// the execution cancelled and removes it. It reports false when nothing is
// registered for targetID.
func (r *Registry) Cancel(targetID string) bool {
	m, ok := r.Get(targetID)
	if !ok {
		return false
	}
	m.cancel(context.Background())
	r.release(targetID, m)
	return true
}

func (r *Registry) Get(targetID string) (*Manage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.builds[targetID]
	return m, ok
}

// Running returns the ids of all targets with an execution in flight.
func (r *Registry) Running() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.builds))
	for id := range r.builds {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}
