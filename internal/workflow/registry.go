package workflow

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Registry caches loaded workflow definitions per codebase. Reload replaces
// a codebase's whole set; lookups are name-exact.
type Registry struct {
	mu   sync.RWMutex
	byCB map[uuid.UUID]map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{byCB: make(map[uuid.UUID]map[string]Definition)}
}

// Reload re-reads the workflow directory for a codebase and swaps the set.
func (r *Registry) Reload(codebaseID uuid.UUID, repoPath string) []Definition {
	defs := LoadDir(WorkflowsDir(repoPath))
	set := make(map[string]Definition, len(defs))
	for _, d := range defs {
		set[d.Name] = d
	}
	r.mu.Lock()
	r.byCB[codebaseID] = set
	r.mu.Unlock()
	return defs
}

// Get returns a workflow by name for a codebase.
func (r *Registry) Get(codebaseID uuid.UUID, name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byCB[codebaseID][name]
	return d, ok
}

// List returns the codebase's workflows sorted by name.
func (r *Registry) List(codebaseID uuid.UUID) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.byCB[codebaseID]))
	for _, d := range r.byCB[codebaseID] {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Forget drops a codebase's workflows (repo removed).
func (r *Registry) Forget(codebaseID uuid.UUID) {
	r.mu.Lock()
	delete(r.byCB, codebaseID)
	r.mu.Unlock()
}
