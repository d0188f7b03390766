package scheduler

import (
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/me/gobridge/internal/task"
)

// DefectiveGuard tracks transport endpoints that are currently failing.
// While an endpoint is flagged, only its first read task per cycle is kept so
// a dead bus unit is probed instead of flooded with requests that will all
// time out. Entries are set and cleared by the protocol layer; the Loop also
// marks an endpoint when a task reports task.DefectiveError.
type DefectiveGuard struct {
	mu        sync.RWMutex
	endpoints map[string]struct{}
}

// NewDefectiveGuard creates an empty guard.
func NewDefectiveGuard() *DefectiveGuard {
	return &DefectiveGuard{endpoints: make(map[string]struct{})}
}

// Mark flags endpoint as defective. Reports whether it was newly added.
func (g *DefectiveGuard) Mark(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.endpoints[endpoint]; ok {
		return false
	}
	g.endpoints[endpoint] = struct{}{}
	return true
}

// Clear removes the flag. Reports whether endpoint was flagged.
func (g *DefectiveGuard) Clear(endpoint string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.endpoints[endpoint]; !ok {
		return false
	}
	delete(g.endpoints, endpoint)
	return true
}

// IsDefective reports whether endpoint is flagged.
func (g *DefectiveGuard) IsDefective(endpoint string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.endpoints[endpoint]
	return ok
}

// Len returns the number of flagged endpoints.
func (g *DefectiveGuard) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.endpoints)
}

// List returns the flagged endpoints, sorted.
func (g *DefectiveGuard) List() []string {
	g.mu.RLock()
	out := lo.Keys(g.endpoints)
	g.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Filter returns tasks with every defective endpoint reduced to its first
// task. Order is preserved; tasks of healthy endpoints pass unchanged.
func (g *DefectiveGuard) Filter(tasks []task.ReadTask) []task.ReadTask {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.endpoints) == 0 {
		return tasks
	}
	seen := make(map[string]bool)
	return lo.Filter(tasks, func(t task.ReadTask, _ int) bool {
		ep := t.Endpoint()
		if _, bad := g.endpoints[ep]; !bad {
			return true
		}
		if seen[ep] {
			return false
		}
		seen[ep] = true
		return true
	})
}
