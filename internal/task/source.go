package task

import (
	"errors"
	"fmt"
	"sync"

	"github.com/samber/lo"
)

// ErrDuplicateSource is returned when a source id is registered twice.
var ErrDuplicateSource = errors.New("duplicate task source")

// Source supplies the tasks of one device or protocol. Its task lists are
// queried once per cycle and may change between cycles.
type Source interface {
	ID() string
	RequiredReadTasks() []ReadTask
	OptionalReadTasks() []ReadTask
	WriteTasks() []WriteTask
}

// Set is the task snapshot for one cycle.
type Set struct {
	Required []ReadTask
	Optional []ReadTask
	Writes   []WriteTask
}

// Reads returns required reads followed by optional reads.
func (s Set) Reads() []ReadTask {
	out := make([]ReadTask, 0, len(s.Required)+len(s.Optional))
	out = append(out, s.Required...)
	return append(out, s.Optional...)
}

// Len returns the total number of tasks.
func (s Set) Len() int {
	return len(s.Required) + len(s.Optional) + len(s.Writes)
}

// Manager aggregates the sources registered with one bridge. Sources may be
// added and removed from any goroutine; the scheduler takes one Snapshot per
// cycle.
type Manager struct {
	mu      sync.RWMutex
	sources []Source
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Add registers src. Sources keep their registration order.
func (m *Manager) Add(src Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sources {
		if s.ID() == src.ID() {
			return fmt.Errorf("%w: %s", ErrDuplicateSource, src.ID())
		}
	}
	m.sources = append(m.sources, src)
	return nil
}

// Remove unregisters the source with the given id and reports whether it
// was present.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.sources {
		if s.ID() == id {
			m.sources = append(m.sources[:i:i], m.sources[i+1:]...)
			return true
		}
	}
	return false
}

// Sources returns the ids of all registered sources.
func (m *Manager) Sources() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Map(m.sources, func(s Source, _ int) string { return s.ID() })
}

// Snapshot collects the current tasks of all sources into fresh slices.
func (m *Manager) Snapshot() Set {
	m.mu.RLock()
	sources := append([]Source(nil), m.sources...)
	m.mu.RUnlock()

	return Set{
		Required: lo.FlatMap(sources, func(s Source, _ int) []ReadTask { return s.RequiredReadTasks() }),
		Optional: lo.FlatMap(sources, func(s Source, _ int) []ReadTask { return s.OptionalReadTasks() }),
		Writes:   lo.FlatMap(sources, func(s Source, _ int) []WriteTask { return s.WriteTasks() }),
	}
}

// Static is a Source with a fixed task list, split by priority at
// construction.
type Static struct {
	id       string
	required []ReadTask
	optional []ReadTask
	writes   []WriteTask
}

// NewStatic creates a Static source.
func NewStatic(id string, reads []ReadTask, writes []WriteTask) *Static {
	s := &Static{id: id, writes: writes}
	for _, r := range reads {
		if r.Priority() == PriorityRequired {
			s.required = append(s.required, r)
		} else {
			s.optional = append(s.optional, r)
		}
	}
	return s
}

func (s *Static) ID() string                    { return s.id }
func (s *Static) RequiredReadTasks() []ReadTask { return s.required }
func (s *Static) OptionalReadTasks() []ReadTask { return s.optional }
func (s *Static) WriteTasks() []WriteTask       { return s.writes }
