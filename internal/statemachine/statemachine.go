// Package statemachine implements the deterministic in-memory projection of
// all committed commands (spec.md §4.2): the single writer is the apply
// path, guarded by a read/write lock so readers (Command Router reads,
// snapshot builder) proceed in parallel with each other but never with a
// writer.
package statemachine

import (
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/exp/maps"

	"github.com/extractctl/controlplane/internal/executorregistry"
	"github.com/extractctl/controlplane/internal/types"
)

// LogID mirrors logstore.LogID without importing that package, so the state
// machine has no dependency on the storage layer's internals.
type LogID struct {
	Term  uint64
	Index uint64
}

// StateMachine is the single process-wide, per-node replicated state.
// Its lifecycle is tied to the node's run loop: constructed on boot, and the
// replication engine is its only owner (spec.md §9 cyclic-ownership note);
// every other component reaches it through the read-only query methods or
// through Apply, which only the replication engine calls.
type StateMachine struct {
	mu sync.RWMutex

	lastAppliedLog LogID
	hasApplied     bool

	// clock is the apply-side wall clock source for observational
	// timestamps (processed_at, last_seen_secs). Overridable in tests.
	clock func() int64

	data map[string]string

	executorHealthChecks map[string]int64
	executors            map[string]types.ExecutorMetadata
	extractors           map[string]types.ExtractorDescription
	extractorsTable      map[string][]string // extractor name -> executor ids, append-only

	tasks           map[string]types.Task
	unassignedTasks mapset.Set[string]
	taskAssignments map[string]mapset.Set[string] // executor id -> task ids

	extractionEvents            map[string]types.ExtractionEvent
	unprocessedExtractionEvents mapset.Set[string]

	contentTable  map[string]types.ContentMetadata
	bindingsTable map[string]types.ExtractorBinding
}

// New constructs an empty state machine. clock defaults to the real wall
// clock; tests may inject a deterministic one.
func New(clock func() int64) *StateMachine {
	if clock == nil {
		clock = func() int64 { return time.Now().Unix() }
	}
	return &StateMachine{
		clock:                       clock,
		data:                        make(map[string]string),
		executorHealthChecks:        make(map[string]int64),
		executors:                   make(map[string]types.ExecutorMetadata),
		extractors:                  make(map[string]types.ExtractorDescription),
		extractorsTable:             make(map[string][]string),
		tasks:                       make(map[string]types.Task),
		unassignedTasks:             mapset.NewThreadUnsafeSet[string](),
		taskAssignments:             make(map[string]mapset.Set[string]),
		extractionEvents:            make(map[string]types.ExtractionEvent),
		unprocessedExtractionEvents: mapset.NewThreadUnsafeSet[string](),
		contentTable:                make(map[string]types.ContentMetadata),
		bindingsTable:               make(map[string]types.ExtractorBinding),
	}
}

// LastAppliedLog returns the id of the last entry applied.
func (s *StateMachine) LastAppliedLog() (LogID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAppliedLog, s.hasApplied
}

// --- read queries (spec.md §4.4 "read against local State Machine") ---

// UnassignedTasks returns a snapshot of unassigned task ids (invariant 2).
func (s *StateMachine) UnassignedTasks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unassignedTasks.ToSlice()
}

// Task looks up a task by id.
func (s *StateMachine) Task(id string) (types.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	return t, ok
}

// TasksForExecutor returns the tasks currently assigned to executorID,
// for the get_work RPC (spec.md §6).
func (s *StateMachine) TasksForExecutor(executorID string) []types.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids, ok := s.taskAssignments[executorID]
	if !ok {
		return nil
	}
	out := make([]types.Task, 0, ids.Cardinality())
	for _, id := range ids.ToSlice() {
		if t, ok := s.tasks[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

// UnprocessedExtractionEvents returns a snapshot of the pending events
// (invariant 4), used by the Coordinator Loop.
func (s *StateMachine) UnprocessedExtractionEvents() []types.ExtractionEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.ExtractionEvent, 0, s.unprocessedExtractionEvents.Cardinality())
	for _, id := range s.unprocessedExtractionEvents.ToSlice() {
		if e, ok := s.extractionEvents[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

// ExtractionEvent looks up an event by id.
func (s *StateMachine) ExtractionEvent(id string) (types.ExtractionEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.extractionEvents[id]
	return e, ok
}

// Content looks up content metadata by id.
func (s *StateMachine) Content(id string) (types.ContentMetadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contentTable[id]
	return c, ok
}

// ContentInRepository returns all content registered under repository.
func (s *StateMachine) ContentInRepository(repository string) []types.ContentMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.ContentMetadata
	for _, c := range s.contentTable {
		if c.Repository == repository {
			out = append(out, c)
		}
	}
	return out
}

// Binding looks up a binding by id.
func (s *StateMachine) Binding(id string) (types.ExtractorBinding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindingsTable[id]
	return b, ok
}

// BindingsInRepository returns all bindings registered under repository.
func (s *StateMachine) BindingsInRepository(repository string) []types.ExtractorBinding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.ExtractorBinding
	for _, b := range s.bindingsTable {
		if b.Repository == repository {
			out = append(out, b)
		}
	}
	return out
}

// Extractor looks up a registered extractor description by name.
func (s *StateMachine) Extractor(name string) (types.ExtractorDescription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.extractors[name]
	return d, ok
}

// ExecutorsForExtractor returns the live executor metadata advertising name,
// filtered by liveness window as of now (spec.md §4.8). A zero window
// disables filtering.
func (s *StateMachine) ExecutorsForExtractor(name string, livenessWindowSecs int64, now int64) []types.ExecutorMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.extractorsTable[name]
	out := make([]types.ExecutorMetadata, 0, len(ids))
	for _, id := range ids {
		e, ok := s.executors[id]
		if !ok {
			continue
		}
		if livenessWindowSecs > 0 && !executorregistry.IsLive(e, now, livenessWindowSecs) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Executors returns a snapshot of all registered executors.
func (s *StateMachine) Executors() []types.ExecutorMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Values(s.executors)
}

// Get returns the generic KV value set by a Set proposal.
func (s *StateMachine) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}
