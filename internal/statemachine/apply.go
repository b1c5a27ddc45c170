package statemachine

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"

	"github.com/extractctl/controlplane/internal/types"
)

// AppliedEntry is the minimal shape Apply needs from a log entry: identity
// plus the command it carries. internal/raft builds one from each
// logstore.Entry it applies.
type AppliedEntry struct {
	ID      LogID
	Payload types.ProposalRequest
}

// Apply deterministically transitions the state machine by each committed
// entry of the batch, in order, per spec.md §4.2. It is pure given (prior
// state, entry): two replicas that apply the same committed sequence reach
// identical state (spec.md §8 invariant 1).
//
// Apply invariant violations (e.g. a CreateTasks entry referencing unknown
// content) are fatal bugs, not transient conditions, and panic rather than
// return an error (spec.md §7) — the caller (the replication engine's apply
// loop) recovers only to log before re-panicking, so the process still
// fail-stops.
func (s *StateMachine) Apply(entries []AppliedEntry) []types.ProposalResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	responses := make([]types.ProposalResponse, 0, len(entries))
	for _, entry := range entries {
		s.lastAppliedLog, s.hasApplied = entry.ID, true
		responses = append(responses, s.applyOne(entry.Payload))
	}
	return responses
}

func (s *StateMachine) applyOne(req types.ProposalRequest) types.ProposalResponse {
	switch req.Tag {
	case "", types.RequestTag("Noop"):
		return types.ProposalResponse{}

	case types.TagSet:
		s.data[req.SetKey] = req.SetValue
		v := req.SetValue
		return types.ProposalResponse{Value: &v}

	case types.TagExecutorHeartbeat:
		s.applyExecutorHeartbeat(req.Executor)
		return types.ProposalResponse{}

	case types.TagCreateTasks:
		s.applyCreateTasks(req.Tasks)
		return types.ProposalResponse{}

	case types.TagAssignTask:
		s.applyAssignTask(req.Assignments)
		return types.ProposalResponse{}

	case types.TagAddExtractionEvent:
		s.applyAddExtractionEvent(req.Event)
		return types.ProposalResponse{}

	case types.TagMarkExtractionEventProcessed:
		s.applyMarkExtractionEventProcessed(req.EventID)
		return types.ProposalResponse{}

	case types.TagCreateContent:
		s.applyCreateContent(req.Content)
		return types.ProposalResponse{}

	case types.TagCreateBinding:
		s.applyCreateBinding(req.Binding)
		return types.ProposalResponse{}

	case types.TagUpdateTask:
		s.applyUpdateTask(req.UpdatedTask)
		return types.ProposalResponse{}

	default:
		panic(fmt.Sprintf("statemachine: apply invariant violation: unknown request tag %q", req.Tag))
	}
}

func (s *StateMachine) applyExecutorHeartbeat(hb *types.ExecutorHeartbeat) {
	if hb == nil {
		panic("statemachine: apply invariant violation: nil ExecutorHeartbeat payload")
	}
	now := s.clock()
	s.executorHealthChecks[hb.ExecutorID] = now
	s.extractors[hb.Extractor.Name] = hb.Extractor

	info := types.ExecutorMetadata{
		ID:           hb.ExecutorID,
		Address:      hb.Addr,
		Extractor:    hb.Extractor,
		LastSeenSecs: now,
	}
	_, existed := s.executors[info.ID]
	s.executors[info.ID] = info

	if !existed {
		ids := s.extractorsTable[hb.Extractor.Name]
		known := false
		for _, id := range ids {
			if id == info.ID {
				known = true
				break
			}
		}
		if !known {
			s.extractorsTable[hb.Extractor.Name] = append(ids, info.ID)
		}
	}
}

func (s *StateMachine) applyCreateTasks(tasks []types.Task) {
	for _, t := range tasks {
		if _, ok := s.contentTable[t.ContentID]; !ok {
			panic(fmt.Sprintf("statemachine: apply invariant violation: task %s references unknown content %s", t.ID, t.ContentID))
		}
		if _, ok := s.extractors[t.ExtractorName]; !ok {
			panic(fmt.Sprintf("statemachine: apply invariant violation: task %s references unknown extractor %s", t.ID, t.ExtractorName))
		}
		if _, exists := s.tasks[t.ID]; exists {
			continue // re-applying CreateTasks is idempotent (spec.md §8 invariant 4)
		}
		t.Status = types.TaskUnassigned
		s.tasks[t.ID] = t
		s.unassignedTasks.Add(t.ID)
	}
}

func (s *StateMachine) applyAssignTask(assignments map[string]string) {
	for taskID, executorID := range assignments {
		t, ok := s.tasks[taskID]
		if !ok {
			panic(fmt.Sprintf("statemachine: apply invariant violation: assign unknown task %s", taskID))
		}
		set, ok := s.taskAssignments[executorID]
		if !ok {
			set = mapset.NewThreadUnsafeSet[string]()
			s.taskAssignments[executorID] = set
		}
		set.Add(taskID)
		s.unassignedTasks.Remove(taskID)
		if t.Status == types.TaskUnassigned {
			t.Status = types.TaskAssigned
		}
		s.tasks[taskID] = t
	}
}

func (s *StateMachine) applyAddExtractionEvent(event *types.ExtractionEvent) {
	if event == nil {
		panic("statemachine: apply invariant violation: nil ExtractionEvent payload")
	}
	s.extractionEvents[event.ID] = *event
	s.unprocessedExtractionEvents.Add(event.ID)
}

func (s *StateMachine) applyMarkExtractionEventProcessed(eventID string) {
	s.unprocessedExtractionEvents.Remove(eventID)
	if e, ok := s.extractionEvents[eventID]; ok {
		now := s.clock()
		e.ProcessedAt = &now
		s.extractionEvents[eventID] = e
	}
}

func (s *StateMachine) applyCreateContent(content *types.ContentMetadata) {
	if content == nil {
		panic("statemachine: apply invariant violation: nil ContentMetadata payload")
	}
	if _, exists := s.contentTable[content.ID]; exists {
		return // immutable once created; re-apply is a no-op
	}
	s.contentTable[content.ID] = *content

	now := s.clock()
	event := types.ExtractionEvent{
		ID:         "evt-content-" + content.ID,
		Repository: content.Repository,
		Kind:       types.EventContentCreated,
		ContentID:  content.ID,
		CreatedAt:  now,
	}
	s.extractionEvents[event.ID] = event
	s.unprocessedExtractionEvents.Add(event.ID)
}

func (s *StateMachine) applyCreateBinding(binding *types.ExtractorBinding) {
	if binding == nil {
		panic("statemachine: apply invariant violation: nil ExtractorBinding payload")
	}
	if _, exists := s.bindingsTable[binding.ID]; exists {
		return // immutable once created; re-apply is a no-op
	}
	if _, ok := s.extractors[binding.ExtractorName]; !ok {
		log.Warn("binding registered for an extractor with no known description yet",
			"binding", binding.ID, "extractor", binding.ExtractorName)
	}
	s.bindingsTable[binding.ID] = *binding

	now := s.clock()
	event := types.ExtractionEvent{
		ID:         "evt-binding-" + binding.ID,
		Repository: binding.Repository,
		Kind:       types.EventBindingAdded,
		BindingID:  binding.ID,
		CreatedAt:  now,
	}
	s.extractionEvents[event.ID] = event
	s.unprocessedExtractionEvents.Add(event.ID)
}

func (s *StateMachine) applyUpdateTask(updated *types.Task) {
	if updated == nil {
		panic("statemachine: apply invariant violation: nil Task payload")
	}
	if _, ok := s.tasks[updated.ID]; !ok {
		panic(fmt.Sprintf("statemachine: apply invariant violation: update of unknown task %s", updated.ID))
	}
	s.tasks[updated.ID] = *updated
	if updated.Status != types.TaskUnassigned {
		s.unassignedTasks.Remove(updated.ID)
	}
	if updated.Status == types.TaskSuccess || updated.Status == types.TaskFailure {
		// terminal: drop from every executor's active assignment set.
		for _, set := range s.taskAssignments {
			set.Remove(updated.ID)
		}
	}
}
