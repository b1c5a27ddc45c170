package statemachine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/extractctl/controlplane/internal/types"
)

func fixedClock(t int64) func() int64 {
	return func() int64 { return t }
}

func seedExtractorAndContent(t *testing.T, sm *StateMachine, contentID string) {
	t.Helper()
	sm.Apply([]AppliedEntry{
		{ID: LogID{Index: 1}, Payload: types.ProposalRequest{
			Tag: types.TagExecutorHeartbeat,
			Executor: &types.ExecutorHeartbeat{
				ExecutorID: "x1",
				Addr:       "10.0.0.1:9000",
				Extractor:  types.ExtractorDescription{Name: "ocr"},
			},
		}},
		{ID: LogID{Index: 2}, Payload: types.ProposalRequest{
			Tag: types.TagCreateContent,
			Content: &types.ContentMetadata{ID: contentID, Repository: "r1"},
		}},
	})
}

func TestApplyCreateTasksRequiresKnownContentAndExtractor(t *testing.T) {
	sm := New(fixedClock(100))
	require.Panics(t, func() {
		sm.Apply([]AppliedEntry{{ID: LogID{Index: 1}, Payload: types.ProposalRequest{
			Tag:   types.TagCreateTasks,
			Tasks: []types.Task{{ID: "t1", ExtractorName: "ocr", ContentID: "missing"}},
		}}})
	})
}

func TestUnassignedTasksInvariant(t *testing.T) {
	sm := New(fixedClock(100))
	seedExtractorAndContent(t, sm, "c1")
	sm.Apply([]AppliedEntry{{ID: LogID{Index: 3}, Payload: types.ProposalRequest{
		Tag:   types.TagCreateTasks,
		Tasks: []types.Task{{ID: "t1", ExtractorName: "ocr", ContentID: "c1"}},
	}}})

	require.ElementsMatch(t, []string{"t1"}, sm.UnassignedTasks())

	sm.Apply([]AppliedEntry{{ID: LogID{Index: 4}, Payload: types.ProposalRequest{
		Tag:         types.TagAssignTask,
		Assignments: map[string]string{"t1": "x1"},
	}}})

	require.Empty(t, sm.UnassignedTasks())
	tsk, ok := sm.Task("t1")
	require.True(t, ok)
	require.Equal(t, types.TaskAssigned, tsk.Status)
	require.Equal(t, []types.Task{tsk}, sm.TasksForExecutor("x1"))
}

func TestReapplyingCreateTasksIsIdempotent(t *testing.T) {
	sm := New(fixedClock(100))
	seedExtractorAndContent(t, sm, "c1")
	task := types.Task{ID: "t1", ExtractorName: "ocr", ContentID: "c1"}

	sm.Apply([]AppliedEntry{{ID: LogID{Index: 3}, Payload: types.ProposalRequest{Tag: types.TagCreateTasks, Tasks: []types.Task{task}}}})
	sm.Apply([]AppliedEntry{{ID: LogID{Index: 4}, Payload: types.ProposalRequest{
		Tag:         types.TagAssignTask,
		Assignments: map[string]string{"t1": "x1"},
	}}})
	before, _ := sm.Task("t1")

	// Re-applying CreateTasks for the same id must not revert status or
	// duplicate the unassigned-set entry (spec.md §8 invariant 4).
	sm.Apply([]AppliedEntry{{ID: LogID{Index: 5}, Payload: types.ProposalRequest{Tag: types.TagCreateTasks, Tasks: []types.Task{task}}}})
	after, _ := sm.Task("t1")

	require.Equal(t, before, after)
	require.Empty(t, sm.UnassignedTasks())
}

func TestMarkExtractionEventProcessed(t *testing.T) {
	sm := New(fixedClock(100))
	sm.Apply([]AppliedEntry{{ID: LogID{Index: 1}, Payload: types.ProposalRequest{
		Tag: types.TagCreateContent,
		Content: &types.ContentMetadata{ID: "c1", Repository: "r1"},
	}}})

	events := sm.UnprocessedExtractionEvents()
	require.Len(t, events, 1)
	eventID := events[0].ID

	sm.Apply([]AppliedEntry{{ID: LogID{Index: 2}, Payload: types.ProposalRequest{
		Tag:     types.TagMarkExtractionEventProcessed,
		EventID: eventID,
	}}})

	require.Empty(t, sm.UnprocessedExtractionEvents())
	ev, ok := sm.ExtractionEvent(eventID)
	require.True(t, ok)
	require.NotNil(t, ev.ProcessedAt)
	require.Equal(t, int64(100), *ev.ProcessedAt)
}

func TestSnapshotRoundTripIsNoOp(t *testing.T) {
	sm := New(fixedClock(100))
	seedExtractorAndContent(t, sm, "c1")
	sm.Apply([]AppliedEntry{{ID: LogID{Index: 3}, Payload: types.ProposalRequest{
		Tag:   types.TagCreateTasks,
		Tasks: []types.Task{{ID: "t1", ExtractorName: "ocr", ContentID: "c1"}},
	}}})
	sm.Apply([]AppliedEntry{{ID: LogID{Index: 4}, Payload: types.ProposalRequest{
		Tag:         types.TagAssignTask,
		Assignments: map[string]string{"t1": "x1"},
	}}})

	meta, raw, err := sm.Snapshot("leader-1")
	require.NoError(t, err)
	require.NotEmpty(t, meta.SnapshotID)

	fresh := New(fixedClock(100))
	require.NoError(t, fresh.InstallSnapshot(meta, raw))

	require.ElementsMatch(t, sm.Executors(), fresh.Executors())
	require.Equal(t, sm.UnassignedTasks(), fresh.UnassignedTasks())
	orig, _ := sm.Task("t1")
	installed, _ := fresh.Task("t1")
	require.Equal(t, orig, installed)
}

func TestTwoReplicasApplyingSameSequenceConverge(t *testing.T) {
	build := func() *StateMachine {
		sm := New(fixedClock(100))
		seedExtractorAndContent(t, sm, "c1")
		sm.Apply([]AppliedEntry{{ID: LogID{Index: 3}, Payload: types.ProposalRequest{
			Tag:   types.TagCreateTasks,
			Tasks: []types.Task{{ID: "t1", ExtractorName: "ocr", ContentID: "c1"}},
		}}})
		return sm
	}
	a, b := build(), build()

	_, rawA, err := a.Snapshot("leader-1")
	require.NoError(t, err)
	_, rawB, err := b.Snapshot("leader-1")
	require.NoError(t, err)
	require.JSONEq(t, string(rawA), string(rawB))
}
