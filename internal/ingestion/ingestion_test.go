package ingestion

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/stretchr/testify/require"

	"github.com/extractctl/controlplane/internal/logstore"
	"github.com/extractctl/controlplane/internal/raft"
	"github.com/extractctl/controlplane/internal/statemachine"
	"github.com/extractctl/controlplane/internal/types"
)

type recordingVectorIndex struct {
	calls []VectorEntry
}

func (r *recordingVectorIndex) Add(_ context.Context, _, _ string, entries []VectorEntry) error {
	r.calls = append(r.calls, entries...)
	return nil
}

type recordingAttributeIndex struct {
	calls []AttributeRecord
}

func (r *recordingAttributeIndex) Add(_ context.Context, _, _ string, record AttributeRecord) error {
	r.calls = append(r.calls, record)
	return nil
}

func newLeader(t *testing.T) (*raft.Node, *statemachine.StateMachine) {
	t.Helper()
	store, err := logstore.New(memorydb.New())
	require.NoError(t, err)
	sm := statemachine.New(func() int64 { return 1000 })
	transport := raft.NewMemoryTransport()
	n, err := raft.New("n1", nil, transport, store, sm, nil)
	require.NoError(t, err)
	transport.Register(n)
	n.BootstrapAsLeader()
	return n, sm
}

func seedTask(t *testing.T, n *raft.Node) {
	t.Helper()
	ctx := context.Background()
	_, err := n.Propose(ctx, types.ProposalRequest{
		Tag:      types.TagExecutorHeartbeat,
		Executor: &types.ExecutorHeartbeat{ExecutorID: "exec-1", Addr: "127.0.0.1:9000", Extractor: types.ExtractorDescription{Name: "thumbnailer"}},
	})
	require.NoError(t, err)
	_, err = n.Propose(ctx, types.ProposalRequest{Tag: types.TagCreateContent, Content: &types.ContentMetadata{ID: "c1", Repository: "repo1"}})
	require.NoError(t, err)
	task := types.Task{ID: "t1", ExtractorBindingID: "b1", ExtractorName: "thumbnailer", Repository: "repo1", ContentID: "c1", Status: types.TaskRunning}
	_, err = n.Propose(ctx, types.ProposalRequest{Tag: types.TagCreateTasks, Tasks: []types.Task{task}})
	require.NoError(t, err)
}

func TestReportStatusesCommitsTerminalStateAndFansOutVectorFeature(t *testing.T) {
	n, sm := newLeader(t)
	seedTask(t, n)

	vector := &recordingVectorIndex{}
	attribute := &recordingAttributeIndex{}
	bridge := New(sm, n, vector, attribute)

	report := types.TaskStatusReport{
		TaskID: "t1",
		Status: types.TaskSuccess,
		ExtractedContent: []types.ExtractedContent{
			{
				ContentID: "c1",
				Text:      "a cat on a mat",
				Feature:   &types.Feature{Name: "caption_embedding", Embedding: []float32{0.1, 0.2}},
			},
		},
	}
	require.NoError(t, bridge.ReportStatuses(context.Background(), []types.TaskStatusReport{report}))

	task, ok := sm.Task("t1")
	require.True(t, ok)
	require.Equal(t, types.TaskSuccess, task.Status)

	require.Len(t, vector.calls, 1)
	require.Equal(t, "c1", vector.calls[0].ContentID)
	require.Equal(t, "a cat on a mat", vector.calls[0].Text)
	require.Empty(t, attribute.calls)
}

func TestReportStatusesFansOutAttributeFeature(t *testing.T) {
	n, sm := newLeader(t)
	seedTask(t, n)

	vector := &recordingVectorIndex{}
	attribute := &recordingAttributeIndex{}
	bridge := New(sm, n, vector, attribute)

	report := types.TaskStatusReport{
		TaskID: "t1",
		Status: types.TaskSuccess,
		ExtractedContent: []types.ExtractedContent{
			{
				ContentID: "c1",
				Feature:   &types.Feature{Name: "exif", Metadata: map[string]any{"width": 1024.0}},
			},
		},
	}
	require.NoError(t, bridge.ReportStatuses(context.Background(), []types.TaskStatusReport{report}))

	require.Empty(t, vector.calls)
	require.Len(t, attribute.calls, 1)
	require.Equal(t, "c1", attribute.calls[0].ContentID)
	require.Equal(t, "thumbnailer", attribute.calls[0].ExtractorName)
}

func TestReportStatusesForUnknownTaskIsLoggedAndSkipped(t *testing.T) {
	_, sm := newLeader(t)
	bridge := New(sm, nil, NoopVectorIndex{}, NoopAttributeIndex{})

	err := bridge.ReportStatuses(context.Background(), []types.TaskStatusReport{{TaskID: "does-not-exist", Status: types.TaskSuccess}})
	require.NoError(t, err)
}
