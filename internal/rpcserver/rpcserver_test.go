package rpcserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/stretchr/testify/require"

	"github.com/extractctl/controlplane/internal/logstore"
	"github.com/extractctl/controlplane/internal/raft"
	"github.com/extractctl/controlplane/internal/statemachine"
	"github.com/extractctl/controlplane/internal/types"
)

type fakeIngest struct {
	received []types.TaskStatusReport
}

func (f *fakeIngest) ReportStatuses(_ context.Context, reports []types.TaskStatusReport) error {
	f.received = append(f.received, reports...)
	return nil
}

func newServer(t *testing.T) (*Server, *raft.Node, *statemachine.StateMachine, *fakeIngest) {
	t.Helper()
	store, err := logstore.New(memorydb.New())
	require.NoError(t, err)
	sm := statemachine.New(func() int64 { return 1000 })
	transport := raft.NewMemoryTransport()
	n, err := raft.New("n1", nil, transport, store, sm, nil)
	require.NoError(t, err)
	transport.Register(n)
	n.BootstrapAsLeader()

	ingest := &fakeIngest{}
	return New(sm, n, ingest), n, sm, ingest
}

func TestHandleHeartbeatRegistersExecutor(t *testing.T) {
	s, _, sm, _ := newServer(t)

	body, _ := json.Marshal(heartbeatBody{Addr: "127.0.0.1:9000", Extractor: types.ExtractorDescription{Name: "thumbnailer"}})
	req := httptest.NewRequest(http.MethodPost, "/executors/exec-1/heartbeat", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, sm.Executors(), 1)
}

func TestHandleGetWorkReturnsAssignedTasks(t *testing.T) {
	s, n, _, _ := newServer(t)
	ctx := context.Background()
	_, err := n.Propose(ctx, types.ProposalRequest{
		Tag:      types.TagExecutorHeartbeat,
		Executor: &types.ExecutorHeartbeat{ExecutorID: "exec-1", Addr: "127.0.0.1:9000", Extractor: types.ExtractorDescription{Name: "thumbnailer"}},
	})
	require.NoError(t, err)
	_, err = n.Propose(ctx, types.ProposalRequest{Tag: types.TagCreateContent, Content: &types.ContentMetadata{ID: "c1", Repository: "repo1"}})
	require.NoError(t, err)

	task := types.Task{ID: "t1", ExtractorBindingID: "b1", ExtractorName: "thumbnailer", Repository: "repo1", ContentID: "c1", Status: types.TaskUnassigned}
	_, err = n.Propose(ctx, types.ProposalRequest{Tag: types.TagCreateTasks, Tasks: []types.Task{task}})
	require.NoError(t, err)
	_, err = n.Propose(ctx, types.ProposalRequest{Tag: types.TagAssignTask, Assignments: map[string]string{"t1": "exec-1"}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/executors/exec-1/work", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got []types.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.Equal(t, "t1", got[0].ID)
}

func TestHandleReportStatusForwardsToIngestBridge(t *testing.T) {
	s, _, _, ingest := newServer(t)

	reports := []types.TaskStatusReport{{TaskID: "t1", Status: types.TaskSuccess}}
	body, _ := json.Marshal(reports)
	req := httptest.NewRequest(http.MethodPost, "/executors/exec-1/status", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, ingest.received, 1)
	require.Equal(t, "t1", ingest.received[0].TaskID)
}
