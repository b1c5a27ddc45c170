package router

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

type fakeForwarder struct {
	leader *raft.Node
}

func (f *fakeForwarder) ProposeOn(ctx context.Context, nodeID string, req types.ProposalRequest) (types.ProposalResponse, error) {
	if f.leader == nil || f.leader.ID() != nodeID {
		return types.ProposalResponse{}, raft.ErrNotLeader
	}
	return f.leader.Propose(ctx, req)
}

func newRaftNode(t *testing.T, id string, peers []string, transport raft.Transport) (*raft.Node, *statemachine.StateMachine) {
	t.Helper()
	store, err := logstore.New(memorydb.New())
	require.NoError(t, err)
	sm := statemachine.New(nil)
	n, err := raft.New(id, peers, transport, store, sm, nil)
	require.NoError(t, err)
	return n, sm
}

func TestRouterProposesDirectlyWhenLeader(t *testing.T) {
	transport := raft.NewMemoryTransport()
	leader, sm := newRaftNode(t, "n1", nil, transport)
	transport.Register(leader)
	leader.BootstrapAsLeader()

	r := New(leader, sm, &fakeForwarder{}, 0)
	resp, err := r.Propose(context.Background(), types.ProposalRequest{Tag: types.TagSet, SetKey: "k", SetValue: "v"})
	require.NoError(t, err)
	require.Equal(t, "v", *resp.Value)
}

func TestRouterForwardsWhenNotLeader(t *testing.T) {
	transport := raft.NewMemoryTransport()
	leader, _ := newRaftNode(t, "n1", []string{"n2"}, transport)
	follower, followerSM := newRaftNode(t, "n2", []string{"n1"}, transport)
	transport.Register(leader)
	transport.Register(follower)
	leader.BootstrapAsLeader()

	// Simulate the follower having observed the leader via a heartbeat.
	follower.HandleAppendEntries(raft.AppendEntriesArgs{Term: 1, LeaderID: "n1"})

	r := New(follower, followerSM, &fakeForwarder{leader: leader}, 0)
	resp, err := r.Propose(context.Background(), types.ProposalRequest{Tag: types.TagSet, SetKey: "k", SetValue: "v"})
	require.NoError(t, err)
	require.Equal(t, "v", *resp.Value)
}

func TestRouterReadServicesLocalSnapshot(t *testing.T) {
	transport := raft.NewMemoryTransport()
	leader, sm := newRaftNode(t, "n1", nil, transport)
	transport.Register(leader)
	leader.BootstrapAsLeader()
	_, err := leader.Propose(context.Background(), types.ProposalRequest{Tag: types.TagSet, SetKey: "k", SetValue: "v"})
	require.NoError(t, err)

	r := New(leader, sm, &fakeForwarder{}, 0)
	v := r.Read(func(sm *statemachine.StateMachine) any {
		val, _ := sm.Get("k")
		return val
	})
	require.Equal(t, "v", v)
}
