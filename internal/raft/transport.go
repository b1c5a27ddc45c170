package raft

import (
	"context"
	"fmt"
	"sync"
)

// MemoryTransport wires a fixed set of in-process Nodes together for tests
// and single-process dev clusters, the way an embedded Raft library's test
// harness typically simulates a cluster without real sockets.
type MemoryTransport struct {
	mu    sync.RWMutex
	nodes map[string]*Node
}

// NewMemoryTransport returns an empty transport; Register each node before
// starting elections.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{nodes: make(map[string]*Node)}
}

// Register makes n reachable by id through this transport.
func (t *MemoryTransport) Register(n *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[n.id] = n
}

func (t *MemoryTransport) node(id string) (*Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("raft: unknown peer %q", id)
	}
	return n, nil
}

// RequestVote delivers a vote request directly to the peer's handler.
func (t *MemoryTransport) RequestVote(_ context.Context, peerID string, args RequestVoteArgs) (RequestVoteReply, error) {
	peer, err := t.node(peerID)
	if err != nil {
		return RequestVoteReply{}, err
	}
	return peer.HandleRequestVote(args), nil
}

// AppendEntries delivers a replication call directly to the peer's handler.
func (t *MemoryTransport) AppendEntries(_ context.Context, peerID string, args AppendEntriesArgs) (AppendEntriesReply, error) {
	peer, err := t.node(peerID)
	if err != nil {
		return AppendEntriesReply{}, err
	}
	return peer.HandleAppendEntries(args), nil
}
