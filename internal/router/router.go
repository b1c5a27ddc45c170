// Package router implements the Command Router (spec.md §4.4): it accepts
// local requests, forwards writes to the leader when this node is not it,
// and services reads against the local State Machine snapshot.
package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/extractctl/controlplane/internal/raft"
	"github.com/extractctl/controlplane/internal/statemachine"
	"github.com/extractctl/controlplane/internal/types"
)

// ErrNoLeader is returned when the retry budget is exhausted without ever
// reaching a leader.
var ErrNoLeader = errors.New("router: no leader found within retry budget")

// Forwarder dispatches a proposal to a specific, possibly remote, node by
// id. cmd/controlplaned wires raft.HTTPTransport, an HTTP client for a
// peer's /raft/propose endpoint; tests may supply an in-process fake.
type Forwarder interface {
	ProposeOn(ctx context.Context, nodeID string, req types.ProposalRequest) (types.ProposalResponse, error)
}

// Router is the Command Router for one node.
type Router struct {
	local      *raft.Node
	sm         *statemachine.StateMachine
	forwarder  Forwarder
	maxRetries int
}

// New constructs a Router bound to this node's replication engine instance
// and state machine. maxRetries bounds leader-forwarding attempts before
// ErrNoLeader is returned to the caller (spec.md §4.4); 0 uses a sane default.
func New(local *raft.Node, sm *statemachine.StateMachine, forwarder Forwarder, maxRetries int) *Router {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Router{local: local, sm: sm, forwarder: forwarder, maxRetries: maxRetries}
}

// Propose submits req for consensus. If this node is the leader it proposes
// directly; otherwise it forwards to the leader hint and relays the
// response, retrying up to maxRetries times across leadership transfers
// before reporting ErrNoLeader (spec.md §4.4).
func (r *Router) Propose(ctx context.Context, req types.ProposalRequest) (types.ProposalResponse, error) {
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		if r.local.IsLeader() {
			resp, err := r.local.Propose(ctx, req)
			if errors.Is(err, raft.ErrNotLeader) {
				continue // stepped down between the check and the call
			}
			return resp, err
		}

		hint := r.local.LeaderHint()
		if hint == "" {
			log.Debug("router: no leader hint yet, retrying", "attempt", attempt)
			continue
		}
		resp, err := r.forwarder.ProposeOn(ctx, hint, req)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, raft.ErrNotLeader) {
			continue
		}
		return types.ProposalResponse{}, fmt.Errorf("router: forward to %s: %w", hint, err)
	}
	return types.ProposalResponse{}, ErrNoLeader
}

// Query is a read-only accessor function serviced against the local state
// machine. Per spec.md §4.4 this carries no linearizability guarantee
// unless the caller first performs a read-index handshake with the engine,
// which this reference engine does not implement — reads here are local and
// may be stale relative to the leader.
type Query func(sm *statemachine.StateMachine) any

// Read services query against the local State Machine snapshot.
func (r *Router) Read(query Query) any {
	return query(r.sm)
}
