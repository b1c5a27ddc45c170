// Package raft is the reference Replication Engine (spec.md §4.3). In the
// source system this component is "consumed as a library contract" — a
// Raft implementation plugged in from outside this core. No embeddable Raft
// package exists in this repo's dependency surface, so this package supplies
// a small, single-leader reference engine satisfying exactly that contract
// against the Log & Vote Store (internal/logstore) and State Machine
// (internal/statemachine): a committed log prefix identical on all surviving
// replicas and exactly-once apply on each replica.
//
// It does not implement joint-consensus membership changes, log compaction
// triggers, pre-vote, or snapshot transfer: no RPC carries a snapshot and
// nothing in this package calls StateMachine.InstallSnapshot, so a lagging
// replica catches up only by log replication.
package raft

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/extractctl/controlplane/internal/logstore"
	"github.com/extractctl/controlplane/internal/statemachine"
	"github.com/extractctl/controlplane/internal/types"
)

// Role is the node's current Raft role.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

const (
	minElectionTimeout = 150 * time.Millisecond
	maxElectionTimeout = 300 * time.Millisecond
	heartbeatInterval  = 50 * time.Millisecond
)

// RequestVoteArgs asks a peer to grant its vote for the current term.
type RequestVoteArgs struct {
	Term         uint64
	CandidateID  string
	LastLogIndex uint64
	LastLogTerm  uint64
}

// RequestVoteReply is a peer's response to a vote request.
type RequestVoteReply struct {
	Term        uint64
	VoteGranted bool
}

// AppendEntriesArgs both replicates log entries and serves as a heartbeat
// when Entries is empty.
type AppendEntriesArgs struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []logstore.Entry
	LeaderCommit uint64
}

// AppendEntriesReply is a peer's response to AppendEntries.
type AppendEntriesReply struct {
	Term    uint64
	Success bool
	// MatchIndex lets the leader advance nextIndex/matchIndex in one round
	// trip instead of backing off one entry at a time.
	MatchIndex uint64
}

// Transport delivers RPCs to a named peer. The in-memory transport in
// transport.go wires multiple in-process Nodes together for tests and
// single-process dev clusters; HTTPTransport in httptransport.go is the
// networked implementation of the same interface.
type Transport interface {
	RequestVote(ctx context.Context, peerID string, args RequestVoteArgs) (RequestVoteReply, error)
	AppendEntries(ctx context.Context, peerID string, args AppendEntriesArgs) (AppendEntriesReply, error)
}

// ApplyHook is invoked after a batch is committed and applied, with the
// requests and their responses in order. The Event Queue (internal/eventqueue)
// uses it to notice AddExtractionEvent/CreateContent/CreateBinding commands
// and emit SignalWork.
type ApplyHook func(reqs []types.ProposalRequest, resps []types.ProposalResponse)

// Node is one replica's replication engine instance.
type Node struct {
	mu sync.Mutex
	// applyMu serializes applyCommitted so each entry is applied once.
	applyMu sync.Mutex

	id    string
	peers []string // other node ids, not including self

	transport Transport
	log       *logstore.Store
	sm        *statemachine.StateMachine

	role        Role
	currentTerm uint64
	votedFor    string

	commitIndex uint64
	lastApplied uint64

	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	applyHook ApplyHook

	leaderID string

	electionDeadline time.Time
	stopCh           chan struct{}
	stopped          bool

	// waiters maps a proposed log index to the channel its caller blocks on.
	waiters map[uint64]chan types.ProposalResponse
}

// New constructs a Node. Call Run to start its election/heartbeat/apply
// loops; Stop to cancel them on step-down or shutdown.
func New(id string, peers []string, transport Transport, logStore *logstore.Store, sm *statemachine.StateMachine, hook ApplyHook) (*Node, error) {
	n := &Node{
		id:         id,
		peers:      peers,
		transport:  transport,
		log:        logStore,
		sm:         sm,
		role:       Follower,
		nextIndex:  make(map[string]uint64),
		matchIndex: make(map[string]uint64),
		applyHook:  hook,
		stopCh:     make(chan struct{}),
		waiters:    make(map[uint64]chan types.ProposalResponse),
	}
	if v, ok, err := logStore.ReadVote(); err != nil {
		return nil, fmt.Errorf("raft: read vote: %w", err)
	} else if ok {
		n.currentTerm, n.votedFor = v.Term, v.VotedFor
	}
	n.resetElectionDeadline()
	return n, nil
}

// ID returns the node's identity.
func (n *Node) ID() string { return n.id }

// IsLeader reports whether this node currently believes it is the leader.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == Leader
}

// LeaderHint returns the id of the node most likely to be leader: this node
// if it is the leader, otherwise the sender of the last accepted
// AppendEntries, or empty if none has been seen. The Command Router uses it
// for its bounded-retry forward (spec.md §4.4).
func (n *Node) LeaderHint() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role == Leader {
		return n.id
	}
	return n.leaderID
}

// BootstrapAsLeader forces this node directly into the Leader role without
// waiting out an election timeout. Used to start a single-node cluster (or
// a test fixture) without the nondeterminism of a timer-driven election.
func (n *Node) BootstrapAsLeader() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.currentTerm++
	n.votedFor = n.id
	n.becomeLeaderLocked()
}

// Run drives the election timer, the leader's heartbeat broadcast, and the
// apply loop until Stop is called. It should run in its own goroutine.
func (n *Node) Run() {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.tick()
		}
	}
}

// Stop cancels the node's loops. In-flight proposals are abandoned per
// spec.md §5's cancellation semantics: any command not yet committed is
// simply never applied here, and a future leader will re-propose it from
// the caller's perspective (the Coordinator Loop re-derives the same work
// from unprocessed_extraction_events).
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	n.mu.Unlock()
	close(n.stopCh)
}

func (n *Node) tick() {
	n.mu.Lock()
	role := n.role
	deadlinePassed := time.Now().After(n.electionDeadline)
	n.mu.Unlock()

	switch role {
	case Leader:
		n.broadcastAppendEntries()
	default:
		if deadlinePassed {
			n.startElection()
		}
	}
}

func (n *Node) resetElectionDeadline() {
	jitter := time.Duration(rand.Int63n(int64(maxElectionTimeout - minElectionTimeout)))
	n.electionDeadline = time.Now().Add(minElectionTimeout + jitter)
}

// Propose submits req to the log if this node is leader and blocks until it
// is committed and applied, returning its response. Callers outside the
// replication engine (the Command Router) are responsible for forwarding to
// the leader on ErrNotLeader (spec.md §4.4).
func (n *Node) Propose(ctx context.Context, req types.ProposalRequest) (types.ProposalResponse, error) {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return types.ProposalResponse{}, ErrNotLeader
	}
	last, ok := n.log.LastLogID()
	index := uint64(1)
	if ok {
		index = last.Index + 1
	}
	entry := logstore.Entry{ID: logstore.LogID{Term: n.currentTerm, Index: index}, Payload: req}
	if err := n.log.Append([]logstore.Entry{entry}); err != nil {
		n.mu.Unlock()
		return types.ProposalResponse{}, fmt.Errorf("raft: append: %w", err)
	}
	n.matchIndex[n.id] = index
	wait := make(chan types.ProposalResponse, 1)
	n.waiters[index] = wait
	n.mu.Unlock()

	n.maybeAdvanceCommit()
	n.broadcastAppendEntries()

	select {
	case resp := <-wait:
		return resp, nil
	case <-ctx.Done():
		return types.ProposalResponse{}, ctx.Err()
	}
}

// ErrNotLeader is returned by Propose when this node is not the leader.
var ErrNotLeader = fmt.Errorf("raft: not leader")

func (n *Node) startElection() {
	n.mu.Lock()
	n.role = Candidate
	n.currentTerm++
	n.votedFor = n.id
	term := n.currentTerm
	lastID, _ := n.log.LastLogID()
	if err := n.log.SaveVote(logstore.Vote{Term: term, VotedFor: n.id}); err != nil {
		log.Error("raft: persist vote failed", "node", n.id, "err", err)
	}
	n.resetElectionDeadline()
	peers := append([]string(nil), n.peers...)
	n.mu.Unlock()

	votes := 1 // vote for self
	var voteMu sync.Mutex
	var g errgroup.Group
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), heartbeatInterval*2)
			defer cancel()
			reply, err := n.transport.RequestVote(ctx, peer, RequestVoteArgs{
				Term: term, CandidateID: n.id, LastLogIndex: lastID.Index, LastLogTerm: lastID.Term,
			})
			if err != nil {
				return nil // an unreachable peer simply doesn't get counted
			}
			n.mu.Lock()
			if reply.Term > n.currentTerm {
				n.stepDown(reply.Term)
			}
			n.mu.Unlock()
			if reply.VoteGranted {
				voteMu.Lock()
				votes++
				voteMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != Candidate || n.currentTerm != term {
		return // stepped down or term moved on while votes were outstanding
	}
	if votes*2 > len(peers)+1 {
		n.becomeLeaderLocked()
	}
}

func (n *Node) becomeLeaderLocked() {
	n.role = Leader
	n.leaderID = n.id
	last, _ := n.log.LastLogID()
	for _, p := range n.peers {
		n.nextIndex[p] = last.Index + 1
		n.matchIndex[p] = 0
	}
	log.Info("raft: became leader", "node", n.id, "term", n.currentTerm)
}

// stepDown transitions to Follower for a newly observed higher term.
// Callers must hold n.mu.
func (n *Node) stepDown(term uint64) {
	if term <= n.currentTerm && n.role != Leader {
		return
	}
	n.currentTerm = term
	n.role = Follower
	n.votedFor = ""
	n.resetElectionDeadline()
	if err := n.log.SaveVote(logstore.Vote{Term: term, VotedFor: ""}); err != nil {
		log.Error("raft: persist vote on step-down failed", "node", n.id, "err", err)
	}
}

// HandleRequestVote implements the RequestVote RPC server side.
func (n *Node) HandleRequestVote(args RequestVoteArgs) RequestVoteReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term > n.currentTerm {
		n.stepDown(args.Term)
	}
	if args.Term < n.currentTerm {
		return RequestVoteReply{Term: n.currentTerm, VoteGranted: false}
	}
	last, _ := n.log.LastLogID()
	upToDate := args.LastLogTerm > last.Term || (args.LastLogTerm == last.Term && args.LastLogIndex >= last.Index)
	if (n.votedFor == "" || n.votedFor == args.CandidateID) && upToDate {
		n.votedFor = args.CandidateID
		if err := n.log.SaveVote(logstore.Vote{Term: n.currentTerm, VotedFor: n.votedFor}); err != nil {
			log.Error("raft: persist vote failed", "node", n.id, "err", err)
		}
		n.resetElectionDeadline()
		return RequestVoteReply{Term: n.currentTerm, VoteGranted: true}
	}
	return RequestVoteReply{Term: n.currentTerm, VoteGranted: false}
}

func (n *Node) broadcastAppendEntries() {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return
	}
	term := n.currentTerm
	peers := append([]string(nil), n.peers...)
	n.mu.Unlock()

	for _, peer := range peers {
		peer := peer
		go n.replicateTo(peer, term)
	}
}

func (n *Node) replicateTo(peer string, term uint64) {
	n.mu.Lock()
	if n.role != Leader || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	next := n.nextIndex[peer]
	if next == 0 {
		next = 1
	}
	var prevIndex, prevTerm uint64
	if next > 1 {
		prevIndex = next - 1
		if entries, err := n.log.Read(prevIndex, prevIndex); err == nil && len(entries) == 1 {
			prevTerm = entries[0].ID.Term
		}
	}
	entries, err := n.log.Read(next, ^uint64(0))
	commit := n.commitIndex
	n.mu.Unlock()
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), heartbeatInterval*2)
	defer cancel()
	reply, err := n.transport.AppendEntries(ctx, peer, AppendEntriesArgs{
		Term: term, LeaderID: n.id, PrevLogIndex: prevIndex, PrevLogTerm: prevTerm,
		Entries: entries, LeaderCommit: commit,
	})
	if err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if reply.Term > n.currentTerm {
		n.stepDown(reply.Term)
		return
	}
	if n.role != Leader || n.currentTerm != term {
		return
	}
	if reply.Success {
		n.matchIndex[peer] = reply.MatchIndex
		n.nextIndex[peer] = reply.MatchIndex + 1
	} else if n.nextIndex[peer] > 1 {
		n.nextIndex[peer]--
	}
	n.maybeAdvanceCommitLocked()
	n.mu.Unlock()
	n.applyCommitted()
	n.mu.Lock() // re-taken for the deferred Unlock
}

// HandleAppendEntries implements the AppendEntries RPC server side.
func (n *Node) HandleAppendEntries(args AppendEntriesArgs) AppendEntriesReply {
	n.mu.Lock()

	if args.Term > n.currentTerm {
		n.stepDown(args.Term)
	}
	if args.Term < n.currentTerm {
		term := n.currentTerm
		n.mu.Unlock()
		return AppendEntriesReply{Term: term, Success: false}
	}
	n.role = Follower
	n.leaderID = args.LeaderID
	n.resetElectionDeadline()

	if args.PrevLogIndex > 0 {
		got, err := n.log.Read(args.PrevLogIndex, args.PrevLogIndex)
		if err != nil || len(got) != 1 || got[0].ID.Term != args.PrevLogTerm {
			term := n.currentTerm
			n.mu.Unlock()
			return AppendEntriesReply{Term: term, Success: false}
		}
	}

	if len(args.Entries) > 0 {
		if err := n.log.TruncateSince(args.Entries[0].ID.Index); err != nil {
			log.Error("raft: truncate before append failed", "node", n.id, "err", err)
		}
		if err := n.log.Append(args.Entries); err != nil {
			log.Error("raft: append from leader failed", "node", n.id, "err", err)
		}
	}

	last, _ := n.log.LastLogID()
	if args.LeaderCommit > n.commitIndex {
		n.commitIndex = min(args.LeaderCommit, last.Index)
	}
	term := n.currentTerm
	n.mu.Unlock()

	n.applyCommitted()
	return AppendEntriesReply{Term: term, Success: true, MatchIndex: last.Index}
}

// maybeAdvanceCommit recomputes the leader's commit index from matchIndex
// across a majority and applies any newly committed entries.
func (n *Node) maybeAdvanceCommit() {
	n.mu.Lock()
	n.maybeAdvanceCommitLocked()
	n.mu.Unlock()
	n.applyCommitted()
}

// maybeAdvanceCommitLocked must be called with n.mu held.
func (n *Node) maybeAdvanceCommitLocked() {
	if n.role != Leader {
		return
	}
	matches := make([]uint64, 0, len(n.peers)+1)
	matches = append(matches, n.matchIndex[n.id])
	for _, p := range n.peers {
		matches = append(matches, n.matchIndex[p])
	}
	sortDesc(matches)
	majorityIdx := len(matches) / 2
	candidate := matches[majorityIdx]
	if candidate > n.commitIndex {
		if entries, err := n.log.Read(candidate, candidate); err == nil && len(entries) == 1 && entries[0].ID.Term == n.currentTerm {
			n.commitIndex = candidate
		}
	}
}

// applyCommitted pushes newly committed entries through the state machine
// and wakes any local Propose callers waiting on them.
func (n *Node) applyCommitted() {
	n.applyMu.Lock()
	defer n.applyMu.Unlock()

	n.mu.Lock()
	if n.commitIndex <= n.lastApplied {
		n.mu.Unlock()
		return
	}
	lo, hi := n.lastApplied+1, n.commitIndex
	n.mu.Unlock()

	entries, err := n.log.Read(lo, hi)
	if err != nil {
		log.Error("raft: read committed range failed", "node", n.id, "lo", lo, "hi", hi, "err", err)
		return
	}

	applied := make([]statemachine.AppliedEntry, len(entries))
	for i, e := range entries {
		applied[i] = statemachine.AppliedEntry{ID: statemachine.LogID{Term: e.ID.Term, Index: e.ID.Index}, Payload: e.Payload}
	}

	responses := func() (resps []types.ProposalResponse) {
		defer func() {
			if r := recover(); r != nil {
				log.Crit("raft: apply invariant violation", "node", n.id, "panic", r)
				panic(r)
			}
		}()
		return n.sm.Apply(applied)
	}()

	n.mu.Lock()
	n.lastApplied = hi
	waiters := make([]chan types.ProposalResponse, len(entries))
	for i, e := range entries {
		waiters[i] = n.waiters[e.ID.Index]
		delete(n.waiters, e.ID.Index)
	}
	n.mu.Unlock()

	if n.applyHook != nil {
		reqs := make([]types.ProposalRequest, len(entries))
		for i, e := range entries {
			reqs[i] = e.Payload
		}
		n.applyHook(reqs, responses)
	}

	for i, w := range waiters {
		if w != nil {
			w <- responses[i]
		}
	}
}

func sortDesc(xs []uint64) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] < xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
