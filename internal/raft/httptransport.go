package raft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/extractctl/controlplane/internal/types"
)

// HTTPTransport is the networked Transport for a real multi-process
// deployment, as opposed to MemoryTransport's in-process wiring used by
// tests and single-process dev clusters. Peer addresses are resolved once
// at construction from the cluster's static configuration (spec.md §2);
// this reference engine does not support dynamic membership changes.
type HTTPTransport struct {
	client    *http.Client
	peerAddrs map[string]string
}

// NewHTTPTransport builds a transport addressing each peer id at the given
// base URL (e.g. "http://10.0.0.2:8500").
func NewHTTPTransport(peerAddrs map[string]string) *HTTPTransport {
	return &HTTPTransport{
		client:    &http.Client{Timeout: 2 * time.Second},
		peerAddrs: peerAddrs,
	}
}

func (t *HTTPTransport) post(ctx context.Context, peerID, path string, body, out any) error {
	addr, ok := t.peerAddrs[peerID]
	if !ok {
		return fmt.Errorf("raft: no known address for peer %q", peerID)
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("raft: %s%s: unexpected status %d", peerID, path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// RequestVote implements Transport over HTTP.
func (t *HTTPTransport) RequestVote(ctx context.Context, peerID string, args RequestVoteArgs) (RequestVoteReply, error) {
	var reply RequestVoteReply
	err := t.post(ctx, peerID, "/raft/request_vote", args, &reply)
	return reply, err
}

// AppendEntries implements Transport over HTTP.
func (t *HTTPTransport) AppendEntries(ctx context.Context, peerID string, args AppendEntriesArgs) (AppendEntriesReply, error) {
	var reply AppendEntriesReply
	err := t.post(ctx, peerID, "/raft/append_entries", args, &reply)
	return reply, err
}

// Handler serves the inbound side of HTTPTransport for node n: the RPCs its
// peers' HTTPTransport instances call. Mount it at the node's configured
// listen address alongside the executor-facing rpcserver.
func Handler(n *Node) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/raft/request_vote", func(w http.ResponseWriter, r *http.Request) {
		var args RequestVoteArgs
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSONReply(w, n.HandleRequestVote(args))
	})
	mux.HandleFunc("/raft/append_entries", func(w http.ResponseWriter, r *http.Request) {
		var args AppendEntriesArgs
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSONReply(w, n.HandleAppendEntries(args))
	})
	mux.HandleFunc("/raft/propose", func(w http.ResponseWriter, r *http.Request) {
		var req types.ProposalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp, err := n.Propose(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSONReply(w, resp)
	})
	return mux
}

// ProposeOn implements a router.Forwarder-shaped RPC against peerID's
// /raft/propose endpoint, reusing the same peer address table as
// RequestVote/AppendEntries. This is the client side of the handler
// registered above; the Command Router (internal/router) uses it to forward
// a write to the node it believes is the current leader.
func (t *HTTPTransport) ProposeOn(ctx context.Context, peerID string, req types.ProposalRequest) (types.ProposalResponse, error) {
	var resp types.ProposalResponse
	err := t.post(ctx, peerID, "/raft/propose", req, &resp)
	return resp, err
}

func writeJSONReply(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
