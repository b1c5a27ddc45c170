// Package rpcserver implements the executor-facing HTTP transport (spec.md
// §4.9): executors poll GET /executors/:id/work and post terminal results to
// POST /executors/:id/status. Routing is github.com/julienschmidt/httprouter,
// wrapped with github.com/rs/cors since executors may run in a browser-hosted
// dev harness during local testing.
package rpcserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/extractctl/controlplane/internal/statemachine"
	"github.com/extractctl/controlplane/internal/types"
)

// Proposer is the subset of the Command Router the server needs to commit
// heartbeats and status reports.
type Proposer interface {
	Propose(ctx context.Context, req types.ProposalRequest) (types.ProposalResponse, error)
}

// StatusReporter records a batch of task status reports, fanning extracted
// features out to the index managers (internal/ingestion.Bridge satisfies
// this).
type StatusReporter interface {
	ReportStatuses(ctx context.Context, reports []types.TaskStatusReport) error
}

// Server is the executor-facing RPC surface for one node.
type Server struct {
	sm       *statemachine.StateMachine
	proposer Proposer
	ingest   StatusReporter
	handler  http.Handler
}

// New builds a Server. Callers typically pass it to http.Server as the
// Handler, or mount it under their own mux.
func New(sm *statemachine.StateMachine, proposer Proposer, ingest StatusReporter) *Server {
	s := &Server{sm: sm, proposer: proposer, ingest: ingest}

	router := httprouter.New()
	router.POST("/executors/:id/heartbeat", s.handleHeartbeat)
	router.GET("/executors/:id/work", s.handleGetWork)
	router.POST("/executors/:id/status", s.handleReportStatus)

	s.handler = cors.Default().Handler(router)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type heartbeatBody struct {
	Addr      string                     `json:"addr"`
	Extractor types.ExtractorDescription `json:"extractor"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	executorID := ps.ByName("id")
	var body heartbeatBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	_, err := s.proposer.Propose(ctx, types.ProposalRequest{
		Tag: types.TagExecutorHeartbeat,
		Executor: &types.ExecutorHeartbeat{
			ExecutorID: executorID,
			Addr:       body.Addr,
			Extractor:  body.Extractor,
		},
	})
	if err != nil {
		httpError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetWork serves the tasks currently assigned to this executor
// directly from the local state machine snapshot (spec.md §4.4: reads are
// not routed through consensus).
func (s *Server) handleGetWork(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	executorID := ps.ByName("id")
	tasks := s.sm.TasksForExecutor(executorID)
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleReportStatus(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var reports []types.TaskStatusReport
	if err := json.NewDecoder(r.Body).Decode(&reports); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := s.ingest.ReportStatuses(ctx, reports); err != nil {
		log.Error("rpcserver: report_status failed", "executor_id", ps.ByName("id"), "err", err)
		httpError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("rpcserver: encode response failed", "err", err)
	}
}

func httpError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
