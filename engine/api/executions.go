package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/relayforge/relay/engine"
	"github.com/relayforge/relay/engine/emit"
)

// executionDetail is the GET /executions/{id} response: the execution
// row with its node executions and a recent log tail embedded.
type executionDetail struct {
	*engine.Execution
	Nodes []*engine.NodeExecution `json:"nodes"`
	Logs  []emit.Event            `json:"logs"`
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "executionID")

	exec, err := s.gw.GetExecution(ctx, id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	nodes, err := s.gw.ListNodeExecutions(ctx, id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	logs, err := s.gw.ListExecutionLogs(ctx, id, recentLogLimit)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if nodes == nil {
		nodes = []*engine.NodeExecution{}
	}
	if logs == nil {
		logs = []emit.Event{}
	}
	s.respond(w, http.StatusOK, executionDetail{Execution: exec, Nodes: nodes, Logs: logs})
}

// lifecycleBody is the optional body of the lifecycle operations. Only
// pause uses the node ID; a pause without one suspends the whole
// execution.
type lifecycleBody struct {
	NodeID string `json:"nodeId"`
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op func(executionID string, body lifecycleBody) error) {
	var body lifecycleBody
	if err := decodeJSON(r, &body); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	id := chi.URLParam(r, "executionID")
	if err := op(id, body); err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]string{"executionId": id})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(id string, _ lifecycleBody) error {
		return s.svc.Cancel(r.Context(), id)
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(id string, body lifecycleBody) error {
		var nodeIDs []string
		if body.NodeID != "" {
			nodeIDs = []string{body.NodeID}
		}
		return s.svc.Pause(r.Context(), id, nodeIDs)
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(id string, _ lifecycleBody) error {
		return s.svc.Resume(r.Context(), id)
	})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(id string, _ lifecycleBody) error {
		return s.svc.Retry(r.Context(), id)
	})
}

func (s *Server) handleNodeLogs(w http.ResponseWriter, r *http.Request) {
	nodeExecutionID := r.URL.Query().Get("nodeExecutionId")
	if nodeExecutionID == "" {
		s.respondError(w, http.StatusBadRequest, "nodeExecutionId is required")
		return
	}
	events, err := s.gw.ListNodeLogs(r.Context(), nodeExecutionID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if events == nil {
		events = []emit.Event{}
	}
	s.respond(w, http.StatusOK, map[string]any{"events": events})
}

// handleNodeLogsByNode returns every event a workflow node produced
// across all its attempts within one execution.
func (s *Server) handleNodeLogsByNode(w http.ResponseWriter, r *http.Request) {
	executionID := r.URL.Query().Get("executionId")
	nodeID := r.URL.Query().Get("nodeId")
	if executionID == "" || nodeID == "" {
		s.respondError(w, http.StatusBadRequest, "executionId and nodeId are required")
		return
	}
	events, err := s.gw.ListExecutionLogs(r.Context(), executionID, 0)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	matched := lo.Filter(events, func(e emit.Event, _ int) bool {
		return e.NodeID == nodeID
	})
	if matched == nil {
		matched = []emit.Event{}
	}
	s.respond(w, http.StatusOK, map[string]any{"events": matched})
}
