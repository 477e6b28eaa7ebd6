package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/relayforge/relay/engine"
)

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := s.gw.ListWorkflows(r.Context())
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"workflows": workflows})
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf engine.Workflow
	if err := decodeJSON(r, &wf); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid workflow body: "+err.Error())
		return
	}
	if err := s.svc.SaveWorkflow(r.Context(), &wf); err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, &wf)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.gw.LoadWorkflow(r.Context(), chi.URLParam(r, "workflowID"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respond(w, http.StatusOK, wf)
}

// handleUpdateWorkflow replaces a stored workflow. The creation timestamp
// is carried over so list ordering stays stable across updates.
func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowID")
	existing, err := s.gw.LoadWorkflow(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	var wf engine.Workflow
	if err := decodeJSON(r, &wf); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid workflow body: "+err.Error())
		return
	}
	wf.ID = id
	wf.CreatedAt = existing.CreatedAt
	if err := s.svc.SaveWorkflow(r.Context(), &wf); err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respond(w, http.StatusOK, &wf)
}

// handleDeleteWorkflow removes the definition. Past executions keep their
// history; deleting an unknown ID succeeds.
func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.gw.DeleteWorkflow(r.Context(), chi.URLParam(r, "workflowID")); err != nil {
		s.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	// The trigger body is optional; an empty body starts the execution
	// with a nil trigger.
	var body struct {
		Trigger map[string]any `json:"trigger"`
	}
	if err := decodeJSON(r, &body); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	id, violations, err := s.svc.Execute(r.Context(), chi.URLParam(r, "workflowID"), body.Trigger)
	switch {
	case errors.Is(err, engine.ErrWorkflowInvalid):
		s.respond(w, http.StatusBadRequest, map[string]any{
			"error":      err.Error(),
			"violations": violations,
		})
	case err != nil && id != "":
		// The execution row exists; only the enqueue failed. The startup
		// sweep requeues it, so the request is still accepted.
		s.log.Warn().Err(err).Str("executionId", id).Msg("accepted execution could not be enqueued")
		s.respond(w, http.StatusAccepted, map[string]string{"executionId": id})
	case err != nil:
		s.respondServiceError(w, err)
	default:
		s.respond(w, http.StatusAccepted, map[string]string{"executionId": id})
	}
}
