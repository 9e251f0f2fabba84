package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rickbal456/fdyu-sub003/internal/domain"
)

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": version})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeErr(w, http.StatusServiceUnavailable, "store_unavailable", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "providers": s.catalog.ProviderIDs()})
}

func (s *Server) executeWorkflow(w http.ResponseWriter, r *http.Request) {
	var req domain.ExecuteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	out, err := s.orchestrator.Start(r.Context(), callerID(r), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) workflowStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		writeErr(w, http.StatusBadRequest, "invalid_request", "id is required", nil)
		return
	}
	view, err := s.orchestrator.Status(r.Context(), userID, id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req domain.CancelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeErr(w, http.StatusBadRequest, "invalid_request", "id is required", nil)
		return
	}
	out, err := s.control.Cancel(r.Context(), userID, req.ID, req.CancelQueued)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) retryNode(w http.ResponseWriter, r *http.Request) {
	userID, req, ok := decodeNodeControl(w, r)
	if !ok {
		return
	}
	out, err := s.control.RetryNode(r.Context(), userID, req.ExecutionID, req.TaskID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) stopNode(w http.ResponseWriter, r *http.Request) {
	userID, req, ok := decodeNodeControl(w, r)
	if !ok {
		return
	}
	task, err := s.control.StopNode(r.Context(), userID, req.ExecutionID, req.TaskID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) saveWorkflow(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req domain.SaveWorkflowRequest
	if !decodeBody(w, r, &req) {
		return
	}
	wf, err := s.orchestrator.SaveWorkflow(r.Context(), userID, chi.URLParam(r, "workflow_id"), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireCaller(w, r)
	if !ok {
		return
	}
	wf, err := s.orchestrator.GetWorkflow(r.Context(), userID, chi.URLParam(r, "workflow_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// handleWebhook always answers 200; the outcome is informational.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	source := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("source")))
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		s.logger.Warn("read webhook body failed", "source", source, "error", err)
	}
	outcome := s.ingest.HandleWebhook(r.Context(), source, r.URL.Query(), body)
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "outcome": outcome})
}

func decodeNodeControl(w http.ResponseWriter, r *http.Request) (string, domain.NodeControlRequest, bool) {
	var req domain.NodeControlRequest
	userID, ok := requireCaller(w, r)
	if !ok {
		return "", req, false
	}
	if !decodeBody(w, r, &req) {
		return "", req, false
	}
	if strings.TrimSpace(req.ExecutionID) == "" || strings.TrimSpace(req.TaskID) == "" {
		writeErr(w, http.StatusBadRequest, "invalid_request", "executionId and taskId are required", nil)
		return "", req, false
	}
	return userID, req, true
}

func callerID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-Id"))
}

func requireCaller(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := callerID(r)
	if userID == "" {
		writeErr(w, http.StatusBadRequest, "user_required", "X-User-Id header is required", nil)
		return "", false
	}
	return userID, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			writeErr(w, http.StatusBadRequest, "invalid_json", "request body is required", nil)
			return false
		}
		writeErr(w, http.StatusBadRequest, "invalid_json", "invalid request body", nil)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func writeErr(w http.ResponseWriter, code int, errCode, message string, details interface{}) {
	writeJSON(w, code, domain.APIErrorBody{Error: domain.APIError{Code: errCode, Message: message, Details: details}})
}
