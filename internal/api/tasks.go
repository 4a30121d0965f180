package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"skillflow/internal/domain"
	"skillflow/internal/orchestrator"
)

type submitTaskReq struct {
	TenantID    string         `json:"tenant_id"`
	SkillID     string         `json:"skill_id"`
	Params      map[string]any `json:"params"`
	Priority    int            `json:"priority"`
	DelayMS     int64          `json:"delay_ms"`
	MaxAttempts int            `json:"max_attempts"`
	Metadata    map[string]any `json:"metadata"`
	// Wait blocks the request until the task finishes or WaitMS elapses.
	Wait   bool  `json:"wait"`
	WaitMS int64 `json:"wait_ms"`
}

type submitResp struct {
	ID     string             `json:"id"`
	Result *domain.TaskResult `json:"result,omitempty"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskReq
	if !decode(w, r, &req) {
		return
	}
	id, err := s.Orchestrator.SubmitTask(r.Context(), tenant(r, req.TenantID), req.SkillID, req.Params, orchestrator.TaskOptions{
		Priority:    req.Priority,
		Delay:       time.Duration(req.DelayMS) * time.Millisecond,
		MaxAttempts: req.MaxAttempts,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if !req.Wait {
		writeJSON(w, http.StatusAccepted, submitResp{ID: id})
		return
	}
	res, ok := s.Orchestrator.WaitForTask(r.Context(), id, time.Duration(req.WaitMS)*time.Millisecond)
	if !ok {
		writeJSON(w, http.StatusAccepted, submitResp{ID: id})
		return
	}
	writeJSON(w, http.StatusOK, submitResp{ID: id, Result: res})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	st, err := s.Orchestrator.GetTaskStatus(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	if err := s.Orchestrator.CancelTask(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listTasks returns finished tasks from the history, newest first.
func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	tenantID := queryTenant(r)
	all := s.Orchestrator.History().All()
	out := make([]domain.TaskResult, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if tenantID == "" || all[i].TenantID == tenantID {
			out = append(out, all[i])
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type submitWorkflowReq struct {
	TenantID        string                `json:"tenant_id"`
	Name            string                `json:"name"`
	Steps           []domain.WorkflowStep `json:"steps"`
	Parallel        bool                  `json:"parallel"`
	ContinueOnError bool                  `json:"continue_on_error"`
	TimeoutMS       int64                 `json:"timeout_ms"`
	Metadata        map[string]any        `json:"metadata"`
}

func (s *Server) submitWorkflow(w http.ResponseWriter, r *http.Request) {
	var req submitWorkflowReq
	if !decode(w, r, &req) {
		return
	}
	def := domain.WorkflowDefinition{
		Name:            req.Name,
		Steps:           req.Steps,
		Parallel:        req.Parallel,
		ContinueOnError: req.ContinueOnError,
		Timeout:         time.Duration(req.TimeoutMS) * time.Millisecond,
	}
	id, err := s.Orchestrator.SubmitWorkflow(r.Context(), tenant(r, req.TenantID), def, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{ID: id})
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.Orchestrator.GetWorkflowStatus(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Orchestrator.Workflows(queryTenant(r)))
}
