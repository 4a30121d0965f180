package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"skillflow/internal/scheduler"
)

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduler.ScheduleConfig
	if !decode(w, r, &req) {
		return
	}
	req.TenantID = tenant(r, req.TenantID)
	id, err := s.Scheduler.ScheduleRecurring(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	def, err := s.Scheduler.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Scheduler.List(queryTenant(r)))
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	def, err := s.Scheduler.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var upd scheduler.ScheduleUpdate
	if !decode(w, r, &upd) {
		return
	}
	if err := s.Scheduler.Update(r.Context(), id, upd); err != nil {
		writeError(w, err)
		return
	}
	s.getSchedule(w, r)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.Scheduler.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pauseSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.Scheduler.Pause(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	s.getSchedule(w, r)
}

func (s *Server) resumeSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.Scheduler.Resume(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	s.getSchedule(w, r)
}
