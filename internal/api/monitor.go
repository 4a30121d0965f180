package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"skillflow/internal/domain"
	"skillflow/internal/event"
	"skillflow/internal/monitor"
)

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Monitor.GetMetrics())
}

func (s *Server) getLicenseMetrics(w http.ResponseWriter, r *http.Request) {
	m, ok := s.Monitor.GetLicenseMetrics(chi.URLParam(r, "key"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResp{Error: "no activity for license"})
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) getSkillMetrics(w http.ResponseWriter, r *http.Request) {
	m, ok := s.Monitor.GetSkillMetrics(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResp{Error: "no activity for skill"})
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// replayMetrics rebuilds the monitor counters from the task history, e.g.
// after counters drifted from dropped events.
func (s *Server) replayMetrics(w http.ResponseWriter, r *http.Request) {
	results := s.Orchestrator.History().All()
	s.Monitor.Replay(results)
	writeJSON(w, http.StatusOK, map[string]any{"replayed": len(results), "metrics": s.Monitor.GetMetrics()})
}

type queueResp struct {
	Metrics domain.QueueMetrics `json:"metrics"`
	Paused  bool                `json:"paused"`
	Jobs    []domain.Job        `json:"jobs,omitempty"`
}

func (s *Server) listQueues(w http.ResponseWriter, r *http.Request) {
	names := s.Queues.Names()
	out := make([]queueResp, 0, len(names))
	for _, name := range names {
		if e, ok := s.Queues.GetQueue(name); ok {
			out = append(out, queueResp{Metrics: e.Metrics(), Paused: e.Paused()})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// getQueue includes the jobs matching ?status= when it is set.
func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	e, ok := s.Queues.GetQueue(chi.URLParam(r, "name"))
	if !ok {
		writeError(w, domain.ErrQueueNotFound)
		return
	}
	resp := queueResp{Metrics: e.Metrics(), Paused: e.Paused()}
	if status := r.URL.Query().Get("status"); status != "" {
		jobs := e.Jobs(domain.JobStatus(status))
		if limit := queryInt(r, "limit", 100); len(jobs) > limit {
			jobs = jobs[:limit]
		}
		resp.Jobs = jobs
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) pauseQueue(pause bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, ok := s.Queues.GetQueue(chi.URLParam(r, "name"))
		if !ok {
			writeError(w, domain.ErrQueueNotFound)
			return
		}
		if pause {
			e.Pause()
		} else {
			e.Resume()
		}
		writeJSON(w, http.StatusOK, queueResp{Metrics: e.Metrics(), Paused: e.Paused()})
	}
}

func (s *Server) listSkills(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Skills.List())
}

func (s *Server) setSkillEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Skills.SetEnabled(chi.URLParam(r, "id"), enabled); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// stream pushes monitor snapshots as server-sent events until the client
// goes away.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	updates, unsub := s.Monitor.Updates().SubscribeChan(8)
	defer unsub()

	w.Header().Set("content-type", "text/event-stream")
	w.Header().Set("cache-control", "no-cache")
	w.Header().Set("connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(snap monitor.Snapshot) error {
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.MonitorUpdate, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := send(s.Monitor.GetMetrics()); err != nil {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-updates:
			if !ok || send(snap) != nil {
				return
			}
		}
	}
}
