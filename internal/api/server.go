package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"skillflow/internal/domain"
	"skillflow/internal/monitor"
	"skillflow/internal/orchestrator"
	"skillflow/internal/queue"
	"skillflow/internal/scheduler"
	"skillflow/internal/skill"
)

// TenantHeader carries the license key when the body does not.
const TenantHeader = "X-License-Key"

// Deps are the components the HTTP surface fronts.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduler.Scheduler
	Monitor      *monitor.Monitor
	Queues       *queue.Manager
	Skills       *skill.Registry
}

type Server struct {
	r *chi.Mux
	Deps
}

func NewServer(d Deps) http.Handler {
	return NewServerWithDebug(d, false)
}

func NewServerWithDebug(d Deps, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, Deps: d}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/api", func(r chi.Router) {
		r.Get("/tasks", s.listTasks)
		r.Post("/tasks", s.submitTask)
		r.Get("/tasks/{id}", s.getTask)
		r.Delete("/tasks/{id}", s.cancelTask)

		r.Get("/workflows", s.listWorkflows)
		r.Post("/workflows", s.submitWorkflow)
		r.Get("/workflows/{id}", s.getWorkflow)

		r.Post("/schedules", s.createSchedule)
		r.Get("/schedules", s.listSchedules)
		r.Get("/schedules/{id}", s.getSchedule)
		r.Put("/schedules/{id}", s.updateSchedule)
		r.Delete("/schedules/{id}", s.deleteSchedule)
		r.Post("/schedules/{id}/pause", s.pauseSchedule)
		r.Post("/schedules/{id}/resume", s.resumeSchedule)

		r.Get("/skills", s.listSkills)
		r.Post("/skills/{id}/enable", s.setSkillEnabled(true))
		r.Post("/skills/{id}/disable", s.setSkillEnabled(false))

		r.Get("/metrics", s.getMetrics)
		r.Get("/metrics/licenses/{key}", s.getLicenseMetrics)
		r.Get("/metrics/skills/{id}", s.getSkillMetrics)

		r.Get("/queues", s.listQueues)
		r.Get("/queues/{name}", s.getQueue)
		r.Post("/queues/{name}/pause", s.pauseQueue(true))
		r.Post("/queues/{name}/resume", s.pauseQueue(false))

		r.Get("/monitor/stream", s.stream)
		r.Post("/monitor/replay", s.replayMetrics)
	})

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	h := s.Monitor.GetHealthStatus()
	status := http.StatusOK
	if h.Status == monitor.Critical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

// metrics renders the monitor snapshot in the Prometheus text format.
func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	snap := s.Monitor.GetMetrics()
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintln(w, "skillflow_up 1")
	fmt.Fprintf(w, "skillflow_executions_total %d\n", snap.Global.Executions)
	fmt.Fprintf(w, "skillflow_failures_total %d\n", snap.Global.Failures)
	fmt.Fprintf(w, "skillflow_retries_total %d\n", snap.Global.Retries)
	fmt.Fprintf(w, "skillflow_error_rate %g\n", snap.Global.ErrorRate)
	fmt.Fprintf(w, "skillflow_throughput_per_minute %g\n", snap.Global.Throughput)
	fmt.Fprintf(w, "skillflow_in_flight %d\n", snap.InFlight)
	fmt.Fprintf(w, "skillflow_workflows_total{status=\"completed\"} %d\n", snap.Workflows.Completed)
	fmt.Fprintf(w, "skillflow_workflows_total{status=\"partial\"} %d\n", snap.Workflows.Partial)
	fmt.Fprintf(w, "skillflow_workflows_total{status=\"failed\"} %d\n", snap.Workflows.Failed)

	skills := make([]string, 0, len(snap.Skills))
	for id := range snap.Skills {
		skills = append(skills, id)
	}
	sort.Strings(skills)
	for _, id := range skills {
		c := snap.Skills[id]
		fmt.Fprintf(w, "skillflow_skill_executions_total{skill=%q} %d\n", id, c.Executions)
		fmt.Fprintf(w, "skillflow_skill_failures_total{skill=%q} %d\n", id, c.Failures)
	}

	for _, name := range s.Queues.Names() {
		e, ok := s.Queues.GetQueue(name)
		if !ok {
			continue
		}
		m := e.Metrics()
		fmt.Fprintf(w, "skillflow_queue_jobs{queue=%q,status=\"waiting\"} %d\n", name, m.Waiting)
		fmt.Fprintf(w, "skillflow_queue_jobs{queue=%q,status=\"active\"} %d\n", name, m.Active)
		fmt.Fprintf(w, "skillflow_queue_jobs{queue=%q,status=\"delayed\"} %d\n", name, m.Delayed)
		fmt.Fprintf(w, "skillflow_queue_completed_total{queue=%q} %d\n", name, m.TotalCompleted)
		fmt.Fprintf(w, "skillflow_queue_failed_total{queue=%q} %d\n", name, m.TotalFailed)
	}
}

type errorResp struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// writeError maps domain errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	var (
		ve      *domain.ValidationError
		ce      *domain.CapacityError
		unknown *skill.UnknownSkillError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &ve), errors.As(err, &unknown):
		status = http.StatusBadRequest
	case errors.As(err, &ce):
		status = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrTaskNotFound),
		errors.Is(err, domain.ErrWorkflowNotFound),
		errors.Is(err, domain.ErrScheduleNotFound),
		errors.Is(err, domain.ErrQueueNotFound),
		errors.Is(err, domain.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrNotCancellable):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	reason, _ := domain.RejectionReason(err)
	writeJSON(w, status, errorResp{Error: err.Error(), Reason: string(reason)})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, domain.Invalid("body", "%v", err))
		return false
	}
	return true
}

// tenant prefers the body value and falls back to the license header.
func tenant(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return r.Header.Get(TenantHeader)
}

func queryTenant(r *http.Request) string {
	if t := r.URL.Query().Get("tenant_id"); t != "" {
		return t
	}
	return r.Header.Get(TenantHeader)
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
