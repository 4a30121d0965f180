package monitor

import (
	"fmt"
	"time"

	"skillflow/internal/domain"
)

type HealthStatus string

const (
	Healthy  HealthStatus = "healthy"
	Warning  HealthStatus = "warning"
	Critical HealthStatus = "critical"
)

type Health struct {
	Status    HealthStatus `json:"status"`
	Issues    []string     `json:"issues,omitempty"`
	CheckedAt time.Time    `json:"checked_at"`
}

// Counters are the execution metrics kept for every scope.
type Counters struct {
	Executions      int64         `json:"executions"`
	Successes       int64         `json:"successes"`
	Failures        int64         `json:"failures"`
	Retries         int64         `json:"retries"`
	ErrorRate       float64       `json:"error_rate"`
	AverageDuration time.Duration `json:"average_duration"`
	// Throughput is terminal executions per minute over the throughput window.
	Throughput   float64   `json:"throughput"`
	LastActivity time.Time `json:"last_activity,omitempty"`
}

type WorkflowCounts struct {
	Completed int64 `json:"completed"`
	Partial   int64 `json:"partial"`
	Failed    int64 `json:"failed"`
}

type Snapshot struct {
	Global    Counters                       `json:"global"`
	Tenants   map[string]Counters            `json:"tenants"`
	Skills    map[string]Counters            `json:"skills"`
	Queues    map[string]domain.QueueMetrics `json:"queues"`
	Workflows WorkflowCounts                 `json:"workflows"`
	InFlight  int                            `json:"in_flight"`
	Health    Health                         `json:"health"`
	At        time.Time                      `json:"at"`
}

type TenantMetrics struct {
	TenantID        string                 `json:"tenant_id"`
	Counters        Counters               `json:"counters"`
	InFlight        int                    `json:"in_flight"`
	RecentWorkflows []domain.WorkflowEvent `json:"recent_workflows"`
}

type SkillMetrics struct {
	SkillID      string   `json:"skill_id"`
	Counters     Counters `json:"counters"`
	Errors       []string `json:"errors,omitempty"`
	Alternatives int64    `json:"alternatives"`
}

type counter struct {
	executions, successes, failures, retries int64
	totalDuration                            time.Duration
	lastActivity                             time.Time
	// finished holds completion times inside the throughput window.
	finished []time.Time
}

func newCounter() *counter { return &counter{} }

func (c *counter) record(success bool, d time.Duration, at time.Time, window time.Duration) {
	c.executions++
	if success {
		c.successes++
	} else {
		c.failures++
	}
	c.totalDuration += d
	if at.After(c.lastActivity) {
		c.lastActivity = at
	}
	c.finished = append(c.finished, at)
	c.prune(at, window)
}

func (c *counter) prune(now time.Time, window time.Duration) {
	cut := now.Add(-window)
	i := 0
	for i < len(c.finished) && !c.finished[i].After(cut) {
		i++
	}
	if i > 0 {
		c.finished = append(c.finished[:0], c.finished[i:]...)
	}
}

func (c *counter) errorRate() float64 {
	if c.executions == 0 {
		return 0
	}
	return float64(c.failures) / float64(c.executions)
}

func (c *counter) snapshot(now time.Time, window time.Duration) Counters {
	c.prune(now, window)
	out := Counters{
		Executions:   c.executions,
		Successes:    c.successes,
		Failures:     c.failures,
		Retries:      c.retries,
		ErrorRate:    c.errorRate(),
		Throughput:   float64(len(c.finished)) / window.Minutes(),
		LastActivity: c.lastActivity,
	}
	if c.executions > 0 {
		out.AverageDuration = c.totalDuration / time.Duration(c.executions)
	}
	return out
}

// GetHealthStatus grades the system from the global counters and the
// in-flight set.
func (m *Monitor) GetHealthStatus() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	return m.healthLocked(now, m.global.snapshot(now, m.cfg.ThroughputWindow))
}

func (m *Monitor) healthLocked(now time.Time, g Counters) Health {
	th := m.cfg.Thresholds
	h := Health{Status: Healthy, CheckedAt: now}
	raise := func(s HealthStatus, format string, args ...any) {
		if s == Critical || h.Status == Healthy {
			h.Status = s
		}
		h.Issues = append(h.Issues, fmt.Sprintf(format, args...))
	}

	if g.Executions > 0 {
		switch {
		case g.ErrorRate > th.CriticalErrorRate:
			raise(Critical, "error rate %.1f%%", g.ErrorRate*100)
		case g.ErrorRate > th.WarningErrorRate:
			raise(Warning, "error rate %.1f%%", g.ErrorRate*100)
		}
	}

	inflight := len(m.inflight)
	if g.Throughput == 0 && inflight > 0 {
		if inflight >= th.CriticalInFlight {
			raise(Critical, "no throughput with %d tasks in flight", inflight)
		} else {
			raise(Warning, "no throughput with %d tasks in flight", inflight)
		}
	}

	if g.AverageDuration > th.SlowDuration {
		raise(Warning, "average duration %s", g.AverageDuration.Round(time.Millisecond))
	}

	stuck := 0
	for _, f := range m.inflight {
		if now.Sub(f.Since) > th.StuckAfter {
			stuck++
		}
	}
	if stuck > 0 {
		raise(Warning, "%d tasks stuck longer than %s", stuck, th.StuckAfter)
	}
	return h
}
